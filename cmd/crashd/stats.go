package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"crash-recovery-go/pkg/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print persisted crash statistics and stall guard settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, closeStore, err := openStore(cfg.Store)
		if err != nil {
			return err
		}
		defer closeStore()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "store          %s %s\n", cfg.Store.Backend, cfg.Store.Path)
		fmt.Fprintf(out, "crashes x      %s\n", humanize.Comma(int64(st.Uint32(store.KeyCrashCountX))))
		fmt.Fprintf(out, "crashes y      %s\n", humanize.Comma(int64(st.Uint32(store.KeyCrashCountY))))
		fmt.Fprintf(out, "power panics   %s\n", humanize.Comma(int64(st.Uint32(store.KeyPowerPanicsCount))))
		fmt.Fprintf(out, "detection      %t (filter %t)\n", st.Bool(store.KeyCrashEnabled), st.Bool(store.KeyCrashFilter))
		fmt.Fprintf(out, "sensitivity    x=%d y=%d\n", st.Int32(store.KeyCrashSensX), st.Int32(store.KeyCrashSensY))
		fmt.Fprintf(out, "max period     x=%d y=%d\n", st.Uint32(store.KeyCrashMaxPeriodX), st.Uint32(store.KeyCrashMaxPeriodY))
		return nil
	},
}

var resetStatsCmd = &cobra.Command{
	Use:   "reset-stats",
	Short: "Zero the persisted crash and power panic totals",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, closeStore, err := openStore(cfg.Store)
		if err != nil {
			return err
		}
		defer closeStore()

		for _, k := range []store.Key{store.KeyCrashCountX, store.KeyCrashCountY, store.KeyPowerPanicsCount} {
			st.SetUint32(k, 0)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "crash statistics reset")
		return nil
	},
}
