// crashd runs the crash detection and recovery state machine.
//
// Usage:
//
//	crashd serve [--config crashd.toml]
//	crashd simulate scenario.yaml...
//	crashd stats
//	crashd reset-stats
//
// Trigger events arrive one per line on the trigger device, or on
// standard input when none is configured.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"crash-recovery-go/pkg/config"
	"crash-recovery-go/pkg/errors"
	"crash-recovery-go/pkg/log"
	"crash-recovery-go/pkg/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "crashd",
	Short:         "Crash detection and recovery for the motion controller",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file (TOML)")
	rootCmd.AddCommand(serveCmd, simulateCmd, statsCmd, resetStatsCmd)
}

func main() {
	log.ConfigureFromEnv(log.Default())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "crashd: %v\n", err)
		code := 1
		if errors.IsConfig(err) {
			code = 2
		}
		os.Exit(code)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyLog(log.Default())
	return cfg, nil
}

// openStore opens the configured backend. close releases it.
func openStore(cfg config.StoreConfig) (st store.Store, close func() error, err error) {
	nop := func() error { return nil }
	switch cfg.Backend {
	case config.BackendMemory:
		return store.NewMemory(), nop, nil
	case config.BackendFile:
		fs, err := store.OpenFile(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return fs, nop, nil
	case config.BackendSQLite:
		db, err := store.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	}
	return nil, nil, errors.ConfigValidationError("store", "backend", "unknown backend "+cfg.Backend)
}
