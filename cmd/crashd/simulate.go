package main

import (
	"fmt"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"crash-recovery-go/pkg/scenario"
)

var simulateParallel int

var simulateCmd = &cobra.Command{
	Use:   "simulate scenario.yaml...",
	Short: "Replay scripted jobs against a simulated printer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var scenarios []*scenario.Scenario
		for _, path := range args {
			s, err := scenario.Load(path)
			if err != nil {
				return err
			}
			scenarios = append(scenarios, s)
		}

		start := time.Now()
		results, err := scenario.RunAll(cmd.Context(), scenarios, simulateParallel, scenario.Options{})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		steps := 0
		for _, r := range results {
			steps += r.Steps
			fmt.Fprintf(out, "ok   %s (%d steps, final %s, %s)\n", r.Name, r.Steps, r.Final, r.Halt.State)
		}
		fmt.Fprintf(out, "%s scenarios, %s steps in %s\n",
			humanize.Comma(int64(len(results))), humanize.Comma(int64(steps)), time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	simulateCmd.Flags().IntVarP(&simulateParallel, "parallel", "p", runtime.NumCPU(), "scenarios run at once")
}
