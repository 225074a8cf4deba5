package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/colorfulnotion/dbt/engine"
	"github.com/colorfulnotion/dbt/machine"
	"github.com/colorfulnotion/dbt/report"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var (
		g          guestFlags
		timeout    time.Duration
		reportPath string
		statePath  string
		expectPath string
		hot        int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a guest image until it halts or exits",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			cfg.Dispatch.ReturnOnHalt = true
			m, err := g.build(cfg)
			if err != nil {
				return err
			}
			defer m.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			start := time.Now()
			reason, runErr := m.Run(ctx)
			elapsed := time.Since(start)

			fmt.Printf("exit: %s after %s\n", reason, elapsed.Round(time.Microsecond))
			if runErr != nil {
				fmt.Printf("error: %v\n", runErr)
			}
			fmt.Print(m.State.String())
			printStats(m.Engine.Stats())

			if reportPath != "" {
				if err := writeReport(m, reportPath, hot); err != nil {
					return err
				}
				fmt.Printf("report written to %s\n", reportPath)
			}
			got, err := m.StateJSON()
			if err != nil {
				return err
			}
			if statePath != "" {
				if err := os.WriteFile(statePath, got, 0o644); err != nil {
					return err
				}
			}
			if expectPath != "" {
				want, err := os.ReadFile(expectPath)
				if err != nil {
					return err
				}
				diff, differs, err := report.DiffState(want, got, true)
				if err != nil {
					return err
				}
				if differs {
					fmt.Print(diff)
					return fmt.Errorf("final state differs from %s", expectPath)
				}
				fmt.Printf("final state matches %s\n", expectPath)
			}
			if reason == engine.ExitFatal || reason == engine.ExitUnhandledException {
				return runErr
			}
			return nil
		},
	}
	g.register(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Stop the guest after this long (0 runs until exit)")
	cmd.Flags().StringVar(&reportPath, "report", "", "Write an HTML report of the translation cache")
	cmd.Flags().IntVar(&hot, "hot", 20, "Units shown in the report's hot chart")
	cmd.Flags().StringVar(&statePath, "state", "", "Write the final registers as JSON")
	cmd.Flags().StringVar(&expectPath, "expect", "", "Compare the final registers against this JSON file")
	return cmd
}

func writeReport(m *machine.Machine, path string, hot int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := report.Render(f, m.Engine.Cache(), m.Engine.Profile(), hot); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printStats(s engine.Stats) {
	fmt.Printf("units %d  translations %d  executions %d  chained %d\n",
		s.Units, s.Translations, s.Executions, s.Chained)
	fmt.Printf("exceptions %d  interrupts %d  demand maps %d  code writes %d  spurious faults %d\n",
		s.Exceptions, s.Interrupts, s.DemandMaps, s.CodeWrites, s.SpuriousFaults)
	fmt.Printf("arena %d/%d bytes (%d dead), %d resets\n",
		s.Arena.Used, s.Arena.Capacity, s.Arena.Dead, s.Arena.Resets)
}
