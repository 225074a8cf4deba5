package main

import (
	"fmt"

	"github.com/colorfulnotion/dbt/storage"
	"github.com/spf13/cobra"
)

func newProfileCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Inspect or reset a stored execution profile",
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "Profile store directory")
	_ = cmd.MarkPersistentFlagRequired("path")

	var n int
	hotCmd := &cobra.Command{
		Use:   "hot",
		Short: "List the hottest recorded units",
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := storage.OpenProfileStore(path)
			if err != nil {
				return err
			}
			defer ps.Close()
			recs, err := ps.Hot(n)
			if err != nil {
				return err
			}
			fmt.Printf("%-18s %-6s %12s %6s %5s\n", "PC", "FLAGS", "HITS", "INSNS", "RUNS")
			for _, r := range recs {
				fmt.Printf("%#-18x %-6x %12d %6d %5d\n", r.PC, r.Flags, r.Hits, r.Insns, r.Runs)
			}
			return nil
		},
	}
	hotCmd.Flags().IntVarP(&n, "count", "n", 20, "Units to list")

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every recorded unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := storage.OpenProfileStore(path)
			if err != nil {
				return err
			}
			defer ps.Close()
			return ps.Reset()
		},
	}
	cmd.AddCommand(hotCmd, resetCmd)
	return cmd
}
