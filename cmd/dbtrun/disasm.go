package main

import (
	"fmt"

	"github.com/colorfulnotion/dbt/tcache"
	"github.com/spf13/cobra"
)

func newDisasmCmd() *cobra.Command {
	var (
		g        guestFlags
		pc       string
		count    int
		hostCode bool
	)
	cmd := &cobra.Command{
		Use:   "disasm",
		Short: "Disassemble guest code, or the host code it translates to",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			m, err := g.build(cfg)
			if err != nil {
				return err
			}
			defer m.Close()

			addr := m.State.RIP
			if pc != "" {
				if addr, err = parseAddr(pc); err != nil {
					return fmt.Errorf("--pc: %w", err)
				}
			}
			out, err := m.Disassemble(addr, count)
			if err != nil {
				return err
			}
			fmt.Print(out)
			if !hostCode {
				return nil
			}
			m.Engine.Prewarm([]tcache.Key{{PC: addr, Flags: m.State.Mode()}})
			hc, err := m.HostCode(addr)
			if err != nil {
				return err
			}
			fmt.Printf("\nhost code:\n%s", hc)
			return nil
		},
	}
	g.register(cmd)
	cmd.Flags().StringVar(&pc, "pc", "", "Address to start at (defaults to the entry point)")
	cmd.Flags().IntVarP(&count, "count", "n", 16, "Guest instructions to list")
	cmd.Flags().BoolVar(&hostCode, "host", false, "Also translate the unit at --pc and list its host code")
	return cmd
}
