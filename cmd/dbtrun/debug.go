package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/colorfulnotion/dbt/console"
	"github.com/spf13/cobra"
)

func newDebugCmd() *cobra.Command {
	var g guestFlags
	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Load a guest image and drive it from a JavaScript console",
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

			c, err := console.New(m, os.Stdout)
			if err != nil {
				return err
			}
			rl, err := readline.NewEx(&readline.Config{
				Prompt:      "dbt> ",
				HistoryFile: filepath.Join(os.TempDir(), "dbtrun_history.txt"),
			})
			if err != nil {
				return fmt.Errorf("failed to start readline: %w", err)
			}
			defer rl.Close()

			fmt.Println("type dbt.help() for the bindings, exit to quit")
			for {
				line, err := rl.Readline()
				if err != nil {
					break
				}
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				if line == "exit" || line == "quit" {
					break
				}
				out, err := c.Eval(line)
				if err != nil {
					fmt.Println("error:", err)
					continue
				}
				if out != "" {
					fmt.Println(out)
				}
			}
			return nil
		},
	}
	g.register(cmd)
	return cmd
}
