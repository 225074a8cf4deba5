package main

import (
	"fmt"

	"github.com/colorfulnotion/dbt/config"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if path != "" {
				var err error
				if cfg, err = config.Load(path); err != nil {
					return err
				}
			}
			text, err := cfg.Encode()
			if err != nil {
				return err
			}
			fmt.Print(text)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "TOML configuration file to merge over the defaults")
	return cmd
}
