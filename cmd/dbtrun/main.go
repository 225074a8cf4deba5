// dbtrun loads a raw x86 image and runs it under the translation engine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "dbtrun",
		Short:        "Dynamic binary translator for x86 guest code",
		SilenceUsage: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(
		newRunCmd(),
		newDebugCmd(),
		newDisasmCmd(),
		newProfileCmd(),
		newConfigCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("dbtrun %s (commit %s, built %s)\n", Version, Commit, BuildTime)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
