// Package commands implements the gomesh daemon CLI.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// configPath is the --config flag shared by all subcommands.
var configPath string

// rootCmd is the top-level cobra command for gomesh.
var rootCmd = &cobra.Command{
	Use:   "gomesh",
	Short: "Multi-transport mesh messaging daemon",
	Long: "gomesh carries small application payloads between peers over " +
		"heterogeneous radio links: a short-range high-bandwidth mesh, a " +
		"long-range narrow-band radio, and the foreign mesh protocol spoken " +
		"by existing nodes.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to configuration file (YAML)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
