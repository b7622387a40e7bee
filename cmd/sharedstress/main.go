package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// envPrefix prefixes the environment variables that supply flag defaults.
const envPrefix = "SHAREDSTRESS_"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sharedstress",
		Short: "Stress test shared handles",
		Long: `sharedstress hammers reference-counted shared handles from many
goroutines and checks that every value is released exactly once.

Flag defaults can be set through SHAREDSTRESS_* environment variables,
for example SHAREDSTRESS_WORKERS=32.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		runCmd(),
		versionCmd(),
	)

	return rootCmd
}
