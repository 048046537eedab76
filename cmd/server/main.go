package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "eventrelayd",
		Short:         "Durable learner event ingestion and dispatch",
		Long:          "eventrelayd accepts learner events over HTTP, stages them on local disk and drains them to the configured broker.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().String("config", os.Getenv("EVENTRELAY_CONFIG"), "Path to a YAML config file (optional)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newBufferCmd())
	rootCmd.AddCommand(newTokenCmd())
	return rootCmd
}
