// Package main provides the netpulse agent CLI.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "0.1.0"

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "netpulse",
		Short:         "Network quality feedback and telemetry agent",
		Long:          `Queue user feedback and signal telemetry locally and deliver it to the netpulse collector whenever connectivity allows.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to netpulse.toml (default: ./netpulse.toml if present)")

	root.AddCommand(
		newRunCmd(&configPath),
		newSubmitCmd(&configPath),
		newSyncCmd(&configPath),
		newStatusCmd(&configPath),
		newConfigCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
