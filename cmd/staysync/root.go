package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

func NewRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "staysync",
		Short:         "Availability reconciliation and booking conflict engine for short-term rentals",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	def := os.Getenv("CONFIG_PATH")
	if def == "" {
		def = defaultConfigPath
	}
	root.PersistentFlags().StringVar(&configPath, "config", def, "path to config.yaml (env CONFIG_PATH)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newSyncCmd(&configPath))
	root.AddCommand(newSweepCmd(&configPath))
	root.AddCommand(newExportCmd(&configPath))

	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "staysync %s (commit=%s, built=%s)\n", Version, CommitSHA, BuildDate)
		},
	}
}
