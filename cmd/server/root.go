package main

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for the Globalyzing server.
func NewRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:          "globalyzing",
		Short:        "Globalyzing - applicant and professor matching",
		SilenceUsage: true,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	cmd.AddCommand(NewServeCmd(&configFile))
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// NewVersionCmd creates the version subcommand.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.Println(cmd.Root().Version)
			return nil
		},
	}
}
