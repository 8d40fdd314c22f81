package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Execute runs the Cobra-based CLI entry point.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strandctl",
		Short: "Strand command-line interface",
		Long:  "Strand CLI manages topologies and routes on a running strandd.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringP("api", "a", envOrDefault("STRAND_API_BASE", "http://127.0.0.1:7070"), "strandd admin base URL")
	cmd.PersistentFlags().String("api-key", os.Getenv("STRAND_API_KEY"), "admin API key")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newTopologiesCmd())
	cmd.AddCommand(newRoutesCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the Strand client version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Strand CLI (prototype)\n")
		},
	}
}

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
