package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/strandproxy/strand/internal/client"
	"github.com/strandproxy/strand/internal/topology"
)

func encodeAsJSON(out io.Writer, payload any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func newTopologiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topologies",
		Short: "Manage topology declarations",
	}

	cmd.AddCommand(newTopologiesListCmd())
	cmd.AddCommand(newTopologiesGetCmd())
	cmd.AddCommand(newTopologiesApplyCmd())
	cmd.AddCommand(newTopologiesDeleteCmd())
	return cmd
}

func newTopologiesListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List topologies",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			all, err := api.ListTopologies(ctx)
			if err != nil {
				return err
			}
			if len(all) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No topologies found")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-10s\n", "NAME", "SERVICES")
			for _, t := range all {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-10d\n", t.Name, len(t.Services))
			}
			return nil
		},
	}
	return cmd
}

func newTopologiesGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Show a topology declaration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			t, err := api.GetTopology(ctx, args[0])
			if err != nil {
				return err
			}
			return encodeAsJSON(cmd.OutOrStdout(), t)
		},
	}
	return cmd
}

func newTopologiesApplyCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create or update a topology from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			raw, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read %s: %w", file, err)
			}
			var t topology.Topology
			if err := json.Unmarshal(raw, &t); err != nil {
				return fmt.Errorf("decode %s: %w", file, err)
			}

			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			applied, err := api.ApplyTopology(ctx, t)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "topology %s applied\n", applied.Name)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "path to the topology JSON document")
	return cmd
}

func newTopologiesDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a topology",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			if err := api.DeleteTopology(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "topology %s deleted\n", args[0])
			return nil
		},
	}
	return cmd
}

func clientFromCmd(cmd *cobra.Command) (*client.Client, error) {
	base, err := cmd.Root().PersistentFlags().GetString("api")
	if err != nil {
		base = envOrDefault("STRAND_API_BASE", "http://127.0.0.1:7070")
	}
	apiKey, err := cmd.Root().PersistentFlags().GetString("api-key")
	if err != nil {
		apiKey = os.Getenv("STRAND_API_KEY")
	}
	return client.New(base, apiKey)
}
