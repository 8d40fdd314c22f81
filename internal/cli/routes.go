package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newRoutesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Show published routing entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			routes, err := api.ListRoutes(ctx)
			if err != nil {
				return err
			}
			if len(routes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No routes published")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-10s %-6s\n", "TOPOLOGY", "VERSION", "RULES")
			for _, r := range routes {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-10d %-6d\n", r.Topology, r.Version, r.Rules)
			}
			return nil
		},
	}
	return cmd
}
