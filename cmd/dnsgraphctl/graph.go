package main

import (
	"context"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/dnsgraph/dnsgraph/internal/api"
	"github.com/dnsgraph/dnsgraph/internal/hub"
)

func graphCmd() *cobra.Command {
	var filter string

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Show the current DNS communication graph",
		Long: `Fetch a snapshot of the graph from the daemon.

Examples:
  # Everything
  dnsgraphctl graph

  # Who talks to the checkout service
  dnsgraphctl graph --filter service:shop/checkout

  # Output as YAML
  dnsgraphctl graph -o yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGraph(cmd, filter)
		},
	}

	cmd.Flags().StringVarP(&filter, "filter", "f", "", "Filter as <pod|service|external>:<name>")

	return cmd
}

func runGraph(cmd *cobra.Command, filter string) error {
	// Fail fast on typos before going to the network
	if _, err := hub.ParseFilter(filter); err != nil {
		return err
	}

	query := url.Values{}
	if filter != "" {
		query.Set("filter", filter)
	}

	var result api.GraphResponse
	if err := getJSON(ctxOf(cmd), "/api/v1/graph", query, &result); err != nil {
		return fmt.Errorf("failed to fetch graph: %w", err)
	}

	return outputResult(cmd.OutOrStdout(), result, outputFmt)
}

func ctxOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
