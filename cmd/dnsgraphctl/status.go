package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dnsgraph/dnsgraph/internal/api"
)

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long: `Show CoreDNS stream health, graph size and subscriber count.

Examples:
  # Show status
  dnsgraphctl status

  # Output as JSON
  dnsgraphctl status -o json`,
		RunE: runStatus,
	}

	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	var result api.StatusResponse
	if err := getJSON(ctxOf(cmd), "/api/v1/status", nil, &result); err != nil {
		return fmt.Errorf("failed to fetch status: %w", err)
	}

	return outputResult(cmd.OutOrStdout(), result, outputFmt)
}
