// dnsgraphctl is a CLI for the dnsgraph daemon.
//
// Installation:
//
//	go build -o dnsgraphctl ./cmd/dnsgraphctl
//	mv dnsgraphctl /usr/local/bin/
//
// Usage:
//
//	dnsgraphctl graph --filter service:shop/checkout
//	dnsgraphctl watch --filter external:api.stripe.com
//	dnsgraphctl status
//	kubectl logs -n kube-system -l k8s-app=kube-dns | dnsgraphctl parse
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	outputFmt string
	serverURL string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dnsgraphctl",
		Short: "Inspect the DNS communication graph",
		Long: `dnsgraphctl talks to a running dnsgraph daemon.

It fetches the current graph, streams live updates over the websocket
channel, and parses CoreDNS log lines locally for debugging.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:9090", "Base URL of the dnsgraph daemon")

	// Add subcommands
	rootCmd.AddCommand(graphCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(parseCmd())

	return rootCmd
}
