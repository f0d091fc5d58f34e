package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dnsgraph/dnsgraph/internal/parser"
	"github.com/dnsgraph/dnsgraph/internal/types"
)

func parseCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "parse",
		Short: "Parse CoreDNS log lines locally",
		Long: `Parse CoreDNS query log lines and print the recognised queries.

Lines come from --file or stdin. Lines that are not query log entries are
counted by rejection reason. Nothing is sent to the daemon.

Examples:
  # Parse a saved log
  dnsgraphctl parse --file coredns.log

  # Parse live output
  kubectl logs -n kube-system -l k8s-app=kube-dns --timestamps | dnsgraphctl parse -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("failed to open log file: %w", err)
				}
				defer f.Close()
				in = f
			}
			result, err := parseLines(in)
			if err != nil {
				return err
			}
			return outputResult(cmd.OutOrStdout(), result, outputFmt)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Log file to parse (default stdin)")

	return cmd
}

func parseLines(r io.Reader) (ParseResult, error) {
	result := ParseResult{
		Events:   []types.QueryEvent{},
		Rejected: make(map[string]int),
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		result.Lines++
		ev, err := parser.Parse(types.RawLine{Text: scanner.Text(), Received: time.Now()})
		if err != nil {
			result.Rejected[string(parser.ReasonOf(err))]++
			continue
		}
		result.Events = append(result.Events, ev)
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("reading log lines: %w", err)
	}
	return result, nil
}
