package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/dnsgraph/dnsgraph/internal/api"
	"github.com/dnsgraph/dnsgraph/internal/types"
)

// ParseResult is the result of a parse command.
type ParseResult struct {
	Events   []types.QueryEvent `json:"events"`
	Lines    int                `json:"lines"`
	Rejected map[string]int     `json:"rejected,omitempty"`
}

// outputResult writes the result to w in the specified format.
func outputResult(w io.Writer, result interface{}, format string) error {
	switch format {
	case "json":
		return outputJSON(w, result)
	case "yaml":
		return outputYAML(w, result)
	default:
		return outputTable(w, result)
	}
}

func outputJSON(w io.Writer, result interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func outputYAML(w io.Writer, result interface{}) error {
	data, err := yaml.Marshal(result)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func outputTable(out io.Writer, result interface{}) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	switch r := result.(type) {
	case api.GraphResponse:
		return outputGraphTable(w, r)
	case api.StatusResponse:
		return outputStatusTable(w, r)
	case ParseResult:
		return outputParseTable(w, r)
	default:
		// Fall back to JSON for unknown types
		return outputJSON(out, result)
	}
}

func outputGraphTable(w *tabwriter.Writer, r api.GraphResponse) error {
	fmt.Fprintf(w, "VERSION\t%d\n", r.Version)
	if r.Filter != "" {
		fmt.Fprintf(w, "FILTER\t%s\n", r.Filter)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "NODE\tTOTAL\tROLLING\tLAST SEEN")
	for _, n := range r.Nodes {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", n.Key, n.Total, n.Rolling, formatTime(n.LastSeen))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "SOURCE\tDESTINATION\tCLASS\tTOTAL\tROLLING\tLAST TYPE\tLAST SEEN")
	for _, e := range r.Edges {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			e.Source, e.Destination, e.Classification, e.Total, e.Rolling, e.LastQueryType, formatTime(e.LastSeen))
	}

	return nil
}

func outputStatusTable(w *tabwriter.Writer, r api.StatusResponse) error {
	fmt.Fprintf(w, "CLUSTER API\t%s\n", r.ClusterAPI)
	fmt.Fprintf(w, "GRAPH VERSION\t%d\n", r.Graph.Version)
	fmt.Fprintf(w, "NODES\t%d\n", r.Graph.Nodes)
	fmt.Fprintf(w, "EDGES\t%d (%d internal, %d external)\n", r.Graph.Edges, r.Graph.InternalEdges, r.Graph.ExternalEdges)
	fmt.Fprintf(w, "SUBSCRIBERS\t%d\n", r.Subscribers)
	if r.HubbleStatus != nil {
		fmt.Fprintf(w, "HUBBLE\tconnected=%t %s\n", r.HubbleStatus.Connected, r.HubbleStatus.Address)
	}
	if r.UpSince != "" {
		fmt.Fprintf(w, "UP SINCE\t%s\n", r.UpSince)
	}

	if len(r.Streams) > 0 {
		fmt.Fprintln(w, "\nPOD\tSTATE\tLINES\tRECONNECTS\tLAST LINE")
		for _, s := range r.Streams {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
				s.Pod, s.State, s.Lines, s.Reconnects, formatTime(s.LastLine))
		}
	}

	return nil
}

func outputParseTable(w *tabwriter.Writer, r ParseResult) error {
	fmt.Fprintln(w, "TIME\tCLIENT\tTYPE\tNAME\tRCODE\tPROTO\tDURATION")
	for _, ev := range r.Events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			formatTime(ev.Time), ev.ClientIP, ev.Type, ev.Name, ev.Rcode, ev.Protocol, ev.Duration)
	}

	rejected := 0
	for _, n := range r.Rejected {
		rejected += n
	}
	fmt.Fprintf(w, "\n%d lines, %d queries, %d rejected\n", r.Lines, len(r.Events), rejected)
	if rejected > 0 {
		reasons := make([]string, 0, len(r.Rejected))
		for reason := range r.Rejected {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		parts := make([]string, 0, len(reasons))
		for _, reason := range reasons {
			parts = append(parts, fmt.Sprintf("%s=%d", reason, r.Rejected[reason]))
		}
		fmt.Fprintf(w, "REJECTED\t%s\n", strings.Join(parts, " "))
	}

	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
