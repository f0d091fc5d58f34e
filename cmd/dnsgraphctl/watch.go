package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/dnsgraph/dnsgraph/internal/hub"
	"github.com/dnsgraph/dnsgraph/internal/types"
)

func watchCmd() *cobra.Command {
	var (
		filter string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream graph updates",
		Long: `Subscribe to the daemon's update channel and print changes as they
arrive. The first message is a snapshot; later messages are diffs against
it.

Examples:
  # Watch everything
  dnsgraphctl watch

  # Watch traffic to an external host as JSON
  dnsgraphctl watch --filter external:api.stripe.com -o json

  # Stop after the snapshot and two diffs
  dnsgraphctl watch --limit 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := hub.ParseFilter(filter); err != nil {
				return err
			}
			return runWatch(ctxOf(cmd), cmd.OutOrStdout(), filter, limit)
		},
	}

	cmd.Flags().StringVarP(&filter, "filter", "f", "", "Filter as <pod|service|external>:<name>")
	cmd.Flags().IntVar(&limit, "limit", 0, "Stop after this many messages (0 means no limit)")

	return cmd
}

func runWatch(ctx context.Context, out io.Writer, filter string, limit int) error {
	conn, err := dialUpdates(ctx, filter)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	view := &watchView{out: out, format: outputFmt}
	for n := 0; limit <= 0 || n < limit; n++ {
		var msg hub.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return fmt.Errorf("server closed the update stream: %s", ce.Text)
			}
			return fmt.Errorf("reading update: %w", err)
		}
		if err := view.handle(msg); err != nil {
			return err
		}
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}

// watchView keeps the local copy of the graph and renders each message.
type watchView struct {
	out    io.Writer
	format string
	graph  types.Snapshot
	synced bool
}

func (v *watchView) handle(msg hub.Message) error {
	switch msg.Type {
	case hub.MessageSnapshot:
		if msg.Snapshot == nil {
			return fmt.Errorf("snapshot message without a snapshot")
		}
		v.graph = msg.Snapshot.Clone()
		v.synced = true
	case hub.MessageDiff:
		if msg.Diff == nil {
			return fmt.Errorf("diff message without a diff")
		}
		if !v.synced {
			return fmt.Errorf("diff %d received before a snapshot", msg.Diff.Version)
		}
		if err := v.graph.Apply(*msg.Diff); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}

	switch v.format {
	case "json":
		return json.NewEncoder(v.out).Encode(msg)
	case "yaml":
		data, err := yaml.Marshal(msg)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(v.out, "---\n%s", data)
		return err
	default:
		return v.printTable(msg)
	}
}

func (v *watchView) printTable(msg hub.Message) error {
	if msg.Type == hub.MessageSnapshot {
		s := msg.Snapshot
		fmt.Fprintf(v.out, "# snapshot v%d: %d nodes, %d edges\n", s.Version, len(s.Nodes), len(s.Edges))
		for _, n := range s.NodeList() {
			fmt.Fprintf(v.out, "+ node %s\n", n.Key)
		}
		for _, e := range s.EdgeList() {
			fmt.Fprintf(v.out, "+ edge %s -> %s (%s) total=%d\n", e.Source, e.Destination, e.Classification, e.Total)
		}
		return nil
	}

	d := msg.Diff
	fmt.Fprintf(v.out, "# diff v%d -> v%d\n", d.FromVersion, d.Version)
	for _, k := range d.RemovedEdges {
		fmt.Fprintf(v.out, "- edge %s\n", k)
	}
	for _, k := range d.RemovedNodes {
		fmt.Fprintf(v.out, "- node %s\n", k)
	}
	for _, n := range d.AddedNodes {
		fmt.Fprintf(v.out, "+ node %s\n", n.Key)
	}
	for _, e := range d.AddedEdges {
		fmt.Fprintf(v.out, "+ edge %s -> %s (%s) total=%d\n", e.Source, e.Destination, e.Classification, e.Total)
	}
	for _, e := range d.UpdatedEdges {
		fmt.Fprintf(v.out, "~ edge %s -> %s total=%d rolling=%d\n", e.Source, e.Destination, e.Total, e.Rolling)
	}
	_, err := fmt.Fprintf(v.out, "# %d nodes, %d edges\n", len(v.graph.Nodes), len(v.graph.Edges))
	return err
}
