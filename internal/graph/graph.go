package graph

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/dnsgraph/dnsgraph/internal/types"
)

var (
	// ErrClosed is returned by Run when the event channel is closed while
	// the context is still live.
	ErrClosed = errors.New("event channel closed")

	// ErrUnrouted is returned by Ingest for events without both endpoints.
	ErrUnrouted = errors.New("event has no source or destination")
)

// DiffSink receives every non-empty diff, in version order.
type DiffSink interface {
	OnDiff(types.Diff)
}

// DiffSinkFunc adapts a function to DiffSink.
type DiffSinkFunc func(types.Diff)

// OnDiff implements DiffSink.
func (f DiffSinkFunc) OnDiff(d types.Diff) { f(d) }

// Options configures the Aggregator.
type Options struct {
	// Window is how long an event contributes to rolling counts.
	Window time.Duration

	// Resolution is the width of a rolling count bucket. Expiry is accurate
	// to within one bucket.
	Resolution time.Duration

	// TickInterval is how often Run computes and publishes a diff.
	TickInterval time.Duration

	// EdgeGrace is how long an edge with a zero rolling count is kept past
	// the window.
	EdgeGrace time.Duration

	// NodeGrace is how long a node with a zero rolling count and no active
	// edges is kept past the window.
	NodeGrace time.Duration

	// MaxNodes caps the node count. Zero means no cap. When exceeded, the
	// least recently seen inactive nodes are evicted early.
	MaxNodes int

	Clock  clock.WithTicker
	Logger *zap.Logger
}

// DefaultOptions returns default aggregator options.
func DefaultOptions() Options {
	return Options{
		Window:       5 * time.Minute,
		Resolution:   time.Second,
		TickInterval: 2 * time.Second,
		EdgeGrace:    30 * time.Second,
		NodeGrace:    30 * time.Second,
		Clock:        clock.RealClock{},
		Logger:       zap.NewNop(),
	}
}

type nodeState struct {
	id       types.NodeID
	lastSeen time.Time
	counter
	edges map[string]struct{}
}

func (n *nodeState) view(key string) types.Node {
	return types.Node{
		Key:      key,
		Kind:     n.id.Kind,
		Name:     n.id.Name,
		LastSeen: n.lastSeen,
		Total:    n.total,
		Rolling:  n.rolling,
	}
}

type edgeState struct {
	source, destination string
	classification      types.Classification
	lastType, lastRcode string
	lastSeen            time.Time
	counter
}

func (e *edgeState) view(key string) types.Edge {
	return types.Edge{
		Key:            key,
		Source:         e.source,
		Destination:    e.destination,
		Total:          e.total,
		Rolling:        e.rolling,
		LastQueryType:  e.lastType,
		LastRcode:      e.lastRcode,
		Classification: e.classification,
		LastSeen:       e.lastSeen,
	}
}

// Aggregator folds classified query events into a weighted, windowed graph
// and emits versioned diffs. Ingest and Tick must be called from a single
// goroutine (Run does this); Snapshot is safe from any goroutine.
type Aggregator struct {
	logger *zap.Logger
	opts   Options
	clock  clock.WithTicker

	nodes map[string]*nodeState
	edges map[string]*edgeState

	dirtyNodes map[string]struct{}
	dirtyEdges map[string]struct{}

	mu        sync.RWMutex
	published types.Snapshot
}

// New creates an Aggregator. Zero-valued options fall back to defaults.
func New(opts Options) *Aggregator {
	def := DefaultOptions()
	if opts.Window == 0 {
		opts.Window = def.Window
	}
	if opts.Resolution == 0 {
		opts.Resolution = def.Resolution
	}
	if opts.TickInterval == 0 {
		opts.TickInterval = def.TickInterval
	}
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}

	return &Aggregator{
		logger:     opts.Logger.Named("graph"),
		opts:       opts,
		clock:      opts.Clock,
		nodes:      make(map[string]*nodeState),
		edges:      make(map[string]*edgeState),
		dirtyNodes: make(map[string]struct{}),
		dirtyEdges: make(map[string]struct{}),
		published:  types.NewSnapshot(),
	}
}

// Ingest records one event: both endpoint nodes and the edge between them
// are created if needed, counted and stamped with the current time.
func (a *Aggregator) Ingest(ev types.QueryEvent) error {
	if !ev.Routed() {
		return ErrUnrouted
	}
	now := a.clock.Now()

	src := a.touchNode(ev.Source, now)
	dst := ev.Destination.ID.Key()
	if dst != src {
		a.touchNode(ev.Destination.ID, now)
	}

	key := types.EdgeKey(src, dst)
	e, ok := a.edges[key]
	if !ok {
		e = &edgeState{
			source:         src,
			destination:    dst,
			classification: ev.Destination.Classification,
		}
		a.edges[key] = e
		a.nodes[src].edges[key] = struct{}{}
		a.nodes[dst].edges[key] = struct{}{}
	}
	e.add(now, a.opts.Resolution)
	e.lastSeen = now
	e.lastType = ev.Type
	e.lastRcode = ev.Rcode
	a.dirtyEdges[key] = struct{}{}

	eventsTotal.WithLabelValues(string(ev.Destination.Classification)).Inc()
	return nil
}

func (a *Aggregator) touchNode(id types.NodeID, now time.Time) string {
	key := id.Key()
	n, ok := a.nodes[key]
	if !ok {
		n = &nodeState{id: id, edges: make(map[string]struct{})}
		a.nodes[key] = n
	}
	n.add(now, a.opts.Resolution)
	n.lastSeen = now
	a.dirtyNodes[key] = struct{}{}
	return key
}

// Tick decays rolling counts, evicts idle edges and nodes, and returns the
// diff of everything that changed since the previous tick. A non-empty diff
// advances the version.
func (a *Aggregator) Tick() types.Diff {
	start := time.Now()
	defer func() { tickDuration.Observe(time.Since(start).Seconds()) }()

	now := a.clock.Now()
	cutoff := now.Add(-a.opts.Window)

	for key, e := range a.edges {
		if e.expire(cutoff, a.opts.Resolution) {
			a.dirtyEdges[key] = struct{}{}
		}
	}
	for key, n := range a.nodes {
		if n.expire(cutoff, a.opts.Resolution) {
			a.dirtyNodes[key] = struct{}{}
		}
	}

	edgeDeadline := now.Add(-(a.opts.Window + a.opts.EdgeGrace))
	for key, e := range a.edges {
		if e.rolling == 0 && !e.lastSeen.After(edgeDeadline) {
			a.removeEdge(key)
			evictionsTotal.WithLabelValues("edge").Inc()
		}
	}

	nodeDeadline := now.Add(-(a.opts.Window + a.opts.NodeGrace))
	for key, n := range a.nodes {
		if a.idle(n) && !n.lastSeen.After(nodeDeadline) {
			a.removeNode(key)
			evictionsTotal.WithLabelValues("node").Inc()
		}
	}

	a.enforceCap()

	diff := a.collect()
	if !diff.IsEmpty() {
		a.mu.Lock()
		if err := a.published.Apply(diff); err != nil {
			// Only possible if collect and published disagree on the version.
			a.logger.Error("Failed to apply diff to published snapshot", zap.Error(err))
		}
		a.mu.Unlock()

		a.logger.Debug("Graph changed",
			zap.Uint64("version", diff.Version),
			zap.Int("nodes", len(a.nodes)),
			zap.Int("edges", len(a.edges)))
	}

	nodeCount.Set(float64(len(a.nodes)))
	edgeCount.Set(float64(len(a.edges)))
	return diff
}

// idle reports whether a node has no rolling count of its own and no edge
// with a rolling count.
func (a *Aggregator) idle(n *nodeState) bool {
	if n.rolling != 0 {
		return false
	}
	for key := range n.edges {
		if a.edges[key].rolling != 0 {
			return false
		}
	}
	return true
}

func (a *Aggregator) removeEdge(key string) {
	e, ok := a.edges[key]
	if !ok {
		return
	}
	if n, ok := a.nodes[e.source]; ok {
		delete(n.edges, key)
	}
	if n, ok := a.nodes[e.destination]; ok {
		delete(n.edges, key)
	}
	delete(a.edges, key)
	a.dirtyEdges[key] = struct{}{}
}

// removeNode drops a node together with any edges still attached to it.
func (a *Aggregator) removeNode(key string) {
	n, ok := a.nodes[key]
	if !ok {
		return
	}
	for edgeKey := range n.edges {
		a.removeEdge(edgeKey)
	}
	delete(a.nodes, key)
	a.dirtyNodes[key] = struct{}{}
}

// enforceCap evicts idle nodes, least recently seen first, while the node
// count exceeds MaxNodes.
func (a *Aggregator) enforceCap() {
	if a.opts.MaxNodes <= 0 || len(a.nodes) <= a.opts.MaxNodes {
		return
	}

	var candidates []string
	for key, n := range a.nodes {
		if a.idle(n) {
			candidates = append(candidates, key)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		ni, nj := a.nodes[candidates[i]], a.nodes[candidates[j]]
		if !ni.lastSeen.Equal(nj.lastSeen) {
			return ni.lastSeen.Before(nj.lastSeen)
		}
		return candidates[i] < candidates[j]
	})

	for _, key := range candidates {
		if len(a.nodes) <= a.opts.MaxNodes {
			return
		}
		a.removeNode(key)
		evictionsTotal.WithLabelValues("cap").Inc()
	}
	if len(a.nodes) > a.opts.MaxNodes {
		a.logger.Warn("Node cap exceeded by active nodes",
			zap.Int("nodes", len(a.nodes)),
			zap.Int("max_nodes", a.opts.MaxNodes))
	}
}

// collect turns the dirty sets into a diff against the published snapshot
// and clears them.
func (a *Aggregator) collect() types.Diff {
	a.mu.RLock()
	prev := a.published
	diff := types.Diff{FromVersion: prev.Version, Version: prev.Version}

	for key := range a.dirtyNodes {
		old, existed := prev.Nodes[key]
		cur, exists := a.nodes[key]
		switch {
		case exists && !existed:
			diff.AddedNodes = append(diff.AddedNodes, cur.view(key))
		case exists && existed:
			if v := cur.view(key); v != old {
				diff.UpdatedNodes = append(diff.UpdatedNodes, v)
			}
		case !exists && existed:
			diff.RemovedNodes = append(diff.RemovedNodes, key)
		}
	}
	for key := range a.dirtyEdges {
		old, existed := prev.Edges[key]
		cur, exists := a.edges[key]
		switch {
		case exists && !existed:
			diff.AddedEdges = append(diff.AddedEdges, cur.view(key))
		case exists && existed:
			if v := cur.view(key); v != old {
				diff.UpdatedEdges = append(diff.UpdatedEdges, v)
			}
		case !exists && existed:
			diff.RemovedEdges = append(diff.RemovedEdges, key)
		}
	}
	a.mu.RUnlock()

	clear(a.dirtyNodes)
	clear(a.dirtyEdges)

	if !diff.IsEmpty() {
		diff.Version = prev.Version + 1
		diff.Sort()
	}
	return diff
}

// Snapshot returns a copy of the graph as of the last tick. Its version
// matches the last diff handed out.
func (a *Aggregator) Snapshot() types.Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.published.Clone()
}

// Run ingests events and ticks on the configured interval, passing each
// non-empty diff to sink. Blocks until the context is cancelled.
func (a *Aggregator) Run(ctx context.Context, events <-chan types.QueryEvent, sink DiffSink) error {
	a.logger.Info("Starting graph aggregator",
		zap.Duration("window", a.opts.Window),
		zap.Duration("tick_interval", a.opts.TickInterval),
		zap.Int("max_nodes", a.opts.MaxNodes))

	ticker := a.clock.NewTicker(a.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Graph aggregator stopped")
			return nil

		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrClosed
			}
			a.ingest(ev)

		case <-ticker.C():
			// Events already queued when the tick fired belong before it.
			for n := len(events); n > 0; n-- {
				ev, ok := <-events
				if !ok {
					break
				}
				a.ingest(ev)
			}
			if diff := a.Tick(); !diff.IsEmpty() {
				sink.OnDiff(diff)
			}
		}
	}
}

func (a *Aggregator) ingest(ev types.QueryEvent) {
	if err := a.Ingest(ev); err != nil {
		a.logger.Debug("Dropping event", zap.String("name", ev.Name), zap.Error(err))
	}
}
