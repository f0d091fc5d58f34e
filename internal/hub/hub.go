package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dnsgraph/dnsgraph/internal/types"
)

var (
	// ErrSlowConsumer is reported by a subscription that was disconnected
	// because its queue filled up.
	ErrSlowConsumer = errors.New("subscriber queue full")

	// ErrStopped is reported by subscriptions closed because the hub stopped.
	ErrStopped = errors.New("hub stopped")
)

// SnapshotSource provides the authoritative graph for (re)baselining.
type SnapshotSource interface {
	Snapshot() types.Snapshot
}

// Options configures the Hub.
type Options struct {
	// QueueSize is the per-subscriber message buffer.
	QueueSize int

	// MaxBacklog is how many diffs may wait for the hub goroutine. Past
	// that, queued diffs are dropped and every subscriber is re-baselined
	// from the source.
	MaxBacklog int

	Logger *zap.Logger
}

// DefaultOptions returns default hub options.
func DefaultOptions() Options {
	return Options{
		QueueSize:  64,
		MaxBacklog: 1024,
		Logger:     zap.NewNop(),
	}
}

type opKind int

const (
	opDiff opKind = iota
	opRegister
	opUnregister
	opSetFilter
)

type op struct {
	kind   opKind
	diff   types.Diff
	sub    *Subscription
	filter Filter
}

// Hub fans graph diffs out to subscribers, each with its own filter. All
// subscriber state is owned by the goroutine running Run; the public methods
// only queue work for it and never block.
type Hub struct {
	logger *zap.Logger
	opts   Options
	source SnapshotSource

	mu      sync.Mutex
	pending []op
	diffs   int
	resync  bool
	stopped bool
	notify  chan struct{}

	count atomic.Int64

	// Owned by Run.
	replica types.Snapshot
	subs    map[string]*Subscription
}

// New creates a Hub. Zero-valued options fall back to defaults.
func New(source SnapshotSource, opts Options) *Hub {
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.MaxBacklog <= 0 {
		opts.MaxBacklog = def.MaxBacklog
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}
	return &Hub{
		logger:  opts.Logger.Named("hub"),
		opts:    opts,
		source:  source,
		notify:  make(chan struct{}, 1),
		replica: types.NewSnapshot(),
		subs:    make(map[string]*Subscription),
	}
}

// OnDiff queues a diff for fan-out. Never blocks.
func (h *Hub) OnDiff(d types.Diff) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	if h.diffs >= h.opts.MaxBacklog {
		kept := h.pending[:0]
		for _, o := range h.pending {
			if o.kind != opDiff {
				kept = append(kept, o)
			}
		}
		h.pending = kept
		h.diffs = 0
		h.resync = true
		h.logger.Warn("Diff backlog full, subscribers will be re-baselined",
			zap.Int("max_backlog", h.opts.MaxBacklog))
	}
	h.pending = append(h.pending, op{kind: opDiff, diff: d})
	h.diffs++
	h.wake()
}

// Register adds a subscriber. Its first message is a filtered snapshot,
// followed by filtered diffs.
func (h *Hub) Register(f Filter) *Subscription {
	sub := &Subscription{
		ID:     uuid.NewString(),
		ch:     make(chan Message, h.opts.QueueSize),
		filter: f,
	}
	if !h.enqueue(op{kind: opRegister, sub: sub}) {
		sub.close(ErrStopped)
	}
	return sub
}

// Unregister removes a subscriber and closes its channel.
func (h *Hub) Unregister(sub *Subscription) {
	h.enqueue(op{kind: opUnregister, sub: sub})
}

// SetFilter replaces a subscriber's filter. The subscriber receives a fresh
// snapshot under the new filter before any further diffs.
func (h *Hub) SetFilter(sub *Subscription, f Filter) {
	h.enqueue(op{kind: opSetFilter, sub: sub, filter: f})
}

func (h *Hub) enqueue(o op) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.pending = append(h.pending, o)
	h.wake()
	return true
}

// wake must be called with mu held.
func (h *Hub) wake() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// Run processes queued work until the context is cancelled, then closes
// every subscription.
func (h *Hub) Run(ctx context.Context) error {
	h.logger.Info("Starting subscription hub", zap.Int("queue_size", h.opts.QueueSize))
	h.rebase()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			h.logger.Info("Subscription hub stopped")
			return nil
		case <-h.notify:
		}

		h.mu.Lock()
		ops := h.pending
		resync := h.resync
		h.pending = nil
		h.diffs = 0
		h.resync = false
		h.mu.Unlock()

		if resync {
			h.rebase()
			h.rebaselineAll()
		}
		for _, o := range ops {
			h.handle(o)
		}
	}
}

func (h *Hub) handle(o op) {
	switch o.kind {
	case opDiff:
		h.applyDiff(o.diff)
	case opRegister:
		h.subs[o.sub.ID] = o.sub
		h.setCount(len(h.subs))
		h.logger.Debug("Subscriber registered",
			zap.String("subscriber", o.sub.ID),
			zap.Stringer("filter", o.sub.filter))
		h.baseline(o.sub)
	case opUnregister:
		h.drop(o.sub, nil)
	case opSetFilter:
		if _, ok := h.subs[o.sub.ID]; !ok {
			return
		}
		o.sub.filter = o.filter
		h.logger.Debug("Subscriber filter changed",
			zap.String("subscriber", o.sub.ID),
			zap.Stringer("filter", o.filter))
		h.baseline(o.sub)
	}
}

// rebase replaces the replica with the source's current snapshot.
func (h *Hub) rebase() {
	if h.source == nil {
		return
	}
	h.replica = h.source.Snapshot()
	if h.replica.Nodes == nil {
		h.replica = types.NewSnapshot()
	}
}

func (h *Hub) applyDiff(d types.Diff) {
	if d.Version <= h.replica.Version {
		// Already covered by a rebase.
		return
	}
	if err := h.replica.Apply(d); err != nil {
		h.logger.Warn("Diff does not follow replica, re-baselining subscribers",
			zap.Uint64("replica_version", h.replica.Version),
			zap.Uint64("diff_from", d.FromVersion),
			zap.Error(err))
		resyncTotal.Inc()
		h.rebase()
		h.rebaselineAll()
		return
	}

	for _, sub := range h.subs {
		if sub.filter.IsAll() {
			h.send(sub, Message{Type: MessageDiff, Diff: &d})
			sub.view.Version = d.Version
			continue
		}
		next := sub.filter.Project(h.replica)
		fd := diffViews(sub.view, next)
		if fd.IsEmpty() {
			continue
		}
		if h.send(sub, Message{Type: MessageDiff, Diff: &fd}) {
			sub.view = next
		}
	}
}

func (h *Hub) rebaselineAll() {
	for _, sub := range h.subs {
		h.baseline(sub)
	}
}

// baseline sends a subscriber its full filtered view.
func (h *Hub) baseline(sub *Subscription) {
	view := sub.filter.Project(h.replica)
	if !h.send(sub, Message{Type: MessageSnapshot, Snapshot: &view}) {
		return
	}
	if sub.filter.IsAll() {
		sub.view = types.Snapshot{Version: view.Version}
		return
	}
	sub.view = view.Clone()
}

// send enqueues without blocking. A full queue disconnects the subscriber.
func (h *Hub) send(sub *Subscription, m Message) bool {
	select {
	case sub.ch <- m:
		messagesTotal.WithLabelValues(string(m.Type)).Inc()
		return true
	default:
		h.logger.Warn("Disconnecting slow subscriber",
			zap.String("subscriber", sub.ID),
			zap.Int("queue_size", cap(sub.ch)))
		slowConsumerTotal.Inc()
		h.drop(sub, ErrSlowConsumer)
		return false
	}
}

func (h *Hub) drop(sub *Subscription, reason error) {
	if _, ok := h.subs[sub.ID]; !ok {
		return
	}
	delete(h.subs, sub.ID)
	sub.close(reason)
	h.setCount(len(h.subs))
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	h.stopped = true
	ops := h.pending
	h.pending = nil
	h.mu.Unlock()

	for _, o := range ops {
		if o.kind == opRegister {
			o.sub.close(ErrStopped)
		}
	}
	for _, sub := range h.subs {
		sub.close(ErrStopped)
	}
	h.subs = make(map[string]*Subscription)
	h.setCount(0)
}

func (h *Hub) setCount(n int) {
	h.count.Store(int64(n))
	subscriberCount.Set(float64(n))
}

// Subscribers returns the number of registered subscribers.
func (h *Hub) Subscribers() int {
	return int(h.count.Load())
}

// Snapshot returns the current graph under a filter.
func (h *Hub) Snapshot(f Filter) types.Snapshot {
	if h.source == nil {
		return types.NewSnapshot()
	}
	return f.Project(h.source.Snapshot())
}
