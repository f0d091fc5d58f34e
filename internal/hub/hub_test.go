package hub

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/dnsgraph/dnsgraph/internal/graph"
	"github.com/dnsgraph/dnsgraph/internal/testutil"
	"github.com/dnsgraph/dnsgraph/internal/types"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	podA     = testutil.PodID("default", "pod-a")
	podB     = testutil.PodID("default", "pod-b")
	serviceX = testutil.ServiceDest("default", "service-x")
	google   = types.ExternalDestination("8.8.8.8")
)

type fixture struct {
	agg   *graph.Aggregator
	clock *clocktesting.FakeClock
	hub   *Hub
}

func newFixture(opts Options) *fixture {
	clk := clocktesting.NewFakeClock(t0)
	agg := graph.New(graph.Options{Window: 10 * time.Second, Clock: clk, Logger: zap.NewNop()})
	opts.Logger = zap.NewNop()
	return &fixture{agg: agg, clock: clk, hub: New(agg, opts)}
}

func (f *fixture) start(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func (f *fixture) tick(t *testing.T, events ...types.QueryEvent) types.Diff {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, f.agg.Ingest(ev))
	}
	d := f.agg.Tick()
	if !d.IsEmpty() {
		f.hub.OnDiff(d)
	}
	return d
}

func recv(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case m, ok := <-sub.Messages():
		require.True(t, ok, "subscription closed: %v", sub.Err())
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

// drain reads until the channel closes.
func drain(t *testing.T, sub *Subscription) []Message {
	t.Helper()
	var out []Message
	for {
		select {
		case m, ok := <-sub.Messages():
			if !ok {
				return out
			}
			out = append(out, m)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for close")
			return out
		}
	}
}

func TestRegister_SnapshotThenDiffs(t *testing.T) {
	f := newFixture(Options{})
	f.tick(t, testutil.Event(t0, podA, serviceX, "A"))
	f.start(t)

	sub := f.hub.Register(All)
	require.NotEmpty(t, sub.ID)

	m := recv(t, sub)
	require.Equal(t, MessageSnapshot, m.Type)
	require.NotNil(t, m.Snapshot)
	assert.Equal(t, uint64(1), m.Snapshot.Version)
	assert.Len(t, m.Snapshot.Nodes, 2)
	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	f.tick(t, testutil.Event(t0, podA, google, "A"))
	m = recv(t, sub)
	require.Equal(t, MessageDiff, m.Type)
	require.NotNil(t, m.Diff)
	assert.Equal(t, uint64(1), m.Diff.FromVersion)
	assert.Equal(t, uint64(2), m.Diff.Version)
	require.Len(t, m.Diff.AddedEdges, 1)
	assert.Equal(t, "pod/default/pod-a->external/8.8.8.8", m.Diff.AddedEdges[0].Key)
}

func TestFilteredSubscriberNeverSeesUnrelatedEdge(t *testing.T) {
	f := newFixture(Options{})
	f.start(t)

	filter, err := ParseFilter("service:service-x")
	require.NoError(t, err)
	sub := f.hub.Register(filter)
	all := f.hub.Register(All)

	f.tick(t,
		testutil.Event(t0, podA, serviceX, "A"),
		testutil.Event(t0, podA, google, "A"))
	f.clock.Step(time.Second)
	f.tick(t,
		testutil.Event(t0, podB, google, "A"),
		testutil.Event(t0, podA, google, "AAAA"))
	f.clock.Step(time.Second)
	f.tick(t, testutil.Event(t0, podB, serviceX, "A"))

	// The unfiltered subscriber sees every diff, so once it has the last one
	// the filtered queue is complete too.
	for i := 0; i < 4; i++ {
		recv(t, all)
	}
	f.hub.Unregister(sub)
	msgs := drain(t, sub)
	assert.NoError(t, sub.Err())

	require.NotEmpty(t, msgs)
	require.Equal(t, MessageSnapshot, msgs[0].Type)

	view := *msgs[0].Snapshot
	for _, m := range msgs {
		switch m.Type {
		case MessageSnapshot:
			for key := range m.Snapshot.Edges {
				assert.NotContains(t, key, "external/8.8.8.8")
			}
		case MessageDiff:
			for _, e := range append(m.Diff.AddedEdges, m.Diff.UpdatedEdges...) {
				assert.NotContains(t, e.Key, "external/8.8.8.8")
			}
			for _, n := range append(m.Diff.AddedNodes, m.Diff.UpdatedNodes...) {
				assert.NotEqual(t, "external/8.8.8.8", n.Key)
			}
			require.NoError(t, view.Apply(*m.Diff))
		}
	}

	want := filter.Project(f.agg.Snapshot())
	assert.Equal(t, want.Nodes, view.Nodes)
	assert.Equal(t, want.Edges, view.Edges)
	assert.Len(t, view.Edges, 2)
}

func TestDiffReplayMatchesAggregatorForEveryFilter(t *testing.T) {
	f := newFixture(Options{QueueSize: 256})
	f.start(t)

	filters := []Filter{
		All,
		{Kind: types.NodeKindPod, Name: "pod-a"},
		{Kind: types.NodeKindService, Name: "default/service-x"},
		{Kind: types.NodeKindExternal, Name: "8.8.8.8"},
	}
	subs := make([]*Subscription, len(filters))
	for i, flt := range filters {
		subs[i] = f.hub.Register(flt)
	}

	events := [][]types.QueryEvent{
		{testutil.Event(t0, podA, serviceX, "A")},
		{testutil.Event(t0, podB, google, "A")},
		{},
		{testutil.Event(t0, podA, google, "A"), testutil.Event(t0, podB, serviceX, "SRV")},
		{},
		{testutil.Event(t0, podB, google, "A")},
	}
	for _, batch := range events {
		f.tick(t, batch...)
		f.clock.Step(4 * time.Second)
	}
	// Let everything expire.
	for i := 0; i < 4; i++ {
		f.tick(t)
		f.clock.Step(4 * time.Second)
	}

	final := f.agg.Snapshot()
	for i, sub := range subs {
		f.hub.Unregister(sub)
		msgs := drain(t, sub)
		require.NotEmpty(t, msgs)
		require.Equal(t, MessageSnapshot, msgs[0].Type)

		view := *msgs[0].Snapshot
		for _, m := range msgs[1:] {
			require.Equal(t, MessageDiff, m.Type)
			require.NoError(t, view.Apply(*m.Diff), "filter %s", filters[i])
			require.NoError(t, view.Validate())
		}
		want := filters[i].Project(final)
		assert.Equal(t, want.Nodes, view.Nodes, "filter %s", filters[i])
		assert.Equal(t, want.Edges, view.Edges, "filter %s", filters[i])
	}
	assert.Empty(t, final.Nodes)
}

func TestSetFilter_Rebaselines(t *testing.T) {
	f := newFixture(Options{})
	f.tick(t,
		testutil.Event(t0, podA, serviceX, "A"),
		testutil.Event(t0, podB, google, "A"))
	f.start(t)

	sub := f.hub.Register(All)
	m := recv(t, sub)
	assert.Len(t, m.Snapshot.Edges, 2)

	f.hub.SetFilter(sub, Filter{Kind: types.NodeKindExternal, Name: "8.8.8.8"})
	m = recv(t, sub)
	require.Equal(t, MessageSnapshot, m.Type)
	assert.Equal(t, []string{"pod/default/pod-b->external/8.8.8.8"}, keys(m.Snapshot.Edges))

	// A change outside the filter produces nothing, the next one inside does.
	f.tick(t, testutil.Event(t0, podA, serviceX, "A"))
	f.tick(t, testutil.Event(t0, podA, google, "A"))
	m = recv(t, sub)
	require.Equal(t, MessageDiff, m.Type)
	assert.Equal(t, uint64(1), m.Diff.FromVersion)
	assert.Equal(t, uint64(3), m.Diff.Version)
	require.Len(t, m.Diff.AddedEdges, 1)
	assert.Equal(t, "pod/default/pod-a->external/8.8.8.8", m.Diff.AddedEdges[0].Key)
	require.Len(t, m.Diff.AddedNodes, 1)
	assert.Equal(t, "pod/default/pod-a", m.Diff.AddedNodes[0].Key)
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	f := newFixture(Options{QueueSize: 2})
	f.start(t)

	slow := f.hub.Register(All)
	fast := f.hub.Register(All)
	recv(t, fast)

	for i := 0; i < 5; i++ {
		f.tick(t, testutil.Event(t0, podA, serviceX, "A"))
		recv(t, fast)
	}

	msgs := drain(t, slow)
	assert.Len(t, msgs, 2)
	assert.ErrorIs(t, slow.Err(), ErrSlowConsumer)

	// The other subscriber keeps going
	f.tick(t, testutil.Event(t0, podB, serviceX, "A"))
	m := recv(t, fast)
	assert.Equal(t, MessageDiff, m.Type)
}

func TestRunStopClosesSubscriptions(t *testing.T) {
	f := newFixture(Options{})
	cancel := f.start(t)

	sub := f.hub.Register(All)
	recv(t, sub)

	cancel()
	drain(t, sub)
	assert.ErrorIs(t, sub.Err(), ErrStopped)
	require.Eventually(t, func() bool { return f.hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		late := f.hub.Register(All)
		_, ok := <-late.Messages()
		return !ok && late.Err() == ErrStopped
	}, 2*time.Second, 10*time.Millisecond)
}

type staticSource struct{ snap types.Snapshot }

func (s *staticSource) Snapshot() types.Snapshot { return s.snap.Clone() }

func TestVersionGapRebaselines(t *testing.T) {
	src := &staticSource{snap: types.NewSnapshot()}
	h := New(src, Options{Logger: zap.NewNop()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Run(ctx) }()

	sub := h.Register(All)
	m := recv(t, sub)
	assert.Equal(t, uint64(0), m.Snapshot.Version)

	// The source moved on to version 5 and the hub only sees a diff from 4.
	src.snap.Version = 5
	src.snap.Nodes["external/example.com"] = types.Node{Key: "external/example.com", Kind: types.NodeKindExternal, Name: "example.com"}
	h.OnDiff(types.Diff{FromVersion: 4, Version: 5, RemovedNodes: []string{"external/other"}})

	m = recv(t, sub)
	require.Equal(t, MessageSnapshot, m.Type)
	assert.Equal(t, uint64(5), m.Snapshot.Version)
	assert.Contains(t, m.Snapshot.Nodes, "external/example.com")
}

func TestBacklogOverflowSchedulesResync(t *testing.T) {
	h := New(nil, Options{MaxBacklog: 2, Logger: zap.NewNop()})
	sub := h.Register(All)

	for v := uint64(0); v < 5; v++ {
		h.OnDiff(types.Diff{FromVersion: v, Version: v + 1, RemovedNodes: []string{"x"}})
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.True(t, h.resync)
	assert.LessOrEqual(t, h.diffs, 2)
	// The registration survives the drop
	require.NotEmpty(t, h.pending)
	assert.Equal(t, opRegister, h.pending[0].kind)
	assert.Same(t, sub, h.pending[0].sub)
}

func TestHubSnapshot(t *testing.T) {
	f := newFixture(Options{})
	f.tick(t,
		testutil.Event(t0, podA, serviceX, "A"),
		testutil.Event(t0, podB, google, "A"))

	snap := f.hub.Snapshot(Filter{Kind: types.NodeKindPod, Name: "pod-b"})
	assert.Len(t, snap.Edges, 1)
	for key := range snap.Nodes {
		assert.False(t, strings.HasPrefix(key, "service/"))
	}
}
