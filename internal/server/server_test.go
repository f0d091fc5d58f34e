package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/dnsgraph/dnsgraph/internal/graph"
	"github.com/dnsgraph/dnsgraph/internal/hub"
	"github.com/dnsgraph/dnsgraph/internal/testutil"
	"github.com/dnsgraph/dnsgraph/internal/types"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	web      = testutil.PodID("shop", "web-0")
	checkout = testutil.ServiceDest("shop", "checkout")
	google   = types.ExternalDestination("8.8.8.8")
)

type fixture struct {
	agg *graph.Aggregator
	hub *hub.Hub
	srv *httptest.Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	clk := clocktesting.NewFakeClock(t0)
	agg := graph.New(graph.Options{Window: time.Minute, Clock: clk, Logger: zap.NewNop()})
	h := hub.New(agg, hub.Options{Logger: zap.NewNop()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()

	opts.Logger = zap.NewNop()
	srv := httptest.NewServer(New(h, opts).Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return &fixture{agg: agg, hub: h, srv: srv}
}

func (f *fixture) tick(t *testing.T, events ...types.QueryEvent) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, f.agg.Ingest(ev))
	}
	if d := f.agg.Tick(); !d.IsEmpty() {
		f.hub.OnDiff(d)
	}
}

func (f *fixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + UpdatesPath + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) hub.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m hub.Message
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestDefaultOptions(t *testing.T) {
	s := New(nil, Options{})
	assert.Equal(t, ":9090", s.opts.Addr)
	assert.Equal(t, 10*time.Second, s.opts.WriteTimeout)
	assert.Equal(t, 30*time.Second, s.opts.PingInterval)
	assert.Equal(t, int64(4096), s.opts.ReadLimit)
}

func TestUpdates_SnapshotThenDiff(t *testing.T) {
	f := newFixture(t, Options{})
	f.tick(t, testutil.Event(t0, web, checkout, "A"))

	conn := f.dial(t, "")

	m := readMessage(t, conn)
	require.Equal(t, hub.MessageSnapshot, m.Type)
	require.NotNil(t, m.Snapshot)
	assert.Equal(t, uint64(1), m.Snapshot.Version)
	assert.Contains(t, m.Snapshot.Edges, "pod/shop/web-0->service/shop/checkout")

	f.tick(t, testutil.Event(t0, web, google, "A"))
	m = readMessage(t, conn)
	require.Equal(t, hub.MessageDiff, m.Type)
	require.NotNil(t, m.Diff)
	assert.Equal(t, uint64(1), m.Diff.FromVersion)
	require.Len(t, m.Diff.AddedEdges, 1)
	assert.Equal(t, "pod/shop/web-0->external/8.8.8.8", m.Diff.AddedEdges[0].Key)
}

func TestUpdates_FilterFromQuery(t *testing.T) {
	f := newFixture(t, Options{})
	f.tick(t,
		testutil.Event(t0, web, checkout, "A"),
		testutil.Event(t0, web, google, "A"))

	conn := f.dial(t, "?filter=external:8.8.8.8")

	m := readMessage(t, conn)
	require.Equal(t, hub.MessageSnapshot, m.Type)
	assert.Len(t, m.Snapshot.Edges, 1)
	assert.Contains(t, m.Snapshot.Edges, "pod/shop/web-0->external/8.8.8.8")
	assert.NotContains(t, m.Snapshot.Nodes, "service/shop/checkout")
}

func TestUpdates_InvalidFilterRejected(t *testing.T) {
	f := newFixture(t, Options{})

	resp, err := http.Get(f.srv.URL + UpdatesPath + "?filter=deployment:web")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpdates_SetFilter(t *testing.T) {
	f := newFixture(t, Options{})
	f.tick(t,
		testutil.Event(t0, web, checkout, "A"),
		testutil.Event(t0, web, google, "A"))

	conn := f.dial(t, "")
	m := readMessage(t, conn)
	require.Len(t, m.Snapshot.Edges, 2)

	// Ignored: not JSON, unknown type, invalid filter
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe"}))
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: ClientMessageSetFilter, Filter: "nope"}))

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: ClientMessageSetFilter, Filter: "service:shop/checkout"}))
	m = readMessage(t, conn)
	require.Equal(t, hub.MessageSnapshot, m.Type)
	assert.Len(t, m.Snapshot.Edges, 1)
	assert.Contains(t, m.Snapshot.Edges, "pod/shop/web-0->service/shop/checkout")

	// The connection is still usable for diffs under the new filter
	f.tick(t, testutil.Event(t0, testutil.PodID("shop", "web-1"), checkout, "AAAA"))
	m = readMessage(t, conn)
	require.Equal(t, hub.MessageDiff, m.Type)
	require.Len(t, m.Diff.AddedEdges, 1)
	assert.Equal(t, "pod/shop/web-1->service/shop/checkout", m.Diff.AddedEdges[0].Key)
}

func TestUpdates_ClientCloseUnregisters(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.dial(t, "")
	readMessage(t, conn)
	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, msg))
	conn.Close()

	require.Eventually(t, func() bool { return f.hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestUpdates_Ping(t *testing.T) {
	f := newFixture(t, Options{PingInterval: 20 * time.Millisecond})
	conn := f.dial(t, "")

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(data string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	// Reading drives the control frame handlers
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping received")
	}
}

func TestExtraHandlers(t *testing.T) {
	s := New(nil, Options{Handlers: map[string]http.Handler{
		"/api/v1/health": http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
	}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestStart_StopsOnCancel(t *testing.T) {
	s := New(nil, Options{Addr: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}
}

func TestCloseCode(t *testing.T) {
	assert.Equal(t, websocket.CloseTryAgainLater, closeCode(hub.ErrSlowConsumer))
	assert.Equal(t, websocket.CloseGoingAway, closeCode(hub.ErrStopped))
	assert.Equal(t, websocket.CloseInternalServerErr, closeCode(assert.AnError))
}
