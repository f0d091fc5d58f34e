package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dnsgraph/dnsgraph/internal/hub"
)

// UpdatesPath is the websocket endpoint streaming graph updates.
const UpdatesPath = "/ws/v1/get_updates"

// ClientMessageSetFilter replaces the connection's filter.
const ClientMessageSetFilter = "set_filter"

var (
	errSubscriptionClosed = errors.New("subscription closed")
	errClientGone         = errors.New("client disconnected")
)

// ClientMessage is a message from a client. Unknown types are ignored.
type ClientMessage struct {
	Type   string `json:"type"`
	Filter string `json:"filter,omitempty"`
}

// Broker hands out subscriptions to graph updates.
type Broker interface {
	Register(f hub.Filter) *hub.Subscription
	Unregister(sub *hub.Subscription)
	SetFilter(sub *hub.Subscription, f hub.Filter)
}

// Options configures the Server.
type Options struct {
	// Addr is the address to listen on (e.g., ":9090").
	Addr string

	// WriteTimeout bounds a single websocket write. A client that cannot
	// take a message in time is disconnected.
	WriteTimeout time.Duration

	// PingInterval is how often the server pings idle clients. A client
	// that does not answer within two intervals is disconnected.
	PingInterval time.Duration

	// ReadLimit caps the size of a client message.
	ReadLimit int64

	// Handlers are additional routes served next to the websocket endpoint.
	Handlers map[string]http.Handler

	Logger *zap.Logger
}

// DefaultOptions returns default server options.
func DefaultOptions() Options {
	return Options{
		Addr:         ":9090",
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		ReadLimit:    4096,
		Logger:       zap.NewNop(),
	}
}

// Server bridges hub subscriptions to websocket clients.
type Server struct {
	opts     Options
	logger   *zap.Logger
	broker   Broker
	upgrader websocket.Upgrader
	server   *http.Server
}

// New creates a Server. Zero-valued options fall back to defaults.
func New(broker Broker, opts Options) *Server {
	def := DefaultOptions()
	if opts.Addr == "" {
		opts.Addr = def.Addr
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = def.ReadLimit
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}
	return &Server{
		opts:   opts,
		logger: opts.Logger.Named("server"),
		broker: broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			// Clients are CLIs and dashboards on other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler serving the websocket endpoint and any
// extra routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(UpdatesPath, s.serveUpdates)
	for path, h := range s.opts.Handlers {
		mux.Handle(path, h)
	}
	return mux
}

// Start serves HTTP and blocks until the context is cancelled. Open
// websocket connections are closed on cancellation.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", s.opts.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serving HTTP on %s: %w", s.opts.Addr, err)
		}
		return nil
	}
}

// serveUpdates upgrades the request and streams the subscription until
// either side goes away.
func (s *Server) serveUpdates(w http.ResponseWriter, r *http.Request) {
	filter, err := hub.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := s.broker.Register(filter)
	defer s.broker.Unregister(sub)

	logger := s.logger.With(
		zap.String("subscriber", sub.ID),
		zap.String("remote", r.RemoteAddr))
	logger.Info("Client connected", zap.Stringer("filter", filter))
	connectionsActive.Inc()
	defer connectionsActive.Dec()

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error { return s.readLoop(conn, sub, logger) })
	g.Go(func() error { return s.writeLoop(ctx, conn, sub) })
	g.Go(func() error {
		// Unblocks the reader once the writer is done.
		<-ctx.Done()
		conn.Close()
		return nil
	})

	err = g.Wait()
	switch {
	case errors.Is(err, errSubscriptionClosed) && sub.Err() != nil:
		logger.Info("Client disconnected by server", zap.Error(sub.Err()))
	case errors.Is(err, errClientGone), errors.Is(err, errSubscriptionClosed), err == nil:
		logger.Info("Client disconnected")
	default:
		logger.Info("Client connection failed", zap.Error(err))
	}
}

// readLoop handles client messages until the connection fails.
func (s *Server) readLoop(conn *websocket.Conn, sub *hub.Subscription, logger *zap.Logger) error {
	pongWait := 2 * s.opts.PingInterval
	conn.SetReadLimit(s.opts.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errClientGone
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			clientMessagesTotal.WithLabelValues("invalid").Inc()
			logger.Debug("Ignoring malformed client message", zap.Error(err))
			continue
		}
		switch msg.Type {
		case ClientMessageSetFilter:
			f, err := hub.ParseFilter(msg.Filter)
			if err != nil {
				clientMessagesTotal.WithLabelValues("invalid").Inc()
				logger.Debug("Ignoring invalid filter", zap.String("filter", msg.Filter), zap.Error(err))
				continue
			}
			clientMessagesTotal.WithLabelValues(ClientMessageSetFilter).Inc()
			logger.Debug("Filter changed", zap.Stringer("filter", f))
			s.broker.SetFilter(sub, f)
		default:
			clientMessagesTotal.WithLabelValues("unknown").Inc()
		}
	}
}

// writeLoop is the only writer of data frames on the connection.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sub *hub.Subscription) error {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.writeClose(conn, websocket.CloseGoingAway, "")
			return ctx.Err()

		case msg, ok := <-sub.Messages():
			if !ok {
				code, reason := websocket.CloseNormalClosure, ""
				if err := sub.Err(); err != nil {
					code, reason = closeCode(err), err.Error()
				}
				s.writeClose(conn, code, reason)
				return errSubscriptionClosed
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				return fmt.Errorf("writing %s message: %w", msg.Type, err)
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("writing ping: %w", err)
			}
		}
	}
}

func (s *Server) writeClose(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.opts.WriteTimeout))
}

// closeCode maps why a subscription ended to a websocket close code.
func closeCode(err error) int {
	switch {
	case errors.Is(err, hub.ErrSlowConsumer):
		return websocket.CloseTryAgainLater
	case errors.Is(err, hub.ErrStopped):
		return websocket.CloseGoingAway
	default:
		return websocket.CloseInternalServerErr
	}
}
