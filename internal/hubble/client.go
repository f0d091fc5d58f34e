package hubble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	flowpb "github.com/cilium/cilium/api/v1/flow"
	observerpb "github.com/cilium/cilium/api/v1/observer"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/dnsgraph/dnsgraph/internal/types"
)

// ClientOptions configures the Hubble client.
type ClientOptions struct {
	// RelayAddress is the gRPC address of Hubble Relay (e.g., "hubble-relay.kube-system.svc:4245")
	RelayAddress string

	// ReconnectInterval is the base interval between reconnection attempts
	ReconnectInterval time.Duration

	// MaxReconnectInterval is the maximum interval between reconnection attempts
	MaxReconnectInterval time.Duration

	// BufferSize is the size of the query channel buffer
	BufferSize int

	// DialOptions are appended to the default gRPC dial options.
	DialOptions []grpc.DialOption

	// Logger for the client
	Logger *zap.Logger
}

// DefaultClientOptions returns default options for the Hubble client.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		RelayAddress:         "hubble-relay.kube-system.svc.cluster.local:4245",
		ReconnectInterval:    time.Second,
		MaxReconnectInterval: time.Minute,
		BufferSize:           1000,
		Logger:               zap.NewNop(),
	}
}

// Client connects to Hubble Relay and streams observed DNS queries.
type Client struct {
	opts   ClientOptions
	logger *zap.Logger

	conn    *grpc.ClientConn
	state   types.ConnectionState
	stateMu sync.RWMutex

	queries  chan types.QueryEvent
	stopCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}

	// Metrics
	reconnects uint64
	received   uint64
}

// NewClient creates a new Hubble client. Call Start to connect.
func NewClient(opts ClientOptions) *Client {
	def := DefaultClientOptions()
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}
	if opts.RelayAddress == "" {
		opts.RelayAddress = def.RelayAddress
	}
	if opts.ReconnectInterval == 0 {
		opts.ReconnectInterval = def.ReconnectInterval
	}
	if opts.MaxReconnectInterval == 0 {
		opts.MaxReconnectInterval = def.MaxReconnectInterval
	}
	if opts.BufferSize == 0 {
		opts.BufferSize = def.BufferSize
	}

	return &Client{
		opts:    opts,
		logger:  opts.Logger.Named("hubble"),
		queries: make(chan types.QueryEvent, opts.BufferSize),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		state:   types.StateDisconnected,
	}
}

// Queries returns a channel of DNS queries seen by Hubble.
// The channel is closed when Start returns.
func (c *Client) Queries() <-chan types.QueryEvent {
	return c.queries
}

// State returns the current connection state.
func (c *Client) State() types.ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// IsConnected returns true if currently connected to Hubble Relay.
func (c *Client) IsConnected() bool {
	return c.State() == types.StateConnected
}

// Stats returns client statistics.
func (c *Client) Stats() ClientStats {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return ClientStats{
		State:      c.state,
		Reconnects: c.reconnects,
		Queries:    c.received,
	}
}

// ClientStats contains client statistics.
type ClientStats struct {
	State      types.ConnectionState `json:"state"`
	Reconnects uint64                `json:"reconnects"`
	Queries    uint64                `json:"queries"`
}

// Close stops the client and waits for Start to return if it is running.
func (c *Client) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	if !c.started.Load() {
		return nil
	}
	select {
	case <-c.done:
	case <-time.After(10 * time.Second):
		return errors.New("timed out waiting for Hubble client to stop")
	}
	return nil
}

// Start manages the connection to Hubble Relay with reconnection. Blocks
// until the context is cancelled or Close is called.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("hubble client already started")
	}
	defer close(c.done)
	defer close(c.queries)
	defer c.setState(types.StateDisconnected)

	reconnectInterval := c.opts.ReconnectInterval

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context cancelled, stopping connection loop")
			return nil
		case <-c.stopCh:
			c.logger.Info("stop signal received, stopping connection loop")
			return nil
		default:
		}

		c.setState(types.StateConnecting)

		err := c.connect(ctx)
		if err != nil {
			c.logger.Warn("failed to connect to Hubble Relay",
				zap.Error(err),
				zap.Duration("retry_in", reconnectInterval))

			// Exponential backoff
			select {
			case <-ctx.Done():
				return nil
			case <-c.stopCh:
				return nil
			case <-time.After(reconnectInterval):
				reconnectInterval = c.nextReconnectInterval(reconnectInterval)
			}
			continue
		}

		c.setState(types.StateConnected)
		connected.Set(1)
		c.logger.Info("connected to Hubble Relay", zap.String("address", c.opts.RelayAddress))

		// Stream flows until disconnected
		started := time.Now()
		err = c.streamFlows(ctx)
		if err != nil {
			c.logger.Warn("flow stream disconnected", zap.Error(err))
		}
		connected.Set(0)

		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}

		if ctx.Err() != nil {
			return nil
		}

		c.stateMu.Lock()
		c.state = types.StateReconnecting
		c.reconnects++
		c.stateMu.Unlock()
		reconnectsTotal.Inc()

		// A stream that failed straight away backs off like a failed
		// connect; one that ran for a while starts over.
		if time.Since(started) > c.opts.MaxReconnectInterval {
			reconnectInterval = c.opts.ReconnectInterval
		}
		select {
		case <-ctx.Done():
			return nil
		case <-c.stopCh:
			return nil
		case <-time.After(reconnectInterval):
			reconnectInterval = c.nextReconnectInterval(reconnectInterval)
		}
	}
}

// connect establishes a gRPC connection to Hubble Relay.
func (c *Client) connect(_ context.Context) error {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}, c.opts.DialOptions...)

	conn, err := grpc.NewClient(c.opts.RelayAddress, dialOpts...)
	if err != nil {
		return fmt.Errorf("failed to create Hubble Relay client: %w", err)
	}

	c.conn = conn
	return nil
}

// streamFlows streams DNS flows from Hubble Relay via the Observer gRPC API.
func (c *Client) streamFlows(ctx context.Context) error {
	observer := observerpb.NewObserverClient(c.conn)

	req := &observerpb.GetFlowsRequest{
		Follow: true,
		Whitelist: []*flowpb.FlowFilter{
			{Protocol: []string{"dns"}},
		},
	}

	stream, err := observer.GetFlows(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("GetFlows: %w", err)
	}

	c.logger.Info("streaming DNS flows from Hubble Relay")

	for {
		select {
		case <-c.stopCh:
			return nil
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream recv: %w", err)
		}

		f := resp.GetFlow()
		if f == nil {
			continue
		}

		ev, ok := convertFlow(f)
		if !ok {
			continue
		}

		c.recordQuery(ev)
	}
}

// setState updates the connection state.
func (c *Client) setState(state types.ConnectionState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = state
}

// nextReconnectInterval calculates the next reconnect interval with exponential backoff.
func (c *Client) nextReconnectInterval(current time.Duration) time.Duration {
	next := current * 2
	if next > c.opts.MaxReconnectInterval {
		return c.opts.MaxReconnectInterval
	}
	return next
}

// recordQuery forwards a query without blocking the gRPC stream.
func (c *Client) recordQuery(ev types.QueryEvent) {
	select {
	case c.queries <- ev:
		c.stateMu.Lock()
		c.received++
		c.stateMu.Unlock()
		queriesTotal.Inc()
	default:
		queriesDroppedTotal.Inc()
		c.logger.Warn("query channel full, dropping event",
			zap.String("client", ev.ClientIP),
			zap.String("name", ev.Name))
	}
}
