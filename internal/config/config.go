package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/dnsgraph/dnsgraph/internal/graph"
	"github.com/dnsgraph/dnsgraph/internal/hub"
	"github.com/dnsgraph/dnsgraph/internal/hubble"
	"github.com/dnsgraph/dnsgraph/internal/logsource"
	"github.com/dnsgraph/dnsgraph/internal/pipeline"
	"github.com/dnsgraph/dnsgraph/internal/resolver"
	"github.com/dnsgraph/dnsgraph/internal/server"
	"github.com/dnsgraph/dnsgraph/internal/util"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// KubeContextEnv overrides the kubeconfig context when set.
const KubeContextEnv = "DNSGRAPH_KUBE_CONTEXT"

// Config is the daemon configuration. Durations accept Go duration strings
// ("5m", "250ms") in YAML.
type Config struct {
	// KubeContext selects a kubeconfig context. Empty means the current one.
	KubeContext string `json:"kubeContext,omitempty"`

	Source   SourceConfig   `json:"source"`
	Resolver ResolverConfig `json:"resolver"`
	Graph    GraphConfig    `json:"graph"`
	Hub      HubConfig      `json:"hub"`
	Server   ServerConfig   `json:"server"`
	Hubble   HubbleConfig   `json:"hubble"`
	Log      LogConfig      `json:"log"`

	// MetricsAddr and HealthAddr are the manager's metrics and probe endpoints.
	MetricsAddr string `json:"metricsAddr"`
	HealthAddr  string `json:"healthAddr"`

	// RecordFailedQueries keeps queries answered with something other than
	// NOERROR.
	RecordFailedQueries bool `json:"recordFailedQueries"`
}

// SourceConfig locates the CoreDNS pods and tunes their log streams.
type SourceConfig struct {
	Namespace            string          `json:"namespace"`
	LabelSelector        string          `json:"labelSelector"`
	Container            string          `json:"container"`
	TailLines            int64           `json:"tailLines"`
	BufferSize           int             `json:"bufferSize"`
	ReconnectInterval    metav1.Duration `json:"reconnectInterval"`
	MaxReconnectInterval metav1.Duration `json:"maxReconnectInterval"`
}

// ResolverConfig tunes the identity snapshot.
type ResolverConfig struct {
	ClusterDomain   string          `json:"clusterDomain"`
	RefreshInterval metav1.Duration `json:"refreshInterval"`
	RefreshTimeout  metav1.Duration `json:"refreshTimeout"`
}

// GraphConfig tunes the aggregator.
type GraphConfig struct {
	Window       metav1.Duration `json:"window"`
	TickInterval metav1.Duration `json:"tickInterval"`
	EdgeGrace    metav1.Duration `json:"edgeGrace"`
	NodeGrace    metav1.Duration `json:"nodeGrace"`
	MaxNodes     int             `json:"maxNodes"`
	BufferSize   int             `json:"bufferSize"`
}

// HubConfig tunes subscriber fan-out.
type HubConfig struct {
	QueueSize  int `json:"queueSize"`
	MaxBacklog int `json:"maxBacklog"`
}

// ServerConfig configures the client channel.
type ServerConfig struct {
	ListenAddr   string          `json:"listenAddr"`
	WriteTimeout metav1.Duration `json:"writeTimeout"`
	PingInterval metav1.Duration `json:"pingInterval"`
}

// HubbleConfig enables the optional Hubble Relay source.
type HubbleConfig struct {
	Enabled      bool   `json:"enabled"`
	RelayAddress string `json:"relayAddress"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// Default returns the default configuration.
func Default() *Config {
	src := logsource.DefaultOptions()
	res := resolver.DefaultOptions()
	agg := graph.DefaultOptions()
	h := hub.DefaultOptions()
	srv := server.DefaultOptions()

	return &Config{
		Source: SourceConfig{
			Namespace:            src.Namespace,
			LabelSelector:        src.LabelSelector,
			Container:            src.Container,
			TailLines:            src.TailLines,
			BufferSize:           src.BufferSize,
			ReconnectInterval:    metav1.Duration{Duration: src.ReconnectInterval},
			MaxReconnectInterval: metav1.Duration{Duration: src.MaxReconnectInterval},
		},
		Resolver: ResolverConfig{
			ClusterDomain:   res.ClusterDomain,
			RefreshInterval: metav1.Duration{Duration: res.RefreshInterval},
			RefreshTimeout:  metav1.Duration{Duration: res.RefreshTimeout},
		},
		Graph: GraphConfig{
			Window:       metav1.Duration{Duration: agg.Window},
			TickInterval: metav1.Duration{Duration: agg.TickInterval},
			EdgeGrace:    metav1.Duration{Duration: agg.EdgeGrace},
			NodeGrace:    metav1.Duration{Duration: agg.NodeGrace},
			BufferSize:   pipeline.DefaultOptions().BufferSize,
		},
		Hub: HubConfig{
			QueueSize:  h.QueueSize,
			MaxBacklog: h.MaxBacklog,
		},
		Server: ServerConfig{
			ListenAddr:   srv.Addr,
			WriteTimeout: metav1.Duration{Duration: srv.WriteTimeout},
			PingInterval: metav1.Duration{Duration: srv.PingInterval},
		},
		Hubble: HubbleConfig{
			RelayAddress: hubble.DefaultClientOptions().RelayAddress,
		},
		Log: LogConfig{
			Level: "info",
		},
		MetricsAddr: ":8080",
		HealthAddr:  ":8081",
	}
}

// LoadFile overlays a YAML file onto the configuration.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("%w: parsing %s: %w", ErrInvalid, path, err)
	}
	return nil
}

// BindFlags registers a flag for every setting, defaulting to the current
// values.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.KubeContext, "kube-context", c.KubeContext, "Kubeconfig context to use. Overridden by "+KubeContextEnv+" if set.")

	fs.StringVar(&c.Source.Namespace, "coredns-namespace", c.Source.Namespace, "Namespace of the CoreDNS pods.")
	fs.StringVar(&c.Source.LabelSelector, "coredns-selector", c.Source.LabelSelector, "Label selector of the CoreDNS pods.")
	fs.StringVar(&c.Source.Container, "coredns-container", c.Source.Container, "CoreDNS container name. Empty uses the pod's only container.")
	fs.Int64Var(&c.Source.TailLines, "tail-lines", c.Source.TailLines, "Log lines of history to read when a CoreDNS pod is first followed.")
	fs.IntVar(&c.Source.BufferSize, "line-buffer", c.Source.BufferSize, "Capacity of the log line channel.")
	fs.DurationVar(&c.Source.ReconnectInterval.Duration, "reconnect-interval", c.Source.ReconnectInterval.Duration, "Initial delay before reconnecting a failed log stream.")
	fs.DurationVar(&c.Source.MaxReconnectInterval.Duration, "max-reconnect-interval", c.Source.MaxReconnectInterval.Duration, "Maximum delay between log stream reconnects.")

	fs.StringVar(&c.Resolver.ClusterDomain, "cluster-domain", c.Resolver.ClusterDomain, "Cluster DNS domain.")
	fs.DurationVar(&c.Resolver.RefreshInterval.Duration, "resolver-refresh", c.Resolver.RefreshInterval.Duration, "How often pod and service identities are re-listed.")
	fs.DurationVar(&c.Resolver.RefreshTimeout.Duration, "resolver-timeout", c.Resolver.RefreshTimeout.Duration, "Time limit for one identity refresh.")

	fs.DurationVar(&c.Graph.Window.Duration, "window", c.Graph.Window.Duration, "How long a query contributes to rolling counts.")
	fs.DurationVar(&c.Graph.TickInterval.Duration, "tick", c.Graph.TickInterval.Duration, "How often graph diffs are published.")
	fs.DurationVar(&c.Graph.EdgeGrace.Duration, "edge-grace", c.Graph.EdgeGrace.Duration, "How long an idle edge is kept past the window.")
	fs.DurationVar(&c.Graph.NodeGrace.Duration, "node-grace", c.Graph.NodeGrace.Duration, "How long an idle node is kept past the window.")
	fs.IntVar(&c.Graph.MaxNodes, "max-nodes", c.Graph.MaxNodes, "Maximum graph nodes. 0 means unlimited.")
	fs.IntVar(&c.Graph.BufferSize, "event-buffer", c.Graph.BufferSize, "Capacity of the query event channel.")

	fs.IntVar(&c.Hub.QueueSize, "subscriber-queue", c.Hub.QueueSize, "Messages buffered per subscriber before it is disconnected.")
	fs.IntVar(&c.Hub.MaxBacklog, "hub-backlog", c.Hub.MaxBacklog, "Diffs queued for fan-out before subscribers are re-baselined.")

	fs.StringVar(&c.Server.ListenAddr, "listen-address", c.Server.ListenAddr, "The address the update channel and graph API bind to.")
	fs.DurationVar(&c.Server.WriteTimeout.Duration, "write-timeout", c.Server.WriteTimeout.Duration, "Time limit for one websocket write.")
	fs.DurationVar(&c.Server.PingInterval.Duration, "ping-interval", c.Server.PingInterval.Duration, "Websocket keepalive ping interval.")

	fs.BoolVar(&c.Hubble.Enabled, "hubble-enabled", c.Hubble.Enabled, "Also read DNS queries from Hubble Relay.")
	fs.StringVar(&c.Hubble.RelayAddress, "hubble-relay-address", c.Hubble.RelayAddress, "Hubble Relay gRPC address.")

	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "Log level (debug, info, warn, error).")
	fs.BoolVar(&c.Log.Development, "log-development", c.Log.Development, "Human readable development logging.")

	fs.StringVar(&c.MetricsAddr, "metrics-bind-address", c.MetricsAddr, "The address the metric endpoint binds to.")
	fs.StringVar(&c.HealthAddr, "health-probe-bind-address", c.HealthAddr, "The address the health probe endpoint binds to.")
	fs.BoolVar(&c.RecordFailedQueries, "record-failed-queries", c.RecordFailedQueries, "Record queries answered with an error rcode.")
}

// Load builds the configuration from defaults, the file named by --config,
// explicitly set flags and the environment, in increasing precedence.
func Load(name string, args []string) (*Config, error) {
	cfg := Default()
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	var path string
	fs.StringVar(&path, "config", "", "Path to a YAML configuration file.")
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if path != "" {
		fromFile := Default()
		if err := fromFile.LoadFile(path); err != nil {
			return nil, err
		}
		// Re-apply flags given on the command line on top of the file.
		overlay := flag.NewFlagSet(name, flag.ContinueOnError)
		fromFile.BindFlags(overlay)
		var setErr error
		fs.Visit(func(f *flag.Flag) {
			if f.Name == "config" || setErr != nil {
				return
			}
			setErr = overlay.Set(f.Name, f.Value.String())
		})
		if setErr != nil {
			return nil, setErr
		}
		cfg = fromFile
	}

	if ctx := os.Getenv(KubeContextEnv); ctx != "" {
		cfg.KubeContext = ctx
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the components cannot run with.
func (c *Config) Validate() error {
	var errs []string
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if c.Source.Namespace == "" {
		fail("source.namespace must be set")
	}
	if _, err := util.ParseSelector(c.Source.LabelSelector); err != nil {
		fail("source.labelSelector: %v", err)
	}
	if c.Source.TailLines < 0 {
		fail("source.tailLines must not be negative")
	}
	if c.Source.BufferSize <= 0 {
		fail("source.bufferSize must be positive")
	}
	if c.Source.ReconnectInterval.Duration <= 0 {
		fail("source.reconnectInterval must be positive")
	}
	if c.Source.MaxReconnectInterval.Duration < c.Source.ReconnectInterval.Duration {
		fail("source.maxReconnectInterval must not be below source.reconnectInterval")
	}

	if c.Resolver.ClusterDomain == "" {
		fail("resolver.clusterDomain must be set")
	} else if _, ok := dns.IsDomainName(c.Resolver.ClusterDomain); !ok || strings.HasPrefix(c.Resolver.ClusterDomain, ".") || strings.HasSuffix(c.Resolver.ClusterDomain, ".") {
		fail("resolver.clusterDomain %q is not a domain name", c.Resolver.ClusterDomain)
	}
	if c.Resolver.RefreshInterval.Duration <= 0 {
		fail("resolver.refreshInterval must be positive")
	}
	if c.Resolver.RefreshTimeout.Duration <= 0 {
		fail("resolver.refreshTimeout must be positive")
	}

	if c.Graph.Window.Duration <= 0 {
		fail("graph.window must be positive")
	}
	if c.Graph.TickInterval.Duration <= 0 {
		fail("graph.tickInterval must be positive")
	} else if c.Graph.TickInterval.Duration > c.Graph.Window.Duration {
		fail("graph.tickInterval must not exceed graph.window")
	}
	if c.Graph.EdgeGrace.Duration < 0 || c.Graph.NodeGrace.Duration < 0 {
		fail("graph grace periods must not be negative")
	}
	if c.Graph.MaxNodes < 0 {
		fail("graph.maxNodes must not be negative")
	}
	if c.Graph.BufferSize <= 0 {
		fail("graph.bufferSize must be positive")
	}

	if c.Hub.QueueSize <= 0 {
		fail("hub.queueSize must be positive")
	}
	if c.Hub.MaxBacklog <= 0 {
		fail("hub.maxBacklog must be positive")
	}

	if c.Server.ListenAddr == "" {
		fail("server.listenAddr must be set")
	}
	if c.Server.WriteTimeout.Duration <= 0 {
		fail("server.writeTimeout must be positive")
	}
	if c.Server.PingInterval.Duration <= 0 {
		fail("server.pingInterval must be positive")
	}

	if c.Hubble.Enabled && c.Hubble.RelayAddress == "" {
		fail("hubble.relayAddress must be set when hubble is enabled")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		fail("log.level: %v", err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// NewLogger builds the process logger: JSON with ISO8601 timestamps, or
// the console encoder in development mode.
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: log level: %w", ErrInvalid, err)
	}

	logConfig := zap.NewProductionConfig()
	if c.Development {
		logConfig = zap.NewDevelopmentConfig()
	}
	logConfig.Level = zap.NewAtomicLevelAt(level)
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return logConfig.Build()
}

// SourceOptions returns the log source options.
func (c *Config) SourceOptions(logger *zap.Logger) logsource.Options {
	opts := logsource.DefaultOptions()
	opts.Namespace = c.Source.Namespace
	opts.LabelSelector = c.Source.LabelSelector
	opts.Container = c.Source.Container
	opts.TailLines = c.Source.TailLines
	opts.BufferSize = c.Source.BufferSize
	opts.ReconnectInterval = c.Source.ReconnectInterval.Duration
	opts.MaxReconnectInterval = c.Source.MaxReconnectInterval.Duration
	opts.Logger = logger
	return opts
}

// ResolverOptions returns the resolver options.
func (c *Config) ResolverOptions(logger *zap.Logger) resolver.Options {
	return resolver.Options{
		ClusterDomain:   c.Resolver.ClusterDomain,
		RefreshInterval: c.Resolver.RefreshInterval.Duration,
		RefreshTimeout:  c.Resolver.RefreshTimeout.Duration,
		Logger:          logger,
	}
}

// PipelineOptions returns the pipeline options.
func (c *Config) PipelineOptions(logger *zap.Logger) pipeline.Options {
	return pipeline.Options{
		RecordFailedQueries: c.RecordFailedQueries,
		BufferSize:          c.Graph.BufferSize,
		Logger:              logger,
	}
}

// GraphOptions returns the aggregator options.
func (c *Config) GraphOptions(logger *zap.Logger) graph.Options {
	opts := graph.DefaultOptions()
	opts.Window = c.Graph.Window.Duration
	opts.TickInterval = c.Graph.TickInterval.Duration
	opts.EdgeGrace = c.Graph.EdgeGrace.Duration
	opts.NodeGrace = c.Graph.NodeGrace.Duration
	opts.MaxNodes = c.Graph.MaxNodes
	opts.Logger = logger
	return opts
}

// HubOptions returns the hub options.
func (c *Config) HubOptions(logger *zap.Logger) hub.Options {
	return hub.Options{
		QueueSize:  c.Hub.QueueSize,
		MaxBacklog: c.Hub.MaxBacklog,
		Logger:     logger,
	}
}

// ServerOptions returns the server options.
func (c *Config) ServerOptions(logger *zap.Logger) server.Options {
	return server.Options{
		Addr:         c.Server.ListenAddr,
		WriteTimeout: c.Server.WriteTimeout.Duration,
		PingInterval: c.Server.PingInterval.Duration,
		Logger:       logger,
	}
}

// HubbleOptions returns the Hubble client options.
func (c *Config) HubbleOptions(logger *zap.Logger) hubble.ClientOptions {
	opts := hubble.DefaultClientOptions()
	opts.RelayAddress = c.Hubble.RelayAddress
	opts.Logger = logger
	return opts
}
