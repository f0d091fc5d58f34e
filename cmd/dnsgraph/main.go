package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/dnsgraph/dnsgraph/internal/api"
	"github.com/dnsgraph/dnsgraph/internal/config"
	"github.com/dnsgraph/dnsgraph/internal/graph"
	"github.com/dnsgraph/dnsgraph/internal/hub"
	"github.com/dnsgraph/dnsgraph/internal/hubble"
	"github.com/dnsgraph/dnsgraph/internal/logsource"
	"github.com/dnsgraph/dnsgraph/internal/pipeline"
	"github.com/dnsgraph/dnsgraph/internal/resolver"
	"github.com/dnsgraph/dnsgraph/internal/server"
)

func main() {
	cfg, err := config.Load("dnsgraph", os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Setup logger
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting dnsgraph",
		zap.String("version", "dev"),
		zap.String("coredns_namespace", cfg.Source.Namespace),
		zap.String("coredns_selector", cfg.Source.LabelSelector),
		zap.Duration("window", cfg.Graph.Window.Duration),
		zap.Duration("tick", cfg.Graph.TickInterval.Duration),
		zap.Bool("hubble_enabled", cfg.Hubble.Enabled),
		zap.Bool("record_failed_queries", cfg.RecordFailedQueries),
	)

	restConfig, err := ctrlconfig.GetConfigWithContext(cfg.KubeContext)
	if err != nil {
		logger.Fatal("Unable to load cluster config", zap.String("context", cfg.KubeContext), zap.Error(err))
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		logger.Fatal("Failed to create clientset", zap.Error(err))
	}

	// Build the pipeline stages
	source := logsource.New(clientset, cfg.SourceOptions(logger))
	identities := resolver.New(clientset, cfg.ResolverOptions(logger))
	pipe := pipeline.New(identities, cfg.PipelineOptions(logger))
	aggregator := graph.New(cfg.GraphOptions(logger))
	updates := hub.New(aggregator, cfg.HubOptions(logger))

	// Build Hubble client (optional)
	var hubbleClient *hubble.Client
	deps := api.Dependencies{Graph: updates, Streams: source}
	if cfg.Hubble.Enabled {
		hubbleClient = hubble.NewClient(cfg.HubbleOptions(logger))
		deps.Hubble = hubbleClient
		deps.HubbleAddress = cfg.Hubble.RelayAddress
		logger.Info("Hubble client created", zap.String("relay_address", cfg.Hubble.RelayAddress))
	}

	serverOpts := cfg.ServerOptions(logger)
	serverOpts.Handlers = api.Handlers(deps, logger)
	srv := server.New(updates, serverOpts)

	// Setup controller-runtime manager for lifecycle, probes and metrics.
	// There is no shared state to protect, so every replica runs.
	mgr, err := ctrl.NewManager(restConfig, ctrl.Options{
		LeaderElection:         false,
		HealthProbeBindAddress: cfg.HealthAddr,
		Metrics: metricsserver.Options{
			BindAddress:   cfg.MetricsAddr,
			ExtraHandlers: api.Handlers(deps, logger),
		},
	})
	if err != nil {
		logger.Fatal("Unable to create manager", zap.Error(err))
	}

	// Register health checks; readiness follows cluster API reachability.
	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		logger.Fatal("Unable to set up health check", zap.Error(err))
	}
	if err := mgr.AddReadyzCheck("readyz", source.Check); err != nil {
		logger.Fatal("Unable to set up readiness check", zap.Error(err))
	}

	inputs := pipeline.Inputs{
		Lines:    source.Lines(),
		Removals: source.Removals(),
	}
	if hubbleClient != nil {
		inputs.Queries = hubbleClient.Queries()
		inputs.Logged = source
	}

	mustAdd(logger, mgr, "log source", source.Start)
	mustAdd(logger, mgr, "resolver", identities.Start)
	mustAdd(logger, mgr, "pipeline", func(ctx context.Context) error {
		return pipe.Run(ctx, inputs)
	})
	mustAdd(logger, mgr, "aggregator", func(ctx context.Context) error {
		return aggregator.Run(ctx, pipe.Events(), updates)
	})
	mustAdd(logger, mgr, "hub", updates.Run)
	mustAdd(logger, mgr, "server", srv.Start)
	if hubbleClient != nil {
		mustAdd(logger, mgr, "hubble client", hubbleClient.Start)
	}

	// Start manager (blocks until context is cancelled)
	ctx := ctrl.SetupSignalHandler()
	logger.Info("Starting manager")
	if err := mgr.Start(ctx); err != nil {
		logger.Fatal("Manager exited with error", zap.Error(err))
	}

	// Cleanup
	if hubbleClient != nil {
		if err := hubbleClient.Close(); err != nil {
			logger.Error("Failed to close Hubble client", zap.Error(err))
		}
	}
}

// mustAdd registers a blocking function as a manager runnable or exits.
func mustAdd(logger *zap.Logger, mgr ctrl.Manager, name string, fn func(context.Context) error) {
	if err := mgr.Add(&runnableFunc{fn: fn}); err != nil {
		logger.Fatal("Failed to add runnable to manager", zap.String("runnable", name), zap.Error(err))
	}
}

// runnableFunc is a helper to convert a function to a controller-runtime Runnable.
type runnableFunc struct {
	fn func(context.Context) error
}

func (r *runnableFunc) Start(ctx context.Context) error {
	return r.fn(ctx)
}
