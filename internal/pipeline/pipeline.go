package pipeline

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/dnsgraph/dnsgraph/internal/parser"
	"github.com/dnsgraph/dnsgraph/internal/types"
)

// Classifier resolves query endpoints to graph identities.
type Classifier interface {
	ResolveClient(ip string) types.PodIdentity
	Classify(name string) types.DestinationRef
	IsClusterName(name string) bool
	Forget(ip string)
}

// Options configures the Pipeline.
type Options struct {
	// RecordFailedQueries keeps queries answered with something other than
	// NOERROR. Search path misses under the cluster domain are dropped
	// either way.
	RecordFailedQueries bool

	// BufferSize is the capacity of the event channel.
	BufferSize int

	Logger *zap.Logger
}

// DefaultOptions returns default pipeline options.
func DefaultOptions() Options {
	return Options{
		BufferSize: 4096,
		Logger:     zap.NewNop(),
	}
}

// ServerTracker reports DNS servers whose logs already feed the pipeline.
type ServerTracker interface {
	Follows(server types.PodIdentity) bool
}

// Inputs are the channels the pipeline consumes. Nil channels are ignored.
type Inputs struct {
	// Lines are raw CoreDNS log lines.
	Lines <-chan types.RawLine

	// Queries are events from sources that deliver structured queries.
	Queries <-chan types.QueryEvent

	// Removals are pods known to be gone.
	Removals <-chan types.PodIdentity

	// Logged, when set, drops structured queries answered by a server it
	// follows. Those queries also arrive as lines.
	Logged ServerTracker
}

// Pipeline turns raw lines into classified events for the aggregator.
type Pipeline struct {
	logger   *zap.Logger
	resolver Classifier
	opts     Options
	events   chan types.QueryEvent
}

// New creates a Pipeline. Zero-valued options fall back to defaults.
func New(resolver Classifier, opts Options) *Pipeline {
	def := DefaultOptions()
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}
	return &Pipeline{
		logger:   opts.Logger.Named("pipeline"),
		resolver: resolver,
		opts:     opts,
		events:   make(chan types.QueryEvent, opts.BufferSize),
	}
}

// Events returns the channel of classified events. It is closed when Run
// returns.
func (p *Pipeline) Events() <-chan types.QueryEvent {
	return p.events
}

// Run consumes the inputs until the context is cancelled. Sends to Events
// block, so a slow aggregator slows the sources down.
func (p *Pipeline) Run(ctx context.Context, in Inputs) error {
	defer close(p.events)
	p.logger.Info("Starting pipeline", zap.Bool("record_failed_queries", p.opts.RecordFailedQueries))

	lines, queries, removals := in.Lines, in.Queries, in.Removals
	for {
		var ev types.QueryEvent
		var ok bool

		select {
		case <-ctx.Done():
			p.logger.Info("Pipeline stopped")
			return nil

		case line, open := <-lines:
			if !open {
				lines = nil
				continue
			}
			ev, ok = p.Process(line)

		case q, open := <-queries:
			if !open {
				queries = nil
				continue
			}
			if in.Logged != nil && in.Logged.Follows(q.Server) {
				eventsFilteredTotal.WithLabelValues("logged_server").Inc()
				continue
			}
			ev, ok = p.Route(q)

		case id, open := <-removals:
			if !open {
				removals = nil
				continue
			}
			if id.IP != "" {
				p.logger.Debug("Forgetting removed pod", zap.Stringer("pod", id), zap.String("ip", id.IP))
				p.resolver.Forget(id.IP)
			}
			continue
		}

		if !ok {
			continue
		}
		select {
		case p.events <- ev:
		case <-ctx.Done():
			p.logger.Info("Pipeline stopped")
			return nil
		}
	}
}

// Process parses and routes one raw line. Returns false when the line is
// not a query or the query is filtered out.
func (p *Pipeline) Process(line types.RawLine) (types.QueryEvent, bool) {
	ev, err := parser.Parse(line)
	if err != nil {
		reason := parser.ReasonOf(err)
		linesTotal.WithLabelValues("rejected").Inc()
		parseErrorsTotal.WithLabelValues(string(reason)).Inc()
		var pe *parser.ParseError
		if errors.As(err, &pe) && reason != parser.ReasonShape {
			// Shape mismatches are ordinary non-query output.
			p.logger.Debug("Rejected query line", zap.String("reason", string(reason)), zap.String("line", line.Text))
		}
		return types.QueryEvent{}, false
	}
	linesTotal.WithLabelValues("parsed").Inc()
	return p.Route(ev)
}

// Route applies the rcode filters and classifies both endpoints. Events
// that already carry a source keep it.
func (p *Pipeline) Route(ev types.QueryEvent) (types.QueryEvent, bool) {
	if ev.Rcode == "NXDOMAIN" && p.resolver.IsClusterName(ev.Name) {
		eventsFilteredTotal.WithLabelValues("search_path").Inc()
		return types.QueryEvent{}, false
	}
	if !ev.Succeeded() && !p.opts.RecordFailedQueries {
		eventsFilteredTotal.WithLabelValues("rcode").Inc()
		return types.QueryEvent{}, false
	}

	src := ev.Source
	if src.IsZero() {
		src = p.resolver.ResolveClient(ev.ClientIP).ID()
	}
	dst := p.resolver.Classify(ev.Name)

	eventsTotal.WithLabelValues(string(dst.Classification)).Inc()
	return ev.WithRoute(src, dst), true
}
