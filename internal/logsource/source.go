package logsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	k8stypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/dnsgraph/dnsgraph/internal/types"
	"github.com/dnsgraph/dnsgraph/internal/util"
)

// ErrClusterUnavailable is returned by Start when the initial pod list keeps
// failing.
var ErrClusterUnavailable = errors.New("cluster API unavailable")

// Options configures the Source.
type Options struct {
	// Namespace and LabelSelector locate the CoreDNS pods.
	Namespace     string
	LabelSelector string

	// Container is the CoreDNS container name. Empty means the pod's only
	// container.
	Container string

	// TailLines is how much history to read on a pod's first connect.
	TailLines int64

	// MaxLineBytes caps a single log line. Longer lines are dropped.
	MaxLineBytes int

	// BufferSize is the capacity of the shared line channel.
	BufferSize int

	// ReconnectInterval and MaxReconnectInterval bound the per-stream
	// exponential backoff.
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration

	// ReconnectRate and ReconnectBurst limit stream (re)connects across all
	// pods.
	ReconnectRate  float64
	ReconnectBurst int

	// HealthyStreamDuration is how long a stream must stay up for its
	// backoff to reset.
	HealthyStreamDuration time.Duration

	// FailureThreshold is the number of consecutive list/watch failures
	// after which the source reports itself degraded.
	FailureThreshold int

	// StartupRetries bounds attempts at the initial pod list.
	StartupRetries int

	Logger *zap.Logger
}

// DefaultOptions returns default source options.
func DefaultOptions() Options {
	return Options{
		Namespace:             "kube-system",
		LabelSelector:         "k8s-app=kube-dns",
		Container:             "coredns",
		TailLines:             0,
		MaxLineBytes:          64 * 1024,
		BufferSize:            4096,
		ReconnectInterval:     time.Second,
		MaxReconnectInterval:  time.Minute,
		ReconnectRate:         5,
		ReconnectBurst:        10,
		HealthyStreamDuration: 30 * time.Second,
		FailureThreshold:      3,
		StartupRetries:        5,
		Logger:                zap.NewNop(),
	}
}

// openFunc opens a follow stream of a pod's log.
type openFunc func(ctx context.Context, namespace, pod string, opts *corev1.PodLogOptions) (io.ReadCloser, error)

// Source discovers CoreDNS pods and streams their logs as tagged lines.
type Source struct {
	logger  *zap.Logger
	client  kubernetes.Interface
	opts    Options
	limiter *rate.Limiter
	open    openFunc

	selector    labels.Selector
	selectorErr error

	lines    chan types.RawLine
	removals chan types.PodIdentity

	mu       sync.Mutex
	streams  map[k8stypes.UID]*stream
	failures int
	health   types.HealthState

	wg sync.WaitGroup
}

// New creates a Source. Zero-valued options fall back to defaults.
func New(client kubernetes.Interface, opts Options) *Source {
	def := DefaultOptions()
	if opts.Namespace == "" {
		opts.Namespace = def.Namespace
	}
	if opts.LabelSelector == "" {
		opts.LabelSelector = def.LabelSelector
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = def.MaxLineBytes
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.ReconnectInterval == 0 {
		opts.ReconnectInterval = def.ReconnectInterval
	}
	if opts.MaxReconnectInterval == 0 {
		opts.MaxReconnectInterval = def.MaxReconnectInterval
	}
	if opts.ReconnectRate == 0 {
		opts.ReconnectRate = def.ReconnectRate
	}
	if opts.ReconnectBurst == 0 {
		opts.ReconnectBurst = def.ReconnectBurst
	}
	if opts.HealthyStreamDuration == 0 {
		opts.HealthyStreamDuration = def.HealthyStreamDuration
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = def.FailureThreshold
	}
	if opts.StartupRetries <= 0 {
		opts.StartupRetries = def.StartupRetries
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}

	s := &Source{
		logger:   opts.Logger.Named("logsource"),
		client:   client,
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Limit(opts.ReconnectRate), opts.ReconnectBurst),
		lines:    make(chan types.RawLine, opts.BufferSize),
		removals: make(chan types.PodIdentity, 64),
		streams:  make(map[k8stypes.UID]*stream),
		health:   types.HealthOK,
	}
	s.open = s.openPodLogs
	s.selector, s.selectorErr = util.ParseSelector(opts.LabelSelector)
	apiHealthy.Set(1)
	return s
}

// Lines returns the channel of log lines from every CoreDNS pod. It is
// closed after Start returns.
func (s *Source) Lines() <-chan types.RawLine {
	return s.lines
}

// Removals returns identities of CoreDNS pods that went away or changed IP.
// It is closed after Start returns.
func (s *Source) Removals() <-chan types.PodIdentity {
	return s.removals
}

// Health reports whether the cluster API is reachable.
func (s *Source) Health() types.HealthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// Check implements a controller-runtime healthz.Checker.
func (s *Source) Check(_ *http.Request) error {
	if h := s.Health(); h != types.HealthOK {
		return fmt.Errorf("log source %s: %d consecutive cluster API failures", h, s.consecutiveFailures())
	}
	return nil
}

func (s *Source) consecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Follows reports whether the log of the given DNS server pod is being
// streamed. Pods match by namespace and name, or by IP when unnamed.
func (s *Source) Follows(server types.PodIdentity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.streams {
		id := st.identity()
		if server.Resolved() && id.Namespace == server.Namespace && id.Name == server.Name {
			return true
		}
		if server.IP != "" && id.IP == server.IP {
			return true
		}
	}
	return false
}

// Streams returns the status of every pod stream, sorted by pod.
func (s *Source) Streams() []StreamStatus {
	s.mu.Lock()
	out := make([]StreamStatus, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, st.status())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Pod.String() < out[j].Pod.String() })
	return out
}

// Start discovers CoreDNS pods and streams their logs until the context is
// cancelled. Returns ErrClusterUnavailable if the first pod list fails
// StartupRetries times in a row.
func (s *Source) Start(ctx context.Context) error {
	s.logger.Info("Starting log source",
		zap.String("namespace", s.opts.Namespace),
		zap.String("selector", s.opts.LabelSelector),
		zap.String("container", s.opts.Container))

	if s.selectorErr != nil {
		close(s.lines)
		close(s.removals)
		return s.selectorErr
	}

	defer func() {
		s.stopAll()
		s.wg.Wait()
		close(s.lines)
		close(s.removals)
		s.logger.Info("Log source stopped")
	}()

	resourceVersion, err := s.initialList(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	backoff := s.newBackoff()
	for {
		err := s.watchPods(ctx, resourceVersion)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.apiFailure(err)
			delay := backoff.Step()
			s.logger.Warn("Pod watch failed, retrying",
				zap.Error(err),
				zap.Duration("retry_in", delay))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		} else {
			backoff = s.newBackoff()
		}

		resourceVersion, err = s.listPods(ctx)
		if err != nil {
			resourceVersion = ""
		}
	}
}

func (s *Source) initialList(ctx context.Context) (string, error) {
	backoff := s.newBackoff()
	backoff.Steps = s.opts.StartupRetries

	var resourceVersion string
	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		rv, err := s.listPods(ctx)
		if err != nil {
			lastErr = err
			return false, nil
		}
		resourceVersion = rv
		return true, nil
	})
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return "", fmt.Errorf("%w: %w", ErrClusterUnavailable, lastErr)
	}
	return resourceVersion, nil
}

// listPods reconciles streams against the current pod list.
func (s *Source) listPods(ctx context.Context) (string, error) {
	pods, err := s.client.CoreV1().Pods(s.opts.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: s.opts.LabelSelector,
	})
	if err != nil {
		s.apiFailure(err)
		return "", fmt.Errorf("listing CoreDNS pods: %w", err)
	}
	s.apiSuccess()

	seen := make(map[k8stypes.UID]struct{}, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		seen[pod.UID] = struct{}{}
		s.upsert(ctx, pod)
	}

	s.mu.Lock()
	var gone []*stream
	for uid, st := range s.streams {
		if _, ok := seen[uid]; !ok {
			gone = append(gone, st)
		}
	}
	s.mu.Unlock()
	for _, st := range gone {
		s.remove(ctx, st.uid)
	}

	return pods.ResourceVersion, nil
}

func (s *Source) watchPods(ctx context.Context, resourceVersion string) error {
	watcher, err := s.client.CoreV1().Pods(s.opts.Namespace).Watch(ctx, metav1.ListOptions{
		LabelSelector:   s.opts.LabelSelector,
		ResourceVersion: resourceVersion,
	})
	if err != nil {
		return fmt.Errorf("watching CoreDNS pods: %w", err)
	}
	defer watcher.Stop()
	s.apiSuccess()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return nil // watch closed, will be re-listed
			}
			switch event.Type {
			case watch.Added, watch.Modified:
				if pod, ok := event.Object.(*corev1.Pod); ok {
					s.upsert(ctx, pod)
				}
			case watch.Deleted:
				if pod, ok := event.Object.(*corev1.Pod); ok {
					s.remove(ctx, pod.UID)
				}
			case watch.Error:
				return fmt.Errorf("watch error: %v", event.Object)
			}
		}
	}
}

// upsert starts, retags or stops the stream for a pod depending on its state.
func (s *Source) upsert(ctx context.Context, pod *corev1.Pod) {
	if !streamable(pod) || !util.MatchesSelector(s.selector, pod.Labels) {
		s.remove(ctx, pod.UID)
		return
	}

	id := types.PodIdentity{
		Namespace: pod.Namespace,
		Name:      pod.Name,
		IP:        pod.Status.PodIP,
		UID:       string(pod.UID),
	}

	s.mu.Lock()
	st, ok := s.streams[pod.UID]
	if !ok {
		streamCtx, cancel := context.WithCancel(ctx)
		st = newStream(pod.UID, id, cancel)
		s.streams[pod.UID] = st
		activeStreams.Set(float64(len(s.streams)))
		s.wg.Add(1)
		s.mu.Unlock()

		s.logger.Info("Discovered CoreDNS pod", zap.Stringer("pod", id), zap.String("ip", id.IP))
		go s.runStream(streamCtx, st)
		return
	}
	s.mu.Unlock()

	if old := st.retag(id); old.IP != id.IP {
		s.logger.Info("CoreDNS pod changed IP",
			zap.Stringer("pod", id),
			zap.String("old_ip", old.IP),
			zap.String("new_ip", id.IP))
		s.signalRemoval(ctx, old)
	}
}

// remove cancels a pod's stream and emits a removal signal.
func (s *Source) remove(ctx context.Context, uid k8stypes.UID) {
	s.mu.Lock()
	st, ok := s.streams[uid]
	if ok {
		delete(s.streams, uid)
		activeStreams.Set(float64(len(s.streams)))
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	st.cancel()
	id := st.identity()
	s.logger.Info("CoreDNS pod gone, stream stopped", zap.Stringer("pod", id))
	s.signalRemoval(ctx, id)
}

func (s *Source) signalRemoval(ctx context.Context, id types.PodIdentity) {
	select {
	case s.removals <- id:
	case <-ctx.Done():
	}
}

func (s *Source) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for uid, st := range s.streams {
		st.cancel()
		delete(s.streams, uid)
	}
	activeStreams.Set(0)
}

func streamable(pod *corev1.Pod) bool {
	return pod.DeletionTimestamp == nil &&
		pod.Status.Phase == corev1.PodRunning &&
		pod.Status.PodIP != ""
}

func (s *Source) apiFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	apiFailuresTotal.Inc()
	if s.failures >= s.opts.FailureThreshold && s.health != types.HealthDegraded {
		s.health = types.HealthDegraded
		apiHealthy.Set(0)
		s.logger.Error("Cluster API unreachable, log source degraded",
			zap.Int("consecutive_failures", s.failures),
			zap.Error(err))
	}
}

func (s *Source) apiSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.health == types.HealthDegraded {
		s.logger.Info("Cluster API reachable again")
	}
	s.failures = 0
	s.health = types.HealthOK
	apiHealthy.Set(1)
}

func (s *Source) newBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: s.opts.ReconnectInterval,
		Factor:   2,
		Jitter:   0.2,
		Steps:    1 << 30,
		Cap:      s.opts.MaxReconnectInterval,
	}
}

func (s *Source) openPodLogs(ctx context.Context, namespace, pod string, opts *corev1.PodLogOptions) (io.ReadCloser, error) {
	return s.client.CoreV1().Pods(namespace).GetLogs(pod, opts).Stream(ctx)
}
