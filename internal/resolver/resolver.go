package resolver

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/dnsgraph/dnsgraph/internal/types"
	"github.com/dnsgraph/dnsgraph/internal/util"
)

// Options configures the Resolver.
type Options struct {
	// ClusterDomain is the cluster DNS suffix, without dots at either end.
	ClusterDomain string

	// RefreshInterval is how often the identity snapshot is rebuilt.
	RefreshInterval time.Duration

	// RefreshTimeout bounds a single rebuild (both list calls).
	RefreshTimeout time.Duration

	Logger *zap.Logger
}

// DefaultOptions returns default resolver options.
func DefaultOptions() Options {
	return Options{
		ClusterDomain:   "cluster.local",
		RefreshInterval: 30 * time.Second,
		RefreshTimeout:  10 * time.Second,
		Logger:          zap.NewNop(),
	}
}

// Snapshot is an immutable view of cluster identities. It is replaced
// wholesale on every refresh and never modified after publication.
type Snapshot struct {
	podsByIP     map[string]types.PodIdentity
	services     map[string]types.ServiceIdentity // "namespace/name"
	servicesByIP map[string]types.ServiceIdentity
	RefreshedAt  time.Time
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		podsByIP:     map[string]types.PodIdentity{},
		services:     map[string]types.ServiceIdentity{},
		servicesByIP: map[string]types.ServiceIdentity{},
	}
}

// PodCount returns the number of pod IPs in the snapshot.
func (s *Snapshot) PodCount() int { return len(s.podsByIP) }

// ServiceCount returns the number of services in the snapshot.
func (s *Snapshot) ServiceCount() int { return len(s.services) }

// Resolver classifies query clients and destinations against a periodically
// refreshed snapshot of pod and service identities. Reads never block on a
// refresh; they see the last completed snapshot.
type Resolver struct {
	logger *zap.Logger
	client kubernetes.Interface
	opts   Options

	domain   string // "svc.<cluster domain>."
	podZone  string // "pod.<cluster domain>."
	snapshot atomic.Pointer[Snapshot]
	kick     chan struct{}
}

// New creates a Resolver. Zero-valued options fall back to defaults.
func New(client kubernetes.Interface, opts Options) *Resolver {
	def := DefaultOptions()
	opts.ClusterDomain = strings.ToLower(strings.Trim(opts.ClusterDomain, "."))
	if opts.ClusterDomain == "" {
		opts.ClusterDomain = def.ClusterDomain
	}
	if opts.RefreshInterval == 0 {
		opts.RefreshInterval = def.RefreshInterval
	}
	if opts.RefreshTimeout == 0 {
		opts.RefreshTimeout = def.RefreshTimeout
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}

	r := &Resolver{
		logger:  opts.Logger.Named("resolver"),
		client:  client,
		opts:    opts,
		domain:  "svc." + opts.ClusterDomain + ".",
		podZone: "pod." + opts.ClusterDomain + ".",
		kick:    make(chan struct{}, 1),
	}
	r.snapshot.Store(emptySnapshot())
	return r
}

// Start refreshes the snapshot on the configured interval, and early when
// Forget asks for it. Blocks until the context is cancelled.
func (r *Resolver) Start(ctx context.Context) error {
	r.logger.Info("Starting resolver",
		zap.String("cluster_domain", r.opts.ClusterDomain),
		zap.Duration("refresh_interval", r.opts.RefreshInterval))

	if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
		r.logger.Warn("Initial identity refresh failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Resolver stopped")
			return nil
		case <-ticker.C:
		case <-r.kick:
		}
		if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("Identity refresh failed, keeping previous snapshot", zap.Error(err))
		}
	}
}

// Refresh rebuilds the snapshot from the cluster API. On failure the
// previous snapshot stays in place.
func (r *Resolver) Refresh(ctx context.Context) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.opts.RefreshTimeout)
	defer cancel()

	pods, err := r.client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		refreshTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("listing pods: %w", err)
	}
	services, err := r.client.CoreV1().Services(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		refreshTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("listing services: %w", err)
	}

	snap := buildSnapshot(pods.Items, services.Items)
	snap.RefreshedAt = time.Now()
	r.snapshot.Store(snap)

	refreshTotal.WithLabelValues("success").Inc()
	refreshDuration.Observe(time.Since(start).Seconds())
	identityCount.WithLabelValues("pod").Set(float64(snap.PodCount()))
	identityCount.WithLabelValues("service").Set(float64(snap.ServiceCount()))

	r.logger.Debug("Identity snapshot refreshed",
		zap.Int("pods", snap.PodCount()),
		zap.Int("services", snap.ServiceCount()),
		zap.Duration("took", time.Since(start)))
	return nil
}

// buildSnapshot indexes pods by IP and services by name and ClusterIP.
// Host-network pods share their node's IP and are left out. When two pods
// claim the same IP the running one wins.
func buildSnapshot(pods []corev1.Pod, services []corev1.Service) *Snapshot {
	snap := emptySnapshot()

	for i := range pods {
		pod := &pods[i]
		if pod.Spec.HostNetwork || pod.DeletionTimestamp != nil {
			continue
		}
		id := types.PodIdentity{
			Namespace: pod.Namespace,
			Name:      pod.Name,
			UID:       string(pod.UID),
		}
		ips := podIPs(pod)
		for _, ip := range ips {
			if existing, ok := snap.podsByIP[ip]; ok && existing.Name != pod.Name && pod.Status.Phase != corev1.PodRunning {
				continue
			}
			id.IP = ip
			snap.podsByIP[ip] = id
		}
	}

	for i := range services {
		svc := &services[i]
		id := types.ServiceIdentity{
			Namespace: svc.Namespace,
			Name:      svc.Name,
			ClusterIP: svc.Spec.ClusterIP,
		}
		snap.services[svc.Namespace+"/"+svc.Name] = id
		for _, ip := range util.UniqueIPs(append([]string{svc.Spec.ClusterIP}, svc.Spec.ClusterIPs...)...) {
			if ip != corev1.ClusterIPNone {
				snap.servicesByIP[ip] = id
			}
		}
	}

	return snap
}

func podIPs(pod *corev1.Pod) []string {
	ips := make([]string, 0, len(pod.Status.PodIPs)+1)
	ips = append(ips, pod.Status.PodIP)
	for _, p := range pod.Status.PodIPs {
		ips = append(ips, p.IP)
	}
	return util.UniqueIPs(ips...)
}

// Snapshot returns the snapshot classification currently uses.
func (r *Resolver) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

// Forget drops a pod IP from the current snapshot and schedules an early
// refresh. Used when a CoreDNS pod or any other pod is known to be gone.
func (r *Resolver) Forget(ip string) {
	ip = normalizeIP(ip)
	for {
		cur := r.snapshot.Load()
		if _, ok := cur.podsByIP[ip]; !ok {
			break
		}
		next := &Snapshot{
			podsByIP:     make(map[string]types.PodIdentity, len(cur.podsByIP)),
			services:     cur.services,
			servicesByIP: cur.servicesByIP,
			RefreshedAt:  cur.RefreshedAt,
		}
		for k, v := range cur.podsByIP {
			if k != ip {
				next.podsByIP[k] = v
			}
		}
		if r.snapshot.CompareAndSwap(cur, next) {
			break
		}
	}

	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// ResolveClient maps a client IP to a pod. Unknown IPs come back unresolved,
// keyed by the address alone.
func (r *Resolver) ResolveClient(ip string) types.PodIdentity {
	ip = normalizeIP(ip)
	if pod, ok := r.snapshot.Load().podsByIP[ip]; ok {
		return pod
	}
	return types.PodIdentity{IP: ip}
}

// Classify maps a queried name to a destination. Rules, in order:
//
//  1. the name denotes an IP (literal, reverse PTR name, or pod A record)
//     that belongs to a pod, or to a service ClusterIP;
//  2. the name is a service record under svc.<cluster domain> for a known
//     service, or has the plain <svc>.<ns> or SRV shape for one not yet
//     in the snapshot;
//  3. anything else is External.
//
// A service not yet in the snapshot gets the same node key a refresh would
// give it. An IP of a pod or service created since the last refresh
// classifies as External until the next refresh completes.
func (r *Resolver) Classify(name string) types.DestinationRef {
	snap := r.snapshot.Load()
	name = normalizeName(name)

	if ip, ok := r.nameToIP(name); ok {
		if pod, ok := snap.podsByIP[ip]; ok {
			return types.InternalDestination(pod.ID())
		}
		if svc, ok := snap.servicesByIP[ip]; ok {
			return types.InternalDestination(svc.ID())
		}
	}

	if ns, svcName, ok := r.serviceName(name); ok {
		if svc, ok := snap.services[ns+"/"+svcName]; ok {
			return types.InternalDestination(svc.ID())
		}
		if r.isServiceRecord(name) {
			return types.InternalDestination(types.ServiceIdentity{Namespace: ns, Name: svcName}.ID())
		}
	}

	return types.ExternalDestination(name)
}

// IsClusterName reports whether the name lives under the cluster domain.
func (r *Resolver) IsClusterName(name string) bool {
	return isSubdomain(r.opts.ClusterDomain+".", normalizeName(name)+".")
}
