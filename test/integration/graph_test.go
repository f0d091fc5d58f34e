//go:build integration
// +build integration

package integration

import (
	"context"
	"fmt"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/dnsgraph/dnsgraph/internal/graph"
	"github.com/dnsgraph/dnsgraph/internal/hub"
	"github.com/dnsgraph/dnsgraph/internal/pipeline"
	"github.com/dnsgraph/dnsgraph/internal/testutil"
	"github.com/dnsgraph/dnsgraph/internal/types"
)

var coredns = types.PodIdentity{Namespace: "kube-system", Name: "coredns-7db6d8ff4d-x2x9l", IP: "10.244.0.2"}

// TestResolverSnapshot checks identities listed from the API server.
func (s *IntegrationSuite) TestResolverSnapshot() {
	r := s.newResolver(time.Minute)

	web := r.ResolveClient("10.244.1.7")
	assert.True(s.T(), web.Resolved())
	assert.Equal(s.T(), "pod/shop/web-0", web.ID().Key())

	// Host network pods share the node address and are never matched.
	assert.False(s.T(), r.ResolveClient("172.18.0.2").Resolved())

	checkoutIP := s.serviceIPs["shop/checkout"]
	require.NotEmpty(s.T(), checkoutIP)
	dst := r.Classify(checkoutIP)
	assert.Equal(s.T(), types.ClassificationInternal, dst.Classification)
	assert.Equal(s.T(), "service/shop/checkout", dst.ID.Key())

	assert.Equal(s.T(), "service/shop/db", r.Classify("db.shop.svc.cluster.local").ID.Key())
	assert.Equal(s.T(), types.ClassificationExternal, r.Classify("api.stripe.com").Classification)
}

// TestFixtureLogToGraph runs the fixture log through the pipeline into the
// aggregator and checks the resulting graph.
func (s *IntegrationSuite) TestFixtureLogToGraph() {
	r := s.newResolver(time.Minute)
	p := pipeline.New(r, pipeline.Options{Logger: s.logger})
	agg := graph.New(graph.Options{Logger: s.logger})

	for _, line := range testutil.LoadLines(s.T(), "../../internal/testutil/testdata/coredns.log") {
		ev, ok := p.Process(types.RawLine{Pod: coredns, Text: line, Received: time.Now()})
		if !ok {
			continue
		}
		require.NoError(s.T(), agg.Ingest(ev))
	}
	diff := agg.Tick()
	assert.False(s.T(), diff.IsEmpty())

	snap := agg.Snapshot()
	require.NoError(s.T(), snap.Validate())
	assert.Len(s.T(), snap.Edges, 3)

	edge, ok := snap.Edges["pod/shop/web-0->service/shop/checkout"]
	require.True(s.T(), ok)
	assert.Equal(s.T(), int64(2), edge.Total)
	assert.Equal(s.T(), types.ClassificationInternal, edge.Classification)

	edge, ok = snap.Edges["pod/shop/checkout-6f9c->external/api.stripe.com"]
	require.True(s.T(), ok)
	assert.Equal(s.T(), types.ClassificationExternal, edge.Classification)

	filter, err := hub.ParseFilter("external:api.stripe.com")
	require.NoError(s.T(), err)
	view := filter.Project(snap)
	assert.Len(s.T(), view.Edges, 1)
}

// TestResolverPicksUpNewService checks that a service created after start
// is matched by ClusterIP once the periodic refresh runs, and keeps the node
// key its DNS name had before.
func (s *IntegrationSuite) TestResolverPicksUpNewService() {
	r := s.newResolver(200 * time.Millisecond)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	name := fmt.Sprintf("late-%d", time.Now().UnixNano()%100000)
	fqdn := name + ".shop.svc.cluster.local"
	byName := r.Classify(fqdn)
	assert.Equal(s.T(), "service/shop/"+name, byName.ID.Key())

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "shop"},
		Spec: corev1.ServiceSpec{
			Ports: []corev1.ServicePort{{Name: "http", Port: 80}},
		},
	}
	created, err := s.clientset.CoreV1().Services("shop").Create(s.ctx, svc, metav1.CreateOptions{})
	require.NoError(s.T(), err)
	clusterIP := created.Spec.ClusterIP
	require.NotEmpty(s.T(), clusterIP)

	require.Eventually(s.T(), func() bool {
		return r.Classify(clusterIP).Classification == types.ClassificationInternal
	}, 10*time.Second, 100*time.Millisecond)
	assert.Equal(s.T(), byName, r.Classify(clusterIP))
	assert.Equal(s.T(), byName, r.Classify(fqdn))

	cancel()
	select {
	case err := <-done:
		assert.NoError(s.T(), err)
	case <-time.After(5 * time.Second):
		s.T().Fatal("resolver did not stop")
	}
}
