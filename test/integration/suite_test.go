//go:build integration
// +build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/envtest"

	"github.com/dnsgraph/dnsgraph/internal/resolver"
	"github.com/dnsgraph/dnsgraph/internal/testutil"
)

const pauseImage = "registry.k8s.io/pause:3.9"

// IntegrationSuite runs dnsgraph components against a real API server.
type IntegrationSuite struct {
	suite.Suite
	testEnv   *envtest.Environment
	clientset kubernetes.Interface
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *zap.Logger

	// serviceIPs maps namespace/name to the ClusterIP the API server allocated.
	serviceIPs map[string]string
}

// SetupSuite starts envtest and loads the shared cluster fixture.
func (s *IntegrationSuite) SetupSuite() {
	s.logger = zap.NewNop()
	s.testEnv = &envtest.Environment{}

	cfg, err := s.testEnv.Start()
	require.NoError(s.T(), err)

	s.clientset, err = kubernetes.NewForConfig(cfg)
	require.NoError(s.T(), err)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.serviceIPs = make(map[string]string)
	s.loadFixture("../../internal/testutil/testdata/cluster.yaml")
}

// TearDownSuite runs once after all tests.
func (s *IntegrationSuite) TearDownSuite() {
	s.cancel()
	err := s.testEnv.Stop()
	require.NoError(s.T(), err)
}

// loadFixture creates the fixture's namespaces, pods and services. Pod
// status is written through the status subresource since there is no
// kubelet. Service ClusterIPs are left to the API server.
func (s *IntegrationSuite) loadFixture(path string) {
	fx := testutil.LoadCluster(s.T(), path)

	for i := range fx.Pods {
		pod := fx.Pods[i].DeepCopy()
		s.ensureNamespace(pod.Namespace)
		for j := range pod.Spec.Containers {
			if pod.Spec.Containers[j].Image == "" {
				pod.Spec.Containers[j].Image = pauseImage
			}
		}
		status := pod.Status

		created, err := s.clientset.CoreV1().Pods(pod.Namespace).Create(s.ctx, pod, metav1.CreateOptions{})
		require.NoError(s.T(), err)
		created.Status = status
		if created.Status.PodIP != "" && len(created.Status.PodIPs) == 0 {
			created.Status.PodIPs = []corev1.PodIP{{IP: created.Status.PodIP}}
		}
		_, err = s.clientset.CoreV1().Pods(pod.Namespace).UpdateStatus(s.ctx, created, metav1.UpdateOptions{})
		require.NoError(s.T(), err)
	}

	for i := range fx.Services {
		svc := fx.Services[i].DeepCopy()
		s.ensureNamespace(svc.Namespace)
		if svc.Spec.ClusterIP != corev1.ClusterIPNone {
			svc.Spec.ClusterIP = ""
			svc.Spec.ClusterIPs = nil
		}
		if len(svc.Spec.Ports) == 0 {
			svc.Spec.Ports = []corev1.ServicePort{{Name: "dns", Port: 53, Protocol: corev1.ProtocolUDP}}
		}
		created, err := s.clientset.CoreV1().Services(svc.Namespace).Create(s.ctx, svc, metav1.CreateOptions{})
		require.NoError(s.T(), err)
		s.serviceIPs[created.Namespace+"/"+created.Name] = created.Spec.ClusterIP
	}
}

// ensureNamespace creates the namespace and its default service account,
// which nothing else creates without a controller manager.
func (s *IntegrationSuite) ensureNamespace(name string) {
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
	_, err := s.clientset.CoreV1().Namespaces().Create(s.ctx, ns, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		require.NoError(s.T(), err)
	}
	sa := &corev1.ServiceAccount{ObjectMeta: metav1.ObjectMeta{Name: "default", Namespace: name}}
	_, err = s.clientset.CoreV1().ServiceAccounts(name).Create(s.ctx, sa, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		require.NoError(s.T(), err)
	}
}

// newResolver returns a resolver with a completed first refresh.
func (s *IntegrationSuite) newResolver(refresh time.Duration) *resolver.Resolver {
	r := resolver.New(s.clientset, resolver.Options{RefreshInterval: refresh, Logger: s.logger})
	require.NoError(s.T(), r.Refresh(s.ctx))
	return r
}

func TestIntegrationSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}
	suite.Run(t, new(IntegrationSuite))
}
