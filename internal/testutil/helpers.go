// Package testutil provides shared test helpers for the dnsgraph project.
// Import this in test files to avoid duplicating fixture loading, pod and
// service builders, and CoreDNS log line construction.
package testutil

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8stypes "k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/yaml"

	"github.com/dnsgraph/dnsgraph/internal/types"
)

// ClusterFixture is the YAML shape of testdata/cluster.yaml.
type ClusterFixture struct {
	Pods     []corev1.Pod     `json:"pods"`
	Services []corev1.Service `json:"services"`
}

// LoadCluster reads a YAML file listing pods and services.
// Fails the test immediately if the file can't be read or parsed.
func LoadCluster(t *testing.T, path string) ClusterFixture {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err, "failed to read fixture %s", path)
	var fx ClusterFixture
	require.NoError(t, yaml.Unmarshal(data, &fx), "failed to parse fixture %s", path)
	return fx
}

// LoadLines reads a text file into lines, skipping blank lines and lines
// starting with '#'.
func LoadLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err, "failed to open fixture %s", path)
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		l := sc.Text()
		if strings.TrimSpace(l) == "" || strings.HasPrefix(l, "#") {
			continue
		}
		lines = append(lines, l)
	}
	require.NoError(t, sc.Err())
	return lines
}

// MakePod creates a running pod with the given IP.
func MakePod(ns, name, ip string, labels map[string]string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: ns,
			UID:       k8stypes.UID(ns + "-" + name),
			Labels:    labels,
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{Name: "main"}},
		},
		Status: corev1.PodStatus{
			Phase:  corev1.PodRunning,
			PodIP:  ip,
			PodIPs: []corev1.PodIP{{IP: ip}},
		},
	}
}

// MakeCoreDNSPod creates a running CoreDNS pod labelled k8s-app=kube-dns.
func MakeCoreDNSPod(name, ip string) *corev1.Pod {
	pod := MakePod("kube-system", name, ip, map[string]string{"k8s-app": "kube-dns"})
	pod.Spec.Containers = []corev1.Container{{Name: "coredns"}}
	return pod
}

// MakeService creates a ClusterIP service.
func MakeService(ns, name, clusterIP string) *corev1.Service {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: ns,
		},
		Spec: corev1.ServiceSpec{
			ClusterIP: clusterIP,
		},
	}
	if clusterIP != "" && clusterIP != corev1.ClusterIPNone {
		svc.Spec.ClusterIPs = []string{clusterIP}
	}
	return svc
}

// QueryLine renders a CoreDNS log line for a query from clientIP.
func QueryLine(ts time.Time, clientIP, qtype, name, rcode string) string {
	return fmt.Sprintf(`%s [INFO] %s:40123 - 4242 "%s IN %s. udp 54 false 512" %s qr,aa,rd 106 0.000136s`,
		ts.UTC().Format(time.RFC3339Nano), clientIP, qtype, name, rcode)
}

// Event builds a routed QueryEvent between two identities.
func Event(ts time.Time, src types.NodeID, dst types.DestinationRef, qtype string) types.QueryEvent {
	return types.QueryEvent{
		Time:        ts,
		Name:        dst.ID.Name,
		Type:        qtype,
		Protocol:    "udp",
		Rcode:       "NOERROR",
		Source:      src,
		Destination: dst,
	}
}

// PodID returns the node ID of a resolved pod.
func PodID(ns, name string) types.NodeID {
	return types.PodIdentity{Namespace: ns, Name: name}.ID()
}

// ServiceDest returns an internal destination for a service.
func ServiceDest(ns, name string) types.DestinationRef {
	return types.InternalDestination(types.ServiceIdentity{Namespace: ns, Name: name}.ID())
}
