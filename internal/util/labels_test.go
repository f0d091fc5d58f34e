package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/labels"
)

func TestParseSelector(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "equality", input: "k8s-app=kube-dns"},
		{name: "set based", input: "k8s-app in (kube-dns,coredns)"},
		{name: "multiple", input: "k8s-app=kube-dns,tier!=test"},
		{name: "empty", input: ""},
		{name: "missing key", input: "=kube-dns", wantErr: true},
		{name: "bad operator", input: "a in b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := ParseSelector(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.input)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, sel)
		})
	}
}

func TestMatchesSelector(t *testing.T) {
	dns, err := ParseSelector("k8s-app=kube-dns")
	require.NoError(t, err)
	set, err := ParseSelector("k8s-app in (kube-dns,coredns)")
	require.NoError(t, err)
	empty, err := ParseSelector("")
	require.NoError(t, err)

	tests := []struct {
		name     string
		selector labels.Selector
		labels   map[string]string
		expected bool
	}{
		{name: "matching labels", selector: dns, labels: map[string]string{"k8s-app": "kube-dns", "pod-template-hash": "7db6d8ff4d"}, expected: true},
		{name: "non-matching labels", selector: dns, labels: map[string]string{"k8s-app": "web"}, expected: false},
		{name: "missing label", selector: dns, labels: map[string]string{"app": "kube-dns"}, expected: false},
		{name: "nil labels", selector: dns, labels: nil, expected: false},
		{name: "set based", selector: set, labels: map[string]string{"k8s-app": "coredns"}, expected: true},
		{name: "empty selector matches all", selector: empty, labels: map[string]string{"anything": "x"}, expected: true},
		{name: "nil selector matches all", selector: nil, labels: map[string]string{"k8s-app": "web"}, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MatchesSelector(tt.selector, tt.labels))
		})
	}
}
