package util

import (
	"fmt"

	"k8s.io/apimachinery/pkg/labels"
)

// ParseSelector parses a label selector string such as "k8s-app=kube-dns".
// An empty string selects everything.
func ParseSelector(s string) (labels.Selector, error) {
	sel, err := labels.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parsing label selector %q: %w", s, err)
	}
	return sel, nil
}

// MatchesSelector reports whether the given labels satisfy the selector.
// A nil selector matches everything.
func MatchesSelector(sel labels.Selector, lbls map[string]string) bool {
	if sel == nil || sel.Empty() {
		return true
	}
	return sel.Matches(labels.Set(lbls))
}
