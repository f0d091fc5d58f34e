package hub

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dnsgraph/dnsgraph/internal/types"
)

// ErrInvalidFilter is returned when a filter expression cannot be parsed.
var ErrInvalidFilter = errors.New("invalid filter")

// Filter selects the part of the graph a subscriber sees. The zero value
// matches everything.
type Filter struct {
	// Kind restricts matching nodes to one kind. Empty means all.
	Kind types.NodeKind

	// Name is "namespace/name" or a bare name for pods and services, and a
	// host name or address for external nodes.
	Name string
}

// All is the filter that matches the whole graph.
var All = Filter{}

// ParseFilter parses "all", "pod:<name>", "service:<name>" or
// "external:<host>". Pod and service names may be qualified as "ns/name".
func ParseFilter(s string) (Filter, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "all") {
		return All, nil
	}

	kind, name, ok := strings.Cut(s, ":")
	if !ok {
		return Filter{}, fmt.Errorf("%w: %q: expected <kind>:<name>", ErrInvalidFilter, s)
	}
	k, ok := types.ParseNodeKind(strings.TrimSpace(kind))
	if !ok {
		return Filter{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidFilter, kind)
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if k == types.NodeKindExternal {
		name = strings.TrimSuffix(name, ".")
	}
	if name == "" || strings.Count(name, "/") > 1 {
		return Filter{}, fmt.Errorf("%w: bad name %q", ErrInvalidFilter, name)
	}
	return Filter{Kind: k, Name: name}, nil
}

// IsAll reports whether the filter matches everything.
func (f Filter) IsAll() bool {
	return f.Kind == ""
}

// String returns the filter in the form ParseFilter accepts.
func (f Filter) String() string {
	if f.IsAll() {
		return "all"
	}
	return strings.ToLower(string(f.Kind)) + ":" + f.Name
}

// MarshalText implements encoding.TextMarshaler.
func (f Filter) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Filter) UnmarshalText(text []byte) error {
	parsed, err := ParseFilter(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// MatchesNode reports whether the node itself is selected by the filter.
func (f Filter) MatchesNode(id types.NodeID) bool {
	if f.IsAll() {
		return true
	}
	if id.Kind != f.Kind {
		return false
	}
	if id.Name == f.Name {
		return true
	}
	// A bare name matches in any namespace.
	if !strings.Contains(f.Name, "/") {
		if _, name, ok := strings.Cut(id.Name, "/"); ok && name == f.Name {
			return true
		}
	}
	return false
}

// Project returns the filtered view of a snapshot: every edge with at least
// one matching endpoint, plus matching nodes and the endpoints of those
// edges. The result shares nothing with the input.
func (f Filter) Project(s types.Snapshot) types.Snapshot {
	if f.IsAll() {
		return s.Clone()
	}

	out := types.NewSnapshot()
	out.Version = s.Version

	for key, n := range s.Nodes {
		if f.MatchesNode(n.ID()) {
			out.Nodes[key] = n
		}
	}
	for key, e := range s.Edges {
		_, srcVisible := out.Nodes[e.Source]
		_, dstVisible := out.Nodes[e.Destination]
		if !srcVisible && !dstVisible {
			continue
		}
		out.Edges[key] = e
	}
	for _, e := range out.Edges {
		if n, ok := s.Nodes[e.Source]; ok {
			out.Nodes[e.Source] = n
		}
		if n, ok := s.Nodes[e.Destination]; ok {
			out.Nodes[e.Destination] = n
		}
	}
	return out
}

// diffViews computes the diff that turns one filtered view into another.
func diffViews(prev, next types.Snapshot) types.Diff {
	d := types.Diff{FromVersion: prev.Version, Version: next.Version}

	for key, n := range next.Nodes {
		old, ok := prev.Nodes[key]
		switch {
		case !ok:
			d.AddedNodes = append(d.AddedNodes, n)
		case old != n:
			d.UpdatedNodes = append(d.UpdatedNodes, n)
		}
	}
	for key := range prev.Nodes {
		if _, ok := next.Nodes[key]; !ok {
			d.RemovedNodes = append(d.RemovedNodes, key)
		}
	}
	for key, e := range next.Edges {
		old, ok := prev.Edges[key]
		switch {
		case !ok:
			d.AddedEdges = append(d.AddedEdges, e)
		case old != e:
			d.UpdatedEdges = append(d.UpdatedEdges, e)
		}
	}
	for key := range prev.Edges {
		if _, ok := next.Edges[key]; !ok {
			d.RemovedEdges = append(d.RemovedEdges, key)
		}
	}

	d.Sort()
	return d
}
