package types

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrVersionMismatch is returned when a diff does not start at the snapshot's version.
var ErrVersionMismatch = errors.New("diff does not apply to snapshot version")

// Node is the externally visible state of a graph node.
type Node struct {
	Key      string    `json:"key"`
	Kind     NodeKind  `json:"kind"`
	Name     string    `json:"name"`
	LastSeen time.Time `json:"lastSeen"`
	Total    int64     `json:"total"`
	Rolling  int64     `json:"rolling"`
}

// ID returns the node's identity.
func (n Node) ID() NodeID {
	return NodeID{Kind: n.Kind, Name: n.Name}
}

// Edge is the externally visible state of a directed edge.
type Edge struct {
	Key            string         `json:"key"`
	Source         string         `json:"source"`
	Destination    string         `json:"destination"`
	Total          int64          `json:"total"`
	Rolling        int64          `json:"rolling"`
	LastQueryType  string         `json:"lastQueryType"`
	LastRcode      string         `json:"lastRcode,omitempty"`
	Classification Classification `json:"classification"`
	LastSeen       time.Time      `json:"lastSeen"`
}

// EdgeKey returns the content-addressed key of the edge between two node keys.
func EdgeKey(source, destination string) string {
	return source + "->" + destination
}

// Snapshot is a full, versioned view of the graph. Nodes and edges are
// indexed by key; edges reference nodes only by key.
type Snapshot struct {
	Version uint64          `json:"version"`
	Nodes   map[string]Node `json:"nodes"`
	Edges   map[string]Edge `json:"edges"`
}

// NewSnapshot returns an empty snapshot at version 0.
func NewSnapshot() Snapshot {
	return Snapshot{
		Nodes: make(map[string]Node),
		Edges: make(map[string]Edge),
	}
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Version: s.Version,
		Nodes:   make(map[string]Node, len(s.Nodes)),
		Edges:   make(map[string]Edge, len(s.Edges)),
	}
	for k, n := range s.Nodes {
		out.Nodes[k] = n
	}
	for k, e := range s.Edges {
		out.Edges[k] = e
	}
	return out
}

// NodeList returns the nodes sorted by key.
func (s Snapshot) NodeList() []Node {
	out := make([]Node, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// EdgeList returns the edges sorted by key.
func (s Snapshot) EdgeList() []Edge {
	out := make([]Edge, 0, len(s.Edges))
	for _, e := range s.Edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Apply advances the snapshot by one diff in place. Removals are applied
// before additions so a diff never leaves a dangling edge behind.
func (s *Snapshot) Apply(d Diff) error {
	if d.FromVersion != s.Version {
		return fmt.Errorf("%w: snapshot at %d, diff from %d", ErrVersionMismatch, s.Version, d.FromVersion)
	}
	if s.Nodes == nil {
		s.Nodes = make(map[string]Node)
	}
	if s.Edges == nil {
		s.Edges = make(map[string]Edge)
	}
	for _, k := range d.RemovedEdges {
		delete(s.Edges, k)
	}
	for _, k := range d.RemovedNodes {
		delete(s.Nodes, k)
	}
	for _, n := range d.AddedNodes {
		s.Nodes[n.Key] = n
	}
	for _, n := range d.UpdatedNodes {
		s.Nodes[n.Key] = n
	}
	for _, e := range d.AddedEdges {
		s.Edges[e.Key] = e
	}
	for _, e := range d.UpdatedEdges {
		s.Edges[e.Key] = e
	}
	s.Version = d.Version
	return nil
}

// Validate checks that every edge references nodes present in the snapshot.
func (s Snapshot) Validate() error {
	for k, e := range s.Edges {
		if _, ok := s.Nodes[e.Source]; !ok {
			return fmt.Errorf("edge %s references missing source node %s", k, e.Source)
		}
		if _, ok := s.Nodes[e.Destination]; !ok {
			return fmt.Errorf("edge %s references missing destination node %s", k, e.Destination)
		}
	}
	return nil
}

// Diff is the change set between two snapshot versions.
type Diff struct {
	FromVersion  uint64   `json:"fromVersion"`
	Version      uint64   `json:"version"`
	AddedNodes   []Node   `json:"addedNodes,omitempty"`
	UpdatedNodes []Node   `json:"updatedNodes,omitempty"`
	RemovedNodes []string `json:"removedNodes,omitempty"`
	AddedEdges   []Edge   `json:"addedEdges,omitempty"`
	UpdatedEdges []Edge   `json:"updatedEdges,omitempty"`
	RemovedEdges []string `json:"removedEdges,omitempty"`
}

// IsEmpty reports whether the diff carries no changes.
func (d Diff) IsEmpty() bool {
	return len(d.AddedNodes) == 0 && len(d.UpdatedNodes) == 0 && len(d.RemovedNodes) == 0 &&
		len(d.AddedEdges) == 0 && len(d.UpdatedEdges) == 0 && len(d.RemovedEdges) == 0
}

// Sort orders every section of the diff by key.
func (d *Diff) Sort() {
	sortNodes(d.AddedNodes)
	sortNodes(d.UpdatedNodes)
	sortEdges(d.AddedEdges)
	sortEdges(d.UpdatedEdges)
	sort.Strings(d.RemovedNodes)
	sort.Strings(d.RemovedEdges)
}

func sortNodes(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Key < nodes[j].Key })
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool { return edges[i].Key < edges[j].Key })
}
