package types

import (
	"strings"
)

// NodeKind is the kind of entity a graph node represents.
type NodeKind string

const (
	NodeKindPod      NodeKind = "Pod"
	NodeKindService  NodeKind = "Service"
	NodeKindExternal NodeKind = "External"
)

// ParseNodeKind converts a case-insensitive kind name. Returns false for unknown kinds.
func ParseNodeKind(s string) (NodeKind, bool) {
	switch strings.ToLower(s) {
	case "pod":
		return NodeKindPod, true
	case "service", "svc":
		return NodeKindService, true
	case "external", "ext":
		return NodeKindExternal, true
	default:
		return "", false
	}
}

// Classification tags an edge as staying inside the cluster or leaving it.
type Classification string

const (
	ClassificationInternal Classification = "Internal"
	ClassificationExternal Classification = "External"
)

// NodeID identifies a graph node. Name is "namespace/name" for pods and
// services, the normalised host name for external destinations, and the
// bare IP for clients that could not be matched to a pod.
type NodeID struct {
	Kind NodeKind `json:"kind"`
	Name string   `json:"name"`
}

// Key returns the content-addressed node key, e.g. "pod/default/web-0".
func (id NodeID) Key() string {
	return strings.ToLower(string(id.Kind)) + "/" + id.Name
}

// String implements fmt.Stringer.
func (id NodeID) String() string {
	return id.Key()
}

// IsZero reports whether the ID is unset.
func (id NodeID) IsZero() bool {
	return id.Kind == "" && id.Name == ""
}

// PodIdentity identifies a pod as seen by the cluster API.
type PodIdentity struct {
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name,omitempty"`
	IP        string `json:"ip,omitempty"`
	UID       string `json:"uid,omitempty"`
}

// Resolved reports whether the identity names a known pod rather than a bare IP.
func (p PodIdentity) Resolved() bool {
	return p.Name != ""
}

// ID returns the graph node ID for the pod. Unresolved pods are keyed by IP.
func (p PodIdentity) ID() NodeID {
	if !p.Resolved() {
		return NodeID{Kind: NodeKindPod, Name: p.IP}
	}
	return NodeID{Kind: NodeKindPod, Name: p.Namespace + "/" + p.Name}
}

// String implements fmt.Stringer.
func (p PodIdentity) String() string {
	if !p.Resolved() {
		return p.IP
	}
	return p.Namespace + "/" + p.Name
}

// ServiceIdentity identifies a Kubernetes Service.
type ServiceIdentity struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	ClusterIP string `json:"clusterIP,omitempty"`
}

// ID returns the graph node ID for the service.
func (s ServiceIdentity) ID() NodeID {
	return NodeID{Kind: NodeKindService, Name: s.Namespace + "/" + s.Name}
}

// DestinationRef is the classified destination of a query.
type DestinationRef struct {
	ID             NodeID         `json:"id"`
	Classification Classification `json:"classification"`
}

// ExternalDestination builds the destination for a host outside the cluster.
func ExternalDestination(host string) DestinationRef {
	return DestinationRef{
		ID:             NodeID{Kind: NodeKindExternal, Name: host},
		Classification: ClassificationExternal,
	}
}

// InternalDestination builds the destination for a cluster entity.
func InternalDestination(id NodeID) DestinationRef {
	return DestinationRef{ID: id, Classification: ClassificationInternal}
}
