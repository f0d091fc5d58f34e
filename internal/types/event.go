package types

import (
	"time"
)

// RawLine is one line of CoreDNS log output tagged with the pod that produced it.
type RawLine struct {
	// Pod is the CoreDNS pod the line was read from.
	Pod PodIdentity

	// Text is the line without its trailing newline.
	Text string

	// Received is when the line was read off the stream. Used as the query
	// time when the line carries no timestamp of its own.
	Received time.Time
}

// QueryEvent is one observed DNS query. It is built once by the parser,
// completed by the classifier via WithRoute, and never mutated afterwards.
type QueryEvent struct {
	Time time.Time `json:"time"`

	// Server is the CoreDNS pod that answered the query.
	Server PodIdentity `json:"server"`

	// ClientIP and ClientPort are the querying socket as logged.
	ClientIP   string `json:"clientIP"`
	ClientPort int    `json:"clientPort,omitempty"`

	// QueryID is the DNS message ID.
	QueryID uint16 `json:"queryID"`

	// Name is the queried name, lowercase, without the trailing dot.
	Name     string `json:"name"`
	Type     string `json:"type"`
	Protocol string `json:"protocol"`

	RequestSize  int           `json:"requestSize,omitempty"`
	ResponseSize int           `json:"responseSize,omitempty"`
	Rcode        string        `json:"rcode"`
	Flags        []string      `json:"flags,omitempty"`
	Duration     time.Duration `json:"duration"`

	// Source and Destination are set by the classifier.
	Source      NodeID         `json:"source"`
	Destination DestinationRef `json:"destination"`
}

// WithRoute returns a copy of the event with source and destination set.
func (e QueryEvent) WithRoute(source NodeID, dest DestinationRef) QueryEvent {
	e.Source = source
	e.Destination = dest
	if e.Flags != nil {
		flags := make([]string, len(e.Flags))
		copy(flags, e.Flags)
		e.Flags = flags
	}
	return e
}

// Routed reports whether the event has both endpoints classified.
func (e QueryEvent) Routed() bool {
	return !e.Source.IsZero() && !e.Destination.ID.IsZero()
}

// Succeeded reports whether the query was answered with NOERROR.
func (e QueryEvent) Succeeded() bool {
	return e.Rcode == "NOERROR"
}
