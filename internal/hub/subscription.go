package hub

import (
	"sync"

	"github.com/dnsgraph/dnsgraph/internal/types"
)

// MessageType tags a message sent to a subscriber.
type MessageType string

const (
	MessageSnapshot MessageType = "snapshot"
	MessageDiff     MessageType = "diff"
)

// Message is one update for a subscriber. Exactly one of Snapshot and Diff
// is set, matching Type.
type Message struct {
	Type     MessageType     `json:"type"`
	Snapshot *types.Snapshot `json:"snapshot,omitempty"`
	Diff     *types.Diff     `json:"diff,omitempty"`
}

// Subscription is a registered subscriber. Messages arrive in order on
// Messages(); the channel is closed when the subscriber is dropped.
type Subscription struct {
	ID string

	ch chan Message

	// Owned by the hub goroutine.
	filter Filter
	view   types.Snapshot

	mu     sync.Mutex
	closed bool
	err    error
}

// Messages returns the subscriber's message channel.
func (s *Subscription) Messages() <-chan Message {
	return s.ch
}

// Err reports why the channel was closed: ErrSlowConsumer, ErrStopped, or
// nil after Unregister. Only meaningful once Messages() is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) close(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = reason
	close(s.ch)
}
