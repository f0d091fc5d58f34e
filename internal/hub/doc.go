// Package hub fans graph diffs out to subscribers with independent filters.
//
// # Overview
//
// The hub keeps its own replica of the graph by applying every diff it is
// handed. Each subscriber gets a filtered snapshot first and then filtered
// diffs computed against the last view it was sent, so a client can rebuild
// its view with types.Snapshot.Apply.
//
// Delivery never blocks the caller of OnDiff or the hub goroutine: a
// subscriber whose queue is full is disconnected and its Err reports
// ErrSlowConsumer.
//
// # Filters
//
//	all                      the whole graph
//	pod:web-0                pods named web-0 in any namespace
//	service:shop/checkout    one service
//	external:api.stripe.com  one external host
//
// An edge is visible when either endpoint matches. A node is visible when it
// matches or is an endpoint of a visible edge.
package hub
