// Package server exposes graph updates to remote clients over websockets.
//
// A client connects to /ws/v1/get_updates, optionally with ?filter=<kind>:<name>.
// It first receives a snapshot of its view of the graph and then a diff for
// every change to that view:
//
//	{"type":"snapshot","snapshot":{"version":7,"nodes":{...},"edges":{...}}}
//	{"type":"diff","diff":{"fromVersion":7,"version":8,"addedEdges":[...]}}
//
// The client may change its filter at any time; the server answers with a
// fresh snapshot:
//
//	{"type":"set_filter","filter":"service:shop/checkout"}
//
// Each connection runs one reader and one writer goroutine. Writes are
// bounded by a deadline and idle connections are pinged. A client that falls
// behind is closed with code 1013 (try again later) and should reconnect.
package server
