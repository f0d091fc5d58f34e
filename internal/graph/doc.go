// Package graph aggregates classified DNS query events into a weighted
// communication graph with time-windowed eviction.
//
// # Overview
//
// Every event adds one to the source node, the destination node and the
// directed edge between them. Each count has a cumulative total and a
// rolling value covering the last Window of arrival time. On every tick the
// aggregator:
//
//  1. expires rolling buckets older than the window
//  2. evicts edges with a zero rolling count once EdgeGrace has passed
//  3. evicts nodes with no rolling activity of their own or on any edge once
//     NodeGrace has passed, removing their remaining edges first
//  4. emits the accumulated changes as a versioned types.Diff
//
// An edge's classification is decided by the first event that creates it and
// is not revisited, so an identity reclassified by a later resolver refresh
// only shows up on new edges.
//
// # Usage
//
//	agg := graph.New(graph.Options{Window: 5 * time.Minute, Logger: logger})
//	go agg.Run(ctx, events, hub)
//
//	snap := agg.Snapshot() // consistent with the last diff
package graph
