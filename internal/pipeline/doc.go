// Package pipeline connects the query sources to the graph aggregator.
//
// A single Run loop reads raw lines, parses them, drops what should not be
// graphed and classifies the rest against the resolver. Removal signals
// from the log source go to the resolver so that a vanished pod's IP stops
// resolving immediately.
//
// Only NOERROR answers are kept unless RecordFailedQueries is set. NXDOMAIN
// answers for names under the cluster domain are always dropped: they are
// the stub resolver walking its search path before the real lookup.
package pipeline
