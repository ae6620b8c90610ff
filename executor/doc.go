// Package executor coordinates one execution request end to end.
//
// Relational statements pass the safety gate, run against the store, are
// enriched and cached. Scripts have their named inputs resolved from the
// dataset cache (falling back to inline samples), run in a sandbox unit and
// have their output cached. Every path returns a *result.Result; lower-layer
// errors are translated here and never escape.
package executor
