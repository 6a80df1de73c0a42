// Package facts implements the fact store: a versioned key/value state
// keyed by colon-separated keys with wildcard queries.
//
// The store keeps a primary key map plus a per-arity key index, so a
// wildcard query only scans keys with a compatible segment count. Every
// mutation bumps the fact's version and republishes it to subscribers
// through a bounded fan-out; the engine itself consumes mutations
// synchronously from return values, so rule dispatch never depends on the
// lossy subscriber path.
//
// Snapshots give one rule firing a consistent view: reads hit the frozen
// base plus the firing's own uncommitted writes, and Commit applies the net
// effect per key atomically.
package facts
