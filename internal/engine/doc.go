// Package engine wires the fact store, event store, timer scheduler,
// temporal matcher and audit pipeline into a single embeddable rule
// engine.
//
// External producers hand the engine events and fact mutations; the
// engine groups all derived activity under a cascade identified by a
// correlation id, dispatches matching rules in (priority, id) order,
// and executes their actions against a snapshot of the fact store that
// commits atomically when the firing completes. Distinct cascades run
// concurrently on a bounded worker pool; firings of the same rule are
// serialized by a per-rule mutex.
package engine
