// Package rule defines the data model shared by every engine component:
// facts, events, rules, triggers, conditions, actions, temporal patterns,
// timers and rule groups.
//
// All variant-shaped types (Trigger, ConditionSource, Action,
// TemporalPattern) are modeled as tagged structs: a Kind discriminator plus
// the fields of each arm. Arms that are not selected stay zero-valued, which
// keeps YAML/JSON serialization flat and obvious.
//
// Values inside condition values and action payloads may be references
// ({ref: "event.userId"}) or strings containing ${...} interpolation tokens.
// The model only carries them; resolution happens in the engine at
// evaluation time.
//
// The package has no dependencies on the runtime components, so stores,
// matchers and the dispatcher can all share it without cycles. Components
// hold rule IDs, not pointers; the engine owns the records.
package rule
