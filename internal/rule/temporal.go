package rule

// TemporalKind discriminates the temporal pattern variants.
type TemporalKind string

const (
	// TemporalSequence completes when its events occur in order within
	// the window.
	TemporalSequence TemporalKind = "sequence"
	// TemporalAbsence completes when the expected event does not follow
	// the opening event within the window.
	TemporalAbsence TemporalKind = "absence"
	// TemporalCount completes when the number of matching events in the
	// window crosses the threshold.
	TemporalCount TemporalKind = "count"
	// TemporalAggregate completes when an aggregate over a numeric event
	// field crosses the threshold within the window.
	TemporalAggregate TemporalKind = "aggregate"
)

// Comparison directs which side of a threshold completes the pattern.
type Comparison string

const (
	CmpGte Comparison = "gte"
	CmpLte Comparison = "lte"
	CmpEq  Comparison = "eq"
)

// AggregateFunc names the aggregate applied by an aggregate pattern.
type AggregateFunc string

const (
	AggSum   AggregateFunc = "sum"
	AggAvg   AggregateFunc = "avg"
	AggMin   AggregateFunc = "min"
	AggMax   AggregateFunc = "max"
	AggCount AggregateFunc = "count"
)

// EventMatcher selects events by topic pattern with an optional equality
// filter over dotted paths into the event data.
type EventMatcher struct {
	Topic  string         `json:"topic" yaml:"topic"`
	Filter map[string]any `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// TemporalPattern describes a multi-event condition over time. Kind selects
// which fields apply:
//
//	sequence:  Events (in order), Within
//	absence:   After, Expected, Within
//	count:     Event, Threshold (integer), Comparison, Window, Sliding
//	aggregate: Event, Field, Function, Threshold, Comparison, Window
//
// GroupBy partitions tracking by a dotted path into event data; each
// distinct value is matched independently. Within and Window accept the
// engine's duration grammar.
type TemporalPattern struct {
	Kind TemporalKind `json:"kind" yaml:"kind"`

	// sequence
	Events []EventMatcher `json:"events,omitempty" yaml:"events,omitempty"`

	// absence
	After    *EventMatcher `json:"after,omitempty" yaml:"after,omitempty"`
	Expected *EventMatcher `json:"expected,omitempty" yaml:"expected,omitempty"`

	// count / aggregate
	Event      *EventMatcher `json:"event,omitempty" yaml:"event,omitempty"`
	Threshold  float64       `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Comparison Comparison    `json:"comparison,omitempty" yaml:"comparison,omitempty"`
	Sliding    bool          `json:"sliding,omitempty" yaml:"sliding,omitempty"`

	// aggregate
	Field    string        `json:"field,omitempty" yaml:"field,omitempty"`
	Function AggregateFunc `json:"function,omitempty" yaml:"function,omitempty"`

	Within string `json:"within,omitempty" yaml:"within,omitempty"`
	Window string `json:"window,omitempty" yaml:"window,omitempty"`

	GroupBy string `json:"groupBy,omitempty" yaml:"groupBy,omitempty"`
}
