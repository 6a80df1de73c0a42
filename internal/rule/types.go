package rule

// Fact is a single versioned entry in the fact store.
//
// Facts are identified by key alone; setting an existing key replaces the
// value and bumps Version. Timestamp is the wall-clock time of the last
// update in Unix milliseconds.
type Fact struct {
	Key       string `json:"key" yaml:"key"`
	Value     any    `json:"value" yaml:"value"`
	Timestamp int64  `json:"timestamp" yaml:"timestamp"`
	Source    string `json:"source,omitempty" yaml:"source,omitempty"`
	Version   uint64 `json:"version" yaml:"version"`
}

// Event is an immutable record flowing through the engine.
//
// ID is engine-assigned and unique within the event store's retention
// window. CorrelationID groups all events of one causal cascade;
// CausationID points at the event that directly caused this one, when known.
type Event struct {
	ID            string         `json:"id" yaml:"id"`
	Topic         string         `json:"topic" yaml:"topic"`
	Data          map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
	Timestamp     int64          `json:"timestamp" yaml:"timestamp"`
	Source        string         `json:"source,omitempty" yaml:"source,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty" yaml:"correlationId,omitempty"`
	CausationID   string         `json:"causationId,omitempty" yaml:"causationId,omitempty"`
}

// Rule is a registered production rule: trigger, conditions, actions, plus
// identity and bookkeeping.
//
// Rules are owned by the engine. Version is bumped on every mutating update;
// FireCount and LastFiredAt are maintained by the dispatcher.
type Rule struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Priority    int      `json:"priority,omitempty" yaml:"priority,omitempty"`
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Group       string   `json:"group,omitempty" yaml:"group,omitempty"`

	Trigger    Trigger     `json:"trigger" yaml:"trigger"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Actions    []Action    `json:"actions" yaml:"actions"`

	// Lookups are service calls executed before condition evaluation; their
	// results are exposed to conditions and actions as lookup sources.
	Lookups []Lookup `json:"lookups,omitempty" yaml:"lookups,omitempty"`

	// DebounceMs collapses rapid repeated triggers of this rule into a
	// single trailing-edge fire. Zero means no debounce.
	DebounceMs int64 `json:"debounceMs,omitempty" yaml:"debounceMs,omitempty"`

	CreatedAt   int64  `json:"createdAt,omitempty" yaml:"createdAt,omitempty"`
	UpdatedAt   int64  `json:"updatedAt,omitempty" yaml:"updatedAt,omitempty"`
	LastFiredAt int64  `json:"lastFiredAt,omitempty" yaml:"lastFiredAt,omitempty"`
	FireCount   uint64 `json:"fireCount,omitempty" yaml:"fireCount,omitempty"`
	Version     int64  `json:"version,omitempty" yaml:"version,omitempty"`
}

// Clone returns a deep-enough copy of the rule for handing out of the
// registry: slices are copied so callers cannot mutate registered state.
// Condition and action payload values are shared; they are treated as
// immutable by convention.
func (r *Rule) Clone() *Rule {
	cp := *r
	if r.Tags != nil {
		cp.Tags = append([]string(nil), r.Tags...)
	}
	if r.Conditions != nil {
		cp.Conditions = append([]Condition(nil), r.Conditions...)
	}
	if r.Actions != nil {
		cp.Actions = append([]Action(nil), r.Actions...)
	}
	if r.Lookups != nil {
		cp.Lookups = append([]Lookup(nil), r.Lookups...)
	}
	return &cp
}

// Lookup names a service call whose result is precomputed into the
// evaluation context before conditions run.
type Lookup struct {
	Name    string `json:"name" yaml:"name"`
	Service string `json:"service" yaml:"service"`
	Method  string `json:"method" yaml:"method"`
	Args    []any  `json:"args,omitempty" yaml:"args,omitempty"`
}

// Group is a named set of rules that can be enabled and disabled together.
//
// A rule referencing a disabled group is effectively disabled even when the
// rule itself is enabled.
type Group struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	CreatedAt   int64  `json:"createdAt,omitempty" yaml:"createdAt,omitempty"`
	UpdatedAt   int64  `json:"updatedAt,omitempty" yaml:"updatedAt,omitempty"`
}
