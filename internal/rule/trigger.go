package rule

// TriggerKind discriminates the trigger variants a rule can declare.
type TriggerKind string

const (
	// TriggerEvent fires when an event matching Topic is emitted.
	TriggerEvent TriggerKind = "event"
	// TriggerFact fires when a fact matching Pattern is created, updated
	// or deleted.
	TriggerFact TriggerKind = "fact"
	// TriggerTimer fires when the named timer expires.
	TriggerTimer TriggerKind = "timer"
	// TriggerTemporal fires when the embedded temporal pattern completes.
	TriggerTemporal TriggerKind = "temporal"
)

// FactChange identifies which fact mutation a fact trigger reacted to.
type FactChange string

const (
	FactCreated FactChange = "created"
	FactUpdated FactChange = "updated"
	FactDeleted FactChange = "deleted"
)

// Trigger is a tagged variant: exactly one of the kind-specific fields is
// meaningful, selected by Kind.
type Trigger struct {
	Kind TriggerKind `json:"kind" yaml:"kind"`

	// Topic is the event topic pattern for TriggerEvent. Dot-separated
	// segments, * matches one segment, ** matches zero or more.
	Topic string `json:"topic,omitempty" yaml:"topic,omitempty"`

	// Pattern is the fact key pattern for TriggerFact. Colon-separated
	// segments with the same wildcard grammar as Topic.
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`

	// Changes restricts a fact trigger to specific mutation kinds.
	// Empty means all of created, updated, deleted.
	Changes []FactChange `json:"changes,omitempty" yaml:"changes,omitempty"`

	// Name is the timer name for TriggerTimer.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Temporal is the pattern for TriggerTemporal.
	Temporal *TemporalPattern `json:"temporal,omitempty" yaml:"temporal,omitempty"`
}

// OnEvent returns an event trigger for the given topic pattern.
func OnEvent(topic string) Trigger {
	return Trigger{Kind: TriggerEvent, Topic: topic}
}

// OnFact returns a fact trigger for the given key pattern. With no changes
// listed the trigger reacts to every mutation kind.
func OnFact(pattern string, changes ...FactChange) Trigger {
	return Trigger{Kind: TriggerFact, Pattern: pattern, Changes: changes}
}

// OnTimer returns a timer trigger for the named timer.
func OnTimer(name string) Trigger {
	return Trigger{Kind: TriggerTimer, Name: name}
}

// OnTemporal returns a temporal trigger for the given pattern.
func OnTemporal(p *TemporalPattern) Trigger {
	return Trigger{Kind: TriggerTemporal, Temporal: p}
}

// WatchesChange reports whether a fact trigger reacts to the given change.
func (t Trigger) WatchesChange(c FactChange) bool {
	if t.Kind != TriggerFact {
		return false
	}
	if len(t.Changes) == 0 {
		return true
	}
	for _, want := range t.Changes {
		if want == c {
			return true
		}
	}
	return false
}
