package temporal

import (
	"math"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tidwall/gjson"

	"github.com/hamicek/noex-rules-sub008/internal/pattern"
	"github.com/hamicek/noex-rules-sub008/internal/rule"
)

// compiledMatcher is an EventMatcher with its topic pattern compiled.
type compiledMatcher struct {
	topic  pattern.Pattern
	filter map[string]any
}

func compileMatcher(em rule.EventMatcher) (compiledMatcher, error) {
	p, err := pattern.Compile(em.Topic, pattern.TopicSep)
	if err != nil {
		return compiledMatcher{}, err
	}
	return compiledMatcher{topic: p, filter: em.Filter}, nil
}

// matches tests e's topic against the pattern and every filter entry
// against the event payload by deep equality.
func (cm compiledMatcher) matches(e *rule.Event, raw []byte) bool {
	if !cm.topic.Match(e.Topic) {
		return false
	}
	for path, want := range cm.filter {
		got, ok := lookupPath(raw, path)
		if !ok || !rule.Equal(got, want) {
			return false
		}
	}
	return true
}

// lookupPath resolves a dotted path against the serialized event. Paths
// resolve event-rooted first ("data.userId"), then data-rooted ("userId"),
// so both spellings address the payload.
func lookupPath(raw []byte, path string) (any, bool) {
	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		res = gjson.GetBytes(raw, "data."+path)
		if !res.Exists() {
			return nil, false
		}
	}
	return res.Value(), true
}

// numericAt resolves path to a finite number, the only kind aggregate
// windows admit.
func numericAt(raw []byte, path string) (float64, bool) {
	v, ok := lookupPath(raw, path)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ruleState is one registered temporal rule with its compiled matchers and
// per-group runtime state.
type ruleState struct {
	id  string
	pat rule.TemporalPattern

	steps    []compiledMatcher // sequence
	after    compiledMatcher   // absence
	expected compiledMatcher   // absence
	single   compiledMatcher   // count, aggregate

	within time.Duration // sequence, absence
	window time.Duration // count, aggregate

	groups map[string]*groupState
}

// group returns the state for key, creating it on first use.
func (rs *ruleState) group(key string) *groupState {
	gs, ok := rs.groups[key]
	if !ok {
		gs = &groupState{}
		rs.groups[key] = gs
	}
	return gs
}

// prune drops groups with no live state so unbounded group-by values do not
// leak.
func (rs *ruleState) prune(key string, now int64) {
	gs, ok := rs.groups[key]
	if ok && len(gs.partials) == 0 && len(gs.samples) == 0 && !gs.armed && !gs.lastSatisfied && gs.suppressUntil <= now {
		delete(rs.groups, key)
	}
}

// groupState is the runtime state of one group-by partition.
type groupState struct {
	// sequence: in-flight partial matches.
	partials []*partial

	// absence: the armed deadline, if any. gen detects stale expiry
	// callbacks after a cancel or re-arm.
	armed    bool
	gen      uint64
	deadline clockwork.Timer
	armedBy  rule.Event

	// count, aggregate: matching events inside the window.
	samples       []sample
	lastSatisfied bool
	suppressUntil int64
}

// partial is a sequence match in progress. next indexes the step the
// partial is waiting for.
type partial struct {
	next      int
	events    []rule.Event
	startedAt int64
}

// sample is one windowed event, with its numeric value for aggregates.
type sample struct {
	event rule.Event
	ts    int64
	value float64
}

func compare(v, threshold float64, cmp rule.Comparison) bool {
	switch cmp {
	case rule.CmpGte:
		return v >= threshold
	case rule.CmpLte:
		return v <= threshold
	case rule.CmpEq:
		return v == threshold
	}
	return false
}

func aggregate(fn rule.AggregateFunc, samples []sample) float64 {
	if fn == rule.AggCount {
		return float64(len(samples))
	}
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	min := samples[0].value
	max := samples[0].value
	for _, s := range samples {
		sum += s.value
		if s.value < min {
			min = s.value
		}
		if s.value > max {
			max = s.value
		}
	}
	switch fn {
	case rule.AggSum:
		return sum
	case rule.AggAvg:
		return sum / float64(len(samples))
	case rule.AggMin:
		return min
	case rule.AggMax:
		return max
	}
	return 0
}
