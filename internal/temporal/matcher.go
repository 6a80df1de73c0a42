// Package temporal matches multi-event patterns over time: ordered
// sequences, absences with deadlines, and count or aggregate windows,
// each partitioned by an optional group-by path. A satisfied pattern
// produces a synthetic match handed to the engine's dispatcher.
package temporal

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/hamicek/noex-rules-sub008/internal/rule"
)

// Match is one satisfied pattern occurrence: the events that completed it
// and the group partition they belong to.
type Match struct {
	RuleID   string       `json:"ruleId"`
	GroupKey string       `json:"groupKey,omitempty"`
	Events   []rule.Event `json:"events"`
}

// Config configures the matcher.
type Config struct {
	// Clock drives absence deadlines.
	Clock clockwork.Clock
	// OnMatch receives each satisfied pattern. Sequence, count and
	// aggregate matches arrive on the Ingest caller's goroutine; absence
	// matches arrive from the deadline timer.
	OnMatch func(Match)
	// Logger receives operational warnings.
	Logger *slog.Logger
}

// CheckAndSetDefaults fills unset fields and validates the callback.
func (c *Config) CheckAndSetDefaults() error {
	if c.OnMatch == nil {
		return rule.NewInvalidArgument("temporal: OnMatch callback is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Matcher tracks the runtime state of every registered temporal pattern.
type Matcher struct {
	cfg Config

	mu    sync.Mutex
	rules map[string]*ruleState
	ids   []string
}

// NewMatcher returns an empty matcher.
func NewMatcher(cfg Config) (*Matcher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Matcher{cfg: cfg, rules: make(map[string]*ruleState)}, nil
}

// Register compiles pat and starts tracking it for ruleID. Registering an
// already-tracked rule resets its state.
func (m *Matcher) Register(ruleID string, pat rule.TemporalPattern) error {
	if ruleID == "" {
		return rule.NewInvalidArgument("temporal: rule id is required")
	}
	rs, err := compileRule(ruleID, pat)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.rules[ruleID]; ok {
		disarmAll(old)
	} else {
		m.ids = append(m.ids, ruleID)
		sort.Strings(m.ids)
	}
	m.rules[ruleID] = rs
	return nil
}

// Unregister stops tracking ruleID, cancelling any armed deadlines.
func (m *Matcher) Unregister(ruleID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.rules[ruleID]
	if !ok {
		return false
	}
	disarmAll(rs)
	delete(m.rules, ruleID)
	for i, id := range m.ids {
		if id == ruleID {
			m.ids = append(m.ids[:i], m.ids[i+1:]...)
			break
		}
	}
	return true
}

// Size returns the number of tracked rules.
func (m *Matcher) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rules)
}

// ActiveGroups returns the number of live group partitions for ruleID.
func (m *Matcher) ActiveGroups(ruleID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.rules[ruleID]
	if !ok {
		return 0
	}
	return len(rs.groups)
}

// Ingest runs e through every tracked pattern. Matches are delivered to
// OnMatch after internal state is updated, in rule-id order.
func (m *Matcher) Ingest(e rule.Event) {
	raw, err := json.Marshal(e)
	if err != nil {
		m.cfg.Logger.Warn("temporal ingest: event not serializable", "event", e.ID, "error", err)
		return
	}
	now := e.Timestamp
	if now == 0 {
		now = m.cfg.Clock.Now().UnixMilli()
	}

	var fires []Match
	m.mu.Lock()
	for _, id := range m.ids {
		fires = append(fires, m.ingestRule(m.rules[id], &e, raw, now)...)
	}
	m.mu.Unlock()

	for _, f := range fires {
		m.cfg.OnMatch(f)
	}
}

func (m *Matcher) ingestRule(rs *ruleState, e *rule.Event, raw []byte, now int64) []Match {
	key := groupKey(raw, rs.pat.GroupBy)
	var fires []Match
	switch rs.pat.Kind {
	case rule.TemporalSequence:
		fires = ingestSequence(rs, e, raw, now, key)
	case rule.TemporalAbsence:
		m.ingestAbsence(rs, e, raw, key)
	case rule.TemporalCount:
		fires = ingestCount(rs, e, raw, now, key)
	case rule.TemporalAggregate:
		fires = ingestAggregate(rs, e, raw, now, key)
	}
	rs.prune(key, now)
	return fires
}

// groupKey resolves the group-by path; events lacking it share the empty
// partition.
func groupKey(raw []byte, path string) string {
	if path == "" {
		return ""
	}
	v, ok := lookupPath(raw, path)
	if !ok {
		return ""
	}
	return rule.PartitionKey(v)
}

// ingestSequence advances partial matches, highest step first so one event
// never advances the same partial twice.
func ingestSequence(rs *ruleState, e *rule.Event, raw []byte, now int64, key string) []Match {
	gs := rs.group(key)

	// Evict partials whose window has closed.
	live := gs.partials[:0]
	for _, p := range gs.partials {
		if now-p.startedAt <= rs.within.Milliseconds() {
			live = append(live, p)
		}
	}
	gs.partials = live

	var fires []Match
	total := len(rs.steps)
	for i := total - 1; i >= 0; i-- {
		if !rs.steps[i].matches(e, raw) {
			continue
		}
		if i == 0 {
			gs.partials = append(gs.partials, &partial{
				next:      1,
				events:    []rule.Event{*e},
				startedAt: now,
			})
			continue
		}
		kept := gs.partials[:0]
		for _, p := range gs.partials {
			if p.next != i {
				kept = append(kept, p)
				continue
			}
			p.next++
			p.events = append(p.events, *e)
			if p.next == total {
				fires = append(fires, Match{RuleID: rs.id, GroupKey: key, Events: p.events})
				continue
			}
			kept = append(kept, p)
		}
		gs.partials = kept
	}
	return fires
}

// ingestAbsence cancels an armed deadline on the expected event and arms
// (or re-arms) one on the opening event.
func (m *Matcher) ingestAbsence(rs *ruleState, e *rule.Event, raw []byte, key string) {
	gs := rs.group(key)

	if gs.armed && rs.expected.matches(e, raw) {
		disarm(gs)
	}
	if rs.after.matches(e, raw) {
		if gs.armed {
			disarm(gs)
		}
		gs.armed = true
		gs.gen++
		gs.armedBy = *e
		gen := gs.gen
		ruleID := rs.id
		gs.deadline = m.cfg.Clock.AfterFunc(rs.within, func() {
			m.absenceExpired(ruleID, key, gen)
		})
	}
}

// absenceExpired fires the pattern unless the deadline was cancelled or
// re-armed since it was set.
func (m *Matcher) absenceExpired(ruleID, key string, gen uint64) {
	m.mu.Lock()
	var fire *Match
	if rs, ok := m.rules[ruleID]; ok {
		if gs, ok := rs.groups[key]; ok && gs.armed && gs.gen == gen {
			fire = &Match{RuleID: ruleID, GroupKey: key, Events: []rule.Event{gs.armedBy}}
			disarm(gs)
			rs.prune(key, m.cfg.Clock.Now().UnixMilli())
		}
	}
	m.mu.Unlock()

	if fire != nil {
		m.cfg.OnMatch(*fire)
	}
}

func disarm(gs *groupState) {
	if gs.deadline != nil {
		gs.deadline.Stop()
		gs.deadline = nil
	}
	gs.armed = false
	gs.armedBy = rule.Event{}
}

func disarmAll(rs *ruleState) {
	for _, gs := range rs.groups {
		disarm(gs)
	}
}

// ingestCount maintains the window and fires per the sliding mode:
// edge-triggered on each threshold crossing when sliding, at most once per
// window otherwise.
func ingestCount(rs *ruleState, e *rule.Event, raw []byte, now int64, key string) []Match {
	if !rs.single.matches(e, raw) {
		return nil
	}
	gs := rs.group(key)
	evictSamples(gs, now, rs.window.Milliseconds())
	gs.samples = append(gs.samples, sample{event: *e, ts: now})

	satisfied := compare(float64(len(gs.samples)), rs.pat.Threshold, rs.pat.Comparison)
	var fires []Match
	if rs.pat.Sliding {
		if satisfied && !gs.lastSatisfied {
			fires = append(fires, Match{RuleID: rs.id, GroupKey: key, Events: sampleEvents(gs.samples)})
		}
		gs.lastSatisfied = satisfied
	} else if satisfied && now >= gs.suppressUntil {
		fires = append(fires, Match{RuleID: rs.id, GroupKey: key, Events: sampleEvents(gs.samples)})
		gs.suppressUntil = now + rs.window.Milliseconds()
	}
	return fires
}

// ingestAggregate recomputes the aggregate over the window and fires on
// each crossing into satisfaction. Events without a finite numeric value
// at the field never enter the window.
func ingestAggregate(rs *ruleState, e *rule.Event, raw []byte, now int64, key string) []Match {
	if !rs.single.matches(e, raw) {
		return nil
	}
	var value float64
	if rs.pat.Function != rule.AggCount {
		v, ok := numericAt(raw, rs.pat.Field)
		if !ok {
			return nil
		}
		value = v
	}
	gs := rs.group(key)
	evictSamples(gs, now, rs.window.Milliseconds())
	gs.samples = append(gs.samples, sample{event: *e, ts: now, value: value})

	agg := aggregate(rs.pat.Function, gs.samples)
	satisfied := compare(agg, rs.pat.Threshold, rs.pat.Comparison)
	var fires []Match
	if satisfied && !gs.lastSatisfied {
		fires = append(fires, Match{RuleID: rs.id, GroupKey: key, Events: sampleEvents(gs.samples)})
	}
	gs.lastSatisfied = satisfied
	return fires
}

func evictSamples(gs *groupState, now, windowMs int64) {
	cutoff := now - windowMs
	live := gs.samples[:0]
	for _, s := range gs.samples {
		if s.ts >= cutoff {
			live = append(live, s)
		}
	}
	gs.samples = live
}

func sampleEvents(samples []sample) []rule.Event {
	out := make([]rule.Event, 0, len(samples))
	for _, s := range samples {
		out = append(out, s.event)
	}
	return out
}

// compileRule validates pat and compiles its matchers.
func compileRule(ruleID string, pat rule.TemporalPattern) (*ruleState, error) {
	rs := &ruleState{id: ruleID, pat: pat, groups: make(map[string]*groupState)}
	bad := func(format string, args ...any) error {
		return rule.NewInvalidArgument("temporal pattern for rule %q: "+format,
			append([]any{ruleID}, args...)...)
	}

	switch pat.Kind {
	case rule.TemporalSequence:
		if len(pat.Events) < 2 {
			return nil, bad("sequence needs at least 2 events")
		}
		for i, em := range pat.Events {
			cm, err := compileMatcher(em)
			if err != nil {
				return nil, bad("events[%d]: %v", i, err)
			}
			rs.steps = append(rs.steps, cm)
		}
		within, err := rule.ParseDuration(pat.Within)
		if err != nil {
			return nil, bad("within: %v", err)
		}
		rs.within = within

	case rule.TemporalAbsence:
		if pat.After == nil || pat.Expected == nil {
			return nil, bad("absence needs after and expected")
		}
		var err error
		if rs.after, err = compileMatcher(*pat.After); err != nil {
			return nil, bad("after: %v", err)
		}
		if rs.expected, err = compileMatcher(*pat.Expected); err != nil {
			return nil, bad("expected: %v", err)
		}
		within, err := rule.ParseDuration(pat.Within)
		if err != nil {
			return nil, bad("within: %v", err)
		}
		rs.within = within

	case rule.TemporalCount:
		if pat.Event == nil {
			return nil, bad("count needs an event matcher")
		}
		if pat.Threshold < 1 || pat.Threshold != float64(int64(pat.Threshold)) {
			return nil, bad("count threshold must be a positive integer")
		}
		var err error
		if rs.single, err = compileMatcher(*pat.Event); err != nil {
			return nil, bad("event: %v", err)
		}
		if !validComparison(pat.Comparison) {
			return nil, bad("unknown comparison %q", pat.Comparison)
		}
		window, err := rule.ParseDuration(pat.Window)
		if err != nil {
			return nil, bad("window: %v", err)
		}
		rs.window = window

	case rule.TemporalAggregate:
		if pat.Event == nil {
			return nil, bad("aggregate needs an event matcher")
		}
		if !validFunction(pat.Function) {
			return nil, bad("unknown function %q", pat.Function)
		}
		if pat.Field == "" && pat.Function != rule.AggCount {
			return nil, bad("function %q needs a field", pat.Function)
		}
		var err error
		if rs.single, err = compileMatcher(*pat.Event); err != nil {
			return nil, bad("event: %v", err)
		}
		if !validComparison(pat.Comparison) {
			return nil, bad("unknown comparison %q", pat.Comparison)
		}
		window, err := rule.ParseDuration(pat.Window)
		if err != nil {
			return nil, bad("window: %v", err)
		}
		rs.window = window

	default:
		return nil, bad("unknown kind %q", pat.Kind)
	}
	return rs, nil
}

func validComparison(c rule.Comparison) bool {
	return c == rule.CmpGte || c == rule.CmpLte || c == rule.CmpEq
}

func validFunction(f rule.AggregateFunc) bool {
	switch f {
	case rule.AggSum, rule.AggAvg, rule.AggMin, rule.AggMax, rule.AggCount:
		return true
	}
	return false
}
