package engine

import (
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/hamicek/noex-rules-sub008/internal/pattern"
	"github.com/hamicek/noex-rules-sub008/internal/rule"
)

// Rules is the rule registry. It owns the canonical definitions and the
// dispatch indexes; everything handed out is a clone.
type Rules struct {
	clock clockwork.Clock

	mu       sync.RWMutex
	byID     map[string]*rule.Rule
	byTopic  map[string]map[string]struct{} // trigger topic pattern -> rule ids
	byFact   map[string]map[string]struct{} // fact key pattern -> rule ids
	byTimer  map[string]map[string]struct{} // timer name -> rule ids
	temporal map[string]struct{}            // rule ids with temporal triggers
}

func newRules(clock clockwork.Clock) *Rules {
	return &Rules{
		clock:    clock,
		byID:     make(map[string]*rule.Rule),
		byTopic:  make(map[string]map[string]struct{}),
		byFact:   make(map[string]map[string]struct{}),
		byTimer:  make(map[string]map[string]struct{}),
		temporal: make(map[string]struct{}),
	}
}

// Register validates and stores r. The definition is cloned; the
// returned copy carries the stamped bookkeeping fields.
func (rs *Rules) Register(r *rule.Rule) (*rule.Rule, error) {
	if r == nil {
		return nil, rule.NewInvalidArgument("rule is nil")
	}
	if issues := rule.ValidateRule(r); rule.HasErrors(issues) {
		return nil, rule.NewValidationError(issues)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.byID[r.ID]; ok {
		return nil, rule.NewConflict("rule", r.ID)
	}

	cp := r.Clone()
	now := rs.clock.Now().UnixMilli()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.LastFiredAt = 0
	cp.FireCount = 0
	cp.Version = 1

	rs.byID[cp.ID] = cp
	rs.index(cp)
	return cp.Clone(), nil
}

// Unregister removes the rule and returns its final state.
func (rs *Rules) Unregister(id string) (*rule.Rule, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r, ok := rs.byID[id]
	if !ok {
		return nil, rule.NewNotFound("rule", id)
	}
	rs.unindex(r)
	delete(rs.byID, id)
	return r.Clone(), nil
}

// Update replaces the definition of an existing rule, preserving its
// creation time and firing statistics and bumping Version.
func (rs *Rules) Update(id string, upd *rule.Rule) (*rule.Rule, error) {
	if upd == nil {
		return nil, rule.NewInvalidArgument("rule is nil")
	}
	cp := upd.Clone()
	cp.ID = id
	if issues := rule.ValidateRule(cp); rule.HasErrors(issues) {
		return nil, rule.NewValidationError(issues)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	prev, ok := rs.byID[id]
	if !ok {
		return nil, rule.NewNotFound("rule", id)
	}
	cp.CreatedAt = prev.CreatedAt
	cp.UpdatedAt = rs.clock.Now().UnixMilli()
	cp.LastFiredAt = prev.LastFiredAt
	cp.FireCount = prev.FireCount
	cp.Version = prev.Version + 1

	rs.unindex(prev)
	rs.byID[id] = cp
	rs.index(cp)
	return cp.Clone(), nil
}

// SetEnabled flips the rule's own enabled flag. It reports whether the
// flag actually changed.
func (rs *Rules) SetEnabled(id string, enabled bool) (bool, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r, ok := rs.byID[id]
	if !ok {
		return false, rule.NewNotFound("rule", id)
	}
	if r.Enabled == enabled {
		return false, nil
	}
	r.Enabled = enabled
	r.UpdatedAt = rs.clock.Now().UnixMilli()
	r.Version++
	return true, nil
}

// Get returns a clone of the rule.
func (rs *Rules) Get(id string) (*rule.Rule, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	r, ok := rs.byID[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// All returns clones of every registered rule, sorted by id.
func (rs *Rules) All() []*rule.Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]*rule.Rule, 0, len(rs.byID))
	for _, r := range rs.byID {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered rules.
func (rs *Rules) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.byID)
}

// ByEventTopic returns clones of event-triggered rules whose trigger
// topic matches, in dispatch order.
func (rs *Rules) ByEventTopic(topic string) []*rule.Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	var out []*rule.Rule
	for pat, ids := range rs.byTopic {
		if !pattern.MatchTopic(pat, topic) {
			continue
		}
		for id := range ids {
			out = append(out, rs.byID[id].Clone())
		}
	}
	sortDispatch(out)
	return out
}

// ByFactKey returns clones of fact-triggered rules watching the key for
// the given change kind, in dispatch order.
func (rs *Rules) ByFactKey(key string, change rule.FactChange) []*rule.Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	var out []*rule.Rule
	for pat, ids := range rs.byFact {
		if !pattern.MatchKey(pat, key) {
			continue
		}
		for id := range ids {
			r := rs.byID[id]
			if r.Trigger.WatchesChange(change) {
				out = append(out, r.Clone())
			}
		}
	}
	sortDispatch(out)
	return out
}

// ByTimerName returns clones of timer-triggered rules bound to the
// named timer, in dispatch order.
func (rs *Rules) ByTimerName(name string) []*rule.Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	ids, ok := rs.byTimer[name]
	if !ok {
		return nil
	}
	out := make([]*rule.Rule, 0, len(ids))
	for id := range ids {
		out = append(out, rs.byID[id].Clone())
	}
	sortDispatch(out)
	return out
}

// Temporal returns clones of every temporally triggered rule.
func (rs *Rules) Temporal() []*rule.Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]*rule.Rule, 0, len(rs.temporal))
	for id := range rs.temporal {
		out = append(out, rs.byID[id].Clone())
	}
	sortDispatch(out)
	return out
}

// ClearGroup detaches every rule referencing the group and returns the
// affected rule ids. Used when a group is deleted.
func (rs *Rules) ClearGroup(groupID string) []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	now := rs.clock.Now().UnixMilli()
	var ids []string
	for id, r := range rs.byID {
		if r.Group == groupID {
			r.Group = ""
			r.UpdatedAt = now
			r.Version++
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// RecordFired bumps the rule's firing statistics.
func (rs *Rules) RecordFired(id string, at int64) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if r, ok := rs.byID[id]; ok {
		r.FireCount++
		r.LastFiredAt = at
	}
}

// Replace atomically swaps the whole definition set. Validation runs
// over the incoming set first; on any error the registry is untouched.
func (rs *Rules) Replace(list []*rule.Rule) error {
	byID := make(map[string]*rule.Rule, len(list))
	now := rs.clock.Now().UnixMilli()
	for _, r := range list {
		if r == nil {
			return rule.NewInvalidArgument("rule is nil")
		}
		if issues := rule.ValidateRule(r); rule.HasErrors(issues) {
			return rule.NewValidationError(issues)
		}
		if _, ok := byID[r.ID]; ok {
			return rule.NewConflict("rule", r.ID)
		}
		cp := r.Clone()
		if cp.CreatedAt == 0 {
			cp.CreatedAt = now
		}
		cp.UpdatedAt = now
		if cp.Version == 0 {
			cp.Version = 1
		}
		byID[cp.ID] = cp
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	// Carry firing statistics across the swap for rules that survive.
	for id, cp := range byID {
		if prev, ok := rs.byID[id]; ok {
			cp.CreatedAt = prev.CreatedAt
			cp.FireCount = prev.FireCount
			cp.LastFiredAt = prev.LastFiredAt
			cp.Version = prev.Version + 1
		}
	}
	rs.byID = byID
	rs.byTopic = make(map[string]map[string]struct{})
	rs.byFact = make(map[string]map[string]struct{})
	rs.byTimer = make(map[string]map[string]struct{})
	rs.temporal = make(map[string]struct{})
	for _, r := range byID {
		rs.index(r)
	}
	return nil
}

func (rs *Rules) index(r *rule.Rule) {
	switch r.Trigger.Kind {
	case rule.TriggerEvent:
		addIndex(rs.byTopic, r.Trigger.Topic, r.ID)
	case rule.TriggerFact:
		addIndex(rs.byFact, r.Trigger.Pattern, r.ID)
	case rule.TriggerTimer:
		addIndex(rs.byTimer, r.Trigger.Name, r.ID)
	case rule.TriggerTemporal:
		rs.temporal[r.ID] = struct{}{}
	}
}

func (rs *Rules) unindex(r *rule.Rule) {
	switch r.Trigger.Kind {
	case rule.TriggerEvent:
		dropIndex(rs.byTopic, r.Trigger.Topic, r.ID)
	case rule.TriggerFact:
		dropIndex(rs.byFact, r.Trigger.Pattern, r.ID)
	case rule.TriggerTimer:
		dropIndex(rs.byTimer, r.Trigger.Name, r.ID)
	case rule.TriggerTemporal:
		delete(rs.temporal, r.ID)
	}
}

func addIndex(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func dropIndex(idx map[string]map[string]struct{}, key, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

// sortDispatch orders rules for dispatch: higher priority first, ties
// broken by id so the order is deterministic.
func sortDispatch(rules []*rule.Rule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}
