package engine

import (
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/hamicek/noex-rules-sub008/internal/rule"
)

// Groups is the group registry. A rule belonging to a disabled group is
// effectively disabled no matter what its own flag says.
type Groups struct {
	clock clockwork.Clock

	mu   sync.RWMutex
	byID map[string]*rule.Group
}

func newGroups(clock clockwork.Clock) *Groups {
	return &Groups{clock: clock, byID: make(map[string]*rule.Group)}
}

// Create validates and stores g.
func (gs *Groups) Create(g *rule.Group) (*rule.Group, error) {
	if g == nil {
		return nil, rule.NewInvalidArgument("group is nil")
	}
	if issues := rule.ValidateGroup(g); rule.HasErrors(issues) {
		return nil, rule.NewValidationError(issues)
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()
	if _, ok := gs.byID[g.ID]; ok {
		return nil, rule.NewConflict("group", g.ID)
	}
	cp := *g
	now := gs.clock.Now().UnixMilli()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	gs.byID[cp.ID] = &cp
	out := cp
	return &out, nil
}

// Update replaces the definition of an existing group, preserving its
// creation time.
func (gs *Groups) Update(id string, upd *rule.Group) (*rule.Group, error) {
	if upd == nil {
		return nil, rule.NewInvalidArgument("group is nil")
	}
	cp := *upd
	cp.ID = id
	if issues := rule.ValidateGroup(&cp); rule.HasErrors(issues) {
		return nil, rule.NewValidationError(issues)
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()
	prev, ok := gs.byID[id]
	if !ok {
		return nil, rule.NewNotFound("group", id)
	}
	cp.CreatedAt = prev.CreatedAt
	cp.UpdatedAt = gs.clock.Now().UnixMilli()
	gs.byID[id] = &cp
	out := cp
	return &out, nil
}

// Delete removes the group. Detaching its rules is the engine's job.
func (gs *Groups) Delete(id string) (*rule.Group, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	g, ok := gs.byID[id]
	if !ok {
		return nil, rule.NewNotFound("group", id)
	}
	delete(gs.byID, id)
	out := *g
	return &out, nil
}

// SetEnabled flips the group flag. It reports whether the flag actually
// changed.
func (gs *Groups) SetEnabled(id string, enabled bool) (bool, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	g, ok := gs.byID[id]
	if !ok {
		return false, rule.NewNotFound("group", id)
	}
	if g.Enabled == enabled {
		return false, nil
	}
	g.Enabled = enabled
	g.UpdatedAt = gs.clock.Now().UnixMilli()
	return true, nil
}

// Get returns a copy of the group.
func (gs *Groups) Get(id string) (rule.Group, bool) {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	g, ok := gs.byID[id]
	if !ok {
		return rule.Group{}, false
	}
	return *g, true
}

// Has reports whether the group exists.
func (gs *Groups) Has(id string) bool {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	_, ok := gs.byID[id]
	return ok
}

// All returns copies of every group, sorted by id.
func (gs *Groups) All() []rule.Group {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	out := make([]rule.Group, 0, len(gs.byID))
	for _, g := range gs.byID {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of groups.
func (gs *Groups) Len() int {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	return len(gs.byID)
}

// Replace atomically swaps the whole group set. Used by hot reload and
// persistence restore.
func (gs *Groups) Replace(list []rule.Group) error {
	byID := make(map[string]*rule.Group, len(list))
	now := gs.clock.Now().UnixMilli()
	for i := range list {
		g := list[i]
		if issues := rule.ValidateGroup(&g); rule.HasErrors(issues) {
			return rule.NewValidationError(issues)
		}
		if _, ok := byID[g.ID]; ok {
			return rule.NewConflict("group", g.ID)
		}
		if g.CreatedAt == 0 {
			g.CreatedAt = now
		}
		g.UpdatedAt = now
		byID[g.ID] = &g
	}
	gs.mu.Lock()
	defer gs.mu.Unlock()
	for id, g := range byID {
		if prev, ok := gs.byID[id]; ok {
			g.CreatedAt = prev.CreatedAt
		}
	}
	gs.byID = byID
	return nil
}

// RuleEnabled reports the effective enabled state of r: the rule's own
// flag AND'd with its group's, when it has one. A dangling group
// reference does not disable the rule.
func (gs *Groups) RuleEnabled(r *rule.Rule) bool {
	if !r.Enabled {
		return false
	}
	if r.Group == "" {
		return true
	}
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	if g, ok := gs.byID[r.Group]; ok {
		return g.Enabled
	}
	return true
}
