package facts

import (
	"sort"

	"github.com/hamicek/noex-rules-sub008/internal/pattern"
	"github.com/hamicek/noex-rules-sub008/internal/rule"
)

type overlayEntry struct {
	value   any
	source  string
	deleted bool
}

// Snapshot is a consistent view of the store for one rule firing: the base
// state frozen at snapshot time plus the firing's own uncommitted writes.
// Snapshots are not safe for concurrent use; a firing is sequential.
type Snapshot struct {
	store   *Store
	base    map[string]rule.Fact
	overlay map[string]overlayEntry
	order   []string
}

// Snapshot freezes the current fact state.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	base := make(map[string]rule.Fact, len(s.byKey))
	for k, f := range s.byKey {
		base[k] = f
	}
	s.mu.RUnlock()

	return &Snapshot{
		store:   s,
		base:    base,
		overlay: make(map[string]overlayEntry),
	}
}

// Get reads a fact, preferring this firing's own writes over the base.
func (sn *Snapshot) Get(key string) (rule.Fact, bool) {
	if e, ok := sn.overlay[key]; ok {
		if e.deleted {
			return rule.Fact{}, false
		}
		return sn.overlayFact(key, e), true
	}
	f, ok := sn.base[key]
	return f, ok
}

// overlayFact renders an uncommitted write as a fact. Version is
// provisional; the final number is assigned at commit.
func (sn *Snapshot) overlayFact(key string, e overlayEntry) rule.Fact {
	version := uint64(1)
	if prev, ok := sn.base[key]; ok {
		version = prev.Version + 1
	}
	return rule.Fact{Key: key, Value: e.value, Source: e.source, Version: version}
}

// Set records a write visible to later reads in this firing.
func (sn *Snapshot) Set(key string, value any, source string) error {
	if key == "" {
		return rule.NewInvalidArgument("fact key must not be empty")
	}
	if _, seen := sn.overlay[key]; !seen {
		sn.order = append(sn.order, key)
	}
	sn.overlay[key] = overlayEntry{value: value, source: source}
	return nil
}

// Delete records a deletion visible to later reads in this firing. It
// reports whether the key existed in this snapshot's view.
func (sn *Snapshot) Delete(key string) bool {
	_, existed := sn.Get(key)
	if _, seen := sn.overlay[key]; !seen {
		sn.order = append(sn.order, key)
	}
	sn.overlay[key] = overlayEntry{deleted: true}
	return existed
}

// Query matches the pattern against the snapshot view, sorted by key.
func (sn *Snapshot) Query(raw string) ([]rule.Fact, error) {
	p, err := pattern.Compile(raw, pattern.KeySep)
	if err != nil {
		return nil, rule.NewInvalidArgument("fact pattern: %v", err)
	}

	var out []rule.Fact
	seen := make(map[string]struct{}, len(sn.overlay))
	for key, e := range sn.overlay {
		seen[key] = struct{}{}
		if !e.deleted && p.Match(key) {
			out = append(out, sn.overlayFact(key, e))
		}
	}
	for key, f := range sn.base {
		if _, shadowed := seen[key]; shadowed {
			continue
		}
		if p.Match(key) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Dirty reports whether the firing wrote anything.
func (sn *Snapshot) Dirty() bool { return len(sn.order) > 0 }

// Commit applies the net effect per key to the store atomically, in
// first-write order, and returns the resulting changes for audit and
// dispatch. Deleting a key that no longer exists is a no-op.
func (sn *Snapshot) Commit() []Change {
	if len(sn.order) == 0 {
		return nil
	}
	now := sn.store.clock.Now().UnixMilli()

	sn.store.mu.Lock()
	changes := make([]Change, 0, len(sn.order))
	for _, key := range sn.order {
		e := sn.overlay[key]
		if e.deleted {
			if f, existed := sn.store.deleteLocked(key); existed {
				changes = append(changes, Change{Fact: f, Kind: rule.FactDeleted})
			}
			continue
		}
		f, kind := sn.store.setLocked(key, e.value, e.source, now)
		changes = append(changes, Change{Fact: f, Kind: kind})
	}
	sn.store.mu.Unlock()

	for _, ch := range changes {
		sn.store.bus.Publish(ch)
	}
	return changes
}
