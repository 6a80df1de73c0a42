package facts

import (
	"sort"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/hamicek/noex-rules-sub008/internal/fanout"
	"github.com/hamicek/noex-rules-sub008/internal/pattern"
	"github.com/hamicek/noex-rules-sub008/internal/rule"
)

// Change pairs a fact with the mutation that produced it. For deletions the
// fact carries the last stored value.
type Change struct {
	Fact rule.Fact
	Kind rule.FactChange
}

// Store is the engine's fact state. All methods are safe for concurrent
// use.
type Store struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	byKey   map[string]rule.Fact
	byArity map[int]map[string]struct{}

	bus *fanout.Bus[Change]
}

// NewStore returns an empty store stamping timestamps from clock.
func NewStore(clock clockwork.Clock) *Store {
	return &Store{
		clock:   clock,
		byKey:   make(map[string]rule.Fact),
		byArity: make(map[int]map[string]struct{}),
		bus:     fanout.NewBus[Change](),
	}
}

func arity(key string) int {
	return strings.Count(key, ":") + 1
}

// Set writes value under key, creating the fact or bumping its version,
// and returns the stored fact. An empty key fails with InvalidArgument.
func (s *Store) Set(key string, value any, source string) (rule.Fact, error) {
	if key == "" {
		return rule.Fact{}, rule.NewInvalidArgument("fact key must not be empty")
	}
	now := s.clock.Now().UnixMilli()

	s.mu.Lock()
	f, change := s.setLocked(key, value, source, now)
	s.mu.Unlock()

	s.bus.Publish(Change{Fact: f, Kind: change})
	return f, nil
}

// setLocked applies one write and indexes the key. Timestamps never move
// backwards for a key, even if the wall clock does.
func (s *Store) setLocked(key string, value any, source string, now int64) (rule.Fact, rule.FactChange) {
	prev, existed := s.byKey[key]
	f := rule.Fact{Key: key, Value: value, Timestamp: now, Source: source, Version: 1}
	change := rule.FactCreated
	if existed {
		f.Version = prev.Version + 1
		if f.Timestamp < prev.Timestamp {
			f.Timestamp = prev.Timestamp
		}
		change = rule.FactUpdated
	} else {
		n := arity(key)
		bucket := s.byArity[n]
		if bucket == nil {
			bucket = make(map[string]struct{})
			s.byArity[n] = bucket
		}
		bucket[key] = struct{}{}
	}
	s.byKey[key] = f
	return f, change
}

// Delete removes key and reports whether it existed.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	f, existed := s.deleteLocked(key)
	s.mu.Unlock()

	if existed {
		s.bus.Publish(Change{Fact: f, Kind: rule.FactDeleted})
	}
	return existed
}

func (s *Store) deleteLocked(key string) (rule.Fact, bool) {
	f, existed := s.byKey[key]
	if !existed {
		return rule.Fact{}, false
	}
	delete(s.byKey, key)
	n := arity(key)
	if bucket := s.byArity[n]; bucket != nil {
		delete(bucket, key)
		if len(bucket) == 0 {
			delete(s.byArity, n)
		}
	}
	return f, true
}

// Get returns the fact stored under key.
func (s *Store) Get(key string) (rule.Fact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.byKey[key]
	return f, ok
}

// Query returns all facts whose key matches the pattern, sorted by key.
// An exact pattern bypasses the scan.
func (s *Store) Query(raw string) ([]rule.Fact, error) {
	p, err := pattern.Compile(raw, pattern.KeySep)
	if err != nil {
		return nil, rule.NewInvalidArgument("fact pattern: %v", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if p.IsLiteral() {
		if f, ok := s.byKey[raw]; ok {
			return []rule.Fact{f}, nil
		}
		return nil, nil
	}

	var out []rule.Fact
	minArity, exact := p.Arity()
	for n, bucket := range s.byArity {
		if exact && n != minArity {
			continue
		}
		if !exact && n < minArity {
			continue
		}
		for key := range bucket {
			if p.Match(key) {
				out = append(out, s.byKey[key])
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Filter returns all facts satisfying pred, sorted by key.
func (s *Store) Filter(pred func(rule.Fact) bool) []rule.Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []rule.Fact
	for _, f := range s.byKey {
		if pred(f) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// All returns every stored fact, sorted by key.
func (s *Store) All() []rule.Fact {
	return s.Filter(func(rule.Fact) bool { return true })
}

// Len returns the number of stored facts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}

// Subscribe invokes fn for every committed change, in commit order, on a
// dedicated goroutine. A slow subscriber loses oldest entries rather than
// blocking writers. The returned cancel detaches the subscriber; fn must
// not call back into the store synchronously.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	sub := s.bus.Subscribe(fanout.DefaultBuffer)
	go func() {
		for ch := range sub.C() {
			fn(ch)
		}
	}()
	return sub.Close
}

// DroppedNotifications returns the number of subscriber deliveries lost to
// backpressure.
func (s *Store) DroppedNotifications() uint64 {
	return s.bus.Dropped()
}

// Close detaches all subscribers.
func (s *Store) Close() {
	s.bus.Close()
}
