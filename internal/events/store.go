// Package events implements the event store: bounded retention of
// dispatched events with id, topic and correlation indexes.
package events

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hamicek/noex-rules-sub008/internal/pattern"
	"github.com/hamicek/noex-rules-sub008/internal/rule"
)

const (
	// DefaultMaxEvents bounds retention by count.
	DefaultMaxEvents = 10_000
	// DefaultMaxAge bounds retention by age.
	DefaultMaxAge = 24 * time.Hour
)

// Config bounds the store's retention. Zero values select the defaults.
type Config struct {
	MaxEvents int
	MaxAge    time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxEvents <= 0 {
		out.MaxEvents = DefaultMaxEvents
	}
	if out.MaxAge <= 0 {
		out.MaxAge = DefaultMaxAge
	}
	return out
}

// Store retains dispatched events. Events are immutable once stored; all
// methods are safe for concurrent use.
type Store struct {
	clock clockwork.Clock
	cfg   Config

	mu     sync.RWMutex
	order  []*rule.Event
	byID   map[string]*rule.Event
	byTopic map[string][]*rule.Event
	byCorr  map[string][]*rule.Event
}

// NewStore returns an empty store with the given retention bounds.
func NewStore(clock clockwork.Clock, cfg Config) *Store {
	return &Store{
		clock:   clock,
		cfg:     cfg.withDefaults(),
		byID:    make(map[string]*rule.Event),
		byTopic: make(map[string][]*rule.Event),
		byCorr:  make(map[string][]*rule.Event),
	}
}

// Store appends e. Exceeding the count bound evicts the oldest tenth;
// events past the age bound are evicted opportunistically.
func (s *Store) Store(e rule.Event) error {
	if e.ID == "" {
		return rule.NewInvalidArgument("event id must not be empty")
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byID[e.ID]; dup {
		return rule.NewConflict("event", e.ID)
	}

	stored := e
	s.order = append(s.order, &stored)
	s.byID[e.ID] = &stored
	s.byTopic[e.Topic] = append(s.byTopic[e.Topic], &stored)
	if e.CorrelationID != "" {
		s.byCorr[e.CorrelationID] = append(s.byCorr[e.CorrelationID], &stored)
	}

	s.pruneByAgeLocked(now.UnixMilli() - s.cfg.MaxAge.Milliseconds())
	if len(s.order) > s.cfg.MaxEvents {
		n := s.cfg.MaxEvents / 10
		if n < 1 {
			n = 1
		}
		s.evictOldestLocked(n)
	}
	return nil
}

// Get returns the event with the given id.
func (s *Store) Get(id string) (rule.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.byID[id]; ok {
		return *e, true
	}
	return rule.Event{}, false
}

// ByTopic returns events with exactly this topic, in insertion order.
func (s *Store) ByTopic(topic string) []rule.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyEvents(s.byTopic[topic])
}

// ByTopicPattern returns events whose topic matches the wildcard pattern,
// in insertion order.
func (s *Store) ByTopicPattern(raw string) ([]rule.Event, error) {
	p, err := pattern.Compile(raw, pattern.TopicSep)
	if err != nil {
		return nil, rule.NewInvalidArgument("topic pattern: %v", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if p.IsLiteral() {
		return copyEvents(s.byTopic[raw]), nil
	}
	var out []rule.Event
	for _, e := range s.order {
		if p.Match(e.Topic) {
			out = append(out, *e)
		}
	}
	return out, nil
}

// ByCorrelation returns the events of one cascade, in insertion order.
func (s *Store) ByCorrelation(corrID string) []rule.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyEvents(s.byCorr[corrID])
}

// InTimeRange returns events on topic with timestamp in [from, to],
// inclusive on both ends, in insertion order.
func (s *Store) InTimeRange(topic string, from, to int64) []rule.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []rule.Event
	for _, e := range s.byTopic[topic] {
		if e.Timestamp >= from && e.Timestamp <= to {
			out = append(out, *e)
		}
	}
	return out
}

// CountInWindow counts events on topic within the trailing window.
func (s *Store) CountInWindow(topic string, window time.Duration) int {
	cutoff := s.clock.Now().UnixMilli() - window.Milliseconds()

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.byTopic[topic] {
		if e.Timestamp >= cutoff {
			n++
		}
	}
	return n
}

// Prune removes all events older than maxAge and returns how many were
// dropped.
func (s *Store) Prune(maxAge time.Duration) int {
	cutoff := s.clock.Now().UnixMilli() - maxAge.Milliseconds()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneByAgeLocked(cutoff)
}

// Clear drops everything.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.byID = make(map[string]*rule.Event)
	s.byTopic = make(map[string][]*rule.Event)
	s.byCorr = make(map[string][]*rule.Event)
}

// Size returns the number of retained events.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// pruneByAgeLocked removes events with timestamp < cutoff, keeping all
// three indexes consistent.
func (s *Store) pruneByAgeLocked(cutoff int64) int {
	stale := 0
	for _, e := range s.order {
		if e.Timestamp < cutoff {
			stale++
		}
	}
	if stale == 0 {
		return 0
	}
	// Insertion order tracks the engine clock, so stale events form the
	// prefix in the common case; fall back to a filter when they do not.
	prefix := 0
	for prefix < len(s.order) && s.order[prefix].Timestamp < cutoff {
		prefix++
	}
	if prefix == stale {
		s.removeLocked(s.order[:prefix])
		s.order = append([]*rule.Event(nil), s.order[prefix:]...)
		return stale
	}
	kept := make([]*rule.Event, 0, len(s.order)-stale)
	var dropped []*rule.Event
	for _, e := range s.order {
		if e.Timestamp < cutoff {
			dropped = append(dropped, e)
		} else {
			kept = append(kept, e)
		}
	}
	s.removeLocked(dropped)
	s.order = kept
	return stale
}

// evictOldestLocked removes the n oldest events.
func (s *Store) evictOldestLocked(n int) {
	if n > len(s.order) {
		n = len(s.order)
	}
	s.removeLocked(s.order[:n])
	s.order = append([]*rule.Event(nil), s.order[n:]...)
}

// removeLocked unindexes the given events, preserving the relative order
// of survivors in the topic and correlation lists.
func (s *Store) removeLocked(evs []*rule.Event) {
	removed := make(map[string]struct{}, len(evs))
	topics := make(map[string]struct{})
	corrs := make(map[string]struct{})
	for _, e := range evs {
		delete(s.byID, e.ID)
		removed[e.ID] = struct{}{}
		topics[e.Topic] = struct{}{}
		if e.CorrelationID != "" {
			corrs[e.CorrelationID] = struct{}{}
		}
	}
	for topic := range topics {
		if kept := filterOut(s.byTopic[topic], removed); len(kept) == 0 {
			delete(s.byTopic, topic)
		} else {
			s.byTopic[topic] = kept
		}
	}
	for corr := range corrs {
		if kept := filterOut(s.byCorr[corr], removed); len(kept) == 0 {
			delete(s.byCorr, corr)
		} else {
			s.byCorr[corr] = kept
		}
	}
}

func filterOut(evs []*rule.Event, removed map[string]struct{}) []*rule.Event {
	var kept []*rule.Event
	for _, e := range evs {
		if _, gone := removed[e.ID]; !gone {
			kept = append(kept, e)
		}
	}
	return kept
}

func copyEvents(evs []*rule.Event) []rule.Event {
	if len(evs) == 0 {
		return nil
	}
	out := make([]rule.Event, len(evs))
	for i, e := range evs {
		out[i] = *e
	}
	return out
}
