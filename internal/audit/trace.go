package audit

import (
	"sync"
	"sync/atomic"

	"github.com/hamicek/noex-rules-sub008/internal/fanout"
)

// DefaultMaxTraceEntries bounds the in-memory trace ring.
const DefaultMaxTraceEntries = 1000

// TraceBus receives every engine event, audited or not, and fans it out to
// live subscribers. It is the debugging tap: disabled by default, bounded
// when enabled, and never blocks the engine.
type TraceBus struct {
	enabled atomic.Bool

	mu   sync.RWMutex
	ring *ring

	bus *fanout.Bus[Entry]
}

// NewTraceBus returns a disabled trace bus retaining up to maxEntries.
// maxEntries <= 0 uses DefaultMaxTraceEntries.
func NewTraceBus(maxEntries int) *TraceBus {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxTraceEntries
	}
	return &TraceBus{
		ring: newRing(maxEntries),
		bus:  fanout.NewBus[Entry](),
	}
}

// Enable turns tracing on.
func (t *TraceBus) Enable() { t.enabled.Store(true) }

// Disable turns tracing off. Retained entries stay readable.
func (t *TraceBus) Disable() { t.enabled.Store(false) }

// Enabled reports whether entries are currently being recorded.
func (t *TraceBus) Enabled() bool { return t.enabled.Load() }

// Publish records e when tracing is enabled. Slow subscribers lose their
// oldest entries rather than stalling the caller.
func (t *TraceBus) Publish(e Entry) {
	if !t.enabled.Load() {
		return
	}
	t.mu.Lock()
	t.ring.add(e)
	t.mu.Unlock()
	t.bus.Publish(e)
}

// Recent returns the newest n retained entries, oldest first. n <= 0
// returns everything retained.
func (t *TraceBus) Recent(n int) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ring.tail(n)
}

// ByCorrelation returns retained entries of one cascade, oldest first.
func (t *TraceBus) ByCorrelation(corrID string) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Entry
	for _, e := range t.ring.list() {
		if e.CorrelationID == corrID {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe invokes fn for every traced entry until the returned cancel
// function is called. fn runs on a dedicated goroutine.
func (t *TraceBus) Subscribe(fn func(Entry)) (cancel func()) {
	sub := t.bus.Subscribe(fanout.DefaultBuffer)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case e, ok := <-sub.C():
				if !ok {
					return
				}
				fn(e)
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			sub.Close()
			close(done)
		})
	}
}

// Dropped returns the number of entries lost to slow subscribers.
func (t *TraceBus) Dropped() uint64 { return t.bus.Dropped() }

// Clear discards retained entries. Subscriptions are unaffected.
func (t *TraceBus) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ring = newRing(t.ring.cap())
}

// Close shuts the fanout bus down, closing all subscriber channels.
func (t *TraceBus) Close() { t.bus.Close() }
