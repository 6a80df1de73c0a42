// Package fanout provides a bounded in-process fan-out bus.
//
// Publishers never block: each subscriber owns a fixed-size buffer and a
// subscriber that falls behind loses its oldest entries first. Dropped
// deliveries are counted per subscription so slow consumers are visible in
// stats rather than silently lossy.
package fanout

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscription buffer size used when Subscribe is
// called with a non-positive size.
const DefaultBuffer = 256

// Subscription is one consumer's handle on a Bus. Receive from C until it
// is closed, either by Close on the subscription or by Close on the bus.
type Subscription[T any] struct {
	id      uint64
	bus     *Bus[T]
	ch      chan T
	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

// C returns the delivery channel.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Dropped returns how many deliveries were discarded because the buffer
// was full.
func (s *Subscription[T]) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription from the bus and closes its channel.
// Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.bus.remove(s.id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// offer delivers v without blocking, evicting the oldest buffered entry
// when full. Publishes to one subscription are serialized by its mutex;
// concurrent consumer receives only make room.
func (s *Subscription[T]) offer(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- v:
		return
	default:
	}
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- v:
	default:
		s.dropped.Add(1)
	}
}

// Bus is a broadcast channel with per-subscriber buffering. The zero value
// is not usable; call NewBus.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool

	published atomic.Uint64
}

// NewBus returns an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[uint64]*Subscription[T])}
}

// Subscribe attaches a new consumer with the given buffer size.
// Subscribing to a closed bus returns an already-closed subscription.
func (b *Bus[T]) Subscribe(buffer int) *Subscription[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription[T]{id: b.nextID, bus: b, ch: make(chan T, buffer)}
	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers v to every current subscriber without blocking.
func (b *Bus[T]) Publish(v T) {
	b.published.Add(1)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		sub.offer(v)
	}
}

// SubscriberCount returns the number of attached subscriptions.
func (b *Bus[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Published returns the total number of Publish calls.
func (b *Bus[T]) Published() uint64 { return b.published.Load() }

// Dropped returns the sum of dropped deliveries across live subscriptions.
func (b *Bus[T]) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var n uint64
	for _, sub := range b.subs {
		n += sub.Dropped()
	}
	return n
}

// Close detaches and closes every subscription. Publish after Close is a
// no-op.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*Subscription[T])
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
	}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}
