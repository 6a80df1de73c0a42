package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
)

// Memory is an in-process Adapter used as the default when no durable
// backend is configured, and in tests.
type Memory struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	records map[string]Record
}

// NewMemory returns an empty in-memory adapter.
func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{clock: clock, records: make(map[string]Record)}
}

// Save stores a copy of state under key.
func (m *Memory) Save(_ context.Context, key string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = Record{
		State:   append([]byte(nil), state...),
		SavedAt: m.clock.Now().UnixMilli(),
	}
	return nil
}

// Load returns the record under key.
func (m *Memory) Load(_ context.Context, key string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return Record{}, false, nil
	}
	return Record{State: append([]byte(nil), rec.State...), SavedAt: rec.SavedAt}, true, nil
}

// Delete removes key and reports whether it existed.
func (m *Memory) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[key]
	delete(m.records, key)
	return ok, nil
}

// Exists reports whether key is stored.
func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[key]
	return ok, nil
}

// ListKeys returns all stored keys, sorted.
func (m *Memory) ListKeys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op for the in-memory adapter.
func (m *Memory) Close() error { return nil }

var _ Adapter = (*Memory)(nil)

// Flaky wraps an adapter and fails the first n calls of each operation.
// Test helper for exercising the retry path.
type Flaky struct {
	Adapter
	mu       sync.Mutex
	failures int
	err      error
}

// NewFlaky returns an adapter that fails the first failures calls with err,
// then delegates.
func NewFlaky(inner Adapter, failures int, err error) *Flaky {
	return &Flaky{Adapter: inner, failures: failures, err: err}
}

func (f *Flaky) take() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	return nil
}

// Save fails while failures remain, then delegates.
func (f *Flaky) Save(ctx context.Context, key string, state []byte) error {
	if err := f.take(); err != nil {
		return err
	}
	return f.Adapter.Save(ctx, key, state)
}

// Load fails while failures remain, then delegates.
func (f *Flaky) Load(ctx context.Context, key string) (Record, bool, error) {
	if err := f.take(); err != nil {
		return Record{}, false, err
	}
	return f.Adapter.Load(ctx, key)
}
