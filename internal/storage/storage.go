// Package storage defines the persistence adapter consumed by rule, timer
// and audit persistence, plus the retry policy wrapped around adapter
// calls.
//
// Adapters store opaque byte payloads under string keys; callers own the
// encoding. The engine operates on in-memory state and treats adapters as
// best-effort durability: a failed persistence operation is retried with
// capped backoff and then surfaced as an audit entry, never as an engine
// stall.
package storage

import "context"

// Record is a loaded payload with its persistence metadata.
type Record struct {
	// State is the payload as saved.
	State []byte
	// SavedAt is the save time in Unix milliseconds.
	SavedAt int64
}

// Adapter is a minimal key-value persistence surface.
//
// Implementations must be safe for concurrent use. Save overwrites;
// Load reports ok=false for missing keys; Delete reports whether the key
// existed.
type Adapter interface {
	Save(ctx context.Context, key string, state []byte) error
	Load(ctx context.Context, key string) (Record, bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	ListKeys(ctx context.Context) ([]string, error)
	Close() error
}
