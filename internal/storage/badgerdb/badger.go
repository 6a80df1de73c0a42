// Package badgerdb persists engine state in a BadgerDB directory. It suits
// deployments with heavier write rates than the SQLite adapter handles
// comfortably, at the cost of a directory instead of a single file.
package badgerdb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/jonboulle/clockwork"

	"github.com/hamicek/noex-rules-sub008/internal/storage"
)

// Values carry their save time in a fixed 8-byte prefix.
const headerSize = 8

// Store is a storage.Adapter over a Badger database.
type Store struct {
	db    *badger.DB
	clock clockwork.Clock
}

// Open creates or opens a Badger database at the given directory.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	// Engine payloads are small; keep them in the LSM tree and keep
	// Badger's own logging out of the engine's slog stream.
	opts.Logger = nil
	opts.ValueThreshold = 1 << 10

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &Store{db: db, clock: clockwork.NewRealClock()}, nil
}

// Save stores state under key, overwriting any previous payload.
func (s *Store) Save(_ context.Context, key string, state []byte) error {
	value := make([]byte, headerSize+len(state))
	binary.BigEndian.PutUint64(value, uint64(s.clock.Now().UnixMilli()))
	copy(value[headerSize:], state)

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("save %q: %w", key, err)
	}
	return nil
}

// Load returns the record under key.
func (s *Store) Load(_ context.Context, key string) (storage.Record, bool, error) {
	var rec storage.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			if len(value) < headerSize {
				return fmt.Errorf("corrupt record %q: %d bytes", key, len(value))
			}
			rec.SavedAt = int64(binary.BigEndian.Uint64(value))
			rec.State = append([]byte(nil), value[headerSize:]...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return storage.Record{}, false, nil
	}
	if err != nil {
		return storage.Record{}, false, fmt.Errorf("load %q: %w", key, err)
	}
	return rec, true, nil
}

// Delete removes key and reports whether it existed.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	existed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		existed = true
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return false, fmt.Errorf("delete %q: %w", key, err)
	}
	return existed, nil
}

// Exists reports whether key is stored.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("exists %q: %w", key, err)
	}
	return found, nil
}

// ListKeys returns all stored keys, sorted. Badger iterates in key order,
// so no extra sort is needed.
func (s *Store) ListKeys(_ context.Context) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ storage.Adapter = (*Store)(nil)
