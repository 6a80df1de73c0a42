package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hamicek/noex-rules-sub008/internal/storage"
)

const (
	// DefaultMaxMemoryEntries bounds the in-memory audit ring.
	DefaultMaxMemoryEntries = 1000
	// DefaultBatchSize is the persistence batch threshold.
	DefaultBatchSize = 100
	// DefaultFlushInterval is how often pending entries are persisted.
	DefaultFlushInterval = time.Second

	persistPrefix = "audit/"
)

// LogConfig configures the audit log.
type LogConfig struct {
	// MaxMemoryEntries bounds the in-memory ring.
	MaxMemoryEntries int
	// Adapter, when set, receives batched entries for durability.
	Adapter storage.Adapter
	// Retention prunes persisted batches older than this. Zero keeps
	// everything.
	Retention time.Duration
	// BatchSize triggers an early flush when pending entries reach it.
	BatchSize int
	// FlushInterval is the background flush cadence.
	FlushInterval time.Duration
	// Retry is the backoff policy around adapter calls.
	Retry storage.RetryConfig
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
	// Logger receives persistence failures.
	Logger *slog.Logger
}

// CheckAndSetDefaults fills unset fields.
func (c *LogConfig) CheckAndSetDefaults() {
	if c.MaxMemoryEntries <= 0 {
		c.MaxMemoryEntries = DefaultMaxMemoryEntries
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Retry.Clock = c.Clock
	c.Retry.CheckAndSetDefaults()
}

// Log is the append-only audit trail: a bounded in-memory ring with
// optional batched persistence. Entries arrive from the Recorder already
// stamped and categorised.
type Log struct {
	cfg LogConfig

	mu      sync.RWMutex
	ring    *ring
	pending []Entry

	total    atomic.Uint64
	batchSeq atomic.Uint64

	flushNow chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  bool
}

// NewLog returns an audit log with the given configuration.
func NewLog(cfg LogConfig) *Log {
	cfg.CheckAndSetDefaults()
	return &Log{
		cfg:      cfg,
		ring:     newRing(cfg.MaxMemoryEntries),
		flushNow: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start launches the background flusher when persistence is configured.
func (l *Log) Start(ctx context.Context) {
	l.mu.Lock()
	already := l.started
	l.started = true
	l.mu.Unlock()
	if already || l.cfg.Adapter == nil {
		return
	}
	go l.flushLoop(ctx)
}

// Stop flushes pending entries and stops the flusher.
func (l *Log) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
	if l.cfg.Adapter != nil {
		l.flush(context.Background())
	}
}

// Append records e. The write is in-memory; persistence happens in batches
// behind the flush cadence.
func (l *Log) Append(e Entry) {
	l.total.Add(1)

	l.mu.Lock()
	l.ring.add(e)
	var kick bool
	if l.cfg.Adapter != nil {
		l.pending = append(l.pending, e)
		kick = len(l.pending) >= l.cfg.BatchSize
	}
	l.mu.Unlock()

	if kick {
		select {
		case l.flushNow <- struct{}{}:
		default:
		}
	}
}

// appendMemoryOnly records e without queueing it for persistence. Used for
// the storage_error entries produced by persistence failures themselves.
func (l *Log) appendMemoryOnly(e Entry) {
	l.total.Add(1)
	l.mu.Lock()
	l.ring.add(e)
	l.mu.Unlock()
}

// Recent returns the newest n entries, oldest first. n <= 0 returns the
// whole ring.
func (l *Log) Recent(n int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ring.tail(n)
}

// ByCategory returns retained entries in the given category, oldest first.
func (l *Log) ByCategory(c Category) []Entry {
	return l.filter(func(e Entry) bool { return e.Category == c })
}

// ByRule returns retained entries for the given rule, oldest first.
func (l *Log) ByRule(ruleID string) []Entry {
	return l.filter(func(e Entry) bool { return e.RuleID == ruleID })
}

// ByCorrelation returns retained entries of one cascade, oldest first.
func (l *Log) ByCorrelation(corrID string) []Entry {
	return l.filter(func(e Entry) bool { return e.CorrelationID == corrID })
}

// ByType returns retained entries of the given type, oldest first.
func (l *Log) ByType(t Type) []Entry {
	return l.filter(func(e Entry) bool { return e.Type == t })
}

func (l *Log) filter(keep func(Entry) bool) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Entry
	for _, e := range l.ring.list() {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// Total returns the number of entries ever appended.
func (l *Log) Total() uint64 { return l.total.Load() }

func (l *Log) flushLoop(ctx context.Context) {
	ticker := l.cfg.Clock.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			l.flush(ctx)
		case <-l.flushNow:
			l.flush(ctx)
		case <-l.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// flush persists pending entries as one batch keyed by the first entry's
// timestamp, then prunes expired batches. Failures fail closed: the batch
// is dropped from the persistence queue, the ring keeps serving it, and a
// storage_error entry records the loss.
func (l *Log) flush(ctx context.Context) {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		l.cfg.Logger.Error("audit batch encode failed", "error", err)
		return
	}
	key := fmt.Sprintf("%s%013d-%06d", persistPrefix, batch[0].Timestamp, l.batchSeq.Add(1))
	err = l.cfg.Retry.Do(ctx, "save", key, func() error {
		return l.cfg.Adapter.Save(ctx, key, payload)
	})
	if err != nil {
		l.cfg.Logger.Warn("audit persistence failed, continuing in memory",
			"key", key, "entries", len(batch), "error", err)
		l.appendMemoryOnly(Entry{
			Timestamp: l.cfg.Clock.Now().UnixMilli(),
			Category:  CategorySystem,
			Type:      TypeStorageError,
			Summary:   fmt.Sprintf("failed to persist %d audit entries", len(batch)),
			Details:   map[string]any{"key": key, "error": err.Error()},
		})
		return
	}

	l.pruneExpired(ctx)
}

// pruneExpired deletes persisted batches older than the retention window.
func (l *Log) pruneExpired(ctx context.Context) {
	if l.cfg.Retention <= 0 {
		return
	}
	cutoff := l.cfg.Clock.Now().UnixMilli() - l.cfg.Retention.Milliseconds()
	keys, err := l.cfg.Adapter.ListKeys(ctx)
	if err != nil {
		l.cfg.Logger.Warn("audit retention scan failed", "error", err)
		return
	}
	for _, key := range keys {
		ts, ok := batchTimestamp(key)
		if !ok || ts >= cutoff {
			continue
		}
		if _, err := l.cfg.Adapter.Delete(ctx, key); err != nil {
			l.cfg.Logger.Warn("audit retention delete failed", "key", key, "error", err)
		}
	}
}

func batchTimestamp(key string) (int64, bool) {
	rest, ok := strings.CutPrefix(key, persistPrefix)
	if !ok {
		return 0, false
	}
	tsPart, _, ok := strings.Cut(rest, "-")
	if !ok {
		return 0, false
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

// LoadPersisted returns all persisted batches merged oldest first, for
// inspection and tests.
func (l *Log) LoadPersisted(ctx context.Context) ([]Entry, error) {
	if l.cfg.Adapter == nil {
		return nil, nil
	}
	keys, err := l.cfg.Adapter.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, key := range keys {
		if !strings.HasPrefix(key, persistPrefix) {
			continue
		}
		rec, ok, err := l.cfg.Adapter.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var batch []Entry
		if err := json.Unmarshal(rec.State, &batch); err != nil {
			return nil, fmt.Errorf("batch %s: %w", key, err)
		}
		out = append(out, batch...)
	}
	return out, nil
}
