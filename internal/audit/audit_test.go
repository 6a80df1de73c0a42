package audit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamicek/noex-rules-sub008/internal/ident"
	"github.com/hamicek/noex-rules-sub008/internal/storage"
)

func TestRing_WrapsAndOrders(t *testing.T) {
	r := newRing(3)
	require.Equal(t, 0, r.len())

	r.add(Entry{ID: "a"})
	r.add(Entry{ID: "b"})
	require.Equal(t, 2, r.len())
	require.Equal(t, []string{"a", "b"}, ids(r.list()))

	r.add(Entry{ID: "c"})
	r.add(Entry{ID: "d"})
	require.Equal(t, 3, r.len())
	assert.Equal(t, []string{"b", "c", "d"}, ids(r.list()))
	assert.Equal(t, []string{"c", "d"}, ids(r.tail(2)))
	assert.Equal(t, []string{"b", "c", "d"}, ids(r.tail(10)))
}

func TestCategories_AuditedSubset(t *testing.T) {
	require.Len(t, categories, 18)

	c, ok := CategoryOf(TypeRuleExecuted)
	require.True(t, ok)
	assert.Equal(t, CategoryExecution, c)

	c, ok = CategoryOf(TypeFactDeleted)
	require.True(t, ok)
	assert.Equal(t, CategoryData, c)

	_, ok = CategoryOf(TypeConditionEvaluated)
	assert.False(t, ok)
	assert.True(t, Audited(TypeEngineStarted))
	assert.False(t, Audited(TypeActionStarted))
}

func TestLog_AppendAndQueries(t *testing.T) {
	l := NewLog(LogConfig{Clock: clockwork.NewFakeClock()})

	l.Append(Entry{ID: "1", Type: TypeRuleRegistered, Category: CategoryRule, RuleID: "r1"})
	l.Append(Entry{ID: "2", Type: TypeRuleExecuted, Category: CategoryExecution, RuleID: "r1", CorrelationID: "c1"})
	l.Append(Entry{ID: "3", Type: TypeRuleExecuted, Category: CategoryExecution, RuleID: "r2", CorrelationID: "c2"})
	l.Append(Entry{ID: "4", Type: TypeEventEmitted, Category: CategoryData, CorrelationID: "c1"})

	assert.Equal(t, uint64(4), l.Total())
	assert.Equal(t, []string{"3", "4"}, ids(l.Recent(2)))
	assert.Equal(t, []string{"2", "3"}, ids(l.ByCategory(CategoryExecution)))
	assert.Equal(t, []string{"1", "2"}, ids(l.ByRule("r1")))
	assert.Equal(t, []string{"2", "4"}, ids(l.ByCorrelation("c1")))
	assert.Equal(t, []string{"2", "3"}, ids(l.ByType(TypeRuleExecuted)))
	assert.Empty(t, l.ByRule("missing"))
}

func TestLog_RingEvictsOldest(t *testing.T) {
	l := NewLog(LogConfig{MaxMemoryEntries: 3, Clock: clockwork.NewFakeClock()})
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		l.Append(Entry{ID: id, Type: TypeEventEmitted})
	}
	assert.Equal(t, uint64(5), l.Total())
	assert.Equal(t, []string{"3", "4", "5"}, ids(l.Recent(0)))
}

func TestLog_PersistsBatches(t *testing.T) {
	clock := clockwork.NewFakeClock()
	adapter := storage.NewMemory(clock)
	l := NewLog(LogConfig{Adapter: adapter, Clock: clock})

	now := clock.Now().UnixMilli()
	l.Append(Entry{ID: "1", Timestamp: now, Type: TypeRuleExecuted})
	l.Append(Entry{ID: "2", Timestamp: now, Type: TypeEventEmitted})
	l.flush(context.Background())

	keys, err := adapter.ListKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "audit/"))

	loaded, err := l.LoadPersisted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, ids(loaded))

	// A flush with nothing pending writes nothing.
	l.flush(context.Background())
	keys, err = adapter.ListKeys(context.Background())
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestLog_StopFlushesPending(t *testing.T) {
	clock := clockwork.NewFakeClock()
	adapter := storage.NewMemory(clock)
	l := NewLog(LogConfig{Adapter: adapter, Clock: clock})
	l.Start(context.Background())

	l.Append(Entry{ID: "1", Timestamp: clock.Now().UnixMilli(), Type: TypeEngineStopped})
	l.Stop()

	loaded, err := l.LoadPersisted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ids(loaded))
}

func TestLog_PersistFailureKeepsMemoryAndRecordsError(t *testing.T) {
	clock := clockwork.NewFakeClock()
	boom := errors.New("disk full")
	adapter := storage.NewFlaky(storage.NewMemory(clock), 10, boom)
	l := NewLog(LogConfig{
		Adapter: adapter,
		Clock:   clock,
		Retry:   storage.RetryConfig{Attempts: 1},
	})

	l.Append(Entry{ID: "1", Timestamp: clock.Now().UnixMilli(), Type: TypeRuleExecuted})
	l.flush(context.Background())

	// Nothing persisted, but the ring keeps the entry and gains a
	// storage_error record of the loss.
	keys, err := adapter.ListKeys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)

	entries := l.Recent(0)
	require.Len(t, entries, 2)
	assert.Equal(t, "1", entries[0].ID)
	assert.Equal(t, TypeStorageError, entries[1].Type)
	assert.Equal(t, CategorySystem, entries[1].Category)
	assert.Contains(t, entries[1].Details["error"], "disk full")

	// The failed batch is not re-queued.
	l.flush(context.Background())
	keys, err = adapter.ListKeys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLog_RetentionPrunesOldBatches(t *testing.T) {
	clock := clockwork.NewFakeClock()
	adapter := storage.NewMemory(clock)
	l := NewLog(LogConfig{Adapter: adapter, Clock: clock, Retention: time.Hour})

	l.Append(Entry{ID: "old", Timestamp: clock.Now().UnixMilli(), Type: TypeRuleExecuted})
	l.flush(context.Background())

	clock.Advance(2 * time.Hour)
	l.Append(Entry{ID: "new", Timestamp: clock.Now().UnixMilli(), Type: TypeRuleExecuted})
	l.flush(context.Background())

	loaded, err := l.LoadPersisted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, ids(loaded))
}

func TestTraceBus_DisabledByDefault(t *testing.T) {
	tb := NewTraceBus(10)
	require.False(t, tb.Enabled())

	tb.Publish(Entry{ID: "dropped", Type: TypeConditionEvaluated})
	assert.Empty(t, tb.Recent(0))

	tb.Enable()
	tb.Publish(Entry{ID: "kept", Type: TypeConditionEvaluated})
	assert.Equal(t, []string{"kept"}, ids(tb.Recent(0)))

	tb.Disable()
	tb.Publish(Entry{ID: "dropped2", Type: TypeConditionEvaluated})
	assert.Equal(t, []string{"kept"}, ids(tb.Recent(0)))
}

func TestTraceBus_RecentAndByCorrelation(t *testing.T) {
	tb := NewTraceBus(3)
	tb.Enable()
	tb.Publish(Entry{ID: "1", CorrelationID: "c1"})
	tb.Publish(Entry{ID: "2", CorrelationID: "c2"})
	tb.Publish(Entry{ID: "3", CorrelationID: "c1"})
	tb.Publish(Entry{ID: "4", CorrelationID: "c1"})

	assert.Equal(t, []string{"2", "3", "4"}, ids(tb.Recent(0)))
	assert.Equal(t, []string{"3", "4"}, ids(tb.ByCorrelation("c1")))

	tb.Clear()
	assert.Empty(t, tb.Recent(0))
}

func TestTraceBus_SubscribeReceivesEntries(t *testing.T) {
	tb := NewTraceBus(10)
	tb.Enable()

	got := make(chan Entry, 10)
	cancel := tb.Subscribe(func(e Entry) { got <- e })
	defer cancel()

	tb.Publish(Entry{ID: "1"})
	tb.Publish(Entry{ID: "2"})

	for _, want := range []string{"1", "2"} {
		select {
		case e := <-got:
			assert.Equal(t, want, e.ID)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for entry %s", want)
		}
	}

	cancel()
	tb.Publish(Entry{ID: "3"})
	select {
	case e := <-got:
		t.Fatalf("received %s after cancel", e.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRecorder_StampsAndRoutes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := NewLog(LogConfig{Clock: clock})
	trace := NewTraceBus(10)
	trace.Enable()
	rec := NewRecorder(clock, ident.NewSequenceGenerator("audit"), log, trace)

	rec.Record(Entry{Type: TypeRuleExecuted, RuleID: "r1"})

	entries := log.Recent(0)
	require.Len(t, entries, 1)
	assert.Equal(t, "audit-000001", entries[0].ID)
	assert.Equal(t, clock.Now().UnixMilli(), entries[0].Timestamp)
	assert.Equal(t, CategoryExecution, entries[0].Category)
	require.Len(t, trace.Recent(0), 1)

	// Trace-only types bypass the audit log.
	rec.Record(Entry{Type: TypeConditionEvaluated, RuleID: "r1"})
	assert.Len(t, log.Recent(0), 1)
	assert.Len(t, trace.Recent(0), 2)
}

func TestRecorder_AuditsWithTraceDisabled(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := NewLog(LogConfig{Clock: clock})
	trace := NewTraceBus(10)
	rec := NewRecorder(clock, ident.NewSequenceGenerator("audit"), log, trace)

	rec.Record(Entry{Type: TypeFactCreated})

	assert.Len(t, log.Recent(0), 1)
	assert.Empty(t, trace.Recent(0))
}

func TestRecorder_PreservesExplicitStamps(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := NewLog(LogConfig{Clock: clock})
	rec := NewRecorder(clock, ident.NewSequenceGenerator("audit"), log, NewTraceBus(10))

	rec.Record(Entry{ID: "fixed", Timestamp: 42, Type: TypeTimerFired})

	entries := log.Recent(0)
	require.Len(t, entries, 1)
	assert.Equal(t, "fixed", entries[0].ID)
	assert.Equal(t, int64(42), entries[0].Timestamp)
	assert.Equal(t, CategoryTimer, entries[0].Category)
}

func ids(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}
