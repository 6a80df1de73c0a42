package facts

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamicek/noex-rules-sub008/internal/rule"
)

func newTestStore(t *testing.T) (*Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	s := NewStore(clock)
	t.Cleanup(s.Close)
	return s, clock
}

func TestStore_Set_VersionsIncrease(t *testing.T) {
	s, clock := newTestStore(t)

	f, err := s.Set("user:42:status", "active", "test")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Version)
	assert.Equal(t, clock.Now().UnixMilli(), f.Timestamp)

	clock.Advance(time.Second)
	f, err = s.Set("user:42:status", "blocked", "test")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), f.Version)

	got, ok := s.Get("user:42:status")
	require.True(t, ok)
	assert.Equal(t, "blocked", got.Value)
	assert.Equal(t, uint64(2), got.Version)
}

func TestStore_Set_EmptyKeyRejected(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Set("", 1, "")
	assert.True(t, rule.IsInvalidArgument(err))
}

func TestStore_Delete(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Set("session:abc", true, "")
	require.NoError(t, err)

	assert.True(t, s.Delete("session:abc"))
	_, ok := s.Get("session:abc")
	assert.False(t, ok)
	assert.False(t, s.Delete("session:abc"), "second delete reports missing")
}

func TestStore_Query_Wildcards(t *testing.T) {
	s, _ := newTestStore(t)

	for _, key := range []string{
		"sensor:s1:temp",
		"sensor:s2:temp",
		"sensor:s1:humidity",
		"sensor:temp",
		"user:42",
	} {
		_, err := s.Set(key, 1, "")
		require.NoError(t, err)
	}

	got, err := s.Query("sensor:*:temp")
	require.NoError(t, err)
	keys := factKeys(got)
	assert.Equal(t, []string{"sensor:s1:temp", "sensor:s2:temp"}, keys)

	got, err = s.Query("sensor:**")
	require.NoError(t, err)
	assert.Len(t, got, 4)

	got, err = s.Query("sensor:s1:temp")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "sensor:s1:temp", got[0].Key)

	got, err = s.Query("missing:*")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = s.Query("bad::pattern")
	assert.True(t, rule.IsInvalidArgument(err))
}

func TestStore_Filter(t *testing.T) {
	s, _ := newTestStore(t)

	_, _ = s.Set("a:1", 10, "")
	_, _ = s.Set("a:2", 20, "")
	_, _ = s.Set("b:1", 30, "")

	got := s.Filter(func(f rule.Fact) bool {
		v, ok := f.Value.(int)
		return ok && v >= 20
	})
	assert.Equal(t, []string{"a:2", "b:1"}, factKeys(got))
	assert.Equal(t, 3, s.Len())
}

func TestStore_Subscribe_ReceivesCommittedChanges(t *testing.T) {
	s, _ := newTestStore(t)

	var mu sync.Mutex
	var got []Change
	done := make(chan struct{}, 3)
	cancel := s.Subscribe(func(ch Change) {
		mu.Lock()
		got = append(got, ch)
		mu.Unlock()
		done <- struct{}{}
	})
	defer cancel()

	_, _ = s.Set("k:1", "a", "")
	_, _ = s.Set("k:1", "b", "")
	s.Delete("k:1")

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive change")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	assert.Equal(t, rule.FactCreated, got[0].Kind)
	assert.Equal(t, rule.FactUpdated, got[1].Kind)
	assert.Equal(t, rule.FactDeleted, got[2].Kind)
	assert.Equal(t, "b", got[2].Fact.Value, "deletion carries last value")
}

func TestSnapshot_IsolatesUncommittedWrites(t *testing.T) {
	s, _ := newTestStore(t)
	_, _ = s.Set("counter", 0, "")

	sn := s.Snapshot()
	require.NoError(t, sn.Set("counter", 1, "rule:r-1"))

	// Visible inside the firing.
	f, ok := sn.Get("counter")
	require.True(t, ok)
	assert.Equal(t, 1, f.Value)

	// Invisible outside until commit.
	live, _ := s.Get("counter")
	assert.Equal(t, 0, live.Value)

	changes := sn.Commit()
	require.Len(t, changes, 1)
	assert.Equal(t, rule.FactUpdated, changes[0].Kind)
	assert.Equal(t, uint64(2), changes[0].Fact.Version)

	live, _ = s.Get("counter")
	assert.Equal(t, 1, live.Value)
}

func TestSnapshot_NetEffectPerKey(t *testing.T) {
	s, _ := newTestStore(t)

	sn := s.Snapshot()
	require.NoError(t, sn.Set("tmp:flag", true, ""))
	sn.Delete("tmp:flag")
	require.NoError(t, sn.Set("kept", "v", ""))

	changes := sn.Commit()
	require.Len(t, changes, 1, "set-then-delete of a new key nets out")
	assert.Equal(t, "kept", changes[0].Fact.Key)

	_, ok := s.Get("tmp:flag")
	assert.False(t, ok)
}

func TestSnapshot_QuerySeesOverlay(t *testing.T) {
	s, _ := newTestStore(t)
	_, _ = s.Set("user:1:name", "ada", "")
	_, _ = s.Set("user:2:name", "bob", "")

	sn := s.Snapshot()
	require.NoError(t, sn.Set("user:3:name", "cyd", ""))
	sn.Delete("user:1:name")

	got, err := sn.Query("user:*:name")
	require.NoError(t, err)
	assert.Equal(t, []string{"user:2:name", "user:3:name"}, factKeys(got))
}

func TestSnapshot_FrozenAgainstLaterStoreWrites(t *testing.T) {
	s, _ := newTestStore(t)
	_, _ = s.Set("k", 1, "")

	sn := s.Snapshot()
	_, _ = s.Set("k", 2, "")

	f, ok := sn.Get("k")
	require.True(t, ok)
	assert.Equal(t, 1, f.Value, "snapshot reads the state at snapshot time")
}

func factKeys(fs []rule.Fact) []string {
	keys := make([]string, len(fs))
	for i, f := range fs {
		keys[i] = f.Key
	}
	return keys
}
