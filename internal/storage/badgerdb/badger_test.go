package badgerdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "rules/engine", []byte(`{"rules":[]}`)))

	rec, ok, err := s.Load(ctx, "rules/engine")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"rules":[]}`, string(rec.State))
	assert.Greater(t, rec.SavedAt, int64(0))
}

func TestStore_SaveOverwrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "k", []byte("v1")))
	require.NoError(t, s.Save(ctx, "k", []byte("v2")))

	rec, ok, err := s.Load(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", string(rec.State))
}

func TestStore_LoadMissingKey(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.Load(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_DeleteReportsExistence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "k", []byte("v")))

	existed, err := s.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, existed)

	ok, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ListKeysSorted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"timer/b", "audit/1", "timer/a"} {
		require.NoError(t, s.Save(ctx, key, []byte("x")))
	}

	keys, err := s.ListKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"audit/1", "timer/a", "timer/b"}, keys)
}

func TestStore_EmptyState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "empty", nil))

	rec, ok, err := s.Load(ctx, "empty")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, rec.State)
	assert.Greater(t, rec.SavedAt, int64(0))
}
