package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLiteStore(t.TempDir() + "/kv.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	require.NoError(t, s.SetWithTTL(ctx, "a", []byte("one"), 0))

	value, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("one"), value)
}

func TestSQLiteStoreUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	require.NoError(t, s.SetWithTTL(ctx, "a", []byte("one"), 0))
	require.NoError(t, s.SetWithTTL(ctx, "a", []byte("two"), 0))

	value, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("two"), value)
}

func TestSQLiteStoreTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	require.NoError(t, s.SetWithTTL(ctx, "short", []byte("v"), 10*time.Millisecond))
	time.Sleep(25 * time.Millisecond)

	_, ok, err := s.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStoreKeysAndPurge(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	require.NoError(t, s.SetWithTTL(ctx, "p:1", []byte("a"), 0))
	require.NoError(t, s.SetWithTTL(ctx, "p:2", []byte("b"), 10*time.Millisecond))
	require.NoError(t, s.SetWithTTL(ctx, "q:1", []byte("c"), 0))

	time.Sleep(25 * time.Millisecond)

	keys, err := s.Keys(ctx, "p:")
	require.NoError(t, err)
	assert.Equal(t, []string{"p:1"}, keys)

	purged, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
}
