package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/convoroute/core"
	"github.com/hupe1980/convoroute/kv"
)

// flakyKV wraps a real store and fails writes on demand.
type flakyKV struct {
	core.KVStore
	failWrites bool
	setCalls   int
}

func (f *flakyKV) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.setCalls++
	if f.failWrites {
		return errors.New("kv unavailable")
	}
	return f.KVStore.SetWithTTL(ctx, key, value, ttl)
}

func TestHybridStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewHybridStore(kv.NewInMemoryStore())

	id, err := store.Create(ctx, "owner-1", "en")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sess, ok, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "owner-1", sess.OwnerID)
	assert.Equal(t, "en", sess.Language)
	assert.Equal(t, 1, store.ActiveCount())
}

func TestHybridStoreGetUnknown(t *testing.T) {
	store := NewHybridStore(kv.NewInMemoryStore())

	_, ok, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHybridStoreRepopulatesFromKV(t *testing.T) {
	ctx := context.Background()
	backing := kv.NewInMemoryStore()

	// Simulate a session written by a previous process.
	prior := core.NewSession("restored-1", "", "de")
	prior.AppendTurn(core.Turn{Role: core.RoleUser, Text: "hallo"})
	data, err := json.Marshal(prior)
	require.NoError(t, err)
	require.NoError(t, backing.SetWithTTL(ctx, KeyPrefix+"restored-1", data, time.Hour))

	store := NewHybridStore(backing)
	assert.Equal(t, 0, store.ActiveCount())

	sess, ok, err := store.Get(ctx, "restored-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "de", sess.Language)
	assert.Equal(t, 1, sess.Len())
	assert.Equal(t, 1, store.ActiveCount())

	// A second read hits the in-process tier and returns the same copy.
	again, ok, err := store.Get(ctx, "restored-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, sess, again)
}

func TestHybridStoreSaveSurvivesKVOutage(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyKV{KVStore: kv.NewInMemoryStore()}
	store := NewHybridStore(flaky)

	id, err := store.Create(ctx, "", "en")
	require.NoError(t, err)

	flaky.failWrites = true

	sess, ok, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	sess.AppendTurn(core.Turn{Role: core.RoleUser, Text: "still here"})

	// Save reports success although the external tier is down.
	require.NoError(t, store.Save(ctx, sess))

	reloaded, ok, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, reloaded.Len())
}

func TestHybridStoreDeleteRemovesBothTiers(t *testing.T) {
	ctx := context.Background()
	backing := kv.NewInMemoryStore()
	store := NewHybridStore(backing)

	id, err := store.Create(ctx, "", "en")
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, id))

	_, ok, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := backing.Keys(ctx, KeyPrefix)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestHybridStoreListIDsMergesTiers(t *testing.T) {
	ctx := context.Background()
	backing := kv.NewInMemoryStore()

	external := core.NewSession("external-only", "", "en")
	data, err := json.Marshal(external)
	require.NoError(t, err)
	require.NoError(t, backing.SetWithTTL(ctx, KeyPrefix+"external-only", data, time.Hour))

	store := NewHybridStore(backing)
	id, err := store.Create(ctx, "", "en")
	require.NoError(t, err)

	ids, err := store.ListIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{id, "external-only"}, ids)
}
