package agent

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStorePutGetDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Put(ctx, "items", "i1", map[string]any{"name": "Gold Ring", "quantity": float64(3)}, true)
	require.NoError(t, err)

	rec, err := store.Get(ctx, "items", "i1")
	require.NoError(t, err)
	require.Equal(t, "Gold Ring", rec.Data["name"])
	require.True(t, rec.LocalModified)
	require.False(t, rec.CachedAt.IsZero())

	// Pulled records are stored clean.
	err = store.Put(ctx, "items", "i1", map[string]any{"name": "Gold Ring v2"}, false)
	require.NoError(t, err)
	rec, err = store.Get(ctx, "items", "i1")
	require.NoError(t, err)
	require.Equal(t, "Gold Ring v2", rec.Data["name"])
	require.False(t, rec.LocalModified)

	all, err := store.GetAll(ctx, "items")
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, store.Delete(ctx, "items", "i1"))
	_, err = store.Get(ctx, "items", "i1")
	require.ErrorIs(t, err, ErrRecordNotFound)

	// Deleting again is fine.
	require.NoError(t, store.Delete(ctx, "items", "i1"))
}

func TestStoreReplacePromotesTempID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Put(ctx, "items", "temp_123", map[string]any{"id": "temp_123", "name": "Chain"}, true)
	require.NoError(t, err)

	require.NoError(t, store.Replace(ctx, "items", "temp_123", "real-uuid"))

	_, err = store.Get(ctx, "items", "temp_123")
	require.ErrorIs(t, err, ErrRecordNotFound)

	rec, err := store.Get(ctx, "items", "real-uuid")
	require.NoError(t, err)
	require.Equal(t, "real-uuid", rec.Data["id"])
	require.Equal(t, "Chain", rec.Data["name"])
	require.False(t, rec.LocalModified)

	require.ErrorIs(t, store.Replace(ctx, "items", "gone", "x"), ErrRecordNotFound)
}

func TestCheckpointNeverMovesBackwards(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cp, err := store.Checkpoint(ctx)
	require.NoError(t, err)
	require.Empty(t, cp)

	t1 := time.Now().UTC()
	t0 := t1.Add(-time.Hour)

	require.NoError(t, store.SetCheckpoint(ctx, t1.Format(time.RFC3339Nano)))
	cp, err = store.Checkpoint(ctx)
	require.NoError(t, err)
	require.Equal(t, t1.Format(time.RFC3339Nano), cp)

	// An older timestamp is silently ignored.
	require.NoError(t, store.SetCheckpoint(ctx, t0.Format(time.RFC3339Nano)))
	cp, err = store.Checkpoint(ctx)
	require.NoError(t, err)
	require.Equal(t, t1.Format(time.RFC3339Nano), cp)

	require.Error(t, store.SetCheckpoint(ctx, "not-a-time"))
}

func TestOpenStoreUnavailablePath(t *testing.T) {
	_, err := OpenStore("/nonexistent-dir-for-sure/nested/local.db")
	require.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestClientIDIsStable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	calls := 0
	gen := func() string {
		calls++
		return "terminal-fixed"
	}
	id, err := store.ClientID(ctx, gen)
	require.NoError(t, err)
	require.Equal(t, "terminal-fixed", id)

	id, err = store.ClientID(ctx, gen)
	require.NoError(t, err)
	require.Equal(t, "terminal-fixed", id)
	require.Equal(t, 1, calls)
}

func TestQueueOrderAndClear(t *testing.T) {
	store := newTestStore(t)
	queue := NewQueue(store)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, "items", "i1", "create", map[string]any{"name": "a"}, "c1"))
	require.NoError(t, queue.Enqueue(ctx, "items", "i1", "update", map[string]any{"name": "b"}, "c1"))
	require.NoError(t, queue.Enqueue(ctx, "customers", "c9", "delete", nil, "c1"))

	n, err := queue.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	pending, err := queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)

	// Queue order, no coalescing: both mutations of i1 survive.
	require.Equal(t, "create", pending[0].Action)
	require.Equal(t, "update", pending[1].Action)
	require.Equal(t, "a", pending[0].Data["name"])
	require.Equal(t, "b", pending[1].Data["name"])
	require.True(t, pending[0].QueueID < pending[1].QueueID)

	require.NoError(t, queue.Clear(ctx, pending[0].QueueID))
	pending, err = queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "update", pending[0].Action)
}
