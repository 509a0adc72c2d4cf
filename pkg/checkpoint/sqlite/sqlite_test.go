package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/pkg/checkpoint"
	"github.com/loomrun/loom/pkg/log"
	"github.com/loomrun/loom/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	ctx := context.Background()

	store, err := NewStore(ctx, log.WithModule("test"), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close(ctx)
	})

	return store
}

func snapshot(threadID string, step int, version int64, fields map[string]any) *models.ExecutionSnapshot {
	return &models.ExecutionSnapshot{
		ThreadID:  threadID,
		Step:      step,
		Version:   version,
		Fields:    fields,
		CreatedAt: time.Now().UTC(),
	}
}

func TestStorePutAndLatest(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	err := store.PutSnapshot(ctx, snapshot("thread-1", 1, 1, map[string]any{"input": "hello"}))
	require.NoError(t, err)

	err = store.PutSnapshot(ctx, snapshot("thread-1", 2, 2, map[string]any{
		"input":           "hello",
		"reviewer_output": "looks good",
	}))
	require.NoError(t, err)

	latest, err := store.LatestSnapshot(ctx, "thread-1")
	require.NoError(t, err)

	assert.Equal(t, "thread-1", latest.ThreadID)
	assert.Equal(t, 2, latest.Step)
	assert.Equal(t, int64(2), latest.Version)
	assert.Equal(t, "looks good", latest.Fields["reviewer_output"])
}

func TestStoreLatestUnknownThread(t *testing.T) {
	store := newTestStore(t)

	latest, err := store.LatestSnapshot(context.Background(), "missing")
	require.Error(t, err)
	assert.Nil(t, latest)
	assert.ErrorIs(t, err, checkpoint.ErrSnapshotNotFound)
}

func TestStoreDuplicateVersionIsConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	err := store.PutSnapshot(ctx, snapshot("thread-1", 1, 1, map[string]any{"a": "first"}))
	require.NoError(t, err)

	err = store.PutSnapshot(ctx, snapshot("thread-1", 1, 1, map[string]any{"a": "second"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, checkpoint.ErrConflict)
	assert.True(t, checkpoint.IsConflict(err))

	// The losing write must not clobber the winner.
	latest, err := store.LatestSnapshot(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "first", latest.Fields["a"])
}

func TestStoreSameVersionDifferentThreads(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	err := store.PutSnapshot(ctx, snapshot("thread-a", 1, 1, map[string]any{"x": "a"}))
	require.NoError(t, err)

	err = store.PutSnapshot(ctx, snapshot("thread-b", 1, 1, map[string]any{"x": "b"}))
	require.NoError(t, err)
}

func TestStoreHistoryOrderedByVersion(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for version := int64(1); version <= 3; version++ {
		err := store.PutSnapshot(ctx, snapshot("thread-1", int(version), version, map[string]any{
			"step": version,
		}))
		require.NoError(t, err)
	}

	history, err := store.SnapshotHistory(ctx, "thread-1")
	require.NoError(t, err)
	require.Len(t, history, 3)

	for i, snap := range history {
		assert.Equal(t, int64(i+1), snap.Version)
	}
}

func TestStoreHistoryEmptyForUnknownThread(t *testing.T) {
	store := newTestStore(t)

	history, err := store.SnapshotHistory(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestStoreHealthCheck(t *testing.T) {
	store := newTestStore(t)

	assert.NoError(t, store.HealthCheck(context.Background()))
}

func TestOpenAdapter(t *testing.T) {
	ctx := context.Background()

	store, err := Open(ctx, checkpoint.Config{
		Kind: checkpoint.KindEmbedded,
		Path: filepath.Join(t.TempDir(), "open.db"),
	})
	require.NoError(t, err)

	defer func() { _ = store.Close(ctx) }()

	assert.NoError(t, store.HealthCheck(ctx))
}
