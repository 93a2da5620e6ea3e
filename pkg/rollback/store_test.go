package rollback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

func testPoint(id string) types.RollbackPoint {
	return types.RollbackPoint{
		ID:        id,
		Name:      "before-refactor",
		Timestamp: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
		Entities:  []types.Entity{{ID: "e1", Type: types.EntityFile, Hash: "h1"}},
	}
}

func runPointStoreTests(t *testing.T, store PointStore) {
	ctx := context.Background()

	require.NoError(t, store.SavePoint(ctx, testPoint("p1")))
	require.NoError(t, store.SaveSnapshot(ctx, types.Snapshot{
		ID: "s1", RollbackPointID: "p1", Type: types.SnapshotEntity, CreatedAt: time.Now(),
	}))
	require.NoError(t, store.SaveSnapshot(ctx, types.Snapshot{
		ID: "s2", RollbackPointID: "p1", Type: types.SnapshotRelationship, CreatedAt: time.Now(),
	}))

	point, err := store.GetPoint(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "before-refactor", point.Name)

	snaps, err := store.ListSnapshots(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, snaps, 2)

	// Snapshot for an unknown point is rejected.
	err = store.SaveSnapshot(ctx, types.Snapshot{ID: "s3", RollbackPointID: "missing"})
	assert.Equal(t, errs.CodeRollbackNotFound, errs.CodeOf(err))

	// Deleting the point removes its snapshots with it.
	require.NoError(t, store.DeletePoint(ctx, "p1"))
	_, err = store.GetPoint(ctx, "p1")
	assert.Equal(t, errs.CodeRollbackNotFound, errs.CodeOf(err))
	snaps, err = store.ListSnapshots(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestMemoryPointStoreCascade(t *testing.T) {
	runPointStoreTests(t, NewMemoryPointStore())
}

func TestBoltPointStoreCascade(t *testing.T) {
	store, err := NewBoltPointStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	runPointStoreTests(t, store)
}

func TestBoltPointStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewBoltPointStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.SavePoint(ctx, testPoint("p1")))
	require.NoError(t, store.SaveSnapshot(ctx, types.Snapshot{
		ID: "s1", RollbackPointID: "p1", Type: types.SnapshotEntity, CreatedAt: time.Now(),
	}))
	require.NoError(t, store.Close())

	store, err = NewBoltPointStore(dir)
	require.NoError(t, err)
	defer store.Close()

	point, err := store.GetPoint(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, point.Entities, 1)

	snaps, err := store.ListSnapshots(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestBoltCascadeDoesNotTouchSiblings(t *testing.T) {
	store, err := NewBoltPointStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.SavePoint(ctx, testPoint("p1")))
	require.NoError(t, store.SavePoint(ctx, testPoint("p2")))
	require.NoError(t, store.SaveSnapshot(ctx, types.Snapshot{ID: "a", RollbackPointID: "p1"}))
	require.NoError(t, store.SaveSnapshot(ctx, types.Snapshot{ID: "b", RollbackPointID: "p2"}))

	require.NoError(t, store.DeletePoint(ctx, "p1"))

	snaps, err := store.ListSnapshots(ctx, "p2")
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}
