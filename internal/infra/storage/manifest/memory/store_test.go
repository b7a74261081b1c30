package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/catalog-sync/internal/domain/catalog"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	store := NewManifestStore()
	ctx := context.Background()

	cutoff := time.Date(2024, 3, 10, 7, 0, 0, 0, time.UTC)
	manifest := catalog.NewManifest(catalog.RunModeIncremental, &cutoff, 100, 2)
	manifest.RecordBatchFailed(0, []string{"SKU-A"}, "target unavailable")
	require.NoError(t, store.Save(ctx, manifest))

	loaded, err := store.LoadByHandle(ctx, manifest.Handle())
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, manifest.Handle(), loaded.Handle())
	assert.Equal(t, []int{0}, loaded.FailedIndexes())

	// Loads return copies; mutating one does not leak into the store.
	loaded.RecordBatchSent(1)
	again, err := store.LoadByHandle(ctx, manifest.Handle())
	require.NoError(t, err)
	assert.Equal(t, 0, again.HighestSentIndex())
}

func TestLoadLatestForMode(t *testing.T) {
	store := NewManifestStore()
	ctx := context.Background()

	older := catalog.NewManifest(catalog.RunModeFull, nil, 10, 1)
	require.NoError(t, store.Save(ctx, older))
	newer := catalog.NewManifest(catalog.RunModeFull, nil, 20, 1)
	require.NoError(t, store.Save(ctx, newer))

	loaded, err := store.Load(ctx, catalog.RunModeFull)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, newer.Handle(), loaded.Handle())

	missing, err := store.Load(ctx, catalog.RunModeIncremental)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLoadByHandleMissing(t *testing.T) {
	store := NewManifestStore()
	loaded, err := store.LoadByHandle(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestClearRemovesOnlyMode(t *testing.T) {
	store := NewManifestStore()
	ctx := context.Background()

	incremental := catalog.NewManifest(catalog.RunModeIncremental, nil, 10, 1)
	require.NoError(t, store.Save(ctx, incremental))
	full := catalog.NewManifest(catalog.RunModeFull, nil, 20, 1)
	require.NoError(t, store.Save(ctx, full))

	require.NoError(t, store.Clear(ctx, catalog.RunModeIncremental))

	gone, err := store.Load(ctx, catalog.RunModeIncremental)
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := store.Load(ctx, catalog.RunModeFull)
	require.NoError(t, err)
	require.NotNil(t, kept)
}

func TestRunLockExclusive(t *testing.T) {
	store := NewManifestStore()
	ctx := context.Background()

	release, err := store.AcquireRunLock(ctx)
	require.NoError(t, err)

	_, err = store.AcquireRunLock(ctx)
	assert.ErrorIs(t, err, catalog.ErrRunAlreadyInProgress)

	require.NoError(t, release(ctx))
	release2, err := store.AcquireRunLock(ctx)
	require.NoError(t, err)
	require.NoError(t, release2(ctx))
}
