package progress_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devscorehq/devscore/internal/progress"
	"github.com/devscorehq/devscore/pkg/models"
)

func TestMemoryStore_CreateAndGet(t *testing.T) {
	store := progress.NewMemoryStore()
	ctx := context.Background()

	created, err := store.Create(ctx, newPendingJob("alnew"), time.Hour)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.Create(ctx, newPendingJob("alnew"), time.Hour)
	require.NoError(t, err)
	assert.False(t, created)

	job, found, err := store.Get(ctx, "alnew")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.StatusPending, job.OverallStatus())
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	store := progress.NewMemoryStore()
	ctx := context.Background()

	_, err := store.Create(ctx, newPendingJob("alnew"), time.Hour)
	require.NoError(t, err)

	job, _, err := store.Get(ctx, "alnew")
	require.NoError(t, err)
	job.Stages[models.StageGithubData] = models.StageCompleted

	fresh, _, err := store.Get(ctx, "alnew")
	require.NoError(t, err)
	assert.Equal(t, models.StagePending, fresh.Stages[models.StageGithubData],
		"mutating a returned job must not leak into the store")
}

func TestMemoryStore_GateMirrorsRedisSemantics(t *testing.T) {
	store := progress.NewMemoryStore()
	ctx := context.Background()

	_, err := store.Create(ctx, newPendingJob("alnew"), time.Hour)
	require.NoError(t, err)

	ready, err := store.MarkReady(ctx, "alnew")
	require.NoError(t, err)
	assert.False(t, ready)

	completeDataStages(t, ctx, store, "alnew")

	ready, err = store.MarkReady(ctx, "alnew")
	require.NoError(t, err)
	assert.True(t, ready)

	ready, err = store.MarkReady(ctx, "alnew")
	require.NoError(t, err)
	assert.False(t, ready)

	ok, err := store.MarkIssued(ctx, "alnew")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.MarkReady(ctx, "ghost")
	assert.ErrorIs(t, err, progress.ErrNotFound)
}
