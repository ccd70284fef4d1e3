package harvest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededStore(t *testing.T, base time.Time) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	ctx := context.Background()

	jobs := []*Job{
		{ID: "j1", Reason: "scheduled", RequestedBy: "scheduler", Status: StatusPending, MaxRetries: 3},
		{ID: "j2", Reason: "manual", RequestedBy: "ops", Status: StatusPending, MaxRetries: 3},
		{ID: "j3", Reason: "manual", RequestedBy: "ops", Status: StatusPending, MaxRetries: 3},
	}
	for _, job := range jobs {
		require.NoError(t, store.Create(ctx, job))
	}
	_, err := store.Claim(ctx, "j2")
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, "j2", "VAULT_PAUSED", "vault paused", true))
	_, err = store.Claim(ctx, "j3")
	require.NoError(t, err)
	require.NoError(t, store.MarkSucceeded(ctx, "j3", Result{Executed: true, Recognized: "10"}))

	store.mu.Lock()
	store.jobs["j1"].UpdatedAt = base.Unix()
	store.jobs["j2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.jobs["j3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()
	return store
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	base := time.Now().Add(-2 * time.Minute)
	store := seededStore(t, base)
	ctx := context.Background()

	all, err := store.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "j3", all[0].ID)

	asc, err := store.List(ctx, BuildListOptions(WithSortOrder(SortByUpdatedAsc), WithLimit(2)))
	require.NoError(t, err)
	require.Len(t, asc, 2)
	assert.Equal(t, "j1", asc[0].ID)

	failed, err := store.List(ctx, BuildListOptions(WithStatuses(StatusFailed, "bogus")))
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "j2", failed[0].ID)
	assert.Equal(t, 1, failed[0].MaxRetries)
	assert.True(t, failed[0].Terminal())

	executed, err := store.List(ctx, BuildListOptions(WithExecuted(true)))
	require.NoError(t, err)
	require.Len(t, executed, 1)
	assert.Equal(t, "j3", executed[0].ID)

	recent, err := store.List(ctx, BuildListOptions(WithUpdatedSince(base.Add(15*time.Second))))
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	byQuery, err := store.List(ctx, BuildListOptions(WithQuery("PAUSED")))
	require.NoError(t, err)
	require.Len(t, byQuery, 1)
	assert.Equal(t, "j2", byQuery[0].ID)

	paged, err := store.List(ctx, BuildListOptions(WithOffset(5)))
	require.NoError(t, err)
	assert.Empty(t, paged)
}

func TestMemoryStoreStats(t *testing.T) {
	base := time.Now().Add(-3 * time.Minute)
	store := seededStore(t, base)

	stats, err := store.Stats(context.Background(), ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, Stats{
		Total:           3,
		Pending:         1,
		Failed:          1,
		Succeeded:       1,
		OldestUpdatedAt: base.Unix(),
		NewestUpdatedAt: base.Add(60 * time.Second).Unix(),
	}, stats)

	filtered, err := store.Stats(context.Background(), BuildListOptions(WithStatuses(StatusPending)))
	require.NoError(t, err)
	assert.Equal(t, 1, filtered.Total)
}

func TestMemoryStoreClaimTransitions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Job{ID: "j", Status: StatusPending, MaxRetries: 2}))
	require.ErrorIs(t, store.Create(ctx, &Job{ID: "j"}), ErrJobConflict)

	job, err := store.Claim(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, job.Status)
	assert.Equal(t, 1, job.Attempts)

	_, err = store.Claim(ctx, "j")
	require.ErrorIs(t, err, ErrJobConflict)

	require.NoError(t, store.MarkFailed(ctx, "j", "TIMEOUT", "slow", false))
	_, err = store.Claim(ctx, "j")
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, "j", "TIMEOUT", "slow", false))

	_, err = store.Claim(ctx, "j")
	require.ErrorIs(t, err, ErrJobExhausted)
	assert.True(t, IsSkippable(err))

	_, err = store.Claim(ctx, "missing")
	require.ErrorIs(t, err, ErrJobNotFound)
	require.ErrorIs(t, store.MarkSucceeded(ctx, "missing", Result{}), ErrJobNotFound)

	fetched, err := store.Get(ctx, "j")
	require.NoError(t, err)
	fetched.Metadata = map[string]any{"mutated": true}
	again, err := store.Get(ctx, "j")
	require.NoError(t, err)
	assert.Nil(t, again.Metadata)
}
