package actions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaper_Sweep_DeletesExpiredTerminalItems(t *testing.T) {
	repo := newMockRepository()
	sub := repo.seedChain()
	action := repo.seedAction(sub.EndpointID, "test", `{}`)

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	expired := repo.seedItem(sub, action, 3)
	fresh := repo.seedItem(sub, action, 3)
	failed := repo.seedItem(sub, action, 3)

	repo.mu.Lock()
	repo.items[expired.ID].Status = StatusCompleted
	repo.items[expired.ID].CompletedAt = &old
	repo.items[fresh.ID].Status = StatusCompleted
	repo.items[fresh.ID].CompletedAt = &recent
	repo.items[failed.ID].Status = StatusFailed
	repo.items[failed.ID].CompletedAt = &old
	repo.mu.Unlock()

	r := NewReaper(ReaperConfig{
		CompletedRetention: 24 * time.Hour,
		FailedRetention:    7 * 24 * time.Hour,
		ProcessingGrace:    5 * time.Minute,
	}, repo)
	r.Sweep(context.Background())

	stats, err := repo.QueueStats(context.Background())
	require.NoError(t, err)

	// Expired completed item deleted; fresh one and the failed item (still
	// inside its longer retention) kept.
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestReaper_Sweep_RecoversStuckProcessing(t *testing.T) {
	repo := newMockRepository()
	sub := repo.seedChain()
	action := repo.seedAction(sub.EndpointID, "test", `{}`)

	stuck := repo.seedItem(sub, action, 3)
	active := repo.seedItem(sub, action, 3)

	longAgo := time.Now().Add(-time.Hour)
	justNow := time.Now()

	repo.mu.Lock()
	repo.items[stuck.ID].Status = StatusProcessing
	repo.items[stuck.ID].ClaimedAt = &longAgo
	repo.items[active.ID].Status = StatusProcessing
	repo.items[active.ID].ClaimedAt = &justNow
	repo.mu.Unlock()

	r := NewReaper(ReaperConfig{
		CompletedRetention: 24 * time.Hour,
		FailedRetention:    7 * 24 * time.Hour,
		ProcessingGrace:    5 * time.Minute,
	}, repo)
	r.Sweep(context.Background())

	assert.Equal(t, StatusPending, repo.item(stuck.ID).Status, "stale claim returns to the pool")
	assert.Equal(t, StatusProcessing, repo.item(active.ID).Status, "active claim untouched")
}

func TestDefaultReaperConfig(t *testing.T) {
	config := DefaultReaperConfig()

	assert.Equal(t, 1*time.Hour, config.Interval)
	assert.Equal(t, 24*time.Hour, config.CompletedRetention)
	assert.Equal(t, 7*24*time.Hour, config.FailedRetention)
	assert.Equal(t, 5*time.Minute, config.ProcessingGrace)
}
