package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/laboro/internal/common"
	"github.com/ternarybob/laboro/internal/interfaces"
	"github.com/ternarybob/laboro/internal/models"
	"github.com/ternarybob/laboro/internal/storage/badger"
)

func newSweepHarness(t *testing.T) (interfaces.SchedulerService, interfaces.JobStorage) {
	t.Helper()
	logger := arbor.NewLogger()

	manager, err := badger.NewManager(logger, &common.DatabaseConfig{URL: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	store := manager.JobStorage()
	return NewService(store, nil, logger), store
}

func addJob(t *testing.T, store interfaces.JobStorage) *models.Job {
	t.Helper()
	job := models.NewJob("u", "", json.RawMessage(`{"id":"bar"}`), 600, 24*time.Hour)
	require.NoError(t, store.Add(context.Background(), job))
	return job
}

func TestSweepRemovesExpiredJobs(t *testing.T) {
	service, store := newSweepHarness(t)
	ctx := context.Background()

	first := addJob(t, store)
	second := addJob(t, store)
	third := addJob(t, store)

	expired := common.Now().Add(-time.Hour)
	require.NoError(t, store.UpdateDestruction(ctx, first.JobID, expired))
	require.NoError(t, store.UpdateDestruction(ctx, third.JobID, expired))

	removed, err := service.SweepNow()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = store.Get(ctx, first.JobID)
	var svcErr *models.JobServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, models.ErrorCodeUnknownJob, svcErr.Code)

	_, err = store.Get(ctx, second.JobID)
	assert.NoError(t, err)

	_, err = store.Get(ctx, third.JobID)
	require.ErrorAs(t, err, &svcErr)
}

func TestSweepWithNothingExpired(t *testing.T) {
	service, store := newSweepHarness(t)

	addJob(t, store)

	removed, err := service.SweepNow()
	require.NoError(t, err)
	assert.Zero(t, removed)

	_, err = store.Get(context.Background(), "1")
	assert.NoError(t, err)
}

func TestStartAndStop(t *testing.T) {
	service, _ := newSweepHarness(t)

	require.NoError(t, service.Start("@every 1h"))
	assert.True(t, service.IsRunning())

	err := service.Start("@every 1h")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	require.NoError(t, service.Stop())
	assert.False(t, service.IsRunning())

	// Stopping twice is harmless
	assert.NoError(t, service.Stop())
}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	service, _ := newSweepHarness(t)

	err := service.Start("not a schedule")
	require.Error(t, err)
	assert.False(t, service.IsRunning())
}
