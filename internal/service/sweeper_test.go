package service

import (
	"context"
	"testing"
	"time"

	"github.com/raphaelgruber/recap/internal/metrics"
	"github.com/raphaelgruber/recap/internal/models"
	"github.com/raphaelgruber/recap/internal/queue"
	"github.com/raphaelgruber/recap/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sweeperFixture struct {
	store   *store.MemoryStore
	broker  *queue.ChannelBroker
	sweeper *Sweeper
	metrics *metrics.Collector
	now     time.Time
}

func newSweeperFixture(t *testing.T) *sweeperFixture {
	t.Helper()
	f := &sweeperFixture{
		store:   store.NewMemoryStore(),
		broker:  queue.NewChannelBroker(16),
		metrics: metrics.NewCollector(),
		now:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	t.Cleanup(func() { _ = f.broker.Close() })
	f.store.SetClock(func() time.Time { return f.now })
	f.sweeper = NewSweeper(f.store, f.broker, SweeperConfig{
		Interval:       time.Minute,
		StallTimeout:   10 * time.Minute,
		MaxJobAttempts: 3,
		JobTTL:         24 * time.Hour,
	}, f.metrics)
	f.sweeper.now = func() time.Time { return f.now }
	return f
}

func (f *sweeperFixture) create(t *testing.T, claims int) string {
	t.Helper()
	ctx := context.Background()
	job, err := f.store.Create(ctx, models.JobInput{Document: "text", Mode: models.ModeConcise})
	require.NoError(t, err)
	for range claims {
		_, err := f.store.Claim(ctx, job.ID, "w", time.Minute)
		require.NoError(t, err)
	}
	return job.ID
}

func TestSweep_RequeuesStaleJobs(t *testing.T) {
	ctx := context.Background()
	f := newSweeperFixture(t)
	pending := f.create(t, 0)
	running := f.create(t, 1)

	f.now = f.now.Add(11 * time.Minute)
	res, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Requeued)
	assert.Zero(t, res.Stalled)
	assert.Equal(t, 2, f.broker.Len())
	assert.Equal(t, int64(2), f.metrics.Snapshot().Counters[metrics.CounterJobsRequeued])

	for _, id := range []string{pending, running} {
		job, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, f.now, job.UpdatedAt, "requeued jobs are touched")
		assert.Empty(t, job.Owner, "the dead owner's hold is dropped")
	}

	// A fresh worker can take the job over without waiting out the lease.
	claimed, err := f.store.Claim(ctx, running, "w2", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, claimed.Attempts)

	// Touched jobs are not stale again right away.
	res, err = f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Requeued)
	assert.Equal(t, 2, f.broker.Len())
}

func TestSweep_LeavesFreshJobsAlone(t *testing.T) {
	f := newSweeperFixture(t)
	f.create(t, 1)

	f.now = f.now.Add(9 * time.Minute)
	res, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
	assert.Zero(t, f.broker.Len())
}

func TestSweep_FailsJobsOutOfAttempts(t *testing.T) {
	ctx := context.Background()
	f := newSweeperFixture(t)
	id := f.create(t, 3)
	require.NoError(t, f.store.UpdateStage(ctx, id, "w", models.StageMapping))

	f.now = f.now.Add(30 * time.Minute)
	res, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stalled)
	assert.Zero(t, res.Requeued)
	assert.Zero(t, f.broker.Len())

	job, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, models.ErrorKindStalled, job.Error.Kind)
	assert.Equal(t, models.StageMapping, job.Error.Stage)
	assert.Contains(t, job.Error.Message, "after 3 attempts")
}

func TestSweep_DeletesExpiredJobs(t *testing.T) {
	ctx := context.Background()
	f := newSweeperFixture(t)
	old := f.create(t, 1)
	require.NoError(t, f.store.UpdateStage(ctx, old, "w", models.StageMapping))
	require.NoError(t, f.store.Complete(ctx, old, "w", "summary", models.ResultMeta{}))

	f.now = f.now.Add(23 * time.Hour)
	recent := f.create(t, 0)
	require.NoError(t, f.store.RequestCancel(ctx, recent))

	f.now = f.now.Add(2 * time.Hour)
	res, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	_, err = f.store.Get(ctx, old)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.store.Get(ctx, recent)
	assert.NoError(t, err)
}

func TestStalledJobError(t *testing.T) {
	err := &StalledJobError{JobID: "j1", Attempts: 3, Idle: 90*time.Second + 400*time.Millisecond}
	assert.Equal(t, "job j1 stalled: no progress for 1m30s after 3 attempts", err.Error())
}
