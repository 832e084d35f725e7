// Package storetest holds a behavioral suite every store.JobStore
// implementation must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/raphaelgruber/recap/internal/models"
	"github.com/raphaelgruber/recap/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.JobStore

func input() models.JobInput {
	return models.JobInput{Document: "Alice: hello.\nBob: hi there.", Mode: models.ModeConcise}
}

func chunks(n int) []models.Chunk {
	out := make([]models.Chunk, n)
	for i := range out {
		out[i] = models.Chunk{Index: i, Text: "chunk", Start: i * 5, End: i*5 + 5}
	}
	return out
}

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		job, err := s.Create(ctx, input())
		require.NoError(t, err)
		assert.NotEmpty(t, job.ID)
		assert.Equal(t, models.StatusPending, job.Status)
		assert.Nil(t, job.Error)
		assert.Empty(t, job.Result)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, input(), got.Input)
		assert.Equal(t, models.StatusPending, got.Status)

		_, err = s.Get(ctx, "does-not-exist")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("returned jobs are copies", func(t *testing.T) {
		s := newStore(t)
		job, err := s.Create(ctx, input())
		require.NoError(t, err)
		job.Status = models.StatusSucceeded

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)
	})

	t.Run("claim", func(t *testing.T) {
		s := newStore(t)
		job, err := s.Create(ctx, input())
		require.NoError(t, err)

		claimed, err := s.Claim(ctx, job.ID, "worker-1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRunning, claimed.Status)
		assert.Equal(t, models.StageChunking, claimed.Stage)
		assert.Equal(t, 1, claimed.Attempts)
		assert.Equal(t, "worker-1", claimed.Owner)

		require.NoError(t, s.UpdateStage(ctx, job.ID, "worker-1", models.StageMapping))
		require.NoError(t, s.Release(ctx, job.ID, "worker-1"))
		again, err := s.Claim(ctx, job.ID, "worker-2", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 2, again.Attempts)
		assert.Equal(t, models.StageMapping, again.Stage, "reclaiming keeps the checkpointed stage")
		assert.Equal(t, "worker-2", again.Owner)
	})

	t.Run("claim refuses a live owner", func(t *testing.T) {
		s := newStore(t)
		job, err := s.Create(ctx, input())
		require.NoError(t, err)
		_, err = s.Claim(ctx, job.ID, "worker-1", time.Minute)
		require.NoError(t, err)

		_, err = s.Claim(ctx, job.ID, "worker-2", time.Minute)
		assert.ErrorIs(t, err, store.ErrNotOwner)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "worker-1", got.Owner)
		assert.Equal(t, 1, got.Attempts, "a refused claim is not an attempt")

		// The same worker may claim again, e.g. after a redelivery.
		_, err = s.Claim(ctx, job.ID, "worker-1", time.Minute)
		assert.NoError(t, err)
	})

	t.Run("claim takes over an expired lease", func(t *testing.T) {
		s := newStore(t)
		job, err := s.Create(ctx, input())
		require.NoError(t, err)
		_, err = s.Claim(ctx, job.ID, "worker-1", time.Millisecond)
		require.NoError(t, err)
		require.NoError(t, s.SaveChunks(ctx, job.ID, "worker-1", chunks(2)))
		time.Sleep(5 * time.Millisecond)

		taken, err := s.Claim(ctx, job.ID, "worker-2", time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, "worker-2", taken.Owner)

		// The old owner's writes are fenced off.
		assert.ErrorIs(t, s.SavePartial(ctx, job.ID, "worker-1", 0, "stale", 1), store.ErrNotOwner)
		assert.ErrorIs(t, s.UpdateStage(ctx, job.ID, "worker-1", models.StageMapping), store.ErrNotOwner)
		assert.ErrorIs(t, s.Touch(ctx, job.ID, "worker-1"), store.ErrNotOwner)
		assert.ErrorIs(t, s.Release(ctx, job.ID, "worker-1"), store.ErrNotOwner)
		assert.ErrorIs(t, s.Fail(ctx, job.ID, "worker-1", models.JobError{Kind: models.ErrorKindInternal}), store.ErrNotOwner)

		require.NoError(t, s.UpdateStage(ctx, job.ID, "worker-2", models.StageMapping))
		assert.ErrorIs(t, s.Complete(ctx, job.ID, "worker-1", "stale", models.ResultMeta{}), store.ErrNotOwner)
		require.NoError(t, s.SavePartial(ctx, job.ID, "worker-2", 0, "fresh", 1))

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRunning, got.Status)
		assert.Equal(t, map[int]string{0: "fresh"}, got.PartialSummaries)
	})

	t.Run("release", func(t *testing.T) {
		s := newStore(t)
		job, err := s.Create(ctx, input())
		require.NoError(t, err)
		// Releasing an unclaimed job only refreshes it.
		require.NoError(t, s.Release(ctx, job.ID, ""))

		_, err = s.Claim(ctx, job.ID, "w", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.Release(ctx, job.ID, "w"))

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRunning, got.Status)
		assert.Empty(t, got.Owner)
		assert.ErrorIs(t, s.Release(ctx, "missing", "w"), store.ErrNotFound)
	})

	t.Run("checkpoints", func(t *testing.T) {
		s := newStore(t)
		job, err := s.Create(ctx, input())
		require.NoError(t, err)
		_, err = s.Claim(ctx, job.ID, "w", time.Minute)
		require.NoError(t, err)

		require.NoError(t, s.SaveChunks(ctx, job.ID, "w", chunks(3)))
		require.NoError(t, s.UpdateStage(ctx, job.ID, "w", models.StageMapping))
		require.NoError(t, s.SavePartial(ctx, job.ID, "w", 2, "third", 1))
		require.NoError(t, s.SavePartial(ctx, job.ID, "w", 0, "first", 2))
		// Replaying a checkpoint is harmless.
		require.NoError(t, s.SavePartial(ctx, job.ID, "w", 0, "first", 2))
		require.NoError(t, s.SavePartial(ctx, job.ID, "w", 1, "second", 1))

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Len(t, got.Chunks, 3)
		assert.Equal(t, map[int]string{0: "first", 1: "second", 2: "third"}, got.PartialSummaries)
		assert.Equal(t, 2, got.ChunkAttempts[0])
		ordered, ok := got.OrderedPartials()
		require.True(t, ok)
		assert.Equal(t, []string{"first", "second", "third"}, ordered)

		require.NoError(t, s.UpdateStage(ctx, job.ID, "w", models.StageReducing))
		require.NoError(t, s.SaveReduceLevel(ctx, job.ID, "w", 1, []string{"merged"}))
		got, err = s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.ReduceLevel)
		assert.Equal(t, []string{"merged"}, got.ReduceSummaries)

		meta := models.ResultMeta{OriginalLength: 100, SummaryLength: 6, ChunkCount: 3, ReduceLevels: 1}
		require.NoError(t, s.Complete(ctx, job.ID, "w", "merged", meta))
		require.NoError(t, s.Complete(ctx, job.ID, "w", "merged", meta), "completing twice with the same result is a no-op")

		got, err = s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSucceeded, got.Status)
		assert.Equal(t, "merged", got.Result)
		require.NotNil(t, got.ResultMeta)
		assert.Equal(t, 3, got.ResultMeta.ChunkCount)
		assert.NotNil(t, got.CompletedAt)
		assert.Nil(t, got.Error)
	})

	t.Run("forward only", func(t *testing.T) {
		s := newStore(t)
		job, err := s.Create(ctx, input())
		require.NoError(t, err)

		err = s.Complete(ctx, job.ID, "w", "too early", models.ResultMeta{})
		assert.ErrorIs(t, err, store.ErrInvalidTransition)

		_, err = s.Claim(ctx, job.ID, "w", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.UpdateStage(ctx, job.ID, "w", models.StageReducing))
		assert.ErrorIs(t, s.UpdateStage(ctx, job.ID, "w", models.StageMapping), store.ErrInvalidTransition)

		require.NoError(t, s.Complete(ctx, job.ID, "w", "done", models.ResultMeta{}))
		assert.ErrorIs(t, s.Fail(ctx, job.ID, "w", models.JobError{Kind: models.ErrorKindInternal}), store.ErrInvalidTransition)
		assert.ErrorIs(t, s.SavePartial(ctx, job.ID, "w", 0, "late", 1), store.ErrInvalidTransition)
		_, err = s.Claim(ctx, job.ID, "w", time.Minute)
		assert.ErrorIs(t, err, store.ErrInvalidTransition)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSucceeded, got.Status)
	})

	t.Run("fail records diagnosis", func(t *testing.T) {
		s := newStore(t)
		job, err := s.Create(ctx, input())
		require.NoError(t, err)
		_, err = s.Claim(ctx, job.ID, "w", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.UpdateStage(ctx, job.ID, "w", models.StageMapping))

		idx := 4
		require.NoError(t, s.Fail(ctx, job.ID, "w", models.JobError{
			Kind:       models.ErrorKindGeneration,
			Stage:      models.StageMapping,
			ChunkIndex: &idx,
			Message:    "timeout",
		}))

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, models.ErrorKindGeneration, got.Error.Kind)
		require.NotNil(t, got.Error.ChunkIndex)
		assert.Equal(t, 4, *got.Error.ChunkIndex)
		assert.Empty(t, got.Result)
	})

	t.Run("cancel", func(t *testing.T) {
		s := newStore(t)
		pending, err := s.Create(ctx, input())
		require.NoError(t, err)
		require.NoError(t, s.RequestCancel(ctx, pending.ID))

		got, err := s.Get(ctx, pending.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, models.ErrorKindCancelled, got.Error.Kind)

		running, err := s.Create(ctx, input())
		require.NoError(t, err)
		_, err = s.Claim(ctx, running.ID, "w", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.RequestCancel(ctx, running.ID))

		got, err = s.Get(ctx, running.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRunning, got.Status)
		assert.True(t, got.CancelRequested)

		assert.ErrorIs(t, s.RequestCancel(ctx, pending.ID), store.ErrInvalidTransition)
		assert.ErrorIs(t, s.RequestCancel(ctx, "missing"), store.ErrNotFound)
	})

	t.Run("stale and expired", func(t *testing.T) {
		s := newStore(t)
		active, err := s.Create(ctx, input())
		require.NoError(t, err)
		_, err = s.Claim(ctx, active.ID, "w", time.Minute)
		require.NoError(t, err)

		done, err := s.Create(ctx, input())
		require.NoError(t, err)
		_, err = s.Claim(ctx, done.ID, "w", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.UpdateStage(ctx, done.ID, "w", models.StageMapping))
		require.NoError(t, s.Complete(ctx, done.ID, "w", "summary", models.ResultMeta{}))

		stale, err := s.ListStale(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, active.ID, stale[0].ID)

		stale, err = s.ListStale(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Empty(t, stale)

		require.NoError(t, s.Touch(ctx, active.ID, "w"))

		n, err := s.DeleteExpired(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = s.Get(ctx, done.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.Get(ctx, active.ID)
		assert.NoError(t, err)
	})

	t.Run("list newest first", func(t *testing.T) {
		s := newStore(t)
		var ids []string
		for range 3 {
			job, err := s.Create(ctx, input())
			require.NoError(t, err)
			ids = append(ids, job.ID)
			time.Sleep(2 * time.Millisecond)
		}

		jobs, err := s.List(ctx, 2)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, ids[2], jobs[0].ID)
		assert.Equal(t, ids[1], jobs[1].ID)
	})
}
