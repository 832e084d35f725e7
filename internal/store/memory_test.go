package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/recap/internal/models"
	"github.com/raphaelgruber/recap/internal/store"
	"github.com/raphaelgruber/recap/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.JobStore {
		return store.NewMemoryStore()
	})
}

func TestMemoryStoreConcurrentPartials(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	job, err := s.Create(ctx, models.JobInput{Document: "doc", Mode: models.ModeBullet})
	require.NoError(t, err)
	_, err = s.Claim(ctx, job.ID, "w", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.SaveChunks(ctx, job.ID, "w", make([]models.Chunk, 50)))

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.SavePartial(ctx, job.ID, "w", i, "s", 1))
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, got.PartialSummaries, 50)
}

func TestMemoryStoreClock(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })

	job, err := s.Create(ctx, models.JobInput{Document: "doc", Mode: models.ModeConcise})
	require.NoError(t, err)

	stale, err := s.ListStale(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, job.ID, stale[0].ID)

	s.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	require.NoError(t, s.Release(ctx, job.ID, ""))

	stale, err = s.ListStale(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestMemoryStoreLease(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	job, err := s.Create(ctx, models.JobInput{Document: "doc", Mode: models.ModeConcise})
	require.NoError(t, err)
	_, err = s.Claim(ctx, job.ID, "w1", 10*time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name    string
		advance time.Duration
		touch   bool
		wantErr error
	}{
		{"within lease", 9 * time.Minute, false, store.ErrNotOwner},
		{"heartbeat renews", 9 * time.Minute, true, store.ErrNotOwner},
		{"expired", 11 * time.Minute, false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.touch {
				require.NoError(t, s.Touch(ctx, job.ID, "w1"))
			}
			now = now.Add(tt.advance)
			_, err := s.Claim(ctx, job.ID, "w2", 10*time.Minute)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestHeld(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		job  models.Job
		want bool
	}{
		{"fresh owner", models.Job{Status: models.StatusRunning, Owner: "w", UpdatedAt: now.Add(-time.Minute)}, true},
		{"expired owner", models.Job{Status: models.StatusRunning, Owner: "w", UpdatedAt: now.Add(-time.Hour)}, false},
		{"released", models.Job{Status: models.StatusRunning, UpdatedAt: now}, false},
		{"pending", models.Job{Status: models.StatusPending, UpdatedAt: now}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, store.Held(&tt.job, now, 10*time.Minute))
		})
	}
}
