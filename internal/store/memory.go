package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/recap/internal/models"
)

var _ JobStore = (*MemoryStore)(nil)

// MemoryStore keeps jobs in process memory. Callers always receive copies.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
	now  func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*models.Job),
		now:  time.Now,
	}
}

// SetClock replaces the time source (for testing).
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Create(_ context.Context, input models.JobInput) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	job := &models.Job{
		ID:        uuid.New().String(),
		Status:    models.StatusPending,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.jobs[job.ID] = job
	return job.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return job.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j.Clone())
	}
	slices.SortFunc(jobs, func(a, b *models.Job) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// update applies fn to the stored job under the write lock and stamps
// UpdatedAt when fn succeeds.
func (s *MemoryStore) update(id string, fn func(*models.Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	// Work on a copy so a rejected write leaves no trace.
	next := job.Clone()
	if err := fn(next); err != nil {
		return err
	}
	next.UpdatedAt = s.now()
	s.jobs[id] = next
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, id, owner string, lease time.Duration) (*models.Job, error) {
	var claimed *models.Job
	err := s.update(id, func(job *models.Job) error {
		now := s.now()
		if err := ApplyClaim(job, owner, now, lease); err != nil {
			return err
		}
		job.UpdatedAt = now
		claimed = job.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *MemoryStore) UpdateStage(_ context.Context, id, owner string, stage models.Stage) error {
	return s.update(id, func(job *models.Job) error { return ApplyStage(job, owner, stage) })
}

func (s *MemoryStore) SaveChunks(_ context.Context, id, owner string, chunks []models.Chunk) error {
	return s.update(id, func(job *models.Job) error { return ApplyChunks(job, owner, chunks) })
}

func (s *MemoryStore) SavePartial(_ context.Context, id, owner string, index int, summary string, attempts int) error {
	return s.update(id, func(job *models.Job) error { return ApplyPartial(job, owner, index, summary, attempts) })
}

func (s *MemoryStore) SaveReduceLevel(_ context.Context, id, owner string, level int, summaries []string) error {
	return s.update(id, func(job *models.Job) error { return ApplyReduceLevel(job, owner, level, summaries) })
}

func (s *MemoryStore) Complete(_ context.Context, id, owner, result string, meta models.ResultMeta) error {
	return s.update(id, func(job *models.Job) error { return ApplyComplete(job, owner, result, meta, s.now()) })
}

func (s *MemoryStore) Fail(_ context.Context, id, owner string, jobErr models.JobError) error {
	return s.update(id, func(job *models.Job) error { return ApplyFail(job, owner, jobErr, s.now()) })
}

func (s *MemoryStore) Release(_ context.Context, id, owner string) error {
	return s.update(id, func(job *models.Job) error { return ApplyRelease(job, owner) })
}

func (s *MemoryStore) RequestCancel(_ context.Context, id string) error {
	return s.update(id, func(job *models.Job) error { return ApplyCancel(job, s.now()) })
}

func (s *MemoryStore) Touch(_ context.Context, id, owner string) error {
	return s.update(id, func(job *models.Job) error { return ApplyTouch(job, owner) })
}

func (s *MemoryStore) ListStale(_ context.Context, olderThan time.Time) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []*models.Job
	for _, j := range s.jobs {
		if !j.Status.IsTerminal() && j.UpdatedAt.Before(olderThan) {
			stale = append(stale, j.Clone())
		}
	}
	slices.SortFunc(stale, func(a, b *models.Job) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	return stale, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, j := range s.jobs {
		if j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(before) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}
