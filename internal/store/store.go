// Package store defines the durable job store contract and an in-memory
// implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/raphaelgruber/recap/internal/models"
)

// Sentinel errors. Use errors.Is to check for them.
var (
	// ErrNotFound indicates no job with the given id exists.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition indicates a write that would move a job backwards
	// or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid job transition")

	// ErrUnavailable wraps transient backend failures. Callers may retry.
	ErrUnavailable = errors.New("job store unavailable")

	// ErrNotOwner indicates the job is held by another worker, or the
	// caller's claim was taken over or released.
	ErrNotOwner = errors.New("job is owned by another worker")
)

// JobStore persists jobs and their checkpoints. Every write is atomic per
// job and idempotent, so replaying a checkpoint after a crash is harmless.
//
// Writes made on behalf of a worker carry its owner id and fail with
// ErrNotOwner once the job is no longer held by that worker.
type JobStore interface {
	// Create persists a new PENDING job before returning it.
	Create(ctx context.Context, input models.JobInput) (*models.Job, error)
	Get(ctx context.Context, id string) (*models.Job, error)
	// List returns the most recently created jobs first.
	List(ctx context.Context, limit int) ([]*models.Job, error)

	// Claim moves a PENDING or RUNNING job to RUNNING under owner and
	// counts the pickup in Attempts. A RUNNING job whose owner wrote within
	// lease is refused with ErrNotOwner.
	Claim(ctx context.Context, id, owner string, lease time.Duration) (*models.Job, error)
	UpdateStage(ctx context.Context, id, owner string, stage models.Stage) error
	SaveChunks(ctx context.Context, id, owner string, chunks []models.Chunk) error
	SavePartial(ctx context.Context, id, owner string, index int, summary string, attempts int) error
	SaveReduceLevel(ctx context.Context, id, owner string, level int, summaries []string) error
	Complete(ctx context.Context, id, owner, result string, meta models.ResultMeta) error
	// Fail records jobErr. An empty owner matches an unclaimed job.
	Fail(ctx context.Context, id, owner string, jobErr models.JobError) error
	// Release gives up owner's hold so the job can be claimed again.
	Release(ctx context.Context, id, owner string) error

	// RequestCancel flags a job for cancellation. PENDING jobs fail at once
	// with kind cancelled; RUNNING jobs fail at their next checkpoint.
	RequestCancel(ctx context.Context, id string) error
	// Touch refreshes UpdatedAt of a job held by owner without changing
	// state.
	Touch(ctx context.Context, id, owner string) error
	// ListStale returns non-terminal jobs not updated since olderThan.
	ListStale(ctx context.Context, olderThan time.Time) ([]*models.Job, error)
	// DeleteExpired removes terminal jobs completed before the cutoff.
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
