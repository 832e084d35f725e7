// Package service implements the summarization pipeline: job submission,
// the map-reduce summarizer, the worker pool and stale-job recovery.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/raphaelgruber/recap/internal/metrics"
	"github.com/raphaelgruber/recap/internal/models"
	"github.com/raphaelgruber/recap/internal/parser"
	"github.com/raphaelgruber/recap/internal/queue"
	"github.com/raphaelgruber/recap/internal/store"
	"github.com/raphaelgruber/recap/internal/vector"
)

var (
	// ErrNotReady is returned by GetResult while a job is still running.
	ErrNotReady = errors.New("job result not ready")

	// ErrJobFailed is returned by GetResult for failed jobs. A failed job
	// has no result either, so it also matches ErrNotReady.
	ErrJobFailed error = jobFailedError{}
)

type jobFailedError struct{}

func (jobFailedError) Error() string { return "job failed" }

func (jobFailedError) Is(target error) bool { return target == ErrNotReady }

// InputError rejects a submission. No job is created.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string {
	return "invalid input: " + e.Reason
}

// StatusView is the externally visible state of a job.
type StatusView struct {
	ID              string           `json:"id"`
	Status          models.Status    `json:"status"`
	Stage           models.Stage     `json:"stage,omitempty"`
	Mode            models.Mode      `json:"mode"`
	Progress        int              `json:"progress"`
	ChunkCount      int              `json:"chunk_count"`
	ChunksDone      int              `json:"chunks_done"`
	ReduceLevel     int              `json:"reduce_level"`
	Attempts        int              `json:"attempts"`
	CancelRequested bool             `json:"cancel_requested,omitempty"`
	Error           *models.JobError `json:"error,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// NewStatusView projects a job onto its status view.
func NewStatusView(job *models.Job) StatusView {
	return StatusView{
		ID:              job.ID,
		Status:          job.Status,
		Stage:           job.Stage,
		Mode:            job.Input.Mode,
		Progress:        job.Progress(),
		ChunkCount:      len(job.Chunks),
		ChunksDone:      len(job.PartialSummaries),
		ReduceLevel:     job.ReduceLevel,
		Attempts:        job.Attempts,
		CancelRequested: job.CancelRequested,
		Error:           job.Error,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
		CompletedAt:     job.CompletedAt,
	}
}

// ResultView is the summary of a SUCCEEDED job.
type ResultView struct {
	ID          string            `json:"id"`
	Summary     string            `json:"summary"`
	Mode        models.Mode       `json:"mode"`
	Meta        models.ResultMeta `json:"meta"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// JobService accepts submissions and answers status queries. Processing
// happens in the Scheduler.
type JobService struct {
	store       store.JobStore
	broker      queue.Broker
	index       vector.Index
	maxDocument int
	metrics     *metrics.Collector
}

// NewJobService creates a job service. index may be nil, which disables
// Search. maxDocument caps the normalized document length in runes; zero
// means unlimited.
func NewJobService(s store.JobStore, b queue.Broker, index vector.Index, maxDocument int, m *metrics.Collector) *JobService {
	return &JobService{store: s, broker: b, index: index, maxDocument: maxDocument, metrics: m}
}

// Submit validates and persists a new job, then hands it to the workers.
// An empty mode selects concise. The job id is returned once the job is
// durably stored; a failed publish is logged and left to the sweeper.
func (s *JobService) Submit(ctx context.Context, document, mode string) (string, error) {
	doc := parser.Normalize(document)
	if doc == "" {
		return "", &InputError{Reason: "document is empty"}
	}
	if s.maxDocument > 0 {
		if n := utf8.RuneCountInString(doc); n > s.maxDocument {
			return "", &InputError{Reason: fmt.Sprintf("document has %d characters, limit is %d", n, s.maxDocument)}
		}
	}

	m := models.ModeConcise
	if mode != "" {
		var err error
		if m, err = models.ParseMode(mode); err != nil {
			return "", &InputError{Reason: err.Error()}
		}
	}

	job, err := s.store.Create(ctx, models.JobInput{Document: doc, Mode: m})
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	s.metrics.Inc(metrics.CounterJobsSubmitted, 1)

	if err := s.broker.Publish(ctx, job.ID); err != nil {
		slog.Warn("failed to publish job, sweeper will retry", "job_id", job.ID, "error", err)
	}

	slog.Info("job submitted", "job_id", job.ID, "mode", m, "length", utf8.RuneCountInString(doc))
	return job.ID, nil
}

// GetStatus returns the current state of a job.
func (s *JobService) GetStatus(ctx context.Context, id string) (StatusView, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	return NewStatusView(job), nil
}

// GetResult returns the summary of a SUCCEEDED job, ErrNotReady while it
// is PENDING or RUNNING, and an error wrapping ErrJobFailed otherwise.
func (s *JobService) GetResult(ctx context.Context, id string) (ResultView, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return ResultView{}, err
	}
	switch job.Status {
	case models.StatusSucceeded:
		view := ResultView{ID: job.ID, Summary: job.Result, Mode: job.Input.Mode, CompletedAt: job.CompletedAt}
		if job.ResultMeta != nil {
			view.Meta = *job.ResultMeta
		}
		return view, nil
	case models.StatusFailed:
		if job.Error != nil {
			return ResultView{}, fmt.Errorf("%w: %s", ErrJobFailed, job.Error.Error())
		}
		return ResultView{}, ErrJobFailed
	default:
		return ResultView{}, fmt.Errorf("job %s is %s: %w", id, job.Status, ErrNotReady)
	}
}

// Cancel requests cancellation. A PENDING job fails immediately; a RUNNING
// one at its next checkpoint.
func (s *JobService) Cancel(ctx context.Context, id string) (StatusView, error) {
	if err := s.store.RequestCancel(ctx, id); err != nil {
		return StatusView{}, err
	}
	slog.Info("job cancellation requested", "job_id", id)
	return s.GetStatus(ctx, id)
}

// List returns the most recent jobs first.
func (s *JobService) List(ctx context.Context, limit int) ([]StatusView, error) {
	jobs, err := s.store.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	views := make([]StatusView, len(jobs))
	for i, j := range jobs {
		views[i] = NewStatusView(j)
	}
	return views, nil
}
