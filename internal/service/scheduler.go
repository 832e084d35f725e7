package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/raphaelgruber/recap/internal/config"
	"github.com/raphaelgruber/recap/internal/metrics"
	"github.com/raphaelgruber/recap/internal/models"
	"github.com/raphaelgruber/recap/internal/parser"
	"github.com/raphaelgruber/recap/internal/queue"
	"github.com/raphaelgruber/recap/internal/store"
	"github.com/raphaelgruber/recap/internal/vector"
)

// errCancelled stops a job whose cancellation was requested.
var errCancelled = errors.New("job cancelled")

// panicError carries a recovered worker panic.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("internal panic: %v", e.value)
}

// SchedulerConfig tunes the worker pool.
type SchedulerConfig struct {
	Workers int
	Chunk   parser.ChunkConfig
	// StoreRetryAttempts bounds attempts per store call on ErrUnavailable.
	StoreRetryAttempts int
	StoreRetryInitial  time.Duration
	StoreRetryMax      time.Duration
	// IndexSummaries adds finished summaries to the vector index.
	IndexSummaries bool
	// Lease is how long a claimed job stays reserved to its worker after
	// the worker's last write. Zero lets any worker take over at once.
	Lease time.Duration
	// Heartbeat is how often a worker refreshes the job it is running.
	// Defaults to a third of Lease.
	Heartbeat time.Duration
}

// SchedulerConfigFrom derives the scheduler settings from the process config.
func SchedulerConfigFrom(cfg config.Config) SchedulerConfig {
	return SchedulerConfig{
		Workers: cfg.Workers,
		Chunk: parser.ChunkConfig{
			MaxChunkSize:   cfg.ToRunes(cfg.ChunkSize),
			Overlap:        cfg.ToRunes(cfg.ChunkOverlap),
			BoundaryWindow: cfg.ToRunes(cfg.BoundaryWindow),
		},
		StoreRetryAttempts: cfg.StoreRetryAttempts,
		StoreRetryInitial:  200 * time.Millisecond,
		StoreRetryMax:      5 * time.Second,
		IndexSummaries:     cfg.IndexSummaries,
		Lease:              cfg.StallTimeout,
	}
}

// Scheduler runs a fixed pool of workers that take jobs from the broker
// and drive them through chunking, map and reduce to a terminal state.
type Scheduler struct {
	store      store.JobStore
	broker     queue.Broker
	summarizer *Summarizer
	index      vector.Index
	cfg        SchedulerConfig
	metrics    *metrics.Collector
	owner      string
}

// NewScheduler creates a scheduler. index may be nil.
func NewScheduler(s store.JobStore, b queue.Broker, sum *Summarizer, index vector.Index, cfg SchedulerConfig, m *metrics.Collector) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.StoreRetryAttempts <= 0 {
		cfg.StoreRetryAttempts = 1
	}
	if cfg.Heartbeat <= 0 && cfg.Lease > 0 {
		cfg.Heartbeat = cfg.Lease / 3
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return &Scheduler{
		store:      s,
		broker:     b,
		summarizer: sum,
		index:      index,
		cfg:        cfg,
		metrics:    m,
		owner:      host + "-" + uuid.New().String()[:8],
	}
}

// Owner returns the id this process records on the jobs it claims.
func (s *Scheduler) Owner() string {
	return s.owner
}

// Run starts the workers and blocks until ctx is done or the broker is
// closed. Jobs in flight at shutdown are returned to the broker and resume
// from their last checkpoint.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler started", "workers", s.cfg.Workers, "owner", s.owner)

	var wg sync.WaitGroup
	for i := range s.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx, fmt.Sprintf("%s/%d", s.owner, i))
		}()
	}
	wg.Wait()

	slog.Info("scheduler stopped", "owner", s.owner)
	return nil
}

func (s *Scheduler) worker(ctx context.Context, workerID string) {
	for {
		d, err := s.broker.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			slog.Error("consume failed", "worker", workerID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		s.handle(ctx, workerID, d)
	}
}

// handle processes one delivery and settles it with the broker.
func (s *Scheduler) handle(ctx context.Context, workerID string, d queue.Delivery) {
	err := s.Process(ctx, workerID, d.JobID)

	// Settle with a fresh context so shutdown does not strand the delivery.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err != nil {
		reason := err.Error()
		if ctx.Err() != nil {
			reason = "worker shutdown"
		}
		slog.Warn("returning job to broker", "job_id", d.JobID, "worker", workerID, "attempt", d.Attempt, "reason", reason)
		if nackErr := s.broker.Nack(settleCtx, d, reason); nackErr != nil {
			slog.Error("nack failed", "job_id", d.JobID, "error", nackErr)
		}
		return
	}
	if ackErr := s.broker.Ack(settleCtx, d); ackErr != nil {
		slog.Error("ack failed", "job_id", d.JobID, "error", ackErr)
	}
}

// Process claims the job and runs it to a terminal state. It returns an
// error only when the job could not be settled and should be delivered
// again: on shutdown or when the store stayed unavailable.
func (s *Scheduler) Process(ctx context.Context, workerID, jobID string) (err error) {
	var job *models.Job
	err = s.withStore(ctx, "claim", func() error {
		var claimErr error
		job, claimErr = s.store.Claim(ctx, jobID, workerID, s.cfg.Lease)
		return claimErr
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		slog.Warn("dropping delivery for unknown job", "job_id", jobID)
		return nil
	case errors.Is(err, store.ErrInvalidTransition):
		slog.Debug("dropping delivery for finished job", "job_id", jobID)
		return nil
	case errors.Is(err, store.ErrNotOwner):
		slog.Info("dropping delivery for job held by another worker", "job_id", jobID, "worker", workerID)
		return nil
	case err != nil:
		return fmt.Errorf("claim %s: %w", jobID, err)
	}

	log := slog.With("job_id", jobID, "worker", workerID)
	log.Info("job claimed", "attempt", job.Attempts, "stage", job.Stage)
	defer s.metrics.Track(metrics.OpJobRun)()
	start := time.Now()

	runCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	go s.heartbeat(runCtx, stop, log, jobID, workerID)

	runErr := func() (runErr error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("job panicked", "panic", r, "stack", string(debug.Stack()))
				runErr = &panicError{value: r}
			}
		}()
		if job.CancelRequested {
			return errCancelled
		}
		return s.run(runCtx, log, workerID, job, start)
	}()
	stop(nil)
	if runErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		log.Info("job interrupted by shutdown", "stage", job.Stage)
		s.release(ctx, log, jobID, workerID)
		return ctx.Err()
	}
	if errors.Is(runErr, store.ErrNotOwner) || errors.Is(context.Cause(runCtx), store.ErrNotOwner) {
		log.Warn("job taken over by another worker, stopping", "stage", job.Stage, "error", runErr)
		return nil
	}

	jobErr := describeFailure(job.Stage, runErr)
	failErr := s.withStore(ctx, "fail", func() error { return s.store.Fail(ctx, jobID, workerID, jobErr) })
	switch {
	case errors.Is(failErr, store.ErrInvalidTransition), errors.Is(failErr, store.ErrNotOwner):
		// Finished or taken over elsewhere in the meantime.
		return nil
	case failErr != nil:
		return fmt.Errorf("record failure of %s: %w", jobID, failErr)
	}
	s.metrics.Inc(metrics.CounterJobsFailed, 1)
	log.Error("job failed", "kind", jobErr.Kind, "stage", jobErr.Stage, "error", runErr, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// heartbeat refreshes the job every Heartbeat until ctx ends. Losing the
// job to another worker cancels ctx with the ErrNotOwner cause.
func (s *Scheduler) heartbeat(ctx context.Context, lost context.CancelCauseFunc, log *slog.Logger, jobID, workerID string) {
	if s.cfg.Heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := s.store.Touch(ctx, jobID, workerID)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrNotOwner):
			lost(err)
			return
		case errors.Is(err, store.ErrInvalidTransition), ctx.Err() != nil:
			return
		default:
			log.Warn("heartbeat failed", "error", err)
		}
	}
}

// release hands the job back on shutdown so the redelivery does not wait
// out the lease.
func (s *Scheduler) release(ctx context.Context, log *slog.Logger, jobID, workerID string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.Release(releaseCtx, jobID, workerID); err != nil {
		log.Debug("release failed", "error", err)
	}
}

// run drives a claimed job from its last checkpoint to SUCCEEDED. job is
// the working copy and is kept in step with every checkpoint written.
func (s *Scheduler) run(ctx context.Context, log *slog.Logger, owner string, job *models.Job, start time.Time) error {
	id := job.ID

	if len(job.Chunks) == 0 {
		chunks, err := parser.Split(job.Input.Document, s.cfg.Chunk)
		if err != nil {
			return err
		}
		if len(chunks) == 0 {
			return &InputError{Reason: "document is empty"}
		}
		if err := s.withStore(ctx, "save chunks", func() error { return s.store.SaveChunks(ctx, id, owner, chunks) }); err != nil {
			return err
		}
		job.Chunks = chunks
		log.Info("document chunked", "chunks", len(chunks))
	}
	if job.Stage == models.StageChunking {
		if err := s.advance(ctx, owner, job, models.StageMapping); err != nil {
			return err
		}
	}
	if err := s.checkCancel(ctx, id); err != nil {
		return err
	}

	summaries, startLevel := job.ReduceSummaries, job.ReduceLevel
	if len(summaries) == 0 {
		startLevel = 0
		var err error
		summaries, err = s.summarizer.Map(ctx, job, func(step MapStep) error {
			if err := s.withStore(ctx, "save partial", func() error {
				return s.store.SavePartial(ctx, id, owner, step.ChunkIndex, step.Summary, step.Attempts)
			}); err != nil {
				return err
			}
			return s.checkCancel(ctx, id)
		})
		if err != nil {
			return err
		}
	}

	if len(summaries) > 1 && job.Stage != models.StageReducing {
		if err := s.advance(ctx, owner, job, models.StageReducing); err != nil {
			return err
		}
	}

	final, levels, err := s.summarizer.Reduce(ctx, job.Input.Mode, summaries, startLevel, func(level int, nodes []models.ReduceNode) error {
		outputs := make([]string, len(nodes))
		for i, n := range nodes {
			outputs[i] = n.Output
		}
		if err := s.withStore(ctx, "save reduce level", func() error {
			return s.store.SaveReduceLevel(ctx, id, owner, level, outputs)
		}); err != nil {
			return err
		}
		job.ReduceLevel = level
		return s.checkCancel(ctx, id)
	})
	if err != nil {
		return err
	}

	original := utf8.RuneCountInString(job.Input.Document)
	summaryLen := utf8.RuneCountInString(final)
	meta := models.ResultMeta{
		OriginalLength: original,
		SummaryLength:  summaryLen,
		ChunkCount:     len(job.Chunks),
		ReduceLevels:   startLevel + levels,
		ProcessingMs:   time.Since(start).Milliseconds(),
	}
	if original > 0 {
		meta.CompressionRatio = float64(summaryLen) / float64(original)
	}

	if err := s.withStore(ctx, "complete", func() error { return s.store.Complete(ctx, id, owner, final, meta) }); err != nil {
		return err
	}
	s.metrics.Inc(metrics.CounterJobsSucceeded, 1)
	log.Info("job succeeded", "chunks", meta.ChunkCount, "reduce_levels", meta.ReduceLevels, "summary_length", summaryLen, "duration_ms", meta.ProcessingMs)

	s.indexSummary(ctx, log, job, final)
	return nil
}

func (s *Scheduler) advance(ctx context.Context, owner string, job *models.Job, stage models.Stage) error {
	if err := s.withStore(ctx, "update stage", func() error { return s.store.UpdateStage(ctx, job.ID, owner, stage) }); err != nil {
		return err
	}
	job.Stage = stage
	return nil
}

// checkCancel reports errCancelled once cancellation was requested.
func (s *Scheduler) checkCancel(ctx context.Context, id string) error {
	var job *models.Job
	if err := s.withStore(ctx, "get", func() error {
		var err error
		job, err = s.store.Get(ctx, id)
		return err
	}); err != nil {
		return err
	}
	if job.CancelRequested {
		return errCancelled
	}
	return nil
}

// indexSummary stores the result for similarity search. Failures are
// logged only; the job has already succeeded.
func (s *Scheduler) indexSummary(ctx context.Context, log *slog.Logger, job *models.Job, summary string) {
	if s.index == nil || !s.cfg.IndexSummaries {
		return
	}
	err := s.index.Index(ctx, vector.Document{
		ID:        job.ID,
		JobID:     job.ID,
		Text:      summary,
		Mode:      job.Input.Mode,
		CreatedAt: time.Now(),
	})
	if err != nil {
		log.Warn("failed to index summary", "error", err)
	}
}

// withStore runs fn, retrying with backoff while the store reports
// ErrUnavailable. Other errors are returned at once.
func (s *Scheduler) withStore(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	if s.cfg.StoreRetryInitial > 0 {
		b.InitialInterval = s.cfg.StoreRetryInitial
	}
	if s.cfg.StoreRetryMax > 0 {
		b.MaxInterval = s.cfg.StoreRetryMax
	}
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.StoreRetryAttempts-1)), ctx)

	return backoff.RetryNotify(func() error {
		done := s.metrics.Track(metrics.OpStoreOp)
		err := fn()
		done()
		if err == nil || store.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, wait time.Duration) {
		s.metrics.Inc(metrics.CounterStoreRetries, 1)
		slog.Warn("store unavailable, retrying", "op", op, "wait_ms", wait.Milliseconds(), "error", err)
	})
}

// describeFailure turns a run error into the persisted diagnosis.
func describeFailure(stage models.Stage, err error) models.JobError {
	jobErr := models.JobError{Kind: models.ErrorKindInternal, Stage: stage, Message: err.Error()}

	var (
		mapErr    *MapError
		reduceErr *ReduceError
		inputErr  *InputError
		panicErr  *panicError
	)
	switch {
	case errors.As(err, &mapErr):
		jobErr.Kind = models.ErrorKindGeneration
		jobErr.Stage = models.StageMapping
		idx := mapErr.ChunkIndex
		jobErr.ChunkIndex = &idx
	case errors.As(err, &reduceErr):
		jobErr.Kind = models.ErrorKindGeneration
		jobErr.Stage = models.StageReducing
		level, batch := reduceErr.Level, reduceErr.BatchIndex
		jobErr.ReduceLevel = &level
		jobErr.BatchIndex = &batch
	case errors.Is(err, errCancelled):
		jobErr.Kind = models.ErrorKindCancelled
		jobErr.Message = "cancelled by request"
	case errors.As(err, &inputErr):
		jobErr.Kind = models.ErrorKindInput
	case errors.Is(err, store.ErrUnavailable):
		jobErr.Kind = models.ErrorKindStore
	case errors.As(err, &panicErr):
		jobErr.Kind = models.ErrorKindInternal
	}
	return jobErr
}
