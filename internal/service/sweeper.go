package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/recap/internal/config"
	"github.com/raphaelgruber/recap/internal/metrics"
	"github.com/raphaelgruber/recap/internal/models"
	"github.com/raphaelgruber/recap/internal/queue"
	"github.com/raphaelgruber/recap/internal/store"
)

// StalledJobError describes a job that kept going stale until it ran out
// of attempts.
type StalledJobError struct {
	JobID    string
	Attempts int
	Idle     time.Duration
}

func (e *StalledJobError) Error() string {
	return fmt.Sprintf("job %s stalled: no progress for %s after %d attempts", e.JobID, e.Idle.Round(time.Second), e.Attempts)
}

// SweeperConfig tunes stale-job recovery.
type SweeperConfig struct {
	Interval       time.Duration
	StallTimeout   time.Duration
	MaxJobAttempts int
	// JobTTL is how long finished jobs are kept. Zero keeps them forever.
	JobTTL time.Duration
}

// SweeperConfigFrom derives the sweeper settings from the process config.
func SweeperConfigFrom(cfg config.Config) SweeperConfig {
	return SweeperConfig{
		Interval:       cfg.SweepInterval,
		StallTimeout:   cfg.StallTimeout,
		MaxJobAttempts: cfg.MaxJobAttempts,
		JobTTL:         cfg.JobTTL,
	}
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Requeued  int
	Stalled   int
	Expired   int
	Reclaimed int
}

// Sweeper finds jobs that stopped making progress, re-publishes them or
// fails them once they used up their attempts, and deletes expired jobs.
type Sweeper struct {
	store   store.JobStore
	broker  queue.Broker
	cfg     SweeperConfig
	metrics *metrics.Collector
	now     func() time.Time
}

// NewSweeper creates a sweeper.
func NewSweeper(s store.JobStore, b queue.Broker, cfg SweeperConfig, m *metrics.Collector) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxJobAttempts <= 0 {
		cfg.MaxJobAttempts = 1
	}
	return &Sweeper{store: s, broker: b, cfg: cfg, metrics: m, now: time.Now}
}

// Run sweeps once immediately and then every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			slog.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs one recovery pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()

	stale, err := s.store.ListStale(ctx, now.Add(-s.cfg.StallTimeout))
	if err != nil {
		return res, fmt.Errorf("list stale jobs: %w", err)
	}

	var errs []error
	for _, job := range stale {
		if job.Attempts >= s.cfg.MaxJobAttempts {
			failed, err := s.failStalled(ctx, job, now)
			if err != nil {
				errs = append(errs, err)
			}
			if failed {
				res.Stalled++
			}
			continue
		}

		// Releasing drops the dead owner's hold and refreshes the job, so
		// the next sweep does not pick it up again before a worker had a
		// chance to.
		err := s.store.Release(ctx, job.ID, job.Owner)
		if errors.Is(err, store.ErrNotOwner) || errors.Is(err, store.ErrInvalidTransition) {
			slog.Debug("stale job moved on before requeue", "job_id", job.ID, "error", err)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", job.ID, err))
			continue
		}
		if err := s.broker.Publish(ctx, job.ID); err != nil {
			errs = append(errs, fmt.Errorf("republish %s: %w", job.ID, err))
			continue
		}
		s.metrics.Inc(metrics.CounterJobsRequeued, 1)
		slog.Info("stale job requeued", "job_id", job.ID, "status", job.Status, "stage", job.Stage, "attempts", job.Attempts, "idle", now.Sub(job.UpdatedAt).Round(time.Second))
		res.Requeued++
	}

	if s.cfg.JobTTL > 0 {
		n, err := s.store.DeleteExpired(ctx, now.Add(-s.cfg.JobTTL))
		if err != nil {
			errs = append(errs, fmt.Errorf("delete expired jobs: %w", err))
		} else if n > 0 {
			slog.Info("expired jobs deleted", "count", n)
		}
		res.Expired = n
	}

	if r, ok := s.broker.(queue.Reclaimer); ok {
		n, err := r.Reclaim(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("reclaim deliveries: %w", err))
		}
		res.Reclaimed = n
	}

	return res, errors.Join(errs...)
}

// failStalled fails the job unless it finished or changed hands since it
// was listed.
func (s *Sweeper) failStalled(ctx context.Context, job *models.Job, now time.Time) (bool, error) {
	stalled := &StalledJobError{JobID: job.ID, Attempts: job.Attempts, Idle: now.Sub(job.UpdatedAt)}
	err := s.store.Fail(ctx, job.ID, job.Owner, models.JobError{
		Kind:    models.ErrorKindStalled,
		Stage:   job.Stage,
		Message: stalled.Error(),
	})
	if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotOwner) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fail stalled job %s: %w", job.ID, err)
	}
	s.metrics.Inc(metrics.CounterJobsFailed, 1)
	slog.Warn("stalled job failed", "job_id", job.ID, "attempts", job.Attempts, "stage", job.Stage)
	return true, nil
}
