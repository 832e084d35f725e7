package store

import (
	"fmt"
	"time"

	"github.com/raphaelgruber/recap/internal/models"
)

// The Apply functions hold the transition rules shared by every JobStore
// implementation. Each one mutates job in place or returns an error and
// leaves the caller to discard the copy.

func requireActive(job *models.Job) error {
	if job.Status.IsTerminal() {
		return fmt.Errorf("job %s is %s: %w", job.ID, job.Status, ErrInvalidTransition)
	}
	return nil
}

func requireOwner(job *models.Job, owner string) error {
	if job.Owner != owner {
		return fmt.Errorf("job %s held by %q, not %q: %w", job.ID, job.Owner, owner, ErrNotOwner)
	}
	return nil
}

// Held reports whether job is RUNNING under an owner that wrote within
// lease of now.
func Held(job *models.Job, now time.Time, lease time.Duration) bool {
	return job.Status == models.StatusRunning && job.Owner != "" &&
		lease > 0 && now.Sub(job.UpdatedAt) < lease
}

// ApplyClaim moves a PENDING job to RUNNING/chunking and records the pickup.
// A job held by another live owner is refused.
func ApplyClaim(job *models.Job, owner string, now time.Time, lease time.Duration) error {
	if err := requireActive(job); err != nil {
		return err
	}
	if job.Owner != owner && Held(job, now, lease) {
		return fmt.Errorf("claim %s: held by %q: %w", job.ID, job.Owner, ErrNotOwner)
	}
	if job.Status == models.StatusPending {
		job.Status = models.StatusRunning
		job.Stage = models.StageChunking
	}
	job.Attempts++
	job.Owner = owner
	return nil
}

// ApplyRelease clears owner's hold on an active job.
func ApplyRelease(job *models.Job, owner string) error {
	if err := requireActive(job); err != nil {
		return err
	}
	if err := requireOwner(job, owner); err != nil {
		return err
	}
	job.Owner = ""
	return nil
}

// ApplyTouch checks that owner still holds the job. The store stamps
// UpdatedAt.
func ApplyTouch(job *models.Job, owner string) error {
	if err := requireActive(job); err != nil {
		return err
	}
	return requireOwner(job, owner)
}

// ApplyStage advances a RUNNING job to stage.
func ApplyStage(job *models.Job, owner string, stage models.Stage) error {
	if job.Status != models.StatusRunning || !models.CanTransition(job.Status, job.Stage, models.StatusRunning, stage) {
		return fmt.Errorf("stage %s -> %s: %w", job.Stage, stage, ErrInvalidTransition)
	}
	if err := requireOwner(job, owner); err != nil {
		return err
	}
	job.Stage = stage
	return nil
}

// ApplyChunks records the chunk list.
func ApplyChunks(job *models.Job, owner string, chunks []models.Chunk) error {
	if err := ApplyTouch(job, owner); err != nil {
		return err
	}
	job.Chunks = append([]models.Chunk(nil), chunks...)
	if job.PartialSummaries == nil {
		job.PartialSummaries = make(map[int]string)
	}
	if job.ChunkAttempts == nil {
		job.ChunkAttempts = make(map[int]int)
	}
	return nil
}

// ApplyPartial records the summary of one chunk.
func ApplyPartial(job *models.Job, owner string, index int, summary string, attempts int) error {
	if err := ApplyTouch(job, owner); err != nil {
		return err
	}
	if index < 0 || index >= len(job.Chunks) {
		return fmt.Errorf("partial for chunk %d of %d", index, len(job.Chunks))
	}
	if job.PartialSummaries == nil {
		job.PartialSummaries = make(map[int]string)
	}
	if job.ChunkAttempts == nil {
		job.ChunkAttempts = make(map[int]int)
	}
	job.PartialSummaries[index] = summary
	job.ChunkAttempts[index] = attempts
	return nil
}

// ApplyReduceLevel records the completed summaries of a reduce level.
func ApplyReduceLevel(job *models.Job, owner string, level int, summaries []string) error {
	if err := ApplyTouch(job, owner); err != nil {
		return err
	}
	job.ReduceLevel = level
	job.ReduceSummaries = append([]string(nil), summaries...)
	return nil
}

// ApplyComplete marks the job SUCCEEDED. Completing again with the same
// result is a no-op.
func ApplyComplete(job *models.Job, owner, result string, meta models.ResultMeta, now time.Time) error {
	if job.Status == models.StatusSucceeded && job.Result == result {
		return nil
	}
	if !models.CanTransition(job.Status, job.Stage, models.StatusSucceeded, models.StageNone) {
		return fmt.Errorf("complete %s job: %w", job.Status, ErrInvalidTransition)
	}
	if err := requireOwner(job, owner); err != nil {
		return err
	}
	job.Status = models.StatusSucceeded
	job.Result = result
	job.ResultMeta = &meta
	job.Error = nil
	job.Owner = ""
	job.CompletedAt = &now
	return nil
}

// ApplyFail marks the job FAILED. Failing a FAILED job keeps the first
// diagnosis.
func ApplyFail(job *models.Job, owner string, jobErr models.JobError, now time.Time) error {
	if job.Status == models.StatusFailed {
		return nil
	}
	if !models.CanTransition(job.Status, job.Stage, models.StatusFailed, job.Stage) {
		return fmt.Errorf("fail %s job: %w", job.Status, ErrInvalidTransition)
	}
	if err := requireOwner(job, owner); err != nil {
		return err
	}
	job.Status = models.StatusFailed
	job.Error = &jobErr
	job.Result = ""
	job.Owner = ""
	job.CompletedAt = &now
	return nil
}

// ApplyCancel flags the job. A job nobody has picked up yet fails right
// away; a running one fails at its next checkpoint.
func ApplyCancel(job *models.Job, now time.Time) error {
	if err := requireActive(job); err != nil {
		return err
	}
	job.CancelRequested = true
	if job.Status == models.StatusPending {
		job.Status = models.StatusFailed
		job.Error = &models.JobError{Kind: models.ErrorKindCancelled, Message: "cancelled before processing started"}
		job.CompletedAt = &now
	}
	return nil
}
