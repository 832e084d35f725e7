package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/recap/internal/models"
	"github.com/raphaelgruber/recap/internal/store"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

var _ store.JobStore = (*JobStore)(nil)

// maxConflictRetries bounds re-reads after a lost version race.
const maxConflictRetries = 5

// jobRecord is the stored shape of a job. Partial summaries are kept as a
// list because SurrealDB objects only have string keys.
type jobRecord struct {
	ID              *surrealmodels.RecordID `json:"id,omitempty"`
	Version         int                     `json:"version"`
	Status          models.Status           `json:"status"`
	Stage           models.Stage            `json:"stage"`
	Document        string                  `json:"document"`
	Mode            models.Mode             `json:"mode"`
	Chunks          []models.Chunk          `json:"chunks"`
	Partials        []partialRecord         `json:"partials"`
	ReduceLevel     int                     `json:"reduce_level"`
	ReduceSummaries []string                `json:"reduce_summaries"`
	Result          string                  `json:"result"`
	ResultMeta      *models.ResultMeta      `json:"result_meta,omitempty"`
	Error           *models.JobError        `json:"error,omitempty"`
	Attempts        int                     `json:"attempts"`
	CancelRequested bool                    `json:"cancel_requested"`
	Owner           string                  `json:"owner"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
	CompletedAt     *time.Time              `json:"completed_at,omitempty"`
}

type partialRecord struct {
	Index    int    `json:"index"`
	Summary  string `json:"summary"`
	Attempts int    `json:"attempts"`
}

func toRecord(job *models.Job, version int) jobRecord {
	rec := jobRecord{
		Version:         version,
		Status:          job.Status,
		Stage:           job.Stage,
		Document:        job.Input.Document,
		Mode:            job.Input.Mode,
		Chunks:          job.Chunks,
		ReduceLevel:     job.ReduceLevel,
		ReduceSummaries: job.ReduceSummaries,
		Result:          job.Result,
		ResultMeta:      job.ResultMeta,
		Error:           job.Error,
		Attempts:        job.Attempts,
		CancelRequested: job.CancelRequested,
		Owner:           job.Owner,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
		CompletedAt:     job.CompletedAt,
	}
	if rec.Chunks == nil {
		rec.Chunks = []models.Chunk{}
	}
	if rec.ReduceSummaries == nil {
		rec.ReduceSummaries = []string{}
	}
	rec.Partials = make([]partialRecord, 0, len(job.PartialSummaries))
	for idx, summary := range job.PartialSummaries {
		rec.Partials = append(rec.Partials, partialRecord{Index: idx, Summary: summary, Attempts: job.ChunkAttempts[idx]})
	}
	sort.Slice(rec.Partials, func(i, j int) bool { return rec.Partials[i].Index < rec.Partials[j].Index })
	return rec
}

func (r jobRecord) toJob() (*models.Job, error) {
	if r.ID == nil {
		return nil, errors.New("job record without id")
	}
	id, err := models.RecordIDString(*r.ID)
	if err != nil {
		return nil, err
	}
	job := &models.Job{
		ID:              id,
		Status:          r.Status,
		Stage:           r.Stage,
		Input:           models.JobInput{Document: r.Document, Mode: r.Mode},
		Chunks:          r.Chunks,
		ReduceLevel:     r.ReduceLevel,
		ReduceSummaries: r.ReduceSummaries,
		Result:          r.Result,
		ResultMeta:      r.ResultMeta,
		Error:           r.Error,
		Attempts:        r.Attempts,
		CancelRequested: r.CancelRequested,
		Owner:           r.Owner,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		CompletedAt:     r.CompletedAt,
	}
	if len(r.Chunks) > 0 || len(r.Partials) > 0 {
		job.PartialSummaries = make(map[int]string, len(r.Partials))
		job.ChunkAttempts = make(map[int]int, len(r.Partials))
	}
	for _, p := range r.Partials {
		job.PartialSummaries[p.Index] = p.Summary
		job.ChunkAttempts[p.Index] = p.Attempts
	}
	return job, nil
}

func toJobs(recs []jobRecord) ([]*models.Job, error) {
	jobs := make([]*models.Job, 0, len(recs))
	for _, r := range recs {
		job, err := r.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// JobStore implements store.JobStore on the job table. Writes are
// read-modify-write cycles guarded by the record's version field.
type JobStore struct {
	client *Client
	now    func() time.Time
}

// NewJobStore creates a job store on an initialized client.
func NewJobStore(client *Client) *JobStore {
	return &JobStore{client: client, now: func() time.Time { return time.Now().UTC() }}
}

func (s *JobStore) Create(ctx context.Context, input models.JobInput) (*models.Job, error) {
	now := s.now()
	job := &models.Job{
		ID:        uuid.New().String(),
		Status:    models.StatusPending,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}

	results, err := surrealdb.Query[[]jobRecord](ctx, s.client.db, `
		CREATE type::record("job", $id) CONTENT $doc RETURN AFTER
	`, map[string]any{"id": job.ID, "doc": toRecord(job, 1)})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("create job: no result returned")
	}
	return (*results)[0].Result[0].toJob()
}

func (s *JobStore) load(ctx context.Context, id string) (jobRecord, error) {
	results, err := surrealdb.Query[[]jobRecord](ctx, s.client.db, `
		SELECT * FROM type::record("job", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return jobRecord{}, fmt.Errorf("get job %s: %w", id, wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return jobRecord{}, fmt.Errorf("get %s: %w", id, store.ErrNotFound)
	}
	return (*results)[0].Result[0], nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.toJob()
}

func (s *JobStore) List(ctx context.Context, limit int) ([]*models.Job, error) {
	sql := `SELECT * FROM job ORDER BY created_at DESC`
	vars := map[string]any{}
	if limit > 0 {
		sql += ` LIMIT $limit`
		vars["limit"] = limit
	}
	results, err := surrealdb.Query[[]jobRecord](ctx, s.client.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return []*models.Job{}, nil
	}
	return toJobs((*results)[0].Result)
}

// update loads the job, applies fn and writes it back if nobody else wrote
// in between. Lost races are retried with a fresh read.
func (s *JobStore) update(ctx context.Context, id string, fn func(*models.Job) error) error {
	for range maxConflictRetries {
		rec, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		job, err := rec.toJob()
		if err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
		job.UpdatedAt = s.now()

		err = s.write(ctx, id, rec.Version, job)
		if errors.Is(err, errVersionConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("update %s: %w: %w", id, store.ErrUnavailable, errVersionConflict)
}

func (s *JobStore) write(ctx context.Context, id string, version int, job *models.Job) error {
	results, err := surrealdb.Query[[]jobRecord](ctx, s.client.db, `
		UPDATE type::record("job", $id) CONTENT $doc WHERE version = $version RETURN AFTER
	`, map[string]any{
		"id":      id,
		"version": version,
		"doc":     toRecord(job, version+1),
	})
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return errVersionConflict
	}
	return nil
}

func (s *JobStore) Claim(ctx context.Context, id, owner string, lease time.Duration) (*models.Job, error) {
	var claimed *models.Job
	err := s.update(ctx, id, func(job *models.Job) error {
		if err := store.ApplyClaim(job, owner, s.now(), lease); err != nil {
			return err
		}
		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed.Clone(), nil
}

func (s *JobStore) UpdateStage(ctx context.Context, id, owner string, stage models.Stage) error {
	return s.update(ctx, id, func(job *models.Job) error { return store.ApplyStage(job, owner, stage) })
}

func (s *JobStore) SaveChunks(ctx context.Context, id, owner string, chunks []models.Chunk) error {
	return s.update(ctx, id, func(job *models.Job) error { return store.ApplyChunks(job, owner, chunks) })
}

func (s *JobStore) SavePartial(ctx context.Context, id, owner string, index int, summary string, attempts int) error {
	return s.update(ctx, id, func(job *models.Job) error {
		return store.ApplyPartial(job, owner, index, summary, attempts)
	})
}

func (s *JobStore) SaveReduceLevel(ctx context.Context, id, owner string, level int, summaries []string) error {
	return s.update(ctx, id, func(job *models.Job) error {
		return store.ApplyReduceLevel(job, owner, level, summaries)
	})
}

func (s *JobStore) Complete(ctx context.Context, id, owner, result string, meta models.ResultMeta) error {
	return s.update(ctx, id, func(job *models.Job) error {
		return store.ApplyComplete(job, owner, result, meta, s.now())
	})
}

func (s *JobStore) Fail(ctx context.Context, id, owner string, jobErr models.JobError) error {
	return s.update(ctx, id, func(job *models.Job) error { return store.ApplyFail(job, owner, jobErr, s.now()) })
}

func (s *JobStore) Release(ctx context.Context, id, owner string) error {
	return s.update(ctx, id, func(job *models.Job) error { return store.ApplyRelease(job, owner) })
}

func (s *JobStore) RequestCancel(ctx context.Context, id string) error {
	return s.update(ctx, id, func(job *models.Job) error { return store.ApplyCancel(job, s.now()) })
}

// Touch goes through the versioned write so a heartbeat racing a takeover
// cannot refresh a job it no longer holds.
func (s *JobStore) Touch(ctx context.Context, id, owner string) error {
	return s.update(ctx, id, func(job *models.Job) error { return store.ApplyTouch(job, owner) })
}

func (s *JobStore) ListStale(ctx context.Context, olderThan time.Time) ([]*models.Job, error) {
	results, err := surrealdb.Query[[]jobRecord](ctx, s.client.db, `
		SELECT * FROM job
		WHERE status IN [$pending, $running] AND updated_at < $before
		ORDER BY updated_at ASC
	`, map[string]any{
		"pending": models.StatusPending,
		"running": models.StatusRunning,
		"before":  olderThan.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}
	return toJobs((*results)[0].Result)
}

// DeleteExpired removes terminal jobs completed before the cutoff. Indexed
// summaries are kept.
func (s *JobStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	results, err := surrealdb.Query[[]jobRecord](ctx, s.client.db, `
		DELETE job
		WHERE status IN [$succeeded, $failed] AND completed_at < $before
		RETURN BEFORE
	`, map[string]any{
		"succeeded": models.StatusSucceeded,
		"failed":    models.StatusFailed,
		"before":    before.UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired jobs: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return 0, nil
	}
	return len((*results)[0].Result), nil
}
