// Package models defines the data structures shared by the recap pipeline.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Status is the coarse lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Stage is the substate of a RUNNING job.
type Stage string

const (
	StageNone     Stage = ""
	StageChunking Stage = "chunking"
	StageMapping  Stage = "mapping"
	StageReducing Stage = "reducing"
)

func (s Stage) rank() int {
	switch s {
	case StageChunking:
		return 1
	case StageMapping:
		return 2
	case StageReducing:
		return 3
	default:
		return 0
	}
}

// CanTransition reports whether a job may move from (fromStatus, fromStage)
// to (toStatus, toStage). Jobs only ever move forward.
func CanTransition(fromStatus Status, fromStage Stage, toStatus Status, toStage Stage) bool {
	switch fromStatus {
	case StatusPending:
		return toStatus == StatusPending || toStatus == StatusRunning || toStatus == StatusFailed
	case StatusRunning:
		switch toStatus {
		case StatusRunning:
			return toStage.rank() >= fromStage.rank()
		case StatusSucceeded:
			return fromStage == StageMapping || fromStage == StageReducing
		case StatusFailed:
			return true
		}
		return false
	default:
		return false
	}
}

// Mode selects the summary style.
type Mode string

const (
	ModeConcise  Mode = "concise"
	ModeDetailed Mode = "detailed"
	ModeBullet   Mode = "bullet"
)

// Modes lists the supported modes in display order.
var Modes = []Mode{ModeConcise, ModeDetailed, ModeBullet}

// ParseMode resolves a mode name. The names brief, comprehensive and
// key_points are accepted as aliases.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "concise", "brief":
		return ModeConcise, nil
	case "detailed", "comprehensive":
		return ModeDetailed, nil
	case "bullet", "bullets", "key_points":
		return ModeBullet, nil
	default:
		return "", fmt.Errorf("unsupported mode %q", s)
	}
}

// JobInput is the normalized submission.
type JobInput struct {
	Document string `json:"document"`
	Mode     Mode   `json:"mode"`
}

// ErrorKind classifies why a job failed.
type ErrorKind string

const (
	ErrorKindInput      ErrorKind = "input"
	ErrorKindGeneration ErrorKind = "generation"
	ErrorKindStore      ErrorKind = "store"
	ErrorKindStalled    ErrorKind = "stalled"
	ErrorKindCancelled  ErrorKind = "cancelled"
	ErrorKindInternal   ErrorKind = "internal"
)

// JobError is the persisted diagnosis of a failed job. ChunkIndex is set for
// map failures, ReduceLevel and BatchIndex for reduce failures.
type JobError struct {
	Kind        ErrorKind `json:"kind"`
	Stage       Stage     `json:"stage,omitempty"`
	ChunkIndex  *int      `json:"chunk_index,omitempty"`
	ReduceLevel *int      `json:"reduce_level,omitempty"`
	BatchIndex  *int      `json:"batch_index,omitempty"`
	Message     string    `json:"message"`
}

func (e *JobError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Stage != StageNone {
		b.WriteString(" during " + string(e.Stage))
	}
	if e.ChunkIndex != nil {
		fmt.Fprintf(&b, " (chunk %d)", *e.ChunkIndex)
	}
	if e.ReduceLevel != nil && e.BatchIndex != nil {
		fmt.Fprintf(&b, " (level %d, batch %d)", *e.ReduceLevel, *e.BatchIndex)
	}
	b.WriteString(": " + e.Message)
	return b.String()
}

// ResultMeta describes a successful summary.
type ResultMeta struct {
	OriginalLength   int     `json:"original_length"`
	SummaryLength    int     `json:"summary_length"`
	CompressionRatio float64 `json:"compression_ratio"`
	ChunkCount       int     `json:"chunk_count"`
	ReduceLevels     int     `json:"reduce_levels"`
	ProcessingMs     int64   `json:"processing_ms"`
}

// Job is one summarization request and everything checkpointed for it.
type Job struct {
	ID     string   `json:"id"`
	Status Status   `json:"status"`
	Stage  Stage    `json:"stage,omitempty"`
	Input  JobInput `json:"input"`

	Chunks           []Chunk        `json:"chunks,omitempty"`
	PartialSummaries map[int]string `json:"partial_summaries,omitempty"`
	ChunkAttempts    map[int]int    `json:"chunk_attempts,omitempty"`
	ReduceLevel      int            `json:"reduce_level"`
	ReduceSummaries  []string       `json:"reduce_summaries,omitempty"`

	Result     string      `json:"result,omitempty"`
	ResultMeta *ResultMeta `json:"result_meta,omitempty"`
	Error      *JobError   `json:"error,omitempty"`

	Attempts        int    `json:"attempts"`
	CancelRequested bool   `json:"cancel_requested"`
	Owner           string `json:"owner,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Progress estimates completion in percent from the checkpointed state.
func (j *Job) Progress() int {
	switch j.Status {
	case StatusPending:
		return 0
	case StatusSucceeded:
		return 100
	case StatusFailed:
		return 100
	}

	switch j.Stage {
	case StageChunking:
		return 5
	case StageMapping:
		if len(j.Chunks) == 0 {
			return 10
		}
		return 10 + 70*len(j.PartialSummaries)/len(j.Chunks)
	case StageReducing:
		return min(95, 80+5*(j.ReduceLevel+1))
	}
	return 0
}

// Clone returns a deep copy so callers can never alias store state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Chunks != nil {
		c.Chunks = append([]Chunk(nil), j.Chunks...)
	}
	if j.PartialSummaries != nil {
		c.PartialSummaries = make(map[int]string, len(j.PartialSummaries))
		for k, v := range j.PartialSummaries {
			c.PartialSummaries[k] = v
		}
	}
	if j.ChunkAttempts != nil {
		c.ChunkAttempts = make(map[int]int, len(j.ChunkAttempts))
		for k, v := range j.ChunkAttempts {
			c.ChunkAttempts[k] = v
		}
	}
	if j.ReduceSummaries != nil {
		c.ReduceSummaries = append([]string(nil), j.ReduceSummaries...)
	}
	if j.ResultMeta != nil {
		meta := *j.ResultMeta
		c.ResultMeta = &meta
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// OrderedPartials returns the partial summaries in chunk order. ok is false
// when any chunk is still missing its summary.
func (j *Job) OrderedPartials() (out []string, ok bool) {
	out = make([]string, len(j.Chunks))
	for i := range j.Chunks {
		s, found := j.PartialSummaries[i]
		if !found {
			return nil, false
		}
		out[i] = s
	}
	return out, true
}
