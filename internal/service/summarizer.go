package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/raphaelgruber/recap/internal/config"
	"github.com/raphaelgruber/recap/internal/llm"
	"github.com/raphaelgruber/recap/internal/metrics"
	"github.com/raphaelgruber/recap/internal/models"
	"github.com/raphaelgruber/recap/internal/vector"
	"golang.org/x/sync/errgroup"
)

// Generator produces text for a prompt. *llm.Client implements it.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts llm.CallOptions) (llm.Result, error)
}

// MapError reports the chunk whose summary could not be generated.
type MapError struct {
	ChunkIndex int
	Err        error
}

func (e *MapError) Error() string {
	return fmt.Sprintf("map chunk %d: %v", e.ChunkIndex, e.Err)
}

func (e *MapError) Unwrap() error { return e.Err }

// ReduceError reports the merge that failed. Level is the level being
// produced, BatchIndex the batch within it.
type ReduceError struct {
	Level      int
	BatchIndex int
	Err        error
}

func (e *ReduceError) Error() string {
	return fmt.Sprintf("reduce level %d batch %d: %v", e.Level, e.BatchIndex, e.Err)
}

func (e *ReduceError) Unwrap() error { return e.Err }

// SummarizerConfig tunes the map and reduce phases.
type SummarizerConfig struct {
	// MapConcurrency bounds concurrent generations within one job.
	MapConcurrency int
	// FanIn is the number of summaries merged per reduce call.
	FanIn int
	// MergeBudget caps the rune length of a merge prompt. Zero disables
	// clipping.
	MergeBudget int
	// RetrievalK adds that many related past summaries to map prompts.
	RetrievalK int
}

// SummarizerConfigFrom derives the summarizer settings from the process config.
func SummarizerConfigFrom(cfg config.Config) SummarizerConfig {
	return SummarizerConfig{
		MapConcurrency: cfg.MapConcurrency,
		FanIn:          cfg.FanIn,
		MergeBudget:    cfg.ToRunes(cfg.MergeBudget),
		RetrievalK:     cfg.RetrievalK,
	}
}

// MapStep is one finished chunk summary.
type MapStep struct {
	ChunkIndex int
	Summary    string
	Attempts   int
}

// Summarizer runs the map and reduce phases of a job. It keeps no per-job
// state and is safe for concurrent use.
type Summarizer struct {
	gen     Generator
	index   vector.Index
	cfg     SummarizerConfig
	metrics *metrics.Collector
}

// NewSummarizer creates a summarizer. index may be nil, which disables
// retrieval of related summaries.
func NewSummarizer(gen Generator, index vector.Index, cfg SummarizerConfig, m *metrics.Collector) *Summarizer {
	if cfg.MapConcurrency <= 0 {
		cfg.MapConcurrency = 1
	}
	if cfg.FanIn < 2 {
		cfg.FanIn = 2
	}
	return &Summarizer{gen: gen, index: index, cfg: cfg, metrics: m}
}

// Map summarizes every chunk of job that has no partial summary yet and
// returns all partial summaries in chunk order. onStep is called once per
// new summary, possibly from several goroutines at once; an error from it
// stops the phase and is returned as is. Generation failures are returned
// as *MapError.
func (s *Summarizer) Map(ctx context.Context, job *models.Job, onStep func(MapStep) error) ([]string, error) {
	n := len(job.Chunks)
	if n == 0 {
		return nil, errors.New("map: job has no chunks")
	}

	summaries := make([]string, n)
	var pending []models.Chunk
	for _, c := range job.Chunks {
		if sum, ok := job.PartialSummaries[c.Index]; ok {
			summaries[c.Index] = sum
			continue
		}
		pending = append(pending, c)
	}
	if len(pending) == 0 {
		return summaries, nil
	}

	slog.Info("map phase started", "job_id", job.ID, "chunks", n, "pending", len(pending), "concurrency", s.cfg.MapConcurrency)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MapConcurrency)
	for _, c := range pending {
		g.Go(func() (err error) {
			defer recoverStep(&err)
			if err := gctx.Err(); err != nil {
				return err
			}

			done := s.metrics.Track(metrics.OpMapStep)
			var prompt string
			if n == 1 {
				prompt = wholePrompt(job.Input.Mode, c.Text)
			} else {
				prompt = mapPrompt(job.Input.Mode, c.Text, s.related(gctx, job.ID, c.Text))
			}
			res, err := s.gen.Generate(gctx, prompt, llm.CallOptions{})
			done()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return &MapError{ChunkIndex: c.Index, Err: err}
			}

			slog.Debug("chunk summarized", "job_id", job.ID, "chunk_index", c.Index, "attempts", res.Attempts, "duration_ms", res.Duration.Milliseconds())

			mu.Lock()
			summaries[c.Index] = res.Text
			mu.Unlock()

			if onStep != nil {
				return onStep(MapStep{ChunkIndex: c.Index, Summary: res.Text, Attempts: res.Attempts})
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summaries, nil
}

// related looks up past summaries similar to text. Lookup failures only
// cost context, so they are logged and ignored.
func (s *Summarizer) related(ctx context.Context, jobID, text string) []string {
	if s.index == nil || s.cfg.RetrievalK <= 0 {
		return nil
	}
	matches, err := s.index.SimilaritySearch(ctx, text, s.cfg.RetrievalK, vector.Filter{ExcludeJobID: jobID})
	if err != nil {
		slog.Warn("related summary lookup failed", "job_id", jobID, "error", err)
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.Text)
	}
	return out
}

// Reduce merges summaries level by level until one remains. summaries are
// the outputs of startLevel (0 for map outputs) in document order. Each
// level groups FanIn adjacent summaries per merge; a trailing single
// summary is carried up unchanged. onLevel is called after every level
// with its nodes and may stop the phase by returning an error. Reduce
// returns the final summary and the number of levels it produced.
func (s *Summarizer) Reduce(
	ctx context.Context,
	mode models.Mode,
	summaries []string,
	startLevel int,
	onLevel func(level int, nodes []models.ReduceNode) error,
) (string, int, error) {
	if len(summaries) == 0 {
		return "", 0, errors.New("reduce: no summaries")
	}

	level := startLevel
	current := summaries
	for len(current) > 1 {
		level++
		nodes, err := s.reduceLevel(ctx, mode, current, level)
		if err != nil {
			return "", level - startLevel, err
		}

		next := make([]string, len(nodes))
		for i, node := range nodes {
			next[i] = node.Output
		}
		slog.Info("reduce level complete", "level", level, "inputs", len(current), "outputs", len(next))

		if onLevel != nil {
			if err := onLevel(level, nodes); err != nil {
				return "", level - startLevel, err
			}
		}
		current = next
	}
	return current[0], level - startLevel, nil
}

// reduceLevel merges one level. Batches run concurrently up to
// MapConcurrency and all finish before the level is returned.
func (s *Summarizer) reduceLevel(ctx context.Context, mode models.Mode, inputs []string, level int) ([]models.ReduceNode, error) {
	k := s.cfg.FanIn
	nodes := make([]models.ReduceNode, (len(inputs)+k-1)/k)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MapConcurrency)
	for i := range nodes {
		batch := inputs[i*k : min((i+1)*k, len(inputs))]
		nodes[i] = models.ReduceNode{Level: level, Index: i, Inputs: batch}
		if len(batch) == 1 {
			nodes[i].Output = batch[0]
			continue
		}

		g.Go(func() (err error) {
			defer recoverStep(&err)
			if err := gctx.Err(); err != nil {
				return err
			}
			done := s.metrics.Track(metrics.OpReduceStep)
			start := time.Now()
			budget := 0
			if s.cfg.MergeBudget > 0 {
				budget = max(len(batch), s.cfg.MergeBudget-reduceOverhead(mode, len(batch)))
			}
			clipped := clipToBudget(batch, budget)
			if dropped := runeTotal(batch) - runeTotal(clipped); dropped > 0 {
				s.metrics.Inc(metrics.CounterMergeClipped, 1)
				slog.Warn("merge inputs clipped to budget", "level", level, "batch_index", i, "budget", budget, "dropped_runes", dropped)
			}
			prompt := reducePrompt(mode, clipped)
			res, err := s.gen.Generate(gctx, prompt, llm.CallOptions{})
			done()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return &ReduceError{Level: level, BatchIndex: i, Err: err}
			}
			slog.Debug("batch merged", "level", level, "batch_index", i, "inputs", len(batch), "duration_ms", time.Since(start).Milliseconds())
			nodes[i].Output = res.Text
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return nodes, nil
}

// recoverStep turns a panic inside a map or reduce goroutine into an error
// so it fails the job instead of the process.
func recoverStep(err *error) {
	if r := recover(); r != nil {
		slog.Error("summarizer step panicked", "panic", r, "stack", string(debug.Stack()))
		*err = &panicError{value: r}
	}
}

func runeTotal(texts []string) int {
	n := 0
	for _, t := range texts {
		n += utf8.RuneCountInString(t)
	}
	return n
}

// clipToBudget shortens inputs proportionally so their combined rune
// length fits budget. A non-positive budget leaves them untouched.
func clipToBudget(inputs []string, budget int) []string {
	if budget <= 0 {
		return inputs
	}
	lengths := make([]int, len(inputs))
	total := 0
	for i, in := range inputs {
		lengths[i] = len([]rune(in))
		total += lengths[i]
	}
	if total <= budget {
		return inputs
	}

	out := make([]string, len(inputs))
	for i, in := range inputs {
		keep := lengths[i] * budget / total
		out[i] = string([]rune(in)[:keep])
	}
	return out
}
