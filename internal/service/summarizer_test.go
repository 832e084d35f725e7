package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/raphaelgruber/recap/internal/config"
	"github.com/raphaelgruber/recap/internal/llm"
	"github.com/raphaelgruber/recap/internal/metrics"
	"github.com/raphaelgruber/recap/internal/models"
	"github.com/raphaelgruber/recap/internal/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_PreservesChunkOrder(t *testing.T) {
	gen := &fakeGenerator{fn: shuffled(echoTokens)}
	s := NewSummarizer(gen, nil, SummarizerConfig{MapConcurrency: 8, FanIn: 3}, nil)
	job := jobWithChunks(12)

	var mu sync.Mutex
	var steps []int
	summaries, err := s.Map(context.Background(), job, func(step MapStep) error {
		mu.Lock()
		steps = append(steps, step.ChunkIndex)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, tokens(12), summaries)
	assert.Len(t, steps, 12)

	final, _, err := s.Reduce(context.Background(), models.ModeConcise, summaries, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, strings.Join(tokens(12), " "), final)
}

func TestMap_SkipsCheckpointedChunks(t *testing.T) {
	gen := &fakeGenerator{fn: echoTokens}
	s := NewSummarizer(gen, nil, SummarizerConfig{MapConcurrency: 2, FanIn: 4}, nil)
	job := jobWithChunks(4)
	job.PartialSummaries = map[int]string{0: "saved-0", 2: "saved-2"}

	summaries, err := s.Map(context.Background(), job, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"saved-0", "chunk-01", "saved-2", "chunk-03"}, summaries)
	assert.Equal(t, int32(2), gen.calls.Load())
}

func TestMap_FailureCarriesChunkIndex(t *testing.T) {
	gen := &fakeGenerator{fn: func(ctx context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "chunk-02") {
			return "", &llm.GenerationError{Kind: llm.KindTimeout, Attempts: 3, Err: llm.ErrTimeout}
		}
		return echoTokens(ctx, prompt)
	}}
	s := NewSummarizer(gen, nil, SummarizerConfig{MapConcurrency: 1, FanIn: 4}, nil)

	_, err := s.Map(context.Background(), jobWithChunks(5), nil)
	var mapErr *MapError
	require.ErrorAs(t, err, &mapErr)
	assert.Equal(t, 2, mapErr.ChunkIndex)
	assert.ErrorIs(t, err, llm.ErrTimeout)
}

func TestMap_StepErrorStopsPhase(t *testing.T) {
	gen := &fakeGenerator{fn: echoTokens}
	s := NewSummarizer(gen, nil, SummarizerConfig{MapConcurrency: 1, FanIn: 4}, nil)
	stop := errors.New("stop")

	_, err := s.Map(context.Background(), jobWithChunks(6), func(MapStep) error { return stop })
	assert.ErrorIs(t, err, stop)
	assert.Less(t, gen.calls.Load(), int32(6))
}

func TestMap_SingleChunkUsesWholeDocumentPrompt(t *testing.T) {
	gen := &fakeGenerator{fn: func(context.Context, string) (string, error) { return "the summary", nil }}
	s := NewSummarizer(gen, nil, SummarizerConfig{MapConcurrency: 1, FanIn: 4}, nil)

	summaries, err := s.Map(context.Background(), jobWithChunks(1), nil)
	require.NoError(t, err)
	require.Len(t, gen.recorded(), 1)
	assert.Contains(t, gen.recorded()[0], "Transcript:")

	final, levels, err := s.Reduce(context.Background(), models.ModeConcise, summaries, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "the summary", final)
	assert.Zero(t, levels)
	assert.Equal(t, int32(1), gen.calls.Load())
}

func TestReduce_LevelCount(t *testing.T) {
	tests := []struct {
		n, fanIn   int
		wantLevels int
		wantCalls  int32
	}{
		{n: 1, fanIn: 4, wantLevels: 0, wantCalls: 0},
		{n: 2, fanIn: 2, wantLevels: 1, wantCalls: 1},
		{n: 3, fanIn: 4, wantLevels: 1, wantCalls: 1},
		{n: 4, fanIn: 4, wantLevels: 1, wantCalls: 1},
		{n: 5, fanIn: 4, wantLevels: 2, wantCalls: 2},
		{n: 10, fanIn: 3, wantLevels: 3, wantCalls: 5},
		{n: 16, fanIn: 4, wantLevels: 2, wantCalls: 5},
		{n: 17, fanIn: 4, wantLevels: 3, wantCalls: 6},
	}

	for _, tt := range tests {
		gen := &fakeGenerator{fn: echoTokens}
		s := NewSummarizer(gen, nil, SummarizerConfig{MapConcurrency: 4, FanIn: tt.fanIn}, nil)

		var seen []int
		final, levels, err := s.Reduce(context.Background(), models.ModeDetailed, tokens(tt.n), 0, func(level int, nodes []models.ReduceNode) error {
			seen = append(seen, level)
			for i, n := range nodes {
				assert.Equal(t, level, n.Level)
				assert.Equal(t, i, n.Index)
				assert.LessOrEqual(t, len(n.Inputs), tt.fanIn)
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, tt.wantLevels, levels, "n=%d k=%d", tt.n, tt.fanIn)
		assert.Equal(t, tt.wantCalls, gen.calls.Load(), "n=%d k=%d", tt.n, tt.fanIn)
		assert.Len(t, seen, tt.wantLevels)
		assert.Equal(t, strings.Join(tokens(tt.n), " "), final)
	}
}

func TestReduce_ResumesAtLevel(t *testing.T) {
	gen := &fakeGenerator{fn: echoTokens}
	s := NewSummarizer(gen, nil, SummarizerConfig{MapConcurrency: 2, FanIn: 4}, nil)

	var levels []int
	final, n, err := s.Reduce(context.Background(), models.ModeConcise, tokens(2), 2, func(level int, _ []models.ReduceNode) error {
		levels = append(levels, level)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "chunk-00 chunk-01", final)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int{3}, levels)
}

func TestReduce_RespectsMergeBudget(t *testing.T) {
	gen := &fakeGenerator{fn: func(context.Context, string) (string, error) {
		return strings.Repeat("x", 400), nil
	}}
	const budget = 600
	s := NewSummarizer(gen, nil, SummarizerConfig{MapConcurrency: 2, FanIn: 4, MergeBudget: budget}, nil)

	inputs := make([]string, 8)
	for i := range inputs {
		inputs[i] = strings.Repeat("y", 1000)
	}
	_, _, err := s.Reduce(context.Background(), models.ModeConcise, inputs, 0, nil)
	require.NoError(t, err)

	for _, p := range gen.recorded() {
		assert.LessOrEqual(t, len([]rune(p)), budget)
	}
}

func TestReduce_CountsClippedMerges(t *testing.T) {
	gen := &fakeGenerator{fn: func(context.Context, string) (string, error) { return "ok", nil }}
	m := metrics.NewCollector()
	s := NewSummarizer(gen, nil, SummarizerConfig{MapConcurrency: 1, FanIn: 2, MergeBudget: 600}, m)

	inputs := []string{strings.Repeat("y", 1000), strings.Repeat("z", 1000), "short", "also short"}
	_, _, err := s.Reduce(context.Background(), models.ModeConcise, inputs, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Snapshot().Counters[metrics.CounterMergeClipped])
}

func TestReduce_DefaultConfigKeepsFullSummaries(t *testing.T) {
	cfg := config.Defaults()
	gen := &fakeGenerator{fn: func(context.Context, string) (string, error) { return "merged", nil }}
	m := metrics.NewCollector()
	s := NewSummarizer(gen, nil, SummarizerConfigFrom(cfg), m)

	// FanIn summaries, each as long as the model may answer.
	full := cfg.MaxTokens * 4
	inputs := make([]string, cfg.FanIn)
	for i := range inputs {
		inputs[i] = strings.Repeat("w", full-1) + fmt.Sprintf("%d", i)
	}
	final, n, err := s.Reduce(context.Background(), models.ModeDetailed, inputs, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "merged", final)
	assert.Equal(t, 1, n)

	prompts := gen.recorded()
	require.Len(t, prompts, 1)
	for _, in := range inputs {
		assert.Contains(t, prompts[0], in, "no summary is cut short")
	}
	assert.Zero(t, m.Snapshot().Counters[metrics.CounterMergeClipped])
}

func TestReduce_FailureCarriesBatch(t *testing.T) {
	gen := &fakeGenerator{fn: func(ctx context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "chunk-04") {
			return "", &llm.GenerationError{Kind: llm.KindUnavailable, Attempts: 3, Err: llm.ErrUnavailable}
		}
		return echoTokens(ctx, prompt)
	}}
	s := NewSummarizer(gen, nil, SummarizerConfig{MapConcurrency: 1, FanIn: 2}, nil)

	_, _, err := s.Reduce(context.Background(), models.ModeConcise, tokens(6), 0, nil)
	var reduceErr *ReduceError
	require.ErrorAs(t, err, &reduceErr)
	assert.Equal(t, 1, reduceErr.Level)
	assert.Equal(t, 2, reduceErr.BatchIndex)
}

func TestReduce_Empty(t *testing.T) {
	s := NewSummarizer(&fakeGenerator{fn: echoTokens}, nil, SummarizerConfig{}, nil)
	_, _, err := s.Reduce(context.Background(), models.ModeConcise, nil, 0, nil)
	assert.Error(t, err)
}

func TestClipToBudget(t *testing.T) {
	in := []string{strings.Repeat("a", 300), strings.Repeat("b", 100)}

	assert.Equal(t, in, clipToBudget(in, 0))
	assert.Equal(t, in, clipToBudget(in, 400))

	out := clipToBudget(in, 200)
	assert.Len(t, out[0], 150)
	assert.Len(t, out[1], 50)
}

type staticIndex struct{ texts []string }

func (s staticIndex) Index(context.Context, vector.Document) error { return nil }
func (s staticIndex) Remove(context.Context, string) error         { return nil }
func (s staticIndex) SimilaritySearch(_ context.Context, _ string, k int, f vector.Filter) ([]vector.Match, error) {
	var out []vector.Match
	for i, t := range s.texts {
		if i == k {
			break
		}
		out = append(out, vector.Match{Document: vector.Document{ID: t, JobID: "other", Text: t}})
	}
	return out, nil
}

func TestMap_AddsRelatedSummaries(t *testing.T) {
	gen := &fakeGenerator{fn: echoTokens}
	idx := staticIndex{texts: []string{"Earlier meeting\nabout budgets", "unused"}}
	s := NewSummarizer(gen, idx, SummarizerConfig{MapConcurrency: 1, FanIn: 4, RetrievalK: 1}, nil)

	_, err := s.Map(context.Background(), jobWithChunks(2), nil)
	require.NoError(t, err)
	for _, p := range gen.recorded() {
		assert.Contains(t, p, "- Earlier meeting about budgets")
		assert.NotContains(t, p, "unused")
	}
}

func TestPromptsPerMode(t *testing.T) {
	for _, mode := range models.Modes {
		assert.Contains(t, wholePrompt(mode, "TEXT"), "TEXT")
		assert.Contains(t, mapPrompt(mode, "TEXT", nil), "TEXT")
		p := reducePrompt(mode, []string{"<first>", "<second>"})
		assert.Less(t, strings.Index(p, "<first>"), strings.Index(p, "<second>"))
		assert.Equal(t, len([]rune(p))-len("<first><second>"), reduceOverhead(mode, 2))
	}
	assert.Equal(t, wholePrompt(models.ModeConcise, "x"), wholePrompt("unknown", "x"))
}
