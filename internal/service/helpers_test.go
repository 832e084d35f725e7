package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raphaelgruber/recap/internal/llm"
	"github.com/raphaelgruber/recap/internal/models"
)

// fakeGenerator answers prompts with fn and records every call.
type fakeGenerator struct {
	fn      func(ctx context.Context, prompt string) (string, error)
	calls   atomic.Int32
	mu      sync.Mutex
	prompts []string
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string, _ llm.CallOptions) (llm.Result, error) {
	g.calls.Add(1)
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()

	text, err := g.fn(ctx, prompt)
	if err != nil {
		return llm.Result{}, err
	}
	return llm.Result{Text: text, Attempts: 1}, nil
}

func (g *fakeGenerator) recorded() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

var tokenPattern = regexp.MustCompile(`chunk-\d+`)

// echoTokens returns every chunk-NN token of the prompt in order, so the
// final summary spells out the order in which chunks were merged.
func echoTokens(_ context.Context, prompt string) (string, error) {
	return strings.Join(tokenPattern.FindAllString(prompt, -1), " "), nil
}

// shuffled wraps fn with a random delay so map steps finish out of order.
func shuffled(fn func(context.Context, string) (string, error)) func(context.Context, string) (string, error) {
	return func(ctx context.Context, prompt string) (string, error) {
		select {
		case <-time.After(time.Duration(rand.IntN(5)) * time.Millisecond):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return fn(ctx, prompt)
	}
}

func isReducePrompt(prompt string) bool {
	return strings.Contains(prompt, "Section Summaries:") || strings.Contains(prompt, "Key Points from Sections:")
}

func tokens(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("chunk-%02d", i)
	}
	return out
}

func jobWithChunks(n int) *models.Job {
	job := &models.Job{ID: "job-1", Status: models.StatusRunning, Stage: models.StageMapping, Input: models.JobInput{Mode: models.ModeConcise}}
	for i, tok := range tokens(n) {
		job.Chunks = append(job.Chunks, models.Chunk{Index: i, Text: tok})
	}
	return job
}

// transcript builds count sentences of exactly 100 runes each.
func transcript(count int) string {
	var b strings.Builder
	for i := range count {
		b.WriteString(fmt.Sprintf("line %03d ", i))
		b.WriteString(strings.Repeat("a", 89))
		b.WriteString(". ")
	}
	return b.String()
}
