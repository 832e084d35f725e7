package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raphaelgruber/recap/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedBackend returns errs in order, then succeeds with text.
type scriptedBackend struct {
	errs  []error
	text  string
	calls atomic.Int32
	delay time.Duration
	seen  CallOptions
}

func (b *scriptedBackend) Call(ctx context.Context, prompt string, opts CallOptions) (string, error) {
	n := int(b.calls.Add(1))
	b.seen = opts
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if n <= len(b.errs) {
		return "", b.errs[n-1]
	}
	return b.text, nil
}

func testConfig() ClientConfig {
	return ClientConfig{
		Timeout:        time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestGenerate_Success(t *testing.T) {
	b := &scriptedBackend{text: "a fine summary"}
	m := metrics.NewCollector()
	c := NewClient(b, testConfig(), m)

	res, err := c.Generate(context.Background(), "summarize this please", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "a fine summary", res.Text)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 5, res.InputTokens)
	require.NotNil(t, m.Snapshot().LLMGenerate)
}

func TestGenerate_RetriesTransientFailures(t *testing.T) {
	b := &scriptedBackend{
		errs: []error{errors.New("HTTP 503: unavailable"), errors.New("connection refused")},
		text: "ok",
	}
	m := metrics.NewCollector()
	c := NewClient(b, testConfig(), m)

	res, err := c.Generate(context.Background(), "p", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.EqualValues(t, 2, m.Snapshot().Counters[metrics.CounterGenerationRetries])
}

func TestGenerate_GivesUpAfterMaxAttempts(t *testing.T) {
	b := &scriptedBackend{errs: []error{
		errors.New("503"), errors.New("503"), errors.New("503"), errors.New("503"),
	}}
	c := NewClient(b, testConfig(), nil)

	_, err := c.Generate(context.Background(), "p", CallOptions{})
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, KindUnavailable, genErr.Kind)
	assert.Equal(t, 3, genErr.Attempts)
	assert.EqualValues(t, 3, b.calls.Load())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGenerate_InvalidRequestIsNotRetried(t *testing.T) {
	b := &scriptedBackend{errs: []error{errors.New("HTTP 400: prompt is too long")}}
	c := NewClient(b, testConfig(), nil)

	_, err := c.Generate(context.Background(), "p", CallOptions{})
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, KindInvalidRequest, genErr.Kind)
	assert.Equal(t, 1, genErr.Attempts)
	assert.EqualValues(t, 1, b.calls.Load())
}

func TestGenerate_PerCallTimeout(t *testing.T) {
	b := &scriptedBackend{delay: time.Second, text: "too late"}
	cfg := testConfig()
	cfg.Timeout = 10 * time.Millisecond
	cfg.MaxAttempts = 2
	c := NewClient(b, cfg, nil)

	_, err := c.Generate(context.Background(), "p", CallOptions{})
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, KindTimeout, genErr.Kind)
	assert.Equal(t, 2, genErr.Attempts)
}

func TestGenerate_ParentCancellation(t *testing.T) {
	b := &scriptedBackend{delay: time.Second}
	c := NewClient(b, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.Generate(ctx, "p", CallOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	var genErr *GenerationError
	assert.False(t, errors.As(err, &genErr), "cancellation is not a generation failure")
}

func TestGenerate_AppliesDefaults(t *testing.T) {
	b := &scriptedBackend{text: "ok"}
	temp := 0.1
	cfg := testConfig()
	cfg.Defaults = CallOptions{MaxTokens: 2048, Temperature: &temp}
	c := NewClient(b, cfg, nil)

	_, err := c.Generate(context.Background(), "p", CallOptions{MaxTokens: 100})
	require.NoError(t, err)
	assert.Equal(t, 100, b.seen.MaxTokens)
	require.NotNil(t, b.seen.Temperature)
	assert.InDelta(t, 0.1, *b.seen.Temperature, 1e-9)
}
