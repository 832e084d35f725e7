// Package llm provides the text-generation and embedding services used by
// the summarization pipeline.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/raphaelgruber/recap/internal/config"
	"github.com/raphaelgruber/recap/internal/metrics"
)

// Backend performs a single generation call.
type Backend interface {
	Call(ctx context.Context, prompt string, opts CallOptions) (string, error)
}

// CallOptions tune one generation. Zero values fall back to the client
// defaults.
type CallOptions struct {
	MaxTokens   int
	Temperature *float64
}

// Result is a successful generation.
type Result struct {
	Text         string
	Attempts     int
	Duration     time.Duration
	InputTokens  int
	OutputTokens int
}

// ClientConfig controls timeouts and retries.
type ClientConfig struct {
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Defaults       CallOptions
	// CountTokens estimates prompt and output sizes for metrics.
	// Nil uses a four-characters-per-token estimate.
	CountTokens func(string) int
}

// ClientConfigFrom derives the client settings from the process config.
func ClientConfigFrom(cfg config.Config) ClientConfig {
	temp := cfg.Temperature
	return ClientConfig{
		Timeout:        cfg.GenerationTimeout,
		MaxAttempts:    cfg.MaxGenerationAttempts,
		InitialBackoff: cfg.BackoffInitial,
		MaxBackoff:     cfg.BackoffMax,
		Defaults: CallOptions{
			MaxTokens:   cfg.MaxTokens,
			Temperature: &temp,
		},
	}
}

// Client adds per-call timeouts and bounded retries with jittered
// exponential backoff to a Backend. It holds no per-request state and is
// safe for concurrent use.
type Client struct {
	backend Backend
	cfg     ClientConfig
	metrics *metrics.Collector
}

// NewClient creates a retrying client around backend.
func NewClient(backend Backend, cfg ClientConfig, m *metrics.Collector) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.CountTokens == nil {
		cfg.CountTokens = func(s string) int { return len([]rune(s)) / 4 }
	}
	return &Client{backend: backend, cfg: cfg, metrics: m}
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.cfg.InitialBackoff > 0 {
		b.InitialInterval = c.cfg.InitialBackoff
	}
	if c.cfg.MaxBackoff > 0 {
		b.MaxInterval = c.cfg.MaxBackoff
	}
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(c.cfg.MaxAttempts-1))
}

// Generate sends prompt to the backend. Timeouts and unavailability are
// retried up to MaxAttempts; rejected requests fail immediately. Failures
// are *GenerationError unless ctx itself was cancelled.
func (c *Client) Generate(ctx context.Context, prompt string, opts CallOptions) (Result, error) {
	if opts.MaxTokens == 0 {
		opts.MaxTokens = c.cfg.Defaults.MaxTokens
	}
	if opts.Temperature == nil {
		opts.Temperature = c.cfg.Defaults.Temperature
	}

	start := time.Now()
	attempts := 0
	var lastErr error

	text, err := backoff.RetryNotifyWithData(func() (string, error) {
		attempts++
		out, callErr := c.call(ctx, prompt, opts)
		if callErr == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return "", backoff.Permanent(ctx.Err())
		}
		lastErr = callErr
		if kindOf(callErr) == KindInvalidRequest {
			return "", backoff.Permanent(callErr)
		}
		return "", callErr
	}, backoff.WithContext(c.newBackOff(), ctx), func(err error, wait time.Duration) {
		c.metrics.Inc(metrics.CounterGenerationRetries, 1)
		slog.Warn("generation attempt failed, retrying",
			"attempt", attempts,
			"max_attempts", c.cfg.MaxAttempts,
			"wait_ms", wait.Milliseconds(),
			"error", err)
	})

	duration := time.Since(start)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, fmt.Errorf("generate: %w", ctxErr)
		}
		if lastErr == nil {
			lastErr = err
		}
		genErr := &GenerationError{Kind: kindOf(lastErr), Attempts: attempts, Err: lastErr}
		slog.Warn("generation failed", "kind", genErr.Kind, "attempts", attempts, "duration_ms", duration.Milliseconds(), "error", lastErr)
		return Result{}, genErr
	}

	res := Result{
		Text:         text,
		Attempts:     attempts,
		Duration:     duration,
		InputTokens:  c.cfg.CountTokens(prompt),
		OutputTokens: c.cfg.CountTokens(text),
	}
	c.metrics.RecordLLMUsage(metrics.OpLLMGenerate, duration, int64(res.InputTokens), int64(res.OutputTokens))
	slog.Debug("generation complete", "attempts", attempts, "duration_ms", duration.Milliseconds(), "input_tokens", res.InputTokens, "output_tokens", res.OutputTokens)
	return res, nil
}

// call runs one attempt under its own deadline.
func (c *Client) call(ctx context.Context, prompt string, opts CallOptions) (string, error) {
	callCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	type reply struct {
		text string
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		text, err := c.backend.Call(callCtx, prompt, opts)
		done <- reply{text, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return "", classify(callCtx, r.err)
		}
		return r.text, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: no reply within %s", ErrTimeout, c.cfg.Timeout)
	}
}
