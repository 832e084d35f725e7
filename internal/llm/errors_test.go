package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/tmc/langchaingo/llms"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"generic error", errors.New("something odd"), KindUnavailable},
		{"connection reset", errors.New("read tcp: connection reset by peer"), KindUnavailable},
		{"rate limit", errors.New("rate limit exceeded"), KindUnavailable},
		{"503 status", errors.New("HTTP 503: service unavailable"), KindUnavailable},
		{"overloaded", errors.New("overloaded_error: Overloaded"), KindUnavailable},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"wrapped deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), KindTimeout},
		{"credit balance", errors.New("insufficient credit balance"), KindInvalidRequest},
		{"invalid api key", errors.New("invalid api key"), KindInvalidRequest},
		{"401 status", errors.New("HTTP 401: not allowed"), KindInvalidRequest},
		{"400 status", errors.New("HTTP 400: bad request"), KindInvalidRequest},
		{"prompt too long", errors.New("prompt is too long: 300000 tokens"), KindInvalidRequest},
		{"already classified", fmt.Errorf("%w: nope", ErrInvalidRequest), KindInvalidRequest},
		{"status code wording", errors.New("error, status code: 429, message: slow down"), KindUnavailable},
		{"unexpected status", errors.New("API returned unexpected status code: 404: model missing"), KindInvalidRequest},
		{"request timeout status", errors.New("HTTP 408"), KindUnavailable},
		{"token count is not a status", errors.New("generated 1400 tokens then stopped"), KindUnavailable},
		{"bare number is not a status", errors.New("prompt has 400 lines"), KindUnavailable},
		{"id is not a status", errors.New("request req_4004 dropped"), KindUnavailable},
		{"unexpected eof", errors.New("unexpected EOF"), KindUnavailable},
		{"eof inside word", errors.New("geofence rejected: invalid request"), KindInvalidRequest},
		{"typed rate limit", llms.NewError(llms.ErrCodeRateLimit, "openai", "HTTP 400 budget"), KindUnavailable},
		{"typed token limit", fmt.Errorf("call: %w", llms.NewError(llms.ErrCodeTokenLimit, "anthropic", "too long")), KindInvalidRequest},
		{"typed unknown falls back to text", llms.NewError(llms.ErrCodeUnknown, "ollama", "connection refused"), KindUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := kindOf(classify(context.Background(), tt.err))
			if got != tt.want {
				t.Errorf("classify(%v) kind = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyExpiredContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()

	err := classify(ctx, errors.New("request aborted"))
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestGenerationErrorUnwrap(t *testing.T) {
	err := &GenerationError{Kind: KindTimeout, Attempts: 3, Err: fmt.Errorf("%w: slow", ErrTimeout)}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected errors.Is(err, ErrTimeout)")
	}
	if !err.Retryable() {
		t.Errorf("timeouts are retryable")
	}
	if (&GenerationError{Kind: KindInvalidRequest}).Retryable() {
		t.Errorf("invalid requests are not retryable")
	}
}
