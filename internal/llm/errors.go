package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

// Generation failure classes. Only ErrTimeout and ErrUnavailable are retried.
var (
	ErrTimeout        = errors.New("generation timed out")
	ErrUnavailable    = errors.New("generation backend unavailable")
	ErrInvalidRequest = errors.New("generation request rejected")
)

// Kind names a generation failure class.
type Kind string

const (
	KindTimeout        Kind = "timeout"
	KindUnavailable    Kind = "unavailable"
	KindInvalidRequest Kind = "invalid_request"
)

// GenerationError is returned by Client.Generate once it gives up.
type GenerationError struct {
	Kind     Kind
	Attempts int
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed (%s after %d attempts): %v", e.Kind, e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Retryable reports whether the failure class is worth another attempt.
func (e *GenerationError) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindUnavailable
}

// kindOf maps an error to its class. Unknown errors count as unavailability.
func kindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	default:
		return KindUnavailable
	}
}

// Messages that mean the request itself will never succeed.
var invalidRequestPatterns = []string{
	"credit balance",
	"quota exceeded",
	"billing",
	"invalid api key",
	"authentication",
	"unauthorized",
	"permission denied",
	"invalid request",
	"context length",
	"maximum context",
	"too many tokens",
	"prompt is too long",
	"content policy",
	"model not found",
}

// Messages that mean trying again later may help.
var unavailablePatterns = []string{
	"rate limit",
	"overloaded",
	"unavailable",
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
}

var (
	// statusPattern finds an HTTP status next to the word that names it, as
	// in "HTTP 503" or "status code: 429", so numbers such as token counts
	// never pass for one.
	statusPattern = regexp.MustCompile(`(?:http|status|code)[^0-9a-z]{0,8}([1-5][0-9]{2})\b`)
	eofPattern    = regexp.MustCompile(`\beof\b`)
)

// codeKind maps the provider-neutral codes langchaingo attaches to
// provider errors.
func codeKind(code llms.ErrorCode) (Kind, bool) {
	switch code {
	case llms.ErrCodeTimeout:
		return KindTimeout, true
	case llms.ErrCodeRateLimit, llms.ErrCodeProviderUnavailable:
		return KindUnavailable, true
	case llms.ErrCodeAuthentication, llms.ErrCodeInvalidRequest, llms.ErrCodeResourceNotFound,
		llms.ErrCodeQuotaExceeded, llms.ErrCodeContentFilter, llms.ErrCodeTokenLimit, llms.ErrCodeNotImplemented:
		return KindInvalidRequest, true
	}
	return "", false
}

func wrapKind(kind Kind, err error) error {
	switch kind {
	case KindTimeout:
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case KindInvalidRequest:
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// statusKind classifies the HTTP status named in msg, if any.
func statusKind(msg string) (Kind, bool) {
	m := statusPattern.FindStringSubmatch(msg)
	if m == nil {
		return "", false
	}
	code, _ := strconv.Atoi(m[1])
	switch {
	case code == 408 || code == 429 || code >= 500:
		return KindUnavailable, true
	case code >= 400:
		return KindInvalidRequest, true
	}
	return "", false
}

// classify wraps a raw backend error with the matching sentinel. ctx is the
// per-call context, used to tell timeouts from other transport failures.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrInvalidRequest) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var providerErr *llms.Error
	if errors.As(err, &providerErr) {
		if kind, ok := codeKind(providerErr.Code); ok {
			return wrapKind(kind, err)
		}
	}

	// Untyped errors only carry text.
	msg := strings.ToLower(err.Error())
	if kind, ok := statusKind(msg); ok {
		return wrapKind(kind, err)
	}
	if eofPattern.MatchString(msg) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for _, p := range unavailablePatterns {
		if strings.Contains(msg, p) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	for _, p := range invalidRequestPatterns {
		if strings.Contains(msg, p) {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
