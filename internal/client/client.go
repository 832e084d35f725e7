// Package client provides a REST client for the recap server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/recap/internal/metrics"
	"github.com/raphaelgruber/recap/internal/models"
)

// Client talks to the recap HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new client.
// If baseURL is empty, uses RECAP_SERVER_URL env var or defaults to localhost:8484.
// Timeout can be configured via RECAP_CLIENT_TIMEOUT env var (default 30s).
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("RECAP_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8484"
	}

	timeout := 30 * time.Second
	if t := os.Getenv("RECAP_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error: %d %s - %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsNotReady reports whether a result was requested before the job finished.
func IsNotReady(err error) bool { return hasStatus(err, http.StatusConflict) }

// IsJobFailed reports whether a result was requested for a failed job.
func IsJobFailed(err error) bool { return hasStatus(err, http.StatusUnprocessableEntity) }

func hasStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// =============================================================================
// TYPES (matching the server's JSON)
// =============================================================================

// JobStatus is the status view of a job.
type JobStatus struct {
	ID              string           `json:"id"`
	Status          models.Status    `json:"status"`
	Stage           models.Stage     `json:"stage,omitempty"`
	Mode            models.Mode      `json:"mode"`
	Progress        int              `json:"progress"`
	ChunkCount      int              `json:"chunk_count"`
	ChunksDone      int              `json:"chunks_done"`
	ReduceLevel     int              `json:"reduce_level"`
	Attempts        int              `json:"attempts"`
	CancelRequested bool             `json:"cancel_requested,omitempty"`
	Error           *models.JobError `json:"error,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// JobResult is the summary of a finished job.
type JobResult struct {
	ID          string            `json:"id"`
	Summary     string            `json:"summary"`
	Mode        models.Mode       `json:"mode"`
	Meta        models.ResultMeta `json:"meta"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// SearchMatch is a past summary similar to a query.
type SearchMatch struct {
	ID        string      `json:"id"`
	JobID     string      `json:"job_id"`
	Text      string      `json:"text"`
	Mode      models.Mode `json:"mode"`
	CreatedAt time.Time   `json:"created_at"`
	Score     float64     `json:"score"`
}

// Health is the server's dependency report.
type Health struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// =============================================================================
// REQUESTS
// =============================================================================

// do sends a request and decodes a 2xx JSON response into result.
func (c *Client) do(ctx context.Context, method, path string, body any, result any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// Submit creates a summarization job and returns its id.
func (c *Client) Submit(ctx context.Context, document, mode string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	body := map[string]string{"document": document, "mode": mode}
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Status fetches the current status of a job.
func (c *Client) Status(ctx context.Context, id string) (*JobStatus, error) {
	var st JobStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Result fetches the summary of a finished job.
func (c *Client) Result(ctx context.Context, id string) (*JobResult, error) {
	var res JobResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id)+"/result", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// List returns the most recent jobs.
func (c *Client) List(ctx context.Context, limit int) ([]JobStatus, error) {
	path := "/api/v1/jobs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var jobs []JobStatus
	if err := c.do(ctx, http.MethodGet, path, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Cancel requests cancellation of a job.
func (c *Client) Cancel(ctx context.Context, id string) (*JobStatus, error) {
	var st JobStatus
	if err := c.do(ctx, http.MethodDelete, "/api/v1/jobs/"+url.PathEscape(id), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Search finds past summaries similar to query. mode may be empty.
func (c *Client) Search(ctx context.Context, query, mode string, limit int) ([]SearchMatch, error) {
	q := url.Values{"q": {query}}
	if mode != "" {
		q.Set("mode", mode)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Matches []SearchMatch `json:"matches"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/search?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Matches, nil
}

// Stats fetches the server's runtime metrics.
func (c *Client) Stats(ctx context.Context) (*metrics.Snapshot, error) {
	var snap metrics.Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Health fetches the server's dependency report. A degraded server answers
// with 503, which is returned as the report, not as an error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/health", nil, &h)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
		return &Health{Status: "degraded", Checks: map[string]string{"server": apiErr.Message}}, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// =============================================================================
// WATCH (websocket)
// =============================================================================

// Watch streams status updates of a job to onUpdate until the job is
// terminal, ctx is done or onUpdate returns an error. It returns the last
// status received.
func (c *Client) Watch(ctx context.Context, id string, onUpdate func(JobStatus) error) (*JobStatus, error) {
	u, err := url.Parse(c.baseURL + "/api/v1/jobs/" + url.PathEscape(id) + "/watch")
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: "job not found"}
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	// Track connection state for proper cleanup
	var mu sync.Mutex
	closed := false
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			conn.Close()
		}
	}
	defer closeConn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	var last *JobStatus
	for {
		var st JobStatus
		if err := conn.ReadJSON(&st); err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && last != nil {
				return last, nil
			}
			return last, fmt.Errorf("read status: %w", err)
		}
		last = &st
		if err := onUpdate(st); err != nil {
			return last, err
		}
	}
}

// Wait polls the job's status every interval until it is terminal. It is the
// fallback when a websocket cannot be opened.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration, onUpdate func(JobStatus) error) (*JobStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := c.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := onUpdate(*st); err != nil {
			return st, err
		}
		if st.Status.IsTerminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}
