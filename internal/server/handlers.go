package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/recap/internal/models"
	"github.com/raphaelgruber/recap/internal/service"
	"github.com/raphaelgruber/recap/internal/store"
	"github.com/raphaelgruber/recap/internal/vector"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
	healthTimeout    = 2 * time.Second
	writeWait        = 5 * time.Second
)

type submitRequest struct {
	Document string `json:"document"`
	Mode     string `json:"mode"`
}

// SubmitResponse is returned by POST /api/v1/jobs.
type SubmitResponse struct {
	ID     string        `json:"id"`
	Status models.Status `json:"status"`
}

// SearchResponse is returned by GET /api/v1/search.
type SearchResponse struct {
	Query   string         `json:"query"`
	Matches []vector.Match `json:"matches"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// submit accepts a JSON body {"document", "mode"} or a plain text body
// with the mode in the query string.
func (s *Server) submit(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxBodyBytes)

	var req submitRequest
	if strings.HasPrefix(c.ContentType(), "text/") {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			s.writeBodyError(c, err)
			return
		}
		req = submitRequest{Document: string(body), Mode: c.Query("mode")}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		s.writeBodyError(c, err)
		return
	}

	id, err := s.jobs.Submit(c.Request.Context(), req.Document, req.Mode)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.Header("Location", "/api/v1/jobs/"+id)
	c.JSON(http.StatusAccepted, SubmitResponse{ID: id, Status: models.StatusPending})
}

func (s *Server) list(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}

	views, err := s.jobs.List(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) status(c *gin.Context) {
	view, err := s.jobs.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) result(c *gin.Context) {
	res, err := s.jobs.GetResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) cancel(c *gin.Context) {
	view, err := s.jobs.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, view)
}

func (s *Server) search(c *gin.Context) {
	opts := service.SearchOptions{Query: c.Query("q"), Mode: c.Query("mode")}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		opts.Limit = min(n, maxListLimit)
	}

	matches, err := s.jobs.Search(c.Request.Context(), opts)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if matches == nil {
		matches = []vector.Match{}
	}
	c.JSON(http.StatusOK, SearchResponse{Query: opts.Query, Matches: matches})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) health(c *gin.Context) {
	resp := HealthResponse{Status: "ok"}
	code := http.StatusOK
	if len(s.opts.Checks) > 0 {
		resp.Checks = make(map[string]string, len(s.opts.Checks))
	}
	for name, check := range s.opts.Checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("health check failed", "check", name, "error", err)
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	c.JSON(code, resp)
}

// watch streams the job's status view over a websocket whenever it changes
// and closes the connection once the job is terminal.
func (s *Server) watch(c *gin.Context) {
	id := c.Param("id")
	view, err := s.jobs.GetStatus(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Warn("websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	// Clients send nothing; reading only detects that the peer went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.WatchInterval)
	defer ticker.Stop()

	var last *service.StatusView
	for {
		if last == nil || changed(*last, view) {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(view); err != nil {
				return
			}
			v := view
			last = &v
		}
		if view.Status.IsTerminal() {
			closeConn(conn, websocket.CloseNormalClosure, string(view.Status))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		view, err = s.jobs.GetStatus(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("watch status lookup failed", "job_id", id, "error", err)
			closeConn(conn, websocket.CloseInternalServerErr, "status unavailable")
			return
		}
	}
}

func changed(a, b service.StatusView) bool {
	return a.Status != b.Status ||
		a.Stage != b.Stage ||
		a.Progress != b.Progress ||
		a.CancelRequested != b.CancelRequested ||
		!a.UpdatedAt.Equal(b.UpdatedAt)
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func (s *Server) writeBodyError(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
		return
	}
	c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
}

// writeError maps service and store errors onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	var inputErr *service.InputError
	switch {
	case errors.As(err, &inputErr):
		c.JSON(http.StatusBadRequest, errorResponse{Error: inputErr.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: "job not found"})
	case errors.Is(err, service.ErrJobFailed):
		c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrNotReady), errors.Is(err, store.ErrInvalidTransition):
		c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrSearchDisabled):
		c.JSON(http.StatusNotImplemented, errorResponse{Error: err.Error()})
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "service temporarily unavailable"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}
