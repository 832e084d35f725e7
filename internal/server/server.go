// Package server exposes the job service over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/recap/internal/metrics"
	"github.com/raphaelgruber/recap/internal/service"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Options configures the HTTP surface.
type Options struct {
	// AllowedOrigins restricts CORS. Empty allows any origin.
	AllowedOrigins []string
	// MaxBodyBytes caps request bodies. Zero means 8 MiB.
	MaxBodyBytes int64
	// WatchInterval is how often /watch polls job status. Zero means 500ms.
	WatchInterval time.Duration
	// Checks are run by /health, keyed by dependency name.
	Checks map[string]HealthCheck
}

// Server routes API requests to the job service.
type Server struct {
	jobs     *service.JobService
	metrics  *metrics.Collector
	opts     Options
	logger   *slog.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader
}

// New builds the server and its routes.
func New(jobs *service.JobService, m *metrics.Collector, opts Options, logger *slog.Logger) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 8 << 20
	}
	if opts.WatchInterval <= 0 {
		opts.WatchInterval = 500 * time.Millisecond
	}

	s := &Server{
		jobs:    jobs,
		metrics: m,
		opts:    opts,
		logger:  logger,
		engine:  gin.New(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.originAllowed,
	}
	s.setup()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.opts.AllowedOrigins, origin)
}

func (s *Server) setup() {
	corsConfig := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length", "Location"},
		MaxAge:        12 * time.Hour,
	}
	if len(s.opts.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = s.opts.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}

	s.engine.Use(RecoveryMiddleware(s.logger), LoggingMiddleware(s.logger), cors.New(corsConfig))

	s.engine.GET("/health", s.health)
	s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	v1 := s.engine.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		jobs.POST("", s.submit)
		jobs.GET("", s.list)
		jobs.GET("/:id", s.status)
		jobs.GET("/:id/result", s.result)
		jobs.DELETE("/:id", s.cancel)
		jobs.GET("/:id/watch", s.watch)

		v1.GET("/search", s.search)
		v1.GET("/stats", s.stats)
	}
}
