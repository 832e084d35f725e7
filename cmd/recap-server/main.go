// Package main provides the recap server: the REST API, the worker pool and
// the stale job sweeper, in one process or split by role.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/recap/internal/config"
	"github.com/raphaelgruber/recap/internal/db"
	"github.com/raphaelgruber/recap/internal/llm"
	"github.com/raphaelgruber/recap/internal/metrics"
	"github.com/raphaelgruber/recap/internal/queue"
	"github.com/raphaelgruber/recap/internal/server"
	"github.com/raphaelgruber/recap/internal/service"
	"github.com/raphaelgruber/recap/internal/store"
	"github.com/raphaelgruber/recap/internal/vector"
)

func main() {
	wipeDB := flag.Bool("wipe", false, "wipe all data from database on startup (testing only)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger, cleanup := config.SetupLogger(cfg, "recap-server")
	defer func() { _ = cleanup() }()
	slog.SetDefault(logger)

	if err := run(cfg, *wipeDB || os.Getenv("RECAP_WIPE_DB") == "true"); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// components holds everything built from the configuration so it can be
// closed in reverse order on shutdown.
type components struct {
	store   store.JobStore
	broker  queue.Broker
	index   vector.Index
	checks  map[string]server.HealthCheck
	closers []func(context.Context) error
}

func (c *components) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			slog.Error("failed to close component", "error", err)
		}
	}
}

func run(cfg config.Config, wipe bool) error {
	slog.Info("starting recap-server",
		"role", cfg.Role,
		"store", cfg.StoreBackend,
		"broker", cfg.BrokerBackend,
		"llm_provider", cfg.LLMProvider,
		"llm_model", cfg.LLMModel,
	)
	if cfg.Role != config.RoleAll && (cfg.StoreBackend == config.BackendMemory || cfg.BrokerBackend == config.BackendMemory) {
		slog.Warn("memory store or broker is not shared between processes; use role 'all'", "role", cfg.Role)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewCollector()

	setupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	comp, err := build(setupCtx, cfg, m, wipe)
	cancel()
	if err != nil {
		return err
	}
	defer comp.close()

	jobs := service.NewJobService(comp.store, comp.broker, comp.index, cfg.MaxDocumentLength, m)

	var wg sync.WaitGroup
	runWorkers := cfg.Role == config.RoleWorker || cfg.Role == config.RoleAll
	if runWorkers {
		gen, err := newGenerator(ctx, cfg, m)
		if err != nil {
			return err
		}
		var retrieval vector.Index
		if cfg.RetrievalK > 0 {
			retrieval = comp.index
		}
		sum := service.NewSummarizer(gen, retrieval, service.SummarizerConfigFrom(cfg), m)
		sched := service.NewScheduler(comp.store, comp.broker, sum, comp.index, service.SchedulerConfigFrom(cfg), m)
		sweeper := service.NewSweeper(comp.store, comp.broker, service.SweeperConfigFrom(cfg), m)

		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("scheduler stopped", "error", err)
			}
		}()
		go func() {
			defer wg.Done()
			sweeper.Run(ctx)
		}()
	}

	var httpServer *http.Server
	if cfg.Role == config.RoleAPI || cfg.Role == config.RoleAll {
		srv := server.New(jobs, m, server.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			Checks:         comp.checks,
		}, slog.Default())

		httpServer = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		go func() {
			slog.Info("API available", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "error", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	slog.Info("shutting down...")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server forced to shutdown", "error", err)
		}
	}

	// Workers leave their jobs at the last checkpoint and hand the
	// deliveries back before the broker is closed.
	wg.Wait()
	slog.Info("server stopped")
	return nil
}

// build wires the store, broker and summary index for the configured
// backends.
func build(ctx context.Context, cfg config.Config, m *metrics.Collector, wipe bool) (*components, error) {
	comp := &components{checks: make(map[string]server.HealthCheck)}
	fail := func(err error) (*components, error) {
		comp.close()
		return nil, err
	}

	var embedder vector.Embedder
	if cfg.IndexSummaries || cfg.RetrievalK > 0 {
		e, err := llm.NewEmbedder(cfg, m)
		if err != nil {
			return fail(fmt.Errorf("create embedder: %w", err))
		}
		slog.Info("embedder initialized", "model", e.Model(), "dimension", e.Dimension())
		embedder = e
	}

	switch cfg.StoreBackend {
	case config.BackendSurreal:
		client, err := db.NewClient(ctx, db.Config{
			URL:                cfg.SurrealDBURL,
			Namespace:          cfg.SurrealDBNamespace,
			Database:           cfg.SurrealDBDatabase,
			Username:           cfg.SurrealDBUser,
			Password:           cfg.SurrealDBPass,
			AuthLevel:          cfg.SurrealDBAuthLevel,
			EmbeddingDimension: cfg.EmbedDimension,
		}, slog.Default())
		if err != nil {
			return fail(fmt.Errorf("connect to surrealdb: %w", err))
		}
		comp.closers = append(comp.closers, client.Close)
		if err := client.InitSchema(ctx); err != nil {
			return fail(err)
		}
		if wipe {
			if err := client.WipeData(ctx); err != nil {
				return fail(fmt.Errorf("wipe database: %w", err))
			}
		}
		comp.store = db.NewJobStore(client)
		comp.checks["store"] = client.Ping
		if embedder != nil {
			comp.index = db.NewSummaryIndex(client, embedder)
		}
	default:
		comp.store = store.NewMemoryStore()
		if embedder != nil {
			comp.index = vector.NewMemoryIndex(embedder)
		}
	}

	switch cfg.BrokerBackend {
	case config.BackendRedis:
		client, err := queue.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		host, _ := os.Hostname()
		broker, err := queue.NewRedisBroker(ctx, client, queue.RedisConfig{
			Stream:    cfg.RedisStream,
			Group:     cfg.RedisGroup,
			Consumer:  fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
			DLQStream: cfg.RedisDLQStream,
			MinIdle:   cfg.StallTimeout,
			Live:      liveJob(comp.store, cfg.StallTimeout),
		})
		if err != nil {
			_ = client.Close()
			return fail(err)
		}
		comp.broker = broker
		comp.checks["broker"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	default:
		comp.broker = queue.NewChannelBroker(cfg.QueueCapacity)
	}
	comp.closers = append(comp.closers, func(context.Context) error { return comp.broker.Close() })

	return comp, nil
}

func newGenerator(ctx context.Context, cfg config.Config, m *metrics.Collector) (*llm.Client, error) {
	model, err := llm.NewModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create llm: %w", err)
	}
	slog.Info("llm initialized", "provider", cfg.LLMProvider, "model", cfg.LLMModel)
	clientCfg := llm.ClientConfigFrom(cfg)
	clientCfg.CountTokens = model.CountTokens
	return llm.NewClient(model, clientCfg, m), nil
}

// liveJob reports whether a worker still holds the job's lease. Lookup
// failures count as live so an unreachable store never triggers a requeue.
func liveJob(st store.JobStore, lease time.Duration) func(context.Context, string) bool {
	return func(ctx context.Context, jobID string) bool {
		job, err := st.Get(ctx, jobID)
		if errors.Is(err, store.ErrNotFound) {
			return false
		}
		if err != nil {
			slog.Warn("job lookup failed during reclaim", "job_id", jobID, "error", err)
			return true
		}
		return store.Held(job, time.Now(), lease)
	}
}
