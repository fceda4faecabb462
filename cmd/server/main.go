// Package main is the entrypoint for the memoflow server: the HTTP API and
// the stage worker pools run in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/memoflow/internal/ai"
	"github.com/kiranshivaraju/memoflow/internal/api"
	"github.com/kiranshivaraju/memoflow/internal/api/handler"
	mw "github.com/kiranshivaraju/memoflow/internal/api/middleware"
	"github.com/kiranshivaraju/memoflow/internal/blob"
	"github.com/kiranshivaraju/memoflow/internal/cache"
	"github.com/kiranshivaraju/memoflow/internal/config"
	"github.com/kiranshivaraju/memoflow/internal/pipeline"
	"github.com/kiranshivaraju/memoflow/internal/queue"
	"github.com/kiranshivaraju/memoflow/internal/store"
	"github.com/kiranshivaraju/memoflow/internal/worker"
	"github.com/kiranshivaraju/memoflow/pkg/models"
	"golang.org/x/sync/errgroup"
)

const httpShutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"queue_driver", cfg.Queue.Driver,
		"transcription_provider", cfg.Transcription.Provider,
		"generation_provider", cfg.Generation.Provider,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()
	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	blobs, err := blob.NewLocalStore(cfg.Blob.Dir)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	transcriber, err := ai.NewTranscriber(cfg.Transcription, cfg.Workers.Transcribe.Timeout, cfg.Blob.MaxUploadBytes)
	if err != nil {
		return fmt.Errorf("create transcriber: %w", err)
	}
	generator, err := ai.NewGenerator(cfg.Generation, cfg.Workers.Generate.Timeout)
	if err != nil {
		return fmt.Errorf("create generator: %w", err)
	}
	slog.Info("AI providers initialized", "transcriber", transcriber.Name(), "generator", generator.Name())

	pgStore := store.NewPostgresStore(pool)
	jobs, err := newQueue(cfg.Queue, pool)
	if err != nil {
		return err
	}
	dispatcher := worker.NewDispatcher(jobs)
	svc := pipeline.NewService(pgStore, redisCache, blobs, dispatcher)

	reconciler := pipeline.NewReconciler(pgStore, redisCache, jobs, dispatcher, cfg.Queue.ReconcileGrace)
	supervisor, err := worker.NewSupervisor(jobs, dispatcher,
		map[models.Stage]worker.StageHandler{
			models.StageTranscribe: pipeline.NewTranscriptionHandler(pgStore, redisCache, blobs, transcriber),
			models.StageGenerate:   pipeline.NewGenerationHandler(pgStore, redisCache, generator),
		},
		supervisorConfig(cfg),
		worker.WithSweep(worker.Sweep{Name: "reconciler", Interval: cfg.Queue.ReconcileInterval, Run: reconciler.Run}),
	)
	if err != nil {
		return fmt.Errorf("create supervisor: %w", err)
	}

	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMinute),
		Health:    handler.NewHealthHandler(map[string]handler.Pinger{"database": pgStore, "cache": redisCache}),
		Memos:     handler.NewMemos(svc, cfg.Blob.MaxUploadBytes),
		Admin:     handler.NewAdmin(pgStore, jobs, cfg.Usage.DefaultMonthlyMinutes),
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		// Audio uploads can be large.
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return supervisor.Run(gctx, cfg.Workers.ShutdownTimeout)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}

// newQueue selects the job store named by QUEUE_DRIVER.
func newQueue(cfg config.QueueConfig, pool *pgxpool.Pool) (queue.Store, error) {
	policy := retryPolicy(cfg)
	switch cfg.Driver {
	case "postgres":
		return queue.NewPostgresQueue(pool, policy), nil
	case "memory":
		slog.Warn("using in-memory job queue; queued jobs are lost on restart")
		return queue.NewMemoryQueue(policy), nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}

func retryPolicy(cfg config.QueueConfig) queue.RetryPolicy {
	return queue.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BackoffBase,
		MaxDelay:    cfg.BackoffMax,
	}
}

func supervisorConfig(cfg *config.Config) worker.Config {
	pool := func(sc config.StageConfig) worker.PoolConfig {
		return worker.PoolConfig{
			Concurrency:   sc.Concurrency,
			LeaseDuration: sc.LeaseDuration,
			Timeout:       sc.Timeout,
			IdleMin:       cfg.Workers.IdleMin,
			IdleMax:       cfg.Workers.IdleMax,
		}
	}
	return worker.Config{
		Pools: map[models.Stage]worker.PoolConfig{
			models.StageTranscribe: pool(cfg.Workers.Transcribe),
			models.StageGenerate:   pool(cfg.Workers.Generate),
		},
		ReapInterval: cfg.Queue.ReapInterval,
	}
}
