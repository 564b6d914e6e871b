// Package main is the entry point for the statistics worker. The worker owns
// the full computation pipeline: it loads cleaned scores, computes regional
// and per-school statistics, persists versioned results with history, and
// keeps the Redis result cache coherent. Batches are submitted as
// asynchronous tasks through the task manager.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/edustats-hub/assessment-hub/config"
	"github.com/edustats-hub/assessment-hub/internal/domain/aggregation"
	"github.com/edustats-hub/assessment-hub/internal/domain/shared"
	"github.com/edustats-hub/assessment-hub/internal/engine"
	"github.com/edustats-hub/assessment-hub/internal/infrastructure/messaging"
	"github.com/edustats-hub/assessment-hub/internal/infrastructure/persistence/postgres"
	"github.com/edustats-hub/assessment-hub/internal/infrastructure/persistence/redis"
	"github.com/edustats-hub/assessment-hub/internal/taskmanager"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	log := setupLogger(cfg)
	log.Info("starting statistics worker",
		"env", string(cfg.App.Environment),
		"version", cfg.App.Version,
		"debug", cfg.App.Debug,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. DATABASE
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("connecting to database...")
	var dbConn *postgres.Connection
	if cfg.Database.URL != "" {
		dbConn, err = postgres.ConnectURL(ctx, cfg.Database.URL)
	} else {
		dbConn, err = postgres.Connect(ctx, postgres.Config{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			Database:        cfg.Database.Name,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			SSLMode:         cfg.Database.SSLMode,
			MaxConns:        int32(cfg.Database.MaxConns),
			MinConns:        int32(cfg.Database.MinConns),
			MaxConnLifetime: cfg.Database.ConnMaxLifetime,
			MaxConnIdleTime: cfg.Database.ConnMaxIdleTime,
			ConnectTimeout:  cfg.Database.ConnectTimeout,
		})
	}
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		log.Info("closing database connection...")
		dbConn.Close()
	}()
	log.Info("database connection established")

	if cfg.Database.Migrate {
		log.Info("applying database migrations...")
		if err := postgres.Migrate(ctx, dbConn); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("database schema is up to date")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. RESULT CACHE
	// ─────────────────────────────────────────────────────────────────────────
	var cache aggregation.ResultCache = redis.NewNoopResultCache()
	if !cfg.Redis.Disabled {
		log.Info("connecting to Redis...")
		resultCache, err := redis.NewResultCache(redis.Config{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		}, log)
		if err != nil {
			log.Warn("failed to connect to Redis, caching disabled", "error", err)
		} else {
			defer resultCache.Close()
			cache = resultCache
			log.Info("Redis connection established")
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. REPOSITORIES AND DATA SOURCE
	// ─────────────────────────────────────────────────────────────────────────
	aggregationRepo := postgres.NewAggregationRepository(dbConn, log)
	taskRepo := postgres.NewTaskRepository(dbConn)
	scoreSource := postgres.NewScoreSource(dbConn)

	// ─────────────────────────────────────────────────────────────────────────
	// 6. EVENT BUS
	// ─────────────────────────────────────────────────────────────────────────
	bus := messaging.NewBus(log)
	reader := engine.NewReader(aggregationRepo, cache, cfg.Cache.ResultTTL, log)
	bus.Subscribe(shared.EventTaskCompleted, logTaskEvent(log))
	bus.Subscribe(shared.EventTaskFailed, logTaskEvent(log))
	bus.Subscribe(shared.EventTaskCancelled, logTaskEvent(log))
	bus.Subscribe(shared.EventAggregationSaved, logBatchResult(reader, log))

	// ─────────────────────────────────────────────────────────────────────────
	// 7. ORCHESTRATOR AND TASK MANAGER
	// ─────────────────────────────────────────────────────────────────────────
	orchestrator := engine.NewOrchestrator(scoreSource, aggregationRepo, cache, engine.Config{
		WorkerPoolSize:            cfg.Aggregation.WorkerPoolSize,
		BadRowThreshold:           cfg.Aggregation.BadRowThreshold,
		DefaultMaxScore:           cfg.Aggregation.DefaultMaxScore,
		DimensionFallbackMaxScore: cfg.Aggregation.DimensionFallbackMaxScore,
		Percentiles:               cfg.Aggregation.Percentiles,
		CacheTTL:                  cfg.Cache.ResultTTL,
		PersistMaxAttempts:        cfg.Aggregation.PersistMaxAttempts,
	}, log)

	manager := taskmanager.NewManager(orchestrator, taskRepo, bus, log)

	// ─────────────────────────────────────────────────────────────────────────
	// 8. STARTUP BATCHES
	// ─────────────────────────────────────────────────────────────────────────
	// Batches listed in AGG_BATCHES are submitted immediately; in deployments
	// with an API front this worker runs idle until tasks arrive.
	for _, batchCode := range startupBatches() {
		if _, err := manager.Submit(ctx, batchCode); err != nil {
			log.Error("failed to submit startup batch", "batch_code", batchCode, "error", err)
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 9. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("statistics worker is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Warn("task manager did not settle before timeout", "error", err)
	}

	stats := manager.Stats()
	log.Info("statistics worker stopped",
		"tasks_total", stats.Total,
		"tasks_completed", stats.Completed,
		"tasks_failed", stats.Failed,
		"tasks_cancelled", stats.Cancelled,
	)
	return nil
}

// setupLogger builds the worker logger: JSON in production, text elsewhere.
func setupLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.App.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.App.Environment == config.EnvProduction {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler).With("app", cfg.App.Name)
	slog.SetDefault(log)
	return log
}

// startupBatches returns batch codes to compute right after boot.
func startupBatches() []string {
	raw := os.Getenv("AGG_BATCHES")
	if raw == "" {
		return nil
	}
	var batches []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			batches = append(batches, part)
		}
	}
	return batches
}

// logBatchResult reads back a freshly saved regional result, warming the
// cache on the way, and logs its headline numbers.
func logBatchResult(reader *engine.Reader, log *slog.Logger) messaging.Handler {
	return func(ctx context.Context, event shared.Event) error {
		ae, ok := event.(shared.AggregationEvent)
		if !ok {
			return nil
		}
		result, err := reader.Result(ctx, ae.BatchCode, aggregation.LevelRegional, "")
		if err != nil {
			return err
		}
		log.Info("batch aggregation saved",
			"batch_code", result.BatchCode,
			"students", result.StudentCount(),
			"subjects", len(result.Subjects),
			"version", result.Version,
		)
		return nil
	}
}

// logTaskEvent logs terminal task events published on the bus.
func logTaskEvent(log *slog.Logger) messaging.Handler {
	return func(ctx context.Context, event shared.Event) error {
		te, ok := event.(shared.TaskEvent)
		if !ok {
			return nil
		}
		log.Info("task event",
			"event_type", string(event.Type()),
			"task_id", te.TaskID,
			"batch_code", te.BatchCode,
			"status", te.Status,
			"error", te.Error,
			"occurred_at", te.OccurredAt().Format(time.RFC3339),
		)
		return nil
	}
}
