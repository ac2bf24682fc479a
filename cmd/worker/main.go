package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/kanak-erp/kanak-erp/internal/app"
	"github.com/kanak-erp/kanak-erp/internal/observability"
	"github.com/kanak-erp/kanak-erp/internal/platform/cache"
	"github.com/kanak-erp/kanak-erp/internal/platform/db"
	"github.com/kanak-erp/kanak-erp/internal/shared"
	"github.com/kanak-erp/kanak-erp/internal/stock"
	"github.com/kanak-erp/kanak-erp/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg.LogFormat)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	idempotencyStore := shared.NewIdempotencyStore(pool)

	stockRepo := stock.NewRepository(pool)
	valuationCache := stock.NewValuationCache(redisClient, cfg.ValuationCacheTTL)
	stockService := stock.NewService(stockRepo, stockRepo, nil, idempotencyStore, valuationCache)

	integrityScanner := jobs.NewLedgerIntegrityScanner(logger, stockRepo, metrics)
	valuationWarmup := jobs.NewValuationWarmup(logger, stockService)
	retentionCleanup := jobs.NewRetentionCleanup(logger, idempotencyStore, cfg.IdempotencyRetention)

	now := time.Now().UTC()
	integrityTask, err := jobs.NewLedgerIntegrityTask(now)
	if err != nil {
		logger.Error("build integrity task", slog.Any("error", err))
		os.Exit(1)
	}
	warmupTask, err := jobs.NewValuationWarmupTask(now)
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewRetentionCleanupTask(now)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskLedgerIntegrity, Handler: integrityScanner.Handler()},
			{Type: jobs.TaskValuationWarmup, Handler: valuationWarmup.Handler()},
			{Type: jobs.TaskRetentionCleanup, Handler: retentionCleanup.Handler()},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 1 * * *", Task: integrityTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 1 * * *", Task: warmupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 3 * * 0", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
