package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/kanak-erp/kanak-erp/internal/app"
	"github.com/kanak-erp/kanak-erp/internal/auth"
	"github.com/kanak-erp/kanak-erp/internal/docstore"
	"github.com/kanak-erp/kanak-erp/internal/inventory"
	"github.com/kanak-erp/kanak-erp/internal/observability"
	"github.com/kanak-erp/kanak-erp/internal/platform/cache"
	"github.com/kanak-erp/kanak-erp/internal/platform/db"
	"github.com/kanak-erp/kanak-erp/internal/shared"
	"github.com/kanak-erp/kanak-erp/internal/stock"
	synchttp "github.com/kanak-erp/kanak-erp/internal/sync"
	"github.com/kanak-erp/kanak-erp/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
		logger.Error("connect postgres", slog.Any("error", err))
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
	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)

	authRepo := auth.NewRepository(pool)
	authService := auth.NewService(logger, authRepo, auth.NewTokenStore(redisClient, cfg.TokenTTL))
	authHandler := auth.NewHandler(logger, authService)

	docs := docstore.NewRepository(pool)

	stockRepo := stock.NewRepository(pool)
	valuationCache := stock.NewValuationCache(redisClient, cfg.ValuationCacheTTL)
	stockService := stock.NewService(stockRepo, stockRepo, auditLogger, idempotencyStore, valuationCache)
	stockHandler := stock.NewHandler(logger, stockService)

	inventoryService := inventory.NewService(logger, docs, stockService)
	inventoryHandler := inventory.NewHandler(logger, inventoryService)

	syncService := synchttp.NewService(logger, docs, stockService, metrics)
	syncHandler := synchttp.NewHandler(logger, syncService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		AuthService:      authService,
		AuthHandler:      authHandler,
		SyncHandler:      syncHandler,
		StockHandler:     stockHandler,
		InventoryHandler: inventoryHandler,
		JobsHandler:      jobsHandler,
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
