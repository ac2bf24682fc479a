// The agent runs on a shop terminal. It keeps a local SQLite mirror of
// the catalogue, queues offline mutations and syncs them against the
// server whenever connectivity allows.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kanak-erp/kanak-erp/internal/agent"
	"github.com/kanak-erp/kanak-erp/internal/app"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping agent startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadAgentConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg.LogFormat)

	store, err := agent.OpenStore(cfg.StorePath)
	if err != nil {
		// Without local storage the terminal cannot work at all, offline
		// or online.
		logger.Error("open local store", slog.String("path", cfg.StorePath), slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close local store", slog.Any("error", err))
		}
	}()

	events := agent.NewEvents()
	queue := agent.NewQueue(store)
	resolver := agent.NewResolver(logger, store)
	api := agent.NewAPIClient(cfg.ServerURL, cfg.APIToken, cfg.HTTPTimeout)

	engine, err := agent.NewEngine(logger, store, queue, resolver, api, events)
	if err != nil {
		logger.Error("init sync engine", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("agent starting",
		slog.String("client_id", engine.ClientID()),
		slog.String("server", cfg.ServerURL))

	monitor := agent.NewMonitor(logger, api, events, cfg.PollInterval, engine.SetOnline)

	go logEvents(ctx, logger, events.Subscribe())
	go monitor.Run(ctx)
	go engine.Run(ctx, cfg.SyncInterval)

	<-ctx.Done()
	logger.Info("agent shutting down")
}

func logEvents(ctx context.Context, logger *slog.Logger, events <-chan agent.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			attrs := []any{slog.String("event", ev.Type.String())}
			if ev.Err != nil {
				attrs = append(attrs, slog.Any("error", ev.Err))
			}
			if ev.Type == agent.EventSyncCompleted {
				attrs = append(attrs,
					slog.Int("synced", ev.Synced),
					slog.Int("conflicts", ev.Conflicts),
					slog.Int("pulled", ev.Pulled))
			}
			logger.Info("agent event", attrs...)
		}
	}
}
