package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/kanak-erp/kanak-erp/internal/shared"
)

// RetentionCleanup prunes idempotency keys past the retention window.
type RetentionCleanup struct {
	logger    *slog.Logger
	store     *shared.IdempotencyStore
	retention time.Duration
}

// NewRetentionCleanup constructs the cleanup task.
func NewRetentionCleanup(logger *slog.Logger, store *shared.IdempotencyStore, retention time.Duration) *RetentionCleanup {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &RetentionCleanup{logger: logger, store: store, retention: retention}
}

// Handler adapts the cleanup to an Asynq handler.
func (c *RetentionCleanup) Handler() asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		if err := c.store.Cleanup(ctx, c.retention); err != nil {
			return err
		}
		c.logger.Info("retention cleanup finished", slog.Duration("retention", c.retention))
		return nil
	}
}
