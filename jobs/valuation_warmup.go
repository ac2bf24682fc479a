package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/kanak-erp/kanak-erp/internal/stock"
)

// ValuationWarmup recomputes the valuation summary so the first request
// after the nightly cache bump is served from Redis.
type ValuationWarmup struct {
	logger  *slog.Logger
	service *stock.Service
}

// NewValuationWarmup constructs the warmup task.
func NewValuationWarmup(logger *slog.Logger, service *stock.Service) *ValuationWarmup {
	return &ValuationWarmup{logger: logger, service: service}
}

// Handler adapts the warmup to an Asynq handler.
func (v *ValuationWarmup) Handler() asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		valuation, err := v.service.Valuation(ctx, stock.ValuationWeightedAverage, stock.ValuationFilter{})
		if err != nil {
			return err
		}
		v.logger.Info("valuation warmup finished",
			slog.Int("groups", len(valuation.Groups)),
			slog.Float64("total_value", valuation.TotalValue))
		return nil
	}
}
