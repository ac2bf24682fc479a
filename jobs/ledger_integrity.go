package jobs

import (
	"context"
	"log/slog"
	"math"

	"github.com/hibiken/asynq"

	"github.com/kanak-erp/kanak-erp/internal/stock"
)

// LedgerSource provides the ledger data the integrity scan walks.
type LedgerSource interface {
	ListBalances(ctx context.Context) ([]stock.Balance, error)
	ItemLedger(ctx context.Context, itemID string) ([]stock.LedgerEntry, error)
}

// ViolationObserver receives the number of violations found per scan.
type ViolationObserver interface {
	ObserveLedgerViolations(n int)
}

// LedgerIntegrityScanner recomputes running balances for every item and
// compares them with the stored ledger rows and balance snapshots.
type LedgerIntegrityScanner struct {
	logger  *slog.Logger
	source  LedgerSource
	metrics ViolationObserver
}

// NewLedgerIntegrityScanner constructs the scanner.
func NewLedgerIntegrityScanner(logger *slog.Logger, source LedgerSource, metrics ViolationObserver) *LedgerIntegrityScanner {
	return &LedgerIntegrityScanner{logger: logger, source: source, metrics: metrics}
}

// Handler adapts the scanner to an Asynq handler.
func (s *LedgerIntegrityScanner) Handler() asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		_, err := s.Scan(ctx)
		return err
	}
}

// Scan walks every item ledger and returns the number of violations.
// A corrupt ledger is reported, never repaired.
func (s *LedgerIntegrityScanner) Scan(ctx context.Context) (int, error) {
	balances, err := s.source.ListBalances(ctx)
	if err != nil {
		return 0, err
	}

	violations := 0
	for _, balance := range balances {
		entries, err := s.source.ItemLedger(ctx, balance.ItemID)
		if err != nil {
			return violations, err
		}
		violations += s.checkItem(balance, entries)
	}

	if s.metrics != nil {
		s.metrics.ObserveLedgerViolations(violations)
	}
	s.logger.Info("ledger integrity scan finished",
		slog.Int("items", len(balances)),
		slog.Int("violations", violations))
	return violations, nil
}

func (s *LedgerIntegrityScanner) checkItem(balance stock.Balance, entries []stock.LedgerEntry) int {
	violations := 0
	qty := 0
	weight, value := 0.0, 0.0
	for _, entry := range entries {
		qty += entry.QuantityIn - entry.QuantityOut
		weight += entry.WeightIn - entry.WeightOut
		value += entry.UnitCost * float64(entry.QuantityIn-entry.QuantityOut)
		if entry.RunningQuantity != qty ||
			!closeEnough(entry.RunningWeight, weight) ||
			!closeEnough(entry.RunningValue, value) {
			violations++
			s.logger.Warn("running balance mismatch",
				slog.String("item_id", entry.ItemID),
				slog.String("entry_id", entry.ID),
				slog.Int("expected_quantity", qty),
				slog.Int("running_quantity", entry.RunningQuantity))
		}
	}
	if len(entries) > 0 &&
		(balance.Quantity != qty || !closeEnough(balance.Weight, weight) || !closeEnough(balance.Value, value)) {
		violations++
		s.logger.Warn("balance snapshot diverges from ledger",
			slog.String("item_id", balance.ItemID),
			slog.Int("snapshot_quantity", balance.Quantity),
			slog.Int("ledger_quantity", qty))
	}
	return violations
}

func closeEnough(a, b float64) bool {
	return math.Abs(a-b) < 0.0001
}
