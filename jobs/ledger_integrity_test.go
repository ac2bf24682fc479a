package jobs

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kanak-erp/kanak-erp/internal/stock"
)

type fakeLedgerSource struct {
	balances []stock.Balance
	ledgers  map[string][]stock.LedgerEntry
}

func (f *fakeLedgerSource) ListBalances(ctx context.Context) ([]stock.Balance, error) {
	return f.balances, nil
}

func (f *fakeLedgerSource) ItemLedger(ctx context.Context, itemID string) ([]stock.LedgerEntry, error) {
	return f.ledgers[itemID], nil
}

type captureObserver struct {
	observed int
}

func (c *captureObserver) ObserveLedgerViolations(n int) { c.observed = n }

func entry(itemID string, in, out, runningQty int, unitCost, runningValue float64) stock.LedgerEntry {
	return stock.LedgerEntry{
		ItemID:          itemID,
		QuantityIn:      in,
		QuantityOut:     out,
		UnitCost:        unitCost,
		TotalValue:      unitCost * float64(in-out),
		RunningQuantity: runningQty,
		RunningWeight:   0,
		RunningValue:    runningValue,
	}
}

func TestScanPassesConsistentLedger(t *testing.T) {
	source := &fakeLedgerSource{
		balances: []stock.Balance{{ItemID: "ring", Quantity: 3, Value: 300}},
		ledgers: map[string][]stock.LedgerEntry{
			"ring": {
				entry("ring", 5, 0, 5, 100, 500),
				entry("ring", 0, 2, 3, 100, 300),
			},
		},
	}
	observer := &captureObserver{}
	scanner := NewLedgerIntegrityScanner(slog.New(slog.DiscardHandler), source, observer)

	violations, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Zero(t, violations)
	require.Zero(t, observer.observed)
}

func TestScanFlagsBrokenRunningBalanceAndSnapshot(t *testing.T) {
	source := &fakeLedgerSource{
		balances: []stock.Balance{
			// Snapshot says 9 but the ledger sums to 3.
			{ItemID: "ring", Quantity: 9, Value: 300},
		},
		ledgers: map[string][]stock.LedgerEntry{
			"ring": {
				entry("ring", 5, 0, 5, 100, 500),
				// Running quantity skips an entry.
				entry("ring", 0, 2, 4, 100, 300),
			},
		},
	}
	observer := &captureObserver{}
	scanner := NewLedgerIntegrityScanner(slog.New(slog.DiscardHandler), source, observer)

	violations, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, violations)
	require.Equal(t, 2, observer.observed)
}
