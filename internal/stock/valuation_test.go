package stock

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValuationGroupsByMetalAndPurity(t *testing.T) {
	repo := newMemoryRepo()
	repo.items["ring"] = goldRing("ring", 10)
	chain := goldRing("chain", 2)
	chain.Name = "Gold Chain"
	chain.DesignCode = "GC-200"
	chain.SellingPrice = 60000
	repo.items["chain"] = chain
	silver := ItemRef{
		ID: "anklet", Name: "Silver Anklet", DesignCode: "SA-300",
		MetalType: "silver", Purity: "925", Weight: 20, Quantity: 3, SellingPrice: 2500,
	}
	repo.items["anklet"] = silver

	svc := newTestService(repo)
	ctx := context.Background()

	val, err := svc.Valuation(ctx, "", ValuationFilter{})
	require.NoError(t, err)
	require.Equal(t, ValuationWeightedAverage, val.Method)
	require.Len(t, val.Groups, 2)

	// Groups sort by metal then purity, so gold comes first.
	gold := val.Groups[0]
	require.Equal(t, "gold", gold.MetalType)
	require.Equal(t, "22K", gold.Purity)
	require.Equal(t, 2, gold.ItemCount)
	require.Equal(t, 12, gold.Quantity)
	require.InDelta(t, 12*5.5, gold.Weight, 0.001)
	require.InDelta(t, 10*45000+2*60000, gold.Value, 0.001)
	require.NotEmpty(t, gold.DisplayValue)

	sil := val.Groups[1]
	require.Equal(t, "silver", sil.MetalType)
	require.Equal(t, 3, sil.Quantity)
	require.InDelta(t, 3*2500, sil.Value, 0.001)

	require.Equal(t, 3, val.TotalItems)
	require.Equal(t, 15, val.TotalQuantity)
	require.InDelta(t, 570000+7500, val.TotalValue, 0.001)

	// Narrowing to silver drops the gold bucket and recomputes totals.
	filtered, err := svc.Valuation(ctx, "", ValuationFilter{MetalType: "silver"})
	require.NoError(t, err)
	require.Len(t, filtered.Groups, 1)
	require.Equal(t, 3, filtered.TotalQuantity)
	require.InDelta(t, 7500, filtered.TotalValue, 0.001)
}

func TestValuationUsesSellingPriceNotLedgerCost(t *testing.T) {
	repo := newMemoryRepo()
	item := goldRing("ring", 10)
	item.Weight = 1
	item.SellingPrice = 100
	repo.items["ring"] = item
	svc := newTestService(repo)
	ctx := context.Background()

	// The opening entry carries acquisition cost well below ticket price.
	_, err := svc.Append(ctx, AppendInput{
		ItemID: "ring", Type: TransactionOpening, ReferenceType: "item",
		QuantityIn: 10, WeightIn: 10, UnitCost: 60, ActorID: "u1",
	})
	require.NoError(t, err)

	val, err := svc.Valuation(ctx, "", ValuationFilter{})
	require.NoError(t, err)
	require.Equal(t, 10, val.TotalQuantity)
	require.InDelta(t, 1000, val.TotalValue, 0.001)
}

type gatedItems struct {
	items   []ItemRef
	entered chan struct{}
	release chan struct{}
}

func (g *gatedItems) ListItems(ctx context.Context) ([]ItemRef, error) {
	if g.entered != nil {
		close(g.entered)
		g.entered = nil
	}
	if g.release != nil {
		<-g.release
	}
	return g.items, nil
}

// Two services must not share a flight: a slow computation on one cannot
// stall or answer for the other.
func TestValuationFlightScopedPerService(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	slow := &gatedItems{items: []ItemRef{goldRing("a", 1)}, entered: entered, release: release}
	fast := &gatedItems{items: []ItemRef{{
		ID: "b", MetalType: "silver", Purity: "925", Quantity: 2, SellingPrice: 10,
	}}}
	svc1 := NewService(newMemoryRepo(), slow, nil, nil, nil)
	svc2 := NewService(newMemoryRepo(), fast, nil, nil, nil)
	ctx := context.Background()

	type result struct {
		val Valuation
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := svc1.Valuation(ctx, "", ValuationFilter{})
		done <- result{v, err}
	}()
	<-entered

	v2, err := svc2.Valuation(ctx, "", ValuationFilter{})
	require.NoError(t, err)
	require.InDelta(t, 20, v2.TotalValue, 0.001)

	close(release)
	r1 := <-done
	require.NoError(t, r1.err)
	require.InDelta(t, 45000, r1.val.TotalValue, 0.001)
}

func TestValuationRejectsUnsupportedMethods(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	for _, method := range []ValuationMethod{ValuationFIFO, ValuationLIFO, "average"} {
		_, err := svc.Valuation(context.Background(), method, ValuationFilter{})
		require.ErrorIs(t, err, ErrUnsupportedValuation)
	}
}

func TestMovementsAggregatesByType(t *testing.T) {
	repo := newMemoryRepo()
	repo.items["ring"] = goldRing("ring", 0)
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Append(ctx, AppendInput{
		ItemID: "ring", Type: TransactionPurchase, ReferenceType: "purchase",
		QuantityIn: 10, WeightIn: 55, UnitCost: 100, ActorID: "u1",
	})
	require.NoError(t, err)
	_, err = svc.Append(ctx, AppendInput{
		ItemID: "ring", Type: TransactionSale, ReferenceType: "invoice",
		QuantityOut: 4, WeightOut: 22, UnitCost: 100, ActorID: "u1",
	})
	require.NoError(t, err)
	_, err = svc.Append(ctx, AppendInput{
		ItemID: "ring", Type: TransactionSale, ReferenceType: "invoice",
		QuantityOut: 2, WeightOut: 11, UnitCost: 100, ActorID: "u1",
	})
	require.NoError(t, err)

	report, err := svc.Movements(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), "")
	require.NoError(t, err)
	require.Len(t, report.Rows, 2)

	byType := map[TransactionType]MovementRow{}
	for _, row := range report.Rows {
		byType[row.Type] = row
	}
	require.Equal(t, 10, byType[TransactionPurchase].QuantityIn)
	require.Equal(t, 1, byType[TransactionPurchase].Entries)
	require.Equal(t, 6, byType[TransactionSale].QuantityOut)
	require.Equal(t, 2, byType[TransactionSale].Entries)
	require.InDelta(t, 600, byType[TransactionSale].ValueOut, 0.001)

	require.Equal(t, 4, report.NetQuantity)
	require.InDelta(t, 400, report.NetValue, 0.001)
}

func TestMovementsRejectsEmptyPeriod(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	now := time.Now()
	_, err := svc.Movements(context.Background(), now, now.Add(-time.Hour), "")
	require.ErrorIs(t, err, ErrInvalidMovement)
}

func TestFormatINRGroupsDigits(t *testing.T) {
	out := formatINR(123456)
	require.True(t, strings.HasPrefix(out, "₹"))
	require.Contains(t, out, ",")
	require.True(t, strings.HasSuffix(out, "456.00"))
	require.Equal(t, "₹0.00", formatINR(0))
}
