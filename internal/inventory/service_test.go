package inventory

import (
	"context"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kanak-erp/kanak-erp/internal/docstore"
	"github.com/kanak-erp/kanak-erp/internal/stock"
)

type memoryDocs struct {
	docs map[string]docstore.Document
}

func newMemoryDocs() *memoryDocs {
	return &memoryDocs{docs: make(map[string]docstore.Document)}
}

func (m *memoryDocs) Put(ctx context.Context, collection, id string, data map[string]any) (docstore.Document, error) {
	doc := docstore.Document{Collection: collection, ID: id, Data: data, UpdatedAt: time.Now().UTC()}
	m.docs[id] = doc
	return doc, nil
}

func (m *memoryDocs) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	doc, ok := m.docs[id]
	if !ok {
		return docstore.Document{}, docstore.ErrDocumentNotFound
	}
	return doc, nil
}

func (m *memoryDocs) Delete(ctx context.Context, collection, id string) (bool, error) {
	if _, ok := m.docs[id]; !ok {
		return false, nil
	}
	delete(m.docs, id)
	return true, nil
}

func (m *memoryDocs) List(ctx context.Context, collection string, limit, offset int) ([]docstore.Document, error) {
	var out []docstore.Document
	for _, doc := range m.docs {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if offset > len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryDocs) Count(ctx context.Context, collection string) (int, error) {
	return len(m.docs), nil
}

type fakeStock struct {
	appends []stock.AppendInput
}

func (f *fakeStock) Append(ctx context.Context, input stock.AppendInput) (stock.LedgerEntry, error) {
	f.appends = append(f.appends, input)
	return stock.LedgerEntry{ID: "entry"}, nil
}

func testItem() Item {
	return Item{
		Name:         "Gold Ring",
		MetalType:    "gold",
		Purity:       "22K",
		DesignCode:   "GR-101",
		Weight:       5.5,
		BasePrice:    38000,
		SellingPrice: 45000,
		Quantity:     5,
	}
}

func TestCreateValidatesAndOpensLedger(t *testing.T) {
	docs := newMemoryDocs()
	ledger := &fakeStock{}
	svc := NewService(slog.New(slog.DiscardHandler), docs, ledger)
	ctx := context.Background()

	created, err := svc.Create(ctx, testItem(), "u1")
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.Equal(t, StatusActive, created.Status)

	require.Len(t, ledger.appends, 1)
	opening := ledger.appends[0]
	require.Equal(t, stock.TransactionOpening, opening.Type)
	require.Equal(t, 5, opening.QuantityIn)
	require.InDelta(t, 27.5, opening.WeightIn, 0.0001)
	require.InDelta(t, 38000, opening.UnitCost, 0.0001)

	// Missing required fields are rejected before anything is stored.
	bad := testItem()
	bad.Name = ""
	_, err = svc.Create(ctx, bad, "u1")
	require.Error(t, err)

	bad = testItem()
	bad.MetalType = "brass"
	_, err = svc.Create(ctx, bad, "u1")
	require.Error(t, err)
}

func TestCreateWithoutStockSkipsLedger(t *testing.T) {
	docs := newMemoryDocs()
	ledger := &fakeStock{}
	svc := NewService(slog.New(slog.DiscardHandler), docs, ledger)

	item := testItem()
	item.Quantity = 0
	_, err := svc.Create(context.Background(), item, "u1")
	require.NoError(t, err)
	require.Empty(t, ledger.appends)
}

func TestUpdatePreservesQuantity(t *testing.T) {
	docs := newMemoryDocs()
	svc := NewService(slog.New(slog.DiscardHandler), docs, nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, testItem(), "u1")
	require.NoError(t, err)

	edit := testItem()
	edit.Name = "Gold Ring Deluxe"
	edit.Quantity = 99
	updated, err := svc.Update(ctx, created.ID, edit)
	require.NoError(t, err)
	require.Equal(t, "Gold Ring Deluxe", updated.Name)
	require.Equal(t, 5, updated.Quantity)

	_, err = svc.Update(ctx, "missing", edit)
	require.ErrorIs(t, err, ErrItemNotFound)
}

func TestDeleteMissingItem(t *testing.T) {
	svc := NewService(slog.New(slog.DiscardHandler), newMemoryDocs(), nil)
	err := svc.Delete(context.Background(), "missing")
	require.ErrorIs(t, err, ErrItemNotFound)
}

func TestSummaryGroupsAndFlagsLowStock(t *testing.T) {
	docs := newMemoryDocs()
	svc := NewService(slog.New(slog.DiscardHandler), docs, nil)
	ctx := context.Background()

	ring := testItem()
	_, err := svc.Create(ctx, ring, "u1")
	require.NoError(t, err)

	lowChain := testItem()
	lowChain.Name = "Gold Chain"
	lowChain.Quantity = 1
	_, err = svc.Create(ctx, lowChain, "u1")
	require.NoError(t, err)

	soldOut := Item{
		Name: "Silver Anklet", MetalType: "silver", Purity: "925",
		Weight: 20, SellingPrice: 2500, Quantity: 0,
	}
	_, err = svc.Create(ctx, soldOut, "u1")
	require.NoError(t, err)

	summary, err := svc.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, summary.TotalItems)
	require.Equal(t, 6, summary.TotalQuantity)
	require.InDelta(t, 6*45000, summary.TotalValue, 0.001)

	require.Len(t, summary.ByMetal, 2)
	require.Equal(t, "gold", summary.ByMetal[0].MetalType)
	require.Equal(t, 2, summary.ByMetal[0].Items)
	require.Equal(t, "silver", summary.ByMetal[1].MetalType)

	require.Len(t, summary.LowStock, 1)
	require.Equal(t, "Gold Chain", summary.LowStock[0].Name)
	require.Len(t, summary.OutOfStock, 1)
	require.Equal(t, "Silver Anklet", summary.OutOfStock[0].Name)
}
