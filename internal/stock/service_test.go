package stock

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	items           map[string]ItemRef
	balances        map[string]Balance
	entries         []LedgerEntry
	adjustments     map[string]Adjustment
	reconciliations map[string]Reconciliation

	// staleReads makes LastEntry report a corrupted running balance for
	// that many reads, to exercise the consistency check.
	staleReads int
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		items:           make(map[string]ItemRef),
		balances:        make(map[string]Balance),
		adjustments:     make(map[string]Adjustment),
		reconciliations: make(map[string]Reconciliation),
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) ListLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, int, error) {
	var out []LedgerEntry
	for _, e := range r.entries {
		if filter.ItemID != "" && e.ItemID != filter.ItemID {
			continue
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, len(out), nil
}

func (r *memoryRepo) ItemLedger(ctx context.Context, itemID string) ([]LedgerEntry, error) {
	var out []LedgerEntry
	for _, e := range r.entries {
		if e.ItemID == itemID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memoryRepo) LedgerRange(ctx context.Context, from, to time.Time, metalType string) ([]LedgerEntry, error) {
	var out []LedgerEntry
	for _, e := range r.entries {
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		if metalType != "" && e.MetalType != metalType {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *memoryRepo) ListBalances(ctx context.Context) ([]Balance, error) {
	var out []Balance
	for _, b := range r.balances {
		out = append(out, b)
	}
	return out, nil
}

func (r *memoryRepo) ListItems(ctx context.Context) ([]ItemRef, error) {
	var out []ItemRef
	for _, item := range r.items {
		out = append(out, item)
	}
	return out, nil
}

func (r *memoryRepo) InsertAdjustment(ctx context.Context, adj Adjustment) error {
	r.adjustments[adj.ID] = adj
	return nil
}

func (r *memoryRepo) GetAdjustment(ctx context.Context, id string) (Adjustment, error) {
	adj, ok := r.adjustments[id]
	if !ok {
		return Adjustment{}, ErrAdjustmentNotFound
	}
	return adj, nil
}

func (r *memoryRepo) ListAdjustments(ctx context.Context, status string, page, limit int) ([]Adjustment, int, error) {
	var out []Adjustment
	for _, adj := range r.adjustments {
		if status != "" && string(adj.Status) != status {
			continue
		}
		out = append(out, adj)
	}
	return out, len(out), nil
}

func (r *memoryRepo) CountAdjustments(ctx context.Context) (int, error) {
	return len(r.adjustments), nil
}

func (r *memoryRepo) InsertReconciliation(ctx context.Context, rec Reconciliation) error {
	r.reconciliations[rec.ID] = rec
	return nil
}

func (r *memoryRepo) GetReconciliation(ctx context.Context, id string) (Reconciliation, error) {
	rec, ok := r.reconciliations[id]
	if !ok {
		return Reconciliation{}, ErrReconciliationNotFound
	}
	return rec, nil
}

func (r *memoryRepo) ListReconciliations(ctx context.Context, status string, page, limit int) ([]Reconciliation, int, error) {
	var out []Reconciliation
	for _, rec := range r.reconciliations {
		if status != "" && string(rec.Status) != status {
			continue
		}
		out = append(out, rec)
	}
	return out, len(out), nil
}

func (r *memoryRepo) CountReconciliations(ctx context.Context) (int, error) {
	return len(r.reconciliations), nil
}

func (tx *memoryTx) GetBalanceForUpdate(ctx context.Context, itemID string) (Balance, error) {
	if bal, ok := tx.repo.balances[itemID]; ok {
		return bal, nil
	}
	return Balance{}, ErrBalanceNotFound
}

func (tx *memoryTx) LastEntry(ctx context.Context, itemID string) (LedgerEntry, bool, error) {
	for i := len(tx.repo.entries) - 1; i >= 0; i-- {
		if tx.repo.entries[i].ItemID == itemID {
			entry := tx.repo.entries[i]
			if tx.repo.staleReads > 0 {
				tx.repo.staleReads--
				entry.RunningQuantity++
			}
			return entry, true, nil
		}
	}
	return LedgerEntry{}, false, nil
}

func (tx *memoryTx) InsertEntry(ctx context.Context, entry LedgerEntry) error {
	tx.repo.entries = append(tx.repo.entries, entry)
	return nil
}

func (tx *memoryTx) UpsertBalance(ctx context.Context, balance Balance) error {
	tx.repo.balances[balance.ItemID] = balance
	return nil
}

func (tx *memoryTx) GetItem(ctx context.Context, itemID string) (ItemRef, error) {
	item, ok := tx.repo.items[itemID]
	if !ok {
		return ItemRef{}, ErrItemNotFound
	}
	return item, nil
}

func (tx *memoryTx) UpdateItemQuantity(ctx context.Context, itemID string, quantity int) error {
	item, ok := tx.repo.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	item.Quantity = quantity
	tx.repo.items[itemID] = item
	return nil
}

func (tx *memoryTx) GetAdjustmentForUpdate(ctx context.Context, id string) (Adjustment, error) {
	return tx.repo.GetAdjustment(ctx, id)
}

func (tx *memoryTx) SetAdjustmentStatus(ctx context.Context, id string, status AdjustmentStatus, actorID string, at time.Time) error {
	adj := tx.repo.adjustments[id]
	adj.Status = status
	if status == AdjustmentApproved {
		adj.ApprovedBy = actorID
		adj.ApprovedAt = &at
	}
	tx.repo.adjustments[id] = adj
	return nil
}

func (tx *memoryTx) GetReconciliationForUpdate(ctx context.Context, id string) (Reconciliation, error) {
	return tx.repo.GetReconciliation(ctx, id)
}

func (tx *memoryTx) SetReconciliationStatus(ctx context.Context, id string, status ReconciliationStatus, actorID string, at time.Time) error {
	rec := tx.repo.reconciliations[id]
	rec.Status = status
	if status == ReconciliationCompleted {
		rec.CompletedBy = actorID
		rec.CompletedAt = &at
	}
	tx.repo.reconciliations[id] = rec
	return nil
}

func newTestService(repo *memoryRepo) *Service {
	return NewService(repo, repo, nil, nil, nil)
}

func goldRing(id string, qty int) ItemRef {
	return ItemRef{
		ID:           id,
		Name:         "Gold Ring",
		DesignCode:   "GR-101",
		MetalType:    "gold",
		Purity:       "22K",
		Weight:       5.5,
		Quantity:     qty,
		SellingPrice: 45000,
	}
}

func TestAppendMaintainsRunningBalances(t *testing.T) {
	repo := newMemoryRepo()
	repo.items["item-1"] = goldRing("item-1", 0)
	svc := newTestService(repo)
	ctx := context.Background()

	entry, err := svc.Append(ctx, AppendInput{
		ItemID: "item-1", Type: TransactionOpening, ReferenceType: "item",
		QuantityIn: 10, WeightIn: 55, UnitCost: 100, ActorID: "u1",
	})
	require.NoError(t, err)
	require.Equal(t, 10, entry.RunningQuantity)
	require.InDelta(t, 55.0, entry.RunningWeight, 0.0001)
	require.InDelta(t, 1000.0, entry.RunningValue, 0.0001)
	require.Equal(t, ValuationWeightedAverage, entry.ValuationMethod)

	entry, err = svc.Append(ctx, AppendInput{
		ItemID: "item-1", Type: TransactionPurchase, ReferenceType: "purchase",
		QuantityIn: 5, WeightIn: 27.5, UnitCost: 120, ActorID: "u1",
	})
	require.NoError(t, err)
	require.Equal(t, 15, entry.RunningQuantity)
	require.InDelta(t, 1600.0, entry.RunningValue, 0.0001)

	// Selling at weighted average cost keeps the remaining value exact.
	entry, err = svc.Append(ctx, AppendInput{
		ItemID: "item-1", Type: TransactionSale, ReferenceType: "invoice",
		QuantityOut: 7, WeightOut: 38.5, UnitCost: 1600.0 / 15.0, ActorID: "u1",
	})
	require.NoError(t, err)
	require.Equal(t, 8, entry.RunningQuantity)
	require.InDelta(t, 1600.0-7*1600.0/15.0, entry.RunningValue, 0.001)
	require.InDelta(t, -7*1600.0/15.0, entry.TotalValue, 0.001)

	require.Equal(t, 8, repo.balances["item-1"].Quantity)

	history, err := svc.ItemLedger(ctx, "item-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
}

func TestAppendRejectsInvalidMovements(t *testing.T) {
	repo := newMemoryRepo()
	repo.items["item-1"] = goldRing("item-1", 0)
	svc := newTestService(repo)
	ctx := context.Background()

	cases := []AppendInput{
		{ItemID: "item-1", Type: TransactionPurchase},
		{ItemID: "item-1", Type: TransactionPurchase, QuantityIn: 1, QuantityOut: 1},
		{ItemID: "item-1", Type: "melt", QuantityIn: 1},
		{ItemID: "item-1", Type: TransactionPurchase, QuantityIn: -1},
		{ItemID: "item-1", Type: TransactionPurchase, QuantityIn: 1, UnitCost: -5},
	}
	for _, input := range cases {
		_, err := svc.Append(ctx, input)
		require.ErrorIs(t, err, ErrInvalidMovement)
	}

	_, err := svc.Append(ctx, AppendInput{ItemID: "missing", Type: TransactionPurchase, QuantityIn: 1})
	require.ErrorIs(t, err, ErrItemNotFound)

	require.Empty(t, repo.entries)
}

func TestAppendRetriesOnStaleRunningBalance(t *testing.T) {
	repo := newMemoryRepo()
	repo.items["item-1"] = goldRing("item-1", 0)
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Append(ctx, AppendInput{
		ItemID: "item-1", Type: TransactionOpening, ReferenceType: "item",
		QuantityIn: 10, UnitCost: 100, ActorID: "u1",
	})
	require.NoError(t, err)

	repo.staleReads = 1
	entry, err := svc.Append(ctx, AppendInput{
		ItemID: "item-1", Type: TransactionPurchase, ReferenceType: "purchase",
		QuantityIn: 2, UnitCost: 100, ActorID: "u1",
	})
	require.NoError(t, err)
	require.Equal(t, 12, entry.RunningQuantity)

	repo.staleReads = 2
	_, err = svc.Append(ctx, AppendInput{
		ItemID: "item-1", Type: TransactionPurchase, ReferenceType: "purchase",
		QuantityIn: 2, UnitCost: 100, ActorID: "u1",
	})
	require.ErrorIs(t, err, ErrLedgerConsistency)
}

func TestApproveAdjustmentAppliesLedgerAndQuantity(t *testing.T) {
	repo := newMemoryRepo()
	repo.items["item-1"] = goldRing("item-1", 10)
	svc := newTestService(repo)
	ctx := context.Background()

	input := CreateAdjustmentInput{
		Type:    "decrease",
		Reason:  "damage",
		Lines:   []AdjustmentLine{{ItemID: "item-1", AdjustedQuantity: 7, UnitCost: 40000}},
		ActorID: "clerk",
	}
	adj, err := svc.CreateAdjustment(ctx, input)
	require.NoError(t, err)
	require.Equal(t, AdjustmentPending, adj.Status)
	require.Equal(t, -3, adj.Lines[0].QuantityDifference)
	require.Equal(t, 3, adj.TotalQuantityAdjusted)
	require.Contains(t, adj.Number, "ADJ-")

	// Nothing moves until approval.
	require.Empty(t, repo.entries)
	require.Equal(t, 10, repo.items["item-1"].Quantity)

	approved, err := svc.ApproveAdjustment(ctx, adj.ID, "manager")
	require.NoError(t, err)
	require.Equal(t, AdjustmentApproved, approved.Status)
	require.Equal(t, "manager", approved.ApprovedBy)

	require.Len(t, repo.entries, 1)
	entry := repo.entries[0]
	require.Equal(t, TransactionAdjustment, entry.Type)
	require.Equal(t, "adjustment", entry.ReferenceType)
	require.Equal(t, adj.ID, entry.ReferenceID)
	require.Equal(t, 3, entry.QuantityOut)
	require.Equal(t, 7, entry.RunningQuantity)
	require.Equal(t, 7, repo.items["item-1"].Quantity)

	_, err = svc.ApproveAdjustment(ctx, adj.ID, "manager")
	require.ErrorIs(t, err, ErrInvalidStateTransition)
	require.Len(t, repo.entries, 1)
}

func TestRejectAdjustmentIsTerminal(t *testing.T) {
	repo := newMemoryRepo()
	repo.items["item-1"] = goldRing("item-1", 10)
	svc := newTestService(repo)
	ctx := context.Background()

	adj, err := svc.CreateAdjustment(ctx, CreateAdjustmentInput{
		Type:    "increase",
		Reason:  "found stock",
		Lines:   []AdjustmentLine{{ItemID: "item-1", AdjustedQuantity: 12}},
		ActorID: "clerk",
	})
	require.NoError(t, err)

	rejected, err := svc.RejectAdjustment(ctx, adj.ID, "manager")
	require.NoError(t, err)
	require.Equal(t, AdjustmentRejected, rejected.Status)
	require.Empty(t, repo.entries)
	require.Equal(t, 10, repo.items["item-1"].Quantity)

	_, err = svc.ApproveAdjustment(ctx, adj.ID, "manager")
	require.ErrorIs(t, err, ErrInvalidStateTransition)
	_, err = svc.RejectAdjustment(ctx, adj.ID, "manager")
	require.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestCompleteReconciliationAppliesDiscrepanciesOnly(t *testing.T) {
	repo := newMemoryRepo()
	repo.items["item-1"] = goldRing("item-1", 10)
	matched := goldRing("item-2", 4)
	matched.Name = "Gold Chain"
	repo.items["item-2"] = matched
	svc := newTestService(repo)
	ctx := context.Background()

	input := CreateReconciliationInput{ActorID: "clerk"}
	input.Lines = append(input.Lines,
		struct {
			ItemID           string `json:"item_id" validate:"required"`
			PhysicalQuantity int    `json:"physical_quantity" validate:"gte=0"`
		}{ItemID: "item-1", PhysicalQuantity: 12},
		struct {
			ItemID           string `json:"item_id" validate:"required"`
			PhysicalQuantity int    `json:"physical_quantity" validate:"gte=0"`
		}{ItemID: "item-2", PhysicalQuantity: 4},
	)

	rec, err := svc.CreateReconciliation(ctx, input)
	require.NoError(t, err)
	require.Equal(t, ReconciliationDraft, rec.Status)
	require.Equal(t, 2, rec.TotalItemsCounted)
	require.Equal(t, 1, rec.TotalDiscrepancies)
	require.Contains(t, rec.Number, "REC-")

	completed, err := svc.CompleteReconciliation(ctx, rec.ID, "manager")
	require.NoError(t, err)
	require.Equal(t, ReconciliationCompleted, completed.Status)

	// Only the discrepant item produced a ledger entry.
	require.Len(t, repo.entries, 1)
	entry := repo.entries[0]
	require.Equal(t, "item-1", entry.ItemID)
	require.Equal(t, "reconciliation", entry.ReferenceType)
	require.Equal(t, 2, entry.QuantityIn)
	require.Equal(t, 12, repo.items["item-1"].Quantity)
	require.Equal(t, 4, repo.items["item-2"].Quantity)

	_, err = svc.CompleteReconciliation(ctx, rec.ID, "manager")
	require.ErrorIs(t, err, ErrInvalidStateTransition)
	require.Len(t, repo.entries, 1)
}
