package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/kanak-erp/kanak-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, int, error)
	ItemLedger(ctx context.Context, itemID string) ([]LedgerEntry, error)
	LedgerRange(ctx context.Context, from, to time.Time, metalType string) ([]LedgerEntry, error)
	InsertAdjustment(ctx context.Context, adj Adjustment) error
	GetAdjustment(ctx context.Context, id string) (Adjustment, error)
	ListAdjustments(ctx context.Context, status string, page, limit int) ([]Adjustment, int, error)
	CountAdjustments(ctx context.Context) (int, error)
	InsertReconciliation(ctx context.Context, rec Reconciliation) error
	GetReconciliation(ctx context.Context, id string) (Reconciliation, error)
	ListReconciliations(ctx context.Context, status string, page, limit int) ([]Reconciliation, int, error)
	CountReconciliations(ctx context.Context) (int, error)
}

// TxRepository exposes transactional operations used by the service. All
// balance reads lock the row, which serialises appends per item.
type TxRepository interface {
	GetBalanceForUpdate(ctx context.Context, itemID string) (Balance, error)
	LastEntry(ctx context.Context, itemID string) (LedgerEntry, bool, error)
	InsertEntry(ctx context.Context, entry LedgerEntry) error
	UpsertBalance(ctx context.Context, balance Balance) error
	GetItem(ctx context.Context, itemID string) (ItemRef, error)
	UpdateItemQuantity(ctx context.Context, itemID string, quantity int) error
	GetAdjustmentForUpdate(ctx context.Context, id string) (Adjustment, error)
	SetAdjustmentStatus(ctx context.Context, id string, status AdjustmentStatus, actorID string, at time.Time) error
	GetReconciliationForUpdate(ctx context.Context, id string) (Reconciliation, error)
	SetReconciliationStatus(ctx context.Context, id string, status ReconciliationStatus, actorID string, at time.Time) error
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ErrBalanceNotFound indicates a missing balance row; the first movement
// for an item starts from zero.
var ErrBalanceNotFound = errors.New("stock: balance not found")

// Service coordinates ledger appends, valuation and the correction workflows.
type Service struct {
	repo        RepositoryPort
	items       ItemsPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	cache       *ValuationCache
	flight      singleflight.Group
}

// NewService builds Service. audit, idempotency and cache may be nil.
func NewService(repo RepositoryPort, items ItemsPort, audit AuditPort, idem *shared.IdempotencyStore, cache *ValuationCache) *Service {
	return &Service{repo: repo, items: items, audit: audit, idempotency: idem, cache: cache}
}

// Append records one inventory movement and returns the persisted entry.
// This is the only way item history changes. The per-item balance row is
// locked for the duration of the transaction, so two appends for the same
// item can never read the same prior running balance. A consistency
// violation is retried once with a fresh read before being surfaced.
func (s *Service) Append(ctx context.Context, input AppendInput) (LedgerEntry, error) {
	if err := validateAppend(input); err != nil {
		return LedgerEntry{}, err
	}
	entry, err := s.appendOnce(ctx, input)
	if errors.Is(err, ErrLedgerConsistency) {
		entry, err = s.appendOnce(ctx, input)
	}
	return entry, err
}

func (s *Service) appendOnce(ctx context.Context, input AppendInput) (LedgerEntry, error) {
	var entry LedgerEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entry, err = s.appendTx(ctx, tx, input)
		return err
	})
	if err != nil {
		return LedgerEntry{}, err
	}
	if s.cache != nil {
		_ = s.cache.Bump(ctx)
	}
	return entry, nil
}

// appendTx performs the append inside an existing transaction. Used
// directly by the approval workflows so ledger entries, item quantities
// and status transitions commit atomically.
func (s *Service) appendTx(ctx context.Context, tx TxRepository, input AppendInput) (LedgerEntry, error) {
	item, err := tx.GetItem(ctx, input.ItemID)
	if err != nil {
		return LedgerEntry{}, err
	}

	balance, err := tx.GetBalanceForUpdate(ctx, input.ItemID)
	if err != nil && !errors.Is(err, ErrBalanceNotFound) {
		return LedgerEntry{}, err
	}
	if errors.Is(err, ErrBalanceNotFound) {
		balance = Balance{ItemID: input.ItemID}
	}

	// The balance row and the latest entry must agree before anything new
	// is derived from them.
	last, ok, err := tx.LastEntry(ctx, input.ItemID)
	if err != nil {
		return LedgerEntry{}, err
	}
	if ok && (last.RunningQuantity != balance.Quantity ||
		!closeEnough(last.RunningWeight, balance.Weight) ||
		!closeEnough(last.RunningValue, balance.Value)) {
		return LedgerEntry{}, ErrLedgerConsistency
	}

	now := time.Now().UTC()
	entry := LedgerEntry{
		ID:              uuid.New().String(),
		ItemID:          input.ItemID,
		ItemName:        item.Name,
		DesignCode:      item.DesignCode,
		MetalType:       item.MetalType,
		Purity:          item.Purity,
		Type:            input.Type,
		ReferenceType:   input.ReferenceType,
		ReferenceID:     input.ReferenceID,
		QuantityIn:      input.QuantityIn,
		QuantityOut:     input.QuantityOut,
		WeightIn:        input.WeightIn,
		WeightOut:       input.WeightOut,
		UnitCost:        input.UnitCost,
		TotalValue:      input.UnitCost * float64(input.QuantityIn-input.QuantityOut),
		RunningQuantity: balance.Quantity + input.QuantityIn - input.QuantityOut,
		RunningWeight:   balance.Weight + input.WeightIn - input.WeightOut,
		RunningValue:    balance.Value + input.UnitCost*float64(input.QuantityIn) - input.UnitCost*float64(input.QuantityOut),
		ValuationMethod: ValuationWeightedAverage,
		Notes:           input.Notes,
		CreatedBy:       input.ActorID,
		CreatedAt:       now,
	}

	if err := tx.InsertEntry(ctx, entry); err != nil {
		return LedgerEntry{}, err
	}
	newBalance := Balance{
		ItemID:    input.ItemID,
		Quantity:  entry.RunningQuantity,
		Weight:    entry.RunningWeight,
		Value:     entry.RunningValue,
		UpdatedAt: now,
	}
	if err := tx.UpsertBalance(ctx, newBalance); err != nil {
		return LedgerEntry{}, err
	}
	return entry, nil
}

// ListLedger returns filtered ledger entries, newest first, with the total count.
func (s *Service) ListLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, int, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 50
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	return s.repo.ListLedger(ctx, filter)
}

// ItemLedger returns the complete movement history for one item in
// creation order.
func (s *Service) ItemLedger(ctx context.Context, itemID string) ([]LedgerEntry, error) {
	if itemID == "" {
		return nil, ErrItemNotFound
	}
	return s.repo.ItemLedger(ctx, itemID)
}

// CreateAdjustment proposes a stock correction in pending state.
func (s *Service) CreateAdjustment(ctx context.Context, input CreateAdjustmentInput) (Adjustment, error) {
	if len(input.Lines) == 0 {
		return Adjustment{}, fmt.Errorf("%w: adjustment requires at least one line", ErrInvalidMovement)
	}
	now := time.Now().UTC()
	adj := Adjustment{
		ID:        uuid.New().String(),
		Date:      now,
		Type:      input.Type,
		Reason:    input.Reason,
		Status:    AdjustmentPending,
		Notes:     input.Notes,
		CreatedBy: input.ActorID,
		CreatedAt: now,
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, line := range input.Lines {
			item, err := tx.GetItem(ctx, line.ItemID)
			if err != nil {
				return err
			}
			line.ItemName = item.Name
			line.DesignCode = item.DesignCode
			line.MetalType = item.MetalType
			line.Purity = item.Purity
			line.SystemQuantity = item.Quantity
			line.SystemWeight = float64(item.Quantity) * item.Weight
			line.QuantityDifference = line.AdjustedQuantity - item.Quantity
			line.WeightDifference = float64(line.QuantityDifference) * item.Weight
			if line.UnitCost == 0 {
				line.UnitCost = item.SellingPrice
			}
			line.ValueDifference = float64(line.QuantityDifference) * line.UnitCost
			adj.Lines = append(adj.Lines, line)

			adj.TotalQuantityAdjusted += abs(line.QuantityDifference)
			adj.TotalWeightAdjusted += absFloat(line.WeightDifference)
			adj.TotalValueAdjusted += absFloat(line.ValueDifference)
		}
		return nil
	})
	if err != nil {
		return Adjustment{}, err
	}

	count, err := s.repo.CountAdjustments(ctx)
	if err != nil {
		return Adjustment{}, err
	}
	adj.Number = fmt.Sprintf("ADJ-%d-%05d", now.Year(), count+1)

	if err := s.repo.InsertAdjustment(ctx, adj); err != nil {
		return Adjustment{}, err
	}
	return adj, nil
}

// GetAdjustment fetches one adjustment.
func (s *Service) GetAdjustment(ctx context.Context, id string) (Adjustment, error) {
	return s.repo.GetAdjustment(ctx, id)
}

// ListAdjustments returns adjustments, optionally filtered by status.
func (s *Service) ListAdjustments(ctx context.Context, status string, page, limit int) ([]Adjustment, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if page <= 0 {
		page = 1
	}
	return s.repo.ListAdjustments(ctx, status, page, limit)
}

// ApproveAdjustment applies a pending adjustment: one ledger entry and one
// item quantity update per line, all inside a single transaction with the
// terminal status flip. Re-approving is rejected without touching the ledger.
func (s *Service) ApproveAdjustment(ctx context.Context, id, actorID string) (Adjustment, error) {
	key := fmt.Sprintf("stock:adjustment:%s:approve", id)
	insertedKey := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, "stock"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return Adjustment{}, ErrInvalidStateTransition
			}
			return Adjustment{}, err
		}
		insertedKey = true
	}

	var approved Adjustment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		adj, err := tx.GetAdjustmentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if adj.Status != AdjustmentPending {
			return ErrInvalidStateTransition
		}

		for _, line := range adj.Lines {
			input := adjustmentMovement(line, "adjustment", adj.ID, adj.Reason, actorID)
			if _, err := s.appendTx(ctx, tx, input); err != nil {
				return err
			}
			if err := tx.UpdateItemQuantity(ctx, line.ItemID, line.AdjustedQuantity); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		if err := tx.SetAdjustmentStatus(ctx, id, AdjustmentApproved, actorID, now); err != nil {
			return err
		}
		adj.Status = AdjustmentApproved
		adj.ApprovedBy = actorID
		adj.ApprovedAt = &now
		approved = adj
		return nil
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, key)
		}
		return Adjustment{}, err
	}

	if s.cache != nil {
		_ = s.cache.Bump(ctx)
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "APPROVE",
			Entity:   "stock_adjustment",
			EntityID: id,
			Meta:     map[string]any{"lines": len(approved.Lines), "reason": approved.Reason},
		})
	}
	return approved, nil
}

// RejectAdjustment moves a pending adjustment to its rejected terminal
// state. No ledger effect.
func (s *Service) RejectAdjustment(ctx context.Context, id, actorID string) (Adjustment, error) {
	var rejected Adjustment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		adj, err := tx.GetAdjustmentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if adj.Status != AdjustmentPending {
			return ErrInvalidStateTransition
		}
		if err := tx.SetAdjustmentStatus(ctx, id, AdjustmentRejected, actorID, time.Now().UTC()); err != nil {
			return err
		}
		adj.Status = AdjustmentRejected
		rejected = adj
		return nil
	})
	if err != nil {
		return Adjustment{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "REJECT",
			Entity:   "stock_adjustment",
			EntityID: id,
		})
	}
	return rejected, nil
}

// CreateReconciliation snapshots system quantities against a physical count.
func (s *Service) CreateReconciliation(ctx context.Context, input CreateReconciliationInput) (Reconciliation, error) {
	if len(input.Lines) == 0 {
		return Reconciliation{}, fmt.Errorf("%w: reconciliation requires at least one line", ErrInvalidMovement)
	}
	now := time.Now().UTC()
	rec := Reconciliation{
		ID:        uuid.New().String(),
		Date:      now,
		Status:    ReconciliationDraft,
		Notes:     input.Notes,
		CreatedBy: input.ActorID,
		CreatedAt: now,
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, in := range input.Lines {
			item, err := tx.GetItem(ctx, in.ItemID)
			if err != nil {
				return err
			}
			diff := in.PhysicalQuantity - item.Quantity
			line := ReconciliationLine{
				ItemID:           item.ID,
				ItemName:         item.Name,
				DesignCode:       item.DesignCode,
				MetalType:        item.MetalType,
				Purity:           item.Purity,
				SystemQuantity:   item.Quantity,
				PhysicalQuantity: in.PhysicalQuantity,
				Difference:       diff,
				UnitPrice:        item.SellingPrice,
				ValueDifference:  float64(diff) * item.SellingPrice,
			}
			rec.Lines = append(rec.Lines, line)
			rec.TotalItemsCounted++
			if diff != 0 {
				rec.TotalDiscrepancies++
				rec.TotalValueDiscrepancy += absFloat(line.ValueDifference)
			}
		}
		return nil
	})
	if err != nil {
		return Reconciliation{}, err
	}

	count, err := s.repo.CountReconciliations(ctx)
	if err != nil {
		return Reconciliation{}, err
	}
	rec.Number = fmt.Sprintf("REC-%d-%05d", now.Year(), count+1)

	if err := s.repo.InsertReconciliation(ctx, rec); err != nil {
		return Reconciliation{}, err
	}
	return rec, nil
}

// GetReconciliation fetches one reconciliation.
func (s *Service) GetReconciliation(ctx context.Context, id string) (Reconciliation, error) {
	return s.repo.GetReconciliation(ctx, id)
}

// ListReconciliations returns reconciliations, optionally filtered by status.
func (s *Service) ListReconciliations(ctx context.Context, status string, page, limit int) ([]Reconciliation, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if page <= 0 {
		page = 1
	}
	return s.repo.ListReconciliations(ctx, status, page, limit)
}

// CompleteReconciliation applies every counted discrepancy: one ledger
// entry plus an item quantity update per line with a non-zero difference.
// Lines that match the system count emit nothing. Completing twice is
// rejected with no ledger effect.
func (s *Service) CompleteReconciliation(ctx context.Context, id, actorID string) (Reconciliation, error) {
	key := fmt.Sprintf("stock:reconciliation:%s:complete", id)
	insertedKey := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, "stock"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return Reconciliation{}, ErrInvalidStateTransition
			}
			return Reconciliation{}, err
		}
		insertedKey = true
	}

	var completed Reconciliation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rec, err := tx.GetReconciliationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if rec.Status == ReconciliationCompleted {
			return ErrInvalidStateTransition
		}

		for _, line := range rec.Lines {
			if line.Difference == 0 {
				continue
			}
			item, err := tx.GetItem(ctx, line.ItemID)
			if err != nil {
				return err
			}
			input := AppendInput{
				ItemID:        line.ItemID,
				Type:          TransactionAdjustment,
				ReferenceType: "reconciliation",
				ReferenceID:   rec.ID,
				UnitCost:      line.UnitPrice,
				Notes:         "Stock reconciliation adjustment",
				ActorID:       actorID,
			}
			if line.Difference > 0 {
				input.QuantityIn = line.Difference
				input.WeightIn = float64(line.Difference) * item.Weight
			} else {
				input.QuantityOut = -line.Difference
				input.WeightOut = float64(-line.Difference) * item.Weight
			}
			if _, err := s.appendTx(ctx, tx, input); err != nil {
				return err
			}
			if err := tx.UpdateItemQuantity(ctx, line.ItemID, line.PhysicalQuantity); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		if err := tx.SetReconciliationStatus(ctx, id, ReconciliationCompleted, actorID, now); err != nil {
			return err
		}
		rec.Status = ReconciliationCompleted
		rec.CompletedBy = actorID
		rec.CompletedAt = &now
		completed = rec
		return nil
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, key)
		}
		return Reconciliation{}, err
	}

	if s.cache != nil {
		_ = s.cache.Bump(ctx)
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "COMPLETE",
			Entity:   "stock_reconciliation",
			EntityID: id,
			Meta:     map[string]any{"discrepancies": completed.TotalDiscrepancies},
		})
	}
	return completed, nil
}

func adjustmentMovement(line AdjustmentLine, refType, refID, reason, actorID string) AppendInput {
	input := AppendInput{
		ItemID:        line.ItemID,
		Type:          TransactionAdjustment,
		ReferenceType: refType,
		ReferenceID:   refID,
		UnitCost:      line.UnitCost,
		Notes:         "Stock adjustment: " + reason,
		ActorID:       actorID,
	}
	if line.QuantityDifference > 0 {
		input.QuantityIn = line.QuantityDifference
	} else {
		input.QuantityOut = -line.QuantityDifference
	}
	if line.WeightDifference > 0 {
		input.WeightIn = line.WeightDifference
	} else {
		input.WeightOut = -line.WeightDifference
	}
	return input
}

func validateAppend(input AppendInput) error {
	if input.ItemID == "" {
		return ErrItemNotFound
	}
	if !ValidTransactionType(input.Type) {
		return fmt.Errorf("%w: %q", ErrInvalidMovement, input.Type)
	}
	if input.QuantityIn < 0 || input.QuantityOut < 0 || input.WeightIn < 0 || input.WeightOut < 0 {
		return ErrInvalidMovement
	}
	if input.QuantityIn == 0 && input.QuantityOut == 0 && input.WeightIn == 0 && input.WeightOut == 0 {
		return ErrInvalidMovement
	}
	if input.QuantityIn > 0 && input.QuantityOut > 0 {
		return ErrInvalidMovement
	}
	if input.UnitCost < 0 {
		return fmt.Errorf("%w: negative unit cost", ErrInvalidMovement)
	}
	return nil
}

func closeEnough(a, b float64) bool {
	d := a - b
	return d < 0.0001 && d > -0.0001
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
