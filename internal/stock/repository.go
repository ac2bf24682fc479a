package stock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kanak-erp/kanak-erp/internal/platform/db"
)

// Repository is the PostgreSQL-backed implementation of RepositoryPort.
// Ledger entries and balances live in relational tables; adjustment and
// reconciliation lines are stored as JSONB alongside their headers.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const ledgerColumns = `id, item_id, item_name, design_code, metal_type, purity,
transaction_type, reference_type, COALESCE(reference_id, ''), quantity_in, quantity_out,
weight_in, weight_out, unit_cost, total_value, running_quantity, running_weight,
running_value, valuation_method, COALESCE(notes, ''), created_by, created_at`

// ListLedger returns a filtered ledger page, newest first, and the total
// count matching the filter.
func (r *Repository) ListLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, int, error) {
	where, args := ledgerWhere(filter)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_ledger`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("stock: count ledger: %w", err)
	}

	args = append(args, filter.Limit, (filter.Page-1)*filter.Limit)
	query := fmt.Sprintf(`SELECT %s FROM stock_ledger%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		ledgerColumns, where, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("stock: list ledger: %w", err)
	}
	defer rows.Close()

	entries, err := collectEntries(rows)
	return entries, total, err
}

// ItemLedger returns the full movement history for one item, oldest first.
func (r *Repository) ItemLedger(ctx context.Context, itemID string) ([]LedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM stock_ledger WHERE item_id = $1 ORDER BY created_at ASC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("stock: item ledger: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// LedgerRange returns entries inside [from, to), oldest first, optionally
// narrowed by metal type. Used by the movement report.
func (r *Repository) LedgerRange(ctx context.Context, from, to time.Time, metalType string) ([]LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM stock_ledger WHERE created_at >= $1 AND created_at < $2`
	args := []any{from, to}
	if metalType != "" {
		query += ` AND metal_type = $3`
		args = append(args, metalType)
	}
	rows, err := r.pool.Query(ctx, query+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("stock: ledger range: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func ledgerWhere(filter LedgerFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.ItemID != "" {
		add("item_id = $%d", filter.ItemID)
	}
	if filter.MetalType != "" {
		add("metal_type = $%d", filter.MetalType)
	}
	if filter.Purity != "" {
		add("purity = $%d", filter.Purity)
	}
	if filter.Type != "" {
		add("transaction_type = $%d", string(filter.Type))
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at < $%d", filter.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func collectEntries(rows pgx.Rows) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(row pgx.Row) (LedgerEntry, error) {
	var e LedgerEntry
	err := row.Scan(&e.ID, &e.ItemID, &e.ItemName, &e.DesignCode, &e.MetalType, &e.Purity,
		&e.Type, &e.ReferenceType, &e.ReferenceID, &e.QuantityIn, &e.QuantityOut,
		&e.WeightIn, &e.WeightOut, &e.UnitCost, &e.TotalValue, &e.RunningQuantity,
		&e.RunningWeight, &e.RunningValue, &e.ValuationMethod, &e.Notes, &e.CreatedBy, &e.CreatedAt)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("stock: scan ledger entry: %w", err)
	}
	return e, nil
}

const adjustmentColumns = `id, number, adjustment_date, adjustment_type, reason, status, lines,
total_quantity_adjusted, total_weight_adjusted, total_value_adjusted, COALESCE(notes, ''),
COALESCE(approved_by, ''), approved_at, created_by, created_at`

// InsertAdjustment persists a new adjustment header with its lines.
func (r *Repository) InsertAdjustment(ctx context.Context, adj Adjustment) error {
	lines, err := json.Marshal(adj.Lines)
	if err != nil {
		return fmt.Errorf("stock: marshal adjustment lines: %w", err)
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO stock_adjustments
(id, number, adjustment_date, adjustment_type, reason, status, lines,
 total_quantity_adjusted, total_weight_adjusted, total_value_adjusted, notes, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		adj.ID, adj.Number, adj.Date, adj.Type, adj.Reason, adj.Status, lines,
		adj.TotalQuantityAdjusted, adj.TotalWeightAdjusted, adj.TotalValueAdjusted,
		adj.Notes, adj.CreatedBy, adj.CreatedAt)
	if err != nil {
		return fmt.Errorf("stock: insert adjustment: %w", err)
	}
	return nil
}

// GetAdjustment fetches one adjustment by id.
func (r *Repository) GetAdjustment(ctx context.Context, id string) (Adjustment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+adjustmentColumns+` FROM stock_adjustments WHERE id = $1`, id)
	return scanAdjustment(row)
}

// ListAdjustments returns an adjustment page, newest first.
func (r *Repository) ListAdjustments(ctx context.Context, status string, page, limit int) ([]Adjustment, int, error) {
	where := ""
	args := []any{}
	if status != "" {
		where = " WHERE status = $1"
		args = append(args, status)
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_adjustments`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("stock: count adjustments: %w", err)
	}

	args = append(args, limit, (page-1)*limit)
	query := fmt.Sprintf(`SELECT %s FROM stock_adjustments%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		adjustmentColumns, where, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("stock: list adjustments: %w", err)
	}
	defer rows.Close()

	var adjs []Adjustment
	for rows.Next() {
		adj, err := scanAdjustment(rows)
		if err != nil {
			return nil, 0, err
		}
		adjs = append(adjs, adj)
	}
	return adjs, total, rows.Err()
}

// CountAdjustments returns the total number of adjustments ever created.
func (r *Repository) CountAdjustments(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_adjustments`).Scan(&n); err != nil {
		return 0, fmt.Errorf("stock: count adjustments: %w", err)
	}
	return n, nil
}

func scanAdjustment(row pgx.Row) (Adjustment, error) {
	var adj Adjustment
	var lines []byte
	var approvedAt *time.Time
	err := row.Scan(&adj.ID, &adj.Number, &adj.Date, &adj.Type, &adj.Reason, &adj.Status, &lines,
		&adj.TotalQuantityAdjusted, &adj.TotalWeightAdjusted, &adj.TotalValueAdjusted,
		&adj.Notes, &adj.ApprovedBy, &approvedAt, &adj.CreatedBy, &adj.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Adjustment{}, ErrAdjustmentNotFound
		}
		return Adjustment{}, fmt.Errorf("stock: scan adjustment: %w", err)
	}
	if err := json.Unmarshal(lines, &adj.Lines); err != nil {
		return Adjustment{}, fmt.Errorf("stock: decode adjustment lines: %w", err)
	}
	adj.ApprovedAt = approvedAt
	return adj, nil
}

const reconciliationColumns = `id, number, reconciliation_date, status, lines,
total_items_counted, total_discrepancies, total_value_discrepancy, COALESCE(notes, ''),
COALESCE(completed_by, ''), completed_at, created_by, created_at`

// InsertReconciliation persists a new reconciliation with its count lines.
func (r *Repository) InsertReconciliation(ctx context.Context, rec Reconciliation) error {
	lines, err := json.Marshal(rec.Lines)
	if err != nil {
		return fmt.Errorf("stock: marshal reconciliation lines: %w", err)
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO stock_reconciliations
(id, number, reconciliation_date, status, lines,
 total_items_counted, total_discrepancies, total_value_discrepancy, notes, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.Number, rec.Date, rec.Status, lines,
		rec.TotalItemsCounted, rec.TotalDiscrepancies, rec.TotalValueDiscrepancy,
		rec.Notes, rec.CreatedBy, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("stock: insert reconciliation: %w", err)
	}
	return nil
}

// GetReconciliation fetches one reconciliation by id.
func (r *Repository) GetReconciliation(ctx context.Context, id string) (Reconciliation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+reconciliationColumns+` FROM stock_reconciliations WHERE id = $1`, id)
	return scanReconciliation(row)
}

// ListReconciliations returns a reconciliation page, newest first.
func (r *Repository) ListReconciliations(ctx context.Context, status string, page, limit int) ([]Reconciliation, int, error) {
	where := ""
	args := []any{}
	if status != "" {
		where = " WHERE status = $1"
		args = append(args, status)
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_reconciliations`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("stock: count reconciliations: %w", err)
	}

	args = append(args, limit, (page-1)*limit)
	query := fmt.Sprintf(`SELECT %s FROM stock_reconciliations%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		reconciliationColumns, where, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("stock: list reconciliations: %w", err)
	}
	defer rows.Close()

	var recs []Reconciliation
	for rows.Next() {
		rec, err := scanReconciliation(rows)
		if err != nil {
			return nil, 0, err
		}
		recs = append(recs, rec)
	}
	return recs, total, rows.Err()
}

// CountReconciliations returns the total number of reconciliations ever created.
func (r *Repository) CountReconciliations(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_reconciliations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("stock: count reconciliations: %w", err)
	}
	return n, nil
}

func scanReconciliation(row pgx.Row) (Reconciliation, error) {
	var rec Reconciliation
	var lines []byte
	var completedAt *time.Time
	err := row.Scan(&rec.ID, &rec.Number, &rec.Date, &rec.Status, &lines,
		&rec.TotalItemsCounted, &rec.TotalDiscrepancies, &rec.TotalValueDiscrepancy,
		&rec.Notes, &rec.CompletedBy, &completedAt, &rec.CreatedBy, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reconciliation{}, ErrReconciliationNotFound
		}
		return Reconciliation{}, fmt.Errorf("stock: scan reconciliation: %w", err)
	}
	if err := json.Unmarshal(lines, &rec.Lines); err != nil {
		return Reconciliation{}, fmt.Errorf("stock: decode reconciliation lines: %w", err)
	}
	rec.CompletedAt = completedAt
	return rec, nil
}

// ListBalances returns all balance rows, used by the integrity job.
func (r *Repository) ListBalances(ctx context.Context) ([]Balance, error) {
	rows, err := r.pool.Query(ctx, `SELECT item_id, quantity, weight, value, updated_at FROM stock_balances`)
	if err != nil {
		return nil, fmt.Errorf("stock: list balances: %w", err)
	}
	defer rows.Close()
	var balances []Balance
	for rows.Next() {
		var b Balance
		if err := rows.Scan(&b.ItemID, &b.Quantity, &b.Weight, &b.Value, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("stock: scan balance: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// ListItems returns a reference slice of every inventory item, used by
// valuation and the integrity job.
func (r *Repository) ListItems(ctx context.Context) ([]ItemRef, error) {
	rows, err := r.pool.Query(ctx, `SELECT id,
COALESCE(data->>'name', ''), COALESCE(data->>'design_code', ''),
COALESCE(data->>'metal_type', ''), COALESCE(data->>'purity', ''),
COALESCE((data->>'weight')::float8, 0), COALESCE((data->>'quantity')::int, 0),
COALESCE((data->>'selling_price')::float8, 0)
FROM documents WHERE collection = 'items'`)
	if err != nil {
		return nil, fmt.Errorf("stock: list items: %w", err)
	}
	defer rows.Close()
	var refs []ItemRef
	for rows.Next() {
		var ref ItemRef
		if err := rows.Scan(&ref.ID, &ref.Name, &ref.DesignCode, &ref.MetalType, &ref.Purity,
			&ref.Weight, &ref.Quantity, &ref.SellingPrice); err != nil {
			return nil, fmt.Errorf("stock: scan item: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// txRepo implements TxRepository over a live pgx transaction.
type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) GetBalanceForUpdate(ctx context.Context, itemID string) (Balance, error) {
	var b Balance
	err := t.tx.QueryRow(ctx,
		`SELECT item_id, quantity, weight, value, updated_at FROM stock_balances WHERE item_id = $1 FOR UPDATE`,
		itemID).Scan(&b.ItemID, &b.Quantity, &b.Weight, &b.Value, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{}, ErrBalanceNotFound
		}
		return Balance{}, fmt.Errorf("stock: lock balance: %w", err)
	}
	return b, nil
}

func (t *txRepo) LastEntry(ctx context.Context, itemID string) (LedgerEntry, bool, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+ledgerColumns+` FROM stock_ledger WHERE item_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`,
		itemID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LedgerEntry{}, false, nil
		}
		return LedgerEntry{}, false, err
	}
	return entry, true, nil
}

func (t *txRepo) InsertEntry(ctx context.Context, e LedgerEntry) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO stock_ledger
(id, item_id, item_name, design_code, metal_type, purity, transaction_type, reference_type, reference_id,
 quantity_in, quantity_out, weight_in, weight_out, unit_cost, total_value,
 running_quantity, running_weight, running_value, valuation_method, notes, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		e.ID, e.ItemID, e.ItemName, e.DesignCode, e.MetalType, e.Purity, e.Type, e.ReferenceType,
		nullableString(e.ReferenceID), e.QuantityIn, e.QuantityOut, e.WeightIn, e.WeightOut,
		e.UnitCost, e.TotalValue, e.RunningQuantity, e.RunningWeight, e.RunningValue,
		e.ValuationMethod, nullableString(e.Notes), e.CreatedBy, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("stock: insert ledger entry: %w", err)
	}
	return nil
}

func (t *txRepo) UpsertBalance(ctx context.Context, b Balance) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO stock_balances (item_id, quantity, weight, value, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (item_id) DO UPDATE SET quantity = EXCLUDED.quantity, weight = EXCLUDED.weight,
value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		b.ItemID, b.Quantity, b.Weight, b.Value, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("stock: upsert balance: %w", err)
	}
	return nil
}

func (t *txRepo) GetItem(ctx context.Context, itemID string) (ItemRef, error) {
	var ref ItemRef
	err := t.tx.QueryRow(ctx, `SELECT id,
COALESCE(data->>'name', ''), COALESCE(data->>'design_code', ''),
COALESCE(data->>'metal_type', ''), COALESCE(data->>'purity', ''),
COALESCE((data->>'weight')::float8, 0), COALESCE((data->>'quantity')::int, 0),
COALESCE((data->>'selling_price')::float8, 0)
FROM documents WHERE collection = 'items' AND id = $1`, itemID).
		Scan(&ref.ID, &ref.Name, &ref.DesignCode, &ref.MetalType, &ref.Purity,
			&ref.Weight, &ref.Quantity, &ref.SellingPrice)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ItemRef{}, ErrItemNotFound
		}
		return ItemRef{}, fmt.Errorf("stock: get item %s: %w", itemID, err)
	}
	return ref, nil
}

// UpdateItemQuantity rewrites the item's quantity and bumps updated_at so
// offline clients pick the change up on their next pull.
func (t *txRepo) UpdateItemQuantity(ctx context.Context, itemID string, quantity int) error {
	now := time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `UPDATE documents
SET data = jsonb_set(jsonb_set(data, '{quantity}', to_jsonb($2::int)), '{updated_at}', to_jsonb($3::text)),
    updated_at = $4
WHERE collection = 'items' AND id = $1`,
		itemID, quantity, now.Format(time.RFC3339Nano), now)
	if err != nil {
		return fmt.Errorf("stock: update item quantity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (t *txRepo) GetAdjustmentForUpdate(ctx context.Context, id string) (Adjustment, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+adjustmentColumns+` FROM stock_adjustments WHERE id = $1 FOR UPDATE`, id)
	return scanAdjustment(row)
}

func (t *txRepo) SetAdjustmentStatus(ctx context.Context, id string, status AdjustmentStatus, actorID string, at time.Time) error {
	var err error
	if status == AdjustmentApproved {
		_, err = t.tx.Exec(ctx,
			`UPDATE stock_adjustments SET status = $2, approved_by = $3, approved_at = $4 WHERE id = $1`,
			id, status, actorID, at)
	} else {
		_, err = t.tx.Exec(ctx, `UPDATE stock_adjustments SET status = $2 WHERE id = $1`, id, status)
	}
	if err != nil {
		return fmt.Errorf("stock: set adjustment status: %w", err)
	}
	return nil
}

func (t *txRepo) GetReconciliationForUpdate(ctx context.Context, id string) (Reconciliation, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+reconciliationColumns+` FROM stock_reconciliations WHERE id = $1 FOR UPDATE`, id)
	return scanReconciliation(row)
}

func (t *txRepo) SetReconciliationStatus(ctx context.Context, id string, status ReconciliationStatus, actorID string, at time.Time) error {
	var err error
	if status == ReconciliationCompleted {
		_, err = t.tx.Exec(ctx,
			`UPDATE stock_reconciliations SET status = $2, completed_by = $3, completed_at = $4 WHERE id = $1`,
			id, status, actorID, at)
	} else {
		_, err = t.tx.Exec(ctx, `UPDATE stock_reconciliations SET status = $2 WHERE id = $1`, id, status)
	}
	if err != nil {
		return fmt.Errorf("stock: set reconciliation status: %w", err)
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
