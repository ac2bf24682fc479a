// Package stock maintains the append-only stock ledger with running
// balances, answers valuation queries, and drives the adjustment and
// reconciliation approval workflows.
package stock

import (
	"errors"
	"time"
)

// TransactionType enumerates supported ledger movements.
type TransactionType string

const (
	// TransactionOpening records opening stock for a new item.
	TransactionOpening TransactionType = "opening"
	// TransactionPurchase records stock bought in.
	TransactionPurchase TransactionType = "purchase"
	// TransactionSale records stock sold out.
	TransactionSale TransactionType = "sale"
	// TransactionAdjustment records an approved manual correction.
	TransactionAdjustment TransactionType = "adjustment"
	// TransactionReturn records returned stock.
	TransactionReturn TransactionType = "return"
	// TransactionTransfer records movement between locations.
	TransactionTransfer TransactionType = "transfer"
)

// ValidTransactionType reports whether t is a known movement type.
func ValidTransactionType(t TransactionType) bool {
	switch t {
	case TransactionOpening, TransactionPurchase, TransactionSale,
		TransactionAdjustment, TransactionReturn, TransactionTransfer:
		return true
	}
	return false
}

// ValuationMethod labels how stock value is computed. Only weighted
// average is implemented; fifo and lifo are declared for compatibility
// and rejected on input.
type ValuationMethod string

const (
	ValuationWeightedAverage ValuationMethod = "weighted_average"
	ValuationFIFO            ValuationMethod = "fifo"
	ValuationLIFO            ValuationMethod = "lifo"
)

// LedgerEntry is one immutable inventory movement for one item. Running
// fields hold the item balances immediately after this entry.
type LedgerEntry struct {
	ID              string          `json:"id"`
	ItemID          string          `json:"item_id"`
	ItemName        string          `json:"item_name"`
	DesignCode      string          `json:"design_code"`
	MetalType       string          `json:"metal_type"`
	Purity          string          `json:"purity"`
	Type            TransactionType `json:"transaction_type"`
	ReferenceType   string          `json:"reference_type"`
	ReferenceID     string          `json:"reference_id,omitempty"`
	QuantityIn      int             `json:"quantity_in"`
	QuantityOut     int             `json:"quantity_out"`
	WeightIn        float64         `json:"weight_in"`
	WeightOut       float64         `json:"weight_out"`
	UnitCost        float64         `json:"unit_cost"`
	TotalValue      float64         `json:"total_value"`
	RunningQuantity int             `json:"running_quantity"`
	RunningWeight   float64         `json:"running_weight"`
	RunningValue    float64         `json:"running_value"`
	ValuationMethod ValuationMethod `json:"valuation_method"`
	Notes           string          `json:"notes,omitempty"`
	CreatedBy       string          `json:"created_by"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Balance summarises one item's position after its latest ledger entry.
type Balance struct {
	ItemID    string
	Quantity  int
	Weight    float64
	Value     float64
	UpdatedAt time.Time
}

// AppendInput describes a movement to append to the ledger.
type AppendInput struct {
	ItemID        string
	Type          TransactionType
	ReferenceType string
	ReferenceID   string
	QuantityIn    int
	QuantityOut   int
	WeightIn      float64
	WeightOut     float64
	UnitCost      float64
	Notes         string
	ActorID       string
}

// LedgerFilter narrows ledger listings.
type LedgerFilter struct {
	ItemID    string
	MetalType string
	Purity    string
	Type      TransactionType
	From      time.Time
	To        time.Time
	Page      int
	Limit     int
}

// ItemRef is the slice of an inventory item the ledger needs.
type ItemRef struct {
	ID           string
	Name         string
	DesignCode   string
	MetalType    string
	Purity       string
	Weight       float64
	Quantity     int
	SellingPrice float64
}

// AdjustmentStatus enumerates adjustment workflow states.
type AdjustmentStatus string

const (
	AdjustmentPending  AdjustmentStatus = "pending"
	AdjustmentApproved AdjustmentStatus = "approved"
	AdjustmentRejected AdjustmentStatus = "rejected"
)

// AdjustmentLine is one item correction inside an adjustment.
type AdjustmentLine struct {
	ItemID             string  `json:"item_id" validate:"required"`
	ItemName           string  `json:"item_name"`
	DesignCode         string  `json:"design_code"`
	MetalType          string  `json:"metal_type"`
	Purity             string  `json:"purity"`
	SystemQuantity     int     `json:"system_quantity"`
	SystemWeight       float64 `json:"system_weight"`
	AdjustedQuantity   int     `json:"adjusted_quantity" validate:"gte=0"`
	AdjustedWeight     float64 `json:"adjusted_weight"`
	QuantityDifference int     `json:"quantity_difference"`
	WeightDifference   float64 `json:"weight_difference"`
	UnitCost           float64 `json:"unit_cost"`
	ValueDifference    float64 `json:"value_difference"`
	Reason             string  `json:"reason,omitempty"`
}

// Adjustment is a proposed stock correction awaiting approval.
type Adjustment struct {
	ID                    string           `json:"id"`
	Number                string           `json:"adjustment_number"`
	Date                  time.Time        `json:"adjustment_date"`
	Type                  string           `json:"adjustment_type"`
	Reason                string           `json:"reason"`
	Status                AdjustmentStatus `json:"status"`
	Lines                 []AdjustmentLine `json:"items"`
	TotalQuantityAdjusted int              `json:"total_quantity_adjusted"`
	TotalWeightAdjusted   float64          `json:"total_weight_adjusted"`
	TotalValueAdjusted    float64          `json:"total_value_adjusted"`
	Notes                 string           `json:"notes,omitempty"`
	ApprovedBy            string           `json:"approved_by,omitempty"`
	ApprovedAt            *time.Time       `json:"approved_at,omitempty"`
	CreatedBy             string           `json:"created_by"`
	CreatedAt             time.Time        `json:"created_at"`
}

// CreateAdjustmentInput carries a new adjustment proposal.
type CreateAdjustmentInput struct {
	Type    string           `json:"adjustment_type" validate:"required,oneof=increase decrease reconciliation"`
	Reason  string           `json:"reason" validate:"required"`
	Lines   []AdjustmentLine `json:"items" validate:"required,min=1,dive"`
	Notes   string           `json:"notes"`
	ActorID string           `json:"-"`
}

// ReconciliationStatus enumerates reconciliation workflow states.
type ReconciliationStatus string

const (
	ReconciliationDraft      ReconciliationStatus = "draft"
	ReconciliationInProgress ReconciliationStatus = "in_progress"
	ReconciliationCompleted  ReconciliationStatus = "completed"
)

// ReconciliationLine compares counted stock against system stock for one item.
type ReconciliationLine struct {
	ItemID           string  `json:"item_id"`
	ItemName         string  `json:"item_name"`
	DesignCode       string  `json:"design_code"`
	MetalType        string  `json:"metal_type"`
	Purity           string  `json:"purity"`
	SystemQuantity   int     `json:"system_quantity"`
	PhysicalQuantity int     `json:"physical_quantity"`
	Difference       int     `json:"difference"`
	UnitPrice        float64 `json:"unit_price"`
	ValueDifference  float64 `json:"value_difference"`
}

// Reconciliation is a physical count exercise applied in bulk on completion.
type Reconciliation struct {
	ID                    string               `json:"id"`
	Number                string               `json:"reconciliation_number"`
	Date                  time.Time            `json:"reconciliation_date"`
	Status                ReconciliationStatus `json:"status"`
	Lines                 []ReconciliationLine `json:"items"`
	TotalItemsCounted     int                  `json:"total_items_counted"`
	TotalDiscrepancies    int                  `json:"total_discrepancies"`
	TotalValueDiscrepancy float64              `json:"total_value_discrepancy"`
	Notes                 string               `json:"notes,omitempty"`
	CompletedBy           string               `json:"completed_by,omitempty"`
	CompletedAt           *time.Time           `json:"completed_at,omitempty"`
	CreatedBy             string               `json:"created_by"`
	CreatedAt             time.Time            `json:"created_at"`
}

// CreateReconciliationInput carries counted quantities per item.
type CreateReconciliationInput struct {
	Lines []struct {
		ItemID           string `json:"item_id" validate:"required"`
		PhysicalQuantity int    `json:"physical_quantity" validate:"gte=0"`
	} `json:"items" validate:"required,min=1,dive"`
	Notes   string `json:"notes"`
	ActorID string `json:"-"`
}

// Sentinel errors.
var (
	// ErrInvalidStateTransition rejects approve/reject/complete on a
	// document already in a terminal state.
	ErrInvalidStateTransition = errors.New("stock: invalid state transition")
	// ErrLedgerConsistency indicates an append computed from a stale
	// running balance. It must never persist.
	ErrLedgerConsistency = errors.New("stock: ledger running balance out of sync")
	// ErrUnsupportedValuation rejects valuation methods other than
	// weighted average.
	ErrUnsupportedValuation = errors.New("stock: unsupported valuation method")
	// ErrInvalidMovement indicates a zero or contradictory movement.
	ErrInvalidMovement = errors.New("stock: movement must change quantity or weight in one direction")
	// ErrItemNotFound indicates the referenced item does not exist.
	ErrItemNotFound = errors.New("stock: item not found")
	// ErrAdjustmentNotFound indicates a missing adjustment.
	ErrAdjustmentNotFound = errors.New("stock: adjustment not found")
	// ErrReconciliationNotFound indicates a missing reconciliation.
	ErrReconciliationNotFound = errors.New("stock: reconciliation not found")
)
