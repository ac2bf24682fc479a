// Package inventory is the typed view over the items collection: catalog
// operations with validation and the stock summary report.
package inventory

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kanak-erp/kanak-erp/internal/docstore"
)

// Item statuses.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusSoldOut  = "sold_out"
)

// ErrItemNotFound indicates a missing catalog item.
var ErrItemNotFound = errors.New("inventory: item not found")

// Item is one catalog entry. It round-trips to the schemaless items
// collection through its json tags.
type Item struct {
	ID           string  `json:"id"`
	Name         string  `json:"name" validate:"required"`
	CategoryID   string  `json:"category_id"`
	MetalType    string  `json:"metal_type" validate:"required,oneof=gold silver platinum diamond other"`
	Purity       string  `json:"purity" validate:"required"`
	DesignCode   string  `json:"design_code"`
	Weight       float64 `json:"weight" validate:"gt=0"`
	MakingPrice  float64 `json:"making_price" validate:"gte=0"`
	BasePrice    float64 `json:"base_price" validate:"gte=0"`
	SellingPrice float64 `json:"selling_price" validate:"gte=0"`
	Quantity     int     `json:"quantity" validate:"gte=0"`
	Status       string  `json:"status"`
	UpdatedAt    string  `json:"updated_at,omitempty"`
	SyncedAt     string  `json:"synced_at,omitempty"`
}

// toMap converts the item to a document payload.
func (i Item) toMap() (map[string]any, error) {
	raw, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("inventory: encode item: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("inventory: encode item: %w", err)
	}
	return m, nil
}

// itemFromDocument converts a document payload back to a typed item.
func itemFromDocument(doc docstore.Document) (Item, error) {
	raw, err := json.Marshal(doc.Data)
	if err != nil {
		return Item{}, fmt.Errorf("inventory: decode item %s: %w", doc.ID, err)
	}
	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return Item{}, fmt.Errorf("inventory: decode item %s: %w", doc.ID, err)
	}
	item.ID = doc.ID
	return item, nil
}

// MetalSummary aggregates one metal type for the stock summary.
type MetalSummary struct {
	MetalType string  `json:"metal_type"`
	Items     int     `json:"items"`
	Quantity  int     `json:"total_quantity"`
	Weight    float64 `json:"total_weight"`
	Value     float64 `json:"total_value"`
}

// StockSummary is the catalog-level stock report.
type StockSummary struct {
	TotalItems    int            `json:"total_items"`
	TotalQuantity int            `json:"total_quantity"`
	TotalWeight   float64        `json:"total_weight"`
	TotalValue    float64        `json:"total_value"`
	ByMetal       []MetalSummary `json:"by_metal"`
	LowStock      []Item         `json:"low_stock_items"`
	OutOfStock    []Item         `json:"out_of_stock_items"`
}
