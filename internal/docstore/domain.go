// Package docstore stores syncable business records as schemaless JSON
// documents, one logical collection per entity type. The offline sync
// protocol and the stock subsystem both operate on these documents.
package docstore

import (
	"encoding/json"
	"errors"
	"time"
)

// Syncable collection names. The set is fixed; anything else is rejected
// at the API boundary.
const (
	CollectionItems            = "items"
	CollectionCategories       = "categories"
	CollectionCustomers        = "customers"
	CollectionSellers          = "sellers"
	CollectionInvoices         = "invoices"
	CollectionTransactions     = "transactions"
	CollectionExpenses         = "expenses"
	CollectionStockAdjustments = "stock_adjustments"
)

// Collections lists every syncable collection in a stable order.
var Collections = []string{
	CollectionItems,
	CollectionCategories,
	CollectionCustomers,
	CollectionSellers,
	CollectionInvoices,
	CollectionTransactions,
	CollectionExpenses,
	CollectionStockAdjustments,
}

// IsSyncable reports whether the named collection participates in sync.
func IsSyncable(name string) bool {
	for _, c := range Collections {
		if c == name {
			return true
		}
	}
	return false
}

// ErrUnknownCollection indicates a collection outside the syncable set.
var ErrUnknownCollection = errors.New("docstore: unknown collection")

// ErrDocumentNotFound indicates a missing document.
var ErrDocumentNotFound = errors.New("docstore: document not found")

// Document is a schemaless record addressed by collection and id.
type Document struct {
	Collection string
	ID         string
	Data       map[string]any
	UpdatedAt  time.Time
	SyncedAt   time.Time
}

// Timestamp layout used inside document payloads, matching the wire format
// produced by clients.
const TimeLayout = time.RFC3339Nano

// DecodeData unmarshals raw JSON into a document payload.
func DecodeData(raw []byte) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// StringField reads a string field from the payload, empty when absent.
func (d Document) StringField(key string) string {
	v, _ := d.Data[key].(string)
	return v
}

// NumberField reads a numeric field from the payload, zero when absent.
// JSON numbers decode as float64.
func (d Document) NumberField(key string) float64 {
	switch v := d.Data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
