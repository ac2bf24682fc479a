package inventory

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kanak-erp/kanak-erp/internal/docstore"
	"github.com/kanak-erp/kanak-erp/internal/stock"
)

// DocsPort is the slice of the document store the catalog uses.
type DocsPort interface {
	Put(ctx context.Context, collection, id string, data map[string]any) (docstore.Document, error)
	Get(ctx context.Context, collection, id string) (docstore.Document, error)
	Delete(ctx context.Context, collection, id string) (bool, error)
	List(ctx context.Context, collection string, limit, offset int) ([]docstore.Document, error)
	Count(ctx context.Context, collection string) (int, error)
}

// StockPort posts opening ledger entries for new items.
type StockPort interface {
	Append(ctx context.Context, input stock.AppendInput) (stock.LedgerEntry, error)
}

// Threshold below which an item counts as low stock.
const lowStockThreshold = 2

// Service provides catalog operations over the items collection.
type Service struct {
	logger   *slog.Logger
	docs     DocsPort
	stock    StockPort
	validate *validator.Validate
}

// NewService builds Service. stock may be nil.
func NewService(logger *slog.Logger, docs DocsPort, stockPort StockPort) *Service {
	return &Service{logger: logger, docs: docs, stock: stockPort, validate: validator.New()}
}

// Create validates and stores a new item, posting its opening ledger
// entry when it arrives with stock on hand.
func (s *Service) Create(ctx context.Context, item Item, actorID string) (Item, error) {
	if item.Status == "" {
		item.Status = StatusActive
	}
	if err := s.validate.Struct(item); err != nil {
		return Item{}, err
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}

	data, err := item.toMap()
	if err != nil {
		return Item{}, err
	}
	doc, err := s.docs.Put(ctx, docstore.CollectionItems, item.ID, data)
	if err != nil {
		return Item{}, err
	}

	if s.stock != nil && item.Quantity > 0 {
		unitCost := item.SellingPrice
		if item.BasePrice > 0 {
			unitCost = item.BasePrice
		}
		_, err := s.stock.Append(ctx, stock.AppendInput{
			ItemID:        item.ID,
			Type:          stock.TransactionOpening,
			ReferenceType: "item",
			ReferenceID:   item.ID,
			QuantityIn:    item.Quantity,
			WeightIn:      item.Weight * float64(item.Quantity),
			UnitCost:      unitCost,
			Notes:         "Opening stock",
			ActorID:       actorID,
		})
		if err != nil {
			s.logger.Warn("opening ledger entry failed",
				slog.String("item_id", item.ID), slog.Any("error", err))
		}
	}
	return itemFromDocument(doc)
}

// Update validates and applies changes to an existing item. The stored
// quantity is authoritative; updates cannot change it directly, that is
// what adjustments are for.
func (s *Service) Update(ctx context.Context, id string, item Item) (Item, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return Item{}, err
	}

	item.ID = id
	item.Quantity = existing.Quantity
	if item.Status == "" {
		item.Status = existing.Status
	}
	if err := s.validate.Struct(item); err != nil {
		return Item{}, err
	}

	data, err := item.toMap()
	if err != nil {
		return Item{}, err
	}
	doc, err := s.docs.Put(ctx, docstore.CollectionItems, id, data)
	if err != nil {
		return Item{}, err
	}
	return itemFromDocument(doc)
}

// Get fetches one item.
func (s *Service) Get(ctx context.Context, id string) (Item, error) {
	doc, err := s.docs.Get(ctx, docstore.CollectionItems, id)
	if err != nil {
		if errors.Is(err, docstore.ErrDocumentNotFound) {
			return Item{}, ErrItemNotFound
		}
		return Item{}, err
	}
	return itemFromDocument(doc)
}

// List returns a page of items, newest first, with the total count.
func (s *Service) List(ctx context.Context, page, limit int) ([]Item, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if page <= 0 {
		page = 1
	}
	docs, err := s.docs.List(ctx, docstore.CollectionItems, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.docs.Count(ctx, docstore.CollectionItems)
	if err != nil {
		return nil, 0, err
	}

	items := make([]Item, 0, len(docs))
	for _, doc := range docs {
		item, err := itemFromDocument(doc)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, item)
	}
	return items, total, nil
}

// Delete removes one item from the catalog.
func (s *Service) Delete(ctx context.Context, id string) error {
	removed, err := s.docs.Delete(ctx, docstore.CollectionItems, id)
	if err != nil {
		return err
	}
	if !removed {
		return ErrItemNotFound
	}
	return nil
}

// Summary builds the catalog-level stock report: totals, per-metal
// grouping and low / out of stock alerts.
func (s *Service) Summary(ctx context.Context) (StockSummary, error) {
	docs, err := s.docs.List(ctx, docstore.CollectionItems, 10000, 0)
	if err != nil {
		return StockSummary{}, err
	}

	summary := StockSummary{
		ByMetal:    []MetalSummary{},
		LowStock:   []Item{},
		OutOfStock: []Item{},
	}
	byMetal := map[string]*MetalSummary{}
	for _, doc := range docs {
		item, err := itemFromDocument(doc)
		if err != nil {
			return StockSummary{}, err
		}

		summary.TotalItems++
		summary.TotalQuantity += item.Quantity
		summary.TotalWeight += item.Weight * float64(item.Quantity)
		summary.TotalValue += item.SellingPrice * float64(item.Quantity)

		m, ok := byMetal[item.MetalType]
		if !ok {
			m = &MetalSummary{MetalType: item.MetalType}
			byMetal[item.MetalType] = m
		}
		m.Items++
		m.Quantity += item.Quantity
		m.Weight += item.Weight * float64(item.Quantity)
		m.Value += item.SellingPrice * float64(item.Quantity)

		switch {
		case item.Quantity == 0:
			summary.OutOfStock = append(summary.OutOfStock, item)
		case item.Quantity <= lowStockThreshold:
			summary.LowStock = append(summary.LowStock, item)
		}
	}

	for _, m := range byMetal {
		summary.ByMetal = append(summary.ByMetal, *m)
	}
	sort.Slice(summary.ByMetal, func(i, j int) bool {
		return summary.ByMetal[i].MetalType < summary.ByMetal[j].MetalType
	})
	return summary, nil
}
