package stock

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// ItemsPort lists inventory items for valuation grouping.
type ItemsPort interface {
	ListItems(ctx context.Context) ([]ItemRef, error)
}

// ValuationGroup aggregates one metal type and purity bucket.
type ValuationGroup struct {
	MetalType    string  `json:"metal_type"`
	Purity       string  `json:"purity"`
	ItemCount    int     `json:"item_count"`
	Quantity     int     `json:"total_quantity"`
	Weight       float64 `json:"total_weight"`
	Value        float64 `json:"total_value"`
	DisplayValue string  `json:"display_value"`
}

// Valuation is the stock valuation summary: every catalogue item priced
// at quantity on hand times its selling price.
type Valuation struct {
	Method        ValuationMethod  `json:"valuation_method"`
	AsOf          time.Time        `json:"as_of"`
	Groups        []ValuationGroup `json:"groups"`
	TotalItems    int              `json:"total_items"`
	TotalQuantity int              `json:"total_quantity"`
	TotalWeight   float64          `json:"total_weight"`
	TotalValue    float64          `json:"total_value"`
	DisplayTotal  string           `json:"display_total"`
}

// MovementRow aggregates ledger activity for one transaction type.
type MovementRow struct {
	Type        TransactionType `json:"transaction_type"`
	Entries     int             `json:"entries"`
	QuantityIn  int             `json:"quantity_in"`
	QuantityOut int             `json:"quantity_out"`
	WeightIn    float64         `json:"weight_in"`
	WeightOut   float64         `json:"weight_out"`
	ValueIn     float64         `json:"value_in"`
	ValueOut    float64         `json:"value_out"`
}

// MovementReport summarises ledger activity inside a period.
type MovementReport struct {
	From        time.Time     `json:"from"`
	To          time.Time     `json:"to"`
	MetalType   string        `json:"metal_type,omitempty"`
	Rows        []MovementRow `json:"rows"`
	NetQuantity int           `json:"net_quantity"`
	NetWeight   float64       `json:"net_weight"`
	NetValue    float64       `json:"net_value"`
}

// inr formats rupee amounts with Indian digit grouping.
var inr = message.NewPrinter(language.MustParse("en-IN"))

func formatINR(v float64) string {
	return inr.Sprintf("₹%.2f", v)
}

// ValuationCache keeps valuation summaries in Redis behind a version
// counter. Bumping the counter invalidates every cached summary at once
// without deleting keys.
type ValuationCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewValuationCache constructs the cache.
func NewValuationCache(rdb *redis.Client, ttl time.Duration) *ValuationCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ValuationCache{rdb: rdb, ttl: ttl}
}

const valuationVersionKey = "stock:valuation:version"

func (c *ValuationCache) versionedKey(ctx context.Context, key string) string {
	ver, err := c.rdb.Get(ctx, valuationVersionKey).Int64()
	if err != nil {
		ver = 0
	}
	return fmt.Sprintf("stock:valuation:v%d:%s", ver, key)
}

// Get returns the cached summary for key, or false on a miss.
func (c *ValuationCache) Get(ctx context.Context, key string, out any) bool {
	if c == nil || c.rdb == nil {
		return false
	}
	raw, err := c.rdb.Get(ctx, c.versionedKey(ctx, key)).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

// Set caches the summary for key.
func (c *ValuationCache) Set(ctx context.Context, key string, v any) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.versionedKey(ctx, key), raw, c.ttl).Err()
}

// Bump invalidates all cached summaries.
func (c *ValuationCache) Bump(ctx context.Context) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Incr(ctx, valuationVersionKey).Err()
}

// ValuationFilter optionally narrows the valuation to one metal type or
// purity bucket. The filter is applied on top of the cached full summary.
type ValuationFilter struct {
	MetalType string
	Purity    string
}

func (f ValuationFilter) empty() bool {
	return f.MetalType == "" && f.Purity == ""
}

// Valuation computes the stock valuation summary grouped by metal type
// and purity. Only weighted average is supported; requesting fifo or lifo
// fails with ErrUnsupportedValuation. Concurrent requests share a single
// computation.
func (s *Service) Valuation(ctx context.Context, method ValuationMethod, filter ValuationFilter) (Valuation, error) {
	if method == "" {
		method = ValuationWeightedAverage
	}
	if method != ValuationWeightedAverage {
		return Valuation{}, fmt.Errorf("%w: %q", ErrUnsupportedValuation, method)
	}

	var cached Valuation
	if s.cache.Get(ctx, "summary", &cached) {
		return filterValuation(cached, filter), nil
	}

	v, err, _ := s.flight.Do("summary", func() (any, error) {
		return s.computeValuation(ctx)
	})
	if err != nil {
		return Valuation{}, err
	}
	result := v.(Valuation)
	_ = s.cache.Set(ctx, "summary", result)
	return filterValuation(result, filter), nil
}

// filterValuation narrows a full summary to the matching groups and
// recomputes the grand totals.
func filterValuation(v Valuation, f ValuationFilter) Valuation {
	if f.empty() {
		return v
	}
	out := Valuation{Method: v.Method, AsOf: v.AsOf}
	for _, g := range v.Groups {
		if f.MetalType != "" && g.MetalType != f.MetalType {
			continue
		}
		if f.Purity != "" && g.Purity != f.Purity {
			continue
		}
		out.Groups = append(out.Groups, g)
		out.TotalItems += g.ItemCount
		out.TotalQuantity += g.Quantity
		out.TotalWeight += g.Weight
		out.TotalValue += g.Value
	}
	out.DisplayTotal = formatINR(out.TotalValue)
	return out
}

// computeValuation prices the catalogue as it stands: quantity on hand
// at selling price, grouped by metal type and purity. The ledger carries
// cost basis per movement; the valuation report is what the stock on the
// shelves is worth at ticket prices.
func (s *Service) computeValuation(ctx context.Context) (Valuation, error) {
	items, err := s.items.ListItems(ctx)
	if err != nil {
		return Valuation{}, err
	}

	type bucket struct{ metal, purity string }
	groups := make(map[bucket]*ValuationGroup)
	val := Valuation{Method: ValuationWeightedAverage, AsOf: time.Now().UTC()}

	for _, item := range items {
		qty := item.Quantity
		weight := float64(qty) * item.Weight
		value := float64(qty) * item.SellingPrice

		key := bucket{metal: item.MetalType, purity: item.Purity}
		g, ok := groups[key]
		if !ok {
			g = &ValuationGroup{MetalType: item.MetalType, Purity: item.Purity}
			groups[key] = g
		}
		g.ItemCount++
		g.Quantity += qty
		g.Weight += weight
		g.Value += value

		val.TotalItems++
		val.TotalQuantity += qty
		val.TotalWeight += weight
		val.TotalValue += value
	}

	for _, g := range groups {
		g.DisplayValue = formatINR(g.Value)
		val.Groups = append(val.Groups, *g)
	}
	sort.Slice(val.Groups, func(i, j int) bool {
		if val.Groups[i].MetalType != val.Groups[j].MetalType {
			return val.Groups[i].MetalType < val.Groups[j].MetalType
		}
		return val.Groups[i].Purity < val.Groups[j].Purity
	})
	val.DisplayTotal = formatINR(val.TotalValue)
	return val, nil
}

// Movements builds the period movement report from the raw ledger.
func (s *Service) Movements(ctx context.Context, from, to time.Time, metalType string) (MovementReport, error) {
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.AddDate(0, -1, 0)
	}
	if !from.Before(to) {
		return MovementReport{}, fmt.Errorf("%w: empty report period", ErrInvalidMovement)
	}

	entries, err := s.repo.LedgerRange(ctx, from, to, metalType)
	if err != nil {
		return MovementReport{}, err
	}

	report := MovementReport{From: from, To: to, MetalType: metalType}
	rows := make(map[TransactionType]*MovementRow)
	for _, e := range entries {
		row, ok := rows[e.Type]
		if !ok {
			row = &MovementRow{Type: e.Type}
			rows[e.Type] = row
		}
		row.Entries++
		row.QuantityIn += e.QuantityIn
		row.QuantityOut += e.QuantityOut
		row.WeightIn += e.WeightIn
		row.WeightOut += e.WeightOut
		if e.TotalValue >= 0 {
			row.ValueIn += e.TotalValue
		} else {
			row.ValueOut += -e.TotalValue
		}

		report.NetQuantity += e.QuantityIn - e.QuantityOut
		report.NetWeight += e.WeightIn - e.WeightOut
		report.NetValue += e.TotalValue
	}
	for _, row := range rows {
		report.Rows = append(report.Rows, *row)
	}
	sort.Slice(report.Rows, func(i, j int) bool { return report.Rows[i].Type < report.Rows[j].Type })
	return report, nil
}
