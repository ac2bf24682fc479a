package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kanak-erp/kanak-erp/internal/docstore"
	"github.com/kanak-erp/kanak-erp/internal/stock"
)

// DocsPort is the document substrate the protocol operates on.
type DocsPort interface {
	Put(ctx context.Context, collection, id string, data map[string]any) (docstore.Document, error)
	Get(ctx context.Context, collection, id string) (docstore.Document, error)
	Delete(ctx context.Context, collection, id string) (bool, error)
	MarkSynced(ctx context.Context, collection, id string, at time.Time) error
	ChangedSince(ctx context.Context, collection string, since time.Time, limit int) ([]docstore.Document, error)
	Count(ctx context.Context, collection string) (int, error)
}

// StockPort posts opening ledger entries for items created through sync.
type StockPort interface {
	Append(ctx context.Context, input stock.AppendInput) (stock.LedgerEntry, error)
}

// Metrics records protocol outcomes. Implementations must be safe for
// concurrent use.
type Metrics interface {
	ObservePush(synced, conflicts, failed int)
	ObservePull(changes int)
}

const pullLimit = 500

// Service implements the synchronisation protocol.
type Service struct {
	logger  *slog.Logger
	docs    DocsPort
	stock   StockPort
	metrics Metrics
}

// NewService builds Service. stock and metrics may be nil.
func NewService(logger *slog.Logger, docs DocsPort, stockPort StockPort, metrics Metrics) *Service {
	return &Service{logger: logger, docs: docs, stock: stockPort, metrics: metrics}
}

// Push applies queued client mutations one by one. Each item lands in
// exactly one bucket: synced, conflicts or errors. A conflict means the
// server copy changed after the client's checkpoint; the server copy wins
// and is returned so the client can overwrite its local record. The call
// itself only fails on malformed input, never on individual items.
//
// A batch replays the client's offline session in order. Ids promoted
// earlier in the batch are substituted into later items, so an invoice
// created offline against a temp_ item lands referencing the server id.
func (s *Service) Push(ctx context.Context, req PushRequest) (PushResponse, error) {
	checkpoint, err := parseCheckpoint(req.LastSyncTimestamp)
	if err != nil {
		return PushResponse{}, err
	}

	results := PushResults{
		Synced:    []SyncedItem{},
		Conflicts: []Conflict{},
		Errors:    []ItemError{},
	}
	promoted := map[string]string{}
	for _, item := range req.Items {
		s.pushOne(ctx, item, checkpoint, promoted, &results)
	}

	if s.metrics != nil {
		s.metrics.ObservePush(len(results.Synced), len(results.Conflicts), len(results.Errors))
	}
	s.logger.Info("sync push processed",
		slog.String("client_id", req.ClientID),
		slog.Int("synced", len(results.Synced)),
		slog.Int("conflicts", len(results.Conflicts)),
		slog.Int("errors", len(results.Errors)))

	return PushResponse{
		Success:       true,
		Results:       results,
		SyncTimestamp: time.Now().UTC().Format(docstore.TimeLayout),
	}, nil
}

func (s *Service) pushOne(ctx context.Context, item PushItem, checkpoint time.Time, promoted map[string]string, results *PushResults) {
	if !docstore.IsSyncable(item.Collection) {
		results.Errors = append(results.Errors, ItemError{
			Collection: item.Collection, DocumentID: item.DocumentID,
			Error: "unknown collection",
		})
		return
	}
	if !ValidAction(item.Action) {
		results.Errors = append(results.Errors, ItemError{
			Collection: item.Collection, DocumentID: item.DocumentID,
			Error: fmt.Sprintf("unknown action %q", item.Action),
		})
		return
	}

	item.Data = remapPromotedIDs(item.Data, promoted)

	var err error
	switch item.Action {
	case ActionCreate:
		err = s.applyCreate(ctx, item, checkpoint, promoted, results)
	case ActionUpdate:
		err = s.applyUpdate(ctx, item, checkpoint, promoted, results)
	case ActionDelete:
		err = s.applyDelete(ctx, item, checkpoint, promoted, results)
	}
	if err != nil {
		s.logger.Error("sync push item failed",
			slog.String("collection", item.Collection),
			slog.String("document_id", item.DocumentID),
			slog.String("action", item.Action),
			slog.Any("error", err))
		results.Errors = append(results.Errors, ItemError{
			Collection: item.Collection, DocumentID: item.DocumentID,
			Error: err.Error(),
		})
	}
}

func (s *Service) applyCreate(ctx context.Context, item PushItem, checkpoint time.Time, promoted map[string]string, results *PushResults) error {
	existing, err := s.docs.Get(ctx, item.Collection, item.DocumentID)
	switch {
	case err == nil:
		if existing.UpdatedAt.After(checkpoint) {
			results.Conflicts = append(results.Conflicts, serverWins(item, existing))
			return nil
		}
		// Replaying an already-applied create degrades to an update.
		return s.store(ctx, item.Collection, item.DocumentID, item, "", results)
	case errors.Is(err, docstore.ErrDocumentNotFound):
		// fresh document
	default:
		return err
	}

	id, realID := item.DocumentID, ""
	if IsTempID(id) {
		realID = uuid.New().String()
		id = realID
		promoted[item.DocumentID] = realID
	}
	if err := s.store(ctx, item.Collection, id, item, realID, results); err != nil {
		return err
	}

	if item.Collection == docstore.CollectionItems && s.stock != nil {
		s.postOpeningEntry(ctx, id, item.Data)
	}
	return nil
}

func (s *Service) applyUpdate(ctx context.Context, item PushItem, checkpoint time.Time, promoted map[string]string, results *PushResults) error {
	docID, createdHere := resolveID(item.DocumentID, promoted)
	existing, err := s.docs.Get(ctx, item.Collection, docID)
	if err != nil {
		if errors.Is(err, docstore.ErrDocumentNotFound) {
			results.Errors = append(results.Errors, ItemError{
				Collection: item.Collection, DocumentID: item.DocumentID,
				Error: "document not found",
			})
			return nil
		}
		return err
	}
	// A document promoted in this batch is the client's own create; its
	// fresh timestamp is not a concurrent server edit.
	if !createdHere && existing.UpdatedAt.After(checkpoint) {
		results.Conflicts = append(results.Conflicts, serverWins(item, existing))
		return nil
	}
	return s.store(ctx, item.Collection, docID, item, "", results)
}

func (s *Service) applyDelete(ctx context.Context, item PushItem, checkpoint time.Time, promoted map[string]string, results *PushResults) error {
	docID, createdHere := resolveID(item.DocumentID, promoted)
	existing, err := s.docs.Get(ctx, item.Collection, docID)
	if err != nil {
		if errors.Is(err, docstore.ErrDocumentNotFound) {
			// Deleting what is already gone counts as synced.
			results.Synced = append(results.Synced, syncedItem(item, ""))
			return nil
		}
		return err
	}
	if !createdHere && existing.UpdatedAt.After(checkpoint) {
		results.Conflicts = append(results.Conflicts, serverWins(item, existing))
		return nil
	}
	if _, err := s.docs.Delete(ctx, item.Collection, docID); err != nil {
		return err
	}
	results.Synced = append(results.Synced, syncedItem(item, ""))
	return nil
}

func (s *Service) store(ctx context.Context, collection, id string, item PushItem, realID string, results *PushResults) error {
	if _, err := s.docs.Put(ctx, collection, id, item.Data); err != nil {
		return err
	}
	if err := s.docs.MarkSynced(ctx, collection, id, time.Now().UTC()); err != nil {
		return err
	}
	results.Synced = append(results.Synced, syncedItem(item, realID))
	return nil
}

// postOpeningEntry records opening stock for an item created through sync.
// A failure here is logged but does not fail the push; the integrity job
// picks up items without an opening entry.
func (s *Service) postOpeningEntry(ctx context.Context, itemID string, data map[string]any) {
	qty := int(numberField(data, "quantity"))
	if qty <= 0 {
		return
	}
	unitCost := numberField(data, "selling_price")
	if v := numberField(data, "base_price"); v > 0 {
		unitCost = v
	}
	_, err := s.stock.Append(ctx, stock.AppendInput{
		ItemID:        itemID,
		Type:          stock.TransactionOpening,
		ReferenceType: "item",
		ReferenceID:   itemID,
		QuantityIn:    qty,
		WeightIn:      numberField(data, "weight") * float64(qty),
		UnitCost:      unitCost,
		Notes:         "Opening stock from sync",
		ActorID:       "sync",
	})
	if err != nil {
		s.logger.Warn("opening ledger entry failed",
			slog.String("item_id", itemID), slog.Any("error", err))
	}
}

// Pull returns documents changed after the client's checkpoint, grouped
// per collection. A zero checkpoint returns the most recent documents of
// every requested collection.
func (s *Service) Pull(ctx context.Context, lastSync string, collections []string) (PullResponse, error) {
	checkpoint, err := parseCheckpoint(lastSync)
	if err != nil {
		return PullResponse{}, err
	}
	if len(collections) == 0 {
		collections = docstore.Collections
	}

	resp := PullResponse{Changes: map[string][]map[string]any{}}
	for _, collection := range collections {
		docs, err := s.docs.ChangedSince(ctx, collection, checkpoint, pullLimit)
		if err != nil {
			return PullResponse{}, err
		}
		changes := make([]map[string]any, 0, len(docs))
		for _, doc := range docs {
			changes = append(changes, doc.Data)
		}
		resp.Changes[collection] = changes
		resp.TotalChanges += len(changes)
	}
	resp.SyncTimestamp = time.Now().UTC().Format(docstore.TimeLayout)

	if s.metrics != nil {
		s.metrics.ObservePull(resp.TotalChanges)
	}
	return resp, nil
}

// Status reports per-collection document counts and the server clock.
func (s *Service) Status(ctx context.Context) (StatusResponse, error) {
	resp := StatusResponse{Collections: map[string]CollectionStatus{}}
	for _, collection := range docstore.Collections {
		n, err := s.docs.Count(ctx, collection)
		if err != nil {
			return StatusResponse{}, err
		}
		resp.Collections[collection] = CollectionStatus{Count: n}
	}
	resp.ServerTimestamp = time.Now().UTC().Format(docstore.TimeLayout)
	return resp, nil
}

// Resolve settles one conflicted document by explicit choice. "server"
// returns the authoritative copy; "client" overwrites it with the supplied
// payload.
func (s *Service) Resolve(ctx context.Context, req ResolveRequest) (ResolveResponse, error) {
	switch req.Resolution {
	case "server":
		doc, err := s.docs.Get(ctx, req.Collection, req.DocumentID)
		if err != nil {
			return ResolveResponse{}, err
		}
		return ResolveResponse{Success: true, Resolution: "server", Document: doc.Data}, nil
	case "client":
		if len(req.ClientData) == 0 {
			return ResolveResponse{}, fmt.Errorf("%w: client resolution requires client_data", ErrResolutionRequired)
		}
		doc, err := s.docs.Put(ctx, req.Collection, req.DocumentID, req.ClientData)
		if err != nil {
			return ResolveResponse{}, err
		}
		if err := s.docs.MarkSynced(ctx, req.Collection, req.DocumentID, time.Now().UTC()); err != nil {
			return ResolveResponse{}, err
		}
		return ResolveResponse{Success: true, Resolution: "client", Document: doc.Data}, nil
	default:
		return ResolveResponse{}, ErrResolutionRequired
	}
}

func serverWins(item PushItem, existing docstore.Document) Conflict {
	return Conflict{
		Collection: item.Collection,
		DocumentID: item.DocumentID,
		Reason:     "server copy modified after client checkpoint",
		Resolution: "server_wins",
		ServerData: existing.Data,
	}
}

func syncedItem(item PushItem, realID string) SyncedItem {
	return SyncedItem{
		Collection: item.Collection,
		DocumentID: item.DocumentID,
		Action:     item.Action,
		RealID:     realID,
	}
}

func parseCheckpoint(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(docstore.TimeLayout, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidCheckpoint, s)
	}
	return t.UTC(), nil
}

// resolveID maps a temp_ id to the server id assigned earlier in the
// same batch. The second return reports whether such a promotion exists.
func resolveID(id string, promoted map[string]string) (string, bool) {
	if real, ok := promoted[id]; ok {
		return real, true
	}
	return id, false
}

// remapPromotedIDs rewrites every reference to an id promoted earlier in
// the batch, at any nesting depth. Temp ids only ever occur as whole
// string values, so an exact match is enough.
func remapPromotedIDs(data map[string]any, promoted map[string]string) map[string]any {
	if len(promoted) == 0 || data == nil {
		return data
	}
	return remapValue(data, promoted).(map[string]any)
}

func remapValue(v any, promoted map[string]string) any {
	switch t := v.(type) {
	case string:
		if real, ok := promoted[t]; ok {
			return real
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = remapValue(val, promoted)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = remapValue(val, promoted)
		}
		return out
	default:
		return v
	}
}

func numberField(data map[string]any, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
