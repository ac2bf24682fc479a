package sync

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
	docs map[string]map[string]docstore.Document
}

func newMemoryDocs() *memoryDocs {
	return &memoryDocs{docs: make(map[string]map[string]docstore.Document)}
}

func (m *memoryDocs) seed(collection, id string, data map[string]any, updatedAt time.Time) {
	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string]docstore.Document)
	}
	if data == nil {
		data = map[string]any{}
	}
	data["id"] = id
	m.docs[collection][id] = docstore.Document{
		Collection: collection, ID: id, Data: data, UpdatedAt: updatedAt,
	}
}

func (m *memoryDocs) Put(ctx context.Context, collection, id string, data map[string]any) (docstore.Document, error) {
	if !docstore.IsSyncable(collection) {
		return docstore.Document{}, docstore.ErrUnknownCollection
	}
	m.seed(collection, id, data, time.Now().UTC())
	return m.docs[collection][id], nil
}

func (m *memoryDocs) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	doc, ok := m.docs[collection][id]
	if !ok {
		return docstore.Document{}, docstore.ErrDocumentNotFound
	}
	return doc, nil
}

func (m *memoryDocs) Delete(ctx context.Context, collection, id string) (bool, error) {
	if _, ok := m.docs[collection][id]; !ok {
		return false, nil
	}
	delete(m.docs[collection], id)
	return true, nil
}

func (m *memoryDocs) MarkSynced(ctx context.Context, collection, id string, at time.Time) error {
	doc, ok := m.docs[collection][id]
	if !ok {
		return docstore.ErrDocumentNotFound
	}
	doc.SyncedAt = at
	m.docs[collection][id] = doc
	return nil
}

func (m *memoryDocs) ChangedSince(ctx context.Context, collection string, since time.Time, limit int) ([]docstore.Document, error) {
	var out []docstore.Document
	for _, doc := range m.docs[collection] {
		if since.IsZero() || doc.UpdatedAt.After(since) || doc.SyncedAt.After(since) {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryDocs) Count(ctx context.Context, collection string) (int, error) {
	return len(m.docs[collection]), nil
}

type fakeStock struct {
	appends []stock.AppendInput
}

func (f *fakeStock) Append(ctx context.Context, input stock.AppendInput) (stock.LedgerEntry, error) {
	f.appends = append(f.appends, input)
	return stock.LedgerEntry{ID: "entry", ItemID: input.ItemID}, nil
}

func newTestService(docs *memoryDocs, stockPort StockPort) *Service {
	return NewService(slog.New(slog.DiscardHandler), docs, stockPort, nil)
}

func TestPushCreatePromotesTempID(t *testing.T) {
	docs := newMemoryDocs()
	ledger := &fakeStock{}
	svc := newTestService(docs, ledger)

	resp, err := svc.Push(context.Background(), PushRequest{
		ClientID: "client-1",
		Items: []PushItem{{
			Collection: docstore.CollectionItems,
			DocumentID: "temp_1700000000",
			Action:     ActionCreate,
			Data: map[string]any{
				"name": "Gold Ring", "quantity": float64(5),
				"weight": 5.5, "selling_price": float64(45000),
			},
		}},
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Len(t, resp.Results.Synced, 1)
	require.Empty(t, resp.Results.Conflicts)
	require.Empty(t, resp.Results.Errors)

	synced := resp.Results.Synced[0]
	require.Equal(t, "temp_1700000000", synced.DocumentID)
	require.NotEmpty(t, synced.RealID)
	require.NotContains(t, synced.RealID, TempIDPrefix)

	// Stored under the real id only.
	_, err = docs.Get(context.Background(), docstore.CollectionItems, "temp_1700000000")
	require.ErrorIs(t, err, docstore.ErrDocumentNotFound)
	doc, err := docs.Get(context.Background(), docstore.CollectionItems, synced.RealID)
	require.NoError(t, err)
	require.False(t, doc.SyncedAt.IsZero())

	// A new item opens its ledger.
	require.Len(t, ledger.appends, 1)
	opening := ledger.appends[0]
	require.Equal(t, stock.TransactionOpening, opening.Type)
	require.Equal(t, synced.RealID, opening.ItemID)
	require.Equal(t, 5, opening.QuantityIn)
	require.InDelta(t, 27.5, opening.WeightIn, 0.0001)
}

func TestPushRemapsBatchLocalReferences(t *testing.T) {
	docs := newMemoryDocs()
	svc := newTestService(docs, nil)
	ctx := context.Background()

	// One offline session: create an item, invoice it, then amend the
	// invoice. The later items still carry the temp ids.
	resp, err := svc.Push(ctx, PushRequest{
		ClientID: "client-1",
		Items: []PushItem{
			{
				Collection: docstore.CollectionItems, DocumentID: "temp_1",
				Action: ActionCreate,
				Data:   map[string]any{"name": "Gold Ring"},
			},
			{
				Collection: docstore.CollectionInvoices, DocumentID: "temp_2",
				Action: ActionCreate,
				Data: map[string]any{
					"items": []any{map[string]any{"item_id": "temp_1", "quantity": float64(1)}},
				},
			},
			{
				Collection: docstore.CollectionInvoices, DocumentID: "temp_2",
				Action: ActionUpdate,
				Data: map[string]any{
					"status": "paid",
					"items":  []any{map[string]any{"item_id": "temp_1", "quantity": float64(1)}},
				},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results.Synced, 3)
	require.Empty(t, resp.Results.Conflicts)
	require.Empty(t, resp.Results.Errors)

	itemID := resp.Results.Synced[0].RealID
	invoiceID := resp.Results.Synced[1].RealID
	require.NotEmpty(t, itemID)
	require.NotEmpty(t, invoiceID)

	// The amend is reported under the id the client sent.
	require.Equal(t, "temp_2", resp.Results.Synced[2].DocumentID)
	require.Empty(t, resp.Results.Synced[2].RealID)

	// The stored invoice references the promoted item id, nowhere the
	// temp one.
	doc, err := docs.Get(ctx, docstore.CollectionInvoices, invoiceID)
	require.NoError(t, err)
	require.Equal(t, "paid", doc.Data["status"])
	line := doc.Data["items"].([]any)[0].(map[string]any)
	require.Equal(t, itemID, line["item_id"])

	_, err = docs.Get(ctx, docstore.CollectionInvoices, "temp_2")
	require.ErrorIs(t, err, docstore.ErrDocumentNotFound)
	_, err = docs.Get(ctx, docstore.CollectionItems, "temp_1")
	require.ErrorIs(t, err, docstore.ErrDocumentNotFound)
}

func TestPushConflictServerWins(t *testing.T) {
	docs := newMemoryDocs()
	svc := newTestService(docs, nil)

	checkpoint := time.Now().UTC().Add(-time.Hour)
	serverEdit := checkpoint.Add(30 * time.Minute)
	docs.seed(docstore.CollectionCustomers, "c1", map[string]any{"name": "Server Name"}, serverEdit)

	resp, err := svc.Push(context.Background(), PushRequest{
		LastSyncTimestamp: checkpoint.Format(docstore.TimeLayout),
		Items: []PushItem{{
			Collection: docstore.CollectionCustomers,
			DocumentID: "c1",
			Action:     ActionUpdate,
			Data:       map[string]any{"name": "Client Name"},
		}},
	})
	require.NoError(t, err)
	require.Empty(t, resp.Results.Synced)
	require.Len(t, resp.Results.Conflicts, 1)

	conflict := resp.Results.Conflicts[0]
	require.Equal(t, "server_wins", conflict.Resolution)
	require.Equal(t, "Server Name", conflict.ServerData["name"])

	// The server copy is untouched.
	doc, err := docs.Get(context.Background(), docstore.CollectionCustomers, "c1")
	require.NoError(t, err)
	require.Equal(t, "Server Name", doc.Data["name"])
}

func TestPushUpdateAppliesWhenServerUnchanged(t *testing.T) {
	docs := newMemoryDocs()
	svc := newTestService(docs, nil)

	checkpoint := time.Now().UTC().Add(-time.Minute)
	docs.seed(docstore.CollectionCustomers, "c1", map[string]any{"name": "Old"}, checkpoint.Add(-time.Hour))

	resp, err := svc.Push(context.Background(), PushRequest{
		LastSyncTimestamp: checkpoint.Format(docstore.TimeLayout),
		Items: []PushItem{{
			Collection: docstore.CollectionCustomers,
			DocumentID: "c1",
			Action:     ActionUpdate,
			Data:       map[string]any{"name": "New"},
		}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results.Synced, 1)

	doc, err := docs.Get(context.Background(), docstore.CollectionCustomers, "c1")
	require.NoError(t, err)
	require.Equal(t, "New", doc.Data["name"])
	require.False(t, doc.SyncedAt.IsZero())
}

func TestPushUpdateMissingDocumentIsAnError(t *testing.T) {
	svc := newTestService(newMemoryDocs(), nil)

	resp, err := svc.Push(context.Background(), PushRequest{
		Items: []PushItem{{
			Collection: docstore.CollectionExpenses,
			DocumentID: "missing",
			Action:     ActionUpdate,
			Data:       map[string]any{"amount": float64(100)},
		}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results.Errors, 1)
	require.Contains(t, resp.Results.Errors[0].Error, "not found")
}

func TestPushDeleteIsIdempotent(t *testing.T) {
	docs := newMemoryDocs()
	svc := newTestService(docs, nil)

	checkpoint := time.Now().UTC()
	docs.seed(docstore.CollectionExpenses, "e1", map[string]any{"amount": float64(10)}, checkpoint.Add(-time.Hour))

	del := PushItem{Collection: docstore.CollectionExpenses, DocumentID: "e1", Action: ActionDelete}
	resp, err := svc.Push(context.Background(), PushRequest{
		LastSyncTimestamp: checkpoint.Format(docstore.TimeLayout),
		Items:             []PushItem{del, del},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results.Synced, 2)
	require.Empty(t, resp.Results.Errors)

	_, err = docs.Get(context.Background(), docstore.CollectionExpenses, "e1")
	require.ErrorIs(t, err, docstore.ErrDocumentNotFound)
}

func TestPushRejectsUnknownCollectionAndAction(t *testing.T) {
	svc := newTestService(newMemoryDocs(), nil)

	resp, err := svc.Push(context.Background(), PushRequest{
		Items: []PushItem{
			{Collection: "ledger_entries", DocumentID: "x", Action: ActionCreate},
			{Collection: docstore.CollectionItems, DocumentID: "y", Action: "merge"},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results.Errors, 2)
	require.Contains(t, resp.Results.Errors[0].Error, "unknown collection")
	require.Contains(t, resp.Results.Errors[1].Error, "unknown action")
}

func TestPushRejectsMalformedCheckpoint(t *testing.T) {
	svc := newTestService(newMemoryDocs(), nil)
	_, err := svc.Push(context.Background(), PushRequest{
		LastSyncTimestamp: "yesterday",
		Items:             []PushItem{{Collection: docstore.CollectionItems, DocumentID: "x", Action: ActionCreate}},
	})
	require.ErrorIs(t, err, ErrInvalidCheckpoint)
}

func TestPullReturnsChangesAfterCheckpoint(t *testing.T) {
	docs := newMemoryDocs()
	svc := newTestService(docs, nil)

	checkpoint := time.Now().UTC().Add(-time.Hour)
	docs.seed(docstore.CollectionItems, "old", map[string]any{"name": "Old"}, checkpoint.Add(-time.Hour))
	docs.seed(docstore.CollectionItems, "new", map[string]any{"name": "New"}, checkpoint.Add(time.Minute))
	docs.seed(docstore.CollectionCustomers, "c1", map[string]any{"name": "Fresh"}, checkpoint.Add(time.Minute))

	resp, err := svc.Pull(context.Background(), checkpoint.Format(docstore.TimeLayout),
		[]string{docstore.CollectionItems, docstore.CollectionCustomers})
	require.NoError(t, err)
	require.Equal(t, 2, resp.TotalChanges)
	require.Len(t, resp.Changes[docstore.CollectionItems], 1)
	require.Equal(t, "New", resp.Changes[docstore.CollectionItems][0]["name"])
	require.Len(t, resp.Changes[docstore.CollectionCustomers], 1)
	require.NotEmpty(t, resp.SyncTimestamp)
}

func TestPullDefaultsToAllCollections(t *testing.T) {
	docs := newMemoryDocs()
	svc := newTestService(docs, nil)

	resp, err := svc.Pull(context.Background(), "", nil)
	require.NoError(t, err)
	require.Len(t, resp.Changes, len(docstore.Collections))
}

func TestStatusCountsEveryCollection(t *testing.T) {
	docs := newMemoryDocs()
	docs.seed(docstore.CollectionItems, "i1", nil, time.Now())
	docs.seed(docstore.CollectionItems, "i2", nil, time.Now())
	svc := newTestService(docs, nil)

	resp, err := svc.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, resp.Collections[docstore.CollectionItems].Count)
	require.Equal(t, 0, resp.Collections[docstore.CollectionInvoices].Count)
	require.NotEmpty(t, resp.ServerTimestamp)
}

func TestResolveConflict(t *testing.T) {
	docs := newMemoryDocs()
	docs.seed(docstore.CollectionCustomers, "c1", map[string]any{"name": "Server"}, time.Now())
	svc := newTestService(docs, nil)
	ctx := context.Background()

	resp, err := svc.Resolve(ctx, ResolveRequest{
		Collection: docstore.CollectionCustomers, DocumentID: "c1", Resolution: "server",
	})
	require.NoError(t, err)
	require.Equal(t, "Server", resp.Document["name"])

	resp, err = svc.Resolve(ctx, ResolveRequest{
		Collection: docstore.CollectionCustomers, DocumentID: "c1",
		Resolution: "client", ClientData: map[string]any{"name": "Client"},
	})
	require.NoError(t, err)
	require.Equal(t, "Client", resp.Document["name"])

	doc, err := docs.Get(ctx, docstore.CollectionCustomers, "c1")
	require.NoError(t, err)
	require.Equal(t, "Client", doc.Data["name"])

	_, err = svc.Resolve(ctx, ResolveRequest{
		Collection: docstore.CollectionCustomers, DocumentID: "c1",
		Resolution: "client",
	})
	require.ErrorIs(t, err, ErrResolutionRequired)

	_, err = svc.Resolve(ctx, ResolveRequest{
		Collection: docstore.CollectionCustomers, DocumentID: "missing", Resolution: "server",
	})
	require.ErrorIs(t, err, docstore.ErrDocumentNotFound)
}
