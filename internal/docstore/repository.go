package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists documents in PostgreSQL (documents table, JSONB payload).
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Put upserts a document by id and stamps updated_at, both on the row and
// inside the payload so clients see the same instant the server compares
// against.
func (r *Repository) Put(ctx context.Context, collection, id string, data map[string]any) (Document, error) {
	if !IsSyncable(collection) {
		return Document{}, ErrUnknownCollection
	}
	if id == "" {
		return Document{}, errors.New("docstore: document id required")
	}
	now := time.Now().UTC()
	if data == nil {
		data = map[string]any{}
	}
	data["id"] = id
	data["updated_at"] = now.Format(TimeLayout)
	payload, err := json.Marshal(data)
	if err != nil {
		return Document{}, fmt.Errorf("docstore: marshal document: %w", err)
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO documents (collection, id, data, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		collection, id, payload, now)
	if err != nil {
		return Document{}, fmt.Errorf("docstore: put %s/%s: %w", collection, id, err)
	}
	return Document{Collection: collection, ID: id, Data: data, UpdatedAt: now}, nil
}

// MarkSynced stamps synced_at on a document after a push applied it.
func (r *Repository) MarkSynced(ctx context.Context, collection, id string, at time.Time) error {
	if !IsSyncable(collection) {
		return ErrUnknownCollection
	}
	_, err := r.pool.Exec(ctx, `UPDATE documents SET synced_at = $3,
data = jsonb_set(data, '{synced_at}', to_jsonb($4::text))
WHERE collection = $1 AND id = $2`, collection, id, at, at.UTC().Format(TimeLayout))
	if err != nil {
		return fmt.Errorf("docstore: mark synced %s/%s: %w", collection, id, err)
	}
	return nil
}

// Get fetches one document.
func (r *Repository) Get(ctx context.Context, collection, id string) (Document, error) {
	if !IsSyncable(collection) {
		return Document{}, ErrUnknownCollection
	}
	row := r.pool.QueryRow(ctx, `SELECT data, updated_at, COALESCE(synced_at, 'epoch'::timestamptz)
FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	return scanDocument(row, collection, id)
}

// Delete removes one document. Deleting an absent document is not an error;
// the boolean reports whether a row was removed.
func (r *Repository) Delete(ctx context.Context, collection, id string) (bool, error) {
	if !IsSyncable(collection) {
		return false, ErrUnknownCollection
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return false, fmt.Errorf("docstore: delete %s/%s: %w", collection, id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// List returns documents of a collection, newest first.
func (r *Repository) List(ctx context.Context, collection string, limit, offset int) ([]Document, error) {
	if !IsSyncable(collection) {
		return nil, ErrUnknownCollection
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT id, data, updated_at, COALESCE(synced_at, 'epoch'::timestamptz)
FROM documents WHERE collection = $1 ORDER BY updated_at DESC LIMIT $2 OFFSET $3`, collection, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("docstore: list %s: %w", collection, err)
	}
	defer rows.Close()
	return collectDocuments(rows, collection)
}

// ChangedSince returns documents modified strictly after the given instant,
// newest first, capped at limit. A zero time returns the most recent
// documents unconditionally.
func (r *Repository) ChangedSince(ctx context.Context, collection string, since time.Time, limit int) ([]Document, error) {
	if !IsSyncable(collection) {
		return nil, ErrUnknownCollection
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT id, data, updated_at, COALESCE(synced_at, 'epoch'::timestamptz)
FROM documents
WHERE collection = $1 AND ($2::timestamptz IS NULL OR updated_at > $2 OR synced_at > $2)
ORDER BY updated_at DESC LIMIT $3`, collection, nullableTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("docstore: changed since %s: %w", collection, err)
	}
	defer rows.Close()
	return collectDocuments(rows, collection)
}

// Count returns the number of documents in a collection.
func (r *Repository) Count(ctx context.Context, collection string) (int, error) {
	if !IsSyncable(collection) {
		return 0, ErrUnknownCollection
	}
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM documents WHERE collection = $1`, collection).Scan(&n); err != nil {
		return 0, fmt.Errorf("docstore: count %s: %w", collection, err)
	}
	return n, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func scanDocument(row pgx.Row, collection, id string) (Document, error) {
	var payload []byte
	var updatedAt, syncedAt time.Time
	if err := row.Scan(&payload, &updatedAt, &syncedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrDocumentNotFound
		}
		return Document{}, fmt.Errorf("docstore: get %s/%s: %w", collection, id, err)
	}
	data, err := DecodeData(payload)
	if err != nil {
		return Document{}, fmt.Errorf("docstore: decode %s/%s: %w", collection, id, err)
	}
	return Document{Collection: collection, ID: id, Data: data, UpdatedAt: updatedAt, SyncedAt: syncedAt}, nil
}

func collectDocuments(rows pgx.Rows, collection string) ([]Document, error) {
	var docs []Document
	for rows.Next() {
		var id string
		var payload []byte
		var updatedAt, syncedAt time.Time
		if err := rows.Scan(&id, &payload, &updatedAt, &syncedAt); err != nil {
			return nil, fmt.Errorf("docstore: scan %s: %w", collection, err)
		}
		data, err := DecodeData(payload)
		if err != nil {
			return nil, fmt.Errorf("docstore: decode %s/%s: %w", collection, id, err)
		}
		docs = append(docs, Document{Collection: collection, ID: id, Data: data, UpdatedAt: updatedAt, SyncedAt: syncedAt})
	}
	return docs, rows.Err()
}
