package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// QueueEntry is one mutation waiting to be pushed, in arrival order.
type QueueEntry struct {
	QueueID    int64
	Collection string
	DocumentID string
	Action     string
	Data       map[string]any
	Timestamp  string
	ClientID   string
}

// Queue is the durable mutation queue. Entries are never coalesced: two
// updates to the same document stay two entries and replay in order.
type Queue struct {
	store *Store
}

// NewQueue constructs Queue over the local store.
func NewQueue(store *Store) *Queue {
	return &Queue{store: store}
}

// Enqueue appends a mutation to the queue.
func (q *Queue) Enqueue(ctx context.Context, collection, documentID, action string, data map[string]any, clientID string) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("agent: marshal queue entry: %w", err)
	}
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	_, err = q.store.db.ExecContext(ctx,
		`INSERT INTO sync_queue (collection, document_id, action, data, ts, client_id) VALUES (?, ?, ?, ?, ?, ?)`,
		collection, documentID, action, string(payload),
		time.Now().UTC().Format(time.RFC3339Nano), clientID)
	if err != nil {
		return fmt.Errorf("%w: enqueue %s/%s: %v", ErrStorageUnavailable, collection, documentID, err)
	}
	return nil
}

// ListPending returns every queued mutation in queue order.
func (q *Queue) ListPending(ctx context.Context) ([]QueueEntry, error) {
	rows, err := q.store.db.QueryContext(ctx,
		`SELECT queue_id, collection, document_id, action, data, ts, client_id FROM sync_queue ORDER BY queue_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list queue: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		var e QueueEntry
		var payload string
		if err := rows.Scan(&e.QueueID, &e.Collection, &e.DocumentID, &e.Action, &payload, &e.Timestamp, &e.ClientID); err != nil {
			return nil, fmt.Errorf("agent: scan queue entry: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Data); err != nil {
			return nil, fmt.Errorf("agent: decode queue entry %d: %w", e.QueueID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RewriteRefs re-targets pending mutations after a temp-id promotion:
// entries keyed by the old id move to the new one and references inside
// their payloads follow.
func (q *Queue) RewriteRefs(ctx context.Context, oldID, newID string) error {
	from, to := `"`+oldID+`"`, `"`+newID+`"`
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	_, err := q.store.db.ExecContext(ctx,
		`UPDATE sync_queue SET data = REPLACE(data, ?, ?),
document_id = CASE WHEN document_id = ? THEN ? ELSE document_id END`,
		from, to, oldID, newID)
	if err != nil {
		return fmt.Errorf("%w: rewrite queue %s: %v", ErrStorageUnavailable, oldID, err)
	}
	return nil
}

// Clear removes one processed entry.
func (q *Queue) Clear(ctx context.Context, queueID int64) error {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	_, err := q.store.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE queue_id = ?`, queueID)
	if err != nil {
		return fmt.Errorf("%w: clear queue entry %d: %v", ErrStorageUnavailable, queueID, err)
	}
	return nil
}

// Count returns the number of pending mutations.
func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	if err := q.store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count queue: %v", ErrStorageUnavailable, err)
	}
	return n, nil
}
