// Package agent implements the offline sync engine that runs on a shop
// terminal: a SQLite record cache, a durable mutation queue, a
// server-wins conflict resolver and the orchestrator driving the
// push/pull cycle against the server.
package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors surfaced by the agent.
var (
	// ErrStorageUnavailable indicates the local SQLite store could not be
	// opened or written; callers degrade to network-only operation.
	ErrStorageUnavailable = errors.New("agent: local storage unavailable")
	// ErrRecordNotFound indicates a missing local record.
	ErrRecordNotFound = errors.New("agent: record not found")
	// ErrOffline indicates a sync attempt while the server is unreachable.
	ErrOffline = errors.New("agent: offline")
	// ErrSyncInProgress indicates a sync attempt while a cycle is running.
	// The attempt is skipped, not queued.
	ErrSyncInProgress = errors.New("agent: sync already in progress")
	// ErrNetwork indicates a transport-level failure talking to the server.
	ErrNetwork = errors.New("agent: network failure")
)

// Record is one locally cached document.
type Record struct {
	Collection    string
	ID            string
	Data          map[string]any
	LocalModified bool
	CachedAt      time.Time
}

// Store is the terminal's local cache. SQLite allows a single writer, so
// all writes serialize behind a mutex.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS records (
	collection     TEXT NOT NULL,
	id             TEXT NOT NULL,
	data           TEXT NOT NULL,
	local_modified INTEGER NOT NULL DEFAULT 0,
	cached_at      TEXT NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE TABLE IF NOT EXISTS sync_queue (
	queue_id    INTEGER PRIMARY KEY AUTOINCREMENT,
	collection  TEXT NOT NULL,
	document_id TEXT NOT NULL,
	action      TEXT NOT NULL,
	data        TEXT NOT NULL,
	ts          TEXT NOT NULL,
	client_id   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sync_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// OpenStore opens (creating if needed) the local database at path. Any
// failure maps to ErrStorageUnavailable.
func OpenStore(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put caches a record. markForSync marks it locally modified; records
// written from a pull are stored clean.
func (s *Store) Put(ctx context.Context, collection, id string, data map[string]any, markForSync bool) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("agent: marshal record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `INSERT INTO records (collection, id, data, local_modified, cached_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data,
local_modified = excluded.local_modified, cached_at = excluded.cached_at`,
		collection, id, string(payload), boolInt(markForSync), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: put %s/%s: %v", ErrStorageUnavailable, collection, id, err)
	}
	return nil
}

// Get fetches one cached record.
func (s *Store) Get(ctx context.Context, collection, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT data, local_modified, cached_at FROM records WHERE collection = ? AND id = ?`,
		collection, id)
	var payload, cachedAt string
	var modified int
	if err := row.Scan(&payload, &modified, &cachedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("%w: get %s/%s: %v", ErrStorageUnavailable, collection, id, err)
	}
	return decodeRecord(collection, id, payload, modified, cachedAt)
}

// GetAll returns every cached record of a collection.
func (s *Store) GetAll(ctx context.Context, collection string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data, local_modified, cached_at FROM records WHERE collection = ? ORDER BY id`,
		collection)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrStorageUnavailable, collection, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var id, payload, cachedAt string
		var modified int
		if err := rows.Scan(&id, &payload, &modified, &cachedAt); err != nil {
			return nil, fmt.Errorf("agent: scan record: %w", err)
		}
		rec, err := decodeRecord(collection, id, payload, modified, cachedAt)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Delete removes one cached record. Absent records are not an error.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("%w: delete %s/%s: %v", ErrStorageUnavailable, collection, id, err)
	}
	return nil
}

// Replace re-keys a record from a provisional id to the server-assigned
// one, rewriting the id inside the payload. Used after temp-id promotion.
func (s *Store) Replace(ctx context.Context, collection, oldID, newID string) error {
	rec, err := s.Get(ctx, collection, oldID)
	if err != nil {
		return err
	}
	rec.Data["id"] = newID

	payload, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("agent: marshal record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: replace %s/%s: %v", ErrStorageUnavailable, collection, oldID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, oldID); err != nil {
		return fmt.Errorf("%w: replace %s/%s: %v", ErrStorageUnavailable, collection, oldID, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO records (collection, id, data, local_modified, cached_at)
VALUES (?, ?, ?, 0, ?)
ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, local_modified = 0, cached_at = excluded.cached_at`,
		collection, newID, string(payload), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("%w: replace %s/%s: %v", ErrStorageUnavailable, collection, oldID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: replace %s/%s: %v", ErrStorageUnavailable, collection, oldID, err)
	}
	return nil
}

// RewriteRefs rewrites references to a promoted id inside every cached
// payload, whatever collection holds them. Ids only occur as whole JSON
// string values, so replacing the quoted form cannot touch part of a
// longer value.
func (s *Store) RewriteRefs(ctx context.Context, oldID, newID string) error {
	from, to := `"`+oldID+`"`, `"`+newID+`"`
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE records SET data = REPLACE(data, ?, ?) WHERE instr(data, ?) > 0`,
		from, to, from)
	if err != nil {
		return fmt.Errorf("%w: rewrite %s: %v", ErrStorageUnavailable, oldID, err)
	}
	return nil
}

// Checkpoint returns the last successful sync timestamp, empty when the
// terminal has never synced.
func (s *Store) Checkpoint(ctx context.Context) (string, error) {
	return s.metaGet(ctx, "last_sync_timestamp")
}

// SetCheckpoint advances the checkpoint. It never moves backwards.
func (s *Store) SetCheckpoint(ctx context.Context, ts string) error {
	next, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return fmt.Errorf("agent: invalid checkpoint %q: %w", ts, err)
	}
	current, err := s.Checkpoint(ctx)
	if err != nil {
		return err
	}
	if current != "" {
		if prev, err := time.Parse(time.RFC3339Nano, current); err == nil && !next.After(prev) {
			return nil
		}
	}
	return s.metaSet(ctx, "last_sync_timestamp", ts)
}

// ClientID returns the stable identifier of this terminal, generating and
// persisting one on first use.
func (s *Store) ClientID(ctx context.Context, generate func() string) (string, error) {
	id, err := s.metaGet(ctx, "client_id")
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = generate()
	if err := s.metaSet(ctx, "client_id", id); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) metaGet(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: meta %s: %v", ErrStorageUnavailable, key, err)
	}
	return value, nil
}

func (s *Store) metaSet(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO sync_meta (key, value) VALUES (?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("%w: meta %s: %v", ErrStorageUnavailable, key, err)
	}
	return nil
}

func decodeRecord(collection, id, payload string, modified int, cachedAt string) (Record, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return Record{}, fmt.Errorf("agent: decode %s/%s: %w", collection, id, err)
	}
	cached, _ := time.Parse(time.RFC3339Nano, cachedAt)
	return Record{
		Collection:    collection,
		ID:            id,
		Data:          data,
		LocalModified: modified != 0,
		CachedAt:      cached,
	}, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
