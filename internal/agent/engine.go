package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	syncapi "github.com/kanak-erp/kanak-erp/internal/sync"
)

// SyncAPI is the slice of the server protocol the engine needs.
type SyncAPI interface {
	Push(ctx context.Context, req syncapi.PushRequest) (syncapi.PushResponse, error)
	Pull(ctx context.Context, lastSync string, collections []string) (syncapi.PullResponse, error)
}

// Engine orchestrates the sync cycle: push queued mutations, settle
// conflicts, pull server changes, advance the checkpoint. One instance
// per terminal; every collaborator is injected.
type Engine struct {
	logger   *slog.Logger
	store    *Store
	queue    *Queue
	resolver *Resolver
	api      SyncAPI
	events   *Events

	clientID string
	syncing  atomic.Bool
	online   atomic.Bool
}

// NewEngine builds the engine. The terminal's client id is loaded from
// the store, generated on first run.
func NewEngine(logger *slog.Logger, store *Store, queue *Queue, resolver *Resolver, api SyncAPI, events *Events) (*Engine, error) {
	clientID, err := store.ClientID(context.Background(), func() string {
		return "terminal-" + uuid.New().String()
	})
	if err != nil {
		return nil, err
	}
	return &Engine{
		logger:   logger,
		store:    store,
		queue:    queue,
		resolver: resolver,
		api:      api,
		events:   events,
		clientID: clientID,
	}, nil
}

// ClientID returns the terminal's stable identifier.
func (e *Engine) ClientID() string {
	return e.clientID
}

// SetOnline records connectivity. An offline-to-online edge from the
// monitor triggers one sync.
func (e *Engine) SetOnline(ctx context.Context, online bool) {
	e.online.Store(online)
	if online {
		if err := e.Sync(ctx); err != nil &&
			!errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrOffline) {
			e.logger.Error("sync after reconnect failed", slog.Any("error", err))
		}
	}
}

// Record caches a local mutation and queues it for push. This is the
// write path the terminal UI uses while offline or online.
func (e *Engine) Record(ctx context.Context, collection, documentID, action string, data map[string]any) error {
	switch action {
	case syncapi.ActionCreate, syncapi.ActionUpdate:
		if err := e.store.Put(ctx, collection, documentID, data, true); err != nil {
			return err
		}
	case syncapi.ActionDelete:
		if err := e.store.Delete(ctx, collection, documentID); err != nil {
			return err
		}
	default:
		return fmt.Errorf("agent: unknown action %q", action)
	}
	if err := e.queue.Enqueue(ctx, collection, documentID, action, data, e.clientID); err != nil {
		return err
	}
	e.events.Publish(Event{Type: EventQueueUpdated})
	return nil
}

// Sync runs one push-then-pull cycle. A cycle already in flight is
// skipped with ErrSyncInProgress; mutations recorded meanwhile are picked
// up by the next cycle. A network failure leaves the queue and the
// checkpoint exactly as they were.
func (e *Engine) Sync(ctx context.Context) error {
	if !e.syncing.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer e.syncing.Store(false)

	if !e.online.Load() {
		return ErrOffline
	}

	e.events.Publish(Event{Type: EventSyncStarted})

	synced, conflicts, err := e.push(ctx)
	if err != nil {
		e.events.Publish(Event{Type: EventSyncError, Err: err})
		return err
	}

	pulled, err := e.pull(ctx)
	if err != nil {
		e.events.Publish(Event{Type: EventSyncError, Err: err})
		return err
	}

	e.events.Publish(Event{Type: EventSyncCompleted, Synced: synced, Conflicts: conflicts, Pulled: pulled})
	e.logger.Info("sync cycle completed",
		slog.Int("synced", synced), slog.Int("conflicts", conflicts), slog.Int("pulled", pulled))
	return nil
}

// push sends the queue snapshot taken at cycle start in one batch.
func (e *Engine) push(ctx context.Context) (synced, conflicts int, err error) {
	pending, err := e.queue.ListPending(ctx)
	if err != nil {
		return 0, 0, err
	}
	if len(pending) == 0 {
		return 0, 0, nil
	}

	checkpoint, err := e.store.Checkpoint(ctx)
	if err != nil {
		return 0, 0, err
	}

	req := syncapi.PushRequest{
		LastSyncTimestamp: checkpoint,
		ClientID:          e.clientID,
	}
	for _, entry := range pending {
		req.Items = append(req.Items, syncapi.PushItem{
			Collection: entry.Collection,
			DocumentID: entry.DocumentID,
			Action:     entry.Action,
			Data:       entry.Data,
			Timestamp:  entry.Timestamp,
		})
	}

	resp, err := e.api.Push(ctx, req)
	if err != nil {
		return 0, 0, err
	}

	byKey := indexQueue(pending)
	for _, item := range resp.Results.Synced {
		if item.RealID != "" {
			if err := e.store.Replace(ctx, item.Collection, item.DocumentID, item.RealID); err != nil &&
				!errors.Is(err, ErrRecordNotFound) {
				return synced, conflicts, err
			}
			// Promotion follows through to dependents: cached records
			// holding the temp id and mutations still in the queue.
			if err := e.store.RewriteRefs(ctx, item.DocumentID, item.RealID); err != nil {
				return synced, conflicts, err
			}
			if err := e.queue.RewriteRefs(ctx, item.DocumentID, item.RealID); err != nil {
				return synced, conflicts, err
			}
		}
		if err := e.clearMatch(ctx, byKey, item.Collection, item.DocumentID, item.Action); err != nil {
			return synced, conflicts, err
		}
		synced++
	}
	for _, conflict := range resp.Results.Conflicts {
		if err := e.resolver.Apply(ctx, conflict); err != nil {
			return synced, conflicts, err
		}
		// Conflicts are terminal for the queue entry; the server verdict
		// already replaced the local copy.
		for _, action := range []string{syncapi.ActionCreate, syncapi.ActionUpdate, syncapi.ActionDelete} {
			if err := e.clearMatch(ctx, byKey, conflict.Collection, conflict.DocumentID, action); err != nil {
				return synced, conflicts, err
			}
		}
		conflicts++
	}
	for _, itemErr := range resp.Results.Errors {
		// Rejected entries stay queued for the next cycle.
		e.logger.Warn("push item rejected",
			slog.String("collection", itemErr.Collection),
			slog.String("document_id", itemErr.DocumentID),
			slog.String("error", itemErr.Error))
	}

	if synced > 0 || conflicts > 0 {
		e.events.Publish(Event{Type: EventQueueUpdated})
	}
	return synced, conflicts, nil
}

// pull applies server changes since the checkpoint and advances it.
func (e *Engine) pull(ctx context.Context) (int, error) {
	checkpoint, err := e.store.Checkpoint(ctx)
	if err != nil {
		return 0, err
	}

	resp, err := e.api.Pull(ctx, checkpoint, nil)
	if err != nil {
		return 0, err
	}

	pulled := 0
	for collection, docs := range resp.Changes {
		for _, data := range docs {
			id, _ := data["id"].(string)
			if id == "" {
				continue
			}
			if err := e.store.Put(ctx, collection, id, data, false); err != nil {
				return pulled, err
			}
			pulled++
		}
	}

	if resp.SyncTimestamp != "" {
		if err := e.store.SetCheckpoint(ctx, resp.SyncTimestamp); err != nil {
			return pulled, err
		}
	}
	return pulled, nil
}

// Run syncs on a fixed interval until ctx is cancelled. Skipped and
// offline cycles are quiet; real failures are logged and retried next
// tick.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Sync(ctx); err != nil &&
				!errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrOffline) {
				e.logger.Error("periodic sync failed", slog.Any("error", err))
			}
		}
	}
}

func queueKey(collection, documentID, action string) string {
	return collection + "\x00" + documentID + "\x00" + action
}

func indexQueue(pending []QueueEntry) map[string][]int64 {
	byKey := make(map[string][]int64, len(pending))
	for _, entry := range pending {
		key := queueKey(entry.Collection, entry.DocumentID, entry.Action)
		byKey[key] = append(byKey[key], entry.QueueID)
	}
	return byKey
}

// clearMatch removes the oldest queue entry matching the result key.
func (e *Engine) clearMatch(ctx context.Context, byKey map[string][]int64, collection, documentID, action string) error {
	key := queueKey(collection, documentID, action)
	ids := byKey[key]
	if len(ids) == 0 {
		return nil
	}
	byKey[key] = ids[1:]
	return e.queue.Clear(ctx, ids[0])
}
