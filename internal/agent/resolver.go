package agent

import (
	"context"
	"log/slog"

	syncapi "github.com/kanak-erp/kanak-erp/internal/sync"
)

// Resolver settles push conflicts on the terminal. The server copy always
// wins: the local record is overwritten with server_data, which also
// restores records the terminal deleted while offline. The discarded
// local version is logged for the operator, never retried.
type Resolver struct {
	logger *slog.Logger
	store  *Store
}

// NewResolver constructs Resolver.
func NewResolver(logger *slog.Logger, store *Store) *Resolver {
	return &Resolver{logger: logger, store: store}
}

// Apply overwrites the local record with the server copy. A conflict
// without server_data means the document no longer exists on the server;
// the local copy is dropped.
func (r *Resolver) Apply(ctx context.Context, conflict syncapi.Conflict) error {
	r.logger.Warn("conflict resolved server-wins",
		slog.String("collection", conflict.Collection),
		slog.String("document_id", conflict.DocumentID),
		slog.String("reason", conflict.Reason))

	if len(conflict.ServerData) == 0 {
		return r.store.Delete(ctx, conflict.Collection, conflict.DocumentID)
	}

	id := conflict.DocumentID
	if serverID, ok := conflict.ServerData["id"].(string); ok && serverID != "" {
		id = serverID
	}
	if id != conflict.DocumentID {
		if err := r.store.Delete(ctx, conflict.Collection, conflict.DocumentID); err != nil {
			return err
		}
	}
	return r.store.Put(ctx, conflict.Collection, id, conflict.ServerData, false)
}
