// Package sync implements the server side of the offline synchronisation
// protocol: push of queued client mutations, incremental pull, status and
// manual conflict resolution.
package sync

import (
	"errors"
	"strings"
)

// Mutation actions accepted in a push.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// ValidAction reports whether a is a known mutation action.
func ValidAction(a string) bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDelete
}

// TempIDPrefix marks client-generated provisional ids. The server replaces
// them with real uuids on create and reports the mapping back.
const TempIDPrefix = "temp_"

// IsTempID reports whether id is a client-generated provisional id.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// ErrResolutionRequired rejects resolve requests without a usable resolution.
var ErrResolutionRequired = errors.New("sync: resolution must be server or client")

// ErrInvalidCheckpoint rejects unparseable last_sync timestamps.
var ErrInvalidCheckpoint = errors.New("sync: invalid checkpoint timestamp")

// PushItem is one queued client mutation.
type PushItem struct {
	Collection string         `json:"collection" validate:"required"`
	DocumentID string         `json:"document_id" validate:"required"`
	Action     string         `json:"action" validate:"required,oneof=create update delete"`
	Data       map[string]any `json:"data"`
	Timestamp  string         `json:"timestamp"`
}

// PushRequest is the payload of POST /sync/push.
type PushRequest struct {
	Items             []PushItem `json:"items" validate:"required,min=1,dive"`
	LastSyncTimestamp string     `json:"last_sync_timestamp"`
	ClientID          string     `json:"client_id"`
}

// SyncedItem confirms one applied mutation. RealID carries the permanent id
// when the client pushed a provisional temp_ id.
type SyncedItem struct {
	Collection string `json:"collection"`
	DocumentID string `json:"document_id"`
	Action     string `json:"action"`
	RealID     string `json:"real_id,omitempty"`
}

// Conflict reports a mutation the server refused because its copy changed
// after the client's checkpoint. The server copy always wins; ServerData
// lets the client overwrite its local record.
type Conflict struct {
	Collection string         `json:"collection"`
	DocumentID string         `json:"document_id"`
	Reason     string         `json:"reason"`
	Resolution string         `json:"resolution"`
	ServerData map[string]any `json:"server_data,omitempty"`
}

// ItemError reports a mutation that could not be processed at all.
type ItemError struct {
	Collection string `json:"collection"`
	DocumentID string `json:"document_id"`
	Error      string `json:"error"`
}

// PushResults buckets the outcome of every pushed mutation.
type PushResults struct {
	Synced    []SyncedItem `json:"synced"`
	Conflicts []Conflict   `json:"conflicts"`
	Errors    []ItemError  `json:"errors"`
}

// PushResponse is the reply to POST /sync/push. SyncTimestamp is the
// server instant the push was processed; clients advance their checkpoint
// to it after a successful follow-up pull.
type PushResponse struct {
	Success       bool        `json:"success"`
	Results       PushResults `json:"results"`
	SyncTimestamp string      `json:"sync_timestamp"`
}

// PullResponse carries documents changed since the client's checkpoint,
// grouped per collection.
type PullResponse struct {
	Changes       map[string][]map[string]any `json:"changes"`
	TotalChanges  int                         `json:"total_changes"`
	SyncTimestamp string                      `json:"sync_timestamp"`
}

// CollectionStatus summarises one collection for GET /sync/status.
type CollectionStatus struct {
	Count int `json:"count"`
}

// StatusResponse is the reply to GET /sync/status.
type StatusResponse struct {
	Collections     map[string]CollectionStatus `json:"collections"`
	ServerTimestamp string                      `json:"server_timestamp"`
}

// ResolveRequest asks the server to settle one conflicted document.
type ResolveRequest struct {
	Collection string         `json:"collection" validate:"required"`
	DocumentID string         `json:"document_id" validate:"required"`
	Resolution string         `json:"resolution" validate:"required,oneof=server client"`
	ClientData map[string]any `json:"client_data"`
}

// ResolveResponse returns the winning document.
type ResolveResponse struct {
	Success    bool           `json:"success"`
	Resolution string         `json:"resolution"`
	Document   map[string]any `json:"document,omitempty"`
}
