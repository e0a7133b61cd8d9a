// Package record provides the data structures shared by the entity store,
// mutation queue, and sync engine.
//
// An Entity is the local representation of one domain object (task, project,
// team) plus the sync metadata the engine needs. The domain payload itself is
// carried as opaque JSON; the engine never interprets it beyond identity and
// timestamps.
package record

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EntityType identifies which domain table an entity belongs to.
// The engine treats the set as open: any non-empty lowercase name is valid,
// the caller decides what it means.
type EntityType string

// Entity types used by the task client. Callers may define their own.
const (
	TypeTask    EntityType = "task"
	TypeProject EntityType = "project"
	TypeTeam    EntityType = "team"
)

// Validate checks that the entity type is usable as a table/resource key.
func (t EntityType) Validate() error {
	if t == "" {
		return fmt.Errorf("entity type is required")
	}
	if strings.ToLower(string(t)) != string(t) {
		return fmt.Errorf("entity type must be lowercase (got %q)", t)
	}
	return nil
}

// SyncStatus describes where an entity stands relative to the server.
type SyncStatus string

const (
	// StatusPending means a local mutation is queued but not yet sent.
	StatusPending SyncStatus = "pending"
	// StatusSyncing means a mutation for this entity is in flight.
	StatusSyncing SyncStatus = "syncing"
	// StatusSynced means the server has acknowledged the latest local state.
	StatusSynced SyncStatus = "synced"
	// StatusError means the last mutation failed permanently or exhausted retries.
	StatusError SyncStatus = "error"
	// StatusConflict means the server diverged from the basis of a local
	// update. Both versions are retained until the caller resolves.
	StatusConflict SyncStatus = "conflict"
)

// Valid reports whether s is a known sync status.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSynced, StatusError, StatusConflict:
		return true
	}
	return false
}

// ConflictSnapshot captures both sides of a detected divergence.
// It is set when an update's basis turns out to be stale and cleared when the
// caller resolves the conflict.
type ConflictSnapshot struct {
	// Local is the payload the caller was trying to sync.
	Local json.RawMessage `json:"local"`
	// Server is the authoritative payload the server reported instead.
	Server json.RawMessage `json:"server"`
	// ServerVersion is the version token attached to the server snapshot.
	ServerVersion *int64 `json:"server_version,omitempty"`
	// ServerUpdatedAt is the server-side modification time of the snapshot.
	ServerUpdatedAt time.Time `json:"server_updated_at"`
	// DetectedAt is when the engine observed the divergence.
	DetectedAt time.Time `json:"detected_at"`
}

// Entity is one locally stored domain object with sync metadata.
//
// ClientID is generated on the device at creation time and never changes;
// it is the primary key even after the server assigns its own identifier.
// ServerID is assigned exactly once, when the create mutation succeeds.
type Entity struct {
	// ===== Identity =====
	ClientID string     `json:"client_id"`
	ServerID string     `json:"server_id,omitempty"`
	Type     EntityType `json:"type"`

	// ===== Domain payload (opaque to the engine) =====
	Payload json.RawMessage `json:"payload"`

	// ===== Sync metadata =====
	SyncStatus SyncStatus `json:"sync_status"`
	// Version is the server-supplied token used for conflict comparison.
	// Nil until the first successful sync.
	Version *int64 `json:"version,omitempty"`

	// ===== Timestamps =====
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`

	// ===== Failure state =====
	Conflict  *ConflictSnapshot `json:"conflict,omitempty"`
	LastError string            `json:"last_error,omitempty"`
}

// Validate checks the invariants every stored entity must hold.
func (e *Entity) Validate() error {
	if e.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if err := e.Type.Validate(); err != nil {
		return err
	}
	if !e.SyncStatus.Valid() {
		return fmt.Errorf("invalid sync status %q", e.SyncStatus)
	}
	if e.SyncStatus == StatusSynced && e.ServerID == "" {
		return fmt.Errorf("synced entity %s has no server_id", e.ClientID)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if e.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// Synced reports whether this entity has ever completed a create round-trip.
func (e *Entity) Synced() bool {
	return e.ServerID != ""
}

// Touch sets UpdatedAt to now. Call after any field change.
func (e *Entity) Touch() {
	e.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy. Subscribers receive clones so they cannot
// mutate store state.
func (e *Entity) Clone() *Entity {
	c := *e
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.Version != nil {
		v := *e.Version
		c.Version = &v
	}
	if e.LastSyncedAt != nil {
		t := *e.LastSyncedAt
		c.LastSyncedAt = &t
	}
	if e.Conflict != nil {
		cs := *e.Conflict
		cs.Local = append(json.RawMessage(nil), e.Conflict.Local...)
		cs.Server = append(json.RawMessage(nil), e.Conflict.Server...)
		if e.Conflict.ServerVersion != nil {
			v := *e.Conflict.ServerVersion
			cs.ServerVersion = &v
		}
		c.Conflict = &cs
	}
	return &c
}

// MergePayload applies a shallow JSON merge of patch over the entity payload.
// Top-level keys in patch win; a null value removes the key.
func (e *Entity) MergePayload(patch json.RawMessage) error {
	merged, err := MergeJSON(e.Payload, patch)
	if err != nil {
		return fmt.Errorf("failed to merge payload for %s: %w", e.ClientID, err)
	}
	e.Payload = merged
	return nil
}

// MergeJSON shallow-merges two JSON objects. Keys in patch override base;
// explicit nulls in patch delete the key. Non-object inputs are an error.
func MergeJSON(base, patch json.RawMessage) (json.RawMessage, error) {
	var dst map[string]json.RawMessage
	if len(base) > 0 {
		if err := json.Unmarshal(base, &dst); err != nil {
			return nil, fmt.Errorf("base is not a JSON object: %w", err)
		}
	}
	if dst == nil {
		dst = make(map[string]json.RawMessage)
	}

	var src map[string]json.RawMessage
	if err := json.Unmarshal(patch, &src); err != nil {
		return nil, fmt.Errorf("patch is not a JSON object: %w", err)
	}

	for k, v := range src {
		if string(v) == "null" {
			delete(dst, k)
			continue
		}
		dst[k] = v
	}

	out, err := json.Marshal(dst)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged payload: %w", err)
	}
	return out, nil
}
