// Package store implements the durable entity store: one row per domain
// object, keyed by the client-generated identifier, carrying the opaque
// payload plus sync metadata.
//
// All operations are local-only; the store never touches the network.
// Writes are single-row and idempotent, and every successful write notifies
// subscribers for that entity type synchronously, which is how the UI layer
// observes sync state without exceptions crossing into render paths.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tasknest/outbox/internal/record"
	"github.com/tasknest/outbox/internal/storage"
)

// ErrNotFound is returned when no entity exists for the given client ID.
var ErrNotFound = errors.New("entity not found")

// Change describes one store write delivered to subscribers.
type Change struct {
	// Entity is a clone of the record after the write. For deletions it is
	// the last known state.
	Entity record.Entity
	// Deleted is true when the row was removed.
	Deleted bool
}

// Store provides access to the entities table.
type Store struct {
	db *storage.DB

	subsMu  sync.Mutex
	subs    map[record.EntityType]map[int]func(Change)
	nextSub int
}

// New creates a Store over an opened database.
func New(db *storage.DB) *Store {
	return &Store{
		db:   db,
		subs: make(map[record.EntityType]map[int]func(Change)),
	}
}

// Subscribe registers a callback fired synchronously after every write to
// entities of the given type. The returned function removes the
// subscription.
func (s *Store) Subscribe(t record.EntityType, fn func(Change)) func() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	if s.subs[t] == nil {
		s.subs[t] = make(map[int]func(Change))
	}
	id := s.nextSub
	s.nextSub++
	s.subs[t][id] = fn

	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		delete(s.subs[t], id)
	}
}

func (s *Store) notify(e *record.Entity, deleted bool) {
	s.subsMu.Lock()
	fns := make([]func(Change), 0, len(s.subs[e.Type]))
	for _, fn := range s.subs[e.Type] {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()

	for _, fn := range fns {
		fn(Change{Entity: *e.Clone(), Deleted: deleted})
	}
}

// Get retrieves an entity by client ID. Returns ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, clientID string) (*record.Entity, error) {
	row := s.db.RawDB().QueryRowContext(ctx, `
		SELECT client_id, entity_type, server_id, payload, sync_status,
		       version, created_at, updated_at, last_synced_at, conflict,
		       last_error
		FROM entities WHERE client_id = ?`, clientID)

	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity %s: %w", clientID, err)
	}
	return e, nil
}

// Put inserts or updates an entity. Applying the same record twice produces
// no observable difference beyond the timestamp refresh.
//
// Put enforces the write-once server ID invariant: once a row has a
// server_id, a different value is rejected.
func (s *Store) Put(ctx context.Context, e *record.Entity) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid entity: %w", err)
	}

	if e.ServerID != "" {
		existing, err := s.Get(ctx, e.ClientID)
		if err != nil && err != ErrNotFound {
			return err
		}
		if err == nil && existing.ServerID != "" && existing.ServerID != e.ServerID {
			return fmt.Errorf("entity %s already has server_id %s, refusing to change it to %s",
				e.ClientID, existing.ServerID, e.ServerID)
		}
	}

	conflictJSON, err := marshalConflict(e.Conflict)
	if err != nil {
		return err
	}

	_, err = s.db.RawDB().ExecContext(ctx, `
		INSERT INTO entities (
			client_id, entity_type, server_id, payload, sync_status,
			version, created_at, updated_at, last_synced_at, conflict,
			last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			server_id      = excluded.server_id,
			payload        = excluded.payload,
			sync_status    = excluded.sync_status,
			version        = excluded.version,
			updated_at     = excluded.updated_at,
			last_synced_at = excluded.last_synced_at,
			conflict       = excluded.conflict,
			last_error     = excluded.last_error`,
		e.ClientID,
		string(e.Type),
		nullString(e.ServerID),
		string(e.Payload),
		string(e.SyncStatus),
		nullInt64(e.Version),
		e.CreatedAt.UTC().Format(timeLayout),
		e.UpdatedAt.UTC().Format(timeLayout),
		timeToNullString(e.LastSyncedAt),
		conflictJSON,
		nullString(e.LastError),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert entity %s: %w", e.ClientID, err)
	}

	s.notify(e, false)
	return nil
}

// Delete removes an entity row. Returns nil if the row doesn't exist
// (idempotent); subscribers are only notified when a row was removed.
func (s *Store) Delete(ctx context.Context, clientID string) error {
	existing, err := s.Get(ctx, clientID)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := s.db.RawDB().ExecContext(ctx,
		"DELETE FROM entities WHERE client_id = ?", clientID); err != nil {
		return fmt.Errorf("failed to delete entity %s: %w", clientID, err)
	}

	s.notify(existing, true)
	return nil
}

// Filter configures a Query call. Zero values mean "no constraint".
type Filter struct {
	Type   record.EntityType
	Status record.SyncStatus
	Limit  int
	Offset int
}

// Query retrieves entities matching the filter, ordered by creation time.
func (s *Store) Query(ctx context.Context, f Filter) ([]*record.Entity, error) {
	var conditions []string
	var args []interface{}

	if f.Type != "" {
		conditions = append(conditions, "entity_type = ?")
		args = append(args, string(f.Type))
	}
	if f.Status != "" {
		conditions = append(conditions, "sync_status = ?")
		args = append(args, string(f.Status))
	}

	query := `
		SELECT client_id, entity_type, server_id, payload, sync_status,
		       version, created_at, updated_at, last_synced_at, conflict,
		       last_error
		FROM entities`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC, client_id ASC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.db.RawDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var out []*record.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return out, nil
}

// CountByStatus returns the number of entities per sync status, optionally
// restricted to one entity type.
func (s *Store) CountByStatus(ctx context.Context, t record.EntityType) (map[record.SyncStatus]int, error) {
	query := "SELECT sync_status, COUNT(*) FROM entities"
	var args []interface{}
	if t != "" {
		query += " WHERE entity_type = ?"
		args = append(args, string(t))
	}
	query += " GROUP BY sync_status"

	rows, err := s.db.RawDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count entities: %w", err)
	}
	defer rows.Close()

	counts := make(map[record.SyncStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[record.SyncStatus(status)] = n
	}
	return counts, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row scanner) (*record.Entity, error) {
	var e record.Entity
	var typ, status, payload, createdAt, updatedAt string
	var serverID, lastSyncedAt, conflict, lastError sql.NullString
	var version sql.NullInt64

	err := row.Scan(
		&e.ClientID, &typ, &serverID, &payload, &status,
		&version, &createdAt, &updatedAt, &lastSyncedAt, &conflict,
		&lastError,
	)
	if err != nil {
		return nil, err
	}

	e.Type = record.EntityType(typ)
	e.SyncStatus = record.SyncStatus(status)
	e.Payload = json.RawMessage(payload)
	if serverID.Valid {
		e.ServerID = serverID.String
	}
	if version.Valid {
		v := version.Int64
		e.Version = &v
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		e.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		e.UpdatedAt = t
	}
	e.LastSyncedAt = nullStringToTime(lastSyncedAt)
	if lastError.Valid {
		e.LastError = lastError.String
	}
	if conflict.Valid && conflict.String != "" {
		var cs record.ConflictSnapshot
		if err := json.Unmarshal([]byte(conflict.String), &cs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conflict snapshot: %w", err)
		}
		e.Conflict = &cs
	}

	return &e, nil
}

func marshalConflict(c *record.ConflictSnapshot) (sql.NullString, error) {
	if c == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal conflict snapshot: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
