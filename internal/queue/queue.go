// Package queue implements the durable mutation queue: an ordered list of
// pending write operations awaiting transmission to the server.
//
// The queue lives in the same SQLite database as the entity store, which is
// the durability boundary — an enqueued mutation survives process restarts.
// Insertion order (rowid) is the causal order: for any one entity, items are
// handed to the sync engine strictly in the order they were enqueued, and an
// item is withheld while an earlier sibling is still unfinished. That is what
// guarantees an update is never sent before the create that produces its
// server identifier.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tasknest/outbox/internal/record"
	"github.com/tasknest/outbox/internal/storage"
)

// ErrNotFound is returned when no queue item exists for the given ID.
var ErrNotFound = errors.New("queue item not found")

// Queue provides access to the mutations table.
type Queue struct {
	db *storage.DB

	subsMu  sync.Mutex
	subs    map[int]func(record.QueueStats)
	nextSub int
}

// New creates a Queue over an opened database.
func New(db *storage.DB) *Queue {
	return &Queue{
		db:   db,
		subs: make(map[int]func(record.QueueStats)),
	}
}

// SubscribeStats registers a callback fired synchronously after every queue
// write with a fresh stats snapshot. The returned function removes the
// subscription.
func (q *Queue) SubscribeStats(fn func(record.QueueStats)) func() {
	q.subsMu.Lock()
	defer q.subsMu.Unlock()

	id := q.nextSub
	q.nextSub++
	q.subs[id] = fn

	return func() {
		q.subsMu.Lock()
		defer q.subsMu.Unlock()
		delete(q.subs, id)
	}
}

func (q *Queue) notify(ctx context.Context) {
	q.subsMu.Lock()
	n := len(q.subs)
	q.subsMu.Unlock()
	if n == 0 {
		return
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		return
	}

	q.subsMu.Lock()
	fns := make([]func(record.QueueStats), 0, len(q.subs))
	for _, fn := range q.subs {
		fns = append(fns, fn)
	}
	q.subsMu.Unlock()

	for _, fn := range fns {
		fn(stats)
	}
}

// Enqueue appends a mutation durably and returns its ID.
func (q *Queue) Enqueue(ctx context.Context, m *record.Mutation) (string, error) {
	if err := m.Validate(); err != nil {
		return "", fmt.Errorf("invalid mutation: %w", err)
	}

	headersJSON, err := json.Marshal(m.Headers)
	if err != nil {
		return "", fmt.Errorf("failed to marshal headers: %w", err)
	}

	_, err = q.db.RawDB().ExecContext(ctx, `
		INSERT INTO mutations (
			id, method, target_url, body, headers,
			entity_type, client_entity_id, base_version, base_updated_at,
			attempts, max_attempts, next_attempt_at, status, last_error,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID,
		string(m.Method),
		m.TargetURL,
		string(m.Body),
		string(headersJSON),
		string(m.EntityType),
		m.ClientEntityID,
		nullInt64(m.BaseVersion),
		timeString(m.BaseUpdatedAt),
		m.Attempts,
		m.MaxAttempts,
		timeString(m.NextAttemptAt),
		string(m.Status),
		nullString(m.LastError),
		timeString(m.CreatedAt),
		timeString(m.UpdatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue mutation %s: %w", m.ID, err)
	}

	q.notify(ctx)
	return m.ID, nil
}

const selectColumns = `
	id, method, target_url, body, headers,
	entity_type, client_entity_id, base_version, base_updated_at,
	attempts, max_attempts, next_attempt_at, status, last_error,
	created_at, updated_at`

// DequeuePending returns the dispatchable items: status pending, retry time
// elapsed, in insertion order — but only the head item of each entity's
// history. An item is withheld while an earlier item for the same entity is
// still pending (future attempt), processing, or failed, so a dependent
// update can never overtake its create. Items are also withheld while their
// entity sits in conflict: everything queued for it was computed against a
// basis the server rejected, and nothing moves until resolution clears the
// state.
func (q *Queue) DequeuePending(ctx context.Context, now time.Time) ([]*record.Mutation, error) {
	rows, err := q.db.RawDB().QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM mutations m
		WHERE m.status = 'pending'
		  AND m.next_attempt_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM mutations e
			WHERE e.client_entity_id = m.client_entity_id
			  AND e.rowid < m.rowid
			  AND e.status IN ('pending', 'processing', 'failed')
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM entities en
			WHERE en.client_id = m.client_entity_id
			  AND en.sync_status = 'conflict'
		  )
		ORDER BY m.rowid ASC`,
		timeString(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending mutations: %w", err)
	}
	defer rows.Close()

	return scanMutations(rows)
}

// Get retrieves one queue item by ID.
func (q *Queue) Get(ctx context.Context, id string) (*record.Mutation, error) {
	rows, err := q.db.RawDB().QueryContext(ctx,
		"SELECT "+selectColumns+" FROM mutations WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutation %s: %w", id, err)
	}
	defer rows.Close()

	items, err := scanMutations(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return items[0], nil
}

// List returns queue items filtered by status (empty = all), newest last.
func (q *Queue) List(ctx context.Context, status record.MutationStatus) ([]*record.Mutation, error) {
	query := "SELECT " + selectColumns + " FROM mutations"
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY rowid ASC"

	rows, err := q.db.RawDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list mutations: %w", err)
	}
	defer rows.Close()

	return scanMutations(rows)
}

// PendingForEntity returns unfinished items for one entity, in causal order.
func (q *Queue) PendingForEntity(ctx context.Context, clientEntityID string) ([]*record.Mutation, error) {
	rows, err := q.db.RawDB().QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM mutations
		WHERE client_entity_id = ? AND status IN ('pending', 'processing', 'failed')
		ORDER BY rowid ASC`, clientEntityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutations for %s: %w", clientEntityID, err)
	}
	defer rows.Close()

	return scanMutations(rows)
}

// Patch describes the fields Update may change. Nil fields are left alone.
type Patch struct {
	Status        *record.MutationStatus
	Attempts      *int
	NextAttemptAt *time.Time
	LastError     *string
}

// Update mutates status/attempts/error fields of one queue item.
func (q *Queue) Update(ctx context.Context, id string, p Patch) error {
	sets := []string{"updated_at = ?"}
	args := []interface{}{timeString(time.Now().UTC())}

	if p.Status != nil {
		if !p.Status.Valid() {
			return fmt.Errorf("invalid status %q", *p.Status)
		}
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
	}
	if p.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *p.Attempts)
	}
	if p.NextAttemptAt != nil {
		sets = append(sets, "next_attempt_at = ?")
		args = append(args, timeString(*p.NextAttemptAt))
	}
	if p.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *p.LastError)
	}

	args = append(args, id)
	query := "UPDATE mutations SET "
	for i, s := range sets {
		if i > 0 {
			query += ", "
		}
		query += s
	}
	query += " WHERE id = ?"

	res, err := q.db.RawDB().ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update mutation %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	q.notify(ctx)
	return nil
}

// Compact removes completed items and returns how many were deleted.
func (q *Queue) Compact(ctx context.Context) (int, error) {
	res, err := q.db.RawDB().ExecContext(ctx,
		"DELETE FROM mutations WHERE status = 'completed'")
	if err != nil {
		return 0, fmt.Errorf("failed to compact queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count compacted rows: %w", err)
	}
	if n > 0 {
		q.notify(ctx)
	}
	return int(n), nil
}

// DeleteForEntity removes every unfinished item for one entity. Used when a
// never-synced entity is discarded locally: its queued create/updates have
// no server-side effect to undo.
func (q *Queue) DeleteForEntity(ctx context.Context, clientEntityID string) (int, error) {
	res, err := q.db.RawDB().ExecContext(ctx, `
		DELETE FROM mutations
		WHERE client_entity_id = ? AND status IN ('pending', 'processing', 'failed')`,
		clientEntityID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete mutations for %s: %w", clientEntityID, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.notify(ctx)
	}
	return int(n), nil
}

// ResetFailed returns failed items to pending with a fresh retry budget.
func (q *Queue) ResetFailed(ctx context.Context, now time.Time) (int, error) {
	res, err := q.db.RawDB().ExecContext(ctx, `
		UPDATE mutations
		SET status = 'pending', attempts = 0, next_attempt_at = ?,
		    last_error = NULL, updated_at = ?
		WHERE status = 'failed'`,
		timeString(now), timeString(now))
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed mutations: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.notify(ctx)
	}
	return int(n), nil
}

// RequeueStuck returns items stranded in processing (a crash mid-drain) to
// pending. Call once at startup before the first drain.
func (q *Queue) RequeueStuck(ctx context.Context, now time.Time) (int, error) {
	res, err := q.db.RawDB().ExecContext(ctx, `
		UPDATE mutations
		SET status = 'pending', next_attempt_at = ?, updated_at = ?
		WHERE status = 'processing'`,
		timeString(now), timeString(now))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stuck mutations: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.notify(ctx)
	}
	return int(n), nil
}

// Stats returns a point-in-time summary of the queue.
func (q *Queue) Stats(ctx context.Context) (record.QueueStats, error) {
	var stats record.QueueStats

	rows, err := q.db.RawDB().QueryContext(ctx,
		"SELECT status, COUNT(*) FROM mutations GROUP BY status")
	if err != nil {
		return stats, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		switch record.MutationStatus(status) {
		case record.MutationPending:
			stats.Pending = n
		case record.MutationProcessing:
			stats.Processing = n
		case record.MutationCompleted:
			stats.Completed = n
		case record.MutationFailed:
			stats.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("error iterating queue stats: %w", err)
	}

	var oldest sql.NullString
	err = q.db.RawDB().QueryRowContext(ctx,
		"SELECT MIN(created_at) FROM mutations WHERE status = 'pending'").Scan(&oldest)
	if err == nil && oldest.Valid {
		if t, perr := time.Parse(time.RFC3339Nano, oldest.String); perr == nil {
			stats.OldestPendingAge = time.Since(t)
		}
	}

	return stats, nil
}

func scanMutations(rows *sql.Rows) ([]*record.Mutation, error) {
	var out []*record.Mutation

	for rows.Next() {
		var m record.Mutation
		var method, targetURL, entityType, status, createdAt, updatedAt, nextAttemptAt string
		var body, headers, baseUpdatedAt, lastError sql.NullString
		var baseVersion sql.NullInt64

		err := rows.Scan(
			&m.ID, &method, &targetURL, &body, &headers,
			&entityType, &m.ClientEntityID, &baseVersion, &baseUpdatedAt,
			&m.Attempts, &m.MaxAttempts, &nextAttemptAt, &status, &lastError,
			&createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}

		m.Method = record.Method(method)
		m.TargetURL = targetURL
		m.EntityType = record.EntityType(entityType)
		m.Status = record.MutationStatus(status)
		if body.Valid && body.String != "" {
			m.Body = []byte(body.String)
		}
		if headers.Valid && headers.String != "" && headers.String != "null" {
			if err := json.Unmarshal([]byte(headers.String), &m.Headers); err != nil {
				return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
			}
		}
		if baseVersion.Valid {
			v := baseVersion.Int64
			m.BaseVersion = &v
		}
		if baseUpdatedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, baseUpdatedAt.String); err == nil {
				m.BaseUpdatedAt = t
			}
		}
		if lastError.Valid {
			m.LastError = lastError.String
		}
		if t, err := time.Parse(time.RFC3339Nano, nextAttemptAt); err == nil {
			m.NextAttemptAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			m.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			m.UpdatedAt = t
		}

		out = append(out, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutations: %w", err)
	}
	return out, nil
}

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func timeString(t time.Time) string {
	return t.UTC().Format(timeLayout)
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
