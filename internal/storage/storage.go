// Package storage owns the on-device SQLite database shared by the entity
// store and the mutation queue.
//
// The database is the durability boundary of the whole engine: an enqueued
// mutation survives process restarts and is guaranteed to eventually reach
// the sync engine as long as the device is not wiped.
//
// The database runs embedded with WAL mode so UI reads stay concurrent with
// engine writes. All invariants are per-row, so no multi-statement
// transactions are needed outside of schema setup.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection used by the store and queue.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates (or opens) the engine database at the specified path.
//
// The caller MUST call Close() when done to checkpoint the WAL.
//
// Example:
//
//	db, err := storage.Open(".outbox/engine.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the engine tables if they don't exist. Idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	-- Local entity records, one row per domain object, keyed by the
	-- client-generated identifier. server_id is assigned at most once.
	CREATE TABLE IF NOT EXISTS entities (
		client_id       TEXT PRIMARY KEY,
		entity_type     TEXT NOT NULL,
		server_id       TEXT,
		payload         TEXT NOT NULL,  -- opaque JSON
		sync_status     TEXT NOT NULL DEFAULT 'pending',
		version         INTEGER,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		last_synced_at  TEXT,
		conflict        TEXT,           -- JSON {local, server, ...} when diverged
		last_error      TEXT
	);

	-- Durable queue of pending network writes. rowid doubles as the
	-- insertion-order sequence used for causal ordering per entity.
	CREATE TABLE IF NOT EXISTS mutations (
		id               TEXT PRIMARY KEY,
		method           TEXT NOT NULL,
		target_url       TEXT NOT NULL,
		body             TEXT,
		headers          TEXT,          -- JSON map, token snapshot included
		entity_type      TEXT NOT NULL,
		client_entity_id TEXT NOT NULL,
		base_version     INTEGER,
		base_updated_at  TEXT,
		attempts         INTEGER NOT NULL DEFAULT 0,
		max_attempts     INTEGER NOT NULL,
		next_attempt_at  TEXT NOT NULL,
		status           TEXT NOT NULL DEFAULT 'pending',
		last_error       TEXT,
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	);

	-- Engine bookkeeping (last successful sync time, schema version).
	CREATE TABLE IF NOT EXISTS sync_meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type);
	CREATE INDEX IF NOT EXISTS idx_entities_status ON entities(sync_status);
	CREATE INDEX IF NOT EXISTS idx_entities_server ON entities(server_id);

	CREATE INDEX IF NOT EXISTS idx_mutations_dispatch
	    ON mutations(status, next_attempt_at);
	CREATE INDEX IF NOT EXISTS idx_mutations_entity
	    ON mutations(client_entity_id);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// GetMeta reads a sync_meta value. Returns ("", nil) when the key is absent.
func (db *DB) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.QueryRowContext(ctx,
		"SELECT value FROM sync_meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta writes a sync_meta value.
func (db *DB) SetMeta(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write meta %s: %w", key, err)
	}
	return nil
}
