package storage

import (
	"context"
	"path/filepath"
	"testing"
)

// TestOpenCreatesParentDirs verifies the database path's directories are
// created on demand.
func TestOpenCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "engine.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %s, want %s", db.Path(), path)
	}
}

// TestInitSchemaIdempotent verifies schema setup can run on every open.
func TestInitSchemaIdempotent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := db.InitSchema(ctx); err != nil {
			t.Fatalf("InitSchema() run %d failed: %v", i, err)
		}
	}
}

// TestMetaRoundTrip verifies sync_meta get/set semantics.
func TestMetaRoundTrip(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	// Absent key reads as empty, not an error.
	got, err := db.GetMeta(ctx, "last_sync_at")
	if err != nil {
		t.Fatalf("GetMeta() failed: %v", err)
	}
	if got != "" {
		t.Errorf("GetMeta() of absent key = %q, want empty", got)
	}

	if err := db.SetMeta(ctx, "last_sync_at", "2026-08-30T12:00:00Z"); err != nil {
		t.Fatalf("SetMeta() failed: %v", err)
	}
	if err := db.SetMeta(ctx, "last_sync_at", "2026-08-30T13:00:00Z"); err != nil {
		t.Fatalf("SetMeta() overwrite failed: %v", err)
	}

	got, err = db.GetMeta(ctx, "last_sync_at")
	if err != nil {
		t.Fatalf("GetMeta() failed: %v", err)
	}
	if got != "2026-08-30T13:00:00Z" {
		t.Errorf("GetMeta() = %q, want the overwritten value", got)
	}
}
