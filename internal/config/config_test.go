package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoadDefaults verifies the defaults materialize with no config file
// edits.
func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()

	loader, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	s := loader.Settings()
	if s.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", s.MaxAttempts)
	}
	if s.BackoffBase != 2*time.Second {
		t.Errorf("BackoffBase = %s, want 2s", s.BackoffBase)
	}
	if s.BackoffCap != 5*time.Minute {
		t.Errorf("BackoffCap = %s, want 5m", s.BackoffCap)
	}
	if s.DBPath != filepath.Join(dir, "engine.db") {
		t.Errorf("DBPath = %s, want under config dir", s.DBPath)
	}
}

// TestLoadWritesDefaultFile verifies first run creates a commented
// config.yaml.
func TestLoadWritesDefaultFile(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(dir); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err != nil {
		t.Errorf("config.yaml was not created: %v", err)
	}
}

// TestLoadReadsFile verifies file values override defaults.
func TestLoadReadsFile(t *testing.T) {
	dir := t.TempDir()
	content := "base_url: https://api.test.example\nmax_attempts: 9\ndrain_interval: 1m\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	loader, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	s := loader.Settings()
	if s.BaseURL != "https://api.test.example" {
		t.Errorf("BaseURL = %s", s.BaseURL)
	}
	if s.MaxAttempts != 9 {
		t.Errorf("MaxAttempts = %d, want 9", s.MaxAttempts)
	}
	if s.DrainInterval != time.Minute {
		t.Errorf("DrainInterval = %s, want 1m", s.DrainInterval)
	}
}

// TestEnvOverride verifies OUTBOX_ environment variables beat file values.
func TestEnvOverride(t *testing.T) {
	dir := t.TempDir()
	content := "base_url: https://file.example\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	t.Setenv("OUTBOX_BASE_URL", "https://env.example")

	loader, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got := loader.Settings().BaseURL; got != "https://env.example" {
		t.Errorf("BaseURL = %s, want env override", got)
	}
}

// TestSetOverride verifies flag bindings override everything.
func TestSetOverride(t *testing.T) {
	loader, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	loader.Set(KeyDBPath, "/tmp/elsewhere.db")
	if got := loader.Settings().DBPath; got != "/tmp/elsewhere.db" {
		t.Errorf("DBPath = %s, want flag override", got)
	}
}
