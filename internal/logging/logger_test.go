package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInitializeDisabled(t *testing.T) {
	ws := t.TempDir()
	if err := Initialize(ws, Options{DebugMode: false}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	// No logs directory should exist in production mode.
	if _, err := os.Stat(filepath.Join(ws, ".cppdex", "logs")); !os.IsNotExist(err) {
		t.Errorf("logs directory created in production mode")
	}

	// Logging must be a no-op, not a panic.
	Get(CategoryStore).Info("ignored %d", 1)
}

func TestInitializeDebugWritesFiles(t *testing.T) {
	ws := t.TempDir()
	if err := Initialize(ws, Options{DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	Store("store message")
	Writer("writer message")
	Sync()

	entries, err := os.ReadDir(filepath.Join(ws, ".cppdex", "logs"))
	if err != nil {
		t.Fatalf("reading logs dir: %v", err)
	}
	if len(entries) < 2 {
		t.Errorf("expected per-category log files, got %d", len(entries))
	}
}

func TestCategoryFilter(t *testing.T) {
	ws := t.TempDir()
	err := Initialize(ws, Options{
		DebugMode:  true,
		Level:      "info",
		Categories: map[string]bool{"recall": false},
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if IsCategoryEnabled(CategoryRecall) {
		t.Error("recall category should be disabled")
	}
	if !IsCategoryEnabled(CategoryStore) {
		t.Error("unlisted categories default to enabled")
	}
}
