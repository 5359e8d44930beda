// Package store implements the composite-hash fact cache on a single
// embedded SQLite database: typed facts keyed by (context_id, file_key),
// overlay-first reads over a baseline/PR context chain, and the single
// writer every mutation funnels through.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-sqlite3"

	"cppdex/internal/logging"
)

// Store owns the embedded database. All mutations go through the Writer;
// Store methods themselves only read.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open initializes the database at the given path, creating the schema as
// needed. WAL journaling and foreign keys are always on.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite permits one writer, and sharing the connection
	// with readers serialises access application-side instead of surfacing
	// SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// WAL + synchronous=NORMAL keeps crash safety while avoiding per-commit
	// fsync stalls.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("store opened at %s", path)
	return s, nil
}

func (s *Store) initialize() error {
	for _, table := range schemaTables {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	if _, err := s.db.Exec(schemaFTS); err != nil {
		return fmt.Errorf("failed to create recall_fts: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("closing store")
	return s.db.Close()
}

// DB exposes the underlying connection for the writer and the job engine.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *Store) Path() string { return s.dbPath }

// DiskUsage returns the database file size in bytes (plus WAL sidecar).
func (s *Store) DiskUsage() int64 {
	var total int64
	for _, p := range []string{s.dbPath, s.dbPath + "-wal"} {
		if info, err := os.Stat(p); err == nil {
			total += info.Size()
		}
	}
	return total
}

// Stats returns row counts per table for the health surface.
func (s *Store) Stats() (map[string]int64, error) {
	stats := make(map[string]int64)
	tables := []string{
		"workspaces", "repos", "analysis_contexts", "context_file_states",
		"tracked_files", "symbols", "references_", "call_edges",
		"include_deps", "parse_runs", "index_jobs", "repo_sync_jobs",
	}
	for _, table := range tables {
		var count int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			logging.StoreDebug("count failed for %s: %v", table, err)
			continue
		}
		stats[table] = count
	}
	return stats, nil
}

// IsBusyErr reports whether an error is transient SQLite contention
// (SQLITE_BUSY / SQLITE_LOCKED). With the single-writer discipline this
// should not happen; callers treat it as retryable but log it as a bug
// signal.
func IsBusyErr(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return strings.Contains(err.Error(), "database is locked")
}
