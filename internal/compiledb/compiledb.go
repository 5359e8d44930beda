// Package compiledb loads per-repo compile_commands.json databases and
// caches them keyed by (workspace_id, repo_id, compile_db_path_hash). The
// cache is read-mostly: entries are invalidated on manifest refresh, on
// file-mtime change, and eagerly via an fsnotify watcher when the database
// file is rewritten by a build.
package compiledb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"

	"cppdex/internal/logging"
)

// Entry is one compile_commands.json record.
type Entry struct {
	Directory string   `json:"directory"`
	Command   string   `json:"command,omitempty"`
	Arguments []string `json:"arguments,omitempty"`
	File      string   `json:"file"`
}

// database is one parsed compile database.
type database struct {
	path    string
	modTime time.Time
	// byFile maps the absolute, slash-normalised source path to its args.
	byFile map[string][]string
}

// cacheKey identifies a database instance.
type cacheKey struct {
	workspaceID string
	repoID      string
	pathHash    uint64
}

// Cache holds parsed compile databases for all repos of a workspace.
type Cache struct {
	mu      sync.RWMutex
	dbs     map[cacheKey]*database
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewCache creates the cache and starts the optional fsnotify watcher.
func NewCache() *Cache {
	c := &Cache{dbs: make(map[cacheKey]*database)}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Get(logging.CategoryBoot).Warn("compile-db watcher unavailable: %v", err)
		return c
	}
	c.watcher = watcher
	c.done = make(chan struct{})
	go c.watchLoop()
	return c
}

// Close stops the watcher.
func (c *Cache) Close() {
	if c.watcher != nil {
		close(c.done)
		_ = c.watcher.Close()
	}
}

func (c *Cache) watchLoop() {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				c.invalidatePath(ev.Name)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryBoot).Warn("compile-db watcher error: %v", err)
		}
	}
}

func (c *Cache) invalidatePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, db := range c.dbs {
		if db.path == path {
			delete(c.dbs, key)
			logging.StoreDebug("compile-db invalidated: %s", path)
		}
	}
}

// Invalidate drops all cached databases for a workspace. Called on manifest
// refresh.
func (c *Cache) Invalidate(workspaceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.dbs {
		if key.workspaceID == workspaceID {
			delete(c.dbs, key)
		}
	}
}

// LookupArgs returns the compile arguments for an absolute source file path,
// loading (or reloading) the repo's database as needed. ok=false means the
// repo has no usable compile command for the file.
func (c *Cache) LookupArgs(workspaceID, repoID, dbPath, absFile string) ([]string, bool) {
	if dbPath == "" {
		return nil, false
	}

	db, err := c.get(workspaceID, repoID, dbPath)
	if err != nil {
		logging.Get(logging.CategoryExtract).Warn("compile-db load failed for %s: %v", dbPath, err)
		return nil, false
	}

	args, ok := db.byFile[normalizePath(absFile)]
	if !ok {
		return nil, false
	}
	// Copy so callers can append without aliasing the cache.
	out := make([]string, len(args))
	copy(out, args)
	return out, true
}

func (c *Cache) get(workspaceID, repoID, dbPath string) (*database, error) {
	key := cacheKey{workspaceID: workspaceID, repoID: repoID, pathHash: xxhash.Sum64String(dbPath)}

	info, err := os.Stat(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat compile db: %w", err)
	}

	c.mu.RLock()
	db, ok := c.dbs[key]
	c.mu.RUnlock()
	if ok && db.modTime.Equal(info.ModTime()) {
		return db, nil
	}

	db, err = load(dbPath, info.ModTime())
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.dbs[key] = db
	c.mu.Unlock()

	if c.watcher != nil {
		// Watch the containing directory; builds typically replace the file.
		_ = c.watcher.Add(filepath.Dir(dbPath))
	}
	logging.StoreDebug("compile-db loaded: %s entries=%d", dbPath, len(db.byFile))
	return db, nil
}

func load(path string, modTime time.Time) (*database, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read compile db: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse compile db %s: %w", path, err)
	}

	db := &database{path: path, modTime: modTime, byFile: make(map[string][]string, len(entries))}
	for _, e := range entries {
		args := e.Arguments
		if len(args) == 0 && e.Command != "" {
			args = splitCommand(e.Command)
		}
		if len(args) == 0 {
			continue
		}
		// First element is the compiler executable, not a flag.
		args = args[1:]

		abs := e.File
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(e.Directory, abs)
		}
		db.byFile[normalizePath(abs)] = args
	}
	return db, nil
}

func normalizePath(p string) string {
	return filepath.ToSlash(filepath.Clean(p))
}

// splitCommand tokenises a shell command line honouring single and double
// quotes. compile_commands.json command strings do not nest quotes, so a
// simple state machine suffices.
func splitCommand(cmd string) []string {
	var (
		out     []string
		current strings.Builder
		quote   rune
		has     bool
	)
	for _, r := range cmd {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			has = true
		case r == ' ' || r == '\t':
			if has || current.Len() > 0 {
				out = append(out, current.String())
				current.Reset()
				has = false
			}
		default:
			current.WriteRune(r)
		}
	}
	if has || current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}
