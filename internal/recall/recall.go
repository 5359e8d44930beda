// Package recall produces candidate file keys for a symbol. The primary
// backend is the store's FTS index; in-scope repos with no FTS hit for the
// symbol fall back to a ripgrep scan of their checkout (whether a repo has
// any FTS rows at all is not checked), and externally supplied embeddings
// can contribute a cosine top-k backend. Results are deduplicated by
// case-normalised file key and capped.
package recall

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"cppdex/internal/logging"
	"cppdex/internal/manifest"
	"cppdex/internal/store"
	"cppdex/internal/types"
)

// Request scopes one recall run.
type Request struct {
	Symbol      string
	WorkspaceID string
	// ContextIDs is the context chain to search, overlay first.
	ContextIDs []string
	// RepoScope restricts candidates to these repos (already closed over
	// depends_on). Empty means all repos.
	RepoScope []string
	// QueryEmbedding enables the vector backend when the caller supplies an
	// externally computed embedding for the query.
	QueryEmbedding []float64
}

// Candidate is one recalled file.
type Candidate struct {
	FileKey types.FileKey `json:"file_key"`
	Source  string        `json:"source"` // fts | rg | vector
}

// Recaller yields candidate file keys for a symbol.
type Recaller interface {
	Recall(ctx context.Context, req Request) ([]Candidate, error)
}

// Config bounds recall.
type Config struct {
	MaxResults      int
	RipgrepPath     string
	SearchTimeout   time.Duration
	ExcludePatterns []string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxResults:    200,
		RipgrepPath:   "rg",
		SearchTimeout: 30 * time.Second,
		ExcludePatterns: []string{
			".git", "node_modules", "build", "out",
		},
	}
}

// Multi merges the FTS backend with the ripgrep fallback (and the vector
// backend when embeddings exist).
type Multi struct {
	store    *store.Store
	manifest *manifest.Manifest
	cfg      Config
}

// NewMulti creates the combined recaller.
func NewMulti(s *store.Store, m *manifest.Manifest, cfg Config) *Multi {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 200
	}
	if cfg.RipgrepPath == "" {
		cfg.RipgrepPath = "rg"
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = 30 * time.Second
	}
	return &Multi{store: s, manifest: m, cfg: cfg}
}

// Recall merges FTS hits with the ripgrep fallback for repos that had no FTS
// hit, deduplicating by file key.
func (r *Multi) Recall(ctx context.Context, req Request) ([]Candidate, error) {
	timer := logging.StartTimer(logging.CategoryRecall, "Recall")
	defer timer.Stop()
	log := logging.Get(logging.CategoryRecall)

	inScope := func(key types.FileKey) bool {
		if len(req.RepoScope) == 0 {
			return true
		}
		repoID, _ := types.SplitFileKey(key)
		for _, id := range req.RepoScope {
			if id == repoID {
				return true
			}
		}
		return false
	}

	seen := make(map[types.FileKey]bool)
	var out []Candidate
	add := func(key types.FileKey, source string) {
		norm := types.NormalizeFileKey(key)
		if seen[norm] || !inScope(key) {
			return
		}
		seen[norm] = true
		out = append(out, Candidate{FileKey: key, Source: source})
	}

	ftsHits, err := r.store.SearchFTS(req.ContextIDs, req.Symbol, r.cfg.MaxResults)
	if err != nil {
		log.Warn("fts recall failed: %v", err)
	}
	ftsRepos := make(map[string]bool)
	for _, key := range ftsHits {
		repoID, _ := types.SplitFileKey(key)
		ftsRepos[repoID] = true
		add(key, "fts")
	}

	// Ripgrep covers every in-scope repo with no FTS hit for this symbol,
	// including repos that do have FTS rows for other symbols.
	scope := req.RepoScope
	if len(scope) == 0 {
		scope = r.manifest.RepoIDs()
	}
	for _, repoID := range scope {
		if ftsRepos[repoID] {
			continue
		}
		for _, key := range r.ripgrepRepo(ctx, repoID, req.Symbol) {
			add(key, "rg")
		}
	}

	if len(req.QueryEmbedding) > 0 && r.store.HasVectors(req.WorkspaceID) {
		if hits, err := r.store.VectorTopK(req.WorkspaceID, req.QueryEmbedding, 20); err == nil {
			for _, hit := range hits {
				add(hit.FileKey, "vector")
			}
		} else {
			log.Warn("vector recall failed: %v", err)
		}
	}

	if len(out) > r.cfg.MaxResults {
		log.Debug("recall truncated from %d to %d candidates", len(out), r.cfg.MaxResults)
		out = out[:r.cfg.MaxResults]
	}
	log.Debug("recall %q: %d candidates", req.Symbol, len(out))
	return out, nil
}

// Grep runs a raw ripgrep pattern over the given repos (all repos when
// empty) and returns matching file keys. Backs the explore/rg-search
// endpoint.
func (r *Multi) Grep(ctx context.Context, pattern string, repos []string) ([]types.FileKey, error) {
	if pattern == "" {
		return nil, types.E(types.KindValidation, "empty search pattern")
	}
	if len(repos) == 0 {
		repos = r.manifest.RepoIDs()
	}
	seen := make(map[types.FileKey]bool)
	var out []types.FileKey
	for _, repoID := range repos {
		for _, key := range r.ripgrepRaw(ctx, repoID, pattern, false) {
			norm := types.NormalizeFileKey(key)
			if !seen[norm] {
				seen[norm] = true
				out = append(out, key)
			}
		}
	}
	if len(out) > r.cfg.MaxResults {
		out = out[:r.cfg.MaxResults]
	}
	return out, nil
}

// ripgrepRepo scans one repo checkout for the symbol's base name.
func (r *Multi) ripgrepRepo(ctx context.Context, repoID, symbol string) []types.FileKey {
	needle := baseName(symbol)
	if needle == "" {
		return nil
	}
	return r.ripgrepRaw(ctx, repoID, needle, true)
}

func (r *Multi) ripgrepRaw(ctx context.Context, repoID, needle string, fixed bool) []types.FileKey {
	root, ok := r.manifest.RepoAbsRoot(repoID)
	if !ok {
		return nil
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.SearchTimeout)
	defer cancel()

	args := []string{"--files-with-matches", "--no-messages"}
	if fixed {
		args = append(args, "--fixed-strings")
	}
	for _, pat := range r.cfg.ExcludePatterns {
		args = append(args, "--glob", "!"+pat)
	}
	args = append(args, needle, root)

	cmd := exec.CommandContext(runCtx, r.cfg.RipgrepPath, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		// Exit 1 means no matches; anything else is worth a log line.
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
			logging.Get(logging.CategoryRecall).Warn("ripgrep failed in %s: %v", repoID, err)
		}
		return nil
	}

	var keys []types.FileKey
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if key, ok := r.manifest.ResolveAbsPath(line); ok {
			keys = append(keys, key)
		}
	}
	return keys
}

// baseName strips namespace qualifiers: "ns::util::foo" -> "foo".
func baseName(symbol string) string {
	if i := strings.LastIndex(symbol, "::"); i >= 0 {
		return symbol[i+2:]
	}
	return symbol
}
