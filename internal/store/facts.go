package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"cppdex/internal/types"
)

// Chain names the context(s) a read consults: a PR overlay over its
// baseline, or a bare baseline. The merge runs in memory, not in SQL.
type Chain struct {
	ContextID     string
	BaseContextID string // empty for baseline contexts
}

// IsOverlay reports whether reads consult two contexts.
func (c Chain) IsOverlay() bool { return c.BaseContextID != "" }

// FileStates loads the overlay metadata for a context.
func (s *Store) FileStates(contextID string) (map[types.FileKey]types.ContextFileState, error) {
	rows, err := s.db.Query(
		`SELECT file_key, state, COALESCE(replaced_from_file_key, '')
		 FROM context_file_states WHERE context_id = ?`, contextID)
	if err != nil {
		return nil, fmt.Errorf("failed to load file states: %w", err)
	}
	defer rows.Close()

	states := make(map[types.FileKey]types.ContextFileState)
	for rows.Next() {
		st := types.ContextFileState{ContextID: contextID}
		var state string
		if err := rows.Scan(&st.FileKey, &state, &st.ReplacedFromFileKey); err != nil {
			return nil, fmt.Errorf("failed to scan file state: %w", err)
		}
		st.State = types.FileState(state)
		states[types.NormalizeFileKey(st.FileKey)] = st
	}
	return states, rows.Err()
}

// GetTracked returns the tracked-file row a query should see for one key,
// honouring overlay precedence: tombstones hide the baseline, overlay rows
// shadow it, everything else falls through.
func (s *Store) GetTracked(chain Chain, fileKey types.FileKey) (*types.TrackedFile, error) {
	if chain.IsOverlay() {
		states, err := s.FileStates(chain.ContextID)
		if err != nil {
			return nil, err
		}
		if st, ok := states[types.NormalizeFileKey(fileKey)]; ok {
			if st.State == types.StateDeleted {
				return nil, nil
			}
			if st.State.OverlayState() {
				return s.getTrackedIn(chain.ContextID, fileKey)
			}
		}
		if replacedBy(states, fileKey) {
			return nil, nil
		}
		return s.getTrackedIn(chain.BaseContextID, fileKey)
	}
	return s.getTrackedIn(chain.ContextID, fileKey)
}

func (s *Store) getTrackedIn(contextID string, fileKey types.FileKey) (*types.TrackedFile, error) {
	row := s.db.QueryRow(
		`SELECT context_id, file_key, repo_id, rel_path, COALESCE(abs_path, ''),
		        content_hash, flags_hash, includes_hash, composite_hash,
		        COALESCE(last_parsed_at, '')
		 FROM tracked_files WHERE context_id = ? AND file_key = ?`,
		contextID, fileKey)

	var tf types.TrackedFile
	var parsedAt string
	err := row.Scan(&tf.ContextID, &tf.FileKey, &tf.RepoID, &tf.RelPath, &tf.AbsPath,
		&tf.ContentHash, &tf.FlagsHash, &tf.IncludesHash, &tf.CompositeHash, &parsedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tracked file: %w", err)
	}
	if parsedAt != "" {
		if t, perr := parseSQLiteTime(parsedAt); perr == nil {
			tf.LastParsedAt = t
		}
	}
	return &tf, nil
}

// replacedBy reports whether any overlay rename replaced this baseline key.
func replacedBy(states map[types.FileKey]types.ContextFileState, fileKey types.FileKey) bool {
	norm := types.NormalizeFileKey(fileKey)
	for _, st := range states {
		if st.State == types.StateRenamed && types.NormalizeFileKey(st.ReplacedFromFileKey) == norm {
			return true
		}
	}
	return false
}

// overlayPlan partitions a candidate key set for a chained read: which keys
// read from the overlay and which fall through to the baseline.
func (s *Store) overlayPlan(chain Chain, fileKeys []types.FileKey) (overlayKeys, baseKeys []types.FileKey, err error) {
	if !chain.IsOverlay() {
		return nil, fileKeys, nil
	}
	states, err := s.FileStates(chain.ContextID)
	if err != nil {
		return nil, nil, err
	}
	for _, key := range fileKeys {
		norm := types.NormalizeFileKey(key)
		if st, ok := states[norm]; ok {
			switch {
			case st.State == types.StateDeleted:
				// Tombstone: the file contributes nothing.
			case st.State.OverlayState():
				overlayKeys = append(overlayKeys, key)
			default:
				baseKeys = append(baseKeys, key)
			}
			continue
		}
		if replacedBy(states, key) {
			continue
		}
		baseKeys = append(baseKeys, key)
	}
	return overlayKeys, baseKeys, nil
}

// GetSymbolsForFiles returns the merged symbols for a candidate set.
func (s *Store) GetSymbolsForFiles(chain Chain, fileKeys []types.FileKey) ([]types.Symbol, error) {
	overlayKeys, baseKeys, err := s.overlayPlan(chain, fileKeys)
	if err != nil {
		return nil, err
	}
	var out []types.Symbol
	if len(overlayKeys) > 0 {
		syms, err := s.symbolsIn(chain.ContextID, overlayKeys, "")
		if err != nil {
			return nil, err
		}
		out = append(out, syms...)
	}
	if len(baseKeys) > 0 {
		baseCtx := chain.ContextID
		if chain.IsOverlay() {
			baseCtx = chain.BaseContextID
		}
		syms, err := s.symbolsIn(baseCtx, baseKeys, "")
		if err != nil {
			return nil, err
		}
		out = append(out, syms...)
	}
	return dedupeSymbols(out), nil
}

// GetFileSymbols returns the symbols of one file, overlay-aware.
func (s *Store) GetFileSymbols(chain Chain, fileKey types.FileKey) ([]types.Symbol, error) {
	return s.GetSymbolsForFiles(chain, []types.FileKey{fileKey})
}

// GetDefinitions returns the merged symbols matching a qualified name,
// optionally restricted to a candidate scope.
func (s *Store) GetDefinitions(chain Chain, qualifiedName string, scope []types.FileKey) ([]types.Symbol, error) {
	collect := func(contextID string, keys []types.FileKey) ([]types.Symbol, error) {
		return s.symbolsIn(contextID, keys, qualifiedName)
	}
	return mergeByScope(s, chain, scope, collect, dedupeSymbols)
}

// GetReferences returns the merged references to a qualified name.
func (s *Store) GetReferences(chain Chain, qualifiedName string, scope []types.FileKey) ([]types.Reference, error) {
	collect := func(contextID string, keys []types.FileKey) ([]types.Reference, error) {
		return s.referencesIn(contextID, qualifiedName, keys)
	}
	return mergeByScope(s, chain, scope, collect, dedupeReferences)
}

// GetCallEdges returns the merged call edges touching a qualified name.
func (s *Store) GetCallEdges(chain Chain, qualifiedName string, direction types.CallDirection, scope []types.FileKey) ([]types.CallEdge, error) {
	collect := func(contextID string, keys []types.FileKey) ([]types.CallEdge, error) {
		return s.callEdgesIn(contextID, qualifiedName, direction, keys)
	}
	return mergeByScope(s, chain, scope, collect, dedupeCallEdges)
}

// GetIncludeDeps returns the include deps recorded for one file.
func (s *Store) GetIncludeDeps(chain Chain, fileKey types.FileKey) ([]types.IncludeDep, error) {
	tf, err := s.GetTracked(chain, fileKey)
	if err != nil || tf == nil {
		return nil, err
	}
	rows, err := s.db.Query(
		`SELECT file_key, COALESCE(included_file_key, ''), COALESCE(included_abs_path, ''),
		        raw_path, depth, resolved
		 FROM include_deps WHERE context_id = ? AND file_key = ?`,
		tf.ContextID, fileKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read include deps: %w", err)
	}
	defer rows.Close()

	var out []types.IncludeDep
	for rows.Next() {
		dep := types.IncludeDep{ContextID: tf.ContextID}
		if err := rows.Scan(&dep.FileKey, &dep.IncludedFileKey, &dep.IncludedAbsPath,
			&dep.RawPath, &dep.Depth, &dep.Resolved); err != nil {
			return nil, fmt.Errorf("failed to scan include dep: %w", err)
		}
		out = append(out, dep)
	}
	return out, rows.Err()
}

// Includers returns the file keys whose include closure contains the given
// file, within one context. Used to propagate header staleness.
func (s *Store) Includers(contextID string, includedKey types.FileKey) ([]types.FileKey, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT file_key FROM include_deps
		 WHERE context_id = ? AND included_file_key = ?`,
		contextID, includedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read includers: %w", err)
	}
	defer rows.Close()

	var out []types.FileKey
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// mergeByScope runs a per-context collector over the overlay plan and
// deduplicates the union.
func mergeByScope[T any](s *Store, chain Chain, scope []types.FileKey,
	collect func(contextID string, keys []types.FileKey) ([]T, error),
	dedupe func([]T) []T) ([]T, error) {

	var out []T
	if chain.IsOverlay() {
		overlayKeys, baseKeys, err := s.overlayPlan(chain, scope)
		if err != nil {
			return nil, err
		}
		if scope == nil {
			// Unscoped: read the whole overlay, then the whole baseline minus
			// tombstoned/replaced/shadowed keys.
			states, err := s.FileStates(chain.ContextID)
			if err != nil {
				return nil, err
			}
			overlayRows, err := collect(chain.ContextID, nil)
			if err != nil {
				return nil, err
			}
			baseRows, err := collect(chain.BaseContextID, nil)
			if err != nil {
				return nil, err
			}
			out = append(out, overlayRows...)
			for _, row := range baseRows {
				if baselineVisible(states, rowFileKey(row)) {
					out = append(out, row)
				}
			}
			return dedupe(out), nil
		}
		if len(overlayKeys) > 0 {
			rows, err := collect(chain.ContextID, overlayKeys)
			if err != nil {
				return nil, err
			}
			out = append(out, rows...)
		}
		if len(baseKeys) > 0 {
			rows, err := collect(chain.BaseContextID, baseKeys)
			if err != nil {
				return nil, err
			}
			out = append(out, rows...)
		}
		return dedupe(out), nil
	}

	rows, err := collect(chain.ContextID, scope)
	if err != nil {
		return nil, err
	}
	return dedupe(rows), nil
}

// baselineVisible reports whether a baseline row survives the overlay: not
// tombstoned, not replaced by a rename, not shadowed by overlay rows.
func baselineVisible(states map[types.FileKey]types.ContextFileState, fileKey types.FileKey) bool {
	norm := types.NormalizeFileKey(fileKey)
	if st, ok := states[norm]; ok {
		if st.State == types.StateDeleted || st.State.OverlayState() {
			return false
		}
	}
	for _, st := range states {
		if st.State == types.StateRenamed && types.NormalizeFileKey(st.ReplacedFromFileKey) == norm {
			return false
		}
	}
	return true
}

// rowFileKey extracts the file key from a fact row.
func rowFileKey(row interface{}) types.FileKey {
	switch r := row.(type) {
	case types.Symbol:
		return r.FileKey
	case types.Reference:
		return r.FileKey
	case types.CallEdge:
		return r.FileKey
	}
	return ""
}

// --- per-context loaders ---

func (s *Store) symbolsIn(contextID string, fileKeys []types.FileKey, qualifiedName string) ([]types.Symbol, error) {
	if fileKeys != nil && len(fileKeys) == 0 {
		return nil, nil
	}
	query := `SELECT context_id, file_key, name, qualified_name, kind, line, col, extent_end_line
	          FROM symbols WHERE context_id = ?`
	args := []interface{}{contextID}
	if qualifiedName != "" {
		query += " AND qualified_name = ?"
		args = append(args, qualifiedName)
	}
	if fileKeys != nil {
		query += " AND file_key IN (" + placeholders(len(fileKeys)) + ")"
		for _, k := range fileKeys {
			args = append(args, k)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read symbols: %w", err)
	}
	defer rows.Close()

	var out []types.Symbol
	for rows.Next() {
		var sym types.Symbol
		var kind string
		if err := rows.Scan(&sym.ContextID, &sym.FileKey, &sym.Name, &sym.QualifiedName,
			&kind, &sym.Line, &sym.Col, &sym.ExtentEndLine); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		sym.Kind = types.SymbolKind(kind)
		out = append(out, sym)
	}
	return out, rows.Err()
}

func (s *Store) referencesIn(contextID, qualifiedName string, fileKeys []types.FileKey) ([]types.Reference, error) {
	if fileKeys != nil && len(fileKeys) == 0 {
		return nil, nil
	}
	query := `SELECT context_id, file_key, symbol_qualified_name, line, col, ref_kind
	          FROM references_ WHERE context_id = ? AND symbol_qualified_name = ?`
	args := []interface{}{contextID, qualifiedName}
	if fileKeys != nil {
		query += " AND file_key IN (" + placeholders(len(fileKeys)) + ")"
		for _, k := range fileKeys {
			args = append(args, k)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read references: %w", err)
	}
	defer rows.Close()

	var out []types.Reference
	for rows.Next() {
		var ref types.Reference
		var kind string
		if err := rows.Scan(&ref.ContextID, &ref.FileKey, &ref.SymbolQualifiedName,
			&ref.Line, &ref.Col, &kind); err != nil {
			return nil, fmt.Errorf("failed to scan reference: %w", err)
		}
		ref.RefKind = types.RefKind(kind)
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (s *Store) callEdgesIn(contextID, qualifiedName string, direction types.CallDirection, fileKeys []types.FileKey) ([]types.CallEdge, error) {
	if fileKeys != nil && len(fileKeys) == 0 {
		return nil, nil
	}
	var cond string
	args := []interface{}{contextID}
	switch direction {
	case types.CallIn:
		cond = "callee_qualified_name = ?"
		args = append(args, qualifiedName)
	case types.CallOut:
		cond = "caller_qualified_name = ?"
		args = append(args, qualifiedName)
	default:
		cond = "(caller_qualified_name = ? OR callee_qualified_name = ?)"
		args = append(args, qualifiedName, qualifiedName)
	}

	query := `SELECT context_id, file_key, caller_qualified_name, callee_qualified_name, line
	          FROM call_edges WHERE context_id = ? AND ` + cond
	if fileKeys != nil {
		query += " AND file_key IN (" + placeholders(len(fileKeys)) + ")"
		for _, k := range fileKeys {
			args = append(args, k)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read call edges: %w", err)
	}
	defer rows.Close()

	var out []types.CallEdge
	for rows.Next() {
		var edge types.CallEdge
		if err := rows.Scan(&edge.ContextID, &edge.FileKey, &edge.CallerQualifiedName,
			&edge.CalleeQualifiedName, &edge.Line); err != nil {
			return nil, fmt.Errorf("failed to scan call edge: %w", err)
		}
		out = append(out, edge)
	}
	return out, rows.Err()
}

// --- dedupe rules (§4.2 stability) ---

// dedupeSymbols keeps, per (file, qualified name, line), the row with the
// highest extent_end_line.
func dedupeSymbols(symbols []types.Symbol) []types.Symbol {
	type key struct {
		file  string
		qname string
		line  int
	}
	best := make(map[key]int, len(symbols))
	var out []types.Symbol
	for _, sym := range symbols {
		k := key{types.NormalizeFileKey(sym.FileKey), sym.QualifiedName, sym.Line}
		if i, ok := best[k]; ok {
			if sym.ExtentEndLine > out[i].ExtentEndLine {
				out[i] = sym
			}
			continue
		}
		best[k] = len(out)
		out = append(out, sym)
	}
	return out
}

// dedupeReferences drops exact duplicate tuples.
func dedupeReferences(refs []types.Reference) []types.Reference {
	seen := make(map[string]bool, len(refs))
	var out []types.Reference
	for _, r := range refs {
		k := fmt.Sprintf("%s|%s|%d|%d|%s",
			types.NormalizeFileKey(r.FileKey), r.SymbolQualifiedName, r.Line, r.Col, r.RefKind)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}

// dedupeCallEdges drops exact duplicate tuples.
func dedupeCallEdges(edges []types.CallEdge) []types.CallEdge {
	seen := make(map[string]bool, len(edges))
	var out []types.CallEdge
	for _, e := range edges {
		k := fmt.Sprintf("%s|%s|%s|%d",
			types.NormalizeFileKey(e.FileKey), e.CallerQualifiedName, e.CalleeQualifiedName, e.Line)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, e)
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func parseSQLiteTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}
