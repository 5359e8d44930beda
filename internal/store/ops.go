package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cppdex/internal/types"
)

// Write ops for the fact tables. Job-queue ops live with the sync engine;
// they implement the same Op interface.

// UpsertFileFacts atomically replaces all facts for one (context, file).
// The old tracked row is deleted first so the FK cascade reclaims stale
// facts, then the new row and its facts are inserted and the context's
// overlay counters refreshed.
type UpsertFileFacts struct {
	Facts types.FileFacts
}

func (op UpsertFileFacts) Name() string { return "upsert_file_facts" }

func (op UpsertFileFacts) Apply(tx *sql.Tx) (interface{}, error) {
	tf := op.Facts.Tracked

	if _, err := tx.Exec(
		`DELETE FROM tracked_files WHERE context_id = ? AND file_key = ?`,
		tf.ContextID, tf.FileKey); err != nil {
		return nil, fmt.Errorf("delete tracked: %w", err)
	}

	parsedAt := tf.LastParsedAt
	if parsedAt.IsZero() {
		parsedAt = time.Now().UTC()
	}
	if _, err := tx.Exec(
		`INSERT INTO tracked_files
		 (context_id, file_key, repo_id, rel_path, abs_path,
		  content_hash, flags_hash, includes_hash, composite_hash, last_parsed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tf.ContextID, tf.FileKey, tf.RepoID, tf.RelPath, tf.AbsPath,
		tf.ContentHash, tf.FlagsHash, tf.IncludesHash, tf.CompositeHash,
		parsedAt.Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("insert tracked: %w", err)
	}

	for _, sym := range op.Facts.Symbols {
		if _, err := tx.Exec(
			`INSERT INTO symbols
			 (context_id, file_key, name, qualified_name, kind, line, col, extent_end_line)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			tf.ContextID, tf.FileKey, sym.Name, sym.QualifiedName,
			string(sym.Kind), sym.Line, sym.Col, sym.ExtentEndLine); err != nil {
			return nil, fmt.Errorf("insert symbol: %w", err)
		}
	}
	for _, ref := range op.Facts.References {
		if _, err := tx.Exec(
			`INSERT INTO references_
			 (context_id, file_key, symbol_qualified_name, line, col, ref_kind)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			tf.ContextID, tf.FileKey, ref.SymbolQualifiedName,
			ref.Line, ref.Col, string(ref.RefKind)); err != nil {
			return nil, fmt.Errorf("insert reference: %w", err)
		}
	}
	for _, edge := range op.Facts.CallEdges {
		if _, err := tx.Exec(
			`INSERT INTO call_edges
			 (context_id, file_key, caller_qualified_name, callee_qualified_name, line)
			 VALUES (?, ?, ?, ?, ?)`,
			tf.ContextID, tf.FileKey, edge.CallerQualifiedName,
			edge.CalleeQualifiedName, edge.Line); err != nil {
			return nil, fmt.Errorf("insert call edge: %w", err)
		}
	}
	for _, dep := range op.Facts.IncludeDeps {
		if _, err := tx.Exec(
			`INSERT INTO include_deps
			 (context_id, file_key, included_file_key, included_abs_path, raw_path, depth, resolved)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			tf.ContextID, tf.FileKey, nullIfEmpty(string(dep.IncludedFileKey)),
			nullIfEmpty(dep.IncludedAbsPath), dep.RawPath, dep.Depth, dep.Resolved); err != nil {
			return nil, fmt.Errorf("insert include dep: %w", err)
		}
	}

	if err := upsertFTSRow(tx, tf.ContextID, tf.FileKey, op.Facts.Symbols); err != nil {
		return nil, err
	}
	if err := refreshOverlayCounters(tx, tf.ContextID); err != nil {
		return nil, err
	}
	return nil, nil
}

// upsertFTSRow mirrors a file's symbol names into recall_fts.
func upsertFTSRow(tx *sql.Tx, contextID string, fileKey types.FileKey, symbols []types.Symbol) error {
	if _, err := tx.Exec(
		`DELETE FROM recall_fts WHERE context_id = ? AND file_key = ?`,
		contextID, fileKey); err != nil {
		return fmt.Errorf("delete fts row: %w", err)
	}
	if len(symbols) == 0 {
		return nil
	}

	var b strings.Builder
	for _, sym := range symbols {
		b.WriteString(sym.Name)
		b.WriteByte(' ')
		b.WriteString(sym.QualifiedName)
		b.WriteByte(' ')
	}
	if _, err := tx.Exec(
		`INSERT INTO recall_fts (context_id, file_key, symbols) VALUES (?, ?, ?)`,
		contextID, fileKey, b.String()); err != nil {
		return fmt.Errorf("insert fts row: %w", err)
	}
	return nil
}

// refreshOverlayCounters recomputes a context's overlay_file_count and
// overlay_row_count so cap checks always see accurate numbers.
func refreshOverlayCounters(tx *sql.Tx, contextID string) error {
	_, err := tx.Exec(
		`UPDATE analysis_contexts SET
		   overlay_file_count = (SELECT COUNT(*) FROM tracked_files WHERE context_id = ?),
		   overlay_row_count =
		     (SELECT COUNT(*) FROM tracked_files WHERE context_id = ?) +
		     (SELECT COUNT(*) FROM symbols WHERE context_id = ?) +
		     (SELECT COUNT(*) FROM references_ WHERE context_id = ?) +
		     (SELECT COUNT(*) FROM call_edges WHERE context_id = ?) +
		     (SELECT COUNT(*) FROM include_deps WHERE context_id = ?)
		 WHERE context_id = ?`,
		contextID, contextID, contextID, contextID, contextID, contextID, contextID)
	if err != nil {
		return fmt.Errorf("refresh overlay counters: %w", err)
	}
	return nil
}

// InvalidateFiles drops tracked rows (and, via cascade, their facts) for the
// given keys; nil keys drops every row of the context.
type InvalidateFiles struct {
	ContextID string
	FileKeys  []types.FileKey
}

func (op InvalidateFiles) Name() string { return "invalidate_files" }

func (op InvalidateFiles) Apply(tx *sql.Tx) (interface{}, error) {
	if op.FileKeys == nil {
		if _, err := tx.Exec(`DELETE FROM tracked_files WHERE context_id = ?`, op.ContextID); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`DELETE FROM recall_fts WHERE context_id = ?`, op.ContextID); err != nil {
			return nil, err
		}
	} else {
		for _, key := range op.FileKeys {
			if _, err := tx.Exec(
				`DELETE FROM tracked_files WHERE context_id = ? AND file_key = ?`,
				op.ContextID, key); err != nil {
				return nil, err
			}
			if _, err := tx.Exec(
				`DELETE FROM recall_fts WHERE context_id = ? AND file_key = ?`,
				op.ContextID, key); err != nil {
				return nil, err
			}
		}
	}
	if err := refreshOverlayCounters(tx, op.ContextID); err != nil {
		return nil, err
	}
	return nil, nil
}

// PutContext inserts or replaces an analysis-context row.
type PutContext struct {
	Ctx types.AnalysisContext
}

func (op PutContext) Name() string { return "put_context" }

func (op PutContext) Apply(tx *sql.Tx) (interface{}, error) {
	var expires interface{}
	if !op.Ctx.ExpiresAt.IsZero() {
		expires = op.Ctx.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := tx.Exec(
		`INSERT INTO analysis_contexts
		 (context_id, workspace_id, mode, base_context_id, overlay_mode,
		  overlay_file_count, overlay_row_count, status, created_at, last_accessed_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(context_id) DO UPDATE SET
		   overlay_mode = excluded.overlay_mode,
		   overlay_file_count = excluded.overlay_file_count,
		   overlay_row_count = excluded.overlay_row_count,
		   status = excluded.status,
		   last_accessed_at = excluded.last_accessed_at,
		   expires_at = excluded.expires_at`,
		op.Ctx.ContextID, op.Ctx.WorkspaceID, string(op.Ctx.Mode),
		nullIfEmpty(op.Ctx.BaseContextID), string(op.Ctx.OverlayMode),
		op.Ctx.OverlayFileCount, op.Ctx.OverlayRowCount, string(op.Ctx.Status),
		op.Ctx.CreatedAt.UTC().Format(time.RFC3339Nano),
		op.Ctx.LastAccessedAt.UTC().Format(time.RFC3339Nano),
		expires)
	return nil, err
}

// TouchContext bumps last_accessed_at on a successful query resolve.
type TouchContext struct {
	ContextID string
	When      time.Time
}

func (op TouchContext) Name() string { return "touch_context" }

func (op TouchContext) Apply(tx *sql.Tx) (interface{}, error) {
	_, err := tx.Exec(
		`UPDATE analysis_contexts SET last_accessed_at = ? WHERE context_id = ?`,
		op.When.UTC().Format(time.RFC3339Nano), op.ContextID)
	return nil, err
}

// SetContextStatus flips status and/or overlay mode.
type SetContextStatus struct {
	ContextID   string
	Status      types.ContextStatus
	OverlayMode types.OverlayMode // empty leaves the mode untouched
}

func (op SetContextStatus) Name() string { return "set_context_status" }

func (op SetContextStatus) Apply(tx *sql.Tx) (interface{}, error) {
	if op.OverlayMode != "" {
		_, err := tx.Exec(
			`UPDATE analysis_contexts SET status = ?, overlay_mode = ? WHERE context_id = ?`,
			string(op.Status), string(op.OverlayMode), op.ContextID)
		return nil, err
	}
	_, err := tx.Exec(
		`UPDATE analysis_contexts SET status = ? WHERE context_id = ?`,
		string(op.Status), op.ContextID)
	return nil, err
}

// PutFileStates bulk-replaces overlay file states for a context.
type PutFileStates struct {
	ContextID string
	States    []types.ContextFileState
}

func (op PutFileStates) Name() string { return "put_file_states" }

func (op PutFileStates) Apply(tx *sql.Tx) (interface{}, error) {
	for _, st := range op.States {
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO context_file_states
			 (context_id, file_key, state, replaced_from_file_key)
			 VALUES (?, ?, ?, ?)`,
			op.ContextID, st.FileKey, string(st.State),
			nullIfEmpty(string(st.ReplacedFromFileKey))); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// DeleteContextRows reclaims everything a context owns. Used by GC for
// expired overlays.
type DeleteContextRows struct {
	ContextID string
}

func (op DeleteContextRows) Name() string { return "delete_context_rows" }

func (op DeleteContextRows) Apply(tx *sql.Tx) (interface{}, error) {
	for _, stmt := range []string{
		`DELETE FROM tracked_files WHERE context_id = ?`,
		`DELETE FROM context_file_states WHERE context_id = ?`,
		`DELETE FROM recall_fts WHERE context_id = ?`,
	} {
		if _, err := tx.Exec(stmt, op.ContextID); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// InsertParseRun records the audit row for one extractor invocation.
type InsertParseRun struct {
	Run types.ParseRun
}

func (op InsertParseRun) Name() string { return "insert_parse_run" }

func (op InsertParseRun) Apply(tx *sql.Tx) (interface{}, error) {
	diag, err := json.Marshal(op.Run.Diagnostics)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(
		`INSERT INTO parse_runs (run_id, context_id, file_key, action, duration_ms, success, diagnostics)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		op.Run.RunID, op.Run.ContextID, op.Run.FileKey, op.Run.Action,
		op.Run.DurationMS, op.Run.Success, string(diag))
	return nil, err
}

// PutWorkspace registers or refreshes a workspace and its repos.
type PutWorkspace struct {
	Workspace types.Workspace
	Repos     []types.Repo
}

func (op PutWorkspace) Name() string { return "put_workspace" }

func (op PutWorkspace) Apply(tx *sql.Tx) (interface{}, error) {
	if _, err := tx.Exec(
		`INSERT INTO workspaces (workspace_id, root_path, manifest_path)
		 VALUES (?, ?, ?)
		 ON CONFLICT(workspace_id) DO UPDATE SET
		   root_path = excluded.root_path,
		   manifest_path = excluded.manifest_path,
		   updated_at = CURRENT_TIMESTAMP`,
		op.Workspace.WorkspaceID, op.Workspace.RootPath, op.Workspace.ManifestPath); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`DELETE FROM repos WHERE workspace_id = ?`, op.Workspace.WorkspaceID); err != nil {
		return nil, err
	}
	for _, r := range op.Repos {
		deps, err := json.Marshal(r.DependsOn)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(
			`INSERT INTO repos
			 (workspace_id, repo_id, root, compile_commands_path, default_branch,
			  depends_on, remote_url, token_env_var, commit_sha)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			op.Workspace.WorkspaceID, r.RepoID, r.Root, r.CompileCommandsPath,
			r.DefaultBranch, string(deps), r.RemoteURL, r.TokenEnvVar, r.CommitSHA); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// UpsertRecallVector stores one file's embedding for the cosine top-k
// recall backend.
type UpsertRecallVector struct {
	WorkspaceID string
	FileKey     types.FileKey
	Embedding   []float64
}

func (op UpsertRecallVector) Name() string { return "upsert_recall_vector" }

func (op UpsertRecallVector) Apply(tx *sql.Tx) (interface{}, error) {
	blob, err := json.Marshal(op.Embedding)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(
		`INSERT OR REPLACE INTO recall_vectors (workspace_id, file_key, embedding, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)`,
		op.WorkspaceID, op.FileKey, string(blob))
	return nil, err
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
