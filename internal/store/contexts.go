package store

import (
	"database/sql"
	"fmt"

	"cppdex/internal/types"
)

// Context reads used by the context manager, orchestrator, and health
// surface. Mutations go through PutContext/SetContextStatus ops.

func scanContext(row interface{ Scan(...interface{}) error }) (*types.AnalysisContext, error) {
	var c types.AnalysisContext
	var mode, overlayMode, status string
	var base sql.NullString
	var created, accessed, expires sql.NullString

	err := row.Scan(&c.ContextID, &c.WorkspaceID, &mode, &base, &overlayMode,
		&c.OverlayFileCount, &c.OverlayRowCount, &status, &created, &accessed, &expires)
	if err != nil {
		return nil, err
	}
	c.Mode = types.ContextMode(mode)
	c.OverlayMode = types.OverlayMode(overlayMode)
	c.Status = types.ContextStatus(status)
	c.BaseContextID = base.String
	if created.Valid {
		if t, err := parseSQLiteTime(created.String); err == nil {
			c.CreatedAt = t
		}
	}
	if accessed.Valid {
		if t, err := parseSQLiteTime(accessed.String); err == nil {
			c.LastAccessedAt = t
		}
	}
	if expires.Valid && expires.String != "" {
		if t, err := parseSQLiteTime(expires.String); err == nil {
			c.ExpiresAt = t
		}
	}
	return &c, nil
}

const contextColumns = `context_id, workspace_id, mode, base_context_id, overlay_mode,
	overlay_file_count, overlay_row_count, status, created_at, last_accessed_at, expires_at`

// GetContext loads one analysis context; nil when absent.
func (s *Store) GetContext(contextID string) (*types.AnalysisContext, error) {
	row := s.db.QueryRow(
		`SELECT `+contextColumns+` FROM analysis_contexts WHERE context_id = ?`, contextID)
	c, err := scanContext(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read context: %w", err)
	}
	return c, nil
}

// BaselineContext returns the active baseline for a workspace; nil if the
// workspace has none yet.
func (s *Store) BaselineContext(workspaceID string) (*types.AnalysisContext, error) {
	row := s.db.QueryRow(
		`SELECT `+contextColumns+` FROM analysis_contexts
		 WHERE workspace_id = ? AND mode = 'baseline' AND status = 'active'
		 ORDER BY created_at DESC LIMIT 1`, workspaceID)
	c, err := scanContext(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read baseline: %w", err)
	}
	return c, nil
}

// ActiveContexts lists active contexts, optionally filtered by workspace.
func (s *Store) ActiveContexts(workspaceID string) ([]types.AnalysisContext, error) {
	query := `SELECT ` + contextColumns + ` FROM analysis_contexts WHERE status = 'active'`
	args := []interface{}{}
	if workspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, workspaceID)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list contexts: %w", err)
	}
	defer rows.Close()

	var out []types.AnalysisContext
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ContextCounts returns context counts by status for the health surface.
func (s *Store) ContextCounts() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM analysis_contexts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count contexts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// GetWorkspace loads a registered workspace; nil when absent.
func (s *Store) GetWorkspace(workspaceID string) (*types.Workspace, error) {
	row := s.db.QueryRow(
		`SELECT workspace_id, root_path, manifest_path, created_at, updated_at
		 FROM workspaces WHERE workspace_id = ?`, workspaceID)

	var w types.Workspace
	var created, updated string
	err := row.Scan(&w.WorkspaceID, &w.RootPath, &w.ManifestPath, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace: %w", err)
	}
	if t, err := parseSQLiteTime(created); err == nil {
		w.CreatedAt = t
	}
	if t, err := parseSQLiteTime(updated); err == nil {
		w.UpdatedAt = t
	}
	return &w, nil
}
