package store

// Schema for the single embedded database in the workspace root. Every fact
// table hangs off tracked_files via the composite (context_id, file_key) key
// with cascade-on-delete, so dropping a tracked row reclaims its facts in one
// statement. file_key columns collate NOCASE: lookups are case-normalised
// while the stored key preserves original case for display.

var schemaTables = []string{
	`CREATE TABLE IF NOT EXISTS workspaces (
		workspace_id TEXT PRIMARY KEY,
		root_path TEXT NOT NULL,
		manifest_path TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`,

	`CREATE TABLE IF NOT EXISTS repos (
		workspace_id TEXT NOT NULL REFERENCES workspaces(workspace_id) ON DELETE CASCADE,
		repo_id TEXT NOT NULL,
		root TEXT NOT NULL,
		compile_commands_path TEXT,
		default_branch TEXT,
		depends_on TEXT,
		remote_url TEXT,
		token_env_var TEXT,
		commit_sha TEXT,
		PRIMARY KEY (workspace_id, repo_id)
	);`,

	`CREATE TABLE IF NOT EXISTS analysis_contexts (
		context_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		mode TEXT NOT NULL CHECK (mode IN ('baseline', 'pr')),
		base_context_id TEXT,
		overlay_mode TEXT NOT NULL DEFAULT 'sparse',
		overlay_file_count INTEGER NOT NULL DEFAULT 0,
		overlay_row_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'expired')),
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_accessed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		expires_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_contexts_workspace ON analysis_contexts(workspace_id);
	CREATE INDEX IF NOT EXISTS idx_contexts_status ON analysis_contexts(status);`,

	`CREATE TABLE IF NOT EXISTS context_file_states (
		context_id TEXT NOT NULL REFERENCES analysis_contexts(context_id) ON DELETE CASCADE,
		file_key TEXT NOT NULL COLLATE NOCASE,
		state TEXT NOT NULL CHECK (state IN ('added', 'modified', 'deleted', 'renamed', 'unchanged')),
		replaced_from_file_key TEXT COLLATE NOCASE,
		PRIMARY KEY (context_id, file_key)
	);
	CREATE INDEX IF NOT EXISTS idx_file_states_replaced ON context_file_states(context_id, replaced_from_file_key);`,

	`CREATE TABLE IF NOT EXISTS tracked_files (
		context_id TEXT NOT NULL,
		file_key TEXT NOT NULL COLLATE NOCASE,
		repo_id TEXT NOT NULL,
		rel_path TEXT NOT NULL,
		abs_path TEXT,
		content_hash TEXT NOT NULL,
		flags_hash TEXT NOT NULL,
		includes_hash TEXT NOT NULL,
		composite_hash TEXT NOT NULL,
		last_parsed_at DATETIME,
		PRIMARY KEY (context_id, file_key)
	);
	CREATE INDEX IF NOT EXISTS idx_tracked_repo ON tracked_files(context_id, repo_id);
	CREATE INDEX IF NOT EXISTS idx_tracked_composite ON tracked_files(composite_hash);`,

	`CREATE TABLE IF NOT EXISTS symbols (
		context_id TEXT NOT NULL,
		file_key TEXT NOT NULL COLLATE NOCASE,
		name TEXT NOT NULL,
		qualified_name TEXT NOT NULL,
		kind TEXT NOT NULL,
		line INTEGER NOT NULL,
		col INTEGER NOT NULL,
		extent_end_line INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (context_id, file_key) REFERENCES tracked_files(context_id, file_key) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_symbols_file ON symbols(context_id, file_key);
	CREATE INDEX IF NOT EXISTS idx_symbols_qname ON symbols(context_id, qualified_name);`,

	`CREATE TABLE IF NOT EXISTS references_ (
		context_id TEXT NOT NULL,
		file_key TEXT NOT NULL COLLATE NOCASE,
		symbol_qualified_name TEXT NOT NULL,
		line INTEGER NOT NULL,
		col INTEGER NOT NULL,
		ref_kind TEXT NOT NULL DEFAULT 'unknown',
		FOREIGN KEY (context_id, file_key) REFERENCES tracked_files(context_id, file_key) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_refs_file ON references_(context_id, file_key);
	CREATE INDEX IF NOT EXISTS idx_refs_qname ON references_(context_id, symbol_qualified_name);`,

	`CREATE TABLE IF NOT EXISTS call_edges (
		context_id TEXT NOT NULL,
		file_key TEXT NOT NULL COLLATE NOCASE,
		caller_qualified_name TEXT NOT NULL,
		callee_qualified_name TEXT NOT NULL,
		line INTEGER NOT NULL,
		FOREIGN KEY (context_id, file_key) REFERENCES tracked_files(context_id, file_key) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_edges_file ON call_edges(context_id, file_key);
	CREATE INDEX IF NOT EXISTS idx_edges_caller ON call_edges(context_id, caller_qualified_name);
	CREATE INDEX IF NOT EXISTS idx_edges_callee ON call_edges(context_id, callee_qualified_name);`,

	`CREATE TABLE IF NOT EXISTS include_deps (
		context_id TEXT NOT NULL,
		file_key TEXT NOT NULL COLLATE NOCASE,
		included_file_key TEXT COLLATE NOCASE,
		included_abs_path TEXT,
		raw_path TEXT NOT NULL,
		depth INTEGER NOT NULL DEFAULT 1,
		resolved INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (context_id, file_key) REFERENCES tracked_files(context_id, file_key) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_includes_file ON include_deps(context_id, file_key);
	CREATE INDEX IF NOT EXISTS idx_includes_included ON include_deps(context_id, included_file_key);`,

	`CREATE TABLE IF NOT EXISTS parse_runs (
		run_id TEXT PRIMARY KEY,
		context_id TEXT NOT NULL,
		file_key TEXT NOT NULL COLLATE NOCASE,
		action TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		success BOOLEAN NOT NULL,
		diagnostics TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_parse_runs_file ON parse_runs(context_id, file_key);`,

	`CREATE TABLE IF NOT EXISTS index_jobs (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		repo_id TEXT NOT NULL,
		context_id TEXT,
		ref TEXT,
		event_type TEXT NOT NULL,
		event_sha TEXT,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'running', 'done', 'dead_letter')),
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 5,
		lease_until DATETIME,
		not_before DATETIME,
		last_error TEXT,
		payload TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (workspace_id, repo_id, ref, context_id, event_sha, event_type)
	);
	CREATE INDEX IF NOT EXISTS idx_index_jobs_pending ON index_jobs(status, created_at);`,

	`CREATE TABLE IF NOT EXISTS repo_sync_jobs (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		repo_id TEXT NOT NULL,
		context_id TEXT,
		ref TEXT,
		event_type TEXT NOT NULL,
		event_sha TEXT,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'running', 'done', 'dead_letter')),
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 5,
		lease_until DATETIME,
		not_before DATETIME,
		last_error TEXT,
		payload TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (workspace_id, repo_id, ref, context_id, event_sha, event_type)
	);
	CREATE INDEX IF NOT EXISTS idx_repo_sync_jobs_pending ON repo_sync_jobs(status, created_at);`,

	`CREATE TABLE IF NOT EXISTS repo_sync_state (
		workspace_id TEXT NOT NULL,
		repo_id TEXT NOT NULL,
		last_synced_sha TEXT,
		last_synced_at DATETIME,
		compile_db_refreshed_at DATETIME,
		PRIMARY KEY (workspace_id, repo_id)
	);`,

	`CREATE TABLE IF NOT EXISTS commit_diff_summaries (
		workspace_id TEXT NOT NULL,
		repo_id TEXT NOT NULL,
		base_sha TEXT NOT NULL,
		head_sha TEXT NOT NULL,
		files_json TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (workspace_id, repo_id, base_sha, head_sha)
	);`,

	`CREATE TABLE IF NOT EXISTS recall_vectors (
		workspace_id TEXT NOT NULL,
		file_key TEXT NOT NULL COLLATE NOCASE,
		embedding TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (workspace_id, file_key)
	);`,
}

// recall_fts mirrors one row per (context_id, file_key) carrying the symbol
// names and qualified names of that file; content is unindexed metadata.
const schemaFTS = `CREATE VIRTUAL TABLE IF NOT EXISTS recall_fts USING fts5(
	context_id UNINDEXED,
	file_key UNINDEXED,
	symbols
);`
