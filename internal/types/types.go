// Package types defines the shared data model for cppdex: file keys,
// workspace and repo records, analysis contexts, tracked files, and the
// typed facts (symbols, references, call edges, include deps) the store
// persists per (context_id, file_key).
package types

import (
	"strings"
	"time"
)

// FileKey is the canonical cross-repo file identity: "{repo_id}:{rel_path}"
// with the relative path in forward-slash form. Display preserves original
// case; lookups use the case-normalised form (see NormalizeFileKey).
type FileKey = string

// MakeFileKey builds the canonical file key for a repo-relative path.
func MakeFileKey(repoID, relPath string) FileKey {
	return repoID + ":" + NormalizeRelPath(relPath)
}

// NormalizeRelPath converts a path to forward slashes and strips any
// leading "./".
func NormalizeRelPath(relPath string) string {
	p := strings.ReplaceAll(relPath, `\`, "/")
	p = strings.TrimPrefix(p, "./")
	return p
}

// NormalizeFileKey returns the case-normalised lookup form of a key.
func NormalizeFileKey(key FileKey) FileKey {
	return strings.ToLower(key)
}

// SplitFileKey splits a file key into repo id and relative path. The second
// return is empty when the key has no repo prefix.
func SplitFileKey(key FileKey) (repoID, relPath string) {
	i := strings.Index(key, ":")
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// Workspace is a registered root containing an ordered set of repos.
type Workspace struct {
	WorkspaceID  string    `json:"workspace_id"`
	RootPath     string    `json:"root_path"`
	ManifestPath string    `json:"manifest_path"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Repo is one repository inside a workspace. Root is relative to the
// workspace root. DependsOn edges must form a DAG.
type Repo struct {
	RepoID              string   `json:"repo_id"`
	Root                string   `json:"root"`
	CompileCommandsPath string   `json:"compile_commands_path"`
	DefaultBranch       string   `json:"default_branch"`
	DependsOn           []string `json:"depends_on"`
	RemoteURL           string   `json:"remote_url,omitempty"`
	TokenEnvVar         string   `json:"token_env_var,omitempty"`
	CommitSHA           string   `json:"commit_sha,omitempty"`
}

// ContextMode distinguishes long-lived baselines from PR overlays.
type ContextMode string

const (
	ModeBaseline ContextMode = "baseline"
	ModePR       ContextMode = "pr"
)

// OverlayMode describes how much of a context is materialised.
type OverlayMode string

const (
	OverlayFull    OverlayMode = "full"
	OverlaySparse  OverlayMode = "sparse"
	OverlayPartial OverlayMode = "partial_overlay"
)

// ContextStatus is the lifecycle state of an analysis context.
type ContextStatus string

const (
	ContextActive  ContextStatus = "active"
	ContextExpired ContextStatus = "expired"
)

// AnalysisContext is a named set of facts: either a baseline or a sparse PR
// overlay chained to one via BaseContextID.
type AnalysisContext struct {
	ContextID        string        `json:"context_id"`
	WorkspaceID      string        `json:"workspace_id"`
	Mode             ContextMode   `json:"mode"`
	BaseContextID    string        `json:"base_context_id,omitempty"`
	OverlayMode      OverlayMode   `json:"overlay_mode"`
	OverlayFileCount int           `json:"overlay_file_count"`
	OverlayRowCount  int64         `json:"overlay_row_count"`
	Status           ContextStatus `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	LastAccessedAt   time.Time     `json:"last_accessed_at"`
	ExpiresAt        time.Time     `json:"expires_at,omitempty"`
}

// FileState describes how a file differs from the baseline inside a PR
// overlay. Deleted entries act as tombstones suppressing baseline hits.
type FileState string

const (
	StateAdded     FileState = "added"
	StateModified  FileState = "modified"
	StateDeleted   FileState = "deleted"
	StateRenamed   FileState = "renamed"
	StateUnchanged FileState = "unchanged"
)

// OverlayState reports whether a file-state carries rows in the overlay.
func (s FileState) OverlayState() bool {
	switch s {
	case StateAdded, StateModified, StateRenamed:
		return true
	}
	return false
}

// ContextFileState is the per-file overlay metadata for a PR context.
type ContextFileState struct {
	ContextID           string    `json:"context_id"`
	FileKey             FileKey   `json:"file_key"`
	State               FileState `json:"state"`
	ReplacedFromFileKey FileKey   `json:"replaced_from_file_key,omitempty"`
}

// TrackedFile is the per-(context, file) cache row carrying the composite
// hash that drives invalidation.
type TrackedFile struct {
	ContextID     string    `json:"context_id"`
	FileKey       FileKey   `json:"file_key"`
	RepoID        string    `json:"repo_id"`
	RelPath       string    `json:"rel_path"`
	AbsPath       string    `json:"abs_path"`
	ContentHash   string    `json:"content_hash"`
	FlagsHash     string    `json:"flags_hash"`
	IncludesHash  string    `json:"includes_hash"`
	CompositeHash string    `json:"composite_hash"`
	LastParsedAt  time.Time `json:"last_parsed_at"`
}

// SymbolKind is the closed set of symbol kinds the extractor emits.
type SymbolKind string

const (
	KindFunction         SymbolKind = "Function"
	KindCXXMethod        SymbolKind = "CXXMethod"
	KindConstructor      SymbolKind = "Constructor"
	KindDestructor       SymbolKind = "Destructor"
	KindFunctionTemplate SymbolKind = "FunctionTemplate"
	KindClassTemplate    SymbolKind = "ClassTemplate"
	KindClassDecl        SymbolKind = "ClassDecl"
	KindStructDecl       SymbolKind = "StructDecl"
	KindEnumDecl         SymbolKind = "EnumDecl"
	KindEnumConstant     SymbolKind = "EnumConstant"
	KindVarDecl          SymbolKind = "VarDecl"
	KindFieldDecl        SymbolKind = "FieldDecl"
	KindTypedef          SymbolKind = "Typedef"
	KindTypeAlias        SymbolKind = "TypeAlias"
	KindNamespace        SymbolKind = "Namespace"
	KindMacro            SymbolKind = "Macro"
	KindUnknown          SymbolKind = "Unknown"
)

// NormalizeSymbolKind maps arbitrary extractor output onto the closed set.
func NormalizeSymbolKind(kind string) SymbolKind {
	switch SymbolKind(kind) {
	case KindFunction, KindCXXMethod, KindConstructor, KindDestructor,
		KindFunctionTemplate, KindClassTemplate, KindClassDecl,
		KindStructDecl, KindEnumDecl, KindEnumConstant, KindVarDecl,
		KindFieldDecl, KindTypedef, KindTypeAlias, KindNamespace, KindMacro:
		return SymbolKind(kind)
	}
	return KindUnknown
}

// Symbol is one declaration or definition extracted from a file.
type Symbol struct {
	ContextID     string     `json:"context_id"`
	FileKey       FileKey    `json:"file_key"`
	Name          string     `json:"name"`
	QualifiedName string     `json:"qualified_name"`
	Kind          SymbolKind `json:"kind"`
	Line          int        `json:"line"`
	Col           int        `json:"col"`
	ExtentEndLine int        `json:"extent_end_line"`
}

// RefKind classifies a reference site.
type RefKind string

const (
	RefCall    RefKind = "call"
	RefRead    RefKind = "read"
	RefWrite   RefKind = "write"
	RefAddr    RefKind = "addr"
	RefTypeRef RefKind = "type_ref"
	RefUnknown RefKind = "unknown"
)

// NormalizeRefKind maps extractor output onto the closed ref-kind set.
func NormalizeRefKind(kind string) RefKind {
	switch RefKind(kind) {
	case RefCall, RefRead, RefWrite, RefAddr, RefTypeRef:
		return RefKind(kind)
	}
	return RefUnknown
}

// Reference is one use of a symbol inside a file.
type Reference struct {
	ContextID           string  `json:"context_id"`
	FileKey             FileKey `json:"file_key"`
	SymbolQualifiedName string  `json:"symbol_qualified_name"`
	Line                int     `json:"line"`
	Col                 int     `json:"col"`
	RefKind             RefKind `json:"ref_kind"`
}

// CallEdge is one caller -> callee edge observed in a file.
type CallEdge struct {
	ContextID           string  `json:"context_id"`
	FileKey             FileKey `json:"file_key"`
	CallerQualifiedName string  `json:"caller_qualified_name"`
	CalleeQualifiedName string  `json:"callee_qualified_name"`
	Line                int     `json:"line"`
}

// CallDirection selects edges for call-graph queries.
type CallDirection string

const (
	CallIn   CallDirection = "in"
	CallOut  CallDirection = "out"
	CallBoth CallDirection = "both"
)

// IncludeDep is one resolved (or unresolved) include edge for a file.
// IncludedFileKey is empty for includes that do not resolve to a known repo
// file; those are excluded from the includes hash and surfaced as warnings.
type IncludeDep struct {
	ContextID       string  `json:"context_id"`
	FileKey         FileKey `json:"file_key"`
	IncludedFileKey FileKey `json:"included_file_key,omitempty"`
	IncludedAbsPath string  `json:"included_abs_path,omitempty"`
	RawPath         string  `json:"raw_path"`
	Depth           int     `json:"depth"`
	Resolved        bool    `json:"resolved"`
}

// Freshness is the per-file cache classification a query computes.
type Freshness string

const (
	FreshnessFresh        Freshness = "fresh"
	FreshnessStale        Freshness = "stale"
	FreshnessUnparsed     Freshness = "unparsed"
	FreshnessMissingFlags Freshness = "missing_flags"
)

// ParseRun is the audit record for one extractor invocation.
type ParseRun struct {
	RunID       string    `json:"run_id"`
	ContextID   string    `json:"context_id"`
	FileKey     FileKey   `json:"file_key"`
	Action      string    `json:"action"`
	DurationMS  int64     `json:"duration_ms"`
	Success     bool      `json:"success"`
	Diagnostics []string  `json:"diagnostics,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// FileFacts bundles the atomic per-file upsert payload.
type FileFacts struct {
	Tracked     TrackedFile
	Symbols     []Symbol
	References  []Reference
	CallEdges   []CallEdge
	IncludeDeps []IncludeDep
}
