package query

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cppdex/internal/compiledb"
	"cppdex/internal/contextmgr"
	"cppdex/internal/extractor"
	"cppdex/internal/manifest"
	"cppdex/internal/recall"
	"cppdex/internal/store"
	"cppdex/internal/types"
)

// stubRecaller returns a fixed candidate list.
type stubRecaller struct {
	candidates []types.FileKey
}

func (s stubRecaller) Recall(_ context.Context, _ recall.Request) ([]recall.Candidate, error) {
	out := make([]recall.Candidate, 0, len(s.candidates))
	for _, key := range s.candidates {
		out = append(out, recall.Candidate{FileKey: key, Source: "stub"})
	}
	return out, nil
}

type fixture struct {
	ws     string
	store  *store.Store
	writer *store.Writer
	ctxmgr *contextmgr.Manager
	driver *extractor.Driver
	m      *manifest.Manifest
}

// extractorScript emits one symbol/reference pair plus the u.h include for
// whatever file it is pointed at.
const extractorScriptTemplate = `#!/bin/sh
cat <<EOF
{
  "file": "$2",
  "symbols": [
    {"name": "x", "qualified_name": "x", "kind": "Function", "line": 2, "col": 5, "extent_end_line": 3}
  ],
  "references": [
    {"symbol_qualified_name": "repoB::util::foo", "line": 2, "col": 20, "ref_kind": "call"}
  ],
  "call_edges": [
    {"caller_qualified_name": "x", "callee_qualified_name": "repoB::util::foo", "line": 2}
  ],
  "include_deps": [
    {"path": "HEADER_PATH", "raw_path": "u.h", "depth": 1}
  ],
  "success": true,
  "diagnostics": []
}
EOF
`

func newFixture(t *testing.T, sourceFiles []string) *fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fixture uses shell scripts")
	}
	ws := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(ws, "repoA", "src"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "repoB", "include"), 0755))
	headerPath := filepath.Join(ws, "repoB", "include", "u.h")
	require.NoError(t, os.WriteFile(headerPath, []byte("namespace repoB::util { int foo(); }\n"), 0644))

	ccEntries := "["
	for i, rel := range sourceFiles {
		abs := filepath.Join(ws, "repoA", filepath.FromSlash(rel))
		require.NoError(t, os.WriteFile(abs, []byte("int x() { return repoB::util::foo(); }\n"), 0644))
		if i > 0 {
			ccEntries += ","
		}
		ccEntries += `{"directory": "` + filepath.Join(ws, "repoA") + `",
		  "arguments": ["clang++", "-std=c++17", "-c", "` + rel + `"], "file": "` + rel + `"}`
	}
	ccEntries += "]"
	require.NoError(t, os.WriteFile(filepath.Join(ws, "repoA", "compile_commands.json"), []byte(ccEntries), 0644))

	manifestBody := `
workspace_id: ws1
repos:
  - repo_id: repoA
    root: repoA
    compile_commands: compile_commands.json
    depends_on: [repoB]
  - repo_id: repoB
    root: repoB
`
	manifestPath := filepath.Join(ws, "cppdex.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifestBody), 0644))
	m, err := manifest.Load(manifestPath)
	require.NoError(t, err)

	script := []byte(strings.ReplaceAll(extractorScriptTemplate, "HEADER_PATH", headerPath))
	binPath := filepath.Join(ws, "fake-extractor")
	require.NoError(t, os.WriteFile(binPath, script, 0755))

	s, err := store.Open(filepath.Join(ws, ".cppdex", "cppdex.db"))
	require.NoError(t, err)
	w := store.NewWriter(s, store.DefaultWriterConfig())
	w.Start()
	t.Cleanup(func() {
		w.Stop()
		s.Close()
	})

	cc := compiledb.NewCache()
	t.Cleanup(cc.Close)

	return &fixture{
		ws:     ws,
		store:  s,
		writer: w,
		ctxmgr: contextmgr.NewManager(s, w, contextmgr.DefaultConfig()),
		driver: extractor.NewDriver(extractor.Config{
			BinaryPath:      binPath,
			MaxParseWorkers: 4,
			ParseTimeout:    10 * time.Second,
		}, m, cc),
		m: m,
	}
}

func (fx *fixture) orchestrator(t *testing.T, r recall.Recaller, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.Deadline == 0 {
		cfg.Deadline = 30 * time.Second
	}
	return New(fx.store, fx.writer, fx.ctxmgr, fx.driver, r, fx.m, nil, cfg)
}

func TestReferencesEndToEnd(t *testing.T) {
	fx := newFixture(t, []string{"src/x.cpp"})
	o := fx.orchestrator(t, stubRecaller{candidates: []types.FileKey{"repoA:src/x.cpp"}}, DefaultConfig())

	ans, err := o.References(context.Background(), "ws1", "repoB::util::foo", ContextSpec{}, Scope{})
	require.NoError(t, err)

	require.Len(t, ans.References, 1)
	assert.Equal(t, types.RefCall, ans.References[0].RefKind)
	assert.Equal(t, types.FileKey("repoA:src/x.cpp"), ans.References[0].FileKey)

	assert.Equal(t, []types.FileKey{"repoA:src/x.cpp"}, ans.Confidence.VerifiedFiles)
	assert.Empty(t, ans.Confidence.UnparsedFiles)
	assert.Equal(t, 1.0, ans.Confidence.RepoCoverage["repoA"])
	_, hasB := ans.Confidence.RepoCoverage["repoB"]
	assert.False(t, hasB, "repos with zero candidates stay out of repo_coverage")
}

func TestSecondQueryHitsCache(t *testing.T) {
	fx := newFixture(t, []string{"src/x.cpp"})
	o := fx.orchestrator(t, stubRecaller{candidates: []types.FileKey{"repoA:src/x.cpp"}}, DefaultConfig())
	ctx := context.Background()

	_, err := o.References(ctx, "ws1", "repoB::util::foo", ContextSpec{}, Scope{})
	require.NoError(t, err)
	stats, err := fx.store.Stats()
	require.NoError(t, err)
	runsAfterFirst := stats["parse_runs"]
	require.Equal(t, int64(1), runsAfterFirst)

	ans, err := o.References(ctx, "ws1", "repoB::util::foo", ContextSpec{}, Scope{})
	require.NoError(t, err)
	assert.Equal(t, []types.FileKey{"repoA:src/x.cpp"}, ans.Confidence.VerifiedFiles)

	stats, err = fx.store.Stats()
	require.NoError(t, err)
	assert.Equal(t, runsAfterFirst, stats["parse_runs"], "fresh file must not reparse")
}

// Scenario 2: a header edit reclassifies the includer as stale and reparses.
func TestStaleHeaderTriggersReparse(t *testing.T) {
	fx := newFixture(t, []string{"src/x.cpp"})
	o := fx.orchestrator(t, stubRecaller{candidates: []types.FileKey{"repoA:src/x.cpp"}}, DefaultConfig())
	ctx := context.Background()

	_, err := o.References(ctx, "ws1", "repoB::util::foo", ContextSpec{}, Scope{})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(fx.ws, "repoB", "include", "u.h"),
		[]byte("namespace repoB::util { int foo(); int bar(); }\n"), 0644))

	ans, err := o.References(ctx, "ws1", "repoB::util::foo", ContextSpec{}, Scope{})
	require.NoError(t, err)
	assert.Equal(t, []types.FileKey{"repoA:src/x.cpp"}, ans.Confidence.VerifiedFiles)

	stats, err := fx.store.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats["parse_runs"], "stale file must reparse")
}

// P6 / scenario 4: the parse budget bounds fan-out; the excess is reported
// unverified.
func TestBudgetExceeded(t *testing.T) {
	files := []string{"src/a.cpp", "src/b.cpp", "src/c.cpp", "src/d.cpp", "src/e.cpp"}
	fx := newFixture(t, files)

	keys := make([]types.FileKey, 0, len(files))
	for _, rel := range files {
		keys = append(keys, types.MakeFileKey("repoA", rel))
	}
	cfg := DefaultConfig()
	cfg.MaxParseBudget = 2
	cfg.Deadline = 30 * time.Second
	o := fx.orchestrator(t, stubRecaller{candidates: keys}, cfg)

	ans, err := o.References(context.Background(), "ws1", "repoB::util::foo", ContextSpec{}, Scope{})
	require.NoError(t, err)

	assert.Len(t, ans.Confidence.VerifiedFiles, 2)
	assert.Len(t, ans.Confidence.UnparsedFiles, 3)
	assert.Contains(t, ans.Confidence.Warnings, "budget_exceeded")

	stats, err := fx.store.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats["parse_runs"])
}

func TestNoCandidates(t *testing.T) {
	fx := newFixture(t, []string{"src/x.cpp"})
	o := fx.orchestrator(t, stubRecaller{}, DefaultConfig())

	ans, err := o.References(context.Background(), "ws1", "ns::ghost", ContextSpec{}, Scope{})
	require.NoError(t, err)
	assert.Empty(t, ans.References)
	assert.Empty(t, ans.Confidence.RepoCoverage)
	assert.Contains(t, ans.Confidence.Warnings, "no_candidates")
}

func TestMissingFlagsReported(t *testing.T) {
	fx := newFixture(t, []string{"src/x.cpp"})
	// repoB has no compile database; its header is a candidate.
	o := fx.orchestrator(t, stubRecaller{candidates: []types.FileKey{"repoB:include/u.h"}}, DefaultConfig())

	ans, err := o.References(context.Background(), "ws1", "repoB::util::foo", ContextSpec{}, Scope{})
	require.NoError(t, err)
	assert.Equal(t, []types.FileKey{"repoB:include/u.h"}, ans.Confidence.UnparsedFiles)
	assert.Contains(t, ans.Confidence.Warnings, "missing_flags: repoB:include/u.h")
	assert.Equal(t, 0.0, ans.Confidence.RepoCoverage["repoB"])
}

// Scenario 3: a PR overlay deletion masks the baseline definition; the file
// counts as verified-absent.
func TestOverlayMasksDeletion(t *testing.T) {
	fx := newFixture(t, []string{"src/x.cpp"})
	ctx := context.Background()

	baseline, err := fx.ctxmgr.EnsureBaseline(ctx, "ws1")
	require.NoError(t, err)
	_, err = fx.writer.Submit(ctx, store.UpsertFileFacts{Facts: types.FileFacts{
		Tracked: types.TrackedFile{
			ContextID: baseline.ContextID, FileKey: "repoA:src/old.cpp",
			RepoID: "repoA", RelPath: "src/old.cpp",
			ContentHash: "c", FlagsHash: "f", IncludesHash: "i", CompositeHash: "h",
		},
		Symbols: []types.Symbol{{
			ContextID: baseline.ContextID, FileKey: "repoA:src/old.cpp",
			Name: "foo", QualifiedName: "ns::foo", Kind: types.KindFunction, Line: 4,
		}},
	}})
	require.NoError(t, err)

	overlay, err := fx.ctxmgr.CreatePROverlay(ctx, "ws1", []contextmgr.FileChange{
		{FileKey: "repoA:src/old.cpp", State: types.StateDeleted},
	})
	require.NoError(t, err)

	o := fx.orchestrator(t, stubRecaller{candidates: []types.FileKey{"repoA:src/old.cpp"}}, DefaultConfig())
	ans, err := o.Definition(ctx, "ws1", "ns::foo",
		ContextSpec{Mode: types.ModePR, ContextID: overlay.ContextID}, Scope{})
	require.NoError(t, err)

	assert.Empty(t, ans.Definitions)
	assert.Equal(t, []types.FileKey{"repoA:src/old.cpp"}, ans.Confidence.VerifiedFiles)
	assert.Equal(t, types.OverlaySparse, ans.Confidence.OverlayMode)
}

func TestCallGraphDirections(t *testing.T) {
	fx := newFixture(t, []string{"src/x.cpp"})
	o := fx.orchestrator(t, stubRecaller{candidates: []types.FileKey{"repoA:src/x.cpp"}}, DefaultConfig())
	ctx := context.Background()

	in, err := o.CallGraph(ctx, "ws1", "repoB::util::foo", types.CallIn, ContextSpec{}, Scope{})
	require.NoError(t, err)
	require.Len(t, in.Edges, 1)
	assert.Equal(t, "x", in.Edges[0].CallerQualifiedName)

	out, err := o.CallGraph(ctx, "ws1", "x", types.CallOut, ContextSpec{}, Scope{})
	require.NoError(t, err)
	require.Len(t, out.Edges, 1)

	none, err := o.CallGraph(ctx, "ws1", "repoB::util::foo", types.CallOut, ContextSpec{}, Scope{})
	require.NoError(t, err)
	assert.Empty(t, none.Edges)
}

func TestFileSymbols(t *testing.T) {
	fx := newFixture(t, []string{"src/x.cpp"})
	o := fx.orchestrator(t, stubRecaller{}, DefaultConfig())

	ans, err := o.FileSymbols(context.Background(), "ws1", "repoA:src/x.cpp", ContextSpec{})
	require.NoError(t, err)
	require.Len(t, ans.Symbols, 1)
	assert.Equal(t, "x", ans.Symbols[0].Name)
	assert.Equal(t, []types.FileKey{"repoA:src/x.cpp"}, ans.Confidence.VerifiedFiles)
}
