package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cppdex/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cppdex.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestWriter(t *testing.T, s *Store) *Writer {
	t.Helper()
	w := NewWriter(s, DefaultWriterConfig())
	w.Start()
	t.Cleanup(w.Stop)
	return w
}

func mustSubmit(t *testing.T, w *Writer, op Op) interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	v, err := w.Submit(ctx, op)
	require.NoError(t, err)
	return v
}

func putContext(t *testing.T, w *Writer, id, workspace string, mode types.ContextMode, base string) {
	t.Helper()
	now := time.Now().UTC()
	mustSubmit(t, w, PutContext{Ctx: types.AnalysisContext{
		ContextID:      id,
		WorkspaceID:    workspace,
		Mode:           mode,
		BaseContextID:  base,
		OverlayMode:    types.OverlaySparse,
		Status:         types.ContextActive,
		CreatedAt:      now,
		LastAccessedAt: now,
	}})
}

func fileFacts(ctxID, fileKey, composite string, symbols ...types.Symbol) types.FileFacts {
	repoID, rel := types.SplitFileKey(fileKey)
	return types.FileFacts{
		Tracked: types.TrackedFile{
			ContextID:     ctxID,
			FileKey:       fileKey,
			RepoID:        repoID,
			RelPath:       rel,
			ContentHash:   "c-" + composite,
			FlagsHash:     "f-" + composite,
			IncludesHash:  "i-" + composite,
			CompositeHash: composite,
		},
		Symbols: symbols,
	}
}

func TestOpenCreatesSchema(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.Stats()
	require.NoError(t, err)
	for _, table := range []string{"tracked_files", "symbols", "references_", "call_edges", "include_deps", "index_jobs"} {
		_, ok := stats[table]
		require.True(t, ok, "missing table %s", table)
	}
}

func TestUpsertAndReadBack(t *testing.T) {
	s := newTestStore(t)
	w := newTestWriter(t, s)
	putContext(t, w, "base", "ws1", types.ModeBaseline, "")

	sym := types.Symbol{
		ContextID: "base", FileKey: "repoA:src/x.cpp",
		Name: "foo", QualifiedName: "ns::foo", Kind: types.KindFunction,
		Line: 10, Col: 5, ExtentEndLine: 20,
	}
	mustSubmit(t, w, UpsertFileFacts{Facts: fileFacts("base", "repoA:src/x.cpp", "h1", sym)})

	chain := Chain{ContextID: "base"}
	tf, err := s.GetTracked(chain, "repoA:src/x.cpp")
	require.NoError(t, err)
	require.NotNil(t, tf)
	require.Equal(t, "h1", tf.CompositeHash)

	syms, err := s.GetFileSymbols(chain, "repoA:src/x.cpp")
	require.NoError(t, err)
	require.Len(t, syms, 1)
	require.Equal(t, "ns::foo", syms[0].QualifiedName)

	// Lookup is case-normalised.
	tf, err = s.GetTracked(chain, "repoA:SRC/X.cpp")
	require.NoError(t, err)
	require.NotNil(t, tf)
}

func TestInvalidateCascadesFacts(t *testing.T) {
	s := newTestStore(t)
	w := newTestWriter(t, s)
	putContext(t, w, "base", "ws1", types.ModeBaseline, "")

	facts := fileFacts("base", "repoA:src/x.cpp", "h1",
		types.Symbol{Name: "foo", QualifiedName: "ns::foo", Kind: types.KindFunction, Line: 1})
	facts.References = []types.Reference{
		{SymbolQualifiedName: "ns::bar", Line: 3, Col: 1, RefKind: types.RefCall},
	}
	facts.CallEdges = []types.CallEdge{
		{CallerQualifiedName: "ns::foo", CalleeQualifiedName: "ns::bar", Line: 3},
	}
	facts.IncludeDeps = []types.IncludeDep{
		{IncludedFileKey: "repoB:include/u.h", RawPath: "u.h", Depth: 1, Resolved: true},
	}
	mustSubmit(t, w, UpsertFileFacts{Facts: facts})

	mustSubmit(t, w, InvalidateFiles{ContextID: "base", FileKeys: []types.FileKey{"repoA:src/x.cpp"}})

	stats, err := s.Stats()
	require.NoError(t, err)
	require.Zero(t, stats["tracked_files"])
	require.Zero(t, stats["symbols"])
	require.Zero(t, stats["references_"])
	require.Zero(t, stats["call_edges"])
	require.Zero(t, stats["include_deps"])
}

func TestUpsertReplacesOldFacts(t *testing.T) {
	s := newTestStore(t)
	w := newTestWriter(t, s)
	putContext(t, w, "base", "ws1", types.ModeBaseline, "")

	mustSubmit(t, w, UpsertFileFacts{Facts: fileFacts("base", "repoA:src/x.cpp", "h1",
		types.Symbol{Name: "old", QualifiedName: "ns::old", Kind: types.KindFunction, Line: 1})})
	mustSubmit(t, w, UpsertFileFacts{Facts: fileFacts("base", "repoA:src/x.cpp", "h2",
		types.Symbol{Name: "new", QualifiedName: "ns::new", Kind: types.KindFunction, Line: 1})})

	syms, err := s.GetFileSymbols(Chain{ContextID: "base"}, "repoA:src/x.cpp")
	require.NoError(t, err)
	require.Len(t, syms, 1)
	require.Equal(t, "ns::new", syms[0].QualifiedName)
}

func TestOverlayCountersAccurate(t *testing.T) {
	s := newTestStore(t)
	w := newTestWriter(t, s)
	putContext(t, w, "pr1", "ws1", types.ModePR, "base")

	mustSubmit(t, w, UpsertFileFacts{Facts: fileFacts("pr1", "repoA:a.cpp", "h1",
		types.Symbol{Name: "a", QualifiedName: "a", Kind: types.KindFunction, Line: 1},
		types.Symbol{Name: "b", QualifiedName: "b", Kind: types.KindFunction, Line: 2})})

	c, err := s.GetContext("pr1")
	require.NoError(t, err)
	require.Equal(t, 1, c.OverlayFileCount)
	// 1 tracked row + 2 symbols.
	require.Equal(t, int64(3), c.OverlayRowCount)
}

func TestSearchFTS(t *testing.T) {
	s := newTestStore(t)
	w := newTestWriter(t, s)
	putContext(t, w, "base", "ws1", types.ModeBaseline, "")

	mustSubmit(t, w, UpsertFileFacts{Facts: fileFacts("base", "repoA:src/x.cpp", "h1",
		types.Symbol{Name: "foo", QualifiedName: "repoB::util::foo", Kind: types.KindFunction, Line: 1})})
	mustSubmit(t, w, UpsertFileFacts{Facts: fileFacts("base", "repoA:src/y.cpp", "h2",
		types.Symbol{Name: "bar", QualifiedName: "other::bar", Kind: types.KindFunction, Line: 1})})

	hits, err := s.SearchFTS([]string{"base"}, "repoB::util::foo", 10)
	require.NoError(t, err)
	require.Equal(t, []types.FileKey{"repoA:src/x.cpp"}, hits)

	hits, err = s.SearchFTS([]string{"base"}, "foo", 10)
	require.NoError(t, err)
	require.Equal(t, []types.FileKey{"repoA:src/x.cpp"}, hits)

	hits, err = s.SearchFTS([]string{"base"}, "absent", 10)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestVectorTopK(t *testing.T) {
	s := newTestStore(t)
	w := newTestWriter(t, s)

	mustSubmit(t, w, UpsertRecallVector{WorkspaceID: "ws1", FileKey: "repoA:a.cpp", Embedding: []float64{1, 0, 0}})
	mustSubmit(t, w, UpsertRecallVector{WorkspaceID: "ws1", FileKey: "repoA:b.cpp", Embedding: []float64{0, 1, 0}})
	mustSubmit(t, w, UpsertRecallVector{WorkspaceID: "ws1", FileKey: "repoA:c.cpp", Embedding: []float64{0.9, 0.1, 0}})

	require.True(t, s.HasVectors("ws1"))
	require.False(t, s.HasVectors("ws2"))

	top, err := s.VectorTopK("ws1", []float64{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	require.Equal(t, types.FileKey("repoA:a.cpp"), top[0].FileKey)
	require.Equal(t, types.FileKey("repoA:c.cpp"), top[1].FileKey)
}
