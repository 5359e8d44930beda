package store

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"cppdex/internal/types"
)

// overlayFixture builds a baseline with two files and a PR overlay that
// modifies one, deletes one, and adds one.
func overlayFixture(t *testing.T) (*Store, Chain) {
	t.Helper()
	s := newTestStore(t)
	w := newTestWriter(t, s)

	putContext(t, w, "base", "ws1", types.ModeBaseline, "")
	putContext(t, w, "pr1", "ws1", types.ModePR, "base")

	mustSubmit(t, w, UpsertFileFacts{Facts: fileFacts("base", "repoA:src/old.cpp", "h1",
		types.Symbol{Name: "foo", QualifiedName: "ns::foo", Kind: types.KindFunction, Line: 5, ExtentEndLine: 9})})
	mustSubmit(t, w, UpsertFileFacts{Facts: fileFacts("base", "repoA:src/keep.cpp", "h2",
		types.Symbol{Name: "keep", QualifiedName: "ns::keep", Kind: types.KindFunction, Line: 3, ExtentEndLine: 6})})
	mustSubmit(t, w, UpsertFileFacts{Facts: fileFacts("base", "repoA:src/mod.cpp", "h3",
		types.Symbol{Name: "before", QualifiedName: "ns::before", Kind: types.KindFunction, Line: 1, ExtentEndLine: 2})})

	mustSubmit(t, w, PutFileStates{ContextID: "pr1", States: []types.ContextFileState{
		{FileKey: "repoA:src/old.cpp", State: types.StateDeleted},
		{FileKey: "repoA:src/mod.cpp", State: types.StateModified},
		{FileKey: "repoA:src/new.cpp", State: types.StateAdded},
		{FileKey: "repoA:src/keep.cpp", State: types.StateUnchanged},
	}})
	mustSubmit(t, w, UpsertFileFacts{Facts: fileFacts("pr1", "repoA:src/mod.cpp", "h3b",
		types.Symbol{Name: "after", QualifiedName: "ns::after", Kind: types.KindFunction, Line: 1, ExtentEndLine: 4})})
	mustSubmit(t, w, UpsertFileFacts{Facts: fileFacts("pr1", "repoA:src/new.cpp", "h4",
		types.Symbol{Name: "fresh", QualifiedName: "ns::fresh", Kind: types.KindFunction, Line: 2, ExtentEndLine: 8})})

	return s, Chain{ContextID: "pr1", BaseContextID: "base"}
}

// Overlay precedence (P2): overlay rows for changed files, tombstones for
// deleted files, baseline fall-through for unchanged files.
func TestOverlayPrecedence(t *testing.T) {
	s, chain := overlayFixture(t)

	// Deleted: tombstone hides the baseline row.
	tf, err := s.GetTracked(chain, "repoA:src/old.cpp")
	require.NoError(t, err)
	require.Nil(t, tf)

	// Modified: overlay row shadows the baseline.
	tf, err = s.GetTracked(chain, "repoA:src/mod.cpp")
	require.NoError(t, err)
	require.NotNil(t, tf)
	require.Equal(t, "h3b", tf.CompositeHash)
	require.Equal(t, "pr1", tf.ContextID)

	// Added: only in the overlay.
	tf, err = s.GetTracked(chain, "repoA:src/new.cpp")
	require.NoError(t, err)
	require.NotNil(t, tf)

	// Unchanged: falls through to the baseline.
	tf, err = s.GetTracked(chain, "repoA:src/keep.cpp")
	require.NoError(t, err)
	require.NotNil(t, tf)
	require.Equal(t, "base", tf.ContextID)
}

func TestOverlaySymbolMerge(t *testing.T) {
	s, chain := overlayFixture(t)

	keys := []types.FileKey{
		"repoA:src/old.cpp", "repoA:src/keep.cpp", "repoA:src/mod.cpp", "repoA:src/new.cpp",
	}
	syms, err := s.GetSymbolsForFiles(chain, keys)
	require.NoError(t, err)

	got := make(map[string]string)
	for _, sym := range syms {
		got[sym.QualifiedName] = sym.ContextID
	}
	want := map[string]string{
		"ns::keep":  "base",
		"ns::after": "pr1",
		"ns::fresh": "pr1",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("merged symbols mismatch (-want +got):\n%s", diff)
	}
}

func TestOverlayDefinitionMasksDeletion(t *testing.T) {
	s, chain := overlayFixture(t)

	// ns::foo lives only in the deleted file; the overlay hides it.
	defs, err := s.GetDefinitions(chain, "ns::foo", nil)
	require.NoError(t, err)
	require.Empty(t, defs)

	// Plain baseline chain still sees it.
	defs, err = s.GetDefinitions(Chain{ContextID: "base"}, "ns::foo", nil)
	require.NoError(t, err)
	require.Len(t, defs, 1)
}

func TestRenameReplacesBaselineKey(t *testing.T) {
	s := newTestStore(t)
	w := newTestWriter(t, s)

	putContext(t, w, "base", "ws1", types.ModeBaseline, "")
	putContext(t, w, "pr1", "ws1", types.ModePR, "base")

	mustSubmit(t, w, UpsertFileFacts{Facts: fileFacts("base", "repoA:src/a.cpp", "h1",
		types.Symbol{Name: "f", QualifiedName: "ns::f", Kind: types.KindFunction, Line: 1})})
	mustSubmit(t, w, PutFileStates{ContextID: "pr1", States: []types.ContextFileState{
		{FileKey: "repoA:src/b.cpp", State: types.StateRenamed, ReplacedFromFileKey: "repoA:src/a.cpp"},
	}})
	mustSubmit(t, w, UpsertFileFacts{Facts: fileFacts("pr1", "repoA:src/b.cpp", "h1b",
		types.Symbol{Name: "f", QualifiedName: "ns::f", Kind: types.KindFunction, Line: 2})})

	chain := Chain{ContextID: "pr1", BaseContextID: "base"}

	// The old key is replaced; reads must not resurrect the baseline row.
	tf, err := s.GetTracked(chain, "repoA:src/a.cpp")
	require.NoError(t, err)
	require.Nil(t, tf)

	defs, err := s.GetDefinitions(chain, "ns::f", nil)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	require.Equal(t, types.FileKey("repoA:src/b.cpp"), defs[0].FileKey)
}

func TestDedupeSymbolsHighestExtentWins(t *testing.T) {
	in := []types.Symbol{
		{FileKey: "repoA:x.cpp", QualifiedName: "ns::f", Line: 10, ExtentEndLine: 12},
		{FileKey: "repoA:x.cpp", QualifiedName: "ns::f", Line: 10, ExtentEndLine: 30},
		{FileKey: "repoA:x.cpp", QualifiedName: "ns::f", Line: 40, ExtentEndLine: 44},
	}
	out := dedupeSymbols(in)
	require.Len(t, out, 2)
	require.Equal(t, 30, out[0].ExtentEndLine)
}

func TestDedupeReferencesByTuple(t *testing.T) {
	in := []types.Reference{
		{FileKey: "repoA:x.cpp", SymbolQualifiedName: "ns::f", Line: 1, Col: 2, RefKind: types.RefCall},
		{FileKey: "repoA:x.cpp", SymbolQualifiedName: "ns::f", Line: 1, Col: 2, RefKind: types.RefCall},
		{FileKey: "repoA:x.cpp", SymbolQualifiedName: "ns::f", Line: 1, Col: 2, RefKind: types.RefRead},
	}
	require.Len(t, dedupeReferences(in), 2)
}

func TestIncluders(t *testing.T) {
	s := newTestStore(t)
	w := newTestWriter(t, s)
	putContext(t, w, "base", "ws1", types.ModeBaseline, "")

	facts := fileFacts("base", "repoA:src/x.cpp", "h1")
	facts.IncludeDeps = []types.IncludeDep{
		{IncludedFileKey: "repoB:include/u.h", RawPath: "u.h", Depth: 1, Resolved: true},
	}
	mustSubmit(t, w, UpsertFileFacts{Facts: facts})

	incs, err := s.Includers("base", "repoB:include/u.h")
	require.NoError(t, err)
	require.Equal(t, []types.FileKey{"repoA:src/x.cpp"}, incs)
}
