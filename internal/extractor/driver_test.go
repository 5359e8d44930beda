package extractor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cppdex/internal/compiledb"
	"cppdex/internal/hasher"
	"cppdex/internal/manifest"
	"cppdex/internal/types"
)

// fixture lays out a two-repo workspace with a fake extractor binary that
// emits a canned JSON document.
type fixture struct {
	ws      string
	m       *manifest.Manifest
	cc      *compiledb.Cache
	binPath string
}

func newFixture(t *testing.T, extractorScript string) *fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fixture uses shell scripts")
	}
	ws := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(ws, "repoA", "src"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "repoB", "include"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "repoA", "src", "x.cpp"),
		[]byte("#include \"u.h\"\nint x() { return repoB::util::foo(); }\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "repoB", "include", "u.h"),
		[]byte("namespace repoB::util { int foo(); }\n"), 0644))

	ccBody := `[{"directory": "` + filepath.Join(ws, "repoA") + `",
	  "arguments": ["clang++", "-I` + filepath.Join(ws, "repoB", "include") + `", "-std=c++17", "-c", "src/x.cpp"],
	  "file": "src/x.cpp"}]`
	require.NoError(t, os.WriteFile(filepath.Join(ws, "repoA", "compile_commands.json"), []byte(ccBody), 0644))

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

	binPath := filepath.Join(ws, "fake-extractor")
	require.NoError(t, os.WriteFile(binPath, []byte(extractorScript), 0755))

	cc := compiledb.NewCache()
	t.Cleanup(cc.Close)
	return &fixture{ws: ws, m: m, cc: cc, binPath: binPath}
}

func happyScript(ws string) string {
	uh := filepath.Join(ws, "repoB", "include", "u.h")
	return `#!/bin/sh
cat <<EOF
{
  "file": "x.cpp",
  "symbols": [
    {"name": "x", "qualified_name": "x", "kind": "Function", "line": 2, "col": 5, "extent_end_line": 2}
  ],
  "references": [
    {"symbol_qualified_name": "repoB::util::foo", "line": 2, "col": 20, "ref_kind": "call"}
  ],
  "call_edges": [
    {"caller_qualified_name": "x", "callee_qualified_name": "repoB::util::foo", "line": 2}
  ],
  "include_deps": [
    {"path": "` + uh + `", "raw_path": "u.h", "depth": 1},
    {"path": "/usr/include/vector", "raw_path": "vector", "depth": 1}
  ],
  "success": true,
  "diagnostics": []
}
EOF
`
}

func TestExtractHappyPath(t *testing.T) {
	fx := newFixture(t, "")
	require.NoError(t, os.WriteFile(fx.binPath, []byte(happyScript(fx.ws)), 0755))

	d := NewDriver(Config{BinaryPath: fx.binPath, MaxParseWorkers: 2, ParseTimeout: 10 * time.Second}, fx.m, fx.cc)

	payload, err := d.Extract(context.Background(), "base", "repoA:src/x.cpp", ActionExtractAll)
	require.NoError(t, err)

	tf := payload.Facts.Tracked
	assert.Equal(t, "base", tf.ContextID)
	assert.Equal(t, types.FileKey("repoA:src/x.cpp"), tf.FileKey)
	assert.NotEmpty(t, tf.ContentHash)
	assert.NotEmpty(t, tf.FlagsHash)
	assert.NotEmpty(t, tf.IncludesHash)
	assert.Equal(t, hasher.Composite(tf.ContentHash, tf.FlagsHash, tf.IncludesHash), tf.CompositeHash)

	require.Len(t, payload.Facts.Symbols, 1)
	assert.Equal(t, types.KindFunction, payload.Facts.Symbols[0].Kind)

	require.Len(t, payload.Facts.References, 1)
	assert.Equal(t, types.RefCall, payload.Facts.References[0].RefKind)

	// Workspace include resolved to a canonical key; system include did not.
	require.Len(t, payload.Facts.IncludeDeps, 2)
	assert.Equal(t, types.FileKey("repoB:include/u.h"), payload.Facts.IncludeDeps[0].IncludedFileKey)
	assert.True(t, payload.Facts.IncludeDeps[0].Resolved)
	assert.False(t, payload.Facts.IncludeDeps[1].Resolved)
	require.Len(t, payload.Warnings, 1)
	assert.Contains(t, payload.Warnings[0], "external_unresolved_include")
}

// A change to the included header changes includes_hash and thus the
// composite (P4 at driver level).
func TestHeaderChangeChangesComposite(t *testing.T) {
	fx := newFixture(t, "")
	require.NoError(t, os.WriteFile(fx.binPath, []byte(happyScript(fx.ws)), 0755))
	d := NewDriver(Config{BinaryPath: fx.binPath, MaxParseWorkers: 1, ParseTimeout: 10 * time.Second}, fx.m, fx.cc)

	first, err := d.Extract(context.Background(), "base", "repoA:src/x.cpp", ActionExtractAll)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(fx.ws, "repoB", "include", "u.h"),
		[]byte("namespace repoB::util { int foo(); int bar(); }\n"), 0644))

	second, err := d.Extract(context.Background(), "base", "repoA:src/x.cpp", ActionExtractAll)
	require.NoError(t, err)

	assert.Equal(t, first.Facts.Tracked.ContentHash, second.Facts.Tracked.ContentHash)
	assert.NotEqual(t, first.Facts.Tracked.IncludesHash, second.Facts.Tracked.IncludesHash)
	assert.NotEqual(t, first.Facts.Tracked.CompositeHash, second.Facts.Tracked.CompositeHash)
}

func TestExtractMissingFlags(t *testing.T) {
	fx := newFixture(t, "#!/bin/sh\nexit 0\n")
	d := NewDriver(Config{BinaryPath: fx.binPath, MaxParseWorkers: 1, ParseTimeout: time.Second}, fx.m, fx.cc)

	// repoB has no compile database at all.
	_, err := d.Extract(context.Background(), "base", "repoB:include/u.h", ActionExtractAll)
	require.Error(t, err)
	assert.Equal(t, types.KindMissingFlags, types.KindOf(err))
}

func TestExtractTimeout(t *testing.T) {
	fx := newFixture(t, "#!/bin/sh\nsleep 30\n")
	d := NewDriver(Config{BinaryPath: fx.binPath, MaxParseWorkers: 1, ParseTimeout: 200 * time.Millisecond}, fx.m, fx.cc)

	payload, err := d.Extract(context.Background(), "base", "repoA:src/x.cpp", ActionExtractAll)
	require.Error(t, err)
	assert.Equal(t, types.KindExtractorTimeout, types.KindOf(err))
	require.NotNil(t, payload)
	assert.Contains(t, payload.Diagnostics, "parse_timeout")
}

func TestExtractNonZeroExit(t *testing.T) {
	fx := newFixture(t, "#!/bin/sh\necho 'clang crashed' >&2\nexit 3\n")
	d := NewDriver(Config{BinaryPath: fx.binPath, MaxParseWorkers: 1, ParseTimeout: time.Second}, fx.m, fx.cc)

	_, err := d.Extract(context.Background(), "base", "repoA:src/x.cpp", ActionExtractAll)
	require.Error(t, err)
	assert.Equal(t, types.KindParseFailed, types.KindOf(err))
}

func TestRemapArgs(t *testing.T) {
	fx := newFixture(t, "#!/bin/sh\nexit 0\n")

	body := `
workspace_id: ws1
repos:
  - repo_id: repoB
    root: repoB
path_remaps:
  - from_prefix: /opt/external/repoB
    to_repo_id: repoB
    to_prefix: ""
`
	manifestPath := filepath.Join(fx.ws, "remap.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(body), 0644))
	m, err := manifest.Load(manifestPath)
	require.NoError(t, err)

	d := NewDriver(DefaultConfig(), m, fx.cc)
	got := d.remapArgs([]string{
		"-I/opt/external/repoB/include",
		"-isystem", "/opt/external/repoB/sys",
		"-I/unrelated/include",
	})
	assert.Equal(t, []string{
		"-I" + filepath.Join(fx.ws, "repoB", "include"),
		"-isystem", filepath.Join(fx.ws, "repoB", "sys"),
		"-I/unrelated/include",
	}, got)
}
