package compiledb

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDB(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "compile_commands.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLookupArgsFromArguments(t *testing.T) {
	dir := t.TempDir()
	path := writeDB(t, dir, `[
	  {"directory": "`+dir+`", "arguments": ["clang++", "-Iinclude", "-DX=1", "-c", "src/x.cpp"], "file": "src/x.cpp"}
	]`)

	c := NewCache()
	defer c.Close()

	args, ok := c.LookupArgs("ws1", "repoA", path, filepath.Join(dir, "src", "x.cpp"))
	require.True(t, ok)
	assert.Equal(t, []string{"-Iinclude", "-DX=1", "-c", "src/x.cpp"}, args)

	_, ok = c.LookupArgs("ws1", "repoA", path, filepath.Join(dir, "src", "missing.cpp"))
	assert.False(t, ok)
}

func TestLookupArgsFromCommandString(t *testing.T) {
	dir := t.TempDir()
	path := writeDB(t, dir, `[
	  {"directory": "`+dir+`", "command": "cl.exe /Iinclude \"/DNAME=hello world\" x.cpp", "file": "x.cpp"}
	]`)

	c := NewCache()
	defer c.Close()

	args, ok := c.LookupArgs("ws1", "repoA", path, filepath.Join(dir, "x.cpp"))
	require.True(t, ok)
	assert.Equal(t, []string{"/Iinclude", "/DNAME=hello world", "x.cpp"}, args)
}

func TestMtimeInvalidation(t *testing.T) {
	dir := t.TempDir()
	path := writeDB(t, dir, `[
	  {"directory": "`+dir+`", "arguments": ["cc", "-DOLD", "x.cpp"], "file": "x.cpp"}
	]`)

	c := NewCache()
	defer c.Close()

	args, ok := c.LookupArgs("ws1", "repoA", path, filepath.Join(dir, "x.cpp"))
	require.True(t, ok)
	assert.Contains(t, args, "-DOLD")

	// Rewrite with a newer mtime; the cache must reload.
	require.NoError(t, os.WriteFile(path, []byte(`[
	  {"directory": "`+dir+`", "arguments": ["cc", "-DNEW", "x.cpp"], "file": "x.cpp"}
	]`), 0644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	args, ok = c.LookupArgs("ws1", "repoA", path, filepath.Join(dir, "x.cpp"))
	require.True(t, ok)
	assert.Contains(t, args, "-DNEW")
}

func TestInvalidateWorkspace(t *testing.T) {
	dir := t.TempDir()
	path := writeDB(t, dir, `[
	  {"directory": "`+dir+`", "arguments": ["cc", "x.cpp"], "file": "x.cpp"}
	]`)

	c := NewCache()
	defer c.Close()

	_, ok := c.LookupArgs("ws1", "repoA", path, filepath.Join(dir, "x.cpp"))
	require.True(t, ok)

	c.Invalidate("ws1")
	c.mu.RLock()
	assert.Empty(t, c.dbs)
	c.mu.RUnlock()
}

func TestMissingDB(t *testing.T) {
	c := NewCache()
	defer c.Close()

	_, ok := c.LookupArgs("ws1", "repoA", "", "/x.cpp")
	assert.False(t, ok)
	_, ok = c.LookupArgs("ws1", "repoA", "/does/not/exist.json", "/x.cpp")
	assert.False(t, ok)
}

func TestSplitCommand(t *testing.T) {
	assert.Equal(t,
		[]string{"cc", "-I/a b", "-DX", "", "x.cpp"},
		splitCommand(`cc '-I/a b' -DX "" x.cpp`))
}
