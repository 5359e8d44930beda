package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cppdex/internal/config"
	"cppdex/internal/service"
)

const fakeExtractor = `#!/bin/sh
cat <<EOF
{
  "file": "x.cpp",
  "symbols": [{"name": "x", "qualified_name": "x", "kind": "Function", "line": 1, "col": 1, "extent_end_line": 2}],
  "references": [],
  "call_edges": [],
  "include_deps": [],
  "success": true,
  "diagnostics": []
}
EOF
`

func newServer(t *testing.T) (*httptest.Server, *service.Service) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fixture uses shell scripts")
	}
	ws := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(ws, "repoA", "src"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "repoA", "src", "x.cpp"),
		[]byte("int x() { return 0; }\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "repoA", "compile_commands.json"),
		[]byte(`[{"directory": "`+filepath.Join(ws, "repoA")+`",
		  "arguments": ["cc", "-c", "src/x.cpp"], "file": "src/x.cpp"}]`), 0644))

	manifestBody := `
workspace_id: ws1
repos:
  - repo_id: repoA
    root: repoA
    compile_commands: compile_commands.json
    remote_url: https://gitlab.example.com/group/repoA.git
`
	manifestPath := filepath.Join(ws, "cppdex.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifestBody), 0644))

	binPath := filepath.Join(ws, "fake-extractor")
	require.NoError(t, os.WriteFile(binPath, []byte(fakeExtractor), 0755))

	cfg := config.DefaultConfig()
	cfg.Extractor.BinaryPath = binPath
	cfg.Query.Deadline = "30s"
	cfg.Sync.PollInterval = "1h"     // keep workers quiet during tests
	cfg.Sync.GitPath = "/bin/false" // sync jobs fail fast instead of hitting the network

	svc, err := service.New(cfg, filepath.Join(ws, ".cppdex", "cppdex.db"))
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	_, err = svc.Register(context.Background(), manifestPath)
	require.NoError(t, err)

	ts := httptest.NewServer(New(svc).Router())
	t.Cleanup(ts.Close)
	return ts, svc
}

func post(t *testing.T, ts *httptest.Server, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestLegacyFieldsRejected(t *testing.T) {
	ts, _ := newServer(t)

	for _, field := range []string{"repo_root", "file_path", "file_paths"} {
		body := `{"workspace_id": "ws1", "symbol": "x", "` + field + `": "/somewhere"}`
		resp, out := post(t, ts, "/query/references", body)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, field)
		errObj := out["error"].(map[string]interface{})
		assert.Equal(t, "validation_error", errObj["kind"])
		assert.Contains(t, errObj["message"].(string), field)
	}
}

func TestQueryValidation(t *testing.T) {
	ts, _ := newServer(t)

	resp, _ := post(t, ts, "/query/references", `{"symbol": "x"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = post(t, ts, "/query/references", `{"workspace_id": "ws1"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = post(t, ts, "/query/references", `{"workspace_id": "ghost", "symbol": "x"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFileSymbolsEndToEnd(t *testing.T) {
	ts, _ := newServer(t)

	resp, out := post(t, ts, "/query/file-symbols",
		`{"workspace_id": "ws1", "file_key": "repoA:src/x.cpp"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	symbols := out["symbols"].([]interface{})
	require.Len(t, symbols, 1)
	conf := out["confidence"].(map[string]interface{})
	verified := conf["verified_files"].([]interface{})
	assert.Equal(t, "repoA:src/x.cpp", verified[0])
}

func TestCreateOverlayAndExpire(t *testing.T) {
	ts, _ := newServer(t)

	resp, out := post(t, ts, "/context/create-pr-overlay", `{
	  "workspace_id": "ws1",
	  "changes": [{"file_key": "repoA:src/x.cpp", "state": "modified"}]
	}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pr", out["mode"])
	assert.Equal(t, "sparse", out["overlay_mode"])
	contextID := out["context_id"].(string)

	resp, _ = post(t, ts, "/context/"+contextID+"/expire", `{}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = post(t, ts, "/context/ctx-ghost/expire", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookEnqueuesJob(t *testing.T) {
	ts, _ := newServer(t)

	resp, out := post(t, ts, "/webhooks/gitlab", `{
	  "object_kind": "push",
	  "ref": "refs/heads/main",
	  "checkout_sha": "cafe01",
	  "project": {"path_with_namespace": "group/repoA", "git_http_url": "https://gitlab.example.com/group/repoA.git"}
	}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := out["job_id"].(string)
	require.NotEmpty(t, jobID)

	// Idempotent redelivery returns the same job.
	resp, out = post(t, ts, "/webhooks/gitlab", `{
	  "object_kind": "push",
	  "ref": "refs/heads/main",
	  "checkout_sha": "cafe01",
	  "project": {"path_with_namespace": "group/repoA", "git_http_url": "https://gitlab.example.com/group/repoA.git"}
	}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, jobID, out["job_id"])

	// Status endpoint sees it.
	r, err := http.Get(ts.URL + "/sync-jobs/" + jobID)
	require.NoError(t, err)
	defer r.Body.Close()
	assert.Equal(t, http.StatusOK, r.StatusCode)
}

func TestSyncJobNotFound(t *testing.T) {
	ts, _ := newServer(t)
	r, err := http.Get(ts.URL + "/sync-jobs/job-ghost")
	require.NoError(t, err)
	defer r.Body.Close()
	assert.Equal(t, http.StatusNotFound, r.StatusCode)
}

func TestHealth(t *testing.T) {
	ts, _ := newServer(t)
	r, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer r.Body.Close()
	require.Equal(t, http.StatusOK, r.StatusCode)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&out))
	assert.Equal(t, "ok", out["status"])
	assert.Contains(t, out, "writer_queue_depth")
	assert.Contains(t, out, "context_counts")
	assert.Contains(t, out, "overlay_disk_usage")
}

func TestCacheInvalidate(t *testing.T) {
	ts, _ := newServer(t)

	// Index the file first.
	resp, _ := post(t, ts, "/query/file-symbols",
		`{"workspace_id": "ws1", "file_key": "repoA:src/x.cpp"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, out := post(t, ts, "/cache/invalidate",
		`{"workspace_id": "ws1", "file_keys": ["repoA:src/x.cpp"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["invalidated"])
}

func TestWorkspaceGet(t *testing.T) {
	ts, _ := newServer(t)

	r, err := http.Get(ts.URL + "/workspace/ws1")
	require.NoError(t, err)
	defer r.Body.Close()
	require.Equal(t, http.StatusOK, r.StatusCode)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&out))
	repos := out["repos"].([]interface{})
	assert.Equal(t, "repoA", repos[0])
}

func TestRgSearchValidation(t *testing.T) {
	ts, _ := newServer(t)
	resp, _ := post(t, ts, "/explore/rg-search", `{"workspace_id": "ws1", "pattern": ""}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestGetCompileCommand(t *testing.T) {
	ts, _ := newServer(t)
	resp, out := post(t, ts, "/explore/get-compile-command",
		`{"workspace_id": "ws1", "file_key": "repoA:src/x.cpp"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	args := out["args"].([]interface{})
	assert.True(t, len(args) > 0)

	// Files without compile commands report missing_flags as a conflict.
	resp, out = post(t, ts, "/explore/get-compile-command",
		`{"workspace_id": "ws1", "file_key": "repoA:src/nope.cpp"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	errObj := out["error"].(map[string]interface{})
	assert.Equal(t, "missing_flags", errObj["kind"])
}

func TestReadFile(t *testing.T) {
	ts, _ := newServer(t)
	resp, out := post(t, ts, "/explore/read-file",
		`{"workspace_id": "ws1", "file_key": "repoA:src/x.cpp"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(out["content"].(string), "int x()"))
}
