package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cppdex/internal/config"
	"cppdex/internal/types"
)

func workspaceFixture(t *testing.T) (string, string) {
	t.Helper()
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "repoA"), 0755))
	manifestBody := `
workspace_id: ws1
repos:
  - repo_id: repoA
    root: repoA
`
	manifestPath := filepath.Join(ws, "cppdex.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifestBody), 0644))
	return ws, manifestPath
}

func TestRegisterAndGet(t *testing.T) {
	ws, manifestPath := workspaceFixture(t)

	cfg := config.DefaultConfig()
	cfg.Sync.PollInterval = "1h"
	svc, err := New(cfg, filepath.Join(ws, ".cppdex", "cppdex.db"))
	require.NoError(t, err)
	defer svc.Close()

	handle, err := svc.Register(context.Background(), manifestPath)
	require.NoError(t, err)
	assert.Equal(t, "ws1", handle.Info.WorkspaceID)
	assert.NotNil(t, handle.Orchestrator)
	assert.NotNil(t, handle.Engine)

	got, err := svc.Get("ws1")
	require.NoError(t, err)
	assert.Same(t, handle, got)

	_, err = svc.Get("ghost")
	assert.Equal(t, types.KindNotFound, types.KindOf(err))

	assert.Equal(t, []string{"ws1"}, svc.WorkspaceIDs())

	// Registration created the baseline.
	baseline, err := svc.Store.BaselineContext("ws1")
	require.NoError(t, err)
	require.NotNil(t, baseline)
	assert.Equal(t, types.ModeBaseline, baseline.Mode)
}

func TestRestoreReregistersWorkspaces(t *testing.T) {
	ws, manifestPath := workspaceFixture(t)
	dbPath := filepath.Join(ws, ".cppdex", "cppdex.db")

	cfg := config.DefaultConfig()
	cfg.Sync.PollInterval = "1h"

	svc, err := New(cfg, dbPath)
	require.NoError(t, err)
	_, err = svc.Register(context.Background(), manifestPath)
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	// A fresh instance restores the registration from the store.
	svc2, err := New(cfg, dbPath)
	require.NoError(t, err)
	defer svc2.Close()

	svc2.Restore(context.Background())
	_, err = svc2.Get("ws1")
	require.NoError(t, err)
}

func TestDBPath(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Equal(t, filepath.Join("/work", ".cppdex", "cppdex.db"), DBPath(cfg, "/work"))

	cfg.Store.DatabasePath = "/abs/db.sqlite"
	assert.Equal(t, "/abs/db.sqlite", DBPath(cfg, "/work"))
}
