// Package service composes the subsystems into a running node: one store
// and single writer, one context manager, and a per-workspace bundle of
// manifest, extractor driver, recaller, orchestrator, and sync engine.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"cppdex/internal/compiledb"
	"cppdex/internal/config"
	"cppdex/internal/contextmgr"
	"cppdex/internal/extractor"
	"cppdex/internal/jobs"
	"cppdex/internal/logging"
	"cppdex/internal/manifest"
	"cppdex/internal/query"
	"cppdex/internal/recall"
	"cppdex/internal/store"
	"cppdex/internal/types"
)

// Workspace bundles everything bound to one registered workspace.
type Workspace struct {
	Info         types.Workspace
	Manifest     *manifest.Manifest
	Driver       *extractor.Driver
	Recaller     *recall.Multi
	Orchestrator *query.Orchestrator
	Engine       *jobs.Engine
}

// Service owns the shared store, writer, and workspace registry.
type Service struct {
	Cfg      *config.Config
	Store    *store.Store
	Writer   *store.Writer
	Contexts *contextmgr.Manager
	Compile  *compiledb.Cache

	mu         sync.RWMutex
	workspaces map[string]*Workspace
}

// New opens the store and starts the writer, context GC, and compile-db
// cache. Workspaces are registered separately.
func New(cfg *config.Config, dbPath string) (*Service, error) {
	s, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}

	w := store.NewWriter(s, store.WriterConfig{
		QueueCapacity: cfg.Writer.QueueCapacity,
		BatchSize:     cfg.Writer.BatchSize,
		BatchWindow:   config.Duration(cfg.Writer.BatchWindow, 0),
		MaxRetries:    cfg.Writer.MaxRetries,
	})
	w.Start()

	cm := contextmgr.NewManager(s, w, contextmgr.Config{
		MaxOverlayFiles: cfg.Context.MaxOverlayFiles,
		MaxOverlayRows:  cfg.Context.MaxOverlayRows,
		TTL:             config.Duration(cfg.Context.TTL, 0),
		GCInterval:      config.Duration(cfg.Context.GCInterval, 0),
	})
	cm.StartGC()

	return &Service{
		Cfg:        cfg,
		Store:      s,
		Writer:     w,
		Contexts:   cm,
		Compile:    compiledb.NewCache(),
		workspaces: make(map[string]*Workspace),
	}, nil
}

// Close shuts everything down in dependency order.
func (svc *Service) Close() error {
	svc.mu.Lock()
	for _, ws := range svc.workspaces {
		ws.Engine.Stop()
	}
	svc.workspaces = make(map[string]*Workspace)
	svc.mu.Unlock()

	svc.Contexts.StopGC()
	svc.Compile.Close()
	svc.Writer.Stop()
	return svc.Store.Close()
}

// Register loads a workspace manifest, persists the registration, creates
// the baseline context, and wires the per-workspace components.
func (svc *Service) Register(ctx context.Context, manifestPath string) (*Workspace, error) {
	m, err := manifest.Load(manifestPath)
	if err != nil {
		return nil, err
	}

	info := types.Workspace{
		WorkspaceID:  m.WorkspaceID,
		RootPath:     m.RootPath(),
		ManifestPath: manifestPath,
	}
	repos := make([]types.Repo, 0, len(m.Repos))
	for _, r := range m.Repos {
		repos = append(repos, types.Repo{
			RepoID:              r.RepoID,
			Root:                r.Root,
			CompileCommandsPath: r.CompileCommands,
			DefaultBranch:       r.DefaultBranch,
			DependsOn:           r.DependsOn,
			RemoteURL:           r.RemoteURL,
			TokenEnvVar:         r.TokenEnvVar,
			CommitSHA:           r.CommitSHA,
		})
	}
	if _, err := svc.Writer.Submit(ctx, store.PutWorkspace{Workspace: info, Repos: repos}); err != nil {
		return nil, err
	}
	if _, err := svc.Contexts.EnsureBaseline(ctx, m.WorkspaceID); err != nil {
		return nil, err
	}

	ws, err := svc.buildWorkspace(info, m)
	if err != nil {
		return nil, err
	}

	svc.mu.Lock()
	if old, ok := svc.workspaces[m.WorkspaceID]; ok {
		old.Engine.Stop()
	}
	svc.workspaces[m.WorkspaceID] = ws
	svc.mu.Unlock()

	logging.Get(logging.CategoryBoot).Info("workspace registered: %s (%d repos)", m.WorkspaceID, len(m.Repos))
	return ws, nil
}

func (svc *Service) buildWorkspace(info types.Workspace, m *manifest.Manifest) (*Workspace, error) {
	cfg := svc.Cfg

	driver := extractor.NewDriver(extractor.Config{
		BinaryPath:      cfg.Extractor.BinaryPath,
		MaxParseWorkers: cfg.Extractor.MaxParseWorkers,
		ParseTimeout:    config.Duration(cfg.Extractor.ParseTimeout, 0),
	}, m, svc.Compile)

	recaller := recall.NewMulti(svc.Store, m, recall.Config{
		MaxResults:      cfg.Recall.MaxResults,
		RipgrepPath:     cfg.Recall.RipgrepPath,
		SearchTimeout:   config.Duration(cfg.Recall.SearchTimeout, 0),
		ExcludePatterns: cfg.Recall.ExcludePatterns,
	})

	diffs := &jobs.GitDiff{Manifest: m, GitPath: cfg.Sync.GitPath, Store: svc.Store, Writer: svc.Writer}
	orchestrator := query.New(svc.Store, svc.Writer, svc.Contexts, driver, recaller, m, diffs, query.Config{
		MaxParseBudget: cfg.Query.MaxParseBudget,
		Deadline:       config.Duration(cfg.Query.Deadline, 0),
		MaxRepoHops:    cfg.Query.MaxRepoHops,
	})

	engine := jobs.NewEngine(svc.Store, svc.Writer, m, svc.Compile, jobs.Config{
		Workers:      cfg.Sync.Workers,
		MaxAttempts:  cfg.Sync.MaxAttempts,
		LeaseTTL:     config.Duration(cfg.Sync.LeaseTTL, 0),
		PollInterval: config.Duration(cfg.Sync.PollInterval, 0),
		GitPath:      cfg.Sync.GitPath,
	})
	ws := &Workspace{
		Info:         info,
		Manifest:     m,
		Driver:       driver,
		Recaller:     recaller,
		Orchestrator: orchestrator,
		Engine:       engine,
	}
	engine.SetHandler(jobs.QueueIndex, svc.indexHandler(ws))
	engine.Start()
	return ws, nil
}

// indexHandler parses the files named in the job payload and persists their
// facts into the workspace baseline.
func (svc *Service) indexHandler(ws *Workspace) jobs.Handler {
	return func(ctx context.Context, job *jobs.Job) error {
		baseline, err := svc.Contexts.EnsureBaseline(ctx, job.WorkspaceID)
		if err != nil {
			return err
		}

		var payload struct {
			Files []types.FileKey `json:"files"`
		}
		if len(job.Payload) > 0 {
			if err := unmarshal(job.Payload, &payload); err != nil {
				return err
			}
		}
		for _, key := range payload.Files {
			p, err := ws.Driver.Extract(ctx, baseline.ContextID, key, extractor.ActionExtractAll)
			if err != nil {
				if types.KindOf(err) == types.KindMissingFlags {
					continue
				}
				return err
			}
			if _, err := svc.Writer.Submit(ctx, store.UpsertFileFacts{Facts: p.Facts}); err != nil {
				return err
			}
		}
		return nil
	}
}

// WorkspaceIDs lists the registered workspace ids.
func (svc *Service) WorkspaceIDs() []string {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	ids := make([]string, 0, len(svc.workspaces))
	for id := range svc.workspaces {
		ids = append(ids, id)
	}
	return ids
}

// Get returns the registered workspace handle.
func (svc *Service) Get(workspaceID string) (*Workspace, error) {
	svc.mu.RLock()
	ws, ok := svc.workspaces[workspaceID]
	svc.mu.RUnlock()
	if !ok {
		return nil, types.E(types.KindNotFound, "workspace %s not registered", workspaceID)
	}
	return ws, nil
}

// RefreshManifest reloads a workspace's manifest and rewires its bundle.
// The compile-commands cache is invalidated as part of the refresh.
func (svc *Service) RefreshManifest(ctx context.Context, workspaceID string) (*Workspace, error) {
	ws, err := svc.Get(workspaceID)
	if err != nil {
		return nil, err
	}
	svc.Compile.Invalidate(workspaceID)
	return svc.Register(ctx, ws.Info.ManifestPath)
}

// Restore re-registers workspaces persisted by earlier runs. Missing
// manifests are logged and skipped.
func (svc *Service) Restore(ctx context.Context) {
	rows, err := svc.Store.DB().Query(`SELECT workspace_id, manifest_path FROM workspaces`)
	if err != nil {
		logging.Get(logging.CategoryBoot).Error("workspace restore scan failed: %v", err)
		return
	}
	type row struct{ id, path string }
	var persisted []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.path); err == nil {
			persisted = append(persisted, r)
		}
	}
	rows.Close()

	for _, r := range persisted {
		if _, err := svc.Register(ctx, r.path); err != nil {
			logging.Get(logging.CategoryBoot).Warn("workspace %s not restored from %s: %v", r.id, r.path, err)
		}
	}
}

func unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid job payload: %w", err)
	}
	return nil
}

// DBPath resolves the configured database path against a workspace root.
func DBPath(cfg *config.Config, root string) string {
	if filepath.IsAbs(cfg.Store.DatabasePath) {
		return cfg.Store.DatabasePath
	}
	return filepath.Join(root, cfg.Store.DatabasePath)
}
