// Package contextmgr owns analysis contexts: the long-lived baseline per
// workspace and the sparse PR overlays layered on top. It enforces the
// overlay caps, touches LRU state on query resolves, and runs the GC task
// that expires idle overlays and reclaims their rows.
package contextmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"cppdex/internal/logging"
	"cppdex/internal/store"
	"cppdex/internal/types"
)

// Config bounds overlays and drives GC.
type Config struct {
	MaxOverlayFiles int
	MaxOverlayRows  int64
	TTL             time.Duration
	GCInterval      time.Duration
}

// DefaultConfig returns the spec defaults.
func DefaultConfig() Config {
	return Config{
		MaxOverlayFiles: 5000,
		MaxOverlayRows:  2_000_000,
		TTL:             72 * time.Hour,
		GCInterval:      10 * time.Minute,
	}
}

// FileChange is one changed file in a PR overlay request.
type FileChange struct {
	FileKey             types.FileKey   `json:"file_key"`
	State               types.FileState `json:"state"`
	ReplacedFromFileKey types.FileKey   `json:"replaced_from_file_key,omitempty"`
}

// Manager creates, resolves, and garbage-collects contexts.
type Manager struct {
	store  *store.Store
	writer *store.Writer
	cfg    Config

	mu    sync.RWMutex
	cache map[string]*types.AnalysisContext

	gcStop chan struct{}
	gcDone chan struct{}
}

// NewManager creates the manager.
func NewManager(s *store.Store, w *store.Writer, cfg Config) *Manager {
	if cfg.MaxOverlayFiles <= 0 {
		cfg.MaxOverlayFiles = 5000
	}
	if cfg.MaxOverlayRows <= 0 {
		cfg.MaxOverlayRows = 2_000_000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 72 * time.Hour
	}
	return &Manager{
		store:  s,
		writer: w,
		cfg:    cfg,
		cache:  make(map[string]*types.AnalysisContext),
	}
}

// EnsureBaseline returns the workspace's active baseline, creating one on
// first registration. Baselines never expire; sync events rewrite them.
func (m *Manager) EnsureBaseline(ctx context.Context, workspaceID string) (*types.AnalysisContext, error) {
	existing, err := m.store.BaselineContext(workspaceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		m.remember(existing)
		return existing, nil
	}

	now := time.Now().UTC()
	baseline := &types.AnalysisContext{
		ContextID:      "ctx-" + uuid.NewString(),
		WorkspaceID:    workspaceID,
		Mode:           types.ModeBaseline,
		OverlayMode:    types.OverlayFull,
		Status:         types.ContextActive,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if _, err := m.writer.Submit(ctx, store.PutContext{Ctx: *baseline}); err != nil {
		return nil, fmt.Errorf("failed to persist baseline: %w", err)
	}
	m.remember(baseline)
	logging.Get(logging.CategoryContext).Info("baseline created: %s for workspace %s", baseline.ContextID, workspaceID)
	return baseline, nil
}

// CreatePROverlay materialises a sparse overlay over the workspace baseline
// from a changed-file list. Overlays whose change list already breaches the
// file cap start life in partial_overlay mode. A renamed change without
// replaced_from_file_key degrades to added (the old key must arrive as its
// own deleted entry).
func (m *Manager) CreatePROverlay(ctx context.Context, workspaceID string, changes []FileChange) (*types.AnalysisContext, error) {
	baseline, err := m.EnsureBaseline(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	overlay := &types.AnalysisContext{
		ContextID:      "ctx-" + uuid.NewString(),
		WorkspaceID:    workspaceID,
		Mode:           types.ModePR,
		BaseContextID:  baseline.ContextID,
		OverlayMode:    types.OverlaySparse,
		Status:         types.ContextActive,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(m.cfg.TTL),
	}

	states := make([]types.ContextFileState, 0, len(changes))
	overlayFiles := 0
	for _, ch := range changes {
		state := ch.State
		if state == types.StateRenamed && ch.ReplacedFromFileKey == "" {
			state = types.StateAdded
		}
		states = append(states, types.ContextFileState{
			ContextID:           overlay.ContextID,
			FileKey:             ch.FileKey,
			State:               state,
			ReplacedFromFileKey: ch.ReplacedFromFileKey,
		})
		if state.OverlayState() {
			overlayFiles++
		}
	}
	if overlayFiles > m.cfg.MaxOverlayFiles {
		overlay.OverlayMode = types.OverlayPartial
		logging.Get(logging.CategoryContext).Warn(
			"overlay %s opens in partial_overlay: %d changed files exceed cap %d",
			overlay.ContextID, overlayFiles, m.cfg.MaxOverlayFiles)
	}

	if _, err := m.writer.Submit(ctx, store.PutContext{Ctx: *overlay}); err != nil {
		return nil, fmt.Errorf("failed to persist overlay: %w", err)
	}
	if _, err := m.writer.Submit(ctx, store.PutFileStates{ContextID: overlay.ContextID, States: states}); err != nil {
		return nil, fmt.Errorf("failed to persist file states: %w", err)
	}

	m.remember(overlay)
	logging.Get(logging.CategoryContext).Info("overlay created: %s over %s (%d changes)",
		overlay.ContextID, baseline.ContextID, len(changes))
	return overlay, nil
}

// Resolve maps a query's analysis-context request onto a read chain and
// touches LRU state. An empty contextID resolves to the baseline.
func (m *Manager) Resolve(ctx context.Context, workspaceID, contextID string) (store.Chain, *types.AnalysisContext, error) {
	var ac *types.AnalysisContext
	var err error
	if contextID == "" {
		ac, err = m.EnsureBaseline(ctx, workspaceID)
		if err != nil {
			return store.Chain{}, nil, err
		}
	} else {
		ac, err = m.lookup(contextID)
		if err != nil {
			return store.Chain{}, nil, err
		}
		if ac == nil || ac.Status != types.ContextActive {
			return store.Chain{}, nil, types.E(types.KindNotFound, "context %s not found or expired", contextID)
		}
		if ac.WorkspaceID != workspaceID {
			return store.Chain{}, nil, types.E(types.KindValidation, "context %s belongs to another workspace", contextID)
		}
	}

	m.touch(ctx, ac)
	return store.Chain{ContextID: ac.ContextID, BaseContextID: ac.BaseContextID}, ac, nil
}

// CheckCaps re-reads overlay counters after persistence and degrades the
// overlay to partial_overlay on breach. Returns the effective overlay mode.
func (m *Manager) CheckCaps(ctx context.Context, contextID string) (types.OverlayMode, error) {
	ac, err := m.store.GetContext(contextID)
	if err != nil {
		return "", err
	}
	if ac == nil {
		return "", types.E(types.KindNotFound, "context %s not found", contextID)
	}
	if ac.Mode != types.ModePR || ac.OverlayMode == types.OverlayPartial {
		return ac.OverlayMode, nil
	}

	if ac.OverlayFileCount > m.cfg.MaxOverlayFiles || ac.OverlayRowCount > m.cfg.MaxOverlayRows {
		if _, err := m.writer.Submit(ctx, store.SetContextStatus{
			ContextID:   contextID,
			Status:      types.ContextActive,
			OverlayMode: types.OverlayPartial,
		}); err != nil {
			return "", err
		}
		m.forget(contextID)
		logging.Get(logging.CategoryContext).Warn(
			"overlay %s degraded to partial_overlay (files=%d rows=%d)",
			contextID, ac.OverlayFileCount, ac.OverlayRowCount)
		return types.OverlayPartial, nil
	}
	return ac.OverlayMode, nil
}

// Expire marks a context expired and reclaims its rows.
func (m *Manager) Expire(ctx context.Context, contextID string) error {
	ac, err := m.lookup(contextID)
	if err != nil {
		return err
	}
	if ac == nil {
		return types.E(types.KindNotFound, "context %s not found", contextID)
	}
	if ac.Mode == types.ModeBaseline {
		return types.E(types.KindValidation, "baseline contexts cannot be expired")
	}

	if _, err := m.writer.Submit(ctx, store.SetContextStatus{ContextID: contextID, Status: types.ContextExpired}); err != nil {
		return err
	}
	if _, err := m.writer.Submit(ctx, store.DeleteContextRows{ContextID: contextID}); err != nil {
		return err
	}
	m.forget(contextID)
	logging.Get(logging.CategoryContext).Info("context expired: %s", contextID)
	return nil
}

// StartGC launches the background GC task.
func (m *Manager) StartGC() {
	if m.gcStop != nil {
		return
	}
	interval := m.cfg.GCInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	m.gcStop = make(chan struct{})
	m.gcDone = make(chan struct{})
	go m.runGC(interval)
}

// StopGC stops the GC task and waits for it to finish.
func (m *Manager) StopGC() {
	if m.gcStop == nil {
		return
	}
	close(m.gcStop)
	<-m.gcDone
	m.gcStop = nil
	m.gcDone = nil
}

func (m *Manager) runGC(interval time.Duration) {
	defer close(m.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.gcStop:
			return
		case <-ticker.C:
			m.CollectExpired(context.Background())
		}
	}
}

// CollectExpired expires every PR context past its deadline. Contexts live
// until max(last_accessed + TTL, expires_at).
func (m *Manager) CollectExpired(ctx context.Context) {
	contexts, err := m.store.ActiveContexts("")
	if err != nil {
		logging.Get(logging.CategoryContext).Error("gc scan failed: %v", err)
		return
	}

	now := time.Now().UTC()
	for _, ac := range contexts {
		if ac.Mode != types.ModePR {
			continue
		}
		deadline := ac.LastAccessedAt.Add(m.cfg.TTL)
		if ac.ExpiresAt.After(deadline) {
			deadline = ac.ExpiresAt
		}
		if now.Before(deadline) {
			continue
		}
		if err := m.Expire(ctx, ac.ContextID); err != nil {
			logging.Get(logging.CategoryContext).Error("gc expire %s failed: %v", ac.ContextID, err)
		}
	}
}

func (m *Manager) lookup(contextID string) (*types.AnalysisContext, error) {
	m.mu.RLock()
	if ac, ok := m.cache[contextID]; ok {
		m.mu.RUnlock()
		return ac, nil
	}
	m.mu.RUnlock()

	ac, err := m.store.GetContext(contextID)
	if err != nil {
		return nil, err
	}
	if ac != nil {
		m.remember(ac)
	}
	return ac, nil
}

func (m *Manager) touch(ctx context.Context, ac *types.AnalysisContext) {
	now := time.Now().UTC()
	ac.LastAccessedAt = now
	if _, err := m.writer.Submit(ctx, store.TouchContext{ContextID: ac.ContextID, When: now}); err != nil {
		logging.Get(logging.CategoryContext).Warn("touch %s failed: %v", ac.ContextID, err)
	}
}

func (m *Manager) remember(ac *types.AnalysisContext) {
	m.mu.Lock()
	m.cache[ac.ContextID] = ac
	m.mu.Unlock()
}

func (m *Manager) forget(contextID string) {
	m.mu.Lock()
	delete(m.cache, contextID)
	m.mu.Unlock()
}
