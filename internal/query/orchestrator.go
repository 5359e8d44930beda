// Package query implements the five-stage query pipeline: resolve context,
// recall candidates, classify freshness, fan out bounded parses, then read
// and assemble the answer under an explicit confidence envelope. Per-file
// failures never fail a query; they surface in the envelope instead.
package query

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"cppdex/internal/contextmgr"
	"cppdex/internal/extractor"
	"cppdex/internal/hasher"
	"cppdex/internal/logging"
	"cppdex/internal/manifest"
	"cppdex/internal/recall"
	"cppdex/internal/store"
	"cppdex/internal/types"
)

// Config bounds per-query work.
type Config struct {
	MaxParseBudget int
	Deadline       time.Duration
	MaxRepoHops    int
}

// DefaultConfig returns the spec defaults.
func DefaultConfig() Config {
	return Config{MaxParseBudget: 15, Deadline: 3 * time.Second, MaxRepoHops: 4}
}

// ContextSpec selects the analysis context for a query. An empty ContextID
// with mode "pr" materialises a new overlay from BaseRef/HeadRef via the
// DiffProvider.
type ContextSpec struct {
	Mode      types.ContextMode `json:"mode,omitempty"`
	ContextID string            `json:"context_id,omitempty"`
	BaseRef   string            `json:"base_ref,omitempty"`
	HeadRef   string            `json:"head_ref,omitempty"`
}

// Scope restricts recall to entry repos closed over depends_on.
type Scope struct {
	EntryRepos []string `json:"entry_repos,omitempty"`
}

// DiffProvider yields the changed files between two refs, for overlay
// materialisation at query time.
type DiffProvider interface {
	Diff(ctx context.Context, workspaceID, baseRef, headRef string) ([]contextmgr.FileChange, error)
}

// Confidence is the envelope attached to every query answer.
type Confidence struct {
	VerifiedFiles []types.FileKey    `json:"verified_files"`
	StaleFiles    []types.FileKey    `json:"stale_files"`
	UnparsedFiles []types.FileKey    `json:"unparsed_files"`
	RepoCoverage  map[string]float64 `json:"repo_coverage"`
	OverlayMode   types.OverlayMode  `json:"overlay_mode"`
	Warnings      []string           `json:"warnings"`
}

// ReferencesAnswer, DefinitionAnswer, CallGraphAnswer, FileSymbolsAnswer
// are the assembled results.
type ReferencesAnswer struct {
	References []types.Reference `json:"references"`
	Confidence Confidence        `json:"confidence"`
}

type DefinitionAnswer struct {
	Definitions []types.Symbol `json:"definitions"`
	Confidence  Confidence     `json:"confidence"`
}

type CallGraphAnswer struct {
	Edges      []types.CallEdge `json:"edges"`
	Confidence Confidence       `json:"confidence"`
}

type FileSymbolsAnswer struct {
	Symbols    []types.Symbol `json:"symbols"`
	Confidence Confidence     `json:"confidence"`
}

// Orchestrator glues the subsystems into answers.
type Orchestrator struct {
	store    *store.Store
	writer   *store.Writer
	contexts *contextmgr.Manager
	driver   *extractor.Driver
	recaller recall.Recaller
	manifest *manifest.Manifest
	diffs    DiffProvider
	cfg      Config
}

// New creates the orchestrator. diffs may be nil; overlay materialisation
// from refs then reports a validation error.
func New(s *store.Store, w *store.Writer, cm *contextmgr.Manager, d *extractor.Driver,
	r recall.Recaller, m *manifest.Manifest, diffs DiffProvider, cfg Config) *Orchestrator {
	if cfg.MaxParseBudget <= 0 {
		cfg.MaxParseBudget = 15
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 3 * time.Second
	}
	if cfg.MaxRepoHops <= 0 {
		cfg.MaxRepoHops = 4
	}
	return &Orchestrator{
		store: s, writer: w, contexts: cm, driver: d,
		recaller: r, manifest: m, diffs: diffs, cfg: cfg,
	}
}

// pipeline carries intermediate state between stages.
type pipeline struct {
	chain      store.Chain
	ac         *types.AnalysisContext
	candidates []types.FileKey
	// inMemory holds lazily parsed facts a partial_overlay refused to
	// persist; assembly merges them by hand.
	inMemory []types.FileFacts
	conf     Confidence
}

// References answers "where is this symbol referenced".
func (o *Orchestrator) References(ctx context.Context, workspaceID, symbol string, spec ContextSpec, scope Scope) (*ReferencesAnswer, error) {
	p, err := o.run(ctx, workspaceID, symbol, spec, scope)
	if err != nil {
		return nil, err
	}
	refs, err := o.store.GetReferences(p.chain, symbol, p.candidates)
	if err != nil {
		return nil, err
	}
	for _, facts := range p.inMemory {
		for _, ref := range facts.References {
			if ref.SymbolQualifiedName == symbol {
				refs = append(refs, ref)
			}
		}
	}
	return &ReferencesAnswer{References: refs, Confidence: p.conf}, nil
}

// Definition answers "where is this symbol defined".
func (o *Orchestrator) Definition(ctx context.Context, workspaceID, symbol string, spec ContextSpec, scope Scope) (*DefinitionAnswer, error) {
	p, err := o.run(ctx, workspaceID, symbol, spec, scope)
	if err != nil {
		return nil, err
	}
	defs, err := o.store.GetDefinitions(p.chain, symbol, p.candidates)
	if err != nil {
		return nil, err
	}
	for _, facts := range p.inMemory {
		for _, sym := range facts.Symbols {
			if sym.QualifiedName == symbol {
				defs = append(defs, sym)
			}
		}
	}
	return &DefinitionAnswer{Definitions: defs, Confidence: p.conf}, nil
}

// CallGraph answers "who calls / is called by this symbol".
func (o *Orchestrator) CallGraph(ctx context.Context, workspaceID, symbol string, direction types.CallDirection, spec ContextSpec, scope Scope) (*CallGraphAnswer, error) {
	if direction == "" {
		direction = types.CallBoth
	}
	p, err := o.run(ctx, workspaceID, symbol, spec, scope)
	if err != nil {
		return nil, err
	}
	edges, err := o.store.GetCallEdges(p.chain, symbol, direction, p.candidates)
	if err != nil {
		return nil, err
	}
	for _, facts := range p.inMemory {
		for _, edge := range facts.CallEdges {
			if edgeMatches(edge, symbol, direction) {
				edges = append(edges, edge)
			}
		}
	}
	return &CallGraphAnswer{Edges: edges, Confidence: p.conf}, nil
}

// FileSymbols lists the symbols of one file; the candidate set is the file
// itself, so recall is skipped.
func (o *Orchestrator) FileSymbols(ctx context.Context, workspaceID string, fileKey types.FileKey, spec ContextSpec) (*FileSymbolsAnswer, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Deadline)
	defer cancel()

	p := &pipeline{conf: newConfidence()}
	if err := o.resolveContext(ctx, p, workspaceID, spec); err != nil {
		return nil, err
	}
	p.candidates = []types.FileKey{fileKey}
	o.classifyAndParse(ctx, p)

	syms, err := o.store.GetFileSymbols(p.chain, fileKey)
	if err != nil {
		return nil, err
	}
	for _, facts := range p.inMemory {
		syms = append(syms, facts.Symbols...)
	}
	return &FileSymbolsAnswer{Symbols: syms, Confidence: p.conf}, nil
}

// Probe runs stages 1-4 only and returns the confidence envelope. Backs the
// explore/get-confidence endpoint.
func (o *Orchestrator) Probe(ctx context.Context, workspaceID, symbol string, spec ContextSpec, scope Scope) (*Confidence, error) {
	p, err := o.run(ctx, workspaceID, symbol, spec, scope)
	if err != nil {
		return nil, err
	}
	return &p.conf, nil
}

// ClassifyFiles reports the freshness bucket of each file without parsing
// anything. Backs the explore/classify-freshness endpoint.
func (o *Orchestrator) ClassifyFiles(ctx context.Context, workspaceID string, spec ContextSpec, files []types.FileKey) (map[types.FileKey]types.Freshness, error) {
	p := &pipeline{conf: newConfidence()}
	if err := o.resolveContext(ctx, p, workspaceID, spec); err != nil {
		return nil, err
	}
	p.candidates = files
	out := make(map[types.FileKey]types.Freshness, len(files))
	for _, fc := range o.classify(ctx, p) {
		if fc.tombstone {
			out[fc.key] = types.FreshnessFresh
			continue
		}
		out[fc.key] = fc.freshness
	}
	return out, nil
}

// ParseFile extracts one file on demand and persists the facts. Backs the
// explore/parse-file endpoint.
func (o *Orchestrator) ParseFile(ctx context.Context, workspaceID string, spec ContextSpec, fileKey types.FileKey) (*types.TrackedFile, error) {
	p := &pipeline{conf: newConfidence()}
	if err := o.resolveContext(ctx, p, workspaceID, spec); err != nil {
		return nil, err
	}
	payload, err := o.driver.Extract(ctx, p.chain.ContextID, fileKey, extractor.ActionExtractAll)
	if err != nil {
		return nil, err
	}
	if _, err := o.writer.Submit(ctx, store.UpsertFileFacts{Facts: payload.Facts}); err != nil {
		return nil, err
	}
	tracked := payload.Facts.Tracked
	return &tracked, nil
}

// Resolve exposes stage 1 for endpoints that only need the chain.
func (o *Orchestrator) Resolve(ctx context.Context, workspaceID string, spec ContextSpec) (store.Chain, error) {
	p := &pipeline{conf: newConfidence()}
	if err := o.resolveContext(ctx, p, workspaceID, spec); err != nil {
		return store.Chain{}, err
	}
	return p.chain, nil
}

// run executes stages 1-4 and assembles the envelope; stage 5's fact read
// happens in the typed entry points.
func (o *Orchestrator) run(ctx context.Context, workspaceID, symbol string, spec ContextSpec, scope Scope) (*pipeline, error) {
	timer := logging.StartTimer(logging.CategoryQuery, "run")
	defer timer.Stop()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Deadline)
	defer cancel()

	p := &pipeline{conf: newConfidence()}
	if err := o.resolveContext(ctx, p, workspaceID, spec); err != nil {
		return nil, err
	}

	// Stage 2: recall.
	repoScope := o.manifest.CloseOver(scope.EntryRepos, o.cfg.MaxRepoHops)
	if len(scope.EntryRepos) == 0 {
		repoScope = nil
	}
	contextIDs := []string{p.chain.ContextID}
	if p.chain.IsOverlay() {
		contextIDs = append(contextIDs, p.chain.BaseContextID)
	}
	cands, err := o.recaller.Recall(ctx, recall.Request{
		Symbol:      symbol,
		WorkspaceID: workspaceID,
		ContextIDs:  contextIDs,
		RepoScope:   repoScope,
	})
	if err != nil {
		return nil, err
	}
	for _, c := range cands {
		p.candidates = append(p.candidates, c.FileKey)
	}

	if len(p.candidates) == 0 {
		p.conf.Warnings = append(p.conf.Warnings, "no_candidates")
		return p, nil
	}

	// Stages 3 and 4.
	o.classifyAndParse(ctx, p)
	return p, nil
}

// resolveContext is stage 1.
func (o *Orchestrator) resolveContext(ctx context.Context, p *pipeline, workspaceID string, spec ContextSpec) error {
	contextID := spec.ContextID
	if spec.Mode == types.ModePR && contextID == "" {
		if o.diffs == nil {
			return types.E(types.KindValidation, "pr context requires context_id or a diff provider")
		}
		if spec.BaseRef == "" || spec.HeadRef == "" {
			return types.E(types.KindValidation, "pr context materialisation requires base_ref and head_ref")
		}
		changes, err := o.diffs.Diff(ctx, workspaceID, spec.BaseRef, spec.HeadRef)
		if err != nil {
			return err
		}
		overlay, err := o.contexts.CreatePROverlay(ctx, workspaceID, changes)
		if err != nil {
			return err
		}
		contextID = overlay.ContextID
	}

	chain, ac, err := o.contexts.Resolve(ctx, workspaceID, contextID)
	if err != nil {
		return err
	}
	p.chain = chain
	p.ac = ac
	p.conf.OverlayMode = ac.OverlayMode
	return nil
}

// fileClass is the stage-3 output for one candidate.
type fileClass struct {
	key       types.FileKey
	freshness types.Freshness
	tombstone bool
	warning   string
}

// classifyAndParse runs stages 3 and 4 and fills the envelope.
func (o *Orchestrator) classifyAndParse(ctx context.Context, p *pipeline) {
	classes := o.classify(ctx, p)

	var parseQueue []fileClass
	for _, fc := range classes {
		switch {
		case fc.tombstone:
			// Verified-absent: the overlay's word is final.
			p.conf.VerifiedFiles = append(p.conf.VerifiedFiles, fc.key)
		case fc.freshness == types.FreshnessFresh:
			p.conf.VerifiedFiles = append(p.conf.VerifiedFiles, fc.key)
		case fc.freshness == types.FreshnessMissingFlags:
			p.conf.UnparsedFiles = append(p.conf.UnparsedFiles, fc.key)
			p.conf.Warnings = append(p.conf.Warnings, fmt.Sprintf("missing_flags: %s", fc.key))
		default:
			parseQueue = append(parseQueue, fc)
		}
	}

	// Stage 4: bounded fan-out.
	budget := o.cfg.MaxParseBudget
	var overBudget []fileClass
	if len(parseQueue) > budget {
		overBudget = parseQueue[budget:]
		parseQueue = parseQueue[:budget]
		p.conf.Warnings = append(p.conf.Warnings, "budget_exceeded")
	}
	for _, fc := range overBudget {
		if fc.freshness == types.FreshnessStale {
			p.conf.StaleFiles = append(p.conf.StaleFiles, fc.key)
		}
		p.conf.UnparsedFiles = append(p.conf.UnparsedFiles, fc.key)
	}

	if len(parseQueue) > 0 {
		o.parseFanOut(ctx, p, parseQueue)
	}

	o.finishEnvelope(p, classes)
}

// classify computes stage 3 concurrently over the candidate set.
func (o *Orchestrator) classify(ctx context.Context, p *pipeline) []fileClass {
	var states map[types.FileKey]types.ContextFileState
	if p.chain.IsOverlay() {
		if st, err := o.store.FileStates(p.chain.ContextID); err == nil {
			states = st
		}
	}

	classes := make([]fileClass, len(p.candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, key := range p.candidates {
		i, key := i, key
		g.Go(func() error {
			classes[i] = o.classifyOne(gctx, p.chain, states, key)
			return nil
		})
	}
	_ = g.Wait()
	return classes
}

func (o *Orchestrator) classifyOne(ctx context.Context, chain store.Chain,
	states map[types.FileKey]types.ContextFileState, key types.FileKey) fileClass {

	fc := fileClass{key: key}
	if st, ok := states[types.NormalizeFileKey(key)]; ok && st.State == types.StateDeleted {
		fc.tombstone = true
		return fc
	}

	absPath, ok := o.manifest.AbsPathForKey(key)
	if !ok {
		fc.freshness = types.FreshnessUnparsed
		fc.warning = "unknown file key"
		return fc
	}

	args, err := o.driver.CompileArgs(key)
	if err != nil {
		if types.KindOf(err) == types.KindMissingFlags {
			fc.freshness = types.FreshnessMissingFlags
		} else {
			fc.freshness = types.FreshnessUnparsed
		}
		return fc
	}

	stored, err := o.store.GetTracked(chain, key)
	if err != nil || stored == nil {
		fc.freshness = types.FreshnessUnparsed
		return fc
	}

	contentHash, err := hasher.HashFile(absPath)
	if err != nil {
		fc.freshness = types.FreshnessUnparsed
		return fc
	}
	flagsHash := hasher.HashFlags(args)
	includesHash := o.liveIncludesHash(chain, key)

	live := hasher.Composite(contentHash, flagsHash, includesHash)
	fc.freshness = hasher.Classify(stored, live)
	return fc
}

// liveIncludesHash rehashes the current content of the includes recorded at
// the last parse. A header edit in any resolved include changes this hash
// and therefore the composite.
func (o *Orchestrator) liveIncludesHash(chain store.Chain, key types.FileKey) string {
	deps, err := o.store.GetIncludeDeps(chain, key)
	if err != nil {
		return hasher.HashIncludes(nil)
	}
	var pairs []hasher.IncludePair
	for _, dep := range deps {
		if !dep.Resolved || dep.IncludedFileKey == "" {
			continue
		}
		abs, ok := o.manifest.AbsPathForKey(dep.IncludedFileKey)
		if !ok {
			continue
		}
		if h, err := hasher.HashFile(abs); err == nil {
			pairs = append(pairs, hasher.IncludePair{FileKey: dep.IncludedFileKey, ContentHash: h})
		}
	}
	return hasher.HashIncludes(pairs)
}

// parseFanOut is stage 4: extract each queued file, persist through the
// writer (unless the overlay is degraded), and audit every run.
func (o *Orchestrator) parseFanOut(ctx context.Context, p *pipeline, queue []fileClass) {
	log := logging.Get(logging.CategoryQuery)

	persist := true
	if p.chain.IsOverlay() && p.conf.OverlayMode == types.OverlayPartial {
		// Degraded overlays refuse bulk persistence; parses stay in memory.
		persist = false
	}

	targetContext := func(key types.FileKey) string {
		if !p.chain.IsOverlay() {
			return p.chain.ContextID
		}
		states, err := o.store.FileStates(p.chain.ContextID)
		if err == nil {
			if st, ok := states[types.NormalizeFileKey(key)]; ok && st.State.OverlayState() {
				return p.chain.ContextID
			}
		}
		return p.chain.BaseContextID
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, fc := range queue {
		fc := fc
		g.Go(func() error {
			target := targetContext(fc.key)
			payload, err := o.driver.Extract(gctx, target, fc.key, extractor.ActionExtractAll)

			run := types.ParseRun{
				RunID:     "run-" + uuid.NewString(),
				ContextID: target,
				FileKey:   fc.key,
				Action:    string(extractor.ActionExtractAll),
				Success:   err == nil,
			}
			if payload != nil {
				run.DurationMS = payload.Duration.Milliseconds()
				run.Diagnostics = payload.Diagnostics
			}
			if _, werr := o.writer.Submit(context.WithoutCancel(gctx), store.InsertParseRun{Run: run}); werr != nil {
				log.Warn("parse run audit failed for %s: %v", fc.key, werr)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// A failed parse never fails the query.
				if fc.freshness == types.FreshnessStale {
					p.conf.StaleFiles = append(p.conf.StaleFiles, fc.key)
				}
				p.conf.UnparsedFiles = append(p.conf.UnparsedFiles, fc.key)
				p.conf.Warnings = append(p.conf.Warnings, fmt.Sprintf("%s: %s", types.KindOf(err), fc.key))
				return nil
			}

			if persist {
				if _, werr := o.writer.Submit(gctx, store.UpsertFileFacts{Facts: payload.Facts}); werr != nil {
					p.conf.UnparsedFiles = append(p.conf.UnparsedFiles, fc.key)
					p.conf.Warnings = append(p.conf.Warnings, fmt.Sprintf("persist_failed: %s", fc.key))
					return nil
				}
			} else {
				p.inMemory = append(p.inMemory, payload.Facts)
			}
			p.conf.VerifiedFiles = append(p.conf.VerifiedFiles, fc.key)
			p.conf.Warnings = append(p.conf.Warnings, payload.Warnings...)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil && !containsString(p.conf.Warnings, "budget_exceeded") {
		p.conf.Warnings = append(p.conf.Warnings, "budget_exceeded")
	}

	if persist && p.chain.IsOverlay() {
		if mode, err := o.contexts.CheckCaps(context.WithoutCancel(ctx), p.chain.ContextID); err == nil {
			p.conf.OverlayMode = mode
		}
	}
}

// finishEnvelope computes repo coverage and normalises the file lists.
func (o *Orchestrator) finishEnvelope(p *pipeline, classes []fileClass) {
	p.conf.VerifiedFiles = uniqueKeys(p.conf.VerifiedFiles)
	p.conf.StaleFiles = uniqueKeys(p.conf.StaleFiles)
	p.conf.UnparsedFiles = uniqueKeys(p.conf.UnparsedFiles)

	verified := keySet(p.conf.VerifiedFiles)
	type tally struct{ verified, total int }
	perRepo := make(map[string]*tally)
	for _, fc := range classes {
		repoID, _ := types.SplitFileKey(fc.key)
		t := perRepo[repoID]
		if t == nil {
			t = &tally{}
			perRepo[repoID] = t
		}
		t.total++
		if verified[types.NormalizeFileKey(fc.key)] {
			t.verified++
		}
	}
	// Repos with zero candidates stay out of the map entirely.
	for repoID, t := range perRepo {
		if t.total == 0 {
			continue
		}
		p.conf.RepoCoverage[repoID] = float64(t.verified) / float64(t.total)
	}
}

func newConfidence() Confidence {
	return Confidence{
		VerifiedFiles: []types.FileKey{},
		StaleFiles:    []types.FileKey{},
		UnparsedFiles: []types.FileKey{},
		RepoCoverage:  map[string]float64{},
		Warnings:      []string{},
	}
}

func edgeMatches(edge types.CallEdge, symbol string, direction types.CallDirection) bool {
	switch direction {
	case types.CallIn:
		return edge.CalleeQualifiedName == symbol
	case types.CallOut:
		return edge.CallerQualifiedName == symbol
	default:
		return edge.CallerQualifiedName == symbol || edge.CalleeQualifiedName == symbol
	}
}

func uniqueKeys(keys []types.FileKey) []types.FileKey {
	seen := make(map[types.FileKey]bool, len(keys))
	out := make([]types.FileKey, 0, len(keys))
	for _, k := range keys {
		norm := types.NormalizeFileKey(k)
		if seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func keySet(keys []types.FileKey) map[types.FileKey]bool {
	set := make(map[types.FileKey]bool, len(keys))
	for _, k := range keys {
		set[types.NormalizeFileKey(k)] = true
	}
	return set
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
