package server

import (
	"io"
	"net/http"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-chi/chi/v5"

	"cppdex/internal/contextmgr"
	"cppdex/internal/jobs"
	"cppdex/internal/query"
	"cppdex/internal/recall"
	"cppdex/internal/store"
	"cppdex/internal/types"
)

func recallRequest(req queryRequest, contextIDs []string) recall.Request {
	return recall.Request{
		Symbol:      req.Symbol,
		WorkspaceID: req.WorkspaceID,
		ContextIDs:  contextIDs,
		RepoScope:   req.Scope.EntryRepos,
	}
}

// queryRequest is the shared body of the /query endpoints.
type queryRequest struct {
	WorkspaceID     string            `json:"workspace_id"`
	Symbol          string            `json:"symbol"`
	FileKey         types.FileKey     `json:"file_key"`
	Direction       string            `json:"direction"`
	AnalysisContext query.ContextSpec `json:"analysis_context"`
	Scope           query.Scope       `json:"scope"`
	FileKeys        []types.FileKey   `json:"file_keys"`
	Pattern         string            `json:"pattern"`
	Repos           []string          `json:"repos"`
}

func (s *Server) handleQueryReferences(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ws, err := s.workspace(req.WorkspaceID)
	if err == nil {
		err = requireField("symbol", req.Symbol)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	ans, err := ws.Orchestrator.References(r.Context(), req.WorkspaceID, req.Symbol, req.AnalysisContext, req.Scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

func (s *Server) handleQueryDefinition(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ws, err := s.workspace(req.WorkspaceID)
	if err == nil {
		err = requireField("symbol", req.Symbol)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	ans, err := ws.Orchestrator.Definition(r.Context(), req.WorkspaceID, req.Symbol, req.AnalysisContext, req.Scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

func (s *Server) handleQueryCallGraph(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ws, err := s.workspace(req.WorkspaceID)
	if err == nil {
		err = requireField("symbol", req.Symbol)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	ans, err := ws.Orchestrator.CallGraph(r.Context(), req.WorkspaceID, req.Symbol,
		types.CallDirection(req.Direction), req.AnalysisContext, req.Scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

func (s *Server) handleQueryFileSymbols(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ws, err := s.workspace(req.WorkspaceID)
	if err == nil {
		err = requireField("file_key", string(req.FileKey))
	}
	if err != nil {
		writeError(w, err)
		return
	}

	ans, err := ws.Orchestrator.FileSymbols(r.Context(), req.WorkspaceID, req.FileKey, req.AnalysisContext)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

// --- explore endpoints ---

func (s *Server) handleListCandidates(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ws, err := s.workspace(req.WorkspaceID)
	if err == nil {
		err = requireField("symbol", req.Symbol)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	chain, err := ws.Orchestrator.Resolve(r.Context(), req.WorkspaceID, req.AnalysisContext)
	if err != nil {
		writeError(w, err)
		return
	}
	contextIDs := []string{chain.ContextID}
	if chain.IsOverlay() {
		contextIDs = append(contextIDs, chain.BaseContextID)
	}
	cands, err := ws.Recaller.Recall(r.Context(), recallRequest(req, contextIDs))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"candidates": cands})
}

func (s *Server) handleClassifyFreshness(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ws, err := s.workspace(req.WorkspaceID)
	if err != nil {
		writeError(w, err)
		return
	}

	classes, err := ws.Orchestrator.ClassifyFiles(r.Context(), req.WorkspaceID, req.AnalysisContext, req.FileKeys)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"freshness": classes})
}

func (s *Server) handleParseFile(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ws, err := s.workspace(req.WorkspaceID)
	if err == nil {
		err = requireField("file_key", string(req.FileKey))
	}
	if err != nil {
		writeError(w, err)
		return
	}

	tracked, err := ws.Orchestrator.ParseFile(r.Context(), req.WorkspaceID, req.AnalysisContext, req.FileKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tracked_file": tracked})
}

func (s *Server) handleFetchSymbols(w http.ResponseWriter, r *http.Request) {
	s.fetchFacts(w, r, "symbols")
}

func (s *Server) handleFetchReferences(w http.ResponseWriter, r *http.Request) {
	s.fetchFacts(w, r, "references")
}

func (s *Server) handleFetchCallEdges(w http.ResponseWriter, r *http.Request) {
	s.fetchFacts(w, r, "call_edges")
}

func (s *Server) fetchFacts(w http.ResponseWriter, r *http.Request, what string) {
	var req queryRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ws, err := s.workspace(req.WorkspaceID)
	if err != nil {
		writeError(w, err)
		return
	}
	chain, err := ws.Orchestrator.Resolve(r.Context(), req.WorkspaceID, req.AnalysisContext)
	if err != nil {
		writeError(w, err)
		return
	}

	switch what {
	case "symbols":
		var out interface{}
		if req.FileKey != "" {
			out, err = s.svc.Store.GetFileSymbols(chain, req.FileKey)
		} else {
			out, err = s.svc.Store.GetDefinitions(chain, req.Symbol, req.FileKeys)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"symbols": out})
	case "references":
		out, err := s.svc.Store.GetReferences(chain, req.Symbol, req.FileKeys)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"references": out})
	case "call_edges":
		out, err := s.svc.Store.GetCallEdges(chain, req.Symbol, types.CallDirection(req.Direction), req.FileKeys)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"call_edges": out})
	}
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ws, err := s.workspace(req.WorkspaceID)
	if err == nil {
		err = requireField("file_key", string(req.FileKey))
	}
	if err != nil {
		writeError(w, err)
		return
	}

	abs, ok := ws.Manifest.AbsPathForKey(req.FileKey)
	if !ok {
		writeError(w, types.E(types.KindNotFound, "unknown file key %s", req.FileKey))
		return
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		writeError(w, types.WrapE(types.KindNotFound, err, "failed to read %s", req.FileKey))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"file_key": req.FileKey,
		"content":  string(data),
	})
}

func (s *Server) handleRgSearch(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ws, err := s.workspace(req.WorkspaceID)
	if err != nil {
		writeError(w, err)
		return
	}

	keys, err := ws.Recaller.Grep(r.Context(), req.Pattern, req.Repos)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"file_keys": keys})
}

func (s *Server) handleGetCompileCommand(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ws, err := s.workspace(req.WorkspaceID)
	if err == nil {
		err = requireField("file_key", string(req.FileKey))
	}
	if err != nil {
		writeError(w, err)
		return
	}

	args, err := ws.Driver.CompileArgs(req.FileKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"file_key": req.FileKey, "args": args})
}

func (s *Server) handleGetConfidence(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ws, err := s.workspace(req.WorkspaceID)
	if err == nil {
		err = requireField("symbol", req.Symbol)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	conf, err := ws.Orchestrator.Probe(r.Context(), req.WorkspaceID, req.Symbol, req.AnalysisContext, req.Scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"confidence": conf})
}

// --- cache & context management ---

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspaceID string          `json:"workspace_id"`
		ContextID   string          `json:"context_id"`
		FileKeys    []types.FileKey `json:"file_keys"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.workspace(req.WorkspaceID); err != nil {
		writeError(w, err)
		return
	}

	contextID := req.ContextID
	if contextID == "" {
		baseline, err := s.svc.Contexts.EnsureBaseline(r.Context(), req.WorkspaceID)
		if err != nil {
			writeError(w, err)
			return
		}
		contextID = baseline.ContextID
	}

	if _, err := s.svc.Writer.Submit(r.Context(), store.InvalidateFiles{ContextID: contextID, FileKeys: req.FileKeys}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"context_id": contextID, "invalidated": true})
}

func (s *Server) handleCreatePROverlay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspaceID string                   `json:"workspace_id"`
		BaseRef     string                   `json:"base_ref"`
		HeadRef     string                   `json:"head_ref"`
		Changes     []contextmgr.FileChange  `json:"changes"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ws, err := s.workspace(req.WorkspaceID)
	if err != nil {
		writeError(w, err)
		return
	}

	changes := req.Changes
	if len(changes) == 0 {
		if req.BaseRef == "" || req.HeadRef == "" {
			writeError(w, types.E(types.KindValidation, "changes or base_ref/head_ref required"))
			return
		}
		diff := &jobs.GitDiff{Manifest: ws.Manifest, GitPath: s.svc.Cfg.Sync.GitPath, Store: s.svc.Store, Writer: s.svc.Writer}
		changes, err = diff.Diff(r.Context(), req.WorkspaceID, req.BaseRef, req.HeadRef)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	overlay, err := s.svc.Contexts.CreatePROverlay(r.Context(), req.WorkspaceID, changes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, overlay)
}

func (s *Server) handleContextExpire(w http.ResponseWriter, r *http.Request) {
	if err := decode(r, nil); err != nil {
		writeError(w, err)
		return
	}
	contextID := chi.URLParam(r, "id")
	if err := s.svc.Contexts.Expire(r.Context(), contextID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"context_id": contextID, "status": "expired"})
}

// --- workspace lifecycle ---

func (s *Server) handleWorkspaceRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ManifestPath string `json:"manifest_path"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := requireField("manifest_path", req.ManifestPath); err != nil {
		writeError(w, err)
		return
	}

	ws, err := s.svc.Register(r.Context(), req.ManifestPath)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws.Info)
}

func (s *Server) handleWorkspaceGet(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspace(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	contexts, err := s.svc.Store.ActiveContexts(ws.Info.WorkspaceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workspace": ws.Info,
		"repos":     ws.Manifest.RepoIDs(),
		"contexts":  contexts,
	})
}

func (s *Server) handleRefreshManifest(w http.ResponseWriter, r *http.Request) {
	if err := decode(r, nil); err != nil {
		writeError(w, err)
		return
	}
	ws, err := s.svc.RefreshManifest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws.Info)
}

// --- sync ---

type syncRepoRequest struct {
	RepoID    string `json:"repo_id"`
	Ref       string `json:"ref"`
	CommitSHA string `json:"commit_sha"`
}

func (s *Server) handleSyncRepo(w http.ResponseWriter, r *http.Request) {
	var req syncRepoRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	workspaceID := chi.URLParam(r, "id")
	ws, err := s.workspace(workspaceID)
	if err == nil {
		err = requireField("repo_id", req.RepoID)
	}
	if err == nil {
		err = requireField("commit_sha", req.CommitSHA)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	id, err := ws.Engine.Enqueue(r.Context(), jobs.QueueRepoSync, jobs.Spec{
		WorkspaceID: workspaceID,
		RepoID:      req.RepoID,
		Ref:         req.Ref,
		EventType:   jobs.EventManual,
		EventSHA:    req.CommitSHA,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"job_id": id})
}

func (s *Server) handleSyncBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Repos []syncRepoRequest `json:"repos"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	workspaceID := chi.URLParam(r, "id")
	ws, err := s.workspace(workspaceID)
	if err != nil {
		writeError(w, err)
		return
	}

	ids := make([]string, 0, len(req.Repos))
	for _, repo := range req.Repos {
		if repo.RepoID == "" || repo.CommitSHA == "" {
			writeError(w, types.E(types.KindValidation, "each repo needs repo_id and commit_sha"))
			return
		}
		id, err := ws.Engine.Enqueue(r.Context(), jobs.QueueRepoSync, jobs.Spec{
			WorkspaceID: workspaceID,
			RepoID:      repo.RepoID,
			Ref:         repo.Ref,
			EventType:   jobs.EventManual,
			EventSHA:    repo.CommitSHA,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		ids = append(ids, id)
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"job_ids": ids})
}

func (s *Server) handleSyncAllRepos(w http.ResponseWriter, r *http.Request) {
	if err := decode(r, nil); err != nil {
		writeError(w, err)
		return
	}
	workspaceID := chi.URLParam(r, "id")
	ws, err := s.workspace(workspaceID)
	if err != nil {
		writeError(w, err)
		return
	}

	ids := make([]string, 0, len(ws.Manifest.Repos))
	for _, repo := range ws.Manifest.Repos {
		if repo.CommitSHA == "" {
			continue // repos without a pinned sha are skipped
		}
		id, err := ws.Engine.Enqueue(r.Context(), jobs.QueueRepoSync, jobs.Spec{
			WorkspaceID: workspaceID,
			RepoID:      repo.RepoID,
			Ref:         repo.DefaultBranch,
			EventType:   jobs.EventManual,
			EventSHA:    repo.CommitSHA,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		ids = append(ids, id)
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"job_ids": ids})
}

func (s *Server) handleSyncJobGet(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	for _, queue := range []jobs.Queue{jobs.QueueRepoSync, jobs.QueueIndex} {
		job, err := jobs.GetJob(s.svc.Store.DB(), queue, jobID)
		if err != nil {
			writeError(w, err)
			return
		}
		if job != nil {
			writeJSON(w, http.StatusOK, job)
			return
		}
	}
	writeError(w, types.E(types.KindNotFound, "job %s not found", jobID))
}

func (s *Server) handleGitLabWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 8<<20))
	if err != nil {
		writeError(w, types.WrapE(types.KindValidation, err, "failed to read webhook body"))
		return
	}

	// Webhooks carry no workspace id; every registered workspace gets a
	// chance to match the project.
	for _, workspaceID := range s.svc.WorkspaceIDs() {
		ws, err := s.svc.Get(workspaceID)
		if err != nil {
			continue
		}
		event, err := jobs.NormalizeGitLabWebhook(ws.Manifest, body)
		if err != nil {
			if types.KindOf(err) == types.KindNotFound {
				continue
			}
			writeError(w, err)
			return
		}

		id, err := ws.Engine.Enqueue(r.Context(), jobs.QueueRepoSync, jobs.Spec{
			WorkspaceID: workspaceID,
			RepoID:      event.RepoID,
			Ref:         event.Ref,
			EventType:   event.EventType,
			EventSHA:    event.EventSHA,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"job_id": id, "workspace_id": workspaceID})
		return
	}
	writeError(w, types.E(types.KindNotFound, "no registered workspace matches the webhook project"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.svc.Store.ContextCounts()
	if err != nil {
		writeError(w, err)
		return
	}
	usage := datasize.ByteSize(s.svc.Store.DiskUsage())

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":                 "ok",
		"writer_queue_depth":     s.svc.Writer.QueueDepth(),
		"oldest_pending_job_age": jobs.OldestPendingAge(s.svc.Store.DB()).Round(time.Second).String(),
		"context_counts":         counts,
		"overlay_disk_usage":     usage.HumanReadable(),
	})
}
