// Package server exposes the query/command surface over HTTP with JSON
// bodies. Error kinds map onto status codes; legacy single-repo fields are
// rejected up front with 422.
package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"cppdex/internal/logging"
	"cppdex/internal/service"
	"cppdex/internal/types"
)

// legacyFields are single-repo request fields from the pre-workspace API;
// their presence is always a validation error.
var legacyFields = []string{"repo_root", "file_path", "file_paths"}

// Server wires the HTTP routes onto the service.
type Server struct {
	svc *service.Service
}

// New creates the server.
func New(svc *service.Service) *Server {
	return &Server{svc: svc}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/query/references", s.handleQueryReferences)
	r.Post("/query/definition", s.handleQueryDefinition)
	r.Post("/query/call-graph", s.handleQueryCallGraph)
	r.Post("/query/file-symbols", s.handleQueryFileSymbols)

	r.Post("/explore/list-candidates", s.handleListCandidates)
	r.Post("/explore/classify-freshness", s.handleClassifyFreshness)
	r.Post("/explore/parse-file", s.handleParseFile)
	r.Post("/explore/fetch-symbols", s.handleFetchSymbols)
	r.Post("/explore/fetch-references", s.handleFetchReferences)
	r.Post("/explore/fetch-call-edges", s.handleFetchCallEdges)
	r.Post("/explore/read-file", s.handleReadFile)
	r.Post("/explore/rg-search", s.handleRgSearch)
	r.Post("/explore/get-compile-command", s.handleGetCompileCommand)
	r.Post("/explore/get-confidence", s.handleGetConfidence)

	r.Post("/cache/invalidate", s.handleCacheInvalidate)

	r.Post("/workspace/register", s.handleWorkspaceRegister)
	r.Get("/workspace/{id}", s.handleWorkspaceGet)
	r.Post("/workspace/{id}/refresh-manifest", s.handleRefreshManifest)
	r.Post("/workspace/{id}/sync-repo", s.handleSyncRepo)
	r.Post("/workspace/{id}/sync-batch", s.handleSyncBatch)
	r.Post("/workspace/{id}/sync-all-repos", s.handleSyncAllRepos)

	r.Post("/context/create-pr-overlay", s.handleCreatePROverlay)
	r.Post("/context/{id}/expire", s.handleContextExpire)

	r.Get("/sync-jobs/{id}", s.handleSyncJobGet)
	r.Post("/webhooks/gitlab", s.handleGitLabWebhook)
	r.Get("/health", s.handleHealth)

	return r
}

// decode parses a JSON body into v, rejecting legacy fields first.
func decode(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, 8<<20))
	if err != nil {
		return types.WrapE(types.KindValidation, err, "failed to read body")
	}

	var probe map[string]json.RawMessage
	if len(body) > 0 {
		if err := json.Unmarshal(body, &probe); err != nil {
			return types.WrapE(types.KindValidation, err, "invalid JSON body")
		}
	}
	for _, field := range legacyFields {
		if _, ok := probe[field]; ok {
			return types.E(types.KindValidation,
				"legacy field %q is not supported; use workspace_id and file_key", field)
		}
	}
	if v == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return types.WrapE(types.KindValidation, err, "invalid request body")
	}
	return nil
}

// statusFor maps error kinds onto HTTP statuses.
func statusFor(kind types.Kind) int {
	switch kind {
	case types.KindValidation:
		return http.StatusUnprocessableEntity
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindManifest, types.KindMissingFlags, types.KindOverlayCapExceeded:
		return http.StatusConflict
	case types.KindBudgetExceeded:
		return http.StatusOK // partial results, not an error status
	case types.KindStoreCorrupt, types.KindInternal, types.KindWriteContention:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

type errorBody struct {
	Error struct {
		Kind    types.Kind `json:"kind"`
		Message string     `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	body := errorBody{}
	body.Error.Kind = kind
	body.Error.Message = err.Error()

	status := statusFor(kind)
	if status >= 500 {
		logging.Get(logging.CategoryServer).Error("request failed: %v", err)
	} else {
		logging.Get(logging.CategoryServer).Debug("request rejected: %v", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Get(logging.CategoryServer).Warn("response encode failed: %v", err)
	}
}

func requireField(name, value string) error {
	if value == "" {
		return types.E(types.KindValidation, "%s is required", name)
	}
	return nil
}

func (s *Server) workspace(workspaceID string) (*service.Workspace, error) {
	if err := requireField("workspace_id", workspaceID); err != nil {
		return nil, err
	}
	return s.svc.Get(workspaceID)
}
