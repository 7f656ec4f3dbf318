package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/driftdoc/driftdoc/docpath"
	"github.com/driftdoc/driftdoc/internal/db"
	"github.com/driftdoc/driftdoc/internal/engine"
	"github.com/driftdoc/driftdoc/internal/rules"
)

// DefaultWorkspace is used when a request names no workspace.
const DefaultWorkspace = "default"

// writeReq is the shared request body for create/set/update operations
type writeReq struct {
	Data            any    `json:"data"`
	UserID          string `json:"userId"`
	WorkspaceID     string `json:"workspaceId,omitempty"`
	ParentPath      string `json:"parentPath,omitempty"`
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
}

func (req *writeReq) workspace() string {
	if req.WorkspaceID == "" {
		return DefaultWorkspace
	}
	return req.WorkspaceID
}

func (req *writeReq) auth() rules.AuthContext {
	return rules.AuthContext{UserID: req.UserID, WorkspaceID: req.workspace()}
}

// resolvePath builds a full path from optional parent, collection, and
// optional document id.
func resolvePath(parentPath, collection, id string) (docpath.Path, error) {
	if parentPath != "" {
		parent, err := docpath.Parse(parentPath)
		if err != nil {
			return docpath.Path{}, err
		}
		if id == "" {
			return parent.Join(collection)
		}
		return parent.Join(collection, id)
	}
	if id == "" {
		return docpath.Parse(collection)
	}
	return docpath.Parse(collection + "/" + id)
}

func queryWorkspace(r *http.Request) string {
	if ws := r.URL.Query().Get("workspaceId"); ws != "" {
		return ws
	}
	return DefaultWorkspace
}

func queryAuth(r *http.Request) rules.AuthContext {
	return rules.AuthContext{
		UserID:      r.URL.Query().Get("userId"),
		WorkspaceID: queryWorkspace(r),
	}
}

// IssueToken handles POST /documents/auth/token
func (s *Server) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, r, http.StatusBadRequest, "userId is required")
		return
	}

	token, err := s.Issuer.Issue(req.UserID)
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("failed to issue broker token")
		writeError(w, r, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

// CreateDocument handles POST /documents/{collection}
func (s *Server) CreateDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.Ctx(ctx)

	var req writeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.UserID == "" {
		writeError(w, r, http.StatusBadRequest, "userId is required")
		return
	}

	collectionPath, err := resolvePath(req.ParentPath, chi.URLParam(r, "collection"), "")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid path: "+err.Error())
		return
	}

	doc, err := s.Engine.Create(ctx, req.workspace(), collectionPath, req.Data, req.auth())
	if err != nil {
		logger.Warn().Err(err).Str("collection", collectionPath.String()).Msg("create failed")
		writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":      doc.ID,
		"path":    doc.Path,
		"version": doc.Version,
	})
}

// ListCollection handles GET /documents/{collection}
func (s *Server) ListCollection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	collectionPath, err := resolvePath(r.URL.Query().Get("parentPath"), chi.URLParam(r, "collection"), "")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid path: "+err.Error())
		return
	}

	docs, err := s.Engine.List(ctx, queryWorkspace(r), collectionPath, queryAuth(r))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, docs)
}

// GetDocument handles GET /documents/{collection}/{id}
func (s *Server) GetDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	path, err := resolvePath(r.URL.Query().Get("parentPath"), chi.URLParam(r, "collection"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid path: "+err.Error())
		return
	}

	doc, err := s.Engine.Get(ctx, queryWorkspace(r), path, queryAuth(r))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, doc)
}

// SetDocument handles PUT /documents/{collection}/{id}
func (s *Server) SetDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.Ctx(ctx)

	var req writeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON")
		return
	}

	path, err := resolvePath(req.ParentPath, chi.URLParam(r, "collection"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid path: "+err.Error())
		return
	}

	doc, created, err := s.Engine.Set(ctx, req.workspace(), path, req.Data, req.auth(), req.ExpectedVersion)
	if err != nil {
		logger.Warn().Err(err).Str("path", path.String()).Msg("set failed")
		writeEngineError(w, r, err)
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, map[string]any{"success": true, "version": doc.Version})
}

// UpdateDocument handles PATCH /documents/{collection}/{id}
func (s *Server) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.Ctx(ctx)

	var req writeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON")
		return
	}

	path, err := resolvePath(req.ParentPath, chi.URLParam(r, "collection"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid path: "+err.Error())
		return
	}

	doc, err := s.Engine.Update(ctx, req.workspace(), path, req.Data, req.auth(), req.ExpectedVersion)
	if err != nil {
		logger.Warn().Err(err).Str("path", path.String()).Msg("update failed")
		writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "version": doc.Version})
}

// DeleteDocument handles DELETE /documents/{collection}/{id}
func (s *Server) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.Ctx(ctx)

	// The body is optional for deletes.
	var req writeReq
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.UserID == "" {
		req.UserID = r.URL.Query().Get("userId")
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = r.URL.Query().Get("workspaceId")
	}
	if req.ParentPath == "" {
		req.ParentPath = r.URL.Query().Get("parentPath")
	}

	path, err := resolvePath(req.ParentPath, chi.URLParam(r, "collection"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid path: "+err.Error())
		return
	}

	if _, err := s.Engine.Delete(ctx, req.workspace(), path, req.auth(), req.ExpectedVersion); err != nil {
		logger.Warn().Err(err).Str("path", path.String()).Msg("delete failed")
		writeEngineError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CommitBatch handles POST /documents/batch
func (s *Server) CommitBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.Ctx(ctx)

	var req struct {
		Operations  []engine.BatchOp `json:"operations"`
		UserID      string           `json:"userId"`
		WorkspaceID string           `json:"workspaceId,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Operations) == 0 {
		writeError(w, r, http.StatusBadRequest, "operations are required")
		return
	}

	ws := req.WorkspaceID
	if ws == "" {
		ws = DefaultWorkspace
	}

	version, err := s.Engine.Commit(ctx, ws, req.Operations, rules.AuthContext{UserID: req.UserID, WorkspaceID: ws})
	if err != nil {
		logger.Warn().Err(err).Int("ops", len(req.Operations)).Msg("batch commit failed")
		writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "version": version})
}

// SyncChanges handles GET /documents/sync
func (s *Server) SyncChanges(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "invalid since")
			return
		}
		since = n
	}

	changes, err := s.Engine.Changes(ctx, queryWorkspace(r), since, queryAuth(r))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if changes == nil {
		changes = []engine.Event{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"changes":    changes,
		"serverTime": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// QueryDocuments handles GET /documents/query
func (s *Server) QueryDocuments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Queries are scoped to exactly one collection level; there is no
	// workspace-wide form.
	if r.URL.Query().Get("collection") == "" {
		writeError(w, r, http.StatusBadRequest, "collection is required")
		return
	}
	collectionPath, err := resolvePath(r.URL.Query().Get("parentPath"), r.URL.Query().Get("collection"), "")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid path: "+err.Error())
		return
	}

	var filters []engine.Filter
	if raw := r.URL.Query().Get("filters"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &filters); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid filters")
			return
		}
	}

	q := engine.Query{
		CollectionPath: collectionPath.String(),
		Filters:        filters,
		OrderByField:   r.URL.Query().Get("orderByField"),
		OrderDirection: r.URL.Query().Get("orderDirection"),
		Limit:          parseLimit(r.URL.Query().Get("limit"), 0, 1000),
	}

	docs, err := s.Engine.Query(ctx, queryWorkspace(r), q, queryAuth(r))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, docs)
}

// ResetSchema handles POST /documents/internal/reset
func (s *Server) ResetSchema(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.AdminKey == "" || r.Header.Get("X-Admin-Key") != s.AdminKey {
		writeError(w, r, http.StatusForbidden, "admin key required")
		return
	}

	if err := db.Reset(ctx, s.DB); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("schema reset failed")
		writeError(w, r, http.StatusInternalServerError, "reset failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"message": "schema reset"})
}
