package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/driftdoc/driftdoc/internal/auth"
	"github.com/driftdoc/driftdoc/internal/engine"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	DB       *pgxpool.Pool
	Engine   *engine.Engine
	Issuer   *auth.Issuer
	AdminKey string
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes a JSON error body with the given status code
func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

// writeEngineError maps engine error kinds to HTTP status codes
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *engine.VersionConflictError
	var denied *engine.PermissionDeniedError
	var malformed *engine.MalformedRequestError

	switch {
	case errors.As(err, &conflict):
		writeError(w, r, http.StatusConflict, conflict.Error())
	case errors.As(err, &denied):
		writeError(w, r, http.StatusForbidden, denied.Error())
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "document not found")
	case errors.As(err, &malformed):
		writeError(w, r, http.StatusBadRequest, malformed.Error())
	default:
		log.Ctx(r.Context()).Error().Err(err).Msg("internal error")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// parseLimit parses a limit query param with default and max
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Routes creates the HTTP router with all document endpoints
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.AllowAll().Handler)

	// Health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	r.Route("/documents", func(r chi.Router) {
		// Fixed routes take priority over the collection wildcards.
		r.Post("/auth/token", s.IssueToken)
		r.Post("/batch", s.CommitBatch)
		r.Get("/sync", s.SyncChanges)
		r.Get("/query", s.QueryDocuments)
		r.Post("/internal/reset", s.ResetSchema)

		r.Post("/{collection}", s.CreateDocument)
		r.Get("/{collection}", s.ListCollection)
		r.Get("/{collection}/{id}", s.GetDocument)
		r.Put("/{collection}/{id}", s.SetDocument)
		r.Patch("/{collection}/{id}", s.UpdateDocument)
		r.Delete("/{collection}/{id}", s.DeleteDocument)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
