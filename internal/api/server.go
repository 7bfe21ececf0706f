// Package api implements the HTTP surface: the websocket session
// endpoint plus read-only REST endpoints for health, inspection, and
// transcript export.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/oakandowl/gamemaster/internal/buildinfo"
	"github.com/oakandowl/gamemaster/internal/gateway"
	"github.com/oakandowl/gamemaster/internal/session"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP server hosting the websocket gateway and the REST
// inspection endpoints.
type Server struct {
	listen   string
	handler  *gateway.Handler
	registry *gateway.Registry
	store    *session.Store
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates the HTTP server. listen is a host:port address.
func NewServer(listen string, handler *gateway.Handler, registry *gateway.Registry, store *session.Store, logger *slog.Logger) *Server {
	return &Server{
		listen:   listen,
		handler:  handler,
		registry: registry,
		store:    store,
		logger:   logger,
	}
}

// Start begins serving HTTP requests. Blocks until the listener fails
// or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	// Websocket gateway
	mux.Handle("GET /ws/{session}", s.handler)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	// Session inspection
	mux.HandleFunc("GET /v1/sessions", s.handleSessionList)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("GET /v1/sessions/{id}/export", s.handleSessionExport)
	mux.HandleFunc("GET /v1/stats", s.handleStats)

	s.server = &http.Server{
		Addr:         s.listen,
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket connections are long-lived
	}

	s.logger.Info("starting server", "listen", s.listen)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Gamemaster",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	ids := s.store.IDs()
	sort.Strings(ids)

	sessions := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		snap, err := s.store.Snapshot(id)
		if err != nil {
			continue
		}
		sessions = append(sessions, map[string]any{
			"id":            snap.ID,
			"characters":    snap.Entities,
			"message_count": len(snap.History),
			"connected":     s.registry.Get(id) != nil,
			"created_at":    snap.CreatedAt.UTC().Format(time.RFC3339),
			"updated_at":    snap.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"sessions": sessions}, s.logger)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.Snapshot(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, snap, s.logger)
}

func (s *Server) handleSessionExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.store.Snapshot(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "markdown"
	}

	switch format {
	case "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "session-"+id+".md"))
		fmt.Fprint(w, TranscriptMarkdown(snap))

	case "html":
		doc, err := TranscriptHTML(snap)
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "export: "+err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, doc)

	case "json":
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "session-"+id+".json"))
		writeJSON(w, snap, s.logger)

	default:
		s.errorResponse(w, http.StatusBadRequest, "unsupported format: "+format+" (use markdown, html, or json)")
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.store.Stats()
	stats["connections"] = s.registry.Count()
	stats["uptime"] = buildinfo.Uptime().Round(time.Second).String()

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, stats, s.logger)
}
