package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/oakandowl/gamemaster/internal/gateway"
	"github.com/oakandowl/gamemaster/internal/session"
)

func newTestServer(t *testing.T) (*Server, *session.Store) {
	t.Helper()
	store := session.NewStore()
	return NewServer("127.0.0.1:0", nil, gateway.NewRegistry(), store, slog.New(slog.DiscardHandler)), store
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not valid JSON: %v\n%s", err, rec.Body.String())
	}
	return body
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))

	if got := decodeBody(t, rec)["status"]; got != "healthy" {
		t.Errorf("status = %v, want healthy", got)
	}
}

func TestHandleVersion(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleVersion(rec, httptest.NewRequest("GET", "/v1/version", nil))

	body := decodeBody(t, rec)
	for _, k := range []string{"version", "go_version", "uptime"} {
		if _, ok := body[k]; !ok {
			t.Errorf("version response missing %q", k)
		}
	}
}

func TestHandleSessionList(t *testing.T) {
	srv, store := newTestServer(t)
	store.GetOrCreate("alpha")
	if _, err := store.AddEntity("alpha", "Nyx"); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendMessage("alpha", session.Message{Role: "user", Content: "hi"}); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	srv.handleSessionList(rec, httptest.NewRequest("GET", "/v1/sessions", nil))

	sessions, ok := decodeBody(t, rec)["sessions"].([]any)
	if !ok || len(sessions) != 1 {
		t.Fatalf("sessions = %v, want 1 entry", sessions)
	}
	entry := sessions[0].(map[string]any)
	if entry["id"] != "alpha" {
		t.Errorf("id = %v, want alpha", entry["id"])
	}
	if entry["message_count"] != float64(1) {
		t.Errorf("message_count = %v, want 1", entry["message_count"])
	}
	if entry["connected"] != false {
		t.Errorf("connected = %v, want false", entry["connected"])
	}
}

func TestHandleSessionGet_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/v1/sessions/missing", nil)
	req.SetPathValue("id", "missing")
	rec := httptest.NewRecorder()
	srv.handleSessionGet(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	errObj, ok := decodeBody(t, rec)["error"].(map[string]any)
	if !ok || errObj["message"] != "session not found" {
		t.Errorf("error body = %v", errObj)
	}
}

func TestHandleSessionExport(t *testing.T) {
	srv, store := newTestServer(t)
	store.GetOrCreate("alpha")
	if err := store.AppendMessage("alpha", session.Message{Role: "assistant", Content: "The door creaks open."}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		format      string
		contentType string
		bodyHas     string
	}{
		{"markdown", "text/markdown; charset=utf-8", "# Session alpha"},
		{"html", "text/html; charset=utf-8", "<!DOCTYPE html>"},
		{"json", "application/json", `"id":"alpha"`},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/sessions/alpha/export?format="+tt.format, nil)
			req.SetPathValue("id", "alpha")
			rec := httptest.NewRecorder()
			srv.handleSessionExport(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			if got := rec.Header().Get("Content-Type"); got != tt.contentType {
				t.Errorf("Content-Type = %q, want %q", got, tt.contentType)
			}
			if !strings.Contains(rec.Body.String(), tt.bodyHas) {
				t.Errorf("body missing %q:\n%s", tt.bodyHas, rec.Body.String())
			}
		})
	}
}

func TestHandleSessionExport_BadFormat(t *testing.T) {
	srv, store := newTestServer(t)
	store.GetOrCreate("alpha")

	req := httptest.NewRequest("GET", "/v1/sessions/alpha/export?format=docx", nil)
	req.SetPathValue("id", "alpha")
	rec := httptest.NewRecorder()
	srv.handleSessionExport(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleStats(t *testing.T) {
	srv, store := newTestServer(t)
	store.GetOrCreate("alpha")
	store.GetOrCreate("beta")

	rec := httptest.NewRecorder()
	srv.handleStats(rec, httptest.NewRequest("GET", "/v1/stats", nil))

	body := decodeBody(t, rec)
	if body["sessions"] != float64(2) {
		t.Errorf("sessions = %v, want 2", body["sessions"])
	}
	if body["connections"] != float64(0) {
		t.Errorf("connections = %v, want 0", body["connections"])
	}
	if _, ok := body["uptime"]; !ok {
		t.Error("stats missing uptime")
	}
}
