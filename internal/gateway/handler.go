package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/oakandowl/gamemaster/internal/protocol"
	"github.com/oakandowl/gamemaster/internal/session"
	"github.com/oakandowl/gamemaster/internal/telemetry"
)

// TurnRunner processes one user message for a session. Implemented by
// the orchestrator; narrowed to an interface so handler tests can use
// a fake.
type TurnRunner interface {
	Turn(ctx context.Context, sessionID, text string, conn protocol.Sender) error
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// Handler serves the websocket endpoint for session connections.
type Handler struct {
	store    *session.Store
	registry *Registry
	runner   TurnRunner
	emitter  *telemetry.Emitter
	logger   *slog.Logger
}

// NewHandler creates a connection handler.
func NewHandler(store *session.Store, registry *Registry, runner TurnRunner, emitter *telemetry.Emitter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:    store,
		registry: registry,
		runner:   runner,
		emitter:  emitter,
		logger:   logger,
	}
}

// ServeHTTP upgrades the request and runs the connection's serve loop.
// Mount with a {session} path segment, e.g. "GET /ws/{session}".
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	if sessionID == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "session", sessionID, "error", err)
		return
	}

	conn := NewConn(ws)
	defer conn.Close()

	h.serve(r.Context(), sessionID, conn)
}

// serve binds the connection to its session and processes inbound
// envelopes until the connection drops or violates the protocol. The
// session itself survives the connection.
func (h *Handler) serve(ctx context.Context, sessionID string, conn *Conn) {
	h.store.GetOrCreate(sessionID)
	if prev := h.registry.Attach(sessionID, conn); prev != nil {
		h.logger.Info("superseding existing connection", "session", sessionID)
	}
	defer h.registry.Detach(sessionID, conn)

	h.logger.Info("client connected", "session", sessionID)

	if err := conn.Send(protocol.System(fmt.Sprintf("Connected to session %s", sessionID))); err != nil {
		h.logger.Debug("welcome send failed", "session", sessionID, "error", err)
		return
	}

	for {
		in, err := conn.ReadInbound()
		if err != nil {
			// Malformed JSON is a protocol violation and I/O errors
			// mean the peer is gone; both end the connection, never
			// the session.
			h.logger.Info("client disconnected", "session", sessionID, "reason", err.Error())
			return
		}

		switch in.Type {
		case protocol.TypeChat:
			h.handleChat(ctx, sessionID, in.Message, conn)
		case protocol.TypeAddCharacter:
			h.handleAddCharacter(sessionID, in.Character, conn)
		case protocol.TypeRemoveCharacter:
			h.handleRemoveCharacter(sessionID, in.Character, conn)
		case protocol.TypeGetSessionInfo:
			h.sendSessionInfo(sessionID, conn)
		default:
			// Unknown or missing type: silently ignored for forward
			// compatibility.
			h.logger.Debug("ignoring unknown envelope type", "session", sessionID, "type", in.Type)
		}
	}
}

func (h *Handler) handleChat(ctx context.Context, sessionID, message string, conn *Conn) {
	if strings.TrimSpace(message) == "" {
		return
	}

	// One turn at a time per session. sessionID was created on
	// connect, so a false here means a turn is already streaming
	// (e.g. from a superseded connection still unwinding).
	if !h.store.TryBeginTurn(sessionID) {
		if err := conn.Send(protocol.Error("A turn is already in progress for this session.")); err != nil {
			h.logger.Debug("busy notice send failed", "session", sessionID, "error", err)
		}
		return
	}
	defer h.store.EndTurn(sessionID)

	if err := h.runner.Turn(ctx, sessionID, message, conn); err != nil {
		// The turn already reported itself to the user; the
		// connection stays open and the session stays usable.
		h.logger.Error("turn failed", "session", sessionID, "error", err)
	}
}

func (h *Handler) handleAddCharacter(sessionID, name string, conn *Conn) {
	if strings.TrimSpace(name) == "" {
		return
	}

	added, err := h.store.AddEntity(sessionID, name)
	if err != nil {
		h.logger.Error("add character failed", "session", sessionID, "character", name, "error", err)
		return
	}
	if !added {
		if err := conn.Send(protocol.System(fmt.Sprintf("%s is already in this session", name))); err != nil {
			h.logger.Debug("system send failed", "session", sessionID, "error", err)
		}
		return
	}

	h.emitter.Emit(conn, sessionID, telemetry.EventCharacterAdded, map[string]any{
		"character": name,
	})
	h.sendSessionInfo(sessionID, conn)
}

func (h *Handler) handleRemoveCharacter(sessionID, name string, conn *Conn) {
	if strings.TrimSpace(name) == "" {
		return
	}

	removed, err := h.store.RemoveEntity(sessionID, name)
	if err != nil {
		h.logger.Error("remove character failed", "session", sessionID, "character", name, "error", err)
		return
	}
	if !removed {
		// Removing a non-member is a no-op, not an error.
		return
	}

	h.emitter.Emit(conn, sessionID, telemetry.EventCharacterRemoved, map[string]any{
		"character": name,
	})
	h.sendSessionInfo(sessionID, conn)
}

func (h *Handler) sendSessionInfo(sessionID string, conn *Conn) {
	snap, err := h.store.Snapshot(sessionID)
	if err != nil {
		h.logger.Error("session snapshot failed", "session", sessionID, "error", err)
		return
	}
	if err := conn.Send(protocol.SessionInfo(snap.ID, snap.Entities, len(snap.History))); err != nil {
		h.logger.Debug("session_info send failed", "session", sessionID, "error", err)
	}
}
