package telemetry

import (
	"log/slog"
	"time"

	"github.com/oakandowl/gamemaster/internal/protocol"
)

// Emitter shapes and delivers telemetry events. Delivery to the
// connection is fire-and-forget: a send failure (e.g. the connection
// already closed) is logged and swallowed, never surfaced to the
// caller.
type Emitter struct {
	bus    *Bus
	logger *slog.Logger
}

// NewEmitter creates an emitter. bus may be nil when no out-of-band
// observers are configured.
func NewEmitter(bus *Bus, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{bus: bus, logger: logger}
}

// Emit publishes an event to the bus and, when conn is non-nil, sends
// a telemetry envelope over the connection.
func (e *Emitter) Emit(conn protocol.Sender, sessionID, name string, data map[string]any) {
	e.bus.Publish(Event{
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Name:      name,
		Data:      data,
	})

	if conn == nil {
		return
	}
	if err := conn.Send(protocol.Telemetry(name, data)); err != nil {
		e.logger.Debug("telemetry send failed",
			"session", sessionID,
			"event", name,
			"error", err,
		)
	}
}

// EmitError is a convenience wrapper for the generic error event. kind
// names the error category (completion, tool, protocol).
func (e *Emitter) EmitError(conn protocol.Sender, sessionID, kind string, err error) {
	e.Emit(conn, sessionID, EventError, map[string]any{
		"kind":  kind,
		"error": err.Error(),
	})
}
