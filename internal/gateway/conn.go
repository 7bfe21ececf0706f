// Package gateway owns the duplex connection endpoint: one websocket
// per session, the envelope decode/dispatch loop, and the registry that
// binds session ids to live connections.
package gateway

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/oakandowl/gamemaster/internal/protocol"
)

// Conn wraps a websocket connection with write serialization. Reads
// stay on the handler goroutine; writes may come from the orchestrator
// and telemetry paths, so they take the mutex.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// NewConn wraps a websocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Send writes one envelope as a JSON message. Implements
// [protocol.Sender].
func (c *Conn) Send(env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(env)
}

// ReadInbound blocks for the next inbound envelope. A JSON decode
// failure or I/O error is returned to the caller, which terminates the
// connection in both cases.
func (c *Conn) ReadInbound() (*protocol.Inbound, error) {
	var in protocol.Inbound
	if err := c.ws.ReadJSON(&in); err != nil {
		return nil, err
	}
	return &in, nil
}

// Close closes the underlying websocket.
func (c *Conn) Close() error {
	return c.ws.Close()
}
