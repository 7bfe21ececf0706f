// Package protocol defines the JSON envelopes exchanged over a session
// connection. Every envelope carries a "type" discriminator; unknown
// inbound types are ignored for forward compatibility.
package protocol

import "time"

// Inbound envelope types.
const (
	TypeChat            = "chat"
	TypeAddCharacter    = "add_character"
	TypeRemoveCharacter = "remove_character"
	TypeGetSessionInfo  = "get_session_info"
)

// Outbound envelope types.
const (
	TypeSystem      = "system"
	TypeTelemetry   = "telemetry"
	TypeNarrative   = "narrative"
	TypeToolCall    = "tool_call"
	TypeToolResult  = "tool_result"
	TypeError       = "error"
	TypeComplete    = "complete"
	TypeSessionInfo = "session_info"
)

// Inbound is a client-to-server envelope. Only the fields matching the
// Type are populated.
type Inbound struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`   // chat
	Character string `json:"character,omitempty"` // add_character, remove_character
}

// Envelope is a server-to-client message. Constructors below populate
// exactly the fields each type requires; omitempty keeps the wire
// format minimal.
type Envelope struct {
	Type         string         `json:"type"`
	Content      string         `json:"content,omitempty"`
	Event        string         `json:"event,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Timestamp    string         `json:"timestamp,omitempty"`
	Tool         string         `json:"tool,omitempty"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	Characters   []string       `json:"characters,omitempty"`
	MessageCount int            `json:"message_count,omitempty"`
}

// Sender delivers envelopes to one client connection. Implementations
// must be safe for use from multiple goroutines.
type Sender interface {
	Send(env Envelope) error
}

// System builds a system notice envelope.
func System(content string) Envelope {
	return Envelope{Type: TypeSystem, Content: content}
}

// Telemetry builds a telemetry envelope with the current timestamp.
func Telemetry(event string, data map[string]any) Envelope {
	return Envelope{
		Type:      TypeTelemetry,
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Narrative builds one streamed narrative fragment.
func Narrative(content string) Envelope {
	return Envelope{Type: TypeNarrative, Content: content}
}

// ToolCall announces a tool invocation before its result is known.
func ToolCall(tool string, arguments map[string]any) Envelope {
	return Envelope{Type: TypeToolCall, Tool: tool, Arguments: arguments}
}

// ToolResult reports a tool's outcome for client display. The result
// carries the unredacted payload on success or an error descriptor on
// failure.
func ToolResult(tool string, result map[string]any) Envelope {
	return Envelope{Type: TypeToolResult, Tool: tool, Result: result}
}

// Error builds a user-visible error envelope.
func Error(content string) Envelope {
	return Envelope{Type: TypeError, Content: content}
}

// Complete signals the end of a turn.
func Complete(content string) Envelope {
	return Envelope{Type: TypeComplete, Content: content}
}

// SessionInfo builds a session snapshot envelope. An empty roster is
// omitted from the wire form; clients treat absence as empty.
func SessionInfo(sessionID string, characters []string, messageCount int) Envelope {
	return Envelope{
		Type:         TypeSessionInfo,
		SessionID:    sessionID,
		Characters:   characters,
		MessageCount: messageCount,
	}
}
