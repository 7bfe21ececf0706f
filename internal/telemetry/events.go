// Package telemetry provides best-effort observability events. Events
// are mirrored to the session connection as telemetry envelopes and to
// an in-process bus for out-of-band observers (MQTT bridge, tests).
// Emission failure is never a turn failure.
package telemetry

import "time"

// Lifecycle event names.
const (
	// EventMessageReceived fires when a chat message enters a turn.
	// Data: length (never raw content, to bound payload size).
	EventMessageReceived = "message_received"
	// EventRequestComplete fires when a turn terminates.
	// Data: duration_ms, rounds.
	EventRequestComplete = "request_complete"
)

// Completion-service event names.
const (
	// EventAPICallStart fires before a completion round is dispatched.
	// Data: messages, round.
	EventAPICallStart = "grok_api_call_start"
	// EventStreamingStart fires on the first streamed fragment of a round.
	EventStreamingStart = "grok_streaming_start"
	// EventAPIError fires when a completion round fails.
	// Data: round, error.
	EventAPIError = "grok_api_error"
	// EventFollowupStart fires before a tool-informed follow-up round.
	// Data: messages, round.
	EventFollowupStart = "grok_followup_start"
	// EventToolRequest fires when a round requests tool calls.
	// Data: count, tools.
	EventToolRequest = "grok_tool_request"
)

// Tool event names. Emitted with the tool name in the data payload.
const (
	// EventToolStart fires before a tool executes. Data: tool, arguments.
	EventToolStart = "start"
	// EventToolComplete fires after a tool executes.
	// Data: tool, duration_ms, success.
	EventToolComplete = "complete"
)

// UI event names.
const (
	// EventCharacterAdded fires when a character joins the session.
	EventCharacterAdded = "character_added"
	// EventCharacterRemoved fires when a character leaves the session.
	EventCharacterRemoved = "character_removed"
)

// EventError is the generic error wrapper. Data: error, kind.
const EventError = "error"

// Event is one telemetry event as seen by bus subscribers.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// SessionID identifies the session the event belongs to.
	SessionID string `json:"session_id"`
	// Name is the event name (one of the constants above).
	Name string `json:"name"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}
