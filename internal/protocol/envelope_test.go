package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTelemetry_TimestampSet(t *testing.T) {
	env := Telemetry("message_received", map[string]any{"length": 5})
	if env.Type != TypeTelemetry {
		t.Errorf("Type = %q, want %q", env.Type, TypeTelemetry)
	}
	if _, err := time.Parse(time.RFC3339, env.Timestamp); err != nil {
		t.Errorf("Timestamp %q is not RFC3339: %v", env.Timestamp, err)
	}
}

func TestEnvelope_OmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(Narrative("a dark hall"))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var raw map[string]any
	json.Unmarshal(data, &raw)
	if len(raw) != 2 {
		t.Errorf("wire keys = %v, want only type and content", raw)
	}
	if raw["type"] != TypeNarrative || raw["content"] != "a dark hall" {
		t.Errorf("wire envelope = %v", raw)
	}
}

func TestSessionInfo(t *testing.T) {
	env := SessionInfo("t", []string{"Oakley"}, 3)
	if env.SessionID != "t" || env.MessageCount != 3 {
		t.Errorf("envelope = %+v", env)
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var raw map[string]any
	json.Unmarshal(data, &raw)
	if raw["type"] != TypeSessionInfo {
		t.Errorf("wire type = %v", raw["type"])
	}
	chars, ok := raw["characters"].([]any)
	if !ok || len(chars) != 1 || chars[0] != "Oakley" {
		t.Errorf("wire characters = %v, want [Oakley]", raw["characters"])
	}

	// An empty roster is omitted on the wire; clients treat absence as
	// empty.
	data, _ = json.Marshal(SessionInfo("t", nil, 0))
	raw = map[string]any{}
	json.Unmarshal(data, &raw)
	if _, present := raw["characters"]; present {
		t.Errorf("empty roster serialized as %v, want omitted", raw["characters"])
	}
}
