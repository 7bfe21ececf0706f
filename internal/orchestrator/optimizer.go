package orchestrator

import (
	"encoding/json"
	"fmt"
)

// auditFields are bookkeeping keys stripped from tool payloads before
// they re-enter the model-facing conversation. The client's tool_result
// envelope still carries them; only the model's copy is trimmed to
// bound token usage.
var auditFields = map[string]struct{}{
	"id":           {},
	"character_id": {},
	"created_at":   {},
	"updated_at":   {},
}

// Optimize returns a copy of a tool's success payload with audit fields
// and null values removed at every depth. A payload that cannot survive
// the transformation (not JSON-encodable) is an error; callers treat
// that the same as a tool-execution failure rather than risking stale
// state in the conversation.
func Optimize(payload map[string]any) (map[string]any, error) {
	pruned, ok := pruneValue(payload).(map[string]any)
	if !ok {
		pruned = map[string]any{}
	}
	if _, err := json.Marshal(pruned); err != nil {
		return nil, fmt.Errorf("optimize payload: %w", err)
	}
	return pruned, nil
}

// pruneValue recursively strips audit keys and nulls. Scalars pass
// through unchanged.
func pruneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if _, audit := auditFields[k]; audit {
				continue
			}
			if inner == nil {
				continue
			}
			out[k] = pruneValue(inner)
		}
		return out
	case []any:
		out := make([]any, 0, len(val))
		for _, inner := range val {
			if inner == nil {
				continue
			}
			out = append(out, pruneValue(inner))
		}
		return out
	default:
		return v
	}
}
