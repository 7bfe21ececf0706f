// Package orchestrator implements the per-turn state machine: it takes
// one user message, drives one or more completion rounds with tool
// execution between them, streams narrative fragments to the client as
// they arrive, and terminates the turn by appending the final assistant
// message to session history.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oakandowl/gamemaster/internal/llm"
	"github.com/oakandowl/gamemaster/internal/protocol"
	"github.com/oakandowl/gamemaster/internal/session"
	"github.com/oakandowl/gamemaster/internal/telemetry"
)

// ToolExecutor performs data operations on behalf of the model. A
// per-call failure must be caught by the orchestrator, never propagated
// to the turn.
type ToolExecutor interface {
	// Execute runs a tool by name. The returned payload is structured
	// so it can be both displayed raw and optimized for the model.
	Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error)
	// Catalog returns the tool definitions offered to the model.
	Catalog() []map[string]any
}

// PromptBuilder produces the system preamble for a session snapshot.
type PromptBuilder func(snap *session.Snapshot) string

// Options configures an Orchestrator.
type Options struct {
	// MaxRounds bounds completion rounds per turn. The tool catalog is
	// offered only while round < MaxRounds, so the final round always
	// produces plain narrative. Values below 1 are treated as 2.
	MaxRounds int
	// ToolTimeout bounds a single tool execution. Zero means 30s.
	ToolTimeout time.Duration
}

// Orchestrator drives turns. One instance serves all sessions; per-turn
// state lives on the stack.
type Orchestrator struct {
	store       *session.Store
	client      llm.Client
	exec        ToolExecutor
	emitter     *telemetry.Emitter
	prompt      PromptBuilder
	maxRounds   int
	toolTimeout time.Duration
	logger      *slog.Logger
}

// New creates an orchestrator.
func New(store *session.Store, client llm.Client, exec ToolExecutor, emitter *telemetry.Emitter, prompt PromptBuilder, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	maxRounds := opts.MaxRounds
	if maxRounds < 1 {
		maxRounds = 2
	}
	toolTimeout := opts.ToolTimeout
	if toolTimeout <= 0 {
		toolTimeout = 30 * time.Second
	}
	return &Orchestrator{
		store:       store,
		client:      client,
		exec:        exec,
		emitter:     emitter,
		prompt:      prompt,
		maxRounds:   maxRounds,
		toolTimeout: toolTimeout,
		logger:      logger,
	}
}

// Turn processes one user message for the session. It blocks until the
// turn reaches a terminal state; the caller guarantees no other turn
// runs concurrently for the same session.
//
// A first-round completion failure aborts the turn with no assistant
// message appended (the one documented exception to history pairing);
// a later-round failure still terminates the turn with the previous
// round's narrative preserved. Tool failures never abort the turn.
func (o *Orchestrator) Turn(ctx context.Context, sessionID, text string, conn protocol.Sender) error {
	start := time.Now()

	if err := o.store.AppendMessage(sessionID, session.Message{Role: "user", Content: text}); err != nil {
		return fmt.Errorf("append user message: %w", err)
	}
	// Length only, never raw content, to bound telemetry payload size.
	o.emitter.Emit(conn, sessionID, telemetry.EventMessageReceived, map[string]any{
		"length": len(text),
	})

	var finalContent string
	rounds := 0

	for round := 1; round <= o.maxRounds; round++ {
		rounds = round

		snap, err := o.store.Snapshot(sessionID)
		if err != nil {
			return fmt.Errorf("snapshot session: %w", err)
		}
		messages := o.buildMessages(snap)

		var catalog []map[string]any
		if round < o.maxRounds {
			catalog = o.exec.Catalog()
		}

		event := telemetry.EventAPICallStart
		if round > 1 {
			event = telemetry.EventFollowupStart
		}
		o.emitter.Emit(conn, sessionID, event, map[string]any{
			"messages": len(messages),
			"round":    round,
		})

		resp, err := o.streamRound(ctx, sessionID, round, messages, catalog, conn)
		if err != nil {
			o.emitter.Emit(conn, sessionID, telemetry.EventAPIError, map[string]any{
				"round": round,
				"error": err.Error(),
			})
			if sendErr := conn.Send(protocol.Error("The storyteller is unreachable right now. Please try again.")); sendErr != nil {
				o.logger.Debug("error envelope send failed", "session", sessionID, "error", sendErr)
			}
			if round == 1 {
				// Total upstream unavailability: abort without an
				// assistant message, leaving the session ready for
				// the next user message.
				return fmt.Errorf("completion round %d: %w", round, err)
			}
			// Previous round's narrative and tool results stay
			// visible; terminate the turn normally.
			break
		}

		content := resp.Message.Content
		calls := resp.Message.ToolCalls
		if len(calls) > 0 && catalog == nil {
			// The final round never offers the catalog; a provider
			// that volunteers calls anyway gets ignored.
			o.logger.Warn("model requested tools without a catalog",
				"session", sessionID,
				"round", round,
				"count", len(calls),
			)
			calls = nil
		}
		finalContent = content

		if len(calls) == 0 {
			break
		}

		names := make([]string, 0, len(calls))
		for _, call := range calls {
			names = append(names, call.Function.Name)
		}
		o.emitter.Emit(conn, sessionID, telemetry.EventToolRequest, map[string]any{
			"count": len(calls),
			"tools": names,
		})

		outcomes := o.executeCalls(ctx, sessionID, calls, conn)

		// Record the round in history: the assistant message carrying
		// the calls, then one tool message per result in call order.
		if err := o.store.AppendMessage(sessionID, session.Message{
			Role:      "assistant",
			Content:   content,
			ToolCalls: calls,
		}); err != nil {
			return fmt.Errorf("append assistant message: %w", err)
		}
		for _, out := range outcomes {
			if err := o.store.AppendMessage(sessionID, session.Message{
				Role:       "tool",
				Content:    out.content,
				ToolCallID: out.callID,
				ToolName:   out.name,
			}); err != nil {
				return fmt.Errorf("append tool message: %w", err)
			}
		}
	}

	if err := o.store.AppendMessage(sessionID, session.Message{
		Role:    "assistant",
		Content: finalContent,
	}); err != nil {
		return fmt.Errorf("append final message: %w", err)
	}

	o.emitter.Emit(conn, sessionID, telemetry.EventRequestComplete, map[string]any{
		"duration_ms": time.Since(start).Milliseconds(),
		"rounds":      rounds,
	})
	if err := conn.Send(protocol.Complete("Turn complete")); err != nil {
		o.logger.Debug("complete envelope send failed", "session", sessionID, "error", err)
	}
	return nil
}

// streamRound runs one completion round, forwarding each text fragment
// to the connection as it arrives. Tool-call fragments are accumulated
// by the client and returned on the final response.
func (o *Orchestrator) streamRound(ctx context.Context, sessionID string, round int, messages []llm.Message, catalog []map[string]any, conn protocol.Sender) (*llm.ChatResponse, error) {
	streamed := false
	callback := func(ev llm.StreamEvent) {
		if ev.Kind != llm.KindToken {
			return
		}
		if !streamed {
			streamed = true
			o.emitter.Emit(conn, sessionID, telemetry.EventStreamingStart, map[string]any{
				"round": round,
			})
		}
		if err := conn.Send(protocol.Narrative(ev.Token)); err != nil {
			// A dropped connection must not abort the round; the
			// result is discarded on the failed writes.
			o.logger.Debug("narrative send failed", "session", sessionID, "error", err)
		}
	}
	return o.client.ChatStream(ctx, messages, catalog, callback)
}

// toolOutcome pairs a tool call with the content recorded in history.
type toolOutcome struct {
	callID  string
	name    string
	content string
}

// executeCalls runs the round's tool calls sequentially in request
// order. Each call's failure is isolated: it is reported to the model
// and the client, and the remaining calls still run.
func (o *Orchestrator) executeCalls(ctx context.Context, sessionID string, calls []llm.ToolCall, conn protocol.Sender) []toolOutcome {
	outcomes := make([]toolOutcome, 0, len(calls))

	for _, call := range calls {
		name := call.Function.Name
		args := call.Function.Arguments

		// Announce the call before the result is known so the client
		// can display it immediately.
		if err := conn.Send(protocol.ToolCall(name, args)); err != nil {
			o.logger.Debug("tool_call send failed", "session", sessionID, "tool", name, "error", err)
		}
		o.emitter.Emit(conn, sessionID, telemetry.EventToolStart, map[string]any{
			"tool":      name,
			"arguments": args,
		})

		callStart := time.Now()
		toolCtx, cancel := context.WithTimeout(ctx, o.toolTimeout)
		payload, err := o.exec.Execute(toolCtx, name, args)
		cancel()

		var optimized map[string]any
		if err == nil {
			// Optimizer failure is treated as tool-execution failure
			// rather than risking a stale payload in the history.
			optimized, err = Optimize(payload)
		}
		durationMs := time.Since(callStart).Milliseconds()

		if err != nil {
			o.logger.Warn("tool execution failed",
				"session", sessionID,
				"tool", name,
				"duration_ms", durationMs,
				"error", err,
			)
			o.emitter.Emit(conn, sessionID, telemetry.EventToolComplete, map[string]any{
				"tool":        name,
				"duration_ms": durationMs,
				"success":     false,
			})
			if sendErr := conn.Send(protocol.ToolResult(name, map[string]any{
				"success":     false,
				"error":       err.Error(),
				"duration_ms": durationMs,
			})); sendErr != nil {
				o.logger.Debug("tool_result send failed", "session", sessionID, "tool", name, "error", sendErr)
			}
			outcomes = append(outcomes, toolOutcome{
				callID:  call.ID,
				name:    name,
				content: mustJSON(map[string]any{"error": err.Error()}),
			})
			continue
		}

		rawJSON := mustJSON(payload)
		optimizedJSON := mustJSON(optimized)
		ratio := 1.0
		if len(rawJSON) > 0 {
			ratio = float64(len(optimizedJSON)) / float64(len(rawJSON))
		}

		o.emitter.Emit(conn, sessionID, telemetry.EventToolComplete, map[string]any{
			"tool":        name,
			"duration_ms": durationMs,
			"success":     true,
			"size_ratio":  ratio,
		})
		// The client sees the unredacted payload; only the model's
		// copy is optimized.
		if sendErr := conn.Send(protocol.ToolResult(name, map[string]any{
			"success":     true,
			"data":        payload,
			"duration_ms": durationMs,
		})); sendErr != nil {
			o.logger.Debug("tool_result send failed", "session", sessionID, "tool", name, "error", sendErr)
		}

		outcomes = append(outcomes, toolOutcome{
			callID:  call.ID,
			name:    name,
			content: optimizedJSON,
		})
	}

	return outcomes
}

// buildMessages assembles the request list: the system preamble
// followed by the session history in conversational order.
func (o *Orchestrator) buildMessages(snap *session.Snapshot) []llm.Message {
	messages := make([]llm.Message, 0, len(snap.History)+1)
	messages = append(messages, llm.Message{
		Role:    "system",
		Content: o.prompt(snap),
	})
	for _, m := range snap.History {
		messages = append(messages, llm.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
			ToolName:   m.ToolName,
		})
	}
	return messages
}

// mustJSON marshals for history/telemetry use. Payloads have already
// been validated JSON-encodable by the optimizer; a failure here means
// a programming error, so degrade to an error object instead of
// panicking mid-turn.
func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"error":"encode payload: %s"}`, err)
	}
	return string(b)
}
