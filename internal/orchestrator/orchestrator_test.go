package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oakandowl/gamemaster/internal/llm"
	"github.com/oakandowl/gamemaster/internal/protocol"
	"github.com/oakandowl/gamemaster/internal/session"
	"github.com/oakandowl/gamemaster/internal/telemetry"
)

// scriptedClient returns one pre-built response per round, streaming
// the content through the callback token by token.
type scriptedClient struct {
	responses []*llm.ChatResponse
	errs      []error
	calls     int
	// catalogs records the tools offered on each round.
	catalogs [][]map[string]any
}

func (c *scriptedClient) ChatStream(ctx context.Context, messages []llm.Message, tools []map[string]any, callback llm.StreamCallback) (*llm.ChatResponse, error) {
	i := c.calls
	c.calls++
	c.catalogs = append(c.catalogs, tools)

	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	resp := c.responses[i]
	if callback != nil {
		for _, token := range strings.Split(resp.Message.Content, " ") {
			callback(llm.StreamEvent{Kind: llm.KindToken, Token: token})
		}
	}
	return resp, nil
}

func (c *scriptedClient) Ping(ctx context.Context) error { return nil }

// fakeExecutor resolves tool calls from a fixed table and records
// execution order.
type fakeExecutor struct {
	mu      sync.Mutex
	results map[string]map[string]any
	errs    map[string]error
	order   []string
}

func (f *fakeExecutor) Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.order = append(f.order, name)
	f.mu.Unlock()
	if err, ok := f.errs[name]; ok {
		return nil, err
	}
	if res, ok := f.results[name]; ok {
		return res, nil
	}
	return nil, fmt.Errorf("tool %q is not available", name)
}

func (f *fakeExecutor) Catalog() []map[string]any {
	return []map[string]any{{"type": "function", "function": map[string]any{"name": "get_character"}}}
}

// recordingSender collects envelopes in send order.
type recordingSender struct {
	mu   sync.Mutex
	sent []protocol.Envelope
}

func (r *recordingSender) Send(env protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, env)
	return nil
}

func (r *recordingSender) byType(envType string) []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range r.sent {
		if env.Type == envType {
			out = append(out, env)
		}
	}
	return out
}

func (r *recordingSender) telemetryNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, env := range r.sent {
		if env.Type == protocol.TypeTelemetry {
			names = append(names, env.Event)
		}
	}
	return names
}

func textResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message: llm.Message{Role: "assistant", Content: content},
		Done:    true,
	}
}

func toolResponse(content string, calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message: llm.Message{Role: "assistant", Content: content, ToolCalls: calls},
		Done:    true,
	}
}

func newTestOrchestrator(t *testing.T, client llm.Client, exec ToolExecutor, opts Options) (*Orchestrator, *session.Store) {
	t.Helper()

	store := session.NewStore()
	store.GetOrCreate("t")
	logger := slog.New(slog.DiscardHandler)
	emitter := telemetry.NewEmitter(nil, logger)
	prompt := func(snap *session.Snapshot) string { return "You are the game master's assistant." }
	return New(store, client, exec, emitter, prompt, opts, logger), store
}

func TestTurn_PlainNarrative(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		textResponse("The door creaks open."),
	}}
	o, store := newTestOrchestrator(t, client, &fakeExecutor{}, Options{})
	conn := &recordingSender{}

	if err := o.Turn(context.Background(), "t", "We open the door", conn); err != nil {
		t.Fatalf("Turn() error = %v", err)
	}

	// One round, no tools: user message plus final assistant message.
	snap, _ := store.Snapshot("t")
	if len(snap.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(snap.History))
	}
	if snap.History[0].Role != "user" || snap.History[1].Role != "assistant" {
		t.Errorf("history roles = [%s, %s], want [user, assistant]", snap.History[0].Role, snap.History[1].Role)
	}
	if snap.History[1].Content != "The door creaks open." {
		t.Errorf("assistant content = %q", snap.History[1].Content)
	}

	// Narrative streamed fragment by fragment, then a complete envelope.
	if n := len(conn.byType(protocol.TypeNarrative)); n < 2 {
		t.Errorf("narrative envelopes = %d, want streamed fragments", n)
	}
	if n := len(conn.byType(protocol.TypeComplete)); n != 1 {
		t.Errorf("complete envelopes = %d, want 1", n)
	}

	names := conn.telemetryNames()
	wantOrder := []string{
		telemetry.EventMessageReceived,
		telemetry.EventAPICallStart,
		telemetry.EventStreamingStart,
		telemetry.EventRequestComplete,
	}
	assertSubsequence(t, names, wantOrder)
}

func TestTurn_ToolRoundThenFollowup(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolResponse("", llm.NewToolCall("call_1", "get_character", map[string]any{"name": "Oakley"})),
		textResponse("Oakley has 12 hit points."),
	}}
	exec := &fakeExecutor{results: map[string]map[string]any{
		"get_character": {"name": "Oakley", "hp": 12, "id": "abc", "created_at": "2026-01-01"},
	}}
	o, store := newTestOrchestrator(t, client, exec, Options{MaxRounds: 2})
	conn := &recordingSender{}

	if err := o.Turn(context.Background(), "t", "How is Oakley?", conn); err != nil {
		t.Fatalf("Turn() error = %v", err)
	}

	// user, assistant-with-calls, tool, final assistant.
	snap, _ := store.Snapshot("t")
	if len(snap.History) != 4 {
		t.Fatalf("history length = %d, want 4", len(snap.History))
	}
	wantRoles := []string{"user", "assistant", "tool", "assistant"}
	for i, want := range wantRoles {
		if snap.History[i].Role != want {
			t.Errorf("history[%d].Role = %q, want %q", i, snap.History[i].Role, want)
		}
	}

	// The tool message pairs with its call and carries the optimized
	// payload: audit fields stripped, data kept.
	toolMsg := snap.History[2]
	if toolMsg.ToolCallID != "call_1" {
		t.Errorf("tool message ToolCallID = %q, want call_1", toolMsg.ToolCallID)
	}
	if strings.Contains(toolMsg.Content, "created_at") || strings.Contains(toolMsg.Content, `"id"`) {
		t.Errorf("tool message content retains audit fields: %s", toolMsg.Content)
	}
	if !strings.Contains(toolMsg.Content, `"hp":12`) {
		t.Errorf("tool message content missing data: %s", toolMsg.Content)
	}

	// Catalog offered on round 1, withheld on the final round.
	if client.catalogs[0] == nil {
		t.Error("round 1 offered no catalog")
	}
	if client.catalogs[1] != nil {
		t.Error("final round offered a catalog, want none")
	}

	// The client-facing tool_result carries the unredacted payload.
	results := conn.byType(protocol.TypeToolResult)
	if len(results) != 1 {
		t.Fatalf("tool_result envelopes = %d, want 1", len(results))
	}
	if results[0].Result["success"] != true {
		t.Errorf("tool_result success = %v, want true", results[0].Result["success"])
	}
	data, ok := results[0].Result["data"].(map[string]any)
	if !ok || data["id"] != "abc" {
		t.Errorf("tool_result data = %v, want unredacted payload with id", results[0].Result["data"])
	}

	names := conn.telemetryNames()
	assertSubsequence(t, names, []string{
		telemetry.EventAPICallStart,
		telemetry.EventToolRequest,
		telemetry.EventToolStart,
		telemetry.EventToolComplete,
		telemetry.EventFollowupStart,
		telemetry.EventRequestComplete,
	})
}

func TestTurn_ToolCallsRunInOrder(t *testing.T) {
	calls := []llm.ToolCall{
		llm.NewToolCall("c1", "roll_dice", map[string]any{"notation": "d20"}),
		llm.NewToolCall("c2", "get_character", map[string]any{"name": "Oakley"}),
		llm.NewToolCall("c3", "list_characters", nil),
	}
	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolResponse("", calls...),
		textResponse("All done."),
	}}
	exec := &fakeExecutor{results: map[string]map[string]any{
		"roll_dice":       {"total": 17},
		"get_character":   {"name": "Oakley"},
		"list_characters": {"count": 1},
	}}
	o, store := newTestOrchestrator(t, client, exec, Options{MaxRounds: 2})
	conn := &recordingSender{}

	if err := o.Turn(context.Background(), "t", "do three things", conn); err != nil {
		t.Fatalf("Turn() error = %v", err)
	}

	wantOrder := []string{"roll_dice", "get_character", "list_characters"}
	if len(exec.order) != 3 {
		t.Fatalf("executed %d tools, want 3", len(exec.order))
	}
	for i, want := range wantOrder {
		if exec.order[i] != want {
			t.Errorf("execution[%d] = %q, want %q", i, exec.order[i], want)
		}
	}

	// Tool messages follow the call order, each paired by ID.
	snap, _ := store.Snapshot("t")
	wantIDs := []string{"c1", "c2", "c3"}
	for i, want := range wantIDs {
		msg := snap.History[2+i]
		if msg.Role != "tool" || msg.ToolCallID != want {
			t.Errorf("history[%d] = role %q id %q, want tool %q", 2+i, msg.Role, msg.ToolCallID, want)
		}
	}
}

func TestTurn_ToolFailureIsolated(t *testing.T) {
	calls := []llm.ToolCall{
		llm.NewToolCall("c1", "roll_dice", map[string]any{"notation": "d20"}),
		llm.NewToolCall("c2", "cast_spell", map[string]any{"name": "Oakley", "slot_level": 9}),
		llm.NewToolCall("c3", "list_characters", nil),
	}
	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolResponse("", calls...),
		textResponse("A mixed outcome."),
	}}
	exec := &fakeExecutor{
		results: map[string]map[string]any{
			"roll_dice":       {"total": 4},
			"list_characters": {"count": 1},
		},
		errs: map[string]error{
			"cast_spell": errors.New("Oakley has no level 9 spell slots remaining"),
		},
	}
	o, store := newTestOrchestrator(t, client, exec, Options{MaxRounds: 2})
	conn := &recordingSender{}

	if err := o.Turn(context.Background(), "t", "attack", conn); err != nil {
		t.Fatalf("Turn() error = %v (tool failure must not abort the turn)", err)
	}

	// All three ran despite the middle failure.
	if len(exec.order) != 3 {
		t.Errorf("executed %d tools, want 3", len(exec.order))
	}

	// The failed call's history message carries an error object.
	snap, _ := store.Snapshot("t")
	failed := snap.History[3]
	if failed.ToolCallID != "c2" {
		t.Fatalf("history[3].ToolCallID = %q, want c2", failed.ToolCallID)
	}
	if !strings.Contains(failed.Content, "error") {
		t.Errorf("failed tool content = %q, want error object", failed.Content)
	}

	// Client sees success:false with a populated error for the failure.
	results := conn.byType(protocol.TypeToolResult)
	if len(results) != 3 {
		t.Fatalf("tool_result envelopes = %d, want 3", len(results))
	}
	if results[1].Result["success"] != false {
		t.Errorf("failed tool_result success = %v, want false", results[1].Result["success"])
	}
	if errStr, _ := results[1].Result["error"].(string); errStr == "" {
		t.Error("failed tool_result error is empty")
	}

	// The turn still terminates with final narrative and complete.
	if len(conn.byType(protocol.TypeComplete)) != 1 {
		t.Error("turn did not complete")
	}
}

func TestTurn_FirstRoundFailureAborts(t *testing.T) {
	client := &scriptedClient{
		responses: []*llm.ChatResponse{nil},
		errs:      []error{errors.New("connection refused")},
	}
	o, store := newTestOrchestrator(t, client, &fakeExecutor{}, Options{})
	conn := &recordingSender{}

	err := o.Turn(context.Background(), "t", "hello", conn)
	if err == nil {
		t.Fatal("Turn() error = nil, want failure")
	}

	// No assistant message: the user message stands alone so the next
	// turn retries against clean history.
	snap, _ := store.Snapshot("t")
	if len(snap.History) != 1 || snap.History[0].Role != "user" {
		t.Errorf("history = %d messages, want only the user message", len(snap.History))
	}

	// The client got an error envelope but no complete.
	if len(conn.byType(protocol.TypeError)) != 1 {
		t.Error("no error envelope sent")
	}
	if len(conn.byType(protocol.TypeComplete)) != 0 {
		t.Error("complete envelope sent for an aborted turn")
	}

	names := conn.telemetryNames()
	assertSubsequence(t, names, []string{telemetry.EventAPICallStart, telemetry.EventAPIError})
}

func TestTurn_FollowupFailureKeepsToolResults(t *testing.T) {
	client := &scriptedClient{
		responses: []*llm.ChatResponse{
			toolResponse("Checking the sheet...", llm.NewToolCall("c1", "get_character", map[string]any{"name": "Oakley"})),
			nil,
		},
		errs: []error{nil, errors.New("upstream timeout")},
	}
	exec := &fakeExecutor{results: map[string]map[string]any{
		"get_character": {"name": "Oakley", "hp": 3},
	}}
	o, store := newTestOrchestrator(t, client, exec, Options{MaxRounds: 2})
	conn := &recordingSender{}

	if err := o.Turn(context.Background(), "t", "how bad is it", conn); err != nil {
		t.Fatalf("Turn() error = %v (followup failure must terminate, not abort)", err)
	}

	// Round 1's narrative and tool exchange survive; the final
	// assistant message carries the last streamed content.
	snap, _ := store.Snapshot("t")
	if len(snap.History) != 4 {
		t.Fatalf("history length = %d, want 4", len(snap.History))
	}
	final := snap.History[3]
	if final.Role != "assistant" || final.Content != "Checking the sheet..." {
		t.Errorf("final message = %q, want round 1 narrative preserved", final.Content)
	}

	// Error envelope and complete envelope both sent.
	if len(conn.byType(protocol.TypeError)) != 1 {
		t.Error("no error envelope for the failed followup")
	}
	if len(conn.byType(protocol.TypeComplete)) != 1 {
		t.Error("turn did not terminate with complete")
	}
}

func TestTurn_FinalRoundToolCallsIgnored(t *testing.T) {
	// With MaxRounds 1 the catalog is never offered; volunteered calls
	// must not execute.
	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolResponse("Improvised answer.", llm.NewToolCall("c1", "get_character", map[string]any{"name": "Oakley"})),
	}}
	exec := &fakeExecutor{results: map[string]map[string]any{"get_character": {}}}
	o, store := newTestOrchestrator(t, client, exec, Options{MaxRounds: 1})
	conn := &recordingSender{}

	if err := o.Turn(context.Background(), "t", "hi", conn); err != nil {
		t.Fatalf("Turn() error = %v", err)
	}

	if len(exec.order) != 0 {
		t.Errorf("executed %v, want no tool execution without a catalog", exec.order)
	}
	snap, _ := store.Snapshot("t")
	if len(snap.History) != 2 {
		t.Errorf("history length = %d, want 2 (no tool exchange recorded)", len(snap.History))
	}
}

func TestTurn_SystemPreambleLeadsMessages(t *testing.T) {
	var seen []llm.Message
	client := &capturingClient{response: textResponse("ok"), captured: &seen}
	o, store := newTestOrchestrator(t, client, &fakeExecutor{}, Options{})
	store.AddEntity("t", "Oakley")
	conn := &recordingSender{}

	if err := o.Turn(context.Background(), "t", "hello", conn); err != nil {
		t.Fatalf("Turn() error = %v", err)
	}

	if len(seen) < 2 {
		t.Fatalf("request messages = %d, want system + history", len(seen))
	}
	if seen[0].Role != "system" {
		t.Errorf("messages[0].Role = %q, want system", seen[0].Role)
	}
	if seen[1].Role != "user" || seen[1].Content != "hello" {
		t.Errorf("messages[1] = %+v, want the user message", seen[1])
	}
}

// capturingClient records the message list it was sent.
type capturingClient struct {
	response *llm.ChatResponse
	captured *[]llm.Message
}

func (c *capturingClient) ChatStream(ctx context.Context, messages []llm.Message, tools []map[string]any, callback llm.StreamCallback) (*llm.ChatResponse, error) {
	*c.captured = append([]llm.Message(nil), messages...)
	return c.response, nil
}

func (c *capturingClient) Ping(ctx context.Context) error { return nil }

// assertSubsequence checks that want appears within got in order,
// allowing unrelated events in between.
func assertSubsequence(t *testing.T, got, want []string) {
	t.Helper()

	i := 0
	for _, name := range got {
		if i < len(want) && name == want[i] {
			i++
		}
	}
	if i != len(want) {
		t.Errorf("telemetry order = %v, want subsequence %v (matched %d)", got, want, i)
	}
}

func TestTurn_ToolTimeoutApplied(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolResponse("", llm.NewToolCall("c1", "slow_tool", nil)),
		textResponse("Gave up waiting."),
	}}
	exec := &ctxWatchingExecutor{}
	o, _ := newTestOrchestrator(t, client, exec, Options{MaxRounds: 2, ToolTimeout: 10 * time.Millisecond})
	conn := &recordingSender{}

	if err := o.Turn(context.Background(), "t", "slow", conn); err != nil {
		t.Fatalf("Turn() error = %v", err)
	}
	if !exec.sawDeadline {
		t.Error("tool context had no deadline")
	}
}

// ctxWatchingExecutor reports whether Execute received a deadline.
type ctxWatchingExecutor struct {
	sawDeadline bool
}

func (e *ctxWatchingExecutor) Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	_, e.sawDeadline = ctx.Deadline()
	return map[string]any{"ok": true}, nil
}

func (e *ctxWatchingExecutor) Catalog() []map[string]any {
	return []map[string]any{{"type": "function"}}
}
