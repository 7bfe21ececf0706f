package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/oakandowl/gamemaster/internal/httpkit"
)

const defaultGrokBaseURL = "https://api.x.ai/v1"

// GrokClient is a client for the xAI Grok chat completions API. The
// wire format is OpenAI-compatible: function-shaped tools, SSE chunks
// with content and tool_call deltas.
type GrokClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGrokClient creates a new Grok client. baseURL may be empty to use
// the public API endpoint.
func NewGrokClient(apiKey, model, baseURL string, logger *slog.Logger) *GrokClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = defaultGrokBaseURL
	}
	// Responses can take significant time before headers arrive
	// (long prompts, tool-heavy turns). Use a generous response
	// header timeout on a dedicated transport.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &GrokClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", "grok"),
		httpClient: httpkit.NewClient(
			// No global timeout: streaming responses can be long-lived.
			// Rely on ctx deadlines/cancellation for timeout control.
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// Grok request/response types (OpenAI-compatible wire format)

type grokRequest struct {
	Model         string           `json:"model"`
	Messages      []grokMessage    `json:"messages"`
	Tools         []map[string]any `json:"tools,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	StreamOptions *grokStreamOpts  `json:"stream_options,omitempty"`
}

type grokStreamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type grokMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	ToolCalls  []grokToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type grokToolCall struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type grokResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Created int64        `json:"created"`
	Choices []grokChoice `json:"choices"`
	Usage   *grokUsage   `json:"usage"`
}

type grokChoice struct {
	Index        int          `json:"index"`
	Message      *grokMessage `json:"message,omitempty"`
	Delta        *grokDelta   `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

type grokDelta struct {
	Role      string         `json:"role,omitempty"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []grokToolCall `json:"tool_calls,omitempty"`
}

type grokUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatStream sends a chat request, streaming fragments via callback.
// A nil callback falls back to a non-streaming request.
func (c *GrokClient) ChatStream(ctx context.Context, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	req := grokRequest{
		Model:    c.model,
		Messages: convertToGrok(messages),
		Tools:    tools,
		Stream:   stream,
	}
	if stream {
		req.StreamOptions = &grokStreamOpts{IncludeUsage: true}
	}

	c.logger.Debug("preparing request",
		"model", c.model,
		"messages", len(req.Messages),
		"tools", len(tools),
		"stream", stream,
	)

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("grok API error %d: %s", resp.StatusCode, errBody)
	}

	if !stream {
		return c.handleNonStreaming(ctx, resp.Body)
	}
	return c.handleStreaming(ctx, resp.Body, callback)
}

// Ping checks that the Grok API is reachable and the key is valid.
func (c *GrokClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid API key")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status from Grok API: %d", resp.StatusCode)
	}
	return nil
}

func (c *GrokClient) handleNonStreaming(ctx context.Context, body io.Reader) (*ChatResponse, error) {
	var resp grokResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return nil, fmt.Errorf("empty response from Grok")
	}

	result := &ChatResponse{
		Model:     resp.Model,
		CreatedAt: time.Unix(resp.Created, 0),
		Message:   convertFromGrok(resp.Choices[0].Message),
		Done:      true,
	}
	if resp.Usage != nil {
		result.InputTokens = resp.Usage.PromptTokens
		result.OutputTokens = resp.Usage.CompletionTokens
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)

	return result, nil
}

// toolCallAccumulator assembles one tool call from streamed deltas.
// The function name and ID arrive on the first delta for an index;
// arguments accumulate as partial JSON across subsequent deltas.
type toolCallAccumulator struct {
	id      string
	name    string
	argsBuf strings.Builder
}

func (a *toolCallAccumulator) finish() ToolCall {
	var args map[string]any
	if a.argsBuf.Len() > 0 {
		if err := json.Unmarshal([]byte(a.argsBuf.String()), &args); err != nil {
			args = map[string]any{"_raw": a.argsBuf.String()}
		}
	}
	return NewToolCall(a.id, a.name, args)
}

func (c *GrokClient) handleStreaming(ctx context.Context, body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	// Increase scanner buffer for large responses
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		contentBuilder strings.Builder
		pending        = map[int]*toolCallAccumulator{}
		usage          grokUsage
		model          string
	)

	for scanner.Scan() {
		line := scanner.Text()

		// SSE format: "data: <json>" lines, terminated by "data: [DONE]"
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "[DONE]" {
			break
		}

		var chunk grokResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // Skip malformed events
		}

		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			contentBuilder.WriteString(delta.Content)
			callback(StreamEvent{Kind: KindToken, Token: delta.Content})
		}

		for _, tc := range delta.ToolCalls {
			acc, ok := pending[tc.Index]
			if !ok {
				acc = &toolCallAccumulator{}
				pending[tc.Index] = acc
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			acc.argsBuf.WriteString(tc.Function.Arguments)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	// Flush accumulated tool calls in index order and report each to
	// the callback as a complete fragment.
	indexes := make([]int, 0, len(pending))
	for i := range pending {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var toolCalls []ToolCall
	for _, i := range indexes {
		tc := pending[i].finish()
		if tc.ID == "" {
			tc.ID = fmt.Sprintf("call_%s_%d", tc.Function.Name, i)
		}
		toolCalls = append(toolCalls, tc)
		callback(StreamEvent{Kind: KindToolCall, ToolCall: &tc})
	}

	resp := &ChatResponse{
		Model: model,
		Message: Message{
			Role:      "assistant",
			Content:   contentBuilder.String(),
			ToolCalls: toolCalls,
		},
		Done:         true,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
	}

	c.logger.Debug("stream complete",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"content_len", len(resp.Message.Content),
		"tool_calls", len(resp.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "stream final content", "content", resp.Message.Content)

	return resp, nil
}

// convertToGrok converts internal messages to the OpenAI-compatible
// wire shape. Tool-call arguments are maps internally but JSON strings
// on the wire; assistant messages carrying only tool calls have a null
// content field.
func convertToGrok(messages []Message) []grokMessage {
	result := make([]grokMessage, 0, len(messages))
	for _, msg := range messages {
		gm := grokMessage{Role: msg.Role}

		if msg.Content != "" || len(msg.ToolCalls) == 0 {
			content := msg.Content
			gm.Content = &content
		}

		for i, tc := range msg.ToolCalls {
			args := "{}"
			if tc.Function.Arguments != nil {
				if b, err := json.Marshal(tc.Function.Arguments); err == nil {
					args = string(b)
				}
			}
			id := tc.ID
			if id == "" {
				id = fmt.Sprintf("call_%s_%d", tc.Function.Name, i)
			}
			var g grokToolCall
			g.ID = id
			g.Type = "function"
			g.Function.Name = tc.Function.Name
			g.Function.Arguments = args
			gm.ToolCalls = append(gm.ToolCalls, g)
		}

		if msg.Role == "tool" {
			gm.ToolCallID = msg.ToolCallID
		}

		result = append(result, gm)
	}
	return result
}

// convertFromGrok converts a wire message back to the internal format.
func convertFromGrok(gm *grokMessage) Message {
	msg := Message{Role: gm.Role}
	if gm.Content != nil {
		msg.Content = *gm.Content
	}
	for i, tc := range gm.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]any{"_raw": tc.Function.Arguments}
			}
		}
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%s_%d", tc.Function.Name, i)
		}
		msg.ToolCalls = append(msg.ToolCalls, NewToolCall(id, tc.Function.Name, args))
	}
	return msg
}
