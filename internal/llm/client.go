package llm

import "context"

// Client is the interface implemented by completion providers.
type Client interface {
	// ChatStream sends a chat request, streaming fragments via callback
	// as they arrive. The returned ChatResponse carries the fully
	// accumulated assistant message. Tools use the OpenAI function
	// definition shape; pass nil to withhold the catalog.
	ChatStream(ctx context.Context, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping verifies the provider is reachable and credentials are valid.
	Ping(ctx context.Context) error
}
