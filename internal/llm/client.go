package llm

import "context"

// Client is a chat-completion endpoint. [OpenAIClient] is the only
// production implementation; tests script their own.
type Client interface {
	// Chat performs one non-streaming completion round.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Ping reports whether the endpoint answers at all.
	Ping(ctx context.Context) error
}
