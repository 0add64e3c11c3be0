// Package llm provides the OpenAI-compatible chat completion client and
// the message types shared by the rest of bbchat.
package llm

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message in the OpenAI chat-completions
// shape. An empty Content stands for a null content field.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
	Name       string     `json:"name,omitempty"`         // Tool name on tool responses
}

// HasToolCalls reports whether m is an assistant message requesting tools.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// FunctionCall names the function a tool call invokes. Arguments is the
// raw JSON string exactly as the model produced it.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// NewToolCallID returns a synthetic tool-call id for calls recovered
// from text content, where the provider assigned none.
func NewToolCallID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "call_" + uuid.NewString()
	}
	return "call_" + id.String()
}

// Tool is a function definition advertised to the model.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the schema half of a [Tool].
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatRequest is a provider-neutral chat completion request.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Tools       []Tool
	Temperature float64
	MaxTokens   int
}

// ChatResponse is the unified response from the chat endpoint.
type ChatResponse struct {
	Model        string
	Message      Message
	FinishReason string

	// Token usage
	InputTokens  int
	OutputTokens int

	// Duration is the wall time of the HTTP round trip.
	Duration time.Duration
}
