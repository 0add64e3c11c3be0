package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/bbchat/internal/httpkit"
)

// OpenAIClient talks to any OpenAI-compatible /chat/completions endpoint
// (OpenAI, OpenRouter, llama.cpp, vLLM, Ollama's /v1 shim).
type OpenAIClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// OpenAIConfig configures an [OpenAIClient].
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewOpenAIClient creates a client for an OpenAI-compatible endpoint.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute // Large models with tools need time
	}
	return &OpenAIClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpkit.NewClient(httpkit.Config{
			Timeout:     timeout,
			BearerToken: cfg.APIKey,
			Retries:     2,
			Logger:      logger,
		}),
		logger: logger,
	}
}

type wireRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	ToolChoice  string    `json:"tool_choice,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Chat sends a non-streaming chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	wr := wireRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		Tools:     req.Tools,
		MaxTokens: req.MaxTokens,
	}
	if len(req.Tools) > 0 {
		wr.ToolChoice = "auto"
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		wr.Temperature = &temp
	}

	body, err := json.Marshal(wr)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "chat request", "model", req.Model, "body", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, httpkit.ErrorMessage(resp.Body))
	}
	defer httpkit.DrainAndClose(resp.Body, httpkit.ErrorBodyLimit)

	var out wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("response contained no choices")
	}

	choice := out.Choices[0]
	msg := choice.Message
	if msg.Role == "" {
		msg.Role = RoleAssistant
	}
	for i := range msg.ToolCalls {
		if msg.ToolCalls[i].Type == "" {
			msg.ToolCalls[i].Type = "function"
		}
		if msg.ToolCalls[i].ID == "" {
			msg.ToolCalls[i].ID = NewToolCallID()
		}
	}

	// Some models emit tool calls as text rather than using the native
	// tool_calls field.
	if len(msg.ToolCalls) == 0 && len(req.Tools) > 0 {
		if parsed := parseTextToolCalls(msg.Content, toolNames(req.Tools)); len(parsed) > 0 {
			c.logger.Debug("recovered tool calls from text content",
				"count", len(parsed), "model", out.Model)
			msg.ToolCalls = parsed
			msg.Content = ""
		}
	}

	c.logger.Log(ctx, LevelTrace, "chat response",
		"model", out.Model,
		"finish_reason", choice.FinishReason,
		"content", msg.Content,
		"tool_calls", len(msg.ToolCalls))

	return &ChatResponse{
		Model:        out.Model,
		Message:      msg,
		FinishReason: choice.FinishReason,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
		Duration:     time.Since(start),
	}, nil
}

// Ping checks that the endpoint answers the model listing.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d: %s", resp.StatusCode, httpkit.ErrorMessage(resp.Body))
	}
	httpkit.DrainAndClose(resp.Body, httpkit.ErrorBodyLimit)
	return nil
}

func toolNames(tools []Tool) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		if t.Function.Name != "" {
			names = append(names, t.Function.Name)
		}
	}
	return names
}
