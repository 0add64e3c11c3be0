package llm

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func evalTool() Tool {
	return Tool{
		Type: "function",
		Function: ToolFunction{
			Name:       "eval_clojure",
			Parameters: map[string]any{"type": "object"},
		},
	}
}

func newTestClient(url string) *OpenAIClient {
	return NewOpenAIClient(OpenAIConfig{
		BaseURL: url,
		APIKey:  "sk-test",
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestOpenAIClient_Chat(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		io.WriteString(w, `{
			"model": "test-model",
			"choices": [{
				"message": {
					"role": "assistant",
					"content": null,
					"tool_calls": [{"id": "call_1", "type": "function",
						"function": {"name": "eval_clojure", "arguments": "{\"code_string\":\"(+ 1 2)\"}"}}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 7}
		}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL + "/v1/")
	resp, err := c.Chat(t.Context(), &ChatRequest{
		Model:    "test-model",
		Messages: []Message{{Role: RoleUser, Content: "add"}},
		Tools:    []Tool{evalTool()},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if gotBody["tool_choice"] != "auto" {
		t.Errorf("tool_choice = %v, want auto", gotBody["tool_choice"])
	}
	if _, ok := gotBody["temperature"]; ok {
		t.Error("zero temperature should be omitted")
	}
	if !resp.Message.HasToolCalls() {
		t.Fatal("expected tool calls")
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Arguments != `{"code_string":"(+ 1 2)"}` {
		t.Errorf("tool call = %+v", tc)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 7 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOpenAIClient_RecoversTextToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant",
			"content":"<tool_call>{\"name\":\"eval_clojure\",\"arguments\":{\"code_string\":\"(range 3)\"}}</tool_call>"}}]}`)
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL).Chat(t.Context(), &ChatRequest{
		Model: "m",
		Tools: []Tool{evalTool()},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	if resp.Message.Content != "" {
		t.Errorf("content should be cleared, got %q", resp.Message.Content)
	}
	if resp.Message.ToolCalls[0].ID == "" {
		t.Error("recovered call needs a synthetic id")
	}
}

func TestOpenAIClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`, "API error 500"},
		{"no choices", http.StatusOK, `{"choices":[]}`, "no choices"},
		{"bad json", http.StatusOK, `not json`, "decode response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).Chat(t.Context(), &ChatRequest{Model: "m"})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestOpenAIClient_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		io.WriteString(w, `{"data":[]}`)
	}))
	defer srv.Close()

	if err := newTestClient(srv.URL).Ping(t.Context()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestMessage_JSONShape(t *testing.T) {
	msg := Message{Role: RoleTool, Content: `{"status":"success"}`, ToolCallID: "call_1", Name: "eval_clojure"}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"role":"tool","content":"{\"status\":\"success\"}","tool_call_id":"call_1","name":"eval_clojure"}`
	if string(data) != want {
		t.Errorf("json = %s\nwant %s", data, want)
	}
}
