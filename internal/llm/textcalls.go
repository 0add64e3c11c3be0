package llm

import (
	"encoding/json"
	"slices"
	"strings"
)

type textCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Many models output tool calls as JSON in the content rather than using
// the native tool_calls field. This function handles common formats:
//   - Raw JSON object: {"name": "...", "arguments": {...}}
//   - JSON array: [{"name": "...", "arguments": {...}}]
//   - Tagged: <tool_call>...</tool_call>
//
// When validTools is non-empty, calls naming any other tool are dropped.
// Recovered calls get synthetic ids.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	var calls []textCall
	if err := json.Unmarshal([]byte(content), &calls); err != nil || len(calls) == 0 {
		var single textCall
		if err := json.Unmarshal([]byte(content), &single); err != nil {
			return nil
		}
		calls = []textCall{single}
	}

	var result []ToolCall
	for _, c := range calls {
		if c.Name == "" {
			continue
		}
		if len(validTools) > 0 && !slices.Contains(validTools, c.Name) {
			continue
		}
		result = append(result, ToolCall{
			ID:   NewToolCallID(),
			Type: "function",
			Function: FunctionCall{
				Name:      c.Name,
				Arguments: argumentString(c.Arguments),
			},
		})
	}
	return result
}

// argumentString normalises text-form arguments to the JSON string the
// native tool_calls field carries. Models sometimes double-encode the
// object as a string.
func argumentString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "{}"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
