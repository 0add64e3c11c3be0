package tools

import (
	"encoding/json"
	"fmt"

	"github.com/nugget/bbchat/internal/repl"
)

// payload is the JSON content of success and error tool messages.
// ExecutionTime is in milliseconds.
type payload struct {
	Status           string          `json:"status"`
	Result           string          `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	Message          string          `json:"message,omitempty"`
	ValidationErrors []repl.Finding  `json:"validationErrors,omitempty"`
	Stdout           string          `json:"stdout,omitempty"`
	Stderr           string          `json:"stderr,omitempty"`
	Logs             []repl.LogEntry `json:"logs"`
	ExecutionTime    int64           `json:"executionTime"`
}

// failure is the content when the runtime could not be reached.
type failure struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// Content is the decoded form of a tool message, used by readers that
// did not produce it.
type Content struct {
	Status           string          `json:"status"`
	Result           string          `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	Message          string          `json:"message,omitempty"`
	ValidationErrors []repl.Finding  `json:"validationErrors,omitempty"`
	Stdout           string          `json:"stdout,omitempty"`
	Stderr           string          `json:"stderr,omitempty"`
	Logs             []repl.LogEntry `json:"logs,omitempty"`
	ExecutionTime    int64           `json:"executionTime,omitempty"`
}

// ParseContent decodes tool message content.
func ParseContent(content string) (*Content, error) {
	var c Content
	if err := json.Unmarshal([]byte(content), &c); err != nil {
		return nil, fmt.Errorf("tool content is not JSON: %w", err)
	}
	if c.Status == "" {
		return nil, fmt.Errorf("tool content has no status")
	}
	return &c, nil
}

// ParseStatus returns the status field of tool message content.
func ParseStatus(content string) (string, error) {
	c, err := ParseContent(content)
	if err != nil {
		return "", err
	}
	return c.Status, nil
}
