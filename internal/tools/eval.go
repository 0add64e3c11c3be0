// Package tools defines the single tool exposed to the model,
// eval_clojure, and turns each call into a protocol-correct tool
// message.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/bbchat/internal/llm"
	"github.com/nugget/bbchat/internal/prompts"
	"github.com/nugget/bbchat/internal/repl"
)

// EvalToolName is the only tool the model may call.
const EvalToolName = "eval_clojure"

// Tool result statuses.
const (
	StatusSuccess         = "success"
	StatusError           = "error"
	StatusExecutionFailed = "execution_failed"
)

// EvalSchema returns the tool definition advertised to the model.
func EvalSchema() llm.Tool {
	return llm.Tool{
		Type: "function",
		Function: llm.ToolFunction{
			Name:        EvalToolName,
			Description: "Evaluate Clojure code in a live Babashka runtime and return the printed value of the last form, with any output. State persists between calls.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"code_string": map[string]any{
						"type":        "string",
						"description": "The Clojure code to evaluate.",
					},
				},
				"required": []string{"code_string"},
			},
		},
	}
}

// EvalFunc runs code and reports its outcome. Returning [ErrCancelled]
// (wrapped or not) means the user withdrew the call.
type EvalFunc func(ctx context.Context, code string) (repl.Result, error)

// Executor maps one tool call to one tool message.
type Executor struct {
	logger *slog.Logger
}

// NewExecutor creates a tool-call executor.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{logger: logger}
}

// Execute runs call through eval. It returns a nil message and
// [ErrCancelled] when the call was cancelled; every other outcome,
// including bad tool names and broken arguments, becomes a tool message
// the model can read.
func (e *Executor) Execute(ctx context.Context, call llm.ToolCall, eval EvalFunc) (*llm.Message, error) {
	if call.Function.Name != EvalToolName {
		err := &ErrToolUnavailable{ToolName: call.Function.Name}
		e.logger.Warn("model called unknown tool", "tool", call.Function.Name, "call_id", call.ID)
		return e.message(call, &payload{
			Status:  StatusError,
			Error:   err.Error(),
			Message: prompts.UnknownToolGuidance(call.Function.Name, EvalToolName),
		})
	}

	code, err := ParseArguments(call.Function.Arguments)
	if err != nil {
		e.logger.Warn("bad tool arguments", "call_id", call.ID, "error", err)
		return e.message(call, &payload{
			Status:  StatusError,
			Error:   err.Error(),
			Message: prompts.ArgumentGuidance,
		})
	}

	res, err := eval(ctx, code)
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return nil, ErrCancelled
	case err != nil:
		e.logger.Warn("evaluation transport failed", "call_id", call.ID, "error", err)
		return e.message(call, &failure{Status: StatusExecutionFailed, Error: err.Error()})
	}

	switch r := res.(type) {
	case *repl.Success:
		return e.message(call, &payload{
			Status:        StatusSuccess,
			Result:        r.Value,
			Stdout:        r.Stdout,
			Stderr:        r.Stderr,
			Logs:          logsOrEmpty(r.Logs),
			ExecutionTime: r.ExecutionTime.Milliseconds(),
		})
	case *repl.ValidationFailure:
		return e.message(call, &payload{
			Status:           StatusError,
			Error:            r.Message,
			Message:          prompts.ValidationGuidance,
			ValidationErrors: r.Findings,
			Logs:             []repl.LogEntry{},
		})
	case *repl.RuntimeFailure:
		return e.message(call, &payload{
			Status:        StatusError,
			Error:         r.Error,
			Message:       prompts.RuntimeGuidance,
			Stdout:        r.Stdout,
			Stderr:        r.Stderr,
			Logs:          logsOrEmpty(r.Logs),
			ExecutionTime: r.ExecutionTime.Milliseconds(),
		})
	default:
		return e.message(call, &failure{Status: StatusExecutionFailed, Error: "executor returned no result"})
	}
}

func (e *Executor) message(call llm.ToolCall, content any) (*llm.Message, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	name := call.Function.Name
	if name == "" {
		name = EvalToolName
	}
	return &llm.Message{
		Role:       llm.RoleTool,
		Content:    string(data),
		ToolCallID: call.ID,
		Name:       name,
	}, nil
}

// ParseArguments extracts code_string from a tool call's JSON arguments.
func ParseArguments(arguments string) (string, error) {
	if strings.TrimSpace(arguments) == "" {
		return "", fmt.Errorf("missing arguments")
	}
	var args struct {
		CodeString *string `json:"code_string"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.CodeString == nil || strings.TrimSpace(*args.CodeString) == "" {
		return "", fmt.Errorf("invalid arguments: code_string is required")
	}
	return *args.CodeString, nil
}

func logsOrEmpty(logs []repl.LogEntry) []repl.LogEntry {
	if logs == nil {
		return []repl.LogEntry{}
	}
	return logs
}
