package agent

import (
	"errors"
	"fmt"

	"github.com/nugget/bbchat/internal/tools"
)

var (
	// ErrBusy is returned when a turn is already running for the session.
	ErrBusy = errors.New("a turn is already in progress")

	// ErrCancelled is the approval gate's rejection signal. Approve hooks
	// return it (wrapped or not) to withdraw a tool call.
	ErrCancelled = tools.ErrCancelled

	// ErrMaxIterations ends a turn whose error-recovery budget ran out.
	ErrMaxIterations = errors.New("maximum iterations reached")

	// ErrMaxRounds ends a turn that kept calling tools without failing
	// or answering.
	ErrMaxRounds = errors.New("maximum LLM rounds reached")
)

// IntegrityError reports a tool result that would corrupt the history:
// no live assistant call to answer, an unknown or repeated call id, a
// missing id, or content that is not JSON. These come from bookkeeping
// bugs, so they are never sent to the model.
type IntegrityError struct {
	ToolCallID string
	Reason     string
}

func (e *IntegrityError) Error() string {
	if e.ToolCallID == "" {
		return "history integrity: " + e.Reason
	}
	return fmt.Sprintf("history integrity: %s (tool_call_id %q)", e.Reason, e.ToolCallID)
}

// TransportError wraps a failed chat completion request.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "llm request failed: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }
