package tools

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned by an eval callback when the user rejected
// the execution or its connection went away. It is a distinct outcome,
// not an execution failure: no tool message is produced for it.
var ErrCancelled = errors.New("execution cancelled by user")

// ErrToolUnavailable describes a tool call naming a tool that does not
// exist. It is reported back to the model as an error result so the
// model can correct itself.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}
