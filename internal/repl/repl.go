// Package repl defines the contract between the conversation loop and
// the Clojure runtime: what an evaluation returns and how code is
// checked before it runs.
package repl

import (
	"context"
	"time"
)

// Result is the outcome of evaluating one snippet. It is one of
// [*Success], [*ValidationFailure], or [*RuntimeFailure].
type Result interface {
	result()
}

// LogEntry is one line of output captured during evaluation.
type LogEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Finding is a single lint diagnostic.
type Finding struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Row     int    `json:"row,omitempty"`
	Col     int    `json:"col,omitempty"`
}

// Success carries the printed value of the last form.
type Success struct {
	Value         string
	Stdout        string
	Stderr        string
	Logs          []LogEntry
	ExecutionTime time.Duration
}

// ValidationFailure means the code was rejected before it ran.
type ValidationFailure struct {
	Message  string
	Findings []Finding
}

// RuntimeFailure means the code ran and threw.
type RuntimeFailure struct {
	Error         string
	Stdout        string
	Stderr        string
	Logs          []LogEntry
	ExecutionTime time.Duration
}

func (*Success) result()           {}
func (*ValidationFailure) result() {}
func (*RuntimeFailure) result()    {}

// IsError reports whether r is a validation or runtime failure.
func IsError(r Result) bool {
	switch r.(type) {
	case *ValidationFailure, *RuntimeFailure:
		return true
	}
	return false
}

// Executor evaluates code against a stateful runtime session. A non-nil
// error means the runtime could not be reached; evaluation failures are
// reported as a [*RuntimeFailure] result.
type Executor interface {
	Execute(ctx context.Context, code string) (Result, error)
}

// ExecutorFunc adapts a function to [Executor].
type ExecutorFunc func(ctx context.Context, code string) (Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, code string) (Result, error) {
	return f(ctx, code)
}

// Validation is a lint verdict. Skipped is set when no linter ran.
type Validation struct {
	Valid    bool      `json:"valid"`
	Findings []Finding `json:"errors,omitempty"`
	Skipped  bool      `json:"skipped,omitempty"`
}

// Errors returns the error-level findings.
func (v *Validation) Errors() []Finding {
	var out []Finding
	for _, f := range v.Findings {
		if f.Level == "error" {
			out = append(out, f)
		}
	}
	return out
}

// Validator checks code before evaluation. A non-nil error means the
// validator itself is unavailable.
type Validator interface {
	Validate(ctx context.Context, code string) (*Validation, error)
}

// Logs returns the captured log entries of r, if any.
func Logs(r Result) []LogEntry {
	switch v := r.(type) {
	case *Success:
		return v.Logs
	case *RuntimeFailure:
		return v.Logs
	}
	return nil
}

// Elapsed returns the execution time of r, zero for validation failures.
func Elapsed(r Result) time.Duration {
	switch v := r.(type) {
	case *Success:
		return v.ExecutionTime
	case *RuntimeFailure:
		return v.ExecutionTime
	}
	return 0
}
