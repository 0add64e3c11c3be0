package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/nugget/bbchat/internal/answer"
	"github.com/nugget/bbchat/internal/repl"
	"github.com/nugget/bbchat/internal/session"
)

// Inbound frame types.
const (
	FrameChat    = "chat"
	FrameApprove = "approve"
	FrameReject  = "reject"
	FramePing    = "ping"
)

// Outbound frame types.
const (
	FrameSession         = "session"
	FrameStatus          = "status"
	FrameApprovalRequest = "approval_request"
	FrameExecution       = "execution"
	FrameResponse        = "response"
	FrameCancelled       = "cancelled"
	FrameError           = "error"
	FramePong            = "pong"
)

// InboundFrame is a message from the browser.
type InboundFrame struct {
	Type        string `json:"type" validate:"required,oneof=chat approve reject ping"`
	Content     string `json:"content" validate:"required_if=Type chat,max=100000"`
	ExecutionID string `json:"execution_id" validate:"required_if=Type approve,required_if=Type reject"`
	Code        string `json:"code"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// parseInbound decodes and validates one inbound frame.
func parseInbound(data []byte) (*InboundFrame, error) {
	var f InboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	f.Content = strings.TrimSpace(f.Content)
	if err := validate.Struct(&f); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return nil, fmt.Errorf("invalid frame: field %s failed %s", strings.ToLower(fe.Field()), fe.Tag())
		}
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	return &f, nil
}

// OutboundFrame is a message to the browser. Unused fields are omitted.
type OutboundFrame struct {
	Type string `json:"type"`

	SessionID string `json:"session_id,omitempty"`
	History   any    `json:"history,omitempty"`

	Message string `json:"message,omitempty"`

	ExecutionID     string          `json:"execution_id,omitempty"`
	Code            string          `json:"code,omitempty"`
	Status          string          `json:"status,omitempty"`
	Result          string          `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	Findings        []repl.Finding  `json:"validation_errors,omitempty"`
	Logs            []repl.LogEntry `json:"logs,omitempty"`
	ExecutionTimeMS *int64          `json:"execution_time_ms,omitempty"`

	Content  string `json:"content,omitempty"`
	HTML     string `json:"html,omitempty"`
	IsHTML   bool   `json:"is_html,omitempty"`
	Rendered string `json:"rendered,omitempty"`
}

// Execution statuses reported to the browser.
const (
	ExecSuccess         = "success"
	ExecValidationError = "validation_error"
	ExecRuntimeError    = "runtime_error"
)

func executionFrame(code string, res repl.Result) OutboundFrame {
	ms := repl.Elapsed(res).Milliseconds()
	f := OutboundFrame{
		Type:            FrameExecution,
		Code:            code,
		Logs:            repl.Logs(res),
		ExecutionTimeMS: &ms,
	}
	switch r := res.(type) {
	case *repl.Success:
		f.Status = ExecSuccess
		f.Result = r.Value
	case *repl.ValidationFailure:
		f.Status = ExecValidationError
		f.Error = r.Message
		f.Findings = r.Findings
	case *repl.RuntimeFailure:
		f.Status = ExecRuntimeError
		f.Error = r.Error
	}
	return f
}

func approvalFrame(p *session.PendingExecution) OutboundFrame {
	return OutboundFrame{Type: FrameApprovalRequest, ExecutionID: p.ID, Code: p.Code}
}

// responseFrame carries the final answer. Plain-text answers also get a
// Markdown rendering for clients that only display HTML.
func responseFrame(a answer.Answer) OutboundFrame {
	f := OutboundFrame{Type: FrameResponse, Content: a.Text, HTML: a.HTML, IsHTML: a.IsHTML}
	if !a.IsHTML && a.Text != "" {
		if rendered, err := answer.RenderMarkdown(a.Text); err == nil {
			f.Rendered = rendered
		}
	}
	return f
}
