package agent

import "github.com/nugget/bbchat/internal/llm"

// DropReason says why [SanitizeReport] removed a message.
type DropReason string

// Drop reasons.
const (
	// DropOrphan: a tool message outside any assistant tool-call run.
	DropOrphan DropReason = "orphan"
	// DropDuplicate: a second result for an already answered call id.
	DropDuplicate DropReason = "duplicate"
	// DropUnknownID: a tool message answering an id the run never issued.
	DropUnknownID DropReason = "unknown_id"
	// DropUnsupportedRole: any role other than user, assistant or tool.
	DropUnsupportedRole DropReason = "unsupported_role"
	// DropIncompleteRun: an assistant tool-call message with unanswered
	// calls, and the results it did get. Only outbound requests drop these.
	DropIncompleteRun DropReason = "incomplete_run"
)

// Dropped describes one message removed by [SanitizeReport].
type Dropped struct {
	Index      int
	Role       string
	ToolCallID string
	Reason     DropReason
}

// Sanitize returns history with every tool message paired to the
// assistant tool call it answers. It never mutates its input and
// Sanitize(Sanitize(h)) equals Sanitize(h).
func Sanitize(history []llm.Message) []llm.Message {
	out, _ := SanitizeReport(history)
	return out
}

// SanitizeReport is [Sanitize] plus the list of dropped messages.
//
// Walking left to right: user messages and plain assistant messages pass
// through and end any open run. An assistant message with tool calls
// passes through and opens a run; the tool messages that follow are kept
// only if they answer one of its ids for the first time. Dropped
// messages do not end a run.
func SanitizeReport(history []llm.Message) ([]llm.Message, []Dropped) {
	out := make([]llm.Message, 0, len(history))
	var dropped []Dropped

	// pending maps the call ids of the open run to whether they have
	// been answered. nil means no run is open.
	var pending map[string]bool

	drop := func(i int, m llm.Message, reason DropReason) {
		dropped = append(dropped, Dropped{Index: i, Role: m.Role, ToolCallID: m.ToolCallID, Reason: reason})
	}

	for i, m := range history {
		switch m.Role {
		case llm.RoleUser:
			pending = nil
			out = append(out, m)

		case llm.RoleAssistant:
			out = append(out, m)
			if len(m.ToolCalls) == 0 {
				pending = nil
				continue
			}
			pending = make(map[string]bool, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				pending[tc.ID] = false
			}

		case llm.RoleTool:
			if pending == nil {
				drop(i, m, DropOrphan)
				continue
			}
			answered, known := pending[m.ToolCallID]
			switch {
			case !known:
				drop(i, m, DropUnknownID)
			case answered:
				drop(i, m, DropDuplicate)
			default:
				pending[m.ToolCallID] = true
				out = append(out, m)
			}

		default:
			drop(i, m, DropUnsupportedRole)
		}
	}

	return out, dropped
}
