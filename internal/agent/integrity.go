package agent

import (
	"context"
	"slices"

	"github.com/nugget/bbchat/internal/llm"
	"github.com/nugget/bbchat/internal/tools"
)

// appendToolResult appends msg after checking that it answers a live
// call of the trailing assistant run exactly once and carries JSON
// content. A rejected message leaves the history unchanged.
func (o *Orchestrator) appendToolResult(ctx context.Context, msg llm.Message) error {
	if msg.Role != llm.RoleTool {
		return &IntegrityError{ToolCallID: msg.ToolCallID, Reason: "not a tool message"}
	}
	if msg.ToolCallID == "" {
		return &IntegrityError{Reason: "tool message without tool_call_id"}
	}
	if _, err := tools.ParseStatus(msg.Content); err != nil {
		return &IntegrityError{ToolCallID: msg.ToolCallID, Reason: "unparseable content: " + err.Error()}
	}

	o.mu.Lock()
	owner, run := trailingRun(o.history)
	switch {
	case owner < 0:
		o.mu.Unlock()
		return &IntegrityError{ToolCallID: msg.ToolCallID, Reason: "no live assistant tool call"}
	case !slices.ContainsFunc(o.history[owner].ToolCalls, func(tc llm.ToolCall) bool { return tc.ID == msg.ToolCallID }):
		o.mu.Unlock()
		return &IntegrityError{ToolCallID: msg.ToolCallID, Reason: "unknown tool_call_id"}
	case slices.ContainsFunc(run, func(m llm.Message) bool { return m.ToolCallID == msg.ToolCallID }):
		o.mu.Unlock()
		return &IntegrityError{ToolCallID: msg.ToolCallID, Reason: "duplicate tool_call_id"}
	}
	o.history = append(o.history, msg)
	o.saved = append(o.saved, false)
	i := len(o.history) - 1
	o.mu.Unlock()

	o.save(ctx, i, msg)
	return nil
}

// trailingRun finds the assistant message whose tool calls the end of
// history is answering. It returns its index (or -1) and the tool
// messages already appended after it.
func trailingRun(history []llm.Message) (int, []llm.Message) {
	i := len(history) - 1
	for i >= 0 && history[i].Role == llm.RoleTool {
		i--
	}
	if i < 0 || !history[i].HasToolCalls() {
		return -1, nil
	}
	return i, history[i+1:]
}

// checkCallIDs rejects a batch of tool calls with an empty or repeated id.
func checkCallIDs(calls []llm.ToolCall) error {
	seen := make(map[string]bool, len(calls))
	for _, tc := range calls {
		if tc.ID == "" {
			return &IntegrityError{Reason: "tool call without id"}
		}
		if seen[tc.ID] {
			return &IntegrityError{ToolCallID: tc.ID, Reason: "duplicate tool call id"}
		}
		seen[tc.ID] = true
	}
	return nil
}

// runComplete reports whether results answer every call of owner.
func runComplete(owner llm.Message, results []llm.Message) bool {
	if checkCallIDs(owner.ToolCalls) != nil {
		return false
	}
	answered := make(map[string]bool, len(results))
	for _, m := range results {
		answered[m.ToolCallID] = true
	}
	for _, tc := range owner.ToolCalls {
		if !answered[tc.ID] {
			return false
		}
	}
	return true
}

// TrimIncompleteRun cuts a trailing assistant tool-call run that is
// missing results, as left behind by a process that died mid-turn. It
// returns the kept prefix and the number of messages cut.
func TrimIncompleteRun(history []llm.Message) ([]llm.Message, int) {
	owner, run := trailingRun(history)
	if owner < 0 || runComplete(history[owner], run) {
		return history, 0
	}
	return history[:owner], len(history) - owner
}

// withoutIncompleteRuns removes every assistant tool-call message whose
// calls are not all answered, along with the results it did get. The
// input must already be sanitized.
func withoutIncompleteRuns(history []llm.Message) ([]llm.Message, []Dropped) {
	out := make([]llm.Message, 0, len(history))
	var dropped []Dropped
	for i := 0; i < len(history); {
		m := history[i]
		if !m.HasToolCalls() {
			out = append(out, m)
			i++
			continue
		}
		end := i + 1
		for end < len(history) && history[end].Role == llm.RoleTool {
			end++
		}
		if runComplete(m, history[i+1:end]) {
			out = append(out, history[i:end]...)
		} else {
			for j := i; j < end; j++ {
				dropped = append(dropped, Dropped{Index: j, Role: history[j].Role, ToolCallID: history[j].ToolCallID, Reason: DropIncompleteRun})
			}
		}
		i = end
	}
	return out, dropped
}

// dropIncompleteRun removes a trailing assistant run that is missing
// results, so an aborted turn does not leave unanswered calls behind.
func (o *Orchestrator) dropIncompleteRun(ctx context.Context) {
	o.mu.Lock()
	kept, n := TrimIncompleteRun(o.history)
	o.mu.Unlock()

	if n > 0 {
		o.retract(ctx, len(kept))
	}
}
