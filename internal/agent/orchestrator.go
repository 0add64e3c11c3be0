// Package agent drives one conversation: it sends the sanitized history
// to the model, runs the eval_clojure calls the model makes, feeds the
// results back, and stops when the model answers without calling a tool.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/bbchat/internal/answer"
	"github.com/nugget/bbchat/internal/events"
	"github.com/nugget/bbchat/internal/llm"
	"github.com/nugget/bbchat/internal/prompts"
	"github.com/nugget/bbchat/internal/repl"
	"github.com/nugget/bbchat/internal/tools"
)

// Defaults for [Config] limits.
const (
	DefaultMaxIterations = 5
	DefaultMaxRounds     = 25
)

// Hooks connect the orchestrator to the surrounding application. Every
// hook is optional.
type Hooks struct {
	// Approve is called before each evaluation. It returns the code to
	// run (possibly edited; empty means unchanged) or ErrCancelled.
	Approve func(ctx context.Context, code string) (string, error)

	// Status receives human-readable progress lines.
	Status func(msg string)

	// Save persists each message as it is appended to the history.
	Save func(ctx context.Context, msg llm.Message) error

	// Retract removes the last n persisted messages after a cancelled turn.
	Retract func(ctx context.Context, n int) error

	// OnExecution sees every evaluation outcome, validation failures included.
	OnExecution func(code string, result repl.Result)
}

// Config configures an [Orchestrator].
type Config struct {
	Logger       *slog.Logger
	LLM          llm.Client
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string

	Executor  repl.Executor
	Validator repl.Validator // optional
	Hooks     Hooks

	// MaxIterations bounds consecutive failed evaluations in a turn.
	MaxIterations int
	// MaxRounds bounds chat completion requests in a turn.
	MaxRounds int

	// History seeds the conversation, typically from the history store.
	History []llm.Message

	Events    *events.Bus
	SessionID string
}

// State is the orchestrator's position within a turn.
type State int

// Turn states.
const (
	StateIdle State = iota
	StateAwaitingLLM
	StateAwaitingTool
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingLLM:
		return "awaiting_llm"
	case StateAwaitingTool:
		return "awaiting_tool"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// OutcomeKind distinguishes how a turn ended without error.
type OutcomeKind int

// Outcome kinds.
const (
	OutcomeAnswer OutcomeKind = iota
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	if k == OutcomeCancelled {
		return "cancelled"
	}
	return "answer"
}

// Outcome is the result of a turn.
type Outcome struct {
	Kind    OutcomeKind
	Content string        // raw final assistant content
	Answer  answer.Answer // classified Content
	Rounds  int           // chat completion requests made
}

// Orchestrator owns the history of one session. Only one turn runs at a
// time; concurrent calls to [Orchestrator.Process] get [ErrBusy].
type Orchestrator struct {
	logger    *slog.Logger
	llm       llm.Client
	model     string
	temp      float64
	maxTokens int
	system    string
	executor  repl.Executor
	validator repl.Validator
	hooks     Hooks
	tools     *tools.Executor
	maxRounds int
	events    *events.Bus
	sessionID string

	busy atomic.Bool

	mu       sync.Mutex
	history  []llm.Message
	saved    []bool // saved[i] reports whether history[i] reached the store
	recovery RecoveryState
	state    State
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionID != "" {
		logger = logger.With("session", cfg.SessionID)
	}
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	maxRounds := cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	system := cfg.SystemPrompt
	if system == "" {
		system = prompts.BaseSystemPrompt(tools.EvalToolName)
	}

	saved := make([]bool, len(cfg.History))
	for i := range saved {
		saved[i] = true
	}

	return &Orchestrator{
		logger:    logger,
		llm:       cfg.LLM,
		model:     cfg.Model,
		temp:      cfg.Temperature,
		maxTokens: cfg.MaxTokens,
		system:    system,
		executor:  cfg.Executor,
		validator: cfg.Validator,
		hooks:     cfg.Hooks,
		tools:     tools.NewExecutor(logger),
		maxRounds: maxRounds,
		events:    cfg.Events,
		sessionID: cfg.SessionID,
		history:   append([]llm.Message(nil), cfg.History...),
		saved:     saved,
		recovery:  RecoveryState{MaxIterations: maxIter},
	}
}

// Process runs one turn for a user message.
func (o *Orchestrator) Process(ctx context.Context, text string) (*Outcome, error) {
	if !o.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer o.busy.Store(false)

	start := time.Now()
	o.emit(events.KindTurnStart, map[string]any{"history_len": o.historyLen()})

	out, err := o.runTurn(ctx, text)

	kind := "error"
	rounds := 0
	if out != nil {
		kind = out.Kind.String()
		rounds = out.Rounds
	}
	o.setState(StateIdle)
	o.emit(events.KindTurnComplete, map[string]any{
		"outcome":    kind,
		"rounds":     rounds,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		o.logger.Warn("turn failed", "error", err, "elapsed", time.Since(start).Round(time.Millisecond))
		return nil, err
	}
	o.logger.Info("turn complete",
		"outcome", kind,
		"rounds", rounds,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return out, nil
}

func (o *Orchestrator) runTurn(ctx context.Context, text string) (*Outcome, error) {
	o.append(ctx, llm.Message{Role: llm.RoleUser, Content: text})
	turnStart := o.historyLen()

	for round := 1; ; round++ {
		if round > o.maxRounds {
			o.resetRecovery()
			return nil, fmt.Errorf("%w (%d)", ErrMaxRounds, o.maxRounds)
		}

		o.setState(StateAwaitingLLM)
		req := o.buildRequest()
		o.emit(events.KindLLMCall, map[string]any{
			"round":    round,
			"model":    req.Model,
			"messages": len(req.Messages),
		})
		o.status(prompts.ThinkingStatus)

		resp, err := o.llm.Chat(ctx, req)
		if err != nil {
			return nil, &TransportError{Err: err}
		}
		msg := resp.Message
		msg.Role = llm.RoleAssistant

		o.emit(events.KindLLMResponse, map[string]any{
			"round":       round,
			"model":       resp.Model,
			"tokens_in":   resp.InputTokens,
			"tokens_out":  resp.OutputTokens,
			"tool_calls":  len(msg.ToolCalls),
			"duration_ms": resp.Duration.Milliseconds(),
		})

		if len(msg.ToolCalls) == 0 {
			return o.finish(ctx, msg, round), nil
		}

		if o.Recovery().InErrorRecovery {
			msg.Content = ""
		}
		o.append(ctx, msg)
		o.setState(StateAwaitingTool)

		cancelled, err := o.runTools(ctx, msg.ToolCalls)
		if err != nil {
			var ie *IntegrityError
			if errors.As(err, &ie) {
				o.dropIncompleteRun(ctx)
			}
			return nil, err
		}
		if cancelled {
			o.retract(ctx, turnStart)
			o.logger.Info("turn cancelled by user")
			return &Outcome{Kind: OutcomeCancelled, Rounds: round}, nil
		}
	}
}

// finish appends the final answer and classifies it.
func (o *Orchestrator) finish(ctx context.Context, msg llm.Message, rounds int) *Outcome {
	if o.Recovery().InErrorRecovery {
		o.logger.Warn("model answered while recovering from an error")
		o.status(prompts.GaveUpStatus)
		o.resetRecovery()
	}
	o.setState(StateDone)
	o.append(ctx, msg)
	return &Outcome{
		Kind:    OutcomeAnswer,
		Content: msg.Content,
		Answer:  answer.Classify(msg.Content),
		Rounds:  rounds,
	}
}

// runTools executes the calls of one assistant message in order. All of
// them resolve before it returns, unless one is cancelled.
func (o *Orchestrator) runTools(ctx context.Context, calls []llm.ToolCall) (cancelled bool, err error) {
	if err := checkCallIDs(calls); err != nil {
		return false, err
	}
	exceeded := false

	for _, call := range calls {
		o.emit(events.KindToolCall, map[string]any{"call_id": call.ID, "tool": call.Function.Name})
		started := time.Now()

		msg, err := o.tools.Execute(ctx, call, o.eval)
		if errors.Is(err, tools.ErrCancelled) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if err := o.appendToolResult(ctx, *msg); err != nil {
			return false, err
		}

		status, _ := tools.ParseStatus(msg.Content)
		o.emit(events.KindToolDone, map[string]any{
			"call_id":     call.ID,
			"tool":        call.Function.Name,
			"status":      status,
			"duration_ms": time.Since(started).Milliseconds(),
		})
		if o.track(status) {
			exceeded = true
		}
	}

	if exceeded {
		limit := o.Recovery().MaxIterations
		o.resetRecovery()
		o.status(prompts.MaxIterationsMessage(limit))
		return false, fmt.Errorf("%w: code failed %d times in a row", ErrMaxIterations, limit)
	}
	return false, nil
}

// eval is the per-call pipeline: validate, ask for approval, execute.
// Code edited during approval is validated again before it runs.
func (o *Orchestrator) eval(ctx context.Context, code string) (repl.Result, error) {
	if res := o.validate(ctx, code); res != nil {
		return res, nil
	}

	if o.hooks.Approve != nil {
		o.status(prompts.ApprovalStatus)
		approved, err := o.hooks.Approve(ctx, code)
		if err != nil {
			return nil, err
		}
		if approved != "" && approved != code {
			code = approved
			if res := o.validate(ctx, code); res != nil {
				return res, nil
			}
		}
	}

	if o.executor == nil {
		return nil, fmt.Errorf("no code executor configured")
	}
	o.status(prompts.ExecutingStatus)
	res, err := o.executor.Execute(ctx, code)
	if err != nil {
		return nil, err
	}
	o.observe(code, res)
	return res, nil
}

// validate returns the failure to report for code, or nil when it may
// run. An unavailable validator lets everything through.
func (o *Orchestrator) validate(ctx context.Context, code string) repl.Result {
	if o.validator == nil {
		return nil
	}
	o.status(prompts.ValidatingStatus)
	v, err := o.validator.Validate(ctx, code)
	switch {
	case err != nil:
		o.logger.Warn("validator unavailable, skipping validation", "error", err)
		return nil
	case v == nil || v.Skipped || v.Valid:
		return nil
	}
	res := validationFailure(v)
	o.observe(code, res)
	return res
}

func validationFailure(v *repl.Validation) *repl.ValidationFailure {
	findings := v.Errors()
	if len(findings) == 0 {
		findings = v.Findings
	}
	msg := "Validation failed"
	if len(findings) > 0 {
		msg += ": " + findings[0].Message
	}
	return &repl.ValidationFailure{Message: msg, Findings: findings}
}

func (o *Orchestrator) buildRequest() *llm.ChatRequest {
	clean, dropped := SanitizeReport(o.History())
	clean, unfinished := withoutIncompleteRuns(clean)
	for _, d := range append(dropped, unfinished...) {
		o.logger.Warn("dropped message from outbound history",
			"index", d.Index,
			"role", d.Role,
			"tool_call_id", d.ToolCallID,
			"reason", d.Reason)
	}

	msgs := make([]llm.Message, 0, len(clean)+1)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: o.system})
	msgs = append(msgs, clean...)

	return &llm.ChatRequest{
		Model:       o.model,
		Messages:    msgs,
		Tools:       []llm.Tool{tools.EvalSchema()},
		Temperature: o.temp,
		MaxTokens:   o.maxTokens,
	}
}

// History returns a copy of the conversation history.
func (o *Orchestrator) History() []llm.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]llm.Message(nil), o.history...)
}

// State returns where the current turn is.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Busy reports whether a turn is running.
func (o *Orchestrator) Busy() bool {
	return o.busy.Load()
}

// Reset clears the in-memory history and recovery state. Persisted
// history is untouched.
func (o *Orchestrator) Reset() error {
	if !o.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer o.busy.Store(false)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = nil
	o.saved = nil
	o.recovery = RecoveryState{MaxIterations: o.recovery.MaxIterations}
	o.state = StateIdle
	return nil
}

func (o *Orchestrator) historyLen() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.history)
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// append adds msg to the history and persists it. A persistence failure
// is logged; the in-memory conversation carries on.
func (o *Orchestrator) append(ctx context.Context, msg llm.Message) {
	o.mu.Lock()
	o.history = append(o.history, msg)
	o.saved = append(o.saved, false)
	i := len(o.history) - 1
	o.mu.Unlock()
	o.save(ctx, i, msg)
}

// save persists history[i] and records whether it was stored.
func (o *Orchestrator) save(ctx context.Context, i int, msg llm.Message) {
	if o.hooks.Save == nil {
		return
	}
	if err := o.hooks.Save(ctx, msg); err != nil {
		o.logger.Error("failed to persist message", "role", msg.Role, "error", err)
		return
	}
	o.mu.Lock()
	if i < len(o.saved) {
		o.saved[i] = true
	}
	o.mu.Unlock()
}

// retract truncates the history back to keep messages and removes from
// persistence only those of them that were stored.
func (o *Orchestrator) retract(ctx context.Context, keep int) {
	o.mu.Lock()
	if len(o.history) <= keep {
		o.mu.Unlock()
		return
	}
	n := 0
	for _, ok := range o.saved[keep:] {
		if ok {
			n++
		}
	}
	dropped := len(o.history) - keep
	o.history = o.history[:keep]
	o.saved = o.saved[:keep]
	o.mu.Unlock()

	o.logger.Debug("retracted messages", "count", dropped, "persisted", n)
	if n > 0 && o.hooks.Retract != nil {
		if err := o.hooks.Retract(context.WithoutCancel(ctx), n); err != nil {
			o.logger.Error("failed to retract persisted messages", "count", n, "error", err)
		}
	}
}

func (o *Orchestrator) status(msg string) {
	if o.hooks.Status != nil {
		o.hooks.Status(msg)
	}
}

func (o *Orchestrator) observe(code string, res repl.Result) {
	if o.hooks.OnExecution != nil {
		o.hooks.OnExecution(code, res)
	}
}

func (o *Orchestrator) emit(kind string, data map[string]any) {
	if o.events == nil {
		return
	}
	data["session_id"] = o.sessionID
	o.events.Emit(events.SourceOrchestrator, kind, data)
}
