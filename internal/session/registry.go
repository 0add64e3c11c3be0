// Package session tracks live chat sessions: each has its own
// orchestrator, its own evaluation session on the runtime, and the
// executions waiting for the user's approval.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/bbchat/internal/agent"
	"github.com/nugget/bbchat/internal/events"
	"github.com/nugget/bbchat/internal/llm"
	"github.com/nugget/bbchat/internal/memory"
	"github.com/nugget/bbchat/internal/tools"
)

// ErrUnknownExecution is returned when approving or rejecting an
// execution that is not pending (already resolved or never created).
var ErrUnknownExecution = errors.New("no pending execution with that id")

// Factory builds the orchestrator for a session. The returned closer
// releases the session's runtime resources and may be nil.
type Factory func(ctx context.Context, sessionID string, history []llm.Message, hooks agent.Hooks) (*agent.Orchestrator, io.Closer, error)

// Session is a live conversation bound to one client connection.
type Session struct {
	ID           string
	Orchestrator *agent.Orchestrator
	Executor     io.Closer
	OpenedAt     time.Time
}

// PendingExecution is code waiting for the user's decision. It resolves
// exactly once: approved (possibly edited), rejected, or cancelled
// because the session went away.
type PendingExecution struct {
	ID        string    `json:"execution_id"`
	SessionID string    `json:"session_id"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`

	once   sync.Once
	done   chan struct{}
	result string
	err    error
}

func (p *PendingExecution) resolve(code string, err error) bool {
	resolved := false
	p.once.Do(func() {
		p.result, p.err = code, err
		close(p.done)
		resolved = true
	})
	return resolved
}

// Option configures a [Registry].
type Option func(*Registry)

// WithEvents publishes session lifecycle and approval events on bus.
func WithEvents(bus *events.Bus) Option {
	return func(r *Registry) { r.events = bus }
}

// Registry owns the live sessions of the process.
type Registry struct {
	store   memory.Store
	factory Factory
	logger  *slog.Logger
	events  *events.Bus

	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[string]*PendingExecution
}

// NewRegistry creates an empty registry.
func NewRegistry(store memory.Store, factory Factory, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:    store,
		factory:  factory,
		logger:   logger,
		sessions: make(map[string]*Session),
		pending:  make(map[string]*PendingExecution),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open binds a session to the caller. An empty or unknown sessionID
// starts a new conversation; a known one resumes its stored history,
// minus any tool calls a previous process left unanswered.
// Save and Retract in hooks are always wired to the store. A previous
// holder of the same id is closed.
func (r *Registry) Open(ctx context.Context, sessionID string, hooks agent.Hooks) (*Session, error) {
	var err error
	if sessionID == "" {
		if sessionID, err = r.store.CreateSession(ctx); err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
	} else if err := r.store.EnsureSession(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("ensure session: %w", err)
	}

	history, err := r.store.GetSessionHistory(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if kept, n := agent.TrimIncompleteRun(history); n > 0 {
		if err := r.store.RemoveLast(ctx, sessionID, n); err != nil {
			return nil, fmt.Errorf("repair history: %w", err)
		}
		r.logger.Warn("removed unanswered tool calls from resumed history", "session", sessionID, "messages", n)
		history = kept
	}

	id := sessionID
	hooks.Save = func(ctx context.Context, msg llm.Message) error {
		return r.store.AddMessage(ctx, id, msg)
	}
	hooks.Retract = func(ctx context.Context, n int) error {
		return r.store.RemoveLast(ctx, id, n)
	}

	orch, closer, err := r.factory(ctx, id, history, hooks)
	if err != nil {
		return nil, fmt.Errorf("build session: %w", err)
	}
	if err := r.store.Touch(ctx, id); err != nil {
		r.logger.Warn("failed to touch session", "session", id, "error", err)
	}

	sess := &Session{ID: id, Orchestrator: orch, Executor: closer, OpenedAt: time.Now()}

	r.mu.Lock()
	prev := r.sessions[id]
	r.sessions[id] = sess
	r.mu.Unlock()

	if prev != nil {
		r.logger.Info("session reopened, closing previous holder", "session", id)
		r.teardown(prev)
	}

	r.logger.Info("session opened", "session", id, "history", len(history))
	r.events.Emit(events.SourceSession, events.KindSessionOpened, map[string]any{
		"session_id": id,
		"history":    len(history),
	})
	return sess, nil
}

// Get returns the live session with id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close tears down the live session with id. Persisted history stays.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	sess := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if sess != nil {
		r.teardown(sess)
	}
}

// Release closes sess only if it is still the live holder of its id,
// so a replaced connection cannot tear down its successor.
func (r *Registry) Release(sess *Session) {
	r.mu.Lock()
	current := r.sessions[sess.ID] == sess
	if current {
		delete(r.sessions, sess.ID)
	}
	r.mu.Unlock()

	if current {
		r.teardown(sess)
	}
}

// CloseAll tears down every live session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range all {
		r.teardown(s)
	}
}

func (r *Registry) teardown(sess *Session) {
	r.CancelPending(sess.ID)
	if sess.Executor != nil {
		if err := sess.Executor.Close(); err != nil {
			r.logger.Warn("failed to close session executor", "session", sess.ID, "error", err)
		}
	}
	r.logger.Info("session closed", "session", sess.ID, "open_for", time.Since(sess.OpenedAt).Round(time.Second))
	r.events.Emit(events.SourceSession, events.KindSessionClosed, map[string]any{"session_id": sess.ID})
}

// RequestApproval registers code as pending, hands it to notify, and
// blocks until the user decides or ctx ends. It returns the code to run
// (the edited version when the user changed it). Rejection, session
// teardown and ctx cancellation all return an error wrapping
// [tools.ErrCancelled].
func (r *Registry) RequestApproval(ctx context.Context, sessionID, code string, notify func(*PendingExecution)) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("execution id: %w", err)
	}
	p := &PendingExecution{
		ID:        id.String(),
		SessionID: sessionID,
		Code:      code,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	r.pending[p.ID] = p
	r.mu.Unlock()

	r.logger.Debug("approval requested", "session", sessionID, "execution", p.ID)
	r.events.Emit(events.SourceSession, events.KindApprovalRequested, map[string]any{
		"session_id":   sessionID,
		"execution_id": p.ID,
	})
	if notify != nil {
		notify(p)
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		p.resolve("", fmt.Errorf("%w: %w", tools.ErrCancelled, ctx.Err()))
	}

	r.mu.Lock()
	delete(r.pending, p.ID)
	r.mu.Unlock()

	r.events.Emit(events.SourceSession, events.KindApprovalResolved, map[string]any{
		"session_id":   sessionID,
		"execution_id": p.ID,
		"approved":     p.err == nil,
	})
	if p.err != nil {
		return "", p.err
	}
	if p.result == "" {
		return code, nil
	}
	return p.result, nil
}

// Approve releases a pending execution. A non-empty code replaces the
// proposed code.
func (r *Registry) Approve(execID, code string) error {
	return r.settle(execID, code, nil)
}

// Reject withdraws a pending execution.
func (r *Registry) Reject(execID string) error {
	return r.settle(execID, "", fmt.Errorf("rejected by user: %w", tools.ErrCancelled))
}

func (r *Registry) settle(execID, code string, err error) error {
	r.mu.Lock()
	p := r.pending[execID]
	r.mu.Unlock()

	if p == nil || !p.resolve(code, err) {
		return fmt.Errorf("%w: %s", ErrUnknownExecution, execID)
	}
	return nil
}

// Pending lists the unresolved executions of a session.
func (r *Registry) Pending(sessionID string) []*PendingExecution {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*PendingExecution
	for _, p := range r.pending {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	return out
}

// CancelPending resolves every pending execution of the session as
// cancelled.
func (r *Registry) CancelPending(sessionID string) {
	for _, p := range r.Pending(sessionID) {
		if p.resolve("", fmt.Errorf("session closed: %w", tools.ErrCancelled)) {
			r.logger.Debug("pending execution cancelled", "session", sessionID, "execution", p.ID)
		}
	}
}
