// Package memory persists conversation history per session.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/bbchat/internal/llm"
)

// ErrSessionNotFound is returned for operations on an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// Store is the history store. Messages come back in insertion order.
type Store interface {
	// CreateSession starts a new, empty session and returns its id.
	CreateSession(ctx context.Context) (string, error)

	// EnsureSession creates the session if it does not exist.
	EnsureSession(ctx context.Context, id string) error

	// GetSessionHistory returns every message of the session. An unknown
	// session returns ErrSessionNotFound.
	GetSessionHistory(ctx context.Context, id string) ([]llm.Message, error)

	// AddMessage appends msg to the session.
	AddMessage(ctx context.Context, id string, msg llm.Message) error

	// RemoveLast deletes the n most recent messages of the session.
	RemoveLast(ctx context.Context, id string, n int) error

	// Touch marks the session as recently used.
	Touch(ctx context.Context, id string) error

	// ListSessions returns up to limit sessions, most recently used first.
	ListSessions(ctx context.Context, limit int) ([]SessionInfo, error)

	Close() error
}

// SessionInfo summarises a stored session.
type SessionInfo struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// NewSessionID returns a time-ordered session id.
func NewSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// encodeToolCalls serialises tool calls for a text column. No calls
// encode as the empty string.
func encodeToolCalls(calls []llm.ToolCall) (string, error) {
	if len(calls) == 0 {
		return "", nil
	}
	b, err := json.Marshal(calls)
	if err != nil {
		return "", fmt.Errorf("encode tool calls: %w", err)
	}
	return string(b), nil
}

func decodeToolCalls(s string) ([]llm.ToolCall, error) {
	if s == "" {
		return nil, nil
	}
	var calls []llm.ToolCall
	if err := json.Unmarshal([]byte(s), &calls); err != nil {
		return nil, fmt.Errorf("decode tool calls: %w", err)
	}
	return calls, nil
}

// MemStore keeps history in process memory. Used for one-shot runs and
// when no database is configured.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]*memSession
}

type memSession struct {
	info     SessionInfo
	messages []llm.Message
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string]*memSession)}
}

// CreateSession implements [Store].
func (s *MemStore) CreateSession(ctx context.Context) (string, error) {
	id := NewSessionID()
	return id, s.EnsureSession(ctx, id)
}

// EnsureSession implements [Store].
func (s *MemStore) EnsureSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		now := time.Now()
		s.sessions[id] = &memSession{info: SessionInfo{ID: id, CreatedAt: now, UpdatedAt: now}}
	}
	return nil
}

// GetSessionHistory implements [Store].
func (s *MemStore) GetSessionHistory(_ context.Context, id string) ([]llm.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	out := make([]llm.Message, len(sess.messages))
	for i, m := range sess.messages {
		m.ToolCalls = slices.Clone(m.ToolCalls)
		out[i] = m
	}
	return out, nil
}

// AddMessage implements [Store]. Unknown sessions are created.
func (s *MemStore) AddMessage(_ context.Context, id string, msg llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &memSession{info: SessionInfo{ID: id, CreatedAt: now}}
		s.sessions[id] = sess
	}
	msg.ToolCalls = slices.Clone(msg.ToolCalls)
	sess.messages = append(sess.messages, msg)
	sess.info.UpdatedAt = now
	return nil
}

// RemoveLast implements [Store].
func (s *MemStore) RemoveLast(_ context.Context, id string, n int) error {
	if n <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	keep := max(len(sess.messages)-n, 0)
	sess.messages = sess.messages[:keep]
	return nil
}

// Touch implements [Store].
func (s *MemStore) Touch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.info.UpdatedAt = time.Now()
	return nil
}

// ListSessions implements [Store].
func (s *MemStore) ListSessions(_ context.Context, limit int) ([]SessionInfo, error) {
	s.mu.RLock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		info := sess.info
		info.MessageCount = len(sess.messages)
		out = append(out, info)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements [Store].
func (s *MemStore) Close() error { return nil }
