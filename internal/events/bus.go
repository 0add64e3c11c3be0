// Package events is a publish/subscribe bus for operational events:
// turn progress from the orchestrator, session lifecycle from the
// registry, and runtime health from the nREPL client. The /v1/events
// socket streams it to dashboards. A nil *Bus is a valid no-op bus.
package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Sources.
const (
	SourceOrchestrator = "orchestrator"
	SourceSession      = "session"
	SourceNREPL        = "nrepl"
)

// Kinds published by the orchestrator. Every event carries session_id.
const (
	// KindTurnStart: turn, history_len.
	KindTurnStart = "turn_start"
	// KindLLMCall: round, model, messages.
	KindLLMCall = "llm_call"
	// KindLLMResponse: round, model, tokens_in, tokens_out, tool_calls, duration_ms.
	KindLLMResponse = "llm_response"
	// KindToolCall: call_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone: call_id, tool, status, duration_ms.
	KindToolDone = "tool_done"
	// KindRecovery: in_recovery, iteration, max_iterations.
	KindRecovery = "recovery"
	// KindTurnComplete: outcome (answer, cancelled, error), rounds, elapsed_ms.
	KindTurnComplete = "turn_complete"
)

// Kinds published by the session registry and the nREPL client.
const (
	// KindSessionOpened: session_id, history_len.
	KindSessionOpened = "session_opened"
	// KindSessionClosed: session_id.
	KindSessionClosed = "session_closed"
	// KindApprovalRequested: session_id, execution_id.
	KindApprovalRequested = "approval_requested"
	// KindApprovalResolved: session_id, execution_id, approved.
	KindApprovalResolved = "approval_resolved"
	// KindConnected and KindDisconnected: addr.
	KindConnected    = "connected"
	KindDisconnected = "disconnected"
)

// Event is one operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// SessionID returns the session the event belongs to, or "" for
// process-wide events such as runtime connectivity.
func (e Event) SessionID() string {
	id, _ := e.Data["session_id"].(string)
	return id
}

// Filter selects the events a subscription receives.
type Filter func(Event) bool

// ForSession passes events of one session plus process-wide events.
func ForSession(id string) Filter {
	return func(e Event) bool {
		sid := e.SessionID()
		return sid == "" || sid == id
	}
}

// FromSources passes events published by any of the given sources.
func FromSources(sources ...string) Filter {
	return func(e Event) bool { return slices.Contains(sources, e.Source) }
}

// Subscription is one subscriber's view of the bus. Events arrive on C
// until the subscription is removed, at which point C is closed.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	filters []Filter
	dropped atomic.Int64
}

// Dropped returns how many matching events were discarded because C
// was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) wants(e Event) bool {
	for _, f := range s.filters {
		if !f(e) {
			return false
		}
	}
	return true
}

// Bus is a non-blocking broadcast bus. Slow subscribers miss events
// rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish delivers e to every subscription whose filters accept it. A
// zero Timestamp is set to now.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Emit publishes an event built from its parts.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe registers a subscription buffering up to bufSize events.
// All filters must pass for an event to be delivered. Callers must
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int, filters ...Filter) *Subscription {
	ch := make(chan Event, bufSize)
	s := &Subscription{C: ch, ch: ch, filters: filters}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes s and closes its channel. Repeated calls are
// no-ops.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
