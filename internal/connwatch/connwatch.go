// Package connwatch tracks the health of the services bbchat depends on:
// the LLM endpoint and the nREPL server. A down service is re-probed
// with exponential backoff; a healthy one on a slow poll. Components
// that notice a connection change can ask for an immediate re-probe.
package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/bbchat/internal/events"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	InitialDelay time.Duration // first re-probe after a failure (default 2s)
	MaxDelay     time.Duration // ceiling for delay growth (default 60s)
	Multiplier   float64       // growth factor (default 2)
	PollInterval time.Duration // probe interval while healthy (default 60s)
	ProbeTimeout time.Duration // per-probe limit (default 10s)
}

// DefaultBackoffConfig returns 2s, 4s, 8s ... capped at 60s while a
// service is down, and one-minute polling while it is up.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

func (b BackoffConfig) next(delay time.Duration) time.Duration {
	return min(time.Duration(float64(delay)*b.Multiplier), b.MaxDelay)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return &permanentError{err: err}
}

// Retry calls fn until it succeeds, returns a [Permanent] error, or ctx
// ends. On ctx expiry the last error from fn is returned.
func Retry(ctx context.Context, b BackoffConfig, fn ProbeFunc) error {
	b = b.withDefaults()
	delay := b.InitialDelay
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if !sleepCtx(ctx, delay) {
			return err
		}
		delay = b.next(delay)
	}
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and health output ("llm", "nrepl").
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	Backoff BackoffConfig

	// OnReady and OnDown run in their own goroutine on each transition.
	OnReady func()
	OnDown  func(err error)

	Logger *slog.Logger
}

// ServiceStatus is the health of one watched service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Since     time.Time `json:"since"` // last ready/down transition, or watch start
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	since     time.Time
	failures  int
}

// IsReady reports whether the service answered its last probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		Since:     w.since,
		LastCheck: w.lastCheck,
		Failures:  w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Recheck asks for a probe now instead of at the next scheduled time.
// Requests made while a probe is already queued collapse into it.
func (w *Watcher) Recheck() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	b := w.config.Backoff
	delay := b.InitialDelay
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-w.wake:
			timer.Stop()
		}

		wait := b.PollInterval
		if err := w.check(ctx); err != nil {
			wait = delay
			delay = b.next(delay)
		} else {
			delay = b.InitialDelay
		}
		timer.Reset(wait)
	}
}

// check probes once, records the outcome, and fires transition callbacks.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	err := w.config.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	now := time.Now()
	wasReady := w.ready.Swap(err == nil)

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = now
	failures := w.failures
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	if wasReady != (err == nil) {
		w.since = now
	}
	w.mu.Unlock()

	logger := w.config.Logger
	switch {
	case !wasReady && err == nil:
		logger.Info("service ready", "service", w.config.Name, "failed_probes", failures)
		if w.config.OnReady != nil {
			go w.config.OnReady()
		}
	case wasReady && err != nil:
		logger.Warn("service became unreachable", "service", w.config.Name, "error", err)
		if w.config.OnDown != nil {
			go w.config.OnDown(err)
		}
	case err != nil && failures == 0:
		logger.Warn("service unreachable, retrying with backoff", "service", w.config.Name, "error", err)
	case err != nil:
		logger.Debug("service still unreachable", "service", w.config.Name, "failures", failures+1, "error", err)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns the watchers of the process.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch starts a watcher that probes immediately and keeps running
// until ctx ends or Stop is called. Panics on an empty Name or nil
// Probe.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		wake:   make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
		since:  time.Now(),
	}
	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	return w
}

// Recheck asks the named watcher for an immediate probe. It reports
// whether such a watcher exists.
func (m *Manager) Recheck(name string) bool {
	m.mu.RLock()
	w, ok := m.watchers[name]
	m.mu.RUnlock()
	if ok {
		w.Recheck()
	}
	return ok
}

// FollowEvents re-probes the named service whenever source publishes a
// connected or disconnected event, so health output tracks what the
// client sees between polls. It runs until ctx ends.
func (m *Manager) FollowEvents(ctx context.Context, bus *events.Bus, source, name string) {
	if bus == nil {
		return
	}
	sub := bus.Subscribe(8, events.FromSources(source))
	go func() {
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-sub.C:
				if !ok {
					return
				}
				if e.Kind == events.KindConnected || e.Kind == events.KindDisconnected {
					m.Recheck(name)
				}
			}
		}
	}()
}

// Status returns every watched service, sorted by name.
func (m *Manager) Status() []ServiceStatus {
	m.mu.RLock()
	out := make([]ServiceStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b ServiceStatus) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Healthy reports whether every watched service is ready.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
