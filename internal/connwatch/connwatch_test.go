package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/bbchat/internal/events"
)

func fastBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func quietManager() *Manager {
	return NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestBackoffDefaults(t *testing.T) {
	t.Parallel()
	b := BackoffConfig{}.withDefaults()
	if b != DefaultBackoffConfig() {
		t.Errorf("withDefaults() = %+v, want %+v", b, DefaultBackoffConfig())
	}

	delays := []time.Duration{}
	d := b.InitialDelay
	for range 7 {
		delays = append(delays, d)
		d = b.next(d)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestRetry(t *testing.T) {
	t.Parallel()
	errDown := errors.New("connection refused")

	t.Run("succeeds after failures", func(t *testing.T) {
		var n atomic.Int32
		err := Retry(t.Context(), fastBackoff(), func(context.Context) error {
			if n.Add(1) < 4 {
				return errDown
			}
			return nil
		})
		if err != nil || n.Load() != 4 {
			t.Errorf("Retry = %v after %d attempts", err, n.Load())
		}
	})

	t.Run("permanent stops immediately", func(t *testing.T) {
		var n atomic.Int32
		err := Retry(t.Context(), fastBackoff(), func(context.Context) error {
			n.Add(1)
			return Permanent(errDown)
		})
		if !errors.Is(err, errDown) || n.Load() != 1 {
			t.Errorf("Retry = %v after %d attempts", err, n.Load())
		}
	})

	t.Run("context deadline returns last error", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
		defer cancel()
		err := Retry(ctx, fastBackoff(), func(context.Context) error { return errDown })
		if !errors.Is(err, errDown) {
			t.Errorf("Retry = %v, want last probe error", err)
		}
	})
}

func TestWatcher_BackoffThenReady(t *testing.T) {
	t.Parallel()
	var attempts, readyCalls atomic.Int32

	w := quietManager().Watch(t.Context(), WatcherConfig{
		Name: "nrepl",
		Probe: func(context.Context) error {
			if attempts.Add(1) <= 3 {
				return errors.New("dial tcp 127.0.0.1:1667: connection refused")
			}
			return nil
		},
		Backoff: fastBackoff(),
		OnReady: func() { readyCalls.Add(1) },
	})
	defer w.Stop()

	eventually(t, w.IsReady, "watcher never became ready")
	eventually(t, func() bool { return readyCalls.Load() == 1 }, "OnReady not called")
	if w.LastError() != nil {
		t.Errorf("LastError = %v", w.LastError())
	}
}

func TestWatcher_DownAndRecover(t *testing.T) {
	t.Parallel()
	var failing atomic.Bool
	var downCalls, readyCalls atomic.Int32

	w := quietManager().Watch(t.Context(), WatcherConfig{
		Name: "llm",
		Probe: func(context.Context) error {
			if failing.Load() {
				return errors.New("API error 503")
			}
			return nil
		},
		Backoff: fastBackoff(),
		OnReady: func() { readyCalls.Add(1) },
		OnDown:  func(error) { downCalls.Add(1) },
	})
	defer w.Stop()

	eventually(t, w.IsReady, "not ready initially")
	failing.Store(true)
	eventually(t, func() bool { return !w.IsReady() && downCalls.Load() == 1 }, "down transition not seen")
	if s := w.Status(); s.Ready || s.LastError == "" || s.Name != "llm" {
		t.Errorf("status while down = %+v", s)
	}
	failing.Store(false)
	eventually(t, func() bool { return w.IsReady() && readyCalls.Load() == 2 }, "recovery not seen")
}

func TestWatcher_StopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	w := quietManager().Watch(ctx, WatcherConfig{
		Name:    "llm",
		Probe:   func(context.Context) error { return errors.New("down") },
		Backoff: fastBackoff(),
	})
	cancel()

	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop after context cancellation")
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	b := fastBackoff()
	b.ProbeTimeout = 5 * time.Millisecond

	w := quietManager().Watch(t.Context(), WatcherConfig{
		Name: "slow",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Backoff: b,
	})
	defer w.Stop()

	eventually(t, func() bool { return errors.Is(w.LastError(), context.DeadlineExceeded) }, "probe timeout not recorded")
}

func TestManager_StatusAndHealthy(t *testing.T) {
	t.Parallel()
	m := quietManager()
	b := fastBackoff()

	m.Watch(t.Context(), WatcherConfig{Name: "nrepl", Probe: func(context.Context) error { return errors.New("down") }, Backoff: b})
	m.Watch(t.Context(), WatcherConfig{Name: "llm", Probe: func(context.Context) error { return nil }, Backoff: b})
	defer m.Stop()

	eventually(t, func() bool {
		s := m.Status()
		return len(s) == 2 && s[0].Ready && !s[1].LastCheck.IsZero()
	}, "statuses not populated")

	s := m.Status()
	if s[0].Name != "llm" || s[1].Name != "nrepl" {
		t.Errorf("status order = %s, %s", s[0].Name, s[1].Name)
	}
	if s[1].Ready || s[1].LastError != "down" || s[1].Failures == 0 {
		t.Errorf("nrepl status = %+v", s[1])
	}
	if s[0].Failures != 0 || s[0].Since.IsZero() {
		t.Errorf("llm status = %+v", s[0])
	}
	if m.Healthy() {
		t.Error("Healthy() with a down service")
	}
}

func TestWatch_PanicsOnBadConfig(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Error("expected panic for missing probe")
		}
	}()
	quietManager().Watch(t.Context(), WatcherConfig{Name: "x"})
}

// countingProbe counts calls and fails while down is set.
type countingProbe struct {
	calls atomic.Int32
	down  atomic.Bool
}

func (p *countingProbe) probe(context.Context) error {
	p.calls.Add(1)
	if p.down.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func TestWatcher_BacksOffOnlyWhileDown(t *testing.T) {
	t.Parallel()
	p := &countingProbe{}
	p.down.Store(true)

	b := fastBackoff()
	b.PollInterval = time.Hour
	w := quietManager().Watch(t.Context(), WatcherConfig{Name: "nrepl", Probe: p.probe, Backoff: b})
	defer w.Stop()

	// Down: re-probed on the backoff schedule, not the hourly poll.
	eventually(t, func() bool { return p.calls.Load() >= 4 }, "no backoff probes while down")

	p.down.Store(false)
	eventually(t, w.IsReady, "never recovered")
	settled := p.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if got := p.calls.Load(); got != settled {
		t.Errorf("probed %d more times while healthy with an hourly poll", got-settled)
	}
	if s := w.Status(); s.Failures != 0 || s.LastError != "" {
		t.Errorf("status after recovery = %+v", s)
	}
}

func TestRecheck(t *testing.T) {
	t.Parallel()
	p := &countingProbe{}
	b := fastBackoff()
	b.PollInterval = time.Hour

	m := quietManager()
	w := m.Watch(t.Context(), WatcherConfig{Name: "llm", Probe: p.probe, Backoff: b})
	defer m.Stop()
	eventually(t, w.IsReady, "not ready")

	before := p.calls.Load()
	p.down.Store(true)
	if !m.Recheck("llm") {
		t.Fatal("Recheck(llm) found no watcher")
	}
	eventually(t, func() bool { return p.calls.Load() > before && !w.IsReady() }, "Recheck did not probe")

	if m.Recheck("missing") {
		t.Error("Recheck of an unknown service reported true")
	}
}

func TestFollowEvents(t *testing.T) {
	t.Parallel()
	p := &countingProbe{}
	b := fastBackoff()
	b.PollInterval = time.Hour

	bus := events.New()
	m := quietManager()
	w := m.Watch(t.Context(), WatcherConfig{Name: "nrepl", Probe: p.probe, Backoff: b})
	defer m.Stop()
	m.FollowEvents(t.Context(), bus, events.SourceNREPL, "nrepl")
	eventually(t, w.IsReady, "not ready")

	before := p.calls.Load()
	bus.Emit(events.SourceSession, events.KindSessionOpened, nil)
	time.Sleep(20 * time.Millisecond)
	if p.calls.Load() != before {
		t.Error("unrelated event triggered a probe")
	}

	p.down.Store(true)
	bus.Emit(events.SourceNREPL, events.KindDisconnected, map[string]any{"addr": "127.0.0.1:1667"})
	eventually(t, func() bool { return !w.IsReady() }, "disconnect event did not trigger a probe")
}
