package nrepl

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/bbchat/internal/events"
	"github.com/nugget/bbchat/internal/repl"
)

// Config configures a [Client].
type Config struct {
	// Addr is the host:port of the nREPL server.
	Addr string

	// EvalTimeout bounds one evaluation. Zero means no limit.
	EvalTimeout time.Duration

	Logger *slog.Logger
	Events *events.Bus
}

// Client talks to one nREPL server. The TCP connection is dialed on
// first use and redialed after it drops.
type Client struct {
	addr        string
	evalTimeout time.Duration
	logger      *slog.Logger
	events      *events.Bus

	mu   sync.Mutex
	conn *conn
}

// NewClient creates a client. No connection is made until first use.
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		addr:        cfg.Addr,
		evalTimeout: cfg.EvalTimeout,
		logger:      logger.With("component", "nrepl"),
		events:      cfg.Events,
	}
}

// Addr returns the server address.
func (c *Client) Addr() string { return c.addr }

func (c *Client) connection(ctx context.Context) (*conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && c.conn.alive() {
		return c.conn, nil
	}
	if c.conn != nil {
		c.logger.Warn("nrepl connection lost, redialing", "addr", c.addr)
		c.events.Emit(events.SourceNREPL, events.KindDisconnected, map[string]any{"addr": c.addr})
	}
	conn, err := dial(ctx, c.addr, c.logger)
	if err != nil {
		c.conn = nil
		return nil, err
	}
	c.conn = conn
	c.logger.Info("connected to nrepl server", "addr", c.addr)
	c.events.Emit(events.SourceNREPL, events.KindConnected, map[string]any{"addr": c.addr})
	return conn, nil
}

func (c *Client) request(ctx context.Context, msg map[string]any) ([]frame, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}
	return conn.request(ctx, msg)
}

// Ping checks that the server answers a describe request. Suitable as a
// connwatch probe.
func (c *Client) Ping(ctx context.Context) error {
	frames, err := c.request(ctx, map[string]any{"op": "describe"})
	if err != nil {
		return err
	}
	for _, f := range frames {
		if _, ok := f["ops"]; ok {
			return nil
		}
	}
	return fmt.Errorf("nrepl describe: no ops in reply")
}

// Describe returns the server's version map (for example
// {"babashka": "1.3.190"}), or nil if it reports none.
func (c *Client) Describe(ctx context.Context) (map[string]string, error) {
	frames, err := c.request(ctx, map[string]any{"op": "describe"})
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, f := range frames {
		versions, _ := f["versions"].(map[string]any)
		for name, v := range versions {
			switch vv := v.(type) {
			case string:
				out[name] = vv
			case map[string]any:
				out[name] = frame(vv).str("version-string")
			}
		}
	}
	return out, nil
}

// NewSession clones a fresh evaluation session. Each chat session gets
// its own so definitions do not leak between users.
func (c *Client) NewSession(ctx context.Context) (*Session, error) {
	id, err := c.clone(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("nrepl session cloned", "nrepl_session", id)
	return &Session{client: c, id: id}, nil
}

func (c *Client) clone(ctx context.Context) (string, error) {
	frames, err := c.request(ctx, map[string]any{"op": "clone"})
	if err != nil {
		return "", fmt.Errorf("nrepl clone: %w", err)
	}
	for _, f := range frames {
		if id := f.str("new-session"); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("nrepl clone: no new-session in reply")
}

// Close drops the TCP connection.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.close()
}

// Session is one nREPL evaluation session. Evaluations are serialised.
type Session struct {
	client *Client

	mu sync.Mutex
	id string
}

// ID returns the server-side session id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

var _ repl.Executor = (*Session)(nil)

// Execute evaluates code. A thrown exception, a compile error, or an
// evaluation timeout is a [*repl.RuntimeFailure]; failing to reach the
// server is an error. Cancelling ctx returns ctx.Err().
func (s *Session) Execute(ctx context.Context, code string) (repl.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, unknown, err := s.eval(ctx, code)
	if err == nil && unknown {
		// The server forgot the session (restart); start a new one.
		s.client.logger.Info("nrepl session unknown to server, recloning", "nrepl_session", s.id)
		id, cerr := s.client.clone(ctx)
		if cerr != nil {
			return nil, cerr
		}
		s.id = id
		res, _, err = s.eval(ctx, code)
	}
	return res, err
}

func (s *Session) eval(ctx context.Context, code string) (repl.Result, bool, error) {
	evalCtx := ctx
	if t := s.client.evalTimeout; t > 0 {
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	conn, err := s.client.connection(ctx)
	if err != nil {
		return nil, false, err
	}

	start := time.Now()
	id, w, err := conn.send(map[string]any{"op": "eval", "code": code, "session": s.id})
	if err != nil {
		return nil, false, err
	}
	defer conn.forget(id)

	var (
		value     string
		haveValue bool
		ex        string
		failed    bool
		stdout    strings.Builder
		stderr    strings.Builder
		logs      []repl.LogEntry
	)
	for {
		f, err := conn.next(evalCtx, w)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			if evalCtx.Err() != nil {
				s.interrupt(conn, id)
				return &repl.RuntimeFailure{
					Error:         fmt.Sprintf("evaluation timed out after %s", s.client.evalTimeout),
					Stdout:        stdout.String(),
					Stderr:        stderr.String(),
					Logs:          logs,
					ExecutionTime: time.Since(start),
				}, false, nil
			}
			return nil, false, err
		}

		if out := f.str("out"); out != "" {
			stdout.WriteString(out)
			logs = append(logs, repl.LogEntry{Level: "info", Message: strings.TrimRight(out, "\n"), Timestamp: time.Now()})
		}
		if errOut := f.str("err"); errOut != "" {
			stderr.WriteString(errOut)
			logs = append(logs, repl.LogEntry{Level: "error", Message: strings.TrimRight(errOut, "\n"), Timestamp: time.Now()})
		}
		if _, ok := f["value"]; ok {
			value = f.str("value")
			haveValue = true
		}
		if e := f.str("ex"); e != "" {
			ex = e
		}
		if f.hasStatus("unknown-session") {
			return nil, true, nil
		}
		if f.hasStatus("eval-error") {
			failed = true
		}
		if f.hasStatus("done") {
			break
		}
	}

	elapsed := time.Since(start)
	if failed || ex != "" {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = ex
		}
		if msg == "" {
			msg = "evaluation failed"
		}
		return &repl.RuntimeFailure{
			Error:         msg,
			Stdout:        stdout.String(),
			Stderr:        stderr.String(),
			Logs:          logs,
			ExecutionTime: elapsed,
		}, false, nil
	}
	if !haveValue {
		value = "nil"
	}
	return &repl.Success{
		Value:         value,
		Stdout:        stdout.String(),
		Stderr:        stderr.String(),
		Logs:          logs,
		ExecutionTime: elapsed,
	}, false, nil
}

// interrupt asks the server to stop a running evaluation. Best effort.
func (s *Session) interrupt(conn *conn, evalID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := conn.request(ctx, map[string]any{"op": "interrupt", "session": s.id, "interrupt-id": evalID}); err != nil {
		s.client.logger.Debug("nrepl interrupt failed", "error", err)
	}
}

// Close releases the server-side session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.client.request(ctx, map[string]any{"op": "close", "session": s.id}); err != nil {
		return fmt.Errorf("nrepl close session: %w", err)
	}
	return nil
}
