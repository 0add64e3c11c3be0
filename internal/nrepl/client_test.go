package nrepl

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/bbchat/internal/repl"
	"github.com/zeebo/bencode"
)

// fakeServer is a minimal nREPL server. handle returns the reply frames
// for one request; the id is filled in automatically.
type fakeServer struct {
	ln       net.Listener
	handle   func(req frame) []map[string]any
	sessions atomic.Int32

	mu    sync.Mutex
	conns []net.Conn
	ops   []string
}

func newFakeServer(t *testing.T, handle func(req frame) []map[string]any) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{ln: ln, handle: handle}
	go s.serve()
	t.Cleanup(func() {
		ln.Close()
		s.dropConnections()
	})
	return s
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

func (s *fakeServer) serve() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		go s.serveConn(c)
	}
}

func (s *fakeServer) serveConn(c net.Conn) {
	defer c.Close()
	dec := bencode.NewDecoder(bufio.NewReader(c))
	var wmu sync.Mutex
	enc := bencode.NewEncoder(c)
	for {
		var req map[string]any
		if err := dec.Decode(&req); err != nil {
			return
		}
		f := frame(req)
		s.mu.Lock()
		s.ops = append(s.ops, f.str("op"))
		s.mu.Unlock()

		go func() {
			for _, reply := range s.handle(f) {
				reply["id"] = f.str("id")
				wmu.Lock()
				err := enc.Encode(reply)
				wmu.Unlock()
				if err != nil {
					return
				}
			}
		}()
	}
}

func (s *fakeServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *fakeServer) sawOp(op string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.ops {
		if o == op {
			return true
		}
	}
	return false
}

func done(extra ...string) map[string]any {
	return map[string]any{"status": append([]string{"done"}, extra...)}
}

// babashka simulates the handful of forms the tests evaluate.
func (s *fakeServer) babashka(req frame) []map[string]any {
	switch req.str("op") {
	case "clone":
		n := s.sessions.Add(1)
		return []map[string]any{{"new-session": "sess-" + string(rune('0'+n)), "status": []string{"done"}}}
	case "describe":
		return []map[string]any{{
			"ops":      map[string]any{"eval": map[string]any{}, "clone": map[string]any{}},
			"versions": map[string]any{"babashka": "1.3.190"},
			"status":   []string{"done"},
		}}
	case "close", "interrupt":
		return []map[string]any{done()}
	case "eval":
		switch req.str("code") {
		case "(+ 1 2)":
			return []map[string]any{{"value": "3", "ns": "user"}, done()}
		case `(println "hi")`:
			return []map[string]any{{"out": "hi\n"}, {"value": "nil", "ns": "user"}, done()}
		case "(/ 1 0)":
			return []map[string]any{
				{"err": "clojure.lang.ExceptionInfo: Divide by zero\n"},
				{"ex": "class java.lang.ArithmeticException", "root-ex": "class java.lang.ArithmeticException", "status": []string{"eval-error"}},
				done(),
			}
		case "(def x 1)":
			return []map[string]any{{"value": "#'user/x", "ns": "user"}, done()}
		case "(loop [] (recur))":
			return nil
		}
	}
	return []map[string]any{done("error", "unknown-op")}
}

func newTestClient(t *testing.T, addr string, timeout time.Duration) *Client {
	t.Helper()
	c := NewClient(Config{
		Addr:        addr,
		EvalTimeout: timeout,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSession_Execute(t *testing.T) {
	var srv *fakeServer
	srv = newFakeServer(t, func(req frame) []map[string]any { return srv.babashka(req) })
	c := newTestClient(t, srv.addr(), 0)

	sess, err := c.NewSession(t.Context())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if sess.ID() != "sess-1" {
		t.Errorf("session id = %q", sess.ID())
	}

	tests := []struct {
		code      string
		wantValue string
		wantOut   string
		wantErr   string
	}{
		{code: "(+ 1 2)", wantValue: "3"},
		{code: `(println "hi")`, wantValue: "nil", wantOut: "hi\n"},
		{code: "(/ 1 0)", wantErr: "Divide by zero"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			res, err := sess.Execute(t.Context(), tt.code)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			switch r := res.(type) {
			case *repl.Success:
				if tt.wantErr != "" {
					t.Fatalf("got success %q, want failure", r.Value)
				}
				if r.Value != tt.wantValue || r.Stdout != tt.wantOut {
					t.Errorf("success = %+v", r)
				}
				if tt.wantOut != "" && (len(r.Logs) != 1 || r.Logs[0].Message != "hi") {
					t.Errorf("logs = %+v", r.Logs)
				}
			case *repl.RuntimeFailure:
				if tt.wantErr == "" {
					t.Fatalf("unexpected failure %q", r.Error)
				}
				if !strings.Contains(r.Error, tt.wantErr) {
					t.Errorf("error = %q, want it to mention %q", r.Error, tt.wantErr)
				}
				if len(r.Logs) == 0 || r.Logs[0].Level != "error" {
					t.Errorf("logs = %+v", r.Logs)
				}
			default:
				t.Fatalf("unexpected result %T", res)
			}
		})
	}
}

func TestSession_EvalTimeoutInterrupts(t *testing.T) {
	var srv *fakeServer
	srv = newFakeServer(t, func(req frame) []map[string]any { return srv.babashka(req) })
	c := newTestClient(t, srv.addr(), 30*time.Millisecond)

	sess, err := c.NewSession(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	res, err := sess.Execute(t.Context(), "(loop [] (recur))")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	rf, ok := res.(*repl.RuntimeFailure)
	if !ok || !strings.Contains(rf.Error, "timed out") {
		t.Errorf("result = %#v, want timeout failure", res)
	}
	if !srv.sawOp("interrupt") {
		t.Error("timed out evaluation was not interrupted")
	}
}

func TestSession_CallerCancel(t *testing.T) {
	var srv *fakeServer
	srv = newFakeServer(t, func(req frame) []map[string]any { return srv.babashka(req) })
	c := newTestClient(t, srv.addr(), 0)
	sess, _ := c.NewSession(t.Context())

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err := sess.Execute(ctx, "(loop [] (recur))")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want the caller's context error", err)
	}
}

func TestSession_ReclonesUnknownSession(t *testing.T) {
	var forgotten atomic.Bool
	var srv *fakeServer
	srv = newFakeServer(t, func(req frame) []map[string]any {
		if req.str("op") == "eval" && req.str("session") == "sess-1" && !forgotten.Swap(true) {
			return []map[string]any{done("error", "unknown-session")}
		}
		return srv.babashka(req)
	})
	c := newTestClient(t, srv.addr(), 0)
	sess, _ := c.NewSession(t.Context())

	res, err := sess.Execute(t.Context(), "(+ 1 2)")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if s, ok := res.(*repl.Success); !ok || s.Value != "3" {
		t.Errorf("result = %#v", res)
	}
	if sess.ID() != "sess-2" {
		t.Errorf("session id = %q, want recloned sess-2", sess.ID())
	}
}

func TestClient_RedialsAfterDrop(t *testing.T) {
	var srv *fakeServer
	srv = newFakeServer(t, func(req frame) []map[string]any { return srv.babashka(req) })
	c := newTestClient(t, srv.addr(), 0)

	if err := c.Ping(t.Context()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	srv.dropConnections()

	// The dropped connection is noticed by the read loop; retry until
	// the client redials.
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := c.Ping(t.Context())
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Ping never recovered: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClient_Unreachable(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	ln.Close()

	c := newTestClient(t, addr, 0)
	if err := c.Ping(t.Context()); err == nil {
		t.Fatal("Ping to a closed port succeeded")
	}
	if _, err := c.NewSession(t.Context()); err == nil {
		t.Fatal("NewSession to a closed port succeeded")
	}
}

func TestClient_Describe(t *testing.T) {
	var srv *fakeServer
	srv = newFakeServer(t, func(req frame) []map[string]any { return srv.babashka(req) })
	c := newTestClient(t, srv.addr(), 0)

	v, err := c.Describe(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if v["babashka"] != "1.3.190" {
		t.Errorf("versions = %v", v)
	}
}

func TestSession_Close(t *testing.T) {
	var srv *fakeServer
	srv = newFakeServer(t, func(req frame) []map[string]any { return srv.babashka(req) })
	c := newTestClient(t, srv.addr(), 0)
	sess, _ := c.NewSession(t.Context())

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !srv.sawOp("close") {
		t.Error("server never saw a close op")
	}
}

func TestFrameHelpers(t *testing.T) {
	f := frame{
		"id":     int64(7),
		"out":    []byte("bytes"),
		"status": []any{"done", []byte("eval-error")},
	}
	if f.str("id") != "7" || f.str("out") != "bytes" || f.str("missing") != "" {
		t.Errorf("str helpers wrong: %q %q", f.str("id"), f.str("out"))
	}
	if !f.hasStatus("done") || !f.hasStatus("eval-error") || f.hasStatus("error") {
		t.Errorf("status = %v", f.status())
	}
}
