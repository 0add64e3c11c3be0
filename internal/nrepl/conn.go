// Package nrepl speaks the bencode nREPL protocol to a Babashka server
// and adapts it to [repl.Executor].
package nrepl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/zeebo/bencode"
)

// LevelTrace logs every frame on the wire.
const LevelTrace = slog.Level(-8)

// ErrClosed is returned for requests on a closed connection.
var ErrClosed = errors.New("nrepl connection closed")

// frame is one decoded nREPL message.
type frame map[string]any

func (f frame) str(key string) string {
	switch v := f[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case int64:
		return strconv.FormatInt(v, 10)
	}
	return ""
}

func (f frame) status() []string {
	list, _ := f["status"].([]any)
	out := make([]string, 0, len(list))
	for _, s := range list {
		switch v := s.(type) {
		case string:
			out = append(out, v)
		case []byte:
			out = append(out, string(v))
		}
	}
	return out
}

func (f frame) hasStatus(s string) bool {
	return slices.Contains(f.status(), s)
}

// waiter receives the frames of one request. quit is closed when the
// requester stops listening.
type waiter struct {
	frames chan frame
	quit   chan struct{}
}

// conn is one TCP connection. Frames are routed to waiters by id.
type conn struct {
	nc     net.Conn
	logger *slog.Logger

	wmu sync.Mutex
	enc *bencode.Encoder

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[string]*waiter

	done    chan struct{}
	readErr error
}

func dial(ctx context.Context, addr string, logger *slog.Logger) (*conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial nrepl %s: %w", addr, err)
	}
	c := &conn{
		nc:      nc,
		logger:  logger,
		enc:     bencode.NewEncoder(nc),
		pending: make(map[string]*waiter),
		done:    make(chan struct{}),
	}
	go c.readLoop(bufio.NewReader(nc))
	return c, nil
}

// send writes msg with a fresh id and returns the waiter for its replies.
func (c *conn) send(msg map[string]any) (string, *waiter, error) {
	select {
	case <-c.done:
		return "", nil, ErrClosed
	default:
	}

	id := strconv.FormatInt(c.nextID.Add(1), 10)
	msg["id"] = id
	w := &waiter{frames: make(chan frame, 16), quit: make(chan struct{})}

	c.mu.Lock()
	c.pending[id] = w
	c.mu.Unlock()

	c.logger.Log(context.Background(), LevelTrace, "nrepl send", "msg", msg)

	c.wmu.Lock()
	err := c.enc.Encode(msg)
	c.wmu.Unlock()
	if err != nil {
		c.forget(id)
		return "", nil, fmt.Errorf("write nrepl request: %w", err)
	}
	return id, w, nil
}

// forget stops routing frames for id.
func (c *conn) forget(id string) {
	c.mu.Lock()
	w, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		close(w.quit)
	}
}

// next returns the next frame for w.
func (c *conn) next(ctx context.Context, w *waiter) (frame, error) {
	select {
	case f := <-w.frames:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		// Frames delivered before the connection dropped still count.
		select {
		case f := <-w.frames:
			return f, nil
		default:
		}
		if c.readErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrClosed, c.readErr)
		}
		return nil, ErrClosed
	}
}

// request sends msg and collects replies until one carries "done".
func (c *conn) request(ctx context.Context, msg map[string]any) ([]frame, error) {
	id, w, err := c.send(msg)
	if err != nil {
		return nil, err
	}
	defer c.forget(id)

	var out []frame
	for {
		f, err := c.next(ctx, w)
		if err != nil {
			return out, err
		}
		out = append(out, f)
		if f.hasStatus("done") {
			return out, nil
		}
	}
}

func (c *conn) readLoop(r io.Reader) {
	dec := bencode.NewDecoder(r)
	defer close(c.done)

	for {
		var f map[string]any
		if err := dec.Decode(&f); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Warn("nrepl read error", "error", err)
			}
			c.readErr = err
			return
		}
		c.logger.Log(context.Background(), LevelTrace, "nrepl recv", "frame", f)

		fr := frame(f)
		id := fr.str("id")
		c.mu.Lock()
		w, ok := c.pending[id]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("nrepl frame for unknown id", "id", id)
			continue
		}
		select {
		case w.frames <- fr:
		case <-w.quit:
		}
	}
}

func (c *conn) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *conn) close() error {
	err := c.nc.Close()
	<-c.done
	return err
}
