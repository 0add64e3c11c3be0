package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nugget/bbchat/internal/agent"
	"github.com/nugget/bbchat/internal/repl"
	"github.com/nugget/bbchat/internal/session"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 1 << 20
)

// errTurnInProgress is reported when a chat frame arrives while the
// previous turn is still running.
const errTurnInProgress = "turn in progress"

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin accepts any origin when none are configured, and
// requests without an Origin header (non-browser clients).
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.CORSOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(s.cfg.CORSOrigins, "*") || slices.Contains(s.cfg.CORSOrigins, origin)
}

// wsClient serialises writes to one socket. Status callbacks, execution
// reports and the read loop all write concurrently.
type wsClient struct {
	conn   *websocket.Conn
	logger *slog.Logger
	mu     sync.Mutex
}

func (c *wsClient) send(f OutboundFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.conn.WriteJSON(f); err != nil {
		c.logger.Debug("failed to write frame", "type", f.Type, "error", err)
	}
}

func (c *wsClient) sendError(msg string) {
	c.send(OutboundFrame{Type: FrameError, Error: msg})
}

func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Registry == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "chat not configured")
		return
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := &wsClient{conn: conn, logger: s.logger}

	var sess *session.Session
	hooks := agent.Hooks{
		Status: func(msg string) {
			client.send(OutboundFrame{Type: FrameStatus, Message: msg})
		},
		OnExecution: func(code string, res repl.Result) {
			client.send(executionFrame(code, res))
		},
	}
	if s.cfg.RequireApproval {
		hooks.Approve = func(ctx context.Context, code string) (string, error) {
			return s.cfg.Registry.RequestApproval(ctx, sess.ID, code, func(p *session.PendingExecution) {
				client.send(approvalFrame(p))
			})
		}
	}

	sess, err = s.cfg.Registry.Open(ctx, r.URL.Query().Get("session"), hooks)
	if err != nil {
		s.logger.Error("failed to open session", "error", err)
		client.sendError("failed to open session")
		return
	}
	logger := s.logger.With("session", sess.ID)
	client.logger = logger

	client.send(OutboundFrame{
		Type:      FrameSession,
		SessionID: sess.ID,
		History:   sess.Orchestrator.History(),
	})

	var (
		running atomic.Bool
		turns   sync.WaitGroup
	)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("chat socket read ended", "error", err)
			}
			break
		}

		f, err := parseInbound(data)
		if err != nil {
			client.sendError(err.Error())
			continue
		}

		switch f.Type {
		case FrameChat:
			if !running.CompareAndSwap(false, true) {
				client.sendError(errTurnInProgress)
				continue
			}
			text := f.Content
			turns.Go(func() {
				reply, ok := runTurn(ctx, sess, text)
				running.Store(false)
				if ok {
					client.send(reply)
				}
			})
		case FrameApprove:
			if err := s.cfg.Registry.Approve(f.ExecutionID, f.Code); err != nil {
				client.sendError(err.Error())
			}
		case FrameReject:
			if err := s.cfg.Registry.Reject(f.ExecutionID); err != nil {
				client.sendError(err.Error())
			}
		case FramePing:
			client.send(OutboundFrame{Type: FramePong})
		}
	}

	// The client is gone: stop the turn, then release the session.
	cancel()
	turns.Wait()
	s.cfg.Registry.Release(sess)
}

// runTurn processes one chat message and builds the frame reporting how
// the turn ended. Nothing is reported once the socket has closed.
func runTurn(ctx context.Context, sess *session.Session, text string) (OutboundFrame, bool) {
	out, err := sess.Orchestrator.Process(ctx, text)
	switch {
	case err == nil && out.Kind == agent.OutcomeCancelled:
		return OutboundFrame{Type: FrameCancelled}, true
	case err == nil:
		return responseFrame(out.Answer), true
	case ctx.Err() != nil:
		return OutboundFrame{}, false
	case errors.Is(err, agent.ErrBusy):
		return OutboundFrame{Type: FrameError, Error: errTurnInProgress}, true
	default:
		return OutboundFrame{Type: FrameError, Error: err.Error()}, true
	}
}
