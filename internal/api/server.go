// Package api serves the browser-facing HTTP and WebSocket surface:
// the chat socket, session history, health and the event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/nugget/bbchat/internal/buildinfo"
	"github.com/nugget/bbchat/internal/connwatch"
	"github.com/nugget/bbchat/internal/events"
	"github.com/nugget/bbchat/internal/llm"
	"github.com/nugget/bbchat/internal/memory"
	"github.com/nugget/bbchat/internal/session"
	"github.com/rs/cors"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Config wires a [Server] to the rest of the application.
type Config struct {
	Address string // bind address ("" = all interfaces)
	Port    int

	Registry *session.Registry
	Store    memory.Store
	Health   *connwatch.Manager // optional
	Events   *events.Bus        // optional; /v1/events is 503 without it

	// RequireApproval gates every evaluation on an approve frame.
	RequireApproval bool

	// CORSOrigins lists browser origins allowed to call the API and
	// open sockets. Empty allows any origin.
	CORSOrigins []string

	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a server. Call [Server.Start] to listen.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("GET /v1/sessions", s.handleSessionList)
	mux.HandleFunc("POST /v1/sessions", s.handleSessionCreate)
	mux.HandleFunc("GET /v1/sessions/{id}/history", s.handleSessionHistory)

	mux.HandleFunc("GET /v1/ws", s.handleChatSocket)
	mux.HandleFunc("GET /v1/events", s.handleEventSocket)

	var h http.Handler = mux
	if len(s.cfg.CORSOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Content-Type", "Authorization"},
			AllowCredentials: true,
			MaxAge:           300,
		}).Handler(h)
	}
	return s.withRecovery(s.withLogging(h))
}

// Start begins listening and blocks until the server stops. A clean
// shutdown returns nil.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				s.logger.Error("panic recovered",
					"error", err,
					"path", r.URL.Path,
					"method", r.Method,
					"stack", string(debug.Stack()),
				)
				s.errorResponse(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Current(), s.logger)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string                    `json:"status"` // ok or degraded
	Version  string                    `json:"version"`
	Uptime   string                    `json:"uptime"`
	Sessions int                       `json:"sessions"`
	Services []connwatch.ServiceStatus `json:"services"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "ok",
		Version:  buildinfo.Get().Version,
		Uptime:   buildinfo.Uptime().String(),
		Services: []connwatch.ServiceStatus{},
	}
	if s.cfg.Registry != nil {
		resp.Sessions = s.cfg.Registry.Count()
	}
	if s.cfg.Health != nil {
		resp.Services = s.cfg.Health.Status()
		if !s.cfg.Health.Healthy() {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	sessions, err := s.cfg.Store.ListSessions(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list sessions", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []memory.SessionInfo{}
	}
	writeJSON(w, map[string]any{"sessions": sessions}, s.logger)
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	id, err := s.cfg.Store.CreateSession(r.Context())
	if err != nil {
		s.logger.Error("failed to create session", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]string{"session_id": id}, s.logger)
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	history, err := s.cfg.Store.GetSessionHistory(r.Context(), id)
	if errors.Is(err, memory.ErrSessionNotFound) {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load history", "session", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if history == nil {
		history = []llm.Message{}
	}
	writeJSON(w, map[string]any{"session_id": id, "messages": history}, s.logger)
}
