// Package httpkit builds the outbound HTTP client used for chat
// completion calls: explicit dial and header timeouts, bearer auth, a
// bbchat User-Agent, and retry on connection-level failures.
package httpkit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/bbchat/internal/buildinfo"
)

const (
	dialTimeout = 10 * time.Second

	// Large models with tools can take minutes before the first byte.
	responseHeaderTimeout = 5 * time.Minute

	// DefaultRetryDelay is the first retry delay; each retry doubles it.
	DefaultRetryDelay = 500 * time.Millisecond

	// ErrorBodyLimit caps how much of a failed response is read.
	ErrorBodyLimit = 4096
)

// Config configures [NewClient].
type Config struct {
	// Timeout bounds a whole request. Zero means no limit.
	Timeout time.Duration

	// BearerToken, if set, is sent as "Authorization: Bearer <token>"
	// unless the request already carries an Authorization header.
	BearerToken string

	// UserAgent defaults to buildinfo.UserAgent().
	UserAgent string

	// Retries is how many times a request that never reached the
	// server is repeated.
	Retries    int
	RetryDelay time.Duration

	Logger *slog.Logger
}

// NewClient builds an *http.Client for one upstream endpoint.
func NewClient(cfg Config) *http.Client {
	if cfg.UserAgent == "" {
		cfg.UserAgent = buildinfo.UserAgent()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: responseHeaderTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		ForceAttemptHTTP2:     true,
	}

	var rt http.RoundTripper = &headerTransport{
		base:  base,
		ua:    cfg.UserAgent,
		token: cfg.BearerToken,
	}
	if cfg.Retries > 0 {
		rt = &retryTransport{
			base:    rt,
			retries: cfg.Retries,
			delay:   cfg.RetryDelay,
			logger:  cfg.Logger,
		}
	}
	return &http.Client{Timeout: cfg.Timeout, Transport: rt}
}

// headerTransport fills in headers the caller left unset.
type headerTransport struct {
	base  http.RoundTripper
	ua    string
	token string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	needUA := req.Header.Get("User-Agent") == ""
	needAuth := t.token != "" && req.Header.Get("Authorization") == ""
	if needUA || needAuth {
		req = req.Clone(req.Context())
		if needUA {
			req.Header.Set("User-Agent", t.ua)
		}
		if needAuth {
			req.Header.Set("Authorization", "Bearer "+t.token)
		}
	}
	return t.base.RoundTrip(req)
}

type retryTransport struct {
	base    http.RoundTripper
	retries int
	delay   time.Duration
	logger  *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	delay := t.delay
	for attempt := 1; attempt <= t.retries && Retryable(err) && rewindable; attempt++ {
		t.logger.Debug("retrying request",
			"method", req.Method,
			"url", req.URL.Redacted(),
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
		delay *= 2

		retry := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", bodyErr)
			}
			retry.Body = body
		}
		resp, err = t.base.RoundTrip(retry)
	}
	return resp, err
}

// Retryable reports whether err is a dial failure that happened before
// any bytes reached the server. A reset connection is not retryable: the
// model may already be generating.
func Retryable(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
		return true
	}
	return false
}

// DrainAndClose reads up to limit bytes from rc and closes it so the
// connection can be reused.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ErrorMessage reads a failed response body and returns a short
// description of it. OpenAI-style {"error":{"message":...}} and
// {"error":"..."} bodies yield just the message; anything else is
// returned as trimmed text. The body is closed.
func ErrorMessage(rc io.ReadCloser) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, ErrorBodyLimit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}

	var structured struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &structured) == nil && len(structured.Error) > 0 {
		var detail struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(structured.Error, &detail) == nil && detail.Message != "" {
			return detail.Message
		}
		var plain string
		if json.Unmarshal(structured.Error, &plain) == nil && plain != "" {
			return plain
		}
	}
	return strings.TrimSpace(string(body))
}
