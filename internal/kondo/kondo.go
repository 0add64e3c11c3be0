// Package kondo lints Clojure code with clj-kondo before it is sent to
// the runtime, so syntax mistakes come back to the model as validation
// errors instead of runtime exceptions.
package kondo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/nugget/bbchat/internal/repl"
)

// Config configures a [Linter].
type Config struct {
	Enabled bool
	Path    string        // clj-kondo executable (default "clj-kondo")
	Lang    string        // clj, cljs or cljc (default "clj")
	Timeout time.Duration // per run (default 10s)
	Logger  *slog.Logger
}

// Linter runs clj-kondo on code read from stdin.
type Linter struct {
	cfg    Config
	logger *slog.Logger
}

var _ repl.Validator = (*Linter)(nil)

// New creates a linter.
func New(cfg Config) *Linter {
	if cfg.Path == "" {
		cfg.Path = "clj-kondo"
	}
	if cfg.Lang == "" {
		cfg.Lang = "clj"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Linter{cfg: cfg, logger: logger}
}

// report is clj-kondo's JSON output.
type report struct {
	Findings []struct {
		Type    string `json:"type"`
		Level   string `json:"level"`
		Message string `json:"message"`
		Row     int    `json:"row"`
		Col     int    `json:"col"`
	} `json:"findings"`
}

// Validate lints code. A disabled linter reports Skipped. A missing
// binary, a timeout, or unreadable output is an error.
func (l *Linter) Validate(ctx context.Context, code string) (*repl.Validation, error) {
	if !l.cfg.Enabled {
		return &repl.Validation{Valid: true, Skipped: true}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, l.cfg.Path,
		"--lint", "-",
		"--lang", l.cfg.Lang,
		"--config", "{:output {:format :json}}")
	cmd.Stdin = strings.NewReader(code)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	if err != nil {
		// Exit codes 2 and 3 mean warnings and errors were found; the
		// report is still on stdout.
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || stdout.Len() == 0 {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("clj-kondo timed out after %s", l.cfg.Timeout)
			}
			return nil, fmt.Errorf("run clj-kondo: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
		}
	}

	v, perr := Parse(stdout.Bytes())
	if perr != nil {
		return nil, perr
	}
	l.logger.Debug("clj-kondo finished",
		"valid", v.Valid,
		"findings", len(v.Findings),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return v, nil
}

// Parse converts clj-kondo JSON output into a validation verdict. Code
// is valid when no finding has level "error".
func Parse(data []byte) (*repl.Validation, error) {
	var r report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse clj-kondo output: %w", err)
	}
	v := &repl.Validation{Valid: true}
	for _, f := range r.Findings {
		v.Findings = append(v.Findings, repl.Finding{
			Level:   f.Level,
			Message: f.Message,
			Row:     f.Row,
			Col:     f.Col,
		})
		if f.Level == "error" {
			v.Valid = false
		}
	}
	return v, nil
}
