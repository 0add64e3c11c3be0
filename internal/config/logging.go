package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug]. It carries wire payloads:
// chat-completion bodies and raw nREPL frames.
const LevelTrace = slog.Level(-8)

// ParseLogLevel converts a case-insensitive level name. The empty
// string means info; "warning" is accepted for warn.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
}

const redacted = "[redacted]"

// secretKeys are attribute keys whose values never reach the log.
var secretKeys = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
	"password":      true,
	"dsn":           true,
}

// ReplaceAttr is the [slog.HandlerOptions.ReplaceAttr] used by every
// bbchat logger. It names [LevelTrace] "TRACE", blanks secret-bearing
// attributes and masks bearer tokens inside string values.
func ReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
		return a
	}
	if secretKeys[strings.ToLower(a.Key)] {
		if a.Value.String() != "" {
			a.Value = slog.StringValue(redacted)
		}
		return a
	}
	if a.Value.Kind() == slog.KindString {
		a.Value = slog.StringValue(maskBearer(a.Value.String()))
	}
	return a
}

// maskBearer replaces the token after each "Bearer " with [redacted].
func maskBearer(s string) string {
	const prefix = "Bearer "
	if !strings.Contains(s, prefix) {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, prefix)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i+len(prefix)])
		s = s[i+len(prefix):]
		end := strings.IndexAny(s, " \t\r\n\",'")
		if end < 0 {
			end = len(s)
		}
		if end > 0 {
			b.WriteString(redacted)
		}
		s = s[end:]
	}
}

// NewLogger creates a structured logger writing to w. Format is "text"
// or "json"; anything else falls back to text. At debug and below,
// records carry their source location.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   level <= slog.LevelDebug,
		ReplaceAttr: ReplaceAttr,
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
