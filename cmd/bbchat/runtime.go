package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/nugget/bbchat/internal/config"
	"github.com/nugget/bbchat/internal/nrepl"
	"github.com/nugget/bbchat/internal/repl"
)

// lazySession clones an nREPL session on first use. Conversations the
// model answers without code never touch the runtime, and a session can
// open while the nREPL server is still down.
type lazySession struct {
	client *nrepl.Client

	mu   sync.Mutex
	sess *nrepl.Session
}

var _ repl.Executor = (*lazySession)(nil)

func (l *lazySession) Execute(ctx context.Context, code string) (repl.Result, error) {
	l.mu.Lock()
	if l.sess == nil {
		sess, err := l.client.NewSession(ctx)
		if err != nil {
			l.mu.Unlock()
			return nil, fmt.Errorf("open nREPL session: %w", err)
		}
		l.sess = sess
	}
	sess := l.sess
	l.mu.Unlock()

	return sess.Execute(ctx, code)
}

func (l *lazySession) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sess == nil {
		return nil
	}
	err := l.sess.Close()
	l.sess = nil
	return err
}

// systemPrompt returns the configured prompt override, or "" for the
// built-in prompt.
func systemPrompt(cfg *config.Config) (string, error) {
	if cfg.Orchestrator.SystemPromptFile == "" {
		return "", nil
	}
	b, err := os.ReadFile(cfg.Orchestrator.SystemPromptFile)
	if err != nil {
		return "", fmt.Errorf("read system prompt: %w", err)
	}
	return string(b), nil
}
