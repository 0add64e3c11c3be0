package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/bbchat/internal/agent"
	"github.com/nugget/bbchat/internal/api"
	"github.com/nugget/bbchat/internal/buildinfo"
	"github.com/nugget/bbchat/internal/config"
	"github.com/nugget/bbchat/internal/connwatch"
	"github.com/nugget/bbchat/internal/events"
	"github.com/nugget/bbchat/internal/kondo"
	"github.com/nugget/bbchat/internal/llm"
	"github.com/nugget/bbchat/internal/memory"
	"github.com/nugget/bbchat/internal/nrepl"
	"github.com/nugget/bbchat/internal/session"
	"golang.org/x/sync/errgroup"
)

// services holds the collaborators shared by serve and ask.
type services struct {
	cfg    *config.Config
	logger *slog.Logger
	llm    llm.Client
	nrepl  *nrepl.Client
	linter *kondo.Linter
	prompt string
	bus    *events.Bus
}

func newServices(cfg *config.Config, logger *slog.Logger, bus *events.Bus) (*services, error) {
	prompt, err := systemPrompt(cfg)
	if err != nil {
		return nil, err
	}
	return &services{
		cfg:    cfg,
		logger: logger,
		llm: llm.NewOpenAIClient(llm.OpenAIConfig{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Timeout: cfg.LLM.Timeout(),
			Logger:  logger,
		}),
		nrepl: nrepl.NewClient(nrepl.Config{
			Addr:        cfg.NREPL.Addr(),
			EvalTimeout: time.Duration(cfg.NREPL.EvalTimeoutSec) * time.Second,
			Logger:      logger,
			Events:      bus,
		}),
		linter: kondo.New(kondo.Config{
			Enabled: cfg.Kondo.Enabled,
			Path:    cfg.Kondo.Path,
			Lang:    cfg.Kondo.Lang,
			Timeout: time.Duration(cfg.Kondo.TimeoutSec) * time.Second,
			Logger:  logger,
		}),
		prompt: prompt,
		bus:    bus,
	}, nil
}

// orchestrator builds the orchestrator for one session with its own
// lazily opened nREPL session.
func (rt *services) orchestrator(id string, history []llm.Message, hooks agent.Hooks) (*agent.Orchestrator, *lazySession) {
	exec := &lazySession{client: rt.nrepl}
	return agent.New(agent.Config{
		Logger:        rt.logger,
		LLM:           rt.llm,
		Model:         rt.cfg.LLM.Model,
		Temperature:   rt.cfg.LLM.Temperature,
		MaxTokens:     rt.cfg.LLM.MaxTokens,
		SystemPrompt:  rt.prompt,
		Executor:      exec,
		Validator:     rt.linter,
		Hooks:         hooks,
		MaxIterations: rt.cfg.Orchestrator.MaxIterations,
		MaxRounds:     rt.cfg.Orchestrator.MaxRounds,
		History:       history,
		Events:        rt.bus,
		SessionID:     id,
	}), exec
}

// openStore opens the history store selected by cfg.Store.Driver.
func openStore(ctx context.Context, cfg *config.Config) (memory.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return memory.NewMemStore(), nil
	case "postgres":
		return memory.OpenPostgres(ctx, cfg.Store.DSN)
	case "sqlite", "sqlite_pure":
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
		}
		if cfg.Store.Driver == "sqlite_pure" {
			return memory.OpenSQLitePure(cfg.StorePath())
		}
		return memory.OpenSQLite(cfg.StorePath())
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

// runServe loads config, opens the history store, optionally spawns
// the nREPL server, and serves the API until SIGINT or SIGTERM.
//
// Shutdown order: the signal cancels ctx, live sessions are torn down
// (pending approvals cancelled, nREPL sessions closed), the HTTP server
// drains, then the store and the child process close via defers.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	build := buildinfo.Get()
	logger.Info("starting bbchat", "version", build.Version, "commit", build.GitCommit, "branch", build.GitBranch, "built", build.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.LLM.Model,
		"nrepl", cfg.NREPL.Addr(),
		"store", cfg.Store.Driver,
		"require_approval", cfg.Orchestrator.RequireApproval,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- History store ---
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer store.Close()
	logger.Info("history store opened", "driver", cfg.Store.Driver)

	// --- Babashka ---
	if cfg.NREPL.Spawn {
		proc, err := nrepl.StartProcess(ctx, nrepl.ProcessConfig{
			Command:        cfg.NREPL.BabashkaPath,
			Addr:           cfg.NREPL.Addr(),
			StartupTimeout: time.Duration(cfg.NREPL.StartupTimeoutSec) * time.Second,
			Logger:         logger,
		})
		if err != nil {
			return fmt.Errorf("start nREPL server: %w", err)
		}
		defer func() {
			if err := proc.Stop(); err != nil {
				logger.Warn("nREPL server did not stop cleanly", "error", err)
			}
		}()
	}

	bus := events.New()
	rt, err := newServices(cfg, logger, bus)
	if err != nil {
		return err
	}
	defer rt.nrepl.Close()

	// --- Health watchers ---
	// Neither service is required at startup; sessions open regardless
	// and failures surface in the conversation.
	health := connwatch.NewManager(logger)
	health.Watch(ctx, connwatch.WatcherConfig{
		Name:    "nrepl",
		Probe:   rt.nrepl.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
		OnReady: func() {
			if v, err := rt.nrepl.Describe(ctx); err == nil {
				logger.Info("nREPL server ready", "addr", cfg.NREPL.Addr(), "versions", v)
			}
		},
		Logger: logger,
	})
	health.FollowEvents(ctx, bus, events.SourceNREPL, "nrepl")
	health.Watch(ctx, connwatch.WatcherConfig{
		Name:    "llm",
		Probe:   rt.llm.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
		Logger:  logger,
	})
	defer health.Stop()

	// --- Sessions and API ---
	factory := func(_ context.Context, id string, history []llm.Message, hooks agent.Hooks) (*agent.Orchestrator, io.Closer, error) {
		orch, exec := rt.orchestrator(id, history, hooks)
		return orch, exec, nil
	}
	registry := session.NewRegistry(store, factory, logger, session.WithEvents(bus))

	server := api.NewServer(api.Config{
		Address:         cfg.Listen.Address,
		Port:            cfg.Listen.Port,
		Registry:        registry,
		Store:           store,
		Health:          health,
		Events:          bus,
		RequireApproval: cfg.Orchestrator.RequireApproval,
		CORSOrigins:     cfg.CORS.AllowedOrigins,
		Logger:          logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(gctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		registry.CloseAll()

		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer done()
		return server.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("bbchat stopped")
	return nil
}

// runAsk answers one question without the API server: in-memory
// history, no approval gate. Status lines go to the log; the answer is
// printed to stdout.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stdout, cfg)

	rt, err := newServices(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer rt.nrepl.Close()

	hooks := agent.Hooks{
		Status: func(msg string) { logger.Info(msg) },
	}
	orch, exec := rt.orchestrator("cli", nil, hooks)
	defer exec.Close()

	out, err := orch.Process(ctx, question)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(stdout, out.Content)
	return nil
}
