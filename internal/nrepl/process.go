package nrepl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/nugget/bbchat/internal/connwatch"
)

// ProcessConfig describes how to spawn the nREPL server.
type ProcessConfig struct {
	// Command is the Babashka executable (default "bb").
	Command string
	// Addr is the host:port the server listens on.
	Addr string
	// StartupTimeout bounds the wait for the port to accept connections.
	StartupTimeout time.Duration

	Logger *slog.Logger
}

// Process is a "bb nrepl-server" child process.
type Process struct {
	cfg     ProcessConfig
	logger  *slog.Logger
	cmd     *exec.Cmd
	waitErr chan error
}

// StartProcess launches the server and waits until its port accepts
// connections. The child is stopped if it never becomes ready.
func StartProcess(ctx context.Context, cfg ProcessConfig) (*Process, error) {
	if cfg.Command == "" {
		cfg.Command = "bb"
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bb")

	path, err := exec.LookPath(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("babashka not found: %w", err)
	}

	cmd := exec.Command(path, "nrepl-server", cfg.Addr)
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	logger.Info("starting nrepl server", "command", path, "addr", cfg.Addr)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start babashka: %w", err)
	}

	p := &Process{cfg: cfg, logger: logger, cmd: cmd, waitErr: make(chan error, 1)}
	go p.drain("stdout", stdout)
	go p.drain("stderr", stderr)
	go func() {
		err := cmd.Wait()
		if err != nil {
			logger.Warn("nrepl server exited", "error", err)
		} else {
			logger.Info("nrepl server exited")
		}
		p.waitErr <- err
	}()

	if err := p.waitReady(ctx); err != nil {
		_ = p.Stop()
		return nil, err
	}
	logger.Info("nrepl server ready", "pid", cmd.Process.Pid, "addr", cfg.Addr)
	return p, nil
}

// waitReady polls the port with exponential backoff.
func (p *Process) waitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.StartupTimeout)
	defer cancel()

	backoff := connwatch.BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2,
	}
	err := connwatch.Retry(ctx, backoff, func(ctx context.Context) error {
		select {
		case err := <-p.waitErr:
			p.waitErr <- err
			return connwatch.Permanent(fmt.Errorf("nrepl server exited during startup: %v", err))
		default:
		}
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", p.cfg.Addr)
		if err != nil {
			return err
		}
		return c.Close()
	})
	if err != nil {
		return fmt.Errorf("nrepl server not ready on %s: %w", p.cfg.Addr, err)
	}
	return nil
}

func (p *Process) drain(stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		p.logger.Debug("nrepl server output", "stream", stream, "line", scanner.Text())
	}
}

// Stop interrupts the server, then kills it if it has not exited
// within five seconds.
func (p *Process) Stop() error {
	if p.cmd.Process == nil {
		return nil
	}
	p.logger.Info("stopping nrepl server", "pid", p.cmd.Process.Pid)
	_ = p.cmd.Process.Signal(os.Interrupt)

	select {
	case err := <-p.waitErr:
		p.waitErr <- err
		return nil
	case <-time.After(5 * time.Second):
		p.logger.Warn("nrepl server did not exit, killing", "pid", p.cmd.Process.Pid)
		_ = p.cmd.Process.Kill()
		err := <-p.waitErr
		p.waitErr <- err
		return nil
	}
}
