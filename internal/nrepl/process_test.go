package nrepl

import (
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakeBabashka writes a shell script standing in for bb.
func fakeBabashka(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bb")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestStartProcess_ReadyAndStop(t *testing.T) {
	// The test owns the port; the script only has to stay alive.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	p, err := StartProcess(t.Context(), ProcessConfig{
		Command:        fakeBabashka(t, "exec sleep 30"),
		Addr:           ln.Addr().String(),
		StartupTimeout: 5 * time.Second,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Stop: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestStartProcess_Failures(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    string
	}{
		{"missing binary", filepath.Join(t.TempDir(), "no-bb"), "babashka not found"},
		{"exits during startup", fakeBabashka(t, "echo 'bad flag' >&2\nexit 2"), "exited during startup"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			_, err := StartProcess(t.Context(), ProcessConfig{
				Command:        tt.command,
				Addr:           closedPort(t),
				StartupTimeout: 10 * time.Second,
				Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
			})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
			if time.Since(start) > 5*time.Second {
				t.Error("failure was not detected before the startup timeout")
			}
		})
	}
}
