package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/bbchat/internal/defaults"
)

// runInit writes the example configuration into dir and creates the
// data directory next to it. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing bbchat in %s\n", dir)

	data := filepath.Join(dir, "data")
	if err := os.MkdirAll(data, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", data, err)
	}

	// The config may hold an API key.
	configPath := filepath.Join(dir, "config.yaml")
	written, err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600)
	if err != nil {
		return err
	}
	if written {
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  - %s (exists, left unchanged)\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Set llm.api_key (or OPENAI_API_KEY in .env) and run: bbchat serve")
	return nil
}

// writeIfMissing writes content to path only if the file does not exist.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
