// Bbchat is a chat server that lets a language model answer questions
// by writing and running Clojure on a Babashka nREPL server.
//
// It serves a WebSocket chat API, keeps per-session history in SQLite
// or PostgreSQL, lints generated code with clj-kondo and can ask the
// user to approve each snippet before it runs. Configuration is loaded
// from a single YAML file (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	bbchat serve              Start the API server
//	bbchat init [dir]         Write an example config.yaml
//	bbchat ask <question>     Ask a single question (for testing)
//	bbchat version            Print version and build information
//	bbchat -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/bbchat/internal/buildinfo"
	"github.com/nugget/bbchat/internal/config"
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand so that run
// can be called concurrently from tests without the flag package's
// global state. Logs go to stdout; run returns nil on clean shutdown.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: bbchat ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Get()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, row := range [][2]string{
		{"version", info.Version},
		{"git_commit", info.GitCommit},
		{"git_branch", info.GitBranch},
		{"build_time", info.BuildTime},
		{"go_version", info.GoVersion},
		{"os", info.OS},
		{"arch", info.Arch},
	} {
		fmt.Fprintf(w, "  %-12s %s\n", row[0]+":", row[1])
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "bbchat - chat with a model that answers by running Babashka")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: bbchat [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig locates and parses the configuration file. It returns the
// parsed config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// configuredLogger builds the logger for cfg's level and format.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	// Validated by config.Load.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}
