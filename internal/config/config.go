// Package config handles bbchat configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/bbchat/config.yaml, /etc/bbchat/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "bbchat", "config.yaml"))
	}

	paths = append(paths, "/etc/bbchat/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all bbchat configuration.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	LLM          LLMConfig          `yaml:"llm"`
	NREPL        NREPLConfig        `yaml:"nrepl"`
	Kondo        KondoConfig        `yaml:"kondo"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Store        StoreConfig        `yaml:"store"`
	CORS         CORSConfig         `yaml:"cors"`
	DataDir      string             `yaml:"data_dir" validate:"required"`
	LogLevel     string             `yaml:"log_level"`
	LogFormat    string             `yaml:"log_format" validate:"omitempty,oneof=text json"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port" validate:"min=1,max=65535"`
}

// LLMConfig describes the OpenAI-compatible chat completion endpoint.
type LLMConfig struct {
	BaseURL     string  `yaml:"base_url" validate:"required,url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model" validate:"required"`
	Temperature float64 `yaml:"temperature" validate:"min=0,max=2"`
	MaxTokens   int     `yaml:"max_tokens" validate:"min=0"`
	TimeoutSec  int     `yaml:"timeout_sec" validate:"min=0"`
}

// Timeout returns the per-request timeout for chat completions.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// NREPLConfig locates (and optionally spawns) the Babashka nREPL server.
type NREPLConfig struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`

	// Spawn starts "bb nrepl-server" as a child process when true.
	// When false an already running server is expected at Host:Port.
	Spawn bool `yaml:"spawn"`

	// BabashkaPath is the bb executable (default "bb").
	BabashkaPath string `yaml:"babashka_path"`

	StartupTimeoutSec int `yaml:"startup_timeout_sec" validate:"min=0"`
	EvalTimeoutSec    int `yaml:"eval_timeout_sec" validate:"min=0"`
}

// Addr returns the host:port of the nREPL server.
func (c NREPLConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// KondoConfig controls pre-execution linting with clj-kondo.
type KondoConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	Lang       string `yaml:"lang" validate:"omitempty,oneof=clj cljs cljc"`
	TimeoutSec int    `yaml:"timeout_sec" validate:"min=0"`
}

// OrchestratorConfig tunes the conversation loop.
type OrchestratorConfig struct {
	// MaxIterations bounds consecutive error-recovery attempts per turn.
	MaxIterations int `yaml:"max_iterations" validate:"min=1"`

	// MaxRounds bounds the total number of LLM requests in one turn.
	MaxRounds int `yaml:"max_rounds" validate:"min=1"`

	// RequireApproval routes every generated snippet through the
	// client for approval before it is evaluated.
	RequireApproval bool `yaml:"require_approval"`

	// SystemPromptFile replaces the built-in system prompt when set.
	SystemPromptFile string `yaml:"system_prompt_file"`
}

// StoreConfig selects the conversation history backend.
type StoreConfig struct {
	// Driver is "sqlite" (cgo), "sqlite_pure" (pure Go), "postgres",
	// or "memory".
	Driver string `yaml:"driver" validate:"oneof=sqlite sqlite_pure postgres memory"`

	// Path is the SQLite database file. Relative paths resolve against DataDir.
	Path string `yaml:"path"`

	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn" validate:"required_if=Driver postgres"`
}

// CORSConfig lists browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Configured reports whether any CORS origin has been configured.
func (c CORSConfig) Configured() bool {
	return len(c.AllowedOrigins) > 0
}

// Load reads configuration from a YAML file. A .env file next to the
// working directory is loaded first (if present) so that ${VAR}
// references in the YAML can be satisfied without exporting secrets
// in the shell.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero values with working defaults.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.LLM.TimeoutSec == 0 {
		c.LLM.TimeoutSec = 120
	}
	if c.NREPL.Host == "" {
		c.NREPL.Host = "127.0.0.1"
	}
	if c.NREPL.Port == 0 {
		c.NREPL.Port = 1667
	}
	if c.NREPL.BabashkaPath == "" {
		c.NREPL.BabashkaPath = "bb"
	}
	if c.NREPL.StartupTimeoutSec == 0 {
		c.NREPL.StartupTimeoutSec = 30
	}
	if c.NREPL.EvalTimeoutSec == 0 {
		c.NREPL.EvalTimeoutSec = 60
	}
	if c.Kondo.Path == "" {
		c.Kondo.Path = "clj-kondo"
	}
	if c.Kondo.Lang == "" {
		c.Kondo.Lang = "clj"
	}
	if c.Kondo.TimeoutSec == 0 {
		c.Kondo.TimeoutSec = 10
	}
	if c.Orchestrator.MaxIterations == 0 {
		c.Orchestrator.MaxIterations = 5
	}
	if c.Orchestrator.MaxRounds == 0 {
		c.Orchestrator.MaxRounds = 25
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Path == "" {
		c.Store.Path = "bbchat.db"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// StorePath returns the SQLite path, resolved against DataDir when relative.
func (c *Config) StorePath() string {
	if filepath.IsAbs(c.Store.Path) || c.Store.Path == ":memory:" {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir, c.Store.Path)
}

// Validate checks struct constraints and values the tags cannot express.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(yamlTagName)

	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	return nil
}

// yamlTagName makes validation errors report yaml keys instead of Go
// field names, so messages match what the user wrote.
func yamlTagName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
	if name == "-" || name == "" {
		return fld.Name
	}
	return name
}
