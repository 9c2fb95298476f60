// Package config loads and validates the dustengine TOML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root engine configuration, normally loaded from dustengine.toml.
type Config struct {
	Engine   Engine      `toml:"engine"`
	Cache    Cache       `toml:"cache"`
	Store    Store       `toml:"store"`
	Timeouts Timeouts    `toml:"timeouts"`
	Retry    RetryPolicy `toml:"retry"`
	LLM      LLM         `toml:"llm"`
	API      API         `toml:"api"`
}

// EngineConfig is the name block Variant.Timeout and other cross-package
// call sites use; it is the same type as Config.
type EngineConfig = Config

// Engine controls the run scheduler's resource bounds.
type Engine struct {
	Concurrency       int    `toml:"concurrency"`         // max concurrent block-cell executions per run
	MaxLoopIterations int    `toml:"max_loop_iterations"` // while/end iteration cap; a run with a while block requires one
	LogLevel          string `toml:"log_level"`           // debug, info, warn, error
	LogFormat         string `toml:"log_format"`          // text or json
}

// Cache controls the content-addressed cache's on-disk footprint.
type Cache struct {
	Dir      string `toml:"dir"`
	Disabled bool   `toml:"disabled"`
}

// Store controls the SQLite-backed trace store.
type Store struct {
	DBPath string `toml:"db_path"`
}

// Timeouts are per-block-type wall-clock budgets.
type Timeouts struct {
	Code  Duration `toml:"code"`
	LLM   Duration `toml:"llm"`
	Chat  Duration `toml:"chat"`
	HTTP  Duration `toml:"http"`
	Embed Duration `toml:"embed"`
}

// RetryPolicy governs provider call retries (LLM, embedding, HTTP block types).
type RetryPolicy struct {
	MaxRetries    int      `toml:"max_retries"`
	InitialDelay  Duration `toml:"initial_delay"`
	BackoffFactor float64  `toml:"backoff_factor"`
	MaxDelay      Duration `toml:"max_delay"`
}

// LLM holds provider settings loaded from the TOML file. No block reads
// it: LLM/Chat blocks take their provider and model from their own
// arguments.
type LLM struct {
	Provider  string `toml:"provider"` // e.g. "openai", "anthropic", "null" (test double)
	Model     string `toml:"model"`
	APIKeyEnv string `toml:"api_key_env"` // name of the environment variable holding the key
}

// API configures the optional read-only run-status HTTP surface.
type API struct {
	Enabled bool   `toml:"enabled"`
	Bind    string `toml:"bind"`
	APIKey  string `toml:"api_key"` // empty disables auth; non-empty requires "Authorization: Bearer <key>"
}

// Clone returns a deep-enough copy for safe handoff across goroutines.
// Config has no reference-typed fields that mutate after Load, so a value
// copy is sufficient; kept as a method to match the manager's expectations.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	c := *cfg
	return &c
}

// ValidationIssue is a single structured config validation failure.
type ValidationIssue struct {
	FieldPath  string
	Message    string
	Suggestion string
}

// ValidationError aggregates config validation failures so a user fixes
// every problem at once instead of one run per mistake.
type ValidationError struct {
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("config validation failed")
	for _, issue := range e.Issues {
		b.WriteString("\n  - ")
		if issue.FieldPath != "" {
			b.WriteString(issue.FieldPath)
			b.WriteString(": ")
		}
		b.WriteString(issue.Message)
		if strings.TrimSpace(issue.Suggestion) != "" {
			b.WriteString(" (suggestion: ")
			b.WriteString(issue.Suggestion)
			b.WriteString(")")
		}
	}
	return b.String()
}

func (e *ValidationError) add(fieldPath, message, suggestion string) {
	e.Issues = append(e.Issues, ValidationIssue{FieldPath: fieldPath, Message: message, Suggestion: suggestion})
}

func (e *ValidationError) errOrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// Load reads and validates an engine TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Reload re-reads and validates config from path. It mirrors Load but is
// named separately to reflect runtime refresh call sites.
func Reload(path string) (*Config, error) {
	return Load(path)
}

// Default returns a Config with every field at its zero value and
// defaults applied; it is not passed through validation. Lets cmd/dustengine run against a dataset/spec
// pair without requiring a TOML file on disk for ad hoc local runs.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Engine.Concurrency <= 0 {
		cfg.Engine.Concurrency = 8
	}
	if cfg.Engine.MaxLoopIterations <= 0 {
		cfg.Engine.MaxLoopIterations = 10000
	}
	if cfg.Engine.LogLevel == "" {
		cfg.Engine.LogLevel = "info"
	}
	if cfg.Engine.LogFormat == "" {
		cfg.Engine.LogFormat = "text"
	}
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = ".dustengine/cache"
	}
	if cfg.Store.DBPath == "" {
		cfg.Store.DBPath = ".dustengine/dustengine.db"
	}
	if cfg.Timeouts.Code.Duration == 0 {
		cfg.Timeouts.Code.Duration = 10 * time.Second
	}
	if cfg.Timeouts.LLM.Duration == 0 {
		cfg.Timeouts.LLM.Duration = 120 * time.Second
	}
	if cfg.Timeouts.Chat.Duration == 0 {
		cfg.Timeouts.Chat.Duration = 120 * time.Second
	}
	if cfg.Timeouts.HTTP.Duration == 0 {
		cfg.Timeouts.HTTP.Duration = 30 * time.Second
	}
	if cfg.Timeouts.Embed.Duration == 0 {
		cfg.Timeouts.Embed.Duration = 30 * time.Second
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.InitialDelay.Duration == 0 {
		cfg.Retry.InitialDelay.Duration = 500 * time.Millisecond
	}
	if cfg.Retry.BackoffFactor <= 0 {
		cfg.Retry.BackoffFactor = 2.0
	}
	if cfg.Retry.MaxDelay.Duration == 0 {
		cfg.Retry.MaxDelay.Duration = 30 * time.Second
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "null"
	}
	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1:8765"
	}
}

func validate(cfg *Config) error {
	verr := &ValidationError{}

	if cfg.Engine.Concurrency <= 0 {
		verr.add("engine.concurrency", "must be positive", "set engine.concurrency to a small positive integer, e.g. 8")
	}
	if cfg.Engine.MaxLoopIterations <= 0 {
		verr.add("engine.max_loop_iterations", "must be positive", "set engine.max_loop_iterations to a safety cap, e.g. 10000")
	}
	switch cfg.Engine.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		verr.add("engine.log_level", fmt.Sprintf("unknown log level %q", cfg.Engine.LogLevel), "use one of: debug, info, warn, error")
	}
	switch cfg.Engine.LogFormat {
	case "text", "json":
	default:
		verr.add("engine.log_format", fmt.Sprintf("unknown log format %q", cfg.Engine.LogFormat), "use one of: text, json")
	}
	if cfg.Retry.MaxRetries < 0 {
		verr.add("retry.max_retries", "must not be negative", "set retry.max_retries to 0 or more")
	}
	if cfg.Retry.BackoffFactor < 1 {
		verr.add("retry.backoff_factor", "must be >= 1", "set retry.backoff_factor to 2.0 for standard exponential backoff")
	}
	if cfg.Retry.MaxDelay.Duration < cfg.Retry.InitialDelay.Duration {
		verr.add("retry.max_delay", "must be >= retry.initial_delay", "increase retry.max_delay")
	}

	return verr.errOrNil()
}
