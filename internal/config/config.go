// Package config loads ledgerloop settings from .ledgerloop/config.yaml with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pengelbrecht/ledgerloop/internal/engine"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = ".ledgerloop/config.yaml"

// Config is the full config.yaml.
type Config struct {
	Workspace WorkspaceConfig `yaml:"workspace"`
	Agent     AgentConfig     `yaml:"agent"`
	Session   SessionConfig   `yaml:"session"`
	Review    ReviewConfig    `yaml:"review"`
	Sync      SyncConfig      `yaml:"sync"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

type WorkspaceConfig struct {
	// Root is the directory task targets resolve against.
	Root string `yaml:"root"`
	// Ledger is the task file, relative to Root unless absolute.
	Ledger   string `yaml:"ledger"`
	StateDir string `yaml:"stateDir"`
}

type AgentConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// Timeout bounds a single agent run. Zero means none.
	Timeout time.Duration `yaml:"timeout"`
}

type SessionConfig struct {
	MaxConsecutiveFailures int `yaml:"maxConsecutiveFailures"`
	// FailureDelay is nil when unset so an explicit 0s can disable it.
	FailureDelay      *time.Duration `yaml:"failureDelay"`
	MaxTaskAttempts   int            `yaml:"maxTaskAttempts"`
	ManualReviewLabel string         `yaml:"manualReviewLabel"`
}

// Delay returns the post-failure delay.
func (c *SessionConfig) Delay() time.Duration {
	if c.FailureDelay == nil {
		return defaultFailureDelay
	}
	return *c.FailureDelay
}

type ReviewConfig struct {
	// Enabled controls whether the review pass runs (default true).
	Enabled      *bool `yaml:"enabled"`
	Strict       bool  `yaml:"strict"`
	HistoryDepth int   `yaml:"historyDepth"`
}

// IsEnabled returns whether review is enabled (default true).
func (c *ReviewConfig) IsEnabled() bool {
	return enabled(c.Enabled)
}

type SyncConfig struct {
	// Enabled controls remote sync of the ledger and commits (default true).
	Enabled     *bool  `yaml:"enabled"`
	Remote      string `yaml:"remote"`
	Branch      string `yaml:"branch"`
	PushCommits *bool  `yaml:"pushCommits"`
	DirtyPolicy string `yaml:"dirtyPolicy"`
}

// IsEnabled returns whether sync is enabled (default true).
func (c *SyncConfig) IsEnabled() bool {
	return enabled(c.Enabled)
}

// ShouldPushCommits returns whether task commits are pushed (default true).
func (c *SyncConfig) ShouldPushCommits() bool {
	return enabled(c.PushCommits)
}

type MetricsConfig struct {
	Source string `yaml:"source"`
	// File is the JSON lines sink. Empty disables it.
	File string `yaml:"file"`
	// SQLite is an optional database sink.
	SQLite string `yaml:"sqlite"`
	// URL is an optional HTTP collector.
	URL string `yaml:"url"`
}

type ServerConfig struct {
	Addr   string `yaml:"addr"`
	APIKey string `yaml:"apiKey"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

func enabled(b *bool) bool {
	if b == nil {
		return true
	}
	return *b
}

// Load reads path, applies defaults and environment overrides, and
// validates. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Parse parses raw YAML bytes into a validated Config. Environment
// overrides are not applied.
func Parse(data []byte) (*Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func decode(data []byte) (*Config, error) {
	cfg := &Config{}
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Workspace.Ledger = envStr("LEDGERLOOP_LEDGER", cfg.Workspace.Ledger)
	cfg.Workspace.Root = envStr("LEDGERLOOP_WORKSPACE", cfg.Workspace.Root)
	cfg.Log.Level = envStr("LEDGERLOOP_LOG_LEVEL", cfg.Log.Level)
	cfg.Server.Addr = envStr("LEDGERLOOP_ADDR", cfg.Server.Addr)
	cfg.Server.APIKey = envStr("LEDGERLOOP_API_KEY", cfg.Server.APIKey)
	cfg.Agent.Command = envStr("LEDGERLOOP_AGENT_COMMAND", cfg.Agent.Command)
	cfg.Session.MaxConsecutiveFailures = envInt("LEDGERLOOP_MAX_CONSECUTIVE_FAILURES", cfg.Session.MaxConsecutiveFailures)
	if v, ok := envBool("LEDGERLOOP_SYNC"); ok {
		cfg.Sync.Enabled = &v
	}
}

// Validate checks a Config for logical errors.
func Validate(cfg *Config) error {
	if cfg.Workspace.Ledger == "" {
		return fmt.Errorf("workspace.ledger is required")
	}
	if cfg.Workspace.StateDir == "" {
		return fmt.Errorf("workspace.stateDir is required")
	}
	if cfg.Agent.Command == "" {
		return fmt.Errorf("agent.command is required")
	}
	if cfg.Agent.Timeout < 0 {
		return fmt.Errorf("agent.timeout must be >= 0, got %s", cfg.Agent.Timeout)
	}
	if cfg.Session.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("session.maxConsecutiveFailures must be >= 1, got %d", cfg.Session.MaxConsecutiveFailures)
	}
	if d := cfg.Session.Delay(); d < 0 {
		return fmt.Errorf("session.failureDelay must be >= 0, got %s", d)
	}
	if cfg.Session.MaxTaskAttempts < 0 {
		return fmt.Errorf("session.maxTaskAttempts must be >= 0, got %d", cfg.Session.MaxTaskAttempts)
	}
	if cfg.Session.MaxTaskAttempts > 0 && strings.TrimSpace(cfg.Session.ManualReviewLabel) == "" {
		return fmt.Errorf("session.manualReviewLabel is required when maxTaskAttempts is set")
	}
	if cfg.Review.HistoryDepth < 1 {
		return fmt.Errorf("review.historyDepth must be >= 1, got %d", cfg.Review.HistoryDepth)
	}
	if !engine.DirtyPolicy(cfg.Sync.DirtyPolicy).Valid() {
		return fmt.Errorf("sync.dirtyPolicy must be warn, stash or ignore, got %q", cfg.Sync.DirtyPolicy)
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", cfg.Log.Level)
	}
	return nil
}

// Path resolves p against the workspace root unless it is absolute.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Workspace.Root, p)
}

// LedgerPath returns the resolved ledger file path.
func (c *Config) LedgerPath() string {
	return c.Path(c.Workspace.Ledger)
}

// StateDir returns the resolved state directory.
func (c *Config) StateDir() string {
	return c.Path(c.Workspace.StateDir)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string) (bool, bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b, true
		}
	}
	return false, false
}
