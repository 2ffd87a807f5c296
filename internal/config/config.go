// Package config holds the on-disk configuration for edward-engine.
//
// NOTE: This file contains secrets (provider API keys). Always keep it
// chmod 0600.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/edwardlabs/edward-engine/internal/engine"
)

type Config struct {
	Provider ProviderConfig `yaml:"provider"`

	// WorkspaceDir is where generated project files are materialized.
	// If empty, the engine picks ~/.edward-engine/workspaces.
	WorkspaceDir string `yaml:"workspace_dir,omitempty"`

	// CheckpointDBPath is the SQLite database for run checkpoints.
	// If empty, the engine picks ~/.edward-engine/checkpoints.db.
	CheckpointDBPath string `yaml:"checkpoint_db_path,omitempty"`

	// LockDir holds per-run lock files.
	LockDir string `yaml:"lock_dir,omitempty"`

	WebSearch WebSearchConfig `yaml:"web_search,omitempty"`

	Budgets BudgetsConfig `yaml:"budgets,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`
}

type ProviderConfig struct {
	// Type is "anthropic", "openai" or "openai_compatible".
	Type    string `yaml:"type"`
	BaseURL string `yaml:"base_url,omitempty"`
	APIKey  string `yaml:"api_key"`
	ModelID string `yaml:"model_id"`

	Temperature     *float64 `yaml:"temperature,omitempty"`
	MaxOutputTokens int      `yaml:"max_output_tokens,omitempty"`
}

type WebSearchConfig struct {
	Provider string `yaml:"provider,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`
}

// BudgetsConfig mirrors the loop ceilings; zero values fall back to the
// engine defaults.
type BudgetsConfig struct {
	MaxAgentTurns        int `yaml:"max_agent_turns,omitempty"`
	MaxToolCallsPerTurn  int `yaml:"max_tool_calls_per_turn,omitempty"`
	MaxToolCallsPerRun   int `yaml:"max_tool_calls_per_run,omitempty"`
	MaxToolPayloadChars  int `yaml:"max_tool_payload_chars,omitempty"`
	MaxResponseBytes     int `yaml:"max_response_bytes,omitempty"`
	MaxContinuationChars int `yaml:"max_continuation_chars,omitempty"`
	ContextWindowTokens  int `yaml:"context_window_tokens,omitempty"`
	ReservedOutputTokens int `yaml:"reserved_output_tokens,omitempty"`
}

// EngineBudgets converts the config section into engine ceilings.
func (b BudgetsConfig) EngineBudgets() engine.Budgets {
	return engine.Budgets{
		MaxAgentTurns:        b.MaxAgentTurns,
		MaxToolCallsPerTurn:  b.MaxToolCallsPerTurn,
		MaxToolCallsPerRun:   b.MaxToolCallsPerRun,
		MaxToolPayloadChars:  b.MaxToolPayloadChars,
		MaxResponseBytes:     b.MaxResponseBytes,
		MaxContinuationChars: b.MaxContinuationChars,
		ContextWindowTokens:  b.ContextWindowTokens,
		ReservedOutputTokens: b.ReservedOutputTokens,
	}.WithDefaults()
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.ToLower(strings.TrimSpace(c.Provider.Type)) {
	case "anthropic", "openai", "openai_compatible":
	case "":
		return errors.New("missing provider.type")
	default:
		return fmt.Errorf("unsupported provider.type %q", c.Provider.Type)
	}
	if strings.TrimSpace(c.Provider.APIKey) == "" {
		return errors.New("missing provider.api_key")
	}
	if strings.TrimSpace(c.Provider.ModelID) == "" {
		return errors.New("missing provider.model_id")
	}
	switch strings.TrimSpace(c.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.TrimSpace(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

// WithDefaults fills derived paths from the state dir.
func (c *Config) WithDefaults() *Config {
	out := *c
	state := stateDir()
	if strings.TrimSpace(out.WorkspaceDir) == "" {
		out.WorkspaceDir = filepath.Join(state, "workspaces")
	}
	if strings.TrimSpace(out.CheckpointDBPath) == "" {
		out.CheckpointDBPath = filepath.Join(state, "checkpoints.db")
	}
	if strings.TrimSpace(out.LockDir) == "" {
		out.LockDir = filepath.Join(state, "locks")
	}
	return &out
}

// DefaultConfigPath returns the default config path:
//
//	~/.edward-engine/config.yaml
func DefaultConfigPath() string {
	return filepath.Join(stateDir(), "config.yaml")
}

func stateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".edward-engine"
	}
	return filepath.Join(home, ".edward-engine")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
