package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all localchat configuration.
type Config struct {
	// Backend connection
	Backend BackendConfig `yaml:"backend"`

	// Chat behavior defaults
	Chat ChatConfig `yaml:"chat"`

	// Terminal tool approval
	Terminal TerminalConfig `yaml:"terminal"`

	// Local persistence
	Storage StorageConfig `yaml:"storage"`

	// UI settings
	UI UIConfig `yaml:"ui"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// BackendConfig configures the chat backend connection.
type BackendConfig struct {
	BaseURL string `yaml:"base_url"`
	// Timeout applies to non-streaming requests (title, terminal, health).
	Timeout string `yaml:"timeout"`
	// ReadTimeout, when non-zero, bounds a single stream read. The protocol
	// has no timeout event, so by default a stalled connection hangs until
	// the user cancels; set this to opt into an idle-read deadline.
	ReadTimeout string `yaml:"read_timeout"`
	// HealthInterval controls the status/model poller.
	HealthInterval string `yaml:"health_interval"`
}

// ChatConfig configures per-turn request defaults.
type ChatConfig struct {
	Model        string `yaml:"model"`
	ThinkingMode bool   `yaml:"thinking_mode"`
	WebSearch    bool   `yaml:"web_search"`
	Terminal     bool   `yaml:"terminal"`
}

// TerminalConfig configures the command approval gate.
type TerminalConfig struct {
	// AutoApprove skips the approval dialog for every command.
	// Can also be flipped at runtime by answering "always" once.
	AutoApprove bool `yaml:"auto_approve"`
}

// StorageConfig configures conversation persistence.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// UIConfig configures the TUI.
type UIConfig struct {
	Theme string `yaml:"theme"` // auto, light, dark
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:        "http://localhost:8000",
			Timeout:        "10s",
			ReadTimeout:    "0s",
			HealthInterval: "10s",
		},
		Chat: ChatConfig{
			Model: "local-model",
		},
		Storage: StorageConfig{
			DatabasePath: "", // defaults to <state dir>/localchat.db
		},
		UI: UIConfig{
			Theme: "auto",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultStateDir returns the per-user state directory (~/.localchat).
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".localchat"
	}
	return filepath.Join(home, ".localchat")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DefaultStateDir(), "config.yaml")
}

// Load loads configuration from a YAML file.
// A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Dump writes the configuration as YAML.
func (c *Config) Dump(w io.Writer) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("LOCALCHAT_BACKEND_URL"); url != "" {
		c.Backend.BaseURL = url
	}
	if model := os.Getenv("LOCALCHAT_MODEL"); model != "" {
		c.Chat.Model = model
	}
	if path := os.Getenv("LOCALCHAT_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
	if os.Getenv("LOCALCHAT_DEBUG") == "1" {
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	switch c.UI.Theme {
	case "", "auto", "light", "dark":
	default:
		return fmt.Errorf("ui.theme must be auto, light or dark (got %q)", c.UI.Theme)
	}
	return nil
}

// GetTimeout returns the non-streaming request timeout as a duration.
func (c *Config) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Backend.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetReadTimeout returns the optional stream idle-read timeout.
// Zero means disabled.
func (c *Config) GetReadTimeout() time.Duration {
	d, err := time.ParseDuration(c.Backend.ReadTimeout)
	if err != nil {
		return 0
	}
	return d
}

// GetHealthInterval returns the health poll interval as a duration.
func (c *Config) GetHealthInterval() time.Duration {
	d, err := time.ParseDuration(c.Backend.HealthInterval)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// DatabasePath resolves the sqlite database location.
func (c *Config) DatabasePath() string {
	if c.Storage.DatabasePath != "" {
		return c.Storage.DatabasePath
	}
	return filepath.Join(DefaultStateDir(), "localchat.db")
}
