// Package config handles sidecar daemon and workspace configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is overridable in tests so DefaultSearchPaths doesn't
// pick up a real config file on the developer/deploy machine.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the daemon config file search order.
// An explicit path (from --config) is checked first, then:
// ./sidecard.yaml, ~/.config/sidecard/sidecard.yaml, /config/sidecard.yaml,
// /etc/sidecard/sidecard.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"sidecard.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "sidecard", "sidecard.yaml"))
	}

	paths = append(paths, "/config/sidecard.yaml") // Container convention
	paths = append(paths, "/etc/sidecard/sidecard.yaml")
	return paths
}

// FindConfig locates a daemon config file. If explicit is non-empty, it
// must exist. Otherwise, searches searchPathsFunc and returns the first
// that exists. Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// DaemonConfig holds launch-time settings for the sidecar daemon — the
// settings that belong to the process, not to any one workspace. Unlike
// WorkspaceConfig (per-vault, JSON, hot-reloadable), this is read once
// at startup.
type DaemonConfig struct {
	Listen     ListenConfig    `yaml:"listen"`
	Anthropic  AnthropicConfig `yaml:"anthropic"`
	Models     ModelsConfig    `yaml:"models"`
	PluginsDir string          `yaml:"plugins_dir"`
	DataDir    string          `yaml:"data_dir"`
	LogLevel   string          `yaml:"log_level"`
	TickSec    int             `yaml:"tick_sec"`
}

// ListenConfig defines the WebSocket/HTTP server's bind settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether an Anthropic API key is present.
func (c AnthropicConfig) Configured() bool {
	return c.APIKey != ""
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default    string        `yaml:"default"`
	OllamaURL  string        `yaml:"ollama_url"`
	LocalFirst bool          `yaml:"local_first"`
	Available  []ModelConfig `yaml:"available"`
}

// ModelConfig defines a single model's capabilities and provider.
type ModelConfig struct {
	Name          string `yaml:"name"`
	Provider      string `yaml:"provider"` // ollama, anthropic, anthropic-sdk
	SupportsTools bool   `yaml:"supports_tools"`
	ContextWindow int    `yaml:"context_window"`
	Speed         int    `yaml:"speed"`          // 1-10
	Quality       int    `yaml:"quality"`        // 1-10
	CostTier      int    `yaml:"cost_tier"`      // 0=local, 1=cheap, 2=moderate, 3=expensive
	MinComplexity string `yaml:"min_complexity"` // simple, moderate, complex
}

// LoadDaemon reads daemon configuration from a YAML file, expands
// environment variables, applies defaults, and validates the result.
func LoadDaemon(path string) (*DaemonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${ANTHROPIC_API_KEY}).
	expanded := os.ExpandEnv(string(data))

	cfg := &DaemonConfig{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *DaemonConfig) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8787
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.PluginsDir == "" {
		c.PluginsDir = "./plugins"
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.TickSec == 0 {
		c.TickSec = 5
	}

	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = "ollama"
		}
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
func (c *DaemonConfig) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.TickSec < 1 {
		return fmt.Errorf("tick_sec %d must be at least 1", c.TickSec)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// ContextWindowForModel returns the context window size for the named
// model, or defaultSize if the model is not found in the configuration.
func (c *DaemonConfig) ContextWindowForModel(name string, defaultSize int) int {
	for _, m := range c.Models.Available {
		if m.Name == name {
			return m.ContextWindow
		}
	}
	return defaultSize
}

// DefaultDaemon returns a default daemon configuration suitable for
// local development with Ollama. All defaults are already applied.
func DefaultDaemon() *DaemonConfig {
	cfg := &DaemonConfig{
		Models: ModelsConfig{
			Default:    "qwen3:4b",
			LocalFirst: true,
			Available: []ModelConfig{
				{
					Name:          "qwen3:4b",
					Provider:      "ollama",
					SupportsTools: true,
					ContextWindow: 4096,
					Speed:         9,
					Quality:       5,
					CostTier:      0,
					MinComplexity: "simple",
				},
				{
					Name:          "qwen2.5:72b",
					Provider:      "ollama",
					SupportsTools: true,
					ContextWindow: 32768,
					Speed:         4,
					Quality:       8,
					CostTier:      0,
					MinComplexity: "moderate",
				},
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}
