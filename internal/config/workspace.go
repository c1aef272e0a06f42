package config

import (
	"encoding/json"
	"os"
)

// WorkspaceConfig is the per-vault document stored at <workspace>/.vault.json.
// Unlike DaemonConfig it is JSON (the wire-facing document a plugin
// installer or settings command may rewrite), loaded fresh on demand
// rather than once at process startup.
type WorkspaceConfig struct {
	Name    string                     `json:"name"`
	Plugins map[string]json.RawMessage `json:"plugins"`
	LLM     LLMConfig                  `json:"llm"`
}

// LLMConfig holds per-vault model-category defaults: which model
// backs each category ("fast", "quality", "local", or a
// workspace-defined name) and which category chat.send falls back to
// when no model/category is given.
type LLMConfig struct {
	DefaultCategory string            `json:"default_category"`
	Categories      map[string]string `json:"categories"`
}

// DefaultWorkspaceConfig returns the configuration used when a
// workspace has no .vault.json, or an unreadable/malformed one.
func DefaultWorkspaceConfig() *WorkspaceConfig {
	return &WorkspaceConfig{
		Name:    "vault",
		Plugins: map[string]json.RawMessage{},
		LLM: LLMConfig{
			DefaultCategory: "fast",
			Categories:      map[string]string{},
		},
	}
}

// LoadWorkspace reads .vault.json from dir. It never errors: a missing
// or malformed file falls back to DefaultWorkspaceConfig, matching the
// kernel's "the workspace path itself is authoritative for identity"
// rule — config is a convenience overlay, not a precondition for the
// workspace to exist.
func LoadWorkspace(path string) *WorkspaceConfig {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultWorkspaceConfig()
	}

	cfg := DefaultWorkspaceConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return DefaultWorkspaceConfig()
	}
	if cfg.Plugins == nil {
		cfg.Plugins = map[string]json.RawMessage{}
	}
	if cfg.LLM.Categories == nil {
		cfg.LLM.Categories = map[string]string{}
	}
	if cfg.LLM.DefaultCategory == "" {
		cfg.LLM.DefaultCategory = "fast"
	}
	return cfg
}

// Save writes cfg back to path as indented JSON. Called by built-in
// commands that mutate workspace state (plugin enable/disable,
// model-category selection) — the kernel never writes config on its
// own initiative.
func (c *WorkspaceConfig) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
