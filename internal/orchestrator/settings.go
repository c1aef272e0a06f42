package orchestrator

import (
	"context"

	"github.com/vaultkit/sidecar/internal/commands"
	"github.com/vaultkit/sidecar/internal/config"
)

// categoryDescriptions documents the built-in routing categories
// settings.get_model_categories reports alongside the workspace's
// configured model-per-category mapping.
var categoryDescriptions = map[string]string{
	"fast":    "Low-latency, cost-aware model for interactive chat turns.",
	"quality": "Higher-quality model for background or analysis work, cost-tolerant.",
	"local":   "Restricted to free/local models regardless of quality floor.",
}

func (o *Orchestrator) registerSettingsCommands() {
	o.registry.Register("settings.store_api_key", o.handleStoreAPIKey, commands.CoreOwner, false)
	o.registry.Register("settings.delete_api_key", o.handleDeleteAPIKey, commands.CoreOwner, false)
	o.registry.Register("settings.list_providers", o.handleListProviders, commands.CoreOwner, false)
	o.registry.Register("settings.verify_api_key", o.handleVerifyAPIKey, commands.CoreOwner, false)
	o.registry.Register("settings.get_available_models", o.handleGetAvailableModels, commands.CoreOwner, false)
	o.registry.Register("settings.get_model_categories", o.handleGetModelCategories, commands.CoreOwner, false)
	o.registry.Register("settings.set_model_category", o.handleSetModelCategory, commands.CoreOwner, false)
	o.registry.Register("settings.detect_ollama", o.handleDetectOllama, commands.CoreOwner, false)
	o.registry.Register("settings.get_model_info", o.handleGetModelInfo, commands.CoreOwner, false)
}

func (o *Orchestrator) handleStoreAPIKey(ctx context.Context, params map[string]any) (any, error) {
	if o.keyring == nil {
		return errorResult("no keyring service configured"), nil
	}
	provider, errResult := requireString(params, "provider")
	if errResult != nil {
		return errResult, nil
	}
	apiKey, errResult := requireString(params, "api_key")
	if errResult != nil {
		return errResult, nil
	}

	if err := o.keyring.Store(provider, apiKey); err != nil {
		return errorResult(err.Error()), nil
	}
	if err := o.keyring.SetEnvVars(); err != nil {
		o.logger.Warn("failed to refresh provider env vars after store", "error", err)
	}
	return map[string]any{"status": "success", "provider": provider}, nil
}

func (o *Orchestrator) handleDeleteAPIKey(ctx context.Context, params map[string]any) (any, error) {
	if o.keyring == nil {
		return errorResult("no keyring service configured"), nil
	}
	provider, errResult := requireString(params, "provider")
	if errResult != nil {
		return errResult, nil
	}
	if err := o.keyring.Delete(provider); err != nil {
		return errorResult(err.Error()), nil
	}
	return map[string]any{"status": "success", "provider": provider}, nil
}

func (o *Orchestrator) handleListProviders(ctx context.Context, params map[string]any) (any, error) {
	if o.keyring == nil {
		return map[string]any{"status": "success", "providers": []any{}}, nil
	}
	return map[string]any{"status": "success", "providers": o.keyring.ListProviders()}, nil
}

func (o *Orchestrator) handleVerifyAPIKey(ctx context.Context, params map[string]any) (any, error) {
	if o.keyring == nil {
		return errorResult("no keyring service configured"), nil
	}
	provider, errResult := requireString(params, "provider")
	if errResult != nil {
		return errResult, nil
	}
	ok, err := o.keyring.Verify(provider)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	status := "error"
	if ok {
		status = "success"
	}
	return map[string]any{"status": status, "provider": provider, "valid": ok}, nil
}

// isProviderConfigured reports whether provider has usable
// credentials, consulting the keyring first and falling back to the
// daemon config for providers that can also be set via sidecard.yaml.
func (o *Orchestrator) isProviderConfigured(provider string) bool {
	if o.keyring != nil {
		for _, status := range o.keyring.ListProviders() {
			if status.Provider == provider {
				return status.Configured
			}
		}
	}
	if provider == "anthropic" {
		return o.daemon.Anthropic.Configured()
	}
	return false
}

func (o *Orchestrator) handleGetAvailableModels(ctx context.Context, params map[string]any) (any, error) {
	o.mu.RLock()
	daemon := o.daemon
	o.mu.RUnlock()

	byProvider := map[string][]map[string]any{}
	for _, m := range daemon.Models.Available {
		if m.Provider != "ollama" && !o.isProviderConfigured(normalizeProvider(m.Provider)) {
			continue
		}
		byProvider[m.Provider] = append(byProvider[m.Provider], map[string]any{
			"id":             m.Name,
			"name":           m.Name,
			"categories":     categoriesForModel(m),
			"context_window": m.ContextWindow,
			"is_local":       m.Provider == "ollama",
		})
	}

	return map[string]any{"status": "success", "models": byProvider}, nil
}

// normalizeProvider maps a router.Model provider tag (which includes
// the variant "anthropic-sdk") to the keyring/credential provider id.
func normalizeProvider(provider string) string {
	if provider == "anthropic-sdk" {
		return "anthropic"
	}
	return provider
}

func categoriesForModel(m config.ModelConfig) []string {
	var cats []string
	if m.Speed >= 7 {
		cats = append(cats, "fast")
	}
	if m.Quality >= 7 {
		cats = append(cats, "quality")
	}
	if m.CostTier == 0 {
		cats = append(cats, "local")
	}
	if cats == nil {
		cats = []string{"fast"}
	}
	return cats
}

func (o *Orchestrator) handleGetModelCategories(ctx context.Context, params map[string]any) (any, error) {
	o.mu.RLock()
	configured := map[string]string{}
	for k, v := range o.workspace.LLM.Categories {
		configured[k] = v
	}
	defaultCategory := o.workspace.LLM.DefaultCategory
	o.mu.RUnlock()

	info := make(map[string]any, len(categoryDescriptions))
	for name, desc := range categoryDescriptions {
		info[name] = map[string]any{"description": desc}
	}

	return map[string]any{
		"status":          "success",
		"categories_info": info,
		"configured":      configured,
		"default_category": defaultCategory,
	}, nil
}

func (o *Orchestrator) handleSetModelCategory(ctx context.Context, params map[string]any) (any, error) {
	category, errResult := requireString(params, "category")
	if errResult != nil {
		return errResult, nil
	}
	model, errResult := requireString(params, "model")
	if errResult != nil {
		return errResult, nil
	}

	o.mu.Lock()
	if o.workspace.LLM.Categories == nil {
		o.workspace.LLM.Categories = map[string]string{}
	}
	o.workspace.LLM.Categories[category] = model
	err := o.workspace.Save(o.workspaceConfigPath)
	o.mu.Unlock()

	if err != nil {
		return errorResult(err.Error()), nil
	}
	return map[string]any{"status": "success", "category": category, "model": model}, nil
}

func (o *Orchestrator) handleDetectOllama(ctx context.Context, params map[string]any) (any, error) {
	if o.ollama == nil {
		return map[string]any{"status": "success", "available": false, "models": []any{}}, nil
	}

	available := o.ollama.Ping(ctx) == nil
	names, err := o.ollama.ListModels(ctx)
	if err != nil {
		return map[string]any{"status": "success", "available": available, "models": []any{}}, nil
	}

	o.mu.RLock()
	daemon := o.daemon
	o.mu.RUnlock()

	models := make([]map[string]any, 0, len(names))
	for _, name := range names {
		cats := []string{"fast"}
		for _, m := range daemon.Models.Available {
			if m.Name == name {
				cats = categoriesForModel(m)
				break
			}
		}
		models = append(models, map[string]any{"name": name, "categories": cats})
	}

	return map[string]any{"status": "success", "available": available, "models": models}, nil
}

func (o *Orchestrator) handleGetModelInfo(ctx context.Context, params map[string]any) (any, error) {
	modelID, errResult := requireString(params, "model_id")
	if errResult != nil {
		return errResult, nil
	}
	info := o.findModelInfo(modelID)
	if info == nil {
		return errorResult("model not found: " + modelID), nil
	}
	return map[string]any{"status": "success", "model": info}, nil
}

// findModelInfo looks modelID up in the daemon's configured model
// list. It returns nil, not an error, when unknown — chat.set_model
// uses this to report "success with no model_info" for a model it
// doesn't have static details for rather than failing the whole call.
func (o *Orchestrator) findModelInfo(modelID string) map[string]any {
	if modelID == "" {
		return nil
	}
	o.mu.RLock()
	daemon := o.daemon
	o.mu.RUnlock()

	for _, m := range daemon.Models.Available {
		if m.Name == modelID {
			return map[string]any{
				"id":             m.Name,
				"provider":       m.Provider,
				"context_window": m.ContextWindow,
				"supports_tools": m.SupportsTools,
				"speed":          m.Speed,
				"quality":        m.Quality,
				"cost_tier":      m.CostTier,
				"min_complexity": m.MinComplexity,
			}
		}
	}
	return nil
}
