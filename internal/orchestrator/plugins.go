package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/vaultkit/sidecar/internal/commands"
)

func (o *Orchestrator) registerPluginCommands() {
	o.registry.Register("plugins.install", o.handlePluginsInstall, commands.CoreOwner, false)
	o.registry.Register("plugins.update", o.handlePluginsUpdate, commands.CoreOwner, false)
	o.registry.Register("plugins.uninstall", o.handlePluginsUninstall, commands.CoreOwner, false)
	o.registry.Register("plugins.list", o.handlePluginsList, commands.CoreOwner, false)
	o.registry.Register("plugins.toggle", o.handlePluginsToggle, commands.CoreOwner, false)
}

// handlePluginsInstall delegates to the installer collaborator. source
// may be a full download URL, a "github:owner/repo" shorthand, or a
// bare directory name already present under the plugins directory (see
// installer.HTTPInstaller.Install).
func (o *Orchestrator) handlePluginsInstall(ctx context.Context, params map[string]any) (any, error) {
	if o.installer == nil {
		return errorResult("no plugin installer configured"), nil
	}
	source, errResult := requireString(params, "source")
	if errResult != nil {
		return errResult, nil
	}

	id, err := o.installer.Install(ctx, source)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return map[string]any{
		"status":    "success",
		"plugin_id": id,
		"message":   "plugin '" + id + "' installed. Enable and restart the vault to activate it.",
	}, nil
}

func (o *Orchestrator) handlePluginsUpdate(ctx context.Context, params map[string]any) (any, error) {
	if o.installer == nil {
		return errorResult("no plugin installer configured"), nil
	}
	id, errResult := requireString(params, "plugin_id")
	if errResult != nil {
		return errResult, nil
	}
	if err := o.installer.Update(ctx, id); err != nil {
		return errorResult(err.Error()), nil
	}
	return map[string]any{
		"status":    "success",
		"plugin_id": id,
		"message":   "plugin '" + id + "' updated",
	}, nil
}

func (o *Orchestrator) handlePluginsUninstall(ctx context.Context, params map[string]any) (any, error) {
	if o.installer == nil {
		return errorResult("no plugin installer configured"), nil
	}
	id, errResult := requireString(params, "plugin_id")
	if errResult != nil {
		return errResult, nil
	}
	if err := o.installer.Uninstall(ctx, id); err != nil {
		return errorResult(err.Error()), nil
	}
	return map[string]any{
		"status":    "success",
		"plugin_id": id,
		"message":   "plugin '" + id + "' uninstalled",
	}, nil
}

// handlePluginsList reports every plugin directory on disk, enriched
// with its enabled state from the current workspace config — not
// whether it actually reached Active (a plugin can be enabled on disk
// but still fail to load; system.info's plugin list is the Active
// truth, this one answers "what would a restart try to load").
func (o *Orchestrator) handlePluginsList(ctx context.Context, params map[string]any) (any, error) {
	if o.installer == nil {
		return map[string]any{"status": "success", "plugins": []any{}, "count": 0}, nil
	}
	infos, err := o.installer.ListInstalled(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	o.mu.RLock()
	pluginsConfig := o.workspace.Plugins
	o.mu.RUnlock()

	out := make([]map[string]any, 0, len(infos))
	for _, info := range infos {
		enabled := false
		if raw, ok := pluginsConfig[info.ID]; ok {
			var conf map[string]any
			if json.Unmarshal(raw, &conf) == nil {
				enabled, _ = conf["enabled"].(bool)
			}
		}
		out = append(out, map[string]any{
			"id":      info.ID,
			"source":  info.Source,
			"enabled": enabled,
		})
	}

	return map[string]any{
		"status":  "success",
		"plugins": out,
		"count":   len(out),
	}, nil
}

// handlePluginsToggle flips a plugin's enabled flag in .vault.json and
// persists it immediately. The change only takes effect after
// system.restart_vault, matching the source's documented behavior.
func (o *Orchestrator) handlePluginsToggle(ctx context.Context, params map[string]any) (any, error) {
	id, errResult := requireString(params, "plugin_id")
	if errResult != nil {
		return errResult, nil
	}
	enabled := paramBool(params, "enabled", true)

	o.mu.Lock()
	if o.workspace.Plugins == nil {
		o.workspace.Plugins = map[string]json.RawMessage{}
	}
	o.workspace.Plugins[id] = marshalEnabled(o.workspace.Plugins[id], enabled)
	err := o.workspace.Save(o.workspaceConfigPath)
	o.mu.Unlock()

	if err != nil {
		return errorResult(err.Error()), nil
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	return map[string]any{
		"status":    "success",
		"plugin_id": id,
		"enabled":   enabled,
		"message":   "plugin '" + id + "' " + state + ". Restart vault to apply.",
	}, nil
}
