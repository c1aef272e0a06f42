package orchestrator

import (
	"context"

	"github.com/vaultkit/sidecar/internal/commands"
	"github.com/vaultkit/sidecar/internal/config"
	"github.com/vaultkit/sidecar/internal/events"
	"github.com/vaultkit/sidecar/internal/plugin"
)

func (o *Orchestrator) registerSystemCommands() {
	o.registry.Register("system.chat", o.handleSystemChat, commands.CoreOwner, false)
	o.registry.Register("system.info", o.handleSystemInfo, commands.CoreOwner, false)
	o.registry.Register("system.list_commands", o.handleListCommands, commands.CoreOwner, false)
	o.registry.Register("system.client_ready", o.handleClientReady, commands.CoreOwner, false)
	o.registry.Register("system.restart_vault", o.handleRestartVault, commands.CoreOwner, false)
}

// handleSystemChat is the legacy alias to chat.send: the frontend's
// original non-streaming call shape, kept working without a second
// implementation to drift out of sync.
func (o *Orchestrator) handleSystemChat(ctx context.Context, params map[string]any) (any, error) {
	forced := make(map[string]any, len(params)+1)
	for k, v := range params {
		forced[k] = v
	}
	forced["stream"] = false
	return o.handleChatSend(ctx, forced)
}

func (o *Orchestrator) handleSystemInfo(ctx context.Context, params map[string]any) (any, error) {
	o.mu.RLock()
	name := o.workspace.Name
	o.mu.RUnlock()

	var active []string
	for _, desc := range o.host.Descriptors() {
		if desc.State == plugin.Active {
			active = append(active, desc.ID)
		}
	}
	return map[string]any{
		"vault":   name,
		"plugins": active,
	}, nil
}

func (o *Orchestrator) handleListCommands(ctx context.Context, params map[string]any) (any, error) {
	return map[string]any{
		"status":   "success",
		"commands": o.registry.IDs(),
	}, nil
}

// handleClientReady fires OnClientConnected for every active plugin,
// for frontend-only UI registration that has to wait for a live
// socket.
func (o *Orchestrator) handleClientReady(ctx context.Context, params map[string]any) (any, error) {
	o.host.OnClientConnected(ctx)
	return map[string]any{"status": "ok"}, nil
}

// handleRestartVault performs the hot-reload sequence: announce
// shutdown, unload every active plugin, rebuild the bus/registry/host
// from a freshly re-read workspace config, and run discovery, load,
// and activation again. Unlike the source (which mutates self.plugins
// and self.commands in place), rebuild swaps in entirely fresh
// collaborators — simpler to reason about and immune to stale command
// handlers left bound to an unloaded plugin instance.
func (o *Orchestrator) handleRestartVault(ctx context.Context, params map[string]any) (any, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.logger.Info("restarting vault (hot reload)")
	o.bus.Publish(ctx, events.SystemShutdown, nil)
	o.host.Unload(ctx)

	o.workspace = config.LoadWorkspace(o.workspaceConfigPath)
	o.rebuild(ctx)

	var loaded []string
	for _, desc := range o.host.Descriptors() {
		if desc.State == plugin.Active {
			loaded = append(loaded, desc.ID)
		}
	}

	return map[string]any{
		"status":        "success",
		"message":       "vault restarted successfully",
		"plugins_loaded": loaded,
	}, nil
}
