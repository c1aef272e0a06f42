package plugin

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/vaultkit/sidecar/internal/commands"
	"github.com/vaultkit/sidecar/internal/events"
)

// Host drives every registered plugin through discovery, the two-phase
// registration/activation lifecycle, client-connect notification, and
// unload; a hot restart calls these steps again on a fresh Host. It
// holds no plugin-specific logic itself —
// that lives in each Plugin implementation — only the sequencing rules
// the kernel guarantees.
type Host struct {
	registry    *Registry
	commands    *commands.Registry
	bus         *events.Bus
	frontend    Frontend
	logger      *slog.Logger
	pluginsDir  string
	vaultPath   string

	order       []string // discovery order, by ID
	descriptors map[string]*Descriptor
}

// NewHost builds a Host. pluginsDir is where per-plugin settings.json
// defaults live (pluginsDir/<id>/settings.json); vaultPath is passed
// through to each plugin's Deps unchanged. A nil logger falls back to
// slog.Default.
func NewHost(registry *Registry, cmdRegistry *commands.Registry, bus *events.Bus, frontend Frontend, pluginsDir, vaultPath string, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		registry:    registry,
		commands:    cmdRegistry,
		bus:         bus,
		frontend:    frontend,
		logger:      logger,
		pluginsDir:  pluginsDir,
		vaultPath:   vaultPath,
		descriptors: make(map[string]*Descriptor),
	}
}

// pluginConfigOverrides is the shape of per-vault plugin config: keys
// are plugin IDs, values are arbitrary JSON objects merged over that
// plugin's settings.json defaults.
type pluginConfigOverrides map[string]json.RawMessage

// Discover builds a Descriptor for every factory in the compiled-in
// registry, merging each plugin's settings.json defaults with its
// per-vault override from overrides (the "plugins" section of
// .vault.json). Workspace overrides win key-by-key at the top level; a
// malformed override value is treated as absent. A plugin with no
// "enabled": true in either document is recorded Discovered-but-not-
// enabled and skipped by Load. Discover replaces any prior discovery
// state, which is what a hot restart needs.
func (h *Host) Discover(overrides map[string]json.RawMessage) []*Descriptor {
	h.order = nil
	h.descriptors = make(map[string]*Descriptor)

	for _, id := range h.registry.IDs() {
		dir := filepath.Join(h.pluginsDir, id)
		defaults := h.loadDefaults(id, dir)

		final := make(map[string]any, len(defaults))
		for k, v := range defaults {
			final[k] = v
		}
		if raw, ok := overrides[id]; ok {
			var override map[string]any
			if err := json.Unmarshal(raw, &override); err == nil {
				for k, v := range override {
					final[k] = v
				}
			} else {
				h.logger.Warn("ignoring malformed plugin config override", "plugin", id, "error", err)
			}
		}

		enabled, _ := final["enabled"].(bool)

		desc := &Descriptor{
			ID:      id,
			Dir:     dir,
			Config:  final,
			Enabled: enabled,
			State:   Discovered,
		}
		h.descriptors[id] = desc
		h.order = append(h.order, id)
	}

	out := make([]*Descriptor, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.descriptors[id])
	}
	return out
}

func (h *Host) loadDefaults(id, dir string) map[string]any {
	data, err := os.ReadFile(filepath.Join(dir, settingsFile))
	if err != nil {
		return map[string]any{}
	}
	var defaults map[string]any
	if err := json.Unmarshal(data, &defaults); err != nil {
		h.logger.Error("failed to parse plugin settings.json", "plugin", id, "error", err)
		return map[string]any{}
	}
	return defaults
}

// Load runs Phase 1 (Registration) for every enabled, discovered
// plugin in discovery order: instantiate via its factory, call
// RegisterCommands, then RegisterHooks if the plugin implements
// HookRegistrar. Side effects belong in Phase 2 (Activate), not here.
// A plugin whose registration fails is logged and left out of the
// active set; it does not abort the rest of discovery order.
func (h *Host) Load(ctx context.Context) error {
	for _, id := range h.order {
		desc := h.descriptors[id]
		if !desc.Enabled {
			h.logger.Debug("plugin disabled, skipping", "plugin", id)
			continue
		}

		deps := Deps{
			Dir:       desc.Dir,
			VaultPath: h.vaultPath,
			Config:    desc.Config,
			Registry:  h.commands,
			Bus:       h.bus,
			Frontend:  h.frontend,
			Logger:    h.logger,
		}
		p, ok := h.registry.Build(id, deps)
		if !ok {
			h.logger.Error("no factory registered for discovered plugin", "plugin", id)
			continue
		}

		if err := p.RegisterCommands(); err != nil {
			h.logger.Error("plugin failed to register commands", "plugin", id, "error", err)
			continue
		}
		if hooked, ok := p.(HookRegistrar); ok {
			if err := hooked.RegisterHooks(); err != nil {
				h.logger.Error("plugin failed to register hooks", "plugin", id, "error", err)
				continue
			}
		}

		desc.Plugin = p
		desc.State = Registered
		h.logger.Info("plugin registered", "plugin", id)
	}
	return nil
}

// Activate runs Phase 2 (Activation) for every registered plugin, in
// discovery order, only after every plugin has finished Phase 1. Each
// plugin's OnLoad runs, then — if it implements TickHandler — it is
// subscribed to events.Tick, then events.PluginLoaded is published for
// it. Once every plugin has been activated, events.AllPluginsLoaded is
// published exactly once.
func (h *Host) Activate(ctx context.Context) {
	for _, id := range h.order {
		desc := h.descriptors[id]
		if desc.State != Registered {
			continue
		}

		if err := desc.Plugin.OnLoad(ctx); err != nil {
			h.logger.Error("plugin OnLoad failed", "plugin", id, "error", err)
			continue
		}

		if ticker, ok := desc.Plugin.(TickHandler); ok {
			h.bus.Subscribe(events.Tick, func(ctx context.Context, event string, payload any) error {
				return ticker.OnTick(ctx)
			}, 0)
		}

		desc.State = Active
		h.bus.Publish(ctx, events.PluginLoaded, map[string]any{"plugin_id": id})
		h.logger.Info("plugin activated", "plugin", id)
	}

	h.bus.Publish(ctx, events.AllPluginsLoaded, nil)
}

// OnClientConnected dispatches the frontend-connected hook to every
// active plugin, in discovery order. A failure in one plugin's hook is
// logged and does not prevent the rest from running.
func (h *Host) OnClientConnected(ctx context.Context) {
	for _, id := range h.order {
		desc := h.descriptors[id]
		if desc.State != Active {
			continue
		}
		if err := desc.Plugin.OnClientConnected(ctx); err != nil {
			h.logger.Error("plugin OnClientConnected failed", "plugin", id, "error", err)
		}
	}
}

// Unload runs OnUnload for every active plugin in reverse discovery
// order, matching the kernel's shutdown and restart sequencing. A
// plugin's own error does not stop the remaining unloads.
func (h *Host) Unload(ctx context.Context) {
	for i := len(h.order) - 1; i >= 0; i-- {
		desc := h.descriptors[h.order[i]]
		if desc.State != Active {
			continue
		}
		if err := desc.Plugin.OnUnload(ctx); err != nil {
			h.logger.Error("plugin OnUnload failed", "plugin", desc.ID, "error", err)
		}
		desc.State = Unloaded
	}
}

// Descriptors returns every descriptor from the most recent Discover,
// in discovery order.
func (h *Host) Descriptors() []*Descriptor {
	out := make([]*Descriptor, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.descriptors[id])
	}
	return out
}

// Describe returns the descriptor for id, if it was discovered.
func (h *Host) Describe(id string) (*Descriptor, bool) {
	d, ok := h.descriptors[id]
	return d, ok
}

