// Package orchestrator wires the event bus, command registry, plugin
// host, and chat pipeline into one addressable kernel instance. Unlike
// the source's VaultBrain, there is no process-wide singleton: New
// returns an explicit handle, and a daemon hosting multiple workspaces
// simply constructs one Orchestrator per vault.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/vaultkit/sidecar/internal/commands"
	"github.com/vaultkit/sidecar/internal/config"
	"github.com/vaultkit/sidecar/internal/events"
	"github.com/vaultkit/sidecar/internal/installer"
	"github.com/vaultkit/sidecar/internal/keyring"
	"github.com/vaultkit/sidecar/internal/llm"
	"github.com/vaultkit/sidecar/internal/pipeline"
	"github.com/vaultkit/sidecar/internal/plugin"
)

// metricsEvents lists every bus event the orchestrator counts toward
// sidecard_events_published_total. Subscribing per-name rather than
// generically keeps the metrics wiring honest about what it counts.
var metricsEvents = []string{
	events.Tick,
	events.PluginLoaded,
	events.AllPluginsLoaded,
	events.SystemShutdown,
	events.CommandExecuted,
	events.StageStart,
	events.StageInput,
	events.StageContext,
	events.StagePrompt,
	events.StageLLM,
	events.StagePostProcess,
	events.StageOutput,
	events.StageEnd,
}

// Deps are the collaborators New assembles an Orchestrator from. Only
// VaultPath and PluginRegistry are required; everything else has a
// workable zero value (nil Collaborator/Ollama/Keyring/Installer falls
// back to demo-mode/unconfigured behavior the same way the source
// degrades gracefully with no API key and no Ollama install).
type Deps struct {
	VaultPath  string
	PluginsDir string

	// WorkspaceConfigPath is where .vault.json lives; defaults to
	// VaultPath/.vault.json when empty.
	WorkspaceConfigPath string

	Daemon         *config.DaemonConfig
	PluginRegistry *plugin.Registry
	Frontend       plugin.Frontend
	Collaborator   llm.Collaborator
	Ollama         *llm.OllamaClient
	Keyring        keyring.Service
	Installer      installer.Installer
	Logger         *slog.Logger
}

// Orchestrator is the kernel instance for one workspace: it owns the
// event bus, command registry, plugin host, and chat pipeline, and
// exposes every built-in command the RPC boundary dispatches into.
type Orchestrator struct {
	mu sync.RWMutex

	vaultPath           string
	pluginsDir          string
	workspaceConfigPath string
	workspace           *config.WorkspaceConfig
	daemon              *config.DaemonConfig

	bus            *events.Bus
	registry       *commands.Registry
	pluginRegistry *plugin.Registry
	host           *plugin.Host
	runner         pipeline.Runner

	collaborator llm.Collaborator
	ollama       *llm.OllamaClient
	keyring      keyring.Service
	installer    installer.Installer
	frontend     plugin.Frontend

	metrics *metrics
	logger  *slog.Logger
}

// New validates the workspace path, loads its config, points the
// keyring at the process environment, builds the pipeline and plugin
// host, then runs plugin discovery and the two-phase load/activate
// sequence before registering built-in commands. This mirrors the
// source's initialize(): config before keyring, keyring before the LLM
// collaborator, collaborator before the pipeline, plugins discovered
// and activated before built-in commands register. Because builtins
// register last, a builtin replaces a plugin command with the same id
// (the registry logs a warning for the replacement).
func New(ctx context.Context, deps Deps) (*Orchestrator, error) {
	info, err := os.Stat(deps.VaultPath)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("orchestrator: workspace path %q is not a directory: %w", deps.VaultPath, err)
	}
	if deps.PluginRegistry == nil {
		return nil, fmt.Errorf("orchestrator: PluginRegistry is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	workspaceConfigPath := deps.WorkspaceConfigPath
	if workspaceConfigPath == "" {
		workspaceConfigPath = filepath.Join(deps.VaultPath, ".vault.json")
	}
	pluginsDir := deps.PluginsDir
	if pluginsDir == "" {
		pluginsDir = filepath.Join(deps.VaultPath, "plugins")
	}

	if deps.Keyring != nil {
		if err := deps.Keyring.SetEnvVars(); err != nil {
			logger.Warn("failed to set provider env vars from keyring", "error", err)
		}
	}

	o := &Orchestrator{
		vaultPath:           deps.VaultPath,
		pluginsDir:          pluginsDir,
		workspaceConfigPath: workspaceConfigPath,
		workspace:           config.LoadWorkspace(workspaceConfigPath),
		daemon:              deps.Daemon,
		pluginRegistry:      deps.PluginRegistry,
		collaborator:        deps.Collaborator,
		ollama:              deps.Ollama,
		keyring:             deps.Keyring,
		installer:           deps.Installer,
		frontend:            deps.Frontend,
		metrics:             newMetrics(),
		logger:              logger,
	}
	if o.daemon == nil {
		o.daemon = config.DefaultDaemon()
	}

	o.rebuild(ctx)

	return o, nil
}

// rebuild constructs a fresh bus, command registry, plugin host, and
// pipeline runner around the orchestrator's existing collaborators,
// runs plugin discovery/load/activate against the current workspace
// config, and only then registers built-in commands — matching the
// source's discover -> Phase 1 -> Phase 2 -> register-builtins order,
// so on an id collision the builtin replaces the plugin's command and
// the registry logs a warning about it. It is the single
// place both New and restartVault assemble the kernel's mutable state,
// so the two paths can never drift.
func (o *Orchestrator) rebuild(ctx context.Context) {
	o.bus = events.New(o.logger)
	o.registry = commands.New(o.logger, o.bus.Publish)
	o.host = plugin.NewHost(o.pluginRegistry, o.registry, o.bus, o.frontend, o.pluginsDir, o.vaultPath, o.logger)
	o.runner = pipeline.NewLinear(o.bus, o.collaborator, o.logger)

	for _, event := range metricsEvents {
		name := event
		o.bus.Subscribe(name, func(ctx context.Context, event string, payload any) error {
			o.metrics.eventsPublished.WithLabelValues(name).Inc()
			return nil
		}, 0)
	}
	o.bus.Subscribe(events.CommandExecuted, func(ctx context.Context, event string, payload any) error {
		if m, ok := payload.(map[string]any); ok {
			status, _ := m["status"].(string)
			o.metrics.commandsExecuted.WithLabelValues(status).Inc()
		}
		return nil
	}, 0)

	o.host.Discover(o.workspace.Plugins)
	if err := o.host.Load(ctx); err != nil {
		o.logger.Error("plugin load phase failed", "error", err)
	}
	o.host.Activate(ctx)

	o.registerBuiltins()

	o.updatePluginsActiveGauge()
}

func (o *Orchestrator) updatePluginsActiveGauge() {
	active := 0
	for _, desc := range o.host.Descriptors() {
		if desc.State == plugin.Active {
			active++
		}
	}
	o.metrics.pluginsActive.Set(float64(active))
}

func (o *Orchestrator) registerBuiltins() {
	o.registerChatCommands()
	o.registerSystemCommands()
	o.registerPluginCommands()
	o.registerSettingsCommands()
}

// Bus returns the current event bus. Callers must not cache this
// across a restart — the pointer is replaced by rebuild.
func (o *Orchestrator) Bus() *events.Bus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.bus
}

// Commands returns the current command registry. Callers must not
// cache this across a restart.
func (o *Orchestrator) Commands() *commands.Registry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.registry
}

// MetricsHandler returns the HTTP handler serving this orchestrator's
// Prometheus metrics, for mounting alongside the WebSocket upgrade
// endpoint.
func (o *Orchestrator) MetricsHandler() http.Handler {
	return o.metrics.Handler()
}

// Execute runs a registered command by id, unwrapping legacy param
// bags at the registry boundary. This is the single entry point the
// RPC layer's execute_command method and system.client_ready-style
// internal calls both go through.
func (o *Orchestrator) Execute(ctx context.Context, id string, params map[string]any) (any, error) {
	o.mu.RLock()
	reg := o.registry
	o.mu.RUnlock()
	return reg.Execute(ctx, id, params)
}

// Shutdown announces SYSTEM_SHUTDOWN and unloads every active plugin
// in reverse discovery order. The Orchestrator must not be used again
// afterward.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bus.Publish(ctx, events.SystemShutdown, nil)
	o.host.Unload(ctx)
}

// emitToFrontend forwards a raw event to the connected frontend, if
// any. Orchestrator holds the same Frontend interface a plugin.Base
// does, since chat.send's streaming events are a kernel concern rather
// than a plugin one.
func (o *Orchestrator) emitToFrontend(eventType string, data map[string]any) {
	if o.frontend == nil {
		return
	}
	o.frontend.EmitToFrontend(eventType, data, plugin.ScopeWindow)
}

func paramString(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func paramBool(params map[string]any, key string, fallback bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return fallback
}

func errorResult(message string) map[string]any {
	return map[string]any{"status": "error", "error": message}
}

func requireString(params map[string]any, key string) (string, map[string]any) {
	v := paramString(params, key)
	if v == "" {
		return "", errorResult(fmt.Sprintf("%s is required", key))
	}
	return v, nil
}

// marshalEnabled merges {"enabled": enabled} into an existing raw JSON
// plugin-config object, preserving whatever other keys it already
// carries. A missing or malformed existing value is treated as {}.
func marshalEnabled(existing json.RawMessage, enabled bool) json.RawMessage {
	m := map[string]any{}
	if len(existing) > 0 {
		_ = json.Unmarshal(existing, &m)
	}
	m["enabled"] = enabled
	data, err := json.Marshal(m)
	if err != nil {
		return existing
	}
	return json.RawMessage(data)
}
