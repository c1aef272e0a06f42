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

// Deps are the handles a factory receives to build a Plugin. It is the
// Go equivalent of the constructor arguments the original plugin base
// class took (plugin_dir, vault_path, config) plus the collaborators a
// compiled-in plugin needs instead of reaching through a singleton.
type Deps struct {
	Dir       string
	VaultPath string
	Config    map[string]any
	Registry  *commands.Registry
	Bus       *events.Bus
	Frontend  Frontend
	Logger    *slog.Logger
}

// Factory builds a fresh Plugin instance from Deps. Registered once per
// plugin ID with a Registry (the compiled-in plugin registry, not
// commands.Registry) and invoked anew on every Host.Load, including
// across a hot restart.
type Factory func(deps Deps) Plugin

// Base is an embeddable helper providing the same convenience surface
// the original plugin base class offered, adapted to take its
// collaborators explicitly instead of through a singleton lookup.
// Concrete plugins embed Base and implement the remaining Plugin
// methods themselves.
type Base struct {
	Dir       string
	VaultPath string
	Config    map[string]any
	Registry  *commands.Registry
	Bus       *events.Bus
	Frontend  Frontend
	Logger    *slog.Logger

	id     string
	loaded bool
}

// NewBase constructs the embeddable helper. id is the plugin's
// directory name, used to scope log output and settings files.
func NewBase(id string, deps Deps) Base {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return Base{
		Dir:       deps.Dir,
		VaultPath: deps.VaultPath,
		Config:    deps.Config,
		Registry:  deps.Registry,
		Bus:       deps.Bus,
		Frontend:  deps.Frontend,
		Logger:    logger.With("plugin", id),
		id:        id,
	}
}

// ID returns the plugin's directory name.
func (b *Base) ID() string { return b.id }

// markLoaded and markUnloaded are called by Host around OnLoad/OnUnload
// so IsLoaded reflects lifecycle state without every plugin having to
// manage the flag itself.
func (b *Base) markLoaded()   { b.loaded = true }
func (b *Base) markUnloaded() { b.loaded = false }

// IsLoaded reports whether OnLoad has run and OnUnload has not.
func (b *Base) IsLoaded() bool { return b.loaded }

// IsClientConnected reports whether a frontend socket is currently live.
func (b *Base) IsClientConnected() bool {
	if b.Frontend == nil {
		return false
	}
	return b.Frontend.IsClientConnected()
}

// Notify sends a toast-style notification to the frontend.
func (b *Base) Notify(message, severity string) {
	if b.Frontend == nil {
		return
	}
	b.Frontend.NotifyFrontend(message, severity)
}

// Progress reports a percentage-complete update to the frontend.
func (b *Base) Progress(percentage int, message string) {
	b.Emit("progress", map[string]any{"percentage": percentage, "message": message}, ScopeWindow)
}

// UpdateState pushes a single key/value into the frontend's
// global/vault state store.
func (b *Base) UpdateState(key string, value any) {
	b.Emit("update_state", map[string]any{"key": key, "value": value}, ScopeWindow)
}

// Emit sends a generic named event to the frontend.
func (b *Base) Emit(eventType string, data map[string]any, scope string) {
	if b.Frontend == nil {
		return
	}
	b.Frontend.EmitToFrontend(eventType, data, scope)
}

// settingsFile is the default per-plugin settings filename, matching
// the original plugin base's settings.json convention.
const settingsFile = "settings.json"

// configPath resolves filename relative to the plugin's own directory.
func (b *Base) configPath(filename string) string {
	if filename == "" {
		filename = settingsFile
	}
	return filepath.Join(b.Dir, filename)
}

// LoadSettings reads and decodes filename (default settings.json) from
// the plugin's own directory. A missing file returns an empty map, not
// an error — plugins are expected to apply their own defaults.
func (b *Base) LoadSettings(filename string) map[string]any {
	data, err := os.ReadFile(b.configPath(filename))
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		b.Logger.Error("failed to parse plugin settings", "file", filename, "error", err)
		return map[string]any{}
	}
	return out
}

// SaveSettings writes settings to filename (default settings.json) in
// the plugin's own directory as indented JSON.
func (b *Base) SaveSettings(settings map[string]any, filename string) bool {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		b.Logger.Error("failed to encode plugin settings", "file", filename, "error", err)
		return false
	}
	if err := os.WriteFile(b.configPath(filename), data, 0o644); err != nil {
		b.Logger.Error("failed to write plugin settings", "file", filename, "error", err)
		return false
	}
	return true
}

// Publish fires event_name on the shared bus in parallel-dispatch mode.
func (b *Base) Publish(ctx context.Context, eventName string, payload any) {
	if b.Bus == nil {
		return
	}
	b.Bus.Publish(ctx, eventName, payload)
}

// Subscribe registers handler for event_name at priority on the shared
// bus, returning the subscription so the plugin can unsubscribe itself
// during OnUnload if it needs to.
func (b *Base) Subscribe(event string, handler events.Handler, priority int) *events.Subscription {
	if b.Bus == nil {
		return nil
	}
	return b.Bus.Subscribe(event, handler, priority)
}

// --- UI helpers -------------------------------------------------------
//
// Each of these emits a single "ui_command" frontend event carrying an
// action discriminator, mirroring the original base class's UI-command
// emission helper rather than inventing one frontend event per action.

const uiCommandEvent = "ui_command"

func (b *Base) emitUICommand(action string, data map[string]any) {
	payload := map[string]any{"action": action}
	for k, v := range data {
		payload[k] = v
	}
	b.Emit(uiCommandEvent, payload, ScopeWindow)
}

// RegisterSidebarView registers a sidebar view in the activity bar.
// icon is either an inline SVG string or a known icon name.
func (b *Base) RegisterSidebarView(id, icon, title string) {
	b.emitUICommand("register_sidebar", map[string]any{"id": id, "icon": icon, "title": title})
}

// SetSidebarContent sets the HTML content of a previously registered sidebar view.
func (b *Base) SetSidebarContent(id, html string) {
	b.emitUICommand("set_sidebar", map[string]any{"id": id, "html": html})
}

// RegisterPanel registers a new panel/tab in the layout. position is
// one of "left", "right", "bottom".
func (b *Base) RegisterPanel(id, title, icon, position string) {
	b.emitUICommand("register_panel", map[string]any{"id": id, "title": title, "icon": icon, "position": position})
}

// SetPanelContent sets the HTML content of a panel.
func (b *Base) SetPanelContent(id, html string) {
	b.emitUICommand("set_panel", map[string]any{"id": id, "html": html})
}

// RemovePanel removes a panel from the layout.
func (b *Base) RemovePanel(id string) {
	b.emitUICommand("remove_panel", map[string]any{"id": id})
}

// RegisterToolbarButton registers a toolbar button that runs command
// (a registered command id) when clicked.
func (b *Base) RegisterToolbarButton(id, icon, title, command string) {
	b.emitUICommand("register_toolbar", map[string]any{"id": id, "icon": icon, "title": title, "command": command})
}

// SetToolboxContent sets the HTML content of the toolbox area.
func (b *Base) SetToolboxContent(html string) {
	b.emitUICommand("set_toolbox", map[string]any{"html": html})
}

// AddToolboxItem appends an HTML item to the toolbox area.
func (b *Base) AddToolboxItem(html string) {
	b.emitUICommand("add_toolbox_item", map[string]any{"html": html})
}

// ShowModal opens a modal dialog.
func (b *Base) ShowModal(title, html, width string) {
	if width == "" {
		width = "500px"
	}
	b.emitUICommand("show_modal", map[string]any{"title": title, "html": html, "width": width})
}

// CloseModal closes the currently open modal dialog.
func (b *Base) CloseModal() {
	b.emitUICommand("close_modal", map[string]any{})
}
