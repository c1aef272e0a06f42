package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/vaultkit/sidecar/internal/events"
	"github.com/vaultkit/sidecar/internal/plugin"
)

func newTestOrchestrator(t *testing.T, registry *plugin.Registry) *Orchestrator {
	t.Helper()
	if registry == nil {
		registry = plugin.NewRegistry()
	}
	o, err := New(context.Background(), Deps{
		VaultPath:      t.TempDir(),
		PluginRegistry: registry,
		Logger:         slog.Default(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o
}

func TestOrchestrator_New_RejectsMissingWorkspace(t *testing.T) {
	_, err := New(context.Background(), Deps{
		VaultPath:      "/does/not/exist",
		PluginRegistry: plugin.NewRegistry(),
	})
	if err == nil {
		t.Fatal("expected error for nonexistent workspace path")
	}
}

// TestChatSend_NonStreamingEchoWithNoCollaborator matches scenario 1:
// no plugins, no LLM collaborator configured, plain chat.send.
func TestChatSend_NonStreamingEchoWithNoCollaborator(t *testing.T) {
	o := newTestOrchestrator(t, nil)

	res, err := o.Execute(context.Background(), "chat.send", map[string]any{"message": "hi"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	result := res.(map[string]any)

	if result["status"] != "success" {
		t.Fatalf("status = %v, want success", result["status"])
	}
	if result["response"] != "[Demo Mode] Echo: hi" {
		t.Errorf("response = %v, want demo echo", result["response"])
	}
	chatID, _ := result["chat_id"].(string)
	if chatID == "" {
		t.Error("expected a generated chat_id")
	}
}

func TestChatSend_RequiresMessage(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	res, err := o.Execute(context.Background(), "chat.send", map[string]any{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.(map[string]any)["status"] != "error" {
		t.Errorf("expected error result for missing message, got %v", res)
	}
}

// chatHistoryPlugin is a minimal plugin registering chat.get_history,
// used to exercise the override-via-re-registration scenario.
type chatHistoryPlugin struct {
	plugin.Base
	response map[string]any
}

func newChatHistoryPlugin(response map[string]any) plugin.Factory {
	return func(deps plugin.Deps) plugin.Plugin {
		return &chatHistoryPlugin{Base: plugin.NewBase("history", deps), response: response}
	}
}

func (p *chatHistoryPlugin) RegisterCommands() error {
	p.Registry.Register("chat.get_history", func(ctx context.Context, params map[string]any) (any, error) {
		return p.response, nil
	}, p.ID(), true)
	return nil
}
func (p *chatHistoryPlugin) OnLoad(ctx context.Context) error            { return nil }
func (p *chatHistoryPlugin) OnClientConnected(ctx context.Context) error { return nil }
func (p *chatHistoryPlugin) OnUnload(ctx context.Context) error          { return nil }

func writeEnabledSettings(t *testing.T, pluginsDir, id string) {
	t.Helper()
	dir := filepath.Join(pluginsDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "settings.json"), []byte(`{"enabled": true}`), 0o644); err != nil {
		t.Fatal(err)
	}
}

// TestChatSend_UsesOverriddenHistoryCommand matches scenario 2: a
// later-registered plugin's chat.get_history shadows an earlier one,
// and chat.send consumes whichever handler is currently registered.
func TestChatSend_UsesOverriddenHistoryCommand(t *testing.T) {
	reg := plugin.NewRegistry()
	reg.Register("history-a", newChatHistoryPlugin(map[string]any{
		"status": "success", "history": []any{},
	}))
	reg.Register("history-b", newChatHistoryPlugin(map[string]any{
		"status":  "success",
		"history": []any{map[string]any{"role": "user", "content": "prev"}},
	}))

	dir := t.TempDir()
	writeEnabledSettings(t, dir, "history-a")
	writeEnabledSettings(t, dir, "history-b")

	o, err := New(context.Background(), Deps{
		VaultPath:      dir,
		PluginsDir:     dir,
		PluginRegistry: reg,
		Logger:         slog.Default(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := o.Execute(context.Background(), "chat.get_history", map[string]any{"chat_id": "c1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	history := res.(map[string]any)["history"].([]any)
	if len(history) != 1 {
		t.Fatalf("expected history-b's response to win, got %v", res)
	}
}

// abortPlugin subscribes at StageInput and aborts every turn, modeling
// scenario 4 (a plugin vetoing a message before any LLM call happens).
type abortPlugin struct {
	plugin.Base
}

func newAbortPlugin() plugin.Factory {
	return func(deps plugin.Deps) plugin.Plugin {
		return &abortPlugin{Base: plugin.NewBase("gatekeeper", deps)}
	}
}

func (p *abortPlugin) RegisterCommands() error { return nil }
func (p *abortPlugin) RegisterHooks() error {
	p.Bus.Subscribe(events.StageInput, func(ctx context.Context, event string, payload any) error {
		if pc, ok := payload.(interface{ Abort(string) }); ok {
			pc.Abort("forbidden")
		}
		return nil
	}, 100)
	return nil
}
func (p *abortPlugin) OnLoad(ctx context.Context) error            { return nil }
func (p *abortPlugin) OnClientConnected(ctx context.Context) error { return nil }
func (p *abortPlugin) OnUnload(ctx context.Context) error          { return nil }

func TestChatSend_AbortDuringInputSkipsLLMCall(t *testing.T) {
	calls := 0
	reg := plugin.NewRegistry()
	reg.Register("gatekeeper", newAbortPlugin())

	dir := t.TempDir()
	writeEnabledSettings(t, dir, "gatekeeper")

	o, err := New(context.Background(), Deps{
		VaultPath:      dir,
		PluginsDir:     dir,
		PluginRegistry: reg,
		Logger:         slog.Default(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	o.bus.Subscribe(events.StageLLM, func(ctx context.Context, event string, payload any) error {
		calls++
		return nil
	}, 0)

	res, err := o.Execute(context.Background(), "chat.send", map[string]any{"message": "forbidden"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if calls != 0 {
		t.Errorf("LLM stage fired %d times, want 0 after INPUT abort", calls)
	}
	if res.(map[string]any)["status"] != "success" {
		t.Errorf("expected a success envelope even when aborted, got %v", res)
	}
}

func TestSystemListCommands_IncludesBuiltins(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	res, err := o.Execute(context.Background(), "system.list_commands", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	ids := res.(map[string]any)["commands"].([]string)
	want := []string{"chat.send", "system.info", "plugins.list", "settings.list_providers"}
	for _, id := range want {
		found := false
		for _, got := range ids {
			if got == id {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("system.list_commands missing %q, got %v", id, ids)
		}
	}
}

func TestSystemInfo_ReportsWorkspaceNameAndActivePlugins(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	res, err := o.Execute(context.Background(), "system.info", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	info := res.(map[string]any)
	if info["vault"] != "vault" {
		t.Errorf("vault = %v, want default workspace name", info["vault"])
	}
}

func TestRestartVault_ReactivatesPluginsAndPreservesCommandSet(t *testing.T) {
	reg := plugin.NewRegistry()
	reg.Register("history-a", newChatHistoryPlugin(map[string]any{"status": "success", "history": []any{}}))

	dir := t.TempDir()
	writeEnabledSettings(t, dir, "history-a")

	o, err := New(context.Background(), Deps{
		VaultPath:      dir,
		PluginsDir:     dir,
		PluginRegistry: reg,
		Logger:         slog.Default(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	idsBefore, _ := o.Execute(context.Background(), "system.list_commands", nil)

	res, err := o.Execute(context.Background(), "system.restart_vault", nil)
	if err != nil {
		t.Fatalf("restart error = %v", err)
	}
	if res.(map[string]any)["status"] != "success" {
		t.Fatalf("restart status = %v", res)
	}
	loaded := res.(map[string]any)["plugins_loaded"].([]string)
	if len(loaded) != 1 || loaded[0] != "history-a" {
		t.Errorf("plugins_loaded = %v, want [history-a]", loaded)
	}

	idsAfter, _ := o.Execute(context.Background(), "system.list_commands", nil)
	before1 := idsBefore.(map[string]any)["commands"].([]string)
	after1 := idsAfter.(map[string]any)["commands"].([]string)
	if len(before1) != len(after1) {
		t.Errorf("command set changed across restart: before=%v after=%v", before1, after1)
	}
}

func TestPluginsToggle_PersistsEnabledStateToWorkspaceConfig(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	res, err := o.Execute(context.Background(), "plugins.toggle", map[string]any{"plugin_id": "memory", "enabled": true})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.(map[string]any)["status"] != "success" {
		t.Fatalf("toggle result = %v", res)
	}

	data, err := os.ReadFile(filepath.Join(o.vaultPath, ".vault.json"))
	if err != nil {
		t.Fatalf("expected .vault.json to be written: %v", err)
	}
	if !contains(string(data), `"memory"`) {
		t.Errorf(".vault.json does not mention toggled plugin: %s", data)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
