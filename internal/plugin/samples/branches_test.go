package samples

import (
	"context"
	"testing"

	"github.com/vaultkit/sidecar/internal/commands"
	"github.com/vaultkit/sidecar/internal/plugin"
)

func TestBranches_CreateAndList(t *testing.T) {
	b := NewBranches(plugin.Deps{}).(*Branches)
	ctx := context.Background()

	if _, err := b.createBranch(ctx, map[string]any{"conversation_id": "conv-1", "branch_id": "alt-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.createBranch(ctx, map[string]any{"conversation_id": "conv-1", "branch_id": "alt-2"}); err != nil {
		t.Fatal(err)
	}

	result, err := b.listBranches(ctx, map[string]any{"conversation_id": "conv-1"})
	if err != nil {
		t.Fatal(err)
	}
	branches := result.(map[string]any)["branches"].([]string)
	if len(branches) != 2 || branches[0] != "alt-1" || branches[1] != "alt-2" {
		t.Errorf("branches = %v, want [alt-1 alt-2]", branches)
	}
}

func TestBranches_CreateBranchRequiresBothIDs(t *testing.T) {
	b := NewBranches(plugin.Deps{}).(*Branches)
	if _, err := b.createBranch(context.Background(), map[string]any{"conversation_id": "conv-1"}); err == nil {
		t.Error("expected error when branch_id is missing")
	}
}

func TestBranches_RegisterCommandsOverridesExistingHandlerSilently(t *testing.T) {
	registry := commands.New(nil, nil)
	registry.Register("chat.get_history", func(ctx context.Context, params map[string]any) (any, error) {
		return "original", nil
	}, "memory", false)

	b := NewBranches(plugin.Deps{Registry: registry}).(*Branches)
	if err := b.RegisterCommands(); err != nil {
		t.Fatal(err)
	}

	result, err := registry.Execute(context.Background(), "chat.get_history", map[string]any{"conversation_id": "conv-1"})
	if err != nil {
		t.Fatal(err)
	}
	out, ok := result.(map[string]any)
	if !ok || out["note"] != "history replaced by chat_branches override" {
		t.Errorf("chat.get_history was not overridden by chat_branches: %v", result)
	}
}
