package samples

import (
	"context"
	"testing"

	"github.com/vaultkit/sidecar/internal/plugin"
)

func newLoadedMemory(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory(plugin.Deps{VaultPath: t.TempDir()}).(*Memory)
	if err := m.OnLoad(context.Background()); err != nil {
		t.Fatalf("OnLoad() error = %v", err)
	}
	t.Cleanup(func() { m.OnUnload(context.Background()) })
	return m
}

func TestMemory_RecordAndGetHistory(t *testing.T) {
	m := newLoadedMemory(t)
	ctx := context.Background()

	if err := m.RecordTurn(ctx, "conv-1", "user", "hello"); err != nil {
		t.Fatal(err)
	}
	if err := m.RecordTurn(ctx, "conv-1", "assistant", "hi there"); err != nil {
		t.Fatal(err)
	}

	result, err := m.getHistory(ctx, map[string]any{"conversation_id": "conv-1"})
	if err != nil {
		t.Fatal(err)
	}
	out := result.(map[string]any)
	history := out["history"].([]map[string]any)
	if len(history) != 2 {
		t.Fatalf("got %d turns, want 2", len(history))
	}
	if history[0]["role"] != "user" || history[1]["role"] != "assistant" {
		t.Errorf("history out of order: %v", history)
	}
}

func TestMemory_GetHistoryRequiresConversationID(t *testing.T) {
	m := newLoadedMemory(t)
	if _, err := m.getHistory(context.Background(), map[string]any{}); err == nil {
		t.Error("expected error for missing conversation_id")
	}
}

func TestMemory_MetadataRoundTrips(t *testing.T) {
	m := newLoadedMemory(t)
	ctx := context.Background()

	_, err := m.setMetadata(ctx, map[string]any{"conversation_id": "conv-1", "key": "title", "value": "Hello World"})
	if err != nil {
		t.Fatal(err)
	}

	result, err := m.getMetadata(ctx, map[string]any{"conversation_id": "conv-1", "key": "title"})
	if err != nil {
		t.Fatal(err)
	}
	if got := result.(map[string]any)["value"]; got != "Hello World" {
		t.Errorf("value = %v, want %q", got, "Hello World")
	}
}

func TestMemory_GetMetadataMissingKeyReturnsNilValue(t *testing.T) {
	m := newLoadedMemory(t)
	result, err := m.getMetadata(context.Background(), map[string]any{"conversation_id": "conv-1", "key": "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if got := result.(map[string]any)["value"]; got != nil {
		t.Errorf("value = %v, want nil", got)
	}
}

func TestMemory_SetMetadataOverwritesExistingKey(t *testing.T) {
	m := newLoadedMemory(t)
	ctx := context.Background()
	m.setMetadata(ctx, map[string]any{"conversation_id": "conv-1", "key": "title", "value": "first"})
	m.setMetadata(ctx, map[string]any{"conversation_id": "conv-1", "key": "title", "value": "second"})

	result, _ := m.getMetadata(ctx, map[string]any{"conversation_id": "conv-1", "key": "title"})
	if got := result.(map[string]any)["value"]; got != "second" {
		t.Errorf("value = %v, want %q", got, "second")
	}
}
