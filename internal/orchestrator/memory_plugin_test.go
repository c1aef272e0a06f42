package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/vaultkit/sidecar/internal/llm"
	"github.com/vaultkit/sidecar/internal/plugin"
	"github.com/vaultkit/sidecar/internal/plugin/samples"
)

// recordingFrontend captures every EmitToFrontend call so tests can
// inspect the exact sequence of frontend-bound events a streaming turn
// produces, without a live WebSocket connection.
type recordingFrontend struct {
	events []map[string]any
}

func (f *recordingFrontend) EmitToFrontend(eventType string, data map[string]any, scope string) {
	rec := map[string]any{"event_type": eventType}
	for k, v := range data {
		rec[k] = v
	}
	f.events = append(f.events, rec)
}

func (f *recordingFrontend) NotifyFrontend(message, severity string) {}
func (f *recordingFrontend) IsClientConnected() bool                 { return true }

// scriptedCollaborator is a deterministic llm.Collaborator test double:
// Stream replays tokens in order, Complete returns them already joined.
type scriptedCollaborator struct {
	tokens []string
}

func (s *scriptedCollaborator) Complete(ctx context.Context, messages []llm.Message, modelOrCategory string) (*llm.Completion, error) {
	return &llm.Completion{Content: strings.Join(s.tokens, ""), Model: "stub-" + modelOrCategory}, nil
}

func (s *scriptedCollaborator) Stream(ctx context.Context, messages []llm.Message, modelOrCategory string, onToken func(string)) (*llm.Completion, error) {
	var full strings.Builder
	for _, tok := range s.tokens {
		onToken(tok)
		full.WriteString(tok)
	}
	return &llm.Completion{Content: full.String(), Model: "stub-" + modelOrCategory}, nil
}

// TestChatSend_RoundTripsThroughRealMemoryPlugin drives chat.send and
// chat.set_model through orchestrator.Execute against the real Memory
// sample plugin (not a test double), verifying that the orchestrator's
// internal chat.get_history/chat.get_metadata/chat.set_metadata calls
// use the same "conversation_id" param key the plugin reads, end to
// end: history accumulates across turns and a model override set via
// chat.set_model is actually picked up by the following chat.send.
func TestChatSend_RoundTripsThroughRealMemoryPlugin(t *testing.T) {
	reg := plugin.NewRegistry()
	reg.Register("memory", samples.NewMemory)

	dir := t.TempDir()
	writeEnabledSettings(t, dir, "memory")

	o, err := New(context.Background(), Deps{
		VaultPath:      dir,
		PluginsDir:     dir,
		PluginRegistry: reg,
		Collaborator:   &scriptedCollaborator{tokens: []string{"hi there"}},
		Logger:         slog.Default(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	chatID := "conv-roundtrip"

	if _, err := o.Execute(context.Background(), "chat.send", map[string]any{
		"chat_id": chatID,
		"message": "hello",
	}); err != nil {
		t.Fatalf("first chat.send error = %v", err)
	}

	histRes, err := o.Execute(context.Background(), "chat.get_history", map[string]any{"conversation_id": chatID})
	if err != nil {
		t.Fatalf("chat.get_history error = %v", err)
	}
	history := histRes.(map[string]any)["history"].([]map[string]any)
	if len(history) != 2 {
		t.Fatalf("expected 2 recorded turns (user + assistant) after one chat.send, got %d: %v", len(history), history)
	}

	setRes, err := o.Execute(context.Background(), "chat.set_model", map[string]any{
		"chat_id":  chatID,
		"model_id": "claude-override",
	})
	if err != nil {
		t.Fatalf("chat.set_model error = %v", err)
	}
	if setRes.(map[string]any)["status"] != "success" {
		t.Fatalf("chat.set_model result = %v", setRes)
	}

	secondRes, err := o.Execute(context.Background(), "chat.send", map[string]any{
		"chat_id": chatID,
		"message": "again",
	})
	if err != nil {
		t.Fatalf("second chat.send error = %v", err)
	}
	result := secondRes.(map[string]any)
	if result["model"] != "stub-claude-override" {
		t.Errorf("model = %v, want override to have reached the collaborator as stub-claude-override", result["model"])
	}

	histRes, err = o.Execute(context.Background(), "chat.get_history", map[string]any{"conversation_id": chatID})
	if err != nil {
		t.Fatalf("chat.get_history error = %v", err)
	}
	history = histRes.(map[string]any)["history"].([]map[string]any)
	if len(history) != 4 {
		t.Errorf("expected 4 recorded turns after two chat.send calls, got %d: %v", len(history), history)
	}
}

// TestChatCreateBranch_UsesConversationIDParam exercises the real
// Branches sample plugin through orchestrator.Execute, confirming its
// commands agree with the same "conversation_id" param key as Memory.
func TestChatCreateBranch_UsesConversationIDParam(t *testing.T) {
	reg := plugin.NewRegistry()
	reg.Register("chat_branches", samples.NewBranches)

	dir := t.TempDir()
	writeEnabledSettings(t, dir, "chat_branches")

	o, err := New(context.Background(), Deps{
		VaultPath:      dir,
		PluginsDir:     dir,
		PluginRegistry: reg,
		Logger:         slog.Default(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = o.Execute(context.Background(), "chat.create_branch", map[string]any{
		"conversation_id": "conv-1",
		"branch_id":       "b1",
	})
	if err != nil {
		t.Fatalf("chat.create_branch error = %v", err)
	}

	res, err := o.Execute(context.Background(), "chat.list_branches", map[string]any{"conversation_id": "conv-1"})
	if err != nil {
		t.Fatalf("chat.list_branches error = %v", err)
	}
	branches := res.(map[string]any)["branches"].([]string)
	if len(branches) != 1 || branches[0] != "b1" {
		t.Errorf("branches = %v, want [b1]", branches)
	}
}

// TestChatSend_StreamingPersistsTurnsAndMatchesGeneratedIDs exercises
// scenario 3 end to end: chat.send with stream:true, the real Memory
// and Titler sample plugins wired in (not test doubles), asserting the
// two literal streaming invariants: the concatenation of every
// chat_token payload equals the final response, and the message_ids
// carried on the terminal chat_stream_end event are exactly the ids
// Titler stamped into pipeline metadata during the OUTPUT stage.
func TestChatSend_StreamingPersistsTurnsAndMatchesGeneratedIDs(t *testing.T) {
	reg := plugin.NewRegistry()
	reg.Register("memory", samples.NewMemory)
	reg.Register("titler", samples.NewTitler(nil))

	dir := t.TempDir()
	writeEnabledSettings(t, dir, "memory")
	writeEnabledSettings(t, dir, "titler")

	frontend := &recordingFrontend{}

	o, err := New(context.Background(), Deps{
		VaultPath:      dir,
		PluginsDir:     dir,
		PluginRegistry: reg,
		Frontend:       frontend,
		Collaborator:   &scriptedCollaborator{tokens: []string{"The ", "quick ", "fox"}},
		Logger:         slog.Default(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	chatID := "conv-stream"
	res, err := o.Execute(context.Background(), "chat.send", map[string]any{
		"chat_id": chatID,
		"message": "tell me something",
		"stream":  true,
	})
	if err != nil {
		t.Fatalf("chat.send error = %v", err)
	}
	result := res.(map[string]any)
	finalResponse, _ := result["response"].(string)
	if finalResponse != "The quick fox" {
		t.Fatalf("response = %q, want %q", finalResponse, "The quick fox")
	}

	var tokenConcat strings.Builder
	var streamEnd map[string]any
	for _, event := range frontend.events {
		switch event["event_type"] {
		case eventChatToken:
			tok, _ := event["token"].(string)
			tokenConcat.WriteString(tok)
		case eventChatStreamEnd:
			streamEnd = event
		}
	}
	if tokenConcat.String() != finalResponse {
		t.Errorf("concatenation of chat_token payloads = %q, want final response %q", tokenConcat.String(), finalResponse)
	}
	if streamEnd == nil {
		t.Fatal("expected a chat_stream_end event to have been emitted")
	}
	if streamEnd["response"] != finalResponse {
		t.Errorf("chat_stream_end response = %v, want %q", streamEnd["response"], finalResponse)
	}

	idsFromEvent, ok := streamEnd["message_ids"].(map[string]string)
	if !ok || idsFromEvent["conversation_title_id"] == "" {
		t.Fatalf("chat_stream_end message_ids = %v, want a non-empty conversation_title_id stamped by Titler's OUTPUT hook", streamEnd["message_ids"])
	}
	idsFromResult, _ := result["message_ids"].(map[string]string)
	if idsFromResult["conversation_title_id"] != idsFromEvent["conversation_title_id"] {
		t.Errorf("chat.send result message_ids = %v, want it to match the terminal event's %v", idsFromResult, idsFromEvent)
	}

	histRes, err := o.Execute(context.Background(), "chat.get_history", map[string]any{"conversation_id": chatID})
	if err != nil {
		t.Fatalf("chat.get_history error = %v", err)
	}
	history := histRes.(map[string]any)["history"].([]map[string]any)
	if len(history) != 2 {
		t.Fatalf("expected the streamed turn to be persisted as 2 rows (user + assistant), got %d: %v", len(history), history)
	}
	if history[1]["content"] != finalResponse {
		t.Errorf("persisted assistant turn content = %v, want %q", history[1]["content"], finalResponse)
	}
}
