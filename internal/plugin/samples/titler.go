package samples

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/vaultkit/sidecar/internal/events"
	"github.com/vaultkit/sidecar/internal/llm"
	"github.com/vaultkit/sidecar/internal/pipeline"
	"github.com/vaultkit/sidecar/internal/plugin"
)

// Titler is a reference plugin that only observes pipeline events: on
// the OUTPUT stage of every turn it asks the collaborator for a short
// title and stamps a generated id into the turn's metadata, the way a
// conversation-list UI would use it to label a new thread. It never
// registers a command and never touches RegisterCommands beyond the
// no-op required by the interface.
type Titler struct {
	plugin.Base
	collaborator llm.Collaborator
	category     string
}

// NewTitler is the Factory registered for the "titler" plugin id. The
// category passed to the collaborator comes from Deps.Config's
// "category" key if present, falling back to "fast".
func NewTitler(collaborator llm.Collaborator) plugin.Factory {
	return func(deps plugin.Deps) plugin.Plugin {
		category, _ := deps.Config["category"].(string)
		if category == "" {
			category = "fast"
		}
		return &Titler{Base: plugin.NewBase("titler", deps), collaborator: collaborator, category: category}
	}
}

func (t *Titler) RegisterCommands() error { return nil }

func (t *Titler) OnLoad(ctx context.Context) error { return nil }

func (t *Titler) OnClientConnected(ctx context.Context) error { return nil }

func (t *Titler) OnUnload(ctx context.Context) error { return nil }

func (t *Titler) RegisterHooks() error {
	t.Subscribe(events.StageOutput, t.onOutput, 0)
	return nil
}

func (t *Titler) onOutput(ctx context.Context, event string, payload any) error {
	pc, ok := payload.(*pipeline.Context)
	if !ok || pc == nil {
		return nil
	}
	if pc.Response == nil || *pc.Response == "" {
		return nil
	}
	if _, exists := pc.Metadata["generated_ids"]; exists {
		return nil
	}

	title := t.shortTitle(ctx, pc.Message)
	id := uuid.NewString()
	pc.Metadata["generated_ids"] = map[string]string{"conversation_title_id": id}
	pc.Metadata["generated_title"] = title
	return nil
}

func (t *Titler) shortTitle(ctx context.Context, message string) string {
	if t.collaborator == nil {
		return fallbackTitle(message)
	}
	prompt := []llm.Message{
		{Role: "system", Content: "Reply with a four-word-or-shorter title for this message. No punctuation, no quotes."},
		{Role: "user", Content: message},
	}
	completion, err := t.collaborator.Complete(ctx, prompt, t.category)
	if err != nil || completion == nil || strings.TrimSpace(completion.Content) == "" {
		return fallbackTitle(message)
	}
	return strings.TrimSpace(completion.Content)
}

func fallbackTitle(message string) string {
	words := strings.Fields(message)
	if len(words) > 6 {
		words = words[:6]
	}
	if len(words) == 0 {
		return "New conversation"
	}
	return fmt.Sprintf("%s...", strings.Join(words, " "))
}
