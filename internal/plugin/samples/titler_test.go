package samples

import (
	"context"
	"testing"

	"github.com/vaultkit/sidecar/internal/events"
	"github.com/vaultkit/sidecar/internal/llm"
	"github.com/vaultkit/sidecar/internal/pipeline"
	"github.com/vaultkit/sidecar/internal/plugin"
)

type stubCollaborator struct {
	content string
	err     error
}

func (s *stubCollaborator) Complete(ctx context.Context, messages []llm.Message, modelOrCategory string) (*llm.Completion, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Completion{Content: s.content}, nil
}

func (s *stubCollaborator) Stream(ctx context.Context, messages []llm.Message, modelOrCategory string, onToken func(string)) (*llm.Completion, error) {
	return s.Complete(ctx, messages, modelOrCategory)
}

func TestTitler_RegisterHooksSubscribesToOutputStage(t *testing.T) {
	bus := events.New(nil)
	factory := NewTitler(&stubCollaborator{content: "Weekend Plans"})
	titler := factory(plugin.Deps{Bus: bus}).(*Titler)

	if err := titler.RegisterHooks(); err != nil {
		t.Fatal(err)
	}

	pc := pipeline.NewContext("what should I do this weekend", nil, nil)
	resp := "Try hiking or a museum."
	pc.Response = &resp

	bus.PublishSequential(context.Background(), events.StageOutput, pc)

	if pc.Metadata["generated_title"] != "Weekend Plans" {
		t.Errorf("generated_title = %v, want %q", pc.Metadata["generated_title"], "Weekend Plans")
	}
	ids, ok := pc.Metadata["generated_ids"].(map[string]string)
	if !ok || ids["conversation_title_id"] == "" {
		t.Errorf("generated_ids = %v, want a populated conversation_title_id", pc.Metadata["generated_ids"])
	}
}

func TestTitler_SkipsWhenResponseIsNil(t *testing.T) {
	bus := events.New(nil)
	factory := NewTitler(&stubCollaborator{content: "Should Not Appear"})
	titler := factory(plugin.Deps{Bus: bus}).(*Titler)
	titler.RegisterHooks()

	pc := pipeline.NewContext("hello", nil, nil)
	bus.PublishSequential(context.Background(), events.StageOutput, pc)

	if _, ok := pc.Metadata["generated_title"]; ok {
		t.Error("expected no generated_title when Response is nil")
	}
}

func TestTitler_FallsBackWithoutCollaborator(t *testing.T) {
	bus := events.New(nil)
	factory := NewTitler(nil)
	titler := factory(plugin.Deps{Bus: bus}).(*Titler)
	titler.RegisterHooks()

	pc := pipeline.NewContext("plan my trip to Japan next spring", nil, nil)
	resp := "Sure, here's a plan."
	pc.Response = &resp

	bus.PublishSequential(context.Background(), events.StageOutput, pc)

	title, _ := pc.Metadata["generated_title"].(string)
	if title == "" {
		t.Error("expected a fallback title when no collaborator is configured")
	}
}

func TestTitler_DoesNotOverwriteExistingGeneratedIDs(t *testing.T) {
	bus := events.New(nil)
	factory := NewTitler(&stubCollaborator{content: "New Title"})
	titler := factory(plugin.Deps{Bus: bus}).(*Titler)
	titler.RegisterHooks()

	pc := pipeline.NewContext("hello", nil, nil)
	resp := "hi"
	pc.Response = &resp
	pc.Metadata["generated_ids"] = map[string]string{"conversation_title_id": "existing-id"}

	bus.PublishSequential(context.Background(), events.StageOutput, pc)

	ids := pc.Metadata["generated_ids"].(map[string]string)
	if ids["conversation_title_id"] != "existing-id" {
		t.Errorf("expected existing generated_ids to be left untouched, got %v", ids)
	}
}
