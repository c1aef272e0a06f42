package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vaultkit/sidecar/internal/events"
	"github.com/vaultkit/sidecar/internal/llm"
)

// defaultSystemPrompt is used when metadata.system_prompt is unset.
const defaultSystemPrompt = "You are a helpful assistant."

// maxRAGEntries bounds how many CONTEXT-stage entries the PROMPT stage
// folds into the final system prompt.
const maxRAGEntries = 5

// bus is the narrow subset of *events.Bus the pipeline needs. Defined
// as an interface so tests can supply a stub without wiring a real bus.
type bus interface {
	PublishSequential(ctx context.Context, event string, payload any)
}

// Linear is the normative pipeline runner: a fixed, sequential
// START -> ... -> END stage order with no branching. Grounded on
// sidecar/pipeline/default.py's DefaultPipeline (there implemented as a
// single-path LangGraph StateGraph).
type Linear struct {
	Bus          bus
	Collaborator llm.Collaborator
	Logger       *slog.Logger
}

// NewLinear builds a Linear runner. A nil logger falls back to
// slog.Default.
func NewLinear(b *events.Bus, collaborator llm.Collaborator, logger *slog.Logger) *Linear {
	if logger == nil {
		logger = slog.Default()
	}
	return &Linear{Bus: b, Collaborator: collaborator, Logger: logger}
}

// publish fires stage's namesake event in sequential mode, recording it
// in pc.EventsEmitted for telemetry.
func (l *Linear) publish(ctx context.Context, stage Stage, pc *Context) {
	pc.EventsEmitted = append(pc.EventsEmitted, stage.EventName())
	if l.Bus != nil {
		l.Bus.PublishSequential(ctx, stage.EventName(), pc)
	}
}

// Run implements Runner.
func (l *Linear) Run(ctx context.Context, pc *Context) *Context {
	l.publish(ctx, Start, pc)

	if l.runInput(ctx, pc); pc.ShouldAbort {
		l.publish(ctx, Output, pc)
		l.publish(ctx, End, pc)
		return pc
	}

	if l.runContext(ctx, pc); pc.ShouldAbort {
		l.publish(ctx, Output, pc)
		l.publish(ctx, End, pc)
		return pc
	}

	if l.runPrompt(ctx, pc); pc.ShouldAbort {
		l.publish(ctx, Output, pc)
		l.publish(ctx, End, pc)
		return pc
	}

	if l.runLLM(ctx, pc); pc.ShouldAbort {
		l.publish(ctx, Output, pc)
		l.publish(ctx, End, pc)
		return pc
	}

	l.runPostProcess(ctx, pc)
	l.publish(ctx, Output, pc)
	l.publish(ctx, End, pc)
	return pc
}

// runInput publishes INPUT. Built-in work is a no-op — INPUT exists
// purely as an extension point for subscribers to rewrite pc.Message,
// abort, or annotate metadata.
func (l *Linear) runInput(ctx context.Context, pc *Context) {
	l.publish(ctx, Input, pc)
}

// runContext publishes CONTEXT. Built-in work is a no-op; subscribers
// append to metadata.rag_context via pc.AppendRAGContext.
func (l *Linear) runContext(ctx context.Context, pc *Context) {
	l.publish(ctx, ContextStage, pc)
}

// runPrompt composes metadata.final_system_prompt from
// metadata.system_prompt plus up to maxRAGEntries joined RAG entries,
// then publishes PROMPT so subscribers can observe or overwrite the
// result afterward.
func (l *Linear) runPrompt(ctx context.Context, pc *Context) {
	systemPrompt, _ := pc.Metadata["system_prompt"].(string)
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	rag := pc.RAGContext()
	if len(rag) > 0 {
		if len(rag) > maxRAGEntries {
			rag = rag[:maxRAGEntries]
		}
		systemPrompt = systemPrompt + "\n\n" + strings.Join(rag, "\n")
	}
	pc.Metadata["final_system_prompt"] = systemPrompt

	l.publish(ctx, Prompt, pc)
}

// runLLM lets subscribers run first (they may set pc.Response to
// short-circuit); only if pc.Response remains unset does the built-in
// work call the collaborator.
func (l *Linear) runLLM(ctx context.Context, pc *Context) {
	l.publish(ctx, LLM, pc)
	if pc.Response != nil {
		return
	}

	systemPrompt, _ := pc.Metadata["final_system_prompt"].(string)
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	messages := make([]llm.Message, 0, len(pc.History)+2)
	messages = append(messages, llm.Message{Role: "system", Content: systemPrompt})
	messages = append(messages, pc.History...)
	messages = append(messages, llm.Message{Role: "user", Content: pc.Message})

	modelOrCategory, _ := pc.Metadata["model"].(string)
	if modelOrCategory == "" {
		modelOrCategory, _ = pc.Metadata["category"].(string)
	}
	if modelOrCategory == "" {
		modelOrCategory = "fast"
	}

	collaborator := l.Collaborator
	if collaborator == nil {
		collaborator = llm.NewClientCollaborator(nil, nil, nil)
	}

	completion, err := collaborator.Complete(ctx, messages, modelOrCategory)
	if err != nil {
		l.Logger.Error("llm completion failed", "error", err)
		errResponse := fmt.Sprintf("[LLM Error] %v", err)
		pc.Response = &errResponse
		return
	}
	pc.Response = &completion.Content
	pc.Metadata["model"] = completion.Model
	pc.Metadata["usage"] = completion.Usage
}

// runPostProcess publishes POST_PROCESS. Built-in work is a no-op;
// subscribers may rewrite pc.Response.
func (l *Linear) runPostProcess(ctx context.Context, pc *Context) {
	l.publish(ctx, PostProcess, pc)
}

// StreamRun implements Runner. It builds the same message sequence
// inline (no PROMPT event in the streaming path) and forwards tokens
// from the collaborator's Stream method. Stage events are not
// published here; the orchestrator publishes OUTPUT once streaming
// terminates.
func (l *Linear) StreamRun(ctx context.Context, pc *Context, onToken func(string)) *Context {
	systemPrompt, _ := pc.Metadata["system_prompt"].(string)
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	rag := pc.RAGContext()
	if len(rag) > 0 {
		if len(rag) > maxRAGEntries {
			rag = rag[:maxRAGEntries]
		}
		systemPrompt = systemPrompt + "\n\n" + strings.Join(rag, "\n")
	}

	messages := make([]llm.Message, 0, len(pc.History)+2)
	messages = append(messages, llm.Message{Role: "system", Content: systemPrompt})
	messages = append(messages, pc.History...)
	messages = append(messages, llm.Message{Role: "user", Content: pc.Message})

	modelOrCategory, _ := pc.Metadata["model"].(string)
	if modelOrCategory == "" {
		modelOrCategory, _ = pc.Metadata["category"].(string)
	}
	if modelOrCategory == "" {
		modelOrCategory = "fast"
	}

	collaborator := l.Collaborator
	if collaborator == nil {
		collaborator = llm.NewClientCollaborator(nil, nil, nil)
	}

	completion, err := collaborator.Stream(ctx, messages, modelOrCategory, onToken)
	if err != nil {
		l.Logger.Error("llm stream failed", "error", err)
		errResponse := fmt.Sprintf("[LLM Error] %v", err)
		pc.Response = &errResponse
		return pc
	}
	pc.Response = &completion.Content
	pc.Metadata["model"] = completion.Model
	pc.Metadata["usage"] = completion.Usage
	return pc
}
