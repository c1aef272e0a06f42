// Package pipeline executes one chat turn as the fixed ordered sequence
// of stages START -> INPUT -> CONTEXT -> PROMPT -> LLM -> POST_PROCESS
// -> OUTPUT -> END. Each stage publishes a namesake event on the event
// bus in sequential mode before performing its own built-in work, so
// plugins can observe and mutate the shared Context in strict order.
package pipeline

import (
	"context"
	"time"

	"github.com/vaultkit/sidecar/internal/llm"
)

// Stage identifies one step of the fixed pipeline order.
type Stage int

const (
	Start Stage = iota
	Input
	ContextStage
	Prompt
	LLM
	PostProcess
	Output
	End
)

// EventName returns the bus event name published at the start of
// stage.
func (s Stage) EventName() string {
	switch s {
	case Start:
		return "pipeline.start"
	case Input:
		return "pipeline.input"
	case ContextStage:
		return "pipeline.context"
	case Prompt:
		return "pipeline.prompt"
	case LLM:
		return "pipeline.llm"
	case PostProcess:
		return "pipeline.post_process"
	case Output:
		return "pipeline.output"
	case End:
		return "pipeline.end"
	default:
		return "pipeline.unknown"
	}
}

func (s Stage) String() string { return s.EventName() }

// Context is the mutable record carried through one chat turn. It is
// owned by exactly one turn and must not be shared across turns or
// mutated concurrently — the pipeline publishes every stage event in
// sequential mode specifically so subscribers can mutate it safely.
type Context struct {
	Message         string
	OriginalMessage string
	History         []llm.Message
	Metadata        map[string]any

	// Response is nullable: nil until either a subscriber short-circuits
	// the LLM stage by setting it, or the built-in LLM stage work fills
	// it in.
	Response *string

	ShouldAbort bool
	AbortReason string

	EventsEmitted []string
	StartTime     time.Time
}

// NewContext builds a fresh Context for one chat turn. history is
// copied by reference (callers should not mutate it afterward); the
// original message is snapshotted into OriginalMessage.
func NewContext(message string, history []llm.Message, metadata map[string]any) *Context {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &Context{
		Message:         message,
		OriginalMessage: message,
		History:         history,
		Metadata:        metadata,
		EventsEmitted:   nil,
		StartTime:       time.Now(),
	}
}

// Abort sets ShouldAbort and records reason, short-circuiting every
// remaining stage's event publish and built-in work (Output and End
// still run — see the pipeline's stage-skip rule).
func (c *Context) Abort(reason string) {
	c.ShouldAbort = true
	c.AbortReason = reason
}

// AddMetadata merges key/value into Metadata.
func (c *Context) AddMetadata(key string, value any) {
	c.Metadata[key] = value
}

// RAGContext returns metadata.rag_context as a []string, or nil if
// absent or of the wrong type.
func (c *Context) RAGContext() []string {
	v, ok := c.Metadata["rag_context"].([]string)
	if !ok {
		return nil
	}
	return v
}

// AppendRAGContext appends entry to metadata.rag_context.
func (c *Context) AppendRAGContext(entry string) {
	c.Metadata["rag_context"] = append(c.RAGContext(), entry)
}

// Runner is implemented by every pipeline variant (Linear, Graph). Both
// share the same Context shape and the same sequence of stage events,
// so the graph variant preserves every event name and ordering
// property of the linear one.
type Runner interface {
	// Run executes one non-streaming turn and returns the final
	// Context. It always returns a non-nil Context, even on LLM
	// failure (Response then carries a diagnostic string).
	Run(ctx context.Context, pc *Context) *Context

	// StreamRun executes one streaming turn, invoking onToken for each
	// partial-content delta in arrival order. It does not publish
	// per-stage events (system prompt composition happens inline); the
	// orchestrator is responsible for publishing Output once streaming
	// ends.
	StreamRun(ctx context.Context, pc *Context, onToken func(string)) *Context
}
