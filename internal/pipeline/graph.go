package pipeline

import (
	"context"
	"log/slog"

	"github.com/vaultkit/sidecar/internal/events"
	"github.com/vaultkit/sidecar/internal/llm"
)

// node is one step of a Graph: it performs built-in work for a stage
// (publishing that stage's event itself, via the shared Linear) and
// names the stage that should run next, or -1 to stop. noop is true
// for stages (Start, Output, End) whose "built-in work" is just the
// publish — Graph.Run does that publish directly instead of calling a
// Linear method, since Linear has no runStart/runOutput/runEnd helpers
// of its own.
type node struct {
	stage Stage
	run   func(l *Linear, ctx context.Context, pc *Context)
	noop  bool
	next  Stage
}

// Graph is a thin DAG executor over the same stage catalog Linear uses.
// Its default edge table is linear (Start->Input->...->End): it exists
// to prove that a DAG topology can preserve every event name and
// ordering property of the linear pipeline, not to add new stage
// topology. Built on top of a Linear so stage built-in work (prompt
// composition, the collaborator call) is defined exactly once and
// shared between both runners.
type Graph struct {
	linear *Linear
	nodes  map[Stage]node
	start  Stage
}

// NewGraph builds a Graph with the default linear edge table.
func NewGraph(b *events.Bus, collaborator llm.Collaborator, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	linear := NewLinear(b, collaborator, logger)
	g := &Graph{linear: linear, start: Start}
	g.nodes = map[Stage]node{
		Start:        {stage: Start, noop: true, next: Input},
		Input:        {stage: Input, run: func(l *Linear, ctx context.Context, pc *Context) { l.runInput(ctx, pc) }, next: ContextStage},
		ContextStage: {stage: ContextStage, run: func(l *Linear, ctx context.Context, pc *Context) { l.runContext(ctx, pc) }, next: Prompt},
		Prompt:       {stage: Prompt, run: func(l *Linear, ctx context.Context, pc *Context) { l.runPrompt(ctx, pc) }, next: LLM},
		LLM:          {stage: LLM, run: func(l *Linear, ctx context.Context, pc *Context) { l.runLLM(ctx, pc) }, next: PostProcess},
		PostProcess:  {stage: PostProcess, run: func(l *Linear, ctx context.Context, pc *Context) { l.runPostProcess(ctx, pc) }, next: Output},
		Output:       {stage: Output, noop: true, next: End},
		End:          {stage: End, noop: true, next: -1},
	}
	return g
}

// Run implements Runner by walking the edge table, publishing each
// stage's event via the shared Linear (so event names and ordering are
// identical), short-circuiting remaining non-Output/End stages once
// pc.ShouldAbort is set.
func (g *Graph) Run(ctx context.Context, pc *Context) *Context {
	stage := g.start
	for stage >= 0 {
		n := g.nodes[stage]
		if pc.ShouldAbort && n.stage != Output && n.stage != End && n.stage != Start {
			stage = Output
			continue
		}
		if n.noop {
			g.linear.publish(ctx, n.stage, pc)
		} else {
			n.run(g.linear, ctx, pc)
		}
		stage = n.next
	}
	return pc
}

// StreamRun implements Runner by delegating to the shared Linear —
// the streaming path has no stage topology to vary.
func (g *Graph) StreamRun(ctx context.Context, pc *Context, onToken func(string)) *Context {
	return g.linear.StreamRun(ctx, pc, onToken)
}
