package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/vaultkit/sidecar/internal/router"
)

// Usage reports token counts for one completion, provider-neutral.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the pipeline-facing result of one LLM call:
// complete(messages, category|model, stream) -> {content, model,
// usage, finish_reason}.
type Completion struct {
	Content      string
	Model        string
	Usage        Usage
	FinishReason string
}

// Collaborator is the LLM provider abstraction the pipeline consumes.
// It is deliberately narrower than Client: category-or-model selection
// is resolved here, once, instead of leaking router concerns into the
// pipeline stage code.
type Collaborator interface {
	// Complete runs one non-streaming turn. modelOrCategory is either
	// an exact configured model name or a category ("fast", "quality",
	// "local") to route through the model router.
	Complete(ctx context.Context, messages []Message, modelOrCategory string) (*Completion, error)

	// Stream runs one turn, invoking onToken for each partial-content
	// delta in arrival order, and returns the same completion shape
	// Complete does once the stream ends.
	Stream(ctx context.Context, messages []Message, modelOrCategory string, onToken func(token string)) (*Completion, error)
}

// ClientCollaborator adapts a Client plus a model Router into a
// Collaborator. This is the kernel's only concrete Collaborator
// implementation; plugins and tests may supply their own for stubbing.
type ClientCollaborator struct {
	client  Client
	router  *router.Router
	// categories maps a category name to routing hints consumed by
	// Router.Route. "fast" and "quality" are always present with
	// sensible defaults even if the caller supplies none.
	categories map[string]router.Request
}

// NewClientCollaborator builds a ClientCollaborator. categories may be
// nil, in which case built-in "fast"/"quality"/"local" categories are
// used.
func NewClientCollaborator(client Client, r *router.Router, categories map[string]router.Request) *ClientCollaborator {
	if categories == nil {
		categories = defaultCategories()
	}
	return &ClientCollaborator{client: client, router: r, categories: categories}
}

func defaultCategories() map[string]router.Request {
	return map[string]router.Request{
		"fast": {
			Priority: router.PriorityInteractive,
			Hints:    map[string]string{router.HintPreferSpeed: "true"},
		},
		"quality": {
			Priority: router.PriorityBackground,
			Hints:    map[string]string{router.HintQualityFloor: "7"},
		},
		"local": {
			Priority: router.PriorityInteractive,
			Hints:    map[string]string{router.HintLocalOnly: "true"},
		},
	}
}

// resolveModel turns modelOrCategory into a concrete model name. If it
// names a category known to this collaborator, the router picks a
// model; any other value is treated as an explicit model name and
// passed straight to the client, letting MultiClient's own provider
// lookup fail loudly if it's unknown.
func (c *ClientCollaborator) resolveModel(ctx context.Context, modelOrCategory string) string {
	if modelOrCategory == "" {
		modelOrCategory = "fast"
	}
	req, isCategory := c.categories[modelOrCategory]
	if !isCategory || c.router == nil {
		return modelOrCategory
	}
	model, _ := c.router.Route(ctx, req)
	return model
}

// Complete implements Collaborator.
func (c *ClientCollaborator) Complete(ctx context.Context, messages []Message, modelOrCategory string) (*Completion, error) {
	if c.client == nil {
		return demoModeCompletion(messages), nil
	}
	model := c.resolveModel(ctx, modelOrCategory)
	resp, err := c.client.Chat(ctx, model, messages, nil)
	if err != nil {
		return nil, fmt.Errorf("llm completion: %w", err)
	}
	return toCompletion(resp), nil
}

// Stream implements Collaborator.
func (c *ClientCollaborator) Stream(ctx context.Context, messages []Message, modelOrCategory string, onToken func(string)) (*Completion, error) {
	if c.client == nil {
		completion := demoModeCompletion(messages)
		if onToken != nil {
			onToken(completion.Content)
		}
		return completion, nil
	}
	model := c.resolveModel(ctx, modelOrCategory)
	resp, err := c.client.ChatStream(ctx, model, messages, nil, onToken)
	if err != nil {
		return nil, fmt.Errorf("llm stream: %w", err)
	}
	return toCompletion(resp), nil
}

func toCompletion(resp *ChatResponse) *Completion {
	finish := "stop"
	if !resp.Done {
		finish = "incomplete"
	}
	return &Completion{
		Content: resp.Message.Content,
		Model:   resp.Model,
		Usage: Usage{
			PromptTokens:     resp.InputTokens,
			CompletionTokens: resp.OutputTokens,
			TotalTokens:      resp.InputTokens + resp.OutputTokens,
		},
		FinishReason: finish,
	}
}

// demoModeCompletion is returned when no collaborator backend is
// configured at all (c.client == nil).
func demoModeCompletion(messages []Message) *Completion {
	var last string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last = messages[i].Content
			break
		}
	}
	return &Completion{
		Content:      "[Demo Mode] Echo: " + strings.TrimSpace(last),
		Model:        "demo",
		FinishReason: "stop",
	}
}
