package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// SDKAnthropicClient is an alternate Anthropic-backed Client built on
// the official github.com/anthropics/anthropic-sdk-go instead of
// AnthropicClient's hand-rolled REST calls. Selected by configuring a
// model's provider as "anthropic-sdk" rather than "anthropic".
type SDKAnthropicClient struct {
	client       sdk.Client
	logger       *slog.Logger
	defaultModel string
	maxTokens    int
}

// NewSDKAnthropicClient builds a client from an API key. defaultModel
// is used when a caller passes an empty model string; maxTokens
// defaults to 4096 when zero.
func NewSDKAnthropicClient(apiKey, defaultModel string, maxTokens int, logger *slog.Logger) *SDKAnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &SDKAnthropicClient{
		client:       sdk.NewClient(option.WithAPIKey(apiKey)),
		logger:       logger.With("provider", "anthropic-sdk"),
		defaultModel: defaultModel,
		maxTokens:    maxTokens,
	}
}

func (c *SDKAnthropicClient) buildParams(model string, messages []Message) sdk.MessageNewParams {
	if model == "" {
		model = c.defaultModel
	}

	var system []sdk.TextBlockParam
	var conversation []sdk.MessageParam
	for _, m := range messages {
		if m.Role == "system" {
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
			continue
		}
		block := sdk.NewTextBlock(m.Content)
		switch m.Role {
		case "assistant":
			conversation = append(conversation, sdk.NewAssistantMessage(block))
		default:
			conversation = append(conversation, sdk.NewUserMessage(block))
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(c.maxTokens),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	return params
}

// Chat implements Client.
func (c *SDKAnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	params := c.buildParams(model, messages)
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic-sdk: %w", err)
	}

	var content string
	for _, block := range msg.Content {
		if block.Text != "" {
			content += block.Text
		}
	}

	return &ChatResponse{
		Model:        string(msg.Model),
		CreatedAt:    time.Now(),
		Message:      Message{Role: "assistant", Content: content},
		Done:         true,
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}

// ChatStream implements Client. The SDK's streaming surface yields
// typed SSE events; this adapter only needs the text deltas so it
// collects the final message via the stream's accumulator and invokes
// callback per text-delta event.
func (c *SDKAnthropicClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	params := c.buildParams(model, messages)
	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := sdk.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("anthropic-sdk: accumulate stream event: %w", err)
		}
		if callback != nil {
			if delta, ok := event.AsAny().(sdk.ContentBlockDeltaEvent); ok {
				if text := delta.Delta.Text; text != "" {
					callback(text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic-sdk: stream: %w", err)
	}

	var content string
	for _, block := range message.Content {
		if block.Text != "" {
			content += block.Text
		}
	}

	return &ChatResponse{
		Model:        string(message.Model),
		CreatedAt:    time.Now(),
		Message:      Message{Role: "assistant", Content: content},
		Done:         true,
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
	}, nil
}

// Ping implements Client by issuing a minimal, cheap request.
func (c *SDKAnthropicClient) Ping(ctx context.Context) error {
	_, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.defaultModel),
		MaxTokens: 1,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock("ping"))},
	})
	if err != nil {
		return fmt.Errorf("anthropic-sdk: ping: %w", err)
	}
	return nil
}
