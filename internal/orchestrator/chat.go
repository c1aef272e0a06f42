package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vaultkit/sidecar/internal/commands"
	"github.com/vaultkit/sidecar/internal/events"
	"github.com/vaultkit/sidecar/internal/llm"
	"github.com/vaultkit/sidecar/internal/pipeline"
)

// Frontend event types chat.send's streaming path emits. These travel
// over EmitToFrontend, not the internal bus — plugins never see them.
const (
	eventChatStreamStart = "chat_stream_start"
	eventChatToken       = "chat_token"
	eventChatStreamEnd   = "chat_stream_end"
)

func (o *Orchestrator) registerChatCommands() {
	o.registry.Register("chat.send", o.handleChatSend, commands.CoreOwner, false)
	o.registry.Register("chat.set_model", o.handleChatSetModel, commands.CoreOwner, false)
}

// handleChatSend implements chat.send's full contract: chat_id
// assignment, chat-specific model override lookup, history fetch via
// the generic chat.get_history command, and the streaming/non-streaming
// split. Params: message (required), history, category (default
// "fast"), model, stream, stream_id, chat_id.
func (o *Orchestrator) handleChatSend(ctx context.Context, params map[string]any) (any, error) {
	message := paramString(params, "message")
	if message == "" {
		return errorResult("message is required"), nil
	}

	chatID := paramString(params, "chat_id")
	if chatID == "" {
		chatID = fmt.Sprintf("chat_%d", time.Now().Unix())
	}

	category := paramString(params, "category")
	if category == "" {
		category = "fast"
	}
	model := paramString(params, "model")

	// Chat-specific override: a prior chat.set_model call may have
	// stored {"model_id"|"category"} under the "model_override"
	// metadata key via the memory plugin. An explicit model param on
	// this call still wins over it.
	if model == "" {
		if override := o.lookupModelOverride(ctx, chatID); override != nil {
			if id, ok := override["model_id"].(string); ok && id != "" {
				model = id
			} else if cat, ok := override["category"].(string); ok && cat != "" {
				category = cat
			}
		}
	}

	history := o.historyFor(ctx, chatID, paramAny(params, "history"))

	metadata := map[string]any{"chat_id": chatID, "category": category}
	if model != "" {
		metadata["model"] = model
	}

	if paramBool(params, "stream", false) {
		streamID := paramString(params, "stream_id")
		if streamID == "" {
			streamID = "stream_" + uuid.NewString()
		}
		return o.streamChatResponse(ctx, message, history, metadata, chatID, streamID), nil
	}

	pc := pipeline.NewContext(message, history, metadata)
	pc = o.runner.Run(ctx, pc)

	response := ""
	if pc.Response != nil {
		response = *pc.Response
	}
	modelUsed, _ := pc.Metadata["model"].(string)
	if modelUsed == "" {
		modelUsed = "unknown"
	}
	usage := pc.Metadata["usage"]
	ids, _ := pc.Metadata["generated_ids"].(map[string]string)

	return map[string]any{
		"status":       "success",
		"chat_id":      chatID,
		"response":     response,
		"model":        modelUsed,
		"usage":        usage,
		"message_ids":  ids,
	}, nil
}

// streamChatResponse emits CHAT_STREAM_START, one CHAT_TOKEN per
// token, publishes OUTPUT sequentially so persistence plugins can set
// metadata.generated_ids before the stream is announced finished, then
// emits CHAT_STREAM_END carrying the full response and those ids.
func (o *Orchestrator) streamChatResponse(ctx context.Context, message string, history []llm.Message, metadata map[string]any, chatID, streamID string) map[string]any {
	o.metrics.activeStreams.Inc()
	defer o.metrics.activeStreams.Dec()

	o.emitToFrontend(eventChatStreamStart, map[string]any{"stream_id": streamID, "message": message})

	var full string
	pc := pipeline.NewContext(message, history, metadata)
	pc = o.runner.StreamRun(ctx, pc, func(token string) {
		full += token
		o.emitToFrontend(eventChatToken, map[string]any{
			"stream_id":  streamID,
			"token":      token,
			"accumulated": full,
		})
	})
	pc.Response = &full

	o.bus.PublishSequential(ctx, events.StageOutput, pc)

	ids, _ := pc.Metadata["generated_ids"].(map[string]string)

	o.emitToFrontend(eventChatStreamEnd, map[string]any{
		"stream_id":   streamID,
		"response":    full,
		"status":      "success",
		"chat_id":     chatID,
		"message_ids": ids,
	})

	return map[string]any{
		"status":      "success",
		"streaming":   true,
		"stream_id":   streamID,
		"chat_id":     chatID,
		"response":    full,
		"message_ids": ids,
	}
}

// lookupModelOverride calls chat.get_metadata if a plugin has
// registered it; absence or failure is silent, matching the kernel's
// "the orchestrator never hard-depends on persistence" rule.
func (o *Orchestrator) lookupModelOverride(ctx context.Context, chatID string) map[string]any {
	if !o.registry.Has("chat.get_metadata") {
		return nil
	}
	res, err := o.registry.Execute(ctx, "chat.get_metadata", map[string]any{"conversation_id": chatID, "key": "model_override"})
	if err != nil {
		return nil
	}
	m, ok := res.(map[string]any)
	if !ok || m["status"] != "success" {
		return nil
	}
	override, _ := m["value"].(map[string]any)
	return override
}

// historyFor fetches conversation history via the generic
// chat.get_history command if a plugin has registered it, falling back
// to the caller-supplied history param.
func (o *Orchestrator) historyFor(ctx context.Context, chatID string, fallback any) []llm.Message {
	if o.registry.Has("chat.get_history") {
		res, err := o.registry.Execute(ctx, "chat.get_history", map[string]any{"conversation_id": chatID})
		if err == nil {
			if m, ok := res.(map[string]any); ok && m["status"] == "success" {
				if hist, ok := m["history"].([]llm.Message); ok {
					return hist
				}
				if raw, ok := m["history"].([]any); ok {
					return toMessages(raw)
				}
			}
		}
	}
	if raw, ok := fallback.([]any); ok {
		return toMessages(raw)
	}
	if msgs, ok := fallback.([]llm.Message); ok {
		return msgs
	}
	return nil
}

func toMessages(raw []any) []llm.Message {
	out := make([]llm.Message, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		out = append(out, llm.Message{Role: role, Content: content})
	}
	return out
}

func paramAny(params map[string]any, key string) any {
	return params[key]
}

// handleChatSetModel persists a per-chat model or category override by
// calling chat.set_metadata if a plugin has registered it; absence is
// logged at debug level, not an error, since the frontend will still
// pass the override in every request in that case.
func (o *Orchestrator) handleChatSetModel(ctx context.Context, params map[string]any) (any, error) {
	chatID, errResult := requireString(params, "chat_id")
	if errResult != nil {
		return errResult, nil
	}
	modelID := paramString(params, "model_id")
	category := paramString(params, "category")
	if modelID == "" && category == "" {
		return errorResult("either model_id or category is required"), nil
	}

	if o.registry.Has("chat.set_metadata") {
		_, err := o.registry.Execute(ctx, "chat.set_metadata", map[string]any{
			"conversation_id": chatID,
			"key":             "model_override",
			"value":           map[string]any{"model_id": modelID, "category": category},
		})
		if err != nil {
			o.logger.Debug("no memory plugin available for chat model persistence", "error", err)
		}
	} else {
		o.logger.Debug("no memory plugin available for chat model persistence")
	}

	selected := modelID
	if selected == "" {
		selected = category
	}

	return map[string]any{
		"status":         "success",
		"chat_id":        chatID,
		"model_id":       modelID,
		"category":       category,
		"selected_model": selected,
		"model_info":     o.findModelInfo(selected),
	}, nil
}
