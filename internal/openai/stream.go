package openai

import (
	"time"

	"github.com/skalene/antigravity-gateway/internal/format"
)

// StreamAdapter reshapes internal streaming events into Chat Completions
// chunks. One internal event can map to zero or one chunk; the caller
// appends the final "data: [DONE]" terminator itself.
type StreamAdapter struct {
	id      string
	created int64
	model   string

	blockType string
	toolIndex int
	toolOpen  bool

	promptTokens     int
	completionTokens int
}

// NewStreamAdapter creates an adapter for one streamed completion. The
// model is echoed back as the client requested it.
func NewStreamAdapter(requestedModel string) *StreamAdapter {
	return &StreamAdapter{
		id:        GenerateCompletionID(),
		created:   time.Now().Unix(),
		model:     requestedModel,
		toolIndex: -1,
	}
}

func (a *StreamAdapter) chunk(delta *ChoiceDelta, finishReason *string) *ChatResponse {
	return &ChatResponse{
		ID:      a.id,
		Object:  "chat.completion.chunk",
		Created: a.created,
		Model:   a.model,
		Choices: []ChatChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finishReason,
		}},
	}
}

// Translate converts one internal event. A nil result means the event
// produces no chunk.
func (a *StreamAdapter) Translate(ev *format.StreamEvent) *ChatResponse {
	switch ev.Type {
	case "message_start":
		if ev.Message != nil && ev.Message.Usage != nil {
			a.promptTokens = ev.Message.Usage.InputTokens + ev.Message.Usage.CacheReadInputTokens
		}
		return a.chunk(&ChoiceDelta{Role: "assistant"}, nil)

	case "content_block_start":
		if ev.ContentBlock == nil {
			return nil
		}
		a.blockType = ev.ContentBlock.Type
		if ev.ContentBlock.Type == "tool_use" {
			a.toolIndex++
			a.toolOpen = true
			return a.chunk(&ChoiceDelta{
				ToolCalls: []ToolCall{{
					Index:    a.toolIndex,
					ID:       ev.ContentBlock.ID,
					Type:     "function",
					Function: ToolCallFunction{Name: ev.ContentBlock.Name},
				}},
			}, nil)
		}
		return nil

	case "content_block_delta":
		if ev.Delta == nil {
			return nil
		}
		switch ev.Delta["type"] {
		case "text_delta":
			if text, _ := ev.Delta["text"].(string); text != "" {
				return a.chunk(&ChoiceDelta{Content: text}, nil)
			}
		case "thinking_delta":
			if thinking, _ := ev.Delta["thinking"].(string); thinking != "" {
				return a.chunk(&ChoiceDelta{ReasoningContent: thinking}, nil)
			}
		case "input_json_delta":
			if !a.toolOpen {
				return nil
			}
			partial, _ := ev.Delta["partial_json"].(string)
			return a.chunk(&ChoiceDelta{
				ToolCalls: []ToolCall{{
					Index:    a.toolIndex,
					Function: ToolCallFunction{Arguments: partial},
				}},
			}, nil)
		}
		return nil

	case "content_block_stop":
		if a.blockType == "tool_use" {
			a.toolOpen = false
		}
		a.blockType = ""
		return nil

	case "message_delta":
		if ev.Usage != nil {
			a.completionTokens = ev.Usage.OutputTokens
		}
		stopReason, _ := ev.Delta["stop_reason"].(string)
		finish := FinishReason(stopReason, a.toolIndex >= 0)
		out := a.chunk(&ChoiceDelta{}, &finish)
		out.Usage = &ChatUsage{
			PromptTokens:     a.promptTokens,
			CompletionTokens: a.completionTokens,
			TotalTokens:      a.promptTokens + a.completionTokens,
		}
		return out
	}

	return nil
}
