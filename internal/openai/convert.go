package openai

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/skalene/antigravity-gateway/internal/config"
	"github.com/skalene/antigravity-gateway/internal/utils"
	"github.com/skalene/antigravity-gateway/pkg/anthropic"
)

// defaultChatModel backs unknown model IDs from Chat Completions clients.
const defaultChatModel = "claude-sonnet-4-5"

// defaultChatMaxTokens applies when a Chat Completions request omits
// max_tokens, which the Messages schema requires.
const defaultChatMaxTokens = 8192

// ResolveModel maps a Chat Completions model name onto a pool model.
// Known aliases win, recognizable pool models pass through, anything
// else falls back to the default.
func ResolveModel(model string) string {
	if mapped, ok := config.OpenAIModelAliases[model]; ok {
		return mapped
	}
	if config.GetModelFamily(model) != config.ModelFamilyUnknown {
		return model
	}
	utils.Debug("[OpenAI] Unknown model %q, using %s", model, defaultChatModel)
	return defaultChatModel
}

// ConvertRequest normalizes a Chat Completions request into the internal
// Messages form. System messages are concatenated, tool_calls become
// tool_use blocks, and tool role messages become tool_result blocks on a
// user turn.
func ConvertRequest(req *ChatRequest) *anthropic.MessagesRequest {
	out := &anthropic.MessagesRequest{
		Model:         ResolveModel(req.Model),
		MaxTokens:     req.MaxTokens,
		Stream:        req.Stream,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = req.MaxCompletionTokens
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = defaultChatMaxTokens
	}

	var systemParts []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			if msg.Content != "" {
				systemParts = append(systemParts, msg.Content)
			}

		case "assistant":
			out.Messages = append(out.Messages, convertAssistantMessage(msg))

		case "tool":
			out.Messages = append(out.Messages, anthropic.Message{
				Role: "user",
				Content: []anthropic.ContentBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})

		default:
			out.Messages = append(out.Messages, convertUserMessage(msg))
		}
	}

	if len(systemParts) > 0 {
		out.System = strings.Join(systemParts, "\n\n")
	}

	for _, tool := range req.Tools {
		if tool.Type != "function" {
			continue
		}
		schema := tool.Function.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out.Tools = append(out.Tools, anthropic.Tool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: schema,
		})
	}

	if choice := convertToolChoice(req.ToolChoice); choice != nil {
		out.ToolChoice = choice
	}

	return out
}

func convertUserMessage(msg ChatMessage) anthropic.Message {
	blocks := make([]anthropic.ContentBlock, 0, 1+len(msg.Images))

	if msg.Content != "" || len(msg.Images) == 0 {
		blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: msg.Content})
	}
	for _, url := range msg.Images {
		if block := imageBlock(url); block != nil {
			blocks = append(blocks, *block)
		}
	}

	return anthropic.Message{Role: "user", Content: blocks}
}

// imageBlock converts an OpenAI image_url into an image block. Data URIs
// carry the payload inline, anything else passes through as a URL source.
func imageBlock(url string) *anthropic.ContentBlock {
	if payload, ok := strings.CutPrefix(url, "data:"); ok {
		meta, data, ok := strings.Cut(payload, ",")
		if !ok || data == "" {
			return nil
		}
		return &anthropic.ContentBlock{
			Type: "image",
			Source: &anthropic.ImageSource{
				Type:      "base64",
				MediaType: strings.TrimSuffix(meta, ";base64"),
				Data:      data,
			},
		}
	}
	return &anthropic.ContentBlock{
		Type:   "image",
		Source: &anthropic.ImageSource{Type: "url", URL: url},
	}
}

func convertAssistantMessage(msg ChatMessage) anthropic.Message {
	blocks := make([]anthropic.ContentBlock, 0, 1+len(msg.ToolCalls))

	if msg.Content != "" {
		blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: msg.Content})
	}

	for _, call := range msg.ToolCalls {
		id := call.ID
		if id == "" {
			id = anthropic.GenerateToolUseID()
		}
		args := call.Function.Arguments
		if args == "" {
			args = "{}"
		}
		blocks = append(blocks, anthropic.ContentBlock{
			Type:  "tool_use",
			ID:    id,
			Name:  call.Function.Name,
			Input: json.RawMessage(args),
		})
	}

	if len(blocks) == 0 {
		blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: ""})
	}

	return anthropic.Message{Role: "assistant", Content: blocks}
}

func convertToolChoice(choice interface{}) *anthropic.ToolChoice {
	switch v := choice.(type) {
	case string:
		switch v {
		case "auto":
			return &anthropic.ToolChoice{Type: "auto"}
		case "required":
			return &anthropic.ToolChoice{Type: "any"}
		case "none":
			return nil
		}
	case map[string]interface{}:
		if fn, ok := v["function"].(map[string]interface{}); ok {
			if name, ok := fn["name"].(string); ok && name != "" {
				return &anthropic.ToolChoice{Type: "tool", Name: name}
			}
		}
	}
	return nil
}

// ConvertResponse reshapes an internal response into Chat Completions
// form. Text blocks concatenate, tool_use blocks become tool_calls, and
// thinking text surfaces as reasoning_content.
func ConvertResponse(resp *anthropic.MessagesResponse, requestedModel string) *ChatResponse {
	var content, reasoning string
	var toolCalls []ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content += block.Text
		case "thinking":
			reasoning += block.Thinking
		case "tool_use":
			args := "{}"
			if len(block.Input) > 0 {
				args = string(block.Input)
			}
			toolCalls = append(toolCalls, ToolCall{
				Index: len(toolCalls),
				ID:    block.ID,
				Type:  "function",
				Function: ToolCallFunction{
					Name:      block.Name,
					Arguments: args,
				},
			})
		}
	}

	finish := FinishReason(resp.StopReason, len(toolCalls) > 0)

	out := &ChatResponse{
		ID:      GenerateCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   requestedModel,
		Choices: []ChatChoice{{
			Index: 0,
			Message: &ChoiceDelta{
				Role:             "assistant",
				Content:          content,
				ReasoningContent: reasoning,
				ToolCalls:        toolCalls,
			},
			FinishReason: &finish,
		}},
	}

	if resp.Usage != nil {
		out.Usage = &ChatUsage{
			PromptTokens:     resp.Usage.InputTokens + resp.Usage.CacheReadInputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.CacheReadInputTokens + resp.Usage.OutputTokens,
		}
	}

	return out
}

// FinishReason maps an internal stop reason to OpenAI's finish_reason.
func FinishReason(stopReason string, hasToolCalls bool) string {
	if stopReason == "tool_use" || hasToolCalls {
		return "tool_calls"
	}
	if stopReason == "max_tokens" {
		return "length"
	}
	return "stop"
}

// GenerateCompletionID generates a chat completion ID.
func GenerateCompletionID() string {
	return "chatcmpl-" + uuid.New().String()
}
