package format

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/skalene/antigravity-gateway/internal/config"
	"github.com/skalene/antigravity-gateway/internal/utils"
	"github.com/skalene/antigravity-gateway/pkg/anthropic"
)

// GoogleRequest represents a request in Google Generative AI format
type GoogleRequest struct {
	Contents          []GoogleContent   `json:"contents"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *GoogleContent    `json:"systemInstruction,omitempty"`
	Tools             []GoogleTool      `json:"tools,omitempty"`
	ToolConfig        *ToolConfig       `json:"toolConfig,omitempty"`
}

// ToMap converts GoogleRequest to a map[string]interface{} for dynamic field addition
func (r *GoogleRequest) ToMap() map[string]interface{} {
	data, err := json.Marshal(r)
	if err != nil {
		return make(map[string]interface{})
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return make(map[string]interface{})
	}
	return result
}

// GoogleContent represents content in Google format
type GoogleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GooglePart `json:"parts"`
}

// GenerationConfig holds generation configuration
type GenerationConfig struct {
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

// ThinkingConfig holds thinking configuration. The upstream API expects
// snake_case field names for Claude targets and camelCase for Gemini.
type ThinkingConfig struct {
	IncludeThoughts bool `json:"include_thoughts,omitempty"`
	ThinkingBudget  int  `json:"thinking_budget,omitempty"`

	IncludeThoughtsGemini bool `json:"includeThoughts,omitempty"`
	ThinkingBudgetGemini  int  `json:"thinkingBudget,omitempty"`
}

// GoogleTool represents a tool in Google format
type GoogleTool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

// FunctionDeclaration represents a function declaration
type FunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolConfig represents tool configuration
type ToolConfig struct {
	FunctionCallingConfig *FunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

// FunctionCallingConfig represents function calling configuration
type FunctionCallingConfig struct {
	Mode string `json:"mode,omitempty"`
}

// InterleavedThinkingHint is appended to the system instruction for Claude
// thinking models that carry tools.
const InterleavedThinkingHint = "Interleaved thinking is enabled. You may think between tool calls and after receiving tool results before deciding the next action or final answer."

// ConvertAnthropicToGoogle converts an Anthropic Messages API request to Google format
func ConvertAnthropicToGoogle(req *anthropic.MessagesRequest) *GoogleRequest {
	// The Cloud Code API rejects cache_control with "Extra inputs are not permitted"
	messages := CleanCacheControl(req.Messages)

	modelName := req.Model
	modelFamily := config.GetModelFamily(modelName)
	isClaudeModel := modelFamily == config.ModelFamilyClaude
	isGeminiModel := modelFamily == config.ModelFamilyGemini
	isThinking := config.IsThinkingModel(modelName)

	googleRequest := &GoogleRequest{
		Contents:         make([]GoogleContent, 0),
		GenerationConfig: &GenerationConfig{},
	}

	// System instruction (string or text-block array)
	if req.System != nil {
		systemParts := make([]GooglePart, 0)

		switch s := req.System.(type) {
		case string:
			if s != "" {
				systemParts = append(systemParts, GooglePart{Text: s})
			}
		case []interface{}:
			for _, block := range s {
				if blockMap, ok := block.(map[string]interface{}); ok {
					if blockMap["type"] == "text" {
						if text, ok := blockMap["text"].(string); ok {
							systemParts = append(systemParts, GooglePart{Text: text})
						}
					}
				}
			}
		case []anthropic.ContentBlock:
			for _, block := range s {
				if block.Type == "text" && block.Text != "" {
					systemParts = append(systemParts, GooglePart{Text: block.Text})
				}
			}
		}

		if len(systemParts) > 0 {
			googleRequest.SystemInstruction = &GoogleContent{Parts: systemParts}
		}
	}

	if isClaudeModel && isThinking && len(req.Tools) > 0 {
		appendSystemHint(googleRequest, InterleavedThinkingHint)
	}

	// Thinking recovery for corrupted tool loops
	processedMessages := messages

	if isGeminiModel && isThinking && NeedsThinkingRecovery(messages) {
		utils.Debug("[RequestConverter] Applying thinking recovery for Gemini")
		processedMessages = CloseToolLoopForThinking(messages, "gemini")
	}

	needsClaudeRecovery := HasGeminiHistory(messages) || HasUnsignedThinkingBlocks(messages)
	if isClaudeModel && isThinking && needsClaudeRecovery && NeedsThinkingRecovery(messages) {
		utils.Debug("[RequestConverter] Applying thinking recovery for Claude")
		processedMessages = CloseToolLoopForThinking(messages, "claude")
	}

	for _, msg := range processedMessages {
		msgContent := msg.Content

		if (msg.Role == "assistant" || msg.Role == "model") && len(msgContent) > 0 {
			msgContent = RestoreThinkingSignatures(msgContent)
			msgContent = RemoveTrailingThinkingBlocks(msgContent)
			msgContent = ReorderAssistantContent(msgContent)
		}

		parts := ConvertContentToParts(msgContent, isClaudeModel, isGeminiModel)

		// The API requires at least one part per content message
		if len(parts) == 0 {
			utils.Debug("[RequestConverter] Empty parts array after filtering, adding placeholder")
			parts = append(parts, GooglePart{Text: "."})
		}

		googleRequest.Contents = append(googleRequest.Contents, GoogleContent{
			Role:  ConvertRole(msg.Role),
			Parts: parts,
		})
	}

	if isClaudeModel {
		googleRequest.Contents = filterUnsignedThinkingBlocksFromContents(googleRequest.Contents)
	}

	// Generation config
	if req.MaxTokens > 0 {
		googleRequest.GenerationConfig.MaxOutputTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		googleRequest.GenerationConfig.Temperature = req.Temperature
	}
	if req.TopP != nil {
		googleRequest.GenerationConfig.TopP = req.TopP
	}
	if req.TopK != nil {
		googleRequest.GenerationConfig.TopK = req.TopK
	}
	if len(req.StopSequences) > 0 {
		stops := req.StopSequences
		// The upstream accepts at most 4 stop sequences
		if len(stops) > 4 {
			utils.Debug("[RequestConverter] Truncating %d stop sequences to 4", len(stops))
			stops = stops[:4]
		}
		googleRequest.GenerationConfig.StopSequences = stops
	}

	if isThinking {
		if isClaudeModel {
			thinkingConfig := &ThinkingConfig{IncludeThoughts: true}

			var thinkingBudget int
			if req.Thinking != nil {
				thinkingBudget = req.Thinking.BudgetTokens
			}

			if thinkingBudget > 0 {
				thinkingConfig.ThinkingBudget = thinkingBudget

				// The API requires max_tokens > thinking_budget
				if googleRequest.GenerationConfig.MaxOutputTokens > 0 &&
					googleRequest.GenerationConfig.MaxOutputTokens <= thinkingBudget {
					adjusted := thinkingBudget + 8192
					utils.Warn("[RequestConverter] max_tokens (%d) <= thinking_budget (%d). Adjusting to %d",
						googleRequest.GenerationConfig.MaxOutputTokens, thinkingBudget, adjusted)
					googleRequest.GenerationConfig.MaxOutputTokens = adjusted
				}
			}

			googleRequest.GenerationConfig.ThinkingConfig = thinkingConfig

		} else if isGeminiModel {
			budget := 16000
			if req.Thinking != nil && req.Thinking.BudgetTokens > 0 {
				budget = req.Thinking.BudgetTokens
			}

			googleRequest.GenerationConfig.ThinkingConfig = &ThinkingConfig{
				IncludeThoughtsGemini: true,
				ThinkingBudgetGemini:  budget,
			}
		}
	}

	// Tools
	if len(req.Tools) > 0 {
		functionDeclarations := make([]FunctionDeclaration, 0, len(req.Tools))

		for idx, tool := range req.Tools {
			name := tool.Name
			if name == "" {
				name = fmt.Sprintf("tool-%d", idx)
			}

			var schema map[string]interface{}
			if len(tool.InputSchema) > 0 {
				if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
					utils.Warn("[RequestConverter] Failed to unmarshal tool schema for %s: %v", name, err)
					schema = map[string]interface{}{"type": "object"}
				}
			} else {
				schema = map[string]interface{}{"type": "object"}
			}

			parameters := SanitizeSchema(schema)
			parameters = CleanSchema(parameters)

			functionDeclarations = append(functionDeclarations, FunctionDeclaration{
				Name:        cleanToolName(name),
				Description: tool.Description,
				Parameters:  parameters,
			})
		}

		googleRequest.Tools = []GoogleTool{{FunctionDeclarations: functionDeclarations}}

		if isClaudeModel {
			googleRequest.ToolConfig = &ToolConfig{
				FunctionCallingConfig: &FunctionCallingConfig{Mode: "VALIDATED"},
			}
		}
	}

	if isGeminiModel && googleRequest.GenerationConfig.MaxOutputTokens > config.GeminiMaxOutputTokens {
		utils.Debug("[RequestConverter] Capping Gemini max_tokens from %d to %d",
			googleRequest.GenerationConfig.MaxOutputTokens, config.GeminiMaxOutputTokens)
		googleRequest.GenerationConfig.MaxOutputTokens = config.GeminiMaxOutputTokens
	}

	return googleRequest
}

func appendSystemHint(googleRequest *GoogleRequest, hint string) {
	if googleRequest.SystemInstruction == nil {
		googleRequest.SystemInstruction = &GoogleContent{
			Parts: []GooglePart{{Text: hint}},
		}
		return
	}
	parts := googleRequest.SystemInstruction.Parts
	if len(parts) > 0 && parts[len(parts)-1].Text != "" {
		parts[len(parts)-1].Text += "\n\n" + hint
		googleRequest.SystemInstruction.Parts = parts
		return
	}
	googleRequest.SystemInstruction.Parts = append(parts, GooglePart{Text: hint})
}

// filterUnsignedThinkingBlocksFromContents drops thought parts without a valid signature
func filterUnsignedThinkingBlocksFromContents(contents []GoogleContent) []GoogleContent {
	result := make([]GoogleContent, 0, len(contents))

	for _, content := range contents {
		filteredParts := make([]GooglePart, 0, len(content.Parts))

		for _, part := range content.Parts {
			if part.Thought {
				if part.ThoughtSignature != "" && len(part.ThoughtSignature) >= config.MinSignatureLength {
					filteredParts = append(filteredParts, part)
				} else {
					utils.Debug("[RequestConverter] Dropping unsigned thinking block")
				}
			} else {
				filteredParts = append(filteredParts, part)
			}
		}

		result = append(result, GoogleContent{
			Role:  content.Role,
			Parts: filteredParts,
		})
	}

	return result
}

// cleanToolName restricts a tool name to [A-Za-z0-9_-] and 64 characters
func cleanToolName(name string) string {
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '_' || r == '-' {
			result.WriteRune(r)
		} else {
			result.WriteRune('_')
		}
	}
	cleaned := result.String()
	if len(cleaned) > 64 {
		cleaned = cleaned[:64]
	}
	return cleaned
}
