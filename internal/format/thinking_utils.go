package format

import (
	"fmt"

	"github.com/skalene/antigravity-gateway/internal/config"
	"github.com/skalene/antigravity-gateway/internal/utils"
	"github.com/skalene/antigravity-gateway/pkg/anthropic"
)

// CleanCacheControl removes cache_control fields from all content blocks.
// The Cloud Code API rejects them with "Extra inputs are not permitted".
func CleanCacheControl(messages []anthropic.Message) []anthropic.Message {
	if len(messages) == 0 {
		return messages
	}

	removedCount := 0
	cleaned := make([]anthropic.Message, 0, len(messages))

	for _, message := range messages {
		if len(message.Content) == 0 {
			cleaned = append(cleaned, message)
			continue
		}

		cleanedContent := make([]anthropic.ContentBlock, 0, len(message.Content))
		for _, block := range message.Content {
			if block.CacheControl != nil {
				newBlock := block
				newBlock.CacheControl = nil
				cleanedContent = append(cleanedContent, newBlock)
				removedCount++
			} else {
				cleanedContent = append(cleanedContent, block)
			}
		}

		cleaned = append(cleaned, anthropic.Message{
			Role:    message.Role,
			Content: cleanedContent,
		})
	}

	if removedCount > 0 {
		utils.Debug("[ThinkingUtils] Removed cache_control from %d block(s)", removedCount)
	}

	return cleaned
}

func isThinkingPart(block anthropic.ContentBlock) bool {
	return block.Type == "thinking" ||
		block.Type == "redacted_thinking" ||
		block.Thinking != "" ||
		block.Thought
}

func hasValidSignature(block anthropic.ContentBlock) bool {
	var signature string
	if block.Thought {
		signature = block.ThoughtSignature
	} else {
		signature = block.Signature
	}
	return signature != "" && len(signature) >= config.MinSignatureLength
}

// HasGeminiHistory checks if conversation history contains Gemini-style messages.
// Gemini puts thoughtSignature on tool_use blocks, Claude puts signature on thinking blocks.
func HasGeminiHistory(messages []anthropic.Message) bool {
	for _, msg := range messages {
		for _, block := range msg.Content {
			if block.Type == "tool_use" && block.ThoughtSignature != "" {
				return true
			}
		}
	}
	return false
}

// HasUnsignedThinkingBlocks checks if conversation has unsigned thinking blocks that will be dropped.
func HasUnsignedThinkingBlocks(messages []anthropic.Message) bool {
	for _, msg := range messages {
		if msg.Role != "assistant" && msg.Role != "model" {
			continue
		}
		for _, block := range msg.Content {
			if isThinkingPart(block) && !hasValidSignature(block) {
				return true
			}
		}
	}
	return false
}

func sanitizeThinkingBlock(block anthropic.ContentBlock) anthropic.ContentBlock {
	if block.Type == "thinking" {
		return anthropic.ContentBlock{
			Type:      "thinking",
			Thinking:  block.Thinking,
			Signature: block.Signature,
		}
	}

	if block.Type == "redacted_thinking" {
		return anthropic.ContentBlock{
			Type: "redacted_thinking",
			Data: block.Data,
		}
	}

	return block
}

func sanitizeTextBlock(block anthropic.ContentBlock) anthropic.ContentBlock {
	if block.Type != "text" {
		return block
	}
	return anthropic.ContentBlock{
		Type: "text",
		Text: block.Text,
	}
}

func sanitizeToolUseBlock(block anthropic.ContentBlock) anthropic.ContentBlock {
	if block.Type != "tool_use" {
		return block
	}
	sanitized := anthropic.ContentBlock{
		Type:  "tool_use",
		ID:    block.ID,
		Name:  block.Name,
		Input: block.Input,
	}
	// thoughtSignature must survive for Gemini models
	if block.ThoughtSignature != "" {
		sanitized.ThoughtSignature = block.ThoughtSignature
	}
	return sanitized
}

// RestoreThinkingSignatures filters thinking blocks: keep only those with valid signatures.
func RestoreThinkingSignatures(content []anthropic.ContentBlock) []anthropic.ContentBlock {
	if len(content) == 0 {
		return content
	}

	originalLength := len(content)
	filtered := make([]anthropic.ContentBlock, 0, originalLength)

	for _, block := range content {
		if block.Type != "thinking" {
			filtered = append(filtered, block)
			continue
		}

		if block.Signature != "" && len(block.Signature) >= config.MinSignatureLength {
			filtered = append(filtered, sanitizeThinkingBlock(block))
		}
		// Unsigned thinking blocks are dropped
	}

	if len(filtered) < originalLength {
		utils.Debug("[ThinkingUtils] Dropped %d unsigned thinking block(s)", originalLength-len(filtered))
	}

	return filtered
}

// RemoveTrailingThinkingBlocks removes trailing unsigned thinking blocks from assistant messages.
func RemoveTrailingThinkingBlocks(content []anthropic.ContentBlock) []anthropic.ContentBlock {
	if len(content) == 0 {
		return content
	}

	endIndex := len(content)
	for i := len(content) - 1; i >= 0; i-- {
		block := content[i]

		if isThinkingPart(block) {
			if !hasValidSignature(block) {
				endIndex = i
			} else {
				break // stop at signed thinking block
			}
		} else {
			break // stop at first non-thinking block
		}
	}

	if endIndex < len(content) {
		utils.Debug("[ThinkingUtils] Removed %d trailing unsigned thinking blocks", len(content)-endIndex)
		return content[:endIndex]
	}

	return content
}

// ReorderAssistantContent reorders content so that:
// 1. Thinking blocks come first (required when thinking is enabled)
// 2. Text blocks come in the middle (filtering out empty ones)
// 3. Tool_use blocks come at the end (required before tool_result)
func ReorderAssistantContent(content []anthropic.ContentBlock) []anthropic.ContentBlock {
	if len(content) == 0 {
		return content
	}

	if len(content) == 1 {
		block := content[0]
		if block.Type == "thinking" || block.Type == "redacted_thinking" {
			return []anthropic.ContentBlock{sanitizeThinkingBlock(block)}
		}
		return content
	}

	var thinkingBlocks []anthropic.ContentBlock
	var textBlocks []anthropic.ContentBlock
	var toolUseBlocks []anthropic.ContentBlock
	droppedEmptyBlocks := 0

	for _, block := range content {
		switch {
		case block.Type == "thinking" || block.Type == "redacted_thinking":
			thinkingBlocks = append(thinkingBlocks, sanitizeThinkingBlock(block))
		case block.Type == "tool_use":
			toolUseBlocks = append(toolUseBlocks, sanitizeToolUseBlock(block))
		case block.Type == "text":
			if block.Text != "" {
				textBlocks = append(textBlocks, sanitizeTextBlock(block))
			} else {
				droppedEmptyBlocks++
			}
		default:
			textBlocks = append(textBlocks, block)
		}
	}

	if droppedEmptyBlocks > 0 {
		utils.Debug("[ThinkingUtils] Dropped %d empty text block(s)", droppedEmptyBlocks)
	}

	reordered := make([]anthropic.ContentBlock, 0, len(thinkingBlocks)+len(textBlocks)+len(toolUseBlocks))
	reordered = append(reordered, thinkingBlocks...)
	reordered = append(reordered, textBlocks...)
	reordered = append(reordered, toolUseBlocks...)

	return reordered
}

// conversationState holds the analyzed state of a conversation
type conversationState struct {
	InToolLoop       bool
	InterruptedTool  bool
	TurnHasThinking  bool
	ToolResultCount  int
	LastAssistantIdx int
}

func analyzeConversationState(messages []anthropic.Message) conversationState {
	state := conversationState{LastAssistantIdx: -1}

	if len(messages) == 0 {
		return state
	}

	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" || messages[i].Role == "model" {
			state.LastAssistantIdx = i
			break
		}
	}

	if state.LastAssistantIdx == -1 {
		return state
	}

	lastAssistant := messages[state.LastAssistantIdx]
	hasToolUse := messageHasToolUse(lastAssistant)
	hasThinking := messageHasValidThinking(lastAssistant)

	hasPlainUserMessageAfter := false
	for i := state.LastAssistantIdx + 1; i < len(messages); i++ {
		if messageHasToolResult(messages[i]) {
			state.ToolResultCount++
		}
		if isPlainUserMessage(messages[i]) {
			hasPlainUserMessageAfter = true
		}
	}

	// Tool loop: assistant has tool_use and results followed
	state.InToolLoop = hasToolUse && state.ToolResultCount > 0

	// Interrupted tool: tool_use with no results but a new user message after
	state.InterruptedTool = hasToolUse && state.ToolResultCount == 0 && hasPlainUserMessageAfter

	state.TurnHasThinking = hasThinking

	return state
}

func messageHasValidThinking(message anthropic.Message) bool {
	for _, block := range message.Content {
		if !isThinkingPart(block) {
			continue
		}
		if block.Signature != "" && len(block.Signature) >= config.MinSignatureLength {
			return true
		}
		if block.ThoughtSignature != "" && len(block.ThoughtSignature) >= config.MinSignatureLength {
			return true
		}
	}
	return false
}

func messageHasToolUse(message anthropic.Message) bool {
	for _, block := range message.Content {
		if block.Type == "tool_use" {
			return true
		}
	}
	return false
}

func messageHasToolResult(message anthropic.Message) bool {
	for _, block := range message.Content {
		if block.Type == "tool_result" {
			return true
		}
	}
	return false
}

func isPlainUserMessage(message anthropic.Message) bool {
	if message.Role != "user" {
		return false
	}
	for _, block := range message.Content {
		if block.Type == "tool_result" {
			return false
		}
	}
	return true
}

// NeedsThinkingRecovery checks if conversation needs thinking recovery.
func NeedsThinkingRecovery(messages []anthropic.Message) bool {
	state := analyzeConversationState(messages)

	if !state.InToolLoop && !state.InterruptedTool {
		return false
	}

	return !state.TurnHasThinking
}

// stripInvalidThinkingBlocks strips invalid or incompatible thinking blocks from messages
func stripInvalidThinkingBlocks(messages []anthropic.Message, targetFamily string) []anthropic.Message {
	strippedCount := 0
	cache := GetGlobalSignatureCache()

	result := make([]anthropic.Message, 0, len(messages))

	for _, msg := range messages {
		if len(msg.Content) == 0 {
			result = append(result, msg)
			continue
		}

		filtered := make([]anthropic.ContentBlock, 0, len(msg.Content))

		for _, block := range msg.Content {
			if !isThinkingPart(block) {
				filtered = append(filtered, block)
				continue
			}

			if !hasValidSignature(block) {
				strippedCount++
				continue
			}

			// Claude validates its own signatures; only Gemini targets need
			// the family compatibility check.
			if targetFamily == "gemini" {
				var signature string
				if block.Thought {
					signature = block.ThoughtSignature
				} else {
					signature = block.Signature
				}
				signatureFamily := cache.GetCachedSignatureFamily(signature)

				if signatureFamily == "" || signatureFamily != targetFamily {
					strippedCount++
					continue
				}
			}

			filtered = append(filtered, block)
		}

		// Claude models reject empty text parts, hence '.'
		if len(filtered) == 0 {
			filtered = []anthropic.ContentBlock{{Type: "text", Text: "."}}
		}

		result = append(result, anthropic.Message{
			Role:    msg.Role,
			Content: filtered,
		})
	}

	if strippedCount > 0 {
		utils.Debug("[ThinkingUtils] Stripped %d invalid/incompatible thinking block(s)", strippedCount)
	}

	return result
}

// CloseToolLoopForThinking closes a tool loop by injecting synthetic messages
// so the model can start a fresh turn when thinking is corrupted.
func CloseToolLoopForThinking(messages []anthropic.Message, targetFamily string) []anthropic.Message {
	state := analyzeConversationState(messages)

	if !state.InToolLoop && !state.InterruptedTool {
		return messages
	}

	modified := stripInvalidThinkingBlocks(messages, targetFamily)

	if state.InterruptedTool {
		// Acknowledge the interruption before the user's new message
		insertIdx := state.LastAssistantIdx + 1

		syntheticMsg := anthropic.Message{
			Role:    "assistant",
			Content: []anthropic.ContentBlock{{Type: "text", Text: "[Tool call was interrupted.]"}},
		}

		newModified := make([]anthropic.Message, 0, len(modified)+1)
		newModified = append(newModified, modified[:insertIdx]...)
		newModified = append(newModified, syntheticMsg)
		newModified = append(newModified, modified[insertIdx:]...)
		modified = newModified

		utils.Debug("[ThinkingUtils] Applied thinking recovery for interrupted tool")
	} else if state.InToolLoop {
		syntheticText := "[Tool execution completed.]"
		if state.ToolResultCount > 1 {
			syntheticText = fmt.Sprintf("[%d tool executions completed.]", state.ToolResultCount)
		}

		modified = append(modified, anthropic.Message{
			Role:    "assistant",
			Content: []anthropic.ContentBlock{{Type: "text", Text: syntheticText}},
		})
		modified = append(modified, anthropic.Message{
			Role:    "user",
			Content: []anthropic.ContentBlock{{Type: "text", Text: "[Continue]"}},
		})

		utils.Debug("[ThinkingUtils] Applied thinking recovery for tool loop")
	}

	return modified
}
