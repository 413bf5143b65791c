// Package cloudcode dispatches requests to the Antigravity Cloud Code API
// with account failover, endpoint fallback, and retry handling.
package cloudcode

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/skalene/antigravity-gateway/internal/config"
	"github.com/skalene/antigravity-gateway/internal/format"
	"github.com/skalene/antigravity-gateway/pkg/anthropic"
)

// Payload is the wrapped request body the Cloud Code API expects.
type Payload struct {
	Project     string                 `json:"project"`
	Model       string                 `json:"model"`
	Request     map[string]interface{} `json:"request"`
	UserAgent   string                 `json:"userAgent"`
	RequestType string                 `json:"requestType"`
	RequestID   string                 `json:"requestId"`
}

// BuildPayload wraps an Anthropic request into the Cloud Code envelope.
func BuildPayload(anthropicRequest *anthropic.MessagesRequest, projectID string) *Payload {
	googleRequest := format.ConvertAnthropicToGoogle(anthropicRequest).ToMap()

	// Stable session ID keeps prompt caching effective across turns.
	googleRequest["sessionId"] = DeriveSessionID(anthropicRequest)

	googleRequest["systemInstruction"] = buildSystemInstruction(googleRequest)

	return &Payload{
		Project:     projectID,
		Model:       anthropicRequest.Model,
		Request:     googleRequest,
		UserAgent:   "antigravity",
		RequestType: "agent",
		RequestID:   "agent-" + uuid.New().String(),
	}
}

// buildSystemInstruction prepends the Antigravity identity preamble with an
// [ignore] echo so the model does not introduce itself as Antigravity, then
// appends the caller's own system parts.
func buildSystemInstruction(googleRequest map[string]interface{}) map[string]interface{} {
	systemParts := []map[string]interface{}{
		{"text": config.AntigravitySystemInstruction},
		{"text": "Please ignore the following [ignore]" + config.AntigravitySystemInstruction + "[/ignore]"},
	}

	if existing, ok := googleRequest["systemInstruction"].(map[string]interface{}); ok {
		if parts, ok := existing["parts"].([]interface{}); ok {
			for _, part := range parts {
				if partMap, ok := part.(map[string]interface{}); ok {
					if text, ok := partMap["text"].(string); ok && text != "" {
						systemParts = append(systemParts, map[string]interface{}{"text": text})
					}
				}
			}
		}
	}

	return map[string]interface{}{
		"role":  "user",
		"parts": systemParts,
	}
}

// BuildHeaders builds the header set for a Cloud Code request.
func BuildHeaders(token, model, accept string) map[string]string {
	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
	}

	for k, v := range config.AntigravityHeaders() {
		headers[k] = v
	}

	if config.GetModelFamily(model) == config.ModelFamilyClaude && config.IsThinkingModel(model) {
		headers["anthropic-beta"] = "interleaved-thinking-2025-05-14"
	}

	if accept != "" && accept != "application/json" {
		headers["Accept"] = accept
	}

	return headers
}

// DeriveSessionID derives a stable session ID from the first user message
// so the same conversation maps to the same upstream session across turns.
func DeriveSessionID(request *anthropic.MessagesRequest) string {
	for _, msg := range request.Messages {
		if msg.Role != "user" {
			continue
		}
		if content := firstUserText(msg); content != "" {
			hash := sha256.Sum256([]byte(content))
			return hex.EncodeToString(hash[:16])
		}
	}
	return uuid.New().String()
}

func firstUserText(msg anthropic.Message) string {
	var result string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			if result != "" {
				result += "\n"
			}
			result += block.Text
		}
	}
	return result
}
