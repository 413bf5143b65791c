package cloudcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalene/antigravity-gateway/internal/config"
	"github.com/skalene/antigravity-gateway/pkg/anthropic"
)

func userMessage(text string) anthropic.Message {
	return anthropic.Message{
		Role:    "user",
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
	}
}

func TestBuildPayloadEnvelope(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 1024,
		Messages:  []anthropic.Message{userMessage("hello")},
	}

	payload := BuildPayload(req, "my-project")

	assert.Equal(t, "my-project", payload.Project)
	assert.Equal(t, "claude-sonnet-4-5", payload.Model)
	assert.Equal(t, "antigravity", payload.UserAgent)
	assert.Equal(t, "agent", payload.RequestType)
	assert.True(t, len(payload.RequestID) > len("agent-"))
	assert.Contains(t, payload.RequestID, "agent-")

	assert.NotEmpty(t, payload.Request["sessionId"])
	assert.Contains(t, payload.Request, "contents")
}

func TestBuildPayloadSystemInstruction(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 1024,
		System:    []anthropic.ContentBlock{{Type: "text", Text: "You are a pirate."}},
		Messages:  []anthropic.Message{userMessage("hello")},
	}

	payload := BuildPayload(req, "my-project")

	instruction, ok := payload.Request["systemInstruction"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "user", instruction["role"])

	parts, ok := instruction["parts"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, parts, 3)

	// Identity preamble first, then the ignore echo, then the caller's system.
	assert.Equal(t, config.AntigravitySystemInstruction, parts[0]["text"])
	assert.Contains(t, parts[1]["text"], "[ignore]")
	assert.Equal(t, "You are a pirate.", parts[2]["text"])
}

func TestDeriveSessionIDStable(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model: "claude-sonnet-4-5",
		Messages: []anthropic.Message{
			{Role: "assistant", Content: []anthropic.ContentBlock{{Type: "text", Text: "prior turn"}}},
			userMessage("what is 2+2"),
		},
	}

	first := DeriveSessionID(req)
	second := DeriveSessionID(req)

	assert.Equal(t, first, second)
	assert.Len(t, first, 32)

	other := &anthropic.MessagesRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []anthropic.Message{userMessage("a different conversation")},
	}
	assert.NotEqual(t, first, DeriveSessionID(other))
}

func TestDeriveSessionIDFallsBackToRandom(t *testing.T) {
	req := &anthropic.MessagesRequest{Model: "claude-sonnet-4-5"}

	first := DeriveSessionID(req)
	second := DeriveSessionID(req)

	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}

func TestBuildHeaders(t *testing.T) {
	headers := BuildHeaders("tok123", "claude-sonnet-4-5", "")

	assert.Equal(t, "Bearer tok123", headers["Authorization"])
	assert.Equal(t, "application/json", headers["Content-Type"])
	assert.NotContains(t, headers, "anthropic-beta")
	assert.NotContains(t, headers, "Accept")
}

func TestBuildHeadersClaudeThinking(t *testing.T) {
	headers := BuildHeaders("tok123", "claude-sonnet-4-5-thinking", "text/event-stream")

	assert.Equal(t, "interleaved-thinking-2025-05-14", headers["anthropic-beta"])
	assert.Equal(t, "text/event-stream", headers["Accept"])
}

func TestBuildHeadersGeminiThinkingNoBeta(t *testing.T) {
	headers := BuildHeaders("tok123", "gemini-3-pro-high", "application/json")

	assert.NotContains(t, headers, "anthropic-beta")
	assert.NotContains(t, headers, "Accept")
}
