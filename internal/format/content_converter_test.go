package format

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalene/antigravity-gateway/internal/config"
	"github.com/skalene/antigravity-gateway/pkg/anthropic"
)

func toolUseBlock(id string) anthropic.ContentBlock {
	return anthropic.ContentBlock{
		Type:  "tool_use",
		ID:    id,
		Name:  "lookup",
		Input: json.RawMessage(`{"q":"x"}`),
	}
}

func TestGeminiToolUseRestoresSignatureFromCache(t *testing.T) {
	ResetGlobalSignatureCache()
	sig := strings.Repeat("g", 64)
	GetGlobalSignatureCache().CacheSignature("tu_cached", sig)

	parts := ConvertContentToParts([]anthropic.ContentBlock{toolUseBlock("tu_cached")}, false, true)

	require.Len(t, parts, 1)
	require.NotNil(t, parts[0].FunctionCall)
	assert.Equal(t, sig, parts[0].ThoughtSignature)
}

func TestGeminiToolUseFallsBackToSentinel(t *testing.T) {
	ResetGlobalSignatureCache()

	parts := ConvertContentToParts([]anthropic.ContentBlock{toolUseBlock("tu_unknown")}, false, true)

	require.Len(t, parts, 1)
	assert.Equal(t, config.GeminiSkipSignature, parts[0].ThoughtSignature)
}

func TestGeminiToolUseBlockSignatureWins(t *testing.T) {
	ResetGlobalSignatureCache()
	cached := strings.Repeat("c", 64)
	own := strings.Repeat("o", 64)
	GetGlobalSignatureCache().CacheSignature("tu_1", cached)

	block := toolUseBlock("tu_1")
	block.ThoughtSignature = own
	parts := ConvertContentToParts([]anthropic.ContentBlock{block}, false, true)

	require.Len(t, parts, 1)
	assert.Equal(t, own, parts[0].ThoughtSignature)
}

func TestClaudeToolUseCarriesIDNotSignature(t *testing.T) {
	ResetGlobalSignatureCache()

	parts := ConvertContentToParts([]anthropic.ContentBlock{toolUseBlock("tu_1")}, true, false)

	require.Len(t, parts, 1)
	require.NotNil(t, parts[0].FunctionCall)
	assert.Equal(t, "tu_1", parts[0].FunctionCall.ID)
	assert.Empty(t, parts[0].ThoughtSignature)
}

func TestGeminiDropsCrossFamilyThinking(t *testing.T) {
	ResetGlobalSignatureCache()
	cache := GetGlobalSignatureCache()

	claudeSig := strings.Repeat("c", 64)
	geminiSig := strings.Repeat("g", 64)
	unknownSig := strings.Repeat("u", 64)
	cache.CacheThinkingSignature(claudeSig, string(config.ModelFamilyClaude))
	cache.CacheThinkingSignature(geminiSig, string(config.ModelFamilyGemini))

	blocks := []anthropic.ContentBlock{
		{Type: "thinking", Thinking: "from claude", Signature: claudeSig},
		{Type: "thinking", Thinking: "from gemini", Signature: geminiSig},
		{Type: "thinking", Thinking: "origin unknown", Signature: unknownSig},
	}

	parts := ConvertContentToParts(blocks, false, true)

	// Only the gemini-born signature survives into a gemini request.
	require.Len(t, parts, 1)
	assert.True(t, parts[0].Thought)
	assert.Equal(t, "from gemini", parts[0].Text)
	assert.Equal(t, geminiSig, parts[0].ThoughtSignature)
}

func TestClaudeKeepsSignedThinking(t *testing.T) {
	ResetGlobalSignatureCache()
	sig := strings.Repeat("s", 64)

	blocks := []anthropic.ContentBlock{
		{Type: "thinking", Thinking: "signed", Signature: sig},
		{Type: "thinking", Thinking: "unsigned"},
	}

	parts := ConvertContentToParts(blocks, true, false)

	require.Len(t, parts, 1)
	assert.Equal(t, "signed", parts[0].Text)
	assert.Equal(t, sig, parts[0].ThoughtSignature)
}

func TestEmptyTextBlocksDropped(t *testing.T) {
	parts := ConvertContentToParts([]anthropic.ContentBlock{
		{Type: "text", Text: ""},
		{Type: "text", Text: "kept"},
	}, true, false)

	require.Len(t, parts, 1)
	assert.Equal(t, "kept", parts[0].Text)
}

func TestToolResultImagesTrailFunctionResponse(t *testing.T) {
	blocks := []anthropic.ContentBlock{
		{
			Type:      "tool_result",
			ToolUseID: "tu_1",
			Content: []interface{}{
				map[string]interface{}{"type": "text", "text": "screenshot taken"},
				map[string]interface{}{"type": "image", "source": map[string]interface{}{
					"type": "base64", "media_type": "image/png", "data": "aGVsbG8=",
				}},
			},
		},
	}

	parts := ConvertContentToParts(blocks, true, false)

	require.Len(t, parts, 2)
	require.NotNil(t, parts[0].FunctionResponse)
	assert.Equal(t, "screenshot taken", parts[0].FunctionResponse.Response["result"])
	require.NotNil(t, parts[1].InlineData)
	assert.Equal(t, "image/png", parts[1].InlineData.MimeType)
	assert.Equal(t, "aGVsbG8=", parts[1].InlineData.Data)
}
