package format

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSignature() string {
	return strings.Repeat("s", 64)
}

func TestConvertGoogleToAnthropicTextAndUsage(t *testing.T) {
	resp := &GoogleResponse{
		Response: &GoogleResponseInner{
			Candidates: []Candidate{{
				Content:      &CandidateContent{Parts: []ResponsePart{{Text: "Hello there"}}},
				FinishReason: "STOP",
			}},
			UsageMetadata: &UsageMetadata{
				PromptTokenCount:        120,
				CandidatesTokenCount:    30,
				CachedContentTokenCount: 100,
			},
		},
	}

	result := ConvertGoogleToAnthropic(resp, "claude-sonnet-4-5")

	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	assert.Equal(t, "Hello there", result.Content[0].Text)
	assert.Equal(t, "end_turn", result.StopReason)
	assert.Equal(t, "claude-sonnet-4-5", result.Model)
	assert.True(t, strings.HasPrefix(result.ID, "msg_"))

	// input_tokens excludes cached tokens, which report separately.
	require.NotNil(t, result.Usage)
	assert.Equal(t, 20, result.Usage.InputTokens)
	assert.Equal(t, 100, result.Usage.CacheReadInputTokens)
	assert.Equal(t, 30, result.Usage.OutputTokens)
}

func TestConvertGoogleToAnthropicThinkingBlock(t *testing.T) {
	sig := testSignature()
	resp := &GoogleResponse{
		Candidates: []Candidate{{
			Content: &CandidateContent{Parts: []ResponsePart{
				{Text: "working through it", Thought: true, ThoughtSignature: sig},
				{Text: "the answer"},
			}},
			FinishReason: "STOP",
		}},
	}

	result := ConvertGoogleToAnthropic(resp, "claude-sonnet-4-5-thinking")

	require.Len(t, result.Content, 2)
	assert.Equal(t, "thinking", result.Content[0].Type)
	assert.Equal(t, "working through it", result.Content[0].Thinking)
	assert.Equal(t, sig, result.Content[0].Signature)
	assert.Equal(t, "text", result.Content[1].Type)
}

func TestConvertGoogleToAnthropicToolUse(t *testing.T) {
	resp := &GoogleResponse{
		Candidates: []Candidate{{
			Content: &CandidateContent{Parts: []ResponsePart{{
				FunctionCall: &ResponseFuncCall{
					Name: "get_weather",
					Args: map[string]interface{}{"city": "Berlin"},
				},
			}}},
			FinishReason: "STOP",
		}},
	}

	result := ConvertGoogleToAnthropic(resp, "gemini-3-pro-high")

	require.Len(t, result.Content, 1)
	block := result.Content[0]
	assert.Equal(t, "tool_use", block.Type)
	assert.Equal(t, "get_weather", block.Name)
	assert.True(t, strings.HasPrefix(block.ID, "toolu_"))
	assert.JSONEq(t, `{"city":"Berlin"}`, string(block.Input))
	assert.Equal(t, "tool_use", result.StopReason)
}

func TestConvertGoogleToAnthropicEmptyResponse(t *testing.T) {
	result := ConvertGoogleToAnthropic(&GoogleResponse{}, "claude-sonnet-4-5")

	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	assert.Empty(t, result.Content[0].Text)
	assert.Equal(t, "end_turn", result.StopReason)
}

func TestConvertFinishReason(t *testing.T) {
	assert.Equal(t, "max_tokens", ConvertFinishReason("MAX_TOKENS", false))
	assert.Equal(t, "tool_use", ConvertFinishReason("STOP", true))
	assert.Equal(t, "tool_use", ConvertFinishReason("TOOL_USE", false))
	assert.Equal(t, "end_turn", ConvertFinishReason("STOP", false))
	assert.Equal(t, "end_turn", ConvertFinishReason("", false))
}
