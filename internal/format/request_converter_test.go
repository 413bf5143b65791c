package format

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalene/antigravity-gateway/pkg/anthropic"
)

func TestConvertAnthropicToGoogleRoundTrip(t *testing.T) {
	ResetGlobalSignatureCache()
	sig := strings.Repeat("a", 80)

	req := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 1024,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "Find x"}}},
			{Role: "assistant", Content: []anthropic.ContentBlock{
				{Type: "thinking", Thinking: "reasoning about x", Signature: sig},
				{Type: "tool_use", ID: "tu_1", Name: "lookup", Input: json.RawMessage(`{"q":"x"}`)},
			}},
			{Role: "user", Content: []anthropic.ContentBlock{
				{Type: "tool_result", ToolUseID: "tu_1", Content: "found"},
			}},
		},
	}

	googleReq := ConvertAnthropicToGoogle(req)

	require.Len(t, googleReq.Contents, 3)
	assert.Equal(t, "user", googleReq.Contents[0].Role)
	assert.Equal(t, "model", googleReq.Contents[1].Role)
	assert.Equal(t, "user", googleReq.Contents[2].Role)

	assistant := googleReq.Contents[1].Parts
	require.Len(t, assistant, 2)
	assert.True(t, assistant[0].Thought)
	assert.Equal(t, "reasoning about x", assistant[0].Text)
	assert.Equal(t, sig, assistant[0].ThoughtSignature)
	require.NotNil(t, assistant[1].FunctionCall)
	assert.Equal(t, "lookup", assistant[1].FunctionCall.Name)
	assert.Equal(t, "tu_1", assistant[1].FunctionCall.ID)
	assert.Equal(t, map[string]interface{}{"q": "x"}, assistant[1].FunctionCall.Args)

	toolResult := googleReq.Contents[2].Parts
	require.Len(t, toolResult, 1)
	require.NotNil(t, toolResult[0].FunctionResponse)
	assert.Equal(t, "tu_1", toolResult[0].FunctionResponse.Name)
	assert.Equal(t, "tu_1", toolResult[0].FunctionResponse.ID)

	// Feeding the assistant turn back through the response converter
	// restores the original blocks.
	resp := ConvertGoogleToAnthropic(&GoogleResponse{
		Candidates: []Candidate{{
			Content: &CandidateContent{Parts: []ResponsePart{
				{Text: assistant[0].Text, Thought: true, ThoughtSignature: assistant[0].ThoughtSignature},
				{FunctionCall: &ResponseFuncCall{
					Name: assistant[1].FunctionCall.Name,
					Args: assistant[1].FunctionCall.Args,
					ID:   assistant[1].FunctionCall.ID,
				}},
			}},
			FinishReason: "STOP",
		}},
	}, "claude-sonnet-4-5")

	require.Len(t, resp.Content, 2)
	assert.Equal(t, "thinking", resp.Content[0].Type)
	assert.Equal(t, "reasoning about x", resp.Content[0].Thinking)
	assert.Equal(t, sig, resp.Content[0].Signature)
	assert.Equal(t, "tool_use", resp.Content[1].Type)
	assert.Equal(t, "tu_1", resp.Content[1].ID)
	assert.Equal(t, "lookup", resp.Content[1].Name)
	assert.JSONEq(t, `{"q":"x"}`, string(resp.Content[1].Input))
	assert.Equal(t, "tool_use", resp.StopReason)
}

func TestConvertAnthropicToGoogleTruncatesStopSequences(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:         "claude-sonnet-4-5",
		MaxTokens:     256,
		StopSequences: []string{"a", "b", "c", "d", "e", "f"},
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
		},
	}

	googleReq := ConvertAnthropicToGoogle(req)

	require.NotNil(t, googleReq.GenerationConfig)
	assert.Equal(t, []string{"a", "b", "c", "d"}, googleReq.GenerationConfig.StopSequences)
}

func TestConvertAnthropicToGoogleSanitizesToolSchemas(t *testing.T) {
	schema := `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"properties": {
			"city": {"type": "string", "format": "hostname", "minLength": 1}
		},
		"required": ["city"],
		"additionalProperties": false
	}`

	req := &anthropic.MessagesRequest{
		Model:     "gemini-3-pro-high",
		MaxTokens: 256,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "weather?"}}},
		},
		Tools: []anthropic.Tool{{
			Name:        "get weather!",
			Description: "Look up weather",
			InputSchema: json.RawMessage(schema),
		}},
	}

	googleReq := ConvertAnthropicToGoogle(req)

	require.Len(t, googleReq.Tools, 1)
	require.Len(t, googleReq.Tools[0].FunctionDeclarations, 1)
	decl := googleReq.Tools[0].FunctionDeclarations[0]

	// Tool names shrink to the accepted character set.
	assert.Equal(t, "get_weather_", decl.Name)

	params := decl.Parameters
	assert.Equal(t, "OBJECT", params["type"])
	assert.NotContains(t, params, "$schema")
	assert.NotContains(t, params, "additionalProperties")

	props := params["properties"].(map[string]interface{})
	city := props["city"].(map[string]interface{})
	assert.Equal(t, "STRING", city["type"])
	assert.NotContains(t, city, "format")
	assert.NotContains(t, city, "minLength")
}
