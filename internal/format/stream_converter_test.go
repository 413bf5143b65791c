package format

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/skalene/antigravity-gateway/internal/errors"
)

func collectEvents(t *testing.T, events <-chan *StreamEvent, errs <-chan error) []*StreamEvent {
	t.Helper()
	var collected []*StreamEvent
	for ev := range events {
		collected = append(collected, ev)
	}
	require.NoError(t, <-errs)
	return collected
}

func eventTypes(events []*StreamEvent) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestStreamGoogleSSEThinkingThenText(t *testing.T) {
	sig := testSignature()
	body := `data: {"response":{"candidates":[{"content":{"parts":[{"text":"let me think","thought":true,"thoughtSignature":"` + sig + `"}]}}],"usageMetadata":{"promptTokenCount":100,"cachedContentTokenCount":20}}}

data: {"response":{"candidates":[{"content":{"parts":[{"text":"the answer"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":100,"candidatesTokenCount":12,"cachedContentTokenCount":20}}}
`

	events, errs := StreamGoogleSSE(strings.NewReader(body), "claude-sonnet-4-5-thinking")
	collected := collectEvents(t, events, errs)

	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventTypes(collected))

	start := collected[0]
	require.NotNil(t, start.Message)
	assert.Equal(t, "claude-sonnet-4-5-thinking", start.Message.Model)
	assert.True(t, strings.HasPrefix(start.Message.ID, "msg_"))
	require.NotNil(t, start.Message.Usage)
	assert.Equal(t, 80, start.Message.Usage.InputTokens)
	assert.Equal(t, 20, start.Message.Usage.CacheReadInputTokens)

	require.NotNil(t, collected[1].ContentBlock)
	assert.Equal(t, "thinking", collected[1].ContentBlock.Type)
	assert.Equal(t, "thinking_delta", collected[2].Delta["type"])
	assert.Equal(t, "let me think", collected[2].Delta["thinking"])

	// The signature flushes right before the thinking block closes.
	assert.Equal(t, "signature_delta", collected[3].Delta["type"])
	assert.Equal(t, sig, collected[3].Delta["signature"])

	require.NotNil(t, collected[5].ContentBlock)
	assert.Equal(t, "text", collected[5].ContentBlock.Type)
	assert.Equal(t, "text_delta", collected[6].Delta["type"])
	assert.Equal(t, "the answer", collected[6].Delta["text"])

	// Block indices increase across blocks.
	require.NotNil(t, collected[1].Index)
	require.NotNil(t, collected[5].Index)
	assert.Equal(t, 0, *collected[1].Index)
	assert.Equal(t, 1, *collected[5].Index)

	finish := collected[8]
	assert.Equal(t, "end_turn", finish.Delta["stop_reason"])
	require.NotNil(t, finish.Usage)
	assert.Equal(t, 12, finish.Usage.OutputTokens)
}

func TestStreamGoogleSSEToolCall(t *testing.T) {
	body := `data: {"candidates":[{"content":{"parts":[{"functionCall":{"name":"get_weather","args":{"city":"Berlin"}}}]},"finishReason":"STOP"}]}
`

	events, errs := StreamGoogleSSE(strings.NewReader(body), "claude-sonnet-4-5")
	collected := collectEvents(t, events, errs)

	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventTypes(collected))

	block := collected[1].ContentBlock
	require.NotNil(t, block)
	assert.Equal(t, "tool_use", block.Type)
	assert.Equal(t, "get_weather", block.Name)
	assert.True(t, strings.HasPrefix(block.ID, "toolu_"))

	assert.Equal(t, "input_json_delta", collected[2].Delta["type"])
	assert.JSONEq(t, `{"city":"Berlin"}`, collected[2].Delta["partial_json"].(string))

	assert.Equal(t, "tool_use", collected[4].Delta["stop_reason"])
}

func TestStreamGoogleSSEMaxTokens(t *testing.T) {
	body := `data: {"candidates":[{"content":{"parts":[{"text":"truncat"}]},"finishReason":"MAX_TOKENS"}]}
`

	events, errs := StreamGoogleSSE(strings.NewReader(body), "gemini-3-flash")
	collected := collectEvents(t, events, errs)

	finish := collected[len(collected)-2]
	assert.Equal(t, "message_delta", finish.Type)
	assert.Equal(t, "max_tokens", finish.Delta["stop_reason"])
}

func TestStreamGoogleSSEFinishOnlyToolUse(t *testing.T) {
	// A TOOL_USE finish reason can arrive in a chunk carrying no parts;
	// the stop reason must not downgrade to end_turn.
	body := `data: {"candidates":[{"content":{"parts":[{"text":"calling"}]}}]}

data: {"candidates":[{"finishReason":"TOOL_USE"}]}
`

	events, errs := StreamGoogleSSE(strings.NewReader(body), "claude-sonnet-4-5")
	collected := collectEvents(t, events, errs)

	finish := collected[len(collected)-2]
	assert.Equal(t, "message_delta", finish.Type)
	assert.Equal(t, "tool_use", finish.Delta["stop_reason"])
}

func TestStreamGoogleSSEEmptyStream(t *testing.T) {
	events, errs := StreamGoogleSSE(strings.NewReader(""), "claude-sonnet-4-5")

	var collected []*StreamEvent
	for ev := range events {
		collected = append(collected, ev)
	}
	assert.Empty(t, collected)

	err := <-errs
	require.Error(t, err)
	assert.True(t, gwerrors.IsEmptyResponseError(err))
}

func TestStreamGoogleSSESkipsMalformedLines(t *testing.T) {
	body := `data: {not json

: keep-alive comment

data: {"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"STOP"}]}
`

	events, errs := StreamGoogleSSE(strings.NewReader(body), "claude-sonnet-4-5")
	collected := collectEvents(t, events, errs)

	assert.Equal(t, "text_delta", collected[2].Delta["type"])
	assert.Equal(t, "ok", collected[2].Delta["text"])
}

func TestAccumulateGoogleSSEMergesFragments(t *testing.T) {
	sig := testSignature()
	body := `data: {"candidates":[{"content":{"parts":[{"text":"first ","thought":true}]}}]}

data: {"candidates":[{"content":{"parts":[{"text":"second","thought":true,"thoughtSignature":"` + sig + `"}]}}]}

data: {"candidates":[{"content":{"parts":[{"text":"Hello "}]}}]}

data: {"candidates":[{"content":{"parts":[{"text":"world"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":50,"candidatesTokenCount":10}}
`

	resp, err := AccumulateGoogleSSE(strings.NewReader(body), "claude-sonnet-4-5-thinking")
	require.NoError(t, err)

	require.Len(t, resp.Content, 2)
	assert.Equal(t, "thinking", resp.Content[0].Type)
	assert.Equal(t, "first second", resp.Content[0].Thinking)
	assert.Equal(t, sig, resp.Content[0].Signature)
	assert.Equal(t, "text", resp.Content[1].Type)
	assert.Equal(t, "Hello world", resp.Content[1].Text)

	assert.Equal(t, "end_turn", resp.StopReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 50, resp.Usage.InputTokens)
	assert.Equal(t, 10, resp.Usage.OutputTokens)
}

func TestAccumulateGoogleSSEEmptyStream(t *testing.T) {
	_, err := AccumulateGoogleSSE(strings.NewReader(""), "claude-sonnet-4-5")
	require.Error(t, err)
	assert.True(t, gwerrors.IsEmptyResponseError(err))
}
