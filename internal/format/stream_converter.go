package format

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/skalene/antigravity-gateway/internal/config"
	gwerrors "github.com/skalene/antigravity-gateway/internal/errors"
	"github.com/skalene/antigravity-gateway/internal/utils"
	"github.com/skalene/antigravity-gateway/pkg/anthropic"
)

// StreamEvent is an Anthropic SSE event ready for serialization.
type StreamEvent struct {
	Type         string                      `json:"type"`
	Index        *int                        `json:"index,omitempty"`
	Message      *anthropic.MessagesResponse `json:"message,omitempty"`
	ContentBlock *anthropic.ContentBlock     `json:"content_block,omitempty"`
	Delta        map[string]interface{}      `json:"delta,omitempty"`
	Usage        *anthropic.Usage            `json:"usage,omitempty"`
}

// streamState tracks the Anthropic block lifecycle while translating an
// upstream SSE stream. Block indices are strictly increasing and every
// content_block_start is matched by a content_block_stop.
type streamState struct {
	events chan *StreamEvent

	messageID string
	model     string

	started    bool
	blockIndex int
	blockType  string

	// Signature for the open thinking block, emitted as a
	// signature_delta just before the block closes.
	pendingSignature string

	inputTokens     int
	outputTokens    int
	cacheReadTokens int
	stopReason      string
}

func (s *streamState) emit(ev *StreamEvent) {
	s.events <- ev
}

func (s *streamState) indexPtr() *int {
	idx := s.blockIndex
	return &idx
}

func (s *streamState) ensureStarted() {
	if s.started {
		return
	}
	s.started = true
	s.emit(&StreamEvent{
		Type: "message_start",
		Message: &anthropic.MessagesResponse{
			ID:           s.messageID,
			Type:         "message",
			Role:         "assistant",
			Content:      []anthropic.ContentBlock{},
			Model:        s.model,
			StopReason:   "",
			StopSequence: nil,
			Usage: &anthropic.Usage{
				InputTokens:              s.inputTokens - s.cacheReadTokens,
				OutputTokens:             0,
				CacheReadInputTokens:     s.cacheReadTokens,
				CacheCreationInputTokens: 0,
			},
		},
	})
}

// closeBlock stops the open content block, flushing the thinking signature
// first when one is pending.
func (s *streamState) closeBlock() {
	if s.blockType == "" {
		return
	}
	if s.blockType == "thinking" && s.pendingSignature != "" {
		s.emit(&StreamEvent{
			Type:  "content_block_delta",
			Index: s.indexPtr(),
			Delta: map[string]interface{}{
				"type":      "signature_delta",
				"signature": s.pendingSignature,
			},
		})
		s.pendingSignature = ""
	}
	s.emit(&StreamEvent{Type: "content_block_stop", Index: s.indexPtr()})
	s.blockIndex++
	s.blockType = ""
}

func (s *streamState) openBlock(blockType string, block *anthropic.ContentBlock) {
	s.closeBlock()
	s.blockType = blockType
	s.emit(&StreamEvent{
		Type:         "content_block_start",
		Index:        s.indexPtr(),
		ContentBlock: block,
	})
}

func (s *streamState) handlePart(part ResponsePart) {
	cache := GetGlobalSignatureCache()

	switch {
	case part.Thought:
		if s.blockType != "thinking" {
			s.openBlock("thinking", &anthropic.ContentBlock{Type: "thinking", Thinking: ""})
			s.pendingSignature = ""
		}

		if sig := part.ThoughtSignature; sig != "" && len(sig) >= config.MinSignatureLength {
			s.pendingSignature = sig
			cache.CacheThinkingSignature(sig, string(config.GetModelFamily(s.model)))
		}

		s.emit(&StreamEvent{
			Type:  "content_block_delta",
			Index: s.indexPtr(),
			Delta: map[string]interface{}{
				"type":     "thinking_delta",
				"thinking": part.Text,
			},
		})

	case part.Text != "":
		if s.blockType != "text" {
			s.openBlock("text", &anthropic.ContentBlock{Type: "text", Text: ""})
		}

		s.emit(&StreamEvent{
			Type:  "content_block_delta",
			Index: s.indexPtr(),
			Delta: map[string]interface{}{
				"type": "text_delta",
				"text": part.Text,
			},
		})

	case part.FunctionCall != nil:
		s.stopReason = "tool_use"

		toolID := part.FunctionCall.ID
		if toolID == "" {
			toolID = anthropic.GenerateToolUseID()
		}

		toolUseBlock := &anthropic.ContentBlock{
			Type: "tool_use",
			ID:   toolID,
			Name: part.FunctionCall.Name,
		}

		if sig := part.ThoughtSignature; sig != "" && len(sig) >= config.MinSignatureLength {
			toolUseBlock.ThoughtSignature = sig
			cache.CacheSignature(toolID, sig)
		}

		s.openBlock("tool_use", toolUseBlock)

		argsJSON, _ := json.Marshal(part.FunctionCall.Args)
		s.emit(&StreamEvent{
			Type:  "content_block_delta",
			Index: s.indexPtr(),
			Delta: map[string]interface{}{
				"type":         "input_json_delta",
				"partial_json": string(argsJSON),
			},
		})

	case part.InlineData != nil:
		s.openBlock("image", &anthropic.ContentBlock{
			Type: "image",
			Source: &anthropic.ImageSource{
				Type:      "base64",
				MediaType: part.InlineData.MimeType,
				Data:      part.InlineData.Data,
			},
		})
		s.closeBlock()
	}
}

func (s *streamState) finish() {
	s.closeBlock()

	if s.stopReason == "" {
		s.stopReason = "end_turn"
	}

	s.emit(&StreamEvent{
		Type: "message_delta",
		Delta: map[string]interface{}{
			"stop_reason":   s.stopReason,
			"stop_sequence": nil,
		},
		Usage: &anthropic.Usage{
			OutputTokens:             s.outputTokens,
			CacheReadInputTokens:     s.cacheReadTokens,
			CacheCreationInputTokens: 0,
		},
	})
	s.emit(&StreamEvent{Type: "message_stop"})
}

// newSSEScanner wraps a reader with a scanner sized for large SSE payloads.
func newSSEScanner(reader io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(reader)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	return scanner
}

// parseSSELine extracts the JSON payload from a "data:" line, or ok=false.
func parseSSELine(line string) (payload string, ok bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	payload = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" {
		return "", false
	}
	return payload, true
}

// StreamGoogleSSE reads an upstream SSE body and yields Anthropic streaming
// events. The error channel receives at most one error; an upstream stream
// that never produced content yields an empty-response error so the caller
// can retry.
func StreamGoogleSSE(reader io.Reader, originalModel string) (<-chan *StreamEvent, <-chan error) {
	events := make(chan *StreamEvent, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		state := &streamState{
			events:    events,
			messageID: anthropic.GenerateMessageID(),
			model:     originalModel,
		}

		scanner := newSSEScanner(reader)
		for scanner.Scan() {
			payload, ok := parseSSELine(scanner.Text())
			if !ok {
				continue
			}

			var chunk GoogleResponse
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				utils.Warn("[StreamConverter] SSE parse error: %v", err)
				continue
			}

			candidates, usage := chunk.Unwrap()

			if usage != nil {
				state.inputTokens = maxInt(state.inputTokens, usage.PromptTokenCount)
				state.outputTokens = maxInt(state.outputTokens, usage.CandidatesTokenCount)
				state.cacheReadTokens = maxInt(state.cacheReadTokens, usage.CachedContentTokenCount)
			}

			if len(candidates) == 0 {
				continue
			}

			first := candidates[0]
			if first.FinishReason != "" && state.stopReason == "" {
				state.stopReason = mapStreamFinishReason(first.FinishReason)
			}
			if first.Content == nil {
				continue
			}

			if len(first.Content.Parts) > 0 {
				state.ensureStarted()
			}
			for _, part := range first.Content.Parts {
				state.handlePart(part)
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- err
			return
		}

		if !state.started {
			utils.Warn("[StreamConverter] No content parts received, signaling for retry")
			errs <- gwerrors.NewEmptyResponseError("No content parts received from API")
			return
		}

		state.finish()
	}()

	return events, errs
}

// AccumulateGoogleSSE reads an entire upstream SSE body and folds it into a
// single Anthropic response. Thinking models only stream upstream, so
// non-streaming requests go through here. Adjacent thinking and text
// fragments are merged into single parts.
func AccumulateGoogleSSE(reader io.Reader, originalModel string) (*anthropic.MessagesResponse, error) {
	var thinkingText, thinkingSignature, text string
	parts := make([]ResponsePart, 0)
	var usage *UsageMetadata
	finishReason := "STOP"

	flushThinking := func() {
		if thinkingText != "" {
			parts = append(parts, ResponsePart{
				Thought:          true,
				Text:             thinkingText,
				ThoughtSignature: thinkingSignature,
			})
			thinkingText = ""
			thinkingSignature = ""
		}
	}

	flushText := func() {
		if text != "" {
			parts = append(parts, ResponsePart{Text: text})
			text = ""
		}
	}

	scanner := newSSEScanner(reader)
	for scanner.Scan() {
		payload, ok := parseSSELine(scanner.Text())
		if !ok {
			continue
		}

		var chunk GoogleResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			utils.Debug("[StreamConverter] SSE parse warning: %v, raw: %.100s", err, payload)
			continue
		}

		candidates, chunkUsage := chunk.Unwrap()
		if chunkUsage != nil {
			usage = chunkUsage
		}
		if len(candidates) == 0 {
			continue
		}

		first := candidates[0]
		if first.FinishReason != "" {
			finishReason = first.FinishReason
		}
		if first.Content == nil {
			continue
		}

		for _, part := range first.Content.Parts {
			switch {
			case part.Thought:
				flushText()
				thinkingText += part.Text
				if part.ThoughtSignature != "" {
					thinkingSignature = part.ThoughtSignature
				}
			case part.FunctionCall != nil:
				flushThinking()
				flushText()
				parts = append(parts, ResponsePart{
					FunctionCall:     part.FunctionCall,
					ThoughtSignature: part.ThoughtSignature,
				})
			case part.Text != "":
				flushThinking()
				text += part.Text
			case part.InlineData != nil:
				flushThinking()
				flushText()
				parts = append(parts, ResponsePart{InlineData: part.InlineData})
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	flushThinking()
	flushText()

	if len(parts) == 0 {
		utils.Warn("[StreamConverter] Accumulated stream had no content parts")
		return nil, gwerrors.NewEmptyResponseError("No content parts received from API")
	}

	accumulated := &GoogleResponse{
		Candidates: []Candidate{
			{
				Content:      &CandidateContent{Parts: parts},
				FinishReason: finishReason,
			},
		},
		UsageMetadata: usage,
	}

	utils.Debug("[StreamConverter] Accumulated %d parts from SSE", len(parts))

	return ConvertGoogleToAnthropic(accumulated, originalModel), nil
}

func mapStreamFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "max_tokens"
	case "TOOL_USE":
		return "tool_use"
	default:
		return "end_turn"
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
