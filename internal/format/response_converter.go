package format

import (
	"encoding/json"

	"github.com/skalene/antigravity-gateway/internal/config"
	"github.com/skalene/antigravity-gateway/pkg/anthropic"
)

// GoogleResponse represents a response from the Antigravity API. Responses
// may arrive wrapped in a "response" envelope or flat.
type GoogleResponse struct {
	Response      *GoogleResponseInner `json:"response,omitempty"`
	Candidates    []Candidate          `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata       `json:"usageMetadata,omitempty"`
}

// GoogleResponseInner represents the inner response object
type GoogleResponseInner struct {
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// Candidate represents a response candidate
type Candidate struct {
	Content      *CandidateContent `json:"content,omitempty"`
	FinishReason string            `json:"finishReason,omitempty"`
}

// CandidateContent represents the content of a candidate
type CandidateContent struct {
	Parts []ResponsePart `json:"parts,omitempty"`
	Role  string         `json:"role,omitempty"`
}

// ResponsePart represents a part in the response
type ResponsePart struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *ResponseFuncCall `json:"functionCall,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
}

// ResponseFuncCall represents a function call in the response
type ResponseFuncCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
	ID   string                 `json:"id,omitempty"`
}

// UsageMetadata represents token accounting from the upstream API
type UsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount    int `json:"candidatesTokenCount,omitempty"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
}

// Unwrap returns the candidates and usage regardless of envelope shape.
func (r *GoogleResponse) Unwrap() ([]Candidate, *UsageMetadata) {
	if r.Response != nil {
		return r.Response.Candidates, r.Response.UsageMetadata
	}
	return r.Candidates, r.UsageMetadata
}

// GoogleResponseFromMap creates a GoogleResponse from a decoded JSON map
func GoogleResponseFromMap(data map[string]interface{}) *GoogleResponse {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return &GoogleResponse{}
	}
	var response GoogleResponse
	if err := json.Unmarshal(jsonData, &response); err != nil {
		return &GoogleResponse{}
	}
	return &response
}

// ConvertGoogleToAnthropic converts an Antigravity response to the Anthropic
// Messages API shape. Thinking and tool-call signatures get cached so later
// turns can restore them after clients strip the fields.
func ConvertGoogleToAnthropic(googleResponse *GoogleResponse, model string) *anthropic.MessagesResponse {
	candidates, usageMetadata := googleResponse.Unwrap()

	var firstCandidate Candidate
	if len(candidates) > 0 {
		firstCandidate = candidates[0]
	}

	var parts []ResponsePart
	if firstCandidate.Content != nil {
		parts = firstCandidate.Content.Parts
	}

	content := make([]anthropic.ContentBlock, 0, len(parts))
	hasToolCalls := false

	cache := GetGlobalSignatureCache()

	for _, part := range parts {
		switch {
		case part.Text != "" && part.Thought:
			signature := part.ThoughtSignature

			if signature != "" && len(signature) >= config.MinSignatureLength {
				modelFamily := config.GetModelFamily(model)
				cache.CacheThinkingSignature(signature, string(modelFamily))
			}

			content = append(content, anthropic.ContentBlock{
				Type:      "thinking",
				Thinking:  part.Text,
				Signature: signature,
			})

		case part.Text != "":
			content = append(content, anthropic.ContentBlock{
				Type: "text",
				Text: part.Text,
			})

		case part.FunctionCall != nil:
			toolID := part.FunctionCall.ID
			if toolID == "" {
				toolID = anthropic.GenerateToolUseID()
			}

			var inputJSON json.RawMessage
			if part.FunctionCall.Args != nil {
				inputJSON, _ = json.Marshal(part.FunctionCall.Args)
			} else {
				inputJSON = json.RawMessage("{}")
			}

			toolUseBlock := anthropic.ContentBlock{
				Type:  "tool_use",
				ID:    toolID,
				Name:  part.FunctionCall.Name,
				Input: inputJSON,
			}

			// Gemini 3+ attaches the thoughtSignature at the part level.
			// Cache it keyed by tool id since clients may strip the field.
			if part.ThoughtSignature != "" && len(part.ThoughtSignature) >= config.MinSignatureLength {
				toolUseBlock.ThoughtSignature = part.ThoughtSignature
				cache.CacheSignature(toolID, part.ThoughtSignature)
			}

			content = append(content, toolUseBlock)
			hasToolCalls = true

		case part.InlineData != nil:
			content = append(content, anthropic.ContentBlock{
				Type: "image",
				Source: &anthropic.ImageSource{
					Type:      "base64",
					MediaType: part.InlineData.MimeType,
					Data:      part.InlineData.Data,
				},
			})
		}
	}

	stopReason := ConvertFinishReason(firstCandidate.FinishReason, hasToolCalls)

	var promptTokens, cachedTokens, outputTokens int
	if usageMetadata != nil {
		promptTokens = usageMetadata.PromptTokenCount
		cachedTokens = usageMetadata.CachedContentTokenCount
		outputTokens = usageMetadata.CandidatesTokenCount
	}

	if len(content) == 0 {
		content = append(content, anthropic.ContentBlock{
			Type: "text",
			Text: "",
		})
	}

	return &anthropic.MessagesResponse{
		ID:           anthropic.GenerateMessageID(),
		Type:         "message",
		Role:         "assistant",
		Content:      content,
		Model:        model,
		StopReason:   stopReason,
		StopSequence: nil,
		Usage: &anthropic.Usage{
			// promptTokenCount counts cached tokens too; Anthropic's
			// input_tokens excludes them.
			InputTokens:              promptTokens - cachedTokens,
			OutputTokens:             outputTokens,
			CacheReadInputTokens:     cachedTokens,
			CacheCreationInputTokens: 0,
		},
	}
}

// ConvertFinishReason maps an upstream finishReason to an Anthropic stop_reason
func ConvertFinishReason(finishReason string, hasToolCalls bool) string {
	switch {
	case finishReason == "MAX_TOKENS":
		return "max_tokens"
	case finishReason == "TOOL_USE" || hasToolCalls:
		return "tool_use"
	default:
		return "end_turn"
	}
}
