package format

import (
	"encoding/json"
	"strings"

	"github.com/skalene/antigravity-gateway/internal/config"
	"github.com/skalene/antigravity-gateway/internal/utils"
	"github.com/skalene/antigravity-gateway/pkg/anthropic"
)

// GooglePart represents a part in Google Generative AI format
type GooglePart struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	FileData         *FileData         `json:"fileData,omitempty"`
}

// FunctionCall represents a function call in Google format
type FunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
	ID   string                 `json:"id,omitempty"`
}

// FunctionResponse represents a function response in Google format
type FunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response,omitempty"`
	ID       string                 `json:"id,omitempty"`
}

// InlineData represents inline data (e.g., base64 images)
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FileData represents file data (e.g., URL-referenced files)
type FileData struct {
	MimeType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

// ConvertRole converts Anthropic role to Google role
func ConvertRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

// decodeArgs unmarshals a tool_use input payload into the map Google expects
func decodeArgs(input json.RawMessage) map[string]interface{} {
	if len(input) == 0 {
		return map[string]interface{}{}
	}
	args := make(map[string]interface{})
	if err := json.Unmarshal(input, &args); err != nil {
		return map[string]interface{}{}
	}
	return args
}

// ConvertContentToParts converts Anthropic message content to Google Generative AI parts
func ConvertContentToParts(content []anthropic.ContentBlock, isClaudeModel, isGeminiModel bool) []GooglePart {
	parts := make([]GooglePart, 0)
	// Images inside tool results must trail the functionResponse parts
	deferredInlineData := make([]GooglePart, 0)

	cache := GetGlobalSignatureCache()

	for _, block := range content {
		switch block.Type {
		case "text":
			// Empty text blocks cause API errors
			if block.Text != "" {
				parts = append(parts, GooglePart{Text: block.Text})
			}

		case "image":
			if block.Source != nil {
				if block.Source.Type == "base64" {
					parts = append(parts, GooglePart{
						InlineData: &InlineData{
							MimeType: block.Source.MediaType,
							Data:     block.Source.Data,
						},
					})
				} else if block.Source.Type == "url" {
					mimeType := block.Source.MediaType
					if mimeType == "" {
						mimeType = "image/jpeg"
					}
					parts = append(parts, GooglePart{
						FileData: &FileData{
							MimeType: mimeType,
							FileURI:  block.Source.URL,
						},
					})
				}
			}

		case "document":
			if block.Source != nil {
				if block.Source.Type == "base64" {
					parts = append(parts, GooglePart{
						InlineData: &InlineData{
							MimeType: block.Source.MediaType,
							Data:     block.Source.Data,
						},
					})
				} else if block.Source.Type == "url" {
					mimeType := block.Source.MediaType
					if mimeType == "" {
						mimeType = "application/pdf"
					}
					parts = append(parts, GooglePart{
						FileData: &FileData{
							MimeType: mimeType,
							FileURI:  block.Source.URL,
						},
					})
				}
			}

		case "tool_use":
			functionCall := &FunctionCall{
				Name: block.Name,
				Args: decodeArgs(block.Input),
			}

			if isClaudeModel && block.ID != "" {
				functionCall.ID = block.ID
			}

			part := GooglePart{FunctionCall: functionCall}

			// Gemini carries the thoughtSignature at the part level.
			// Priority: block signature > cache > skip sentinel.
			if isGeminiModel {
				signature := block.ThoughtSignature

				if signature == "" && block.ID != "" {
					signature = cache.GetCachedSignature(block.ID)
					if signature != "" {
						utils.Debug("[ContentConverter] Restored signature from cache for: %s", block.ID)
					}
				}

				if signature == "" {
					signature = config.GeminiSkipSignature
				}
				part.ThoughtSignature = signature
			}

			parts = append(parts, part)

		case "tool_result":
			responseContent := make(map[string]interface{})
			var imageParts []GooglePart

			if block.Content != nil {
				switch c := block.Content.(type) {
				case string:
					responseContent["result"] = c
				case []interface{}:
					var texts []string
					for _, item := range c {
						itemMap, ok := item.(map[string]interface{})
						if !ok {
							continue
						}
						itemType, _ := itemMap["type"].(string)
						if itemType == "image" {
							if source, ok := itemMap["source"].(map[string]interface{}); ok {
								if source["type"] == "base64" {
									mimeType, _ := source["media_type"].(string)
									data, _ := source["data"].(string)
									imageParts = append(imageParts, GooglePart{
										InlineData: &InlineData{
											MimeType: mimeType,
											Data:     data,
										},
									})
								}
							}
						} else if itemType == "text" {
							if text, ok := itemMap["text"].(string); ok {
								texts = append(texts, text)
							}
						}
					}
					if len(texts) > 0 {
						responseContent["result"] = strings.Join(texts, "\n")
					} else if len(imageParts) > 0 {
						responseContent["result"] = "Image attached"
					} else {
						responseContent["result"] = ""
					}
				case []anthropic.ContentBlock:
					var texts []string
					for _, item := range c {
						if item.Type == "image" && item.Source != nil && item.Source.Type == "base64" {
							imageParts = append(imageParts, GooglePart{
								InlineData: &InlineData{
									MimeType: item.Source.MediaType,
									Data:     item.Source.Data,
								},
							})
						} else if item.Type == "text" {
							texts = append(texts, item.Text)
						}
					}
					if len(texts) > 0 {
						responseContent["result"] = strings.Join(texts, "\n")
					} else if len(imageParts) > 0 {
						responseContent["result"] = "Image attached"
					} else {
						responseContent["result"] = ""
					}
				}
			}

			funcName := block.ToolUseID
			if funcName == "" {
				funcName = "unknown"
			}

			functionResponse := &FunctionResponse{
				Name:     funcName,
				Response: responseContent,
			}

			// Claude matches functionResponse.id against the originating call
			if isClaudeModel && block.ToolUseID != "" {
				functionResponse.ID = block.ToolUseID
			}

			parts = append(parts, GooglePart{FunctionResponse: functionResponse})
			deferredInlineData = append(deferredInlineData, imageParts...)

		case "thinking":
			if block.Signature != "" && len(block.Signature) >= config.MinSignatureLength {
				signatureFamily := cache.GetCachedSignatureFamily(block.Signature)

				// Gemini rejects signatures it did not produce: drop cross-family
				// signatures and those with unknown origin.
				if isGeminiModel && signatureFamily != string(config.ModelFamilyGemini) {
					if signatureFamily != "" {
						utils.Debug("[ContentConverter] Dropping incompatible %s thinking for gemini model", signatureFamily)
					} else {
						utils.Debug("[ContentConverter] Dropping thinking with unknown signature origin")
					}
					continue
				}

				parts = append(parts, GooglePart{
					Text:             block.Thinking,
					Thought:          true,
					ThoughtSignature: block.Signature,
				})
			}
			// Unsigned thinking blocks are dropped
		}
	}

	parts = append(parts, deferredInlineData...)

	return parts
}

// ConvertStringContentToParts converts string content to Google parts
func ConvertStringContentToParts(content string) []GooglePart {
	return []GooglePart{{Text: content}}
}
