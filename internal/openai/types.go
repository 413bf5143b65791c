// Package openai implements the Chat Completions compatibility surface.
// Requests are normalized into the internal Anthropic schema before
// dispatch; responses and stream events are reshaped on the way out.
package openai

import (
	"encoding/json"
)

// ChatRequest is an OpenAI Chat Completions request.
type ChatRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	Stream    bool          `json:"stream,omitempty"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	// Newer OpenAI clients send max_completion_tokens instead.
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
	Temperature         *float64      `json:"temperature,omitempty"`
	TopP                *float64      `json:"top_p,omitempty"`
	Stop                []string      `json:"-"`
	Tools               []ChatTool    `json:"tools,omitempty"`
	ToolChoice          interface{}   `json:"tool_choice,omitempty"`
	User                string        `json:"user,omitempty"`
}

// UnmarshalJSON accepts "stop" as either a string or a string array.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	type plain ChatRequest
	var aux struct {
		plain
		Stop json.RawMessage `json:"stop,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = ChatRequest(aux.plain)
	if len(aux.Stop) == 0 {
		return nil
	}
	if aux.Stop[0] == '"' {
		var s string
		if err := json.Unmarshal(aux.Stop, &s); err != nil {
			return err
		}
		r.Stop = []string{s}
		return nil
	}
	return json.Unmarshal(aux.Stop, &r.Stop)
}

// ChatMessage is a single conversation message. Content arrives as either
// a plain string or an array of typed parts; image parts collect into
// Images in document order.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	Images     []string   `json:"-"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type chatMessagePart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

// UnmarshalJSON flattens array-form content into a single text string plus
// any image URLs.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type plain ChatMessage
	var aux struct {
		plain
		Content json.RawMessage `json:"content,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = ChatMessage(aux.plain)
	if len(aux.Content) == 0 {
		return nil
	}
	if aux.Content[0] == '"' {
		return json.Unmarshal(aux.Content, &m.Content)
	}
	var parts []chatMessagePart
	if err := json.Unmarshal(aux.Content, &parts); err != nil {
		return err
	}
	text := ""
	for _, part := range parts {
		switch {
		case part.Type == "text" && part.Text != "":
			if text != "" {
				text += "\n"
			}
			text += part.Text
		case part.Type == "image_url" && part.ImageURL != nil && part.ImageURL.URL != "":
			m.Images = append(m.Images, part.ImageURL.URL)
		}
	}
	m.Content = text
	return nil
}

// ChatTool is a tool declaration in OpenAI function form.
type ChatTool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is an assistant-requested function invocation.
type ToolCall struct {
	Index    int              `json:"index"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the function name and serialized arguments.
type ToolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ChatResponse is a Chat Completions response. The same shape serves
// both complete responses and streaming chunks.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *ChatUsage   `json:"usage,omitempty"`
}

// ChatChoice is a single completion choice.
type ChatChoice struct {
	Index        int          `json:"index"`
	Message      *ChoiceDelta `json:"message,omitempty"`
	Delta        *ChoiceDelta `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

// ChoiceDelta is the message payload of a choice. In streaming chunks
// only the changed fields are set.
type ChoiceDelta struct {
	Role             string     `json:"role,omitempty"`
	Content          string     `json:"content,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

// ChatUsage is OpenAI-shaped token accounting.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ErrorResponse is an OpenAI-shaped error body.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error fields clients switch on.
type ErrorDetail struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    string  `json:"code,omitempty"`
}

// NewErrorResponse builds an error body with the type derived from the
// HTTP status.
func NewErrorResponse(status int, code, message string) *ErrorResponse {
	errType := "server_error"
	switch {
	case status == 400 || status == 405 || status == 404:
		errType = "invalid_request_error"
	case status == 401:
		errType = "authentication_error"
	case status == 403:
		errType = "permission_error"
	case status == 429:
		errType = "rate_limit_error"
	}
	return &ErrorResponse{
		Error: ErrorDetail{
			Message: message,
			Type:    errType,
			Param:   nil,
			Code:    code,
		},
	}
}
