package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/skalene/antigravity-gateway/internal/cloudcode"
	"github.com/skalene/antigravity-gateway/internal/config"
	gwerrors "github.com/skalene/antigravity-gateway/internal/errors"
	"github.com/skalene/antigravity-gateway/internal/format"
	"github.com/skalene/antigravity-gateway/internal/openai"
	"github.com/skalene/antigravity-gateway/internal/server/sse"
	"github.com/skalene/antigravity-gateway/internal/utils"
	"github.com/skalene/antigravity-gateway/pkg/anthropic"
)

// ChatHandler serves POST /v1/chat/completions.
type ChatHandler struct {
	dispatcher *cloudcode.Dispatcher
	cfg        *config.Config
}

// NewChatHandler creates a ChatHandler.
func NewChatHandler(dispatcher *cloudcode.Dispatcher, cfg *config.Config) *ChatHandler {
	return &ChatHandler{dispatcher: dispatcher, cfg: cfg}
}

// ChatCompletions handles POST /v1/chat/completions, OpenAI compatible.
func (h *ChatHandler) ChatCompletions(c *gin.Context) {
	var req openai.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		openaiError(c, http.StatusBadRequest, "invalid_json", "Invalid request body: "+err.Error())
		return
	}

	if len(req.Messages) == 0 {
		openaiError(c, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}

	internal := openai.ConvertRequest(&req)
	internal.Model = h.cfg.MapModel(internal.Model)

	utils.Info("[API] Chat completion for model: %s (%s), stream: %t",
		internal.Model, req.Model, req.Stream)

	if req.Stream {
		h.streamCompletion(c, &req, internal)
		return
	}

	response, err := h.dispatcher.Send(c.Request.Context(), internal)
	if err != nil {
		utils.Error("[API] Chat completion failed: %v", err)
		status, _, message := classifyError(err)
		openaiError(c, status, "upstream_error", message)
		return
	}

	c.JSON(http.StatusOK, openai.ConvertResponse(response, req.Model))
}

// streamCompletion streams OpenAI chunks, buffering the first upstream
// event so pre-stream failures return JSON errors.
func (h *ChatHandler) streamCompletion(c *gin.Context, req *openai.ChatRequest, internal *anthropic.MessagesRequest) {
	ctx := c.Request.Context()
	events, errs := h.dispatcher.SendStream(ctx, internal)

	var firstEvent *format.StreamEvent
	var firstErr error

	select {
	case event, ok := <-events:
		if ok {
			firstEvent = event
		} else {
			select {
			case err := <-errs:
				firstErr = err
			default:
				firstErr = gwerrors.NewEmptyResponseError("No response received")
			}
		}
	case err := <-errs:
		firstErr = err
	case <-ctx.Done():
		return
	}

	if firstErr != nil {
		utils.Error("[API] Chat stream failed before start: %v", firstErr)
		status, _, message := classifyError(firstErr)
		openaiError(c, status, "upstream_error", message)
		return
	}

	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		openaiError(c, http.StatusInternalServerError, "internal_error", "Streaming not supported")
		return
	}

	c.Status(http.StatusOK)
	writer.SetHeaders()
	writer.Flush()

	adapter := openai.NewStreamAdapter(req.Model)

	write := func(ev *format.StreamEvent) bool {
		chunk := adapter.Translate(ev)
		if chunk == nil {
			return true
		}
		if err := writer.WriteData(chunk); err != nil {
			utils.Error("[API] Chunk write failed: %v", err)
			return false
		}
		return true
	}

	if firstEvent != nil && !write(firstEvent) {
		return
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				writer.WriteDone()
				return
			}
			if !write(event) {
				return
			}
		case err := <-errs:
			if err != nil {
				utils.Error("[API] Chat mid-stream error: %v", err)
			}
			writer.WriteDone()
			return
		case <-ctx.Done():
			return
		}
	}
}

// openaiError writes an OpenAI-shaped error body.
func openaiError(c *gin.Context, status int, code, message string) {
	c.JSON(status, openai.NewErrorResponse(status, code, message))
}
