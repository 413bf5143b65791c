package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/skalene/antigravity-gateway/internal/cloudcode"
	"github.com/skalene/antigravity-gateway/internal/config"
	gwerrors "github.com/skalene/antigravity-gateway/internal/errors"
	"github.com/skalene/antigravity-gateway/internal/format"
	"github.com/skalene/antigravity-gateway/internal/server/sse"
	"github.com/skalene/antigravity-gateway/internal/utils"
	"github.com/skalene/antigravity-gateway/pkg/anthropic"
)

// defaultMaxTokens applies when a Messages request omits max_tokens.
const defaultMaxTokens = 4096

// MessagesHandler serves POST /v1/messages.
type MessagesHandler struct {
	dispatcher *cloudcode.Dispatcher
	cfg        *config.Config
}

// NewMessagesHandler creates a MessagesHandler.
func NewMessagesHandler(dispatcher *cloudcode.Dispatcher, cfg *config.Config) *MessagesHandler {
	return &MessagesHandler{dispatcher: dispatcher, cfg: cfg}
}

// Messages handles POST /v1/messages, Anthropic Messages API compatible.
func (h *MessagesHandler) Messages(c *gin.Context) {
	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		anthropicError(c, http.StatusBadRequest, "invalid_request_error",
			"Invalid request body: "+err.Error())
		return
	}

	if len(req.Messages) == 0 {
		anthropicError(c, http.StatusBadRequest, "invalid_request_error",
			"messages is required and must be a non-empty array")
		return
	}

	req.Model = h.cfg.MapModel(req.Model)
	if req.MaxTokens == 0 {
		req.MaxTokens = defaultMaxTokens
	}

	utils.Info("[API] Request for model: %s, stream: %t", req.Model, req.Stream)

	if req.Stream {
		h.streamResponse(c, &req)
		return
	}

	response, err := h.dispatcher.Send(c.Request.Context(), &req)
	if err != nil {
		utils.Error("[API] Request failed: %v", err)
		status, errType, message := classifyError(err)
		anthropicError(c, status, errType, message)
		return
	}

	c.JSON(http.StatusOK, response)
}

// streamResponse streams Anthropic SSE events. The first upstream event
// is pulled before headers commit so pre-stream failures still produce a
// JSON error with the right status.
func (h *MessagesHandler) streamResponse(c *gin.Context, req *anthropic.MessagesRequest) {
	ctx := c.Request.Context()
	events, errs := h.dispatcher.SendStream(ctx, req)

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
		utils.Error("[API] Stream failed before start: %v", firstErr)
		status, errType, message := classifyError(firstErr)
		anthropicError(c, status, errType, message)
		return
	}

	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		anthropicError(c, http.StatusInternalServerError, "api_error", "Streaming not supported")
		return
	}

	c.Status(http.StatusOK)
	writer.SetHeaders()
	writer.Flush()

	if firstEvent != nil {
		if err := writer.WriteEvent(firstEvent.Type, firstEvent); err != nil {
			utils.Error("[API] SSE write failed: %v", err)
			return
		}
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writer.WriteEvent(event.Type, event); err != nil {
				utils.Error("[API] SSE write failed: %v", err)
				return
			}
		case err := <-errs:
			if err != nil {
				utils.Error("[API] Mid-stream error: %v", err)
				_, errType, message := classifyError(err)
				writer.WriteError(errType, message)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// CountTokens handles POST /v1/messages/count_tokens.
func (h *MessagesHandler) CountTokens(c *gin.Context) {
	anthropicError(c, http.StatusNotImplemented, "not_implemented",
		"Token counting is not implemented. Configure your client to skip token counting.")
}
