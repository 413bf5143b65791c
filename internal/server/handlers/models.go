package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/skalene/antigravity-gateway/internal/account"
	"github.com/skalene/antigravity-gateway/internal/auth"
	"github.com/skalene/antigravity-gateway/internal/cloudcode"
	"github.com/skalene/antigravity-gateway/internal/utils"
)

// ModelsHandler serves GET /v1/models.
type ModelsHandler struct {
	pool   *account.Pool
	broker *auth.Broker
}

// NewModelsHandler creates a ModelsHandler.
func NewModelsHandler(pool *account.Pool, broker *auth.Broker) *ModelsHandler {
	return &ModelsHandler{pool: pool, broker: broker}
}

// ListModels lists the upstream model catalog. The list form doubles as
// the OpenAI models response.
func (h *ModelsHandler) ListModels(c *gin.Context) {
	ctx := c.Request.Context()

	acct, _, err := h.pool.PickSticky("")
	if err != nil || acct == nil {
		anthropicError(c, http.StatusServiceUnavailable, "api_error", "No accounts available")
		return
	}

	token, err := h.broker.Token(ctx, acct)
	if err != nil {
		utils.Error("[API] Token for model listing failed: %v", err)
		status, errType, message := classifyError(err)
		anthropicError(c, status, errType, message)
		return
	}

	models, err := cloudcode.ListModels(ctx, token)
	if err != nil {
		utils.Error("[API] Model listing failed: %v", err)
		anthropicError(c, http.StatusBadGateway, "api_error", err.Error())
		return
	}

	c.JSON(http.StatusOK, models)
}
