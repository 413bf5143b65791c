package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/skalene/antigravity-gateway/internal/account"
)

// Version is the gateway version reported by /health.
const Version = "0.3.0"

// HealthHandler serves GET /health.
type HealthHandler struct {
	pool *account.Pool
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(pool *account.Pool) *HealthHandler {
	return &HealthHandler{pool: pool}
}

// Health reports pool counts and per-account state.
func (h *HealthHandler) Health(c *gin.Context) {
	status := h.pool.Status()

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"version":   Version,
		"timestamp": time.Now().Format(time.RFC3339),
		"counts": gin.H{
			"total":       status.Total,
			"available":   status.Available,
			"rateLimited": status.RateLimited,
			"invalid":     status.Invalid,
		},
		"accounts": status.Accounts,
	})
}
