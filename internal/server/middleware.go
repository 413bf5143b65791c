// Package server wires the gin engine, middleware, and route table.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/skalene/antigravity-gateway/internal/config"
	"github.com/skalene/antigravity-gateway/internal/utils"
)

// CORSMiddleware allows browser clients on any origin.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, anthropic-version")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// APIKeyAuthMiddleware validates the configured API key. An empty key
// disables the check.
func APIKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APIKey == "" {
			c.Next()
			return
		}

		var provided string
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			provided = strings.TrimPrefix(auth, "Bearer ")
		} else if key := c.GetHeader("X-API-Key"); key != "" {
			provided = key
		}

		if provided != cfg.APIKey {
			utils.Warn("[API] Unauthorized request from %s", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"type": "error",
				"error": gin.H{
					"type":    "authentication_error",
					"message": "Invalid or missing API key",
				},
			})
			return
		}

		c.Next()
	}
}

// RequestLoggingMiddleware logs each request with status and latency.
func RequestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		elapsed := time.Since(start).Milliseconds()

		// Client housekeeping endpoints stay quiet outside debug mode.
		if strings.HasPrefix(path, "/v1/messages/count_tokens") ||
			strings.HasPrefix(path, "/.well-known/") {
			utils.Debug("[%s] %s %d (%dms)", c.Request.Method, path, status, elapsed)
			return
		}

		switch {
		case status >= 500:
			utils.Error("[%s] %s %d (%dms)", c.Request.Method, path, status, elapsed)
		case status >= 400:
			utils.Warn("[%s] %s %d (%dms)", c.Request.Method, path, status, elapsed)
		default:
			utils.Info("[%s] %s %d (%dms)", c.Request.Method, path, status, elapsed)
		}
	}
}

// SilentHandlerMiddleware answers client telemetry endpoints without
// touching the route table.
func SilentHandlerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodPost &&
			(c.Request.URL.Path == "/" || c.Request.URL.Path == "/api/event_logging/batch") {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			c.Abort()
			return
		}

		c.Next()
	}
}
