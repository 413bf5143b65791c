// Package handlers implements the HTTP request handlers.
package handlers

import (
	"github.com/gin-gonic/gin"
	gwerrors "github.com/skalene/antigravity-gateway/internal/errors"
)

// classifyError maps a dispatcher error onto an HTTP status and the
// Anthropic error type clients switch on.
func classifyError(err error) (int, string, string) {
	status := gwerrors.HTTPStatusFromError(err)

	errType := "api_error"
	switch {
	case status == 400:
		errType = "invalid_request_error"
	case status == 401:
		errType = "authentication_error"
	case status == 403:
		errType = "permission_error"
	case status == 404:
		errType = "not_found_error"
	case status == 429:
		errType = "rate_limit_error"
	case status == 503 || status == 529:
		errType = "overloaded_error"
	}

	return status, errType, err.Error()
}

// anthropicError writes an Anthropic-shaped error body.
func anthropicError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    errType,
			"message": message,
		},
	})
}
