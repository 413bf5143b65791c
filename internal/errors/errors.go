// Package errors provides the typed errors used across the gateway.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// GatewayError is the base error type for gateway errors
type GatewayError struct {
	Message   string                 `json:"message"`
	Code      string                 `json:"code"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (e *GatewayError) Error() string {
	return e.Message
}

// ToJSON converts the error to JSON for API responses
func (e *GatewayError) ToJSON() map[string]interface{} {
	result := map[string]interface{}{
		"code":      e.Code,
		"message":   e.Message,
		"retryable": e.Retryable,
	}
	for k, v := range e.Metadata {
		result[k] = v
	}
	return result
}

// MarshalJSON implements json.Marshaler
func (e *GatewayError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

// NewGatewayError creates a new GatewayError
func NewGatewayError(message, code string, retryable bool, metadata map[string]interface{}) *GatewayError {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	return &GatewayError{
		Message:   message,
		Code:      code,
		Retryable: retryable,
		Metadata:  metadata,
	}
}

// RateLimitError represents a rate limit error (429 / RESOURCE_EXHAUSTED)
type RateLimitError struct {
	*GatewayError
	ResetMs      *int64 `json:"resetMs,omitempty"`
	AccountEmail string `json:"accountEmail,omitempty"`
}

// NewRateLimitError creates a new RateLimitError
func NewRateLimitError(message string, resetMs *int64, accountEmail string) *RateLimitError {
	metadata := map[string]interface{}{}
	if resetMs != nil {
		metadata["resetMs"] = *resetMs
	}
	if accountEmail != "" {
		metadata["accountEmail"] = accountEmail
	}
	return &RateLimitError{
		GatewayError: &GatewayError{
			Message:   message,
			Code:      "RATE_LIMITED",
			Retryable: true,
			Metadata:  metadata,
		},
		ResetMs:      resetMs,
		AccountEmail: accountEmail,
	}
}

// AuthError represents a permanent authentication failure. Accounts hitting
// this get marked invalid.
type AuthError struct {
	*GatewayError
	AccountEmail string `json:"accountEmail,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// NewAuthError creates a new AuthError
func NewAuthError(message, accountEmail, reason string) *AuthError {
	metadata := map[string]interface{}{}
	if accountEmail != "" {
		metadata["accountEmail"] = accountEmail
	}
	if reason != "" {
		metadata["reason"] = reason
	}
	return &AuthError{
		GatewayError: &GatewayError{
			Message:   message,
			Code:      "AUTH_INVALID",
			Retryable: false,
			Metadata:  metadata,
		},
		AccountEmail: accountEmail,
		Reason:       reason,
	}
}

// AuthNetworkError represents a transient failure while talking to the
// auth endpoints. It never invalidates the account.
type AuthNetworkError struct {
	*GatewayError
	AccountEmail string `json:"accountEmail,omitempty"`
}

// NewAuthNetworkError creates a new AuthNetworkError
func NewAuthNetworkError(message, accountEmail string) *AuthNetworkError {
	metadata := map[string]interface{}{}
	if accountEmail != "" {
		metadata["accountEmail"] = accountEmail
	}
	return &AuthNetworkError{
		GatewayError: &GatewayError{
			Message:   message,
			Code:      "AUTH_NETWORK_ERROR",
			Retryable: true,
			Metadata:  metadata,
		},
		AccountEmail: accountEmail,
	}
}

// NoAccountsError represents no accounts available error
type NoAccountsError struct {
	*GatewayError
	AllRateLimited bool `json:"allRateLimited"`
}

// NewNoAccountsError creates a new NoAccountsError
func NewNoAccountsError(message string, allRateLimited bool) *NoAccountsError {
	if message == "" {
		message = "No accounts available"
	}
	return &NoAccountsError{
		GatewayError: &GatewayError{
			Message:   message,
			Code:      "NO_ACCOUNTS",
			Retryable: allRateLimited,
			Metadata: map[string]interface{}{
				"allRateLimited": allRateLimited,
			},
		},
		AllRateLimited: allRateLimited,
	}
}

// MaxRetriesError represents max retries exceeded error
type MaxRetriesError struct {
	*GatewayError
	Attempts int `json:"attempts"`
}

// NewMaxRetriesError creates a new MaxRetriesError
func NewMaxRetriesError(message string, attempts int) *MaxRetriesError {
	if message == "" {
		message = "Max retries exceeded"
	}
	return &MaxRetriesError{
		GatewayError: &GatewayError{
			Message:   message,
			Code:      "MAX_RETRIES",
			Retryable: false,
			Metadata: map[string]interface{}{
				"attempts": attempts,
			},
		},
		Attempts: attempts,
	}
}

// ApiError represents an API error from the upstream service
type ApiError struct {
	*GatewayError
	StatusCode int    `json:"statusCode"`
	ErrorType  string `json:"errorType"`
}

// NewApiError creates a new ApiError
func NewApiError(message string, statusCode int, errorType string) *ApiError {
	if errorType == "" {
		errorType = "api_error"
	}
	return &ApiError{
		GatewayError: &GatewayError{
			Message:   message,
			Code:      strings.ToUpper(errorType),
			Retryable: statusCode >= 500,
			Metadata: map[string]interface{}{
				"statusCode": statusCode,
				"errorType":  errorType,
			},
		},
		StatusCode: statusCode,
		ErrorType:  errorType,
	}
}

// EmptyResponseError represents an upstream response with no content
type EmptyResponseError struct {
	*GatewayError
}

// NewEmptyResponseError creates a new EmptyResponseError
func NewEmptyResponseError(message string) *EmptyResponseError {
	if message == "" {
		message = "No content received from API"
	}
	return &EmptyResponseError{
		GatewayError: &GatewayError{
			Message:   message,
			Code:      "EMPTY_RESPONSE",
			Retryable: true,
			Metadata:  make(map[string]interface{}),
		},
	}
}

// CapacityExhaustedError represents a model capacity exhausted error
type CapacityExhaustedError struct {
	*GatewayError
	RetryAfterMs *int64 `json:"retryAfterMs,omitempty"`
}

// NewCapacityExhaustedError creates a new CapacityExhaustedError
func NewCapacityExhaustedError(message string, retryAfterMs *int64) *CapacityExhaustedError {
	if message == "" {
		message = "Model capacity exhausted"
	}
	metadata := map[string]interface{}{}
	if retryAfterMs != nil {
		metadata["retryAfterMs"] = *retryAfterMs
	}
	return &CapacityExhaustedError{
		GatewayError: &GatewayError{
			Message:   message,
			Code:      "CAPACITY_EXHAUSTED",
			Retryable: true,
			Metadata:  metadata,
		},
		RetryAfterMs: retryAfterMs,
	}
}

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	if _, ok := err.(*RateLimitError); ok {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "quota_exhausted") ||
		strings.Contains(msg, "rate limit")
}

// IsAuthError checks if an error is a permanent authentication error
func IsAuthError(err error) bool {
	if _, ok := err.(*AuthError); ok {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "AUTH_INVALID") ||
		strings.Contains(msg, "INVALID_GRANT") ||
		strings.Contains(msg, "TOKEN REFRESH FAILED")
}

// IsAuthNetworkError checks if an error is a transient auth failure
func IsAuthNetworkError(err error) bool {
	_, ok := err.(*AuthNetworkError)
	return ok
}

// IsEmptyResponseError checks if an error is an empty response error
func IsEmptyResponseError(err error) bool {
	if _, ok := err.(*EmptyResponseError); ok {
		return true
	}
	if ge, ok := err.(*GatewayError); ok {
		return ge.Code == "EMPTY_RESPONSE"
	}
	return false
}

// IsCapacityExhaustedError checks if an error is a capacity exhausted error
func IsCapacityExhaustedError(err error) bool {
	if _, ok := err.(*CapacityExhaustedError); ok {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "model_capacity_exhausted") ||
		strings.Contains(msg, "capacity_exhausted") ||
		strings.Contains(msg, "model is currently overloaded") ||
		strings.Contains(msg, "service temporarily unavailable")
}

// HTTPStatusFromError returns the appropriate HTTP status code for an error
func HTTPStatusFromError(err error) int {
	switch e := err.(type) {
	case *RateLimitError:
		return 429
	case *AuthError:
		return 401
	case *AuthNetworkError:
		return 502
	case *NoAccountsError:
		if e.AllRateLimited {
			return 429
		}
		return 503
	case *MaxRetriesError:
		return 503
	case *ApiError:
		return e.StatusCode
	case *EmptyResponseError:
		return 502
	case *CapacityExhaustedError:
		return 503
	default:
		return 500
	}
}

// ErrorWithContext adds context to an error
func ErrorWithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}
