package cloudcode

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/skalene/antigravity-gateway/internal/utils"
)

// RateLimitReason classifies why the upstream refused the request
type RateLimitReason string

const (
	ReasonRateLimitExceeded      RateLimitReason = "RATE_LIMIT_EXCEEDED"
	ReasonQuotaExhausted         RateLimitReason = "QUOTA_EXHAUSTED"
	ReasonModelCapacityExhausted RateLimitReason = "MODEL_CAPACITY_EXHAUSTED"
	ReasonServerError            RateLimitReason = "SERVER_ERROR"
	ReasonUnknown                RateLimitReason = "UNKNOWN"
)

var (
	retryDelayRe     = regexp.MustCompile(`(?i)retryDelay[":\s]+"?(\d+(?:\.\d+)?)(ms|s)`)
	quotaDelayRe     = regexp.MustCompile(`(?i)quotaResetDelay[":\s]+"?(\d+(?:\.\d+)?)(ms|s)`)
	durationRe       = regexp.MustCompile(`(?i)(?:(\d+)h)?(?:(\d+)m)?(\d+(?:\.\d+)?)s`)
	quotaTimestampRe = regexp.MustCompile(`(?i)quotaResetTimeStamp[":\s]+"?(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
)

// minResetFloorMs pads sub-second resets against clock skew and latency.
const minResetFloorMs = 500

// ParseResetTime extracts a rate-limit reset delay in milliseconds from
// the error body and response headers. Body fields win over the
// Retry-After header since the upstream's structured error carries the
// precise quota delay. Returns -1 when nothing parseable is found.
func ParseResetTime(headers http.Header, errorText string) int64 {
	resetMs := parseResetFromBody(errorText)

	if resetMs < 0 && headers != nil {
		resetMs = parseRetryAfter(headers.Get("Retry-After"))
	}

	if resetMs >= 0 && resetMs < minResetFloorMs {
		utils.Debug("[RateLimitParser] Short reset (%dms), applying %dms floor", resetMs, minResetFloorMs)
		resetMs = minResetFloorMs
	}

	return resetMs
}

func parseResetFromBody(msg string) int64 {
	if msg == "" {
		return -1
	}

	// google.rpc.RetryInfo retryDelay, e.g. "retryDelay": "32s"
	if match := retryDelayRe.FindStringSubmatch(msg); match != nil {
		resetMs := toMs(match[1], match[2])
		utils.Debug("[RateLimitParser] Parsed retryDelay: %dms", resetMs)
		return resetMs
	}

	// quotaResetDelay, e.g. "754.431528ms" or "1.5s"
	if match := quotaDelayRe.FindStringSubmatch(msg); match != nil {
		resetMs := toMs(match[1], match[2])
		utils.Debug("[RateLimitParser] Parsed quotaResetDelay: %dms", resetMs)
		return resetMs
	}

	// Go-style durations like "1h23m45s" or "23m45s" or "45s"
	if match := durationRe.FindStringSubmatch(msg); match != nil {
		var total float64
		if match[1] != "" {
			hours, _ := strconv.Atoi(match[1])
			total += float64(hours) * 3600
		}
		if match[2] != "" {
			minutes, _ := strconv.Atoi(match[2])
			total += float64(minutes) * 60
		}
		seconds, _ := strconv.ParseFloat(match[3], 64)
		total += seconds
		if total > 0 {
			resetMs := int64(total * 1000)
			utils.Debug("[RateLimitParser] Parsed duration: %s", utils.FormatDuration(resetMs))
			return resetMs
		}
	}

	// quotaResetTimeStamp (RFC3339)
	if match := quotaTimestampRe.FindStringSubmatch(msg); match != nil {
		if t, err := time.Parse(time.RFC3339, match[1]); err == nil {
			resetMs := time.Until(t).Milliseconds()
			if resetMs > 0 {
				utils.Debug("[RateLimitParser] Parsed quotaResetTimeStamp: %s", match[1])
				return resetMs
			}
		}
	}

	return -1
}

// parseRetryAfter accepts seconds or an HTTP date.
func parseRetryAfter(value string) int64 {
	if value == "" {
		return -1
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		utils.Debug("[RateLimitParser] Retry-After header: %ds", seconds)
		return int64(seconds) * 1000
	}

	if t, err := time.Parse(time.RFC1123, value); err == nil {
		if resetMs := time.Until(t).Milliseconds(); resetMs > 0 {
			utils.Debug("[RateLimitParser] Retry-After date: %s", value)
			return resetMs
		}
	}

	return -1
}

func toMs(value, unit string) int64 {
	v, _ := strconv.ParseFloat(value, 64)
	if strings.EqualFold(unit, "s") {
		return int64(v * 1000)
	}
	return int64(v)
}

// ParseRateLimitReason classifies an upstream error by status and body.
func ParseRateLimitReason(errorText string, status int) RateLimitReason {
	if status == 529 || status == 503 {
		return ReasonModelCapacityExhausted
	}
	if status == 500 {
		return ReasonServerError
	}

	lower := strings.ToLower(errorText)

	if strings.Contains(lower, "quota_exhausted") ||
		strings.Contains(lower, "quotaresetdelay") ||
		strings.Contains(lower, "quotaresettimestamp") ||
		strings.Contains(lower, "resource_exhausted") ||
		strings.Contains(lower, "daily limit") ||
		strings.Contains(lower, "quota exceeded") {
		return ReasonQuotaExhausted
	}

	if strings.Contains(lower, "model_capacity_exhausted") ||
		strings.Contains(lower, "capacity_exhausted") ||
		strings.Contains(lower, "model is currently overloaded") ||
		strings.Contains(lower, "service temporarily unavailable") {
		return ReasonModelCapacityExhausted
	}

	if strings.Contains(lower, "rate_limit_exceeded") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "throttl") {
		return ReasonRateLimitExceeded
	}

	if strings.Contains(lower, "internal server error") ||
		strings.Contains(lower, "server error") ||
		strings.Contains(lower, "502") ||
		strings.Contains(lower, "503") ||
		strings.Contains(lower, "504") {
		return ReasonServerError
	}

	return ReasonUnknown
}

// IsModelCapacityExhausted reports a transient capacity error worth a
// quick retry on the same account.
func IsModelCapacityExhausted(errorText string) bool {
	lower := strings.ToLower(errorText)
	return strings.Contains(lower, "model_capacity_exhausted") ||
		strings.Contains(lower, "capacity_exhausted") ||
		strings.Contains(lower, "model is currently overloaded")
}

// IsPermanentAuthFailure reports a 401 body that re-authentication cannot fix
// without user action.
func IsPermanentAuthFailure(errorText string) bool {
	lower := strings.ToLower(errorText)
	return strings.Contains(lower, "invalid_grant") ||
		strings.Contains(lower, "token has been expired or revoked") ||
		strings.Contains(lower, "account has been disabled")
}
