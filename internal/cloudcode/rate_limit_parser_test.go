package cloudcode

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseResetTimeRetryDelay(t *testing.T) {
	body := `{"error": {"details": [{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "32s"}]}}`
	assert.Equal(t, int64(32000), ParseResetTime(nil, body))
}

func TestParseResetTimeRetryDelayMs(t *testing.T) {
	body := `"retryDelay": "750ms"`
	assert.Equal(t, int64(750), ParseResetTime(nil, body))
}

func TestParseResetTimeQuotaResetDelay(t *testing.T) {
	body := `{"message": "quota exhausted, quotaResetDelay: 1.5s"}`
	assert.Equal(t, int64(1500), ParseResetTime(nil, body))
}

func TestParseResetTimeGoDuration(t *testing.T) {
	body := `Quota will reset after 1h23m45s`
	want := int64((1*3600 + 23*60 + 45) * 1000)
	assert.Equal(t, want, ParseResetTime(nil, body))
}

func TestParseResetTimeQuotaResetTimeStamp(t *testing.T) {
	ts := time.Now().Add(90 * time.Second).UTC().Format(time.RFC3339)
	body := `{"quotaResetTimeStamp": "` + ts + `"}`

	got := ParseResetTime(nil, body)
	assert.Greater(t, got, int64(80000))
	assert.LessOrEqual(t, got, int64(90000))
}

func TestParseResetTimeBodyWinsOverHeader(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", "600")
	body := `"retryDelay": "5s"`

	assert.Equal(t, int64(5000), ParseResetTime(headers, body))
}

func TestParseResetTimeRetryAfterSeconds(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", "42")
	assert.Equal(t, int64(42000), ParseResetTime(headers, "no structured fields here"))
}

func TestParseResetTimeRetryAfterDate(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", time.Now().Add(30*time.Second).UTC().Format(time.RFC1123))

	got := ParseResetTime(headers, "")
	assert.Greater(t, got, int64(20000))
	assert.LessOrEqual(t, got, int64(30000))
}

func TestParseResetTimeFloorsSubSecondResets(t *testing.T) {
	body := `"retryDelay": "120ms"`
	assert.Equal(t, int64(minResetFloorMs), ParseResetTime(nil, body))
}

func TestParseResetTimeNothingParseable(t *testing.T) {
	assert.Equal(t, int64(-1), ParseResetTime(nil, "internal error"))
	assert.Equal(t, int64(-1), ParseResetTime(http.Header{}, ""))
}

func TestParseRateLimitReason(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		want   RateLimitReason
	}{
		{"status 529", "", 529, ReasonModelCapacityExhausted},
		{"status 503", "", 503, ReasonModelCapacityExhausted},
		{"status 500", "", 500, ReasonServerError},
		{"quota exhausted", `{"status": "RESOURCE_EXHAUSTED"}`, 429, ReasonQuotaExhausted},
		{"daily limit", "You have reached your daily limit", 429, ReasonQuotaExhausted},
		{"capacity", "MODEL_CAPACITY_EXHAUSTED", 429, ReasonModelCapacityExhausted},
		{"overloaded", "the model is currently overloaded", 429, ReasonModelCapacityExhausted},
		{"rate limit", "too many requests", 429, ReasonRateLimitExceeded},
		{"unknown", "something odd", 429, ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRateLimitReason(tt.body, tt.status))
		})
	}
}

func TestIsModelCapacityExhausted(t *testing.T) {
	assert.True(t, IsModelCapacityExhausted(`{"error": "MODEL_CAPACITY_EXHAUSTED"}`))
	assert.True(t, IsModelCapacityExhausted("The model is currently overloaded"))
	assert.False(t, IsModelCapacityExhausted("quota exceeded"))
}

func TestIsPermanentAuthFailure(t *testing.T) {
	assert.True(t, IsPermanentAuthFailure(`{"error": "invalid_grant"}`))
	assert.True(t, IsPermanentAuthFailure("Token has been expired or revoked."))
	assert.False(t, IsPermanentAuthFailure("temporary auth hiccup"))
}
