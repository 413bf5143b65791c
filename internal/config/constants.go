// Package config provides configuration constants and runtime configuration management.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// Version information
const Version = "1.0.0"

// Cloud Code API endpoints (in fallback order)
const (
	AntigravityEndpointDaily = "https://daily-cloudcode-pa.googleapis.com"
	AntigravityEndpointProd  = "https://cloudcode-pa.googleapis.com"
)

// AntigravityEndpointFallbacks is the endpoint fallback order (daily → prod)
var AntigravityEndpointFallbacks = []string{
	AntigravityEndpointDaily,
	AntigravityEndpointProd,
}

// LoadCodeAssistEndpoints is the endpoint order for loadCodeAssist (prod first)
// loadCodeAssist works better on prod for fresh/unprovisioned accounts
var LoadCodeAssistEndpoints = []string{
	AntigravityEndpointProd,
	AntigravityEndpointDaily,
}

// DefaultProjectID is the default project ID if none can be discovered
const DefaultProjectID = "rising-fact-p41fc"

// AntigravityHeaders are the required headers for Antigravity API requests
func AntigravityHeaders() map[string]string {
	return map[string]string{
		"User-Agent":        getPlatformUserAgent(),
		"X-Goog-Api-Client": "google-cloud-sdk vscode_cloudshelleditor/0.1",
		"Client-Metadata":   getClientMetadata(),
	}
}

// getPlatformUserAgent generates platform-specific User-Agent string
func getPlatformUserAgent() string {
	return fmt.Sprintf("antigravity/1.16.5 %s/%s", runtime.GOOS, runtime.GOARCH)
}

// IDE Type enum (numeric values as expected by Cloud Code API)
const (
	IdeTypeUnspecified = 0
	IdeTypeAntigravity = 6
)

// Platform enum
const (
	PlatformUnspecified = 0
	PlatformWindows     = 1
	PlatformLinux       = 2
	PlatformMacOS       = 3
)

// PluginTypeGemini is the plugin type reported in client metadata
const PluginTypeGemini = 2

func getPlatformEnum() int {
	switch runtime.GOOS {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
		return PlatformLinux
	default:
		return PlatformUnspecified
	}
}

// getClientMetadata returns the client metadata JSON string.
// Numeric enum values are what the Cloud Code API expects.
func getClientMetadata() string {
	metadata := map[string]int{
		"ideType":    IdeTypeAntigravity,
		"platform":   getPlatformEnum(),
		"pluginType": PluginTypeGemini,
	}
	data, _ := json.Marshal(metadata)
	return string(data)
}

// Timing constants
const (
	// TokenRefreshIntervalMs is the token cache TTL (5 minutes)
	TokenRefreshIntervalMs = 5 * 60 * 1000
	// RequestBodyLimit is the max request body size (50MB in bytes)
	RequestBodyLimit int64 = 50 * 1024 * 1024
	// DefaultPort is the default server port
	DefaultPort = 8080
)

// Paths
var (
	// AccountConfigPath is the path to the accounts configuration file
	AccountConfigPath = filepath.Join(getHomeDir(), ".config", "antigravity-gateway", "accounts.json")
	// RuntimeConfigPath is the path to the runtime configuration file
	RuntimeConfigPath = filepath.Join(getHomeDir(), ".config", "antigravity-gateway", "config.json")
	// AntigravityDBPath is the path to the Antigravity app database
	AntigravityDBPath = getAntigravityDbPath()
)

// Rate limit and retry constants
const (
	DefaultCooldownMs    = 10 * 1000 // 10 seconds
	MaxRetries           = 5
	MaxAccounts          = 10
	MaxWaitBeforeErrorMs = 120000 // 2 minutes
	FirstRetryDelayMs    = 1000   // 1 second
	SwitchAccountDelayMs = 5000   // 5 seconds

	// MaxCapacityRetries bounds same-endpoint retries when a model reports
	// capacity exhaustion.
	MaxCapacityRetries = 5

	// MaxEmptyResponseRetries bounds refetches when a stream yields no
	// content parts.
	MaxEmptyResponseRetries = 3
)

// CapacityBackoffTiersMs is progressive backoff tiers for model capacity issues
var CapacityBackoffTiersMs = []int64{5000, 10000, 20000, 30000, 60000}

// Thinking model constants
const (
	MinSignatureLength = 50
)

// Gemini-specific limits
const (
	GeminiMaxOutputTokens = 16384
	GeminiSkipSignature   = "skip_thought_signature_validator"
)

// Signature cache capacities
const (
	SignatureCacheSize       = 1000
	SignatureFamilyCacheSize = 2000
)

// OAuth configuration
type OAuthConfigType struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	UserInfoURL  string
	Scopes       []string
}

// OAuthConfig is the Google OAuth configuration used by the Antigravity client
var OAuthConfig = OAuthConfigType{
	ClientID:     "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com",
	ClientSecret: "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",
	TokenURL:     "https://oauth2.googleapis.com/token",
	UserInfoURL:  "https://www.googleapis.com/oauth2/v1/userinfo",
	Scopes: []string{
		"https://www.googleapis.com/auth/cloud-platform",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
	},
}

// AntigravitySystemInstruction is the minimal system instruction injected
// into every upstream request so responses match the Antigravity client.
const AntigravitySystemInstruction = `You are Antigravity, a powerful agentic AI coding assistant designed by the Google Deepmind team working on Advanced Agentic Coding.You are pair programming with a USER to solve their coding task. The task may require creating a new codebase, modifying or debugging an existing codebase, or simply answering a question.**Absolute paths only****Proactiveness**`

// ModelFallbackMap maps primary model to fallback when quota exhausted
var ModelFallbackMap = map[string]string{
	"gemini-3-pro-high":          "claude-opus-4-6-thinking",
	"gemini-3-pro-low":           "claude-sonnet-4-5",
	"gemini-3-flash":             "claude-sonnet-4-5-thinking",
	"claude-opus-4-6-thinking":   "gemini-3-pro-high",
	"claude-sonnet-4-5-thinking": "gemini-3-flash",
	"claude-sonnet-4-5":          "gemini-3-flash",
}

// OpenAIModelAliases maps OpenAI-style model names onto pool models.
// Callers using the Chat Completions surface get these resolved before dispatch.
var OpenAIModelAliases = map[string]string{
	"gpt-4o":        "claude-sonnet-4-5",
	"gpt-4o-mini":   "gemini-3-flash",
	"gpt-4-turbo":   "claude-sonnet-4-5-thinking",
	"gpt-5":         "claude-opus-4-6-thinking",
	"o1":            "claude-opus-4-6-thinking",
	"o3-mini":       "gemini-3-flash",
	"gemini-pro":    "gemini-3-pro-high",
}

// ModelFamily represents the model family type
type ModelFamily string

const (
	ModelFamilyClaude  ModelFamily = "claude"
	ModelFamilyGemini  ModelFamily = "gemini"
	ModelFamilyUnknown ModelFamily = "unknown"
)

// GetModelFamily returns the model family from model name (dynamic detection)
func GetModelFamily(modelName string) ModelFamily {
	lower := strings.ToLower(modelName)
	if strings.Contains(lower, "claude") {
		return ModelFamilyClaude
	}
	if strings.Contains(lower, "gemini") {
		return ModelFamilyGemini
	}
	return ModelFamilyUnknown
}

var geminiVersionRe = regexp.MustCompile(`gemini-(\d+)`)

// IsThinkingModel checks if a model supports thinking/reasoning output
func IsThinkingModel(modelName string) bool {
	lower := strings.ToLower(modelName)

	if strings.Contains(lower, "claude") && strings.Contains(lower, "thinking") {
		return true
	}

	// Gemini thinking models: explicit "thinking" in name, OR gemini version 3+
	if strings.Contains(lower, "gemini") {
		if strings.Contains(lower, "thinking") {
			return true
		}
		matches := geminiVersionRe.FindStringSubmatch(lower)
		if len(matches) >= 2 {
			version, err := strconv.Atoi(matches[1])
			if err == nil && version >= 3 {
				return true
			}
		}
	}

	return false
}

// GetFallbackModel returns the fallback model for the given model
func GetFallbackModel(modelName string) (string, bool) {
	fallback, ok := ModelFallbackMap[modelName]
	return fallback, ok
}

func getHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

func getAntigravityDbPath() string {
	home := getHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library/Application Support/Antigravity/User/globalStorage/state.vscdb")
	case "windows":
		return filepath.Join(home, "AppData/Roaming/Antigravity/User/globalStorage/state.vscdb")
	default:
		return filepath.Join(home, ".config/Antigravity/User/globalStorage/state.vscdb")
	}
}
