// Package format provides conversion between Anthropic and Google Generative AI formats.
package format

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/skalene/antigravity-gateway/internal/config"
)

// SignatureCache caches Gemini thoughtSignatures for tool calls and thinking blocks.
// Gemini models require thoughtSignature on tool calls, but Anthropic clients strip
// non-standard fields from history. The cache restores signatures on subsequent
// requests and remembers which model family produced each thinking signature.
type SignatureCache struct {
	toolUse  *lru.Cache[string, string] // tool_use_id -> thoughtSignature
	thinking *lru.Cache[string, string] // signature -> model family
}

// NewSignatureCache creates a SignatureCache with the given capacities.
func NewSignatureCache(toolUseSize, thinkingSize int) *SignatureCache {
	if toolUseSize <= 0 {
		toolUseSize = config.SignatureCacheSize
	}
	if thinkingSize <= 0 {
		thinkingSize = config.SignatureFamilyCacheSize
	}
	toolUse, _ := lru.New[string, string](toolUseSize)
	thinking, _ := lru.New[string, string](thinkingSize)
	return &SignatureCache{toolUse: toolUse, thinking: thinking}
}

// CacheSignature stores a signature for a tool_use_id
func (c *SignatureCache) CacheSignature(toolUseID, signature string) {
	if toolUseID == "" || signature == "" {
		return
	}
	c.toolUse.Add(toolUseID, signature)
}

// GetCachedSignature retrieves a cached signature for a tool_use_id
func (c *SignatureCache) GetCachedSignature(toolUseID string) string {
	if toolUseID == "" {
		return ""
	}
	signature, _ := c.toolUse.Get(toolUseID)
	return signature
}

// CacheThinkingSignature caches a thinking block signature with its model family
func (c *SignatureCache) CacheThinkingSignature(signature, modelFamily string) {
	if signature == "" || len(signature) < config.MinSignatureLength || modelFamily == "" {
		return
	}
	c.thinking.Add(signature, modelFamily)
}

// GetCachedSignatureFamily returns the cached model family for a thinking signature,
// or "" when the signature's origin is unknown.
func (c *SignatureCache) GetCachedSignatureFamily(signature string) string {
	if signature == "" {
		return ""
	}
	family, _ := c.thinking.Get(signature)
	return family
}

// Purge drops all cached entries
func (c *SignatureCache) Purge() {
	c.toolUse.Purge()
	c.thinking.Purge()
}

// Global instance for converter call sites
var (
	globalSignatureCache *SignatureCache
	signatureCacheMu     sync.Mutex
)

// GetGlobalSignatureCache returns the global signature cache instance
func GetGlobalSignatureCache() *SignatureCache {
	signatureCacheMu.Lock()
	defer signatureCacheMu.Unlock()
	if globalSignatureCache == nil {
		globalSignatureCache = NewSignatureCache(config.SignatureCacheSize, config.SignatureFamilyCacheSize)
	}
	return globalSignatureCache
}

// ResetGlobalSignatureCache clears the global cache (used by tests)
func ResetGlobalSignatureCache() {
	signatureCacheMu.Lock()
	defer signatureCacheMu.Unlock()
	globalSignatureCache = nil
}
