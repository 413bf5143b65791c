package format

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/skalene/antigravity-gateway/internal/config"
)

func TestSignatureCacheRoundTrip(t *testing.T) {
	cache := NewSignatureCache(10, 10)
	sig := strings.Repeat("x", 64)

	cache.CacheSignature("tu_1", sig)
	assert.Equal(t, sig, cache.GetCachedSignature("tu_1"))
	assert.Empty(t, cache.GetCachedSignature("tu_never_inserted"))
	assert.Empty(t, cache.GetCachedSignature(""))
}

func TestSignatureCacheEvictsLRU(t *testing.T) {
	cache := NewSignatureCache(2, 2)
	sig := strings.Repeat("x", 64)

	cache.CacheSignature("tu_1", sig)
	cache.CacheSignature("tu_2", sig)
	cache.CacheSignature("tu_3", sig)

	assert.Empty(t, cache.GetCachedSignature("tu_1"))
	assert.Equal(t, sig, cache.GetCachedSignature("tu_2"))
	assert.Equal(t, sig, cache.GetCachedSignature("tu_3"))
}

func TestThinkingSignatureFamily(t *testing.T) {
	cache := NewSignatureCache(10, 10)
	sig := strings.Repeat("x", config.MinSignatureLength)

	cache.CacheThinkingSignature(sig, string(config.ModelFamilyGemini))
	assert.Equal(t, "gemini", cache.GetCachedSignatureFamily(sig))
	assert.Empty(t, cache.GetCachedSignatureFamily("unseen"))
}

func TestThinkingSignatureTooShortNotCached(t *testing.T) {
	cache := NewSignatureCache(10, 10)
	short := strings.Repeat("x", config.MinSignatureLength-1)

	cache.CacheThinkingSignature(short, string(config.ModelFamilyClaude))
	assert.Empty(t, cache.GetCachedSignatureFamily(short))
}

func TestSignatureCachePurge(t *testing.T) {
	cache := NewSignatureCache(10, 10)
	sig := strings.Repeat("x", 64)

	cache.CacheSignature("tu_1", sig)
	cache.CacheThinkingSignature(sig, string(config.ModelFamilyClaude))
	cache.Purge()

	assert.Empty(t, cache.GetCachedSignature("tu_1"))
	assert.Empty(t, cache.GetCachedSignatureFamily(sig))
}
