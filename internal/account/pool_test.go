package account

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/skalene/antigravity-gateway/internal/config"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.DefaultCooldownMs = 10000
	cfg.MaxWaitBeforeErrorMs = 120000
	cfg.MaxAccounts = 3
	return cfg
}

func newTestPool(t *testing.T, emails ...string) *Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.json")
	pool, err := LoadPool(path, testConfig())
	require.NoError(t, err)
	for _, email := range emails {
		require.NoError(t, pool.AddOrUpdate(&Account{Email: email, RefreshToken: "rt-" + email}))
	}
	return pool
}

func TestPickStickyPrefersActiveAccount(t *testing.T) {
	pool := newTestPool(t, "a@example.com", "b@example.com")

	for i := 0; i < 3; i++ {
		acct, wait, err := pool.PickSticky("claude-sonnet-4-5")
		require.NoError(t, err)
		require.NotNil(t, acct)
		assert.Zero(t, wait)
		assert.Equal(t, "a@example.com", acct.Email)
	}
}

func TestPickStickyFailsOverWhenRateLimited(t *testing.T) {
	pool := newTestPool(t, "a@example.com", "b@example.com")
	model := "claude-sonnet-4-5"

	pool.MarkRateLimited("a@example.com", model, 60000)

	acct, _, err := pool.PickSticky(model)
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, "b@example.com", acct.Email)

	// Failover is sticky: the new account stays active.
	acct, _, err = pool.PickSticky(model)
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", acct.Email)
}

func TestPickStickyRateLimitIsPerModel(t *testing.T) {
	pool := newTestPool(t, "a@example.com")

	pool.MarkRateLimited("a@example.com", "claude-sonnet-4-5", 60000)

	acct, _, err := pool.PickSticky("gemini-3-flash")
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, "a@example.com", acct.Email)
}

func TestPickStickyWaitsForShortCooldown(t *testing.T) {
	pool := newTestPool(t, "a@example.com")
	model := "claude-sonnet-4-5"

	pool.MarkRateLimited("a@example.com", model, 5000)

	acct, wait, err := pool.PickSticky(model)
	require.NoError(t, err)
	assert.Nil(t, acct)
	assert.Greater(t, wait, int64(0))
	assert.LessOrEqual(t, wait, int64(5000))
}

func TestPickStickyReturnsAccountWhenWaitTooLong(t *testing.T) {
	pool := newTestPool(t, "a@example.com")
	model := "claude-sonnet-4-5"

	pool.MarkRateLimited("a@example.com", model, 10*60*1000)

	// The wait exceeds the error threshold, so the sticky account comes
	// back and the caller surfaces the quota error.
	acct, wait, err := pool.PickSticky(model)
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Zero(t, wait)
	assert.False(t, acct.Usable(model))
}

func TestPickStickyEmptyPool(t *testing.T) {
	pool := newTestPool(t)

	_, _, err := pool.PickSticky("claude-sonnet-4-5")
	assert.Error(t, err)
}

func TestRateLimitExpiry(t *testing.T) {
	pool := newTestPool(t, "a@example.com")
	model := "claude-sonnet-4-5"

	pool.MarkRateLimited("a@example.com", model, 1)
	time.Sleep(5 * time.Millisecond)

	acct, _, err := pool.PickSticky(model)
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.True(t, acct.Usable(model))
}

func TestMarkInvalidSkipsAccount(t *testing.T) {
	pool := newTestPool(t, "a@example.com", "b@example.com")

	pool.MarkInvalid("a@example.com", "refresh rejected")

	acct, _, err := pool.PickSticky("claude-sonnet-4-5")
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, "b@example.com", acct.Email)
}

func TestMinWaitTimeMs(t *testing.T) {
	pool := newTestPool(t, "a@example.com", "b@example.com")
	model := "claude-sonnet-4-5"

	assert.Zero(t, pool.MinWaitTimeMs(model))

	pool.MarkRateLimited("a@example.com", model, 60000)
	assert.Zero(t, pool.MinWaitTimeMs(model), "one account still free")

	pool.MarkRateLimited("b@example.com", model, 30000)
	wait := pool.MinWaitTimeMs(model)
	assert.Greater(t, wait, int64(20000))
	assert.LessOrEqual(t, wait, int64(30000))

	assert.True(t, pool.IsAllRateLimited(model))
}

func TestMaxAccountsLimit(t *testing.T) {
	pool := newTestPool(t, "a@example.com", "b@example.com", "c@example.com")

	err := pool.AddOrUpdate(&Account{Email: "d@example.com"})
	assert.Error(t, err)

	// Updating an existing account is not bounded by the limit.
	assert.NoError(t, pool.AddOrUpdate(&Account{Email: "a@example.com", RefreshToken: "new"}))
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")

	pool, err := LoadPool(path, testConfig())
	require.NoError(t, err)
	require.NoError(t, pool.AddOrUpdate(&Account{Email: "a@example.com", RefreshToken: "rt-a"}))
	require.NoError(t, pool.AddOrUpdate(&Account{Email: "b@example.com", RefreshToken: "rt-b"}))
	pool.MarkRateLimited("a@example.com", "claude-sonnet-4-5", 60000)

	reloaded, err := LoadPool(path, testConfig())
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Count())

	acct, ok := reloaded.Get("a@example.com")
	require.True(t, ok)
	assert.Equal(t, "rt-a", acct.RefreshToken)
	require.NotNil(t, acct.RateLimits["claude-sonnet-4-5"])
	assert.True(t, acct.RateLimits["claude-sonnet-4-5"].IsRateLimited)
}

func TestLoadPreservesUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	raw := `{
		"accounts": [
			{"email": "a@example.com", "refreshToken": "rt", "nickname": "work", "tier": 2}
		],
		"activeIndex": 0,
		"managedBy": "external-tool"
	}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0600))

	pool, err := LoadPool(path, testConfig())
	require.NoError(t, err)
	pool.MarkRateLimited("a@example.com", "claude-sonnet-4-5", 60000)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var saved map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &saved))
	assert.Contains(t, saved, "managedBy")

	var accounts []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(saved["accounts"], &accounts))
	require.Len(t, accounts, 1)
	assert.Contains(t, accounts[0], "nickname")
	assert.Contains(t, accounts[0], "tier")
	assert.Contains(t, accounts[0], "rateLimits")
}

func TestLoadClampsActiveIndexAndResetsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	raw := `{
		"accounts": [
			{"email": "a@example.com", "refreshToken": "rt", "isInvalid": true, "invalidReason": "expired"}
		],
		"activeIndex": 7
	}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0600))

	pool, err := LoadPool(path, testConfig())
	require.NoError(t, err)

	acct, _, err := pool.PickSticky("claude-sonnet-4-5")
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, "a@example.com", acct.Email)
	assert.False(t, acct.IsInvalid)
	assert.Empty(t, acct.InvalidReason)
}

func TestLoadMissingFileYieldsEmptyPool(t *testing.T) {
	pool, err := LoadPool(filepath.Join(t.TempDir(), "nope.json"), testConfig())
	require.NoError(t, err)
	assert.Zero(t, pool.Count())
}

func TestRemoveReclampsActiveIndex(t *testing.T) {
	pool := newTestPool(t, "a@example.com", "b@example.com")
	model := "claude-sonnet-4-5"

	// Move the active index onto b, then remove it.
	pool.MarkRateLimited("a@example.com", model, 60000)
	acct, _, err := pool.PickSticky(model)
	require.NoError(t, err)
	require.Equal(t, "b@example.com", acct.Email)

	require.NoError(t, pool.Remove("b@example.com"))

	pool.ClearRateLimit("a@example.com", model)
	acct, _, err = pool.PickSticky(model)
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, "a@example.com", acct.Email)
}

func TestStatusCounts(t *testing.T) {
	pool := newTestPool(t, "a@example.com", "b@example.com", "c@example.com")

	pool.MarkRateLimited("a@example.com", "claude-sonnet-4-5", 60000)
	pool.MarkInvalid("b@example.com", "bad token")

	status := pool.Status()
	assert.Equal(t, 3, status.Total)
	assert.Equal(t, 1, status.Available)
	assert.Equal(t, 1, status.RateLimited)
	assert.Equal(t, 1, status.Invalid)
	assert.Len(t, status.Accounts, 3)
}
