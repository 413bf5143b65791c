package account

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/skalene/antigravity-gateway/internal/config"
	gwerrors "github.com/skalene/antigravity-gateway/internal/errors"
	"github.com/skalene/antigravity-gateway/internal/utils"
)

// Pool manages the account roster with sticky selection: the active
// account keeps serving requests for prompt cache continuity, and the
// pool fails over only when it becomes unusable.
type Pool struct {
	mu sync.Mutex

	path        string
	accounts    []*Account
	activeIndex int
	extra       map[string]json.RawMessage

	defaultCooldownMs    int64
	maxWaitBeforeErrorMs int64
	maxAccounts          int
}

// LoadPool reads the accounts file at path and builds a pool from it.
func LoadPool(path string, cfg *config.Config) (*Pool, error) {
	state, err := loadState(path)
	if err != nil {
		return nil, err
	}

	pool := &Pool{
		path:                 path,
		accounts:             state.Accounts,
		activeIndex:          state.ActiveIndex,
		extra:                state.extra,
		defaultCooldownMs:    config.DefaultCooldownMs,
		maxWaitBeforeErrorMs: config.MaxWaitBeforeErrorMs,
		maxAccounts:          config.MaxAccounts,
	}
	if cfg != nil {
		pool.defaultCooldownMs = cfg.DefaultCooldownMs
		pool.maxWaitBeforeErrorMs = cfg.MaxWaitBeforeErrorMs
		pool.maxAccounts = cfg.MaxAccounts
	}

	utils.Info("[AccountPool] Loaded %d account(s) from %s", len(pool.accounts), path)
	return pool, nil
}

func (p *Pool) saveLocked() {
	state := &poolState{
		Accounts:    p.accounts,
		ActiveIndex: p.activeIndex,
		extra:       p.extra,
	}
	if err := saveState(p.path, state); err != nil {
		utils.Warn("[AccountPool] Failed to persist accounts: %v", err)
	}
}

// PickSticky returns the account to use for model. When every account is
// unusable but the sticky account's rate limit resets soon, it returns
// (nil, waitMs, nil) so the caller can sleep and retry.
func (p *Pool) PickSticky(model string) (*Account, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.accounts) == 0 {
		return nil, 0, gwerrors.NewNoAccountsError("No accounts configured", false)
	}

	if p.activeIndex >= len(p.accounts) {
		p.activeIndex = 0
	}

	current := p.accounts[p.activeIndex]
	if current.Usable(model) {
		current.LastUsed = time.Now().UnixMilli()
		p.saveLocked()
		return current, 0, nil
	}

	if acct, idx := p.pickNextLocked(model); acct != nil {
		utils.Info("[AccountPool] Failover to account: %s (%d/%d)", acct.Email, idx+1, len(p.accounts))
		return acct, 0, nil
	}

	// Nobody is usable. Wait for the sticky account when its reset is
	// close enough, otherwise hand it back and let the caller surface
	// the quota error.
	if waitMs := p.waitTimeLocked(current, model); waitMs > 0 && waitMs <= p.maxWaitBeforeErrorMs {
		utils.Info("[AccountPool] All accounts limited, waiting %s for %s",
			utils.FormatDuration(waitMs), current.Email)
		return nil, waitMs, nil
	}

	return current, 0, nil
}

// PickNext advances to the next usable account in round-robin order.
func (p *Pool) PickNext(model string) (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.accounts) == 0 {
		return nil, gwerrors.NewNoAccountsError("No accounts configured", false)
	}

	if acct, _ := p.pickNextLocked(model); acct != nil {
		return acct, nil
	}
	return nil, gwerrors.NewNoAccountsError("No available accounts", p.isAllRateLimitedLocked(model))
}

func (p *Pool) pickNextLocked(model string) (*Account, int) {
	n := len(p.accounts)
	for i := 1; i <= n; i++ {
		idx := (p.activeIndex + i) % n
		acct := p.accounts[idx]
		if acct.Usable(model) {
			acct.LastUsed = time.Now().UnixMilli()
			p.activeIndex = idx
			p.saveLocked()
			return acct, idx
		}
	}
	return nil, p.activeIndex
}

// MarkRateLimited records a per-model rate limit. resetMs <= 0 applies
// the default cooldown.
func (p *Pool) MarkRateLimited(email, model string, resetMs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acct := p.findLocked(email)
	if acct == nil {
		return
	}

	if resetMs <= 0 {
		resetMs = p.defaultCooldownMs
	}
	if acct.RateLimits == nil {
		acct.RateLimits = make(map[string]*RateLimitInfo)
	}
	acct.RateLimits[model] = &RateLimitInfo{
		IsRateLimited: true,
		ResetTime:     time.Now().UnixMilli() + resetMs,
	}

	utils.Warn("[AccountPool] %s rate limited for %s, resets in %s",
		acct.Email, model, utils.FormatDuration(resetMs))
	p.saveLocked()
}

// ClearRateLimit clears the per-model limit after a successful request.
func (p *Pool) ClearRateLimit(email, model string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acct := p.findLocked(email)
	if acct == nil || acct.RateLimits == nil {
		return
	}
	if _, ok := acct.RateLimits[model]; !ok {
		return
	}
	delete(acct.RateLimits, model)
	p.saveLocked()
}

// MarkInvalid flags an account so selection skips it until restart.
func (p *Pool) MarkInvalid(email, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acct := p.findLocked(email)
	if acct == nil {
		return
	}
	acct.IsInvalid = true
	acct.InvalidReason = reason
	utils.Warn("[AccountPool] Account %s marked invalid: %s", acct.Email, reason)
	p.saveLocked()
}

// ClearInvalid re-enables an account after a successful token refresh.
func (p *Pool) ClearInvalid(email string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acct := p.findLocked(email)
	if acct == nil || !acct.IsInvalid {
		return
	}
	acct.IsInvalid = false
	acct.InvalidReason = ""
	p.saveLocked()
}

// IsAllRateLimited reports whether no account can serve model right now.
func (p *Pool) IsAllRateLimited(model string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isAllRateLimitedLocked(model)
}

func (p *Pool) isAllRateLimitedLocked(model string) bool {
	for _, acct := range p.accounts {
		if acct.Usable(model) {
			return false
		}
	}
	return true
}

// MinWaitTimeMs returns the smallest wait until some account's limit for
// model resets. 0 means an account is already free.
func (p *Pool) MinWaitTimeMs(model string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UnixMilli()
	var minWait int64 = -1

	for _, acct := range p.accounts {
		if acct.Disabled || acct.IsInvalid {
			continue
		}
		info := acct.RateLimits[model]
		if info.Expired() {
			return 0
		}
		if wait := info.ResetTime - now; wait > 0 && (minWait < 0 || wait < minWait) {
			minWait = wait
		}
	}

	if minWait < 0 {
		return 0
	}
	return minWait
}

func (p *Pool) waitTimeLocked(acct *Account, model string) int64 {
	if acct == nil || acct.Disabled || acct.IsInvalid {
		return 0
	}
	info := acct.RateLimits[model]
	if info == nil || !info.IsRateLimited || info.ResetTime == 0 {
		return 0
	}
	wait := info.ResetTime - time.Now().UnixMilli()
	if wait < 0 {
		return 0
	}
	return wait
}

func (p *Pool) findLocked(email string) *Account {
	for _, acct := range p.accounts {
		if acct.Email == email {
			return acct
		}
	}
	return nil
}

// Get returns the account with the given email.
func (p *Pool) Get(email string) (*Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct := p.findLocked(email)
	return acct, acct != nil
}

// Count returns the number of accounts in the pool.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

// Accounts returns a snapshot of the roster.
func (p *Pool) Accounts() []*Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]*Account, len(p.accounts))
	copy(result, p.accounts)
	return result
}

// AddOrUpdate inserts an account or replaces the record with the same email.
func (p *Pool) AddOrUpdate(acct *Account) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, existing := range p.accounts {
		if existing.Email == acct.Email {
			acct.AddedAt = existing.AddedAt
			p.accounts[i] = acct
			p.saveLocked()
			utils.Info("[AccountPool] Account %s updated", acct.Email)
			return nil
		}
	}

	if p.maxAccounts > 0 && len(p.accounts) >= p.maxAccounts {
		return gwerrors.NewNoAccountsError("Maximum accounts reached", false)
	}

	if acct.AddedAt == 0 {
		acct.AddedAt = time.Now().UnixMilli()
	}
	p.accounts = append(p.accounts, acct)
	p.saveLocked()
	utils.Info("[AccountPool] Account %s added", acct.Email)
	return nil
}

// Remove deletes an account from the pool.
func (p *Pool) Remove(email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, acct := range p.accounts {
		if acct.Email == email {
			p.accounts = append(p.accounts[:i], p.accounts[i+1:]...)
			if p.activeIndex >= len(p.accounts) {
				p.activeIndex = 0
			}
			p.saveLocked()
			return nil
		}
	}
	return gwerrors.NewNoAccountsError("Account "+email+" not found", false)
}

// Status summarizes the pool for the startup banner and health endpoint.
type Status struct {
	Total       int              `json:"total"`
	Available   int              `json:"available"`
	RateLimited int              `json:"rateLimited"`
	Invalid     int              `json:"invalid"`
	Accounts    []*AccountStatus `json:"accounts"`
}

// AccountStatus is the per-account view inside Status.
type AccountStatus struct {
	Email         string                    `json:"email"`
	Source        string                    `json:"source,omitempty"`
	ProjectID     string                    `json:"projectId,omitempty"`
	Disabled      bool                      `json:"disabled,omitempty"`
	IsInvalid     bool                      `json:"isInvalid,omitempty"`
	InvalidReason string                    `json:"invalidReason,omitempty"`
	LastUsed      int64                     `json:"lastUsed,omitempty"`
	RateLimits    map[string]*RateLimitInfo `json:"rateLimits,omitempty"`
}

// Status returns the current pool summary.
func (p *Pool) Status() *Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := &Status{Accounts: make([]*AccountStatus, 0, len(p.accounts))}
	now := time.Now().UnixMilli()

	for _, acct := range p.accounts {
		status.Total++

		limited := false
		for _, info := range acct.RateLimits {
			if info != nil && info.IsRateLimited && (info.ResetTime == 0 || info.ResetTime > now) {
				limited = true
				break
			}
		}

		switch {
		case acct.Disabled || acct.IsInvalid:
			status.Invalid++
		case limited:
			status.RateLimited++
		default:
			status.Available++
		}

		status.Accounts = append(status.Accounts, &AccountStatus{
			Email:         acct.Email,
			Source:        acct.Source,
			ProjectID:     acct.ProjectID,
			Disabled:      acct.Disabled,
			IsInvalid:     acct.IsInvalid,
			InvalidReason: acct.InvalidReason,
			LastUsed:      acct.LastUsed,
			RateLimits:    acct.RateLimits,
		})
	}

	return status
}
