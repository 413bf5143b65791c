// Package account manages the pool of Antigravity accounts backing the
// gateway, including on-disk persistence and sticky account selection.
package account

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/skalene/antigravity-gateway/internal/utils"
)

// RateLimitInfo tracks per-model rate limit state for an account
type RateLimitInfo struct {
	IsRateLimited bool  `json:"isRateLimited"`
	ResetTime     int64 `json:"resetTime,omitempty"`
}

// Expired reports whether the limit has passed.
func (r *RateLimitInfo) Expired() bool {
	if r == nil || !r.IsRateLimited {
		return true
	}
	return r.ResetTime > 0 && time.Now().UnixMilli() >= r.ResetTime
}

// Account is a single Antigravity account. Fields not known to this
// version of the gateway survive a load/save round trip via extra.
type Account struct {
	Email            string                    `json:"email"`
	RefreshToken     string                    `json:"refreshToken"`
	Source           string                    `json:"source,omitempty"`
	ProjectID        string                    `json:"projectId,omitempty"`
	ManagedProjectID string                    `json:"managedProjectId,omitempty"`
	AddedAt          int64                     `json:"addedAt,omitempty"`
	LastUsed         int64                     `json:"lastUsed,omitempty"`
	Disabled         bool                      `json:"disabled,omitempty"`
	IsInvalid        bool                      `json:"isInvalid,omitempty"`
	InvalidReason    string                    `json:"invalidReason,omitempty"`
	RateLimits       map[string]*RateLimitInfo `json:"rateLimits,omitempty"`

	extra map[string]json.RawMessage
}

var accountKnownKeys = []string{
	"email", "refreshToken", "source", "projectId", "managedProjectId",
	"addedAt", "lastUsed", "disabled", "isInvalid", "invalidReason", "rateLimits",
}

// UnmarshalJSON keeps unrecognized fields so external tools can annotate
// the accounts file without the gateway destroying their data.
func (a *Account) UnmarshalJSON(data []byte) error {
	type plain Account
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*a = Account(p)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, key := range accountKnownKeys {
		delete(raw, key)
	}
	if len(raw) > 0 {
		a.extra = raw
	}
	return nil
}

// MarshalJSON merges typed fields over any preserved unknown fields.
func (a *Account) MarshalJSON() ([]byte, error) {
	type plain Account
	typed, err := json.Marshal((*plain)(a))
	if err != nil {
		return nil, err
	}
	if len(a.extra) == 0 {
		return typed, nil
	}

	merged := make(map[string]json.RawMessage, len(a.extra)+len(accountKnownKeys))
	for k, v := range a.extra {
		merged[k] = v
	}
	var typedMap map[string]json.RawMessage
	if err := json.Unmarshal(typed, &typedMap); err != nil {
		return nil, err
	}
	for k, v := range typedMap {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Usable reports whether the account can serve a request for model now.
func (a *Account) Usable(model string) bool {
	if a.Disabled || a.IsInvalid {
		return false
	}
	if model == "" {
		return true
	}
	return a.RateLimits[model].Expired()
}

// poolState is the on-disk shape of the accounts file.
type poolState struct {
	Accounts    []*Account `json:"accounts"`
	ActiveIndex int        `json:"activeIndex"`

	extra map[string]json.RawMessage
}

var poolKnownKeys = []string{"accounts", "activeIndex"}

func (s *poolState) UnmarshalJSON(data []byte) error {
	type plain poolState
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = poolState(p)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, key := range poolKnownKeys {
		delete(raw, key)
	}
	if len(raw) > 0 {
		s.extra = raw
	}
	return nil
}

func (s *poolState) MarshalJSON() ([]byte, error) {
	merged := make(map[string]json.RawMessage, len(s.extra)+2)
	for k, v := range s.extra {
		merged[k] = v
	}

	accounts, err := json.Marshal(s.Accounts)
	if err != nil {
		return nil, err
	}
	index, err := json.Marshal(s.ActiveIndex)
	if err != nil {
		return nil, err
	}
	merged["accounts"] = accounts
	merged["activeIndex"] = index
	return json.Marshal(merged)
}

// loadState reads the accounts file. A missing file yields an empty pool.
// The activeIndex is clamped and invalid flags are cleared so previously
// failed accounts get retried after a restart.
func loadState(path string) (*poolState, error) {
	state := &poolState{Accounts: make([]*Account, 0)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("parse accounts file %s: %w", path, err)
	}

	if state.Accounts == nil {
		state.Accounts = make([]*Account, 0)
	}
	if state.ActiveIndex < 0 || state.ActiveIndex >= len(state.Accounts) {
		state.ActiveIndex = 0
	}
	for _, acc := range state.Accounts {
		if acc.IsInvalid {
			utils.Debug("[AccountStore] Resetting invalid flag for %s (%s)", acc.Email, acc.InvalidReason)
			acc.IsInvalid = false
			acc.InvalidReason = ""
		}
	}

	return state, nil
}

// saveState writes the accounts file atomically: temp file in the same
// directory, then rename.
func saveState(path string, state *poolState) error {
	if err := utils.EnsureParentDir(path); err != nil {
		return fmt.Errorf("create accounts dir: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode accounts file: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".accounts-*.json")
	if err != nil {
		return fmt.Errorf("create temp accounts file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp accounts file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp accounts file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace accounts file: %w", err)
	}
	return nil
}
