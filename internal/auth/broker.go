package auth

import (
	"context"
	"sync"
	"time"

	"github.com/skalene/antigravity-gateway/internal/account"
	"github.com/skalene/antigravity-gateway/internal/config"
	gwerrors "github.com/skalene/antigravity-gateway/internal/errors"
	"github.com/skalene/antigravity-gateway/internal/utils"
)

// tokenExpirySkew keeps a safety margin before the cached token's TTL.
const tokenExpirySkew = 10 * time.Second

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Broker hands out access tokens and project IDs for pool accounts.
// Tokens are cached per email with a short TTL; project IDs are resolved
// once and cached for the process lifetime.
type Broker struct {
	mu       sync.Mutex
	tokens   map[string]*cachedToken
	projects map[string]string

	tokenTTL         time.Duration
	dbPath           string
	defaultProjectID string
}

// NewBroker creates a credential broker.
func NewBroker(cfg *config.Config) *Broker {
	ttl := time.Duration(config.TokenRefreshIntervalMs) * time.Millisecond
	defaultProject := config.DefaultProjectID
	if cfg != nil {
		if cfg.TokenRefreshIntervalMs > 0 {
			ttl = time.Duration(cfg.TokenRefreshIntervalMs) * time.Millisecond
		}
		if cfg.DefaultProjectID != "" {
			defaultProject = cfg.DefaultProjectID
		}
	}

	return &Broker{
		tokens:           make(map[string]*cachedToken),
		projects:         make(map[string]string),
		tokenTTL:         ttl,
		defaultProjectID: defaultProject,
	}
}

// SetDatabasePath overrides the Antigravity state database location,
// mainly for tests.
func (b *Broker) SetDatabasePath(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dbPath = path
}

// Token returns a valid access token for the account, refreshing when the
// cached one is stale. Auth errors are classified: retryable network
// problems never invalidate the account, rejected credentials do.
func (b *Broker) Token(ctx context.Context, acct *account.Account) (string, error) {
	if acct == nil {
		return "", gwerrors.NewAuthError("account is nil", "", "no_account")
	}

	b.mu.Lock()
	cached, ok := b.tokens[acct.Email]
	b.mu.Unlock()

	if ok && time.Now().Before(cached.expiresAt.Add(-tokenExpirySkew)) {
		return cached.token, nil
	}

	refreshToken, err := b.refreshTokenFor(acct)
	if err != nil {
		return "", err
	}

	utils.Debug("[AuthBroker] Refreshing token for %s", utils.MaskEmail(acct.Email))
	result, err := RefreshAccessToken(ctx, acct.Email, refreshToken)
	if err != nil {
		return "", err
	}

	// Project segments of a composite refresh token pre-seed the cache.
	parts := ParseRefreshParts(refreshToken)
	project := utils.CoalesceString(parts.ManagedProjectID, parts.ProjectID)

	b.mu.Lock()
	b.tokens[acct.Email] = &cachedToken{
		token:     result.AccessToken,
		expiresAt: time.Now().Add(b.tokenTTL),
	}
	if project != "" {
		if _, ok := b.projects[acct.Email]; !ok {
			b.projects[acct.Email] = project
		}
	}
	b.mu.Unlock()

	utils.Success("[AuthBroker] Refreshed token for %s", utils.MaskEmail(acct.Email))
	return result.AccessToken, nil
}

// refreshTokenFor resolves the refresh token for an account's source.
func (b *Broker) refreshTokenFor(acct *account.Account) (string, error) {
	switch acct.Source {
	case "database":
		b.mu.Lock()
		dbPath := b.dbPath
		b.mu.Unlock()

		status, err := ReadAuthStatus(dbPath)
		if err != nil {
			return "", gwerrors.NewAuthError(err.Error(), acct.Email, "database_unavailable")
		}
		return status.APIKey, nil

	default:
		if acct.RefreshToken == "" {
			return "", gwerrors.NewAuthError("no refresh token for account", acct.Email, "missing_refresh_token")
		}
		return acct.RefreshToken, nil
	}
}

// ProjectID resolves the Cloud Code project for the account. Resolution
// order: explicit account fields, process cache, loadCodeAssist
// discovery, configured default.
func (b *Broker) ProjectID(ctx context.Context, acct *account.Account, token string) string {
	if acct == nil {
		return b.defaultProjectID
	}

	if project := utils.CoalesceString(acct.ManagedProjectID, acct.ProjectID); project != "" {
		return project
	}

	b.mu.Lock()
	cached, ok := b.projects[acct.Email]
	b.mu.Unlock()
	if ok && cached != "" {
		return cached
	}

	if token != "" {
		if project := DiscoverProjectID(ctx, token); project != "" {
			utils.Info("[AuthBroker] Discovered project %s for %s", project, utils.MaskEmail(acct.Email))
			b.mu.Lock()
			b.projects[acct.Email] = project
			b.mu.Unlock()
			return project
		}
	}

	utils.Debug("[AuthBroker] Falling back to default project for %s", utils.MaskEmail(acct.Email))
	return b.defaultProjectID
}

// Invalidate drops cached credentials for an account. Called on upstream
// 401 so the next attempt refreshes from scratch.
func (b *Broker) Invalidate(email string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tokens, email)
	delete(b.projects, email)
}

// Reset clears all caches.
func (b *Broker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = make(map[string]*cachedToken)
	b.projects = make(map[string]string)
}
