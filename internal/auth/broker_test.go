package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalene/antigravity-gateway/internal/account"
	"github.com/skalene/antigravity-gateway/internal/config"
	gwerrors "github.com/skalene/antigravity-gateway/internal/errors"
)

// withTokenEndpoint points the OAuth token URL at a test server for the
// duration of one test.
func withTokenEndpoint(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	original := config.OAuthConfig.TokenURL
	config.OAuthConfig.TokenURL = srv.URL
	t.Cleanup(func() {
		config.OAuthConfig.TokenURL = original
		srv.Close()
	})
	return srv
}

func tokenOK(token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"` + token + `","expires_in":3600}`))
	}
}

func TestBrokerTokenCaches(t *testing.T) {
	var refreshes int32
	withTokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshes, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "rt-abc", r.Form.Get("refresh_token"))
		tokenOK("ya29.fresh")(w, r)
	})

	broker := NewBroker(config.DefaultConfig())
	acct := &account.Account{Email: "a@example.com", RefreshToken: "rt-abc"}

	for i := 0; i < 3; i++ {
		token, err := broker.Token(context.Background(), acct)
		require.NoError(t, err)
		assert.Equal(t, "ya29.fresh", token)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshes))
}

func TestBrokerCompositeRefreshSeedsProject(t *testing.T) {
	withTokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		// Only the token segment goes to the endpoint.
		assert.Equal(t, "rt-abc", r.Form.Get("refresh_token"))
		tokenOK("ya29.fresh")(w, r)
	})

	broker := NewBroker(config.DefaultConfig())
	acct := &account.Account{Email: "a@example.com", RefreshToken: "rt-abc|proj-123|managed-456"}

	token, err := broker.Token(context.Background(), acct)
	require.NoError(t, err)
	require.Equal(t, "ya29.fresh", token)

	// The managed project from the composite token wins without any
	// discovery round trip.
	assert.Equal(t, "managed-456", broker.ProjectID(context.Background(), acct, token))
}

func TestBrokerTokenRejectedIsAuthError(t *testing.T) {
	withTokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	})

	broker := NewBroker(config.DefaultConfig())
	acct := &account.Account{Email: "a@example.com", RefreshToken: "rt-revoked"}

	_, err := broker.Token(context.Background(), acct)
	require.Error(t, err)
	assert.True(t, gwerrors.IsAuthError(err))
	assert.False(t, gwerrors.IsAuthNetworkError(err))
}

func TestBrokerTokenServerErrorIsRetryable(t *testing.T) {
	withTokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	broker := NewBroker(config.DefaultConfig())
	acct := &account.Account{Email: "a@example.com", RefreshToken: "rt-abc"}

	_, err := broker.Token(context.Background(), acct)
	require.Error(t, err)
	assert.True(t, gwerrors.IsAuthNetworkError(err))
}

func TestBrokerTokenUnreachableEndpoint(t *testing.T) {
	srv := withTokenEndpoint(t, tokenOK("never"))
	srv.Close()

	broker := NewBroker(config.DefaultConfig())
	acct := &account.Account{Email: "a@example.com", RefreshToken: "rt-abc"}

	_, err := broker.Token(context.Background(), acct)
	require.Error(t, err)
	assert.True(t, gwerrors.IsAuthNetworkError(err))
}

func TestBrokerInvalidateForcesRefresh(t *testing.T) {
	var refreshes int32
	withTokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshes, 1)
		tokenOK("ya29.fresh")(w, r)
	})

	broker := NewBroker(config.DefaultConfig())
	acct := &account.Account{Email: "a@example.com", RefreshToken: "rt-abc"}

	_, err := broker.Token(context.Background(), acct)
	require.NoError(t, err)

	broker.Invalidate(acct.Email)

	_, err = broker.Token(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&refreshes))
}

func TestBrokerTokenMissingRefreshToken(t *testing.T) {
	broker := NewBroker(config.DefaultConfig())

	_, err := broker.Token(context.Background(), &account.Account{Email: "a@example.com"})
	require.Error(t, err)
	assert.True(t, gwerrors.IsAuthError(err))

	_, err = broker.Token(context.Background(), nil)
	require.Error(t, err)
}

func TestBrokerProjectIDAccountFieldWins(t *testing.T) {
	broker := NewBroker(config.DefaultConfig())

	acct := &account.Account{Email: "a@example.com", ProjectID: "proj-explicit"}
	assert.Equal(t, "proj-explicit", broker.ProjectID(context.Background(), acct, ""))

	acct = &account.Account{Email: "b@example.com", ProjectID: "proj-a", ManagedProjectID: "proj-managed"}
	assert.Equal(t, "proj-managed", broker.ProjectID(context.Background(), acct, ""))
}

func TestParseRefreshParts(t *testing.T) {
	parts := ParseRefreshParts("rt|proj|managed")
	assert.Equal(t, "rt", parts.RefreshToken)
	assert.Equal(t, "proj", parts.ProjectID)
	assert.Equal(t, "managed", parts.ManagedProjectID)

	parts = ParseRefreshParts("rt-only")
	assert.Equal(t, "rt-only", parts.RefreshToken)
	assert.Empty(t, parts.ProjectID)

	assert.Equal(t, "rt|proj", FormatRefreshParts(RefreshParts{RefreshToken: "rt", ProjectID: "proj"}))
	assert.Equal(t, "rt|proj|m", FormatRefreshParts(RefreshParts{RefreshToken: "rt", ProjectID: "proj", ManagedProjectID: "m"}))
}
