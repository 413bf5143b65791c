// Package auth resolves account credentials: OAuth token refresh, project
// discovery, and the local Antigravity database as a token source.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/skalene/antigravity-gateway/internal/config"
	gwerrors "github.com/skalene/antigravity-gateway/internal/errors"
	"github.com/skalene/antigravity-gateway/internal/utils"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// RefreshParts holds the components of a composite refresh token.
// Format: refreshToken|projectId|managedProjectId
type RefreshParts struct {
	RefreshToken     string
	ProjectID        string
	ManagedProjectID string
}

// ParseRefreshParts splits a composite refresh token string
func ParseRefreshParts(refresh string) RefreshParts {
	parts := strings.Split(refresh, "|")
	result := RefreshParts{}

	if len(parts) > 0 {
		result.RefreshToken = parts[0]
	}
	if len(parts) > 1 && parts[1] != "" {
		result.ProjectID = parts[1]
	}
	if len(parts) > 2 && parts[2] != "" {
		result.ManagedProjectID = parts[2]
	}

	return result
}

// FormatRefreshParts joins refresh token parts back into the composite form
func FormatRefreshParts(parts RefreshParts) string {
	base := fmt.Sprintf("%s|%s", parts.RefreshToken, parts.ProjectID)
	if parts.ManagedProjectID != "" {
		return fmt.Sprintf("%s|%s", base, parts.ManagedProjectID)
	}
	return base
}

// RefreshResult is the outcome of a token refresh
type RefreshResult struct {
	AccessToken string
	ExpiresIn   int
}

// RefreshAccessToken exchanges a refresh token for an access token.
// Composite refresh tokens are accepted; only the first segment is sent.
// Network failures and 5xx map to a retryable auth error so the account
// is not invalidated for transient upstream problems.
func RefreshAccessToken(ctx context.Context, email, compositeRefresh string) (*RefreshResult, error) {
	parts := ParseRefreshParts(compositeRefresh)

	data := url.Values{
		"client_id":     {config.OAuthConfig.ClientID},
		"client_secret": {config.OAuthConfig.ClientSecret},
		"refresh_token": {parts.RefreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, "POST", config.OAuthConfig.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, gwerrors.NewAuthNetworkError(fmt.Sprintf("token refresh request failed: %v", err), email)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gwerrors.NewAuthNetworkError(fmt.Sprintf("token refresh read failed: %v", err), email)
	}

	if resp.StatusCode >= 500 {
		return nil, gwerrors.NewAuthNetworkError(
			fmt.Sprintf("token endpoint returned %d", resp.StatusCode), email)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, gwerrors.NewAuthError(
			fmt.Sprintf("token refresh failed (%d): %s", resp.StatusCode, string(body)), email, "refresh_rejected")
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, gwerrors.NewAuthError(
			fmt.Sprintf("malformed token response: %v", err), email, "malformed_response")
	}
	if result.AccessToken == "" {
		return nil, gwerrors.NewAuthError("no access token in refresh response", email, "empty_token")
	}

	return &RefreshResult{
		AccessToken: result.AccessToken,
		ExpiresIn:   result.ExpiresIn,
	}, nil
}

// GetUserEmail fetches the email for an access token
func GetUserEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", config.OAuthConfig.UserInfoURL, nil)
	if err != nil {
		return "", fmt.Errorf("create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read userinfo response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		utils.Error("[Auth] userinfo failed: %d %s", resp.StatusCode, string(body))
		return "", fmt.Errorf("userinfo returned %d", resp.StatusCode)
	}

	var userInfo struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &userInfo); err != nil {
		return "", fmt.Errorf("parse userinfo: %w", err)
	}

	return userInfo.Email, nil
}

// DiscoverProjectID finds the Cloud Code project for an access token via
// loadCodeAssist. Returns "" when no endpoint yields a project.
func DiscoverProjectID(ctx context.Context, accessToken string) string {
	for _, endpoint := range config.LoadCodeAssistEndpoints {
		projectID, err := tryDiscoverProject(ctx, accessToken, endpoint)
		if err != nil {
			utils.Warn("[Auth] Project discovery failed at %s: %v", endpoint, err)
			continue
		}
		if projectID != "" {
			return projectID
		}
	}
	return ""
}

// tryDiscoverProject queries loadCodeAssist at one endpoint. The
// cloudaicompanionProject field arrives as either a string or an {id} object.
func tryDiscoverProject(ctx context.Context, accessToken, endpoint string) (string, error) {
	reqBody, err := json.Marshal(map[string]interface{}{
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/v1internal:loadCodeAssist", strings.NewReader(string(reqBody)))
	if err != nil {
		return "", err
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range config.AntigravityHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("loadCodeAssist returned %d", resp.StatusCode)
	}

	var data struct {
		CloudAICompanionProject json.RawMessage `json:"cloudaicompanionProject"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", err
	}

	return parseCompanionProject(data.CloudAICompanionProject), nil
}

func parseCompanionProject(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var projectID string
	if err := json.Unmarshal(raw, &projectID); err == nil {
		return projectID
	}

	var projectObj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &projectObj); err == nil {
		return projectObj.ID
	}

	return ""
}
