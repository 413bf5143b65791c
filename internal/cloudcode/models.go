package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/skalene/antigravity-gateway/internal/config"
	"github.com/skalene/antigravity-gateway/internal/utils"
	"github.com/skalene/antigravity-gateway/pkg/anthropic"
)

// modelCacheTTL bounds how often the catalog is refetched for validation.
const modelCacheTTL = 5 * time.Minute

var modelCache = struct {
	sync.RWMutex
	validModels map[string]bool
	lastFetched time.Time
}{
	validModels: make(map[string]bool),
}

// ModelInfo is the per-model entry from fetchAvailableModels
type ModelInfo struct {
	DisplayName string     `json:"displayName,omitempty"`
	QuotaInfo   *QuotaInfo `json:"quotaInfo,omitempty"`
}

// QuotaInfo carries remaining quota for a model
type QuotaInfo struct {
	RemainingFraction *float64 `json:"remainingFraction,omitempty"`
	ResetTime         *string  `json:"resetTime,omitempty"`
}

// FetchModelsResponse is the fetchAvailableModels response body
type FetchModelsResponse struct {
	Models map[string]*ModelInfo `json:"models,omitempty"`
}

func isSupportedModel(modelID string) bool {
	family := config.GetModelFamily(modelID)
	return family == config.ModelFamilyClaude || family == config.ModelFamilyGemini
}

// ListModels returns the model catalog in list form for the /v1/models
// endpoints, and warms the validation cache.
func ListModels(ctx context.Context, token string) (*anthropic.ModelsResponse, error) {
	data, err := FetchAvailableModels(ctx, token, "")
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	modelList := make([]anthropic.Model, 0)

	if data != nil {
		for modelID := range data.Models {
			if !isSupportedModel(modelID) {
				continue
			}
			ownedBy := "google"
			if config.GetModelFamily(modelID) == config.ModelFamilyClaude {
				ownedBy = "anthropic"
			}
			modelList = append(modelList, anthropic.Model{
				ID:      modelID,
				Object:  "model",
				Created: now,
				OwnedBy: ownedBy,
			})
		}
	}

	modelCache.Lock()
	modelCache.validModels = make(map[string]bool, len(modelList))
	for _, m := range modelList {
		modelCache.validModels[m.ID] = true
	}
	modelCache.lastFetched = time.Now()
	modelCache.Unlock()

	return &anthropic.ModelsResponse{
		Object: "list",
		Data:   modelList,
	}, nil
}

// FetchAvailableModels fetches the model catalog with quota info, trying
// each endpoint in fallback order.
func FetchAvailableModels(ctx context.Context, token, projectID string) (*FetchModelsResponse, error) {
	body := make(map[string]string)
	if projectID != "" {
		body["project"] = projectID
	}
	bodyBytes, _ := json.Marshal(body)

	client := &http.Client{Timeout: 30 * time.Second}

	for _, endpoint := range config.AntigravityEndpointFallbacks {
		req, err := http.NewRequestWithContext(ctx, "POST",
			endpoint+"/v1internal:fetchAvailableModels", bytes.NewReader(bodyBytes))
		if err != nil {
			continue
		}
		for k, v := range BuildHeaders(token, "", "") {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			utils.Warn("[CloudCode] fetchAvailableModels failed at %s: %v", endpoint, err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			utils.Warn("[CloudCode] fetchAvailableModels error at %s: %d", endpoint, resp.StatusCode)
			continue
		}

		var data FetchModelsResponse
		err = json.NewDecoder(resp.Body).Decode(&data)
		resp.Body.Close()
		if err != nil {
			utils.Warn("[CloudCode] fetchAvailableModels decode error at %s: %v", endpoint, err)
			continue
		}

		return &data, nil
	}

	return nil, fmt.Errorf("failed to fetch available models from all endpoints")
}

// GetModelQuotas returns per-model quota state for an account. A model
// reporting a reset time without a remaining fraction is exhausted.
func GetModelQuotas(ctx context.Context, token, projectID string) (map[string]*QuotaInfo, error) {
	data, err := FetchAvailableModels(ctx, token, projectID)
	if err != nil {
		return nil, err
	}

	quotas := make(map[string]*QuotaInfo)
	if data == nil {
		return quotas, nil
	}

	for modelID, info := range data.Models {
		if !isSupportedModel(modelID) || info == nil || info.QuotaInfo == nil {
			continue
		}

		quota := &QuotaInfo{
			RemainingFraction: info.QuotaInfo.RemainingFraction,
			ResetTime:         info.QuotaInfo.ResetTime,
		}
		if quota.RemainingFraction == nil && quota.ResetTime != nil {
			quota.RemainingFraction = utils.Ptr(0.0)
		}
		quotas[modelID] = quota
	}

	return quotas, nil
}

// IsValidModel validates a model ID against the cached catalog. An empty
// cache fails open so the upstream does the final validation.
func IsValidModel(ctx context.Context, modelID, token string) bool {
	modelCache.RLock()
	fresh := len(modelCache.validModels) > 0 && time.Since(modelCache.lastFetched) < modelCacheTTL
	modelCache.RUnlock()

	if !fresh {
		if _, err := ListModels(ctx, token); err != nil {
			return true
		}
	}

	modelCache.RLock()
	defer modelCache.RUnlock()
	if len(modelCache.validModels) == 0 {
		return true
	}
	return modelCache.validModels[modelID]
}
