package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Config represents the runtime configuration. Every tunable is seeded from
// the package constants and can be overridden by the config file and then by
// environment variables.
type Config struct {
	mu sync.RWMutex

	// API access
	APIKey string `json:"apiKey"`

	// Logging and debugging
	Debug   bool `json:"debug"`
	DevMode bool `json:"devMode"`

	// Retry configuration
	MaxRetries        int   `json:"maxRetries"`
	FirstRetryDelayMs int64 `json:"firstRetryDelayMs"`

	// Cooldown configuration
	DefaultCooldownMs    int64 `json:"defaultCooldownMs"`
	MaxWaitBeforeErrorMs int64 `json:"maxWaitBeforeErrorMs"`

	// Token handling
	TokenRefreshIntervalMs int64 `json:"tokenRefreshIntervalMs"`

	// Thinking signatures
	MinSignatureLength int    `json:"minSignatureLength"`
	SkipSignature      string `json:"skipSignature"`

	// Gemini limits
	GeminiMaxOutputTokens int `json:"geminiMaxOutputTokens"`

	// Upstream endpoints (in fallback order) and project fallback
	Endpoints        []string `json:"endpoints"`
	DefaultProjectID string   `json:"defaultProjectId"`

	// Account pool
	AccountsPath string `json:"accountsPath"`
	MaxAccounts  int    `json:"maxAccounts"`

	// Model mapping (for hiding/aliasing models)
	ModelMapping map[string]string `json:"modelMapping"`

	// Server configuration
	Port int    `json:"port"`
	Host string `json:"host"`

	// Fallback configuration
	FallbackEnabled bool `json:"fallbackEnabled"`
}

// DefaultConfig returns a new Config with default values
func DefaultConfig() *Config {
	return &Config{
		APIKey:                 "",
		Debug:                  false,
		DevMode:                false,
		MaxRetries:             MaxRetries,
		FirstRetryDelayMs:      FirstRetryDelayMs,
		DefaultCooldownMs:      DefaultCooldownMs,
		MaxWaitBeforeErrorMs:   MaxWaitBeforeErrorMs,
		TokenRefreshIntervalMs: TokenRefreshIntervalMs,
		MinSignatureLength:     MinSignatureLength,
		SkipSignature:          GeminiSkipSignature,
		GeminiMaxOutputTokens:  GeminiMaxOutputTokens,
		Endpoints:              append([]string{}, AntigravityEndpointFallbacks...),
		DefaultProjectID:       DefaultProjectID,
		AccountsPath:           AccountConfigPath,
		MaxAccounts:            MaxAccounts,
		ModelMapping:           make(map[string]string),
		Port:                   DefaultPort,
		Host:                   "0.0.0.0",
		FallbackEnabled:        false,
	}
}

// Load loads configuration from file and environment
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if RuntimeConfigPath != "" {
		if _, err := os.Stat(RuntimeConfigPath); err == nil {
			if err := c.loadFromFile(RuntimeConfigPath); err != nil {
				return err
			}
		} else {
			// Fallback to local config.json
			localConfig := filepath.Join(".", "config.json")
			if _, err := os.Stat(localConfig); err == nil {
				if err := c.loadFromFile(localConfig); err != nil {
					return err
				}
			}
		}
	}

	c.loadFromEnv()

	if c.Debug && !c.DevMode {
		c.DevMode = true
	}
	if len(c.Endpoints) == 0 {
		c.Endpoints = append([]string{}, AntigravityEndpointFallbacks...)
	}

	return nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, c)
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKey = v
	}
	if os.Getenv("DEBUG") == "true" {
		c.Debug = true
	}
	if os.Getenv("DEV_MODE") == "true" {
		c.DevMode = true
	}
	if os.Getenv("FALLBACK") == "true" {
		c.FallbackEnabled = true
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("ACCOUNTS_PATH"); v != "" {
		c.AccountsPath = v
	}
	if v := os.Getenv("DEFAULT_PROJECT_ID"); v != "" {
		c.DefaultProjectID = v
	}
}

// Save writes the current configuration to disk
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(RuntimeConfigPath), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(RuntimeConfigPath, data, 0600)
}

// MapModel resolves a caller-supplied model through the configured mapping.
func (c *Config) MapModel(model string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if mapped, ok := c.ModelMapping[model]; ok && mapped != "" {
		return mapped
	}
	return model
}
