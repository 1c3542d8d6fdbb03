package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

type Config struct {
	Limits     LimitsConfig     `json:"limits"`
	Supervisor SupervisorConfig `json:"supervisor"`
	Proxy      ProxyConfig      `json:"proxy"`
	API        APIConfig        `json:"api"`
	Storage    StorageConfig    `json:"storage"`
	Metrics    MetricsConfig    `json:"metrics"`
	Logging    LoggingConfig    `json:"logging"`

	mu       sync.RWMutex
	filePath string
}

type LimitsConfig struct {
	MaxDurationSeconds int  `json:"max_duration_seconds"`
	MaxThreads         int  `json:"max_threads"`
	MaxConcurrentTests int  `json:"max_concurrent_tests"`
	AllowPrivateRanges bool `json:"allow_private_ranges"`
}

type SupervisorConfig struct {
	MergeIntervalMs     int `json:"merge_interval_ms"`
	StartupGraceSeconds int `json:"startup_grace_seconds"`
	StopGraceSeconds    int `json:"stop_grace_seconds"`
	AttemptTimeoutMs    int `json:"attempt_timeout_ms"`
	DialBackoffMs       int `json:"dial_backoff_ms"`
}

type ProxyConfig struct {
	Enabled                bool     `json:"enabled"`
	Sources                []Source `json:"sources"`
	FailureThreshold       int      `json:"failure_threshold"`
	ReplenishCooldownSec   int      `json:"replenish_cooldown_seconds"`
	FetchTimeoutSeconds    int      `json:"fetch_timeout_seconds"`
	ExhaustionPolicy       string   `json:"exhaustion_policy"` // "direct" or "fail"
	UserAgent              string   `json:"user_agent"`
	MinPoolSizePerProtocol int      `json:"min_pool_size_per_protocol"`
}

type Source struct {
	URL      string `json:"url"`
	Protocol string `json:"protocol"` // "http", "socks4", "socks5"
	Enabled  bool   `json:"enabled"`
}

type APIConfig struct {
	Addr               string `json:"addr"`
	APIKeyEnv          string `json:"api_key_env"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute"`
	EnableAPIKeyAuth   bool   `json:"enable_api_key_auth"`
	EnableIPRateLimit  bool   `json:"enable_ip_rate_limit"`
}

type StorageConfig struct {
	Type                   string `json:"type"` // "file", "sqlite", "redis"
	Path                   string `json:"path"`
	PersistIntervalSeconds int    `json:"persist_interval_seconds"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Endpoint  string `json:"endpoint"`
	Namespace string `json:"namespace"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

var (
	globalConfig *Config
	configMu     sync.RWMutex
)

// Load reads configuration from JSON file
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config JSON: %w", err)
	}

	cfg.filePath = filePath
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	globalConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

// ApplyDefaults fills unset fields with defaults
func (c *Config) ApplyDefaults() {
	if c.Limits.MaxDurationSeconds == 0 {
		c.Limits.MaxDurationSeconds = 300
	}
	if c.Limits.MaxThreads == 0 {
		c.Limits.MaxThreads = 1000
	}
	if c.Limits.MaxConcurrentTests == 0 {
		c.Limits.MaxConcurrentTests = 5
	}
	if c.Supervisor.MergeIntervalMs == 0 {
		c.Supervisor.MergeIntervalMs = 1000
	}
	if c.Supervisor.StartupGraceSeconds == 0 {
		c.Supervisor.StartupGraceSeconds = 10
	}
	if c.Supervisor.StopGraceSeconds == 0 {
		c.Supervisor.StopGraceSeconds = 5
	}
	if c.Supervisor.AttemptTimeoutMs == 0 {
		c.Supervisor.AttemptTimeoutMs = 15000
	}
	if c.Supervisor.DialBackoffMs == 0 {
		c.Supervisor.DialBackoffMs = 100
	}
	if c.Proxy.FailureThreshold == 0 {
		c.Proxy.FailureThreshold = 3
	}
	if c.Proxy.ReplenishCooldownSec == 0 {
		c.Proxy.ReplenishCooldownSec = 60
	}
	if c.Proxy.FetchTimeoutSeconds == 0 {
		c.Proxy.FetchTimeoutSeconds = 30
	}
	if c.Proxy.ExhaustionPolicy == "" {
		c.Proxy.ExhaustionPolicy = "direct"
	}
	if c.Proxy.MinPoolSizePerProtocol == 0 {
		c.Proxy.MinPoolSizePerProtocol = 10
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
	if c.API.RateLimitPerMinute == 0 {
		c.API.RateLimitPerMinute = 600
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "file"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "/data/tests.json"
	}
	if c.Storage.PersistIntervalSeconds == 0 {
		c.Storage.PersistIntervalSeconds = 300
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "orchestrator"
	}
	if c.Metrics.Endpoint == "" {
		c.Metrics.Endpoint = "/metrics"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Reload reloads configuration from file
func (c *Config) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	newCfg, err := Load(c.filePath)
	if err != nil {
		return err
	}

	c.Limits = newCfg.Limits
	c.Supervisor = newCfg.Supervisor
	c.Proxy = newCfg.Proxy
	c.API = newCfg.API
	c.Storage = newCfg.Storage
	c.Metrics = newCfg.Metrics
	c.Logging = newCfg.Logging
	return nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Limits.MaxDurationSeconds < 1 || c.Limits.MaxDurationSeconds > 86400 {
		return fmt.Errorf("max_duration_seconds must be between 1 and 86400")
	}
	if c.Limits.MaxThreads < 1 || c.Limits.MaxThreads > 100000 {
		return fmt.Errorf("max_threads must be between 1 and 100000")
	}
	if c.Limits.MaxConcurrentTests < 1 {
		return fmt.Errorf("max_concurrent_tests must be at least 1")
	}
	if c.Proxy.ExhaustionPolicy != "direct" && c.Proxy.ExhaustionPolicy != "fail" {
		return fmt.Errorf("exhaustion_policy must be 'direct' or 'fail'")
	}
	if c.Supervisor.AttemptTimeoutMs < 100 || c.Supervisor.AttemptTimeoutMs > 300000 {
		return fmt.Errorf("attempt_timeout_ms must be between 100 and 300000")
	}
	if c.Storage.Type != "file" && c.Storage.Type != "sqlite" && c.Storage.Type != "redis" {
		return fmt.Errorf("storage type must be 'file', 'sqlite', or 'redis'")
	}
	return nil
}

// GetGlobal returns global config instance
func GetGlobal() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
