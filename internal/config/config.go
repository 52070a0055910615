// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from a config.yaml file in the working directory (or
// the path given in GATEWAY_CONFIG) plus environment variables; env vars take
// precedence over the YAML file. A .env file is loaded into the process
// environment first when present.
//
// Provider API keys are never placed in the YAML file itself — each HTTP
// provider names the environment variable that carries its key
// (api_key_env), and the value is read from the environment on each call.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/ccbridge/gateway/internal/model"
)

// Config is the top-level configuration container.
type Config struct {
	// Listen is the host:port the HTTP/WS server binds. Default: ":8080".
	Listen string `mapstructure:"listen"`

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`

	Providers []Provider `mapstructure:"providers"`

	Retry     Retry     `mapstructure:"retry"`
	Cache     Cache     `mapstructure:"cache"`
	RateLimit RateLimit `mapstructure:"rate_limit"`
	Health    Health    `mapstructure:"health"`
	Queue     Queue     `mapstructure:"queue"`
	Storage   Storage   `mapstructure:"storage"`
	Workers   Workers   `mapstructure:"workers"`
}

// Provider describes one upstream provider. Providers are data: adding a
// provider adds a row here, never a new code path.
type Provider struct {
	Name        string `mapstructure:"name"`
	BackendType string `mapstructure:"backend_type"` // http_api | cli | terminal
	Enabled     bool   `mapstructure:"enabled"`
	Priority    int    `mapstructure:"priority"`

	TimeoutS  int    `mapstructure:"timeout_s"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`

	// Concurrency caps simultaneous in-flight requests to this provider.
	// 0 means the default of 2.
	Concurrency int `mapstructure:"concurrency"`

	FallbackChain []string `mapstructure:"fallback_chain"`

	// CostPer1K is the blended USD cost per 1000 tokens, used for cost samples.
	CostPer1K float64 `mapstructure:"cost_per_1k"`

	// CacheTTLS overrides the cache default TTL for this provider. 0 = default.
	CacheTTLS int `mapstructure:"cache_ttl_s"`

	// ── HTTP backend fields ──────────────────────────────────────────────────
	APIBaseURL   string            `mapstructure:"api_base_url"`
	APIKeyEnv    string            `mapstructure:"api_key_env"`
	Dialect      string            `mapstructure:"dialect"` // anthropic | openai | gemini
	ExtraHeaders map[string]string `mapstructure:"extra_headers"`

	// ── CLI backend fields ───────────────────────────────────────────────────
	Command        string            `mapstructure:"command"`
	ArgsTemplate   []string          `mapstructure:"args_template"`
	Env            map[string]string `mapstructure:"env"`
	AuthIndicators []string          `mapstructure:"auth_indicators"`

	// ── Terminal backend fields ──────────────────────────────────────────────
	PaneID           string `mapstructure:"pane_id"`
	PromptPrefix     string `mapstructure:"prompt_prefix"`
	CompletionMarker string `mapstructure:"completion_marker"`
}

// Timeout returns the per-provider deadline as a duration.
func (p *Provider) Timeout() time.Duration {
	if p.TimeoutS <= 0 {
		return 300 * time.Second
	}
	return time.Duration(p.TimeoutS) * time.Second
}

// ConcurrencyCap returns the effective concurrency limit.
func (p *Provider) ConcurrencyCap() int {
	if p.Concurrency <= 0 {
		return 2
	}
	return p.Concurrency
}

// CacheTTL returns the provider TTL override, or fallback when unset.
func (p *Provider) CacheTTL(fallback time.Duration) time.Duration {
	if p.CacheTTLS <= 0 {
		return fallback
	}
	return time.Duration(p.CacheTTLS) * time.Second
}

// Retry controls the retry/backoff executor.
type Retry struct {
	Enabled       bool  `mapstructure:"enabled"`
	MaxAttempts   int   `mapstructure:"max_attempts"`
	BaseBackoffMs int   `mapstructure:"base_backoff_ms"`
	Jitter        bool  `mapstructure:"jitter"`
	RetryStatuses []int `mapstructure:"retryable_statuses"`
}

// BaseBackoff returns the first-attempt backoff as a duration.
func (r *Retry) BaseBackoff() time.Duration {
	if r.BaseBackoffMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(r.BaseBackoffMs) * time.Millisecond
}

// Cache controls the fingerprint response cache.
type Cache struct {
	Enabled     bool  `mapstructure:"enabled"`
	DefaultTTLS int   `mapstructure:"default_ttl_s"`
	MaxEntries  int   `mapstructure:"max_entries"`
	MaxBytes    int64 `mapstructure:"max_bytes"`
}

// DefaultTTL returns the configured default TTL.
func (c *Cache) DefaultTTL() time.Duration {
	if c.DefaultTTLS <= 0 {
		return time.Hour
	}
	return time.Duration(c.DefaultTTLS) * time.Second
}

// RateLimit controls the token-bucket limiters.
type RateLimit struct {
	// DefaultRPM applies to api keys without an explicit per-minute limit.
	// 0 disables per-key limiting.
	DefaultRPM int `mapstructure:"default_rpm"`
	Burst      int `mapstructure:"burst"`
	// GlobalRPM caps total intake across all keys. 0 disables.
	GlobalRPM int `mapstructure:"global_rpm"`
}

// Health controls the background provider prober.
type Health struct {
	IntervalS         int     `mapstructure:"interval_s"`
	Window            int     `mapstructure:"window"`
	SuccessThreshold  float64 `mapstructure:"success_threshold"`
	DownAfterFailures int     `mapstructure:"down_after_failures"`
}

// Interval returns the probe interval.
func (h *Health) Interval() time.Duration {
	if h.IntervalS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(h.IntervalS) * time.Second
}

// Queue controls the priority queue.
type Queue struct {
	MaxDepth  int `mapstructure:"max_depth"`
	SkipAhead int `mapstructure:"skip_ahead"`
}

// Storage locates the embedded state database.
type Storage struct {
	Path string `mapstructure:"path"`
}

// Workers controls the dispatch pool.
type Workers struct {
	// Count is the number of dispatch workers. Default: 4.
	Count int `mapstructure:"count"`
	// CancelGraceS is how long a backend gets to unwind after cancellation
	// before it is force-terminated. Default: 2.
	CancelGraceS int `mapstructure:"cancel_grace_s"`
}

// CancelGrace returns the cancellation grace window.
func (w *Workers) CancelGrace() time.Duration {
	if w.CancelGraceS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(w.CancelGraceS) * time.Second
}

// Load reads configuration from config.yaml (or $GATEWAY_CONFIG) and the
// environment.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")

	if path := os.Getenv("GATEWAY_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		_ = v.ReadInConfig()
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Parse builds a Config from raw YAML bytes. Used by tests and embedded runs.
func Parse(raw []byte) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("log_level", "info")

	v.SetDefault("retry.enabled", true)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_backoff_ms", 500)
	v.SetDefault("retry.jitter", true)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.default_ttl_s", 3600)
	v.SetDefault("cache.max_entries", 1000)

	v.SetDefault("rate_limit.default_rpm", 0)
	v.SetDefault("rate_limit.burst", 10)
	v.SetDefault("rate_limit.global_rpm", 0)

	v.SetDefault("health.interval_s", 30)
	v.SetDefault("health.window", 10)
	v.SetDefault("health.success_threshold", 0.7)
	v.SetDefault("health.down_after_failures", 3)

	v.SetDefault("queue.max_depth", 1000)
	v.SetDefault("queue.skip_ahead", 8)

	v.SetDefault("storage.path", "gateway.db")

	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.cancel_grace_s", 2)
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: retry.max_attempts must be ≥ 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Queue.MaxDepth < 1 {
		return fmt.Errorf("config: queue.max_depth must be ≥ 1, got %d", c.Queue.MaxDepth)
	}
	if c.Queue.SkipAhead < 0 {
		return fmt.Errorf("config: queue.skip_ahead must be ≥ 0, got %d", c.Queue.SkipAhead)
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("config: workers.count must be ≥ 1, got %d", c.Workers.Count)
	}
	if c.Health.SuccessThreshold <= 0 || c.Health.SuccessThreshold > 1 {
		return fmt.Errorf("config: health.success_threshold must be in (0, 1], got %g", c.Health.SuccessThreshold)
	}
	if c.Storage.Path == "" {
		return errors.New("config: storage.path is required")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "" {
			return fmt.Errorf("config: providers[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true

		if !model.BackendType(p.BackendType).Valid() {
			return fmt.Errorf("config: provider %q: invalid backend_type %q; must be one of: http_api, cli, terminal",
				p.Name, p.BackendType)
		}

		switch model.BackendType(p.BackendType) {
		case model.BackendHTTP:
			if p.APIBaseURL == "" {
				return fmt.Errorf("config: provider %q: api_base_url is required for http_api", p.Name)
			}
			switch p.Dialect {
			case "anthropic", "openai", "gemini":
			default:
				return fmt.Errorf("config: provider %q: invalid dialect %q; must be one of: anthropic, openai, gemini",
					p.Name, p.Dialect)
			}
		case model.BackendCLI:
			if p.Command == "" {
				return fmt.Errorf("config: provider %q: command is required for cli", p.Name)
			}
		case model.BackendTerminal:
			if p.PaneID == "" {
				return fmt.Errorf("config: provider %q: pane_id is required for terminal", p.Name)
			}
			if p.CompletionMarker == "" {
				return fmt.Errorf("config: provider %q: completion_marker is required for terminal", p.Name)
			}
		}

		for _, fb := range p.FallbackChain {
			if fb == p.Name {
				return fmt.Errorf("config: provider %q: fallback_chain must not contain the provider itself", p.Name)
			}
		}
	}

	// Fallback targets must exist.
	for i := range c.Providers {
		for _, fb := range c.Providers[i].FallbackChain {
			if !seen[fb] {
				return fmt.Errorf("config: provider %q: unknown fallback provider %q", c.Providers[i].Name, fb)
			}
		}
	}

	return nil
}

// ProviderByName returns the descriptor for name, or nil.
func (c *Config) ProviderByName(name string) *Provider {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i]
		}
	}
	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
