// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// The gateway degrades gracefully when infrastructure is absent:
// DATABASE_URL empty runs in-memory stores (single node, nothing survives a
// restart), REDIS_URL empty disables rate limiting, CLICKHOUSE_DSN empty
// writes usage events to the structured log instead.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// DatabaseURL is the Postgres connection string backing credentials,
	// prices, wallets, and the ledger. Empty runs everything in memory.
	DatabaseURL string

	// RedisURL backs the per-tenant rate limiter. Empty disables rate limiting.
	RedisURL string

	// ClickHouseDSN backs the usage-event sink. Empty logs events via slog.
	ClickHouseDSN string

	// TenantTokens maps inbound API tokens to tenant ids. Entries have the
	// form "token:tenant-id"; at least one is required.
	TenantTokens map[string]string

	// PlatformMode enables wallet debits/credits and the pre-dispatch credit
	// gate. Off, the ledger still records usage but no money moves.
	PlatformMode bool

	// RateLimit controls per-tenant request-rate limiting.
	RateLimit RateLimitConfig

	// Providers configures the upstream adapter set.
	Providers ProvidersConfig

	// Refresh controls the background catalog and quota refreshers.
	Refresh RefreshConfig

	// UpstreamTimeout bounds non-streaming upstream calls. Default: 30s.
	UpstreamTimeout time.Duration

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed per tenant.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// ProvidersConfig holds per-adapter settings. Secrets live in the credential
// store, not here; this only covers endpoints and OAuth app identity.
type ProvidersConfig struct {
	// OpenRouter is the OpenAI-compatible passthrough upstream.
	OpenRouter PassthroughConfig

	// Anthropic is the native Anthropic Messages upstream.
	Anthropic AnthropicConfig

	// CodeAssist is the Google code-assist upstream (OAuth refresh tokens).
	CodeAssist CodeAssistConfig

	// Kiro is the binary event-stream upstream (OAuth refresh tokens).
	Kiro KiroConfig
}

// PassthroughConfig configures one OpenAI-compatible upstream.
type PassthroughConfig struct {
	// Enabled registers the adapter. Default: true.
	Enabled bool
	// BaseURL overrides the default API endpoint. Useful for local mocks.
	BaseURL string
}

// AnthropicConfig configures the native Anthropic upstream.
type AnthropicConfig struct {
	// Enabled registers the adapter. Default: true.
	Enabled bool
	// BaseURL overrides the default API endpoint.
	BaseURL string
	// ServiceKey is the platform-level key used for catalog refreshes.
	// Per-call auth always comes from the dispatched credential.
	ServiceKey string
}

// CodeAssistConfig configures the Google code-assist upstream. The adapter is
// registered only when ClientID is set.
type CodeAssistConfig struct {
	// ClientID and ClientSecret identify the OAuth app used to exchange
	// stored refresh tokens for access tokens.
	ClientID     string
	ClientSecret string
}

// KiroConfig configures the event-stream upstream. The adapter is registered
// only when TokenURL is set.
type KiroConfig struct {
	// TokenURL is the OAuth token refresh endpoint.
	TokenURL string
	// Endpoints are the regional API endpoints tried in order.
	Endpoints []string
}

// RefreshConfig controls the background refresh loops.
type RefreshConfig struct {
	// PriceInterval is how often provider catalogs are re-pulled. Default: 1h.
	PriceInterval time.Duration
	// QuotaInterval is how often auto-quota balances are re-fetched.
	// Default: 10m.
	QuotaInterval time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PLATFORM_MODE", false)
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("UPSTREAM_TIMEOUT", "30s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// Adapters.
	v.SetDefault("OPENROUTER_ENABLED", true)
	v.SetDefault("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1")
	v.SetDefault("ANTHROPIC_ENABLED", true)

	// Refreshers.
	v.SetDefault("PRICE_REFRESH_INTERVAL", "1h")
	v.SetDefault("QUOTA_REFRESH_INTERVAL", "10m")

	// ── Build config ──────────────────────────────────────────────────────────
	tokens, err := parseTenantTokens(v.GetStringSlice("TENANT_TOKENS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		DatabaseURL:   v.GetString("DATABASE_URL"),
		RedisURL:      v.GetString("REDIS_URL"),
		ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),

		TenantTokens: tokens,
		PlatformMode: v.GetBool("PLATFORM_MODE"),

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		Providers: ProvidersConfig{
			OpenRouter: PassthroughConfig{
				Enabled: v.GetBool("OPENROUTER_ENABLED"),
				BaseURL: v.GetString("OPENROUTER_BASE_URL"),
			},
			Anthropic: AnthropicConfig{
				Enabled:    v.GetBool("ANTHROPIC_ENABLED"),
				BaseURL:    v.GetString("ANTHROPIC_BASE_URL"),
				ServiceKey: v.GetString("ANTHROPIC_SERVICE_KEY"),
			},
			CodeAssist: CodeAssistConfig{
				ClientID:     v.GetString("CODEASSIST_CLIENT_ID"),
				ClientSecret: v.GetString("CODEASSIST_CLIENT_SECRET"),
			},
			Kiro: KiroConfig{
				TokenURL:  v.GetString("KIRO_TOKEN_URL"),
				Endpoints: v.GetStringSlice("KIRO_ENDPOINTS"),
			},
		},

		Refresh: RefreshConfig{
			PriceInterval: v.GetDuration("PRICE_REFRESH_INTERVAL"),
			QuotaInterval: v.GetDuration("QUOTA_REFRESH_INTERVAL"),
		},

		UpstreamTimeout: v.GetDuration("UPSTREAM_TIMEOUT"),
		CORSOrigins:     v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if len(c.TenantTokens) == 0 {
		return fmt.Errorf(
			"config: TENANT_TOKENS is required; " +
				"set at least one \"token:tenant-id\" entry so clients can authenticate",
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}
	if c.RateLimit.RPMLimit > 0 && c.RedisURL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT > 0")
	}

	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("config: UPSTREAM_TIMEOUT must be a positive duration")
	}

	if !c.AtLeastOneProvider() {
		return fmt.Errorf(
			"config: no upstream adapters configured; enable OPENROUTER_ENABLED or " +
				"ANTHROPIC_ENABLED, or set CODEASSIST_CLIENT_ID or KIRO_TOKEN_URL",
		)
	}

	if c.Providers.CodeAssist.ClientID != "" && c.Providers.CodeAssist.ClientSecret == "" {
		return fmt.Errorf("config: CODEASSIST_CLIENT_SECRET is required when CODEASSIST_CLIENT_ID is set")
	}
	if c.Providers.Kiro.TokenURL != "" && len(c.Providers.Kiro.Endpoints) == 0 {
		return fmt.Errorf("config: KIRO_ENDPOINTS is required when KIRO_TOKEN_URL is set")
	}

	return nil
}

// AtLeastOneProvider reports whether any upstream adapter will be registered.
func (c *Config) AtLeastOneProvider() bool {
	return c.Providers.OpenRouter.Enabled ||
		c.Providers.Anthropic.Enabled ||
		c.Providers.CodeAssist.ClientID != "" ||
		c.Providers.Kiro.TokenURL != ""
}

// parseTenantTokens splits "token:tenant-id" entries into a lookup map.
func parseTenantTokens(entries []string) (map[string]string, error) {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		token, tenant, ok := strings.Cut(strings.TrimSpace(e), ":")
		if !ok || token == "" || tenant == "" {
			return nil, fmt.Errorf("config: malformed TENANT_TOKENS entry %q; want \"token:tenant-id\"", e)
		}
		if _, dup := out[token]; dup {
			return nil, fmt.Errorf("config: duplicate token in TENANT_TOKENS")
		}
		out[token] = tenant
	}
	return out, nil
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
