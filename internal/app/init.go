package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BingoWon/Keyaos-sub000/internal/adapters"
	"github.com/BingoWon/Keyaos-sub000/internal/adapters/anthropicapi"
	"github.com/BingoWon/Keyaos-sub000/internal/adapters/codeassist"
	"github.com/BingoWon/Keyaos-sub000/internal/adapters/kiro"
	"github.com/BingoWon/Keyaos-sub000/internal/adapters/passthrough"
	"github.com/BingoWon/Keyaos-sub000/internal/billing"
	"github.com/BingoWon/Keyaos-sub000/internal/credential"
	"github.com/BingoWon/Keyaos-sub000/internal/dispatch"
	"github.com/BingoWon/Keyaos-sub000/internal/gateway"
	"github.com/BingoWon/Keyaos-sub000/internal/logger"
	"github.com/BingoWon/Keyaos-sub000/internal/metrics"
	"github.com/BingoWon/Keyaos-sub000/internal/pricing"
	"github.com/BingoWon/Keyaos-sub000/internal/ratelimit"
)

// initInfra establishes optional external connections. Everything here is
// optional: missing Postgres means in-memory stores, missing Redis disables
// rate limiting, missing ClickHouse routes usage events to slog.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.DatabaseURL != "" {
		a.log.Info("connecting to postgres", slog.String("url", redactURL(a.cfg.DatabaseURL)))
		pool, err := connectPostgres(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.pool = pool
		a.log.Info("postgres connected")
	}

	if a.cfg.RedisURL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.RedisURL)))
		rdb, err := connectRedis(ctx, a.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.ClickHouseDSN != "" {
		a.log.Info("connecting to clickhouse", slog.String("dsn", redactURL(a.cfg.ClickHouseDSN)))
		sink, err := logger.NewClickHouseSink(ctx, a.cfg.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chSink = sink
		a.log.Info("clickhouse connected")
	}

	var sink logger.Sink
	if a.chSink != nil {
		sink = a.chSink
	}
	usageLogger, err := logger.New(a.baseCtx, sink, a.log)
	if err != nil {
		return fmt.Errorf("usage logger: %w", err)
	}
	a.usageLogger = usageLogger

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initStores selects Postgres-backed or in-memory persistence.
func (a *App) initStores(_ context.Context) error {
	if a.pool != nil {
		a.creds = credential.NewPostgresStore(a.pool)
		a.prices = pricing.NewPostgresStore(a.pool)
		a.wallets = billing.NewPostgresWalletStore(a.pool)
		a.ledger = billing.NewPostgresLedgerStore(a.pool)
		a.log.Info("stores: postgres")
		return nil
	}

	a.creds = credential.NewMemoryStore()
	a.prices = pricing.NewMemoryStore()
	a.wallets = billing.NewMemoryWalletStore()
	a.ledger = billing.NewMemoryLedgerStore()
	a.log.Warn("stores: in-memory (no DATABASE_URL set, nothing survives a restart)")
	return nil
}

// initAdapters builds the upstream adapter registry from config. Secrets
// live in the credential store; this only wires endpoints and OAuth app
// identity.
func (a *App) initAdapters(_ context.Context) error {
	var list []adapters.Adapter

	if a.cfg.Providers.OpenRouter.Enabled {
		list = append(list, passthrough.New("openrouter", a.cfg.Providers.OpenRouter.BaseURL))
	}

	if a.cfg.Providers.Anthropic.Enabled {
		var opts []anthropicapi.Option
		if a.cfg.Providers.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicapi.WithBaseURL(a.cfg.Providers.Anthropic.BaseURL))
		}
		if a.cfg.Providers.Anthropic.ServiceKey != "" {
			opts = append(opts, anthropicapi.WithAPIKey(a.cfg.Providers.Anthropic.ServiceKey))
		}
		list = append(list, anthropicapi.New("anthropic", opts...))
	}

	if ca := a.cfg.Providers.CodeAssist; ca.ClientID != "" {
		list = append(list, codeassist.New("gemini", ca.ClientID, ca.ClientSecret))
	}

	if k := a.cfg.Providers.Kiro; k.TokenURL != "" {
		list = append(list, kiro.New("kiro", k.TokenURL, k.Endpoints))
	}

	if len(list) == 0 {
		return fmt.Errorf("no upstream adapters configured")
	}

	a.registry = adapters.NewRegistry(list...)
	a.log.Info("adapters loaded", slog.Any("providers", a.registry.IDs()))
	return nil
}

// initPipeline wires the dispatcher, the settler, and the background
// refreshers that keep catalogs and quotas current.
func (a *App) initPipeline(_ context.Context) error {
	a.dispatcher = dispatch.New(a.registry, a.creds, a.prices, a.log).WithMetrics(a.prom)
	a.settler = billing.NewSettler(a.wallets, a.ledger, a.creds, a.cfg.PlatformMode, a.log)

	a.priceRefresher = pricing.NewRefresher(
		a.baseCtx, a.prices, a.registry.IDs(),
		func(ctx context.Context, provider string) ([]*pricing.ModelPrice, error) {
			adapter, ok := a.registry.Get(provider)
			if !ok {
				return nil, fmt.Errorf("unknown provider %q", provider)
			}
			return adapter.Catalog(ctx)
		},
		a.cfg.Refresh.PriceInterval, a.log,
	)

	a.quotaRefresher = credential.NewRefresher(
		a.baseCtx, a.creds,
		func(ctx context.Context, c *credential.Credential) (float64, bool, error) {
			adapter, ok := a.registry.Get(c.Provider)
			if !ok {
				return 0, false, fmt.Errorf("unknown provider %q", c.Provider)
			}
			return adapter.RemainingBalance(ctx, c.Secret)
		},
		a.cfg.Refresh.QuotaInterval, a.log,
		credential.WithCensus(a.registry.IDs(), a.prom.SetCredentialStatus),
	)

	return nil
}

// initGateway assembles the HTTP surface on top of the pipeline.
func (a *App) initGateway(_ context.Context) error {
	tenants := make(map[string]*gateway.Tenant, len(a.cfg.TenantTokens))
	for token, tenantID := range a.cfg.TenantTokens {
		tenants[token] = &gateway.Tenant{ID: tenantID}
	}

	opts := gateway.Options{
		Logger:          a.log,
		Metrics:         a.prom,
		Usage:           a.usageLogger,
		Wallets:         a.wallets,
		PlatformMode:    a.cfg.PlatformMode,
		UpstreamTimeout: a.cfg.UpstreamTimeout,
		CORSOrigins:     a.cfg.CORSOrigins,
		Version:         a.version,
	}

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		opts.Limiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	a.srv = gateway.New(
		a.baseCtx,
		a.dispatcher,
		a.settler,
		gateway.NewStaticResolver(tenants),
		a.prices,
		a.registry,
		opts,
	)
	return nil
}
