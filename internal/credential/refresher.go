package credential

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const refreshTimeout = 15 * time.Second

// BalanceFunc fetches the remaining upstream balance for one credential.
// ok is false when the credential's provider cannot report a balance.
type BalanceFunc func(ctx context.Context, c *Credential) (balance float64, ok bool, err error)

// CensusFunc receives the per-provider count of credentials in each health
// state after every refresh cycle.
type CensusFunc func(provider string, counts map[string]int)

// Refresher periodically re-fetches remaining balances for auto-quota
// credentials so ranking reflects the provider's view rather than local
// arithmetic drift.
type Refresher struct {
	store    Store
	fetch    BalanceFunc
	interval time.Duration
	log      *slog.Logger
	baseCtx  context.Context

	censusProviders []string
	census          CensusFunc

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Refresher before its loop starts.
type Option func(*Refresher)

// WithCensus reports the health-state census for the given providers after
// each refresh cycle.
func WithCensus(providers []string, fn CensusFunc) Option {
	return func(r *Refresher) {
		r.censusProviders = providers
		r.census = fn
	}
}

// NewRefresher creates a Refresher and immediately starts its loop.
func NewRefresher(ctx context.Context, store Store, fetch BalanceFunc, interval time.Duration, log *slog.Logger, opts ...Option) *Refresher {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	r := &Refresher{
		store:    store,
		fetch:    fetch,
		interval: interval,
		log:      log,
		baseCtx:  ctx,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Close stops the refresh loop.
func (r *Refresher) Close() {
	close(r.done)
	r.wg.Wait()
}

func (r *Refresher) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.refresh()
		case <-r.done:
			return
		}
	}
}

func (r *Refresher) refresh() {
	ctx, cancel := context.WithTimeout(r.baseCtx, refreshTimeout)
	defer cancel()

	creds, err := r.store.ListByQuotaSource(ctx, QuotaAuto)
	if err != nil {
		r.log.Warn("quota refresh: list credentials", "error", err)
		return
	}
	for _, c := range creds {
		balance, ok, err := r.fetch(ctx, c)
		if err != nil {
			r.log.Warn("quota refresh: fetch balance",
				"credential_id", c.ID, "provider", c.Provider, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if err := r.store.SetQuota(ctx, c.ID, balance); err != nil {
			r.log.Warn("quota refresh: set quota", "credential_id", c.ID, "error", err)
		}
	}
	r.reportCensus(ctx)
}

// reportCensus counts credentials per health state for every census provider.
// Zero counts are reported too so a recovered fleet clears stale gauges.
func (r *Refresher) reportCensus(ctx context.Context) {
	if r.census == nil {
		return
	}
	for _, provider := range r.censusProviders {
		creds, err := r.store.ListByProvider(ctx, provider)
		if err != nil {
			r.log.Warn("quota refresh: census", "provider", provider, "error", err)
			continue
		}
		counts := map[string]int{
			StatusOK:       0,
			StatusDegraded: 0,
			StatusCooldown: 0,
			StatusDead:     0,
		}
		for _, c := range creds {
			counts[c.Status]++
		}
		r.census(provider, counts)
	}
}
