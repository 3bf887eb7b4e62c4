package pricing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const refreshTimeout = 30 * time.Second

// CatalogFunc fetches one provider's current catalog.
type CatalogFunc func(ctx context.Context, provider string) ([]*ModelPrice, error)

// Refresher periodically re-pulls provider catalogs into the store.
type Refresher struct {
	store     Store
	providers []string
	fetch     CatalogFunc
	interval  time.Duration
	log       *slog.Logger
	baseCtx   context.Context

	done chan struct{}
	wg   sync.WaitGroup
}

// NewRefresher creates a Refresher, runs one synchronous refresh so the
// catalog is never empty at startup, then starts the loop.
func NewRefresher(ctx context.Context, store Store, providers []string, fetch CatalogFunc, interval time.Duration, log *slog.Logger) *Refresher {
	if interval <= 0 {
		interval = time.Hour
	}
	r := &Refresher{
		store:     store,
		providers: providers,
		fetch:     fetch,
		interval:  interval,
		log:       log,
		baseCtx:   ctx,
		done:      make(chan struct{}),
	}
	r.refresh()
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

	for _, provider := range r.providers {
		prices, err := r.fetch(ctx, provider)
		if err != nil {
			r.log.Warn("catalog refresh: fetch", "provider", provider, "error", err)
			continue
		}
		if len(prices) == 0 {
			continue
		}
		if err := r.store.Upsert(ctx, provider, prices); err != nil {
			r.log.Warn("catalog refresh: upsert", "provider", provider, "error", err)
		}
	}
}
