// Package dispatch ranks (credential, adapter, model) candidates by
// effective cost and drives sequential failover across them. Failover is
// sequential rather than parallel: fanning a request out would double-bill
// and double-report side effects.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/BingoWon/Keyaos-sub000/internal/adapters"
	"github.com/BingoWon/Keyaos-sub000/internal/chat"
	"github.com/BingoWon/Keyaos-sub000/internal/credential"
	"github.com/BingoWon/Keyaos-sub000/internal/pricing"
)

// ErrNoProviderAvailable is returned when every candidate failed or none
// existed to begin with.
var ErrNoProviderAvailable = errors.New("dispatch: no provider available")

// Candidate is one dispatchable (credential, adapter, price) tuple.
type Candidate struct {
	Credential *credential.Credential
	Adapter    adapters.Adapter
	Price      *pricing.ModelPrice

	// EffectiveCost = input list price × credential multiplier; the ranking
	// proxy. Output price is billed per call, not ranked on.
	EffectiveCost float64
}

// Result is a successful dispatch: the upstream response plus the candidate
// that served it, for headers, billing, and the deferred health update.
type Result struct {
	Response  *adapters.Response
	Candidate Candidate
	Attempts  int
}

// AttemptMetrics receives one event per failed upstream attempt.
type AttemptMetrics interface {
	RecordDispatchFailure(provider string)
}

// Dispatcher resolves candidates and runs the failover loop.
type Dispatcher struct {
	registry *adapters.Registry
	creds    credential.Store
	prices   pricing.Store
	log      *slog.Logger
	metrics  AttemptMetrics
	now      func() time.Time
}

func New(registry *adapters.Registry, creds credential.Store, prices pricing.Store, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		creds:    creds,
		prices:   prices,
		log:      log,
		now:      time.Now,
	}
}

// WithMetrics attaches a per-attempt failure recorder.
func (d *Dispatcher) WithMetrics(m AttemptMetrics) *Dispatcher {
	d.metrics = m
	return d
}

// Candidates resolves and ranks the dispatch list for a model. A
// "provider/model" id pins one provider; a bare id fans across every
// registered provider that prices it. allow, when non-empty, restricts the
// provider set.
func (d *Dispatcher) Candidates(ctx context.Context, model string, allow []string) ([]Candidate, error) {
	providerIDs := d.registry.IDs()
	if provider, _, ok := strings.Cut(model, "/"); ok {
		if _, registered := d.registry.Get(provider); registered {
			providerIDs = []string{provider}
		}
	}
	if len(allow) > 0 {
		providerIDs = intersect(providerIDs, allow)
	}

	now := d.now()
	var out []Candidate
	for _, id := range providerIDs {
		adapter, _ := d.registry.Get(id)
		bare := adapters.BareModel(id, model)

		price, err := d.prices.Get(ctx, id, bare)
		if errors.Is(err, pricing.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		creds, err := d.creds.ListByProvider(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, c := range creds {
			if !c.Eligible(now) {
				continue
			}
			out = append(out, Candidate{
				Credential:    c,
				Adapter:       adapter,
				Price:         price,
				EffectiveCost: price.InputPrice * c.Multiplier,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out, nil
}

// less orders candidates: cheaper first; on equal cost, ok health before
// degraded/cooldown; then larger remaining quota first, with subscription
// (null-quota) credentials last among the tie.
func less(a, b Candidate) bool {
	if a.EffectiveCost != b.EffectiveCost {
		return a.EffectiveCost < b.EffectiveCost
	}
	ah, bh := a.Credential.Status == credential.StatusOK, b.Credential.Status == credential.StatusOK
	if ah != bh {
		return ah
	}
	aq, bq := a.Credential.Quota, b.Credential.Quota
	switch {
	case aq == nil && bq == nil:
		return false
	case aq == nil:
		return false
	case bq == nil:
		return true
	default:
		return *aq > *bq
	}
}

// Dispatch runs the failover loop: each candidate is attempted in order,
// every failed attempt reports exactly one health update, and the first
// success wins. Exhausting the list yields ErrNoProviderAvailable.
func (d *Dispatcher) Dispatch(ctx context.Context, req *chat.Request, surface chat.Dialect, allow []string) (*Result, error) {
	candidates, err := d.Candidates(ctx, req.Model, allow)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoProviderAvailable
	}

	for i, cand := range candidates {
		resp, err := cand.Adapter.Forward(ctx, cand.Credential, req, surface)
		if err == nil {
			return &Result{Response: resp, Candidate: cand, Attempts: i + 1}, nil
		}

		status := 0
		var sc adapters.StatusCoder
		if errors.As(err, &sc) {
			status = sc.HTTPStatus()
		}
		d.log.Warn("dispatch attempt failed",
			"provider", cand.Adapter.ID(),
			"credential_id", cand.Credential.ID,
			"upstream_status", status,
			"error", err,
		)
		if d.metrics != nil {
			d.metrics.RecordDispatchFailure(cand.Adapter.ID())
		}
		if rerr := d.creds.ReportFailure(ctx, cand.Credential.ID, status); rerr != nil {
			d.log.Error("report failure", "credential_id", cand.Credential.ID, "error", rerr)
		}
	}
	return nil, ErrNoProviderAvailable
}

func intersect(ids, allow []string) []string {
	allowed := make(map[string]bool, len(allow))
	for _, a := range allow {
		allowed[a] = true
	}
	var out []string
	for _, id := range ids {
		if allowed[id] {
			out = append(out, id)
		}
	}
	return out
}
