package dispatch

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/BingoWon/Keyaos-sub000/internal/adapters"
	"github.com/BingoWon/Keyaos-sub000/internal/chat"
	"github.com/BingoWon/Keyaos-sub000/internal/credential"
	"github.com/BingoWon/Keyaos-sub000/internal/pricing"
)

// funcAdapter lets each test script the upstream behavior.
type funcAdapter struct {
	id      string
	forward func(cred *credential.Credential) (*adapters.Response, error)
}

func (f *funcAdapter) ID() string       { return f.id }
func (f *funcAdapter) AuthKind() string { return credential.AuthAPIKey }
func (f *funcAdapter) NormalizeSecret(raw string) (string, error) {
	return raw, nil
}
func (f *funcAdapter) ValidateSecret(context.Context, string) (bool, error) {
	return true, nil
}
func (f *funcAdapter) RemainingBalance(context.Context, string) (float64, bool, error) {
	return 0, false, nil
}
func (f *funcAdapter) Catalog(context.Context) ([]*pricing.ModelPrice, error) {
	return nil, nil
}
func (f *funcAdapter) Forward(_ context.Context, cred *credential.Credential, _ *chat.Request, _ chat.Dialect) (*adapters.Response, error) {
	return f.forward(cred)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr(v float64) *float64 { return &v }

func okResponse() (*adapters.Response, error) {
	return &adapters.Response{
		StatusCode: 200,
		Body:       io.NopCloser(strings.NewReader("{}")),
	}, nil
}

func setup(t *testing.T) (*credential.MemoryStore, *pricing.MemoryStore) {
	t.Helper()
	creds := credential.NewMemoryStore()
	prices := pricing.NewMemoryStore()
	prices.Put(&pricing.ModelPrice{
		Provider: "openrouter", Model: "gpt-4o-mini",
		InputPrice: 0.15, OutputPrice: 0.6, ContextLength: 128_000, Active: true,
	})
	return creds, prices
}

func TestCandidatesRankByEffectiveCost(t *testing.T) {
	creds, prices := setup(t)
	creds.Put(&credential.Credential{ID: "cheap", Provider: "openrouter", Enabled: true, Multiplier: 0.5, Quota: ptr(10.0)})
	creds.Put(&credential.Credential{ID: "dear", Provider: "openrouter", Enabled: true, Multiplier: 0.7, Quota: ptr(100.0)})

	adapter := &funcAdapter{id: "openrouter"}
	d := New(adapters.NewRegistry(adapter), creds, prices, discard())

	got, err := d.Candidates(context.Background(), "openrouter/gpt-4o-mini", nil)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("candidates = %d, want 2", len(got))
	}
	if got[0].Credential.ID != "cheap" {
		t.Errorf("first candidate = %s, want the 0.5-multiplier one", got[0].Credential.ID)
	}
	if got[0].EffectiveCost != 0.15*0.5 {
		t.Errorf("effective cost = %v", got[0].EffectiveCost)
	}
}

func TestCandidatesTieBreaks(t *testing.T) {
	creds, prices := setup(t)
	// Same multiplier: health first, then quota descending, subscription last.
	creds.Put(&credential.Credential{ID: "degraded-big", Provider: "openrouter", Enabled: true, Multiplier: 0.5, Quota: ptr(500.0), Status: credential.StatusDegraded})
	creds.Put(&credential.Credential{ID: "ok-small", Provider: "openrouter", Enabled: true, Multiplier: 0.5, Quota: ptr(1.0)})
	creds.Put(&credential.Credential{ID: "ok-big", Provider: "openrouter", Enabled: true, Multiplier: 0.5, Quota: ptr(50.0)})
	creds.Put(&credential.Credential{ID: "sub", Provider: "openrouter", Enabled: true, Multiplier: 0.5})

	d := New(adapters.NewRegistry(&funcAdapter{id: "openrouter"}), creds, prices, discard())
	got, err := d.Candidates(context.Background(), "gpt-4o-mini", nil)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	var order []string
	for _, c := range got {
		order = append(order, c.Credential.ID)
	}
	want := []string{"ok-big", "ok-small", "sub", "degraded-big"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestCandidatesFiltering(t *testing.T) {
	creds, prices := setup(t)
	creds.Put(&credential.Credential{ID: "dead", Provider: "openrouter", Enabled: true, Multiplier: 0.1, Status: credential.StatusDead, Quota: ptr(10.0)})
	creds.Put(&credential.Credential{ID: "disabled", Provider: "openrouter", Enabled: false, Multiplier: 0.1, Quota: ptr(10.0)})
	creds.Put(&credential.Credential{ID: "live", Provider: "openrouter", Enabled: true, Multiplier: 0.9, Quota: ptr(10.0)})

	d := New(adapters.NewRegistry(&funcAdapter{id: "openrouter"}), creds, prices, discard())
	got, err := d.Candidates(context.Background(), "gpt-4o-mini", nil)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(got) != 1 || got[0].Credential.ID != "live" {
		t.Fatalf("candidates = %+v, want only the live one", got)
	}

	// Unpriced model yields no candidates.
	got, err = d.Candidates(context.Background(), "unknown-model", nil)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("unpriced model candidates = %d, want 0", len(got))
	}
}

func TestDispatchFailover(t *testing.T) {
	creds, prices := setup(t)
	creds.Put(&credential.Credential{ID: "first", Provider: "openrouter", Enabled: true, Multiplier: 0.5, Quota: ptr(10.0)})
	creds.Put(&credential.Credential{ID: "second", Provider: "openrouter", Enabled: true, Multiplier: 0.7, Quota: ptr(10.0)})

	adapter := &funcAdapter{
		id: "openrouter",
		forward: func(cred *credential.Credential) (*adapters.Response, error) {
			if cred.ID == "first" {
				return nil, &adapters.UpstreamError{Provider: "openrouter", StatusCode: 500, Message: "boom"}
			}
			return okResponse()
		},
	}
	d := New(adapters.NewRegistry(adapter), creds, prices, discard())

	res, err := d.Dispatch(context.Background(), &chat.Request{Model: "gpt-4o-mini"}, chat.DialectOpenAI, nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Candidate.Credential.ID != "second" || res.Attempts != 2 {
		t.Errorf("served by %s in %d attempts", res.Candidate.Credential.ID, res.Attempts)
	}

	// The failed attempt degraded the first credential, exactly once.
	c, _ := creds.Get(context.Background(), "first")
	if c.Status != credential.StatusDegraded {
		t.Errorf("failed credential status = %q, want degraded", c.Status)
	}
	c, _ = creds.Get(context.Background(), "second")
	if c.Status != credential.StatusOK {
		t.Errorf("winning credential status = %q, want untouched ok", c.Status)
	}
}

func TestDispatchExhaustion(t *testing.T) {
	creds, prices := setup(t)
	creds.Put(&credential.Credential{ID: "only", Provider: "openrouter", Enabled: true, Multiplier: 0.5, Quota: ptr(10.0)})

	adapter := &funcAdapter{
		id: "openrouter",
		forward: func(*credential.Credential) (*adapters.Response, error) {
			return nil, &adapters.UpstreamError{Provider: "openrouter", StatusCode: 401, Message: "bad key"}
		},
	}
	d := New(adapters.NewRegistry(adapter), creds, prices, discard())

	_, err := d.Dispatch(context.Background(), &chat.Request{Model: "gpt-4o-mini"}, chat.DialectOpenAI, nil)
	if err != ErrNoProviderAvailable {
		t.Fatalf("Dispatch error = %v, want ErrNoProviderAvailable", err)
	}

	// 401 on a metered credential is terminal.
	c, _ := creds.Get(context.Background(), "only")
	if c.Status != credential.StatusDead {
		t.Errorf("credential status = %q, want dead", c.Status)
	}
}

type recordingMetrics struct {
	failures []string
}

func (m *recordingMetrics) RecordDispatchFailure(provider string) {
	m.failures = append(m.failures, provider)
}

func TestDispatchFailureMetrics(t *testing.T) {
	creds, prices := setup(t)
	creds.Put(&credential.Credential{ID: "first", Provider: "openrouter", Enabled: true, Multiplier: 0.5, Quota: ptr(10.0)})
	creds.Put(&credential.Credential{ID: "second", Provider: "openrouter", Enabled: true, Multiplier: 0.7, Quota: ptr(10.0)})

	adapter := &funcAdapter{
		id: "openrouter",
		forward: func(cred *credential.Credential) (*adapters.Response, error) {
			if cred.ID == "first" {
				return nil, &adapters.UpstreamError{Provider: "openrouter", StatusCode: 500, Message: "boom"}
			}
			return okResponse()
		},
	}
	rec := &recordingMetrics{}
	d := New(adapters.NewRegistry(adapter), creds, prices, discard()).WithMetrics(rec)

	if _, err := d.Dispatch(context.Background(), &chat.Request{Model: "gpt-4o-mini"}, chat.DialectOpenAI, nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// One failed attempt before the winning one, recorded exactly once.
	if len(rec.failures) != 1 || rec.failures[0] != "openrouter" {
		t.Errorf("recorded failures = %v, want [openrouter]", rec.failures)
	}
}

func TestDispatchAllowList(t *testing.T) {
	creds, prices := setup(t)
	prices.Put(&pricing.ModelPrice{
		Provider: "other", Model: "gpt-4o-mini",
		InputPrice: 0.01, OutputPrice: 0.1, Active: true,
	})
	creds.Put(&credential.Credential{ID: "or", Provider: "openrouter", Enabled: true, Multiplier: 1, Quota: ptr(10.0)})
	creds.Put(&credential.Credential{ID: "ot", Provider: "other", Enabled: true, Multiplier: 1, Quota: ptr(10.0)})

	reg := adapters.NewRegistry(
		&funcAdapter{id: "openrouter", forward: func(*credential.Credential) (*adapters.Response, error) { return okResponse() }},
		&funcAdapter{id: "other", forward: func(*credential.Credential) (*adapters.Response, error) { return okResponse() }},
	)
	d := New(reg, creds, prices, discard())

	// Unrestricted: "other" wins on price.
	res, err := d.Dispatch(context.Background(), &chat.Request{Model: "gpt-4o-mini"}, chat.DialectOpenAI, nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Candidate.Adapter.ID() != "other" {
		t.Errorf("served by %s, want other", res.Candidate.Adapter.ID())
	}

	// Allow-list restricted to openrouter.
	res, err = d.Dispatch(context.Background(), &chat.Request{Model: "gpt-4o-mini"}, chat.DialectOpenAI, []string{"openrouter"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Candidate.Adapter.ID() != "openrouter" {
		t.Errorf("served by %s, want openrouter", res.Candidate.Adapter.ID())
	}
}
