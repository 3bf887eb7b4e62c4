package billing

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/BingoWon/Keyaos-sub000/internal/chat"
	"github.com/BingoWon/Keyaos-sub000/internal/credential"
	"github.com/BingoWon/Keyaos-sub000/internal/pricing"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr(v float64) *float64 { return &v }

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestSettle(t *testing.T) {
	st := Settle("consumer", "owner", 1.0)
	if !approx(st.ConsumerCharged, 1.02) {
		t.Errorf("consumer charged = %v, want 1.02", st.ConsumerCharged)
	}
	if !approx(st.ProviderEarned, 0.98) {
		t.Errorf("provider earned = %v, want 0.98", st.ProviderEarned)
	}
	if !approx(st.PlatformFee, 0.04) {
		t.Errorf("platform fee = %v, want 0.04", st.PlatformFee)
	}
	if st.ConsumerCharged < st.BaseCost || st.BaseCost < st.ProviderEarned {
		t.Error("charged >= base >= earned violated")
	}

	// Self-use settles to zero.
	if st := Settle("same", "same", 1.0); st != (Settlement{}) {
		t.Errorf("self-use settlement = %+v, want zeros", st)
	}
}

func TestBaseCost(t *testing.T) {
	price := &pricing.ModelPrice{InputPrice: 3, OutputPrice: 15}

	// Upstream-reported cost wins.
	if got := BaseCost(chat.Usage{InputTokens: 100, OutputTokens: 100, Cost: 0.5}, price); got != 0.5 {
		t.Errorf("reported cost ignored: %v", got)
	}

	// Otherwise list-price arithmetic.
	got := BaseCost(chat.Usage{InputTokens: 1_000_000, OutputTokens: 100_000}, price)
	if !approx(got, 3.0+1.5) {
		t.Errorf("computed cost = %v, want 4.5", got)
	}

	if got := BaseCost(chat.Usage{InputTokens: 10}, nil); got != 0 {
		t.Errorf("nil price cost = %v, want 0", got)
	}
}

func TestMemoryWalletDebit(t *testing.T) {
	ctx := context.Background()
	w := NewMemoryWalletStore()

	w.Credit(ctx, "t1", 5)
	if err := w.Debit(ctx, "t1", 3); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if err := w.Debit(ctx, "t1", 3); err != ErrInsufficientCredits {
		t.Fatalf("overdraw error = %v, want ErrInsufficientCredits", err)
	}
	got, _ := w.Get(ctx, "t1")
	if got.Balance != 2 {
		t.Errorf("balance = %v, want 2", got.Balance)
	}

	// Lazy creation.
	fresh, err := w.Get(ctx, "new")
	if err != nil || fresh.Balance != 0 {
		t.Errorf("fresh wallet = %+v, %v", fresh, err)
	}
}

func settlerFixture(platformMode bool) (*Settler, *MemoryWalletStore, *MemoryLedgerStore, *credential.MemoryStore) {
	wallets := NewMemoryWalletStore()
	ledger := NewMemoryLedgerStore()
	creds := credential.NewMemoryStore()
	return NewSettler(wallets, ledger, creds, platformMode, discard()), wallets, ledger, creds
}

func TestSettlerProcess(t *testing.T) {
	ctx := context.Background()
	s, wallets, ledger, creds := settlerFixture(true)

	creds.Put(&credential.Credential{ID: "c1", OwnerID: "owner", Provider: "openrouter", Enabled: true, Quota: ptr(100.0)})
	wallets.Credit(ctx, "consumer", 10)

	cred, _ := creds.Get(ctx, "c1")
	rec := Record{
		RequestID:  "req-1",
		ConsumerID: "consumer",
		Credential: cred,
		Provider:   "openrouter",
		Model:      "gpt-4o-mini",
		Usage:      chat.Usage{InputTokens: 1_000_000, OutputTokens: 0},
		Price:      &pricing.ModelPrice{InputPrice: 1, OutputPrice: 2},
	}
	if err := s.Process(ctx, rec); err != nil {
		t.Fatalf("Process: %v", err)
	}

	entries := ledger.Entries()
	if len(entries) != 1 {
		t.Fatalf("ledger rows = %d, want exactly 1", len(entries))
	}
	e := entries[0]
	if e.CredentialID != "c1" || !approx(e.BaseCost, 1.0) || !approx(e.ConsumerCharged, 1.02) {
		t.Errorf("ledger entry = %+v", e)
	}

	cw, _ := wallets.Get(ctx, "consumer")
	if !approx(cw.Balance, 10-1.02) {
		t.Errorf("consumer balance = %v", cw.Balance)
	}
	ow, _ := wallets.Get(ctx, "owner")
	if !approx(ow.Balance, 0.98) {
		t.Errorf("owner balance = %v", ow.Balance)
	}

	// Quota deducted by base cost, success reported.
	cred, _ = creds.Get(ctx, "c1")
	if !approx(*cred.Quota, 99) {
		t.Errorf("quota = %v, want 99", *cred.Quota)
	}
	if cred.Status != credential.StatusOK {
		t.Errorf("status = %q", cred.Status)
	}
}

func TestSettlerSelfUse(t *testing.T) {
	ctx := context.Background()
	s, wallets, ledger, creds := settlerFixture(true)

	creds.Put(&credential.Credential{ID: "c1", OwnerID: "same", Provider: "openrouter", Enabled: true, Quota: ptr(100.0)})
	wallets.Credit(ctx, "same", 10)

	cred, _ := creds.Get(ctx, "c1")
	rec := Record{
		RequestID:  "req-2",
		ConsumerID: "same",
		Credential: cred,
		Provider:   "openrouter",
		Model:      "gpt-4o-mini",
		Usage:      chat.Usage{InputTokens: 1_000_000},
		Price:      &pricing.ModelPrice{InputPrice: 1},
	}
	if err := s.Process(ctx, rec); err != nil {
		t.Fatalf("Process: %v", err)
	}

	entries := ledger.Entries()
	if len(entries) != 1 {
		t.Fatalf("ledger rows = %d", len(entries))
	}
	e := entries[0]
	if e.BaseCost != 0 || e.ConsumerCharged != 0 || e.ProviderEarned != 0 {
		t.Errorf("self-use settlement fields nonzero: %+v", e)
	}

	// Wallet untouched.
	w, _ := wallets.Get(ctx, "same")
	if w.Balance != 10 {
		t.Errorf("balance = %v, want 10", w.Balance)
	}
}
