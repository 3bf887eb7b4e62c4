// Package billing implements settlement arithmetic, wallets, and the usage
// ledger. Settlement splits each billed call between the consuming tenant
// and the credential's owner, with the platform keeping the spread.
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/BingoWon/Keyaos-sub000/internal/chat"
	"github.com/BingoWon/Keyaos-sub000/internal/pricing"
)

// FeeRate is the platform fee rate r: consumers pay base×(1+r), owners earn
// base×(1−r).
const FeeRate = 0.02

// ErrInsufficientCredits reports a conditional debit that found too little
// balance.
var ErrInsufficientCredits = errors.New("billing: insufficient credits")

// Settlement is the fee split for one billed call.
type Settlement struct {
	BaseCost        float64
	ConsumerCharged float64
	ProviderEarned  float64
	PlatformFee     float64
}

// Settle computes the split. Self-use (consumer owns the credential) settles
// to zero across the board.
func Settle(consumerID, ownerID string, baseCost float64) Settlement {
	if consumerID == ownerID {
		return Settlement{}
	}
	s := Settlement{
		BaseCost:        baseCost,
		ConsumerCharged: baseCost * (1 + FeeRate),
		ProviderEarned:  baseCost * (1 - FeeRate),
	}
	s.PlatformFee = s.ConsumerCharged - s.ProviderEarned
	return s
}

// BaseCost prefers the upstream-reported cost and falls back to list-price
// arithmetic over the token counts.
func BaseCost(usage chat.Usage, price *pricing.ModelPrice) float64 {
	if usage.Cost > 0 {
		return usage.Cost
	}
	if price == nil {
		return 0
	}
	return price.Cost(usage.InputTokens, usage.OutputTokens)
}

// Wallet is one tenant's balance.
type Wallet struct {
	OwnerID string
	Balance float64

	// PaymentCustomerRef links to the external payment processor.
	PaymentCustomerRef string
}

// WalletStore is the wallet persistence contract. Debit must be atomic and
// conditional so concurrent requests cannot drive a balance negative.
type WalletStore interface {
	// Get returns the wallet, creating an empty one on first sight.
	Get(ctx context.Context, ownerID string) (*Wallet, error)

	// Debit subtracts amount only when the balance covers it, otherwise
	// ErrInsufficientCredits.
	Debit(ctx context.Context, ownerID string, amount float64) error

	// Credit adds amount unconditionally.
	Credit(ctx context.Context, ownerID string, amount float64) error
}

// LedgerEntry is one append-only usage record.
type LedgerEntry struct {
	ID           int64
	RequestID    string
	ConsumerID   string
	CredentialID string
	OwnerID      string
	Provider     string
	Model        string

	InputTokens  int
	OutputTokens int

	BaseCost        float64
	ConsumerCharged float64
	ProviderEarned  float64
	PlatformFee     float64

	CreatedAt time.Time
}

// LedgerStore appends usage records.
type LedgerStore interface {
	Insert(ctx context.Context, e *LedgerEntry) error
}
