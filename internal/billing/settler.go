package billing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/BingoWon/Keyaos-sub000/internal/chat"
	"github.com/BingoWon/Keyaos-sub000/internal/credential"
	"github.com/BingoWon/Keyaos-sub000/internal/pricing"
)

// Record carries everything the settler needs about one completed call.
type Record struct {
	RequestID  string
	ConsumerID string
	Credential *credential.Credential
	Provider   string
	Model      string
	Usage      chat.Usage
	Price      *pricing.ModelPrice
}

// Settler runs post-call settlement: exactly one ledger row per billed call,
// wallet mutations in platform mode, quota deduction, and the credential
// success update.
type Settler struct {
	wallets WalletStore
	ledger  LedgerStore
	creds   credential.Store

	// platformMode enables wallet debits/credits. Off, the ledger still
	// records usage but no money moves.
	platformMode bool

	log *slog.Logger
}

func NewSettler(wallets WalletStore, ledger LedgerStore, creds credential.Store, platformMode bool, log *slog.Logger) *Settler {
	return &Settler{
		wallets:      wallets,
		ledger:       ledger,
		creds:        creds,
		platformMode: platformMode,
		log:          log,
	}
}

// Process settles one completed call. The ledger write happens first and
// exactly once; wallet failures are logged, never retried into a second row.
func (s *Settler) Process(ctx context.Context, rec Record) error {
	base := BaseCost(rec.Usage, rec.Price)
	st := Settle(rec.ConsumerID, rec.Credential.OwnerID, base)

	entry := &LedgerEntry{
		RequestID:       rec.RequestID,
		ConsumerID:      rec.ConsumerID,
		CredentialID:    rec.Credential.ID,
		OwnerID:         rec.Credential.OwnerID,
		Provider:        rec.Provider,
		Model:           rec.Model,
		InputTokens:     rec.Usage.InputTokens,
		OutputTokens:    rec.Usage.OutputTokens,
		BaseCost:        st.BaseCost,
		ConsumerCharged: st.ConsumerCharged,
		ProviderEarned:  st.ProviderEarned,
		PlatformFee:     st.PlatformFee,
	}
	if err := s.ledger.Insert(ctx, entry); err != nil {
		return err
	}

	if s.platformMode && st.ConsumerCharged > 0 {
		if err := s.wallets.Debit(ctx, rec.ConsumerID, st.ConsumerCharged); err != nil {
			if errors.Is(err, ErrInsufficientCredits) {
				// Pre-dispatch gating checks balance > 0, not the final
				// amount, so a long response can overrun. The ledger row
				// stands; the shortfall is visible in reconciliation.
				s.log.Warn("settlement debit short",
					"request_id", rec.RequestID,
					"consumer_id", rec.ConsumerID,
					"amount", st.ConsumerCharged)
			} else {
				s.log.Error("settlement debit", "request_id", rec.RequestID, "error", err)
			}
		}
		if err := s.wallets.Credit(ctx, rec.Credential.OwnerID, st.ProviderEarned); err != nil {
			s.log.Error("settlement credit", "request_id", rec.RequestID, "error", err)
		}
	}

	if !rec.Credential.Subscription() && base > 0 {
		if err := s.creds.DeductQuota(ctx, rec.Credential.ID, base); err != nil {
			s.log.Error("quota deduction", "credential_id", rec.Credential.ID, "error", err)
		}
	}
	if err := s.creds.ReportSuccess(ctx, rec.Credential.ID); err != nil {
		s.log.Error("report success", "credential_id", rec.Credential.ID, "error", err)
	}
	return nil
}
