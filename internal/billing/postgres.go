package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgx.Pool the stores need.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresWalletStore persists wallets in Postgres. Debits run as one
// conditional UPDATE so concurrency cannot overdraw a balance.
type PostgresWalletStore struct {
	db DB
}

func NewPostgresWalletStore(db DB) *PostgresWalletStore {
	return &PostgresWalletStore{db: db}
}

func (s *PostgresWalletStore) Get(ctx context.Context, ownerID string) (*Wallet, error) {
	var w Wallet
	err := s.db.QueryRow(ctx, `
		INSERT INTO wallets (owner_id, balance)
		VALUES ($1, 0)
		ON CONFLICT (owner_id) DO UPDATE SET owner_id = EXCLUDED.owner_id
		RETURNING owner_id, balance, COALESCE(payment_customer_ref, '')`,
		ownerID,
	).Scan(&w.OwnerID, &w.Balance, &w.PaymentCustomerRef)
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return &w, nil
}

func (s *PostgresWalletStore) Debit(ctx context.Context, ownerID string, amount float64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE wallets
		SET balance = balance - $2
		WHERE owner_id = $1 AND balance >= $2`,
		ownerID, amount)
	if err != nil {
		return fmt.Errorf("debit wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientCredits
	}
	return nil
}

func (s *PostgresWalletStore) Credit(ctx context.Context, ownerID string, amount float64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO wallets (owner_id, balance)
		VALUES ($1, $2)
		ON CONFLICT (owner_id) DO UPDATE SET balance = wallets.balance + EXCLUDED.balance`,
		ownerID, amount)
	if err != nil {
		return fmt.Errorf("credit wallet: %w", err)
	}
	return nil
}

// PostgresLedgerStore appends ledger rows.
type PostgresLedgerStore struct {
	db DB
}

func NewPostgresLedgerStore(db DB) *PostgresLedgerStore {
	return &PostgresLedgerStore{db: db}
}

func (s *PostgresLedgerStore) Insert(ctx context.Context, e *LedgerEntry) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO usage_ledger (
			request_id, consumer_id, credential_id, owner_id, provider, model,
			input_tokens, output_tokens,
			base_cost, consumer_charged, provider_earned, platform_fee
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at`,
		e.RequestID, e.ConsumerID, e.CredentialID, e.OwnerID, e.Provider, e.Model,
		e.InputTokens, e.OutputTokens,
		e.BaseCost, e.ConsumerCharged, e.ProviderEarned, e.PlatformFee,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("insert ledger entry: no row returned")
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}
