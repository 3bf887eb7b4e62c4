package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgx.Pool the store needs.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore persists credentials in Postgres. State transitions run as
// single conditional UPDATEs so concurrent dispatchers cannot race a
// credential into an undefined status.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const credentialColumns = `
	id, owner_id, provider, auth_kind, secret,
	quota, quota_source, multiplier, status, enabled,
	last_health_check, created_at`

func scanCredential(row pgx.Row) (*Credential, error) {
	var c Credential
	err := row.Scan(
		&c.ID, &c.OwnerID, &c.Provider, &c.AuthKind, &c.Secret,
		&c.Quota, &c.QuotaSource, &c.Multiplier, &c.Status, &c.Enabled,
		&c.LastHealthCheck, &c.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan credential: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Credential, error) {
	row := s.db.QueryRow(ctx,
		`SELECT`+credentialColumns+` FROM credentials WHERE id = $1`, id)
	return scanCredential(row)
}

func (s *PostgresStore) list(ctx context.Context, where string, args ...any) ([]*Credential, error) {
	rows, err := s.db.Query(ctx,
		`SELECT`+credentialColumns+` FROM credentials WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var creds []*Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return creds, nil
}

func (s *PostgresStore) ListByProvider(ctx context.Context, provider string) ([]*Credential, error) {
	return s.list(ctx, `provider = $1 AND enabled`, provider)
}

func (s *PostgresStore) ListByQuotaSource(ctx context.Context, source string) ([]*Credential, error) {
	return s.list(ctx, `quota_source = $1 AND enabled`, source)
}

// ReportSuccess restores a degraded or cooling credential to ok. Dead stays
// dead.
func (s *PostgresStore) ReportSuccess(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE credentials
		SET status = CASE WHEN status = 'dead' THEN 'dead' ELSE 'ok' END,
		    last_health_check = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("report success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReportFailure applies the failure transition in one statement; the CASE
// mirrors NextOnFailure.
func (s *PostgresStore) ReportFailure(ctx context.Context, id string, httpStatus int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE credentials
		SET status = CASE
		        WHEN quota IS NULL AND status = 'cooldown' THEN 'dead'
		        WHEN quota IS NULL THEN 'cooldown'
		        WHEN $2 IN (401, 402, 403) THEN 'dead'
		        ELSE 'degraded'
		    END,
		    last_health_check = now()
		WHERE id = $1`, id, httpStatus)
	if err != nil {
		return fmt.Errorf("report failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeductQuota subtracts amount, flooring at zero, and degrades the
// credential once exhausted. No-op for subscription credentials.
func (s *PostgresStore) DeductQuota(ctx context.Context, id string, amount float64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE credentials
		SET quota  = GREATEST(quota - $2, 0),
		    status = CASE WHEN quota - $2 <= 0 AND status != 'dead'
		                  THEN 'degraded' ELSE status END
		WHERE id = $1 AND quota IS NOT NULL`, id, amount)
	if err != nil {
		return fmt.Errorf("deduct quota: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetQuota(ctx context.Context, id string, quota float64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE credentials SET quota = $2 WHERE id = $1`, id, quota)
	if err != nil {
		return fmt.Errorf("set quota: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
