package pricing

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

// PostgresStore persists the catalog in Postgres.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, provider, model string) (*ModelPrice, error) {
	var p ModelPrice
	err := s.db.QueryRow(ctx, `
		SELECT provider, model, input_price, output_price, context_length, active, updated_at
		FROM model_prices
		WHERE provider = $1 AND model = $2 AND active`,
		provider, model,
	).Scan(&p.Provider, &p.Model, &p.InputPrice, &p.OutputPrice, &p.ContextLength, &p.Active, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get model price: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) ListByProvider(ctx context.Context, provider string) ([]*ModelPrice, error) {
	rows, err := s.db.Query(ctx, `
		SELECT provider, model, input_price, output_price, context_length, active, updated_at
		FROM model_prices
		WHERE provider = $1 AND active
		ORDER BY model`, provider)
	if err != nil {
		return nil, fmt.Errorf("query model prices: %w", err)
	}
	defer rows.Close()

	var out []*ModelPrice
	for rows.Next() {
		var p ModelPrice
		if err := rows.Scan(&p.Provider, &p.Model, &p.InputPrice, &p.OutputPrice,
			&p.ContextLength, &p.Active, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan model price: %w", err)
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate model prices: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, provider string, prices []*ModelPrice) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE model_prices SET active = false WHERE provider = $1`, provider); err != nil {
		return fmt.Errorf("deactivate catalog: %w", err)
	}
	for _, p := range prices {
		_, err := s.db.Exec(ctx, `
			INSERT INTO model_prices (provider, model, input_price, output_price, context_length, active, updated_at)
			VALUES ($1, $2, $3, $4, $5, true, now())
			ON CONFLICT (provider, model) DO UPDATE
			SET input_price = EXCLUDED.input_price,
			    output_price = EXCLUDED.output_price,
			    context_length = EXCLUDED.context_length,
			    active = true,
			    updated_at = now()`,
			provider, p.Model, p.InputPrice, p.OutputPrice, p.ContextLength)
		if err != nil {
			return fmt.Errorf("upsert model price %s/%s: %w", provider, p.Model, err)
		}
	}
	return nil
}
