// Package pricing holds the model price catalog: per-million-token list
// prices and context lengths, keyed by (provider, model). The pipeline reads
// it for ranking and billing; only the catalog refresher writes it.
package pricing

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports that no active price exists for (provider, model).
var ErrNotFound = errors.New("pricing: model price not found")

// ModelPrice is one catalog row. Prices are USD per million tokens.
type ModelPrice struct {
	Provider      string
	Model         string
	InputPrice    float64
	OutputPrice   float64
	ContextLength int
	Active        bool
	UpdatedAt     time.Time
}

// Cost computes the base cost of a call at list price.
func (p *ModelPrice) Cost(inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)*p.InputPrice + float64(outputTokens)*p.OutputPrice) / 1e6
}

// Store is the catalog persistence contract.
type Store interface {
	Get(ctx context.Context, provider, model string) (*ModelPrice, error)
	ListByProvider(ctx context.Context, provider string) ([]*ModelPrice, error)

	// Upsert replaces a provider's catalog rows; rows absent from prices are
	// marked inactive rather than deleted.
	Upsert(ctx context.Context, provider string, prices []*ModelPrice) error
}
