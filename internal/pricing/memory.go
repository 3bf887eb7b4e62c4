package pricing

import (
	"context"
	"sync"
	"time"
)

type memoryKey struct{ provider, model string }

// MemoryStore is an in-process catalog for tests and single-node development.
type MemoryStore struct {
	mu     sync.RWMutex
	prices map[memoryKey]*ModelPrice
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{prices: make(map[memoryKey]*ModelPrice)}
}

func (s *MemoryStore) Put(p *ModelPrice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.prices[memoryKey{p.Provider, p.Model}] = &cp
}

func (s *MemoryStore) Get(_ context.Context, provider, model string) (*ModelPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[memoryKey{provider, model}]
	if !ok || !p.Active {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListByProvider(_ context.Context, provider string) ([]*ModelPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ModelPrice
	for k, p := range s.prices {
		if k.provider == provider && p.Active {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Upsert(_ context.Context, provider string, prices []*ModelPrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(prices))
	now := time.Now()
	for _, p := range prices {
		cp := *p
		cp.Provider = provider
		cp.Active = true
		cp.UpdatedAt = now
		s.prices[memoryKey{provider, cp.Model}] = &cp
		seen[cp.Model] = true
	}
	for k, p := range s.prices {
		if k.provider == provider && !seen[k.model] {
			p.Active = false
		}
	}
	return nil
}
