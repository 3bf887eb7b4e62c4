package credential

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node development.
// Transitions go through the same pure functions the SQL store mirrors.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]*Credential
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds: make(map[string]*Credential),
		now:   time.Now,
	}
}

// Put inserts or replaces a credential. Zero-status records start ok.
func (s *MemoryStore) Put(c *Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	if cp.Status == "" {
		cp.Status = StatusOK
	}
	s.creds[cp.ID] = &cp
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListByProvider(_ context.Context, provider string) ([]*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Credential
	for _, c := range s.creds {
		if c.Provider == provider && c.Enabled {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListByQuotaSource(_ context.Context, source string) ([]*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Credential
	for _, c := range s.creds {
		if c.QuotaSource == source && c.Enabled {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ReportSuccess(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = NextOnSuccess(c.Status)
	c.LastHealthCheck = s.now()
	return nil
}

func (s *MemoryStore) ReportFailure(_ context.Context, id string, httpStatus int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = NextOnFailure(c.Subscription(), c.Status, httpStatus)
	c.LastHealthCheck = s.now()
	return nil
}

func (s *MemoryStore) DeductQuota(_ context.Context, id string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return ErrNotFound
	}
	if c.Quota == nil {
		return nil
	}
	remaining, exhausted := DeductFrom(*c.Quota, amount)
	c.Quota = &remaining
	if exhausted && c.Status != StatusDead {
		c.Status = StatusDegraded
	}
	return nil
}

func (s *MemoryStore) SetQuota(_ context.Context, id string, quota float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return ErrNotFound
	}
	c.Quota = &quota
	return nil
}
