package billing

import (
	"context"
	"sync"
	"time"
)

// MemoryWalletStore is an in-process WalletStore for tests and single-node
// development.
type MemoryWalletStore struct {
	mu      sync.Mutex
	wallets map[string]*Wallet
}

func NewMemoryWalletStore() *MemoryWalletStore {
	return &MemoryWalletStore{wallets: make(map[string]*Wallet)}
}

func (s *MemoryWalletStore) Get(_ context.Context, ownerID string) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.wallet(ownerID)
	cp := *w
	return &cp, nil
}

func (s *MemoryWalletStore) Debit(_ context.Context, ownerID string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.wallet(ownerID)
	if w.Balance < amount {
		return ErrInsufficientCredits
	}
	w.Balance -= amount
	return nil
}

func (s *MemoryWalletStore) Credit(_ context.Context, ownerID string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallet(ownerID).Balance += amount
	return nil
}

func (s *MemoryWalletStore) wallet(ownerID string) *Wallet {
	w, ok := s.wallets[ownerID]
	if !ok {
		w = &Wallet{OwnerID: ownerID}
		s.wallets[ownerID] = w
	}
	return w
}

// MemoryLedgerStore keeps entries in memory for tests.
type MemoryLedgerStore struct {
	mu      sync.Mutex
	entries []*LedgerEntry
}

func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{}
}

func (s *MemoryLedgerStore) Insert(_ context.Context, e *LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	cp.ID = int64(len(s.entries) + 1)
	cp.CreatedAt = time.Now()
	s.entries = append(s.entries, &cp)
	return nil
}

// Entries returns a snapshot of everything inserted.
func (s *MemoryLedgerStore) Entries() []*LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*LedgerEntry, len(s.entries))
	copy(out, s.entries)
	return out
}
