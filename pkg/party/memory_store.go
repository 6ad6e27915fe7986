package party

import (
	"context"
	"fmt"
	"sync"

	"github.com/aigentsy/dealcore/pkg/money"
)

// MemoryStore is a thread-safe in-memory balance store.
type MemoryStore struct {
	mu       sync.RWMutex
	currency string
	balances map[string]int64
	ledgers  map[string][]LedgerEntry
}

// NewMemoryStore creates a store holding balances in the given currency.
func NewMemoryStore(currency string) *MemoryStore {
	return &MemoryStore{
		currency: currency,
		balances: make(map[string]int64),
		ledgers:  make(map[string][]LedgerEntry),
	}
}

// Seed sets a party's opening balance. Intended for tests and bootstrap.
func (s *MemoryStore) Seed(party string, amount money.Money) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[party] = amount.AmountMinor
}

func (s *MemoryStore) Balance(_ context.Context, party string) (money.Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bal, ok := s.balances[party]
	if !ok {
		return money.Money{}, fmt.Errorf("%w: %s", ErrUnknownParty, party)
	}
	return money.New(bal, s.currency), nil
}

func (s *MemoryStore) Debit(_ context.Context, party string, amount money.Money, entry LedgerEntry) error {
	if amount.Currency != s.currency {
		return fmt.Errorf("party: currency mismatch: %s vs %s", amount.Currency, s.currency)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[party]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParty, party)
	}
	if bal < amount.AmountMinor {
		return fmt.Errorf("%w: %s has %s, needs %s",
			ErrInsufficientBalance, party, money.New(bal, s.currency), amount)
	}
	s.balances[party] = bal - amount.AmountMinor
	s.ledgers[party] = append(s.ledgers[party], entry)
	return nil
}

func (s *MemoryStore) Credit(_ context.Context, party string, amount money.Money, entry LedgerEntry) error {
	if amount.Currency != s.currency {
		return fmt.Errorf("party: currency mismatch: %s vs %s", amount.Currency, s.currency)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Credits create accounts implicitly; payouts may reach parties that
	// never staked.
	s.balances[party] += amount.AmountMinor
	s.ledgers[party] = append(s.ledgers[party], entry)
	return nil
}

func (s *MemoryStore) Ledger(_ context.Context, party string, limit int) ([]LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.ledgers[party]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	out := make([]LedgerEntry, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}
