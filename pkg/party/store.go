// Package party tracks participant balances and per-user ledger entries.
//
// The settlement engine debits bonds from and credits payouts to these
// balances. Two implementations are provided: an in-memory store for
// tests and single-node deployments, and a Redis store for multi-node
// deployments where balances are shared.
package party

import (
	"context"
	"errors"
	"time"

	"github.com/aigentsy/dealcore/pkg/money"
)

// ErrInsufficientBalance is returned when a debit exceeds the available
// balance. The balance is left unchanged.
var ErrInsufficientBalance = errors.New("insufficient balance")

// ErrUnknownParty is returned for parties with no account.
var ErrUnknownParty = errors.New("unknown party")

// LedgerEntry is one line of a participant's ledger.
type LedgerEntry struct {
	At     time.Time   `json:"at"`
	Amount money.Money `json:"amount"` // negative for debits
	Basis  string      `json:"basis"`  // e.g. "performance_bond_stake", "jv_revenue"
	DealID string      `json:"deal_id,omitempty"`
	RefID  string      `json:"ref_id,omitempty"`
}

// Store is the balance boundary the engine depends on.
type Store interface {
	// Balance returns the current balance for a party.
	Balance(ctx context.Context, party string) (money.Money, error)
	// Debit atomically subtracts amount if the balance covers it, and
	// appends a ledger entry. Returns ErrInsufficientBalance otherwise.
	Debit(ctx context.Context, party string, amount money.Money, entry LedgerEntry) error
	// Credit atomically adds amount and appends a ledger entry.
	Credit(ctx context.Context, party string, amount money.Money, entry LedgerEntry) error
	// Ledger returns a party's entries, newest first, up to limit.
	Ledger(ctx context.Context, party string, limit int) ([]LedgerEntry, error)
}
