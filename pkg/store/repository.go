// Package store persists Deal aggregates. Each deal is one record, so
// state, escrow, bonds, money events and processed webhooks commit
// atomically, and all mutations to one deal are serialized through
// Update — a per-deal mutex in memory, a row lock in Postgres.
package store

import (
	"context"
	"errors"

	"github.com/aigentsy/dealcore/pkg/deal"
)

var (
	// ErrNotFound is returned for an unknown deal id.
	ErrNotFound = errors.New("deal not found")
	// ErrAlreadyExists is returned when creating a deal whose id is taken.
	ErrAlreadyExists = errors.New("deal already exists")
)

// Repository is the deal persistence interface. Update loads the deal,
// applies fn under a per-deal write lock and commits the result only when
// fn returns nil; a failing fn leaves the stored record untouched.
// Terminal deals are immutable: Update fails with deal.ErrTerminalState.
type Repository interface {
	Create(ctx context.Context, d *deal.Deal) error
	Get(ctx context.Context, id string) (*deal.Deal, error)
	Update(ctx context.Context, id string, fn func(*deal.Deal) error) (*deal.Deal, error)
	List(ctx context.Context, states ...deal.State) ([]*deal.Deal, error)
}
