package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/aigentsy/dealcore/pkg/deal"
)

// MemoryRepository is an in-process Repository. It hands out clones, so a
// caller can never mutate a committed record outside Update.
type MemoryRepository struct {
	mu    sync.RWMutex
	deals map[string]*deal.Deal
	locks map[string]*sync.Mutex
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		deals: make(map[string]*deal.Deal),
		locks: make(map[string]*sync.Mutex),
	}
}

func (r *MemoryRepository) Create(_ context.Context, d *deal.Deal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.deals[d.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, d.ID)
	}
	r.deals[d.ID] = d.Clone()
	r.locks[d.ID] = &sync.Mutex{}
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*deal.Deal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d.Clone(), nil
}

// Update serializes mutations per deal: the deal's own mutex is held for
// the whole read-apply-commit cycle so concurrent writers cannot
// interleave.
func (r *MemoryRepository) Update(_ context.Context, id string, fn func(*deal.Deal) error) (*deal.Deal, error) {
	r.mu.RLock()
	lock, ok := r.locks[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	cur := r.deals[id]
	r.mu.RUnlock()

	if cur.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", deal.ErrTerminalState, id, cur.State)
	}
	// fn works on a clone; a failure discards it.
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.deals[id] = next
	r.mu.Unlock()
	return next.Clone(), nil
}

func (r *MemoryRepository) List(_ context.Context, states ...deal.State) ([]*deal.Deal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*deal.Deal
	for _, d := range r.deals {
		if len(states) == 0 || stateIn(d.State, states) {
			out = append(out, d.Clone())
		}
	}
	return out, nil
}

func stateIn(s deal.State, states []deal.State) bool {
	for _, candidate := range states {
		if s == candidate {
			return true
		}
	}
	return false
}
