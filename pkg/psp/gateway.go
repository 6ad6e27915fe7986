// Package psp talks to the external payment service provider. The engine
// only consumes four primitives from it — authorize, capture, void, refund
// — plus inbound webhook events.
//
// Transport failures are ambiguous: a timed-out call may have succeeded
// server-side, so callers must consult the deal's money events (by
// idempotency key) before retrying.
package psp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/aigentsy/dealcore/pkg/money"
)

var (
	// ErrGatewayDeclined is returned when the provider rejects the action.
	ErrGatewayDeclined = errors.New("psp declined the request")
	// ErrUnknownReference is returned for operations on a reference the
	// provider does not recognize.
	ErrUnknownReference = errors.New("psp does not recognize the payment reference")
)

// Gateway is the outbound payment interface.
type Gateway interface {
	// Authorize places a hold and returns the provider's payment reference.
	Authorize(ctx context.Context, intentID string, amount money.Money) (string, error)
	// Capture settles a previously authorized hold.
	Capture(ctx context.Context, reference string, amount money.Money) error
	// Void releases a hold without capturing.
	Void(ctx context.Context, reference string) error
	// Refund returns captured funds.
	Refund(ctx context.Context, reference string, amount money.Money) error
}

// StubGateway is an in-memory Gateway for tests and local runs. It records
// every call and can be primed to fail.
type StubGateway struct {
	mu sync.Mutex

	Holds    map[string]money.Money
	Captured map[string]money.Money
	Refunds  map[string]money.Money
	Voided   map[string]bool

	// FailNext makes the next call return ErrGatewayDeclined.
	FailNext bool

	Calls []string
}

// NewStubGateway creates an empty stub.
func NewStubGateway() *StubGateway {
	return &StubGateway{
		Holds:    make(map[string]money.Money),
		Captured: make(map[string]money.Money),
		Refunds:  make(map[string]money.Money),
		Voided:   make(map[string]bool),
	}
}

func (g *StubGateway) fail() bool {
	if g.FailNext {
		g.FailNext = false
		return true
	}
	return false
}

func (g *StubGateway) Authorize(_ context.Context, intentID string, amount money.Money) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls = append(g.Calls, "authorize:"+intentID)
	if g.fail() {
		return "", ErrGatewayDeclined
	}
	ref := "pi_" + uuid.NewString()
	g.Holds[ref] = amount
	return ref, nil
}

func (g *StubGateway) Capture(_ context.Context, reference string, amount money.Money) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls = append(g.Calls, "capture:"+reference)
	if g.fail() {
		return ErrGatewayDeclined
	}
	if _, ok := g.Holds[reference]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReference, reference)
	}
	g.Captured[reference] = amount
	return nil
}

func (g *StubGateway) Void(_ context.Context, reference string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls = append(g.Calls, "void:"+reference)
	if g.fail() {
		return ErrGatewayDeclined
	}
	if _, ok := g.Holds[reference]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReference, reference)
	}
	delete(g.Holds, reference)
	g.Voided[reference] = true
	return nil
}

func (g *StubGateway) Refund(_ context.Context, reference string, amount money.Money) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls = append(g.Calls, "refund:"+reference)
	if g.fail() {
		return ErrGatewayDeclined
	}
	if _, ok := g.Captured[reference]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReference, reference)
	}
	g.Refunds[reference] = amount
	return nil
}
