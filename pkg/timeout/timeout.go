// Package timeout evaluates delivery deadlines and force-completes deals
// whose counterpart went unresponsive.
//
// A deal is only considered for timeout while IN_PROGRESS. The deadline is
// the delivery deadline agreed at creation (or the schedule default) plus a
// grace period; once past it, AutoRelease captures the escrow, pays out the
// frozen split and walks the deal to COMPLETED through the legal graph.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aigentsy/dealcore/pkg/deal"
	"github.com/aigentsy/dealcore/pkg/feeschedule"
	"github.com/aigentsy/dealcore/pkg/ledger"
	"github.com/aigentsy/dealcore/pkg/money"
)

var (
	// ErrPoOVerificationRequired is returned when releasing funds without a
	// verified proof of outcome while the schedule demands one.
	ErrPoOVerificationRequired = errors.New("proof of outcome verification required before release")
	// ErrNotTimedOut is returned when auto-releasing a deal that is still
	// inside its delivery window.
	ErrNotTimedOut = errors.New("deal has not timed out")
	// ErrAutoReleaseDisabled is returned when the schedule turns the
	// auto-release path off.
	ErrAutoReleaseDisabled = errors.New("auto-release is disabled by the fee schedule")
)

const (
	ReasonTimeout        = "timeout"
	ReasonTimeoutWithPoO = "timeout_with_poo"
)

// Status is the result of a timeout evaluation.
type Status struct {
	// Eligible is true when the deal is in a state where timeouts apply.
	Eligible bool `json:"eligible"`
	// TimedOut is true when now is strictly past deadline + grace.
	TimedOut bool `json:"timed_out"`

	Deadline  time.Time `json:"deadline"`
	ExpiresAt time.Time `json:"expires_at"`

	HoursOverdue   float64 `json:"hours_overdue"`
	HoursRemaining float64 `json:"hours_remaining"`
}

// Policy applies the schedule's timeout rules to deals.
type Policy struct {
	sched  *feeschedule.Schedule
	ledger *ledger.Ledger
	clock  func() time.Time
}

// NewPolicy creates a timeout policy backed by the given ledger.
func NewPolicy(sched *feeschedule.Schedule, l *ledger.Ledger) *Policy {
	return &Policy{sched: sched, ledger: l, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (p *Policy) WithClock(clock func() time.Time) *Policy {
	p.clock = clock
	return p
}

// deadline returns the delivery deadline, falling back to the schedule
// default counted from deal creation.
func (p *Policy) deadline(d *deal.Deal) time.Time {
	if d.Delivery.Deadline != nil {
		return *d.Delivery.Deadline
	}
	return d.CreatedAt.Add(p.sched.DefaultTimeout.Std())
}

// CheckTimeout evaluates the delivery window at the given instant. Deals
// outside IN_PROGRESS are never timed out.
func (p *Policy) CheckTimeout(d *deal.Deal, now time.Time) Status {
	st := Status{
		Deadline: p.deadline(d),
	}
	st.ExpiresAt = st.Deadline.Add(p.sched.GracePeriod.Std())
	if d.State != deal.StateInProgress {
		return st
	}
	st.Eligible = true
	if now.After(st.ExpiresAt) {
		st.TimedOut = true
		st.HoursOverdue = now.Sub(st.ExpiresAt).Hours()
	} else {
		st.HoursRemaining = st.ExpiresAt.Sub(now).Hours()
	}
	return st
}

// AutoRelease force-completes a timed-out deal: it records the release
// event, captures the escrow, pays out the frozen split and transitions
// IN_PROGRESS -> DELIVERED -> COMPLETED. When the schedule requires proof
// of outcome, proofVerified must be true or the funds stay held and the
// deal is left for dispute handling.
func (p *Policy) AutoRelease(ctx context.Context, d *deal.Deal, proofVerified bool) (ledger.Result, error) {
	if !p.sched.AutoReleaseEnable {
		return ledger.Result{}, ErrAutoReleaseDisabled
	}
	now := p.clock()
	// A retry within the same second is a successful no-op even though the
	// first call already moved the deal out of IN_PROGRESS.
	key := ledger.IdempotencyKey(d.ID, "auto_release", now)
	if existing := d.FindEvent(key); existing != nil {
		return ledger.Result{Events: []deal.MoneyEvent{*existing}, IsDuplicate: true}, nil
	}
	st := p.CheckTimeout(d, now)
	if !st.TimedOut {
		return ledger.Result{}, fmt.Errorf("%w: deal %s in %s, window ends %s",
			ErrNotTimedOut, d.ID, d.State, st.ExpiresAt.Format(time.RFC3339))
	}
	if p.sched.RequirePoO && !proofVerified {
		return ledger.Result{}, fmt.Errorf("%w: deal %s", ErrPoOVerificationRequired, d.ID)
	}
	// Validate everything up front so a failure cannot leave the deal
	// half-transitioned.
	if d.Escrow.Status != deal.EscrowAuthorized {
		return ledger.Result{}, fmt.Errorf("%w: auto-release requires authorized escrow, got %s",
			ledger.ErrInvalidStateForAction, d.Escrow.Status)
	}
	if d.Settlement.Settled {
		return ledger.Result{}, deal.ErrDealAlreadySettled
	}
	if d.RevenueSplit == nil {
		return ledger.Result{}, fmt.Errorf("%w: %s", ledger.ErrNoRevenueSplit, d.ID)
	}

	reason := ReasonTimeout
	if proofVerified {
		reason = ReasonTimeoutWithPoO
	}
	meta := map[string]any{"reason": reason, "hours_overdue": st.HoursOverdue}
	if err := d.Transition(deal.StateDelivered, "system", meta, now); err != nil {
		return ledger.Result{}, err
	}
	d.Delivery.DeliveredAt = &now
	onTime := false
	d.Delivery.OnTime = &onTime

	res, err := p.ledger.Capture(ctx, d, money.Zero(d.JobValue.Currency))
	if err != nil {
		return ledger.Result{}, fmt.Errorf("timeout: capture on release: %w", err)
	}
	// A timeout release is not a breach; staked bonds go back to their
	// stakers just as on a regular settlement.
	if d.Bonds.Status == deal.BondsStaked {
		if _, err := p.ledger.ReturnBonds(ctx, d); err != nil {
			return ledger.Result{}, fmt.Errorf("timeout: return bonds on release: %w", err)
		}
	}
	if _, err := p.ledger.Distribute(ctx, d, reason); err != nil {
		return ledger.Result{}, fmt.Errorf("timeout: distribute on release: %w", err)
	}
	d.MoneyEvents = append(d.MoneyEvents, deal.MoneyEvent{
		ID:               "evt_" + uuid.NewString(),
		Type:             deal.EventAutoReleased,
		PaymentReference: d.Escrow.PaymentReference,
		Amount:           d.Escrow.CapturedAmount,
		IdempotencyKey:   key,
		StateAtEvent:     d.State,
		Metadata:         meta,
		CreatedAt:        now,
	})
	if err := d.Transition(deal.StateCompleted, "system", meta, now); err != nil {
		return ledger.Result{}, err
	}
	return res, nil
}
