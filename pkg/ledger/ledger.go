// Package ledger binds deal state transitions to at-most-once financial
// side effects.
//
// Every operation derives a deterministic idempotency key, checks the
// deal's append-only money event log for that key, and records exactly one
// event when the action is new. A retried call with the same key is a
// successful no-op flagged IsDuplicate — never an error. Failed operations
// leave the deal unchanged.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aigentsy/dealcore/pkg/deal"
	"github.com/aigentsy/dealcore/pkg/money"
	"github.com/aigentsy/dealcore/pkg/party"
)

var (
	// ErrInvalidStateForAction is returned when a money action is attempted
	// in a state that does not permit it.
	ErrInvalidStateForAction = errors.New("deal state does not permit this action")
	// ErrNoRevenueSplit is returned when settling a deal without a frozen split.
	ErrNoRevenueSplit = errors.New("deal has no revenue split")
	// ErrCaptureExceedsAuthorization is returned when the capture amount is
	// larger than the authorized escrow.
	ErrCaptureExceedsAuthorization = errors.New("capture amount exceeds authorization")
	// ErrNoStakes is returned when staking with an empty stake list.
	ErrNoStakes = errors.New("at least one stake is required")
)

// Result reports the outcome of a ledger operation.
type Result struct {
	// Events recorded by this call, or the pre-existing event on duplicate.
	Events []deal.MoneyEvent
	// IsDuplicate is true when the idempotency key was already recorded and
	// the call performed no side effect.
	IsDuplicate bool
}

// Ledger executes idempotent money actions against a deal aggregate.
type Ledger struct {
	parties party.Store
	clock   func() time.Time
}

// New creates a Ledger debiting and crediting the given party store.
func New(parties party.Store) *Ledger {
	return &Ledger{parties: parties, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// IdempotencyKey derives the deterministic key for one action on one deal
// at second granularity. Retries within the same second produce the same
// key and therefore at most one recorded event.
func IdempotencyKey(dealID, action string, ts time.Time) string {
	input := fmt.Sprintf("%s:%s:%s", dealID, action, ts.UTC().Truncate(time.Second).Format(time.RFC3339))
	sum := sha256.Sum256([]byte(input))
	return "idem_" + hex.EncodeToString(sum[:])[:32]
}

// appendEvent records one money event unless the key already exists.
func (l *Ledger) appendEvent(d *deal.Deal, evType deal.EventType, paymentRef string, amount money.Money, key string, metadata map[string]any) (deal.MoneyEvent, bool) {
	if existing := d.FindEvent(key); existing != nil {
		return *existing, true
	}
	ev := deal.MoneyEvent{
		ID:               "evt_" + uuid.NewString(),
		Type:             evType,
		PaymentReference: paymentRef,
		Amount:           amount,
		IdempotencyKey:   key,
		StateAtEvent:     d.State,
		Metadata:         metadata,
		CreatedAt:        l.clock(),
	}
	d.MoneyEvents = append(d.MoneyEvents, ev)
	return ev, false
}

// Authorize places the escrow hold. Valid only in ACCEPTED.
func (l *Ledger) Authorize(_ context.Context, d *deal.Deal, paymentRef string, amount money.Money) (Result, error) {
	if d.State != deal.StateAccepted {
		return Result{}, fmt.Errorf("%w: authorize requires %s, deal is %s",
			ErrInvalidStateForAction, deal.StateAccepted, d.State)
	}
	key := IdempotencyKey(d.ID, "authorize", l.clock())
	if existing := d.FindEvent(key); existing != nil {
		return Result{Events: []deal.MoneyEvent{*existing}, IsDuplicate: true}, nil
	}

	now := l.clock()
	ev, _ := l.appendEvent(d, deal.EventAuthorized, paymentRef, amount, key, nil)
	d.Escrow.Status = deal.EscrowAuthorized
	d.Escrow.Amount = amount
	d.Escrow.PaymentReference = paymentRef
	d.Escrow.IdempotencyKey = key
	d.Escrow.AuthorizedAt = &now
	d.UpdatedAt = now

	return Result{Events: []deal.MoneyEvent{ev}}, nil
}

// Capture settles the escrow hold. Valid only in DELIVERED with an
// authorized escrow; a zero amount captures the full authorization.
func (l *Ledger) Capture(_ context.Context, d *deal.Deal, amount money.Money) (Result, error) {
	if d.State != deal.StateDelivered {
		return Result{}, fmt.Errorf("%w: capture requires %s, deal is %s",
			ErrInvalidStateForAction, deal.StateDelivered, d.State)
	}
	if d.Escrow.Status != deal.EscrowAuthorized {
		return Result{}, fmt.Errorf("%w: escrow is %s, not %s",
			ErrInvalidStateForAction, d.Escrow.Status, deal.EscrowAuthorized)
	}
	if amount.IsZero() {
		amount = d.Escrow.Amount
	}
	if amount.Currency != d.Escrow.Amount.Currency || amount.Cmp(d.Escrow.Amount) > 0 {
		return Result{}, fmt.Errorf("%w: authorized %s, attempted %s",
			ErrCaptureExceedsAuthorization, d.Escrow.Amount, amount)
	}

	key := IdempotencyKey(d.ID, "capture", l.clock())
	if existing := d.FindEvent(key); existing != nil {
		return Result{Events: []deal.MoneyEvent{*existing}, IsDuplicate: true}, nil
	}

	now := l.clock()
	ev, _ := l.appendEvent(d, deal.EventCaptured, d.Escrow.PaymentReference, amount, key, nil)
	d.Escrow.Status = deal.EscrowCaptured
	d.Escrow.CapturedAmount = amount
	d.Escrow.CaptureIdempotencyKey = key
	d.Escrow.CapturedAt = &now
	d.UpdatedAt = now

	return Result{Events: []deal.MoneyEvent{ev}}, nil
}

// CaptureOnResolution settles the escrow while the deal sits in DISPUTED,
// after a dispute resolved in the agent's favor. The regular Capture path
// stays reserved for DELIVERED.
func (l *Ledger) CaptureOnResolution(_ context.Context, d *deal.Deal) (Result, error) {
	if d.State != deal.StateDisputed {
		return Result{}, fmt.Errorf("%w: resolution capture requires %s, deal is %s",
			ErrInvalidStateForAction, deal.StateDisputed, d.State)
	}
	key := IdempotencyKey(d.ID, "capture_resolution", l.clock())
	if existing := d.FindEvent(key); existing != nil {
		return Result{Events: []deal.MoneyEvent{*existing}, IsDuplicate: true}, nil
	}
	if d.Escrow.Status != deal.EscrowAuthorized {
		return Result{}, fmt.Errorf("%w: escrow is %s, not %s",
			ErrInvalidStateForAction, d.Escrow.Status, deal.EscrowAuthorized)
	}

	now := l.clock()
	amount := d.Escrow.Amount
	ev, _ := l.appendEvent(d, deal.EventCaptured, d.Escrow.PaymentReference, amount, key,
		map[string]any{"reason": "dispute_release"})
	d.Escrow.Status = deal.EscrowCaptured
	d.Escrow.CapturedAmount = amount
	d.Escrow.CaptureIdempotencyKey = key
	d.Escrow.CapturedAt = &now
	d.UpdatedAt = now

	return Result{Events: []deal.MoneyEvent{ev}}, nil
}

// Void releases an authorized hold without capturing, e.g. on cancellation.
func (l *Ledger) Void(_ context.Context, d *deal.Deal, reason string) (Result, error) {
	if d.Escrow.Status != deal.EscrowAuthorized {
		return Result{}, fmt.Errorf("%w: cannot void escrow in status %s",
			ErrInvalidStateForAction, d.Escrow.Status)
	}
	key := IdempotencyKey(d.ID, "void", l.clock())
	if existing := d.FindEvent(key); existing != nil {
		return Result{Events: []deal.MoneyEvent{*existing}, IsDuplicate: true}, nil
	}

	now := l.clock()
	ev, _ := l.appendEvent(d, deal.EventVoided, d.Escrow.PaymentReference,
		money.Zero(d.JobValue.Currency), key, map[string]any{"reason": reason})
	d.Escrow.Status = deal.EscrowVoided
	d.Escrow.VoidedAt = &now
	d.Escrow.VoidReason = reason
	d.UpdatedAt = now

	return Result{Events: []deal.MoneyEvent{ev}}, nil
}

// PauseOnDispute freezes money movement while a dispute is active.
// Valid from IN_PROGRESS or DELIVERED.
func (l *Ledger) PauseOnDispute(_ context.Context, d *deal.Deal, raisedBy, reason string) (Result, error) {
	if d.State != deal.StateInProgress && d.State != deal.StateDelivered {
		return Result{}, fmt.Errorf("%w: dispute pause requires %s or %s, deal is %s",
			ErrInvalidStateForAction, deal.StateInProgress, deal.StateDelivered, d.State)
	}
	key := IdempotencyKey(d.ID, "dispute_pause", l.clock())
	if existing := d.FindEvent(key); existing != nil {
		return Result{Events: []deal.MoneyEvent{*existing}, IsDuplicate: true}, nil
	}

	now := l.clock()
	ev, _ := l.appendEvent(d, deal.EventDisputePause, d.Escrow.PaymentReference,
		money.Zero(d.JobValue.Currency), key, map[string]any{"reason": reason})
	d.Escrow.Status = deal.EscrowPausedDispute
	d.Escrow.PausedAt = &now
	d.Escrow.PauseReason = reason
	d.Dispute = &deal.Dispute{
		Status:   deal.DisputeActive,
		Reason:   reason,
		RaisedAt: now,
		RaisedBy: raisedBy,
	}
	d.UpdatedAt = now

	return Result{Events: []deal.MoneyEvent{ev}}, nil
}

// ResumeFromDispute unfreezes a paused escrow and closes the dispute
// sub-record with the given resolution.
func (l *Ledger) ResumeFromDispute(_ context.Context, d *deal.Deal, resolution string) error {
	if d.Escrow.Status != deal.EscrowPausedDispute || d.Dispute == nil {
		return fmt.Errorf("%w: no paused dispute on deal %s", ErrInvalidStateForAction, d.ID)
	}
	now := l.clock()
	d.Escrow.Status = deal.EscrowAuthorized
	d.Escrow.PauseReason = ""
	d.Dispute.Status = deal.DisputeResolved
	d.Dispute.ResolvedAt = &now
	d.Dispute.Resolution = resolution
	d.UpdatedAt = now
	return nil
}

// StakeRequest is one party's bond contribution.
type StakeRequest struct {
	Party  string
	Amount money.Money
}

type partyCredit struct {
	party  string
	amount money.Money
	basis  string
}

// creditAll lands every credit or none of them: on a failed credit the
// earlier ones are debited back best-effort, matching the compensation in
// StakeBonds. Run before mutating the deal, so a failure leaves both the
// deal and the balances as they were.
func (l *Ledger) creditAll(ctx context.Context, dealID, refID string, credits []partyCredit, now time.Time) error {
	done := make([]partyCredit, 0, len(credits))
	for _, c := range credits {
		err := l.parties.Credit(ctx, c.party, c.amount, party.LedgerEntry{
			At:     now,
			Amount: c.amount,
			Basis:  c.basis,
			DealID: dealID,
			RefID:  refID,
		})
		if err != nil {
			for _, prev := range done {
				_ = l.parties.Debit(ctx, prev.party, prev.amount, party.LedgerEntry{
					At:     now,
					Amount: money.New(-prev.amount.AmountMinor, prev.amount.Currency),
					Basis:  prev.basis + "_reversal",
					DealID: dealID,
					RefID:  refID,
				})
			}
			return fmt.Errorf("ledger: %s for %s: %w", c.basis, c.party, err)
		}
		done = append(done, c)
	}
	return nil
}

// StakeBonds debits each staking party and records one event per stake.
// The whole call is atomic: if any debit fails, earlier debits are
// compensated and the deal is left untouched.
func (l *Ledger) StakeBonds(ctx context.Context, d *deal.Deal, stakes []StakeRequest) (Result, error) {
	if d.State != deal.StateEscrowHeld {
		return Result{}, fmt.Errorf("%w: staking requires %s, deal is %s",
			ErrInvalidStateForAction, deal.StateEscrowHeld, d.State)
	}
	if len(stakes) == 0 {
		return Result{}, ErrNoStakes
	}

	now := l.clock()
	key := IdempotencyKey(d.ID, "stake_bonds", now)
	if existing := d.FindEvent(key); existing != nil {
		return Result{Events: []deal.MoneyEvent{*existing}, IsDuplicate: true}, nil
	}

	// Debit everyone before touching the deal; compensate on failure.
	debited := make([]StakeRequest, 0, len(stakes))
	for _, st := range stakes {
		err := l.parties.Debit(ctx, st.Party, st.Amount, party.LedgerEntry{
			At:     now,
			Amount: money.New(-st.Amount.AmountMinor, st.Amount.Currency),
			Basis:  "performance_bond_stake",
			DealID: d.ID,
			RefID:  key,
		})
		if err != nil {
			for _, prev := range debited {
				_ = l.parties.Credit(ctx, prev.Party, prev.Amount, party.LedgerEntry{
					At:     now,
					Amount: prev.Amount,
					Basis:  "performance_bond_stake_reversal",
					DealID: d.ID,
					RefID:  key,
				})
			}
			return Result{}, err
		}
		debited = append(debited, st)
	}

	total := money.Zero(d.JobValue.Currency)
	events := make([]deal.MoneyEvent, 0, len(stakes))
	for i, st := range stakes {
		stakeKey := fmt.Sprintf("%s:%d", key, i)
		ev, _ := l.appendEvent(d, deal.EventBondStaked, "", st.Amount, stakeKey,
			map[string]any{"party": st.Party})
		events = append(events, ev)
		total, _ = total.Add(st.Amount)
		d.Bonds.Stakes = append(d.Bonds.Stakes, deal.Stake{
			Party:    st.Party,
			Amount:   st.Amount,
			StakedAt: now,
		})
	}
	// Marker event carrying the aggregate key so a retried call dedups.
	d.MoneyEvents = append(d.MoneyEvents, deal.MoneyEvent{
		ID:             "evt_" + uuid.NewString(),
		Type:           deal.EventBondStaked,
		Amount:         total,
		IdempotencyKey: key,
		StateAtEvent:   d.State,
		Metadata:       map[string]any{"stakes": len(stakes)},
		CreatedAt:      now,
	})
	d.Bonds.Status = deal.BondsStaked
	d.Bonds.TotalStaked = total
	d.UpdatedAt = now

	return Result{Events: events}, nil
}

// ReturnBonds credits every stake back to its party.
func (l *Ledger) ReturnBonds(ctx context.Context, d *deal.Deal) (Result, error) {
	if d.Bonds.Status != deal.BondsStaked {
		return Result{}, fmt.Errorf("%w: bonds are %s, not %s",
			ErrInvalidStateForAction, d.Bonds.Status, deal.BondsStaked)
	}
	now := l.clock()
	key := IdempotencyKey(d.ID, "return_bonds", now)
	if existing := d.FindEvent(key); existing != nil {
		return Result{Events: []deal.MoneyEvent{*existing}, IsDuplicate: true}, nil
	}

	credits := make([]partyCredit, 0, len(d.Bonds.Stakes))
	for _, st := range d.Bonds.Stakes {
		credits = append(credits, partyCredit{party: st.Party, amount: st.Amount, basis: "bond_return"})
	}
	if err := l.creditAll(ctx, d.ID, key, credits, now); err != nil {
		return Result{}, err
	}

	events := make([]deal.MoneyEvent, 0, len(d.Bonds.Stakes))
	for i, st := range d.Bonds.Stakes {
		ev, _ := l.appendEvent(d, deal.EventBondReturned, "", st.Amount,
			fmt.Sprintf("%s:%d", key, i), map[string]any{"party": st.Party})
		events = append(events, ev)
	}
	d.MoneyEvents = append(d.MoneyEvents, deal.MoneyEvent{
		ID:             "evt_" + uuid.NewString(),
		Type:           deal.EventBondReturned,
		Amount:         d.Bonds.TotalStaked,
		IdempotencyKey: key,
		StateAtEvent:   d.State,
		CreatedAt:      now,
	})
	d.Bonds.Status = deal.BondsReturned
	d.Bonds.ReturnedAt = &now
	d.UpdatedAt = now

	return Result{Events: events}, nil
}

// Severity grades a breach for bond slashing.
type Severity string

const (
	SeverityMinor Severity = "minor" // 25% slashed
	SeverityMajor Severity = "major" // 50% slashed
	SeverityTotal Severity = "total" // full stake slashed
)

func (s Severity) bps() (int64, error) {
	switch s {
	case SeverityMinor:
		return 2500, nil
	case SeverityMajor:
		return 5000, nil
	case SeverityTotal:
		return 10000, nil
	default:
		return 0, fmt.Errorf("unknown slash severity %q", s)
	}
}

// SlashBond forfeits a severity-scaled portion of every stake to the
// platform and returns the remainder to the stakers.
func (l *Ledger) SlashBond(ctx context.Context, d *deal.Deal, severity Severity) (Result, error) {
	if d.Bonds.Status != deal.BondsStaked {
		return Result{}, fmt.Errorf("%w: bonds are %s, not %s",
			ErrInvalidStateForAction, d.Bonds.Status, deal.BondsStaked)
	}
	bps, err := severity.bps()
	if err != nil {
		return Result{}, err
	}
	now := l.clock()
	key := IdempotencyKey(d.ID, "slash_bond", now)
	if existing := d.FindEvent(key); existing != nil {
		return Result{Events: []deal.MoneyEvent{*existing}, IsDuplicate: true}, nil
	}

	credits := make([]partyCredit, 0, 2*len(d.Bonds.Stakes))
	for _, st := range d.Bonds.Stakes {
		slashed := st.Amount.MulBps(bps)
		remainder, _ := st.Amount.Sub(slashed)
		if slashed.IsPositive() {
			credits = append(credits, partyCredit{party: "platform", amount: slashed, basis: "bond_slash"})
		}
		if remainder.IsPositive() {
			credits = append(credits, partyCredit{party: st.Party, amount: remainder, basis: "bond_return"})
		}
	}
	if err := l.creditAll(ctx, d.ID, key, credits, now); err != nil {
		return Result{}, err
	}

	totalSlashed := money.Zero(d.JobValue.Currency)
	events := make([]deal.MoneyEvent, 0, len(d.Bonds.Stakes))
	for i, st := range d.Bonds.Stakes {
		slashed := st.Amount.MulBps(bps)
		totalSlashed, _ = totalSlashed.Add(slashed)
		ev, _ := l.appendEvent(d, deal.EventBondSlashed, "", slashed,
			fmt.Sprintf("%s:%d", key, i),
			map[string]any{"party": st.Party, "severity": string(severity)})
		events = append(events, ev)
	}
	d.MoneyEvents = append(d.MoneyEvents, deal.MoneyEvent{
		ID:             "evt_" + uuid.NewString(),
		Type:           deal.EventBondSlashed,
		Amount:         totalSlashed,
		IdempotencyKey: key,
		StateAtEvent:   d.State,
		Metadata:       map[string]any{"severity": string(severity)},
		CreatedAt:      now,
	})
	d.Bonds.Status = deal.BondsSlashed
	d.Bonds.SlashedAmount = totalSlashed
	d.Bonds.SlashedAt = &now
	d.UpdatedAt = now

	return Result{Events: events}, nil
}

// Distribute pays out the frozen revenue split and marks the deal settled.
// Requires a captured escrow; the split was attached at creation and is
// never recomputed here.
func (l *Ledger) Distribute(ctx context.Context, d *deal.Deal, reason string) (Result, error) {
	if d.Settlement.Settled {
		return Result{}, deal.ErrDealAlreadySettled
	}
	if d.RevenueSplit == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrNoRevenueSplit, d.ID)
	}
	if d.Escrow.Status != deal.EscrowCaptured {
		return Result{}, fmt.Errorf("%w: settlement requires captured escrow, got %s",
			ErrInvalidStateForAction, d.Escrow.Status)
	}
	now := l.clock()
	key := IdempotencyKey(d.ID, "settle", now)
	if existing := d.FindEvent(key); existing != nil {
		return Result{Events: []deal.MoneyEvent{*existing}, IsDuplicate: true}, nil
	}

	credits := make([]partyCredit, 0, len(d.RevenueSplit.Entries))
	distributions := make([]deal.Distribution, 0, len(d.RevenueSplit.Entries))
	for _, entry := range d.RevenueSplit.Entries {
		if !entry.Amount.IsPositive() {
			continue
		}
		credits = append(credits, partyCredit{
			party:  entry.Recipient,
			amount: entry.Amount,
			basis:  string(entry.Role),
		})
		distributions = append(distributions, deal.Distribution{
			Type:      entry.Role,
			Recipient: entry.Recipient,
			Amount:    entry.Amount,
		})
	}
	if err := l.creditAll(ctx, d.ID, key, credits, now); err != nil {
		return Result{}, err
	}

	ev, _ := l.appendEvent(d, deal.EventSettled, d.Escrow.PaymentReference,
		d.Escrow.CapturedAmount, key, map[string]any{"reason": reason})
	d.Settlement = deal.Settlement{
		Settled:       true,
		SettledAt:     &now,
		Reason:        reason,
		Distributions: distributions,
	}
	d.UpdatedAt = now

	return Result{Events: []deal.MoneyEvent{ev}}, nil
}
