// Package engine orchestrates the deal lifecycle: it binds the state
// machine to money side effects, serializing every mutation of one deal
// through the repository's Update closure so a failed operation never
// commits a partial change.
//
// Gateway calls run outside the write closure. Their idempotency keys are
// derived from the payment reference, so a crash between the provider call
// and the commit is repaired by retrying the same operation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aigentsy/dealcore/pkg/deal"
	"github.com/aigentsy/dealcore/pkg/feeschedule"
	"github.com/aigentsy/dealcore/pkg/ledger"
	"github.com/aigentsy/dealcore/pkg/money"
	"github.com/aigentsy/dealcore/pkg/observability"
	"github.com/aigentsy/dealcore/pkg/psp"
	"github.com/aigentsy/dealcore/pkg/reconcile"
	"github.com/aigentsy/dealcore/pkg/revsplit"
	"github.com/aigentsy/dealcore/pkg/store"
)

// Engine executes deal operations against a repository, a money ledger and
// a payment gateway.
type Engine struct {
	repo     store.Repository
	ledger   *ledger.Ledger
	gateway  psp.Gateway
	webhooks *reconcile.Processor
	sched    *feeschedule.Schedule
	obs      *observability.Provider
	slo      *observability.SLOTracker
	clock    func() time.Time
	log      zerolog.Logger
}

// New creates an engine. Observability defaults to a no-op provider.
func New(repo store.Repository, led *ledger.Ledger, gateway psp.Gateway, sched *feeschedule.Schedule, log zerolog.Logger) *Engine {
	return &Engine{
		repo:     repo,
		ledger:   led,
		gateway:  gateway,
		webhooks: reconcile.NewProcessor(log),
		sched:    sched,
		obs:      observability.Noop(),
		clock:    time.Now,
		log:      log.With().Str("component", "engine").Logger(),
	}
}

// WithClock overrides the clock for testing. The ledger keeps its own
// clock; tests inject the same function into both.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	e.webhooks.WithClock(clock)
	return e
}

// WithObservability attaches a telemetry provider.
func (e *Engine) WithObservability(p *observability.Provider) *Engine {
	e.obs = p
	return e
}

// WithSLOTracker attaches a delivery SLO tracker fed by MarkDelivered.
func (e *Engine) WithSLOTracker(t *observability.SLOTracker) *Engine {
	e.slo = t
	return e
}

// CreateDealRequest carries the inputs for a new deal.
type CreateDealRequest struct {
	IntentID   string
	Buyer      string
	LeadAgent  string
	SLOTier    string
	JobValue   money.Money
	JVPartners []deal.JVPartner
	IPAssets   []deal.IPAsset
	// BondRequired is the performance bond each side must stake before
	// work starts. Zero disables the requirement.
	BondRequired money.Money
	// Deadline is the delivery deadline. Nil defers to the schedule's
	// default timeout, anchored at work start.
	Deadline *time.Time
}

// CreateDeal computes the revenue split, attaches it and persists the deal
// in PROPOSED. The split is frozen from here on.
func (e *Engine) CreateDeal(ctx context.Context, req CreateDealRequest) (*deal.Deal, error) {
	ctx, finish := e.obs.TrackOperation(ctx, "deal.create",
		observability.AttrDealTier.String(req.SLOTier))

	split, err := revsplit.Compute(e.sched, req.JobValue, req.LeadAgent, req.JVPartners, req.IPAssets)
	if err != nil {
		if errors.Is(err, revsplit.ErrDistributionMismatch) {
			// A conservation failure is a calculator bug, never bad input.
			e.log.Error().Err(err).
				Str("intent_id", req.IntentID).
				Str("job_value", req.JobValue.String()).
				Str("severity", "critical").
				Msg("revenue split does not conserve job value")
		}
		finish(err)
		return nil, err
	}

	now := e.clock()
	d, err := deal.New(req.IntentID, req.Buyer, req.LeadAgent, req.SLOTier, req.JobValue, now)
	if err != nil {
		finish(err)
		return nil, err
	}
	d.RevenueSplit = split
	d.JVPartners = append([]deal.JVPartner(nil), req.JVPartners...)
	d.IPAssets = append([]deal.IPAsset(nil), req.IPAssets...)
	if req.BondRequired.AmountMinor > 0 {
		d.Bonds.Required = req.BondRequired
	}
	if req.Deadline != nil {
		dl := *req.Deadline
		d.Delivery.Deadline = &dl
	}

	if err := e.repo.Create(ctx, d); err != nil {
		finish(err)
		return nil, err
	}

	e.obs.RecordDealCreated(ctx, req.SLOTier)
	e.log.Info().
		Str("deal_id", d.ID).
		Str("buyer", d.Buyer).
		Str("lead_agent", d.LeadAgent).
		Str("job_value", d.JobValue.String()).
		Msg("deal created")
	finish(nil)
	return d, nil
}

// Accept moves the deal from PROPOSED to ACCEPTED.
func (e *Engine) Accept(ctx context.Context, dealID, actor string) (*deal.Deal, error) {
	return e.transition(ctx, dealID, deal.StateAccepted, actor, nil)
}

// AuthorizeEscrow places the escrow hold with the payment gateway and
// records it, moving the deal to ESCROW_HELD. The gateway call runs before
// the write closure; if the commit fails the hold is voided best-effort.
func (e *Engine) AuthorizeEscrow(ctx context.Context, dealID string) (*deal.Deal, error) {
	ctx, finish := e.obs.TrackOperation(ctx, "deal.authorize_escrow",
		observability.AttrDealID.String(dealID))

	d, err := e.repo.Get(ctx, dealID)
	if err != nil {
		finish(err)
		return nil, err
	}
	if d.State != deal.StateAccepted {
		err = fmt.Errorf("%w: authorize requires %s, deal is %s",
			ledger.ErrInvalidStateForAction, deal.StateAccepted, d.State)
		finish(err)
		return nil, err
	}

	ref, err := e.gateway.Authorize(ctx, d.IntentID, d.JobValue)
	if err != nil {
		finish(err)
		return nil, fmt.Errorf("engine: gateway authorize: %w", err)
	}

	updated, err := e.repo.Update(ctx, dealID, func(d *deal.Deal) error {
		if _, err := e.ledger.Authorize(ctx, d, ref, d.JobValue); err != nil {
			return err
		}
		return d.Transition(deal.StateEscrowHeld, "system",
			map[string]any{"payment_reference": ref}, e.clock())
	})
	if err != nil {
		// A state conflict means a concurrent call won the race and committed
		// a hold under the provider's deterministic idempotency key — the
		// same reference this call holds. Voiding it would release the
		// winner's escrow, so clean up only genuinely orphaned holds.
		if !errors.Is(err, ledger.ErrInvalidStateForAction) && !errors.Is(err, deal.ErrInvalidStateTransition) {
			if voidErr := e.gateway.Void(ctx, ref); voidErr != nil {
				e.log.Warn().Err(voidErr).
					Str("deal_id", dealID).
					Str("payment_reference", ref).
					Msg("failed to void orphaned escrow hold")
			}
		}
		finish(err)
		return nil, err
	}

	e.log.Info().
		Str("deal_id", dealID).
		Str("payment_reference", ref).
		Str("amount", updated.Escrow.Amount.String()).
		Msg("escrow authorized")
	finish(nil)
	return updated, nil
}

// StakeBonds debits the performance bonds and moves the deal to
// BONDS_STAKED. Atomic: a failed debit compensates earlier ones and leaves
// the deal in ESCROW_HELD.
func (e *Engine) StakeBonds(ctx context.Context, dealID string, stakes []ledger.StakeRequest) (*deal.Deal, error) {
	ctx, finish := e.obs.TrackOperation(ctx, "deal.stake_bonds",
		observability.AttrDealID.String(dealID))

	updated, err := e.repo.Update(ctx, dealID, func(d *deal.Deal) error {
		if _, err := e.ledger.StakeBonds(ctx, d, stakes); err != nil {
			return err
		}
		return d.Transition(deal.StateBondsStaked, "system", nil, e.clock())
	})
	finish(err)
	if err != nil {
		return nil, err
	}
	e.log.Info().
		Str("deal_id", dealID).
		Str("total_staked", updated.Bonds.TotalStaked.String()).
		Msg("bonds staked")
	return updated, nil
}

// StartWork moves the deal to IN_PROGRESS and fixes the delivery deadline.
// A nil deadline falls back to the schedule's default timeout from now.
func (e *Engine) StartWork(ctx context.Context, dealID string, deadline *time.Time) (*deal.Deal, error) {
	return e.repo.Update(ctx, dealID, func(d *deal.Deal) error {
		now := e.clock()
		if err := d.Transition(deal.StateInProgress, d.LeadAgent, nil, now); err != nil {
			return err
		}
		switch {
		case deadline != nil:
			dl := *deadline
			d.Delivery.Deadline = &dl
		case d.Delivery.Deadline == nil:
			dl := now.Add(e.sched.DefaultTimeout.Std())
			d.Delivery.Deadline = &dl
		}
		return nil
	})
}

// MarkDelivered records the delivery, computing whether it landed before
// the deadline, and moves the deal to DELIVERED.
func (e *Engine) MarkDelivered(ctx context.Context, dealID, actor string) (*deal.Deal, error) {
	updated, err := e.repo.Update(ctx, dealID, func(d *deal.Deal) error {
		now := e.clock()
		if err := d.Transition(deal.StateDelivered, actor, nil, now); err != nil {
			return err
		}
		onTime := d.Delivery.Deadline == nil || !now.After(*d.Delivery.Deadline)
		d.Delivery.DeliveredAt = &now
		d.Delivery.OnTime = &onTime
		return nil
	})
	if err != nil {
		return nil, err
	}

	if e.slo != nil && updated.Delivery.DeliveredAt != nil {
		e.slo.Record(observability.DeliveryObservation{
			Tier:      updated.SLOTier,
			DealID:    updated.ID,
			OnTime:    updated.Delivery.OnTime != nil && *updated.Delivery.OnTime,
			Latency:   updated.Delivery.DeliveredAt.Sub(updated.CreatedAt),
			Timestamp: *updated.Delivery.DeliveredAt,
		})
	}
	return updated, nil
}

// Settle captures the escrow, returns bonds, fans the distribution out to
// the party store and completes the deal. Settling twice returns
// deal.ErrDealAlreadySettled.
func (e *Engine) Settle(ctx context.Context, dealID string) (*deal.Deal, error) {
	ctx, finish := e.obs.TrackOperation(ctx, "deal.settle",
		observability.AttrDealID.String(dealID))

	d, err := e.repo.Get(ctx, dealID)
	if err != nil {
		finish(err)
		return nil, err
	}
	if d.Settlement.Settled {
		finish(deal.ErrDealAlreadySettled)
		return nil, deal.ErrDealAlreadySettled
	}
	if d.State != deal.StateDelivered {
		err = fmt.Errorf("%w: settle requires %s, deal is %s",
			ledger.ErrInvalidStateForAction, deal.StateDelivered, d.State)
		finish(err)
		return nil, err
	}

	// Keyed on the payment reference, so a retry after a crashed commit
	// does not double-capture.
	if err := e.gateway.Capture(ctx, d.Escrow.PaymentReference, d.Escrow.Amount); err != nil {
		finish(err)
		return nil, fmt.Errorf("engine: gateway capture: %w", err)
	}

	updated, err := e.repo.Update(ctx, dealID, func(d *deal.Deal) error {
		if d.Settlement.Settled {
			return deal.ErrDealAlreadySettled
		}
		if _, err := e.ledger.Capture(ctx, d, money.Zero(d.JobValue.Currency)); err != nil {
			return err
		}
		if d.Bonds.Status == deal.BondsStaked {
			if _, err := e.ledger.ReturnBonds(ctx, d); err != nil {
				return err
			}
		}
		if _, err := e.ledger.Distribute(ctx, d, "delivery"); err != nil {
			return err
		}
		return d.Transition(deal.StateCompleted, "system", nil, e.clock())
	})
	if err != nil {
		finish(err)
		return nil, err
	}

	e.obs.RecordSettlement(ctx, "delivery")
	e.log.Info().
		Str("deal_id", dealID).
		Str("captured", updated.Escrow.CapturedAmount.String()).
		Int("distributions", len(updated.Settlement.Distributions)).
		Msg("deal settled")
	finish(nil)
	return updated, nil
}

// Cancel voids any authorized escrow and moves the deal to CANCELLED.
func (e *Engine) Cancel(ctx context.Context, dealID, actor, reason string) (*deal.Deal, error) {
	ctx, finish := e.obs.TrackOperation(ctx, "deal.cancel",
		observability.AttrDealID.String(dealID))

	d, err := e.repo.Get(ctx, dealID)
	if err != nil {
		finish(err)
		return nil, err
	}
	if !deal.CanTransition(d.State, deal.StateCancelled) {
		err = fmt.Errorf("%w: %s -> %s", deal.ErrInvalidStateTransition, d.State, deal.StateCancelled)
		finish(err)
		return nil, err
	}

	if d.Escrow.Status == deal.EscrowAuthorized {
		if err := e.gateway.Void(ctx, d.Escrow.PaymentReference); err != nil {
			finish(err)
			return nil, fmt.Errorf("engine: gateway void: %w", err)
		}
	}

	updated, err := e.repo.Update(ctx, dealID, func(d *deal.Deal) error {
		if d.Escrow.Status == deal.EscrowAuthorized {
			if _, err := e.ledger.Void(ctx, d, reason); err != nil {
				return err
			}
		}
		return d.Transition(deal.StateCancelled, actor,
			map[string]any{"reason": reason}, e.clock())
	})
	finish(err)
	if err != nil {
		return nil, err
	}
	e.log.Info().Str("deal_id", dealID).Str("reason", reason).Msg("deal cancelled")
	return updated, nil
}

// GetDeal returns the deal aggregate.
func (e *Engine) GetDeal(ctx context.Context, dealID string) (*deal.Deal, error) {
	return e.repo.Get(ctx, dealID)
}

// GetDealSummary returns the flattened dashboard view.
func (e *Engine) GetDealSummary(ctx context.Context, dealID string) (deal.Summary, error) {
	d, err := e.repo.Get(ctx, dealID)
	if err != nil {
		return deal.Summary{}, err
	}
	return d.Summarize(), nil
}

// GetTimeline returns the merged money and state history of a deal.
func (e *Engine) GetTimeline(ctx context.Context, dealID string) (ledger.Timeline, error) {
	d, err := e.repo.Get(ctx, dealID)
	if err != nil {
		return ledger.Timeline{}, err
	}
	return ledger.BuildTimeline(d), nil
}

// transition runs a bare state transition with no money side effects.
func (e *Engine) transition(ctx context.Context, dealID string, next deal.State, actor string, meta map[string]any) (*deal.Deal, error) {
	return e.repo.Update(ctx, dealID, func(d *deal.Deal) error {
		return d.Transition(next, actor, meta, e.clock())
	})
}
