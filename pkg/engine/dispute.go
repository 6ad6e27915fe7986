package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/aigentsy/dealcore/pkg/deal"
	"github.com/aigentsy/dealcore/pkg/ledger"
	"github.com/aigentsy/dealcore/pkg/observability"
)

// Resolution is the outcome of a dispute.
type Resolution string

const (
	// ResolutionRelease settles in the agent's favor: funds are captured
	// and distributed, bonds returned, deal completed.
	ResolutionRelease Resolution = "release"
	// ResolutionBreach settles against the agent: escrow is voided back to
	// the buyer, bonds slashed, deal breached.
	ResolutionBreach Resolution = "breach"
)

// ErrUnknownResolution is returned for a resolution outside the two
// recognized outcomes.
var ErrUnknownResolution = errors.New("unknown dispute resolution")

// RaiseDispute pauses the escrow and moves the deal to DISPUTED.
func (e *Engine) RaiseDispute(ctx context.Context, dealID, raisedBy, reason string) (*deal.Deal, error) {
	ctx, finish := e.obs.TrackOperation(ctx, "deal.raise_dispute",
		observability.AttrDealID.String(dealID))

	updated, err := e.repo.Update(ctx, dealID, func(d *deal.Deal) error {
		if _, err := e.ledger.PauseOnDispute(ctx, d, raisedBy, reason); err != nil {
			return err
		}
		return d.Transition(deal.StateDisputed, raisedBy,
			map[string]any{"reason": reason}, e.clock())
	})
	finish(err)
	if err != nil {
		return nil, err
	}
	e.log.Warn().
		Str("deal_id", dealID).
		Str("raised_by", raisedBy).
		Str("reason", reason).
		Msg("dispute raised")
	return updated, nil
}

// ResolveDispute closes a dispute. Release captures and distributes the
// escrow and completes the deal; breach voids the escrow back to the buyer,
// slashes staked bonds at the given severity and breaches the deal.
func (e *Engine) ResolveDispute(ctx context.Context, dealID string, resolution Resolution, severity ledger.Severity) (*deal.Deal, error) {
	ctx, finish := e.obs.TrackOperation(ctx, "deal.resolve_dispute",
		observability.AttrDealID.String(dealID),
		observability.AttrOperation.String(string(resolution)))

	d, err := e.repo.Get(ctx, dealID)
	if err != nil {
		finish(err)
		return nil, err
	}
	if d.State != deal.StateDisputed {
		err = fmt.Errorf("%w: resolution requires %s, deal is %s",
			ledger.ErrInvalidStateForAction, deal.StateDisputed, d.State)
		finish(err)
		return nil, err
	}

	var updated *deal.Deal
	switch resolution {
	case ResolutionRelease:
		updated, err = e.resolveRelease(ctx, d)
	case ResolutionBreach:
		updated, err = e.resolveBreach(ctx, d, severity)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownResolution, resolution)
	}
	finish(err)
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("deal_id", dealID).
		Str("resolution", string(resolution)).
		Str("state", string(updated.State)).
		Msg("dispute resolved")
	return updated, nil
}

func (e *Engine) resolveRelease(ctx context.Context, d *deal.Deal) (*deal.Deal, error) {
	// Provider capture first; the key on the reference makes a retry after
	// a crashed commit safe.
	if err := e.gateway.Capture(ctx, d.Escrow.PaymentReference, d.Escrow.Amount); err != nil {
		return nil, fmt.Errorf("engine: gateway capture: %w", err)
	}

	updated, err := e.repo.Update(ctx, d.ID, func(d *deal.Deal) error {
		if err := e.ledger.ResumeFromDispute(ctx, d, string(ResolutionRelease)); err != nil {
			return err
		}
		if _, err := e.ledger.CaptureOnResolution(ctx, d); err != nil {
			return err
		}
		if d.Bonds.Status == deal.BondsStaked {
			if _, err := e.ledger.ReturnBonds(ctx, d); err != nil {
				return err
			}
		}
		if _, err := e.ledger.Distribute(ctx, d, "dispute_release"); err != nil {
			return err
		}
		return d.Transition(deal.StateCompleted, "system",
			map[string]any{"resolution": string(ResolutionRelease)}, e.clock())
	})
	if err != nil {
		return nil, err
	}
	e.obs.RecordSettlement(ctx, "dispute_release")
	return updated, nil
}

func (e *Engine) resolveBreach(ctx context.Context, d *deal.Deal, severity ledger.Severity) (*deal.Deal, error) {
	if err := e.gateway.Void(ctx, d.Escrow.PaymentReference); err != nil {
		return nil, fmt.Errorf("engine: gateway void: %w", err)
	}

	return e.repo.Update(ctx, d.ID, func(d *deal.Deal) error {
		if err := e.ledger.ResumeFromDispute(ctx, d, string(ResolutionBreach)); err != nil {
			return err
		}
		if _, err := e.ledger.Void(ctx, d, "dispute_breach"); err != nil {
			return err
		}
		if d.Bonds.Status == deal.BondsStaked {
			if _, err := e.ledger.SlashBond(ctx, d, severity); err != nil {
				return err
			}
		}
		return d.Transition(deal.StateBreached, "system",
			map[string]any{"resolution": string(ResolutionBreach), "severity": string(severity)}, e.clock())
	})
}
