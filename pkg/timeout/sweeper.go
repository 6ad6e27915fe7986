package timeout

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/aigentsy/dealcore/pkg/deal"
)

// Repo is the slice of the deal repository the sweeper needs.
type Repo interface {
	List(ctx context.Context, states ...deal.State) ([]*deal.Deal, error)
	Update(ctx context.Context, id string, fn func(*deal.Deal) error) (*deal.Deal, error)
}

// ProofVerifier reports whether a proof of outcome exists for the deal.
// The zero value (nil) means no proof is ever available.
type ProofVerifier func(ctx context.Context, d *deal.Deal) bool

// Sweeper periodically scans in-progress deals and auto-releases the ones
// past their delivery window.
type Sweeper struct {
	policy   *Policy
	repo     Repo
	verify   ProofVerifier
	interval time.Duration
	log      zerolog.Logger
}

// NewSweeper creates a sweeper scanning at the given interval.
func NewSweeper(policy *Policy, repo Repo, verify ProofVerifier, interval time.Duration, log zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{policy: policy, repo: repo, verify: verify, interval: interval, log: log}
}

// SweepResult summarizes one pass.
type SweepResult struct {
	Scanned     int `json:"scanned"`
	Released    int `json:"released"`
	AwaitingPoO int `json:"awaiting_poo"`
	Errors      int `json:"errors"`
}

// Sweep runs a single pass over all in-progress deals.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	deals, err := s.repo.List(ctx, deal.StateInProgress)
	if err != nil {
		return SweepResult{}, err
	}
	now := s.policy.clock()
	var res SweepResult
	for _, d := range deals {
		res.Scanned++
		st := s.policy.CheckTimeout(d, now)
		if !st.TimedOut {
			continue
		}
		proof := false
		if s.verify != nil {
			proof = s.verify(ctx, d)
		}
		_, err := s.repo.Update(ctx, d.ID, func(cur *deal.Deal) error {
			_, err := s.policy.AutoRelease(ctx, cur, proof)
			return err
		})
		switch {
		case err == nil:
			res.Released++
			s.log.Info().
				Str("deal_id", d.ID).
				Float64("hours_overdue", st.HoursOverdue).
				Str("reason", releaseReason(proof)).
				Msg("deal auto-released on timeout")
		case errors.Is(err, ErrPoOVerificationRequired):
			res.AwaitingPoO++
			s.log.Warn().
				Str("deal_id", d.ID).
				Float64("hours_overdue", st.HoursOverdue).
				Msg("timed-out deal held pending proof of outcome")
		case errors.Is(err, ErrNotTimedOut):
			// Raced with another writer; nothing to do.
		default:
			res.Errors++
			s.log.Error().Err(err).Str("deal_id", d.ID).Msg("auto-release failed")
		}
	}
	return res, nil
}

// Run sweeps on a ticker until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error().Err(err).Msg("timeout sweep failed")
			}
		}
	}
}

func releaseReason(proof bool) string {
	if proof {
		return ReasonTimeoutWithPoO
	}
	return ReasonTimeout
}
