// Package revsplit computes the itemized revenue distribution for a deal.
//
// The calculator is pure: given the same fee schedule and inputs it always
// produces the same cent amounts, so tests can assert exact values.
package revsplit

import (
	"errors"
	"fmt"

	"github.com/aigentsy/dealcore/pkg/deal"
	"github.com/aigentsy/dealcore/pkg/feeschedule"
	"github.com/aigentsy/dealcore/pkg/money"
)

var (
	// ErrDistributionMismatch means the computed entries do not sum back to
	// the job value within one cent. This indicates a calculator bug, not
	// bad user input, and callers log it as a critical invariant violation.
	ErrDistributionMismatch = errors.New("revenue distribution does not reconcile to job value")

	// ErrInvalidShare is returned when JV shares or royalties exceed 100%.
	ErrInvalidShare = errors.New("shares exceed the available pool")
)

// mismatchTolerance is one cent.
const mismatchTolerance = 1

// Compute produces the distribution for a deal.
//
// Deduction order: platform fee (percent of job value plus fixed) first,
// then IP royalties as a percent of the remaining agent pool per asset,
// then JV partner shares from the pool left after royalties. The lead
// agent keeps the remainder, which makes conservation exact by
// construction; the final check guards against arithmetic regressions.
func Compute(sched *feeschedule.Schedule, jobValue money.Money, leadAgent string, jvPartners []deal.JVPartner, ipAssets []deal.IPAsset) (*deal.RevenueSplit, error) {
	if !jobValue.IsPositive() {
		return nil, deal.ErrInvalidJobValue
	}

	currency := jobValue.Currency
	entries := make([]deal.SplitEntry, 0, 2+len(jvPartners)+len(ipAssets))

	// Platform fee off the top.
	platformFee, err := jobValue.MulBps(sched.PlatformFeeBps).Add(money.New(sched.PlatformFeeFixed, currency))
	if err != nil {
		return nil, err
	}
	entries = append(entries, deal.SplitEntry{
		Recipient: "platform",
		Role:      deal.RolePlatformFee,
		Amount:    platformFee,
		Bps:       sched.PlatformFeeBps,
	})

	pool, err := jobValue.Sub(platformFee)
	if err != nil {
		return nil, err
	}
	if pool.IsNegative() {
		return nil, fmt.Errorf("%w: platform fee %s exceeds job value %s", ErrInvalidShare, platformFee, jobValue)
	}

	// IP royalties from the agent pool.
	totalRoyalties := money.Zero(currency)
	for _, asset := range ipAssets {
		bps := asset.RoyaltyBps
		if bps == 0 {
			bps = sched.DefaultRoyaltyBps
		}
		royalty := pool.MulBps(bps)
		totalRoyalties, err = totalRoyalties.Add(royalty)
		if err != nil {
			return nil, err
		}
		entries = append(entries, deal.SplitEntry{
			Recipient: asset.Owner,
			Role:      deal.RoleIPRoyalty,
			Amount:    royalty,
			Bps:       bps,
			AssetID:   asset.ID,
		})
	}
	poolAfterRoyalties, err := pool.Sub(totalRoyalties)
	if err != nil {
		return nil, err
	}
	if poolAfterRoyalties.IsNegative() {
		return nil, fmt.Errorf("%w: royalties %s exceed agent pool %s", ErrInvalidShare, totalRoyalties, pool)
	}

	// JV partner shares from the post-royalty pool.
	totalJV := money.Zero(currency)
	for _, partner := range jvPartners {
		share := poolAfterRoyalties.MulBps(partner.ShareBps)
		totalJV, err = totalJV.Add(share)
		if err != nil {
			return nil, err
		}
		entries = append(entries, deal.SplitEntry{
			Recipient: partner.Party,
			Role:      deal.RoleJVSplit,
			Amount:    share,
			Bps:       partner.ShareBps,
		})
	}

	// Lead agent keeps the remainder.
	leadNet, err := poolAfterRoyalties.Sub(totalJV)
	if err != nil {
		return nil, err
	}
	if leadNet.IsNegative() {
		return nil, fmt.Errorf("%w: JV shares %s exceed pool %s", ErrInvalidShare, totalJV, poolAfterRoyalties)
	}
	leadBps := int64(0)
	if jobValue.AmountMinor > 0 {
		leadBps = leadNet.AmountMinor * 10000 / jobValue.AmountMinor
	}
	entries = append(entries, deal.SplitEntry{
		Recipient: leadAgent,
		Role:      deal.RoleAgentRevenue,
		Amount:    leadNet,
		Bps:       leadBps,
	})

	// Conservation check. Must never fail under correct inputs.
	total := money.Zero(currency)
	for _, e := range entries {
		total, err = total.Add(e.Amount)
		if err != nil {
			return nil, err
		}
	}
	diff := total.AmountMinor - jobValue.AmountMinor
	if diff > mismatchTolerance || diff < -mismatchTolerance {
		return nil, fmt.Errorf("%w: expected %s, distributed %s", ErrDistributionMismatch, jobValue, total)
	}

	return &deal.RevenueSplit{
		Entries: entries,
		Summary: deal.SplitSummary{
			JobValue:       jobValue,
			PlatformFee:    platformFee,
			TotalRoyalties: totalRoyalties,
			TotalJVSplits:  totalJV,
			LeadAgentNet:   leadNet,
		},
	}, nil
}
