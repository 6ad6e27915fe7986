package revsplit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aigentsy/dealcore/pkg/deal"
	"github.com/aigentsy/dealcore/pkg/feeschedule"
	"github.com/aigentsy/dealcore/pkg/money"
)

// $1000 deal, 2.8% + $0.28 platform fee, one asset at 10% royalty, one JV
// partner at 30%. Fee $28.28, royalty $97.17 (10% of the $971.72 pool),
// JV $262.37 (30% of the remaining $874.55), lead agent the rest. The
// distribution must reconcile to the job value exactly.
func TestCompute_ReferenceScenario(t *testing.T) {
	sched := feeschedule.Default()
	split, err := Compute(
		sched,
		money.FromMajor(1000, "USD"),
		"lead",
		[]deal.JVPartner{{Party: "partner", ShareBps: 3000}},
		[]deal.IPAsset{{ID: "asset_1", Owner: "owner", RoyaltyBps: 1000}},
	)
	require.NoError(t, err)
	require.Len(t, split.Entries, 4)

	byRole := map[deal.SplitRole]deal.SplitEntry{}
	for _, e := range split.Entries {
		byRole[e.Role] = e
	}

	assert.Equal(t, int64(2828), byRole[deal.RolePlatformFee].Amount.AmountMinor)
	assert.Equal(t, int64(9717), byRole[deal.RoleIPRoyalty].Amount.AmountMinor)
	assert.Equal(t, int64(26237), byRole[deal.RoleJVSplit].Amount.AmountMinor)
	assert.Equal(t, int64(61218), byRole[deal.RoleAgentRevenue].Amount.AmountMinor)

	var total int64
	for _, e := range split.Entries {
		total += e.Amount.AmountMinor
	}
	assert.InDelta(t, 100000, total, 1, "distribution must reconcile within 1 cent")

	assert.Equal(t, int64(2828), split.Summary.PlatformFee.AmountMinor)
	assert.Equal(t, int64(61218), split.Summary.LeadAgentNet.AmountMinor)
}

func TestCompute_NoPartnersNoAssets(t *testing.T) {
	split, err := Compute(feeschedule.Default(), money.FromMajor(100, "USD"), "lead", nil, nil)
	require.NoError(t, err)
	require.Len(t, split.Entries, 2)

	// Fee: 2.8% of $100 + $0.28 = $3.08; lead keeps $96.92.
	assert.Equal(t, int64(308), split.Entries[0].Amount.AmountMinor)
	assert.Equal(t, int64(9692), split.Entries[1].Amount.AmountMinor)
	assert.Equal(t, "lead", split.Entries[1].Recipient)
}

func TestCompute_DefaultRoyaltyFromSchedule(t *testing.T) {
	split, err := Compute(
		feeschedule.Default(),
		money.FromMajor(1000, "USD"),
		"lead",
		nil,
		[]deal.IPAsset{{ID: "asset_1", Owner: "owner"}}, // no explicit rate
	)
	require.NoError(t, err)

	for _, e := range split.Entries {
		if e.Role == deal.RoleIPRoyalty {
			assert.Equal(t, int64(1000), e.Bps)
			assert.Equal(t, int64(9717), e.Amount.AmountMinor)
			return
		}
	}
	t.Fatal("royalty entry missing")
}

func TestCompute_RejectsNonPositiveValue(t *testing.T) {
	_, err := Compute(feeschedule.Default(), money.Zero("USD"), "lead", nil, nil)
	assert.ErrorIs(t, err, deal.ErrInvalidJobValue)
}

func TestCompute_RejectsOverallocation(t *testing.T) {
	_, err := Compute(
		feeschedule.Default(),
		money.FromMajor(1000, "USD"),
		"lead",
		[]deal.JVPartner{
			{Party: "p1", ShareBps: 6000},
			{Party: "p2", ShareBps: 6000},
		},
		nil,
	)
	assert.ErrorIs(t, err, ErrInvalidShare)
}

func TestCompute_Deterministic(t *testing.T) {
	sched := feeschedule.Default()
	jv := []deal.JVPartner{{Party: "p", ShareBps: 2500}}
	assets := []deal.IPAsset{{ID: "a", Owner: "o", RoyaltyBps: 500}}

	first, err := Compute(sched, money.New(123457, "USD"), "lead", jv, assets)
	require.NoError(t, err)
	second, err := Compute(sched, money.New(123457, "USD"), "lead", jv, assets)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
