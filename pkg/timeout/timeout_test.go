package timeout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aigentsy/dealcore/pkg/deal"
	"github.com/aigentsy/dealcore/pkg/feeschedule"
	"github.com/aigentsy/dealcore/pkg/ledger"
	"github.com/aigentsy/dealcore/pkg/money"
	"github.com/aigentsy/dealcore/pkg/party"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func inProgressDeal(t *testing.T, l *ledger.Ledger, deadline time.Time) *deal.Deal {
	t.Helper()
	d, err := deal.New("intent_1", "buyer", "agent", "standard", money.FromMajor(1000, "USD"), start)
	require.NoError(t, err)
	d.Delivery.Deadline = &deadline
	d.RevenueSplit = &deal.RevenueSplit{
		Entries: []deal.SplitEntry{
			{Recipient: "platform", Role: deal.RolePlatformFee, Amount: money.New(2828, "USD")},
			{Recipient: "agent", Role: deal.RoleAgentRevenue, Amount: money.New(97172, "USD")},
		},
	}
	d.State = deal.StateAccepted
	_, err = l.Authorize(context.Background(), d, "pi_timeout", d.JobValue)
	require.NoError(t, err)
	d.State = deal.StateInProgress
	return d
}

func newPolicy(now *time.Time) (*Policy, *ledger.Ledger, *party.MemoryStore) {
	parties := party.NewMemoryStore("USD")
	l := ledger.New(parties).WithClock(func() time.Time { return *now })
	p := NewPolicy(feeschedule.Default(), l).WithClock(func() time.Time { return *now })
	return p, l, parties
}

func TestCheckTimeout_Boundary(t *testing.T) {
	now := start
	p, l, _ := newPolicy(&now)
	deadline := start.Add(72 * time.Hour)
	d := inProgressDeal(t, l, deadline)
	expires := deadline.Add(24 * time.Hour)

	cases := []struct {
		name     string
		at       time.Time
		timedOut bool
	}{
		{"one second before expiry", expires.Add(-time.Second), false},
		{"exactly at expiry", expires, false},
		{"one second after expiry", expires.Add(time.Second), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := p.CheckTimeout(d, tc.at)
			assert.True(t, st.Eligible)
			assert.Equal(t, tc.timedOut, st.TimedOut)
			assert.Equal(t, expires, st.ExpiresAt)
		})
	}
}

func TestCheckTimeout_OnlyInProgress(t *testing.T) {
	now := start
	p, l, _ := newPolicy(&now)
	d := inProgressDeal(t, l, start.Add(time.Hour))

	for _, s := range []deal.State{deal.StateProposed, deal.StateDelivered, deal.StateCompleted, deal.StateDisputed} {
		d.State = s
		st := p.CheckTimeout(d, start.Add(1000*time.Hour))
		assert.False(t, st.Eligible, "state %s", s)
		assert.False(t, st.TimedOut, "state %s", s)
	}
}

func TestCheckTimeout_DefaultDeadline(t *testing.T) {
	now := start
	p, l, _ := newPolicy(&now)
	d := inProgressDeal(t, l, start)
	d.Delivery.Deadline = nil

	st := p.CheckTimeout(d, start)
	// Schedule default: 168h window + 24h grace from creation.
	assert.Equal(t, start.Add(192*time.Hour), st.ExpiresAt)
	assert.False(t, st.TimedOut)
	assert.InDelta(t, 192.0, st.HoursRemaining, 0.01)
}

func TestAutoRelease(t *testing.T) {
	now := start
	p, l, parties := newPolicy(&now)
	d := inProgressDeal(t, l, start.Add(72*time.Hour))
	now = start.Add(100 * time.Hour)

	res, err := p.AutoRelease(context.Background(), d, true)
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)

	assert.Equal(t, deal.StateCompleted, d.State)
	assert.Equal(t, deal.EscrowCaptured, d.Escrow.Status)
	assert.True(t, d.Settlement.Settled)
	assert.Equal(t, ReasonTimeoutWithPoO, d.Settlement.Reason)
	require.NotNil(t, d.Delivery.OnTime)
	assert.False(t, *d.Delivery.OnTime)

	// The walk went through DELIVERED, never skipping an edge.
	states := make([]deal.State, 0, len(d.History))
	for _, h := range d.History {
		states = append(states, h.State)
	}
	assert.Contains(t, states, deal.StateDelivered)

	agent, _ := parties.Balance(context.Background(), "agent")
	assert.Equal(t, int64(97172), agent.AmountMinor)

	found := false
	for _, ev := range d.MoneyEvents {
		if ev.Type == deal.EventAutoReleased {
			found = true
			assert.Equal(t, ReasonTimeoutWithPoO, ev.Metadata["reason"])
		}
	}
	assert.True(t, found, "auto-release event recorded")
}

func TestAutoRelease_ReturnsStakedBonds(t *testing.T) {
	now := start
	p, l, parties := newPolicy(&now)
	parties.Seed("agent", money.New(10000, "USD"))

	d := inProgressDeal(t, l, start.Add(72*time.Hour))
	d.State = deal.StateEscrowHeld
	_, err := l.StakeBonds(context.Background(), d, []ledger.StakeRequest{
		{Party: "agent", Amount: money.New(10000, "USD")},
	})
	require.NoError(t, err)
	d.State = deal.StateInProgress
	now = start.Add(100 * time.Hour)

	_, err = p.AutoRelease(context.Background(), d, true)
	require.NoError(t, err)

	assert.Equal(t, deal.BondsReturned, d.Bonds.Status)
	agent, err := parties.Balance(context.Background(), "agent")
	require.NoError(t, err)
	// Bond back plus the agent's split share.
	assert.Equal(t, int64(10000+97172), agent.AmountMinor)
}

func TestAutoRelease_RequiresProof(t *testing.T) {
	now := start
	p, l, _ := newPolicy(&now)
	d := inProgressDeal(t, l, start.Add(72*time.Hour))
	now = start.Add(100 * time.Hour)
	before := d.Clone()

	_, err := p.AutoRelease(context.Background(), d, false)
	assert.ErrorIs(t, err, ErrPoOVerificationRequired)
	assert.Equal(t, before, d, "failed release must not mutate the deal")
}

func TestAutoRelease_WithoutProofWhenPolicyAllows(t *testing.T) {
	now := start
	parties := party.NewMemoryStore("USD")
	l := ledger.New(parties).WithClock(func() time.Time { return now })
	sched := feeschedule.Default()
	sched.RequirePoO = false
	p := NewPolicy(sched, l).WithClock(func() time.Time { return now })
	d := inProgressDeal(t, l, start.Add(72*time.Hour))
	now = start.Add(100 * time.Hour)

	_, err := p.AutoRelease(context.Background(), d, false)
	require.NoError(t, err)
	assert.Equal(t, ReasonTimeout, d.Settlement.Reason)
}

func TestAutoRelease_NotTimedOut(t *testing.T) {
	now := start
	p, l, _ := newPolicy(&now)
	d := inProgressDeal(t, l, start.Add(72*time.Hour))
	now = start.Add(48 * time.Hour)

	_, err := p.AutoRelease(context.Background(), d, true)
	assert.ErrorIs(t, err, ErrNotTimedOut)
}

func TestAutoRelease_Disabled(t *testing.T) {
	now := start.Add(1000 * time.Hour)
	parties := party.NewMemoryStore("USD")
	l := ledger.New(parties)
	sched := feeschedule.Default()
	sched.AutoReleaseEnable = false
	p := NewPolicy(sched, l).WithClock(func() time.Time { return now })
	d := inProgressDeal(t, l, start.Add(72*time.Hour))

	_, err := p.AutoRelease(context.Background(), d, true)
	assert.ErrorIs(t, err, ErrAutoReleaseDisabled)
}

func TestAutoRelease_Idempotent(t *testing.T) {
	now := start
	p, l, _ := newPolicy(&now)
	d := inProgressDeal(t, l, start.Add(72*time.Hour))
	now = start.Add(100 * time.Hour)

	_, err := p.AutoRelease(context.Background(), d, true)
	require.NoError(t, err)

	// Same second, same key: duplicate no-op even though the deal moved on.
	res, err := p.AutoRelease(context.Background(), d, true)
	require.NoError(t, err)
	assert.True(t, res.IsDuplicate)
}
