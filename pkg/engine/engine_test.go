package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aigentsy/dealcore/pkg/deal"
	"github.com/aigentsy/dealcore/pkg/feeschedule"
	"github.com/aigentsy/dealcore/pkg/ledger"
	"github.com/aigentsy/dealcore/pkg/money"
	"github.com/aigentsy/dealcore/pkg/observability"
	"github.com/aigentsy/dealcore/pkg/party"
	"github.com/aigentsy/dealcore/pkg/psp"
	"github.com/aigentsy/dealcore/pkg/store"
)

var engineStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine  *Engine
	repo    *store.MemoryRepository
	parties *party.MemoryStore
	gateway *psp.StubGateway
	now     *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	now := engineStart
	clock := func() time.Time { return now }

	parties := party.NewMemoryStore("USD")
	parties.Seed("buyer_1", money.FromMajor(5000, "USD"))
	parties.Seed("agent_1", money.FromMajor(200, "USD"))
	parties.Seed("partner_1", money.FromMajor(200, "USD"))

	led := ledger.New(parties).WithClock(clock)
	repo := store.NewMemoryRepository()
	gateway := psp.NewStubGateway()

	eng := New(repo, led, gateway, feeschedule.Default(), zerolog.Nop()).WithClock(clock)

	return &fixture{engine: eng, repo: repo, parties: parties, gateway: gateway, now: &now}
}

// advance moves the shared clock so the next operation derives a fresh
// idempotency key.
func (f *fixture) advance(d time.Duration) {
	*f.now = f.now.Add(d)
}

func (f *fixture) createDeal(t *testing.T, req CreateDealRequest) *deal.Deal {
	t.Helper()
	if req.IntentID == "" {
		req = CreateDealRequest{
			IntentID:  "intent_1",
			Buyer:     "buyer_1",
			LeadAgent: "agent_1",
			SLOTier:   "standard",
			JobValue:  money.FromMajor(1000, "USD"),
		}
	}
	d, err := f.engine.CreateDeal(context.Background(), req)
	require.NoError(t, err)
	return d
}

// toInProgress walks a fresh deal through escrow and bonds into IN_PROGRESS.
func (f *fixture) toInProgress(t *testing.T) *deal.Deal {
	t.Helper()
	ctx := context.Background()
	d := f.createDeal(t, CreateDealRequest{})

	_, err := f.engine.Accept(ctx, d.ID, "agent_1")
	require.NoError(t, err)
	f.advance(time.Second)
	_, err = f.engine.AuthorizeEscrow(ctx, d.ID)
	require.NoError(t, err)
	f.advance(time.Second)
	_, err = f.engine.StakeBonds(ctx, d.ID, []ledger.StakeRequest{
		{Party: "agent_1", Amount: money.FromMajor(100, "USD")},
	})
	require.NoError(t, err)
	f.advance(time.Second)
	updated, err := f.engine.StartWork(ctx, d.ID, nil)
	require.NoError(t, err)
	return updated
}

func TestCreateDeal_AttachesSplit(t *testing.T) {
	f := newFixture(t)

	d := f.createDeal(t, CreateDealRequest{
		IntentID:   "intent_split",
		Buyer:      "buyer_1",
		LeadAgent:  "agent_1",
		SLOTier:    "standard",
		JobValue:   money.FromMajor(1000, "USD"),
		JVPartners: []deal.JVPartner{{Party: "partner_1", ShareBps: 3000}},
		IPAssets:   []deal.IPAsset{{ID: "ip_1", Owner: "owner_1", RoyaltyBps: 1000}},
	})

	require.Equal(t, deal.StateProposed, d.State)
	require.NotNil(t, d.RevenueSplit)
	require.Len(t, d.RevenueSplit.Entries, 4)

	byRole := map[deal.SplitRole]int64{}
	for _, e := range d.RevenueSplit.Entries {
		byRole[e.Role] += e.Amount.AmountMinor
	}
	assert.Equal(t, int64(2828), byRole[deal.RolePlatformFee])
	assert.Equal(t, int64(9717), byRole[deal.RoleIPRoyalty])
	assert.Equal(t, int64(26237), byRole[deal.RoleJVSplit])
	assert.Equal(t, int64(61218), byRole[deal.RoleAgentRevenue])

	stored, err := f.repo.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, stored.ID)
}

func TestCreateDeal_NonPositiveJobValue(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.CreateDeal(context.Background(), CreateDealRequest{
		IntentID:  "intent_bad",
		Buyer:     "buyer_1",
		LeadAgent: "agent_1",
		JobValue:  money.Zero("USD"),
	})
	require.ErrorIs(t, err, deal.ErrInvalidJobValue)
}

func TestFullLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.toInProgress(t)
	require.Equal(t, deal.StateInProgress, d.State)
	require.Equal(t, deal.EscrowAuthorized, d.Escrow.Status)
	require.Equal(t, deal.BondsStaked, d.Bonds.Status)
	require.NotNil(t, d.Delivery.Deadline)
	assert.Equal(t, f.now.Add(168*time.Hour), *d.Delivery.Deadline)

	f.advance(time.Hour)
	delivered, err := f.engine.MarkDelivered(ctx, d.ID, "agent_1")
	require.NoError(t, err)
	require.Equal(t, deal.StateDelivered, delivered.State)
	require.NotNil(t, delivered.Delivery.OnTime)
	assert.True(t, *delivered.Delivery.OnTime)

	f.advance(time.Second)
	settled, err := f.engine.Settle(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, deal.StateCompleted, settled.State)
	assert.True(t, settled.Settlement.Settled)
	assert.Equal(t, "delivery", settled.Settlement.Reason)
	assert.Equal(t, deal.EscrowCaptured, settled.Escrow.Status)
	assert.Equal(t, int64(100000), settled.Escrow.CapturedAmount.AmountMinor)
	assert.Equal(t, deal.BondsReturned, settled.Bonds.Status)

	// Provider saw exactly one authorize and one capture.
	assert.Contains(t, f.gateway.Captured, settled.Escrow.PaymentReference)

	// Agent keeps their seed (bond was staked then returned) plus the net.
	agentBal, err := f.parties.Balance(ctx, "agent_1")
	require.NoError(t, err)
	assert.Equal(t, int64(20000+97172), agentBal.AmountMinor)
	platformBal, err := f.parties.Balance(ctx, "platform")
	require.NoError(t, err)
	assert.Equal(t, int64(2828), platformBal.AmountMinor)
}

func TestSettle_TwiceFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.toInProgress(t)
	f.advance(time.Second)
	_, err := f.engine.MarkDelivered(ctx, d.ID, "agent_1")
	require.NoError(t, err)
	f.advance(time.Second)
	_, err = f.engine.Settle(ctx, d.ID)
	require.NoError(t, err)

	f.advance(time.Second)
	_, err = f.engine.Settle(ctx, d.ID)
	require.ErrorIs(t, err, deal.ErrDealAlreadySettled)
}

func TestSettle_RequiresDelivered(t *testing.T) {
	f := newFixture(t)

	d := f.toInProgress(t)
	f.advance(time.Second)
	_, err := f.engine.Settle(context.Background(), d.ID)
	require.ErrorIs(t, err, ledger.ErrInvalidStateForAction)

	// No capture reached the provider.
	for _, call := range f.gateway.Calls {
		assert.NotContains(t, call, "capture:")
	}
}

// raceRepo runs a hook before the next Update, simulating a concurrent
// writer slipping in between the gateway call and the commit.
type raceRepo struct {
	*store.MemoryRepository
	race func()
}

func (r *raceRepo) Update(ctx context.Context, id string, fn func(*deal.Deal) error) (*deal.Deal, error) {
	if r.race != nil {
		hook := r.race
		r.race = nil
		hook()
	}
	return r.MemoryRepository.Update(ctx, id, fn)
}

// Two concurrent authorize calls hold the same provider reference (the
// gateway's idempotency key is derived from the intent). The loser must
// not void it: that would release the hold the winner just committed.
func TestAuthorizeEscrow_LostRaceKeepsWinnersHold(t *testing.T) {
	ctx := context.Background()
	now := engineStart
	clock := func() time.Time { return now }

	parties := party.NewMemoryStore("USD")
	led := ledger.New(parties).WithClock(clock)
	mem := store.NewMemoryRepository()
	gateway := psp.NewStubGateway()
	repo := &raceRepo{MemoryRepository: mem}
	eng := New(repo, led, gateway, feeschedule.Default(), zerolog.Nop()).WithClock(clock)

	d, err := eng.CreateDeal(ctx, CreateDealRequest{
		IntentID:  "intent_race",
		Buyer:     "buyer_1",
		LeadAgent: "agent_1",
		SLOTier:   "standard",
		JobValue:  money.FromMajor(1000, "USD"),
	})
	require.NoError(t, err)
	_, err = eng.Accept(ctx, d.ID, "agent_1")
	require.NoError(t, err)
	now = now.Add(time.Second)

	repo.race = func() {
		_, err := mem.Update(ctx, d.ID, func(cur *deal.Deal) error {
			if _, err := led.Authorize(ctx, cur, "pi_winner", cur.JobValue); err != nil {
				return err
			}
			return cur.Transition(deal.StateEscrowHeld, "system", nil, clock())
		})
		require.NoError(t, err)
	}

	_, err = eng.AuthorizeEscrow(ctx, d.ID)
	require.ErrorIs(t, err, ledger.ErrInvalidStateForAction)

	for _, call := range gateway.Calls {
		assert.NotContains(t, call, "void:", "loser must not void the winner's hold")
	}
	stored, err := mem.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, deal.StateEscrowHeld, stored.State)
	assert.Equal(t, deal.EscrowAuthorized, stored.Escrow.Status)
	assert.Equal(t, "pi_winner", stored.Escrow.PaymentReference)
}

func TestAuthorizeEscrow_GatewayDeclined(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.createDeal(t, CreateDealRequest{})
	_, err := f.engine.Accept(ctx, d.ID, "agent_1")
	require.NoError(t, err)

	f.gateway.FailNext = true
	f.advance(time.Second)
	_, err = f.engine.AuthorizeEscrow(ctx, d.ID)
	require.ErrorIs(t, err, psp.ErrGatewayDeclined)

	stored, err := f.repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, deal.StateAccepted, stored.State)
	assert.Equal(t, deal.EscrowNotHeld, stored.Escrow.Status)
}

func TestAuthorizeEscrow_WrongState(t *testing.T) {
	f := newFixture(t)

	d := f.createDeal(t, CreateDealRequest{})
	_, err := f.engine.AuthorizeEscrow(context.Background(), d.ID)
	require.ErrorIs(t, err, ledger.ErrInvalidStateForAction)
	assert.Empty(t, f.gateway.Calls, "no gateway call for a deal outside ACCEPTED")
}

func TestStakeBonds_WrongState(t *testing.T) {
	f := newFixture(t)

	d := f.createDeal(t, CreateDealRequest{})
	_, err := f.engine.StakeBonds(context.Background(), d.ID, []ledger.StakeRequest{
		{Party: "agent_1", Amount: money.FromMajor(100, "USD")},
	})
	require.ErrorIs(t, err, ledger.ErrInvalidStateForAction)
}

func TestCancel_VoidsAuthorizedEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.createDeal(t, CreateDealRequest{})
	_, err := f.engine.Accept(ctx, d.ID, "agent_1")
	require.NoError(t, err)
	f.advance(time.Second)
	held, err := f.engine.AuthorizeEscrow(ctx, d.ID)
	require.NoError(t, err)

	f.advance(time.Second)
	cancelled, err := f.engine.Cancel(ctx, d.ID, "buyer_1", "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, deal.StateCancelled, cancelled.State)
	assert.Equal(t, deal.EscrowVoided, cancelled.Escrow.Status)
	assert.True(t, f.gateway.Voided[held.Escrow.PaymentReference])
}

func TestCancel_BeforeEscrowSkipsGateway(t *testing.T) {
	f := newFixture(t)

	d := f.createDeal(t, CreateDealRequest{})
	cancelled, err := f.engine.Cancel(context.Background(), d.ID, "buyer_1", "no fit")
	require.NoError(t, err)
	assert.Equal(t, deal.StateCancelled, cancelled.State)
	assert.Empty(t, f.gateway.Calls)
}

func TestCancel_IllegalFromInProgress(t *testing.T) {
	f := newFixture(t)

	d := f.toInProgress(t)
	f.advance(time.Second)
	_, err := f.engine.Cancel(context.Background(), d.ID, "buyer_1", "too late")
	require.ErrorIs(t, err, deal.ErrInvalidStateTransition)

	stored, err := f.repo.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, deal.StateInProgress, stored.State)
}

func TestDispute_ReleaseFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.toInProgress(t)
	f.advance(time.Second)
	disputed, err := f.engine.RaiseDispute(ctx, d.ID, "buyer_1", "deliverable contested")
	require.NoError(t, err)
	require.Equal(t, deal.StateDisputed, disputed.State)
	require.Equal(t, deal.EscrowPausedDispute, disputed.Escrow.Status)
	require.NotNil(t, disputed.Dispute)

	f.advance(time.Second)
	resolved, err := f.engine.ResolveDispute(ctx, d.ID, ResolutionRelease, "")
	require.NoError(t, err)
	assert.Equal(t, deal.StateCompleted, resolved.State)
	assert.True(t, resolved.Settlement.Settled)
	assert.Equal(t, "dispute_release", resolved.Settlement.Reason)
	assert.Equal(t, deal.EscrowCaptured, resolved.Escrow.Status)
	assert.Equal(t, deal.BondsReturned, resolved.Bonds.Status)
	assert.Equal(t, deal.DisputeResolved, resolved.Dispute.Status)

	agentBal, err := f.parties.Balance(ctx, "agent_1")
	require.NoError(t, err)
	assert.Equal(t, int64(20000+97172), agentBal.AmountMinor)
}

func TestDispute_BreachFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.toInProgress(t)
	f.advance(time.Second)
	_, err := f.engine.RaiseDispute(ctx, d.ID, "buyer_1", "work abandoned")
	require.NoError(t, err)

	f.advance(time.Second)
	resolved, err := f.engine.ResolveDispute(ctx, d.ID, ResolutionBreach, ledger.SeverityMajor)
	require.NoError(t, err)
	assert.Equal(t, deal.StateBreached, resolved.State)
	assert.False(t, resolved.Settlement.Settled)
	assert.Equal(t, deal.EscrowVoided, resolved.Escrow.Status)
	assert.Equal(t, deal.BondsSlashed, resolved.Bonds.Status)
	assert.Equal(t, int64(5000), resolved.Bonds.SlashedAmount.AmountMinor)
	assert.True(t, f.gateway.Voided[resolved.Escrow.PaymentReference])

	// Half the $100 stake goes to the platform, the rest back to the agent.
	agentBal, err := f.parties.Balance(ctx, "agent_1")
	require.NoError(t, err)
	assert.Equal(t, int64(20000-5000), agentBal.AmountMinor)
}

func TestResolveDispute_UnknownResolution(t *testing.T) {
	f := newFixture(t)

	d := f.toInProgress(t)
	f.advance(time.Second)
	_, err := f.engine.RaiseDispute(context.Background(), d.ID, "buyer_1", "contested")
	require.NoError(t, err)

	f.advance(time.Second)
	_, err = f.engine.ResolveDispute(context.Background(), d.ID, Resolution("split"), "")
	require.ErrorIs(t, err, ErrUnknownResolution)
}

func TestResolveDispute_RequiresDisputed(t *testing.T) {
	f := newFixture(t)

	d := f.toInProgress(t)
	f.advance(time.Second)
	_, err := f.engine.ResolveDispute(context.Background(), d.ID, ResolutionRelease, "")
	require.ErrorIs(t, err, ledger.ErrInvalidStateForAction)
}

func TestMarkDelivered_Late(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tracker := observability.NewSLOTracker().WithClock(func() time.Time { return *f.now })
	tracker.SetTarget(&observability.TierTarget{
		Tier:        "standard",
		OnTimeRate:  0.95,
		LatencyP99:  200 * time.Hour,
		WindowHours: 24 * 365,
	})
	f.engine.WithSLOTracker(tracker)

	d := f.toInProgress(t)
	f.advance(169 * time.Hour) // one hour past the default deadline
	delivered, err := f.engine.MarkDelivered(ctx, d.ID, "agent_1")
	require.NoError(t, err)
	require.NotNil(t, delivered.Delivery.OnTime)
	assert.False(t, *delivered.Delivery.OnTime)

	status, err := tracker.Status("standard")
	require.NoError(t, err)
	assert.Equal(t, 1, status.ObservationCount)
	assert.False(t, status.InCompliance)
}

func TestHandleWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.toInProgress(t)

	event := psp.Event{ID: "evt_wh_1", Type: "payment_intent.succeeded"}
	event.Data.Object = map[string]any{"amount": 100000, "currency": "USD"}

	res, err := f.engine.HandleWebhook(ctx, d.ID, event)
	require.NoError(t, err)
	assert.True(t, res.Handled)
	require.NotNil(t, res.Event)
	assert.Equal(t, deal.EventType("WEBHOOK_PAYMENT_SUCCEEDED"), res.Event.Type)

	// Redelivery is a success no-op.
	res, err = f.engine.HandleWebhook(ctx, d.ID, event)
	require.NoError(t, err)
	assert.False(t, res.Handled)

	stored, err := f.repo.Get(ctx, d.ID)
	require.NoError(t, err)
	count := 0
	for _, ev := range stored.MoneyEvents {
		if ev.IdempotencyKey == "wh_evt_wh_1" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestHandleWebhook_UnhandledType(t *testing.T) {
	f := newFixture(t)

	d := f.toInProgress(t)
	event := psp.Event{ID: "evt_wh_2", Type: "customer.created"}
	event.Data.Object = map[string]any{}

	res, err := f.engine.HandleWebhook(context.Background(), d.ID, event)
	require.NoError(t, err)
	assert.False(t, res.Handled)
}

func TestGetDealSummary(t *testing.T) {
	f := newFixture(t)

	d := f.toInProgress(t)
	summary, err := f.engine.GetDealSummary(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, summary.DealID)
	assert.Equal(t, deal.StateInProgress, summary.State)
	assert.Equal(t, deal.EscrowAuthorized, summary.EscrowStatus)
	require.NotNil(t, summary.Split)
	assert.Equal(t, int64(2828), summary.Split.PlatformFee.AmountMinor)
}

func TestGetTimeline(t *testing.T) {
	f := newFixture(t)

	d := f.toInProgress(t)
	timeline, err := f.engine.GetTimeline(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, timeline.DealID)
	assert.NotEmpty(t, timeline.Events)
	assert.Equal(t, int64(100000), timeline.TotalAuthorized.AmountMinor)
}

func TestGetDeal_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.GetDeal(context.Background(), "deal_missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}
