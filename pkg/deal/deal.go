// Package deal owns the Deal aggregate: the contract record binding a
// buyer and agents to a fixed job value, its legal state graph, and the
// append-only money event and transition logs.
//
// All mutation happens through named operations; nothing outside this
// package and pkg/ledger writes the sub-records directly.
package deal

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aigentsy/dealcore/pkg/money"
)

var (
	// ErrTerminalState is returned when mutating a deal in a terminal state.
	ErrTerminalState = errors.New("deal is in a terminal state")
	// ErrInvalidJobValue is returned for non-positive job values.
	ErrInvalidJobValue = errors.New("job value must be positive")
	// ErrDealAlreadySettled is returned when settling a settled deal.
	ErrDealAlreadySettled = errors.New("deal already settled")
)

// Deal is the aggregate record for one contract. The whole aggregate is
// persisted as a single record so state, escrow, bonds, money events and
// processed webhooks commit atomically together.
type Deal struct {
	ID        string `json:"id"`
	IntentID  string `json:"intent_id,omitempty"`
	State     State  `json:"state"`
	Buyer     string `json:"buyer"`
	LeadAgent string `json:"lead_agent"`
	SLOTier   string `json:"slo_tier"`

	JobValue     money.Money   `json:"job_value"`
	RevenueSplit *RevenueSplit `json:"revenue_split,omitempty"`

	JVPartners []JVPartner `json:"jv_partners,omitempty"`
	IPAssets   []IPAsset   `json:"ip_assets,omitempty"`

	Escrow     Escrow     `json:"escrow"`
	Bonds      Bonds      `json:"bonds"`
	Delivery   Delivery   `json:"delivery"`
	Settlement Settlement `json:"settlement"`
	Dispute    *Dispute   `json:"dispute,omitempty"`

	History           []StateChange `json:"state_history"`
	MoneyEvents       []MoneyEvent  `json:"money_events"`
	ProcessedWebhooks []string      `json:"processed_webhooks"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a deal in PROPOSED with the given participants and job value.
// The revenue split is computed by the caller (pkg/revsplit) and attached
// before the deal is persisted.
func New(intentID, buyer, leadAgent, sloTier string, jobValue money.Money, now time.Time) (*Deal, error) {
	if !jobValue.IsPositive() {
		return nil, ErrInvalidJobValue
	}
	d := &Deal{
		ID:        "deal_" + uuid.NewString(),
		IntentID:  intentID,
		State:     StateProposed,
		Buyer:     buyer,
		LeadAgent: leadAgent,
		SLOTier:   sloTier,
		JobValue:  jobValue,
		Escrow: Escrow{
			Status: EscrowNotHeld,
			Amount: money.Zero(jobValue.Currency),
		},
		Bonds: Bonds{
			Status:      BondsNotStaked,
			Required:    money.Zero(jobValue.Currency),
			TotalStaked: money.Zero(jobValue.Currency),
		},
		History: []StateChange{
			{State: StateProposed, At: now, By: leadAgent},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	return d, nil
}

// Transition moves the deal to next if the edge is legal, appending to the
// transition log. An illegal transition returns ErrInvalidStateTransition
// and leaves the deal unchanged.
func (d *Deal) Transition(next State, actor string, metadata map[string]any, now time.Time) error {
	if !CanTransition(d.State, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, d.State, next)
	}
	d.State = next
	d.UpdatedAt = now
	d.History = append(d.History, StateChange{
		State:    next,
		At:       now,
		By:       actor,
		Metadata: metadata,
	})
	return nil
}

// FindEvent returns the money event recorded under the idempotency key,
// or nil if none exists.
func (d *Deal) FindEvent(idempotencyKey string) *MoneyEvent {
	if idempotencyKey == "" {
		return nil
	}
	for i := range d.MoneyEvents {
		if d.MoneyEvents[i].IdempotencyKey == idempotencyKey {
			return &d.MoneyEvents[i]
		}
	}
	return nil
}

// WebhookProcessed reports whether the external event id was already applied.
func (d *Deal) WebhookProcessed(eventID string) bool {
	for _, id := range d.ProcessedWebhooks {
		if id == eventID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Stores hand out clones so a failed operation
// can be discarded without touching the committed record.
func (d *Deal) Clone() *Deal {
	out := *d

	out.JVPartners = append([]JVPartner(nil), d.JVPartners...)
	out.IPAssets = append([]IPAsset(nil), d.IPAssets...)
	out.ProcessedWebhooks = append([]string(nil), d.ProcessedWebhooks...)

	out.History = make([]StateChange, len(d.History))
	for i, h := range d.History {
		h.Metadata = cloneMeta(h.Metadata)
		out.History[i] = h
	}
	out.MoneyEvents = make([]MoneyEvent, len(d.MoneyEvents))
	for i, ev := range d.MoneyEvents {
		ev.Metadata = cloneMeta(ev.Metadata)
		out.MoneyEvents[i] = ev
	}
	out.Bonds.Stakes = append([]Stake(nil), d.Bonds.Stakes...)
	out.Settlement.Distributions = append([]Distribution(nil), d.Settlement.Distributions...)

	if d.RevenueSplit != nil {
		rs := *d.RevenueSplit
		rs.Entries = append([]SplitEntry(nil), d.RevenueSplit.Entries...)
		out.RevenueSplit = &rs
	}
	if d.Dispute != nil {
		dp := *d.Dispute
		out.Dispute = &dp
	}
	out.Escrow.AuthorizedAt = cloneTime(d.Escrow.AuthorizedAt)
	out.Escrow.CapturedAt = cloneTime(d.Escrow.CapturedAt)
	out.Escrow.VoidedAt = cloneTime(d.Escrow.VoidedAt)
	out.Escrow.PausedAt = cloneTime(d.Escrow.PausedAt)
	out.Bonds.ReturnedAt = cloneTime(d.Bonds.ReturnedAt)
	out.Bonds.SlashedAt = cloneTime(d.Bonds.SlashedAt)
	out.Delivery.Deadline = cloneTime(d.Delivery.Deadline)
	out.Delivery.DeliveredAt = cloneTime(d.Delivery.DeliveredAt)
	if d.Delivery.OnTime != nil {
		v := *d.Delivery.OnTime
		out.Delivery.OnTime = &v
	}
	out.Settlement.SettledAt = cloneTime(d.Settlement.SettledAt)

	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Summary is the flattened dashboard view of a deal.
type Summary struct {
	DealID       string        `json:"deal_id"`
	State        State         `json:"state"`
	Buyer        string        `json:"buyer"`
	LeadAgent    string        `json:"lead_agent"`
	JobValue     money.Money   `json:"job_value"`
	SLOTier      string        `json:"slo_tier"`
	JVPartners   []JVPartner   `json:"jv_partners,omitempty"`
	IPAssets     []IPAsset     `json:"ip_assets,omitempty"`
	Split        *SplitSummary `json:"split,omitempty"`
	EscrowStatus EscrowStatus  `json:"escrow_status"`
	BondsStaked  money.Money   `json:"bonds_staked"`
	Delivered    bool          `json:"delivered"`
	OnTime       *bool         `json:"on_time,omitempty"`
	Settled      bool          `json:"settled"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Summarize flattens the aggregate for dashboards.
func (d *Deal) Summarize() Summary {
	s := Summary{
		DealID:       d.ID,
		State:        d.State,
		Buyer:        d.Buyer,
		LeadAgent:    d.LeadAgent,
		JobValue:     d.JobValue,
		SLOTier:      d.SLOTier,
		JVPartners:   d.JVPartners,
		IPAssets:     d.IPAssets,
		EscrowStatus: d.Escrow.Status,
		BondsStaked:  d.Bonds.TotalStaked,
		Delivered:    d.Delivery.DeliveredAt != nil,
		OnTime:       d.Delivery.OnTime,
		Settled:      d.Settlement.Settled,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
	if d.RevenueSplit != nil {
		sum := d.RevenueSplit.Summary
		s.Split = &sum
	}
	return s
}
