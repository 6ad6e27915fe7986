package deal

import (
	"time"

	"github.com/aigentsy/dealcore/pkg/money"
)

// EscrowStatus tracks the held funds for a deal.
type EscrowStatus string

const (
	EscrowNotHeld       EscrowStatus = "not_held"
	EscrowAuthorized    EscrowStatus = "authorized"
	EscrowCaptured      EscrowStatus = "captured"
	EscrowVoided        EscrowStatus = "voided"
	EscrowPausedDispute EscrowStatus = "paused_dispute"
)

// Escrow is the funds sub-record. Status may only reach captured from
// authorized, never directly from not_held.
type Escrow struct {
	Status                EscrowStatus `json:"status"`
	Amount                money.Money  `json:"amount"`
	CapturedAmount        money.Money  `json:"captured_amount"`
	PaymentReference      string       `json:"payment_reference,omitempty"`
	IdempotencyKey        string       `json:"idempotency_key,omitempty"`
	CaptureIdempotencyKey string       `json:"capture_idempotency_key,omitempty"`
	AuthorizedAt          *time.Time   `json:"authorized_at,omitempty"`
	CapturedAt            *time.Time   `json:"captured_at,omitempty"`
	VoidedAt              *time.Time   `json:"voided_at,omitempty"`
	VoidReason            string       `json:"void_reason,omitempty"`
	PausedAt              *time.Time   `json:"paused_at,omitempty"`
	PauseReason           string       `json:"pause_reason,omitempty"`
}

// BondStatus tracks performance bonds.
type BondStatus string

const (
	BondsNotStaked BondStatus = "not_staked"
	BondsStaked    BondStatus = "staked"
	BondsReturned  BondStatus = "returned"
	BondsSlashed   BondStatus = "slashed"
)

// Stake is one participant's performance bond.
type Stake struct {
	Party    string      `json:"party"`
	Amount   money.Money `json:"amount"`
	StakedAt time.Time   `json:"staked_at"`
}

// Bonds is the performance-bond sub-record.
type Bonds struct {
	Status        BondStatus  `json:"status"`
	Required      money.Money `json:"required"`
	TotalStaked   money.Money `json:"total_staked"`
	Stakes        []Stake     `json:"stakes,omitempty"`
	SlashedAmount money.Money `json:"slashed_amount"`
	ReturnedAt    *time.Time  `json:"returned_at,omitempty"`
	SlashedAt     *time.Time  `json:"slashed_at,omitempty"`
}

// Delivery tracks the delivery deadline and outcome.
type Delivery struct {
	Deadline    *time.Time `json:"deadline,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	OnTime      *bool      `json:"on_time,omitempty"`
}

// Distribution is one executed payout during settlement.
type Distribution struct {
	Type      SplitRole   `json:"type"`
	Recipient string      `json:"recipient"`
	Amount    money.Money `json:"amount"`
}

// Settlement tracks whether and how the deal was settled.
type Settlement struct {
	Settled       bool           `json:"settled"`
	SettledAt     *time.Time     `json:"settled_at,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Distributions []Distribution `json:"distributions,omitempty"`
}

// DisputeStatus tracks an open dispute on a deal.
type DisputeStatus string

const (
	DisputeActive   DisputeStatus = "active"
	DisputeResolved DisputeStatus = "resolved"
)

// Dispute is the dispute sub-record, present once a dispute is raised.
type Dispute struct {
	Status     DisputeStatus `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	RaisedAt   time.Time     `json:"raised_at"`
	RaisedBy   string        `json:"raised_by,omitempty"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
	Resolution string        `json:"resolution,omitempty"`
}

// JVPartner is a joint-venture participant with a revenue share.
type JVPartner struct {
	Party string `json:"party"`
	// ShareBps is the partner's share of the post-royalty agent pool in
	// basis points.
	ShareBps int64 `json:"share_bps"`
}

// IPAsset is a licensed asset whose owner receives a royalty.
type IPAsset struct {
	ID         string `json:"id"`
	Owner      string `json:"owner"`
	RoyaltyBps int64  `json:"royalty_bps"` // 0 means the schedule default applies
}

// SplitRole identifies the role of a distribution entry.
type SplitRole string

const (
	RolePlatformFee  SplitRole = "platform_fee"
	RoleIPRoyalty    SplitRole = "ip_royalty"
	RoleJVSplit      SplitRole = "jv_split"
	RoleAgentRevenue SplitRole = "agent_revenue"
	RoleBondReturn   SplitRole = "bond_return"
	RoleBondSlash    SplitRole = "bond_slash"
)

// SplitEntry is one line of the computed revenue distribution.
type SplitEntry struct {
	Recipient string      `json:"recipient"`
	Role      SplitRole   `json:"role"`
	Amount    money.Money `json:"amount"`
	Bps       int64       `json:"bps"`
	AssetID   string      `json:"asset_id,omitempty"`
}

// SplitSummary is the rolled-up view of a revenue split.
type SplitSummary struct {
	JobValue       money.Money `json:"job_value"`
	PlatformFee    money.Money `json:"platform_fee"`
	TotalRoyalties money.Money `json:"total_royalties"`
	TotalJVSplits  money.Money `json:"total_jv_splits"`
	LeadAgentNet   money.Money `json:"lead_agent_net"`
}

// RevenueSplit is the distribution attached to a deal at creation.
// It is frozen once escrow is authorized.
type RevenueSplit struct {
	Entries []SplitEntry `json:"entries"`
	Summary SplitSummary `json:"summary"`
}

// EventType categorizes money events.
type EventType string

const (
	EventAuthorized   EventType = "PAYMENT_AUTHORIZED"
	EventCaptured     EventType = "PAYMENT_CAPTURED"
	EventVoided       EventType = "PAYMENT_VOIDED"
	EventRefunded     EventType = "PAYMENT_REFUNDED"
	EventAutoReleased EventType = "PAYMENT_AUTO_RELEASED"
	EventDisputePause EventType = "PAYMENT_PAUSED_DISPUTE"
	EventBondStaked   EventType = "BOND_STAKED"
	EventBondReturned EventType = "BOND_RETURNED"
	EventBondSlashed  EventType = "BOND_SLASHED"
	EventSettled      EventType = "DEAL_SETTLED"
)

// MoneyEvent is one recorded financial action. Events are append-only and
// are the sole source of truth for whether an action already happened.
type MoneyEvent struct {
	ID               string         `json:"id"`
	Type             EventType      `json:"type"`
	PaymentReference string         `json:"payment_reference,omitempty"`
	Amount           money.Money    `json:"amount"`
	IdempotencyKey   string         `json:"idempotency_key,omitempty"`
	StateAtEvent     State          `json:"state_at_event"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// StateChange is one entry of the append-only transition log.
type StateChange struct {
	State    State          `json:"state"`
	At       time.Time      `json:"at"`
	By       string         `json:"by"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
