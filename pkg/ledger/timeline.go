package ledger

import (
	"github.com/aigentsy/dealcore/pkg/deal"
	"github.com/aigentsy/dealcore/pkg/money"
)

// Timeline summarizes a deal's money history for dashboards.
type Timeline struct {
	DealID          string            `json:"deal_id"`
	State           deal.State        `json:"state"`
	EscrowStatus    deal.EscrowStatus `json:"escrow_status"`
	TotalEvents     int               `json:"total_events"`
	TotalAuthorized money.Money       `json:"total_authorized"`
	TotalCaptured   money.Money       `json:"total_captured"`
	Events          []deal.MoneyEvent `json:"events"`
	Webhooks        []string          `json:"processed_webhooks"`
}

// BuildTimeline aggregates a deal's money events in recorded order.
func BuildTimeline(d *deal.Deal) Timeline {
	authorized := money.Zero(d.JobValue.Currency)
	captured := money.Zero(d.JobValue.Currency)
	for _, ev := range d.MoneyEvents {
		switch ev.Type {
		case deal.EventAuthorized:
			authorized, _ = authorized.Add(ev.Amount)
		case deal.EventCaptured:
			captured, _ = captured.Add(ev.Amount)
		}
	}
	return Timeline{
		DealID:          d.ID,
		State:           d.State,
		EscrowStatus:    d.Escrow.Status,
		TotalEvents:     len(d.MoneyEvents),
		TotalAuthorized: authorized,
		TotalCaptured:   captured,
		Events:          append([]deal.MoneyEvent(nil), d.MoneyEvents...),
		Webhooks:        append([]string(nil), d.ProcessedWebhooks...),
	}
}
