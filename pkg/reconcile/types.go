package reconcile

import (
	"time"

	"github.com/aigentsy/dealcore/pkg/money"
)

// Source identifies where externally confirmed revenue came from.
type Source string

const (
	SourceStripe       Source = "stripe"
	SourceUpwork       Source = "upwork"
	SourceFiverr       Source = "fiverr"
	SourceFreelancer   Source = "freelancer"
	SourceToptal       Source = "toptal"
	SourceGithub       Source = "github"
	SourceAffiliate    Source = "affiliate"
	SourceSubscription Source = "subscription"
	SourceShopify      Source = "shopify"
	SourceManual       Source = "manual"
	SourceOther        Source = "other"
)

// sourceFee is the connected platform's own cut, charged before funds
// reach us. Percent in basis points, fixed in minor units.
type sourceFee struct {
	bps   int64
	fixed int64
}

var sourceFees = map[Source]sourceFee{
	SourceStripe:     {bps: 290, fixed: 30},
	SourceUpwork:     {bps: 1000},
	SourceFiverr:     {bps: 2000},
	SourceFreelancer: {bps: 1000},
	SourceShopify:    {bps: 290, fixed: 30},
}

// EntryType categorizes ledger entries.
type EntryType string

const (
	EntryRevenue    EntryType = "revenue"
	EntryFee        EntryType = "fee"
	EntryPayout     EntryType = "payout"
	EntryRefund     EntryType = "refund"
	EntryAdjustment EntryType = "adjustment"
)

// EntryStatus tracks reconciliation progress of one entry.
type EntryStatus string

const (
	StatusPending     EntryStatus = "pending"
	StatusMatched     EntryStatus = "matched"
	StatusDiscrepancy EntryStatus = "discrepancy"
	StatusResolved    EntryStatus = "resolved"
	StatusWrittenOff  EntryStatus = "written_off"
)

// Entry is one line of the reconciliation ledger.
type Entry struct {
	ID          string      `json:"entry_id"`
	UserID      string      `json:"user_id"`
	Source      Source      `json:"source"`
	Type        EntryType   `json:"entry_type"`
	Gross       money.Money `json:"gross_amount"`
	Fees        money.Money `json:"fees"`
	Net         money.Money `json:"net_amount"`
	ReferenceID string      `json:"reference_id"`
	Description string      `json:"description,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`

	Reconciled        bool        `json:"reconciled"`
	Status            EntryStatus `json:"reconciliation_status"`
	MatchedEntryID    string      `json:"matched_entry_id,omitempty"`
	DiscrepancyAmount money.Money `json:"discrepancy_amount,omitzero"`
}

// Discrepancy is a detected mismatch between the expected internal amount
// and an externally confirmed payout.
type Discrepancy struct {
	ID             string      `json:"discrepancy_id"`
	EntryID        string      `json:"entry_id"`
	UserID         string      `json:"user_id"`
	Expected       money.Money `json:"expected_amount"`
	Actual         money.Money `json:"actual_amount"`
	Difference     money.Money `json:"difference"`
	DifferenceBps  int64       `json:"difference_bps"`
	Source         Source      `json:"source"`
	Reason         string      `json:"reason,omitempty"`
	Status         EntryStatus `json:"status"`
	DetectedAt     time.Time   `json:"detected_at"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
	ResolutionNote string      `json:"resolution_notes,omitempty"`
}

// SourceTotals aggregates revenue entries of one source.
type SourceTotals struct {
	Count int         `json:"count"`
	Gross money.Money `json:"gross"`
	Net   money.Money `json:"net"`
}

// Report is the platform-wide (or per-user) reconciliation view.
type Report struct {
	TotalEntries   int `json:"total_entries"`
	MatchedEntries int `json:"matched_entries"`
	PendingEntries int `json:"pending_entries"`

	TotalGross money.Money `json:"total_gross_revenue"`
	TotalFees  money.Money `json:"total_fees"`
	TotalNet   money.Money `json:"total_net_revenue"`

	BySource map[Source]SourceTotals `json:"by_source"`

	UnresolvedDiscrepancies []Discrepancy `json:"unresolved_discrepancies"`
}

// UserLedger is the per-user slice of the ledger, newest first.
type UserLedger struct {
	UserID     string      `json:"user_id"`
	EntryCount int         `json:"entry_count"`
	TotalGross money.Money `json:"total_gross_revenue"`
	TotalNet   money.Money `json:"total_net"`
	Entries    []Entry     `json:"entries"`
}

// AuditExport is a tamper-evident snapshot of the ledger. The hash covers
// the canonicalized entry set; recomputing it detects any later edit.
type AuditExport struct {
	ExportID         string    `json:"export_id"`
	ExportedAt       time.Time `json:"exported_at"`
	Summary          Report    `json:"summary"`
	VerificationHash string    `json:"verification_hash"`
	Entries          []Entry   `json:"entries"`
}

// Stats is the operational counters snapshot.
type Stats struct {
	TotalEntries            int         `json:"total_entries"`
	MatchedEntries          int         `json:"matched_entries"`
	ReconciliationRateBps   int64       `json:"reconciliation_rate_bps"`
	TotalGross              money.Money `json:"total_gross_revenue"`
	TotalNet                money.Money `json:"total_net_revenue"`
	UnresolvedDiscrepancies int         `json:"unresolved_discrepancies"`
	PendingPayouts          int         `json:"pending_payouts"`
}
