// Package reconcile matches internally expected revenue against externally
// confirmed payment events.
//
// Amount comparison is tolerance-banded: a payout matches when the
// difference is within the schedule's fixed bound OR its percentage bound,
// whichever admits it. Mismatches beyond both produce a Discrepancy record,
// auto-resolved when the absolute difference is small enough to not be
// worth a human's time.
package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/rs/zerolog"

	"github.com/aigentsy/dealcore/pkg/feeschedule"
	"github.com/aigentsy/dealcore/pkg/money"
)

// Reconciler is the cross-platform revenue ledger with discrepancy
// detection. Safe for concurrent use.
type Reconciler struct {
	mu sync.RWMutex

	sched *feeschedule.Schedule
	clock func() time.Time
	log   zerolog.Logger

	entries       []Entry
	discrepancies []Discrepancy

	byUser      map[string][]int // offsets into entries
	byReference map[string]int

	// pendingPayouts maps reference id -> expected net, keyed when revenue
	// is recorded and cleared when the matching payout arrives.
	pendingPayouts map[string]pendingPayout
}

type pendingPayout struct {
	entryID     string
	userID      string
	expectedNet money.Money
	source      Source
}

// NewReconciler creates an empty reconciler using the schedule's
// tolerances.
func NewReconciler(sched *feeschedule.Schedule, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		sched:          sched,
		clock:          time.Now,
		log:            log,
		byUser:         make(map[string][]int),
		byReference:    make(map[string]int),
		pendingPayouts: make(map[string]pendingPayout),
	}
}

// WithClock overrides the clock for testing.
func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// RecordRevenue books gross platform revenue, nets out the source's cut and
// our own fee, and registers the expected payout for later reconciliation.
func (r *Reconciler) RecordRevenue(userID string, source Source, gross money.Money, referenceID, description string) Entry {
	fee := sourceFees[source]
	sourceCut, _ := gross.MulBps(fee.bps).Add(money.New(fee.fixed, gross.Currency))
	ourCut, _ := gross.MulBps(r.sched.PlatformFeeBps).Add(money.New(r.sched.PlatformFeeFixed, gross.Currency))
	totalFees, _ := sourceCut.Add(ourCut)
	net, _ := gross.Sub(totalFees)

	r.mu.Lock()
	defer r.mu.Unlock()
	entry := Entry{
		ID:          "led_" + uuid.NewString(),
		UserID:      userID,
		Source:      source,
		Type:        EntryRevenue,
		Gross:       gross,
		Fees:        totalFees,
		Net:         net,
		ReferenceID: referenceID,
		Description: description,
		CreatedAt:   r.clock(),
		Status:      StatusPending,
	}
	r.add(entry)
	r.pendingPayouts[referenceID] = pendingPayout{
		entryID:     entry.ID,
		userID:      userID,
		expectedNet: net,
		source:      source,
	}
	return entry
}

// RecordPayout books an externally confirmed payout and reconciles it
// against the pending expectation with the same reference id. The returned
// discrepancy is nil when the amounts match within tolerance.
func (r *Reconciler) RecordPayout(userID string, source Source, amount money.Money, referenceID, description string) (Entry, *Discrepancy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := Entry{
		ID:          "led_" + uuid.NewString(),
		UserID:      userID,
		Source:      source,
		Type:        EntryPayout,
		Gross:       amount,
		Fees:        money.Zero(amount.Currency),
		Net:         amount,
		ReferenceID: referenceID,
		Description: description,
		CreatedAt:   r.clock(),
		Status:      StatusPending,
	}
	disc := r.reconcilePayout(&entry, referenceID)
	r.add(entry)
	return entry, disc
}

// Import loads previously exported entries, e.g. an archived audit bundle
// being re-examined. Entries keep their ids and statuses; no matching runs.
func (r *Reconciler) Import(entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		r.add(e)
	}
}

// add appends an entry and indexes it. Caller holds the lock.
func (r *Reconciler) add(entry Entry) {
	idx := len(r.entries)
	r.entries = append(r.entries, entry)
	r.byUser[entry.UserID] = append(r.byUser[entry.UserID], idx)
	r.byReference[entry.ReferenceID] = idx
}

// withinTolerance reports whether diff is acceptable against expected,
// using the looser of the fixed and percentage bounds.
func (r *Reconciler) withinTolerance(expected, diff money.Money) bool {
	if diff.AmountMinor <= r.sched.ToleranceFixedMinor {
		return true
	}
	if !expected.IsPositive() {
		return false
	}
	// diff/expected in basis points, computed in integers.
	diffBps := diff.AmountMinor * 10000 / expected.AmountMinor
	return diffBps <= r.sched.ToleranceBps
}

func (r *Reconciler) reconcilePayout(payout *Entry, referenceID string) *Discrepancy {
	pending, ok := r.pendingPayouts[referenceID]
	if !ok {
		payout.Status = StatusPending
		return nil
	}

	expected := pending.expectedNet
	actual := payout.Net
	signed, _ := expected.Sub(actual)
	diff := signed.Abs()

	if r.withinTolerance(expected, diff) {
		payout.Reconciled = true
		payout.Status = StatusMatched
		payout.MatchedEntryID = pending.entryID
		delete(r.pendingPayouts, referenceID)
		return nil
	}

	var diffBps int64
	if expected.IsPositive() {
		diffBps = diff.AmountMinor * 10000 / expected.AmountMinor
	}
	reason := "fee difference"
	if diff.AmountMinor >= 2000 {
		reason = "significant variance"
	}
	disc := Discrepancy{
		ID:            "disc_" + uuid.NewString(),
		EntryID:       payout.ID,
		UserID:        payout.UserID,
		Expected:      expected,
		Actual:        actual,
		Difference:    signed,
		DifferenceBps: diffBps,
		Source:        payout.Source,
		Reason:        reason,
		Status:        StatusDiscrepancy,
		DetectedAt:    r.clock(),
	}
	payout.Status = StatusDiscrepancy
	payout.DiscrepancyAmount = signed

	if diff.AmountMinor < r.sched.AutoResolveBelowMinor {
		now := r.clock()
		disc.Status = StatusResolved
		disc.ResolvedAt = &now
		disc.ResolutionNote = "auto-resolved: below threshold"
	} else {
		r.log.Warn().
			Str("user_id", payout.UserID).
			Str("reference_id", referenceID).
			Str("expected", expected.String()).
			Str("actual", actual.String()).
			Msg("payout discrepancy beyond tolerance")
	}

	r.discrepancies = append(r.discrepancies, disc)
	return &disc
}

// Resolve marks a discrepancy resolved with an explanatory note.
func (r *Reconciler) Resolve(discrepancyID, note string) error {
	return r.close(discrepancyID, note, StatusResolved)
}

// WriteOff abandons a discrepancy that will never be recovered.
func (r *Reconciler) WriteOff(discrepancyID, note string) error {
	return r.close(discrepancyID, note, StatusWrittenOff)
}

func (r *Reconciler) close(discrepancyID, note string, status EntryStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.discrepancies {
		if r.discrepancies[i].ID != discrepancyID {
			continue
		}
		now := r.clock()
		r.discrepancies[i].Status = status
		r.discrepancies[i].ResolvedAt = &now
		r.discrepancies[i].ResolutionNote = note
		return nil
	}
	return fmt.Errorf("reconcile: unknown discrepancy %s", discrepancyID)
}

// GenerateReport aggregates the ledger, optionally windowed and filtered
// to one user. Nil bounds mean unbounded.
func (r *Reconciler) GenerateReport(start, end *time.Time, userID string) Report {
	r.mu.RLock()
	defer r.mu.RUnlock()

	currency := r.sched.Currency
	report := Report{
		TotalGross: money.Zero(currency),
		TotalFees:  money.Zero(currency),
		TotalNet:   money.Zero(currency),
		BySource:   make(map[Source]SourceTotals),
	}
	for _, e := range r.entries {
		if !inWindow(e.CreatedAt, start, end) {
			continue
		}
		if userID != "" && e.UserID != userID {
			continue
		}
		report.TotalEntries++
		switch e.Status {
		case StatusMatched:
			report.MatchedEntries++
		case StatusPending:
			report.PendingEntries++
		}
		if e.Type != EntryRevenue {
			continue
		}
		report.TotalGross, _ = report.TotalGross.Add(e.Gross)
		report.TotalFees, _ = report.TotalFees.Add(e.Fees)
		report.TotalNet, _ = report.TotalNet.Add(e.Net)

		totals, ok := report.BySource[e.Source]
		if !ok {
			totals = SourceTotals{Gross: money.Zero(currency), Net: money.Zero(currency)}
		}
		totals.Count++
		totals.Gross, _ = totals.Gross.Add(e.Gross)
		totals.Net, _ = totals.Net.Add(e.Net)
		report.BySource[e.Source] = totals
	}
	for _, d := range r.discrepancies {
		if d.Status != StatusDiscrepancy {
			continue
		}
		if userID != "" && d.UserID != userID {
			continue
		}
		report.UnresolvedDiscrepancies = append(report.UnresolvedDiscrepancies, d)
	}
	return report
}

// GetUserLedger returns the user's entries, newest first, capped at limit.
func (r *Reconciler) GetUserLedger(userID string, limit int) UserLedger {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idxs := r.byUser[userID]
	currency := r.sched.Currency
	out := UserLedger{
		UserID:     userID,
		TotalGross: money.Zero(currency),
		TotalNet:   money.Zero(currency),
	}
	if limit <= 0 || limit > len(idxs) {
		limit = len(idxs)
	}
	for i := len(idxs) - 1; i >= 0 && len(out.Entries) < limit; i-- {
		e := r.entries[idxs[i]]
		out.Entries = append(out.Entries, e)
		out.TotalNet, _ = out.TotalNet.Add(e.Net)
		if e.Type == EntryRevenue {
			out.TotalGross, _ = out.TotalGross.Add(e.Gross)
		}
	}
	out.EntryCount = len(out.Entries)
	return out
}

// ExportForAudit snapshots the windowed ledger with a verification hash.
// The hash is the SHA-256 of the RFC 8785 canonical form of the entry set
// sorted by id, so any post-export tampering is detectable by recomputing.
func (r *Reconciler) ExportForAudit(start, end *time.Time) (AuditExport, error) {
	report := r.GenerateReport(start, end, "")

	r.mu.RLock()
	entries := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if inWindow(e.CreatedAt, start, end) {
			entries = append(entries, e)
		}
	}
	r.mu.RUnlock()

	hash, err := HashEntries(entries)
	if err != nil {
		return AuditExport{}, err
	}
	return AuditExport{
		ExportID:         "exp_" + uuid.NewString(),
		ExportedAt:       r.clock(),
		Summary:          report,
		VerificationHash: hash,
		Entries:          entries,
	}, nil
}

// HashEntries computes the verification hash over a sorted, canonicalized
// entry set. Exposed so auditors can re-verify an export.
func HashEntries(entries []Entry) (string, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	raw, err := json.Marshal(sorted)
	if err != nil {
		return "", fmt.Errorf("reconcile: marshal entries: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("reconcile: canonicalize entries: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes an export's hash and reports whether it still matches.
func Verify(export AuditExport) (bool, error) {
	hash, err := HashEntries(export.Entries)
	if err != nil {
		return false, err
	}
	return hash == export.VerificationHash, nil
}

// Stats returns operational counters.
func (r *Reconciler) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	currency := r.sched.Currency
	st := Stats{
		TotalEntries:   len(r.entries),
		PendingPayouts: len(r.pendingPayouts),
		TotalGross:     money.Zero(currency),
		TotalNet:       money.Zero(currency),
	}
	for _, e := range r.entries {
		if e.Status == StatusMatched {
			st.MatchedEntries++
		}
		if e.Type == EntryRevenue {
			st.TotalGross, _ = st.TotalGross.Add(e.Gross)
			st.TotalNet, _ = st.TotalNet.Add(e.Net)
		}
	}
	if st.TotalEntries > 0 {
		st.ReconciliationRateBps = int64(st.MatchedEntries) * 10000 / int64(st.TotalEntries)
	}
	for _, d := range r.discrepancies {
		if d.Status == StatusDiscrepancy {
			st.UnresolvedDiscrepancies++
		}
	}
	return st
}

func inWindow(t time.Time, start, end *time.Time) bool {
	if start != nil && t.Before(*start) {
		return false
	}
	if end != nil && t.After(*end) {
		return false
	}
	return true
}
