package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var sloNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTracker() *SLOTracker {
	tr := NewSLOTracker().WithClock(func() time.Time { return sloNow })
	tr.SetTarget(&TierTarget{
		Tier:        "standard",
		OnTimeRate:  0.95,
		LatencyP99:  time.Duration(72) * time.Hour,
		WindowHours: 24 * 7,
	})
	return tr
}

func TestSLOTracker_NoObservations(t *testing.T) {
	tr := newTracker()

	status, err := tr.Status("standard")
	require.NoError(t, err)
	require.True(t, status.InCompliance)
	require.Equal(t, 100.0, status.ErrorBudgetLeft)
	require.Zero(t, status.ObservationCount)
}

func TestSLOTracker_UnknownTier(t *testing.T) {
	tr := newTracker()
	_, err := tr.Status("platinum")
	require.Error(t, err)
}

func TestSLOTracker_Compliant(t *testing.T) {
	tr := newTracker()
	for i := 0; i < 20; i++ {
		tr.Record(DeliveryObservation{
			Tier:    "standard",
			DealID:  "deal_x",
			OnTime:  true,
			Latency: 24 * time.Hour,
		})
	}

	status, err := tr.Status("standard")
	require.NoError(t, err)
	require.True(t, status.InCompliance)
	require.Equal(t, 1.0, status.CurrentOnTime)
	require.Equal(t, 20, status.ObservationCount)
	require.Zero(t, status.BurnRate)
}

func TestSLOTracker_BurnRateOverBudget(t *testing.T) {
	tr := newTracker()
	// 4 late out of 20 is a 20% late rate against a 5% budget.
	for i := 0; i < 16; i++ {
		tr.Record(DeliveryObservation{Tier: "standard", OnTime: true, Latency: 24 * time.Hour})
	}
	for i := 0; i < 4; i++ {
		tr.Record(DeliveryObservation{Tier: "standard", OnTime: false, Latency: 90 * time.Hour})
	}

	status, err := tr.Status("standard")
	require.NoError(t, err)
	require.False(t, status.InCompliance)
	require.InDelta(t, 4.0, status.BurnRate, 0.01)
	require.Equal(t, 0.0, status.ErrorBudgetLeft)
}

func TestSLOTracker_WindowExcludesOldObservations(t *testing.T) {
	tr := newTracker()
	tr.Record(DeliveryObservation{
		Tier:      "standard",
		OnTime:    false,
		Latency:   100 * time.Hour,
		Timestamp: sloNow.Add(-8 * 24 * time.Hour), // outside the 7d window
	})
	tr.Record(DeliveryObservation{Tier: "standard", OnTime: true, Latency: 10 * time.Hour})

	status, err := tr.Status("standard")
	require.NoError(t, err)
	require.Equal(t, 1, status.ObservationCount)
	require.True(t, status.InCompliance)
}
