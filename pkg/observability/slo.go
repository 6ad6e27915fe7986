package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// TierTarget defines the service level objective for one SLO tier: the
// fraction of deliveries that must land on time and the target p99 latency
// from work start to delivery.
type TierTarget struct {
	Tier        string        `json:"tier"`
	OnTimeRate  float64       `json:"on_time_rate"` // target fraction (0-1)
	LatencyP99  time.Duration `json:"latency_p99"`
	WindowHours int           `json:"window_hours"`
}

// DeliveryObservation is a single delivered deal.
type DeliveryObservation struct {
	Tier      string        `json:"tier"`
	DealID    string        `json:"deal_id"`
	OnTime    bool          `json:"on_time"`
	Latency   time.Duration `json:"latency"`
	Timestamp time.Time     `json:"timestamp"`
}

// TierStatus reports current compliance for a tier.
type TierStatus struct {
	Tier             string  `json:"tier"`
	CurrentP99       float64 `json:"current_p99_ms"`
	CurrentOnTime    float64 `json:"current_on_time_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"`         // >1 means burning faster than budget allows
	ErrorBudgetLeft  float64 `json:"error_budget_left"` // percentage remaining
	ObservationCount int     `json:"observation_count"`
}

// SLOTracker monitors delivery objectives per tier.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]*TierTarget
	observations map[string][]DeliveryObservation
	clock        func() time.Time
}

// NewSLOTracker creates a tracker with no targets registered.
func NewSLOTracker() *SLOTracker {
	return &SLOTracker{
		targets:      make(map[string]*TierTarget),
		observations: make(map[string][]DeliveryObservation),
		clock:        time.Now,
	}
}

// WithClock overrides the clock for testing.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

// SetTarget registers or replaces the target for a tier.
func (t *SLOTracker) SetTarget(target *TierTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Tier] = target
}

// Record records one delivered deal.
func (t *SLOTracker) Record(obs DeliveryObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clock()
	}
	t.observations[obs.Tier] = append(t.observations[obs.Tier], obs)
}

// Status computes current compliance for a tier.
func (t *SLOTracker) Status(tier string) (*TierStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[tier]
	if !ok {
		return nil, fmt.Errorf("no SLO target for tier %q", tier)
	}

	now := t.clock()
	windowStart := now.Add(-time.Duration(target.WindowHours) * time.Hour)

	var windowed []DeliveryObservation
	for _, obs := range t.observations[tier] {
		if obs.Timestamp.After(windowStart) {
			windowed = append(windowed, obs)
		}
	}

	if len(windowed) == 0 {
		return &TierStatus{
			Tier:            tier,
			InCompliance:    true,
			ErrorBudgetLeft: 100.0,
		}, nil
	}

	onTimeCount := 0
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		if obs.OnTime {
			onTimeCount++
		}
		latencies[i] = float64(obs.Latency.Milliseconds())
	}
	onTimeRate := float64(onTimeCount) / float64(len(windowed))

	sort.Float64s(latencies)
	p99Index := int(float64(len(latencies)) * 0.99)
	if p99Index >= len(latencies) {
		p99Index = len(latencies) - 1
	}
	p99 := latencies[p99Index]

	latencyOK := p99 <= float64(target.LatencyP99.Milliseconds())
	rateOK := onTimeRate >= target.OnTimeRate

	errorBudget := 1.0 - target.OnTimeRate
	lateRate := 1.0 - onTimeRate
	var burnRate float64
	if errorBudget > 0 {
		burnRate = lateRate / errorBudget
	}
	budgetLeft := 100.0 * (1.0 - burnRate)
	if budgetLeft < 0 {
		budgetLeft = 0
	}

	return &TierStatus{
		Tier:             tier,
		CurrentP99:       p99,
		CurrentOnTime:    onTimeRate,
		InCompliance:     latencyOK && rateOK,
		BurnRate:         burnRate,
		ErrorBudgetLeft:  budgetLeft,
		ObservationCount: len(windowed),
	}, nil
}
