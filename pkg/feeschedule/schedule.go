// Package feeschedule holds the versioned business-policy constants that
// drive settlement: platform fees, royalty defaults, reconciliation
// tolerances and timeout rules.
//
// Schedules are loaded once at startup and are read-only afterwards, so
// every component that prices or reconciles with the same schedule version
// produces identical cent amounts.
package feeschedule

import (
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML documents can carry values like
// "24h" or "90m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("feeschedule: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Schedule is a versioned set of fee and policy constants.
// Percentages are expressed in basis points (10000 = 100%) and fixed
// amounts in minor units so arithmetic stays integral.
type Schedule struct {
	Version string `yaml:"version" json:"version"`

	Currency string `yaml:"currency" json:"currency"`

	// Platform cut taken off the top of every deal.
	PlatformFeeBps   int64 `yaml:"platform_fee_bps" json:"platform_fee_bps"`
	PlatformFeeFixed int64 `yaml:"platform_fee_fixed_minor" json:"platform_fee_fixed_minor"`

	// Royalty applied per IP asset when the asset carries no explicit rate.
	DefaultRoyaltyBps int64 `yaml:"default_royalty_bps" json:"default_royalty_bps"`

	// Payout reconciliation tolerances: a payout matches when the difference
	// is within EITHER bound, whichever is looser.
	ToleranceBps        int64 `yaml:"tolerance_bps" json:"tolerance_bps"`
	ToleranceFixedMinor int64 `yaml:"tolerance_fixed_minor" json:"tolerance_fixed_minor"`

	// Discrepancies with an absolute difference below this are auto-resolved.
	AutoResolveBelowMinor int64 `yaml:"auto_resolve_below_minor" json:"auto_resolve_below_minor"`

	// Timeout policy.
	DefaultTimeout    Duration `yaml:"default_timeout" json:"default_timeout"`
	GracePeriod       Duration `yaml:"grace_period" json:"grace_period"`
	RequirePoO        bool     `yaml:"require_poo_for_release" json:"require_poo_for_release"`
	AutoReleaseEnable bool     `yaml:"auto_release_enabled" json:"auto_release_enabled"`
}

// Default returns the schedule the platform has run with historically.
func Default() *Schedule {
	return &Schedule{
		Version:               "1.0.0",
		Currency:              "USD",
		PlatformFeeBps:        280, // 2.8%
		PlatformFeeFixed:      28,  // $0.28
		DefaultRoyaltyBps:     1000,
		ToleranceBps:          200, // 2%
		ToleranceFixedMinor:   100, // $1.00
		AutoResolveBelowMinor: 500, // $5.00
		DefaultTimeout:        Duration(168 * time.Hour),
		GracePeriod:           Duration(24 * time.Hour),
		RequirePoO:            true,
		AutoReleaseEnable:     true,
	}
}

// Load reads a schedule from a YAML file and validates it.
func Load(path string) (*Schedule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("feeschedule: read %s: %w", path, err)
	}
	s := Default()
	if err := yaml.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("feeschedule: parse %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks version and bounds.
func (s *Schedule) Validate() error {
	if _, err := semver.NewVersion(s.Version); err != nil {
		return fmt.Errorf("feeschedule: invalid version %q: %w", s.Version, err)
	}
	if s.Currency == "" {
		return fmt.Errorf("feeschedule: currency must be set")
	}
	if s.PlatformFeeBps < 0 || s.PlatformFeeBps >= 10000 {
		return fmt.Errorf("feeschedule: platform_fee_bps %d out of range", s.PlatformFeeBps)
	}
	if s.PlatformFeeFixed < 0 {
		return fmt.Errorf("feeschedule: platform_fee_fixed_minor must not be negative")
	}
	if s.DefaultRoyaltyBps < 0 || s.DefaultRoyaltyBps >= 10000 {
		return fmt.Errorf("feeschedule: default_royalty_bps %d out of range", s.DefaultRoyaltyBps)
	}
	if s.GracePeriod < 0 || s.DefaultTimeout <= 0 {
		return fmt.Errorf("feeschedule: timeout windows must be positive")
	}
	return nil
}

// AtLeast reports whether the schedule version satisfies the given
// constraint, e.g. ">= 1.0.0". Used by migrations that depend on policy
// fields introduced in later schedule versions.
func (s *Schedule) AtLeast(constraint string) (bool, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("feeschedule: bad constraint %q: %w", constraint, err)
	}
	v, err := semver.NewVersion(s.Version)
	if err != nil {
		return false, fmt.Errorf("feeschedule: invalid version %q: %w", s.Version, err)
	}
	return c.Check(v), nil
}
