// Package money provides integer minor-unit monetary arithmetic.
//
// All settlement amounts are carried as int64 minor units (cents for USD)
// to avoid floating point drift; float64 appears only at JSON boundaries.
package money

import (
	"fmt"
)

// Money represents a monetary value in a specific currency, held in minor
// units (e.g. cents).
type Money struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"` // ISO 4217 code
}

// New creates a Money from minor units.
func New(amountMinor int64, currency string) Money {
	return Money{AmountMinor: amountMinor, Currency: currency}
}

// FromMajor creates a Money from whole currency units (e.g. dollars).
func FromMajor(amountMajor int64, currency string) Money {
	return Money{AmountMinor: amountMajor * 100, Currency: currency}
}

// Zero returns a zero value in the given currency.
func Zero(currency string) Money {
	return Money{Currency: currency}
}

// Add adds two Money amounts. Returns error on currency mismatch.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor + other.AmountMinor, Currency: m.Currency}, nil
}

// Sub subtracts other from m. Returns error on currency mismatch.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor - other.AmountMinor, Currency: m.Currency}, nil
}

// MulBps multiplies by a basis-point fraction (10000 bps = 100%).
// Rounds half away from zero so split arithmetic is reproducible.
func (m Money) MulBps(bps int64) Money {
	num := m.AmountMinor * bps
	q := num / 10000
	rem := num % 10000
	if rem*2 >= 10000 {
		q++
	} else if rem*2 <= -10000 {
		q--
	}
	return Money{AmountMinor: q, Currency: m.Currency}
}

// IsZero returns true if the amount is 0.
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// IsPositive returns true if the amount is > 0.
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// IsNegative returns true if the amount is < 0.
func (m Money) IsNegative() bool {
	return m.AmountMinor < 0
}

// Cmp returns -1, 0 or 1 comparing m against other. Panics on currency
// mismatch; comparisons across currencies are a programming error.
func (m Money) Cmp(other Money) int {
	if m.Currency != other.Currency {
		panic(fmt.Sprintf("money: comparing %s against %s", m.Currency, other.Currency))
	}
	switch {
	case m.AmountMinor < other.AmountMinor:
		return -1
	case m.AmountMinor > other.AmountMinor:
		return 1
	default:
		return 0
	}
}

// Abs returns the absolute value.
func (m Money) Abs() Money {
	if m.AmountMinor < 0 {
		return Money{AmountMinor: -m.AmountMinor, Currency: m.Currency}
	}
	return m
}

// String formats the amount as major.minor, e.g. "1000.00 USD".
func (m Money) String() string {
	neg := ""
	v := m.AmountMinor
	if v < 0 {
		neg = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d %s", neg, v/100, v%100, m.Currency)
}

// Sum adds a series of amounts in one currency. Returns error on mismatch.
func Sum(currency string, amounts ...Money) (Money, error) {
	total := Zero(currency)
	var err error
	for _, a := range amounts {
		total, err = total.Add(a)
		if err != nil {
			return Money{}, err
		}
	}
	return total, nil
}
