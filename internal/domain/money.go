package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is an exact decimal amount tagged with an ISO 4217 currency code.
// Binary floating point never crosses a component boundary; every
// monetary value in this codebase is either a Money or a decimal.Decimal.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// NewMoney parses a decimal string into a Money value. Use this at API
// edges instead of float64 conversions.
func NewMoney(amount string, currency string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("%w: invalid amount %q: %v", ErrInputError, amount, err)
	}
	cur, err := NormalizeCurrency(currency)
	if err != nil {
		return Money{}, err
	}
	return Money{Amount: d, Currency: cur}, nil
}

// MustMoney panics on error; only for constants in tests.
func MustMoney(amount, currency string) Money {
	m, err := NewMoney(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) String() string {
	return m.Amount.StringFixed(2) + " " + m.Currency
}

// Add requires matching currencies; cross-currency addition is a
// modelling error the caller must resolve via FX conversion first.
func (m Money) Add(o Money) (Money, error) {
	if m.Currency != o.Currency {
		return Money{}, fmt.Errorf("%w: currency mismatch %s vs %s", ErrInputError, m.Currency, o.Currency)
	}
	return Money{Amount: m.Amount.Add(o.Amount), Currency: m.Currency}, nil
}

func (m Money) Sub(o Money) (Money, error) {
	if m.Currency != o.Currency {
		return Money{}, fmt.Errorf("%w: currency mismatch %s vs %s", ErrInputError, m.Currency, o.Currency)
	}
	return Money{Amount: m.Amount.Sub(o.Amount), Currency: m.Currency}, nil
}

// WithinTolerance reports whether |m - o| <= tolerance, same currency.
func (m Money) WithinTolerance(o Money, tolerance decimal.Decimal) bool {
	if m.Currency != o.Currency {
		return false
	}
	diff := m.Amount.Sub(o.Amount).Abs()
	return diff.LessThanOrEqual(tolerance)
}

func (m Money) IsZero() bool { return m.Amount.IsZero() }

// Cents returns the amount rounded to the nearest integer minor unit,
// the representation the ledger posting tables store (amount_cents).
func (m Money) Cents() int64 {
	return m.Amount.Shift(2).Round(0).IntPart()
}

// NormalizeCurrency upper-cases and validates an ISO 4217-shaped code,
// exported for reuse across extraction, verification, and export.
func NormalizeCurrency(cur string) (string, error) {
	cur = upperTrim(cur)
	if len(cur) != 3 {
		return "", fmt.Errorf("%w: currency code must be 3 letters, got %q", ErrInputError, cur)
	}
	for _, r := range cur {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: currency code must be A-Z, got %q", ErrInputError, cur)
		}
	}
	return cur, nil
}

func upperTrim(s string) string {
	b := []byte(s)
	start, end := 0, len(b)
	for start < end && (b[start] == ' ' || b[start] == '\t') {
		start++
	}
	for end > start && (b[end-1] == ' ' || b[end-1] == '\t') {
		end--
	}
	b = b[start:end]
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
