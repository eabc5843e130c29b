package core

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount wraps decimal.Decimal so every balance and transfer value in
// the sidechain uses the same arbitrary-precision decimal-string wire
// contract described in spec.md §7, instead of a float or machine int.
type Amount struct {
	decimal.Decimal
}

// ZeroAmount is the additive identity.
var ZeroAmount = Amount{decimal.Zero}

// ParseAmount parses a decimal string amount such as "12.345". Scientific
// notation and NaN/Inf are rejected; callers at the transaction-parsing
// boundary should treat a parse error as a rejected operation, not a
// retryable one.
func ParseAmount(s string) (Amount, error) {
	if strings.ContainsAny(s, "eE") {
		return Amount{}, fmt.Errorf("parse amount %q: scientific notation not accepted", s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return Amount{d}, nil
}

// String renders the amount in canonical decimal-string form, matching
// the wire/hash contract: no trailing exponent, no locale grouping.
func (a Amount) String() string {
	return a.Decimal.String()
}

// MarshalJSON emits the amount as a JSON string, never a bare number, so
// precision survives round-trips through the canonical hash and any
// downstream JSON consumer.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.Decimal.String() + `"`), nil
}

// UnmarshalJSON accepts either a JSON string or a JSON number for
// leniency with upstream-sourced payloads, but always normalizes to the
// string form internally.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("unmarshal amount %s: %w", s, err)
	}
	a.Decimal = d
	return nil
}

// Add returns a + b without mutating either operand.
func (a Amount) Add(b Amount) Amount { return Amount{a.Decimal.Add(b.Decimal)} }

// Sub returns a - b without mutating either operand.
func (a Amount) Sub(b Amount) Amount { return Amount{a.Decimal.Sub(b.Decimal)} }

// LessThan reports whether a < b.
func (a Amount) LessThan(b Amount) bool { return a.Decimal.LessThan(b.Decimal) }

// IsNegative reports whether the amount is strictly below zero.
func (a Amount) IsNegative() bool { return a.Decimal.IsNegative() }
