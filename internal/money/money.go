// Package money provides exact minor-unit amount parsing and formatting.
//
// Amounts are stored as int64 in the currency's smallest unit
// (1.00 = 100 minor units). No floating point anywhere in the
// balance path.
package money

import (
	"strconv"
	"strings"
)

const Decimals = 2

// Amount is a monetary value in minor units (e.g. kobo, cents).
type Amount int64

// Parse converts a decimal string (e.g. "50.00") to minor units (5000).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - More than one decimal point is rejected
//   - Fractional parts longer than 2 digits are rejected (no silent
//     truncation of money)
func Parse(s string) (Amount, bool) {
	if s == "" {
		return 0, true
	}

	if strings.HasPrefix(s, "-") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if len(frac) > Decimals {
		return 0, false
	}
	for len(frac) < Decimals {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}

	v, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, false
	}
	return Amount(v), true
}

// Format converts minor units to a decimal string with exactly two
// fraction digits (5000 -> "50.00").
func (a Amount) Format() string {
	neg := a < 0
	v := int64(a)
	if neg {
		v = -v
	}
	s := strconv.FormatInt(v, 10)
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	cut := len(s) - Decimals
	out := s[:cut] + "." + s[cut:]
	if neg {
		out = "-" + out
	}
	return out
}

// Positive reports whether the amount is strictly greater than zero.
func (a Amount) Positive() bool { return a > 0 }

// String implements fmt.Stringer.
func (a Amount) String() string { return a.Format() }
