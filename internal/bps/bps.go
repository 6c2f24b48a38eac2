// Package bps implements fixed-point basis-point arithmetic for threshold
// and slippage calculations.
//
// All magnitudes use shopspring/decimal, whose coefficient is an
// arbitrary-precision integer, so values up to 2^256-1 are exact. Division
// by the 10^4 denominator produces at most four fractional digits, well
// inside decimal's division precision, so Floor yields the exact integer
// quotient.
package bps

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Denominator is the basis-point scale: 10000 bp = 100%.
const Denominator = 10000

var (
	// ErrInvalidBasisPoints is returned when a bp value is outside [0, 10000].
	ErrInvalidBasisPoints = errors.New("bps: basis points out of range [0, 10000]")

	// ErrNegativeAmount is returned when an amount magnitude is negative.
	ErrNegativeAmount = errors.New("bps: amount must not be negative")

	denominator = decimal.NewFromInt(Denominator)
)

// Valid reports whether bp is in the domain [0, 10000].
func Valid(bp int64) bool {
	return bp >= 0 && bp <= Denominator
}

// Share computes floor(amount * bp / 10000).
func Share(amount decimal.Decimal, bp int64) (decimal.Decimal, error) {
	if !Valid(bp) {
		return decimal.Zero, ErrInvalidBasisPoints
	}
	if amount.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	return amount.Mul(decimal.NewFromInt(bp)).Div(denominator).Floor(), nil
}

// MinAcceptable computes the slippage-bounded minimum:
// floor(amount * (10000 - toleranceBp) / 10000).
func MinAcceptable(amount decimal.Decimal, toleranceBp int64) (decimal.Decimal, error) {
	if !Valid(toleranceBp) {
		return decimal.Zero, ErrInvalidBasisPoints
	}
	return Share(amount, Denominator-toleranceBp)
}
