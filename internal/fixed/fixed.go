// Package fixed defines the rounding rules for the exact decimal arithmetic
// used by every reserve, balance and rate in the simulator.
//
// Values are shopspring/decimal numbers kept at Scale fractional digits.
// Products and quotients are rounded explicitly, down when the result is
// paid out to a trader and up when it is charged, so the pool never loses
// dust to rounding.
package fixed

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept for every stored value.
const Scale int32 = 18

// powPrecision is the working precision handed to PowWithPrecision before the
// result is truncated back to Scale.
const powPrecision int32 = 24

// divPrecision is the working precision for quotients before rounding.
const divPrecision int32 = Scale + 6

var (
	// ErrDivisionByZero is returned by the checked division helpers.
	ErrDivisionByZero = errors.New("fixed: division by zero")

	// ErrNegativeBase is returned by Pow for a negative base.
	ErrNegativeBase = errors.New("fixed: negative base for fractional power")

	// Zero, One and DaysPerYear are shared constants.
	Zero        = decimal.Zero
	One         = decimal.NewFromInt(1)
	DaysPerYear = decimal.NewFromInt(365)
)

// FromInt returns v as a decimal.
func FromInt(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

// MustParse parses s or panics. Intended for constants and tests.
func MustParse(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Normalize truncates d to Scale digits.
func Normalize(d decimal.Decimal) decimal.Decimal {
	return d.RoundDown(Scale)
}

// MulDown returns a*b rounded toward zero at Scale.
func MulDown(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).RoundDown(Scale)
}

// MulUp returns a*b rounded away from zero at Scale.
func MulUp(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).RoundUp(Scale)
}

// DivDown returns a/b rounded toward zero at Scale. b must be non-zero.
func DivDown(a, b decimal.Decimal) decimal.Decimal {
	return a.DivRound(b, divPrecision).RoundDown(Scale)
}

// DivUp returns a/b rounded away from zero at Scale. b must be non-zero.
func DivUp(a, b decimal.Decimal) decimal.Decimal {
	return a.DivRound(b, divPrecision).RoundUp(Scale)
}

// SafeDivDown is DivDown with an explicit zero check.
func SafeDivDown(a, b decimal.Decimal) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}
	return DivDown(a, b), nil
}

// Pow returns base^exp for a non-negative base and any exponent, rounded
// toward zero at Scale.
func Pow(base, exp decimal.Decimal) (decimal.Decimal, error) {
	if base.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNegativeBase, base)
	}
	if base.IsZero() {
		if exp.IsPositive() {
			return decimal.Zero, nil
		}
		return decimal.Zero, ErrDivisionByZero
	}
	if exp.Equal(One) {
		return Normalize(base), nil
	}
	if res, ok := cachedPow(base, exp); ok {
		return res, nil
	}
	res, err := base.PowWithPrecision(exp, powPrecision)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fixed: pow %s^%s: %w", base, exp, err)
	}
	res = res.RoundDown(Scale)
	storePow(base, exp, res)
	return res, nil
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Clamp bounds d to [lo, hi].
func Clamp(d, lo, hi decimal.Decimal) decimal.Decimal {
	return Min(Max(d, lo), hi)
}

// YearFraction converts a number of days into years.
func YearFraction(days decimal.Decimal) decimal.Decimal {
	return DivDown(days, DaysPerYear)
}
