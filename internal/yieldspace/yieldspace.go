// Package yieldspace implements the YieldSpace constant-power-sum invariant
// used to price fixed-rate bonds against yield-bearing vault shares.
//
// For share reserves z, bond reserves y, vault share price c, initial share
// price μ and stretched time τ the pool preserves
//
//	k = (c/μ)·(μz)^(1-τ) + y^(1-τ)
//
// The spot price of a bond in base is p = (μz/y)^τ and the fixed rate it
// implies over t years is (1-p)/(p·t).
//
// All monetary values use shopspring/decimal, never float64 for money.
// Fractional powers go through fixed.Pow and are truncated to fixed.Scale.
package yieldspace

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/bondsim/internal/fixed"
)

var (
	// ErrInsufficientLiquidity is returned when the curve has no solution
	// for the requested trade, i.e. a reserve would go negative.
	ErrInsufficientLiquidity = errors.New("yieldspace: insufficient liquidity")

	// ErrEdgeAmount is returned when a trade would leave a reserve below
	// the configured floor.
	ErrEdgeAmount = errors.New("yieldspace: trade would breach reserve floor")

	// ErrInvalidAmount is returned for zero or negative trade sizes.
	ErrInvalidAmount = errors.New("yieldspace: trade amount must be positive")

	// ErrInvalidTime is returned for non-positive durations or time stretch.
	ErrInvalidTime = errors.New("yieldspace: time parameters must be positive")

	// ErrInvalidPrice is returned for non-positive bond prices.
	ErrInvalidPrice = errors.New("yieldspace: price must be positive")
)

// Time stretch calibration constants: ts = 3.09396 / (0.02789 · apr · 100).
var (
	stretchNumerator = fixed.MustParse("3.09396")
	stretchSlope     = fixed.MustParse("0.02789")
	hundred          = decimal.NewFromInt(100)
)

// Reserves is the set of curve inputs needed to price one trade.
type Reserves struct {
	Z   decimal.Decimal // share reserves
	Y   decimal.Decimal // bond reserves
	C   decimal.Decimal // current share price
	Mu  decimal.Decimal // initial share price
	Tau decimal.Decimal // stretched time of a full-term position
}

// TimeStretchFromAPR derives the time stretch that centres the curve on apr.
func TimeStretchFromAPR(apr decimal.Decimal) (decimal.Decimal, error) {
	if !apr.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: apr %s", ErrInvalidTime, apr)
	}
	return fixed.DivDown(stretchNumerator, stretchSlope.Mul(apr).Mul(hundred)), nil
}

// StretchedTime converts a term in days into the curve exponent τ.
func StretchedTime(days, timeStretch decimal.Decimal) (decimal.Decimal, error) {
	if !days.IsPositive() || !timeStretch.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: days=%s stretch=%s", ErrInvalidTime, days, timeStretch)
	}
	return fixed.DivDown(fixed.YearFraction(days), timeStretch), nil
}

// SpotPrice returns (μz/y)^τ, the marginal base cost of one bond.
func SpotPrice(r Reserves) (decimal.Decimal, error) {
	if !r.Y.IsPositive() || !r.Z.IsPositive() {
		return decimal.Zero, ErrInsufficientLiquidity
	}
	ratio := fixed.DivDown(fixed.MulDown(r.Mu, r.Z), r.Y)
	return fixed.Pow(ratio, r.Tau)
}

// APRFromPrice annualizes a bond price over a term of days: (1-p)/(p·t).
func APRFromPrice(price, days decimal.Decimal) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}
	if !days.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: days=%s", ErrInvalidTime, days)
	}
	t := fixed.YearFraction(days)
	return fixed.DivDown(fixed.One.Sub(price), fixed.MulDown(price, t)), nil
}

// PriceFromAPR is the inverse of APRFromPrice: 1/(1+apr·t).
func PriceFromAPR(apr, days decimal.Decimal) (decimal.Decimal, error) {
	if !days.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: days=%s", ErrInvalidTime, days)
	}
	denom := fixed.One.Add(fixed.MulDown(apr, fixed.YearFraction(days)))
	if !denom.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: apr %s", ErrInvalidPrice, apr)
	}
	return fixed.DivDown(fixed.One, denom), nil
}

// invariant returns k and the shared exponent 1-τ.
func invariant(r Reserves) (k, oneMinusTau decimal.Decimal, err error) {
	oneMinusTau = fixed.One.Sub(r.Tau)
	if !oneMinusTau.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: tau %s >= 1", ErrInvalidTime, r.Tau)
	}
	zTerm, err := shareTerm(r, r.Z, oneMinusTau)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	yTerm, err := fixed.Pow(r.Y, oneMinusTau)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return zTerm.Add(yTerm), oneMinusTau, nil
}

// shareTerm computes (c/μ)·(μz)^(1-τ).
func shareTerm(r Reserves, z, oneMinusTau decimal.Decimal) (decimal.Decimal, error) {
	p, err := fixed.Pow(fixed.MulDown(r.Mu, z), oneMinusTau)
	if err != nil {
		return decimal.Zero, err
	}
	return fixed.MulDown(fixed.DivDown(r.C, r.Mu), p), nil
}

// sharesFromTerm inverts shareTerm: z = ((term·μ/c)^(1/(1-τ)))/μ.
func sharesFromTerm(r Reserves, term, oneMinusTau decimal.Decimal) (decimal.Decimal, error) {
	if term.IsNegative() {
		return decimal.Zero, ErrInsufficientLiquidity
	}
	scaled := fixed.DivDown(fixed.MulDown(term, r.Mu), r.C)
	p, err := fixed.Pow(scaled, fixed.DivDown(fixed.One, oneMinusTau))
	if err != nil {
		return decimal.Zero, err
	}
	return fixed.DivDown(p, r.Mu), nil
}

// BondsOutGivenSharesIn returns the bonds a trader receives for dz shares.
func BondsOutGivenSharesIn(r Reserves, dz decimal.Decimal) (decimal.Decimal, error) {
	if !dz.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	k, omt, err := invariant(r)
	if err != nil {
		return decimal.Zero, err
	}
	zTerm, err := shareTerm(r, r.Z.Add(dz), omt)
	if err != nil {
		return decimal.Zero, err
	}
	rest := k.Sub(zTerm)
	if rest.IsNegative() {
		return decimal.Zero, ErrInsufficientLiquidity
	}
	newY, err := fixed.Pow(rest, fixed.DivDown(fixed.One, omt))
	if err != nil {
		return decimal.Zero, err
	}
	dy := r.Y.Sub(newY)
	if dy.IsNegative() {
		return decimal.Zero, nil
	}
	return dy, nil
}

// SharesOutGivenBondsIn returns the shares paid out for dy bonds sold to
// the pool.
func SharesOutGivenBondsIn(r Reserves, dy decimal.Decimal) (decimal.Decimal, error) {
	if !dy.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	k, omt, err := invariant(r)
	if err != nil {
		return decimal.Zero, err
	}
	yTerm, err := fixed.Pow(r.Y.Add(dy), omt)
	if err != nil {
		return decimal.Zero, err
	}
	newZ, err := sharesFromTerm(r, k.Sub(yTerm), omt)
	if err != nil {
		return decimal.Zero, err
	}
	dz := r.Z.Sub(newZ)
	if dz.IsNegative() {
		return decimal.Zero, nil
	}
	return dz, nil
}

// SharesInGivenBondsOut returns the shares a trader must pay to take dy
// bonds out of the pool.
func SharesInGivenBondsOut(r Reserves, dy decimal.Decimal) (decimal.Decimal, error) {
	if !dy.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if dy.GreaterThanOrEqual(r.Y) {
		return decimal.Zero, ErrInsufficientLiquidity
	}
	k, omt, err := invariant(r)
	if err != nil {
		return decimal.Zero, err
	}
	yTerm, err := fixed.Pow(r.Y.Sub(dy), omt)
	if err != nil {
		return decimal.Zero, err
	}
	newZ, err := sharesFromTerm(r, k.Sub(yTerm), omt)
	if err != nil {
		return decimal.Zero, err
	}
	return newZ.Sub(r.Z), nil
}

// CalcLiquidity returns initial reserves (z, y) holding targetLiquidity base
// whose spot price implies targetAPR over a term of days.
func CalcLiquidity(targetLiquidity, targetAPR, days, timeStretch, sharePrice, initSharePrice decimal.Decimal) (z, y decimal.Decimal, err error) {
	if !targetLiquidity.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: target liquidity %s", ErrInvalidAmount, targetLiquidity)
	}
	if !sharePrice.IsPositive() || !initSharePrice.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: share price", ErrInvalidPrice)
	}
	tau, err := StretchedTime(days, timeStretch)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	price, err := PriceFromAPR(targetAPR, days)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	z = fixed.DivDown(targetLiquidity, sharePrice)
	// p = (μz/y)^τ  ⇒  y = μz / p^(1/τ)
	scale, err := fixed.Pow(price, fixed.DivDown(fixed.One, tau))
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if !scale.IsPositive() {
		return decimal.Zero, decimal.Zero, ErrInsufficientLiquidity
	}
	y = fixed.DivDown(fixed.MulDown(initSharePrice, z), scale)
	return z, y, nil
}
