// Package market applies trades and the passage of time to a bond AMM.
//
// Every operation is a pure transition: it takes a model.MarketState by value
// and returns the next state together with a Fill describing what the trader
// pays or receives. Nothing is mutated in place, so a failed trade leaves the
// caller's state untouched and repeating a call with the same inputs yields
// the same result.
package market

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/bondsim/internal/fixed"
	"github.com/atmx/bondsim/internal/model"
	"github.com/atmx/bondsim/internal/yieldspace"
)

var (
	// ErrInvalidDelta is returned by AdvanceTime for a non-positive step.
	ErrInvalidDelta = errors.New("market: time delta must be positive")

	// ErrPositionNotMature is returned when maturity-gated closes are enabled
	// and the position has not reached its maturity time.
	ErrPositionNotMature = errors.New("market: position not mature")

	// ErrPositionClosed is returned when closing an already closed position.
	ErrPositionClosed = errors.New("market: position already closed")

	// ErrNegativeProceeds is returned when closing a short would cost more
	// than its collateral is worth.
	ErrNegativeProceeds = errors.New("market: close proceeds would be negative")

	// ErrInsufficientLPShares is returned when burning more LP shares than
	// exist.
	ErrInsufficientLPShares = errors.New("market: insufficient lp supply")

	// Re-exported curve failures so callers need only this package.
	ErrInsufficientLiquidity = yieldspace.ErrInsufficientLiquidity
	ErrEdgeAmount            = yieldspace.ErrEdgeAmount
	ErrInvalidAmount         = yieldspace.ErrInvalidAmount
)

// ClosePolicy controls how positions may be closed before maturity.
type ClosePolicy struct {
	// RequireMaturity rejects closes before MaturityTime.
	RequireMaturity bool `json:"require_maturity" toml:"require_maturity"`
	// EarlyClosePenalty is the fraction of proceeds kept by the pool when a
	// position is closed before maturity.
	EarlyClosePenalty decimal.Decimal `json:"early_close_penalty" toml:"early_close_penalty"`
}

// Validate checks that the penalty is a fraction in [0, 1).
func (p ClosePolicy) Validate() error {
	if p.EarlyClosePenalty.IsNegative() || p.EarlyClosePenalty.GreaterThanOrEqual(fixed.One) {
		return fmt.Errorf("market: early close penalty %s outside [0, 1)", p.EarlyClosePenalty)
	}
	return nil
}

// Fill is the trader-side outcome of one applied operation.
type Fill struct {
	Kind       model.IntentKind `json:"kind"`
	BaseDelta  decimal.Decimal  `json:"base_delta"` // signed change to trader cash
	Shares     decimal.Decimal  `json:"shares"`     // shares moved in or out of the pool
	Bonds      decimal.Decimal  `json:"bonds"`
	Fee        decimal.Decimal  `json:"fee"` // base kept by the pool
	Price      decimal.Decimal  `json:"price"`
	LPDelta    decimal.Decimal  `json:"lp_delta"` // signed change to trader LP shares
	Position   model.Position   `json:"position"` // opened or closed position, zero for LP ops
	Penalty    decimal.Decimal  `json:"penalty"`
	Slippage   decimal.Decimal  `json:"slippage"`
	CloseRatio decimal.Decimal  `json:"close_ratio"` // normalized time remaining at close
}

// Market binds a pricing model to a close policy. It holds no market state
// and is safe for concurrent use.
type Market struct {
	pricing *yieldspace.PricingModel
	policy  ClosePolicy
}

// New creates a Market.
func New(pricing *yieldspace.PricingModel, policy ClosePolicy) (*Market, error) {
	if pricing == nil {
		return nil, errors.New("market: pricing model is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Market{pricing: pricing, policy: policy}, nil
}

// Pricing returns the underlying pricing model.
func (m *Market) Pricing() *yieldspace.PricingModel { return m.pricing }

// Policy returns the close policy.
func (m *Market) Policy() ClosePolicy { return m.policy }

// SpotPrice returns the bond price implied by s.
func (m *Market) SpotPrice(s model.MarketState) (decimal.Decimal, error) {
	return m.pricing.SpotPrice(s)
}

// FixedAPR returns the fixed rate implied by s.
func (m *Market) FixedAPR(s model.MarketState) (decimal.Decimal, error) {
	return m.pricing.FixedAPR(s)
}

// AdvanceTime moves the clock forward by delta days and compounds the
// variable rate into the share price once: c' = c · (1 + apr · delta/365).
func AdvanceTime(s model.MarketState, delta decimal.Decimal) (model.MarketState, error) {
	if !delta.IsPositive() {
		return s, fmt.Errorf("%w: %s", ErrInvalidDelta, delta)
	}
	growth := fixed.One.Add(fixed.MulDown(s.VariableAPR, fixed.YearFraction(delta)))
	next := s
	next.TimeElapsed = s.TimeElapsed.Add(delta)
	next.SharePrice = fixed.MulDown(s.SharePrice, growth)
	return next, nil
}

// OpenLong trades shareAmount shares for bonds along the curve. Share
// reserves grow by shareAmount and bond reserves shrink by the bonds paid out.
func (m *Market) OpenLong(s model.MarketState, shareAmount decimal.Decimal) (model.MarketState, Fill, error) {
	q, err := m.pricing.QuoteOpenLong(s, shareAmount)
	if err != nil {
		return s, Fill{}, err
	}
	cost := fixed.MulUp(shareAmount, s.SharePrice)

	next := s
	next.ShareReserves = s.ShareReserves.Add(shareAmount)
	next.BondReserves = s.BondReserves.Sub(q.Bonds)
	next.LongsOutstanding = s.LongsOutstanding.Add(q.Bonds)

	pos := model.Position{
		Kind:           model.Long,
		BondAmount:     q.Bonds,
		OpenSharePrice: s.SharePrice,
		OpenTime:       s.TimeElapsed,
		MaturityTime:   s.TimeElapsed.Add(s.PositionDuration),
		CostBasis:      cost,
	}
	return next, Fill{
		Kind:      model.OpenLong,
		BaseDelta: cost.Neg(),
		Shares:    shareAmount,
		Bonds:     q.Bonds,
		Fee:       fixed.MulDown(q.CurveFee, q.SpotPrice),
		Price:     q.Price,
		LPDelta:   decimal.Zero,
		Position:  pos,
		Penalty:   decimal.Zero,
		Slippage:  q.Slippage,
	}, nil
}

// OpenShort sells bondAmount bonds to the pool. The shares paid out stay in
// the pool as collateral, topped up by the trader's deposit so that the full
// face value of the bonds is held until close.
func (m *Market) OpenShort(s model.MarketState, bondAmount decimal.Decimal) (model.MarketState, Fill, error) {
	q, err := m.pricing.QuoteOpenShort(s, bondAmount)
	if err != nil {
		return s, Fill{}, err
	}
	collateral := shortCollateral(bondAmount, s.SharePrice)
	deposit := fixed.MulUp(collateral.Sub(q.Shares), s.SharePrice)

	next := s
	next.ShareReserves = s.ShareReserves.Sub(q.Shares)
	next.BondReserves = s.BondReserves.Add(bondAmount)
	next.ShortCollateral = s.ShortCollateral.Add(collateral)
	next.ShortsOutstanding = s.ShortsOutstanding.Add(bondAmount)

	pos := model.Position{
		Kind:           model.Short,
		BondAmount:     bondAmount,
		OpenSharePrice: s.SharePrice,
		OpenTime:       s.TimeElapsed,
		MaturityTime:   s.TimeElapsed.Add(s.PositionDuration),
		CostBasis:      deposit,
	}
	return next, Fill{
		Kind:      model.OpenShort,
		BaseDelta: deposit.Neg(),
		Shares:    q.Shares,
		Bonds:     bondAmount,
		Fee:       fixed.MulDown(q.CurveFee, s.SharePrice),
		Price:     q.Price,
		LPDelta:   decimal.Zero,
		Position:  pos,
		Penalty:   decimal.Zero,
		Slippage:  q.Slippage,
	}, nil
}

// shortCollateral is the number of shares backing a short of bonds opened
// at share price c.
func shortCollateral(bonds, c decimal.Decimal) decimal.Decimal {
	return fixed.DivUp(bonds, c)
}

// RemainingRatio is the normalized time left on p at closeTime, in [0, 1].
func RemainingRatio(p model.Position, closeTime, duration decimal.Decimal) decimal.Decimal {
	if !duration.IsPositive() {
		return decimal.Zero
	}
	left := p.MaturityTime.Sub(closeTime)
	if !left.IsPositive() {
		return decimal.Zero
	}
	return fixed.Clamp(fixed.DivDown(left, duration), fixed.Zero, fixed.One)
}

// ClosePosition closes the whole of p at closeTime. The matured fraction of
// the bonds settles at par and the remainder trades on the curve. Accrual is
// capped at maturity: closing after MaturityTime settles entirely at par.
func (m *Market) ClosePosition(s model.MarketState, p model.Position, closeTime decimal.Decimal) (model.MarketState, Fill, error) {
	if p.Closed {
		return s, Fill{}, ErrPositionClosed
	}
	early := closeTime.LessThan(p.MaturityTime)
	if m.policy.RequireMaturity && early {
		return s, Fill{}, fmt.Errorf("%w: %s matures at %s, now %s", ErrPositionNotMature, p.ID, p.MaturityTime, closeTime)
	}
	ratio := RemainingRatio(p, closeTime, s.PositionDuration)

	var (
		next model.MarketState
		fill Fill
		err  error
	)
	switch p.Kind {
	case model.Long:
		next, fill, err = m.closeLong(s, p, ratio)
	case model.Short:
		next, fill, err = m.closeShort(s, p, ratio)
	default:
		return s, Fill{}, fmt.Errorf("market: unknown position kind %q", p.Kind)
	}
	if err != nil {
		return s, Fill{}, err
	}

	if early && fill.BaseDelta.IsPositive() && m.policy.EarlyClosePenalty.IsPositive() {
		penalty := fixed.MulUp(fill.BaseDelta, m.policy.EarlyClosePenalty)
		fill.BaseDelta = fill.BaseDelta.Sub(penalty)
		fill.Penalty = penalty
		next.ShareReserves = next.ShareReserves.Add(fixed.DivDown(penalty, s.SharePrice))
	}

	closed := p
	closed.Closed = true
	fill.Position = closed
	fill.CloseRatio = ratio
	return next, fill, nil
}

func (m *Market) closeLong(s model.MarketState, p model.Position, ratio decimal.Decimal) (model.MarketState, Fill, error) {
	q, err := m.pricing.QuoteCloseLong(s, p.BondAmount, ratio)
	if err != nil {
		return s, Fill{}, err
	}
	next := s
	next.ShareReserves = s.ShareReserves.Sub(q.Shares)
	next.BondReserves = s.BondReserves.Add(q.Bonds)
	next = settleFlat(next, q.FlatShares.Neg())
	next.LongsOutstanding = fixed.Max(s.LongsOutstanding.Sub(p.BondAmount), fixed.Zero)

	out := q.Shares.Add(q.FlatShares)
	return next, Fill{
		Kind:      model.CloseLong,
		BaseDelta: fixed.MulDown(out, s.SharePrice),
		Shares:    out,
		Bonds:     p.BondAmount,
		Fee:       fixed.MulDown(q.CurveFee.Add(q.FlatFee), s.SharePrice),
		Price:     q.Price,
		LPDelta:   decimal.Zero,
		Penalty:   decimal.Zero,
		Slippage:  q.Slippage,
	}, nil
}

func (m *Market) closeShort(s model.MarketState, p model.Position, ratio decimal.Decimal) (model.MarketState, Fill, error) {
	q, err := m.pricing.QuoteCloseShort(s, p.BondAmount, ratio)
	if err != nil {
		return s, Fill{}, err
	}
	collateral := shortCollateral(p.BondAmount, p.OpenSharePrice)
	if collateral.GreaterThan(s.ShortCollateral) {
		return s, Fill{}, fmt.Errorf("%w: short collateral %s < %s", model.ErrInvariantViolation, s.ShortCollateral, collateral)
	}
	cost := q.Shares.Add(q.FlatShares)
	remainder := collateral.Sub(cost)
	if remainder.IsNegative() {
		return s, Fill{}, fmt.Errorf("%w: owes %s shares against %s", ErrNegativeProceeds, cost, collateral)
	}

	next := s
	next.ShareReserves = s.ShareReserves.Add(q.Shares)
	next.BondReserves = s.BondReserves.Sub(q.Bonds)
	next = settleFlat(next, q.FlatShares)
	next.ShortCollateral = s.ShortCollateral.Sub(collateral)
	next.ShortsOutstanding = fixed.Max(s.ShortsOutstanding.Sub(p.BondAmount), fixed.Zero)

	return next, Fill{
		Kind:      model.CloseShort,
		BaseDelta: fixed.MulDown(remainder, s.SharePrice),
		Shares:    cost,
		Bonds:     p.BondAmount,
		Fee:       fixed.MulDown(q.CurveFee.Add(q.FlatFee), s.SharePrice),
		Price:     q.Price,
		LPDelta:   decimal.Zero,
		Penalty:   decimal.Zero,
		Slippage:  q.Slippage,
	}, nil
}

// settleFlat moves dz shares in (positive) or out (negative) of the pool at
// par, scaling bond reserves by the same factor so the spot price holds.
func settleFlat(s model.MarketState, dz decimal.Decimal) model.MarketState {
	if dz.IsZero() || !s.ShareReserves.IsPositive() {
		s.ShareReserves = s.ShareReserves.Add(dz)
		return s
	}
	z := s.ShareReserves.Add(dz)
	s.BondReserves = fixed.DivDown(fixed.MulDown(s.BondReserves, z), s.ShareReserves)
	s.ShareReserves = z
	return s
}

// AddLiquidity deposits shareAmount shares, scaling both reserves so the spot
// price is unchanged, and mints LP shares pro rata to share reserves.
func (m *Market) AddLiquidity(s model.MarketState, shareAmount decimal.Decimal) (model.MarketState, Fill, error) {
	if !shareAmount.IsPositive() {
		return s, Fill{}, ErrInvalidAmount
	}
	if !s.ShareReserves.IsPositive() {
		return s, Fill{}, ErrInsufficientLiquidity
	}
	minted := shareAmount
	if s.LPTotalSupply.IsPositive() {
		minted = fixed.DivDown(fixed.MulDown(shareAmount, s.LPTotalSupply), s.ShareReserves)
	}
	if !minted.IsPositive() {
		return s, Fill{}, fmt.Errorf("%w: deposit mints no lp shares", ErrInvalidAmount)
	}
	spot, err := m.pricing.SpotPrice(s)
	if err != nil {
		return s, Fill{}, err
	}
	next := settleFlat(s, shareAmount)
	next.LPTotalSupply = s.LPTotalSupply.Add(minted)
	return next, Fill{
		Kind:      model.AddLiquidity,
		BaseDelta: fixed.MulUp(shareAmount, s.SharePrice).Neg(),
		Shares:    shareAmount,
		Bonds:     decimal.Zero,
		Fee:       decimal.Zero,
		Price:     spot,
		LPDelta:   minted,
		Penalty:   decimal.Zero,
		Slippage:  decimal.Zero,
	}, nil
}

// RemoveLiquidity burns lpShares for their pro-rata share of share reserves.
func (m *Market) RemoveLiquidity(s model.MarketState, lpShares decimal.Decimal) (model.MarketState, Fill, error) {
	if !lpShares.IsPositive() {
		return s, Fill{}, ErrInvalidAmount
	}
	if lpShares.GreaterThan(s.LPTotalSupply) {
		return s, Fill{}, fmt.Errorf("%w: burn %s of %s", ErrInsufficientLPShares, lpShares, s.LPTotalSupply)
	}
	out := fixed.DivDown(fixed.MulDown(lpShares, s.ShareReserves), s.LPTotalSupply)
	after := s.ShareReserves.Sub(out)
	if after.IsNegative() {
		return s, Fill{}, ErrInsufficientLiquidity
	}
	if after.LessThan(m.pricing.Floor()) {
		return s, Fill{}, ErrEdgeAmount
	}
	spot, err := m.pricing.SpotPrice(s)
	if err != nil {
		return s, Fill{}, err
	}
	next := settleFlat(s, out.Neg())
	next.LPTotalSupply = s.LPTotalSupply.Sub(lpShares)
	return next, Fill{
		Kind:      model.RemoveLiquidity,
		BaseDelta: fixed.MulDown(out, s.SharePrice),
		Shares:    out,
		Bonds:     decimal.Zero,
		Fee:       decimal.Zero,
		Price:     spot,
		LPDelta:   lpShares.Neg(),
		Penalty:   decimal.Zero,
		Slippage:  decimal.Zero,
	}, nil
}

// MarkToMarket values p in base as if it were closed against s at the
// current time, without the early-close penalty. The state is not changed.
func (m *Market) MarkToMarket(s model.MarketState, p model.Position) (decimal.Decimal, error) {
	if p.Closed {
		return decimal.Zero, nil
	}
	ratio := RemainingRatio(p, s.TimeElapsed, s.PositionDuration)
	var fill Fill
	var err error
	switch p.Kind {
	case model.Long:
		_, fill, err = m.closeLong(s, p, ratio)
	case model.Short:
		_, fill, err = m.closeShort(s, p, ratio)
		if errors.Is(err, ErrNegativeProceeds) {
			return decimal.Zero, nil
		}
	default:
		return decimal.Zero, fmt.Errorf("market: unknown position kind %q", p.Kind)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return fill.BaseDelta, nil
}

// PoolValue is the base value of everything the pool holds, including short
// collateral.
func PoolValue(s model.MarketState) decimal.Decimal {
	return fixed.MulDown(s.TotalShares(), s.SharePrice)
}
