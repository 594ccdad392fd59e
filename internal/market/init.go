package market

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/bondsim/internal/model"
	"github.com/atmx/bondsim/internal/yieldspace"
)

// InitParams describes a freshly seeded pool. Either both explicit reserves
// are given, or TargetLiquidity and TargetFixedAPR are used to derive them.
type InitParams struct {
	SharePrice       decimal.Decimal
	InitSharePrice   decimal.Decimal
	PositionDuration decimal.Decimal // days
	VariableAPR      decimal.Decimal

	ShareReserves decimal.Decimal
	BondReserves  decimal.Decimal

	TargetLiquidity decimal.Decimal // base
	TargetFixedAPR  decimal.Decimal

	// TimeStretch overrides the stretch derived from TargetFixedAPR.
	TimeStretch decimal.Decimal
}

// Init builds the initial market state. LP supply starts equal to the share
// reserves; the seed liquidity belongs to no agent.
func Init(p InitParams) (model.MarketState, error) {
	if p.InitSharePrice.IsZero() {
		p.InitSharePrice = p.SharePrice
	}
	if !p.SharePrice.IsPositive() {
		return model.MarketState{}, fmt.Errorf("market: share price %s must be positive", p.SharePrice)
	}
	if p.VariableAPR.IsNegative() {
		return model.MarketState{}, fmt.Errorf("market: variable apr %s must not be negative", p.VariableAPR)
	}

	ts := p.TimeStretch
	if ts.IsZero() {
		var err error
		ts, err = yieldspace.TimeStretchFromAPR(p.TargetFixedAPR)
		if err != nil {
			return model.MarketState{}, fmt.Errorf("market: derive time stretch: %w", err)
		}
	}

	z, y := p.ShareReserves, p.BondReserves
	if z.IsZero() && y.IsZero() {
		var err error
		z, y, err = yieldspace.CalcLiquidity(p.TargetLiquidity, p.TargetFixedAPR, p.PositionDuration, ts, p.SharePrice, p.InitSharePrice)
		if err != nil {
			return model.MarketState{}, fmt.Errorf("market: derive reserves: %w", err)
		}
	}

	s := model.MarketState{
		ShareReserves:     z,
		BondReserves:      y,
		SharePrice:        p.SharePrice,
		InitSharePrice:    p.InitSharePrice,
		TimeElapsed:       decimal.Zero,
		PositionDuration:  p.PositionDuration,
		TimeStretch:       ts,
		VariableAPR:       p.VariableAPR,
		LPTotalSupply:     z,
		ShortCollateral:   decimal.Zero,
		LongsOutstanding:  decimal.Zero,
		ShortsOutstanding: decimal.Zero,
	}
	if err := s.Validate(); err != nil {
		return model.MarketState{}, err
	}
	if _, err := yieldspace.StretchedTime(s.PositionDuration, s.TimeStretch); err != nil {
		return model.MarketState{}, err
	}
	if !z.IsPositive() || !y.IsPositive() {
		return model.MarketState{}, fmt.Errorf("market: reserves must be positive, got z=%s y=%s", z, y)
	}
	return s, nil
}
