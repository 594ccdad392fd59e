package yieldspace

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/bondsim/internal/fixed"
	"github.com/atmx/bondsim/internal/model"
)

// ErrInvalidFee is returned when a fee is outside [0, 1).
var ErrInvalidFee = errors.New("yieldspace: fee must be in [0, 1)")

// Fees are Hyperdrive-style trading fees.
type Fees struct {
	// Curve is charged on the implied interest of curve trades.
	Curve decimal.Decimal `json:"curve" toml:"curve"`
	// Flat is charged on the matured portion redeemed at par.
	Flat decimal.Decimal `json:"flat" toml:"flat"`
}

// Quote describes one priced trade from the trader's perspective.
//
// For opens, Shares and Bonds are the curve amounts net of fees. For closes,
// Bonds is the unmatured part traded on the curve and FlatShares the matured
// part redeemed at par. Long-open fees are denominated in bonds, every other
// fee in shares.
type Quote struct {
	Shares     decimal.Decimal `json:"shares"`
	Bonds      decimal.Decimal `json:"bonds"`
	FlatShares decimal.Decimal `json:"flat_shares"`
	CurveFee   decimal.Decimal `json:"curve_fee"`
	FlatFee    decimal.Decimal `json:"flat_fee"`
	SpotPrice  decimal.Decimal `json:"spot_price"`
	Price      decimal.Decimal `json:"price"`    // effective base per bond
	Slippage   decimal.Decimal `json:"slippage"` // shortfall vs. a zero-size trade, as a fraction
}

// PricingModel quotes trades against a MarketState. It holds no market
// state of its own and is safe for concurrent use.
type PricingModel struct {
	fees  Fees
	floor decimal.Decimal
}

// NewPricingModel creates a pricing model with the given fees and reserve
// floor. Trades that would leave share or bond reserves under floor fail
// with ErrEdgeAmount.
func NewPricingModel(fees Fees, floor decimal.Decimal) (*PricingModel, error) {
	for _, f := range []decimal.Decimal{fees.Curve, fees.Flat} {
		if f.IsNegative() || f.GreaterThanOrEqual(fixed.One) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidFee, f)
		}
	}
	if floor.IsNegative() {
		return nil, fmt.Errorf("%w: reserve floor %s", ErrInvalidAmount, floor)
	}
	return &PricingModel{fees: fees, floor: floor}, nil
}

// Fees returns the configured fees.
func (m *PricingModel) Fees() Fees { return m.fees }

// Floor returns the reserve floor.
func (m *PricingModel) Floor() decimal.Decimal { return m.floor }

// ReservesOf extracts the curve inputs for a full-term trade on s.
func ReservesOf(s model.MarketState) (Reserves, error) {
	tau, err := StretchedTime(s.PositionDuration, s.TimeStretch)
	if err != nil {
		return Reserves{}, err
	}
	return Reserves{
		Z:   s.ShareReserves,
		Y:   s.BondReserves,
		C:   s.SharePrice,
		Mu:  s.InitSharePrice,
		Tau: tau,
	}, nil
}

// SpotPrice returns the current bond price of s.
func (m *PricingModel) SpotPrice(s model.MarketState) (decimal.Decimal, error) {
	r, err := ReservesOf(s)
	if err != nil {
		return decimal.Zero, err
	}
	return SpotPrice(r)
}

// FixedAPR returns the fixed rate implied by the spot price of s.
func (m *PricingModel) FixedAPR(s model.MarketState) (decimal.Decimal, error) {
	p, err := m.SpotPrice(s)
	if err != nil {
		return decimal.Zero, err
	}
	return APRFromPrice(p, s.PositionDuration)
}

// checkFloor classifies a post-trade reserve.
func (m *PricingModel) checkFloor(after decimal.Decimal) error {
	if after.IsNegative() {
		return ErrInsufficientLiquidity
	}
	if after.LessThan(m.floor) {
		return ErrEdgeAmount
	}
	return nil
}

// QuoteOpenLong prices paying shareAmount shares for bonds.
func (m *PricingModel) QuoteOpenLong(s model.MarketState, shareAmount decimal.Decimal) (Quote, error) {
	if !shareAmount.IsPositive() {
		return Quote{}, ErrInvalidAmount
	}
	r, err := ReservesOf(s)
	if err != nil {
		return Quote{}, err
	}
	spot, err := SpotPrice(r)
	if err != nil {
		return Quote{}, err
	}
	raw, err := BondsOutGivenSharesIn(r, shareAmount)
	if err != nil {
		return Quote{}, err
	}
	base := fixed.MulDown(shareAmount, r.C)
	ideal := fixed.DivDown(base, spot)

	// Fee on implied interest: curve · (1/p - 1) · base, in bonds.
	fee := decimal.Zero
	if spot.LessThan(fixed.One) {
		fee = fixed.MulUp(m.fees.Curve, fixed.MulUp(fixed.DivUp(fixed.One, spot).Sub(fixed.One), base))
	}
	out := raw.Sub(fee)
	if !out.IsPositive() {
		return Quote{}, fmt.Errorf("%w: fee exceeds output", ErrInvalidAmount)
	}
	if err := m.checkFloor(r.Y.Sub(out)); err != nil {
		return Quote{}, err
	}
	return Quote{
		Shares:    shareAmount,
		Bonds:     out,
		CurveFee:  fee,
		SpotPrice: spot,
		Price:     fixed.DivUp(base, out),
		Slippage:  slippage(ideal, raw),
	}, nil
}

// QuoteOpenShort prices selling bondAmount bonds to the pool.
func (m *PricingModel) QuoteOpenShort(s model.MarketState, bondAmount decimal.Decimal) (Quote, error) {
	if !bondAmount.IsPositive() {
		return Quote{}, ErrInvalidAmount
	}
	r, err := ReservesOf(s)
	if err != nil {
		return Quote{}, err
	}
	spot, err := SpotPrice(r)
	if err != nil {
		return Quote{}, err
	}
	raw, err := SharesOutGivenBondsIn(r, bondAmount)
	if err != nil {
		return Quote{}, err
	}
	ideal := fixed.DivDown(fixed.MulDown(bondAmount, spot), r.C)
	fee := m.curveFeeShares(spot, bondAmount, r.C)
	out := raw.Sub(fee)
	if out.IsNegative() {
		out = decimal.Zero
	}
	if err := m.checkFloor(r.Z.Sub(out)); err != nil {
		return Quote{}, err
	}
	return Quote{
		Shares:    out,
		Bonds:     bondAmount,
		CurveFee:  fee,
		SpotPrice: spot,
		Price:     fixed.DivDown(fixed.MulDown(out, r.C), bondAmount),
		Slippage:  slippage(ideal, raw),
	}, nil
}

// QuoteCloseLong prices selling bonds back to the pool with remaining
// normalized time r in [0, 1]. The matured fraction (1-r) is redeemed at par.
func (m *PricingModel) QuoteCloseLong(s model.MarketState, bonds, remaining decimal.Decimal) (Quote, error) {
	if !bonds.IsPositive() {
		return Quote{}, ErrInvalidAmount
	}
	res, err := ReservesOf(s)
	if err != nil {
		return Quote{}, err
	}
	spot, err := SpotPrice(res)
	if err != nil {
		return Quote{}, err
	}
	remaining = fixed.Clamp(remaining, fixed.Zero, fixed.One)
	curveBonds := fixed.MulDown(bonds, remaining)
	flatBonds := bonds.Sub(curveBonds)

	q := Quote{Bonds: curveBonds, Shares: decimal.Zero, CurveFee: decimal.Zero, SpotPrice: spot, Slippage: decimal.Zero}
	if curveBonds.IsPositive() {
		raw, err := SharesOutGivenBondsIn(res, curveBonds)
		if err != nil {
			return Quote{}, err
		}
		q.CurveFee = m.curveFeeShares(spot, curveBonds, res.C)
		q.Shares = fixed.Max(raw.Sub(q.CurveFee), fixed.Zero)
		q.Slippage = slippage(fixed.DivDown(fixed.MulDown(curveBonds, spot), res.C), raw)
	}
	flat := fixed.DivDown(flatBonds, res.C)
	q.FlatFee = fixed.MulUp(m.fees.Flat, flat)
	q.FlatShares = flat.Sub(q.FlatFee)

	if err := m.checkFloor(res.Z.Sub(q.Shares).Sub(q.FlatShares)); err != nil {
		return Quote{}, err
	}
	q.Price = fixed.DivDown(fixed.MulDown(q.Shares.Add(q.FlatShares), res.C), bonds)
	return q, nil
}

// QuoteCloseShort prices buying bonds back from the pool with remaining
// normalized time r in [0, 1]. The matured fraction is bought at par.
func (m *PricingModel) QuoteCloseShort(s model.MarketState, bonds, remaining decimal.Decimal) (Quote, error) {
	if !bonds.IsPositive() {
		return Quote{}, ErrInvalidAmount
	}
	res, err := ReservesOf(s)
	if err != nil {
		return Quote{}, err
	}
	spot, err := SpotPrice(res)
	if err != nil {
		return Quote{}, err
	}
	remaining = fixed.Clamp(remaining, fixed.Zero, fixed.One)
	curveBonds := fixed.MulDown(bonds, remaining)
	flatBonds := bonds.Sub(curveBonds)

	q := Quote{Bonds: curveBonds, Shares: decimal.Zero, CurveFee: decimal.Zero, SpotPrice: spot, Slippage: decimal.Zero}
	if curveBonds.IsPositive() {
		if err := m.checkFloor(res.Y.Sub(curveBonds)); err != nil {
			return Quote{}, err
		}
		raw, err := SharesInGivenBondsOut(res, curveBonds)
		if err != nil {
			return Quote{}, err
		}
		q.CurveFee = m.curveFeeShares(spot, curveBonds, res.C)
		q.Shares = raw.Add(q.CurveFee)
		ideal := fixed.DivDown(fixed.MulDown(curveBonds, spot), res.C)
		if ideal.IsPositive() {
			q.Slippage = fixed.DivDown(raw.Sub(ideal), ideal)
		}
	}
	flat := fixed.DivUp(flatBonds, res.C)
	q.FlatFee = fixed.MulUp(m.fees.Flat, flat)
	q.FlatShares = flat.Add(q.FlatFee)
	q.Price = fixed.DivUp(fixed.MulUp(q.Shares.Add(q.FlatShares), res.C), bonds)
	return q, nil
}

// curveFeeShares is curve · (1-p) · bonds / c.
func (m *PricingModel) curveFeeShares(spot, bonds, c decimal.Decimal) decimal.Decimal {
	if !spot.LessThan(fixed.One) || m.fees.Curve.IsZero() {
		return decimal.Zero
	}
	return fixed.DivUp(fixed.MulUp(m.fees.Curve, fixed.MulUp(fixed.One.Sub(spot), bonds)), c)
}

func slippage(ideal, actual decimal.Decimal) decimal.Decimal {
	if !ideal.IsPositive() {
		return decimal.Zero
	}
	s := fixed.DivDown(ideal.Sub(actual), ideal)
	if s.IsNegative() {
		return decimal.Zero
	}
	return s
}
