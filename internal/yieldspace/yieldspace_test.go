package yieldspace

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/bondsim/internal/fixed"
	"github.com/atmx/bondsim/internal/model"
)

// d is a test helper for creating decimals from strings.
func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func balancedState(t *testing.T, reserves string) model.MarketState {
	t.Helper()
	ts, err := TimeStretchFromAPR(d("0.05"))
	if err != nil {
		t.Fatalf("time stretch: %v", err)
	}
	return model.MarketState{
		ShareReserves:    d(reserves),
		BondReserves:     d(reserves),
		SharePrice:       fixed.One,
		InitSharePrice:   fixed.One,
		PositionDuration: d("365"),
		TimeStretch:      ts,
		VariableAPR:      d("0.05"),
		LPTotalSupply:    d(reserves),
		ShortCollateral:  decimal.Zero,
	}
}

func newModel(t *testing.T, curve, flat, floor string) *PricingModel {
	t.Helper()
	m, err := NewPricingModel(Fees{Curve: d(curve), Flat: d(flat)}, d(floor))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return m
}

func within(a, b, tol decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tol)
}

// --- Curve helpers ---

func TestTimeStretchFromAPR(t *testing.T) {
	ts, err := TimeStretchFromAPR(d("0.05"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !within(ts, d("22.186877"), d("0.0001")) {
		t.Errorf("expected ~22.186877, got %s", ts)
	}
}

func TestTimeStretchFromAPR_NonPositive(t *testing.T) {
	if _, err := TimeStretchFromAPR(decimal.Zero); !errors.Is(err, ErrInvalidTime) {
		t.Errorf("expected ErrInvalidTime, got %v", err)
	}
}

func TestStretchedTime_Invalid(t *testing.T) {
	if _, err := StretchedTime(decimal.Zero, d("22")); !errors.Is(err, ErrInvalidTime) {
		t.Errorf("expected ErrInvalidTime for zero days, got %v", err)
	}
	if _, err := StretchedTime(d("365"), decimal.Zero); !errors.Is(err, ErrInvalidTime) {
		t.Errorf("expected ErrInvalidTime for zero stretch, got %v", err)
	}
}

func TestSpotPrice_BalancedIsPar(t *testing.T) {
	m := newModel(t, "0", "0", "0")
	p, err := m.SpotPrice(balancedState(t, "1000000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !within(p, fixed.One, d("0.000000000001")) {
		t.Errorf("expected spot price 1, got %s", p)
	}
}

func TestSpotPrice_MoreBondsIsCheaper(t *testing.T) {
	m := newModel(t, "0", "0", "0")
	s := balancedState(t, "1000000")
	s.BondReserves = d("1200000")
	p, err := m.SpotPrice(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.LessThan(fixed.One) {
		t.Errorf("expected price below par, got %s", p)
	}
	apr, err := m.FixedAPR(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !apr.IsPositive() {
		t.Errorf("expected positive fixed APR, got %s", apr)
	}
}

func TestAPRPriceRoundTrip(t *testing.T) {
	tests := []string{"0.01", "0.05", "0.10", "0.25"}
	for _, apr := range tests {
		p, err := PriceFromAPR(d(apr), d("365"))
		if err != nil {
			t.Fatalf("PriceFromAPR(%s): %v", apr, err)
		}
		back, err := APRFromPrice(p, d("365"))
		if err != nil {
			t.Fatalf("APRFromPrice(%s): %v", p, err)
		}
		if !within(back, d(apr), d("0.000000001")) {
			t.Errorf("round trip %s: got %s", apr, back)
		}
	}
}

func TestAPRFromPrice_Invalid(t *testing.T) {
	if _, err := APRFromPrice(decimal.Zero, d("365")); !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice, got %v", err)
	}
}

func TestCalcLiquidity_HitsTargetAPR(t *testing.T) {
	ts, _ := TimeStretchFromAPR(d("0.05"))
	z, y, err := CalcLiquidity(d("1000000"), d("0.05"), d("365"), ts, fixed.One, fixed.One)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !z.Equal(d("1000000")) {
		t.Errorf("expected z=1000000, got %s", z)
	}
	if !y.GreaterThan(z) {
		t.Errorf("expected y > z for a positive rate, got y=%s", y)
	}
	tau, _ := StretchedTime(d("365"), ts)
	p, err := SpotPrice(Reserves{Z: z, Y: y, C: fixed.One, Mu: fixed.One, Tau: tau})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	apr, _ := APRFromPrice(p, d("365"))
	if !within(apr, d("0.05"), d("0.000001")) {
		t.Errorf("expected apr ~0.05, got %s", apr)
	}
}

// --- Curve trades ---

func TestBondsOutGivenSharesIn_Slippage(t *testing.T) {
	r, _ := ReservesOf(balancedState(t, "1000000"))
	dy, err := BondsOutGivenSharesIn(r, d("100"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dy.IsPositive() || !dy.LessThan(d("100")) {
		t.Errorf("expected 0 < bonds < 100, got %s", dy)
	}
}

func TestBondsOutGivenSharesIn_ConvergesForSmallTrades(t *testing.T) {
	r, _ := ReservesOf(balancedState(t, "1000000"))
	dy, err := BondsOutGivenSharesIn(r, d("0.01"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !within(dy, d("0.01"), d("0.0000001")) {
		t.Errorf("expected ~0.01 bonds for a tiny trade, got %s", dy)
	}
}

func TestBondsOutGivenSharesIn_PriceIncreasesWithSize(t *testing.T) {
	r, _ := ReservesOf(balancedState(t, "1000000"))
	var lastPrice decimal.Decimal
	for i, size := range []string{"10", "1000", "10000", "100000"} {
		dz := d(size)
		dy, err := BondsOutGivenSharesIn(r, dz)
		if err != nil {
			t.Fatalf("size %s: %v", size, err)
		}
		price := dz.Div(dy)
		if i > 0 && !price.GreaterThan(lastPrice) {
			t.Errorf("average price should grow with size: %s then %s", lastPrice, price)
		}
		lastPrice = price
	}
}

func TestBondsOutGivenSharesIn_InsufficientLiquidity(t *testing.T) {
	r, _ := ReservesOf(balancedState(t, "1000"))
	_, err := BondsOutGivenSharesIn(r, d("1000000000"))
	if !errors.Is(err, ErrInsufficientLiquidity) {
		t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestSharesOutGivenBondsIn_Slippage(t *testing.T) {
	r, _ := ReservesOf(balancedState(t, "1000000"))
	dz, err := SharesOutGivenBondsIn(r, d("100"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dz.IsPositive() || !dz.LessThan(d("100")) {
		t.Errorf("expected 0 < shares < 100, got %s", dz)
	}
}

func TestSharesInGivenBondsOut_CostsMoreThanPar(t *testing.T) {
	r, _ := ReservesOf(balancedState(t, "1000000"))
	dz, err := SharesInGivenBondsOut(r, d("100"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dz.GreaterThan(d("100")) {
		t.Errorf("expected > 100 shares for 100 bonds, got %s", dz)
	}
}

func TestSharesInGivenBondsOut_AllBonds(t *testing.T) {
	r, _ := ReservesOf(balancedState(t, "1000"))
	if _, err := SharesInGivenBondsOut(r, d("1000")); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestInvalidAmounts(t *testing.T) {
	r, _ := ReservesOf(balancedState(t, "1000"))
	if _, err := BondsOutGivenSharesIn(r, decimal.Zero); err != ErrInvalidAmount {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := SharesOutGivenBondsIn(r, d("-1")); err != ErrInvalidAmount {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

// --- PricingModel ---

func TestNewPricingModel_InvalidFees(t *testing.T) {
	tests := []Fees{
		{Curve: d("-0.1"), Flat: decimal.Zero},
		{Curve: decimal.Zero, Flat: d("1")},
	}
	for _, f := range tests {
		if _, err := NewPricingModel(f, decimal.Zero); !errors.Is(err, ErrInvalidFee) {
			t.Errorf("fees %+v: expected ErrInvalidFee, got %v", f, err)
		}
	}
}

func TestNewPricingModel_NegativeFloor(t *testing.T) {
	if _, err := NewPricingModel(Fees{}, d("-1")); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestQuoteOpenLong_NoFeeAtPar(t *testing.T) {
	m := newModel(t, "0.1", "0.05", "0")
	q, err := m.QuoteOpenLong(balancedState(t, "1000000"), d("100"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.CurveFee.IsZero() {
		t.Errorf("expected no curve fee at par, got %s", q.CurveFee)
	}
	if !q.Bonds.LessThan(d("100")) {
		t.Errorf("expected bonds < 100, got %s", q.Bonds)
	}
	if !q.Slippage.IsPositive() {
		t.Errorf("expected positive slippage, got %s", q.Slippage)
	}
	if !q.Price.GreaterThan(fixed.One) {
		t.Errorf("expected effective price > 1, got %s", q.Price)
	}
}

func TestQuoteOpenLong_FeeBelowPar(t *testing.T) {
	s := balancedState(t, "1000000")
	s.BondReserves = d("1200000")
	noFee := newModel(t, "0", "0", "0")
	withFee := newModel(t, "0.1", "0", "0")
	a, err := noFee.QuoteOpenLong(s, d("100"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := withFee.QuoteOpenLong(s, d("100"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.CurveFee.IsPositive() {
		t.Errorf("expected positive curve fee below par, got %s", b.CurveFee)
	}
	if !a.Bonds.Sub(b.CurveFee).Equal(b.Bonds) {
		t.Errorf("expected fee to come out of bonds: %s - %s != %s", a.Bonds, b.CurveFee, b.Bonds)
	}
}

func TestQuoteOpenLong_Floor(t *testing.T) {
	m := newModel(t, "0", "0", "999950")
	_, err := m.QuoteOpenLong(balancedState(t, "1000000"), d("100"))
	if !errors.Is(err, ErrEdgeAmount) {
		t.Errorf("expected ErrEdgeAmount, got %v", err)
	}
}

func TestQuoteOpenShort(t *testing.T) {
	m := newModel(t, "0", "0", "0")
	q, err := m.QuoteOpenShort(balancedState(t, "1000000"), d("100"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.Shares.IsPositive() || !q.Shares.LessThan(d("100")) {
		t.Errorf("expected 0 < shares < 100, got %s", q.Shares)
	}
	if !q.Bonds.Equal(d("100")) {
		t.Errorf("expected bonds=100, got %s", q.Bonds)
	}
}

func TestQuoteCloseLong_MaturedIsPar(t *testing.T) {
	m := newModel(t, "0", "0", "0")
	q, err := m.QuoteCloseLong(balancedState(t, "1000000"), d("100"), decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.Shares.IsZero() || !q.Bonds.IsZero() {
		t.Errorf("expected no curve trade at maturity, got shares=%s bonds=%s", q.Shares, q.Bonds)
	}
	if !q.FlatShares.Equal(d("100")) {
		t.Errorf("expected 100 shares at par, got %s", q.FlatShares)
	}
}

func TestQuoteCloseLong_FlatFee(t *testing.T) {
	m := newModel(t, "0", "0.01", "0")
	q, err := m.QuoteCloseLong(balancedState(t, "1000000"), d("100"), decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.FlatFee.Equal(d("1")) || !q.FlatShares.Equal(d("99")) {
		t.Errorf("expected fee 1 and 99 shares, got fee=%s shares=%s", q.FlatFee, q.FlatShares)
	}
}

func TestQuoteCloseLong_ImmediateRoundTrip(t *testing.T) {
	m := newModel(t, "0", "0", "0")
	s := balancedState(t, "1000000")
	open, err := m.QuoteOpenLong(s, d("1000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.ShareReserves = s.ShareReserves.Add(open.Shares)
	s.BondReserves = s.BondReserves.Sub(open.Bonds)
	cl, err := m.QuoteCloseLong(s, open.Bonds, fixed.One)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !within(cl.Shares, d("1000"), d("0.001")) {
		t.Errorf("expected ~1000 shares back, got %s", cl.Shares)
	}
}

func TestQuoteCloseShort_PartialTerm(t *testing.T) {
	m := newModel(t, "0", "0", "0")
	s := balancedState(t, "1000000")
	q, err := m.QuoteCloseShort(s, d("100"), d("0.5"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.Bonds.Equal(d("50")) {
		t.Errorf("expected 50 bonds on the curve, got %s", q.Bonds)
	}
	if !q.FlatShares.Equal(d("50")) {
		t.Errorf("expected 50 shares at par, got %s", q.FlatShares)
	}
	if !q.Shares.GreaterThan(d("50")) {
		t.Errorf("expected curve cost > 50 shares, got %s", q.Shares)
	}
}

func TestQuote_RejectsNonPositive(t *testing.T) {
	m := newModel(t, "0", "0", "0")
	s := balancedState(t, "1000")
	if _, err := m.QuoteOpenLong(s, decimal.Zero); err != ErrInvalidAmount {
		t.Errorf("open long: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := m.QuoteOpenShort(s, d("-5")); err != ErrInvalidAmount {
		t.Errorf("open short: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := m.QuoteCloseLong(s, decimal.Zero, fixed.One); err != ErrInvalidAmount {
		t.Errorf("close long: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := m.QuoteCloseShort(s, decimal.Zero, fixed.One); err != ErrInvalidAmount {
		t.Errorf("close short: expected ErrInvalidAmount, got %v", err)
	}
}
