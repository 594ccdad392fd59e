// Package policy defines the agent decision contract and the built-in
// trading strategies.
//
// A Policy sees the market as it stood at the start of a step and its own
// wallet, and returns at most one TradeIntent. All randomness comes from the
// injected RandomSource so a run is reproducible from its seed.
package policy

import (
	"errors"
	"math/rand/v2"

	"github.com/shopspring/decimal"

	"github.com/atmx/bondsim/internal/fixed"
	"github.com/atmx/bondsim/internal/model"
	"github.com/atmx/bondsim/internal/yieldspace"
)

// ErrUnknownPolicy is returned by the registry for an unregistered name.
var ErrUnknownPolicy = errors.New("policy: unknown policy")

// RandomSource is the only source of randomness a Policy may use.
type RandomSource interface {
	// IntN returns a uniform int in [0, n). It panics if n <= 0.
	IntN(n int) int
	// Float64 returns a uniform float64 in [0.0, 1.0).
	Float64() float64
}

// NewRandomSource returns a PCG generator seeded from seed and stream.
// Each agent gets its own stream so adding an agent does not perturb the
// draws of the others.
func NewRandomSource(seed, stream uint64) RandomSource {
	return rand.New(rand.NewPCG(seed, stream))
}

// Policy decides one agent's action for one step. A nil intent means no
// action. Implementations must not retain state or wallet between calls.
type Policy interface {
	Name() string
	DecideAction(state model.MarketState, wallet model.Wallet, rng RandomSource) (*model.TradeIntent, error)
}

// Params tunes the built-in policies. Zero fields take the defaults below.
type Params struct {
	// TradeAmount is the base (or bonds, for shorts) per open.
	TradeAmount decimal.Decimal `json:"trade_amount" toml:"trade_amount"`
	// HighRate and LowRate bracket the fixed rate for ArbitrageSeeker.
	HighRate decimal.Decimal `json:"high_fixed_rate_thresh" toml:"high_fixed_rate_thresh"`
	LowRate  decimal.Decimal `json:"low_fixed_rate_thresh" toml:"low_fixed_rate_thresh"`
	// TradeChance is the probability RandomTrader acts on a step.
	TradeChance decimal.Decimal `json:"trade_chance" toml:"trade_chance"`
	// ExitTime is the day LiquidityProvider withdraws; zero never withdraws.
	ExitTime decimal.Decimal `json:"exit_time" toml:"exit_time"`
}

var (
	defaultTradeAmount = decimal.NewFromInt(100)
	defaultHighRate    = fixed.MustParse("0.1")
	defaultLowRate     = fixed.MustParse("0.02")
	defaultTradeChance = fixed.MustParse("0.5")
)

// WithDefaults fills unset fields.
func (p Params) WithDefaults() Params {
	if p.TradeAmount.IsZero() {
		p.TradeAmount = defaultTradeAmount
	}
	if p.HighRate.IsZero() {
		p.HighRate = defaultHighRate
	}
	if p.LowRate.IsZero() {
		p.LowRate = defaultLowRate
	}
	if p.TradeChance.IsZero() {
		p.TradeChance = defaultTradeChance
	}
	return p
}

// Validate checks ranges after defaults are applied.
func (p Params) Validate() error {
	switch {
	case !p.TradeAmount.IsPositive():
		return errors.New("policy: trade_amount must be positive")
	case p.LowRate.GreaterThan(p.HighRate):
		return errors.New("policy: low_fixed_rate_thresh above high_fixed_rate_thresh")
	case p.TradeChance.IsNegative() || p.TradeChance.GreaterThan(fixed.One):
		return errors.New("policy: trade_chance outside [0, 1]")
	case p.ExitTime.IsNegative():
		return errors.New("policy: exit_time must not be negative")
	}
	return nil
}

// fixedRate is the fixed APR implied by the pool.
func fixedRate(s model.MarketState) (decimal.Decimal, error) {
	r, err := yieldspace.ReservesOf(s)
	if err != nil {
		return decimal.Zero, err
	}
	p, err := yieldspace.SpotPrice(r)
	if err != nil {
		return decimal.Zero, err
	}
	return yieldspace.APRFromPrice(p, s.PositionDuration)
}

// maturedPosition returns the oldest open position of kind that has matured.
func maturedPosition(w model.Wallet, kind model.PositionKind, now decimal.Decimal) (model.Position, bool) {
	for _, p := range w.Open(kind) {
		if p.Matured(now) {
			return p, true
		}
	}
	return model.Position{}, false
}

func closeIntent(p model.Position) *model.TradeIntent {
	kind := model.CloseLong
	if p.Kind == model.Short {
		kind = model.CloseShort
	}
	return &model.TradeIntent{Kind: kind, Amount: p.BondAmount, PositionID: p.ID}
}

// chance draws true with probability p, resolved to basis points.
func chance(rng RandomSource, p decimal.Decimal) bool {
	bps := p.Mul(decimal.NewFromInt(10_000)).IntPart()
	if bps <= 0 {
		return false
	}
	return int64(rng.IntN(10_000)) < bps
}

// drawAmount returns a uniform amount in cents from 0.01 up to max.
func drawAmount(rng RandomSource, max decimal.Decimal) (decimal.Decimal, bool) {
	cents := max.Shift(2).Floor().IntPart()
	if cents < 1 {
		return decimal.Zero, false
	}
	return decimal.New(int64(rng.IntN(int(cents)))+1, -2), true
}
