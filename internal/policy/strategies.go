package policy

import (
	"github.com/atmx/bondsim/internal/fixed"
	"github.com/atmx/bondsim/internal/model"
)

// Names of the built-in policies.
const (
	NameRandomTrader      = "random_trader"
	NameLongOnly          = "long_only"
	NameArbitrageSeeker   = "arbitrage"
	NameLiquidityProvider = "liquidity_provider"
	NamePassiveHolder     = "passive_holder"
)

// minTrade is the smallest amount a policy will draw: one cent.
var minTrade = fixed.MustParse("0.01")

// RandomTrader acts on a TradeChance fraction of steps, picking uniformly
// among the actions its wallet can afford with a random size up to
// TradeAmount.
type RandomTrader struct {
	params Params
}

// NewRandomTrader creates a RandomTrader.
func NewRandomTrader(p Params) *RandomTrader { return &RandomTrader{params: p.WithDefaults()} }

// Name returns the policy identifier.
func (r *RandomTrader) Name() string { return NameRandomTrader }

// DecideAction implements Policy.
func (r *RandomTrader) DecideAction(state model.MarketState, wallet model.Wallet, rng RandomSource) (*model.TradeIntent, error) {
	if !chance(rng, r.params.TradeChance) {
		return nil, nil
	}

	var options []model.IntentKind
	budget := fixed.Min(wallet.Cash, r.params.TradeAmount)
	if budget.GreaterThanOrEqual(minTrade) {
		options = append(options, model.OpenLong, model.OpenShort)
	}
	if len(wallet.Open(model.Long)) > 0 {
		options = append(options, model.CloseLong)
	}
	if len(wallet.Open(model.Short)) > 0 {
		options = append(options, model.CloseShort)
	}
	if len(options) == 0 {
		return nil, nil
	}

	switch kind := options[rng.IntN(len(options))]; kind {
	case model.OpenLong, model.OpenShort:
		// A short never needs a deposit above its face value, so the same
		// budget bounds both sides.
		amount, ok := drawAmount(rng, budget)
		if !ok {
			return nil, nil
		}
		return &model.TradeIntent{Kind: kind, Amount: amount}, nil
	case model.CloseLong:
		open := wallet.Open(model.Long)
		return closeIntent(open[rng.IntN(len(open))]), nil
	default:
		open := wallet.Open(model.Short)
		return closeIntent(open[rng.IntN(len(open))]), nil
	}
}

// LongOnly redeems matured longs and otherwise buys TradeAmount of bonds
// every step until its cash runs out.
type LongOnly struct {
	params Params
}

// NewLongOnly creates a LongOnly policy.
func NewLongOnly(p Params) *LongOnly { return &LongOnly{params: p.WithDefaults()} }

// Name returns the policy identifier.
func (l *LongOnly) Name() string { return NameLongOnly }

// DecideAction implements Policy.
func (l *LongOnly) DecideAction(state model.MarketState, wallet model.Wallet, _ RandomSource) (*model.TradeIntent, error) {
	if p, ok := maturedPosition(wallet, model.Long, state.TimeElapsed); ok {
		return closeIntent(p), nil
	}
	if wallet.Cash.LessThan(l.params.TradeAmount) {
		return nil, nil
	}
	return &model.TradeIntent{Kind: model.OpenLong, Amount: l.params.TradeAmount}, nil
}

// ArbitrageSeeker trades the fixed rate back into a band. Matured positions
// are always closed first. At or above HighRate it closes its shorts and then
// goes long; at or below LowRate it closes its longs and then goes short.
type ArbitrageSeeker struct {
	params Params
}

// NewArbitrageSeeker creates an ArbitrageSeeker.
func NewArbitrageSeeker(p Params) *ArbitrageSeeker {
	return &ArbitrageSeeker{params: p.WithDefaults()}
}

// Name returns the policy identifier.
func (a *ArbitrageSeeker) Name() string { return NameArbitrageSeeker }

// DecideAction implements Policy.
func (a *ArbitrageSeeker) DecideAction(state model.MarketState, wallet model.Wallet, _ RandomSource) (*model.TradeIntent, error) {
	if p, ok := maturedPosition(wallet, model.Long, state.TimeElapsed); ok {
		return closeIntent(p), nil
	}
	if p, ok := maturedPosition(wallet, model.Short, state.TimeElapsed); ok {
		return closeIntent(p), nil
	}

	rate, err := fixedRate(state)
	if err != nil {
		return nil, err
	}
	switch {
	case rate.GreaterThanOrEqual(a.params.HighRate):
		if shorts := wallet.Open(model.Short); len(shorts) > 0 {
			return closeIntent(shorts[0]), nil
		}
		if wallet.Cash.GreaterThanOrEqual(a.params.TradeAmount) {
			return &model.TradeIntent{Kind: model.OpenLong, Amount: a.params.TradeAmount}, nil
		}
	case rate.LessThanOrEqual(a.params.LowRate):
		if longs := wallet.Open(model.Long); len(longs) > 0 {
			return closeIntent(longs[0]), nil
		}
		if wallet.Cash.GreaterThanOrEqual(a.params.TradeAmount) {
			return &model.TradeIntent{Kind: model.OpenShort, Amount: a.params.TradeAmount}, nil
		}
	}
	return nil, nil
}

// LiquidityProvider deposits TradeAmount once and withdraws everything at
// ExitTime.
type LiquidityProvider struct {
	params Params
}

// NewLiquidityProvider creates a LiquidityProvider.
func NewLiquidityProvider(p Params) *LiquidityProvider {
	return &LiquidityProvider{params: p.WithDefaults()}
}

// Name returns the policy identifier.
func (l *LiquidityProvider) Name() string { return NameLiquidityProvider }

// DecideAction implements Policy.
func (l *LiquidityProvider) DecideAction(state model.MarketState, wallet model.Wallet, _ RandomSource) (*model.TradeIntent, error) {
	exiting := l.params.ExitTime.IsPositive() && state.TimeElapsed.GreaterThanOrEqual(l.params.ExitTime)
	switch {
	case exiting && wallet.LPShares.IsPositive():
		return &model.TradeIntent{Kind: model.RemoveLiquidity, Amount: wallet.LPShares}, nil
	case !exiting && wallet.LPShares.IsZero() && wallet.Cash.GreaterThanOrEqual(l.params.TradeAmount):
		return &model.TradeIntent{Kind: model.AddLiquidity, Amount: l.params.TradeAmount}, nil
	}
	return nil, nil
}

// PassiveHolder never trades. It anchors wallet and market baselines.
type PassiveHolder struct{}

// NewPassiveHolder creates a PassiveHolder.
func NewPassiveHolder(Params) *PassiveHolder { return &PassiveHolder{} }

// Name returns the policy identifier.
func (PassiveHolder) Name() string { return NamePassiveHolder }

// DecideAction implements Policy.
func (PassiveHolder) DecideAction(model.MarketState, model.Wallet, RandomSource) (*model.TradeIntent, error) {
	return nil, nil
}
