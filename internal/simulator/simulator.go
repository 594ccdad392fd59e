// Package simulator drives a population of trading agents against one bond
// market, one discrete step at a time.
//
// Every step advances the clock, asks each agent for an intent against the
// state at the start of the step, then applies the intents in registration
// order. An intent is applied to the market and the agent's wallet together
// or not at all; rejected intents are recorded and the run carries on. A
// broken engine invariant stops the run in the Failed state.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/bondsim/internal/fixed"
	"github.com/atmx/bondsim/internal/limits"
	"github.com/atmx/bondsim/internal/market"
	"github.com/atmx/bondsim/internal/model"
	"github.com/atmx/bondsim/internal/policy"
	"github.com/atmx/bondsim/internal/yieldspace"
)

// Status is the lifecycle state of a simulation.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further steps can run.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// conservationTolerance bounds the rounding drift allowed between an agent's
// cash change and the pool's value change on a single trade.
var conservationTolerance = fixed.MustParse("0.000000001")

// Agent is one registered participant.
type Agent struct {
	ID     string
	Policy policy.Policy
	Wallet model.Wallet
	rng    policy.RandomSource
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Simulator) { s.logger = l }
}

// WithRegistry sets the policy registry used for Config.Agents.
func WithRegistry(r *policy.Registry) Option {
	return func(s *Simulator) { s.registry = r }
}

// WithLimiter overrides the exposure limiter built from Config.Limits.
func WithLimiter(l *limits.ExposureLimiter) Option {
	return func(s *Simulator) { s.limiter = l }
}

// Simulator owns one market state and its agents. It is not safe for
// concurrent use; independent runs should use independent Simulators.
type Simulator struct {
	cfg      Config
	market   *market.Market
	limiter  *limits.ExposureLimiter
	registry *policy.Registry
	logger   *slog.Logger

	state   model.MarketState
	agents  []*Agent
	records []model.StepRecord
	status  Status
}

// New validates cfg, builds the initial market and registers the agents
// cfg.Agents asks for.
func New(cfg Config, opts ...Option) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Simulator{cfg: cfg, status: StatusInitialized}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.registry == nil {
		s.registry = policy.DefaultRegistry()
	}
	if s.limiter == nil && cfg.Limits.Enabled() {
		s.limiter = limits.NewExposureLimiter(cfg.Limits.MaxPerBucket, cfg.Limits.MaxCorrelated, cfg.Limits.BucketDays, cfg.Limits.GroupBuckets)
	}

	pricing, err := yieldspace.NewPricingModel(cfg.Fees, cfg.ReserveFloor)
	if err != nil {
		return nil, configErr("fees", err.Error())
	}
	s.market, err = market.New(pricing, cfg.ClosePolicy)
	if err != nil {
		return nil, configErr("close_policy", err.Error())
	}
	s.state, err = market.Init(cfg.initParams())
	if err != nil {
		return nil, configErr("market", err.Error())
	}

	for i, a := range cfg.Agents {
		for n := 0; n < a.Count; n++ {
			p, err := s.registry.New(a.Policy, a.Params)
			if err != nil {
				return nil, configErr(fmt.Sprintf("agents[%d].policy", i), err.Error())
			}
			if _, err := s.Register(p, a.Budget); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

// Register adds an agent funded with budget and returns its ID. Agents act in
// registration order. Registration closes once the first step has run.
func (s *Simulator) Register(p policy.Policy, budget decimal.Decimal) (string, error) {
	if s.status != StatusInitialized {
		return "", ErrSimulationAlreadyStarted
	}
	if p == nil {
		return "", configErr("agent.policy", "required")
	}
	if budget.IsNegative() {
		return "", configErr("agent.budget", "must not be negative")
	}
	idx := len(s.agents)
	a := &Agent{
		ID:     fmt.Sprintf("agent-%d", idx),
		Policy: p,
		Wallet: model.NewWallet(budget),
		rng:    policy.NewRandomSource(s.cfg.RandomSeed, uint64(idx)),
	}
	s.agents = append(s.agents, a)
	return a.ID, nil
}

// Status returns the lifecycle state.
func (s *Simulator) Status() Status { return s.status }

// State returns the current market state.
func (s *Simulator) State() model.MarketState { return s.state }

// Market returns the market the simulator trades against.
func (s *Simulator) Market() *market.Market { return s.market }

// Config returns the configuration the simulator was built with.
func (s *Simulator) Config() Config { return s.cfg }

// Records returns a copy of the step log.
func (s *Simulator) Records() []model.StepRecord {
	out := make([]model.StepRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Wallets returns a snapshot of every agent's wallet in registration order.
func (s *Simulator) Wallets() []model.WalletSnapshot {
	out := make([]model.WalletSnapshot, len(s.agents))
	for i, a := range s.agents {
		out[i] = model.WalletSnapshot{AgentID: a.ID, Policy: a.Policy.Name(), Wallet: a.Wallet.Clone()}
	}
	return out
}

// Run steps until the simulation completes, fails or ctx is cancelled.
// Cancellation is observed between steps only; a step in progress always
// finishes.
func (s *Simulator) Run(ctx context.Context) error {
	for !s.status.Terminal() {
		if err := ctx.Err(); err != nil {
			s.logger.Info("simulation cancelled", "steps", len(s.records))
			return err
		}
		if _, err := s.Step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Step runs a single step and returns its record.
func (s *Simulator) Step(ctx context.Context) (model.StepRecord, error) {
	if s.status.Terminal() {
		return model.StepRecord{}, ErrSimulationFinished
	}
	if err := ctx.Err(); err != nil {
		return model.StepRecord{}, err
	}
	s.status = StatusRunning
	stepIndex := len(s.records)

	start, err := market.AdvanceTime(s.state, s.cfg.StepDays)
	if err != nil {
		return model.StepRecord{}, s.fail(err)
	}

	intents := make([]*model.TradeIntent, len(s.agents))
	decideErrs := make([]error, len(s.agents))
	for i, a := range s.agents {
		intents[i], decideErrs[i] = decide(a, start)
	}

	state := start
	wallets := make([]model.Wallet, len(s.agents))
	for i, a := range s.agents {
		wallets[i] = a.Wallet
	}
	var trades []model.TradeRecord
	for i, a := range s.agents {
		if decideErrs[i] != nil {
			s.logger.Warn("policy failed", "step", stepIndex, "agent", a.ID, "policy", a.Policy.Name(), "error", decideErrs[i])
			trades = append(trades, model.TradeRecord{AgentID: a.ID, Status: model.TradeError, Reason: decideErrs[i].Error()})
			continue
		}
		if intents[i] == nil {
			continue
		}

		next, wallet, rec, err := s.apply(state, a.ID, wallets[i], *intents[i])
		if err != nil {
			if errors.Is(err, model.ErrInvariantViolation) {
				return model.StepRecord{}, s.fail(err)
			}
			s.logger.Debug("intent rejected", "step", stepIndex, "agent", a.ID, "kind", intents[i].Kind, "reason", err)
			trades = append(trades, rejected(a.ID, intents[i], err))
			continue
		}
		state = next
		wallets[i] = wallet
		trades = append(trades, rec)
	}

	if err := state.Validate(); err != nil {
		return model.StepRecord{}, s.fail(err)
	}
	spot, err := s.market.SpotPrice(state)
	if err != nil {
		return model.StepRecord{}, s.fail(fmt.Errorf("%w: %v", model.ErrInvariantViolation, err))
	}
	apr, err := s.market.FixedAPR(state)
	if err != nil {
		return model.StepRecord{}, s.fail(fmt.Errorf("%w: %v", model.ErrInvariantViolation, err))
	}

	// Wallets and market move together once the whole step has checked out.
	s.state = state
	for i, a := range s.agents {
		a.Wallet = wallets[i]
	}
	rec := model.StepRecord{
		StepIndex: stepIndex,
		Time:      state.TimeElapsed,
		Market:    state,
		SpotPrice: spot,
		FixedAPR:  apr,
		Wallets:   s.Wallets(),
		Trades:    trades,
	}
	s.records = append(s.records, rec)

	if len(s.records) >= s.cfg.NumSteps {
		s.status = StatusCompleted
		s.logger.Info("simulation completed", "steps", len(s.records), "fixed_apr", apr.StringFixed(6))
	}
	return rec, nil
}

func (s *Simulator) fail(err error) error {
	s.status = StatusFailed
	fe := &FatalError{LastStep: len(s.records) - 1, Err: err}
	s.logger.Error("simulation failed", "last_step", fe.LastStep, "error", err)
	return fe
}

// decide asks the agent's policy for an intent, turning a panic into an
// error so one faulty policy cannot take the run down.
func decide(a *Agent, state model.MarketState) (intent *model.TradeIntent, err error) {
	defer func() {
		if r := recover(); r != nil {
			intent = nil
			err = fmt.Errorf("policy panic: %v", r)
		}
	}()
	return a.Policy.DecideAction(state, a.Wallet.Clone(), a.rng)
}

func rejected(agentID string, intent *model.TradeIntent, err error) model.TradeRecord {
	return model.TradeRecord{
		AgentID:    agentID,
		Intent:     intent,
		Status:     model.TradeRejected,
		Reason:     err.Error(),
		BaseDelta:  decimal.Zero,
		BondAmount: decimal.Zero,
		Fee:        decimal.Zero,
		Price:      decimal.Zero,
	}
}

// apply validates intent against the agent's wallet and the market and
// returns the next market state and wallet. Nothing is committed here; Step
// swaps both in once the whole step has succeeded.
func (s *Simulator) apply(state model.MarketState, agentID string, w model.Wallet, intent model.TradeIntent) (model.MarketState, model.Wallet, model.TradeRecord, error) {
	if !intent.Kind.Valid() {
		return state, w, model.TradeRecord{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidIntent, intent.Kind)
	}

	var (
		next   model.MarketState
		fill   market.Fill
		err    error
		closed = -1
	)
	switch intent.Kind {
	case model.OpenLong, model.AddLiquidity:
		if !intent.Amount.IsPositive() {
			return state, w, model.TradeRecord{}, fmt.Errorf("%w: amount %s", ErrInvalidIntent, intent.Amount)
		}
		if intent.Amount.GreaterThan(w.Cash) {
			return state, w, model.TradeRecord{}, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, intent.Amount, w.Cash)
		}
		shares := fixed.DivDown(intent.Amount, state.SharePrice)
		if intent.Kind == model.OpenLong {
			next, fill, err = s.market.OpenLong(state, shares)
		} else {
			next, fill, err = s.market.AddLiquidity(state, shares)
		}

	case model.OpenShort:
		if !intent.Amount.IsPositive() {
			return state, w, model.TradeRecord{}, fmt.Errorf("%w: amount %s", ErrInvalidIntent, intent.Amount)
		}
		next, fill, err = s.market.OpenShort(state, intent.Amount)

	case model.RemoveLiquidity:
		if !intent.Amount.IsPositive() {
			return state, w, model.TradeRecord{}, fmt.Errorf("%w: amount %s", ErrInvalidIntent, intent.Amount)
		}
		if intent.Amount.GreaterThan(w.LPShares) {
			return state, w, model.TradeRecord{}, fmt.Errorf("%w: burn %s lp, hold %s", ErrInsufficientFunds, intent.Amount, w.LPShares)
		}
		next, fill, err = s.market.RemoveLiquidity(state, intent.Amount)

	case model.CloseLong, model.CloseShort:
		kind := model.Long
		if intent.Kind == model.CloseShort {
			kind = model.Short
		}
		closed = w.OldestOpen(kind)
		if intent.PositionID != "" {
			closed = w.Find(intent.PositionID)
		}
		if closed < 0 {
			return state, w, model.TradeRecord{}, fmt.Errorf("%w: %s %q", ErrPositionNotFound, kind, intent.PositionID)
		}
		if w.Positions[closed].Kind != kind {
			return state, w, model.TradeRecord{}, fmt.Errorf("%w: %s is not a %s", ErrInvalidIntent, intent.PositionID, kind)
		}
		next, fill, err = s.market.ClosePosition(state, w.Positions[closed], state.TimeElapsed)
	}
	if err != nil {
		return state, w, model.TradeRecord{}, err
	}

	cash := w.Cash.Add(fill.BaseDelta)
	if cash.IsNegative() {
		return state, w, model.TradeRecord{}, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, fill.BaseDelta.Neg(), w.Cash)
	}

	nw := w.Clone()
	positionID := ""
	switch intent.Kind {
	case model.OpenLong, model.OpenShort:
		if s.limiter != nil {
			delta := limits.SignedExposure(fill.Position.Kind, fill.Position.BondAmount)
			if err := s.limiter.CheckLimit(fill.Position.MaturityTime, delta, s.limiter.Exposures(w)); err != nil {
				return state, w, model.TradeRecord{}, err
			}
		}
		var opened model.Position
		nw, opened = nw.WithPosition(fill.Position)
		positionID = opened.ID
	case model.CloseLong, model.CloseShort:
		positionID = nw.Positions[closed].ID
		nw = nw.WithoutPosition(closed)
	}
	nw.Cash = cash
	nw.LPShares = w.LPShares.Add(fill.LPDelta)

	if err := nw.Validate(); err != nil {
		return state, w, model.TradeRecord{}, err
	}
	if err := next.Validate(); err != nil {
		return state, w, model.TradeRecord{}, err
	}
	if err := checkConservation(state, next, fill); err != nil {
		return state, w, model.TradeRecord{}, err
	}

	return next, nw, model.TradeRecord{
		AgentID:    agentID,
		Intent:     &intent,
		Status:     model.TradeApplied,
		BaseDelta:  fill.BaseDelta,
		BondAmount: fill.Bonds,
		Fee:        fill.Fee,
		Price:      fill.Price,
		PositionID: positionID,
	}, nil
}

// checkConservation verifies that what the trader paid or received is what
// the pool gained or lost.
func checkConservation(before, after model.MarketState, fill market.Fill) error {
	drift := market.PoolValue(after).Sub(market.PoolValue(before)).Add(fill.BaseDelta)
	if drift.Abs().GreaterThan(conservationTolerance) {
		return fmt.Errorf("%w: %s value drift of %s", model.ErrInvariantViolation, fill.Kind, drift)
	}
	return nil
}
