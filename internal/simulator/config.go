package simulator

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/bondsim/internal/market"
	"github.com/atmx/bondsim/internal/policy"
	"github.com/atmx/bondsim/internal/yieldspace"
)

// AgentAssignment registers Count agents running Policy, each funded with
// Budget base.
type AgentAssignment struct {
	Policy string          `json:"policy" toml:"policy"`
	Count  int             `json:"count" toml:"count"`
	Budget decimal.Decimal `json:"budget" toml:"budget"`
	Params policy.Params   `json:"params" toml:"params"`
}

// LimitsConfig configures the per-agent exposure limiter. Zero limits
// disable it.
type LimitsConfig struct {
	MaxPerBucket  decimal.Decimal `json:"max_per_bucket" toml:"max_per_bucket"`
	MaxCorrelated decimal.Decimal `json:"max_correlated" toml:"max_correlated"`
	BucketDays    decimal.Decimal `json:"bucket_days" toml:"bucket_days"`
	GroupBuckets  int64           `json:"group_buckets" toml:"group_buckets"`
}

// Enabled reports whether any limit is set.
func (l LimitsConfig) Enabled() bool {
	return l.MaxPerBucket.IsPositive() || l.MaxCorrelated.IsPositive()
}

// Config is everything needed to build and run one simulation. Identical
// Configs produce identical record sequences.
type Config struct {
	NumSteps         int             `json:"num_steps"`
	StepDays         decimal.Decimal `json:"step_days"`
	PositionDuration decimal.Decimal `json:"position_duration"`

	InitialSharePrice    decimal.Decimal `json:"initial_share_price"`
	InitialShareReserves decimal.Decimal `json:"initial_share_reserves"`
	InitialBondReserves  decimal.Decimal `json:"initial_bond_reserves"`
	TargetLiquidity      decimal.Decimal `json:"target_liquidity"`
	TargetFixedAPR       decimal.Decimal `json:"target_fixed_apr"`
	TimeStretch          decimal.Decimal `json:"time_stretch"`
	VariableAPR          decimal.Decimal `json:"variable_apr"`

	Fees         yieldspace.Fees    `json:"fees"`
	ReserveFloor decimal.Decimal    `json:"reserve_floor"`
	ClosePolicy  market.ClosePolicy `json:"close_policy"`
	Limits       LimitsConfig       `json:"limits"`

	RandomSeed uint64            `json:"random_seed"`
	Agents     []AgentAssignment `json:"agents"`
}

// NumAgents is the total number of agents the config registers.
func (c Config) NumAgents() int {
	n := 0
	for _, a := range c.Agents {
		n += a.Count
	}
	return n
}

// Validate checks the config and returns a *ConfigurationError naming the
// first bad field.
func (c Config) Validate() error {
	switch {
	case c.NumSteps <= 0:
		return configErr("num_steps", "must be positive")
	case !c.StepDays.IsPositive():
		return configErr("step_days", "must be positive")
	case !c.PositionDuration.IsPositive():
		return configErr("position_duration", "must be positive")
	case !c.InitialSharePrice.IsPositive():
		return configErr("initial_share_price", "must be positive")
	case c.VariableAPR.IsNegative():
		return configErr("variable_apr", "must not be negative")
	case c.ReserveFloor.IsNegative():
		return configErr("reserve_floor", "must not be negative")
	case c.TimeStretch.IsNegative():
		return configErr("time_stretch", "must not be negative")
	}

	explicit := c.InitialShareReserves.IsPositive() || c.InitialBondReserves.IsPositive()
	switch {
	case explicit && !c.InitialShareReserves.IsPositive():
		return configErr("initial_share_reserves", "must be positive when bond reserves are set")
	case explicit && !c.InitialBondReserves.IsPositive():
		return configErr("initial_bond_reserves", "must be positive when share reserves are set")
	case !explicit && !c.TargetLiquidity.IsPositive():
		return configErr("target_liquidity", "required when reserves are not given")
	case !explicit && !c.TargetFixedAPR.IsPositive():
		return configErr("target_fixed_apr", "required when reserves are not given")
	case c.TimeStretch.IsZero() && !c.TargetFixedAPR.IsPositive():
		return configErr("target_fixed_apr", "required to derive time_stretch")
	}

	if _, err := yieldspace.NewPricingModel(c.Fees, c.ReserveFloor); err != nil {
		return configErr("fees", err.Error())
	}
	if err := c.ClosePolicy.Validate(); err != nil {
		return configErr("close_policy.early_close_penalty", err.Error())
	}
	if c.Limits.MaxPerBucket.IsNegative() || c.Limits.MaxCorrelated.IsNegative() {
		return configErr("limits", "must not be negative")
	}

	for i, a := range c.Agents {
		field := fmt.Sprintf("agents[%d]", i)
		switch {
		case a.Policy == "":
			return configErr(field+".policy", "required")
		case a.Count <= 0:
			return configErr(field+".count", "must be positive")
		case a.Budget.IsNegative():
			return configErr(field+".budget", "must not be negative")
		}
	}
	return nil
}

func (c Config) initParams() market.InitParams {
	return market.InitParams{
		SharePrice:       c.InitialSharePrice,
		InitSharePrice:   c.InitialSharePrice,
		PositionDuration: c.PositionDuration,
		VariableAPR:      c.VariableAPR,
		ShareReserves:    c.InitialShareReserves,
		BondReserves:     c.InitialBondReserves,
		TargetLiquidity:  c.TargetLiquidity,
		TargetFixedAPR:   c.TargetFixedAPR,
		TimeStretch:      c.TimeStretch,
	}
}
