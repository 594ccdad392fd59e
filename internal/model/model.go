// Package model defines the core domain types shared across the simulator.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvariantViolation marks a broken market or wallet invariant. Seeing it
// means the engine itself is wrong, not that a trader asked for too much.
var ErrInvariantViolation = errors.New("model: invariant violation")

// MarketState is the full state of the bond AMM at one point in time.
// Times are measured in days since the start of the run.
type MarketState struct {
	ShareReserves     decimal.Decimal `json:"share_reserves"`
	BondReserves      decimal.Decimal `json:"bond_reserves"`
	SharePrice        decimal.Decimal `json:"share_price"`      // c: base per vault share
	InitSharePrice    decimal.Decimal `json:"init_share_price"` // μ: share price at pool init
	TimeElapsed       decimal.Decimal `json:"time_elapsed"`
	PositionDuration  decimal.Decimal `json:"position_duration"`
	TimeStretch       decimal.Decimal `json:"time_stretch"`
	VariableAPR       decimal.Decimal `json:"variable_apr"`
	LPTotalSupply     decimal.Decimal `json:"lp_total_supply"`
	ShortCollateral   decimal.Decimal `json:"short_collateral"` // shares held against open shorts
	LongsOutstanding  decimal.Decimal `json:"longs_outstanding"`
	ShortsOutstanding decimal.Decimal `json:"shorts_outstanding"`
}

// Validate checks the structural invariants of the state.
func (s MarketState) Validate() error {
	switch {
	case s.ShareReserves.IsNegative():
		return fmt.Errorf("%w: share reserves %s < 0", ErrInvariantViolation, s.ShareReserves)
	case s.BondReserves.IsNegative():
		return fmt.Errorf("%w: bond reserves %s < 0", ErrInvariantViolation, s.BondReserves)
	case !s.SharePrice.IsPositive():
		return fmt.Errorf("%w: share price %s <= 0", ErrInvariantViolation, s.SharePrice)
	case !s.InitSharePrice.IsPositive():
		return fmt.Errorf("%w: init share price %s <= 0", ErrInvariantViolation, s.InitSharePrice)
	case s.TimeElapsed.IsNegative():
		return fmt.Errorf("%w: time elapsed %s < 0", ErrInvariantViolation, s.TimeElapsed)
	case s.ShortCollateral.IsNegative():
		return fmt.Errorf("%w: short collateral %s < 0", ErrInvariantViolation, s.ShortCollateral)
	case s.LPTotalSupply.IsNegative():
		return fmt.Errorf("%w: lp supply %s < 0", ErrInvariantViolation, s.LPTotalSupply)
	}
	return nil
}

// TotalShares is the number of vault shares held by the pool, including
// collateral posted by short sellers.
func (s MarketState) TotalShares() decimal.Decimal {
	return s.ShareReserves.Add(s.ShortCollateral)
}

// PositionKind distinguishes long and short bond exposure.
type PositionKind string

const (
	Long  PositionKind = "long"
	Short PositionKind = "short"
)

// Position is one open long or short. Only Closed changes after creation.
type Position struct {
	ID             string          `json:"id"`
	Kind           PositionKind    `json:"kind"`
	BondAmount     decimal.Decimal `json:"bond_amount"`
	OpenSharePrice decimal.Decimal `json:"open_share_price"`
	OpenTime       decimal.Decimal `json:"open_time"`
	MaturityTime   decimal.Decimal `json:"maturity_time"`
	CostBasis      decimal.Decimal `json:"cost_basis"` // base paid at open
	Closed         bool            `json:"closed"`
}

// Matured reports whether the position has reached maturity at time now.
func (p Position) Matured(now decimal.Decimal) bool {
	return now.GreaterThanOrEqual(p.MaturityTime)
}

// Wallet is an agent's cash balance, LP shares and open positions in
// insertion (open) order.
type Wallet struct {
	Cash      decimal.Decimal `json:"cash"`
	LPShares  decimal.Decimal `json:"lp_shares"`
	Positions []Position      `json:"positions"`
	nextID    int
}

// NewWallet returns a wallet funded with cash.
func NewWallet(cash decimal.Decimal) Wallet {
	return Wallet{Cash: cash, LPShares: decimal.Zero}
}

// Clone returns a deep copy; Positions never aliases the original.
func (w Wallet) Clone() Wallet {
	c := w
	c.Positions = make([]Position, len(w.Positions))
	copy(c.Positions, w.Positions)
	return c
}

// Validate checks the wallet balance invariants.
func (w Wallet) Validate() error {
	if w.Cash.IsNegative() {
		return fmt.Errorf("%w: cash %s < 0", ErrInvariantViolation, w.Cash)
	}
	if w.LPShares.IsNegative() {
		return fmt.Errorf("%w: lp shares %s < 0", ErrInvariantViolation, w.LPShares)
	}
	return nil
}

// Open returns the open positions of the given kind in open order.
func (w Wallet) Open(kind PositionKind) []Position {
	var out []Position
	for _, p := range w.Positions {
		if p.Kind == kind && !p.Closed {
			out = append(out, p)
		}
	}
	return out
}

// Find returns the index of the open position with the given ID, or -1.
func (w Wallet) Find(id string) int {
	for i, p := range w.Positions {
		if p.ID == id && !p.Closed {
			return i
		}
	}
	return -1
}

// OldestOpen returns the index of the first open position of kind, or -1.
func (w Wallet) OldestOpen(kind PositionKind) int {
	for i, p := range w.Positions {
		if p.Kind == kind && !p.Closed {
			return i
		}
	}
	return -1
}

// WithPosition returns a copy of w with p appended. An empty p.ID is
// replaced by a wallet-local sequence ID.
func (w Wallet) WithPosition(p Position) (Wallet, Position) {
	c := w.Clone()
	c.nextID++
	if p.ID == "" {
		p.ID = fmt.Sprintf("%s-%d", p.Kind, c.nextID)
	}
	c.Positions = append(c.Positions, p)
	return c, p
}

// WithoutPosition returns a copy of w with the position at index i removed.
func (w Wallet) WithoutPosition(i int) Wallet {
	c := w.Clone()
	c.Positions = append(c.Positions[:i], c.Positions[i+1:]...)
	return c
}

// IntentKind enumerates what an agent may ask the market to do.
type IntentKind string

const (
	OpenLong        IntentKind = "open_long"
	OpenShort       IntentKind = "open_short"
	CloseLong       IntentKind = "close_long"
	CloseShort      IntentKind = "close_short"
	AddLiquidity    IntentKind = "add_liquidity"
	RemoveLiquidity IntentKind = "remove_liquidity"
)

// Valid reports whether k is a known intent kind.
func (k IntentKind) Valid() bool {
	switch k {
	case OpenLong, OpenShort, CloseLong, CloseShort, AddLiquidity, RemoveLiquidity:
		return true
	}
	return false
}

// TradeIntent is one agent's request for one step.
//
// Amount units depend on Kind:
//   - OpenLong, AddLiquidity: base to spend
//   - OpenShort: bonds to short
//   - RemoveLiquidity: LP shares to burn
//   - CloseLong, CloseShort: ignored; the whole position is closed
//
// PositionID selects the position to close; empty means the oldest open
// position of that kind.
type TradeIntent struct {
	Kind       IntentKind      `json:"kind"`
	Amount     decimal.Decimal `json:"amount"`
	PositionID string          `json:"position_id,omitempty"`
}

// TradeStatus is the outcome of an intent.
type TradeStatus string

const (
	TradeApplied  TradeStatus = "applied"
	TradeRejected TradeStatus = "rejected"
	TradeError    TradeStatus = "error" // the policy itself failed
)

// TradeRecord is the log entry for one agent in one step.
type TradeRecord struct {
	AgentID    string          `json:"agent_id"`
	Intent     *TradeIntent    `json:"intent,omitempty"`
	Status     TradeStatus     `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	BaseDelta  decimal.Decimal `json:"base_delta"` // signed change of the agent's cash
	BondAmount decimal.Decimal `json:"bond_amount"`
	Fee        decimal.Decimal `json:"fee"`
	Price      decimal.Decimal `json:"price"` // effective base per bond
	PositionID string          `json:"position_id,omitempty"`
}

// WalletSnapshot is an agent wallet frozen at the end of a step.
type WalletSnapshot struct {
	AgentID string `json:"agent_id"`
	Policy  string `json:"policy"`
	Wallet  Wallet `json:"wallet"`
}

// StepRecord is one step's full observable outcome. Records are appended to
// the run log and never modified.
type StepRecord struct {
	StepIndex int              `json:"step"`
	Time      decimal.Decimal  `json:"time"`
	Market    MarketState      `json:"market"`
	SpotPrice decimal.Decimal  `json:"spot_price"`
	FixedAPR  decimal.Decimal  `json:"fixed_apr"`
	Wallets   []WalletSnapshot `json:"wallets"`
	Trades    []TradeRecord    `json:"trades"`
}

// Applied counts the applied trades in the record.
func (r StepRecord) Applied() int {
	n := 0
	for _, t := range r.Trades {
		if t.Status == TradeApplied {
			n++
		}
	}
	return n
}

// Rejected counts rejected and errored trades in the record.
func (r StepRecord) Rejected() int {
	n := 0
	for _, t := range r.Trades {
		if t.Status != TradeApplied {
			n++
		}
	}
	return n
}

// RunStatus mirrors the simulator lifecycle for persisted runs, plus
// cancelled for runs stopped from outside.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run will make no more progress.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Run is the stored metadata of one simulation run. Wall-clock fields live
// here and never inside StepRecords.
type Run struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Seed      uint64          `json:"seed"`
	Status    RunStatus       `json:"status"`
	NumSteps  int             `json:"num_steps"`
	StepsDone int             `json:"steps_done"`
	Config    json.RawMessage `json:"config,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
