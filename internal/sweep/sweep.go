// Package sweep runs one simulation configuration across many seeds in
// parallel. Runs share nothing but the immutable base config.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/bondsim/internal/runner"
	"github.com/atmx/bondsim/internal/simulator"
)

// Result summarizes one seed's run.
type Result struct {
	Seed       uint64           `json:"seed"`
	RunID      string           `json:"run_id,omitempty"`
	Status     simulator.Status `json:"status"`
	Steps      int              `json:"steps"`
	SpotPrice  decimal.Decimal  `json:"spot_price"`
	FixedAPR   decimal.Decimal  `json:"fixed_apr"`
	SharePrice decimal.Decimal  `json:"share_price"`
	TotalCash  decimal.Decimal  `json:"total_cash"`
	Applied    int              `json:"applied"`
	Rejected   int              `json:"rejected"`
	Error      string           `json:"error,omitempty"`
}

// Sweeper fans a base config out over seeds.
type Sweeper struct {
	parallelism int
	manager     *runner.Manager
	logger      *slog.Logger
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithParallelism bounds the number of concurrent runs. Defaults to
// GOMAXPROCS.
func WithParallelism(n int) Option { return func(s *Sweeper) { s.parallelism = n } }

// WithManager persists every run through m instead of running bare
// simulators.
func WithManager(m *runner.Manager) Option { return func(s *Sweeper) { s.manager = m } }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Sweeper) { s.logger = l } }

// New creates a Sweeper.
func New(opts ...Option) *Sweeper {
	s := &Sweeper{parallelism: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		opt(s)
	}
	if s.parallelism < 1 {
		s.parallelism = 1
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Seeds returns n consecutive seeds starting at start.
func Seeds(start uint64, n int) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = start + uint64(i)
	}
	return out
}

// Run executes base once per seed and returns results in seed order. A run
// that fails inside the engine is reported in its Result; configuration
// errors and cancellation abort the whole sweep.
func (s *Sweeper) Run(ctx context.Context, name string, base simulator.Config, seeds []uint64) ([]Result, error) {
	if err := base.Validate(); err != nil {
		return nil, err
	}
	s.logger.Info("sweep starting",
		slog.String("name", name),
		slog.Int("seeds", len(seeds)),
		slog.Int("parallelism", s.parallelism),
	)

	results := make([]Result, len(seeds))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)

	for i, seed := range seeds {
		g.Go(func() error {
			cfg := base
			cfg.RandomSeed = seed
			res, err := s.runOne(ctx, fmt.Sprintf("%s-seed-%d", name, seed), cfg)
			if err != nil {
				return fmt.Errorf("seed %d: %w", seed, err)
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.logger.Error("sweep stopped with error", slog.String("error", err.Error()))
		return nil, err
	}
	s.logger.Info("sweep finished", slog.String("name", name), slog.Int("seeds", len(seeds)))
	return results, nil
}

func (s *Sweeper) runOne(ctx context.Context, name string, cfg simulator.Config) (Result, error) {
	var (
		sim   *simulator.Simulator
		runID string
		err   error
	)
	if s.manager != nil {
		run, prepared, perr := s.manager.Prepare(ctx, name, cfg)
		if perr != nil {
			return Result{}, perr
		}
		sim, runID = prepared, run.ID
		err = s.manager.Execute(ctx, run, sim)
	} else {
		sim, err = simulator.New(cfg, simulator.WithLogger(s.logger))
		if err != nil {
			return Result{}, err
		}
		err = sim.Run(ctx)
	}

	var fatal *simulator.FatalError
	switch {
	case err == nil:
	case errors.As(err, &fatal):
		// Reported per seed below.
	default:
		return Result{}, err
	}

	res := summarize(cfg.RandomSeed, sim)
	res.RunID = runID
	if fatal != nil {
		res.Error = fatal.Error()
	}
	return res, nil
}

func summarize(seed uint64, sim *simulator.Simulator) Result {
	res := Result{
		Seed:      seed,
		Status:    sim.Status(),
		TotalCash: decimal.Zero,
	}
	records := sim.Records()
	res.Steps = len(records)
	for _, rec := range records {
		res.Applied += rec.Applied()
		res.Rejected += rec.Rejected()
	}
	if n := len(records); n > 0 {
		last := records[n-1]
		res.SpotPrice = last.SpotPrice
		res.FixedAPR = last.FixedAPR
		res.SharePrice = last.Market.SharePrice
	}
	for _, w := range sim.Wallets() {
		res.TotalCash = res.TotalCash.Add(w.Wallet.Cash)
	}
	return res
}

// Stats aggregates the final fixed rate across completed results.
type Stats struct {
	Runs      int             `json:"runs"`
	Failed    int             `json:"failed"`
	MeanAPR   decimal.Decimal `json:"mean_apr"`
	MinAPR    decimal.Decimal `json:"min_apr"`
	MaxAPR    decimal.Decimal `json:"max_apr"`
	MeanSpot  decimal.Decimal `json:"mean_spot"`
	TotalCash decimal.Decimal `json:"total_cash"`
}

// Aggregate computes Stats over results. Failed runs are counted but left
// out of the rate statistics.
func Aggregate(results []Result) Stats {
	st := Stats{Runs: len(results), TotalCash: decimal.Zero}
	sumAPR, sumSpot := decimal.Zero, decimal.Zero
	n := 0
	for _, r := range results {
		if r.Status != simulator.StatusCompleted {
			st.Failed++
			continue
		}
		if n == 0 || r.FixedAPR.LessThan(st.MinAPR) {
			st.MinAPR = r.FixedAPR
		}
		if n == 0 || r.FixedAPR.GreaterThan(st.MaxAPR) {
			st.MaxAPR = r.FixedAPR
		}
		sumAPR = sumAPR.Add(r.FixedAPR)
		sumSpot = sumSpot.Add(r.SpotPrice)
		st.TotalCash = st.TotalCash.Add(r.TotalCash)
		n++
	}
	if n > 0 {
		count := decimal.NewFromInt(int64(n))
		st.MeanAPR = sumAPR.DivRound(count, 18)
		st.MeanSpot = sumSpot.DivRound(count, 18)
	}
	return st
}
