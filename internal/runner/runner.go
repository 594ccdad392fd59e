// Package runner executes simulations as tracked runs: it assigns run IDs,
// persists every step record, feeds metrics and pushes live updates.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/bondsim/internal/metrics"
	"github.com/atmx/bondsim/internal/model"
	"github.com/atmx/bondsim/internal/policy"
	"github.com/atmx/bondsim/internal/simulator"
	"github.com/atmx/bondsim/internal/store"
)

// ErrRunNotActive is returned when cancelling a run that is not executing.
var ErrRunNotActive = errors.New("runner: run not active")

// Broadcaster receives each step as it is recorded.
type Broadcaster interface {
	Broadcast(runID string, rec model.StepRecord)
}

// Option configures a Manager.
type Option func(*Manager)

// WithBroadcaster sets the live-update sink.
func WithBroadcaster(b Broadcaster) Option { return func(m *Manager) { m.hub = b } }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithRegistry sets the policy registry handed to every simulator.
func WithRegistry(r *policy.Registry) Option { return func(m *Manager) { m.registry = r } }

// WithClock overrides time.Now for run timestamps.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// Manager owns background runs. It is safe for concurrent use.
type Manager struct {
	store    store.Store
	registry *policy.Registry
	hub      Broadcaster
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Manager persisting to st.
func NewManager(st store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  st,
		active: make(map[string]context.CancelFunc),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.registry == nil {
		m.registry = policy.DefaultRegistry()
	}
	return m
}

// Prepare validates cfg, builds the simulator and stores a pending run.
func (m *Manager) Prepare(ctx context.Context, name string, cfg simulator.Config) (*model.Run, *simulator.Simulator, error) {
	sim, err := simulator.New(cfg,
		simulator.WithRegistry(m.registry),
		simulator.WithLogger(m.logger),
	)
	if err != nil {
		return nil, nil, err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("runner: encode config: %w", err)
	}

	now := m.now()
	run := &model.Run{
		ID:        uuid.New().String(),
		Name:      name,
		Seed:      cfg.RandomSeed,
		Status:    model.RunPending,
		NumSteps:  cfg.NumSteps,
		Config:    raw,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("runner: create run: %w", err)
	}
	m.logger.Info("run created", "run_id", run.ID, "name", name, "seed", cfg.RandomSeed, "steps", cfg.NumSteps, "agents", cfg.NumAgents())
	return run, sim, nil
}

// RunSync prepares and executes a run in the calling goroutine.
func (m *Manager) RunSync(ctx context.Context, name string, cfg simulator.Config) (*model.Run, *simulator.Simulator, error) {
	run, sim, err := m.Prepare(ctx, name, cfg)
	if err != nil {
		return nil, nil, err
	}
	err = m.Execute(ctx, run, sim)
	return run, sim, err
}

// Start prepares a run and executes it in the background. The run outlives
// ctx; stop it with Cancel.
func (m *Manager) Start(ctx context.Context, name string, cfg simulator.Config) (*model.Run, error) {
	run, sim, err := m.Prepare(ctx, name, cfg)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.active[run.ID] = cancel
	m.mu.Unlock()

	snapshot := *run
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.active, run.ID)
			m.mu.Unlock()
			cancel()
		}()
		_ = m.Execute(runCtx, run, sim)
	}()
	return &snapshot, nil
}

// Cancel stops a background run after its current step.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	cancel, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotActive, id)
	}
	cancel()
	return nil
}

// Active returns the IDs of runs executing in the background, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown cancels every background run and waits for them to stop.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, cancel := range m.active {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Wait blocks until every background run has finished.
func (m *Manager) Wait() { m.wg.Wait() }

// Execute steps sim to the end, persisting each record under run. The run
// row is updated in place and ends completed, failed or cancelled.
func (m *Manager) Execute(ctx context.Context, run *model.Run, sim *simulator.Simulator) error {
	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	log := m.logger.With("run_id", run.ID)
	m.update(ctx, run, model.RunRunning, "")

	for !sim.Status().Terminal() {
		if err := ctx.Err(); err != nil {
			m.finish(ctx, run, model.RunCancelled, err.Error())
			log.Info("run cancelled", "steps", run.StepsDone)
			return err
		}

		start := time.Now()
		rec, err := sim.Step(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				m.finish(ctx, run, model.RunCancelled, err.Error())
				return err
			}
			m.finish(ctx, run, model.RunFailed, err.Error())
			log.Error("run failed", "steps", run.StepsDone, "err", err)
			return err
		}
		took := time.Since(start)

		if err := m.store.AppendStep(ctx, run.ID, rec); err != nil {
			m.finish(ctx, run, model.RunFailed, err.Error())
			log.Error("persist step failed", "step", rec.StepIndex, "err", err)
			return fmt.Errorf("runner: persist step %d: %w", rec.StepIndex, err)
		}
		metrics.ObserveStep(run.ID, rec, took)
		if m.hub != nil {
			m.hub.Broadcast(run.ID, rec)
		}
		run.StepsDone = rec.StepIndex + 1
		m.update(ctx, run, model.RunRunning, "")
	}

	m.finish(ctx, run, model.RunCompleted, "")
	log.Info("run completed", "steps", run.StepsDone)
	return nil
}

func (m *Manager) update(ctx context.Context, run *model.Run, status model.RunStatus, msg string) {
	run.Status = status
	run.Error = msg
	run.UpdatedAt = m.now()
	if err := m.store.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		m.logger.Warn("update run failed", "run_id", run.ID, "err", err)
	}
}

func (m *Manager) finish(ctx context.Context, run *model.Run, status model.RunStatus, msg string) {
	m.update(ctx, run, status, msg)
	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	metrics.ForgetRun(run.ID)
}
