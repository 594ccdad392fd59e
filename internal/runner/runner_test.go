package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/bondsim/internal/metrics"
	"github.com/atmx/bondsim/internal/model"
	"github.com/atmx/bondsim/internal/policy"
	"github.com/atmx/bondsim/internal/simulator"
	"github.com/atmx/bondsim/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testConfig(steps int, agents ...simulator.AgentAssignment) simulator.Config {
	return simulator.Config{
		NumSteps:             steps,
		StepDays:             d("1"),
		PositionDuration:     d("365"),
		InitialSharePrice:    d("1"),
		InitialShareReserves: d("1000000"),
		InitialBondReserves:  d("1000000"),
		TargetFixedAPR:       d("0.05"),
		RandomSeed:           3,
		Agents:               agents,
	}
}

type recordingHub struct {
	mu    sync.Mutex
	steps map[string][]int
}

func (h *recordingHub) Broadcast(runID string, rec model.StepRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.steps == nil {
		h.steps = make(map[string][]int)
	}
	h.steps[runID] = append(h.steps[runID], rec.StepIndex)
}

// gate blocks every decision until released.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gate) Name() string { return "gate" }

func (g *gate) DecideAction(model.MarketState, model.Wallet, policy.RandomSource) (*model.TradeIntent, error) {
	g.entered <- struct{}{}
	<-g.release
	return nil, nil
}

func TestRunSync_PersistsEveryStep(t *testing.T) {
	st := store.NewMemoryStore()
	hub := &recordingHub{}
	m := NewManager(st, WithBroadcaster(hub))

	run, sim, err := m.RunSync(context.Background(), "smoke",
		testConfig(4, simulator.AgentAssignment{Policy: policy.NameLongOnly, Count: 2, Budget: d("1000")}))
	require.NoError(t, err)
	assert.Equal(t, simulator.StatusCompleted, sim.Status())

	stored, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, stored.Status)
	assert.Equal(t, 4, stored.StepsDone)
	assert.Equal(t, uint64(3), stored.Seed)
	assert.NotEmpty(t, stored.Config)

	steps, err := st.GetSteps(context.Background(), run.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, steps, 4)
	assert.Equal(t, sim.Records(), steps)
	assert.Equal(t, []int{0, 1, 2, 3}, hub.steps[run.ID])
}

func TestRunSync_DropsRunGauges(t *testing.T) {
	m := NewManager(store.NewMemoryStore())
	run, _, err := m.RunSync(context.Background(), "gauges", testConfig(2))
	require.NoError(t, err)

	assert.False(t, metrics.FixedAPR.DeleteLabelValues(run.ID), "fixed apr series outlived the run")
	assert.False(t, metrics.ShareReserves.DeleteLabelValues(run.ID), "share reserves series outlived the run")
}

func TestRunSync_ConfigErrorStoresNothing(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewManager(st)

	_, _, err := m.RunSync(context.Background(), "bad", testConfig(0))
	assert.ErrorIs(t, err, simulator.ErrConfiguration)

	runs, err := st.ListRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRunSync_RunIDsAreUnique(t *testing.T) {
	m := NewManager(store.NewMemoryStore())
	a, _, err := m.RunSync(context.Background(), "a", testConfig(1))
	require.NoError(t, err)
	b, _, err := m.RunSync(context.Background(), "b", testConfig(1))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestStart_Completes(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewManager(st)

	run, err := m.Start(context.Background(), "bg", testConfig(3))
	require.NoError(t, err)
	m.Wait()

	stored, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, stored.Status)
	assert.Empty(t, m.Active())
}

func TestStart_SurvivesRequestContext(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewManager(st)

	ctx, cancel := context.WithCancel(context.Background())
	run, err := m.Start(ctx, "detached", testConfig(3))
	require.NoError(t, err)
	cancel()
	m.Wait()

	stored, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, stored.Status)
}

func TestCancel_StopsAfterCurrentStep(t *testing.T) {
	g := &gate{entered: make(chan struct{}), release: make(chan struct{})}
	reg := policy.NewRegistry()
	reg.Register("gate", func(policy.Params) (policy.Policy, error) { return g, nil })

	st := store.NewMemoryStore()
	m := NewManager(st, WithRegistry(reg))
	run, err := m.Start(context.Background(), "gated",
		testConfig(100, simulator.AgentAssignment{Policy: "gate", Count: 1, Budget: d("1")}))
	require.NoError(t, err)

	select {
	case <-g.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("run never reached the first decision")
	}
	assert.Equal(t, []string{run.ID}, m.Active())
	require.NoError(t, m.Cancel(run.ID))
	close(g.release)
	m.Wait()

	stored, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCancelled, stored.Status)
	assert.Equal(t, 1, stored.StepsDone)

	err = m.Cancel(run.ID)
	assert.True(t, errors.Is(err, ErrRunNotActive))
}
