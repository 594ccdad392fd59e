package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/bondsim/internal/model"
)

func newRun(id string, created time.Time) *model.Run {
	return &model.Run{
		ID:        id,
		Seed:      18446744073709551615,
		Status:    model.RunPending,
		NumSteps:  3,
		Config:    json.RawMessage(`{"num_steps":3}`),
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func step(i int) model.StepRecord {
	return model.StepRecord{
		StepIndex: i,
		Time:      decimal.NewFromInt(int64(i + 1)),
		Market: model.MarketState{
			ShareReserves: decimal.RequireFromString("1000000.123456789012345678"),
			BondReserves:  decimal.NewFromInt(1000000),
			SharePrice:    decimal.NewFromInt(1),
		},
		SpotPrice: decimal.RequireFromString("0.95"),
		FixedAPR:  decimal.RequireFromString("0.05"),
		Trades: []model.TradeRecord{{
			AgentID:   "agent-0",
			Intent:    &model.TradeIntent{Kind: model.OpenLong, Amount: decimal.NewFromInt(100)},
			Status:    model.TradeApplied,
			BaseDelta: decimal.NewFromInt(-100),
		}},
	}
}

// runStoreSuite exercises the Store contract against any implementation.
func runStoreSuite(t *testing.T, s Store) {
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("create and get", func(t *testing.T) {
		require.NoError(t, s.CreateRun(ctx, newRun("a", t0)))
		got, err := s.GetRun(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, uint64(18446744073709551615), got.Seed)
		assert.Equal(t, model.RunPending, got.Status)
		assert.JSONEq(t, `{"num_steps":3}`, string(got.Config))
	})

	t.Run("duplicate rejected", func(t *testing.T) {
		assert.ErrorIs(t, s.CreateRun(ctx, newRun("a", t0)), ErrRunExists)
	})

	t.Run("missing run", func(t *testing.T) {
		_, err := s.GetRun(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.AppendStep(ctx, "nope", step(0)), ErrNotFound)
	})

	t.Run("list newest first", func(t *testing.T) {
		require.NoError(t, s.CreateRun(ctx, newRun("b", t0.Add(time.Hour))))
		runs, err := s.ListRuns(ctx)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "b", runs[0].ID)
		assert.Equal(t, "a", runs[1].ID)
	})

	t.Run("update status", func(t *testing.T) {
		r := newRun("a", t0)
		r.Status = model.RunFailed
		r.StepsDone = 2
		r.Error = "boom"
		require.NoError(t, s.UpdateRun(ctx, r))
		got, err := s.GetRun(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, model.RunFailed, got.Status)
		assert.Equal(t, 2, got.StepsDone)
		assert.Equal(t, "boom", got.Error)
		assert.ErrorIs(t, s.UpdateRun(ctx, newRun("nope", t0)), ErrNotFound)
	})

	t.Run("append in order", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			require.NoError(t, s.AppendStep(ctx, "a", step(i)))
		}
		assert.ErrorIs(t, s.AppendStep(ctx, "a", step(5)), ErrStepOutOfOrder)
		assert.ErrorIs(t, s.AppendStep(ctx, "a", step(1)), ErrStepOutOfOrder)
	})

	t.Run("read steps", func(t *testing.T) {
		all, err := s.GetSteps(ctx, "a", 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.True(t, all[0].Market.ShareReserves.Equal(decimal.RequireFromString("1000000.123456789012345678")))
		assert.Equal(t, model.OpenLong, all[0].Trades[0].Intent.Kind)

		page, err := s.GetSteps(ctx, "a", 1, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, 1, page[0].StepIndex)

		past, err := s.GetSteps(ctx, "a", 10, 5)
		require.NoError(t, err)
		assert.Empty(t, past)

		latest, err := s.LatestStep(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 2, latest.StepIndex)

		_, err = s.LatestStep(ctx, "b")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.DeleteRun(ctx, "a"))
		_, err := s.GetRun(ctx, "a")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.LatestStep(ctx, "a")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteRun(ctx, "a"), ErrNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}

func TestBadgerStore(t *testing.T) {
	s, err := OpenBadgerStore("")
	require.NoError(t, err)
	defer s.Close()
	runStoreSuite(t, s)
}

func TestBadgerStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenBadgerStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.CreateRun(ctx, newRun("r", time.Unix(0, 0).UTC())))
	require.NoError(t, s.AppendStep(ctx, "r", step(0)))
	require.NoError(t, s.Close())

	s, err = OpenBadgerStore(dir)
	require.NoError(t, err)
	defer s.Close()
	latest, err := s.LatestStep(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, 0, latest.StepIndex)
	require.NoError(t, s.AppendStep(ctx, "r", step(1)))
}

func TestWindow(t *testing.T) {
	tests := []struct {
		n, from, limit int
		lo, hi         int
	}{
		{5, 0, 0, 0, 5},
		{5, 2, 2, 2, 4},
		{5, 4, 10, 4, 5},
		{5, 9, 1, 5, 5},
		{5, -3, 2, 0, 2},
	}
	for _, tt := range tests {
		lo, hi := window(tt.n, tt.from, tt.limit)
		if lo != tt.lo || hi != tt.hi {
			t.Errorf("window(%d, %d, %d) = %d, %d; want %d, %d", tt.n, tt.from, tt.limit, lo, hi, tt.lo, tt.hi)
		}
	}
}
