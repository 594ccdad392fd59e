package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/bondsim/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh or invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) CreateRun(ctx context.Context, r *model.Run) error {
	if err := s.primary.CreateRun(ctx, r); err != nil {
		return err
	}
	s.cache(ctx, runKey(r.ID), r)
	return nil
}

func (s *CachedStore) UpdateRun(ctx context.Context, r *model.Run) error {
	if err := s.primary.UpdateRun(ctx, r); err != nil {
		return err
	}
	// Invalidate; next read re-populates with the merged row.
	s.rdb.Del(ctx, runKey(r.ID))
	return nil
}

func (s *CachedStore) DeleteRun(ctx context.Context, id string) error {
	if err := s.primary.DeleteRun(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, runKey(id), latestKey(id))
	return nil
}

func (s *CachedStore) AppendStep(ctx context.Context, runID string, rec model.StepRecord) error {
	if err := s.primary.AppendStep(ctx, runID, rec); err != nil {
		return err
	}
	s.cache(ctx, latestKey(runID), rec)
	return nil
}

// --- Read-through ---

func (s *CachedStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	var r model.Run
	if s.lookup(ctx, runKey(id), &r) {
		return &r, nil
	}

	run, err := s.primary.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, runKey(id), run)
	return run, nil
}

func (s *CachedStore) LatestStep(ctx context.Context, runID string) (*model.StepRecord, error) {
	var rec model.StepRecord
	if s.lookup(ctx, latestKey(runID), &rec) {
		return &rec, nil
	}

	latest, err := s.primary.LatestStep(ctx, runID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, latestKey(runID), latest)
	return latest, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListRuns(ctx context.Context) ([]model.Run, error) {
	return s.primary.ListRuns(ctx)
}

func (s *CachedStore) GetSteps(ctx context.Context, runID string, from, limit int) ([]model.StepRecord, error) {
	return s.primary.GetSteps(ctx, runID, from, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) lookup(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func runKey(id string) string    { return fmt.Sprintf("bondsim:run:%s", id) }
func latestKey(id string) string { return fmt.Sprintf("bondsim:run:%s:latest", id) }
