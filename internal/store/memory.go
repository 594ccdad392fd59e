package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/bondsim/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu    sync.RWMutex
	runs  map[string]*model.Run
	steps map[string][]model.StepRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:  make(map[string]*model.Run),
		steps: make(map[string][]model.StepRecord),
	}
}

func (s *MemoryStore) CreateRun(_ context.Context, r *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[r.ID]; ok {
		return fmt.Errorf("%w: %s", ErrRunExists, r.ID)
	}
	// Store a copy to avoid external mutation.
	copy := *r
	s.runs[r.ID] = &copy
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	copy := *r
	return &copy, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.Run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, *r)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, r *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.runs[r.ID]
	if !ok {
		return fmt.Errorf("run %s: %w", r.ID, ErrNotFound)
	}
	existing.Status = r.Status
	existing.StepsDone = r.StepsDone
	existing.Error = r.Error
	existing.UpdatedAt = r.UpdatedAt
	return nil
}

func (s *MemoryStore) DeleteRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[id]; !ok {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	delete(s.runs, id)
	delete(s.steps, id)
	return nil
}

func (s *MemoryStore) AppendStep(_ context.Context, runID string, rec model.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if want := len(s.steps[runID]); rec.StepIndex != want {
		return fmt.Errorf("%w: got %d, want %d", ErrStepOutOfOrder, rec.StepIndex, want)
	}
	s.steps[runID] = append(s.steps[runID], rec)
	return nil
}

func (s *MemoryStore) GetSteps(_ context.Context, runID string, from, limit int) ([]model.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	steps := s.steps[runID]
	lo, hi := window(len(steps), from, limit)
	out := make([]model.StepRecord, hi-lo)
	copy(out, steps[lo:hi])
	return out, nil
}

func (s *MemoryStore) LatestStep(_ context.Context, runID string) (*model.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps := s.steps[runID]
	if len(steps) == 0 {
		return nil, fmt.Errorf("run %s latest step: %w", runID, ErrNotFound)
	}
	rec := steps[len(steps)-1]
	return &rec, nil
}
