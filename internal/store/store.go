// Package store defines the persistence interface for simulation runs.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), BadgerDB (embedded, for local runs) and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/bondsim/internal/model"
)

var (
	// ErrNotFound is returned when a run or step does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrRunExists is returned when creating a run whose ID is taken.
	ErrRunExists = errors.New("store: run already exists")

	// ErrStepOutOfOrder is returned when a step is appended out of sequence.
	ErrStepOutOfOrder = errors.New("store: step out of order")
)

// Store is the persistence interface. Step records are append-only and must
// arrive in StepIndex order starting at zero.
type Store interface {
	// --- Runs ---

	// CreateRun persists a new run.
	CreateRun(ctx context.Context, run *model.Run) error

	// GetRun retrieves a run by its ID.
	GetRun(ctx context.Context, id string) (*model.Run, error)

	// ListRuns returns all runs, newest first.
	ListRuns(ctx context.Context) ([]model.Run, error)

	// UpdateRun overwrites the mutable fields of a run: status, progress
	// and error.
	UpdateRun(ctx context.Context, run *model.Run) error

	// DeleteRun removes a run and its steps.
	DeleteRun(ctx context.Context, id string) error

	// --- Step log ---

	// AppendStep appends the next step record of a run.
	AppendStep(ctx context.Context, runID string, rec model.StepRecord) error

	// GetSteps returns up to limit records starting at step from. A
	// non-positive limit returns everything after from.
	GetSteps(ctx context.Context, runID string, from, limit int) ([]model.StepRecord, error)

	// LatestStep returns the most recent step of a run.
	LatestStep(ctx context.Context, runID string) (*model.StepRecord, error)
}

// window clamps [from, from+limit) to n records.
func window(n, from, limit int) (int, int) {
	if from < 0 {
		from = 0
	}
	if from > n {
		from = n
	}
	end := n
	if limit > 0 && from+limit < n {
		end = from + limit
	}
	return from, end
}
