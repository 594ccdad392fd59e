package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/bondsim/internal/model"
)

// Schema creates the tables PostgresStore expects. Step records are kept
// whole as JSONB; the NUMERIC columns next to them exist for querying.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	seed        NUMERIC(20, 0) NOT NULL,
	status      TEXT NOT NULL,
	num_steps   INTEGER NOT NULL,
	steps_done  INTEGER NOT NULL DEFAULT 0,
	config      JSONB,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS run_steps (
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	step_index  INTEGER NOT NULL,
	time        NUMERIC NOT NULL,
	spot_price  NUMERIC NOT NULL,
	fixed_apr   NUMERIC NOT NULL,
	record      JSONB NOT NULL,
	PRIMARY KEY (run_id, step_index)
);`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Monetary columns are NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) CreateRun(ctx context.Context, r *model.Run) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, name, seed, status, num_steps, steps_done, config, error, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7::JSONB, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		r.ID, r.Name, strconv.FormatUint(r.Seed, 10), string(r.Status),
		r.NumSteps, r.StepsDone, nullableJSON(r.Config), r.Error,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRunExists, r.ID)
	}
	return nil
}

const runColumns = `id, name, seed::TEXT, status, num_steps, steps_done, config, error, created_at, updated_at`

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context) ([]model.Run, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) UpdateRun(ctx context.Context, r *model.Run) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs
		 SET status = $2, steps_done = $3, error = $4, updated_at = $5
		 WHERE id = $1`,
		r.ID, string(r.Status), r.StepsDone, r.Error, r.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteRun(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM runs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendStep inserts the record only if it is the next index for the run.
func (s *PostgresStore) AppendStep(ctx context.Context, runID string, rec model.StepRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO run_steps (run_id, step_index, time, spot_price, fixed_apr, record)
		 SELECT $1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::JSONB
		 WHERE EXISTS (SELECT 1 FROM runs WHERE id = $1)
		   AND (SELECT COALESCE(MAX(step_index) + 1, 0) FROM run_steps WHERE run_id = $1) = $2`,
		runID, rec.StepIndex, rec.Time.String(), rec.SpotPrice.String(), rec.FixedAPR.String(), string(data),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}
		return fmt.Errorf("%w: step %d for run %s", ErrStepOutOfOrder, rec.StepIndex, runID)
	}
	return nil
}

func (s *PostgresStore) GetSteps(ctx context.Context, runID string, from, limit int) ([]model.StepRecord, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	if from < 0 {
		from = 0
	}
	query := `SELECT record FROM run_steps WHERE run_id = $1 AND step_index >= $2 ORDER BY step_index`
	args := []any{runID, from}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := []model.StepRecord{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec model.StepRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode step of run %s: %w", runID, err)
		}
		steps = append(steps, rec)
	}
	return steps, rows.Err()
}

func (s *PostgresStore) LatestStep(ctx context.Context, runID string) (*model.StepRecord, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM run_steps WHERE run_id = $1 ORDER BY step_index DESC LIMIT 1`, runID).
		Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s latest step: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var rec model.StepRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode latest step of run %s: %w", runID, err)
	}
	return &rec, nil
}

// scanRun reads one runs row from a pgx.Row or pgx.Rows.
func scanRun(row pgx.Row) (*model.Run, error) {
	var (
		r      model.Run
		seed   string
		status string
		config []byte
	)
	if err := row.Scan(&r.ID, &r.Name, &seed, &status, &r.NumSteps, &r.StepsDone,
		&config, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if r.Seed, err = strconv.ParseUint(seed, 10, 64); err != nil {
		return nil, fmt.Errorf("run %s seed %q: %w", r.ID, seed, err)
	}
	r.Status = model.RunStatus(status)
	if len(config) > 0 {
		r.Config = json.RawMessage(config)
	}
	return &r, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
