package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/dgraph-io/badger/v3"

	"github.com/atmx/bondsim/internal/model"
)

// BadgerStore implements Store on an embedded BadgerDB, for CLI runs that
// should survive the process without a database server.
//
// Keys:
//
//	run/<id>                 JSON model.Run
//	step/<id>/<%010d index>  JSON model.StepRecord
//
// The zero-padded index keeps prefix iteration in step order.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens or creates a store at dir. An empty dir opens an
// in-memory database.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	// Badger's own logging is noisy; errors are still returned from calls.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

// Close gracefully closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) CreateRun(_ context.Context, r *model.Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(runKeyBytes(r.ID))
		if err == nil {
			return fmt.Errorf("%w: %s", ErrRunExists, r.ID)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(runKeyBytes(r.ID), data)
	})
}

func (s *BadgerStore) GetRun(_ context.Context, id string) (*model.Run, error) {
	var r model.Run
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, runKeyBytes(id), &r)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BadgerStore) ListRuns(_ context.Context) ([]model.Run, error) {
	runs := []model.Run{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("run/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var r model.Run
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return err
			}
			runs = append(runs, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

func (s *BadgerStore) UpdateRun(_ context.Context, r *model.Run) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		var existing model.Run
		if err := getJSON(txn, runKeyBytes(r.ID), &existing); err != nil {
			return err
		}
		existing.Status = r.Status
		existing.StepsDone = r.StepsDone
		existing.Error = r.Error
		existing.UpdatedAt = r.UpdatedAt
		data, err := json.Marshal(existing)
		if err != nil {
			return err
		}
		return txn.Set(runKeyBytes(r.ID), data)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("run %s: %w", r.ID, ErrNotFound)
	}
	return err
}

func (s *BadgerStore) DeleteRun(_ context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(runKeyBytes(id)); err != nil {
			return err
		}
		var keys [][]byte
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		prefix := stepPrefix(id)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return txn.Delete(runKeyBytes(id))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return err
}

func (s *BadgerStore) AppendStep(_ context.Context, runID string, rec model.StepRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(runKeyBytes(runID)); err != nil {
			return err
		}
		next, err := s.nextIndex(txn, runID)
		if err != nil {
			return err
		}
		if rec.StepIndex != next {
			return fmt.Errorf("%w: got %d, want %d", ErrStepOutOfOrder, rec.StepIndex, next)
		}
		return txn.Set(stepKey(runID, rec.StepIndex), data)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return err
}

func (s *BadgerStore) GetSteps(ctx context.Context, runID string, from, limit int) ([]model.StepRecord, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	if from < 0 {
		from = 0
	}
	steps := []model.StepRecord{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := stepPrefix(runID)
		for it.Seek(stepKey(runID, from)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(steps) >= limit {
				break
			}
			var rec model.StepRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			steps = append(steps, rec)
		}
		return nil
	})
	return steps, err
}

func (s *BadgerStore) LatestStep(_ context.Context, runID string) (*model.StepRecord, error) {
	var rec model.StepRecord
	err := s.db.View(func(txn *badger.Txn) error {
		next, err := s.nextIndex(txn, runID)
		if err != nil {
			return err
		}
		if next == 0 {
			return badger.ErrKeyNotFound
		}
		return getJSON(txn, stepKey(runID, next-1), &rec)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("run %s latest step: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// nextIndex is one past the last stored step of runID, found by seeking
// backwards from the end of the run's key range.
func (s *BadgerStore) nextIndex(txn *badger.Txn, runID string) (int, error) {
	opts := badger.IteratorOptions{Reverse: true, PrefetchValues: false}
	it := txn.NewIterator(opts)
	defer it.Close()

	prefix := stepPrefix(runID)
	seek := append(append([]byte{}, prefix...), 0xFF)
	it.Seek(seek)
	if !it.ValidForPrefix(prefix) {
		return 0, nil
	}
	idx, err := strconv.Atoi(string(it.Item().Key()[len(prefix):]))
	if err != nil {
		return 0, fmt.Errorf("store: bad step key %q: %w", it.Item().Key(), err)
	}
	return idx + 1, nil
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		if len(val) == 0 {
			return errors.New("store: empty value")
		}
		return json.Unmarshal(val, v)
	})
}

func runKeyBytes(id string) []byte { return []byte("run/" + id) }
func stepPrefix(id string) []byte  { return []byte("step/" + id + "/") }

func stepKey(id string, index int) []byte {
	return []byte(fmt.Sprintf("step/%s/%010d", id, index))
}
