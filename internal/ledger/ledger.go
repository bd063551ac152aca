// Package ledger persists per-run workload outcomes in a bbolt database.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// ErrRunNotFound reports an unknown run id.
var ErrRunNotFound = errors.New("run not found")

var (
	runsBucket     = []byte("runs")
	outcomesBucket = []byte("outcomes")
)

// Run describes one fleet invocation.
type Run struct {
	ID       string    `json:"id"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitempty"`
	Version  string    `json:"version"`
	Input    string    `json:"input"`
	Total    int       `json:"total"`
	Status   string    `json:"status"`
	ExitCode int       `json:"exit_code"`
}

// Record is the final state of one workload within a run.
type Record struct {
	Index      int       `json:"index"`
	Identity   string    `json:"identity"`
	Image      string    `json:"image"`
	Container  string    `json:"container,omitempty"`
	Port       int       `json:"port"`
	State      string    `json:"state"`
	Counter    int64     `json:"counter,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	Updated    time.Time `json:"updated"`
}

// Store is a bbolt-backed ledger.
type Store struct {
	db   *bbolt.DB
	path string
}

// Open opens (creating if needed) the ledger database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(runsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(outcomesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create ledger buckets: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginRun stores the run header and creates its outcome bucket.
func (s *Store) BeginRun(_ context.Context, run Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := putJSON(tx.Bucket(runsBucket), []byte(run.ID), run); err != nil {
			return err
		}
		_, err := tx.Bucket(outcomesBucket).CreateBucketIfNotExists([]byte(run.ID))
		return err
	})
}

// FinishRun records the run's final status.
func (s *Store) FinishRun(_ context.Context, id, status string, exitCode int, finished time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket(runsBucket)
		var run Run
		if err := getJSON(runs, []byte(id), &run); err != nil {
			return err
		}
		run.Status = status
		run.ExitCode = exitCode
		run.Finished = finished
		return putJSON(runs, []byte(id), run)
	})
}

// Put stores or replaces the record for a workload index.
func (s *Store) Put(_ context.Context, runID string, rec Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(outcomesBucket).Bucket([]byte(runID))
		if bucket == nil {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return putJSON(bucket, recordKey(rec.Index), rec)
	})
}

// Run returns one run header.
func (s *Store) Run(_ context.Context, id string) (Run, error) {
	var run Run
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(runsBucket), []byte(id), &run)
	})
	return run, err
}

// Latest returns the most recently started run.
func (s *Store) Latest(_ context.Context) (Run, error) {
	var run Run
	err := s.db.View(func(tx *bbolt.Tx) error {
		found := false
		err := tx.Bucket(runsBucket).ForEach(func(_, v []byte) error {
			var candidate Run
			if err := json.Unmarshal(v, &candidate); err != nil {
				return fmt.Errorf("decode run: %w", err)
			}
			if !found || candidate.Started.After(run.Started) {
				run = candidate
				found = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if !found {
			return ErrRunNotFound
		}
		return nil
	})
	return run, err
}

// Runs lists every run in id order.
func (s *Store) Runs(_ context.Context) ([]Run, error) {
	var runs []Run
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(runsBucket).ForEach(func(_, v []byte) error {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("decode run: %w", err)
			}
			runs = append(runs, run)
			return nil
		})
	})
	return runs, err
}

// Records lists a run's workload records in source order.
func (s *Store) Records(_ context.Context, runID string) ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(outcomesBucket).Bucket([]byte(runID))
		if bucket == nil {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return bucket.ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}

// Summary counts records per state.
func Summary(records []Record) map[string]int {
	out := make(map[string]int)
	for _, rec := range records {
		out[rec.State]++
	}
	return out
}

func recordKey(index int) []byte {
	return []byte(fmt.Sprintf("%08d", index))
}

func putJSON(bucket *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return bucket.Put(key, data)
}

func getJSON(bucket *bbolt.Bucket, key []byte, v any) error {
	data := bucket.Get(key)
	if data == nil {
		return fmt.Errorf("%w: %s", ErrRunNotFound, key)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
