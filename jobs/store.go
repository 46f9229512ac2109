package jobs

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// State is the lifecycle stage of a job.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Record is the persisted view of one job.
type Record struct {
	ID          string          `json:"id"`
	State       State           `json:"state"`
	Phase       string          `json:"phase,omitempty"`
	Progress    int             `json:"progress"`
	SubmittedAt time.Time       `json:"submitted_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	ErrorMsg    string          `json:"error_message,omitempty"`
	Request     json.RawMessage `json:"request,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

var bucketJobs = []byte("jobs")

// Store persists job records in a single-file bbolt database.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (or creates) the database and sweeps stale state: jobs
// that were queued or running when the process died become failed with
// error code INTERRUPTED.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	s := &Store{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketJobs)
		if err != nil {
			return err
		}
		now := time.Now()
		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil // skip undecodable entries
			}
			if rec.State != StateQueued && rec.State != StateRunning {
				return nil
			}
			rec.State = StateFailed
			rec.ErrorCode = CodeInterrupted
			rec.ErrorMsg = "service restarted while the job was in flight"
			rec.FinishedAt = &now
			buf, err := json.Marshal(&rec)
			if err != nil {
				return err
			}
			return b.Put(k, buf)
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sweep job store: %w", err)
	}
	return s, nil
}

// Close releases the database file.
func (s *Store) Close() error { return s.db.Close() }

// Put writes a record, replacing any previous version.
func (s *Store) Put(rec *Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Put([]byte(rec.ID), buf)
	})
}

// Get returns the record for id, or ErrNotFound.
func (s *Store) Get(id string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketJobs).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		rec = new(Record)
		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns all records, most recently submitted first.
func (s *Store) List() ([]*Record, error) {
	var out []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			rec := new(Record)
			if err := json.Unmarshal(v, rec); err != nil {
				return nil
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	return out, nil
}
