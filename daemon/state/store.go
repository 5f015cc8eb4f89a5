// Package state persists the outcome of the last rebuild pass of every
// builder, so operators can see what converged across agent restarts.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/hostconverge/hostconverge/daemon/reconcile"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// DefaultPath is where the agent keeps its state database.
const DefaultPath = "/var/lib/hostconverge/state.db"

var resultsBucket = []byte("results")

// Record is the stored outcome of a builder's last pass.
type Record struct {
	Builder   string        `json:"builder"`
	Pass      string        `json:"pass"`
	Converged bool          `json:"converged"`
	Kind      string        `json:"kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Finished  time.Time     `json:"finished"`
	// LastConverged is when the builder last converged, which may be
	// before Finished if the last pass failed.
	LastConverged time.Time `json:"last_converged,omitzero"`
	// Failures counts the passes that failed since the last converged one.
	Failures int `json:"failures,omitempty"`
}

// Store is a bolt database of Records keyed by builder.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "error opening state database %s", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(resultsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "error initializing state database")
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores res as the last pass of its builder.
func (s *Store) Record(res reconcile.Result, finished time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(resultsBucket)
		var prev Record
		if err := get(b, res.Builder, &prev); err != nil && !cerrdefs.IsNotFound(err) {
			return err
		}
		rec := Record{
			Builder:       res.Builder,
			Pass:          res.Pass,
			Converged:     res.Converged,
			Duration:      res.Duration,
			Finished:      finished,
			LastConverged: prev.LastConverged,
		}
		if res.Converged {
			rec.LastConverged = finished
		} else {
			rec.Kind = res.Kind.String()
			rec.Failures = prev.Failures + 1
			if res.Err != nil {
				rec.Error = res.Err.Error()
			}
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return errors.Wrap(b.Put([]byte(res.Builder), data), "error storing pass result")
	})
}

// Get returns the record of builder.
func (s *Store) Get(builder string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(resultsBucket), builder, &rec)
	})
	return rec, err
}

// List returns every record, ordered by builder name.
func (s *Store) List() ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(resultsBucket).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return errors.Wrapf(err, "error decoding record of %s", k)
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}

func get(b *bolt.Bucket, builder string, rec *Record) error {
	val := b.Get([]byte(builder))
	if len(val) == 0 {
		return fmt.Errorf("no pass recorded for builder %s: %w", builder, cerrdefs.ErrNotFound)
	}
	if err := json.Unmarshal(val, rec); err != nil {
		return fmt.Errorf("error decoding record of %s: %v: %w", builder, err, cerrdefs.ErrDataLoss)
	}
	return nil
}

// Follow records every Result received on results until the channel is
// closed. It is meant to be fed by reconcile.Registry.Subscribe.
func (s *Store) Follow(results <-chan interface{}) {
	for v := range results {
		res, ok := v.(reconcile.Result)
		if !ok {
			continue
		}
		if err := s.Record(res, time.Now()); err != nil {
			log.L.WithError(err).WithField("builder", res.Builder).Warn("failed to record pass result")
		}
	}
}
