// Package bench — bolt.go
//
// BoltDB-backed run-history ledger for sgxbench.
//
// Schema (BoltDB bucket layout):
//
//	/runs
//	    key:   "<experiment fingerprint>_<iteration name>"  [sortable]
//	    value: JSON-encoded RunRecord
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// This is what makes idempotence under --force mechanically checkable:
// before re-running an iteration whose output directory already exists,
// the orchestrator looks up its RunRecord here. Without --force, a
// record of a completed (not aborted) iteration, or an existing output
// directory, means the iteration is skipped; with --force, the
// orchestrator deletes both the output directory and the matching
// record before re-running.
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
package bench

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/octoreflex/sgxbench/internal/collector"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	bucketRuns = "runs"
	bucketMeta = "meta"
)

// RunRecord is the persisted form of one completed or aborted
// iteration. Stored as JSON in the runs bucket.
type RunRecord struct {
	ExperimentFingerprint string                               `json:"experiment_fingerprint"`
	IterationName         string                                `json:"iteration_name"`
	StartInstantNS        int64                                 `json:"start_instant_ns"`
	EndInstantNS          int64                                 `json:"end_instant_ns"`
	ExitCode              int                                   `json:"exit_code"`
	CollectorStatuses     map[collector.Kind]collector.DrainStatus `json:"collector_statuses"`
	OutputDir             string                                `json:"output_dir"`
	Aborted               bool                                  `json:"aborted"`
	RecordedAt            time.Time                             `json:"recorded_at"`
}

// DB wraps a BoltDB instance with typed accessors for the run-history
// ledger.
type DB struct {
	db *bolt.DB
}

// Open opens (or creates) the BoltDB database at path, initializing
// its buckets and verifying the schema version.
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bench: bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb}
	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketRuns, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("bench: database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"bench: schema version mismatch: database has %q, harness requires %q",
				string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// runKey builds the sortable key for a run record.
func runKey(fingerprint, iterationName string) []byte {
	return []byte(fmt.Sprintf("%s_%s", fingerprint, iterationName))
}

// PutRun writes or replaces the run record for
// (ExperimentFingerprint, IterationName).
func (d *DB) PutRun(rec RunRecord) error {
	rec.RecordedAt = time.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("bench: marshal run record: %w", err)
	}
	key := runKey(rec.ExperimentFingerprint, rec.IterationName)
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRuns)).Put(key, data)
	})
}

// GetRun retrieves the run record for (fingerprint, iterationName).
// Returns (nil, nil) if absent.
func (d *DB) GetRun(fingerprint, iterationName string) (*RunRecord, error) {
	key := runKey(fingerprint, iterationName)
	var rec RunRecord
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketRuns)).Get(key)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("bench: GetRun(%s, %s): %w", fingerprint, iterationName, err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// DeleteRun removes the run record for (fingerprint, iterationName),
// used by --force before a forced re-run. Idempotent.
func (d *DB) DeleteRun(fingerprint, iterationName string) error {
	key := runKey(fingerprint, iterationName)
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRuns)).Delete(key)
	})
}

// RunsForExperiment returns every recorded iteration for an experiment
// fingerprint, for operator inspection and the plancheck tool.
func (d *DB) RunsForExperiment(fingerprint string) ([]RunRecord, error) {
	prefix := []byte(fingerprint + "_")
	var out []RunRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketRuns)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec RunRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Prune removes records whose output directory no longer exists on
// disk (e.g. the operator deleted part of the tree by hand). Returns
// the number of records removed. Keeps the ledger and the filesystem
// as the same source of truth for the skip/--force decision.
func (d *DB) Prune() (int, error) {
	var stale [][]byte
	if err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRuns)).ForEach(func(k, v []byte) error {
			var rec RunRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				stale = append(stale, append([]byte(nil), k...))
				return nil
			}
			if _, err := os.Stat(rec.OutputDir); os.IsNotExist(err) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
	}); err != nil {
		return 0, fmt.Errorf("bench: Prune scan: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRuns))
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return 0, fmt.Errorf("bench: Prune delete: %w", err)
	}
	return len(stale), nil
}
