// Package sessiondb records chroot session history in a bbolt database:
// what was entered, when, and whether teardown released everything.
package sessiondb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names for bbolt database
const (
	BucketSessions = "sessions"
)

// Session status values.
const (
	StatusRunning         = "running"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
	StatusPartialTeardown = "partial-teardown"
)

// Record represents a single chroot session.
type Record struct {
	ID         string    `json:"id"` // session UUID
	Device     string    `json:"device"`
	MountPoint string    `json:"mount_point"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Status     string    `json:"status"`
	Warnings   []string  `json:"warnings,omitempty"` // residual teardown warnings
}

// DB wraps a bbolt database for session history.
type DB struct {
	db   *bolt.DB
	path string
}

// OpenDB opens or creates the session database at path, creating parent
// directories and the sessions bucket as needed.
func OpenDB(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("cannot create database directory: %w", err)
		}
	}

	boltDB, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("cannot open session database: %w", err)
	}

	err = boltDB.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(BucketSessions))
		return err
	})
	if err != nil {
		boltDB.Close()
		return nil, fmt.Errorf("cannot initialize session database: %w", err)
	}

	return &DB{db: boltDB, path: path}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Put stores (or overwrites) a session record keyed by its ID.
func (d *DB) Put(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cannot encode session record: %w", err)
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(BucketSessions))
		// Key by start time + ID so List returns chronological order.
		key := rec.StartTime.UTC().Format(time.RFC3339Nano) + "/" + rec.ID
		return b.Put([]byte(key), data)
	})
}

// Get retrieves a session record by its ID.
func (d *DB) Get(id string) (*Record, error) {
	var rec *Record
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(BucketSessions))
		return b.ForEach(func(k, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return nil // skip unreadable entries
			}
			if r.ID == id {
				rec = &r
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("session %s not found", id)
	}
	return rec, nil
}

// List returns the most recent limit sessions, newest first.
// limit <= 0 returns everything.
func (d *DB) List(limit int) ([]Record, error) {
	var records []Record

	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(BucketSessions))
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			records = append(records, r)
			if limit > 0 && len(records) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}
