package orchestrator

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// auditBucket holds every emitted Event, keyed by its big-endian sequence
// number so iteration is naturally time-ordered. This store is write-only
// from the orchestrator's point of view: it exists purely as an offline
// inspection trail, and is never read back to reconstruct task, worker or
// lock state on startup (process restarts still lose all scheduling state).
var auditBucket = []byte("events")

// AuditSink appends emitted events to a BoltDB file for offline inspection.
type AuditSink struct {
	db *bbolt.DB
}

// NewAuditSink opens (creating if absent) a BoltDB file at path and ensures
// the events bucket exists. Passing an empty path disables the sink.
func NewAuditSink(path string) (*AuditSink, error) {
	if path == "" {
		return nil, nil
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening audit db %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(auditBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit bucket: %w", err)
	}
	return &AuditSink{db: db}, nil
}

// Record appends e to the audit log. Safe to call concurrently.
func (a *AuditSink) Record(e Event) error {
	if a == nil {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, e.Seq)
	return a.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(auditBucket).Put(key, data)
	})
}

// Close releases the underlying BoltDB file handle.
func (a *AuditSink) Close() error {
	if a == nil {
		return nil
	}
	return a.db.Close()
}
