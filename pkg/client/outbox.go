package client

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/developer-mesh/timeline-sync/pkg/collaboration/operation"
)

var outboxBucket = []byte("outbox")

// Outbox persists unacknowledged local operations so they survive a restart
type Outbox interface {
	Put(op operation.Operation) error
	Delete(id operation.OperationID) error
	List() ([]operation.Operation, error)
	Close() error
}

// BoltOutbox stores operations in a bbolt file, one bucket per session and
// user, keyed by clock then id
type BoltOutbox struct {
	db     *bolt.DB
	bucket []byte
}

// OpenBoltOutbox opens or creates the outbox file at path
func OpenBoltOutbox(path string, sessionID, userID uuid.UUID) (*BoltOutbox, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open outbox %s: %w", path, err)
	}
	name := []byte(sessionID.String() + "/" + userID.String())
	err = db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(outboxBucket)
		if err != nil {
			return err
		}
		_, err = root.CreateBucketIfNotExists(name)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create outbox bucket: %w", err)
	}
	return &BoltOutbox{db: db, bucket: name}, nil
}

func (o *BoltOutbox) sessionBucket(tx *bolt.Tx) *bolt.Bucket {
	return tx.Bucket(outboxBucket).Bucket(o.bucket)
}

// keys sort by clock so List returns creation order
func outboxKey(clock uint64, id operation.OperationID) []byte {
	key := make([]byte, 8+16)
	binary.BigEndian.PutUint64(key[:8], clock)
	copy(key[8:], id[:])
	return key
}

// Put stores an operation
func (o *BoltOutbox) Put(op operation.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode outbox entry: %w", err)
	}
	return o.db.Update(func(tx *bolt.Tx) error {
		return o.sessionBucket(tx).Put(outboxKey(op.Clock, op.ID), data)
	})
}

// Delete removes an operation. Missing ids are ignored.
func (o *BoltOutbox) Delete(id operation.OperationID) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		b := o.sessionBucket(tx)
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if len(k) == 24 && uuid.UUID(k[8:]) == id {
				return b.Delete(k)
			}
		}
		return nil
	})
}

// List returns the stored operations in clock order
func (o *BoltOutbox) List() ([]operation.Operation, error) {
	var ops []operation.Operation
	err := o.db.View(func(tx *bolt.Tx) error {
		return o.sessionBucket(tx).ForEach(func(k, v []byte) error {
			var op operation.Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("decode outbox entry: %w", err)
			}
			ops = append(ops, op)
			return nil
		})
	})
	return ops, err
}

// Close closes the file
func (o *BoltOutbox) Close() error {
	return o.db.Close()
}

// MemoryOutbox keeps the queue in memory only
type MemoryOutbox struct {
	mu  sync.Mutex
	ops []operation.Operation
}

// NewMemoryOutbox creates an empty in-memory outbox
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{}
}

func (o *MemoryOutbox) Put(op operation.Operation) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops = append(o.ops, op)
	return nil
}

func (o *MemoryOutbox) Delete(id operation.OperationID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, op := range o.ops {
		if op.ID == id {
			o.ops = append(o.ops[:i], o.ops[i+1:]...)
			break
		}
	}
	return nil
}

func (o *MemoryOutbox) List() ([]operation.Operation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]operation.Operation(nil), o.ops...), nil
}

func (o *MemoryOutbox) Close() error { return nil }
