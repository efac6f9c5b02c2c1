package offline

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketOperations = []byte("operations")
	bucketIndex      = []byte("operation_index") // operation ID -> key
)

// BoltQueue persists operations in a bbolt database. Keys are
// priority byte + big-endian sequence, so cursor order is drain order.
type BoltQueue struct {
	db *bolt.DB
}

// NewBoltQueue opens (creating if needed) a queue database at path.
func NewBoltQueue(path string) (*BoltQueue, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketOperations, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltQueue{db: db}, nil
}

func operationKey(op Operation, seq uint64) []byte {
	key := make([]byte, 9)
	p := op.Priority
	if p < 0 {
		p = 0
	}
	if p > 255 {
		p = 255
	}
	key[0] = byte(p)
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

// QueueOperation implements Queue.
func (q *BoltQueue) QueueOperation(ctx context.Context, op Operation) error {
	if err := validate(op); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.QueuedAt.IsZero() {
		op.QueuedAt = time.Now()
	}
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal operation: %w", err)
	}

	err = q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := operationKey(op, seq)
		if err := b.Put(key, data); err != nil {
			return err
		}
		return tx.Bucket(bucketIndex).Put([]byte(op.ID), key)
	})
	if err != nil {
		return fmt.Errorf("queue operation: %w", err)
	}
	return nil
}

// Pending returns up to limit operations in drain order. limit <= 0 returns all.
func (q *BoltQueue) Pending(_ context.Context, limit int) ([]Operation, error) {
	var ops []Operation
	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOperations).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var op Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("decode operation: %w", err)
			}
			ops = append(ops, op)
			if limit > 0 && len(ops) == limit {
				break
			}
		}
		return nil
	})
	return ops, err
}

// Ack removes a synchronized operation. Unknown IDs are ignored.
func (q *BoltQueue) Ack(_ context.Context, id string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketIndex)
		key := idx.Get([]byte(id))
		if key == nil {
			return nil
		}
		if err := tx.Bucket(bucketOperations).Delete(key); err != nil {
			return err
		}
		return idx.Delete([]byte(id))
	})
}

// Len returns the number of queued operations.
func (q *BoltQueue) Len() int {
	n := 0
	_ = q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketOperations).Stats().KeyN
		return nil
	})
	return n
}

// Close closes the database.
func (q *BoltQueue) Close() error {
	return q.db.Close()
}
