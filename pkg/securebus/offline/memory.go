package offline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-memory Queue.
type MemoryQueue struct {
	mu     sync.Mutex
	ops    []queued
	seq    uint64
	closed bool
}

type queued struct {
	op  Operation
	seq uint64
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// QueueOperation implements Queue.
func (q *MemoryQueue) QueueOperation(_ context.Context, op Operation) error {
	if err := validate(op); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.QueuedAt.IsZero() {
		op.QueuedAt = time.Now()
	}
	q.seq++
	q.ops = append(q.ops, queued{op: op, seq: q.seq})
	sort.SliceStable(q.ops, func(i, j int) bool {
		if q.ops[i].op.Priority != q.ops[j].op.Priority {
			return q.ops[i].op.Priority < q.ops[j].op.Priority
		}
		return q.ops[i].seq < q.ops[j].seq
	})
	return nil
}

// Pending returns up to limit operations in drain order. limit <= 0 returns all.
func (q *MemoryQueue) Pending(_ context.Context, limit int) ([]Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	n := len(q.ops)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Operation, n)
	for i := 0; i < n; i++ {
		out[i] = q.ops[i].op
	}
	return out, nil
}

// Ack removes a synchronized operation.
func (q *MemoryQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	for i, e := range q.ops {
		if e.op.ID == id {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			return nil
		}
	}
	return nil
}

// Len returns the number of queued operations.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Close discards the queue.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.ops = nil
	return nil
}
