package event

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryDLQ is an in-memory implementation of DeadLetterQueue.
// Suitable for testing and single-instance deployments.
type InMemoryDLQ struct {
	mu     sync.RWMutex
	events map[string]*FailedEvent // keyed by event ID + subscription ID
	parked map[string]*ParkedEvent
	cfg    DLQConfig

	// Metrics
	enqueued     int64
	acknowledged int64
	parkedTotal  int64
	dropped      int64
}

// DLQConfig configures the dead letter queue.
type DLQConfig struct {
	// MaxSize limits the number of queued failures. Further failures are dropped.
	// Default: 10000
	MaxSize int

	// MaxAttempts parks a failure once it has been recorded this many times.
	// Default: 5
	MaxAttempts int

	// OnEnqueue is called when a failure is added.
	OnEnqueue func(*FailedEvent)

	// OnPark is called when a failure is moved to the parked set.
	OnPark func(*ParkedEvent)
}

// DefaultDLQConfig provides reasonable defaults.
var DefaultDLQConfig = DLQConfig{
	MaxSize:     10000,
	MaxAttempts: 5,
}

// DLQStats provides statistics about the DLQ.
type DLQStats struct {
	QueueSize    int   // Current queue size
	ParkedSize   int   // Current parked size
	Enqueued     int64 // Total failures enqueued
	Acknowledged int64 // Total failures acknowledged
	Parked       int64 // Total failures parked
	Dropped      int64 // Failures dropped because the queue was full
}

// NewInMemoryDLQ creates a new in-memory dead letter queue.
func NewInMemoryDLQ(cfg DLQConfig) *InMemoryDLQ {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultDLQConfig.MaxSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultDLQConfig.MaxAttempts
	}
	return &InMemoryDLQ{
		events: make(map[string]*FailedEvent),
		parked: make(map[string]*ParkedEvent),
		cfg:    cfg,
	}
}

// Enqueue records a failure.
func (d *InMemoryDLQ) Enqueue(_ context.Context, failed *FailedEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := failed.key()
	if existing, ok := d.events[key]; ok {
		existing.AttemptCount++
		existing.LastFailedAt = time.Now()
		existing.ErrorMessage = failed.ErrorMessage
		if existing.AttemptCount >= d.cfg.MaxAttempts {
			delete(d.events, key)
			d.parkLocked(existing, "max attempts exceeded")
		}
		return nil
	}

	if len(d.events) >= d.cfg.MaxSize {
		d.dropped++
		return &EventError{Message: "DLQ is full"}
	}

	d.events[key] = failed
	d.enqueued++

	if d.cfg.OnEnqueue != nil {
		d.cfg.OnEnqueue(failed)
	}
	if failed.AttemptCount >= d.cfg.MaxAttempts {
		delete(d.events, key)
		d.parkLocked(failed, "max attempts exceeded")
	}
	return nil
}

// List returns queued failures, oldest first.
func (d *InMemoryDLQ) List(_ context.Context, limit int) ([]*FailedEvent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]*FailedEvent, 0, len(d.events))
	for _, f := range d.events {
		cp := *f
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].FirstFailedAt.Before(result[j].FirstFailedAt)
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// Acknowledge removes every failure recorded for eventID.
func (d *InMemoryDLQ) Acknowledge(_ context.Context, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, f := range d.events {
		if f.EventID == eventID {
			delete(d.events, key)
			d.acknowledged++
		}
	}
	return nil
}

// MoveToParked moves every failure for eventID to the parked set.
func (d *InMemoryDLQ) MoveToParked(_ context.Context, eventID, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	found := false
	for key, f := range d.events {
		if f.EventID == eventID {
			delete(d.events, key)
			d.parkLocked(f, reason)
			found = true
		}
	}
	if !found {
		return &EventError{Message: "event not found in DLQ"}
	}
	return nil
}

// parkLocked moves a failure to the parked set (must hold lock).
func (d *InMemoryDLQ) parkLocked(failed *FailedEvent, reason string) {
	parked := &ParkedEvent{
		FailedEvent: *failed,
		ParkReason:  reason,
		ParkedAt:    time.Now(),
	}
	d.parked[failed.key()] = parked
	d.parkedTotal++

	if d.cfg.OnPark != nil {
		d.cfg.OnPark(parked)
	}
}

// Count returns the number of queued failures.
func (d *InMemoryDLQ) Count(_ context.Context) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.events), nil
}

// CountByPattern returns queued failures grouped by event pattern.
func (d *InMemoryDLQ) CountByPattern(_ context.Context) (map[string]int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	counts := make(map[string]int)
	for _, f := range d.events {
		counts[f.Pattern]++
	}
	return counts, nil
}

// ListParked returns parked failures.
func (d *InMemoryDLQ) ListParked(_ context.Context, limit int) ([]*ParkedEvent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if limit <= 0 || limit > len(d.parked) {
		limit = len(d.parked)
	}
	result := make([]*ParkedEvent, 0, limit)
	for _, p := range d.parked {
		if len(result) >= limit {
			break
		}
		result = append(result, p)
	}
	return result, nil
}

// Stats returns DLQ statistics.
func (d *InMemoryDLQ) Stats() DLQStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return DLQStats{
		QueueSize:    len(d.events),
		ParkedSize:   len(d.parked),
		Enqueued:     d.enqueued,
		Acknowledged: d.acknowledged,
		Parked:       d.parkedTotal,
		Dropped:      d.dropped,
	}
}
