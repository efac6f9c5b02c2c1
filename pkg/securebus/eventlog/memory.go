package eventlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/securebus/pkg/securebus/event"
	"github.com/randalmurphal/securebus/pkg/securebus/pattern"
)

// MemoryLog keeps events in memory. Data is lost when the process exits.
type MemoryLog struct {
	mu      sync.RWMutex
	records map[string]*memoryRecord
	seq     int64
	closed  bool
}

type memoryRecord struct {
	evt       *event.Event
	seq       int64
	processed bool
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{records: make(map[string]*memoryRecord)}
}

// Append implements Log.
func (m *MemoryLog) Append(_ context.Context, evt *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.records[evt.ID]; ok {
		return nil
	}
	m.seq++
	m.records[evt.ID] = &memoryRecord{evt: evt.Clone(), seq: m.seq}
	return nil
}

// Events implements Log.
func (m *MemoryLog) Events(_ context.Context, p string, from, to time.Time) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	var matched []*memoryRecord
	for _, r := range m.records {
		if inRange(r.evt.Timestamp, from, to) && pattern.Match(r.evt.Pattern, p) {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		ti, tj := matched[i].evt.Timestamp, matched[j].evt.Timestamp
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return matched[i].seq < matched[j].seq
	})

	out := make([]*event.Event, len(matched))
	for i, r := range matched {
		out[i] = r.evt.Clone()
	}
	return out, nil
}

// MarkProcessed implements Log.
func (m *MemoryLog) MarkProcessed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if r, ok := m.records[id]; ok {
		r.processed = true
	}
	return nil
}

// Cleanup implements Log.
func (m *MemoryLog) Cleanup(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := 0
	for id, r := range m.records {
		if r.evt.Timestamp.Before(before) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

// Stats implements Log.
func (m *MemoryLog) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Stats{}, ErrClosed
	}
	var s Stats
	for _, r := range m.records {
		s.Total++
		if r.processed {
			s.Processed++
		}
		ts := r.evt.Timestamp
		if s.Oldest.IsZero() || ts.Before(s.Oldest) {
			s.Oldest = ts
		}
		if ts.After(s.Newest) {
			s.Newest = ts
		}
	}
	return s, nil
}

// IsProcessed reports whether an event was marked processed.
func (m *MemoryLog) IsProcessed(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	return ok && r.processed
}

// Close implements Log.
func (m *MemoryLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.records = nil
	return nil
}
