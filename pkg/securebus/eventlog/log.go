// Package eventlog provides durable storage for persistent events.
//
// The bus appends persistent events before dispatch, marks them processed
// once every handler has run, and reads them back for Replay. MemoryLog is
// for tests; SQLiteLog is a single-process write-through store.
package eventlog

import (
	"context"
	"errors"
	"time"

	"github.com/randalmurphal/securebus/pkg/securebus/event"
)

// Log persists events. Implementations must be safe for concurrent use.
type Log interface {
	// Append stores an event. Appending an ID that already exists is a no-op.
	Append(ctx context.Context, evt *event.Event) error

	// Events returns events whose pattern matches the subscription-style
	// pattern p with from <= Timestamp < to, ordered by timestamp. A zero
	// from or to leaves that side unbounded.
	Events(ctx context.Context, p string, from, to time.Time) ([]*event.Event, error)

	// MarkProcessed records that dispatch of the event completed.
	// Unknown IDs are ignored.
	MarkProcessed(ctx context.Context, id string) error

	// Cleanup deletes events with Timestamp before the cutoff and returns
	// how many were removed.
	Cleanup(ctx context.Context, before time.Time) (int, error)

	// Stats summarizes the log contents.
	Stats(ctx context.Context) (Stats, error)

	// Close releases resources.
	Close() error
}

// Stats summarizes a log.
type Stats struct {
	Total     int
	Processed int
	Oldest    time.Time
	Newest    time.Time
}

// Pending returns the number of unprocessed events.
func (s Stats) Pending() int {
	return s.Total - s.Processed
}

// ErrClosed indicates the log has been closed.
var ErrClosed = errors.New("event log closed")

func inRange(ts, from, to time.Time) bool {
	if !from.IsZero() && ts.Before(from) {
		return false
	}
	if !to.IsZero() && !ts.Before(to) {
		return false
	}
	return true
}
