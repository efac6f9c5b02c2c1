package benchmarks

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/randalmurphal/securebus/pkg/securebus"
	"github.com/randalmurphal/securebus/pkg/securebus/event"
	"github.com/randalmurphal/securebus/pkg/securebus/eventlog"
	"github.com/randalmurphal/securebus/pkg/securebus/offline"
)

func benchmarkAppend(b *testing.B, log eventlog.Log) {
	ctx := context.Background()
	events := make([]*event.Event, b.N)
	for i := range events {
		events[i] = event.New("audit.record.created", "bench", map[string]any{"id": i})
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = log.Append(ctx, events[i])
	}
}

// BenchmarkAppend_Memory appends to the in-memory log.
func BenchmarkAppend_Memory(b *testing.B) {
	benchmarkAppend(b, eventlog.NewMemoryLog())
}

// BenchmarkAppend_SQLite appends to a SQLite log on disk.
func BenchmarkAppend_SQLite(b *testing.B) {
	log, err := eventlog.NewSQLiteLog(filepath.Join(b.TempDir(), "events.db"))
	if err != nil {
		b.Fatal(err)
	}
	defer log.Close()
	benchmarkAppend(b, log)
}

// BenchmarkEmit_Persistent emits with write-through persistence to SQLite.
func BenchmarkEmit_Persistent(b *testing.B) {
	log, err := eventlog.NewSQLiteLog(filepath.Join(b.TempDir(), "events.db"))
	if err != nil {
		b.Fatal(err)
	}
	defer log.Close()
	bus := newBus(b, nil, securebus.WithEventLog(log))
	bus.On("audit.record.created", noopHandler)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = bus.Emit(ctx, "audit.record.created", map[string]any{"id": i}, securebus.WithPersistent())
	}
}

// BenchmarkQueue_Bolt enqueues offline operations into bbolt.
func BenchmarkQueue_Bolt(b *testing.B) {
	q, err := offline.NewBoltQueue(filepath.Join(b.TempDir(), "offline.db"))
	if err != nil {
		b.Fatal(err)
	}
	defer q.Close()
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = q.QueueOperation(ctx, offline.Operation{
			Type:   offline.OpEvent,
			Entity: "crm.contact.updated",
			Data:   map[string]any{"id": i},
		})
	}
}

// BenchmarkReplay_Memory replays 100 stored events.
func BenchmarkReplay_Memory(b *testing.B) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()
	for i := 0; i < 100; i++ {
		_ = log.Append(ctx, event.New("audit.record.created", "bench", map[string]any{"id": i}))
	}
	bus := newBus(b, nil, securebus.WithEventLog(log))
	bus.On("audit.**", noopHandler)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = bus.Replay(ctx, "audit.**", time.Time{}, time.Time{})
	}
}
