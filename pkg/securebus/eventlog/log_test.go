package eventlog_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/securebus/pkg/securebus/event"
	"github.com/randalmurphal/securebus/pkg/securebus/eventlog"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(p string, offset time.Duration, payload any) *event.Event {
	return event.New(p, "test", payload, event.WithTimestamp(base.Add(offset)))
}

func logs(t *testing.T) map[string]eventlog.Log {
	t.Helper()
	sqlite, err := eventlog.NewSQLiteLog(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]eventlog.Log{
		"memory": eventlog.NewMemoryLog(),
		"sqlite": sqlite,
	}
}

func ids(evts []*event.Event) []string {
	out := make([]string, len(evts))
	for i, e := range evts {
		out[i] = e.ID
	}
	return out
}

func TestLog(t *testing.T) {
	for name, log := range logs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e1 := at("sales.order.created", 0, map[string]any{"order_id": "o1", "total": 12.5})
			e2 := at("sales.order.paid", time.Minute, map[string]any{"order_id": "o1"})
			e3 := at("inventory.stock.low", 2*time.Minute, nil)
			e4 := at("sales.order.created", 3*time.Minute, map[string]any{"order_id": "o2"})
			for _, e := range []*event.Event{e3, e1, e4, e2} {
				require.NoError(t, log.Append(ctx, e))
			}
			// Idempotent append
			require.NoError(t, log.Append(ctx, e1))

			all, err := log.Events(ctx, "**", time.Time{}, time.Time{})
			require.NoError(t, err)
			assert.Equal(t, []string{e1.ID, e2.ID, e3.ID, e4.ID}, ids(all))

			created, err := log.Events(ctx, "sales.order.created", time.Time{}, time.Time{})
			require.NoError(t, err)
			assert.Equal(t, []string{e1.ID, e4.ID}, ids(created))
			assert.Equal(t, map[string]any{"order_id": "o1", "total": 12.5}, created[0].Payload)
			assert.True(t, created[0].Timestamp.Equal(e1.Timestamp))

			window, err := log.Events(ctx, "sales.*.*", base.Add(time.Minute), base.Add(3*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, []string{e2.ID}, ids(window))

			require.NoError(t, log.MarkProcessed(ctx, e1.ID))
			require.NoError(t, log.MarkProcessed(ctx, e1.ID))
			require.NoError(t, log.MarkProcessed(ctx, "missing"))

			st, err := log.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 4, st.Total)
			assert.Equal(t, 1, st.Processed)
			assert.Equal(t, 3, st.Pending())
			assert.True(t, st.Oldest.Equal(e1.Timestamp))
			assert.True(t, st.Newest.Equal(e4.Timestamp))

			n, err := log.Cleanup(ctx, base.Add(2*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			rest, err := log.Events(ctx, "**", time.Time{}, time.Time{})
			require.NoError(t, err)
			assert.Equal(t, []string{e3.ID, e4.ID}, ids(rest))

			require.NoError(t, log.Close())
			assert.ErrorIs(t, log.Append(ctx, e1), eventlog.ErrClosed)
			_, err = log.Events(ctx, "**", time.Time{}, time.Time{})
			assert.ErrorIs(t, err, eventlog.ErrClosed)
		})
	}
}

func TestSQLiteLogPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	log1, err := eventlog.NewSQLiteLog(path)
	require.NoError(t, err)
	evt := at("payment.charge.succeeded", 0, map[string]any{"amount": 10.0})
	evt.Metadata.Persistent = true
	evt.Metadata.Priority = event.PriorityHigh
	require.NoError(t, log1.Append(ctx, evt))
	require.NoError(t, log1.Close())
	assert.NoError(t, log1.Close())

	log2, err := eventlog.NewSQLiteLog(path)
	require.NoError(t, err)
	defer log2.Close()

	got, err := log2.Events(ctx, "payment.**", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, evt.ID, got[0].ID)
	assert.Equal(t, evt.CorrelationID, got[0].CorrelationID)
	assert.Equal(t, event.PriorityHigh, got[0].Metadata.Priority)
	assert.True(t, got[0].Metadata.Persistent)
}

func TestSQLiteLogInvalidPath(t *testing.T) {
	_, err := eventlog.NewSQLiteLog("/nonexistent/path/events.db")
	assert.Error(t, err)
}

func TestSQLiteLogConcurrentAppend(t *testing.T) {
	log, err := eventlog.NewSQLiteLog(":memory:")
	require.NoError(t, err)
	defer log.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				assert.NoError(t, log.Append(ctx, at("load.test", time.Duration(i*10+j)*time.Millisecond, nil)))
			}
		}(i)
	}
	wg.Wait()

	st, err := log.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 200, st.Total)
}

func TestMemoryLogIsProcessed(t *testing.T) {
	log := eventlog.NewMemoryLog()
	evt := at("a.b", 0, nil)
	require.NoError(t, log.Append(context.Background(), evt))
	assert.False(t, log.IsProcessed(evt.ID))
	require.NoError(t, log.MarkProcessed(context.Background(), evt.ID))
	assert.True(t, log.IsProcessed(evt.ID))
}
