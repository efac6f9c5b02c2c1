package securebus_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/securebus/pkg/securebus"
	"github.com/randalmurphal/securebus/pkg/securebus/event"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newBus creates an initialized bus that is closed when the test ends.
func newBus(t *testing.T, mutate func(*securebus.Config), opts ...securebus.Option) *securebus.Bus {
	t.Helper()
	cfg := securebus.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := securebus.New(cfg, append([]securebus.Option{securebus.WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, b.Initialize(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// recorder is a handler that keeps every event it receives.
type recorder struct {
	mu     sync.Mutex
	events []*event.Event
}

func (r *recorder) Handle(_ context.Context, evt *event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) All() []*event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*event.Event(nil), r.events...)
}

func (r *recorder) Patterns() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Pattern
	}
	return out
}

var noop = event.HandlerFunc(func(context.Context, *event.Event) error { return nil })

func TestNewRejectsWildcardSource(t *testing.T) {
	cfg := securebus.DefaultConfig()
	cfg.Source = "api.*"
	_, err := securebus.New(cfg)
	assert.ErrorIs(t, err, securebus.ErrInvalidPattern)
}

func TestInitializeIsIdempotentUnderConcurrency(t *testing.T) {
	b, err := securebus.New(securebus.DefaultConfig(), securebus.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	initialized := &recorder{}
	b.On(securebus.EventInitialized, initialized)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Initialize(context.Background()))
		}()
	}
	wg.Wait()

	assert.True(t, b.IsReady())
	assert.Equal(t, 1, initialized.Len(), "bootstrap runs once")
	payload := initialized.All()[0].PayloadMap()
	assert.Equal(t, "securebus", payload["source"])
}

func TestPendingSubscriptionsBindOnInitialize(t *testing.T) {
	ctx := context.Background()
	b, err := securebus.New(securebus.DefaultConfig(), securebus.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	kept := &recorder{}
	cancelled := &recorder{}
	b.On("sales.order.created", kept)
	unsub := b.On("sales.order.created", cancelled)
	unsub()
	unsub()

	assert.False(t, b.IsReady())
	assert.Equal(t, 0, b.Subscriptions(), "pending subscriptions are not bound yet")
	select {
	case <-b.Ready():
		t.Fatal("Ready closed before Initialize")
	default:
	}

	require.NoError(t, b.Initialize(ctx))
	select {
	case <-b.Ready():
	default:
		t.Fatal("Ready not closed after Initialize")
	}
	assert.Equal(t, 1, b.Subscriptions())

	require.NoError(t, b.Emit(ctx, "sales.order.created", map[string]any{"id": 1}))
	assert.Equal(t, 1, kept.Len())
	assert.Equal(t, 0, cancelled.Len())
}

func TestWildcardDelivery(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, nil)

	subs := map[string]*recorder{}
	for _, p := range []string{"sales.*", "sales.**", "sales.order.*", "*", "**", "inventory.*"} {
		subs[p] = &recorder{}
		b.On(p, subs[p])
	}

	require.NoError(t, b.Emit(ctx, "sales.order.created", map[string]any{"id": 7}))

	assert.Equal(t, 0, subs["sales.*"].Len())
	assert.Equal(t, 1, subs["sales.**"].Len())
	assert.Equal(t, 1, subs["sales.order.*"].Len())
	assert.Equal(t, 1, subs["*"].Len())
	assert.Equal(t, 1, subs["**"].Len())
	assert.Equal(t, 0, subs["inventory.*"].Len())
}

func TestSubscribeValidation(t *testing.T) {
	b := newBus(t, nil)

	_, err := b.Subscribe("sales..order", noop)
	assert.ErrorIs(t, err, securebus.ErrInvalidPattern)

	_, err = b.Subscribe("sales.order", nil)
	assert.ErrorIs(t, err, securebus.ErrHandler)

	_, err = b.Subscribe("sales.order", noop, securebus.WithFilterExpr("amount > 100 and"))
	assert.Error(t, err)

	unsub := b.On("bad pattern!", noop)
	assert.NotNil(t, unsub)
	unsub()
	assert.Equal(t, 0, b.Subscriptions())
}

func TestOnceAndOff(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, nil)

	once := &recorder{}
	b.Once("cache.entry.evicted", once)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Emit(ctx, "cache.entry.evicted", map[string]any{"key": i}))
	}
	assert.Equal(t, 1, once.Len())
	assert.Equal(t, 0, b.Subscriptions())

	b.On("cache.entry.*", noop)
	b.On("cache.entry.*", noop)
	exact := &recorder{}
	b.On("cache.entry.evicted", exact)

	assert.Equal(t, 2, b.Off("cache.entry.*"))
	assert.Equal(t, 0, b.Off("cache.entry.*"))
	assert.Equal(t, 1, b.Subscriptions())

	require.NoError(t, b.Emit(ctx, "cache.entry.evicted", map[string]any{"key": "z"}))
	assert.Equal(t, 1, exact.Len())
}

func TestFilters(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, nil)

	large := &recorder{}
	euro := &recorder{}
	b.On("payment.*", large, securebus.WithFilterExpr("amount > 100 and currency == 'EUR'"))
	b.On("payment.*", euro, securebus.WithFilter(func(e *event.Event) bool {
		return e.PayloadMap()["currency"] == "EUR"
	}))

	for _, p := range []map[string]any{
		{"amount": 50, "currency": "EUR"},
		{"amount": 500, "currency": "EUR"},
		{"amount": 500, "currency": "USD"},
	} {
		require.NoError(t, b.Emit(ctx, "payment.captured", p))
	}

	assert.Equal(t, 1, large.Len())
	assert.Equal(t, 2, euro.Len())
}

func TestWaitFor(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, nil)

	type result struct {
		evt *event.Event
		err error
	}
	done := make(chan result, 1)
	go func() {
		evt, err := b.WaitFor(ctx, "job.export.*", 2*time.Second, func(e *event.Event) bool {
			return e.PayloadMap()["job"] == "b"
		})
		done <- result{evt, err}
	}()
	require.Eventually(t, func() bool { return b.Subscriptions() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, b.Emit(ctx, "job.export.finished", map[string]any{"job": "a"}))
	require.NoError(t, b.Emit(ctx, "job.export.finished", map[string]any{"job": "b"}))

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, "b", r.evt.PayloadMap()["job"])
	assert.Equal(t, 0, b.Subscriptions(), "WaitFor unsubscribes")

	_, err := b.WaitFor(ctx, "job.never.*", 20*time.Millisecond, nil)
	assert.ErrorIs(t, err, securebus.ErrWaitTimeout)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = b.WaitFor(cctx, "job.never.*", time.Second, nil)
	assert.ErrorIs(t, err, securebus.ErrWaitTimeout)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGracefulShutdown(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, nil)

	shutdown := &recorder{}
	b.On(securebus.EventShutdown, shutdown)

	require.NoError(t, b.GracefulShutdown(ctx, time.Second))
	require.NoError(t, b.GracefulShutdown(ctx, time.Second), "second call returns the first result")
	assert.Equal(t, 1, shutdown.Len())
	assert.Equal(t, 0, b.Subscriptions())

	err := b.Emit(ctx, "sales.order.created", map[string]any{"id": 1})
	assert.ErrorIs(t, err, securebus.ErrBusClosed)

	_, err = b.Subscribe("sales.order.created", noop)
	assert.ErrorIs(t, err, securebus.ErrBusClosed)
}

func TestGracefulShutdownTimeoutCancelsInFlight(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, func(c *securebus.Config) {
		c.Processor.DefaultTimeout = 10 * time.Second
	})

	started := make(chan struct{})
	var cancelled atomic.Bool
	b.On("report.export.requested", event.HandlerFunc(func(ctx context.Context, _ *event.Event) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}))

	emitted := make(chan error, 1)
	go func() {
		emitted <- b.Emit(ctx, "report.export.requested", map[string]any{"id": 1})
	}()
	<-started
	assert.Equal(t, 1, b.QueueSize())

	err := b.GracefulShutdown(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, securebus.ErrGracefulShutdownTimeout)

	select {
	case <-emitted:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight emit was not cancelled")
	}
	assert.Eventually(t, cancelled.Load, time.Second, time.Millisecond)
	assert.Equal(t, 0, b.Subscriptions(), "teardown completes after a timeout")
}

func TestEmitBeforeInitializeBindsPendingSubscriptions(t *testing.T) {
	ctx := context.Background()
	b, err := securebus.New(securebus.DefaultConfig(), securebus.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	rec := &recorder{}
	b.On("sales.order.created", rec)
	initialized := &recorder{}
	b.On(securebus.EventInitialized, initialized)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Emit(ctx, "sales.order.created", map[string]any{"id": i}))
		}()
	}
	wg.Wait()

	assert.True(t, b.IsReady())
	assert.Equal(t, 4, rec.Len(), "early emits reach pending subscribers")
	assert.Equal(t, 1, initialized.Len())
	require.NoError(t, b.Initialize(ctx))
	assert.Equal(t, 1, initialized.Len())
}

func TestInitializedHandlerCanEmit(t *testing.T) {
	ctx := context.Background()
	b, err := securebus.New(securebus.DefaultConfig(), securebus.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	warmed := &recorder{}
	b.On("cache.warmup.started", warmed)
	b.On(securebus.EventInitialized, event.HandlerFunc(func(ctx context.Context, _ *event.Event) error {
		return b.Emit(ctx, "cache.warmup.started", map[string]any{"keys": 0})
	}))

	done := make(chan error, 1)
	go func() { done <- b.Initialize(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Initialize blocked on a handler that emits")
	}
	assert.Equal(t, 1, warmed.Len())
}
