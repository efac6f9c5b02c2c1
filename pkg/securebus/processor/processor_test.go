package processor_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	buserrors "github.com/randalmurphal/securebus/pkg/securebus/errors"
	"github.com/randalmurphal/securebus/pkg/securebus/event"
	"github.com/randalmurphal/securebus/pkg/securebus/processor"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testEvent() *event.Event {
	return event.New("sales.order.created", "test", map[string]any{"id": "o1"})
}

func TestSuccess(t *testing.T) {
	p := processor.New(processor.Config{})
	var got *event.Event
	h := event.HandlerFunc(func(_ context.Context, evt *event.Event) error {
		got = evt
		return nil
	})

	evt := testEvent()
	res := p.ExecuteHandler(context.Background(), h, evt, "sub-1", 0)
	assert.True(t, res.Success)
	assert.NoError(t, res.Err)
	assert.Same(t, evt, got)
	assert.Equal(t, processor.StateClosed, p.State("sub-1"))
}

func TestFailureIsWrapped(t *testing.T) {
	p := processor.New(processor.Config{})
	boom := errors.New("boom")
	res := p.ExecuteHandler(context.Background(), event.HandlerFunc(func(context.Context, *event.Event) error {
		return boom
	}), testEvent(), "sub-1", 0)

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, boom)
	assert.ErrorIs(t, res.Err, buserrors.ErrHandler)
}

func TestTimeout(t *testing.T) {
	p := processor.New(processor.Config{})
	cancelled := make(chan struct{})
	h := event.HandlerFunc(func(ctx context.Context, _ *event.Event) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})

	res := p.ExecuteHandler(context.Background(), h, testEvent(), "sub-1", 20*time.Millisecond)
	assert.True(t, res.TimedOut)
	assert.ErrorIs(t, res.Err, buserrors.ErrHandlerTimeout)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("handler context was not cancelled")
	}
	assert.Equal(t, int64(1), p.Stats().Timeouts)
}

func TestTimeoutIsCapped(t *testing.T) {
	p := processor.New(processor.Config{DefaultTimeout: time.Second, MaxTimeout: 2 * time.Second})
	assert.Equal(t, time.Second, p.EffectiveTimeout(0))
	assert.Equal(t, 500*time.Millisecond, p.EffectiveTimeout(500*time.Millisecond))
	assert.Equal(t, 2*time.Second, p.EffectiveTimeout(time.Hour))
}

func TestPanicRecovered(t *testing.T) {
	p := processor.New(processor.Config{})
	res := p.ExecuteHandler(context.Background(), event.HandlerFunc(func(context.Context, *event.Event) error {
		panic("kaboom")
	}), testEvent(), "sub-1", 0)

	assert.False(t, res.Success)
	assert.True(t, res.Panicked)
	var pe *processor.PanicError
	require.ErrorAs(t, res.Err, &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
}

func TestCircuitBreaker(t *testing.T) {
	const k = 3
	var transitions []string
	p := processor.New(processor.Config{
		FailureThreshold: k,
		Cooldown:         time.Minute,
		OnStateChange: func(_ string, from, to processor.State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	p.SetClock(clock.Now)

	var calls atomic.Int32
	fail := true
	h := event.HandlerFunc(func(context.Context, *event.Event) error {
		calls.Add(1)
		if fail {
			return errors.New("down")
		}
		return nil
	})
	ctx := context.Background()

	for i := 0; i < k; i++ {
		res := p.ExecuteHandler(ctx, h, testEvent(), "sub-1", 0)
		require.False(t, res.CircuitBreakerTriggered)
	}
	assert.Equal(t, int32(k), calls.Load())
	assert.Equal(t, processor.StateOpen, p.State("sub-1"))

	// K+1th call short-circuits without invoking the handler
	res := p.ExecuteHandler(ctx, h, testEvent(), "sub-1", 0)
	assert.True(t, res.CircuitBreakerTriggered)
	assert.ErrorIs(t, res.Err, buserrors.ErrCircuitBreakerOpen)
	assert.Equal(t, int32(k), calls.Load())

	// Other subscriptions are independent
	assert.True(t, p.ExecuteHandler(ctx, event.HandlerFunc(func(context.Context, *event.Event) error { return nil }), testEvent(), "sub-2", 0).Success)

	// After cooldown one trial call runs; it fails and reopens the breaker
	clock.Advance(time.Minute)
	res = p.ExecuteHandler(ctx, h, testEvent(), "sub-1", 0)
	assert.False(t, res.CircuitBreakerTriggered)
	assert.Equal(t, int32(k+1), calls.Load())
	assert.Equal(t, processor.StateOpen, p.State("sub-1"))

	res = p.ExecuteHandler(ctx, h, testEvent(), "sub-1", 0)
	assert.True(t, res.CircuitBreakerTriggered)

	// Next trial succeeds and closes the breaker
	clock.Advance(time.Minute)
	fail = false
	res = p.ExecuteHandler(ctx, h, testEvent(), "sub-1", 0)
	assert.True(t, res.Success)
	assert.Equal(t, processor.StateClosed, p.State("sub-1"))

	assert.Equal(t, []string{
		"closed->open",
		"open->half-open",
		"half-open->open",
		"open->half-open",
		"half-open->closed",
	}, transitions)
	assert.Equal(t, int64(2), p.Stats().ShortCircuits)
}

func TestHalfOpenAdmitsExactlyOneTrial(t *testing.T) {
	p := processor.New(processor.Config{FailureThreshold: 1, Cooldown: time.Minute})
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	p.SetClock(clock.Now)
	ctx := context.Background()

	p.ExecuteHandler(ctx, event.HandlerFunc(func(context.Context, *event.Event) error {
		return errors.New("down")
	}), testEvent(), "sub-1", 0)
	require.Equal(t, processor.StateOpen, p.State("sub-1"))
	clock.Advance(time.Minute)

	release := make(chan struct{})
	started := make(chan struct{})
	slow := event.HandlerFunc(func(context.Context, *event.Event) error {
		close(started)
		<-release
		return nil
	})

	done := make(chan processor.Result, 1)
	go func() { done <- p.ExecuteHandler(ctx, slow, testEvent(), "sub-1", time.Second) }()
	<-started

	var extra atomic.Int32
	concurrent := p.ExecuteHandler(ctx, event.HandlerFunc(func(context.Context, *event.Event) error {
		extra.Add(1)
		return nil
	}), testEvent(), "sub-1", 0)
	assert.True(t, concurrent.CircuitBreakerTriggered)
	assert.Equal(t, int32(0), extra.Load())

	close(release)
	assert.True(t, (<-done).Success)
	assert.Equal(t, processor.StateClosed, p.State("sub-1"))
}

func TestRemoveAndReset(t *testing.T) {
	p := processor.New(processor.Config{FailureThreshold: 1})
	failing := event.HandlerFunc(func(context.Context, *event.Event) error { return errors.New("x") })
	p.ExecuteHandler(context.Background(), failing, testEvent(), "a", 0)
	p.ExecuteHandler(context.Background(), failing, testEvent(), "b", 0)
	assert.Equal(t, 2, p.Stats().OpenBreakers)

	p.Remove("a")
	assert.Equal(t, processor.StateClosed, p.State("a"))
	p.Reset()
	assert.Equal(t, 0, p.Stats().Breakers)
}
