package securebus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	buserrors "github.com/randalmurphal/securebus/pkg/securebus/errors"
	"github.com/randalmurphal/securebus/pkg/securebus/event"
	"github.com/randalmurphal/securebus/pkg/securebus/subscription"
)

// Unsubscribe removes a subscription. It is safe to call more than once and
// does not cancel an invocation already in flight.
type Unsubscribe func()

func noopUnsubscribe() {}

// Subscribe registers h for events matching p. Before Initialize completes the
// subscription is held as pending and bound once the bus is ready.
func (b *Bus) Subscribe(p string, h event.Handler, opts ...SubscribeOption) (Unsubscribe, error) {
	sc := subscribeConfig{priority: event.PriorityNormal}
	for _, opt := range opts {
		opt(&sc)
	}
	return b.subscribe(p, h, sc)
}

// On is Subscribe for callers that do not handle errors. A failed
// subscription is logged and a no-op Unsubscribe returned.
func (b *Bus) On(p string, h event.Handler, opts ...SubscribeOption) Unsubscribe {
	unsub, err := b.Subscribe(p, h, opts...)
	if err != nil {
		b.logger.Error("subscribe failed",
			slog.String("pattern", p),
			slog.String("error", err.Error()),
		)
		return noopUnsubscribe
	}
	return unsub
}

// Once subscribes h for a single delivery. The subscription removes itself
// when the first matching event is dispatched to it.
func (b *Bus) Once(p string, h event.Handler, opts ...SubscribeOption) Unsubscribe {
	sc := subscribeConfig{priority: event.PriorityNormal}
	for _, opt := range opts {
		opt(&sc)
	}
	sc.once = true
	unsub, err := b.subscribe(p, h, sc)
	if err != nil {
		b.logger.Error("subscribe failed",
			slog.String("pattern", p),
			slog.String("error", err.Error()),
		)
		return noopUnsubscribe
	}
	return unsub
}

func (b *Bus) subscribe(p string, h event.Handler, sc subscribeConfig) (Unsubscribe, error) {
	sub, err := b.newSubscription(p, h, sc)
	if err != nil {
		return nil, err
	}
	if err := b.add(sub); err != nil {
		return nil, err
	}
	if sub.ModuleID != "" {
		b.modules.TrackSubscription(sub.ModuleID, sub.ID)
	}

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(sub) })
	}, nil
}

func (b *Bus) newSubscription(p string, h event.Handler, sc subscribeConfig) (subscription.Subscription, error) {
	if err := b.patterns.Validate(p); err != nil {
		return subscription.Subscription{}, err
	}
	if h == nil {
		return subscription.Subscription{}, buserrors.New(buserrors.KindHandler, p, "handler is nil")
	}
	if sc.filterExpr != "" {
		if err := b.filters.Check(sc.filterExpr); err != nil {
			return subscription.Subscription{}, fmt.Errorf("invalid filter expression %q: %w", sc.filterExpr, err)
		}
	}
	return subscription.Subscription{
		ID:         uuid.New().String(),
		Pattern:    p,
		Handler:    h,
		ModuleID:   sc.moduleID,
		Priority:   sc.priority,
		Persistent: sc.persistent,
		Filter:     sc.filter,
		FilterExpr: sc.filterExpr,
		Timeout:    sc.timeout,
		Once:       sc.once,
		Created:    time.Now(),
	}, nil
}

// add stores sub, or queues it while the bus is not ready.
func (b *Bus) add(sub subscription.Subscription) error {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	if b.closing.Load() {
		return buserrors.New(buserrors.KindBusClosed, sub.Pattern, "bus is shut down")
	}
	if !b.isReady {
		b.pending = append(b.pending, sub)
		return nil
	}
	if _, err := b.subs.Add(sub); err != nil {
		return fmt.Errorf("subscribe %s: %w", sub.Pattern, err)
	}
	return nil
}

func (b *Bus) unsubscribe(sub subscription.Subscription) {
	b.dropPending(sub.ID)
	b.subs.Remove(sub.ID)
	b.forget(sub)
}

// forget drops per-subscription state held outside the subscription manager.
func (b *Bus) forget(sub subscription.Subscription) {
	b.processor.Remove(sub.ID)
	if sub.ModuleID != "" {
		b.modules.UntrackSubscription(sub.ModuleID, sub.ID)
	}
}

// Off removes every subscription registered with exactly pattern p,
// pending ones included, and returns how many were removed. Wildcards in p
// are not expanded.
func (b *Bus) Off(p string) int {
	var dropped []subscription.Subscription

	b.pendingMu.Lock()
	kept := b.pending[:0]
	for _, sub := range b.pending {
		if sub.Pattern == p {
			dropped = append(dropped, sub)
			continue
		}
		kept = append(kept, sub)
	}
	b.pending = kept
	b.pendingMu.Unlock()

	dropped = append(dropped, b.subs.RemovePattern(p)...)
	for _, sub := range dropped {
		b.forget(sub)
	}
	return len(dropped)
}

// WaitFor blocks until an event matching p (and filter, when not nil) is
// dispatched, ctx is done, or timeout elapses. A timeout error matches
// ErrWaitTimeout.
func (b *Bus) WaitFor(ctx context.Context, p string, timeout time.Duration, filter func(*event.Event) bool) (*event.Event, error) {
	got := make(chan *event.Event, 1)
	unsub, err := b.Subscribe(p, event.HandlerFunc(func(_ context.Context, evt *event.Event) error {
		if filter != nil && !filter(evt) {
			return nil
		}
		select {
		case got <- evt:
		default:
		}
		return nil
	}), WithSubscriptionPriority(event.PriorityCritical))
	if err != nil {
		return nil, err
	}
	defer unsub()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case evt := <-got:
		return evt, nil
	case <-timer:
		return nil, buserrors.New(buserrors.KindWaitTimeout, p,
			fmt.Sprintf("no matching event within %s", timeout))
	case <-ctx.Done():
		return nil, buserrors.Wrap(buserrors.KindWaitTimeout, p, ctx.Err(), "wait cancelled")
	}
}

// Subscriptions returns the number of bound subscriptions.
func (b *Bus) Subscriptions() int {
	return b.subs.Active()
}
