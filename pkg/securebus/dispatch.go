package securebus

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/securebus/pkg/securebus/event"
	"github.com/randalmurphal/securebus/pkg/securebus/observability"
	"github.com/randalmurphal/securebus/pkg/securebus/subscription"
)

// dispatch delivers evt to every matching subscription and waits for all of
// them. It returns the number of handlers started.
func (b *Bus) dispatch(ctx context.Context, evt *event.Event) int {
	matched := b.subs.Matching(evt.Pattern)
	if len(matched) == 0 {
		return 0
	}

	delivered := evt
	if evt.Metadata.Encrypted {
		plain, err := b.crypto.DecryptPayload(ctx, evt.Payload)
		if err != nil {
			observability.LogCryptoFailure(b.logger, "decryption", evt.Pattern, err)
		} else {
			delivered = evt.Clone()
			delivered.Payload = plain
		}
	}

	var g errgroup.Group
	if b.cfg.MaxConcurrentHandlers > 0 {
		g.SetLimit(b.cfg.MaxConcurrentHandlers)
	}

	started := 0
	for _, sub := range matched {
		if !b.accepts(sub, delivered) {
			continue
		}
		// Matching returned a snapshot; skip subscriptions removed since.
		if sub.Once {
			if !b.subs.Remove(sub.ID) {
				continue
			}
		} else if !b.subs.Has(sub.ID) {
			continue
		}

		if b.cfg.OnDispatch != nil {
			b.cfg.OnDispatch(delivered, sub)
		}
		started++
		g.Go(func() error {
			b.invoke(ctx, sub, delivered)
			if sub.Once {
				b.forget(sub)
			}
			return nil
		})
	}
	_ = g.Wait()
	return started
}

// accepts applies the subscription's filters.
func (b *Bus) accepts(sub subscription.Subscription, evt *event.Event) bool {
	if sub.Filter != nil && !sub.Filter(evt) {
		return false
	}
	if sub.FilterExpr != "" {
		ok, err := b.filters.EvaluatePayload(sub.FilterExpr, evt.Payload)
		if err != nil {
			b.logger.Debug("filter expression failed",
				slog.String("pattern", evt.Pattern),
				slog.String("subscription_id", sub.ID),
				slog.String("error", err.Error()),
			)
			return false
		}
		return ok
	}
	return true
}

// invoke runs one handler and accounts for its outcome.
func (b *Bus) invoke(ctx context.Context, sub subscription.Subscription, evt *event.Event) {
	hctx, span := b.spans.StartHandlerSpan(ctx, evt.Pattern, sub.ID)
	res := b.processor.ExecuteHandler(hctx, sub.Handler, evt, sub.ID, sub.Timeout)
	b.spans.EndSpanWithError(span, res.Err)

	if res.CircuitBreakerTriggered {
		b.logger.Debug("handler short-circuited",
			slog.String("pattern", evt.Pattern),
			slog.String("subscription_id", sub.ID),
		)
		return
	}
	b.subs.Touch(sub.ID, time.Now())
	b.metrics.RecordHandler(ctx, evt.Pattern, sub.ModuleID, res.ExecutionTime, res.Err)

	if sub.ModuleID != "" {
		b.byModule.Inc(sub.ModuleID)
		b.modules.RecordExecution(ctx, sub.ModuleID, res.ExecutionTime, res.Err)
	}
	if res.Err == nil {
		return
	}

	b.handlerFailures.Add(1)
	msg := redact(res.Err.Error())
	observability.LogHandlerError(b.logger, evt, sub.ID, sub.ModuleID, res.Err,
		float64(res.ExecutionTime.Microseconds())/1000)

	if b.dlq != nil {
		failed := evt.Clone()
		failed.Payload = redactPayload(evt.Payload)
		record := event.NewFailedEvent(failed, sub.ID, sub.ModuleID, msg)
		record.TimedOut = res.TimedOut
		if err := b.dlq.Enqueue(ctx, record); err != nil {
			b.logger.Warn("dead letter enqueue failed",
				slog.String("event_id", evt.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if isErrorPattern(evt.Pattern) {
		return
	}
	if err := b.emitInternal(ctx, EventHandlerError, map[string]any{
		"event_id":        evt.ID,
		"pattern":         evt.Pattern,
		"subscription_id": sub.ID,
		"module_id":       sub.ModuleID,
		"error":           msg,
		"timed_out":       res.TimedOut,
		"panicked":        res.Panicked,
	}); err != nil {
		b.logger.Debug("handler error event not published", slog.String("error", err.Error()))
	}
}
