package securebus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/securebus/pkg/securebus/dedup"
	buserrors "github.com/randalmurphal/securebus/pkg/securebus/errors"
	"github.com/randalmurphal/securebus/pkg/securebus/event"
	"github.com/randalmurphal/securebus/pkg/securebus/eventlog"
	"github.com/randalmurphal/securebus/pkg/securebus/observability"
	"github.com/randalmurphal/securebus/pkg/securebus/offline"
	"github.com/randalmurphal/securebus/pkg/securebus/pattern"
	"github.com/randalmurphal/securebus/pkg/securebus/ratelimit"
	"github.com/randalmurphal/securebus/pkg/securebus/sanitize"
)

// Emit publishes payload on a concrete pattern. It returns after every
// matching handler has finished. A rejected emit returns a *BusError; a
// suppressed duplicate returns nil without dispatching. An Emit before
// Initialize runs the bootstrap first, so pending subscriptions see it.
//
// Example:
//
//	err := bus.Emit(ctx, "sales.order.created", order,
//	    securebus.WithPersistent(),
//	    securebus.WithClientIP(r.RemoteAddr),
//	)
//	if errors.Is(err, securebus.ErrRateLimitExceeded) {
//	    http.Error(w, "slow down", http.StatusTooManyRequests)
//	}
func (b *Bus) Emit(ctx context.Context, p string, payload any, opts ...EmitOption) error {
	if err := b.awaitReady(ctx); err != nil {
		return err
	}
	ec := emitConfig{
		priority: event.PriorityNormal,
		source:   b.cfg.Source,
	}
	for _, opt := range opts {
		opt(&ec)
	}
	if ec.source == "" {
		ec.source = b.cfg.Source
	}
	return b.emit(ctx, p, payload, ec)
}

func (b *Bus) emitInternal(ctx context.Context, p string, payload map[string]any) error {
	return b.emit(context.WithoutCancel(ctx), p, payload, emitConfig{
		priority: event.PriorityHigh,
		source:   b.cfg.Source,
	})
}

func (b *Bus) emit(ctx context.Context, p string, payload any, ec emitConfig) error {
	start := time.Now()
	_, parentSpanID := observability.SpanIDs(ctx)

	ctx, span := b.spans.StartEmitSpan(ctx, p)
	outcome, err := b.pipeline(ctx, p, payload, ec, parentSpanID)
	b.spans.EndSpanWithError(span, err)

	elapsed := time.Since(start)
	b.metrics.RecordEmit(ctx, p, outcome, elapsed)
	if err != nil {
		b.emitFailed(ctx, p, ec, err)
		return err
	}
	if outcome == observability.OutcomeDispatched {
		b.totalEvents.Add(1)
		b.latencyNanos.Add(int64(elapsed))
		b.byPattern.Inc(p)
	}
	return nil
}

// pipeline runs the emit stages in order and stops at the first rejection.
func (b *Bus) pipeline(ctx context.Context, p string, payload any, ec emitConfig, parentSpanID string) (string, error) {
	if b.closing.Load() {
		return observability.OutcomeRejected, buserrors.New(buserrors.KindBusClosed, p, "bus is shut down")
	}
	internal := isInternal(p)

	if err := b.patterns.Validate(p); err != nil {
		return observability.OutcomeRejected, err
	}
	if !pattern.IsConcrete(p) {
		return observability.OutcomeRejected, buserrors.New(buserrors.KindInvalidPattern, p,
			"emitted patterns cannot contain wildcards")
	}

	if !internal && !b.cfg.TestMode {
		d := b.limiter.Check(ctx, ratelimit.Request{
			Pattern:   p,
			ClientIP:  ec.clientIP,
			UserID:    ec.userID,
			UserAgent: ec.userAgent,
			Geo:       ec.geo,
		})
		if !d.Allowed {
			b.recordRejection(ctx, d.Reason)
			return observability.OutcomeRejected, buserrors.New(buserrors.KindRateLimitExceeded, p, d.Reason)
		}
	}

	normalized, err := event.NormalizePayload(payload)
	if err != nil {
		b.recordRejection(ctx, "unserializable_payload")
		return observability.OutcomeRejected, buserrors.Wrap(buserrors.KindPayloadBlocked, p, err,
			"payload is not JSON-serializable")
	}
	evt := b.buildEvent(ctx, p, normalized, ec, parentSpanID)

	ctx, done, err := b.track(ctx, p, evt.ID)
	if err != nil {
		return observability.OutcomeRejected, err
	}
	defer done()

	res := b.sanitizer.ValidateAndSanitize(evt)
	if res.Blocked {
		b.blockedPayloads.Add(1)
		b.recordRejection(ctx, "payload_blocked")
		return observability.OutcomeRejected, buserrors.New(buserrors.KindPayloadBlocked, p,
			describeViolations(res.Violations))
	}
	if len(res.Violations) > 0 {
		b.sanitizedEvents.Add(1)
		b.logger.Warn("payload sanitized",
			slog.String("pattern", p),
			slog.String("event_id", evt.ID),
			slog.String("violations", describeViolations(res.Violations)),
		)
	}
	evt.Payload = res.SanitizedPayload
	meta := b.dedup.GenerateMetadata(dedup.Input{Pattern: p, Payload: evt.Payload, Source: evt.Source})
	evt.Metadata.Deduplication = meta

	if b.crypto.ShouldEncrypt(p) {
		enc, err := b.crypto.EncryptPayload(ctx, evt.Payload, p)
		switch {
		case err == nil:
			evt.Payload = enc
			evt.Metadata.Encrypted = true
		case b.cfg.Encryption.FailClosed:
			return observability.OutcomeError, buserrors.Wrap(buserrors.KindEncryptionFailed, p, err,
				"payload could not be encrypted")
		default:
			observability.LogCryptoFailure(b.logger, "encryption", p, err)
		}
	}

	if !internal {
		window := b.dedup.Window()
		if ec.dedupSet {
			window = ec.dedupWindow
		}
		if r := b.dedup.IsDuplicateWithin(evt, meta, window); r.IsDupe {
			b.duplicates.Add(1)
			observability.LogDuplicate(b.logger, evt, r.Reason)
			return observability.OutcomeDuplicate, nil
		}
		b.dedup.Store(meta)
	}

	persisted := false
	if evt.Metadata.Persistent && b.log != nil {
		if err := b.persist(ctx, evt); err != nil {
			// Undelivered, so a retry by the caller must not count as a duplicate.
			if !internal {
				b.dedup.Forget(meta)
			}
			return observability.OutcomeError, err
		}
		persisted = true
	}

	n := b.dispatch(ctx, evt)
	observability.LogEmit(b.logger, evt, n)
	if persisted {
		if err := b.log.MarkProcessed(ctx, evt.ID); err != nil {
			observability.LogPersistenceError(b.logger, "mark processed", evt, err)
		}
	}

	if ec.offlineSync && b.offline != nil {
		op := offline.Operation{
			ID:       evt.ID,
			Type:     offline.OpEvent,
			Entity:   p,
			Data:     evt,
			Priority: evt.Metadata.Priority,
			QueuedAt: time.Now(),
		}
		if err := b.offline.QueueOperation(ctx, op); err != nil {
			return observability.OutcomeError, buserrors.Wrap(buserrors.KindPersistence, p, err,
				"offline sync enqueue failed")
		}
	}
	return observability.OutcomeDispatched, nil
}

func (b *Bus) buildEvent(ctx context.Context, p string, payload any, ec emitConfig, parentSpanID string) *event.Event {
	evt := event.New(p, ec.source, payload,
		event.WithCorrelationID(ec.correlationID),
		event.WithCausationID(ec.causationID),
		event.WithUserID(ec.userID),
	)
	evt.Metadata.Priority = ec.priority
	evt.Metadata.Persistent = ec.persistent
	evt.Metadata.RetryPolicy = ec.retryPolicy

	traceID, spanID := observability.SpanIDs(ctx)
	if ec.traceID != "" {
		traceID = ec.traceID
	}
	if traceID == "" {
		traceID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	evt.Metadata.Tracing = event.TracingMetadata{
		TraceID:      traceID,
		SpanID:       spanID,
		ParentSpanID: parentSpanID,
	}
	return evt
}

func (b *Bus) persist(ctx context.Context, evt *event.Event) error {
	retry := b.cfg.Retry
	if retry.RetryableFunc == nil {
		retry.RetryableFunc = buserrors.RetryUnless(eventlog.ErrClosed)
	}
	attempts, err := buserrors.Retry(ctx, retry, func(ctx context.Context) error {
		return b.log.Append(ctx, evt)
	})
	if err != nil {
		observability.LogPersistenceError(b.logger, "append", evt, err)
		return buserrors.Wrap(buserrors.KindPersistence, evt.Pattern, err,
			fmt.Sprintf("append failed after %d attempt(s)", attempts))
	}
	return nil
}

// emitFailed counts a rejected emit and publishes it on EventError.
func (b *Bus) emitFailed(ctx context.Context, p string, ec emitConfig, err error) {
	b.emitFailures.Add(1)
	kind := buserrors.KindOf(err)
	switch kind {
	case buserrors.KindBusClosed:
		return
	case buserrors.KindRateLimitExceeded, buserrors.KindPayloadBlocked, buserrors.KindInvalidPattern:
		observability.LogRejected(b.logger, p, ec.clientIP, err)
	default:
		b.logger.Error("emit failed",
			slog.String("pattern", p),
			slog.String("error", err.Error()),
		)
	}
	if isErrorPattern(p) {
		return
	}
	if perr := b.emitInternal(ctx, EventError, map[string]any{
		"pattern":   p,
		"kind":      kind.String(),
		"error":     redact(err.Error()),
		"client_ip": ec.clientIP,
	}); perr != nil {
		b.logger.Debug("error event not published", slog.String("error", perr.Error()))
	}
}

func (b *Bus) recordRejection(ctx context.Context, reason string) {
	b.rejectionsByKind.Inc(reason)
	b.metrics.RecordRejection(ctx, reason)
}

func describeViolations(vs []sanitize.Violation) string {
	parts := make([]string, 0, len(vs))
	for _, v := range vs {
		parts = append(parts, v.String())
	}
	return strings.Join(parts, "; ")
}
