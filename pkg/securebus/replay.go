package securebus

import (
	"context"
	"log/slog"
	"time"

	buserrors "github.com/randalmurphal/securebus/pkg/securebus/errors"
	"github.com/randalmurphal/securebus/pkg/securebus/observability"
)

// Replay re-dispatches persisted events matching p with from <= Timestamp < to,
// oldest first. A zero from or to leaves that side open. Replayed events
// carry Metadata.Replayed and skip rate limiting, sanitization, deduplication
// and persistence. It returns how many events were dispatched.
func (b *Bus) Replay(ctx context.Context, p string, from, to time.Time) (int, error) {
	if b.log == nil {
		return 0, buserrors.New(buserrors.KindPersistence, p, "no event log configured")
	}
	if err := b.awaitReady(ctx); err != nil {
		return 0, err
	}
	if err := b.patterns.Validate(p); err != nil {
		return 0, err
	}

	events, err := b.log.Events(ctx, p, from, to)
	if err != nil {
		return 0, buserrors.Wrap(buserrors.KindPersistence, p, err, "read event log")
	}

	n := 0
	for _, evt := range events {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		evt.Metadata.Replayed = true

		rctx, done, err := b.track(ctx, evt.Pattern, "replay:"+evt.ID)
		if err != nil {
			return n, err
		}
		handlers := b.dispatch(rctx, evt)
		done()

		if err := b.log.MarkProcessed(ctx, evt.ID); err != nil {
			observability.LogPersistenceError(b.logger, "mark processed", evt, err)
		}
		b.logger.Debug("event replayed",
			slog.String("pattern", evt.Pattern),
			slog.String("event_id", evt.ID),
			slog.Int("subscribers", handlers),
		)
		n++
	}
	return n, nil
}
