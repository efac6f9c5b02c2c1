// Package observability provides structured logging, OpenTelemetry metrics
// and tracing, and Prometheus export for the bus.
//
// Every helper is nil-safe: a nil *slog.Logger logs nothing, and the Noop
// recorder and span manager stand in when metrics or tracing are disabled.
package observability

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/securebus/pkg/securebus/event"
)

// EnrichLogger adds event context to a logger.
func EnrichLogger(logger *slog.Logger, evt *event.Event) *slog.Logger {
	if logger == nil || evt == nil {
		return logger
	}
	return logger.With(
		slog.String("pattern", evt.Pattern),
		slog.String("event_id", evt.ID),
		slog.String("correlation_id", evt.CorrelationID),
	)
}

// LogEmit logs an accepted event at debug level.
func LogEmit(logger *slog.Logger, evt *event.Event, subscribers int) {
	if logger == nil {
		return
	}
	logger.Debug("event emitted",
		slog.String("pattern", evt.Pattern),
		slog.String("event_id", evt.ID),
		slog.String("source", evt.Source),
		slog.Int("subscribers", subscribers),
	)
}

// LogRejected logs an emit rejected before dispatch.
func LogRejected(logger *slog.Logger, pattern, clientIP string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("event rejected",
		slog.String("pattern", pattern),
		slog.String("client_ip", clientIP),
		slog.String("error", err.Error()),
	)
}

// LogDuplicate logs a suppressed duplicate.
func LogDuplicate(logger *slog.Logger, evt *event.Event, reason string) {
	if logger == nil {
		return
	}
	logger.Debug("duplicate event dropped",
		slog.String("pattern", evt.Pattern),
		slog.String("event_id", evt.ID),
		slog.String("reason", reason),
	)
}

// LogHandlerError logs a failed handler invocation.
func LogHandlerError(logger *slog.Logger, evt *event.Event, subscriptionID, moduleID string, err error, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Warn("handler failed",
		slog.String("pattern", evt.Pattern),
		slog.String("event_id", evt.ID),
		slog.String("subscription_id", subscriptionID),
		slog.String("module_id", moduleID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogCryptoFailure logs an encryption or decryption failure (non-fatal).
func LogCryptoFailure(logger *slog.Logger, op, pattern string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("payload "+op+" failed",
		slog.String("pattern", pattern),
		slog.String("error", err.Error()),
	)
}

// LogPersistenceError logs a failed event log operation.
func LogPersistenceError(logger *slog.Logger, op string, evt *event.Event, err error) {
	if logger == nil {
		return
	}
	logger.Error("event log "+op+" failed",
		slog.String("pattern", evt.Pattern),
		slog.String("event_id", evt.ID),
		slog.String("error", err.Error()),
	)
}

// TimedOperation returns a function reporting milliseconds elapsed since the call.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
