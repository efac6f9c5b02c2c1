package securebus

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/securebus/pkg/securebus/event"
	"github.com/randalmurphal/securebus/pkg/securebus/eventlog"
	"github.com/randalmurphal/securebus/pkg/securebus/observability"
	"github.com/randalmurphal/securebus/pkg/securebus/offline"
	"github.com/randalmurphal/securebus/pkg/securebus/subscription"
)

// Option configures a Bus at construction.
type Option func(*Bus)

// WithLogger sets the logger. Components without their own logger use it.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithEventLog enables write-through persistence and Replay.
func WithEventLog(log eventlog.Log) Option {
	return func(b *Bus) {
		b.log = log
	}
}

// WithOfflineQueue enables WithOfflineSync on emits.
func WithOfflineQueue(q offline.Queue) Option {
	return func(b *Bus) {
		b.offline = q
	}
}

// WithDeadLetterQueue records failed handler invocations.
func WithDeadLetterQueue(dlq event.DeadLetterQueue) Option {
	return func(b *Bus) {
		b.dlq = dlq
	}
}

// WithMetrics records emit and handler metrics.
//
// Example:
//
//	bus, err := securebus.New(cfg,
//	    securebus.WithMetrics(observability.NewMetricsRecorder(provider)),
//	)
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(b *Bus) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithTracing creates spans around emits and handler executions.
func WithTracing(s observability.SpanManager) Option {
	return func(b *Bus) {
		if s != nil {
			b.spans = s
		}
	}
}

// emitConfig holds per-emit settings.
type emitConfig struct {
	persistent    bool
	priority      event.Priority
	correlationID string
	causationID   string
	userID        string
	clientIP      string
	userAgent     string
	geo           string
	traceID       string
	dedupWindow   time.Duration
	dedupSet      bool
	retryPolicy   *event.RetryPolicy
	source        string
	offlineSync   bool
}

// EmitOption configures a single Emit.
type EmitOption func(*emitConfig)

// WithPersistent appends the event to the event log before dispatch.
func WithPersistent() EmitOption {
	return func(c *emitConfig) {
		c.persistent = true
	}
}

// WithPriority sets the event priority.
// Default: event.PriorityNormal
func WithPriority(p event.Priority) EmitOption {
	return func(c *emitConfig) {
		c.priority = p
	}
}

// WithCorrelationID groups the event with related events.
// Default: the event's own ID
func WithCorrelationID(id string) EmitOption {
	return func(c *emitConfig) {
		c.correlationID = id
	}
}

// WithCausationID names the event that caused this one.
func WithCausationID(id string) EmitOption {
	return func(c *emitConfig) {
		c.causationID = id
	}
}

// WithUserID attributes the event to a user. The user has its own rate limit.
func WithUserID(id string) EmitOption {
	return func(c *emitConfig) {
		c.userID = id
	}
}

// WithClientIP attributes the event to a client address for rate limiting.
func WithClientIP(ip string) EmitOption {
	return func(c *emitConfig) {
		c.clientIP = ip
	}
}

// WithUserAgent passes the client user agent to suspicion scoring.
func WithUserAgent(ua string) EmitOption {
	return func(c *emitConfig) {
		c.userAgent = ua
	}
}

// WithGeo passes the client's geographic code to suspicion scoring.
func WithGeo(geo string) EmitOption {
	return func(c *emitConfig) {
		c.geo = geo
	}
}

// WithTraceID overrides the trace ID taken from the active span.
func WithTraceID(id string) EmitOption {
	return func(c *emitConfig) {
		c.traceID = id
	}
}

// WithDeduplicationWindow overrides the dedup window for this emit.
// Zero disables the duplicate check.
func WithDeduplicationWindow(d time.Duration) EmitOption {
	return func(c *emitConfig) {
		c.dedupWindow = d
		c.dedupSet = true
	}
}

// WithRetryPolicy attaches advisory retry information for persistent consumers.
func WithRetryPolicy(maxAttempts int, backoff time.Duration) EmitOption {
	return func(c *emitConfig) {
		c.retryPolicy = &event.RetryPolicy{MaxAttempts: maxAttempts, Backoff: backoff}
	}
}

// WithSource overrides Config.Source. Deduplication windows are kept per source.
func WithSource(source string) EmitOption {
	return func(c *emitConfig) {
		c.source = source
	}
}

// WithOfflineSync enqueues the event on the offline queue after dispatch.
func WithOfflineSync() EmitOption {
	return func(c *emitConfig) {
		c.offlineSync = true
	}
}

// subscribeConfig holds per-subscription settings.
type subscribeConfig struct {
	moduleID   string
	priority   event.Priority
	persistent bool
	filter     subscription.Filter
	filterExpr string
	timeout    time.Duration
	once       bool
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeConfig)

// WithModule attributes the subscription to a registered module, so its
// executions count toward the module's health.
func WithModule(id string) SubscribeOption {
	return func(c *subscribeConfig) {
		c.moduleID = id
	}
}

// WithSubscriptionPriority orders the handler among those matching an event.
// Default: event.PriorityNormal
func WithSubscriptionPriority(p event.Priority) SubscribeOption {
	return func(c *subscribeConfig) {
		c.priority = p
	}
}

// WithSubscriptionPersistent marks the subscription as durable.
func WithSubscriptionPersistent() SubscribeOption {
	return func(c *subscribeConfig) {
		c.persistent = true
	}
}

// WithFilter delivers only events for which fn returns true.
func WithFilter(fn func(*event.Event) bool) SubscribeOption {
	return func(c *subscribeConfig) {
		c.filter = fn
	}
}

// WithFilterExpr delivers only events whose payload satisfies expr.
//
// Example:
//
//	bus.On("payment.*", h, securebus.WithFilterExpr("amount > 100 and currency == 'EUR'"))
func WithFilterExpr(expr string) SubscribeOption {
	return func(c *subscribeConfig) {
		c.filterExpr = expr
	}
}

// WithTimeout sets the handler timeout. It is capped by Processor.MaxTimeout.
// Default: Processor.DefaultTimeout
func WithTimeout(d time.Duration) SubscribeOption {
	return func(c *subscribeConfig) {
		c.timeout = d
	}
}
