/*
Package securebus provides an embeddable publish/subscribe event bus with a
security pipeline in front of every dispatch.

# Overview

Events are addressed by dot-separated patterns such as "sales.order.created".
Subscribers listen on patterns that may contain wildcards: "*" matches exactly
one segment and "**" matches any number of segments. Every emitted event passes
through a fixed pipeline before any handler sees it:

  - pattern validation
  - rate limiting per client IP, user and pattern
  - payload sanitization (XSS, injection, markup, dangerous URLs, size limits)
  - encryption of sensitive patterns
  - duplicate suppression
  - optional write-through persistence

Handlers run concurrently under a per-invocation timeout and a per-subscription
circuit breaker. A failing handler never affects its siblings.

# Basic Usage

	bus, err := securebus.New(securebus.DefaultConfig())
	if err != nil {
	    log.Fatal(err)
	}
	defer bus.Close()

	bus.On("sales.order.*", event.HandlerFunc(func(ctx context.Context, evt *event.Event) error {
	    fmt.Println("order event:", evt.Pattern)
	    return nil
	}))

	if err := bus.Initialize(ctx); err != nil {
	    log.Fatal(err)
	}

	err = bus.Emit(ctx, "sales.order.created", map[string]any{"id": 42},
	    securebus.WithPriority(event.PriorityHigh),
	    securebus.WithClientIP("203.0.113.7"),
	)

Subscriptions registered before Initialize are held as pending and bound once
the bus is ready.

# Typed Handlers

Payloads are normalized into JSON trees. Use event.TypedHandler to receive a
typed value:

	type Order struct {
	    ID     int     `json:"id"`
	    Amount float64 `json:"amount"`
	}

	bus.On("sales.order.created", event.TypedHandler(func(ctx context.Context, o Order, evt *event.Event) error {
	    return process(o)
	}))

# Filters

A subscription can restrict delivery with a predicate or an expression over
the payload:

	bus.On("payment.*", h, securebus.WithFilterExpr("amount > 100 and currency == 'EUR'"))

# Modules

Modules bundle subscriptions with a lifecycle. Activating a module binds its
subscriptions; deactivating unbinds them. The registry tracks a sliding window
of handler executions per module and moves it between active, degraded and
error as the error rate and latency change. Lifecycle changes are published on
"global.module.activated", "global.module.deactivated" and
"global.module.status-changed".

# Persistence and Replay

WithEventLog attaches an eventlog.Log. Events emitted with WithPersistent are
appended before dispatch and marked processed after it. Replay re-dispatches
stored events without deduplication or re-persistence.

# Internal Events

The bus publishes on the reserved "global.eventbus" namespace:

  - global.eventbus.initialized
  - global.eventbus.error (a pipeline stage rejected an emit)
  - global.eventbus.handler-error (a handler failed; the message is redacted)
  - global.eventbus.shutdown

Internal events skip rate limiting and deduplication.

# Observability

Logging uses log/slog. WithMetrics and WithTracing attach OpenTelemetry
instruments; PrometheusCollector exposes bus and security counters for
scraping.
*/
package securebus
