package securebus

import (
	"context"
	"runtime"
	"time"

	"github.com/randalmurphal/securebus/pkg/securebus/dedup"
	"github.com/randalmurphal/securebus/pkg/securebus/encryption"
	"github.com/randalmurphal/securebus/pkg/securebus/observability"
	"github.com/randalmurphal/securebus/pkg/securebus/pattern"
	"github.com/randalmurphal/securebus/pkg/securebus/processor"
	"github.com/randalmurphal/securebus/pkg/securebus/ratelimit"
	"github.com/randalmurphal/securebus/pkg/securebus/subscription"
)

// Metrics is a point-in-time view of bus activity.
type Metrics struct {
	Uptime              time.Duration
	TotalEvents         int64 // Dispatched emits; duplicates and rejections excluded
	EventsPerSecond     float64
	ActiveModules       int
	ActiveSubscriptions int
	QueueSize           int
	Errors              int64   // Failed emits plus failed handler invocations
	ErrorRate           float64 // Failed emits over all emit attempts
	Duplicates          int64
	AvgLatencyMs        float64 // Mean emit latency, dispatch included
	MemoryUsageMB       float64
	ByPattern           map[string]int64
	ByModule            map[string]int64 // Handler executions per module
}

// SecurityMetrics aggregates the statistics of the security components.
type SecurityMetrics struct {
	RateLimit       ratelimit.Stats
	Dedup           dedup.Stats
	Encryption      encryption.Stats
	Processor       processor.Stats
	PatternCache    pattern.CacheStats
	Subscriptions   subscription.Stats
	Rejections      map[string]int64 // Keyed by reason
	BlockedPayloads int64
	SanitizedEvents int64
	DeadLetters     int
}

// Metrics returns bus activity counters.
func (b *Bus) Metrics() Metrics {
	uptime := time.Since(b.started)
	total := b.totalEvents.Load()
	failed := b.emitFailures.Load()

	m := Metrics{
		Uptime:              uptime,
		TotalEvents:         total,
		ActiveModules:       len(b.modules.ActiveModules()),
		ActiveSubscriptions: b.subs.Active(),
		QueueSize:           b.QueueSize(),
		Errors:              failed + b.handlerFailures.Load(),
		Duplicates:          b.duplicates.Load(),
		ByPattern:           b.byPattern.Snapshot(),
		ByModule:            b.byModule.Snapshot(),
	}
	if secs := uptime.Seconds(); secs > 0 {
		m.EventsPerSecond = float64(total) / secs
	}
	if attempts := total + failed + m.Duplicates; attempts > 0 {
		m.ErrorRate = float64(failed) / float64(attempts)
	}
	if total > 0 {
		m.AvgLatencyMs = float64(b.latencyNanos.Load()) / float64(total) / float64(time.Millisecond)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.MemoryUsageMB = float64(mem.HeapAlloc) / (1 << 20)
	return m
}

// SecurityMetrics returns the statistics of every security component.
func (b *Bus) SecurityMetrics() SecurityMetrics {
	sm := SecurityMetrics{
		RateLimit:       b.limiter.Stats(),
		Dedup:           b.dedup.Stats(),
		Encryption:      b.crypto.Stats(),
		Processor:       b.processor.Stats(),
		PatternCache:    b.patterns.Stats(),
		Subscriptions:   b.subs.Stats(),
		Rejections:      b.rejectionsByKind.Snapshot(),
		BlockedPayloads: b.blockedPayloads.Load(),
		SanitizedEvents: b.sanitizedEvents.Load(),
	}
	if b.dlq != nil {
		if n, err := b.dlq.Count(context.Background()); err == nil {
			sm.DeadLetters = n
		}
	}
	return sm
}

// PrometheusCollector exposes bus and security metrics for registration
// with a prometheus.Registerer. An empty namespace defaults to "securebus".
func (b *Bus) PrometheusCollector(namespace string) *observability.PrometheusCollector {
	return observability.NewPrometheusCollector(namespace, b.snapshot)
}

func (b *Bus) snapshot() observability.Snapshot {
	m := b.Metrics()
	sm := b.SecurityMetrics()

	status := make(map[string]string)
	for _, h := range b.modules.AllHealth() {
		status[h.ModuleID] = h.Status.String()
	}
	return observability.Snapshot{
		UptimeSeconds:       m.Uptime.Seconds(),
		TotalEvents:         m.TotalEvents,
		Errors:              m.Errors,
		Duplicates:          m.Duplicates,
		ActiveSubscriptions: m.ActiveSubscriptions,
		ActiveModules:       m.ActiveModules,
		QueueSize:           m.QueueSize,
		AvgLatencyMs:        m.AvgLatencyMs,
		ByPattern:           m.ByPattern,
		ModuleStatus:        status,
		Rejections:          sm.Rejections,
		BlockedIPs:          sm.RateLimit.BlockedIPs,
		OpenBreakers:        sm.Processor.OpenBreakers,
		Encrypted:           sm.Encryption.Encrypted,
		DLQSize:             sm.DeadLetters,
	}
}
