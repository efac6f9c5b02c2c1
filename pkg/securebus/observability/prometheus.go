package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is a point-in-time view of bus counters, pulled on each scrape.
type Snapshot struct {
	UptimeSeconds       float64
	TotalEvents         int64
	Errors              int64
	Duplicates          int64
	ActiveSubscriptions int
	ActiveModules       int
	QueueSize           int
	AvgLatencyMs        float64
	ByPattern           map[string]int64
	ModuleStatus        map[string]string
	Rejections          map[string]int64 // Keyed by reason
	BlockedIPs          int
	OpenBreakers        int
	Encrypted           int64
	DLQSize             int
}

// PrometheusCollector implements prometheus.Collector. Values are emitted
// as const metrics generated from a Snapshot at scrape time, so the emit
// path carries no Prometheus instrumentation.
type PrometheusCollector struct {
	snapshot func() Snapshot

	uptime        *prometheus.Desc
	events        *prometheus.Desc
	errors        *prometheus.Desc
	duplicates    *prometheus.Desc
	subscriptions *prometheus.Desc
	modules       *prometheus.Desc
	queue         *prometheus.Desc
	latency       *prometheus.Desc
	byPattern     *prometheus.Desc
	moduleStatus  *prometheus.Desc
	rejections    *prometheus.Desc
	blockedIPs    *prometheus.Desc
	openBreakers  *prometheus.Desc
	encrypted     *prometheus.Desc
	dlq           *prometheus.Desc
}

// NewPrometheusCollector creates a collector. namespace prefixes every
// metric name (default "securebus").
func NewPrometheusCollector(namespace string, snapshot func() Snapshot) *PrometheusCollector {
	if namespace == "" {
		namespace = "securebus"
	}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &PrometheusCollector{
		snapshot:      snapshot,
		uptime:        desc("uptime_seconds", "Seconds since the bus was created"),
		events:        desc("events_total", "Events accepted for dispatch"),
		errors:        desc("errors_total", "Emit and handler errors"),
		duplicates:    desc("duplicates_total", "Events dropped as duplicates"),
		subscriptions: desc("active_subscriptions", "Registered subscriptions"),
		modules:       desc("active_modules", "Active or degraded modules"),
		queue:         desc("processing_queue_size", "Events currently being dispatched"),
		latency:       desc("avg_latency_ms", "Mean dispatch latency in milliseconds"),
		byPattern:     desc("pattern_events_total", "Events accepted per pattern", "pattern"),
		moduleStatus:  desc("module_status", "Module status (1 for the current status)", "module", "status"),
		rejections:    desc("security_rejections_total", "Emits rejected by security checks", "reason"),
		blockedIPs:    desc("blocked_ips", "Currently blocked client IPs"),
		openBreakers:  desc("open_circuit_breakers", "Circuit breakers not in the closed state"),
		encrypted:     desc("encrypted_payloads_total", "Payloads encrypted at rest"),
		dlq:           desc("dead_letter_queue_size", "Failed handler invocations awaiting review"),
	}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.uptime, c.events, c.errors, c.duplicates, c.subscriptions, c.modules,
		c.queue, c.latency, c.byPattern, c.moduleStatus, c.rejections,
		c.blockedIPs, c.openBreakers, c.encrypted, c.dlq,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	gauge(c.uptime, s.UptimeSeconds)
	counter(c.events, float64(s.TotalEvents))
	counter(c.errors, float64(s.Errors))
	counter(c.duplicates, float64(s.Duplicates))
	gauge(c.subscriptions, float64(s.ActiveSubscriptions))
	gauge(c.modules, float64(s.ActiveModules))
	gauge(c.queue, float64(s.QueueSize))
	gauge(c.latency, s.AvgLatencyMs)
	gauge(c.blockedIPs, float64(s.BlockedIPs))
	gauge(c.openBreakers, float64(s.OpenBreakers))
	counter(c.encrypted, float64(s.Encrypted))
	gauge(c.dlq, float64(s.DLQSize))

	for p, n := range s.ByPattern {
		counter(c.byPattern, float64(n), p)
	}
	for id, status := range s.ModuleStatus {
		gauge(c.moduleStatus, 1, id, status)
	}
	for reason, n := range s.Rejections {
		counter(c.rejections, float64(n), reason)
	}
}
