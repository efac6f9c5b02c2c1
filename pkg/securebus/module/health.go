package module

import "time"

type sample struct {
	latency time.Duration
	failed  bool
}

// window is a fixed-size ring of recent executions.
type window struct {
	samples []sample
	next    int
	full    bool
}

func newWindow(size int) *window {
	return &window{samples: make([]sample, size)}
}

func (w *window) add(s sample) {
	w.samples[w.next] = s
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

func (w *window) len() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

func (w *window) reset() {
	w.next = 0
	w.full = false
}

// summary returns execution count, error count and mean latency.
func (w *window) summary() (n, errs int, avg time.Duration) {
	n = w.len()
	if n == 0 {
		return 0, 0, 0
	}
	var total time.Duration
	for i := 0; i < n; i++ {
		s := w.samples[i]
		total += s.latency
		if s.failed {
			errs++
		}
	}
	return n, errs, total / time.Duration(n)
}

// classify maps window statistics to a serving status.
func classify(cfg Config, n, errs int, avg time.Duration) Status {
	if n < cfg.MinSamples {
		return StatusActive
	}
	rate := float64(errs) / float64(n)
	switch {
	case rate >= cfg.ErrorThreshold:
		return StatusError
	case rate >= cfg.DegradedThreshold, avg >= cfg.LatencyThreshold:
		return StatusDegraded
	default:
		return StatusActive
	}
}
