package ratelimit

import "time"

// SetClock replaces the time source for deterministic tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}
