package processor

import "time"

// SetClock replaces the time source for deterministic tests.
func (p *Processor) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}
