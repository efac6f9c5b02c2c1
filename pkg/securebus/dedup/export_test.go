package dedup

import "time"

// SetClock replaces the time source for deterministic window tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
