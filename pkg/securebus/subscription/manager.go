// Package subscription stores bus subscriptions and resolves which of them
// match an emitted event pattern.
//
// The Manager owns every Subscription it holds. Removal through Remove,
// RemovePattern, RemoveModule or Clear is the only way a subscription stops
// receiving events; nothing is collected implicitly.
package subscription

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/securebus/pkg/securebus/event"
	"github.com/randalmurphal/securebus/pkg/securebus/pattern"
)

// ErrLimitReached is returned by Add when MaxSubscriptions is reached.
var ErrLimitReached = errors.New("subscription limit reached")

// Filter decides whether a matched event is delivered.
type Filter func(evt *event.Event) bool

// Subscription binds a pattern to a handler.
type Subscription struct {
	ID         string
	Pattern    string
	Handler    event.Handler
	ModuleID   string
	Priority   event.Priority
	Persistent bool
	Filter     Filter
	FilterExpr string
	Timeout    time.Duration
	Once       bool

	Created       time.Time
	LastTriggered time.Time

	seq uint64
}

// Config configures the subscription manager.
type Config struct {
	// MaxSubscriptions limits total subscriptions.
	// Default: 0 (unlimited)
	MaxSubscriptions int
}

// Stats summarizes stored subscriptions.
type Stats struct {
	Total    int
	Patterns int
	ByModule map[string]int
	Added    int64
	Removed  int64
}

// Manager is an arena of subscriptions indexed by stored pattern.
type Manager struct {
	cfg   Config
	cache *pattern.Cache

	mu        sync.RWMutex
	subs      map[string]*Subscription
	byPattern map[string]map[string]struct{} // stored pattern -> subscription IDs

	seq     atomic.Uint64
	added   atomic.Int64
	removed atomic.Int64
}

// NewManager creates a subscription manager. A nil cache gets a default one.
func NewManager(cfg Config, cache *pattern.Cache) *Manager {
	if cache == nil {
		cache = pattern.NewCache(pattern.DefaultCacheConfig)
	}
	return &Manager{
		cfg:       cfg,
		cache:     cache,
		subs:      make(map[string]*Subscription),
		byPattern: make(map[string]map[string]struct{}),
	}
}

// Add stores sub and returns its ID. The pattern must be valid and a handler set.
func (m *Manager) Add(sub Subscription) (string, error) {
	if err := m.cache.Validate(sub.Pattern); err != nil {
		return "", err
	}
	if sub.Handler == nil {
		return "", errors.New("subscription handler is nil")
	}
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.Created.IsZero() {
		sub.Created = time.Now()
	}
	sub.seq = m.seq.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.MaxSubscriptions > 0 && len(m.subs) >= m.cfg.MaxSubscriptions {
		return "", ErrLimitReached
	}
	if old, ok := m.subs[sub.ID]; ok {
		m.unindexLocked(old)
	}

	stored := sub
	m.subs[sub.ID] = &stored
	ids, ok := m.byPattern[sub.Pattern]
	if !ok {
		ids = make(map[string]struct{})
		m.byPattern[sub.Pattern] = ids
	}
	ids[sub.ID] = struct{}{}
	m.added.Add(1)
	return sub.ID, nil
}

// Remove deletes a subscription. It reports whether the ID was present.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[id]
	if !ok {
		return false
	}
	m.unindexLocked(sub)
	delete(m.subs, id)
	m.removed.Add(1)
	return true
}

// RemovePattern deletes every subscription stored under exactly p and
// returns them.
func (m *Manager) RemovePattern(p string) []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.byPattern[p]
	out := make([]Subscription, 0, len(ids))
	for id := range ids {
		out = append(out, *m.subs[id])
		delete(m.subs, id)
	}
	delete(m.byPattern, p)
	m.removed.Add(int64(len(out)))
	return out
}

// Stored returns snapshots of the subscriptions stored under exactly p.
func (m *Manager) Stored(p string) []Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Subscription, 0, len(m.byPattern[p]))
	for id := range m.byPattern[p] {
		out = append(out, *m.subs[id])
	}
	return out
}

// RemoveModule deletes every subscription owned by moduleID and returns them.
func (m *Manager) RemoveModule(moduleID string) []Subscription {
	if moduleID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Subscription
	for id, sub := range m.subs {
		if sub.ModuleID == moduleID {
			m.unindexLocked(sub)
			delete(m.subs, id)
			out = append(out, *sub)
		}
	}
	m.removed.Add(int64(len(out)))
	return out
}

func (m *Manager) unindexLocked(sub *Subscription) {
	ids := m.byPattern[sub.Pattern]
	delete(ids, sub.ID)
	if len(ids) == 0 {
		delete(m.byPattern, sub.Pattern)
	}
}

// ByPattern returns the IDs of subscriptions matching eventPattern, ordered
// by ascending priority then creation.
func (m *Manager) ByPattern(eventPattern string) []string {
	matched := m.Matching(eventPattern)
	ids := make([]string, len(matched))
	for i, s := range matched {
		ids[i] = s.ID
	}
	return ids
}

// Matching returns snapshots of the subscriptions matching eventPattern,
// ordered by ascending priority then creation.
func (m *Manager) Matching(eventPattern string) []Subscription {
	m.mu.RLock()
	var out []Subscription
	for stored, ids := range m.byPattern {
		if !m.cache.Match(eventPattern, stored) {
			continue
		}
		for id := range ids {
			out = append(out, *m.subs[id])
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Get returns a snapshot of the subscription with the given ID.
func (m *Manager) Get(id string) (Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return Subscription{}, false
	}
	return *sub, true
}

// Has reports whether the subscription is still stored.
func (m *Manager) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.subs[id]
	return ok
}

// Handler returns the handler of a live subscription.
func (m *Manager) Handler(id string) (event.Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, false
	}
	return sub.Handler, true
}

// Touch records the last delivery time.
func (m *Manager) Touch(id string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[id]; ok {
		sub.LastTriggered = t
	}
}

// Active returns the number of stored subscriptions.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Patterns returns the distinct stored patterns.
func (m *Manager) Patterns() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byPattern))
	for p := range m.byPattern {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Stats returns subscription statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byModule := make(map[string]int)
	for _, sub := range m.subs {
		if sub.ModuleID != "" {
			byModule[sub.ModuleID]++
		}
	}
	return Stats{
		Total:    len(m.subs),
		Patterns: len(m.byPattern),
		ByModule: byModule,
		Added:    m.added.Load(),
		Removed:  m.removed.Load(),
	}
}

// Clear removes every subscription.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed.Add(int64(len(m.subs)))
	m.subs = make(map[string]*Subscription)
	m.byPattern = make(map[string]map[string]struct{})
}
