package dedup_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/securebus/pkg/securebus/dedup"
	"github.com/randalmurphal/securebus/pkg/securebus/event"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newManager(t *testing.T, cfg dedup.Config) (*dedup.Manager, *fakeClock) {
	t.Helper()
	m := dedup.New(cfg)
	t.Cleanup(m.Destroy)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m.SetClock(clock.Now)
	return m, clock
}

// check runs the emit-side sequence: generate, check, store when new.
func check(m *dedup.Manager, p string, payload any, source string) dedup.Result {
	meta := m.GenerateMetadata(dedup.Input{Pattern: p, Payload: payload, Source: source})
	evt := event.New(p, source, payload)
	res := m.IsDuplicate(evt, meta)
	if !res.IsDupe {
		m.Store(meta)
	}
	return res
}

func TestGenerateMetadata(t *testing.T) {
	m, _ := newManager(t, dedup.Config{})

	a := m.GenerateMetadata(dedup.Input{Pattern: "a.b", Payload: map[string]any{"x": 1.0, "y": "z"}, Source: "pos"})
	b := m.GenerateMetadata(dedup.Input{Pattern: "a.b", Payload: map[string]any{"y": "z", "x": 1.0}, Source: "pos"})
	c := m.GenerateMetadata(dedup.Input{Pattern: "a.c", Payload: map[string]any{"x": 1.0, "y": "z"}, Source: "pos"})

	assert.Equal(t, a.ContentHash, b.ContentHash, "key order must not affect the hash")
	assert.NotEqual(t, a.ContentHash, c.ContentHash, "pattern is part of identity")
	assert.Equal(t, "pos", a.ClientID)
	assert.Equal(t, uint64(1), a.Sequence)
	assert.Equal(t, uint64(2), b.Sequence)
	assert.Empty(t, a.Semantic)
}

func TestIdenticalEventWithinWindowIsDuplicate(t *testing.T) {
	m, clock := newManager(t, dedup.Config{Window: 5 * time.Second})
	payload := map[string]any{"id": "o1"}

	assert.False(t, check(m, "sales.order.created", payload, "pos").IsDupe)

	clock.Advance(2 * time.Second)
	res := check(m, "sales.order.created", payload, "pos")
	assert.True(t, res.IsDupe)
	assert.Equal(t, dedup.ReasonExact, res.Reason)

	// Other sources keep independent windows
	assert.False(t, check(m, "sales.order.created", payload, "web").IsDupe)

	clock.Advance(6 * time.Second)
	assert.False(t, check(m, "sales.order.created", payload, "pos").IsDupe, "window elapsed")

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Duplicates)
	assert.Equal(t, int64(1), stats.ByReason[dedup.ReasonExact])
}

func TestReplayOfOlderSequence(t *testing.T) {
	m, _ := newManager(t, dedup.Config{})
	payload := map[string]any{"id": "o1"}

	old := m.GenerateMetadata(dedup.Input{Pattern: "a.b", Payload: payload, Source: "pos"})
	current := m.GenerateMetadata(dedup.Input{Pattern: "a.b", Payload: payload, Source: "pos"})
	m.Store(current)

	res := m.IsDuplicate(event.New("a.b", "pos", payload), old)
	assert.True(t, res.IsDupe)
	assert.Equal(t, dedup.ReasonReplay, res.Reason)
}

func TestForgetReleasesUndeliveredEvent(t *testing.T) {
	m, _ := newManager(t, dedup.Config{})
	payload := map[string]any{"id": "o1"}
	evt := event.New("sales.order.created", "pos", payload)

	first := m.GenerateMetadata(dedup.Input{Pattern: evt.Pattern, Payload: payload, Source: "pos"})
	m.Store(first)
	other := m.GenerateMetadata(dedup.Input{Pattern: "sales.order.paid", Payload: payload, Source: "pos"})
	m.Store(other)

	assert.True(t, m.Forget(first))
	assert.False(t, m.Forget(first), "already forgotten")

	retry := m.GenerateMetadata(dedup.Input{Pattern: evt.Pattern, Payload: payload, Source: "pos"})
	assert.False(t, m.IsDuplicate(evt, retry).IsDupe)
	assert.Equal(t, 1, m.Stats().Entries, "unrelated entries stay")

	assert.False(t, m.Forget(dedup.Metadata{ClientID: "unknown"}))
}

func TestSemanticDuplicate(t *testing.T) {
	m, _ := newManager(t, dedup.Config{SemanticKeys: []string{"orderId"}})

	assert.False(t, check(m, "sales.order.created", map[string]any{"orderId": "o1", "note": "first"}, "pos").IsDupe)

	res := check(m, "sales.order.created", map[string]any{"orderId": "o1", "note": "second"}, "pos")
	assert.True(t, res.IsDupe)
	assert.Equal(t, dedup.ReasonSemantic, res.Reason)

	assert.False(t, check(m, "sales.order.updated", map[string]any{"orderId": "o1"}, "pos").IsDupe,
		"semantic identity is scoped to the pattern")
	assert.False(t, check(m, "sales.order.created", map[string]any{"orderId": "o2"}, "pos").IsDupe)
}

func TestWindowOverride(t *testing.T) {
	m, clock := newManager(t, dedup.Config{Window: time.Second})
	payload := map[string]any{"id": "o1"}

	meta := m.GenerateMetadata(dedup.Input{Pattern: "a.b", Payload: payload, Source: "pos"})
	m.Store(meta)
	evt := event.New("a.b", "pos", payload)

	assert.False(t, m.IsDuplicateWithin(evt, meta, 0).IsDupe, "zero window disables dedup")

	clock.Advance(3 * time.Second)
	assert.False(t, m.IsDuplicate(evt, meta).IsDupe)
	assert.True(t, m.IsDuplicateWithin(evt, meta, 10*time.Second).IsDupe)
}

func TestWindowBoundedByCount(t *testing.T) {
	m, _ := newManager(t, dedup.Config{MaxEntriesPerSource: 3})

	first := map[string]any{"n": 0.0}
	require.False(t, check(m, "a.b", first, "pos").IsDupe)
	for i := 1; i <= 3; i++ {
		require.False(t, check(m, "a.b", map[string]any{"n": float64(i)}, "pos").IsDupe)
	}
	assert.Equal(t, 3, m.Stats().Entries)
	assert.False(t, check(m, "a.b", first, "pos").IsDupe, "oldest entry was evicted")
}

func TestCleanupAndDestroy(t *testing.T) {
	m, clock := newManager(t, dedup.Config{Window: time.Second})
	check(m, "a.b", "x", "pos")
	check(m, "a.c", "y", "web")
	assert.Equal(t, 2, m.Stats().Sources)

	clock.Advance(2 * time.Second)
	assert.Equal(t, 2, m.Cleanup())
	assert.Equal(t, 0, m.Stats().Entries)

	check(m, "a.b", "x", "pos")
	m.Destroy()
	assert.Equal(t, 0, m.Stats().Sources)
	m.Destroy()
}
