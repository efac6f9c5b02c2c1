package ratelimit_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/securebus/pkg/securebus/ratelimit"
)

const agent = "Mozilla/5.0 (X11; Linux x86_64)"

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

func newLimiter(t *testing.T, cfg ratelimit.Config) (*ratelimit.Limiter, *fakeClock) {
	t.Helper()
	l := ratelimit.New(cfg)
	t.Cleanup(l.Close)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l.SetClock(clock.Now)
	return l, clock
}

func TestPerIPLimitRejectsNPlusOne(t *testing.T) {
	const n = 5
	l, clock := newLimiter(t, ratelimit.Config{PerIP: ratelimit.Limit{Requests: n, Window: time.Minute}})
	ctx := context.Background()
	req := ratelimit.Request{Pattern: "sales.order.created", ClientIP: "10.0.0.1", UserAgent: agent}

	for i := 0; i < n; i++ {
		d := l.Check(ctx, req)
		require.True(t, d.Allowed, "request %d should be allowed", i+1)
	}
	d := l.Check(ctx, req)
	assert.False(t, d.Allowed)
	assert.Equal(t, ratelimit.ReasonIPLimit, d.Reason)

	// Another client is unaffected
	assert.True(t, l.Check(ctx, ratelimit.Request{Pattern: "a.b", ClientIP: "10.0.0.2", UserAgent: agent}).Allowed)

	// Tokens refill at N per window
	clock.Advance(time.Minute/n + time.Second)
	assert.True(t, l.Check(ctx, req).Allowed)

	stats := l.Stats()
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Equal(t, int64(1), stats.RejectedByReason[ratelimit.ReasonIPLimit])
	assert.Equal(t, 2, stats.TrackedIPs)
}

func TestGlobalAndUserLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("global", func(t *testing.T) {
		l, _ := newLimiter(t, ratelimit.Config{Global: ratelimit.Limit{Requests: 3, Window: time.Minute}})
		for i := 0; i < 3; i++ {
			require.True(t, l.Check(ctx, ratelimit.Request{Pattern: "a.b", ClientIP: fmt.Sprintf("10.0.0.%d", i), UserAgent: agent}).Allowed)
		}
		d := l.Check(ctx, ratelimit.Request{Pattern: "a.b", ClientIP: "10.0.0.99", UserAgent: agent})
		assert.Equal(t, ratelimit.ReasonGlobalLimit, d.Reason)
	})

	t.Run("user", func(t *testing.T) {
		l, _ := newLimiter(t, ratelimit.Config{PerUser: ratelimit.Limit{Requests: 2, Window: time.Minute}})
		req := ratelimit.Request{Pattern: "a.b", UserID: "u-1"}
		assert.True(t, l.Check(ctx, req).Allowed)
		assert.True(t, l.Check(ctx, req).Allowed)
		d := l.Check(ctx, req)
		assert.Equal(t, ratelimit.ReasonUserLimit, d.Reason)
		assert.True(t, l.Check(ctx, ratelimit.Request{Pattern: "a.b", UserID: "u-2"}).Allowed)
	})
}

func TestPatternOverride(t *testing.T) {
	l, _ := newLimiter(t, ratelimit.Config{
		PatternOverrides: []ratelimit.PatternOverride{
			{Glob: "payment.*", Limit: ratelimit.Limit{Requests: 1, Window: time.Minute}},
		},
	})
	ctx := context.Background()
	pay := ratelimit.Request{Pattern: "payment.charge.succeeded", ClientIP: "10.0.0.1", UserAgent: agent}

	assert.True(t, l.Check(ctx, pay).Allowed)
	d := l.Check(ctx, pay)
	assert.False(t, d.Allowed)
	assert.Equal(t, ratelimit.ReasonPatternLimit, d.Reason)

	// Patterns outside the override keep the default per-IP limit
	assert.True(t, l.Check(ctx, ratelimit.Request{Pattern: "sales.order.created", ClientIP: "10.0.0.1", UserAgent: agent}).Allowed)
}

func TestManualBlocking(t *testing.T) {
	l, clock := newLimiter(t, ratelimit.Config{})
	ctx := context.Background()
	req := ratelimit.Request{Pattern: "a.b", ClientIP: "10.0.0.5", UserAgent: agent}

	l.BlockIP("10.0.0.5", "abuse report", time.Minute)
	assert.True(t, l.IsBlocked("10.0.0.5"))
	d := l.Check(ctx, req)
	assert.Equal(t, ratelimit.ReasonIPBlocked, d.Reason)

	clock.Advance(2 * time.Minute)
	assert.False(t, l.IsBlocked("10.0.0.5"), "temporary block expires")
	assert.True(t, l.Check(ctx, req).Allowed)

	l.BlockIP("10.0.0.5", "permanent", 0)
	clock.Advance(24 * time.Hour)
	assert.True(t, l.IsBlocked("10.0.0.5"))
	assert.True(t, l.UnblockIP("10.0.0.5", "appeal accepted"))
	assert.False(t, l.IsBlocked("10.0.0.5"))
	assert.False(t, l.UnblockIP("10.0.0.5", "again"))
}

func TestSuspicionAutoBlock(t *testing.T) {
	var blockedIP string
	l, clock := newLimiter(t, ratelimit.Config{
		PerIP:             ratelimit.Limit{Requests: 2, Window: time.Hour},
		DDoSThreshold:     50,
		AutoBlockDuration: time.Minute,
		OnBlock:           func(ip, _ string) { blockedIP = ip },
	})
	ctx := context.Background()
	req := ratelimit.Request{Pattern: "a.b", ClientIP: "10.6.6.6", UserAgent: "sqlmap/1.7"}

	var last ratelimit.Decision
	for i := 0; i < 10 && blockedIP == ""; i++ {
		last = l.Check(ctx, req)
	}
	assert.False(t, last.Allowed)
	assert.Equal(t, ratelimit.ReasonAutoBlocked, last.Reason)
	assert.GreaterOrEqual(t, last.SuspicionScore, 50.0, "decision carries the score that triggered the block")
	assert.Equal(t, "10.6.6.6", blockedIP)
	assert.True(t, l.IsBlocked("10.6.6.6"))
	assert.Equal(t, int64(1), l.Stats().AutoBlocks)

	clock.Advance(2 * time.Minute)
	assert.False(t, l.IsBlocked("10.6.6.6"))
}

func TestAutoBlockOnAllowedPathReportsScore(t *testing.T) {
	l, _ := newLimiter(t, ratelimit.Config{DDoSThreshold: 5})
	ctx := context.Background()

	d := l.Check(ctx, ratelimit.Request{Pattern: "a.b", ClientIP: "10.6.6.7", UserAgent: "curl/8.0"})
	assert.False(t, d.Allowed)
	assert.Equal(t, ratelimit.ReasonAutoBlocked, d.Reason)
	assert.GreaterOrEqual(t, d.SuspicionScore, 5.0)
	assert.True(t, l.IsBlocked("10.6.6.7"))
}

func TestSteadyLowRateTrafficIsNeverBlocked(t *testing.T) {
	l, clock := newLimiter(t, ratelimit.Config{})
	ctx := context.Background()
	req := ratelimit.Request{Pattern: "a.b", ClientIP: "10.0.0.8"}

	for i := 0; i < 2*60*60; i++ {
		d := l.Check(ctx, req)
		require.True(t, d.Allowed, "request %d rejected: %s", i+1, d.Reason)
		clock.Advance(time.Second)
	}
	assert.False(t, l.IsBlocked("10.0.0.8"))
	assert.Less(t, l.SuspicionScore("10.0.0.8"), 10.0)
	assert.Zero(t, l.Stats().AutoBlocks)
}

func TestRejectedRequestsDoNotDrainSharedBuckets(t *testing.T) {
	l, _ := newLimiter(t, ratelimit.Config{
		Global:  ratelimit.Limit{Requests: 10, Window: time.Hour},
		PerUser: ratelimit.Limit{Requests: 1, Window: time.Hour},
	})
	ctx := context.Background()

	mallory := ratelimit.Request{Pattern: "a.b", UserID: "mallory"}
	require.True(t, l.Check(ctx, mallory).Allowed)
	for i := 0; i < 9; i++ {
		d := l.Check(ctx, mallory)
		require.Equal(t, ratelimit.ReasonUserLimit, d.Reason)
	}

	d := l.Check(ctx, ratelimit.Request{Pattern: "a.b", UserID: "alice"})
	assert.True(t, d.Allowed, "alice rejected with %s", d.Reason)

	// Only the two allowed requests spent global tokens
	for i := 0; i < 8; i++ {
		require.True(t, l.Check(ctx, ratelimit.Request{Pattern: "a.b", UserID: fmt.Sprintf("u-%d", i)}).Allowed)
	}
	assert.Equal(t, ratelimit.ReasonGlobalLimit, l.Check(ctx, ratelimit.Request{Pattern: "a.b", UserID: "late"}).Reason)
}

func TestSuspicionDecays(t *testing.T) {
	l, clock := newLimiter(t, ratelimit.Config{SuspicionHalfLife: time.Minute})
	ctx := context.Background()

	d := l.Check(ctx, ratelimit.Request{Pattern: "a.b", ClientIP: "10.0.0.7"})
	require.True(t, d.Allowed)
	assert.Greater(t, d.SuspicionScore, 0.0, "missing user agent is suspicious")

	before := l.SuspicionScore("10.0.0.7")
	clock.Advance(time.Minute)
	assert.InDelta(t, before/2, l.SuspicionScore("10.0.0.7"), 0.001)
}

func TestTestModeBypassesEverything(t *testing.T) {
	l, _ := newLimiter(t, ratelimit.Config{TestMode: true, PerIP: ratelimit.Limit{Requests: 1, Window: time.Hour}})
	l.BlockIP("10.0.0.1", "x", 0)
	for i := 0; i < 10; i++ {
		assert.True(t, l.Check(context.Background(), ratelimit.Request{Pattern: "a.b", ClientIP: "10.0.0.1"}).Allowed)
	}
}

func TestCleanupReapsIdleState(t *testing.T) {
	l, clock := newLimiter(t, ratelimit.Config{IdleTimeout: time.Minute})
	ctx := context.Background()
	l.Check(ctx, ratelimit.Request{Pattern: "a.b", ClientIP: "10.0.0.1", UserID: "u", UserAgent: agent})
	require.Equal(t, 1, l.Stats().TrackedIPs)

	clock.Advance(2 * time.Minute)
	l.Cleanup()
	stats := l.Stats()
	assert.Equal(t, 0, stats.TrackedIPs)
	assert.Equal(t, 0, stats.TrackedUsers)
}
