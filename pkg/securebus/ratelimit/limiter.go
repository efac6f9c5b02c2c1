// Package ratelimit throttles emits globally, per client IP, per user and per
// (IP, pattern) override, and tracks an adaptive suspicion score per identity.
//
// Each limit is a token bucket with a burst of Requests that refills at
// Requests per Window. An IP whose suspicion score crosses DDoSThreshold is
// blocked automatically for AutoBlockDuration.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/match"
	"golang.org/x/time/rate"
)

// Rejection reasons.
const (
	ReasonIPBlocked    = "ip_blocked"
	ReasonGlobalLimit  = "global_limit"
	ReasonIPLimit      = "ip_limit"
	ReasonUserLimit    = "user_limit"
	ReasonPatternLimit = "pattern_limit"
	ReasonAutoBlocked  = "auto_blocked"
)

// Limit is Requests per Window.
type Limit struct {
	Requests int
	Window   time.Duration
}

func (l Limit) enabled() bool {
	return l.Requests > 0 && l.Window > 0
}

func (l Limit) newBucket() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(l.Requests)/l.Window.Seconds()), l.Requests)
}

// PatternOverride applies a per-IP limit to event patterns matching Glob.
type PatternOverride struct {
	Glob  string
	Limit Limit
}

// Config configures the limiter.
type Config struct {
	// Global limits all traffic.
	// Default: 10000 per second
	Global Limit

	// PerIP limits each client IP.
	// Default: 100 per second
	PerIP Limit

	// PerUser limits each user ID.
	// Default: 200 per second
	PerUser Limit

	// PatternOverrides add stricter per-IP limits for matching patterns.
	// The first matching override applies.
	PatternOverrides []PatternOverride

	// DDoSThreshold is the suspicion score that triggers an automatic block.
	// Default: 100
	DDoSThreshold float64

	// AutoBlockDuration is how long automatic blocks last.
	// Default: 15 minutes
	AutoBlockDuration time.Duration

	// SuspicionHalfLife controls how fast suspicion decays.
	// Default: 1 minute
	SuspicionHalfLife time.Duration

	// SuspiciousGeos are geographic codes that raise suspicion.
	SuspiciousGeos []string

	// IdleTimeout reaps buckets unused for this long.
	// Default: 10 minutes
	IdleTimeout time.Duration

	// CleanupInterval is how often idle state is reaped.
	// Default: 1 minute
	CleanupInterval time.Duration

	// TestMode bypasses every check.
	TestMode bool

	// Logger for block notices. Nil disables logging.
	Logger *slog.Logger

	// OnBlock is called when an IP is blocked automatically.
	OnBlock func(ip, reason string)
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Global:            Limit{Requests: 10000, Window: time.Second},
	PerIP:             Limit{Requests: 100, Window: time.Second},
	PerUser:           Limit{Requests: 200, Window: time.Second},
	DDoSThreshold:     100,
	AutoBlockDuration: 15 * time.Minute,
	SuspicionHalfLife: time.Minute,
	IdleTimeout:       10 * time.Minute,
	CleanupInterval:   time.Minute,
}

// Suspicion increments.
const (
	scoreRejected     = 10
	scoreNearLimit    = 1
	scoreMissingAgent = 2
	scoreOddAgent     = 5
	scoreOddGeo       = 3
	nearLimitFraction = 0.1
)

var oddAgents = []string{"curl", "wget", "python", "sqlmap", "nikto", "scanner", "masscan", "httpclient", "bot"}

// Request describes one emit attempt.
type Request struct {
	Pattern   string
	ClientIP  string
	UserID    string
	UserAgent string
	Geo       string
}

// Decision is the outcome of Check.
type Decision struct {
	Allowed        bool
	Reason         string
	SuspicionScore float64
}

// Stats reports limiter activity.
type Stats struct {
	Allowed          int64
	Rejected         int64
	RejectedByReason map[string]int64
	BlockedIPs       int
	AutoBlocks       int64
	TrackedIPs       int
	TrackedUsers     int
	Suspicious       int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type suspicion struct {
	score    float64
	updated  time.Time
	shapedAt time.Time
}

type block struct {
	reason string
	until  time.Time // zero means permanent
}

// Limiter enforces rate limits. It is safe for concurrent use.
type Limiter struct {
	cfg Config
	now func() time.Time

	global *rate.Limiter

	mu        sync.Mutex
	ips       map[string]*bucket
	users     map[string]*bucket
	overrides map[string]*bucket // ip + "\x00" + glob
	scores    map[string]*suspicion
	blocked   map[string]block
	byReason  map[string]int64

	allowed    atomic.Int64
	rejected   atomic.Int64
	autoBlocks atomic.Int64

	stopCh  chan struct{}
	stopped sync.Once
}

// New creates a limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	if !cfg.Global.enabled() {
		cfg.Global = DefaultConfig.Global
	}
	if !cfg.PerIP.enabled() {
		cfg.PerIP = DefaultConfig.PerIP
	}
	if !cfg.PerUser.enabled() {
		cfg.PerUser = DefaultConfig.PerUser
	}
	if cfg.DDoSThreshold <= 0 {
		cfg.DDoSThreshold = DefaultConfig.DDoSThreshold
	}
	if cfg.AutoBlockDuration <= 0 {
		cfg.AutoBlockDuration = DefaultConfig.AutoBlockDuration
	}
	if cfg.SuspicionHalfLife <= 0 {
		cfg.SuspicionHalfLife = DefaultConfig.SuspicionHalfLife
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig.IdleTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig.CleanupInterval
	}

	l := &Limiter{
		cfg:       cfg,
		now:       time.Now,
		global:    cfg.Global.newBucket(),
		ips:       make(map[string]*bucket),
		users:     make(map[string]*bucket),
		overrides: make(map[string]*bucket),
		scores:    make(map[string]*suspicion),
		blocked:   make(map[string]block),
		byReason:  make(map[string]int64),
		stopCh:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Check decides whether req may proceed and consumes tokens when it does.
func (l *Limiter) Check(_ context.Context, req Request) Decision {
	if l.cfg.TestMode {
		return Decision{Allowed: true}
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if req.ClientIP != "" && l.isBlockedLocked(req.ClientIP, now) {
		return l.rejectLocked(req, now, ReasonIPBlocked, false)
	}

	// Tokens are reserved bucket by bucket and handed back when a later
	// bucket rejects, so throttled traffic never drains shared budgets.
	var held reservations
	if !held.take(l.global, now) {
		return l.rejectLocked(req, now, ReasonGlobalLimit, false)
	}

	var ipBucket *bucket
	if req.ClientIP != "" {
		ipBucket = l.bucketLocked(l.ips, req.ClientIP, l.cfg.PerIP, now)
		if !held.take(ipBucket.limiter, now) {
			held.cancel(now)
			return l.rejectLocked(req, now, ReasonIPLimit, true)
		}
	}
	if req.UserID != "" {
		if !held.take(l.bucketLocked(l.users, req.UserID, l.cfg.PerUser, now).limiter, now) {
			held.cancel(now)
			return l.rejectLocked(req, now, ReasonUserLimit, true)
		}
	}
	if override, ok := l.overrideFor(req.Pattern); ok {
		key := req.ClientIP + "\x00" + override.Glob
		if !held.take(l.bucketLocked(l.overrides, key, override.Limit, now).limiter, now) {
			held.cancel(now)
			return l.rejectLocked(req, now, ReasonPatternLimit, true)
		}
	}

	score := 0.0
	if req.ClientIP != "" {
		delta := l.shapeLocked(req, now)
		if ipBucket != nil && ipBucket.limiter.TokensAt(now) < float64(l.cfg.PerIP.Requests)*nearLimitFraction {
			delta += scoreNearLimit
		}
		score = l.addSuspicionLocked(req.ClientIP, delta, now)
		if score >= l.cfg.DDoSThreshold {
			held.cancel(now)
			l.autoBlockLocked(req.ClientIP, now)
			d := l.rejectLocked(req, now, ReasonAutoBlocked, false)
			d.SuspicionScore = score
			return d
		}
	}

	l.allowed.Add(1)
	return Decision{Allowed: true, SuspicionScore: score}
}

type reservations []*rate.Reservation

// take reserves one token from lim if it is available right now.
func (rs *reservations) take(lim *rate.Limiter, now time.Time) bool {
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return false
	}
	if r.DelayFrom(now) > 0 {
		r.CancelAt(now)
		return false
	}
	*rs = append(*rs, r)
	return true
}

// cancel returns held tokens, newest first.
func (rs reservations) cancel(now time.Time) {
	for i := len(rs) - 1; i >= 0; i-- {
		rs[i].CancelAt(now)
	}
}

func (l *Limiter) overrideFor(p string) (PatternOverride, bool) {
	for _, o := range l.cfg.PatternOverrides {
		if o.Limit.enabled() && match.Match(p, o.Glob) {
			return o, true
		}
	}
	return PatternOverride{}, false
}

func (l *Limiter) bucketLocked(m map[string]*bucket, key string, lim Limit, now time.Time) *bucket {
	b, ok := m[key]
	if !ok {
		b = &bucket{limiter: lim.newBucket()}
		m[key] = b
	}
	b.lastSeen = now
	return b
}

func (l *Limiter) rejectLocked(req Request, now time.Time, reason string, suspicious bool) Decision {
	l.rejected.Add(1)
	l.byReason[reason]++

	score := 0.0
	if req.ClientIP != "" {
		delta := 0.0
		if suspicious {
			delta = scoreRejected
		}
		score = l.addSuspicionLocked(req.ClientIP, delta, now)
		if suspicious && score >= l.cfg.DDoSThreshold && !l.isBlockedLocked(req.ClientIP, now) {
			l.autoBlockLocked(req.ClientIP, now)
		}
	}
	return Decision{Allowed: false, Reason: reason, SuspicionScore: score}
}

// shapeLocked charges the request-shape score of req.ClientIP at most once
// per SuspicionHalfLife, so a steady well-behaved client cannot accumulate
// its way to a block on shape alone.
func (l *Limiter) shapeLocked(req Request, now time.Time) float64 {
	delta := shapeScore(req, l.cfg.SuspiciousGeos)
	if delta == 0 {
		return 0
	}
	s, ok := l.scores[req.ClientIP]
	if !ok {
		s = &suspicion{updated: now}
		l.scores[req.ClientIP] = s
	} else if !s.shapedAt.IsZero() && now.Sub(s.shapedAt) < l.cfg.SuspicionHalfLife {
		return 0
	}
	s.shapedAt = now
	return delta
}

func shapeScore(req Request, geos []string) float64 {
	score := 0.0
	agent := strings.ToLower(strings.TrimSpace(req.UserAgent))
	switch {
	case agent == "":
		score += scoreMissingAgent
	case len(agent) < 8:
		score += scoreOddAgent
	default:
		for _, odd := range oddAgents {
			if strings.Contains(agent, odd) {
				score += scoreOddAgent
				break
			}
		}
	}
	if req.Geo != "" {
		for _, g := range geos {
			if strings.EqualFold(g, req.Geo) {
				score += scoreOddGeo
				break
			}
		}
	}
	return score
}

// addSuspicionLocked decays the stored score to now, adds delta and returns it.
func (l *Limiter) addSuspicionLocked(ip string, delta float64, now time.Time) float64 {
	s, ok := l.scores[ip]
	if !ok {
		if delta == 0 {
			return 0
		}
		s = &suspicion{updated: now}
		l.scores[ip] = s
	}
	s.score = decayed(s.score, now.Sub(s.updated), l.cfg.SuspicionHalfLife) + delta
	s.updated = now
	return s.score
}

func decayed(score float64, elapsed, halfLife time.Duration) float64 {
	if elapsed <= 0 || score == 0 {
		return score
	}
	return score * math.Pow(0.5, float64(elapsed)/float64(halfLife))
}

func (l *Limiter) autoBlockLocked(ip string, now time.Time) {
	l.blocked[ip] = block{reason: ReasonAutoBlocked, until: now.Add(l.cfg.AutoBlockDuration)}
	delete(l.scores, ip)
	l.autoBlocks.Add(1)

	if l.cfg.Logger != nil {
		l.cfg.Logger.Warn("client auto-blocked",
			slog.String("client_ip", ip),
			slog.Duration("duration", l.cfg.AutoBlockDuration),
		)
	}
	if l.cfg.OnBlock != nil {
		l.cfg.OnBlock(ip, ReasonAutoBlocked)
	}
}

// BlockIP blocks ip for duration. A duration of zero blocks permanently.
func (l *Limiter) BlockIP(ip, reason string, duration time.Duration) {
	now := l.now()
	b := block{reason: reason}
	if duration > 0 {
		b.until = now.Add(duration)
	}

	l.mu.Lock()
	l.blocked[ip] = b
	l.mu.Unlock()

	if l.cfg.Logger != nil {
		l.cfg.Logger.Info("client blocked",
			slog.String("client_ip", ip),
			slog.String("reason", reason),
			slog.Duration("duration", duration),
		)
	}
}

// UnblockIP lifts a block and resets the IP's suspicion. It reports whether
// the IP was blocked.
func (l *Limiter) UnblockIP(ip, reason string) bool {
	l.mu.Lock()
	_, ok := l.blocked[ip]
	delete(l.blocked, ip)
	delete(l.scores, ip)
	l.mu.Unlock()

	if ok && l.cfg.Logger != nil {
		l.cfg.Logger.Info("client unblocked",
			slog.String("client_ip", ip),
			slog.String("reason", reason),
		)
	}
	return ok
}

// IsBlocked reports whether ip is currently blocked.
func (l *Limiter) IsBlocked(ip string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isBlockedLocked(ip, now)
}

func (l *Limiter) isBlockedLocked(ip string, now time.Time) bool {
	b, ok := l.blocked[ip]
	if !ok {
		return false
	}
	if !b.until.IsZero() && !now.Before(b.until) {
		delete(l.blocked, ip)
		return false
	}
	return true
}

// SuspicionScore returns the decayed suspicion score of ip.
func (l *Limiter) SuspicionScore(ip string) float64 {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.scores[ip]
	if !ok {
		return 0
	}
	return decayed(s.score, now.Sub(s.updated), l.cfg.SuspicionHalfLife)
}

// Stats returns limiter statistics.
func (l *Limiter) Stats() Stats {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	byReason := make(map[string]int64, len(l.byReason))
	for k, v := range l.byReason {
		byReason[k] = v
	}
	suspicious := 0
	for _, s := range l.scores {
		if decayed(s.score, now.Sub(s.updated), l.cfg.SuspicionHalfLife) >= l.cfg.DDoSThreshold/2 {
			suspicious++
		}
	}
	blocked := 0
	for ip := range l.blocked {
		if l.isBlockedLocked(ip, now) {
			blocked++
		}
	}
	return Stats{
		Allowed:          l.allowed.Load(),
		Rejected:         l.rejected.Load(),
		RejectedByReason: byReason,
		BlockedIPs:       blocked,
		AutoBlocks:       l.autoBlocks.Load(),
		TrackedIPs:       len(l.ips),
		TrackedUsers:     len(l.users),
		Suspicious:       suspicious,
	}
}

// Cleanup reaps idle buckets, faded suspicion and expired blocks.
func (l *Limiter) Cleanup() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, m := range []map[string]*bucket{l.ips, l.users, l.overrides} {
		for k, b := range m {
			if now.Sub(b.lastSeen) > l.cfg.IdleTimeout {
				delete(m, k)
			}
		}
	}
	for ip, s := range l.scores {
		if decayed(s.score, now.Sub(s.updated), l.cfg.SuspicionHalfLife) < 0.5 {
			delete(l.scores, ip)
		}
	}
	for ip := range l.blocked {
		l.isBlockedLocked(ip, now)
	}
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}

// Close stops the cleanup loop.
func (l *Limiter) Close() {
	l.stopped.Do(func() {
		close(l.stopCh)
	})
}
