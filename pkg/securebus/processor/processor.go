// Package processor executes subscription handlers under a timeout and a
// per-subscription circuit breaker.
//
// A breaker starts closed. FailureThreshold consecutive failures or timeouts
// open it, and calls short-circuit without running the handler. After Cooldown
// the breaker is half-open and admits exactly one trial call: success closes
// it, failure opens it again.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	buserrors "github.com/randalmurphal/securebus/pkg/securebus/errors"
	"github.com/randalmurphal/securebus/pkg/securebus/event"
)

// State is a circuit breaker state.
type State int

// Breaker states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns a string representation of the circuit state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures the processor.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens a breaker.
	// Default: 5
	FailureThreshold int

	// Cooldown is how long a breaker stays open before a trial call.
	// Default: 30 seconds
	Cooldown time.Duration

	// DefaultTimeout applies when a call requests none.
	// Default: 5 seconds
	DefaultTimeout time.Duration

	// MaxTimeout caps every requested timeout.
	// Default: 30 seconds
	MaxTimeout time.Duration

	// WarningThreshold logs calls slower than this.
	// Default: 1 second
	WarningThreshold time.Duration

	// Logger for slow-call warnings and breaker transitions. Nil disables logging.
	Logger *slog.Logger

	// OnStateChange is called after a breaker transition, outside any lock.
	OnStateChange func(subscriptionID string, from, to State)
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	FailureThreshold: 5,
	Cooldown:         30 * time.Second,
	DefaultTimeout:   5 * time.Second,
	MaxTimeout:       30 * time.Second,
	WarningThreshold: time.Second,
}

// Result is the outcome of one handler execution.
type Result struct {
	Success                 bool
	Err                     error
	TimedOut                bool
	CircuitBreakerTriggered bool
	Panicked                bool
	ExecutionTime           time.Duration
}

// PanicError wraps a recovered handler panic.
type PanicError struct {
	Value any
	Stack string
}

// Error implements error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// Stats reports processor activity.
type Stats struct {
	Executions    int64
	Successes     int64
	Failures      int64
	Timeouts      int64
	Panics        int64
	ShortCircuits int64
	SlowCalls     int64
	OpenBreakers  int
	Breakers      int
}

type breaker struct {
	state    State
	failures int
	openedAt time.Time
	trial    bool // half-open trial in flight
}

type transition struct {
	from, to State
}

// Processor runs handlers. It is safe for concurrent use.
type Processor struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker

	executions    atomic.Int64
	successes     atomic.Int64
	failures      atomic.Int64
	timeouts      atomic.Int64
	panics        atomic.Int64
	shortCircuits atomic.Int64
	slowCalls     atomic.Int64
}

// New creates a processor.
func New(cfg Config) *Processor {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig.Cooldown
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig.DefaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = DefaultConfig.MaxTimeout
	}
	if cfg.DefaultTimeout > cfg.MaxTimeout {
		cfg.DefaultTimeout = cfg.MaxTimeout
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = DefaultConfig.WarningThreshold
	}
	return &Processor{
		cfg:      cfg,
		now:      time.Now,
		breakers: make(map[string]*breaker),
	}
}

// EffectiveTimeout resolves a requested timeout against the defaults and cap.
func (p *Processor) EffectiveTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return p.cfg.DefaultTimeout
	}
	if requested > p.cfg.MaxTimeout {
		return p.cfg.MaxTimeout
	}
	return requested
}

// ExecuteHandler runs handler for evt on behalf of subscriptionID. The
// handler's context is cancelled on timeout and its goroutine is abandoned.
func (p *Processor) ExecuteHandler(ctx context.Context, handler event.Handler, evt *event.Event, subscriptionID string, timeout time.Duration) Result {
	if !p.admit(subscriptionID) {
		p.shortCircuits.Add(1)
		return Result{
			CircuitBreakerTriggered: true,
			Err: buserrors.New(buserrors.KindCircuitBreakerOpen, evt.Pattern,
				fmt.Sprintf("subscription %s is short-circuited", subscriptionID)),
		}
	}
	p.executions.Add(1)

	timeout = p.EffectiveTimeout(timeout)
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := p.now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &PanicError{Value: r, Stack: string(debug.Stack())}
			}
		}()
		done <- handler.Handle(hctx, evt)
	}()

	var err error
	timedOut := false
	select {
	case err = <-done:
	case <-hctx.Done():
		err = hctx.Err()
		timedOut = errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil
	}
	elapsed := p.now().Sub(start)

	if elapsed > p.cfg.WarningThreshold {
		p.slowCalls.Add(1)
		if p.cfg.Logger != nil {
			p.cfg.Logger.Warn("slow handler",
				slog.String("pattern", evt.Pattern),
				slog.String("event_id", evt.ID),
				slog.String("subscription_id", subscriptionID),
				slog.Int64("duration_ms", elapsed.Milliseconds()),
			)
		}
	}

	res := Result{ExecutionTime: elapsed, TimedOut: timedOut}
	var panicErr *PanicError
	switch {
	case err == nil:
		res.Success = true
		p.successes.Add(1)
	case timedOut:
		p.timeouts.Add(1)
		p.failures.Add(1)
		res.Err = buserrors.Wrap(buserrors.KindHandlerTimeout, evt.Pattern, err,
			fmt.Sprintf("handler exceeded %s", timeout))
	default:
		if errors.As(err, &panicErr) {
			res.Panicked = true
			p.panics.Add(1)
		}
		p.failures.Add(1)
		res.Err = buserrors.Wrap(buserrors.KindHandler, evt.Pattern, err, "handler failed")
	}

	p.record(subscriptionID, res.Success)
	return res
}

// admit decides whether a call may run, moving open breakers to half-open
// once the cooldown has passed.
func (p *Processor) admit(subID string) bool {
	now := p.now()
	var tr *transition

	p.mu.Lock()
	b, ok := p.breakers[subID]
	if !ok {
		b = &breaker{}
		p.breakers[subID] = b
	}
	allowed := true
	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) >= p.cfg.Cooldown {
			tr = &transition{from: StateOpen, to: StateHalfOpen}
			b.state = StateHalfOpen
			b.trial = true
		} else {
			allowed = false
		}
	case StateHalfOpen:
		if b.trial {
			allowed = false
		} else {
			b.trial = true
		}
	}
	p.mu.Unlock()

	p.notify(subID, tr)
	return allowed
}

func (p *Processor) record(subID string, success bool) {
	var tr *transition

	p.mu.Lock()
	b, ok := p.breakers[subID]
	if !ok {
		// Removed while the call was in flight
		p.mu.Unlock()
		return
	}
	from := b.state
	if success {
		b.failures = 0
		b.trial = false
		b.state = StateClosed
	} else {
		b.failures++
		b.trial = false
		if from == StateHalfOpen || b.failures >= p.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = p.now()
		}
	}
	if b.state != from {
		tr = &transition{from: from, to: b.state}
	}
	p.mu.Unlock()

	p.notify(subID, tr)
}

func (p *Processor) notify(subID string, tr *transition) {
	if tr == nil {
		return
	}
	if p.cfg.Logger != nil {
		p.cfg.Logger.Info("circuit breaker transition",
			slog.String("subscription_id", subID),
			slog.String("from", tr.from.String()),
			slog.String("to", tr.to.String()),
		)
	}
	if p.cfg.OnStateChange != nil {
		p.cfg.OnStateChange(subID, tr.from, tr.to)
	}
}

// State returns the breaker state of a subscription. Unknown subscriptions are closed.
func (p *Processor) State(subscriptionID string) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.breakers[subscriptionID]; ok {
		return b.state
	}
	return StateClosed
}

// Remove forgets a subscription's breaker.
func (p *Processor) Remove(subscriptionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.breakers, subscriptionID)
}

// Reset forgets every breaker.
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.breakers = make(map[string]*breaker)
}

// Stats returns processor statistics.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	open := 0
	for _, b := range p.breakers {
		if b.state != StateClosed {
			open++
		}
	}
	total := len(p.breakers)
	p.mu.Unlock()

	return Stats{
		Executions:    p.executions.Load(),
		Successes:     p.successes.Load(),
		Failures:      p.failures.Load(),
		Timeouts:      p.timeouts.Load(),
		Panics:        p.panics.Load(),
		ShortCircuits: p.shortCircuits.Load(),
		SlowCalls:     p.slowCalls.Load(),
		OpenBreakers:  open,
		Breakers:      total,
	}
}
