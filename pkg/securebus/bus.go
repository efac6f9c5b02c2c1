package securebus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/securebus/pkg/securebus/dedup"
	"github.com/randalmurphal/securebus/pkg/securebus/encryption"
	buserrors "github.com/randalmurphal/securebus/pkg/securebus/errors"
	"github.com/randalmurphal/securebus/pkg/securebus/event"
	"github.com/randalmurphal/securebus/pkg/securebus/eventlog"
	"github.com/randalmurphal/securebus/pkg/securebus/expr"
	"github.com/randalmurphal/securebus/pkg/securebus/module"
	"github.com/randalmurphal/securebus/pkg/securebus/observability"
	"github.com/randalmurphal/securebus/pkg/securebus/offline"
	"github.com/randalmurphal/securebus/pkg/securebus/pattern"
	"github.com/randalmurphal/securebus/pkg/securebus/processor"
	"github.com/randalmurphal/securebus/pkg/securebus/ratelimit"
	"github.com/randalmurphal/securebus/pkg/securebus/registry"
	"github.com/randalmurphal/securebus/pkg/securebus/sanitize"
	"github.com/randalmurphal/securebus/pkg/securebus/subscription"
)

// Patterns published by the bus itself.
const (
	EventInitialized         = "global.eventbus.initialized"
	EventError               = "global.eventbus.error"
	EventHandlerError        = "global.eventbus.handler-error"
	EventShutdown            = "global.eventbus.shutdown"
	EventModuleActivated     = "global.module.activated"
	EventModuleDeactivated   = "global.module.deactivated"
	EventModuleStatusChanged = "global.module.status-changed"
)

func isInternal(p string) bool {
	return strings.HasPrefix(p, "global.eventbus.") || strings.HasPrefix(p, "global.module.")
}

func isErrorPattern(p string) bool {
	return p == EventError || p == EventHandlerError
}

// Bus routes events from emitters to subscribers. Create one with New and
// share it; it is safe for concurrent use.
type Bus struct {
	cfg     Config
	logger  *slog.Logger
	started time.Time

	patterns  *pattern.Cache
	subs      *subscription.Manager
	dedup     *dedup.Manager
	sanitizer *sanitize.Validator
	limiter   *ratelimit.Limiter
	crypto    *encryption.Store
	processor *processor.Processor
	modules   *module.Registry
	filters   *expr.Evaluator

	log     eventlog.Log
	offline offline.Queue
	dlq     event.DeadLetterQueue
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	owned   []io.Closer // collaborators opened by NewFromSettings

	initOnce sync.Once
	initErr  error
	ready    chan struct{}

	pendingMu sync.Mutex
	isReady   bool
	pending   []subscription.Subscription

	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc
	inflightWG sync.WaitGroup

	closing      atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error

	totalEvents      atomic.Int64
	emitFailures     atomic.Int64
	handlerFailures  atomic.Int64
	duplicates       atomic.Int64
	blockedPayloads  atomic.Int64
	sanitizedEvents  atomic.Int64
	latencyNanos     atomic.Int64
	byPattern        *registry.Counters
	byModule         *registry.Counters
	rejectionsByKind *registry.Counters
}

// New creates a bus. Call Initialize before relying on subscriptions made
// with On; until then they are held as pending.
func New(cfg Config, opts ...Option) (*Bus, error) {
	if cfg.Source == "" {
		cfg.Source = DefaultConfig().Source
	}
	if !pattern.IsConcrete(cfg.Source) {
		return nil, buserrors.New(buserrors.KindInvalidPattern, cfg.Source, "source must be a concrete pattern")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	if cfg.MaxConcurrentHandlers < 0 {
		cfg.MaxConcurrentHandlers = 0
	}

	b := &Bus{
		cfg:              cfg,
		logger:           slog.Default(),
		started:          time.Now(),
		filters:          expr.New(),
		metrics:          observability.NoopMetrics{},
		spans:            observability.NoopSpanManager{},
		ready:            make(chan struct{}),
		inflight:         make(map[string]context.CancelFunc),
		byPattern:        registry.NewCounters(),
		byModule:         registry.NewCounters(),
		rejectionsByKind: registry.NewCounters(),
	}
	for _, opt := range opts {
		opt(b)
	}

	dc := cfg.Dedup
	if dc.Logger == nil {
		dc.Logger = b.logger
	}
	sc := cfg.Sanitizer
	if sc.Logger == nil {
		sc.Logger = b.logger
	}
	rc := cfg.RateLimit
	rc.TestMode = rc.TestMode || cfg.TestMode
	if rc.Logger == nil {
		rc.Logger = b.logger
	}
	pc := cfg.Processor
	if pc.Logger == nil {
		pc.Logger = b.logger
	}
	onStateChange := pc.OnStateChange
	pc.OnStateChange = func(subID string, from, to processor.State) {
		b.metrics.RecordBreakerTransition(context.Background(), to.String())
		if onStateChange != nil {
			onStateChange(subID, from, to)
		}
	}
	mc := cfg.Modules
	if mc.Logger == nil {
		mc.Logger = b.logger
	}

	b.patterns = pattern.NewCache(cfg.PatternCache)
	b.subs = subscription.NewManager(cfg.Subscriptions, b.patterns)
	b.dedup = dedup.New(dc)
	b.sanitizer = sanitize.New(sc)
	b.limiter = ratelimit.New(rc)
	b.crypto = encryption.New(encryption.Config{
		SensitivePatterns: cfg.Encryption.SensitivePatterns,
		Cipher:            cfg.Encryption.Cipher,
		Logger:            b.logger,
	})
	b.processor = processor.New(pc)
	b.modules = module.NewRegistry(mc)
	b.modules.SetListener(moduleListener{b: b})
	return b, nil
}

// Initialize finishes bootstrap: pending subscriptions are bound, Ready is
// closed and global.eventbus.initialized is published. It is idempotent;
// concurrent callers wait for the first call's result.
func (b *Bus) Initialize(ctx context.Context) error {
	b.initOnce.Do(func() {
		b.initErr = b.bootstrap(ctx)
	})
	return b.initErr
}

func (b *Bus) bootstrap(ctx context.Context) error {
	if b.closing.Load() {
		return buserrors.New(buserrors.KindBusClosed, "", "bus is shut down")
	}

	b.pendingMu.Lock()
	b.isReady = true
	pending := b.pending
	b.pending = nil
	for _, sub := range pending {
		if _, err := b.subs.Add(sub); err != nil {
			b.logger.Warn("pending subscription dropped",
				slog.String("pattern", sub.Pattern),
				slog.String("subscription_id", sub.ID),
				slog.String("error", err.Error()),
			)
			if sub.ModuleID != "" {
				b.modules.UntrackSubscription(sub.ModuleID, sub.ID)
			}
		}
	}
	b.pendingMu.Unlock()
	close(b.ready)

	b.logger.Info("event bus initialized",
		slog.String("source", b.cfg.Source),
		slog.Int("subscriptions", b.subs.Active()),
	)
	if err := b.emitInternal(ctx, EventInitialized, map[string]any{
		"source":        b.cfg.Source,
		"subscriptions": b.subs.Active(),
		"pending":       len(pending),
	}); err != nil {
		b.logger.Debug("initialized event not published", slog.String("error", err.Error()))
	}
	return nil
}

// awaitReady runs Initialize unless it already completed. Ready closes
// before the bootstrap publishes global.eventbus.initialized, so handlers of
// that event can emit without waiting on the bootstrap that invoked them.
func (b *Bus) awaitReady(ctx context.Context) error {
	select {
	case <-b.ready:
		return nil
	default:
		return b.Initialize(ctx)
	}
}

// Ready is closed once Initialize has bound pending subscriptions.
func (b *Bus) Ready() <-chan struct{} {
	return b.ready
}

// IsReady reports whether Initialize has completed.
func (b *Bus) IsReady() bool {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return b.isReady
}

// track registers an in-flight event. The returned context is cancelled
// when shutdown gives up waiting.
func (b *Bus) track(ctx context.Context, p, id string) (context.Context, func(), error) {
	b.inflightMu.Lock()
	defer b.inflightMu.Unlock()
	if b.closing.Load() {
		return nil, nil, buserrors.New(buserrors.KindBusClosed, p, "bus is shutting down")
	}
	ctx, cancel := context.WithCancel(ctx)
	b.inflight[id] = cancel
	b.inflightWG.Add(1)

	return ctx, func() {
		b.inflightMu.Lock()
		delete(b.inflight, id)
		b.inflightMu.Unlock()
		cancel()
		b.inflightWG.Done()
	}, nil
}

// QueueSize returns the number of events currently being processed.
func (b *Bus) QueueSize() int {
	b.inflightMu.Lock()
	defer b.inflightMu.Unlock()
	return len(b.inflight)
}

// GracefulShutdown stops accepting emits, waits up to timeout for in-flight
// events, then tears down every component. Teardown completes even when the
// wait times out, in which case the error matches ErrGracefulShutdownTimeout.
// A timeout of zero uses Config.ShutdownTimeout.
func (b *Bus) GracefulShutdown(ctx context.Context, timeout time.Duration) error {
	b.shutdownOnce.Do(func() {
		b.shutdownErr = b.shutdown(ctx, timeout)
	})
	return b.shutdownErr
}

// Close shuts down with Config.ShutdownTimeout.
func (b *Bus) Close() error {
	return b.GracefulShutdown(context.Background(), b.cfg.ShutdownTimeout)
}

func (b *Bus) shutdown(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = b.cfg.ShutdownTimeout
	}
	if err := b.emitInternal(ctx, EventShutdown, map[string]any{
		"source":    b.cfg.Source,
		"in_flight": b.QueueSize(),
	}); err != nil {
		b.logger.Debug("shutdown event not published", slog.String("error", err.Error()))
	}

	b.inflightMu.Lock()
	b.closing.Store(true)
	b.inflightMu.Unlock()

	drained := make(chan struct{})
	go func() {
		b.inflightWG.Wait()
		close(drained)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case <-drained:
	case <-timer.C:
		err = buserrors.New(buserrors.KindGracefulShutdownTimeout, "",
			"in-flight events did not finish within "+timeout.String())
	case <-ctx.Done():
		err = buserrors.Wrap(buserrors.KindGracefulShutdownTimeout, "", ctx.Err(), "shutdown cancelled")
	}
	if err != nil {
		b.inflightMu.Lock()
		abandoned := len(b.inflight)
		for _, cancel := range b.inflight {
			cancel()
		}
		b.inflightMu.Unlock()
		b.logger.Warn("shutdown abandoned in-flight events", slog.Int("count", abandoned))
	}

	if terr := b.teardown(); terr != nil {
		err = errors.Join(err, terr)
	}
	b.logger.Info("event bus shut down", slog.String("source", b.cfg.Source))
	return err
}

func (b *Bus) teardown() error {
	b.dedup.Destroy()
	b.limiter.Close()
	b.processor.Reset()
	b.subs.Clear()
	b.patterns.Purge()

	b.pendingMu.Lock()
	b.pending = nil
	b.pendingMu.Unlock()

	var errs []error
	for _, c := range b.owned {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
