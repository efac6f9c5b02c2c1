package module

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	buserrors "github.com/randalmurphal/securebus/pkg/securebus/errors"
	"github.com/randalmurphal/securebus/pkg/securebus/event"
	"github.com/randalmurphal/securebus/pkg/securebus/pattern"
	"github.com/randalmurphal/securebus/pkg/securebus/registry"
)

// Config tunes health evaluation.
type Config struct {
	// ErrorThreshold is the windowed error rate at which a module enters StatusError.
	// Default: 0.5
	ErrorThreshold float64

	// DegradedThreshold is the windowed error rate at which a module is degraded.
	// Default: 0.1
	DegradedThreshold float64

	// LatencyThreshold is the mean handler latency at which a module is degraded.
	// Default: 1s
	LatencyThreshold time.Duration

	// WindowSize is how many recent executions health is computed over.
	// Default: 100
	WindowSize int

	// MinSamples is the number of executions required before health can
	// leave StatusActive.
	// Default: 10
	MinSamples int

	Logger *slog.Logger
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	ErrorThreshold:    0.5,
	DegradedThreshold: 0.1,
	LatencyThreshold:  time.Second,
	WindowSize:        100,
	MinSamples:        10,
}

type entry struct {
	desc Descriptor

	mu            sync.Mutex
	status        Status
	since         time.Time
	busy          bool // lifecycle transition in progress
	window        *window
	lastError     string
	lastExecution time.Time
	subscriptions []string
	failed        bool // last activation failed; nothing is bound
}

// Registry holds module descriptors and their runtime state. It is safe for
// concurrent use.
type Registry struct {
	cfg      Config
	now      func() time.Time
	modules  *registry.Registry[string, *entry]
	handlers *registry.Registry[HandlerKey, event.Handler]

	mu       sync.RWMutex
	listener Listener
}

// NewRegistry creates a module registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = DefaultConfig.ErrorThreshold
	}
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = DefaultConfig.DegradedThreshold
	}
	if cfg.LatencyThreshold <= 0 {
		cfg.LatencyThreshold = DefaultConfig.LatencyThreshold
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig.WindowSize
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultConfig.MinSamples
	}
	return &Registry{
		cfg:      cfg,
		now:      time.Now,
		modules:  registry.New[string, *entry](),
		handlers: registry.New[HandlerKey, event.Handler](),
	}
}

// SetListener installs the lifecycle listener. Without one, activation only
// tracks state.
func (r *Registry) SetListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

func (r *Registry) getListener() Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listener
}

func moduleErr(id, format string, args ...any) error {
	return buserrors.New(buserrors.KindModule, "", fmt.Sprintf("module %q: ", id)+fmt.Sprintf(format, args...))
}

// Register adds a module in StatusRegistered.
func (r *Registry) Register(d Descriptor) error {
	if d.ID == "" {
		return buserrors.New(buserrors.KindModule, "", "module id is required")
	}
	for _, sub := range d.EventSubscriptions {
		if err := pattern.Validate(sub.Pattern); err != nil {
			return err
		}
		if sub.Handler == nil && sub.HandlerName == "" {
			return moduleErr(d.ID, "subscription %s has no handler", sub.Pattern)
		}
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	e := &entry{
		desc:   d,
		status: StatusRegistered,
		since:  r.now(),
		window: newWindow(r.cfg.WindowSize),
	}
	if !r.modules.RegisterIfAbsent(d.ID, e) {
		return moduleErr(d.ID, "already registered")
	}
	return nil
}

// RegisterHandler makes a named handler available to a module's
// EventSubscriptions.
func (r *Registry) RegisterHandler(moduleID, name string, h event.Handler) {
	r.handlers.Register(HandlerKey{Module: moduleID, Name: name}, h)
}

// Handlers returns the keys of all named handlers, sorted.
func (r *Registry) Handlers() []HandlerKey {
	keys := r.handlers.Keys()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Module != keys[j].Module {
			return keys[i].Module < keys[j].Module
		}
		return keys[i].Name < keys[j].Name
	})
	return keys
}

// Descriptor returns a registered module's descriptor.
func (r *Registry) Descriptor(id string) (Descriptor, bool) {
	e, ok := r.modules.Get(id)
	if !ok {
		return Descriptor{}, false
	}
	return e.desc, true
}

func (r *Registry) resolve(d Descriptor) ([]Binding, error) {
	bindings := make([]Binding, 0, len(d.EventSubscriptions))
	for _, sub := range d.EventSubscriptions {
		h := sub.Handler
		if h == nil {
			var ok bool
			h, ok = r.handlers.Get(HandlerKey{Module: d.ID, Name: sub.HandlerName})
			if !ok {
				return nil, moduleErr(d.ID, "handler %q is not registered", sub.HandlerName)
			}
		}
		bindings = append(bindings, Binding{
			ModuleID: d.ID,
			Pattern:  sub.Pattern,
			Handler:  h,
			Priority: sub.Priority,
		})
	}
	return bindings, nil
}

// begin marks e busy if it is in one of the allowed states. A module whose
// activation failed may always start a transition.
func begin(e *entry, allowed ...Status) (Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy {
		return e.status, false
	}
	if e.failed {
		e.busy = true
		return e.status, true
	}
	for _, s := range allowed {
		if e.status == s {
			e.busy = true
			return e.status, true
		}
	}
	return e.status, false
}

// finish ends a transition and returns it for notification.
func (r *Registry) finish(e *entry, to Status, reason string) Transition {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := Transition{ModuleID: e.desc.ID, From: e.status, To: to, Reason: reason}
	e.status = to
	e.since = r.now()
	e.busy = false
	if reason != "" && to == StatusError {
		e.lastError = reason
	}
	return t
}

// fail ends an activation that bound nothing.
func (r *Registry) fail(ctx context.Context, e *entry, reason string) {
	e.mu.Lock()
	e.failed = true
	e.mu.Unlock()
	r.notify(ctx, r.finish(e, StatusError, reason))
}

func (r *Registry) notify(ctx context.Context, t Transition) {
	if t.From == t.To {
		return
	}
	if r.cfg.Logger != nil {
		r.cfg.Logger.Info("module status changed",
			slog.String("module_id", t.ModuleID),
			slog.String("from", t.From.String()),
			slog.String("to", t.To.String()),
		)
	}
	if l := r.getListener(); l != nil {
		l.StatusChanged(ctx, t)
	}
}

// Activate brings a registered or inactive module online, or retries one
// whose previous activation failed. Every dependency must already be
// serving. Activating a serving module is a no-op.
func (r *Registry) Activate(ctx context.Context, id string) error {
	e, ok := r.modules.Get(id)
	if !ok {
		return moduleErr(id, "not registered")
	}
	from, ok := begin(e, StatusRegistered, StatusInactive)
	if !ok {
		if e.serving() {
			return nil
		}
		return moduleErr(id, "cannot activate from %s", from)
	}

	for _, dep := range e.desc.Dependencies {
		de, ok := r.modules.Get(dep)
		if !ok || !de.serving() {
			r.abort(e)
			return moduleErr(id, "dependency %q is not active", dep)
		}
	}

	bindings, err := r.resolve(e.desc)
	if err != nil {
		r.abort(e)
		return err
	}

	if e.desc.OnActivate != nil {
		if err := e.desc.OnActivate(ctx); err != nil {
			r.fail(ctx, e, err.Error())
			return buserrors.Wrap(buserrors.KindModule, "", err, fmt.Sprintf("module %q activation failed", id))
		}
	}

	var subIDs []string
	if l := r.getListener(); l != nil {
		for _, b := range bindings {
			subID, err := l.Bind(ctx, b)
			if err != nil {
				l.Unbind(ctx, id, subIDs)
				r.fail(ctx, e, err.Error())
				return buserrors.Wrap(buserrors.KindModule, b.Pattern, err, fmt.Sprintf("module %q bind failed", id))
			}
			subIDs = append(subIDs, subID)
		}
	}

	e.mu.Lock()
	e.subscriptions = append(subIDs, e.subscriptions...)
	e.window.reset()
	e.lastError = ""
	e.failed = false
	e.mu.Unlock()

	r.notify(ctx, r.finish(e, StatusActive, ""))
	return nil
}

func (r *Registry) abort(e *entry) {
	e.mu.Lock()
	e.busy = false
	e.mu.Unlock()
}

// Deactivate takes a serving module offline, unbinding all of its
// subscriptions. It fails while a serving module depends on it.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	e, ok := r.modules.Get(id)
	if !ok {
		return moduleErr(id, "not registered")
	}
	from, ok := begin(e, StatusActive, StatusDegraded, StatusError)
	if !ok {
		if from == StatusInactive || from == StatusRegistered {
			return nil
		}
		return moduleErr(id, "cannot deactivate from %s", from)
	}

	for _, other := range r.modules.Values() {
		if other == e || !other.serving() {
			continue
		}
		for _, dep := range other.desc.Dependencies {
			if dep == id {
				r.abort(e)
				return moduleErr(id, "module %q depends on it", other.desc.ID)
			}
		}
	}

	e.mu.Lock()
	subIDs := e.subscriptions
	e.subscriptions = nil
	e.failed = false
	e.mu.Unlock()

	if l := r.getListener(); l != nil && len(subIDs) > 0 {
		l.Unbind(ctx, id, subIDs)
	}

	var hookErr error
	if e.desc.OnDeactivate != nil {
		hookErr = e.desc.OnDeactivate(ctx)
	}
	r.notify(ctx, r.finish(e, StatusInactive, ""))
	if hookErr != nil {
		return buserrors.Wrap(buserrors.KindModule, "", hookErr, fmt.Sprintf("module %q deactivation hook failed", id))
	}
	return nil
}

// Reactivate restarts a module, typically one in StatusError.
func (r *Registry) Reactivate(ctx context.Context, id string) error {
	if err := r.Deactivate(ctx, id); err != nil {
		// A failing deactivation hook still leaves the module inactive.
		var busErr *buserrors.BusError
		if !errors.As(err, &busErr) || busErr.Err == nil {
			return err
		}
	}
	return r.Activate(ctx, id)
}

// TrackSubscription attaches an externally created subscription to a
// module so it is unbound on deactivation.
func (r *Registry) TrackSubscription(id, subscriptionID string) bool {
	e, ok := r.modules.Get(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscriptions = append(e.subscriptions, subscriptionID)
	return true
}

// UntrackSubscription detaches a subscription removed outside the module lifecycle.
func (r *Registry) UntrackSubscription(id, subscriptionID string) {
	e, ok := r.modules.Get(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.subscriptions {
		if s == subscriptionID {
			e.subscriptions = append(e.subscriptions[:i], e.subscriptions[i+1:]...)
			return
		}
	}
}

// Subscriptions returns the live subscription IDs of a module.
func (r *Registry) Subscriptions(id string) []string {
	e, ok := r.modules.Get(id)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.subscriptions...)
}

// RecordExecution feeds one handler outcome into the module's health window
// and applies any resulting status change.
func (r *Registry) RecordExecution(ctx context.Context, id string, latency time.Duration, err error) {
	e, ok := r.modules.Get(id)
	if !ok {
		return
	}
	now := r.now()

	e.mu.Lock()
	e.window.add(sample{latency: latency, failed: err != nil})
	e.lastExecution = now
	if err != nil {
		e.lastError = err.Error()
	}
	if e.busy || e.failed || !e.status.Serving() {
		e.mu.Unlock()
		return
	}
	n, errs, avg := e.window.summary()
	next := classify(r.cfg, n, errs, avg)
	t := Transition{ModuleID: id, From: e.status, To: next}
	if next != e.status {
		e.status = next
		e.since = now
		t.Reason = fmt.Sprintf("error rate %.2f over %d executions, avg latency %s", float64(errs)/float64(n), n, avg)
	}
	e.mu.Unlock()

	r.notify(ctx, t)
}

func (e *entry) currentStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// serving reports whether the module's subscriptions are bound.
func (e *entry) serving() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.failed && e.status.Serving()
}

func (e *entry) health() Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, errs, avg := e.window.summary()
	h := Health{
		ModuleID:      e.desc.ID,
		Status:        e.status,
		Since:         e.since,
		Executions:    n,
		Errors:        errs,
		AvgLatency:    avg,
		LastError:     e.lastError,
		LastExecution: e.lastExecution,
		Subscriptions: len(e.subscriptions),
	}
	if n > 0 {
		h.ErrorRate = float64(errs) / float64(n)
	}
	return h
}

// Health returns the health of a module.
func (r *Registry) Health(id string) (Health, bool) {
	e, ok := r.modules.Get(id)
	if !ok {
		return Health{}, false
	}
	return e.health(), true
}

// AllHealth returns the health of every module ordered by ID.
func (r *Registry) AllHealth() []Health {
	entries := r.modules.Values()
	out := make([]Health, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.health())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out
}

// ActiveModules returns the IDs of active and degraded modules, sorted.
func (r *Registry) ActiveModules() []string {
	var ids []string
	r.modules.Range(func(id string, e *entry) bool {
		if s := e.currentStatus(); s == StatusActive || s == StatusDegraded {
			ids = append(ids, id)
		}
		return true
	})
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	return r.modules.Len()
}
