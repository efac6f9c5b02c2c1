package securebus

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/securebus/pkg/securebus/event"
	"github.com/randalmurphal/securebus/pkg/securebus/module"
)

// RegisterModule adds a module descriptor. The module stays inactive until
// ActivateModule.
func (b *Bus) RegisterModule(d module.Descriptor) error {
	return b.modules.Register(d)
}

// RegisterModuleHandler names a handler that module descriptors can refer
// to through EventSubscription.HandlerName.
func (b *Bus) RegisterModuleHandler(moduleID, name string, h event.Handler) {
	b.modules.RegisterHandler(moduleID, name, h)
}

// ActivateModule binds the module's subscriptions and marks it active.
func (b *Bus) ActivateModule(ctx context.Context, id string) error {
	return b.modules.Activate(ctx, id)
}

// DeactivateModule unbinds the module's subscriptions. It fails while an
// active module depends on it.
func (b *Bus) DeactivateModule(ctx context.Context, id string) error {
	return b.modules.Deactivate(ctx, id)
}

// ReactivateModule deactivates then activates a module, clearing its
// health window.
func (b *Bus) ReactivateModule(ctx context.Context, id string) error {
	return b.modules.Reactivate(ctx, id)
}

// ModuleHealth returns the health of one module.
func (b *Bus) ModuleHealth(id string) (module.Health, bool) {
	return b.modules.Health(id)
}

// AllModuleHealth returns the health of every registered module, sorted by ID.
func (b *Bus) AllModuleHealth() []module.Health {
	return b.modules.AllHealth()
}

// ActiveModules returns the IDs of active and degraded modules.
func (b *Bus) ActiveModules() []string {
	return b.modules.ActiveModules()
}

// moduleListener connects the module registry to the bus.
type moduleListener struct {
	b *Bus
}

var _ module.Listener = moduleListener{}

func (l moduleListener) Bind(_ context.Context, bnd module.Binding) (string, error) {
	sub, err := l.b.newSubscription(bnd.Pattern, bnd.Handler, subscribeConfig{
		moduleID: bnd.ModuleID,
		priority: bnd.Priority,
	})
	if err != nil {
		return "", err
	}
	if err := l.b.add(sub); err != nil {
		return "", err
	}
	return sub.ID, nil
}

// Unbind drops the listed subscriptions that are still pending and removes
// every bound subscription the module owns.
func (l moduleListener) Unbind(_ context.Context, moduleID string, subscriptionIDs []string) {
	for _, id := range subscriptionIDs {
		l.b.dropPending(id)
	}
	removed := l.b.subs.RemoveModule(moduleID)
	for _, sub := range removed {
		l.b.forget(sub)
	}
	l.b.logger.Debug("module subscriptions unbound",
		slog.String("module_id", moduleID),
		slog.Int("count", len(removed)),
	)
}

func (l moduleListener) StatusChanged(ctx context.Context, t module.Transition) {
	var p string
	switch {
	case t.To == module.StatusActive && (t.From == module.StatusRegistered || t.From == module.StatusInactive):
		p = EventModuleActivated
	case t.To == module.StatusInactive:
		p = EventModuleDeactivated
	default:
		p = EventModuleStatusChanged
	}
	payload := map[string]any{
		"module_id": t.ModuleID,
		"from":      t.From.String(),
		"to":        t.To.String(),
	}
	if t.Reason != "" {
		payload["reason"] = redact(t.Reason)
	}
	if err := l.b.emitInternal(ctx, p, payload); err != nil {
		l.b.logger.Debug("module event not published",
			slog.String("module_id", t.ModuleID),
			slog.String("error", err.Error()),
		)
	}
}

// dropPending removes a subscription that has not been bound yet.
func (b *Bus) dropPending(id string) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	for i, sub := range b.pending {
		if sub.ID == id {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			return
		}
	}
}
