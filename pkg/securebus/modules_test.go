package securebus_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/securebus/pkg/securebus"
	"github.com/randalmurphal/securebus/pkg/securebus/event"
	"github.com/randalmurphal/securebus/pkg/securebus/module"
)

func TestModuleLifecycle(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, nil)

	lifecycle := &recorder{}
	b.On("global.module.*", lifecycle)

	orders := &recorder{}
	require.NoError(t, b.RegisterModule(module.Descriptor{
		ID:      "sales",
		Name:    "Sales",
		Version: "1.2.0",
		EventSubscriptions: []module.EventSubscription{
			{Pattern: "sales.order.*", Handler: orders},
		},
	}))
	assert.Empty(t, b.ActiveModules())

	require.NoError(t, b.Emit(ctx, "sales.order.created", map[string]any{"id": 1}))
	assert.Equal(t, 0, orders.Len(), "inactive modules receive nothing")

	require.NoError(t, b.ActivateModule(ctx, "sales"))
	assert.Equal(t, []string{"sales"}, b.ActiveModules())
	require.NoError(t, b.Emit(ctx, "sales.order.created", map[string]any{"id": 2}))
	assert.Equal(t, 1, orders.Len())

	h, ok := b.ModuleHealth("sales")
	require.True(t, ok)
	assert.Equal(t, module.StatusActive, h.Status)
	assert.Equal(t, 1, h.Executions)
	assert.Equal(t, 1, h.Subscriptions)
	assert.Equal(t, int64(1), b.Metrics().ByModule["sales"])

	require.NoError(t, b.DeactivateModule(ctx, "sales"))
	require.NoError(t, b.Emit(ctx, "sales.order.created", map[string]any{"id": 3}))
	assert.Equal(t, 1, orders.Len())
	assert.Empty(t, b.ActiveModules())

	assert.Equal(t, []string{securebus.EventModuleActivated, securebus.EventModuleDeactivated}, lifecycle.Patterns())
	activated := lifecycle.All()[0].PayloadMap()
	assert.Equal(t, "sales", activated["module_id"])
	assert.Equal(t, "registered", activated["from"])
	assert.Equal(t, "active", activated["to"])
}

func TestModuleHandlerByName(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, nil)

	invoices := &recorder{}
	b.RegisterModuleHandler("billing", "onInvoice", invoices)
	require.NoError(t, b.RegisterModule(module.Descriptor{
		ID: "billing",
		EventSubscriptions: []module.EventSubscription{
			{Pattern: "billing.invoice.*", HandlerName: "onInvoice", Priority: event.PriorityHigh},
		},
	}))
	require.NoError(t, b.ActivateModule(ctx, "billing"))

	require.NoError(t, b.Emit(ctx, "billing.invoice.sent", map[string]any{"invoice": "INV-7"}))
	assert.Equal(t, 1, invoices.Len())

	require.NoError(t, b.RegisterModule(module.Descriptor{
		ID: "payroll",
		EventSubscriptions: []module.EventSubscription{
			{Pattern: "payroll.run.*", HandlerName: "missing"},
		},
	}))
	assert.ErrorIs(t, b.ActivateModule(ctx, "payroll"), securebus.ErrModule)
}

func TestModuleDependencies(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, nil)

	require.NoError(t, b.RegisterModule(module.Descriptor{ID: "inventory"}))
	require.NoError(t, b.RegisterModule(module.Descriptor{ID: "reports", Dependencies: []string{"inventory"}}))

	assert.ErrorIs(t, b.ActivateModule(ctx, "reports"), securebus.ErrModule)
	require.NoError(t, b.ActivateModule(ctx, "inventory"))
	require.NoError(t, b.ActivateModule(ctx, "reports"))

	assert.ErrorIs(t, b.DeactivateModule(ctx, "inventory"), securebus.ErrModule, "reports still depends on it")
	require.NoError(t, b.DeactivateModule(ctx, "reports"))
	require.NoError(t, b.DeactivateModule(ctx, "inventory"))
}

func TestModuleHealthDegradesOnFailures(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, func(c *securebus.Config) {
		c.Modules.MinSamples = 2
	})

	changes := &recorder{}
	b.On(securebus.EventModuleStatusChanged, changes)

	require.NoError(t, b.RegisterModule(module.Descriptor{ID: "mailer"}))
	require.NoError(t, b.ActivateModule(ctx, "mailer"))
	b.On("mail.message.queued", event.HandlerFunc(func(context.Context, *event.Event) error {
		return errors.New("relay refused")
	}), securebus.WithModule("mailer"))

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Emit(ctx, "mail.message.queued", map[string]any{"n": i}))
	}

	h, ok := b.ModuleHealth("mailer")
	require.True(t, ok)
	assert.Equal(t, module.StatusError, h.Status)
	assert.Equal(t, 2, h.Errors)
	assert.Equal(t, 1.0, h.ErrorRate)
	assert.Contains(t, h.LastError, "relay refused")
	assert.Equal(t, 1, h.Subscriptions)

	require.Equal(t, 1, changes.Len())
	payload := changes.All()[0].PayloadMap()
	assert.Equal(t, "mailer", payload["module_id"])
	assert.Equal(t, "active", payload["from"])
	assert.Equal(t, "error", payload["to"])
	assert.NotEmpty(t, payload["reason"])

	require.NoError(t, b.ReactivateModule(ctx, "mailer"))
	h, _ = b.ModuleHealth("mailer")
	assert.Equal(t, module.StatusActive, h.Status)
	assert.Equal(t, 0, h.Executions)

	all := b.AllModuleHealth()
	require.Len(t, all, 1)
	assert.Equal(t, "mailer", all[0].ModuleID)
}

func TestModuleActivationRetryAfterHookFailure(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, nil)

	payments := &recorder{}
	ready := false
	require.NoError(t, b.RegisterModule(module.Descriptor{
		ID: "payments",
		EventSubscriptions: []module.EventSubscription{
			{Pattern: "payment.*", Handler: payments},
		},
		OnActivate: func(context.Context) error {
			if !ready {
				return errors.New("db not ready")
			}
			return nil
		},
	}))

	require.ErrorIs(t, b.ActivateModule(ctx, "payments"), securebus.ErrModule)
	require.NoError(t, b.Emit(ctx, "payment.captured", map[string]any{"id": 1}))
	assert.Equal(t, 0, payments.Len())

	ready = true
	require.NoError(t, b.ActivateModule(ctx, "payments"))
	require.NoError(t, b.Emit(ctx, "payment.captured", map[string]any{"id": 2}))
	assert.Equal(t, 1, payments.Len())

	h, ok := b.ModuleHealth("payments")
	require.True(t, ok)
	assert.Equal(t, module.StatusActive, h.Status)
	assert.Equal(t, 1, h.Subscriptions)
}

func TestModuleDeactivationRemovesOwnedSubscriptions(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, nil)
	base := b.Metrics().ActiveSubscriptions

	orders, audit := &recorder{}, &recorder{}
	require.NoError(t, b.RegisterModule(module.Descriptor{
		ID: "sales",
		EventSubscriptions: []module.EventSubscription{
			{Pattern: "sales.order.*", Handler: orders},
		},
	}))
	require.NoError(t, b.ActivateModule(ctx, "sales"))
	b.On("sales.*", audit, securebus.WithModule("sales"))
	assert.Equal(t, base+2, b.Metrics().ActiveSubscriptions)

	require.NoError(t, b.DeactivateModule(ctx, "sales"))
	assert.Equal(t, base, b.Metrics().ActiveSubscriptions)
	assert.Empty(t, b.SecurityMetrics().Subscriptions.ByModule)

	require.NoError(t, b.Emit(ctx, "sales.order.created", map[string]any{"id": 1}))
	assert.Equal(t, 0, orders.Len())
	assert.Equal(t, 0, audit.Len())

	h, ok := b.ModuleHealth("sales")
	require.True(t, ok)
	assert.Zero(t, h.Subscriptions)
}
