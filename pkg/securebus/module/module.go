// Package module tracks the lifecycle and health of bus modules.
//
// A module is a named group of subscriptions that is activated and
// deactivated as a unit. The Registry owns module state; a Listener (the
// bus) turns activation into live subscriptions and publishes lifecycle
// events.
//
//	reg := module.NewRegistry(module.DefaultConfig)
//	reg.Register(module.Descriptor{
//	    ID: "sales",
//	    EventSubscriptions: []module.EventSubscription{
//	        {Pattern: "sales.order.*", Handler: onOrder},
//	    },
//	})
//	err := reg.Activate(ctx, "sales")
package module

import (
	"context"
	"time"

	"github.com/randalmurphal/securebus/pkg/securebus/event"
)

// Status is the lifecycle state of a module.
type Status int

// Module states.
const (
	StatusRegistered Status = iota
	StatusActive
	StatusDegraded
	StatusInactive
	StatusError
)

// String returns the status name used in lifecycle events.
func (s Status) String() string {
	switch s {
	case StatusRegistered:
		return "registered"
	case StatusActive:
		return "active"
	case StatusDegraded:
		return "degraded"
	case StatusInactive:
		return "inactive"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Serving reports whether the module's subscriptions are bound.
func (s Status) Serving() bool {
	return s == StatusActive || s == StatusDegraded || s == StatusError
}

// EventSubscription declares one subscription of a module. Handler takes
// precedence; otherwise HandlerName is resolved against handlers registered
// with RegisterHandler.
type EventSubscription struct {
	Pattern     string
	HandlerName string
	Handler     event.Handler
	Priority    event.Priority
}

// Descriptor describes a module.
type Descriptor struct {
	ID                 string
	Name               string
	Version            string
	Dependencies       []string
	EventSubscriptions []EventSubscription

	// OnActivate runs before subscriptions are bound. An error leaves the
	// module in StatusError with nothing bound; Activate may be retried.
	OnActivate func(ctx context.Context) error

	// OnDeactivate runs after subscriptions are unbound.
	OnDeactivate func(ctx context.Context) error
}

// Health is a point-in-time view of a module.
type Health struct {
	ModuleID      string
	Status        Status
	Since         time.Time
	Executions    int // Within the health window
	Errors        int // Within the health window
	ErrorRate     float64
	AvgLatency    time.Duration
	LastError     string
	LastExecution time.Time
	Subscriptions int
}

// Binding is a resolved module subscription handed to the Listener.
type Binding struct {
	ModuleID string
	Pattern  string
	Handler  event.Handler
	Priority event.Priority
}

// Transition describes a status change.
type Transition struct {
	ModuleID string
	From     Status
	To       Status
	Reason   string
}

// Listener receives lifecycle callbacks. Callbacks are made without any
// registry lock held.
type Listener interface {
	// Bind registers a live subscription and returns its ID.
	Bind(ctx context.Context, b Binding) (string, error)

	// Unbind removes subscriptions previously returned by Bind or passed
	// to TrackSubscription.
	Unbind(ctx context.Context, moduleID string, subscriptionIDs []string)

	// StatusChanged reports a completed transition.
	StatusChanged(ctx context.Context, t Transition)
}

// HandlerKey names a handler registered for a module.
type HandlerKey struct {
	Module string
	Name   string
}
