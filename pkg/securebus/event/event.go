// Package event defines the event model shared by every securebus component.
//
// Events carry a generic JSON payload internally: whatever the emitter passes
// is normalized into map[string]any / []any / string / float64 / bool / nil
// before it enters the pipeline. Handlers that prefer typed payloads use
// TypedHandler or Decode.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders dispatch. Lower values run first.
type Priority int

// Dispatch priorities.
const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a priority name into a Priority.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "critical":
		return PriorityCritical, true
	case "high":
		return PriorityHigh, true
	case "normal", "":
		return PriorityNormal, true
	case "low":
		return PriorityLow, true
	case "background":
		return PriorityBackground, true
	}
	return PriorityNormal, false
}

// DeduplicationMetadata identifies an event for duplicate suppression.
type DeduplicationMetadata struct {
	ContentHash string `json:"content_hash"`
	ClientID    string `json:"client_id"`
	Sequence    uint64 `json:"sequence"`
	Semantic    string `json:"semantic,omitempty"`
}

// TracingMetadata links an event to a distributed trace.
type TracingMetadata struct {
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id,omitempty"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

// RetryPolicy is advisory retry information for persistent consumers.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`
}

// Metadata carries delivery attributes of an event.
type Metadata struct {
	Priority      Priority              `json:"priority"`
	Persistent    bool                  `json:"persistent"`
	CrossModule   bool                  `json:"cross_module"`
	Deduplication DeduplicationMetadata `json:"deduplication"`
	Tracing       TracingMetadata       `json:"tracing"`
	Encrypted     bool                  `json:"encrypted,omitempty"`
	RetryPolicy   *RetryPolicy          `json:"retry_policy,omitempty"`
	Replayed      bool                  `json:"replayed,omitempty"`
}

// Event is a single occurrence routed by the bus.
// Events are immutable once dispatched; handlers must treat Payload as read-only.
type Event struct {
	ID            string    `json:"id"`
	Pattern       string    `json:"pattern"`
	Payload       any       `json:"payload"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
	CorrelationID string    `json:"correlation_id"`
	CausationID   string    `json:"causation_id,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	Metadata      Metadata  `json:"metadata"`
}

// Option configures event creation.
type Option func(*Event)

// WithID sets a specific event ID (default: auto-generated UUID).
func WithID(id string) Option {
	return func(e *Event) {
		e.ID = id
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func WithCorrelationID(id string) Option {
	return func(e *Event) {
		e.CorrelationID = id
	}
}

// WithCausationID sets the ID of the causing event.
func WithCausationID(id string) Option {
	return func(e *Event) {
		e.CausationID = id
	}
}

// WithUserID attributes the event to a user.
func WithUserID(id string) Option {
	return func(e *Event) {
		e.UserID = id
	}
}

// WithTimestamp sets a specific timestamp (default: time.Now()).
func WithTimestamp(t time.Time) Option {
	return func(e *Event) {
		e.Timestamp = t
	}
}

// WithMetadata replaces the delivery metadata.
func WithMetadata(m Metadata) Option {
	return func(e *Event) {
		e.Metadata = m
	}
}

// New creates an event. The payload is stored as given; use NormalizePayload
// first when it must be a JSON tree.
func New(pattern, source string, payload any, opts ...Option) *Event {
	evt := &Event{
		ID:        uuid.New().String(),
		Pattern:   pattern,
		Payload:   payload,
		Timestamp: time.Now(),
		Source:    source,
		Metadata:  Metadata{Priority: PriorityNormal},
	}
	for _, opt := range opts {
		opt(evt)
	}

	// If no correlation ID, use event ID as the root
	if evt.CorrelationID == "" {
		evt.CorrelationID = evt.ID
	}
	return evt
}

// NewFromParent creates an event caused by parent, inheriting its correlation.
func NewFromParent(parent *Event, pattern, source string, payload any, opts ...Option) *Event {
	parentOpts := []Option{
		WithCorrelationID(parent.CorrelationID),
		WithCausationID(parent.ID),
		WithUserID(parent.UserID),
	}
	return New(pattern, source, payload, append(parentOpts, opts...)...)
}

// Clone returns a shallow copy of e. The payload tree is shared.
func (e *Event) Clone() *Event {
	c := *e
	if e.Metadata.RetryPolicy != nil {
		rp := *e.Metadata.RetryPolicy
		c.Metadata.RetryPolicy = &rp
	}
	return &c
}

// PayloadMap returns the payload as a map, or nil when it is not an object.
func (e *Event) PayloadMap() map[string]any {
	m, _ := e.Payload.(map[string]any)
	return m
}

// NormalizePayload converts an arbitrary Go value into a JSON tree by
// round-tripping it through encoding/json.
func NormalizePayload(payload any) (any, error) {
	switch payload.(type) {
	case nil, string, bool, float64:
		return payload, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var tree any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return tree, nil
}

// Decode converts the event payload into T.
func Decode[T any](e *Event) (T, error) {
	var out T
	if typed, ok := e.Payload.(T); ok {
		return typed, nil
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return out, &EventError{Event: e, Message: "failed to marshal event data", Err: err}
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, &EventError{Event: e, Message: "failed to unmarshal event data to expected type", Err: err}
	}
	return out, nil
}

// Handler processes events delivered by the bus.
type Handler interface {
	Handle(ctx context.Context, evt *Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, evt *Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, evt *Event) error {
	return f(ctx, evt)
}

// TypedHandler wraps a function handling a specific payload type.
func TypedHandler[T any](fn func(ctx context.Context, payload T, evt *Event) error) Handler {
	return HandlerFunc(func(ctx context.Context, evt *Event) error {
		payload, err := Decode[T](evt)
		if err != nil {
			return err
		}
		return fn(ctx, payload, evt)
	})
}
