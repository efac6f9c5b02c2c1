package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EventError represents an error during event decoding or delivery.
type EventError struct {
	Event   *Event // The event that failed
	Message string // Error message
	Err     error  // Underlying error
}

// Error implements error interface.
func (e *EventError) Error() string {
	id := ""
	if e.Event != nil {
		id = e.Event.ID
	}
	if e.Err != nil {
		return fmt.Sprintf("event %s: %s: %v", id, e.Message, e.Err)
	}
	return fmt.Sprintf("event %s: %s", id, e.Message)
}

// Unwrap returns the underlying error.
func (e *EventError) Unwrap() error {
	return e.Err
}

// FailedEvent records a handler invocation that did not succeed.
type FailedEvent struct {
	// Event information
	EventID     string `json:"event_id"`
	Pattern     string `json:"pattern"`
	PayloadJSON []byte `json:"payload"`
	Source      string `json:"source"`

	// Delivery information
	SubscriptionID string `json:"subscription_id"`
	ModuleID       string `json:"module_id,omitempty"`
	ErrorMessage   string `json:"error_message"`
	TimedOut       bool   `json:"timed_out,omitempty"`

	// Retry tracking
	AttemptCount  int       `json:"attempt_count"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	LastFailedAt  time.Time `json:"last_failed_at"`
}

// NewFailedEvent creates a FailedEvent from a handler error.
// The error message is stored as given; callers redact it first.
func NewFailedEvent(evt *Event, subscriptionID, moduleID string, errMsg string) *FailedEvent {
	now := time.Now()
	data, _ := json.Marshal(evt.Payload)
	return &FailedEvent{
		EventID:        evt.ID,
		Pattern:        evt.Pattern,
		PayloadJSON:    data,
		Source:         evt.Source,
		SubscriptionID: subscriptionID,
		ModuleID:       moduleID,
		ErrorMessage:   errMsg,
		AttemptCount:   1,
		FirstFailedAt:  now,
		LastFailedAt:   now,
	}
}

// key identifies one (event, subscription) failure.
func (f *FailedEvent) key() string {
	return f.EventID + "/" + f.SubscriptionID
}

// ParkedEvent is a failed event set aside for manual review.
type ParkedEvent struct {
	FailedEvent

	ParkReason string    `json:"park_reason"`
	ParkedAt   time.Time `json:"parked_at"`
}

// DeadLetterQueue stores failed handler invocations for inspection.
type DeadLetterQueue interface {
	// Enqueue records a failure. A repeated failure for the same event and
	// subscription increments AttemptCount.
	Enqueue(ctx context.Context, failed *FailedEvent) error

	// List returns up to limit failures, oldest first. limit <= 0 returns all.
	List(ctx context.Context, limit int) ([]*FailedEvent, error)

	// Acknowledge removes every failure recorded for eventID.
	Acknowledge(ctx context.Context, eventID string) error

	// MoveToParked moves every failure for eventID to the parked set.
	MoveToParked(ctx context.Context, eventID, reason string) error

	// Count returns the number of queued failures.
	Count(ctx context.Context) (int, error)

	// CountByPattern returns queued failures grouped by event pattern.
	CountByPattern(ctx context.Context) (map[string]int, error)
}
