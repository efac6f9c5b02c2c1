// Package offline queues operations for later synchronization when the
// application regains connectivity.
//
// The bus enqueues an operation for every emit made with WithOfflineSync.
// A sync worker drains the queue with Pending and Ack. Operations come out
// by priority, then in enqueue order.
package offline

import (
	"context"
	"errors"
	"time"

	"github.com/randalmurphal/securebus/pkg/securebus/event"
)

// OperationType classifies a queued operation.
type OperationType string

// Operation types.
const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
	OpEvent  OperationType = "event"
)

// Operation is a unit of work awaiting synchronization.
type Operation struct {
	ID       string         `json:"id"`
	Type     OperationType  `json:"type"`
	Entity   string         `json:"entity"`
	Data     any            `json:"data"`
	Priority event.Priority `json:"priority"`
	QueuedAt time.Time      `json:"queued_at"`
}

// Queue accepts operations for later synchronization.
type Queue interface {
	QueueOperation(ctx context.Context, op Operation) error
}

// ErrClosed indicates the queue has been closed.
var ErrClosed = errors.New("offline queue closed")

// ErrInvalidOperation indicates an operation without type or entity.
var ErrInvalidOperation = errors.New("invalid offline operation")

func validate(op Operation) error {
	if op.Type == "" || op.Entity == "" {
		return ErrInvalidOperation
	}
	return nil
}
