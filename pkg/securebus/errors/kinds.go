package errors

import (
	"errors"
	"fmt"
)

// Kind identifies a class of bus failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidPattern
	KindRateLimitExceeded
	KindPayloadBlocked
	KindPersistence
	KindHandler
	KindHandlerTimeout
	KindCircuitBreakerOpen
	KindGracefulShutdownTimeout
	KindEncryptionFailed
	KindWaitTimeout
	KindBusClosed
	KindModule
)

// Sentinel errors, one per kind. A *BusError matches its kind's sentinel
// under errors.Is.
var (
	ErrInvalidPattern          = errors.New("invalid pattern")
	ErrRateLimitExceeded       = errors.New("rate limit exceeded")
	ErrPayloadBlocked          = errors.New("payload blocked")
	ErrPersistence             = errors.New("persistence error")
	ErrHandler                 = errors.New("handler error")
	ErrHandlerTimeout          = errors.New("handler timeout")
	ErrCircuitBreakerOpen      = errors.New("circuit breaker open")
	ErrGracefulShutdownTimeout = errors.New("graceful shutdown timeout")
	ErrEncryptionFailed        = errors.New("encryption failed")
	ErrWaitTimeout             = errors.New("wait timeout")
	ErrBusClosed               = errors.New("event bus closed")
	ErrModule                  = errors.New("module error")
)

var kindSentinels = map[Kind]error{
	KindInvalidPattern:          ErrInvalidPattern,
	KindRateLimitExceeded:       ErrRateLimitExceeded,
	KindPayloadBlocked:          ErrPayloadBlocked,
	KindPersistence:             ErrPersistence,
	KindHandler:                 ErrHandler,
	KindHandlerTimeout:          ErrHandlerTimeout,
	KindCircuitBreakerOpen:      ErrCircuitBreakerOpen,
	KindGracefulShutdownTimeout: ErrGracefulShutdownTimeout,
	KindEncryptionFailed:        ErrEncryptionFailed,
	KindWaitTimeout:             ErrWaitTimeout,
	KindBusClosed:               ErrBusClosed,
	KindModule:                  ErrModule,
}

// String returns the kind name used in logs and error events.
func (k Kind) String() string {
	switch k {
	case KindInvalidPattern:
		return "InvalidPattern"
	case KindRateLimitExceeded:
		return "RateLimitExceeded"
	case KindPayloadBlocked:
		return "PayloadBlocked"
	case KindPersistence:
		return "PersistenceError"
	case KindHandler:
		return "HandlerError"
	case KindHandlerTimeout:
		return "HandlerTimeout"
	case KindCircuitBreakerOpen:
		return "CircuitBreakerOpen"
	case KindGracefulShutdownTimeout:
		return "GracefulShutdownTimeout"
	case KindEncryptionFailed:
		return "EncryptionFailed"
	case KindWaitTimeout:
		return "WaitTimeout"
	case KindBusClosed:
		return "BusClosed"
	case KindModule:
		return "ModuleError"
	default:
		return "Unknown"
	}
}

// Category returns the retry category for errors of this kind.
func (k Kind) Category() Category {
	switch k {
	case KindInvalidPattern, KindRateLimitExceeded, KindPayloadBlocked, KindEncryptionFailed:
		return CategorySecurity
	case KindPersistence, KindHandlerTimeout:
		return CategoryTransient
	default:
		return CategoryPermanent
	}
}

// BusError is the error type returned by bus operations.
type BusError struct {
	Kind    Kind
	Pattern string // Event or subscription pattern involved, if any
	Message string
	Err     error
}

// New creates a BusError of the given kind.
func New(kind Kind, pattern, message string) *BusError {
	return &BusError{Kind: kind, Pattern: pattern, Message: message}
}

// Wrap creates a BusError of the given kind around err.
func Wrap(kind Kind, pattern string, err error, message string) *BusError {
	return &BusError{Kind: kind, Pattern: pattern, Message: message, Err: err}
}

// Error implements the error interface.
func (e *BusError) Error() string {
	msg := e.Kind.String()
	if e.Pattern != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Pattern)
	}
	if e.Message != "" {
		msg = msg + ": " + e.Message
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *BusError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *BusError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var busErr *BusError
	if errors.As(err, &busErr) {
		return busErr.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}
