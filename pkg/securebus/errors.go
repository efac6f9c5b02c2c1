package securebus

import (
	buserrors "github.com/randalmurphal/securebus/pkg/securebus/errors"
)

// Error kinds returned by the bus. Match with errors.Is.
var (
	ErrInvalidPattern          = buserrors.ErrInvalidPattern
	ErrRateLimitExceeded       = buserrors.ErrRateLimitExceeded
	ErrPayloadBlocked          = buserrors.ErrPayloadBlocked
	ErrPersistence             = buserrors.ErrPersistence
	ErrHandler                 = buserrors.ErrHandler
	ErrHandlerTimeout          = buserrors.ErrHandlerTimeout
	ErrCircuitBreakerOpen      = buserrors.ErrCircuitBreakerOpen
	ErrGracefulShutdownTimeout = buserrors.ErrGracefulShutdownTimeout
	ErrEncryptionFailed        = buserrors.ErrEncryptionFailed
	ErrWaitTimeout             = buserrors.ErrWaitTimeout
	ErrBusClosed               = buserrors.ErrBusClosed
	ErrModule                  = buserrors.ErrModule
)

// BusError is the error type returned by every bus operation.
type BusError = buserrors.BusError
