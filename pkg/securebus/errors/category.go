// Package errors defines the securebus error taxonomy and retry helpers.
//
// Kinds say what went wrong and map onto the sentinels returned by the bus.
// Categories say whether a failure is worth retrying: rejections by a
// security component never are, storage hiccups usually are.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category tells the retry loop how to treat an error.
type Category int

const (
	CategoryTransient Category = iota // a locked database, a temporary I/O failure
	CategoryPermanent                 // a closed store, a malformed record
	CategorySecurity                  // a policy rejection, surfaced to the caller
)

var categoryNames = [...]string{"transient", "permanent", "security"}

func (c Category) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return "unknown"
	}
	return categoryNames[c]
}

// CategorizedError attaches a Category, and the number of attempts made so
// far, to an error.
type CategorizedError struct {
	Err      error
	Category Category
	Retries  int
	Context  string // operation being attempted
}

func (e *CategorizedError) Error() string {
	msg := fmt.Sprintf("%s (category: %s, attempts: %d)", e.Err, e.Category, e.Retries)
	if e.Context == "" {
		return msg
	}
	return e.Context + ": " + msg
}

func (e *CategorizedError) Unwrap() error { return e.Err }

// Transient marks err as worth retrying.
func Transient(err error, op string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryTransient, Context: op}
}

// Permanent marks err as not worth retrying.
func Permanent(err error, op string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryPermanent, Context: op}
}

// Categorize reports how err should be handled. An explicit category wins,
// then the category of a BusError's kind. A deadline is transient. Anything
// else is permanent.
func Categorize(err error) Category {
	var catErr *CategorizedError
	var busErr *BusError
	switch {
	case err == nil:
		return CategoryPermanent
	case errors.As(err, &catErr):
		return catErr.Category
	case errors.As(err, &busErr):
		return busErr.Kind.Category()
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTransient
	default:
		return CategoryPermanent
	}
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// RetryUnless returns a RetryableFunc for storage writes. Backend errors are
// opaque driver strings, so every failure is retried except cancellation,
// a security rejection, and errors matching one of the final sentinels (for
// example a closed store).
func RetryUnless(final ...error) func(error) bool {
	return func(err error) bool {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		for _, f := range final {
			if errors.Is(err, f) {
				return false
			}
		}
		var catErr *CategorizedError
		if errors.As(err, &catErr) {
			return catErr.Category == CategoryTransient
		}
		return Categorize(err) != CategorySecurity
	}
}
