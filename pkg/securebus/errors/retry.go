package errors

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig configures retries of storage writes.
type RetryConfig struct {
	// MaxAttempts counts the first attempt. Values below 1 mean a single attempt.
	MaxAttempts int

	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts. Zero means uncapped.
	MaxBackoff time.Duration

	// BackoffFactor multiplies the wait after each attempt. Values below 1
	// keep the wait constant.
	BackoffFactor float64

	// Jitter randomizes each wait by up to this fraction (0.0-1.0).
	Jitter float64

	// RetryableFunc decides whether an error is worth another attempt.
	// Nil uses IsRetryable.
	RetryableFunc func(error) bool
}

// DefaultRetry is used for write-through persistence.
var DefaultRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// backoff yields the successive waits of a RetryConfig.
type backoff struct {
	cfg  RetryConfig
	next time.Duration
}

func (b *backoff) wait() time.Duration {
	d := b.next
	if f := b.cfg.BackoffFactor; f > 1 {
		b.next = time.Duration(float64(b.next) * f)
	}
	if b.cfg.MaxBackoff > 0 && b.next > b.cfg.MaxBackoff {
		b.next = b.cfg.MaxBackoff
	}
	if j := b.cfg.Jitter; j > 0 && d > 0 {
		d += time.Duration(float64(d) * j * (rand.Float64()*2 - 1))
	}
	return d
}

// Retry calls fn until it succeeds, fails with an error the config does not
// retry, ctx is done, or MaxAttempts is used up. It returns the number of
// calls made. When attempts run out the last error is returned as a
// CategorizedError carrying the attempt count.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) (int, error) {
	retryable := cfg.RetryableFunc
	if retryable == nil {
		retryable = IsRetryable
	}
	maxAttempts := max(cfg.MaxAttempts, 1)
	b := &backoff{cfg: cfg, next: cfg.InitialBackoff}

	var err error
	for attempt := 1; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return attempt - 1, Permanent(cerr, "retry cancelled")
		}
		if err = fn(ctx); err == nil {
			return attempt, nil
		}
		if !retryable(err) {
			return attempt, err
		}
		if attempt == maxAttempts {
			return attempt, &CategorizedError{
				Err:      err,
				Category: Categorize(err),
				Retries:  attempt,
				Context:  "attempts exhausted",
			}
		}

		timer := time.NewTimer(b.wait())
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, Permanent(ctx.Err(), "retry cancelled during backoff")
		case <-timer.C:
		}
	}
}
