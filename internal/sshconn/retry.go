package sshconn

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy decides how the lenient executor and channel opener retry.
// Delays scale linearly with the attempt number that just failed.
type RetryPolicy struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	ChannelOpenDelay time.Duration

	// Retryable reports whether err may be retried. Nil uses
	// DefaultRetryable.
	Retryable func(error) bool
}

// DefaultRetryPolicy is three attempts at 200ms×n, or 500ms×n after a
// channel-open failure.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:      3,
	BaseDelay:        200 * time.Millisecond,
	ChannelOpenDelay: 500 * time.Millisecond,
}

// DefaultRetryable retries channel-open failures and dropped transports.
// Authentication, key and host-key failures are final.
func DefaultRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrAuth), errors.Is(err, ErrKeyParse), errors.Is(err, ErrHostKey):
		return false
	case errors.Is(err, ErrChannelOpen), errors.Is(err, ErrSocket):
		return true
	}
	return false
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int, err error) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if errors.Is(err, ErrChannelOpen) {
		return p.ChannelOpenDelay * time.Duration(attempt)
	}
	return p.BaseDelay * time.Duration(attempt)
}

// ShouldRetry applies Retryable or DefaultRetryable.
func (p RetryPolicy) ShouldRetry(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return DefaultRetryable(err)
}

func (p RetryPolicy) attempts(override int) int {
	if override > 0 {
		return override
	}
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return DefaultRetryPolicy.MaxAttempts
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
