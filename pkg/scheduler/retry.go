package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jdziat/foxx-queues/pkg/core"
)

// RetryConfig bounds how long Bootstrap keeps retrying a store call while
// a database is briefly unreachable or locked. Ticks never retry: the next
// tick is the retry.
type RetryConfig struct {
	MaxAttempts       int           // calls including the first; below 1 means one call
	InitialBackoff    time.Duration // pause after the first failure
	MaxBackoff        time.Duration // ceiling for any pause
	BackoffMultiplier float64       // growth per failure
	JitterFraction    float64       // +/- share of each pause, spreads restarting nodes apart
}

// DefaultRetryConfig gives a store about three seconds to come back.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       4,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// pause returns the wait before call number attempt+1.
func (r RetryConfig) pause(attempt int) time.Duration {
	d := float64(r.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= r.BackoffMultiplier
		if r.MaxBackoff > 0 && d >= float64(r.MaxBackoff) {
			d = float64(r.MaxBackoff)
			break
		}
	}
	if r.JitterFraction > 0 {
		if j := d * r.JitterFraction * (rand.Float64()*2 - 1); d+j > 0 {
			d += j
		}
	}
	return time.Duration(d)
}

// retryWithBackoff calls op until it succeeds, returns a permanent error,
// or the attempts are used up. It returns op's last error, or ctx.Err()
// when cancelled while waiting.
func retryWithBackoff(ctx context.Context, r RetryConfig, op func() error) error {
	attempts := max(r.MaxAttempts, 1)
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil || attempt >= attempts || !IsRetryableError(err) {
			return err
		}
		timer := time.NewTimer(r.pause(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// IsRetryableError reports whether a store error may clear on its own.
// Cancellation, unknown databases and invalid queue definitions will fail
// the same way again.
func IsRetryableError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, core.ErrUnknownDatabase),
		errors.Is(err, core.ErrInvalidQueueName),
		errors.Is(err, core.ErrQueueNameTooLong),
		errors.Is(err, core.ErrInvalidMaxWorkers):
		return false
	}
	return true
}
