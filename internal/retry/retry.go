// Package retry runs operations with bounded exponential backoff.
//
// Policy is pure: NextDelay maps an attempt number to a delay and never
// sleeps. Do drives an operation with a Policy and decides, per error,
// whether another attempt is allowed.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// ErrMaxRetriesExceeded is matched by the error Do returns when every attempt failed
var ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

// Policy describes an exponential backoff schedule
type Policy struct {
	Base   time.Duration // delay before the first retry
	Factor float64       // multiplier per attempt
	Max    time.Duration // cap applied before jitter
	Jitter time.Duration // upper bound of the random extra delay
}

// DefaultPolicy is 1s doubling up to 30s, with up to 1s of jitter
func DefaultPolicy() Policy {
	return Policy{
		Base:   time.Second,
		Factor: 2,
		Max:    30 * time.Second,
		Jitter: time.Second,
	}
}

// NextDelay returns the delay before retry number attempt (1-based), without jitter:
// Base * Factor^(attempt-1), capped at Max.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}

	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	delay := float64(p.Base)
	for i := 1; i < attempt; i++ {
		delay *= factor
		if p.Max > 0 && delay >= float64(p.Max) {
			return p.Max
		}
	}

	if p.Max > 0 && delay > float64(p.Max) {
		return p.Max
	}
	return time.Duration(delay)
}

// Delay is NextDelay plus a random jitter in [0, Jitter)
func (p Policy) Delay(attempt int) time.Duration {
	delay := p.NextDelay(attempt)
	if p.Jitter > 0 && delay > 0 {
		delay += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return delay
}

// Error carries retry classification for an operation failure
type Error struct {
	Err        error
	Retryable  bool
	RetryAfter time.Duration // provider supplied wait, zero when absent
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable marks err as transient
func Retryable(err error) error {
	return &Error{Err: err, Retryable: true}
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	return &Error{Err: err, Retryable: false}
}

// After marks err as transient with a provider supplied wait
func After(err error, wait time.Duration) error {
	return &Error{Err: err, Retryable: true, RetryAfter: wait}
}

// ExhaustedError is returned when every allowed attempt failed
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrMaxRetriesExceeded, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrMaxRetriesExceeded, e.Last}
}

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-time Sleeper
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Driver runs operations under a Policy
type Driver struct {
	Policy     Policy
	MaxRetries int
	Sleep      Sleeper
	// OnRetry, when set, is called before each wait
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Do calls fn until it succeeds, returns a non-retryable error, or MaxRetries
// additional attempts have failed. Only errors wrapped as retryable *Error are
// retried; anything else is returned as-is immediately.
func (d *Driver) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	sleep := d.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var lastErr error
	for attempt := 0; attempt <= d.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := d.waitFor(attempt, lastErr)
			if d.OnRetry != nil {
				d.OnRetry(attempt, delay, lastErr)
			}
			if err := sleep(ctx, delay); err != nil {
				return fmt.Errorf("retry aborted: %w (last error: %v)", err, lastErr)
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var retryErr *Error
		if !errors.As(err, &retryErr) || !retryErr.Retryable {
			return err
		}
	}

	return &ExhaustedError{Attempts: d.MaxRetries + 1, Last: lastErr}
}

// waitFor honors a provider supplied wait when it is larger than the
// schedule, never exceeding the policy cap.
func (d *Driver) waitFor(attempt int, lastErr error) time.Duration {
	delay := d.Policy.Delay(attempt)

	var retryErr *Error
	if errors.As(lastErr, &retryErr) && retryErr.RetryAfter > delay {
		delay = retryErr.RetryAfter
		if d.Policy.Max > 0 && delay > d.Policy.Max {
			delay = d.Policy.Max
		}
	}
	return delay
}
