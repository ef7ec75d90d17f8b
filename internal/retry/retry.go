// Package retry provides a shared retry utility with exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// backoff computes the sleep before the next attempt: baseDelay doubled
// per attempt, with +-25% jitter so concurrent retriers spread out.
func backoff(baseDelay time.Duration, attempt int) time.Duration {
	delay := baseDelay << attempt
	jitter := delay / 4
	return delay - jitter + time.Duration(randInt64n(int64(2*jitter+1)))
}

// randInt64n returns a random int64 in [0, n) using crypto/rand.
func randInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n))
}

// Do calls fn up to maxAttempts times with exponential backoff.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return run(ctx, maxAttempts, baseDelay, nil, nil, fn)
}

// DoWithUnlock is like Do but calls unlock before each backoff sleep and
// relock after, so a mutex is not held while sleeping. The caller must
// hold the lock on entry; fn is always called with the lock held, and the
// lock is held again when DoWithUnlock returns.
func DoWithUnlock(ctx context.Context, maxAttempts int, baseDelay time.Duration,
	unlock func(), relock func(), fn func() error) error {
	return run(ctx, maxAttempts, baseDelay, unlock, relock, fn)
}

func run(ctx context.Context, maxAttempts int, baseDelay time.Duration,
	unlock func(), relock func(), fn func() error) error {

	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		// No sleep after the last attempt.
		if attempt == maxAttempts-1 {
			break
		}

		if unlock != nil {
			unlock()
		}

		select {
		case <-ctx.Done():
			if relock != nil {
				relock()
			}
			return ctx.Err()
		case <-time.After(backoff(baseDelay, attempt)):
		}

		if relock != nil {
			relock()
		}
	}

	return err
}
