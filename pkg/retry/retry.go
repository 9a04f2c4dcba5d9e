package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAttemptTimeout is reported for an attempt that ran out of its time slice.
var ErrAttemptTimeout = errors.New("attempt timed out")

// Policy bounds a retry loop.
type Policy struct {
	Attempts       int           // Maximum number of attempts (>= 1)
	AttemptTimeout time.Duration // Time slice granted to each attempt (0 = no per-attempt limit)
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

// ExhaustedError is returned once every attempt has failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; Value returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Value runs check until it succeeds or the policy is exhausted. Each call
// receives a context bounded by AttemptTimeout; check must return once that
// context is done and release anything it registered.
func Value[T any](ctx context.Context, p Policy, check func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeoutCause(ctx, p.AttemptTimeout, ErrAttemptTimeout)
		}
		v, err := check(attemptCtx)
		cancel()

		if err == nil {
			return v, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}

		// The caller's context ending is not an attempt failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}

		last = err
		if attempt < attempts && p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
	}

	return zero, &ExhaustedError{Attempts: attempts, Last: last}
}

// Do is Value for checks that produce no result.
func Do(ctx context.Context, p Policy, check func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, check(ctx)
	})
	return err
}

// AttemptErr maps a finished attempt context to ErrAttemptTimeout when its
// time slice ran out, or to the context error otherwise.
func AttemptErr(ctx context.Context) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrAttemptTimeout) {
		return ErrAttemptTimeout
	}
	return ctx.Err()
}
