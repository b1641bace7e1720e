// Package scope provides the cancellation primitives shared by every
// long-running operation in voxloop: hierarchical cancellation scopes with
// optional deadlines, and jittered exponential backoff for retries.
//
// A Scope is a thin composition over context.Context that keeps the cancel
// cause close to the handle, so sub-tasks can distinguish "the call ended"
// from "this turn was barged in" without threading extra state around.
package scope

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Scope is a cancellable unit of work. It is cancelled explicitly via Cancel,
// when its parent is cancelled, or when its deadline expires.
type Scope struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// New creates a child scope of parent. Cancelling the parent cancels the
// child; the reverse does not hold.
func New(parent context.Context) *Scope {
	ctx, cancel := context.WithCancelCause(parent)
	return &Scope{ctx: ctx, cancel: cancel}
}

// WithDeadline creates a child scope that is additionally cancelled when d
// elapses. The returned stop function releases the timer early.
func WithDeadline(parent context.Context, d time.Duration) (*Scope, func()) {
	ctx, cancelCause := context.WithCancelCause(parent)
	deadlineCtx, cancelTimer := context.WithTimeout(ctx, d)
	s := &Scope{ctx: deadlineCtx, cancel: cancelCause}
	return s, cancelTimer
}

// Context returns the context carrying this scope's cancellation signal.
func (s *Scope) Context() context.Context { return s.ctx }

// Cancel cancels the scope with cause. Subsequent calls are no-ops; the first
// cause wins.
func (s *Scope) Cancel(cause error) { s.cancel(cause) }

// Done returns the channel closed when the scope is cancelled or expired.
func (s *Scope) Done() <-chan struct{} { return s.ctx.Done() }

// Err returns nil while the scope is live, otherwise the context error.
func (s *Scope) Err() error { return s.ctx.Err() }

// Cause returns the cancellation cause, or nil while the scope is live.
func (s *Scope) Cause() error { return context.Cause(s.ctx) }

// CancelledWith reports whether the scope was cancelled with a cause matching
// target (via errors.Is).
func (s *Scope) CancelledWith(target error) bool {
	cause := context.Cause(s.ctx)
	return cause != nil && errors.Is(cause, target)
}

// Backoff computes jittered exponential retry delays. The zero value is not
// usable; construct with the exported fields set.
type Backoff struct {
	// Initial is the base delay before the first retry.
	Initial time.Duration

	// Max caps the computed delay.
	Max time.Duration

	// Factor is the per-attempt multiplier. Values below 1 are treated as 2.
	Factor float64

	// Jitter is the fraction of the delay randomised away, in [0, 1]. A delay
	// d becomes uniform in [d*(1-Jitter), d].
	Jitter float64
}

// DefaultBackoff is the retry policy applied to transient remote failures:
// 250ms initial, doubling, capped at 4s, with 25% jitter.
var DefaultBackoff = Backoff{
	Initial: 250 * time.Millisecond,
	Max:     4 * time.Second,
	Factor:  2,
	Jitter:  0.25,
}

// Delay returns the wait before retry attempt (zero-based).
func (b Backoff) Delay(attempt int) time.Duration {
	factor := b.Factor
	if factor < 1 {
		factor = 2
	}
	d := float64(b.Initial)
	for i := 0; i < attempt; i++ {
		d *= factor
		if time.Duration(d) >= b.Max {
			d = float64(b.Max)
			break
		}
	}
	if b.Jitter > 0 {
		d -= d * b.Jitter * rand.Float64()
	}
	return time.Duration(d)
}

// Sleep waits for the attempt's delay or until ctx is cancelled, returning
// the context error in the latter case.
func (b Backoff) Sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(b.Delay(attempt))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry runs fn up to attempts times, sleeping the backoff delay between
// failures. It stops early when ctx is cancelled or when fn returns an error
// for which retriable reports false. The last error is returned.
func Retry(ctx context.Context, attempts int, b Backoff, retriable func(error) bool, fn func() error) error {
	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn()
		if last == nil {
			return nil
		}
		if retriable != nil && !retriable(last) {
			return last
		}
		if attempt < attempts-1 {
			if err := b.Sleep(ctx, attempt); err != nil {
				return errors.Join(last, err)
			}
		}
	}
	return last
}
