// Package poll provides the single bounded polling primitive shared by every
// waiting phase: reachability probes, reboot detection, VM power-state checks,
// maintenance task completion and post-reboot reconnection.
package poll

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned when the policy deadline passes without success.
	ErrTimeout = errors.New("poll: timed out")
	// ErrExhausted is returned when MaxAttempts attempts were made without success.
	ErrExhausted = errors.New("poll: attempts exhausted")
)

// Clock abstracts time so waits can be simulated in tests.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

// System returns the wall clock.
func System() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Policy bounds a poll loop. A zero Timeout means no deadline and a zero
// MaxAttempts means no attempt limit; at least one of them should be set.
type Policy struct {
	Timeout     time.Duration
	Interval    time.Duration
	MaxAttempts int
	// WaitFirst sleeps one Interval before the first attempt.
	WaitFirst bool
}

// Func is one poll attempt. Returning done=true ends the loop successfully;
// a non-nil error ends it immediately with that error.
type Func func(ctx context.Context, attempt int) (done bool, err error)

// Until runs fn according to p and returns the number of attempts made.
//
// The deadline is checked after every sleep, so fn is never invoked once the
// policy timeout has elapsed.
func Until(ctx context.Context, clk Clock, p Policy, fn Func) (int, error) {
	var deadline time.Time
	if p.Timeout > 0 {
		deadline = clk.Now().Add(p.Timeout)
	}
	expired := func() bool {
		return !deadline.IsZero() && !clk.Now().Before(deadline)
	}

	if p.WaitFirst {
		if err := clk.Sleep(ctx, p.Interval); err != nil {
			return 0, err
		}
		if expired() {
			return 0, ErrTimeout
		}
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		done, err := fn(ctx, attempt)
		if err != nil {
			return attempt, err
		}
		if done {
			return attempt, nil
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return attempt, ErrExhausted
		}
		if err := clk.Sleep(ctx, p.Interval); err != nil {
			return attempt, err
		}
		if expired() {
			return attempt, ErrTimeout
		}
	}
}

// Sleep is a convenience for fixed settle delays that must honour cancellation.
func Sleep(ctx context.Context, clk Clock, d time.Duration) error {
	return clk.Sleep(ctx, d)
}
