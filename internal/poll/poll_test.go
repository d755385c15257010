package poll_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kidoz/esxi-patcher-go/internal/poll"
	"github.com/kidoz/esxi-patcher-go/internal/poll/polltest"
)

func TestUntil_SucceedsOnFirstAttempt(t *testing.T) {
	clk := polltest.NewClock()

	n, err := poll.Until(context.Background(), clk, poll.Policy{Timeout: time.Minute, Interval: 5 * time.Second},
		func(context.Context, int) (bool, error) { return true, nil })

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, clk.Sleeps())
}

func TestUntil_Timeout(t *testing.T) {
	clk := polltest.NewClock()
	calls := 0

	n, err := poll.Until(context.Background(), clk, poll.Policy{Timeout: 20 * time.Second, Interval: 5 * time.Second},
		func(context.Context, int) (bool, error) {
			calls++
			return false, nil
		})

	require.ErrorIs(t, err, poll.ErrTimeout)
	// attempts at t=0,5,10,15; the sleep to t=20 hits the deadline
	assert.Equal(t, 4, calls)
	assert.Equal(t, 4, n)
	assert.Equal(t, 20*time.Second, clk.Slept())
}

func TestUntil_WaitFirst(t *testing.T) {
	clk := polltest.NewClock()
	var seen []time.Duration
	start := clk.Now()

	_, err := poll.Until(context.Background(), clk, poll.Policy{Timeout: 15 * time.Second, Interval: 5 * time.Second, WaitFirst: true},
		func(context.Context, int) (bool, error) {
			seen = append(seen, clk.Now().Sub(start))
			return false, nil
		})

	require.ErrorIs(t, err, poll.ErrTimeout)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, seen)
}

func TestUntil_MaxAttempts(t *testing.T) {
	clk := polltest.NewClock()

	n, err := poll.Until(context.Background(), clk, poll.Policy{Interval: 30 * time.Second, MaxAttempts: 5},
		func(context.Context, int) (bool, error) { return false, nil })

	require.ErrorIs(t, err, poll.ErrExhausted)
	assert.Equal(t, 5, n)
	// no sleep after the final attempt
	assert.Len(t, clk.Sleeps(), 4)
}

func TestUntil_SucceedsAfterRetries(t *testing.T) {
	clk := polltest.NewClock()

	n, err := poll.Until(context.Background(), clk, poll.Policy{Interval: time.Second, MaxAttempts: 5},
		func(_ context.Context, attempt int) (bool, error) { return attempt == 3, nil })

	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestUntil_ErrorStopsLoop(t *testing.T) {
	clk := polltest.NewClock()
	boom := errors.New("boom")

	n, err := poll.Until(context.Background(), clk, poll.Policy{Timeout: time.Minute, Interval: time.Second},
		func(context.Context, int) (bool, error) { return false, boom })

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)
}

func TestUntil_ContextCancelled(t *testing.T) {
	clk := polltest.NewClock()
	ctx, cancel := context.WithCancel(context.Background())

	_, err := poll.Until(ctx, clk, poll.Policy{Timeout: time.Minute, Interval: time.Second},
		func(_ context.Context, attempt int) (bool, error) {
			if attempt == 2 {
				cancel()
			}
			return false, nil
		})

	require.ErrorIs(t, err, context.Canceled)
}

func TestSystemClock_SleepHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := poll.System().Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}
