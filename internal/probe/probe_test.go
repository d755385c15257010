package probe

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kidoz/esxi-patcher-go/internal/poll/polltest"
)

// scriptedDialer answers per port from a script; calls beyond the script
// repeat its last entry.
type scriptedDialer struct {
	mu     sync.Mutex
	script map[string][]bool
	calls  map[string]int
}

func newScriptedDialer(script map[int][]bool) *scriptedDialer {
	d := &scriptedDialer{script: map[string][]bool{}, calls: map[string]int{}}
	for port, s := range script {
		d.script[strconv.Itoa(port)] = s
	}
	return d
}

func (d *scriptedDialer) DialContext(_ context.Context, _, address string) (net.Conn, error) {
	_, port, _ := net.SplitHostPort(address)
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.script[port]
	n := d.calls[port]
	d.calls[port]++
	up := false
	if len(s) > 0 {
		if n >= len(s) {
			n = len(s) - 1
		}
		up = s[n]
	}
	if !up {
		return nil, errors.New("connection refused")
	}
	c1, c2 := net.Pipe()
	_ = c2.Close()
	return c1, nil
}

func (d *scriptedDialer) Calls(port int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[strconv.Itoa(port)]
}

func repeat(v bool, n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = v
	}
	return out
}

var testPolicy = RebootPolicy{
	DownAttempts: 60,
	DownInterval: 5 * time.Second,
	UpTimeout:    600 * time.Second,
	UpInterval:   5 * time.Second,
	APISettle:    15 * time.Second,
	FinalSettle:  25 * time.Second,
}

func TestReachable_Loopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	p := New(zap.NewNop(), WithDialTimeout(time.Second))
	assert.True(t, p.Reachable(context.Background(), "127.0.0.1", port))

	require.NoError(t, ln.Close())
	assert.False(t, p.Reachable(context.Background(), "127.0.0.1", port))
}

func TestWaitUntil(t *testing.T) {
	t.Run("reachable after retries", func(t *testing.T) {
		d := newScriptedDialer(map[int][]bool{22: {false, false, true}})
		clk := polltest.NewClock()
		p := New(zap.NewNop(), WithDialer(d), WithClock(clk))

		ok := p.WaitUntil(context.Background(), "10.0.0.1", 22, 120*time.Second, 5*time.Second)
		assert.True(t, ok)
		assert.Equal(t, 3, d.Calls(22))
		assert.Equal(t, 10*time.Second, clk.Slept())
	})

	t.Run("timeout", func(t *testing.T) {
		d := newScriptedDialer(map[int][]bool{22: {false}})
		clk := polltest.NewClock()
		p := New(zap.NewNop(), WithDialer(d), WithClock(clk))

		ok := p.WaitUntil(context.Background(), "10.0.0.1", 22, 120*time.Second, 5*time.Second)
		assert.False(t, ok)
		assert.Equal(t, 24, d.Calls(22))
	})
}

func TestWaitForReboot(t *testing.T) {
	t.Run("down then up", func(t *testing.T) {
		// down stage: up, up, down; up stage: down, down, up
		d := newScriptedDialer(map[int][]bool{
			22:  {true, true, false, false, false, true},
			443: {true},
		})
		clk := polltest.NewClock()
		p := New(zap.NewNop(), WithDialer(d), WithClock(clk))

		err := p.WaitForReboot(context.Background(), "10.0.0.1", 22, 443, testPolicy)
		require.NoError(t, err)
		assert.Equal(t, 1, d.Calls(443))

		sleeps := clk.Sleeps()
		require.GreaterOrEqual(t, len(sleeps), 2)
		assert.Equal(t, []time.Duration{15 * time.Second, 25 * time.Second}, sleeps[len(sleeps)-2:])
	})

	t.Run("never observed down still succeeds", func(t *testing.T) {
		d := newScriptedDialer(map[int][]bool{
			22:  {true},
			443: {true},
		})
		clk := polltest.NewClock()
		p := New(zap.NewNop(), WithDialer(d), WithClock(clk))

		err := p.WaitForReboot(context.Background(), "10.0.0.1", 22, 443, testPolicy)
		require.NoError(t, err)
		// 60 down-stage attempts plus one up-stage attempt
		assert.Equal(t, 61, d.Calls(22))
	})

	t.Run("api port never answers", func(t *testing.T) {
		d := newScriptedDialer(map[int][]bool{
			22:  append([]bool{false}, true),
			443: {false},
		})
		clk := polltest.NewClock()
		p := New(zap.NewNop(), WithDialer(d), WithClock(clk))

		err := p.WaitForReboot(context.Background(), "10.0.0.1", 22, 443, testPolicy)
		require.ErrorIs(t, err, ErrNotRecovered)
		assert.Positive(t, d.Calls(443))
	})

	t.Run("shell port never answers", func(t *testing.T) {
		d := newScriptedDialer(map[int][]bool{
			22:  {false},
			443: {true},
		})
		clk := polltest.NewClock()
		p := New(zap.NewNop(), WithDialer(d), WithClock(clk))

		err := p.WaitForReboot(context.Background(), "10.0.0.1", 22, 443, testPolicy)
		require.ErrorIs(t, err, ErrNotRecovered)
		assert.Zero(t, d.Calls(443))
	})

	t.Run("uses configured ports", func(t *testing.T) {
		d := newScriptedDialer(map[int][]bool{
			2222: append(repeat(false, 2), true),
			8443: {true},
		})
		clk := polltest.NewClock()
		p := New(zap.NewNop(), WithDialer(d), WithClock(clk))

		require.NoError(t, p.WaitForReboot(context.Background(), "10.0.0.1", 2222, 8443, testPolicy))
		assert.Zero(t, d.Calls(22))
		assert.Zero(t, d.Calls(443))
	})

	t.Run("cancelled", func(t *testing.T) {
		d := newScriptedDialer(map[int][]bool{22: {true}})
		clk := polltest.NewClock()
		p := New(zap.NewNop(), WithDialer(d), WithClock(clk))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := p.WaitForReboot(ctx, "10.0.0.1", 22, 443, testPolicy)
		require.ErrorIs(t, err, context.Canceled)
	})
}
