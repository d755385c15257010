// Package probe detects TCP reachability transitions of a host: reachable
// before connecting, and the down/up cycle of a reboot.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kidoz/esxi-patcher-go/internal/poll"
)

// Dialer opens TCP connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Prober polls host ports.
type Prober struct {
	dialer      Dialer
	clock       poll.Clock
	dialTimeout time.Duration
	log         *zap.Logger
}

// Option configures a Prober.
type Option func(*Prober)

// WithDialer overrides the dialer used for connection attempts.
func WithDialer(d Dialer) Option {
	return func(p *Prober) {
		if d != nil {
			p.dialer = d
		}
	}
}

// WithClock injects the clock used for waits.
func WithClock(c poll.Clock) Option {
	return func(p *Prober) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithDialTimeout bounds every single connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.dialTimeout = d
		}
	}
}

// New returns a Prober using the system dialer and clock unless overridden.
func New(log *zap.Logger, opts ...Option) *Prober {
	p := &Prober{
		dialer:      &net.Dialer{},
		clock:       poll.System(),
		dialTimeout: 5 * time.Second,
		log:         log,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Reachable makes one connection attempt to address:port.
func (p *Prober) Reachable(ctx context.Context, address string, port int) bool {
	dctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	conn, err := p.dialer.DialContext(dctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// WaitUntil polls address:port every interval and returns true as soon as one
// attempt connects, or false once timeout elapses without success.
func (p *Prober) WaitUntil(ctx context.Context, address string, port int, timeout, interval time.Duration) bool {
	_, err := poll.Until(ctx, p.clock, poll.Policy{Timeout: timeout, Interval: interval},
		func(ctx context.Context, attempt int) (bool, error) {
			if p.Reachable(ctx, address, port) {
				return true, nil
			}
			p.log.Debug("Port not reachable yet",
				zap.String("address", address),
				zap.Int("port", port),
				zap.Int("attempt", attempt),
			)
			return false, nil
		})
	return err == nil
}

// RebootPolicy bounds the two stages of WaitForReboot.
type RebootPolicy struct {
	DownAttempts int
	DownInterval time.Duration
	UpTimeout    time.Duration
	UpInterval   time.Duration
	// APISettle is slept after the shell port answers, before checking the API port.
	APISettle time.Duration
	// FinalSettle is slept once both ports answer.
	FinalSettle time.Duration
}

// ErrNotRecovered is returned when the host does not come back within the up bound.
var ErrNotRecovered = errors.New("host did not become reachable after reboot")

// WaitForReboot waits for the host to go down and come back.
//
// The down stage declares the reboot started on the first failed connection
// to sshPort; if the port never goes down within DownAttempts it logs a
// warning and proceeds, since the reboot may already be over. The up stage
// requires sshPort and then apiPort to answer within UpTimeout.
func (p *Prober) WaitForReboot(ctx context.Context, address string, sshPort, apiPort int, rp RebootPolicy) error {
	log := p.log.With(zap.String("address", address))

	log.Info("Waiting for host to go down", zap.Int("port", sshPort))
	_, err := poll.Until(ctx, p.clock, poll.Policy{Interval: rp.DownInterval, MaxAttempts: rp.DownAttempts},
		func(ctx context.Context, attempt int) (bool, error) {
			if !p.Reachable(ctx, address, sshPort) {
				return true, nil
			}
			if attempt%6 == 1 {
				log.Info("Host still reachable", zap.Int("attempt", attempt))
			}
			return false, nil
		})
	switch {
	case err == nil:
		log.Info("Host went down, reboot in progress")
	case errors.Is(err, poll.ErrExhausted):
		log.Warn("Host never became unreachable, continuing", zap.Int("attempts", rp.DownAttempts))
	default:
		return err
	}

	log.Info("Waiting for host to come back", zap.Duration("timeout", rp.UpTimeout))
	_, err = poll.Until(ctx, p.clock, poll.Policy{Timeout: rp.UpTimeout, Interval: rp.UpInterval},
		func(ctx context.Context, attempt int) (bool, error) {
			if !p.Reachable(ctx, address, sshPort) {
				log.Debug("Shell port not reachable yet", zap.Int("attempt", attempt))
				return false, nil
			}
			log.Info("Shell port reachable", zap.Int("port", sshPort))

			if err := p.clock.Sleep(ctx, rp.APISettle); err != nil {
				return false, err
			}
			if !p.Reachable(ctx, address, apiPort) {
				log.Info("Management API port not reachable yet", zap.Int("port", apiPort))
				return false, nil
			}
			log.Info("Management API port reachable", zap.Int("port", apiPort))

			if err := p.clock.Sleep(ctx, rp.FinalSettle); err != nil {
				return false, err
			}
			return true, nil
		})
	if err != nil {
		if errors.Is(err, poll.ErrTimeout) {
			return fmt.Errorf("%w within %s", ErrNotRecovered, rp.UpTimeout)
		}
		return err
	}

	log.Info("Host is back online")
	return nil
}
