// Package remote provides the authenticated shell and file-transfer session
// used to drive a host: commands with captured, streamed output and SFTP
// uploads with size checks.
package remote

import (
	"context"
	"errors"
	"os"
	"time"
)

// ErrCommandTimeout is returned when a command outlives its timeout. The
// remote process is signalled and the channel closed.
var ErrCommandTimeout = errors.New("remote command timed out")

// Stream identifies which output a line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Result is the outcome of a command that ran to completion.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports whether the command exited with status 0.
func (r *Result) OK() bool {
	return r != nil && r.ExitCode == 0
}

// LineHandler receives output lines as they are produced.
type LineHandler func(stream Stream, line string)

type runOptions struct {
	timeout time.Duration
	onLine  LineHandler
}

// RunOption tunes a single Run call.
type RunOption func(*runOptions)

// WithTimeout overrides the session's default command timeout.
func WithTimeout(d time.Duration) RunOption {
	return func(o *runOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLineHandler streams every output line to fn while still capturing it.
func WithLineHandler(fn LineHandler) RunOption {
	return func(o *runOptions) {
		o.onLine = fn
	}
}

// Runner executes shell commands. A non-zero exit status is reported through
// Result.ExitCode, not as an error.
type Runner interface {
	Run(ctx context.Context, cmd string, opts ...RunOption) (*Result, error)
}

// Session is an open shell plus file-transfer channel to one host.
type Session interface {
	Runner
	Stat(ctx context.Context, path string) (os.FileInfo, error)
	// Upload copies localPath to remotePath and returns the bytes written.
	Upload(ctx context.Context, localPath, remotePath string) (int64, error)
	Remove(ctx context.Context, path string) error
	Close() error
}

// Target identifies where and as whom to connect.
type Target struct {
	Address  string
	Port     int
	Username string
	Password string
}
