package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DialConfig bounds connection setup and command execution.
type DialConfig struct {
	// ConnectTimeout bounds the TCP connect.
	ConnectTimeout time.Duration
	// BannerTimeout bounds the SSH handshake including authentication.
	BannerTimeout time.Duration
	// CommandTimeout is the default timeout of Run.
	CommandTimeout time.Duration
	// KnownHostsFile enables host key checking when set.
	KnownHostsFile string
}

// Dialer opens SSH sessions.
type Dialer struct {
	cfg DialConfig
	log *zap.Logger
}

// NewDialer creates a Dialer.
func NewDialer(cfg DialConfig, log *zap.Logger) *Dialer {
	return &Dialer{cfg: cfg, log: log}
}

func (d *Dialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if d.cfg.KnownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // hosts are freshly installed appliances without managed keys
	}
	cb, err := knownhosts.New(d.cfg.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return cb, nil
}

// Dial connects and authenticates with password, falling back to
// keyboard-interactive where every prompt is answered with the password.
func (d *Dialer) Dial(ctx context.Context, t Target) (Session, error) {
	if err := ValidateHostTarget(t.Address); err != nil {
		return nil, err
	}
	if err := ValidateSSHUser(t.Username); err != nil {
		return nil, err
	}

	hostKeys, err := d.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	password := t.Password
	config := &ssh.ClientConfig{
		User: t.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKeys,
		Timeout:         d.cfg.ConnectTimeout,
	}

	addr := net.JoinHostPort(t.Address, strconv.Itoa(t.Port))
	nd := net.Dialer{Timeout: d.cfg.ConnectTimeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s: %w", addr, err)
	}

	if d.cfg.BannerTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.cfg.BannerTimeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("SSH handshake with %s failed: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	d.log.Debug("SSH session established", zap.String("address", addr), zap.String("user", t.Username))

	return &SSHSession{
		client:         ssh.NewClient(c, chans, reqs),
		addr:           addr,
		commandTimeout: d.cfg.CommandTimeout,
		log:            d.log,
	}, nil
}

// SSHSession is a Session over one SSH connection. The SFTP channel is
// opened on first use.
type SSHSession struct {
	client         *ssh.Client
	addr           string
	commandTimeout time.Duration
	log            *zap.Logger

	mu     sync.Mutex
	sftp   *sftp.Client
	closed bool
}

// capture collects output lines while pumps may still be writing.
type capture struct {
	mu sync.Mutex
	b  strings.Builder
}

func (c *capture) add(line string) {
	c.mu.Lock()
	c.b.WriteString(line)
	c.b.WriteByte('\n')
	c.mu.Unlock()
}

func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.b.String()
}

func pump(wg *sync.WaitGroup, r io.Reader, stream Stream, out *capture, onLine LineHandler) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		out.add(line)
		if onLine != nil {
			onLine(stream, line)
		}
	}
	if err := sc.Err(); err != nil {
		out.add(fmt.Sprintf("[%s: %v, remaining output discarded]", stream, err))
		// keep the channel window open so the command can exit
		_, _ = io.Copy(io.Discard, r)
	}
}

// Run executes cmd, reading stdout and stderr concurrently line by line.
func (s *SSHSession) Run(ctx context.Context, cmd string, opts ...RunOption) (*Result, error) {
	o := runOptions{timeout: s.commandTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("unable to create SSH session: %w", err)
	}
	defer runFuncAndLogErr(s.log, sess.Close)

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	s.log.Debug("Running remote command", zap.String("address", s.addr), zap.String("command", cmd))
	if err := sess.Start(cmd); err != nil {
		return nil, fmt.Errorf("start remote command: %w", err)
	}

	var outBuf, errBuf capture
	var wg sync.WaitGroup
	wg.Add(2)
	go pump(&wg, stdout, Stdout, &outBuf, o.onLine)
	go pump(&wg, stderr, Stderr, &errBuf, o.onLine)

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- sess.Wait()
	}()

	var timeout <-chan time.Time
	if o.timeout > 0 {
		timer := time.NewTimer(o.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-done:
		res := &Result{Stdout: outBuf.String(), Stderr: errBuf.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		res.ExitCode = -1
		return res, fmt.Errorf("remote command failed: %w", err)
	case <-timeout:
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return &Result{ExitCode: -1, Stdout: outBuf.String(), Stderr: errBuf.String()},
			fmt.Errorf("%w after %s: %s", ErrCommandTimeout, o.timeout, cmd)
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return &Result{ExitCode: -1, Stdout: outBuf.String(), Stderr: errBuf.String()}, ctx.Err()
	}
}

func (s *SSHSession) sftpClient() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("session closed")
	}
	if s.sftp == nil {
		c, err := sftp.NewClient(s.client)
		if err != nil {
			return nil, fmt.Errorf("open SFTP channel: %w", err)
		}
		s.sftp = c
	}
	return s.sftp, nil
}

// Stat returns remote file info.
func (s *SSHSession) Stat(ctx context.Context, path string) (os.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := s.sftpClient()
	if err != nil {
		return nil, err
	}
	return c.Stat(path)
}

// Upload copies localPath to remotePath over SFTP. Cancelling ctx aborts the
// transfer by closing the remote file.
func (s *SSHSession) Upload(ctx context.Context, localPath, remotePath string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c, err := s.sftpClient()
	if err != nil {
		return 0, err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("open local file: %w", err)
	}
	defer runFuncAndLogErr(s.log, src.Close)

	dst, err := c.Create(remotePath)
	if err != nil {
		return 0, fmt.Errorf("create remote file %s: %w", remotePath, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = dst.Close() })
	defer stop()

	n, err := dst.ReadFrom(src)
	if err != nil {
		_ = dst.Close()
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		return n, fmt.Errorf("copy to %s: %w", remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return n, fmt.Errorf("close remote file %s: %w", remotePath, err)
	}
	return n, nil
}

// Remove deletes a remote file.
func (s *SSHSession) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := s.sftpClient()
	if err != nil {
		return err
	}
	return c.Remove(path)
}

// Close releases the SFTP channel and the connection. It is safe to call twice.
func (s *SSHSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.sftp != nil {
		runFuncAndLogErr(s.log, s.sftp.Close)
	}
	return s.client.Close()
}

func runFuncAndLogErr(log *zap.Logger, f func() error) {
	if err := f(); err != nil && !errors.Is(err, io.EOF) {
		log.Debug("error closing ssh session or connection", zap.Error(err))
	}
}
