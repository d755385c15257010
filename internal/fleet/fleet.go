// Package fleet drives the host workflow across every configured host and
// publishes the aggregated report.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kidoz/esxi-patcher-go/internal/config"
	"github.com/kidoz/esxi-patcher-go/internal/metrics"
	"github.com/kidoz/esxi-patcher-go/internal/poll"
	"github.com/kidoz/esxi-patcher-go/internal/report"
	"github.com/kidoz/esxi-patcher-go/internal/runlock"
	"github.com/kidoz/esxi-patcher-go/internal/telemetry"
	"github.com/kidoz/esxi-patcher-go/internal/workflow"
)

// ErrLocked is returned by Run when another process holds the run lock.
var ErrLocked = errors.New("another esxi-patcher run is in progress")

// HostRunner runs the workflow, or only a connectivity check, for one host.
type HostRunner interface {
	Run(ctx context.Context, host config.HostConfig) *workflow.Run
	Check(ctx context.Context, host config.HostConfig) workflow.CheckResult
}

// Publisher pushes a finished report to an external system.
type Publisher interface {
	PublishReport(ctx context.Context, rep *report.Report) error
}

// Runner processes the host inventory.
type Runner struct {
	cfg *config.Config
	log *zap.Logger

	hosts     HostRunner
	ctlOpts   []workflow.Option
	recorder  *metrics.Recorder
	publisher Publisher
	closers   []func(context.Context) error
	clock     poll.Clock
	out       io.Writer
}

// Option configures a Runner.
type Option func(*Runner)

// WithHostRunner replaces the workflow controller.
func WithHostRunner(h HostRunner) Option {
	return func(r *Runner) { r.hosts = h }
}

// WithControllerOptions passes options to the default controller.
func WithControllerOptions(opts ...workflow.Option) Option {
	return func(r *Runner) { r.ctlOpts = append(r.ctlOpts, opts...) }
}

// WithRecorder records run metrics and enables the textfile output.
func WithRecorder(rec *metrics.Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// WithPublisher pushes the final report after the run.
func WithPublisher(p Publisher) Option {
	return func(r *Runner) { r.publisher = p }
}

// WithCloser registers a func run once all hosts are done.
func WithCloser(fn func(context.Context) error) Option {
	return func(r *Runner) { r.closers = append(r.closers, fn) }
}

// WithClock sets the clock used for cooldowns and timestamps.
func WithClock(c poll.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithOutput sets where tables are printed. Defaults to stdout.
func WithOutput(w io.Writer) Option {
	return func(r *Runner) { r.out = w }
}

// New creates a Runner.
func New(cfg *config.Config, log *zap.Logger, opts ...Option) *Runner {
	r := &Runner{
		cfg:   cfg,
		log:   log,
		clock: poll.System(),
		out:   os.Stdout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.hosts == nil {
		ctlOpts := []workflow.Option{workflow.WithClock(r.clock)}
		if r.recorder != nil {
			ctlOpts = append(ctlOpts, workflow.WithObserver(r.recorder))
		}
		r.hosts = workflow.New(cfg, log, append(ctlOpts, r.ctlOpts...)...)
	}
	return r
}

// Run takes the run lock, runs the optional self-test, processes every host
// and publishes the report. The report is returned even when ctx is
// cancelled part-way; it then holds only the hosts that were started.
func (r *Runner) Run(ctx context.Context) (*report.Report, error) {
	if path := r.cfg.Settings.LockFile; path != "" {
		lock, err := runlock.Acquire(path)
		if err != nil {
			if errors.Is(err, runlock.ErrHeld) {
				return nil, fmt.Errorf("%w (lock %s)", ErrLocked, path)
			}
			return nil, err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				r.log.Warn("Failed to release run lock", zap.Error(err))
			}
		}()
	}

	ctx, span := telemetry.Tracer().Start(ctx, "Fleet.Run")
	defer span.End()

	rep := &report.Report{StartedAt: r.clock.Now()}
	if r.cfg.Patch.File != "" {
		rep.Patch = filepath.Base(r.cfg.Patch.File)
	}

	if r.cfg.Settings.SelfTest {
		r.SelfTest(ctx)
	}

	r.log.Info("Starting patch run",
		zap.Int("hosts", len(r.cfg.Hosts)),
		zap.String("patch", rep.Patch),
		zap.Int("parallel", r.parallel()),
	)

	var runErr error
	if r.parallel() > 1 {
		runErr = r.runParallel(ctx, rep)
	} else {
		runErr = r.runSequential(ctx, rep)
	}
	rep.FinishedAt = r.clock.Now()

	// Publishing happens even after an interrupt.
	pubCtx := context.WithoutCancel(ctx)
	r.finish(pubCtx, rep)

	s := rep.Stats()
	span.SetAttributes(
		attribute.Int("hosts.total", s.TotalHosts),
		attribute.Int("hosts.failed", s.FailedHosts),
	)
	return rep, runErr
}

func (r *Runner) parallel() int {
	if r.cfg.Settings.Parallel < 1 {
		return 1
	}
	return r.cfg.Settings.Parallel
}

func (r *Runner) cooldown() time.Duration {
	return config.Seconds(r.cfg.Settings.HostCooldown)
}

func (r *Runner) runSequential(ctx context.Context, rep *report.Report) error {
	for i, host := range r.cfg.Hosts {
		if i > 0 && r.cooldown() > 0 {
			r.log.Info("Cooling down before next host", zap.Duration("cooldown", r.cooldown()), zap.String("next", host.Name))
			if err := poll.Sleep(ctx, r.clock, r.cooldown()); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rep.Add(toHostResult(host, r.hosts.Run(ctx, host)))
	}
	return ctx.Err()
}

// runParallel runs up to settings.parallel hosts at once. The cooldown
// spaces host starts instead of separating whole runs.
func (r *Runner) runParallel(ctx context.Context, rep *report.Report) error {
	results := make([]*report.HostResult, len(r.cfg.Hosts))
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(r.parallel())

	var dispatchErr error
	for i, host := range r.cfg.Hosts {
		if i > 0 && r.cooldown() > 0 {
			if err := poll.Sleep(ctx, r.clock, r.cooldown()); err != nil {
				dispatchErr = err
				break
			}
		}
		if err := ctx.Err(); err != nil {
			dispatchErr = err
			break
		}
		g.Go(func() error {
			res := toHostResult(host, r.hosts.Run(ctx, host))
			mu.Lock()
			results[i] = &res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		if res != nil {
			rep.Add(*res)
		}
	}
	if dispatchErr != nil {
		return dispatchErr
	}
	return ctx.Err()
}

// toHostResult converts a finished workflow run into its report entry.
func toHostResult(host config.HostConfig, run *workflow.Run) report.HostResult {
	res := report.HostResult{
		Host:       host.Name,
		Address:    host.Address,
		ZabbixHost: host.ZabbixHost,
		RunID:      run.ID,
		Success:    run.Success,
		Message:    run.Reason,
		Error:      run.Error,
		Clustered:  run.Clustered,
		FailedVMs:  run.FailedVMs,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Duration:   run.Duration().Seconds(),
	}
	for _, p := range run.Warnings() {
		res.Warnings = append(res.Warnings, string(p))
	}
	for _, p := range run.Phases {
		res.Phases = append(res.Phases, report.PhaseSummary{
			Phase:    string(p.Phase),
			Outcome:  string(p.Outcome),
			Error:    p.Error,
			Duration: p.Duration.Seconds(),
		})
	}
	return res
}
