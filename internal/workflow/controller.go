// Package workflow sequences the patch of one host: services, workloads,
// maintenance mode, transfer and install, reboot and recovery.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/kidoz/esxi-patcher-go/internal/config"
	"github.com/kidoz/esxi-patcher-go/internal/patch"
	"github.com/kidoz/esxi-patcher-go/internal/poll"
	"github.com/kidoz/esxi-patcher-go/internal/probe"
	"github.com/kidoz/esxi-patcher-go/internal/remote"
	"github.com/kidoz/esxi-patcher-go/internal/telemetry"
	"github.com/kidoz/esxi-patcher-go/internal/vm"
	"github.com/kidoz/esxi-patcher-go/internal/vsphere"
)

// teardownTimeout bounds session release after the run context is gone.
const teardownTimeout = 30 * time.Second

// Connector opens management-plane sessions.
type Connector interface {
	Connect(ctx context.Context, ep vsphere.Endpoint) (vsphere.Session, error)
}

// ShellDialer opens remote shell sessions.
type ShellDialer interface {
	Dial(ctx context.Context, t remote.Target) (remote.Session, error)
}

// Probe watches port reachability.
type Probe interface {
	WaitUntil(ctx context.Context, address string, port int, timeout, interval time.Duration) bool
	WaitForReboot(ctx context.Context, address string, sshPort, apiPort int, rp probe.RebootPolicy) error
}

// Workloads stops and starts the VMs of a host.
type Workloads interface {
	ShutdownAll(ctx context.Context, r remote.Runner) (vm.ShutdownReport, error)
	StartAll(ctx context.Context, r remote.Runner, targets []string) (vm.StartReport, error)
}

// Installer transfers and installs a patch artifact.
type Installer interface {
	Upload(ctx context.Context, s remote.Session, a patch.Artifact, datastore string) error
	Install(ctx context.Context, r remote.Runner, a patch.Artifact, datastore string) (patch.InstallResult, error)
	Verify(ctx context.Context, r remote.Runner, a patch.Artifact) bool
	Cleanup(ctx context.Context, s remote.Session, a patch.Artifact, datastore string) bool
}

// HostOps changes host state through a management session.
type HostOps interface {
	EnterMaintenance(ctx context.Context, s vsphere.Session, log *zap.Logger) error
	ExitMaintenance(ctx context.Context, s vsphere.Session, log *zap.Logger) error
	EnableServices(ctx context.Context, s vsphere.Session, keys []string, log *zap.Logger) ([]string, error)
	DisableServices(ctx context.Context, s vsphere.Session, keys []string, log *zap.Logger) ([]string, error)
}

// Suppressor silences monitoring alerts for a host while it is disrupted.
// The returned release func is called during teardown.
type Suppressor interface {
	Suppress(ctx context.Context, host config.HostConfig) (release func(context.Context) error, err error)
}

// Observer receives phase and workload outcomes, e.g. for metrics.
type Observer interface {
	ObservePhase(host, phase, outcome string, d time.Duration)
	ObserveVMFailures(host string, n int)
}

type nopObserver struct{}

func (nopObserver) ObservePhase(string, string, string, time.Duration) {}
func (nopObserver) ObserveVMFailures(string, int) {}

// Settings are the workflow parameters taken from configuration.
type Settings struct {
	PatchFile string
	Services  []string

	ShellWait         time.Duration
	ShellWaitInterval time.Duration
	RebootTaskDelay   time.Duration
	Reboot            probe.RebootPolicy
	PostRebootSettle  time.Duration
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
}

// SettingsFromConfig derives Settings from cfg.
func SettingsFromConfig(cfg *config.Config) Settings {
	t := cfg.Timeouts
	return Settings{
		PatchFile:         cfg.Patch.File,
		Services:          cfg.Settings.Services,
		ShellWait:         config.Seconds(t.SSHWait),
		ShellWaitInterval: config.Seconds(t.SSHWaitInterval),
		RebootTaskDelay:   config.Seconds(t.RebootTaskDelay),
		Reboot: probe.RebootPolicy{
			DownAttempts: t.RebootDownAttempts,
			DownInterval: config.Seconds(t.RebootDownInterval),
			UpTimeout:    config.Seconds(t.RebootUp),
			UpInterval:   config.Seconds(t.RebootUpInterval),
			APISettle:    config.Seconds(t.RebootAPISettle),
			FinalSettle:  config.Seconds(t.RebootFinalSettle),
		},
		PostRebootSettle:  config.Seconds(t.PostRebootSettle),
		ReconnectAttempts: t.ReconnectAttempts,
		ReconnectBackoff:  config.Seconds(t.ReconnectBackoff),
	}
}

// Controller runs the patch workflow for one host at a time. It holds no
// per-host state, so one Controller may serve several hosts concurrently.
type Controller struct {
	settings   Settings
	artifact   *patch.Artifact
	connector  Connector
	dialer     ShellDialer
	probe      Probe
	ops        HostOps
	workloads  func(log *zap.Logger) Workloads
	installer  func(log *zap.Logger) Installer
	suppressor Suppressor
	observer   Observer
	clock      poll.Clock
	log        *zap.Logger
}

// Option customises a Controller.
type Option func(*Controller)

// WithConnector overrides the management-plane connector.
func WithConnector(c Connector) Option {
	return func(ctl *Controller) { ctl.connector = c }
}

// WithShellDialer overrides the remote shell dialer.
func WithShellDialer(d ShellDialer) Option {
	return func(ctl *Controller) { ctl.dialer = d }
}

// WithProbe overrides the availability probe.
func WithProbe(p Probe) Option {
	return func(ctl *Controller) { ctl.probe = p }
}

// WithHostOps overrides maintenance and service operations.
func WithHostOps(o HostOps) Option {
	return func(ctl *Controller) { ctl.ops = o }
}

// WithWorkloads overrides the per-host VM manager factory.
func WithWorkloads(fn func(log *zap.Logger) Workloads) Option {
	return func(ctl *Controller) { ctl.workloads = fn }
}

// WithInstaller overrides the per-host installer factory.
func WithInstaller(fn func(log *zap.Logger) Installer) Option {
	return func(ctl *Controller) { ctl.installer = fn }
}

// WithSuppressor enables monitoring alert suppression.
func WithSuppressor(s Suppressor) Option {
	return func(ctl *Controller) { ctl.suppressor = s }
}

// WithObserver registers an outcome observer.
func WithObserver(o Observer) Option {
	return func(ctl *Controller) {
		if o != nil {
			ctl.observer = o
		}
	}
}

// WithClock injects the clock used for every wait.
func WithClock(c poll.Clock) Option {
	return func(ctl *Controller) {
		if c != nil {
			ctl.clock = c
		}
	}
}

// New builds a Controller from configuration. Collaborators not supplied
// through options are built from cfg.
func New(cfg *config.Config, log *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		settings: SettingsFromConfig(cfg),
		observer: nopObserver{},
		clock:    poll.System(),
		log:      log,
	}
	if c.settings.PatchFile != "" {
		a := patch.NewArtifact(c.settings.PatchFile)
		c.artifact = &a
	}
	for _, opt := range opts {
		opt(c)
	}

	t := cfg.Timeouts
	if c.connector == nil {
		c.connector = vsphere.NewConnector(cfg.Settings.InsecureTLS, log)
	}
	if c.dialer == nil {
		c.dialer = remote.NewDialer(remote.DialConfig{
			ConnectTimeout: config.Seconds(t.SSHConnect),
			BannerTimeout:  config.Seconds(t.SSHBanner),
			CommandTimeout: config.Seconds(cfg.Settings.Timeout),
			KnownHostsFile: cfg.Settings.KnownHosts,
		}, log)
	}
	if c.probe == nil {
		c.probe = probe.New(log, probe.WithClock(c.clock), probe.WithDialTimeout(config.Seconds(t.Dial)))
	}
	if c.ops == nil {
		c.ops = vsphere.NewOps(vsphere.OpsConfig{
			TaskTimeout:  config.Seconds(t.MaintenanceTask),
			TaskPoll:     config.Seconds(t.MaintenancePoll),
			GraceSeconds: int32(t.MaintenanceGrace), //nolint:gosec // validated non-negative and small
		}, c.clock, log)
	}
	if c.workloads == nil {
		vmCfg := vm.Config{
			GracefulTimeout: config.Seconds(t.VMGraceful),
			PollInterval:    config.Seconds(t.VMPoll),
			ForceSettle:     config.Seconds(t.VMForceSettle),
			StartConfirm:    config.Seconds(t.VMStartConfirm),
		}
		clock := c.clock
		c.workloads = func(log *zap.Logger) Workloads { return vm.New(vmCfg, clock, log) }
	}
	if c.installer == nil {
		timeout := config.Seconds(t.Install)
		c.installer = func(log *zap.Logger) Installer { return patch.NewInstaller(timeout, log) }
	}
	return c
}

// hostState is what one run holds beyond the reported Run.
type hostState struct {
	run  *Run
	host config.HostConfig
	log  *zap.Logger

	workloads Workloads
	installer Installer

	api   vsphere.Session
	shell remote.Session

	enabled  []string
	stopped  []string
	listedOK bool
	release  func(context.Context) error
}

// Run executes the workflow for host and always returns a finished Run.
// Sessions are released on every exit path, panics included.
func (c *Controller) Run(ctx context.Context, host config.HostConfig) *Run {
	run := NewRun(host.Name, c.clock.Now())
	log := c.log.With(
		zap.String("host", host.Name),
		zap.String("address", host.Address),
		zap.String("run_id", run.ID),
	)
	hs := &hostState{
		run:       run,
		host:      host,
		log:       log,
		workloads: c.workloads(log),
		installer: c.installer(log),
	}

	ctx, span := telemetry.StartHostSpan(ctx, "Controller.Run", host.Name)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			log.Error("Unexpected fault", zap.Any("panic", r), zap.Stack("stack"))
			run.fail(fmt.Sprintf("unexpected fault: %v", r), fmt.Sprint(r))
		}
		c.teardown(ctx, hs)
		run.finish(c.clock.Now())

		span.SetAttributes(
			attribute.String("esxi.run_id", run.ID),
			attribute.Bool("esxi.success", run.Success),
		)
		if !run.Success {
			span.SetStatus(codes.Error, run.Reason)
			log.Error("Host run failed", zap.String("reason", run.Reason), zap.String("error", run.Error),
				zap.Duration("elapsed", run.Duration()))
			return
		}
		log.Info("Host run succeeded", zap.Duration("elapsed", run.Duration()),
			zap.Int("warnings", len(run.Warnings())))
	}()

	log.Info("Starting host run", zap.Int("ssh_port", host.SSHPort), zap.Int("api_port", host.APIPort))
	c.execute(ctx, hs)
	return run
}

type stepFunc func(ctx context.Context, hs *hostState) (Outcome, error)

// step runs one phase and records it. It returns false when the phase was fatal.
func (c *Controller) step(ctx context.Context, hs *hostState, phase Phase, fn stepFunc) bool {
	hs.run.Phase = phase
	ctx, span := telemetry.StartHostSpan(ctx, "phase."+string(phase), hs.host.Name)
	defer span.End()

	start := c.clock.Now()
	outcome, err := fn(ctx, hs)
	d := c.clock.Now().Sub(start)

	res := PhaseResult{Phase: phase, Outcome: outcome, Duration: d}
	if err != nil {
		res.Error = err.Error()
	}
	hs.run.record(res)
	c.observer.ObservePhase(hs.host.Name, string(phase), string(outcome), d)
	span.SetAttributes(attribute.String("esxi.phase.outcome", string(outcome)))

	log := hs.log.With(zap.String("phase", string(phase)))
	switch outcome {
	case OutcomeFatal:
		span.SetStatus(codes.Error, res.Error)
		log.Error("Phase failed", zap.Error(err))
		hs.run.fail(FatalReason(phase), res.Error)
		return false
	case OutcomeWarning:
		log.Warn("Phase incomplete, continuing", zap.Error(err))
	case OutcomeSkipped:
		log.Info("Phase skipped", zap.Error(err))
	default:
		log.Debug("Phase done", zap.Duration("elapsed", d))
	}
	return true
}

func fatal(err error) (Outcome, error) { return OutcomeFatal, err }
func warning(err error) (Outcome, error) { return OutcomeWarning, err }
func skipped(why string) (Outcome, error) {
	return OutcomeSkipped, errors.New(why)
}
func ok() (Outcome, error) { return OutcomeOK, nil }

type phaseStep struct {
	phase Phase
	fn    stepFunc
}

// execute walks the phases in order, stopping at the first fatal one.
func (c *Controller) execute(ctx context.Context, hs *hostState) {
	prepare := []phaseStep{
		{PhaseConnect, c.connect},
		{PhaseResolve, c.resolve},
		{PhaseEnableServices, c.enableServices},
		{PhaseWaitShell, c.waitShell},
		{PhaseOpenShell, c.openShell},
		{PhaseDatastore, c.discoverDatastore},
		{PhaseUpload, c.upload},
		{PhaseSuppressAlerts, c.suppressAlerts},
	}
	if !c.steps(ctx, hs, prepare) {
		return
	}

	// A cluster may relocate workloads itself once maintenance begins; a
	// standalone host has to stop them before.
	quiesce := []phaseStep{
		{PhaseShutdownVMs, c.shutdownVMs},
		{PhaseEnterMaintenance, c.enterMaintenance},
	}
	if hs.run.Clustered {
		quiesce[0], quiesce[1] = quiesce[1], quiesce[0]
	}
	if !c.steps(ctx, hs, quiesce) {
		return
	}

	c.steps(ctx, hs, []phaseStep{
		{PhaseInstall, c.install},
		{PhaseVerify, c.verify},
		{PhaseCleanup, c.cleanup},
		{PhaseReboot, c.reboot},
		{PhaseWaitReboot, c.waitReboot},
		{PhaseReconnect, c.reconnect},
		{PhaseReresolve, c.resolve},
		{PhaseReopenShell, c.reopenShell},
		{PhaseExitMaintenance, c.exitMaintenance},
		{PhaseStartVMs, c.startVMs},
		{PhaseDisableServices, c.disableServices},
	})
}

func (c *Controller) steps(ctx context.Context, hs *hostState, list []phaseStep) bool {
	for _, s := range list {
		if !c.step(ctx, hs, s.phase, s.fn) {
			return false
		}
	}
	return true
}

func (c *Controller) endpoint(h config.HostConfig) vsphere.Endpoint {
	return vsphere.Endpoint{Name: h.Name, Address: h.Address, Port: h.APIPort, Username: h.Username, Password: h.Password}
}

func (c *Controller) target(h config.HostConfig) remote.Target {
	return remote.Target{Address: h.Address, Port: h.SSHPort, Username: h.Username, Password: h.Password}
}

func (c *Controller) connect(ctx context.Context, hs *hostState) (Outcome, error) {
	s, err := c.connector.Connect(ctx, c.endpoint(hs.host))
	if err != nil {
		return fatal(err)
	}
	hs.api = s
	hs.log.Info("Connected to management API", zap.String("product", s.Product()))
	return ok()
}

func (c *Controller) resolve(ctx context.Context, hs *hostState) (Outcome, error) {
	info, err := hs.api.ResolveHost(ctx)
	if err != nil {
		return fatal(err)
	}
	hs.run.Clustered = info.Clustered
	hs.log.Info("Host resolved",
		zap.String("object", info.Name),
		zap.String("topology", info.Topology()),
		zap.String("parent", info.ParentName),
		zap.Bool("in_maintenance", info.InMaintenance),
	)
	return ok()
}

func (c *Controller) enableServices(ctx context.Context, hs *hostState) (Outcome, error) {
	handled, err := c.ops.EnableServices(ctx, hs.api, c.settings.Services, hs.log)
	if err != nil {
		return warning(err)
	}
	hs.enabled = handled
	return ok()
}

func (c *Controller) waitShell(ctx context.Context, hs *hostState) (Outcome, error) {
	if !c.probe.WaitUntil(ctx, hs.host.Address, hs.host.SSHPort, c.settings.ShellWait, c.settings.ShellWaitInterval) {
		if ctx.Err() != nil {
			return fatal(ctx.Err())
		}
		return warning(fmt.Errorf("port %d not reachable within %s, trying anyway", hs.host.SSHPort, c.settings.ShellWait))
	}
	return ok()
}

func (c *Controller) openShell(ctx context.Context, hs *hostState) (Outcome, error) {
	s, err := c.dialer.Dial(ctx, c.target(hs.host))
	if err != nil {
		return fatal(err)
	}
	hs.shell = s
	return ok()
}

func (c *Controller) discoverDatastore(ctx context.Context, hs *hostState) (Outcome, error) {
	ds, err := patch.DiscoverDatastore(ctx, hs.shell, hs.log)
	if err != nil {
		return fatal(err)
	}
	hs.run.Datastore = ds
	return ok()
}

func (c *Controller) upload(ctx context.Context, hs *hostState) (Outcome, error) {
	if c.artifact == nil {
		return skipped("no patch configured, host will only be rebooted")
	}
	if err := hs.installer.Upload(ctx, hs.shell, *c.artifact, hs.run.Datastore); err != nil {
		return fatal(err)
	}
	hs.run.PatchPath = c.artifact.RemotePath(hs.run.Datastore)
	return ok()
}

func (c *Controller) suppressAlerts(ctx context.Context, hs *hostState) (Outcome, error) {
	if c.suppressor == nil {
		return skipped("alert suppression disabled")
	}
	release, err := c.suppressor.Suppress(ctx, hs.host)
	if err != nil {
		return warning(err)
	}
	hs.release = release
	return ok()
}

// shutdownVMs never aborts the run: a stuck VM must not block patch delivery.
func (c *Controller) shutdownVMs(ctx context.Context, hs *hostState) (Outcome, error) {
	rep, err := hs.workloads.ShutdownAll(ctx, hs.shell)
	if err != nil {
		if ctx.Err() != nil {
			return fatal(ctx.Err())
		}
		return warning(err)
	}
	hs.listedOK = true
	hs.stopped = rep.StoppedIDs()
	hs.run.FailedVMs = rep.FailedIDs
	c.observer.ObserveVMFailures(hs.host.Name, len(rep.FailedIDs))
	if !rep.AllStopped() {
		return warning(fmt.Errorf("%d VM(s) still running: %v", len(rep.FailedIDs), rep.FailedIDs))
	}
	return ok()
}

func (c *Controller) enterMaintenance(ctx context.Context, hs *hostState) (Outcome, error) {
	if err := c.ops.EnterMaintenance(ctx, hs.api, hs.log); err != nil {
		return fatal(err)
	}
	return ok()
}

func (c *Controller) install(ctx context.Context, hs *hostState) (Outcome, error) {
	if c.artifact == nil {
		return skipped("no patch configured")
	}
	if _, err := hs.installer.Install(ctx, hs.shell, *c.artifact, hs.run.Datastore); err != nil {
		return fatal(err)
	}
	return ok()
}

func (c *Controller) verify(ctx context.Context, hs *hostState) (Outcome, error) {
	if c.artifact == nil {
		return skipped("no patch configured")
	}
	if !hs.installer.Verify(ctx, hs.shell, *c.artifact) {
		return warning(errors.New("installed patch could not be confirmed"))
	}
	return ok()
}

func (c *Controller) cleanup(ctx context.Context, hs *hostState) (Outcome, error) {
	if c.artifact == nil {
		return skipped("no patch configured")
	}
	if !hs.installer.Cleanup(ctx, hs.shell, *c.artifact, hs.run.Datastore) {
		return warning(fmt.Errorf("%s left on datastore", hs.run.PatchPath))
	}
	return ok()
}

// reboot issues the reboot and drops both sessions, which the reboot invalidates.
func (c *Controller) reboot(ctx context.Context, hs *hostState) (Outcome, error) {
	hs.log.Info("Rebooting host")
	if err := hs.api.Reboot(ctx); err != nil {
		return fatal(err)
	}
	c.closeSessions(ctx, hs)
	if err := poll.Sleep(ctx, c.clock, c.settings.RebootTaskDelay); err != nil {
		return fatal(err)
	}
	return ok()
}

func (c *Controller) waitReboot(ctx context.Context, hs *hostState) (Outcome, error) {
	if err := c.probe.WaitForReboot(ctx, hs.host.Address, hs.host.SSHPort, hs.host.APIPort, c.settings.Reboot); err != nil {
		return fatal(err)
	}
	hs.log.Info("Waiting for host services to settle", zap.Duration("delay", c.settings.PostRebootSettle))
	if err := poll.Sleep(ctx, c.clock, c.settings.PostRebootSettle); err != nil {
		return fatal(err)
	}
	return ok()
}

func (c *Controller) reconnect(ctx context.Context, hs *hostState) (Outcome, error) {
	var lastErr error
	_, err := poll.Until(ctx, c.clock,
		poll.Policy{Interval: c.settings.ReconnectBackoff, MaxAttempts: c.settings.ReconnectAttempts},
		func(ctx context.Context, attempt int) (bool, error) {
			s, err := c.connector.Connect(ctx, c.endpoint(hs.host))
			if err != nil {
				lastErr = err
				hs.log.Warn("Reconnect attempt failed",
					zap.Int("attempt", attempt),
					zap.Int("of", c.settings.ReconnectAttempts),
					zap.Error(err))
				return false, nil
			}
			hs.api = s
			return true, nil
		})
	if errors.Is(err, poll.ErrExhausted) {
		return fatal(fmt.Errorf("%d attempts: %w", c.settings.ReconnectAttempts, lastErr))
	}
	if err != nil {
		return fatal(err)
	}
	hs.log.Info("Management API reconnected")
	return ok()
}

func (c *Controller) reopenShell(ctx context.Context, hs *hostState) (Outcome, error) {
	s, err := c.dialer.Dial(ctx, c.target(hs.host))
	if err != nil {
		return warning(err)
	}
	hs.shell = s
	return ok()
}

func (c *Controller) exitMaintenance(ctx context.Context, hs *hostState) (Outcome, error) {
	if err := c.ops.ExitMaintenance(ctx, hs.api, hs.log); err != nil {
		return warning(err)
	}
	return ok()
}

func (c *Controller) startVMs(ctx context.Context, hs *hostState) (Outcome, error) {
	if hs.run.Clustered {
		return skipped("clustered host, workloads are managed by the cluster")
	}
	if hs.shell == nil {
		return skipped("no SSH session after reboot")
	}

	// Restart only what this run stopped, not every VM that is off; VMs an
	// operator left off stay off. If the list was never read, every
	// powered-off VM.
	var targets []string
	if hs.listedOK {
		targets = hs.stopped
		if len(targets) == 0 {
			return skipped("no VMs were stopped")
		}
	}
	rep, err := hs.workloads.StartAll(ctx, hs.shell, targets)
	if err != nil {
		return warning(err)
	}
	hs.log.Info("VMs started", zap.Int("started", len(rep.Started)), zap.Strings("failed", rep.Failed))
	if len(rep.Failed) > 0 {
		return warning(fmt.Errorf("%d VM(s) failed to start: %v", len(rep.Failed), rep.Failed))
	}
	return ok()
}

func (c *Controller) disableServices(ctx context.Context, hs *hostState) (Outcome, error) {
	keys := hs.enabled
	if len(keys) == 0 {
		keys = c.settings.Services
	}
	if _, err := c.ops.DisableServices(ctx, hs.api, keys, hs.log); err != nil {
		return warning(err)
	}
	return ok()
}

func (c *Controller) closeSessions(ctx context.Context, hs *hostState) {
	if hs.shell != nil {
		if err := hs.shell.Close(); err != nil {
			hs.log.Debug("Closing SSH session", zap.Error(err))
		}
		hs.shell = nil
	}
	if hs.api != nil {
		if err := hs.api.Logout(ctx); err != nil {
			hs.log.Debug("Logging out of management API", zap.Error(err))
		}
		hs.api = nil
	}
}

// teardown releases everything the run still holds. It uses a fresh context
// so an interrupted run still logs out.
func (c *Controller) teardown(ctx context.Context, hs *hostState) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	if hs.release != nil {
		if err := hs.release(ctx); err != nil {
			hs.log.Warn("Failed to lift alert suppression", zap.Error(err))
		}
		hs.release = nil
	}
	c.closeSessions(ctx, hs)
}
