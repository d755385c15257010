package fleet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/kidoz/esxi-patcher-go/internal/config"
	"github.com/kidoz/esxi-patcher-go/internal/metrics"
	"github.com/kidoz/esxi-patcher-go/internal/poll/polltest"
	"github.com/kidoz/esxi-patcher-go/internal/report"
	"github.com/kidoz/esxi-patcher-go/internal/runlock"
	"github.com/kidoz/esxi-patcher-go/internal/workflow"
)

// fakeHosts finishes every host instantly; hosts listed in fail end with
// the given reason.
type fakeHosts struct {
	clk  *polltest.Clock
	fail map[string]string
	// onRun, when set, runs before the host's result is built.
	onRun func(host string)

	mu      sync.Mutex
	ran     []string
	checked []string
	active  int
	peak    int
}

func (f *fakeHosts) Run(ctx context.Context, host config.HostConfig) *workflow.Run {
	f.mu.Lock()
	f.ran = append(f.ran, host.Name)
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if f.onRun != nil {
		f.onRun(host.Name)
	}

	run := workflow.NewRun(host.Name, f.clk.Now())
	run.FinishedAt = run.StartedAt.Add(10 * time.Minute)
	run.Phases = []workflow.PhaseResult{
		{Phase: workflow.PhaseConnect, Outcome: workflow.OutcomeOK, Duration: time.Second},
		{Phase: workflow.PhaseVerify, Outcome: workflow.OutcomeWarning, Error: "build not listed"},
	}
	if reason, ok := f.fail[host.Name]; ok {
		run.Reason = reason
		run.Error = "esxcli exited with 1"
		run.Phase = workflow.PhaseInstall
		return run
	}
	run.Success = true
	run.Reason = "success"
	run.Phase = workflow.PhaseDone
	return run
}

func (f *fakeHosts) Check(_ context.Context, host config.HostConfig) workflow.CheckResult {
	f.mu.Lock()
	f.checked = append(f.checked, host.Name)
	f.mu.Unlock()
	res := workflow.CheckResult{Host: host.Name, Address: host.Address, Version: "VMware ESXi 8.0.2 build-22380479"}
	if _, ok := f.fail[host.Name]; ok {
		res.ShellErr = errors.New("connection refused")
	}
	return res
}

func (f *fakeHosts) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

type fakePublisher struct {
	err  error
	reps []*report.Report
}

func (p *fakePublisher) PublishReport(_ context.Context, rep *report.Report) error {
	p.reps = append(p.reps, rep)
	return p.err
}

func testConfig(t *testing.T, names ...string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	dir := t.TempDir()
	cfg.Settings.LockFile = filepath.Join(dir, "run.lock")
	cfg.Settings.ReportPath = filepath.Join(dir, "report.json")
	cfg.Settings.MetricsTextfile = filepath.Join(dir, "esxi_patcher.prom")
	cfg.Settings.HostCooldown = 30
	for i, n := range names {
		cfg.Hosts = append(cfg.Hosts, config.HostConfig{
			Name:     n,
			Address:  fmt.Sprintf("10.0.0.%d", i+1),
			Username: "root",
			Password: "secret",
			SSHPort:  22,
			APIPort:  443,
		})
	}
	return cfg
}

func TestRun_MiddleHostFails(t *testing.T) {
	cfg := testConfig(t, "esx01", "esx02", "esx03")
	clk := polltest.NewClock()
	hosts := &fakeHosts{clk: clk, fail: map[string]string{"esx02": workflow.FatalReason(workflow.PhaseInstall)}}
	pub := &fakePublisher{}
	var out bytes.Buffer

	r := New(cfg, zap.NewNop(),
		WithHostRunner(hosts),
		WithClock(clk),
		WithOutput(&out),
		WithRecorder(metrics.NewRecorder()),
		WithPublisher(pub),
	)
	rep, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"esx01", "esx02", "esx03"}, hosts.names())
	require.Len(t, rep.Hosts, 3)
	assert.False(t, rep.Succeeded())
	assert.Equal(t, []string{"esx02"}, rep.Failed())

	failed, ok := rep.Get("esx02")
	require.True(t, ok)
	assert.Equal(t, "patch install failed", failed.Message)
	assert.Equal(t, "esxcli exited with 1", failed.Error)

	ok1, _ := rep.Get("esx01")
	assert.True(t, ok1.Success)
	assert.Equal(t, "success", ok1.Message)
	assert.Equal(t, []string{"verify"}, ok1.Warnings)
	assert.InDelta(t, 600, ok1.Duration, 0.001)
	assert.Len(t, ok1.Phases, 2)

	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second}, clk.Sleeps())

	assert.Contains(t, out.String(), "Total: 3, succeeded: 2, failed: 1")

	stored, err := report.Load(cfg.Settings.ReportPath)
	require.NoError(t, err)
	assert.Len(t, stored.Hosts, 3)

	prom, err := os.ReadFile(cfg.Settings.MetricsTextfile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "esxi_patcher_failed_hosts 1")

	require.Len(t, pub.reps, 1)
	assert.Same(t, rep, pub.reps[0])
}

func TestRun_AllSucceed(t *testing.T) {
	cfg := testConfig(t, "esx01", "esx02")
	clk := polltest.NewClock()
	r := New(cfg, zap.NewNop(), WithHostRunner(&fakeHosts{clk: clk}), WithClock(clk), WithOutput(&bytes.Buffer{}))

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Succeeded())
}

func TestRun_NoCooldownAfterLastHost(t *testing.T) {
	cfg := testConfig(t, "esx01")
	clk := polltest.NewClock()
	r := New(cfg, zap.NewNop(), WithHostRunner(&fakeHosts{clk: clk}), WithClock(clk), WithOutput(&bytes.Buffer{}))

	_, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, clk.Sleeps())
}

func TestRun_LockHeld(t *testing.T) {
	cfg := testConfig(t, "esx01")
	held, err := runlock.Acquire(cfg.Settings.LockFile)
	require.NoError(t, err)
	defer func() { _ = held.Release() }()

	hosts := &fakeHosts{clk: polltest.NewClock()}
	r := New(cfg, zap.NewNop(), WithHostRunner(hosts), WithOutput(&bytes.Buffer{}))

	_, err = r.Run(context.Background())
	require.ErrorIs(t, err, ErrLocked)
	assert.Empty(t, hosts.names())
}

func TestRun_InterruptStopsBeforeNextHost(t *testing.T) {
	cfg := testConfig(t, "esx01", "esx02", "esx03")
	clk := polltest.NewClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hosts := &fakeHosts{clk: clk, onRun: func(string) { cancel() }}
	r := New(cfg, zap.NewNop(), WithHostRunner(hosts), WithClock(clk), WithOutput(&bytes.Buffer{}))

	rep, err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"esx01"}, hosts.names())
	require.Len(t, rep.Hosts, 1)

	// The partial report is still stored.
	stored, err := report.Load(cfg.Settings.ReportPath)
	require.NoError(t, err)
	assert.Len(t, stored.Hosts, 1)
}

func TestRun_PublisherFailureIsNotFatal(t *testing.T) {
	cfg := testConfig(t, "esx01")
	clk := polltest.NewClock()
	pub := &fakePublisher{err: errors.New("zabbix_sender failed")}
	closed := 0
	r := New(cfg, zap.NewNop(),
		WithHostRunner(&fakeHosts{clk: clk}),
		WithClock(clk),
		WithOutput(&bytes.Buffer{}),
		WithPublisher(pub),
		WithCloser(func(context.Context) error { closed++; return errors.New("logout failed") }),
	)

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Succeeded())
	assert.Len(t, pub.reps, 1)
	assert.Equal(t, 1, closed)
}

func TestRun_Parallel(t *testing.T) {
	cfg := testConfig(t, "esx01", "esx02", "esx03", "esx04")
	cfg.Settings.Parallel = 2
	clk := polltest.NewClock()

	hosts := &fakeHosts{clk: clk, fail: map[string]string{"esx03": "reboot failed"}}
	r := New(cfg, zap.NewNop(), WithHostRunner(hosts), WithClock(clk), WithOutput(&bytes.Buffer{}))

	rep, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"esx01", "esx02", "esx03", "esx04"}, hosts.names())
	assert.LessOrEqual(t, hosts.peak, 2)
	require.Len(t, rep.Hosts, 4)
	for i, name := range []string{"esx01", "esx02", "esx03", "esx04"} {
		assert.Equal(t, name, rep.Hosts[i].Host, "report keeps inventory order")
	}
	assert.Equal(t, []string{"esx03"}, rep.Failed())
	assert.Len(t, clk.Sleeps(), 3, "host starts are spaced by the cooldown")
}

func TestSelfTest(t *testing.T) {
	cfg := testConfig(t, "esx01", "esx02")
	cfg.Settings.SelfTest = true
	clk := polltest.NewClock()
	hosts := &fakeHosts{clk: clk, fail: map[string]string{"esx02": "patch install failed"}}
	var out bytes.Buffer
	r := New(cfg, zap.NewNop(), WithHostRunner(hosts), WithClock(clk), WithOutput(&out))

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"esx01", "esx02"}, hosts.checked)
	assert.Equal(t, []string{"esx01", "esx02"}, hosts.names(), "a failed check does not block the run")
	assert.Regexp(t, `HOST\s+ADDRESS\s+SSH\s+API\s+VERSION`, out.String())
	assert.Regexp(t, `esx02\s+10\.0\.0\.2\s+FAIL\s+OK`, out.String())
}

func TestModule(t *testing.T) {
	cfg := testConfig(t, "esx01")
	cfg.Zabbix.Maintenance = true
	cfg.Zabbix.Report = true

	var r *Runner
	app := fx.New(
		fx.NopLogger,
		fx.Supply(cfg, zap.NewNop()),
		Module,
		fx.Populate(&r),
	)
	require.NoError(t, app.Err())
	require.NotNil(t, r)
	assert.NotNil(t, r.publisher)
	assert.Len(t, r.closers, 1)
	assert.NotNil(t, r.recorder)
}
