package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/kidoz/esxi-patcher-go/internal/config"
	"github.com/kidoz/esxi-patcher-go/internal/esxcli"
	"github.com/kidoz/esxi-patcher-go/internal/probe"
	"github.com/kidoz/esxi-patcher-go/internal/remote"
	"github.com/kidoz/esxi-patcher-go/internal/remote/remotetest"
	"github.com/kidoz/esxi-patcher-go/internal/vsphere"
)

// journal records cross-collaborator events in order.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(e string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

func (j *journal) index(e string) int {
	for i, got := range j.list() {
		if got == e {
			return i
		}
	}
	return -1
}

type doneTask struct {
	info vsphere.TaskInfo
}

func (t doneTask) Info(context.Context) (vsphere.TaskInfo, error) { return t.info, nil }

// fakeAPI is a management session whose state survives reconnects.
type fakeAPI struct {
	j *journal

	mu            sync.Mutex
	clustered     bool
	inMaintenance bool
	resolveErr    error
	enterError    string
	exitErr       error
	rebootErr     error
	rebooted      bool
	services      map[string]*vsphere.Service
	logouts       int

	// resolveErrAfterReboot fails resolution once Reboot was called.
	resolveErrAfterReboot error
}

func newFakeAPI(j *journal) *fakeAPI {
	return &fakeAPI{
		j: j,
		services: map[string]*vsphere.Service{
			"TSM":     {Key: "TSM", Label: "ESXi Shell", Policy: vsphere.PolicyOff},
			"TSM-SSH": {Key: "TSM-SSH", Label: "SSH", Policy: vsphere.PolicyOff},
			"ntpd":    {Key: "ntpd", Label: "NTP Daemon", Running: true, Policy: vsphere.PolicyOn},
		},
	}
}

func (f *fakeAPI) ResolveHost(context.Context) (vsphere.HostInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolveErr != nil {
		return vsphere.HostInfo{}, f.resolveErr
	}
	if f.rebooted && f.resolveErrAfterReboot != nil {
		return vsphere.HostInfo{}, f.resolveErrAfterReboot
	}
	info := vsphere.HostInfo{Name: "esx01.lab.local", Clustered: f.clustered, InMaintenance: f.inMaintenance}
	if f.clustered {
		info.ParentName = "Prod"
	}
	return info, nil
}

func (f *fakeAPI) Product() string { return "VMware ESXi 8.0.2 build-22380479" }

func (f *fakeAPI) Services(context.Context) ([]vsphere.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]vsphere.Service, 0, len(f.services))
	for _, s := range f.services {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeAPI) StartService(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services[key].Running = true
	f.j.add("service.start " + key)
	return nil
}

func (f *fakeAPI) StopService(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services[key].Running = false
	f.j.add("service.stop " + key)
	return nil
}

func (f *fakeAPI) UpdateServicePolicy(_ context.Context, key, policy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services[key].Policy = policy
	return nil
}

func (f *fakeAPI) InMaintenanceMode(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inMaintenance, nil
}

func (f *fakeAPI) EnterMaintenanceMode(context.Context, int32) (vsphere.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.j.add("maintenance.enter")
	if f.enterError != "" {
		return doneTask{vsphere.TaskInfo{State: vsphere.TaskStateError, Message: f.enterError}}, nil
	}
	f.inMaintenance = true
	return doneTask{vsphere.TaskInfo{State: vsphere.TaskStateSuccess}}, nil
}

func (f *fakeAPI) ExitMaintenanceMode(context.Context, int32) (vsphere.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.j.add("maintenance.exit")
	if f.exitErr != nil {
		return nil, f.exitErr
	}
	f.inMaintenance = false
	return doneTask{vsphere.TaskInfo{State: vsphere.TaskStateSuccess}}, nil
}

func (f *fakeAPI) Reboot(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.j.add("reboot")
	if f.rebootErr != nil {
		return f.rebootErr
	}
	f.rebooted = true
	return nil
}

func (f *fakeAPI) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.j.add("logout")
	f.logouts++
	return nil
}

func (f *fakeAPI) logoutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logouts
}

// fakeConnector hands out the same fakeAPI, failing the calls listed in errs.
type fakeConnector struct {
	api *fakeAPI

	mu    sync.Mutex
	calls int
	// errs[i] is returned by call i when set.
	errs map[int]error
}

func (c *fakeConnector) Connect(context.Context, vsphere.Endpoint) (vsphere.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.calls
	c.calls++
	if err := c.errs[n]; err != nil {
		return nil, err
	}
	return c.api, nil
}

func (c *fakeConnector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// fakeDialer returns hosts in order; a nil entry fails the dial.
type fakeDialer struct {
	mu    sync.Mutex
	hosts []*remotetest.Host
	calls int
}

func (d *fakeDialer) Dial(context.Context, remote.Target) (remote.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	if i >= len(d.hosts) || d.hosts[i] == nil {
		return nil, errors.New("ssh: handshake failed: connection refused")
	}
	return d.hosts[i], nil
}

type fakeProbe struct {
	shellUp   bool
	rebootErr error
	reboots   int
}

func (p *fakeProbe) WaitUntil(context.Context, string, int, time.Duration, time.Duration) bool {
	return p.shellUp
}

func (p *fakeProbe) WaitForReboot(context.Context, string, int, int, probe.RebootPolicy) error {
	p.reboots++
	return p.rebootErr
}

const (
	testDatastore = "/vmfs/volumes/datastore1"
	testPatch     = "VMware-ESXi-8.0U2-22380479-depot.zip"
)

// newShell returns a host with one datastore whose VM commands are journaled.
func newShell(j *journal, vms map[string]*remotetest.VM) *remotetest.Host {
	h := remotetest.NewHost(testDatastore)
	h.VMs = vms
	h.Responses[esxcli.FilesystemListCommand] = remotetest.OK(
		"Mount Point               Volume Name  UUID  Mounted  Type\n" +
			testDatastore + "  datastore1   6543a1b2  true     VMFS-6\n")
	h.Responses[esxcli.VIBSearchCommand("22380479")] = remotetest.OK("esx-base  8.0.2-0.0.22380479  VMware\n")
	h.Handler = func(cmd string) (remotetest.Response, bool) {
		for _, verb := range []string{"shutdown", "off", "on"} {
			if strings.HasPrefix(cmd, "vim-cmd vmsvc/power."+verb+" ") {
				j.add("vm." + verb)
			}
		}
		if strings.HasPrefix(cmd, "esxcli software vib install") {
			j.add("install")
		}
		return remotetest.Response{}, false
	}
	return h
}

func testHost() config.HostConfig {
	return config.HostConfig{
		Name:     "esx01",
		Address:  "10.0.0.11",
		Username: "root",
		Password: "secret",
		SSHPort:  22,
		APIPort:  443,
	}
}

type fakeSuppressor struct {
	err      error
	released int
}

func (s *fakeSuppressor) Suppress(context.Context, config.HostConfig) (func(context.Context) error, error) {
	if s.err != nil {
		return nil, s.err
	}
	return func(context.Context) error {
		s.released++
		return nil
	}, nil
}

type recordingObserver struct {
	mu         sync.Mutex
	phases     map[string]string
	vmFailures int
}

func (o *recordingObserver) ObservePhase(_, phase, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phases == nil {
		o.phases = map[string]string{}
	}
	o.phases[phase] = outcome
}

func (o *recordingObserver) ObserveVMFailures(_ string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.vmFailures += n
}
