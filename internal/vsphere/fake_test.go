package vsphere

import (
	"context"
	"errors"
	"sync"
)

// fakeTask returns scripted states, repeating the last one.
type fakeTask struct {
	states []TaskInfo
	calls  int
}

func (t *fakeTask) Info(context.Context) (TaskInfo, error) {
	i := t.calls
	if i >= len(t.states) {
		i = len(t.states) - 1
	}
	t.calls++
	return t.states[i], nil
}

type fakeSession struct {
	mu            sync.Mutex
	inMaintenance bool
	services      []Service
	task          *fakeTask
	failStart     map[string]bool

	enterCalls int
	exitCalls  int
	started    []string
	stopped    []string
	policies   map[string]string
}

func (f *fakeSession) ResolveHost(context.Context) (HostInfo, error) {
	return HostInfo{Name: "esx01"}, nil
}

func (f *fakeSession) Product() string { return "VMware ESXi 8.0.2 build-22380479" }

func (f *fakeSession) Services(context.Context) ([]Service, error) { return f.services, nil }

func (f *fakeSession) StartService(_ context.Context, key string) error {
	if f.failStart[key] {
		return errors.New("start refused")
	}
	f.started = append(f.started, key)
	return nil
}

func (f *fakeSession) StopService(_ context.Context, key string) error {
	f.stopped = append(f.stopped, key)
	return nil
}

func (f *fakeSession) UpdateServicePolicy(_ context.Context, key, policy string) error {
	if f.policies == nil {
		f.policies = map[string]string{}
	}
	f.policies[key] = policy
	return nil
}

func (f *fakeSession) InMaintenanceMode(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inMaintenance, nil
}

func (f *fakeSession) EnterMaintenanceMode(context.Context, int32) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enterCalls++
	if f.task != nil {
		return f.task, nil
	}
	f.inMaintenance = true
	return &fakeTask{states: []TaskInfo{{State: TaskStateRunning}, {State: TaskStateSuccess}}}, nil
}

func (f *fakeSession) ExitMaintenanceMode(context.Context, int32) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitCalls++
	if f.task != nil {
		return f.task, nil
	}
	f.inMaintenance = false
	return &fakeTask{states: []TaskInfo{{State: TaskStateSuccess}}}, nil
}

func (f *fakeSession) Reboot(context.Context) error { return nil }

func (f *fakeSession) Logout(context.Context) error { return nil }
