// Package remotetest provides an in-memory ESXi shell for tests: VMs with
// scripted power behaviour, canned command output and a file store.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kidoz/esxi-patcher-go/internal/esxcli"
	"github.com/kidoz/esxi-patcher-go/internal/remote"
)

// VM is a simulated virtual machine.
type VM struct {
	State esxcli.PowerState
	// OffAfterPolls is how many state queries after a guest shutdown request
	// still report on. Negative means the guest never shuts down.
	OffAfterPolls int
	ForceFails    bool
	// ForceIneffective makes power.off succeed without changing state.
	ForceIneffective bool
	StateFails       bool
	StartFails       bool

	shutdownRequested bool
	pollsSince        int
}

// Response is a canned command result.
type Response struct {
	Result *remote.Result
	Err    error
}

// Host implements remote.Session.
type Host struct {
	mu sync.Mutex

	VMs map[string]*VM
	// Order fixes the VM listing order; defaults to sorted ids.
	Order []string
	// Responses maps exact commands to canned results. Unknown commands
	// succeed with empty output.
	Responses map[string]Response
	// Handler, when set, is consulted before Responses.
	Handler func(cmd string) (Response, bool)

	Files map[string]int64
	Dirs  map[string]bool

	// UploadShortBy makes Upload report that many bytes fewer than the source size.
	UploadShortBy int64
	// RemoteSizeDelta is added to the stored size of uploaded files.
	RemoteSizeDelta int64
	UploadErr       error
	RemoveErr       error

	closed  bool
	history []string
}

// NewHost returns an empty host with the given datastore directories.
func NewHost(dirs ...string) *Host {
	h := &Host{
		VMs:       map[string]*VM{},
		Responses: map[string]Response{},
		Files:     map[string]int64{},
		Dirs:      map[string]bool{},
	}
	for _, d := range dirs {
		h.Dirs[d] = true
	}
	return h
}

// OK builds a successful result.
func OK(stdout string) Response {
	return Response{Result: &remote.Result{Stdout: stdout}}
}

// Fail builds a result with a non-zero exit code.
func Fail(code int, stderr string) Response {
	return Response{Result: &remote.Result{ExitCode: code, Stderr: stderr}}
}

// Commands returns every command run so far.
func (h *Host) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.history))
	copy(out, h.history)
	return out
}

// Count returns how many times cmd was run.
func (h *Host) Count(cmd string) int {
	n := 0
	for _, c := range h.Commands() {
		if c == cmd {
			n++
		}
	}
	return n
}

// Closed reports whether Close was called.
func (h *Host) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Host) vmOrder() []string {
	if h.Order != nil {
		return h.Order
	}
	ids := make([]string, 0, len(h.VMs))
	for id := range h.VMs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run simulates vim-cmd VM commands and returns canned output otherwise.
func (h *Host) Run(ctx context.Context, cmd string, opts ...remote.RunOption) (*remote.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("session closed")
	}
	h.history = append(h.history, cmd)

	if h.Handler != nil {
		if r, ok := h.Handler(cmd); ok {
			return r.Result, r.Err
		}
	}
	if r, ok := h.Responses[cmd]; ok {
		return r.Result, r.Err
	}

	if cmd == esxcli.ListVMsCommand {
		var b strings.Builder
		b.WriteString("Vmid   Name   File   Guest OS   Version   Annotation\n")
		for _, id := range h.vmOrder() {
			fmt.Fprintf(&b, "%s   vm-%s   [datastore1] vm-%s/vm-%s.vmx   otherGuest64   vmx-19\n", id, id, id, id)
		}
		return &remote.Result{Stdout: b.String()}, nil
	}

	for _, prefix := range []string{"vim-cmd vmsvc/power.getstate ", "vim-cmd vmsvc/power.shutdown ",
		"vim-cmd vmsvc/power.off ", "vim-cmd vmsvc/power.on "} {
		if !strings.HasPrefix(cmd, prefix) {
			continue
		}
		id := strings.TrimPrefix(cmd, prefix)
		vm, ok := h.VMs[id]
		if !ok {
			return &remote.Result{ExitCode: 1, Stderr: "Unable to find a VM corresponding to \"" + id + "\""}, nil
		}
		return h.vmCommand(prefix, vm), nil
	}

	return &remote.Result{}, nil
}

func (h *Host) vmCommand(prefix string, vm *VM) *remote.Result {
	switch prefix {
	case "vim-cmd vmsvc/power.getstate ":
		if vm.StateFails {
			return &remote.Result{ExitCode: 1, Stderr: "vim.fault.InvalidState"}
		}
		if vm.shutdownRequested && vm.State == esxcli.PowerOn && vm.OffAfterPolls >= 0 {
			if vm.pollsSince >= vm.OffAfterPolls {
				vm.State = esxcli.PowerOff
			}
			vm.pollsSince++
		}
		switch vm.State {
		case esxcli.PowerOn:
			return &remote.Result{Stdout: "Retrieved runtime info\nPowered on\n"}
		case esxcli.PowerOff:
			return &remote.Result{Stdout: "Retrieved runtime info\nPowered off\n"}
		default:
			return &remote.Result{Stdout: "Retrieved runtime info\nSuspended\n"}
		}
	case "vim-cmd vmsvc/power.shutdown ":
		vm.shutdownRequested = true
		vm.pollsSince = 0
		return &remote.Result{}
	case "vim-cmd vmsvc/power.off ":
		if vm.ForceFails {
			return &remote.Result{ExitCode: 1, Stderr: "Power off failed"}
		}
		if vm.State == esxcli.PowerOff {
			return &remote.Result{ExitCode: 1, Stderr: "The attempted operation cannot be performed in the current state (Powered off)."}
		}
		if !vm.ForceIneffective {
			vm.State = esxcli.PowerOff
		}
		return &remote.Result{Stdout: "Powering off VM:\n"}
	default:
		if vm.StartFails {
			return &remote.Result{ExitCode: 1, Stderr: "Power on failed"}
		}
		vm.State = esxcli.PowerOn
		vm.shutdownRequested = false
		return &remote.Result{Stdout: "Powering on VM:\n"}
	}
}

type fileInfo struct {
	name string
	size int64
	dir  bool
}

func (f fileInfo) Name() string { return f.name }
func (f fileInfo) Size() int64  { return f.size }
func (f fileInfo) Mode() fs.FileMode {
	if f.dir {
		return fs.ModeDir | 0o755
	}
	return 0o644
}
func (f fileInfo) ModTime() time.Time { return time.Time{} }
func (f fileInfo) IsDir() bool        { return f.dir }
func (f fileInfo) Sys() any           { return nil }

// Stat reports simulated files and directories.
func (h *Host) Stat(_ context.Context, p string) (os.FileInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Dirs[p] {
		return fileInfo{name: path.Base(p), dir: true}, nil
	}
	if size, ok := h.Files[p]; ok {
		return fileInfo{name: path.Base(p), size: size}, nil
	}
	return nil, fs.ErrNotExist
}

// Upload records the local file's size under remotePath.
func (h *Host) Upload(_ context.Context, localPath, remotePath string) (int64, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.UploadErr != nil {
		return 0, h.UploadErr
	}
	if !h.Dirs[path.Dir(remotePath)] {
		return 0, fs.ErrNotExist
	}
	h.Files[remotePath] = info.Size() + h.RemoteSizeDelta
	return info.Size() - h.UploadShortBy, nil
}

// Remove deletes a simulated file.
func (h *Host) Remove(_ context.Context, p string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.RemoveErr != nil {
		return h.RemoveErr
	}
	if _, ok := h.Files[p]; !ok {
		return fs.ErrNotExist
	}
	delete(h.Files, p)
	return nil
}

// Close marks the session closed.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}
