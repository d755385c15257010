// Package vsphere talks to a host's management plane: host resolution and
// topology, administrative services, maintenance mode and reboot.
package vsphere

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrHostNotFound is returned when the session exposes no matching host object.
	ErrHostNotFound = errors.New("host object not found")
	// ErrTaskTimeout is returned when a task does not reach a terminal state in time.
	ErrTaskTimeout = errors.New("task did not complete in time")
)

// TaskError carries the message of a task that ended in the error state.
type TaskError struct {
	Message string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task failed: %s", e.Message)
}

// TaskState mirrors the management API task states.
type TaskState string

const (
	TaskStateQueued  TaskState = "queued"
	TaskStateRunning TaskState = "running"
	TaskStateSuccess TaskState = "success"
	TaskStateError   TaskState = "error"
)

// Terminal reports whether the task has finished.
func (s TaskState) Terminal() bool {
	return s == TaskStateSuccess || s == TaskStateError
}

// TaskInfo is a snapshot of a running task.
type TaskInfo struct {
	State   TaskState
	Message string
}

// Task is an asynchronous management operation.
type Task interface {
	Info(ctx context.Context) (TaskInfo, error)
}

// HostInfo describes the resolved host object.
type HostInfo struct {
	Name string
	// Clustered is true when the host belongs to a cluster that can relocate
	// workloads by itself.
	Clustered     bool
	ParentName    string
	InMaintenance bool
}

// Topology returns "clustered" or "standalone".
func (h HostInfo) Topology() string {
	if h.Clustered {
		return "clustered"
	}
	return "standalone"
}

// Service is one administrative service of the host.
type Service struct {
	Key     string
	Label   string
	Running bool
	Policy  string
}

// Service policies.
const (
	PolicyOn  = "on"
	PolicyOff = "off"
)

// Session is an authenticated management-plane session bound to one host.
// ResolveHost must succeed before any host operation is used.
type Session interface {
	ResolveHost(ctx context.Context) (HostInfo, error)
	Product() string

	Services(ctx context.Context) ([]Service, error)
	StartService(ctx context.Context, key string) error
	StopService(ctx context.Context, key string) error
	UpdateServicePolicy(ctx context.Context, key, policy string) error

	InMaintenanceMode(ctx context.Context) (bool, error)
	// EnterMaintenanceMode starts the transition; graceSeconds is passed to
	// the API as its timeout (0 means none).
	EnterMaintenanceMode(ctx context.Context, graceSeconds int32) (Task, error)
	ExitMaintenanceMode(ctx context.Context, graceSeconds int32) (Task, error)

	// Reboot issues a non-forced reboot and returns once it is accepted.
	Reboot(ctx context.Context) error

	Logout(ctx context.Context) error
}

// Endpoint locates a host's management API.
type Endpoint struct {
	// Name selects the host object when the endpoint manages several.
	Name     string
	Address  string
	Port     int
	Username string
	Password string
}
