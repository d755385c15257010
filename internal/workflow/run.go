package workflow

import (
	"time"

	"github.com/google/uuid"
)

// Phase names one step of a host run.
type Phase string

const (
	PhaseConnect          Phase = "connect"
	PhaseResolve          Phase = "resolve"
	PhaseEnableServices   Phase = "enable-services"
	PhaseWaitShell        Phase = "wait-shell"
	PhaseOpenShell        Phase = "open-shell"
	PhaseDatastore        Phase = "discover-datastore"
	PhaseUpload           Phase = "upload"
	PhaseSuppressAlerts   Phase = "suppress-alerts"
	PhaseShutdownVMs      Phase = "shutdown-vms"
	PhaseEnterMaintenance Phase = "enter-maintenance"
	PhaseInstall          Phase = "install"
	PhaseVerify           Phase = "verify"
	PhaseCleanup          Phase = "cleanup"
	PhaseReboot           Phase = "reboot"
	PhaseWaitReboot       Phase = "wait-reboot"
	PhaseReconnect        Phase = "reconnect"
	PhaseReresolve        Phase = "re-resolve"
	PhaseReopenShell      Phase = "reopen-shell"
	PhaseExitMaintenance  Phase = "exit-maintenance"
	PhaseStartVMs         Phase = "start-vms"
	PhaseDisableServices  Phase = "disable-services"
	PhaseDone             Phase = "done"
)

// fatalReasons is the report message of every phase whose failure aborts the run.
var fatalReasons = map[Phase]string{
	PhaseConnect:          "management API connection failed",
	PhaseResolve:          "host object not found",
	PhaseOpenShell:        "SSH connection failed",
	PhaseDatastore:        "datastore not found",
	PhaseUpload:           "patch upload failed",
	PhaseEnterMaintenance: "failed to enter maintenance mode",
	PhaseInstall:          "patch install failed",
	PhaseReboot:           "reboot failed",
	PhaseWaitReboot:       "host did not come back after reboot",
	PhaseReconnect:        "management API unreachable after reboot",
	PhaseReresolve:        "host object not found after reboot",
}

// FatalReason returns the report message used when phase aborts a run.
func FatalReason(phase Phase) string {
	if r, ok := fatalReasons[phase]; ok {
		return r
	}
	return string(phase) + " failed"
}

// Outcome classifies how a phase ended.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeWarning Outcome = "warning"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFatal   Outcome = "fatal"
)

// PhaseResult records one executed phase.
type PhaseResult struct {
	Phase    Phase         `json:"phase"`
	Outcome  Outcome       `json:"outcome"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Run is the state of one host's workflow. It is created per host and
// invocation and never reused.
type Run struct {
	ID        string
	Host      string
	Phase     Phase
	Clustered bool
	Datastore string
	PatchPath string
	FailedVMs []string

	StartedAt  time.Time
	FinishedAt time.Time

	Success bool
	// Reason is the short message of the fatal phase, or "success".
	Reason string
	// Error holds the underlying error of the fatal phase.
	Error  string
	Phases []PhaseResult
}

// NewRun starts a run for host.
func NewRun(host string, now time.Time) *Run {
	return &Run{
		ID:        uuid.NewString(),
		Host:      host,
		StartedAt: now,
	}
}

// Duration is the wall time of the run, or zero while it is in progress.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Warnings returns the phases that ended with a warning.
func (r *Run) Warnings() []Phase {
	var out []Phase
	for _, p := range r.Phases {
		if p.Outcome == OutcomeWarning {
			out = append(out, p.Phase)
		}
	}
	return out
}

func (r *Run) record(res PhaseResult) {
	r.Phases = append(r.Phases, res)
}

// fail marks the run failed. The first failure wins.
func (r *Run) fail(reason, detail string) {
	if r.Reason != "" {
		return
	}
	r.Reason = reason
	r.Error = detail
}

func (r *Run) finish(now time.Time) {
	r.FinishedAt = now
	if r.Reason == "" {
		r.Success = true
		r.Reason = "success"
		r.Phase = PhaseDone
	}
}
