// Package vm stops and starts the virtual machines of one host through its
// shell, with a graceful shutdown window and a forced power-off fallback.
package vm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kidoz/esxi-patcher-go/internal/esxcli"
	"github.com/kidoz/esxi-patcher-go/internal/poll"
	"github.com/kidoz/esxi-patcher-go/internal/remote"
)

// Outcome is how a VM reached (or failed to reach) the off state.
type Outcome string

const (
	OutcomeGraceful Outcome = "graceful"
	OutcomeForced   Outcome = "forced"
	OutcomeFailed   Outcome = "failed"
	// OutcomeSkipped marks a VM that was not running.
	OutcomeSkipped Outcome = "skipped"
)

// Record is what shutdown observed for one VM.
type Record struct {
	ID      string
	State   esxcli.PowerState
	Outcome Outcome
}

// ShutdownReport summarises ShutdownAll.
type ShutdownReport struct {
	Records   []Record
	FailedIDs []string
}

// AllStopped reports whether every VM reached the off state.
func (r ShutdownReport) AllStopped() bool {
	return len(r.FailedIDs) == 0
}

// StoppedIDs returns the VMs this shutdown powered off.
func (r ShutdownReport) StoppedIDs() []string {
	var ids []string
	for _, rec := range r.Records {
		if rec.Outcome == OutcomeGraceful || rec.Outcome == OutcomeForced {
			ids = append(ids, rec.ID)
		}
	}
	return ids
}

// StartReport summarises StartAll.
type StartReport struct {
	Started []string
	Failed  []string
}

// Config bounds the shutdown and startup waits.
type Config struct {
	GracefulTimeout time.Duration
	PollInterval    time.Duration
	ForceSettle     time.Duration
	StartConfirm    time.Duration
}

// Manager drives VM power transitions.
type Manager struct {
	cfg   Config
	clock poll.Clock
	log   *zap.Logger
}

// New creates a Manager. A nil clock means the system clock.
func New(cfg Config, clock poll.Clock, log *zap.Logger) *Manager {
	if clock == nil {
		clock = poll.System()
	}
	return &Manager{cfg: cfg, clock: clock, log: log}
}

// List returns the ids of every VM registered on the host.
func (m *Manager) List(ctx context.Context, r remote.Runner) ([]string, error) {
	res, err := r.Run(ctx, esxcli.ListVMsCommand)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, fmt.Errorf("%s exited with %d: %s", esxcli.ListVMsCommand, res.ExitCode, res.Stderr)
	}
	return esxcli.ParseVMIDs(res.Stdout), nil
}

// State queries the power state of one VM. An error means the query itself failed.
func (m *Manager) State(ctx context.Context, r remote.Runner, id string) (esxcli.PowerState, error) {
	res, err := r.Run(ctx, esxcli.GetStateCommand(id))
	if err != nil {
		return esxcli.PowerUnknown, err
	}
	if !res.OK() {
		return esxcli.PowerUnknown, fmt.Errorf("power.getstate exited with %d: %s", res.ExitCode, res.Stderr)
	}
	return esxcli.ParsePowerState(res.Stdout), nil
}

func (m *Manager) runOK(ctx context.Context, r remote.Runner, cmd string) error {
	res, err := r.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("%q exited with %d: %s", cmd, res.ExitCode, res.Stderr)
	}
	return nil
}

// ShutdownAll powers off every running VM. A VM counts as stopped only once
// a state query confirms it. The error is non-nil only when the VM list
// could not be read.
func (m *Manager) ShutdownAll(ctx context.Context, r remote.Runner) (ShutdownReport, error) {
	var rep ShutdownReport

	ids, err := m.List(ctx, r)
	if err != nil {
		return rep, fmt.Errorf("list VMs: %w", err)
	}
	if len(ids) == 0 {
		m.log.Info("No VMs registered on host")
		return rep, nil
	}
	m.log.Info("Shutting down VMs", zap.Int("count", len(ids)))

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rec := m.shutdown(ctx, r, id)
		rep.Records = append(rep.Records, rec)
		if rec.Outcome == OutcomeFailed {
			rep.FailedIDs = append(rep.FailedIDs, id)
		}
	}

	if len(rep.FailedIDs) > 0 {
		m.log.Warn("Some VMs could not be stopped", zap.Strings("vm_ids", rep.FailedIDs))
	} else {
		m.log.Info("All VMs are off")
	}
	return rep, nil
}

func (m *Manager) shutdown(ctx context.Context, r remote.Runner, id string) Record {
	log := m.log.With(zap.String("vm_id", id))

	state, err := m.State(ctx, r, id)
	if err != nil {
		log.Warn("Power state unknown, forcing power off", zap.Error(err))
		return m.forceOff(ctx, r, id, log)
	}
	if state != esxcli.PowerOn {
		log.Info("VM not running, skipping", zap.String("state", string(state)))
		return Record{ID: id, State: state, Outcome: OutcomeSkipped}
	}

	log.Info("Requesting guest shutdown")
	if err := m.runOK(ctx, r, esxcli.ShutdownCommand(id)); err != nil {
		log.Warn("Guest shutdown request failed", zap.Error(err))
	}

	_, err = poll.Until(ctx, m.clock, poll.Policy{Timeout: m.cfg.GracefulTimeout, Interval: m.cfg.PollInterval, WaitFirst: true},
		func(ctx context.Context, _ int) (bool, error) {
			st, err := m.State(ctx, r, id)
			return err == nil && st == esxcli.PowerOff, nil
		})
	if err == nil {
		log.Info("VM shut down gracefully")
		return Record{ID: id, State: esxcli.PowerOff, Outcome: OutcomeGraceful}
	}
	if !errors.Is(err, poll.ErrTimeout) {
		return Record{ID: id, State: esxcli.PowerUnknown, Outcome: OutcomeFailed}
	}
	// The window closes on a sleep; look once more at the deadline itself.
	if st, err := m.State(ctx, r, id); err == nil && st == esxcli.PowerOff {
		log.Info("VM shut down gracefully")
		return Record{ID: id, State: esxcli.PowerOff, Outcome: OutcomeGraceful}
	}

	log.Warn("Graceful shutdown timed out, forcing power off", zap.Duration("timeout", m.cfg.GracefulTimeout))
	return m.forceOff(ctx, r, id, log)
}

// forceOff sends exactly one power.off and confirms the state after a settle delay.
func (m *Manager) forceOff(ctx context.Context, r remote.Runner, id string, log *zap.Logger) Record {
	if err := m.runOK(ctx, r, esxcli.PowerOffCommand(id)); err != nil {
		log.Error("Forced power off failed", zap.Error(err))
		return Record{ID: id, State: esxcli.PowerUnknown, Outcome: OutcomeFailed}
	}
	if err := m.clock.Sleep(ctx, m.cfg.ForceSettle); err != nil {
		return Record{ID: id, State: esxcli.PowerUnknown, Outcome: OutcomeFailed}
	}
	state, err := m.State(ctx, r, id)
	if err != nil || state != esxcli.PowerOff {
		log.Error("VM still not off after forced power off", zap.String("state", string(state)), zap.Error(err))
		return Record{ID: id, State: state, Outcome: OutcomeFailed}
	}
	log.Info("VM forcibly powered off")
	return Record{ID: id, State: esxcli.PowerOff, Outcome: OutcomeForced}
}

// StartAll powers on VMs that are currently off. When targets is non-nil
// only those ids are considered. Individual failures are logged and
// reported, never returned as errors; the error is non-nil only when the VM
// list could not be read.
func (m *Manager) StartAll(ctx context.Context, r remote.Runner, targets []string) (StartReport, error) {
	var rep StartReport

	ids, err := m.List(ctx, r)
	if err != nil {
		return rep, fmt.Errorf("list VMs: %w", err)
	}
	if targets != nil {
		want := make(map[string]bool, len(targets))
		for _, id := range targets {
			want[id] = true
		}
		filtered := ids[:0]
		for _, id := range ids {
			if want[id] {
				filtered = append(filtered, id)
			}
		}
		ids = filtered
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		log := m.log.With(zap.String("vm_id", id))

		state, err := m.State(ctx, r, id)
		if err != nil || state != esxcli.PowerOff {
			continue
		}

		log.Info("Powering on VM")
		if err := m.runOK(ctx, r, esxcli.PowerOnCommand(id)); err != nil {
			log.Warn("Power on failed", zap.Error(err))
			rep.Failed = append(rep.Failed, id)
			continue
		}

		_, err = poll.Until(ctx, m.clock, poll.Policy{Timeout: m.cfg.StartConfirm, Interval: m.cfg.PollInterval},
			func(ctx context.Context, _ int) (bool, error) {
				st, err := m.State(ctx, r, id)
				return err == nil && st == esxcli.PowerOn, nil
			})
		if err != nil {
			log.Warn("VM did not report powered on", zap.Error(err))
			rep.Failed = append(rep.Failed, id)
			continue
		}
		rep.Started = append(rep.Started, id)
	}

	if len(rep.Failed) > 0 {
		m.log.Warn("Some VMs failed to start", zap.Strings("vm_ids", rep.Failed))
	}
	m.log.Info("VM startup finished", zap.Int("started", len(rep.Started)))
	return rep, nil
}
