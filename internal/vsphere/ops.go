package vsphere

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kidoz/esxi-patcher-go/internal/poll"
)

// OpsConfig bounds maintenance transitions.
type OpsConfig struct {
	TaskTimeout  time.Duration
	TaskPoll     time.Duration
	GraceSeconds int32
}

// Ops implements the host operations the workflow needs on top of a Session.
type Ops struct {
	cfg   OpsConfig
	clock poll.Clock
	log   *zap.Logger
}

// NewOps creates Ops. A nil clock means the system clock.
func NewOps(cfg OpsConfig, clock poll.Clock, log *zap.Logger) *Ops {
	if clock == nil {
		clock = poll.System()
	}
	return &Ops{cfg: cfg, clock: clock, log: log}
}

// WaitForTask polls t until it is terminal. An error state yields *TaskError;
// exceeding TaskTimeout yields ErrTaskTimeout.
func (o *Ops) WaitForTask(ctx context.Context, t Task) error {
	var last TaskInfo
	_, err := poll.Until(ctx, o.clock, poll.Policy{Timeout: o.cfg.TaskTimeout, Interval: o.cfg.TaskPoll},
		func(ctx context.Context, _ int) (bool, error) {
			info, err := t.Info(ctx)
			if err != nil {
				return false, fmt.Errorf("read task info: %w", err)
			}
			last = info
			return info.State.Terminal(), nil
		})
	if errors.Is(err, poll.ErrTimeout) {
		return fmt.Errorf("%w after %s", ErrTaskTimeout, o.cfg.TaskTimeout)
	}
	if err != nil {
		return err
	}
	if last.State == TaskStateError {
		return &TaskError{Message: last.Message}
	}
	return nil
}

// EnterMaintenance puts the host into maintenance mode. It is a no-op when
// the host already reports being in maintenance.
func (o *Ops) EnterMaintenance(ctx context.Context, s Session, log *zap.Logger) error {
	in, err := s.InMaintenanceMode(ctx)
	if err != nil {
		return fmt.Errorf("read maintenance state: %w", err)
	}
	if in {
		log.Info("Host already in maintenance mode")
		return nil
	}

	log.Info("Entering maintenance mode")
	task, err := s.EnterMaintenanceMode(ctx, o.cfg.GraceSeconds)
	if err != nil {
		return fmt.Errorf("enter maintenance mode: %w", err)
	}
	if err := o.WaitForTask(ctx, task); err != nil {
		return fmt.Errorf("enter maintenance mode: %w", err)
	}
	log.Info("Host is in maintenance mode")
	return nil
}

// ExitMaintenance takes the host out of maintenance mode. It is a no-op when
// the host is not in maintenance.
func (o *Ops) ExitMaintenance(ctx context.Context, s Session, log *zap.Logger) error {
	in, err := s.InMaintenanceMode(ctx)
	if err != nil {
		return fmt.Errorf("read maintenance state: %w", err)
	}
	if !in {
		log.Info("Host not in maintenance mode")
		return nil
	}

	log.Info("Exiting maintenance mode")
	task, err := s.ExitMaintenanceMode(ctx, o.cfg.GraceSeconds)
	if err != nil {
		return fmt.Errorf("exit maintenance mode: %w", err)
	}
	if err := o.WaitForTask(ctx, task); err != nil {
		return fmt.Errorf("exit maintenance mode: %w", err)
	}
	log.Info("Host left maintenance mode")
	return nil
}

// EnableServices starts each listed service that is not running and sets its
// policy to "on". Individual failures are logged; it fails only if no
// listed service could be handled.
func (o *Ops) EnableServices(ctx context.Context, s Session, keys []string, log *zap.Logger) ([]string, error) {
	return o.toggleServices(ctx, s, keys, true, log)
}

// DisableServices mirrors EnableServices with stop and policy "off".
func (o *Ops) DisableServices(ctx context.Context, s Session, keys []string, log *zap.Logger) ([]string, error) {
	return o.toggleServices(ctx, s, keys, false, log)
}

func (o *Ops) toggleServices(ctx context.Context, s Session, keys []string, enable bool, log *zap.Logger) ([]string, error) {
	services, err := s.Services(ctx)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	byKey := make(map[string]Service, len(services))
	for _, svc := range services {
		byKey[svc.Key] = svc
	}

	policy := PolicyOff
	if enable {
		policy = PolicyOn
	}

	var handled []string
	for _, key := range keys {
		svc, ok := byKey[key]
		if !ok {
			log.Warn("Service not found on host", zap.String("service", key))
			continue
		}

		switch {
		case enable && !svc.Running:
			if err := s.StartService(ctx, key); err != nil {
				log.Warn("Failed to start service", zap.String("service", key), zap.Error(err))
			} else {
				log.Info("Service started", zap.String("service", key))
			}
		case !enable && svc.Running:
			if err := s.StopService(ctx, key); err != nil {
				log.Warn("Failed to stop service", zap.String("service", key), zap.Error(err))
			} else {
				log.Info("Service stopped", zap.String("service", key))
			}
		}

		if svc.Policy != policy {
			if err := s.UpdateServicePolicy(ctx, key, policy); err != nil {
				log.Warn("Failed to update service policy", zap.String("service", key), zap.String("policy", policy), zap.Error(err))
			} else {
				log.Info("Service policy updated", zap.String("service", key), zap.String("policy", policy))
			}
		}
		handled = append(handled, key)
	}

	if len(handled) == 0 {
		return nil, fmt.Errorf("none of the services %v were found", keys)
	}
	return handled, nil
}
