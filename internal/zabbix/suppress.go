package zabbix

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kidoz/esxi-patcher-go/internal/config"
)

// Suppressor puts hosts into a Zabbix maintenance period for the length of a
// patch run. The API session is opened on first use and shared by all hosts.
type Suppressor struct {
	cfg *config.Config
	log *zap.Logger
	now func() time.Time

	mu     sync.Mutex
	client *Client
}

// NewSuppressor creates a Suppressor. No API call is made until Suppress.
func NewSuppressor(cfg *config.Config, log *zap.Logger) *Suppressor {
	return &Suppressor{cfg: cfg, log: log, now: time.Now}
}

func (s *Suppressor) session(ctx context.Context) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	c, err := NewClient(ctx, s.cfg, s.log)
	if err != nil {
		return nil, err
	}
	s.client = c
	return c, nil
}

// Suppress opens a maintenance period for host. The returned func deletes it.
func (s *Suppressor) Suppress(ctx context.Context, host config.HostConfig) (func(context.Context) error, error) {
	c, err := s.session(ctx)
	if err != nil {
		return nil, err
	}

	name := host.ZabbixHost
	if name == "" {
		name = host.Name
	}
	zhost, err := c.GetHostByName(ctx, name)
	if err != nil {
		return nil, err
	}

	start := s.now()
	window := config.Seconds(s.cfg.Zabbix.MaintenanceWindow)
	title := fmt.Sprintf("esxi-patcher %s %s", host.Name, start.UTC().Format(time.RFC3339))
	id, err := c.CreateMaintenance(ctx, title, "Host is being patched and rebooted", []string{zhost.HostID}, start, window)
	if err != nil {
		return nil, err
	}
	s.log.Info("Zabbix maintenance opened",
		zap.String("host", name),
		zap.String("maintenance_id", id),
		zap.Duration("window", window),
	)

	return func(ctx context.Context) error {
		if err := c.DeleteMaintenance(ctx, id); err != nil {
			return err
		}
		s.log.Info("Zabbix maintenance closed", zap.String("host", name), zap.String("maintenance_id", id))
		return nil
	}, nil
}

// Close logs out of the shared API session, if one was opened.
func (s *Suppressor) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close(ctx)
	s.client = nil
	return err
}
