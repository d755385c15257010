package zabbix

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kidoz/esxi-patcher-go/internal/config"
	"github.com/kidoz/esxi-patcher-go/internal/report"
)

const senderTimeout = 60 * time.Second

// Sender wraps zabbix_sender for sending data to Zabbix
type Sender struct {
	cfg *config.Config
	log *zap.Logger
}

// SenderData represents data to be sent to Zabbix
type SenderData struct {
	Host  string
	Key   string
	Value string
}

// NewSender creates a new Zabbix sender
func NewSender(cfg *config.Config, log *zap.Logger) *Sender {
	return &Sender{
		cfg: cfg,
		log: log,
	}
}

// Send sends data to Zabbix using zabbix_sender
func (s *Sender) Send(ctx context.Context, data []SenderData) error {
	if len(data) == 0 {
		return nil
	}

	lines := make([]string, 0, len(data))
	for _, d := range data {
		value := strings.ReplaceAll(d.Value, "\n", "\\n")
		lines = append(lines, fmt.Sprintf("%s %s %s", quote(d.Host), d.Key, quote(value)))
	}

	s.log.Debug("Sending data to Zabbix", zap.Int("items", len(data)))

	ctx, cancel := context.WithTimeout(ctx, senderTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, //nolint:gosec // G204: args come from validated config, not user input
		s.cfg.Zabbix.SenderPath,
		"-z", s.cfg.Zabbix.ServerFQDN,
		"-p", strconv.Itoa(s.cfg.Zabbix.ServerPort),
		"-i", "-",
	)
	cmd.Stdin = bytes.NewReader([]byte(strings.Join(lines, "\n") + "\n"))

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("zabbix_sender failed: %w: %s", err, string(output))
	}

	s.log.Debug("zabbix_sender completed", zap.String("output", string(output)))
	return nil
}

// quote wraps values containing whitespace the way zabbix_sender input expects.
func quote(v string) string {
	if v == "" || strings.ContainsAny(v, " \t\"") {
		return strconv.Quote(v)
	}
	return v
}

// PublishReport pushes one status, message and duration value per host.
// Hosts without a Zabbix name fall back to their inventory name.
func (s *Sender) PublishReport(ctx context.Context, rep *report.Report) error {
	var items []SenderData
	for _, h := range rep.Hosts {
		name := h.ZabbixHost
		if name == "" {
			name = h.Host
		}
		status := "0"
		if h.Success {
			status = "1"
		}
		items = append(items,
			SenderData{Host: name, Key: KeyStatus, Value: status},
			SenderData{Host: name, Key: KeyMessage, Value: h.Message},
			SenderData{Host: name, Key: KeyDuration, Value: strconv.FormatFloat(h.Duration, 'f', 1, 64)},
		)
	}
	if err := s.Send(ctx, items); err != nil {
		return err
	}
	s.log.Info("Published patch results to Zabbix", zap.Int("hosts", len(rep.Hosts)))
	return nil
}
