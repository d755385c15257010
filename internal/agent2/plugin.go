package agent2

import (
	"encoding/json"
	"fmt"

	"golang.zabbix.com/sdk/plugin"

	"github.com/kidoz/esxi-patcher-go/internal/report"
	"github.com/kidoz/esxi-patcher-go/internal/zabbix"
)

// Name is the plugin name used in the agent configuration
// (Plugins.PatchReport.*).
const Name = "PatchReport"

// DefaultReportPath is read when Plugins.PatchReport.ReportPath is not set.
const DefaultReportPath = "/var/lib/esxi-patcher/report.json"

// Metric keys exported to Agent 2.
const (
	KeyHostsLLD = "esxi.patch.hosts_lld"
	KeyStatus   = zabbix.KeyStatus
	KeyMessage  = zabbix.KeyMessage
	KeyDuration = zabbix.KeyDuration
	KeyStats    = "esxi.patch.stats"
)

// PatchReportPlugin implements Configurator, Runner and Exporter for Zabbix
// Agent 2. It serves the report written by the last esxi-patcher run.
type PatchReportPlugin struct {
	plugin.Base

	cache *ReportCache
}

// NewPlugin creates a new PatchReportPlugin instance.
func NewPlugin() *PatchReportPlugin {
	return &PatchReportPlugin{cache: NewReportCache(DefaultReportPath)}
}

// --- Configurator ---

// Configure is called by Agent 2 to pass config options.
func (p *PatchReportPlugin) Configure(_ *plugin.GlobalOptions, privateOptions any) {
	opts, ok := privateOptions.(map[string]string)
	if !ok {
		p.Errf("unexpected privateOptions type: %T", privateOptions)
		return
	}
	if v := opts["ReportPath"]; v != "" {
		p.cache.SetPath(v)
	}
}

// Validate checks the configuration.
func (p *PatchReportPlugin) Validate(privateOptions any) error {
	if privateOptions == nil {
		return nil
	}
	if _, ok := privateOptions.(map[string]string); !ok {
		return fmt.Errorf("unexpected privateOptions type: %T", privateOptions)
	}
	return nil
}

// --- Runner ---

// Start is called when Agent 2 starts the plugin.
func (p *PatchReportPlugin) Start() {
	rep, err := p.cache.Report()
	if err != nil {
		p.Infof("starting %s plugin: %s", Name, err)
		return
	}
	p.Infof("starting %s plugin: %d hosts in last report", Name, len(rep.Hosts))
}

// Stop is called when Agent 2 shuts down.
func (p *PatchReportPlugin) Stop() {
	p.Infof("stopping %s plugin", Name)
}

// --- Exporter ---

// Export handles item key requests from Agent 2.
func (p *PatchReportPlugin) Export(key string, params []string, _ plugin.ContextProvider) (any, error) {
	rep, err := p.cache.Report()
	if err != nil {
		return nil, err
	}

	switch key {
	case KeyHostsLLD:
		return marshalLLDData(hostsLLD(rep))

	case KeyStatus, KeyMessage, KeyDuration:
		if len(params) < 1 || params[0] == "" {
			return nil, fmt.Errorf("%s requires host parameter", key)
		}
		h, ok := rep.Get(params[0])
		if !ok {
			return nil, fmt.Errorf("host %q not in last report", params[0])
		}
		switch key {
		case KeyStatus:
			if h.Success {
				return 1, nil
			}
			return 0, nil
		case KeyMessage:
			return h.Message, nil
		default:
			return h.Duration, nil
		}

	case KeyStats:
		if len(params) < 1 {
			return nil, fmt.Errorf("%s requires metric parameter", key)
		}
		return statMetric(rep, params[0])

	default:
		return nil, fmt.Errorf("unknown key: %s", key)
	}
}

func statMetric(rep *report.Report, metric string) (any, error) {
	stats := rep.Stats()

	switch metric {
	case "total_hosts":
		return stats.TotalHosts, nil
	case "failed_hosts":
		return stats.FailedHosts, nil
	case "succeeded_hosts":
		return stats.SucceededHosts, nil
	case "finished_at":
		return rep.FinishedAt.Unix(), nil
	default:
		return nil, fmt.Errorf("unknown stats metric: %s", metric)
	}
}

func hostsLLD(rep *report.Report) *zabbix.LLDData {
	data := &zabbix.LLDData{Data: make([]map[string]interface{}, 0, len(rep.Hosts))}
	for _, h := range rep.Hosts {
		data.Data = append(data.Data, map[string]interface{}{
			"{#HOST}":        h.Host,
			"{#ADDRESS}":     h.Address,
			"{#ZABBIX_HOST}": h.ZabbixHost,
		})
	}
	return data
}

func marshalLLDData(data *zabbix.LLDData) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal LLD data: %w", err)
	}
	return string(b), nil
}
