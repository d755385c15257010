package cmd

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/spf13/cobra"

	"github.com/kidoz/esxi-patcher-go/internal/config"
)

var (
	migrateInput  string
	migrateOutput string
	migrateForce  bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate-config",
	Short: "Convert a legacy INI config to YAML",
	Long: `Read a legacy INI configuration ([settings], [patch] and one
[host_<id>] section per host) and write the equivalent YAML file.

Values equal to the built-in defaults are left out. Unknown INI keys are
reported and skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, warnings, err := config.LoadINIWithWarnings(migrateInput)
		if err != nil {
			return err
		}
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "WARNING: %s\n", w)
		}

		out, err := renderYAML(cfg)
		if err != nil {
			return err
		}

		if !migrateForce {
			if _, err := os.Stat(migrateOutput); err == nil {
				return fmt.Errorf("%s already exists (use --force to overwrite)", migrateOutput)
			}
		}
		if err := os.WriteFile(migrateOutput, out, 0o600); err != nil {
			return fmt.Errorf("failed to write %s: %w", migrateOutput, err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d hosts)\n", migrateOutput, len(cfg.Hosts))
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVarP(&migrateInput, "input", "i", "config.ini", "legacy INI config file")
	migrateCmd.Flags().StringVarP(&migrateOutput, "output", "o", "esxi-patcher.yaml", "YAML file to write")
	migrateCmd.Flags().BoolVar(&migrateForce, "force", false, "overwrite the output file")
	rootCmd.AddCommand(migrateCmd)
}

type yamlField struct {
	key   string
	value any
	def   any
}

// renderYAML writes cfg as YAML in a fixed section order, leaving out values
// equal to their defaults. The result is parsed back before it is returned.
func renderYAML(cfg *config.Config) ([]byte, error) {
	def := config.DefaultConfig()
	s, ds := cfg.Settings, def.Settings
	t, dt := cfg.Timeouts, def.Timeouts
	z, dz := cfg.Zabbix, def.Zabbix

	var b strings.Builder
	b.WriteString("# Migrated by esxi-patcher migrate-config\n")

	writeSection(&b, "settings", []yamlField{
		{"timeout", s.Timeout, ds.Timeout},
		{"self_test", s.SelfTest, ds.SelfTest},
		{"parallel", s.Parallel, ds.Parallel},
		{"host_cooldown", s.HostCooldown, ds.HostCooldown},
		{"lock_file", s.LockFile, ds.LockFile},
		{"report_path", s.ReportPath, ds.ReportPath},
		{"metrics_textfile", s.MetricsTextfile, ds.MetricsTextfile},
		{"log_file", s.LogFile, ds.LogFile},
		{"known_hosts", s.KnownHosts, ds.KnownHosts},
		{"insecure_tls", s.InsecureTLS, ds.InsecureTLS},
		{"services", s.Services, ds.Services},
	})
	writeSection(&b, "patch", []yamlField{
		{"patch_file", cfg.Patch.File, ""},
	})

	b.WriteString("hosts:\n")
	for _, h := range cfg.Hosts {
		fmt.Fprintf(&b, "  - name: %s\n", yamlQuote(h.Name))
		fmt.Fprintf(&b, "    address: %s\n", yamlQuote(h.Address))
		fmt.Fprintf(&b, "    username: %s\n", yamlQuote(h.Username))
		fmt.Fprintf(&b, "    password: %s\n", yamlQuote(h.Password))
		fmt.Fprintf(&b, "    ssh_port: %d\n", h.SSHPort)
		fmt.Fprintf(&b, "    api_port: %d\n", h.APIPort)
		if h.ZabbixHost != "" && h.ZabbixHost != h.Name {
			fmt.Fprintf(&b, "    zabbix_host: %s\n", yamlQuote(h.ZabbixHost))
		}
	}

	writeSection(&b, "timeouts", []yamlField{
		{"ssh_wait", t.SSHWait, dt.SSHWait},
		{"ssh_wait_interval", t.SSHWaitInterval, dt.SSHWaitInterval},
		{"dial", t.Dial, dt.Dial},
		{"ssh_connect", t.SSHConnect, dt.SSHConnect},
		{"ssh_banner", t.SSHBanner, dt.SSHBanner},
		{"install", t.Install, dt.Install},
		{"vm_graceful", t.VMGraceful, dt.VMGraceful},
		{"vm_poll", t.VMPoll, dt.VMPoll},
		{"vm_force_settle", t.VMForceSettle, dt.VMForceSettle},
		{"vm_start_confirm", t.VMStartConfirm, dt.VMStartConfirm},
		{"maintenance_task", t.MaintenanceTask, dt.MaintenanceTask},
		{"maintenance_poll", t.MaintenancePoll, dt.MaintenancePoll},
		{"maintenance_grace", t.MaintenanceGrace, dt.MaintenanceGrace},
		{"reboot_task_delay", t.RebootTaskDelay, dt.RebootTaskDelay},
		{"reboot_down_attempts", t.RebootDownAttempts, dt.RebootDownAttempts},
		{"reboot_down_interval", t.RebootDownInterval, dt.RebootDownInterval},
		{"reboot_up", t.RebootUp, dt.RebootUp},
		{"reboot_up_interval", t.RebootUpInterval, dt.RebootUpInterval},
		{"reboot_api_settle", t.RebootAPISettle, dt.RebootAPISettle},
		{"reboot_final_settle", t.RebootFinalSettle, dt.RebootFinalSettle},
		{"post_reboot_settle", t.PostRebootSettle, dt.PostRebootSettle},
		{"reconnect_attempts", t.ReconnectAttempts, dt.ReconnectAttempts},
		{"reconnect_backoff", t.ReconnectBackoff, dt.ReconnectBackoff},
	})
	writeSection(&b, "zabbix", []yamlField{
		{"front_url", z.FrontURL, dz.FrontURL},
		{"api_user", z.APIUser, dz.APIUser},
		{"api_password", z.APIPassword, dz.APIPassword},
		{"verify_ssl", z.VerifySSL, dz.VerifySSL},
		{"sender_path", z.SenderPath, dz.SenderPath},
		{"server_fqdn", z.ServerFQDN, dz.ServerFQDN},
		{"server_port", z.ServerPort, dz.ServerPort},
		{"maintenance", z.Maintenance, dz.Maintenance},
		{"maintenance_window", z.MaintenanceWindow, dz.MaintenanceWindow},
		{"report", z.Report, dz.Report},
	})
	writeSection(&b, "telemetry", []yamlField{
		{"enabled", cfg.Telemetry.Enabled, def.Telemetry.Enabled},
		{"otlp_endpoint", cfg.Telemetry.OTLPEndpoint, def.Telemetry.OTLPEndpoint},
	})

	out := []byte(b.String())
	parsed, err := yaml.Parser().Unmarshal(out)
	if err != nil {
		return nil, fmt.Errorf("generated YAML does not parse: %w", err)
	}
	if hosts, _ := parsed["hosts"].([]interface{}); len(hosts) != len(cfg.Hosts) {
		return nil, fmt.Errorf("generated YAML has %d hosts, want %d", len(hosts), len(cfg.Hosts))
	}
	return out, nil
}

// writeSection writes the fields that differ from their defaults. Sections
// with nothing to write are left out.
func writeSection(b *strings.Builder, name string, fields []yamlField) {
	var lines []string
	for _, f := range fields {
		if reflect.DeepEqual(f.value, f.def) {
			continue
		}
		lines = append(lines, fmt.Sprintf("  %s: %s", f.key, yamlValue(f.value)))
	}
	if len(lines) == 0 {
		return
	}
	b.WriteString(name + ":\n")
	for _, l := range lines {
		b.WriteString(l + "\n")
	}
}

func yamlValue(v any) string {
	switch v := v.(type) {
	case string:
		return yamlQuote(v)
	case []string:
		items := make([]string, len(v))
		for i, s := range v {
			items[i] = yamlQuote(s)
		}
		return "[" + strings.Join(items, ", ") + "]"
	default:
		return fmt.Sprint(v)
	}
}

// yamlQuote double-quotes s when a plain YAML scalar would change its
// meaning or type.
func yamlQuote(s string) string {
	if s == "" {
		return `""`
	}
	if strings.TrimSpace(s) != s ||
		strings.ContainsAny(s, ":#\"'{}[],&*!|>%@`") ||
		strings.ContainsAny(s[:1], "-?") ||
		isYAMLKeyword(s) {
		return strconv.Quote(s)
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return strconv.Quote(s)
	}
	return s
}

func isYAMLKeyword(s string) bool {
	switch strings.ToLower(s) {
	case "true", "false", "yes", "no", "on", "off", "null", "~":
		return true
	}
	return false
}
