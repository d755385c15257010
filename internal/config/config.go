package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"gopkg.in/ini.v1"
)

// DefaultConfigPath is used when no config file is found in the search paths.
const DefaultConfigPath = "config.ini"

// EnvPrefix is the prefix of environment variables that override file values.
const EnvPrefix = "ESXI_PATCHER_"

// configSearchPaths lists config file paths to try, in priority order.
var configSearchPaths = []string{
	"config.ini", // legacy INI next to the binary's working dir
	"esxi-patcher.yaml",
	"/etc/esxi-patcher/config.ini",
	"/etc/esxi-patcher.yaml",
}

// FindConfigPath returns the first existing config file from the search paths.
// If none exist, it returns DefaultConfigPath (which will fail with a clear error).
func FindConfigPath() string {
	for _, path := range configSearchPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return DefaultConfigPath
}

// Config holds all configuration values for a patch run.
type Config struct {
	Settings  SettingsConfig  `koanf:"settings"`
	Patch     PatchConfig     `koanf:"patch"`
	Hosts     []HostConfig    `koanf:"hosts"`
	Timeouts  TimeoutsConfig  `koanf:"timeouts"`
	Zabbix    ZabbixConfig    `koanf:"zabbix"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// SettingsConfig holds process-wide settings.
type SettingsConfig struct {
	// Timeout is the default I/O timeout in seconds, also used for remote commands.
	Timeout         int      `koanf:"timeout"`
	SelfTest        bool     `koanf:"self_test"`
	Parallel        int      `koanf:"parallel"`
	HostCooldown    int      `koanf:"host_cooldown"`
	LockFile        string   `koanf:"lock_file"`
	ReportPath      string   `koanf:"report_path"`
	MetricsTextfile string   `koanf:"metrics_textfile"`
	LogFile         string   `koanf:"log_file"`
	KnownHosts      string   `koanf:"known_hosts"`
	InsecureTLS     bool     `koanf:"insecure_tls"`
	Services        []string `koanf:"services"`
}

// PatchConfig points at the artifact to install. An empty File means the
// run reboots hosts without installing anything.
type PatchConfig struct {
	File string `koanf:"patch_file"`
}

// HostConfig identifies one target host. It is immutable once loaded.
type HostConfig struct {
	Name       string `koanf:"name"`
	Address    string `koanf:"address"`
	Username   string `koanf:"username"`
	Password   string `koanf:"password"`
	SSHPort    int    `koanf:"ssh_port"`
	APIPort    int    `koanf:"api_port"`
	ZabbixHost string `koanf:"zabbix_host"`
}

// String renders the host without credentials.
func (h HostConfig) String() string {
	return fmt.Sprintf("%s (%s)", h.Name, h.Address)
}

// TimeoutsConfig holds every wait bound of the workflow, in seconds.
type TimeoutsConfig struct {
	SSHWait            int `koanf:"ssh_wait"`
	SSHWaitInterval    int `koanf:"ssh_wait_interval"`
	Dial               int `koanf:"dial"`
	SSHConnect         int `koanf:"ssh_connect"`
	SSHBanner          int `koanf:"ssh_banner"`
	Install            int `koanf:"install"`
	VMGraceful         int `koanf:"vm_graceful"`
	VMPoll             int `koanf:"vm_poll"`
	VMForceSettle      int `koanf:"vm_force_settle"`
	VMStartConfirm     int `koanf:"vm_start_confirm"`
	MaintenanceTask    int `koanf:"maintenance_task"`
	MaintenancePoll    int `koanf:"maintenance_poll"`
	MaintenanceGrace   int `koanf:"maintenance_grace"`
	RebootTaskDelay    int `koanf:"reboot_task_delay"`
	RebootDownAttempts int `koanf:"reboot_down_attempts"`
	RebootDownInterval int `koanf:"reboot_down_interval"`
	RebootUp           int `koanf:"reboot_up"`
	RebootUpInterval   int `koanf:"reboot_up_interval"`
	RebootAPISettle    int `koanf:"reboot_api_settle"`
	RebootFinalSettle  int `koanf:"reboot_final_settle"`
	PostRebootSettle   int `koanf:"post_reboot_settle"`
	ReconnectAttempts  int `koanf:"reconnect_attempts"`
	ReconnectBackoff   int `koanf:"reconnect_backoff"`
}

// ZabbixConfig holds Zabbix settings used for alert suppression and result publishing.
type ZabbixConfig struct {
	FrontURL          string `koanf:"front_url"`
	APIUser           string `koanf:"api_user"`
	APIPassword       string `koanf:"api_password"`
	VerifySSL         bool   `koanf:"verify_ssl"`
	SenderPath        string `koanf:"sender_path"`
	ServerFQDN        string `koanf:"server_fqdn"`
	ServerPort        int    `koanf:"server_port"`
	Maintenance       bool   `koanf:"maintenance"`
	MaintenanceWindow int    `koanf:"maintenance_window"`
	Report            bool   `koanf:"report"`
}

// Enabled reports whether any Zabbix integration is switched on.
func (z ZabbixConfig) Enabled() bool {
	return z.Maintenance || z.Report
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled      bool   `koanf:"enabled"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`
}

// Seconds converts a configured number of seconds to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	return &Config{
		Settings: SettingsConfig{
			Timeout:      300,
			SelfTest:     true,
			Parallel:     1,
			HostCooldown: 30,
			LockFile:     filepath.Join(os.TempDir(), "esxi-patcher.lock"),
			InsecureTLS:  true,
			Services:     []string{"TSM", "TSM-SSH"},
		},
		Timeouts: TimeoutsConfig{
			SSHWait:            120,
			SSHWaitInterval:    5,
			Dial:               5,
			SSHConnect:         30,
			SSHBanner:          60,
			Install:            1200,
			VMGraceful:         180,
			VMPoll:             5,
			VMForceSettle:      5,
			VMStartConfirm:     30,
			MaintenanceTask:    1800,
			MaintenancePoll:    5,
			MaintenanceGrace:   0,
			RebootTaskDelay:    10,
			RebootDownAttempts: 60,
			RebootDownInterval: 5,
			RebootUp:           600,
			RebootUpInterval:   5,
			RebootAPISettle:    15,
			RebootFinalSettle:  25,
			PostRebootSettle:   30,
			ReconnectAttempts:  5,
			ReconnectBackoff:   30,
		},
		Zabbix: ZabbixConfig{
			FrontURL:          "http://localhost",
			VerifySSL:         true,
			SenderPath:        "zabbix_sender",
			ServerFQDN:        "localhost",
			ServerPort:        10051,
			MaintenanceWindow: 3600,
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
		},
	}
}

// Load reads configuration from a file, auto-detecting format by extension.
// .yaml/.yml → YAML (Koanf), .conf/.ini or anything else → legacy INI.
// Environment variables (ESXI_PATCHER_ prefix) always override file values.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return loadYAML(path)
	default:
		return loadINI(path)
	}
}

func loadYAML(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, err
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config file: %w", err)
	}

	if err := loadEnvOverrides(k); err != nil {
		return nil, err
	}

	return unmarshalAndValidate(k)
}

func loadINI(path string) (*Config, error) {
	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse INI config file: %w", err)
	}

	m, warnings := iniToMap(iniFile)
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "WARNING: %s\n", w)
	}

	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, err
	}

	if err := k.Load(confmap.Provider(m, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load INI values: %w", err)
	}

	if err := loadEnvOverrides(k); err != nil {
		return nil, err
	}

	return unmarshalAndValidate(k)
}

// LoadINIWithWarnings reads a legacy INI file without env overrides or
// validation and returns warnings for keys that were skipped. It backs the
// migrate-config command.
func LoadINIWithWarnings(path string) (*Config, []string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("config file not found: %s", path)
	}

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse INI config file: %w", err)
	}

	m, warnings := iniToMap(iniFile)

	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, nil, err
	}

	if err := k.Load(confmap.Provider(m, "."), nil); err != nil {
		return nil, nil, fmt.Errorf("failed to load INI values: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyHostDefaults()

	return &cfg, warnings, nil
}

// hostSectionPrefix marks INI sections that describe one target host.
const hostSectionPrefix = "host_"

// hostKeyMap maps INI host keys to HostConfig koanf keys. "ip" is the
// original key name; "address" is accepted as well.
var hostKeyMap = map[string]string{
	"name":        "name",
	"ip":          "address",
	"address":     "address",
	"username":    "username",
	"password":    "password",
	"ssh_port":    "ssh_port",
	"api_port":    "api_port",
	"zabbix_host": "zabbix_host",
}

// iniSections lists the non-host INI sections mapped one-to-one onto koanf keys.
var iniSections = []string{"settings", "patch", "timeouts", "zabbix", "telemetry"}

// iniToMap maps INI sections onto the koanf key namespace. [host_*] sections
// become entries of the "hosts" list in file order. It returns the mapped
// values and a slice of warnings for unrecognized keys.
func iniToMap(f *ini.File) (map[string]interface{}, []string) {
	m := make(map[string]interface{})
	var warnings []string
	known := knownKeys()

	var hosts []interface{}
	for _, section := range f.Sections() {
		name := strings.ToLower(section.Name())

		if strings.HasPrefix(name, hostSectionPrefix) {
			host := map[string]interface{}{
				"name": section.Name(),
			}
			for _, key := range section.Keys() {
				field, ok := hostKeyMap[strings.ToLower(key.Name())]
				if !ok {
					warnings = append(warnings, fmt.Sprintf("unrecognized INI key [%s] %s (skipped)", section.Name(), key.Name()))
					continue
				}
				host[field] = key.Value()
			}
			hosts = append(hosts, host)
			continue
		}

		if !isINISection(name) {
			if len(section.Keys()) > 0 {
				warnings = append(warnings, fmt.Sprintf("unrecognized INI section [%s] (skipped)", section.Name()))
			}
			continue
		}

		for _, key := range section.Keys() {
			koanfKey := name + "." + strings.ToLower(key.Name())
			if !known[koanfKey] {
				warnings = append(warnings, fmt.Sprintf("unrecognized INI key [%s] %s (skipped)", section.Name(), key.Name()))
				continue
			}
			if koanfKey == "settings.services" {
				m[koanfKey] = splitList(key.Value())
				continue
			}
			m[koanfKey] = key.Value()
		}
	}

	if len(hosts) > 0 {
		m["hosts"] = hosts
	}
	return m, warnings
}

func isINISection(name string) bool {
	for _, s := range iniSections {
		if s == name {
			return true
		}
	}
	return false
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// knownKeys returns the set of flat koanf keys accepted outside host sections.
func knownKeys() map[string]bool {
	keys := make(map[string]bool)
	for k := range defaultsMap() {
		keys[k] = true
	}
	for _, k := range []string{
		"patch.patch_file",
		"settings.report_path",
		"settings.metrics_textfile",
		"settings.log_file",
		"settings.known_hosts",
		"zabbix.api_user",
		"zabbix.api_password",
		"telemetry.otlp_endpoint",
	} {
		keys[k] = true
	}
	return keys
}

// --- helpers ---

func defaultsMap() map[string]interface{} {
	d := DefaultConfig()
	t := d.Timeouts
	return map[string]interface{}{
		"settings.timeout":               d.Settings.Timeout,
		"settings.self_test":             d.Settings.SelfTest,
		"settings.parallel":              d.Settings.Parallel,
		"settings.host_cooldown":         d.Settings.HostCooldown,
		"settings.lock_file":             d.Settings.LockFile,
		"settings.insecure_tls":          d.Settings.InsecureTLS,
		"settings.services":              d.Settings.Services,
		"timeouts.ssh_wait":              t.SSHWait,
		"timeouts.ssh_wait_interval":     t.SSHWaitInterval,
		"timeouts.dial":                  t.Dial,
		"timeouts.ssh_connect":           t.SSHConnect,
		"timeouts.ssh_banner":            t.SSHBanner,
		"timeouts.install":               t.Install,
		"timeouts.vm_graceful":           t.VMGraceful,
		"timeouts.vm_poll":               t.VMPoll,
		"timeouts.vm_force_settle":       t.VMForceSettle,
		"timeouts.vm_start_confirm":      t.VMStartConfirm,
		"timeouts.maintenance_task":      t.MaintenanceTask,
		"timeouts.maintenance_poll":      t.MaintenancePoll,
		"timeouts.maintenance_grace":     t.MaintenanceGrace,
		"timeouts.reboot_task_delay":     t.RebootTaskDelay,
		"timeouts.reboot_down_attempts":  t.RebootDownAttempts,
		"timeouts.reboot_down_interval":  t.RebootDownInterval,
		"timeouts.reboot_up":             t.RebootUp,
		"timeouts.reboot_up_interval":    t.RebootUpInterval,
		"timeouts.reboot_api_settle":     t.RebootAPISettle,
		"timeouts.reboot_final_settle":   t.RebootFinalSettle,
		"timeouts.post_reboot_settle":    t.PostRebootSettle,
		"timeouts.reconnect_attempts":    t.ReconnectAttempts,
		"timeouts.reconnect_backoff":     t.ReconnectBackoff,
		"zabbix.front_url":               d.Zabbix.FrontURL,
		"zabbix.verify_ssl":              d.Zabbix.VerifySSL,
		"zabbix.sender_path":             d.Zabbix.SenderPath,
		"zabbix.server_fqdn":             d.Zabbix.ServerFQDN,
		"zabbix.server_port":             d.Zabbix.ServerPort,
		"zabbix.maintenance":             d.Zabbix.Maintenance,
		"zabbix.maintenance_window":      d.Zabbix.MaintenanceWindow,
		"zabbix.report":                  d.Zabbix.Report,
		"telemetry.enabled":              d.Telemetry.Enabled,
	}
}

func loadDefaults(k *koanf.Koanf) error {
	return k.Load(confmap.Provider(defaultsMap(), "."), nil)
}

func loadEnvOverrides(k *koanf.Koanf) error {
	// ESXI_PATCHER_SETTINGS_TIMEOUT → settings.timeout
	return k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		if idx := strings.Index(s, "_"); idx >= 0 {
			return s[:idx] + "." + s[idx+1:]
		}
		return s
	}), nil)
}

func unmarshalAndValidate(k *koanf.Koanf) (*Config, error) {
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyHostDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyHostDefaults fills per-host fields the file may omit.
func (c *Config) applyHostDefaults() {
	for i := range c.Hosts {
		h := &c.Hosts[i]
		h.Name = strings.TrimSpace(h.Name)
		h.Address = strings.TrimSpace(h.Address)
		if h.Name == "" {
			h.Name = h.Address
		}
		if h.Username == "" {
			h.Username = "root"
		}
		if h.SSHPort == 0 {
			h.SSHPort = 22
		}
		if h.APIPort == 0 {
			h.APIPort = 443
		}
		if h.ZabbixHost == "" {
			h.ZabbixHost = h.Name
		}
	}
}

// supportedPatchExtensions are the artifact types the installer can route.
var supportedPatchExtensions = []string{".zip", ".vib", ".iso"}

var fqdnRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

func validAddress(addr string) bool {
	if net.ParseIP(addr) != nil {
		return true
	}
	return len(addr) <= 253 && fqdnRe.MatchString(addr)
}

// Validate checks hosts, the patch artifact and value ranges. Every problem
// is reported, joined into one error.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Hosts) == 0 {
		errs = append(errs, fmt.Errorf("no hosts configured"))
	}

	seen := make(map[string]bool)
	for i, h := range c.Hosts {
		label := h.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}
		if seen[h.Name] {
			errs = append(errs, fmt.Errorf("host %s: duplicate host name", label))
		}
		seen[h.Name] = true

		if h.Address == "" {
			errs = append(errs, fmt.Errorf("host %s: address is required", label))
		} else if !validAddress(h.Address) {
			errs = append(errs, fmt.Errorf("host %s: invalid address %q", label, h.Address))
		}
		if h.Password == "" {
			errs = append(errs, fmt.Errorf("host %s: password is required", label))
		}
		if h.SSHPort < 1 || h.SSHPort > 65535 {
			errs = append(errs, fmt.Errorf("host %s: ssh_port must be between 1 and 65535, got %d", label, h.SSHPort))
		}
		if h.APIPort < 1 || h.APIPort > 65535 {
			errs = append(errs, fmt.Errorf("host %s: api_port must be between 1 and 65535, got %d", label, h.APIPort))
		}
	}

	if c.Patch.File != "" {
		if _, err := os.Stat(c.Patch.File); err != nil {
			errs = append(errs, fmt.Errorf("patch.patch_file %q is not readable: %w", c.Patch.File, err))
		}
		ext := strings.ToLower(filepath.Ext(c.Patch.File))
		supported := false
		for _, s := range supportedPatchExtensions {
			if ext == s {
				supported = true
			}
		}
		if !supported {
			errs = append(errs, fmt.Errorf("patch.patch_file %q has unsupported extension (want one of %s)",
				c.Patch.File, strings.Join(supportedPatchExtensions, ", ")))
		}
	}

	if c.Settings.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("settings.timeout must be greater than 0, got %d", c.Settings.Timeout))
	}
	if c.Settings.Parallel < 1 {
		errs = append(errs, fmt.Errorf("settings.parallel must be at least 1, got %d", c.Settings.Parallel))
	}
	if c.Settings.HostCooldown < 0 {
		errs = append(errs, fmt.Errorf("settings.host_cooldown must be >= 0, got %d", c.Settings.HostCooldown))
	}
	errs = append(errs, c.Timeouts.validate()...)

	if c.Zabbix.Enabled() {
		if c.Zabbix.ServerPort < 1 || c.Zabbix.ServerPort > 65535 {
			errs = append(errs, fmt.Errorf("zabbix.server_port must be between 1 and 65535, got %d", c.Zabbix.ServerPort))
		}
	}
	if c.Zabbix.Maintenance {
		if c.Zabbix.APIUser == "" {
			errs = append(errs, fmt.Errorf("zabbix.api_user is required when zabbix.maintenance is enabled"))
		}
		if c.Zabbix.APIPassword == "" {
			errs = append(errs, fmt.Errorf("zabbix.api_password is required when zabbix.maintenance is enabled"))
		}
		u, err := url.Parse(c.Zabbix.FrontURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("zabbix.front_url must be a valid URL with scheme and host"))
		}
		if c.Zabbix.MaintenanceWindow <= 0 {
			errs = append(errs, fmt.Errorf("zabbix.maintenance_window must be greater than 0, got %d", c.Zabbix.MaintenanceWindow))
		}
	}

	return errors.Join(errs...)
}

// validate requires every wait bound to be positive. maintenance_grace is
// passed through to the management API where zero means "no grace period".
func (t TimeoutsConfig) validate() []error {
	fields := map[string]int{
		"ssh_wait":             t.SSHWait,
		"ssh_wait_interval":    t.SSHWaitInterval,
		"dial":                 t.Dial,
		"ssh_connect":          t.SSHConnect,
		"ssh_banner":           t.SSHBanner,
		"install":              t.Install,
		"vm_graceful":          t.VMGraceful,
		"vm_poll":              t.VMPoll,
		"vm_start_confirm":     t.VMStartConfirm,
		"maintenance_task":     t.MaintenanceTask,
		"maintenance_poll":     t.MaintenancePoll,
		"reboot_down_attempts": t.RebootDownAttempts,
		"reboot_down_interval": t.RebootDownInterval,
		"reboot_up":            t.RebootUp,
		"reboot_up_interval":   t.RebootUpInterval,
		"reconnect_attempts":   t.ReconnectAttempts,
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if fields[name] <= 0 {
			errs = append(errs, fmt.Errorf("timeouts.%s must be greater than 0, got %d", name, fields[name]))
		}
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"maintenance_grace", t.MaintenanceGrace},
		{"vm_force_settle", t.VMForceSettle},
		{"reboot_task_delay", t.RebootTaskDelay},
		{"reboot_api_settle", t.RebootAPISettle},
		{"reboot_final_settle", t.RebootFinalSettle},
		{"post_reboot_settle", t.PostRebootSettle},
		{"reconnect_backoff", t.ReconnectBackoff},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("timeouts.%s must be >= 0, got %d", f.name, f.v))
		}
	}
	return errs
}

// ZabbixAPIURL returns the full Zabbix API URL
func (c *Config) ZabbixAPIURL() string {
	return strings.TrimRight(c.Zabbix.FrontURL, "/") + "/api_jsonrpc.php"
}
