package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Settings.Timeout != 300 {
		t.Errorf("Timeout = %d, want 300", cfg.Settings.Timeout)
	}
	if cfg.Settings.Parallel != 1 {
		t.Errorf("Parallel = %d, want 1", cfg.Settings.Parallel)
	}
	if cfg.Settings.HostCooldown != 30 {
		t.Errorf("HostCooldown = %d, want 30", cfg.Settings.HostCooldown)
	}
	if !cfg.Settings.SelfTest {
		t.Error("SelfTest should default to true")
	}
	if got := strings.Join(cfg.Settings.Services, ","); got != "TSM,TSM-SSH" {
		t.Errorf("Services = %q, want TSM,TSM-SSH", got)
	}
	if cfg.Timeouts.Install != 1200 {
		t.Errorf("Install = %d, want 1200", cfg.Timeouts.Install)
	}
	if cfg.Timeouts.VMGraceful != 180 {
		t.Errorf("VMGraceful = %d, want 180", cfg.Timeouts.VMGraceful)
	}
	if cfg.Timeouts.ReconnectAttempts != 5 || cfg.Timeouts.ReconnectBackoff != 30 {
		t.Errorf("reconnect = %d x %ds, want 5 x 30s", cfg.Timeouts.ReconnectAttempts, cfg.Timeouts.ReconnectBackoff)
	}
	if cfg.Zabbix.ServerPort != 10051 {
		t.Errorf("ServerPort = %d, want 10051", cfg.Zabbix.ServerPort)
	}
	if cfg.Zabbix.Enabled() {
		t.Error("Zabbix integration should be disabled by default")
	}
}

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Hosts = []HostConfig{{
		Name:     "esx01",
		Address:  "10.0.0.11",
		Username: "root",
		Password: "secret",
		SSHPort:  22,
		APIPort:  443,
	}}
	return cfg
}

func TestValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		if err := validConfig().Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("fqdn address", func(t *testing.T) {
		cfg := validConfig()
		cfg.Hosts[0].Address = "esx01.lab.example.com"
		if err := cfg.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"zero hosts", func(c *Config) { c.Hosts = nil }, "no hosts configured"},
		{"duplicate names", func(c *Config) { c.Hosts = append(c.Hosts, c.Hosts[0]) }, "duplicate host name"},
		{"missing address", func(c *Config) { c.Hosts[0].Address = "" }, "address is required"},
		{"invalid address", func(c *Config) { c.Hosts[0].Address = "10.0.0.1; reboot" }, "invalid address"},
		{"missing password", func(c *Config) { c.Hosts[0].Password = "" }, "password is required"},
		{"bad ssh port", func(c *Config) { c.Hosts[0].SSHPort = 0 }, "ssh_port"},
		{"bad api port", func(c *Config) { c.Hosts[0].APIPort = 70000 }, "api_port"},
		{"missing patch file", func(c *Config) { c.Patch.File = "/nonexistent/ESXi-8.0U2-22380479.zip" }, "not readable"},
		{"bad timeout", func(c *Config) { c.Settings.Timeout = 0 }, "settings.timeout"},
		{"bad parallel", func(c *Config) { c.Settings.Parallel = 0 }, "settings.parallel"},
		{"bad install timeout", func(c *Config) { c.Timeouts.Install = -1 }, "timeouts.install"},
		{"negative settle", func(c *Config) { c.Timeouts.PostRebootSettle = -5 }, "timeouts.post_reboot_settle"},
		{"maintenance without credentials", func(c *Config) { c.Zabbix.Maintenance = true }, "zabbix.api_user"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}

	t.Run("unsupported patch extension", func(t *testing.T) {
		cfg := validConfig()
		cfg.Patch.File = writeFile(t, "update.tar.gz", "x")
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "unsupported extension") {
			t.Errorf("expected unsupported extension error, got: %v", err)
		}
	})

	t.Run("uppercase patch extension accepted", func(t *testing.T) {
		cfg := validConfig()
		cfg.Patch.File = writeFile(t, "VMware-ESXi-8.0U2-22380479.ZIP", "x")
		if err := cfg.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("multiple errors at once", func(t *testing.T) {
		cfg := validConfig()
		cfg.Hosts[0].Password = ""
		cfg.Settings.Parallel = 0
		err := cfg.Validate()
		if err == nil {
			t.Fatal("expected error")
		}
		if !strings.Contains(err.Error(), "password") || !strings.Contains(err.Error(), "parallel") {
			t.Errorf("expected both errors in combined output, got: %v", err)
		}
	})
}

func TestLoadINI(t *testing.T) {
	patch := writeFile(t, "VMware-ESXi-8.0U2-22380479-depot.zip", "depot")
	path := writeFile(t, "config.ini", `[settings]
timeout = 120

[patch]
patch_file = `+patch+`

[host_esx01]
name = esx01
ip = 192.168.1.10
username = root
password = pw1
ssh_port = 22
api_port = 443

[host_esx02]
ip = 192.168.1.11
password = pw2
ssh_port = 2222
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Settings.Timeout != 120 {
		t.Errorf("Timeout = %d, want 120", cfg.Settings.Timeout)
	}
	if cfg.Patch.File != patch {
		t.Errorf("Patch.File = %q, want %q", cfg.Patch.File, patch)
	}
	if len(cfg.Hosts) != 2 {
		t.Fatalf("len(Hosts) = %d, want 2", len(cfg.Hosts))
	}

	h1 := cfg.Hosts[0]
	if h1.Name != "esx01" || h1.Address != "192.168.1.10" || h1.Password != "pw1" {
		t.Errorf("host 1 = %+v", h1)
	}
	if h1.ZabbixHost != "esx01" {
		t.Errorf("ZabbixHost = %q, want esx01", h1.ZabbixHost)
	}

	h2 := cfg.Hosts[1]
	if h2.Name != "host_esx02" {
		t.Errorf("Name = %q, want section name host_esx02", h2.Name)
	}
	if h2.Username != "root" {
		t.Errorf("Username = %q, want default root", h2.Username)
	}
	if h2.SSHPort != 2222 || h2.APIPort != 443 {
		t.Errorf("ports = %d/%d, want 2222/443", h2.SSHPort, h2.APIPort)
	}
}

func TestLoadINI_NoHosts(t *testing.T) {
	path := writeFile(t, "config.ini", "[settings]\ntimeout = 300\n")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "no hosts configured") {
		t.Errorf("expected no hosts error, got: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "esxi-patcher.yaml", `
settings:
  timeout: 60
  parallel: 2
  services: [TSM-SSH]
timeouts:
  install: 900
hosts:
  - name: esx01
    address: esx01.lab.local
    password: secret
  - name: esx02
    address: 10.0.0.12
    password: secret
    api_port: 8443
zabbix:
  report: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Settings.Timeout != 60 || cfg.Settings.Parallel != 2 {
		t.Errorf("settings = %+v", cfg.Settings)
	}
	if len(cfg.Settings.Services) != 1 || cfg.Settings.Services[0] != "TSM-SSH" {
		t.Errorf("Services = %v, want [TSM-SSH]", cfg.Settings.Services)
	}
	if cfg.Timeouts.Install != 900 {
		t.Errorf("Install = %d, want 900", cfg.Timeouts.Install)
	}
	if cfg.Timeouts.VMGraceful != 180 {
		t.Errorf("VMGraceful = %d, want default 180", cfg.Timeouts.VMGraceful)
	}
	if len(cfg.Hosts) != 2 {
		t.Fatalf("len(Hosts) = %d, want 2", len(cfg.Hosts))
	}
	if cfg.Hosts[1].APIPort != 8443 || cfg.Hosts[1].SSHPort != 22 {
		t.Errorf("host 2 ports = %d/%d, want 22/8443", cfg.Hosts[1].SSHPort, cfg.Hosts[1].APIPort)
	}
	if !cfg.Zabbix.Report {
		t.Error("Zabbix.Report should be true")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeFile(t, "config.ini", `[host_a]
ip = 10.0.0.1
password = pw
`)
	t.Setenv("ESXI_PATCHER_SETTINGS_HOST_COOLDOWN", "5")
	t.Setenv("ESXI_PATCHER_TIMEOUTS_VM_GRACEFUL", "60")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Settings.HostCooldown != 5 {
		t.Errorf("HostCooldown = %d, want 5", cfg.Settings.HostCooldown)
	}
	if cfg.Timeouts.VMGraceful != 60 {
		t.Errorf("VMGraceful = %d, want 60", cfg.Timeouts.VMGraceful)
	}
}

func TestLoad_NotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.ini"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected not found error, got: %v", err)
	}
}

func TestINIToMap_UnrecognizedKeys(t *testing.T) {
	path := writeFile(t, "config.ini", `[settings]
timeout = 300
UnknownKey = some_value

[host_a]
ip = 10.0.0.1
password = pw
colour = blue

[extras]
foo = bar
`)

	cfg, warnings, err := LoadINIWithWarnings(path)
	if err != nil {
		t.Fatalf("LoadINIWithWarnings() error: %v", err)
	}
	if len(cfg.Hosts) != 1 || cfg.Hosts[0].Address != "10.0.0.1" {
		t.Errorf("Hosts = %+v", cfg.Hosts)
	}

	if len(warnings) != 3 {
		t.Fatalf("expected 3 warnings, got %d: %v", len(warnings), warnings)
	}
	for _, want := range []string{"UnknownKey", "colour", "[extras]"} {
		found := false
		for _, w := range warnings {
			if strings.Contains(w, want) {
				found = true
			}
		}
		if !found {
			t.Errorf("expected warning mentioning %q, got: %v", want, warnings)
		}
	}
}

func TestINIToMap_Services(t *testing.T) {
	path := writeFile(t, "config.ini", `[settings]
services = TSM, TSM-SSH ,ntpd

[host_a]
ip = 10.0.0.1
password = pw
`)

	cfg, warnings, err := LoadINIWithWarnings(path)
	if err != nil {
		t.Fatalf("LoadINIWithWarnings() error: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
	if got := strings.Join(cfg.Settings.Services, "|"); got != "TSM|TSM-SSH|ntpd" {
		t.Errorf("Services = %q", got)
	}
}

func TestHostConfigString(t *testing.T) {
	h := HostConfig{Name: "esx01", Address: "10.0.0.1", Password: "hunter2"}
	if s := h.String(); strings.Contains(s, "hunter2") {
		t.Errorf("String() leaks password: %q", s)
	}
}

func TestZabbixAPIURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Zabbix.FrontURL = "https://zabbix.local/"
	if got := cfg.ZabbixAPIURL(); got != "https://zabbix.local/api_jsonrpc.php" {
		t.Errorf("ZabbixAPIURL() = %q", got)
	}
}
