package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	home := filepath.Join(t.TempDir(), "etc")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	t.Setenv(HomeEnv, home)
	if body != "" {
		if err := os.WriteFile(filepath.Join(home, ConfigFilePath), []byte(body), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	return home
}

func TestLoad_DefaultsApplyWithoutConfigFile(t *testing.T) {
	home := writeConfig(t, "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected home %q, got %q", home, cfg.HomeDir)
	}
	if cfg.State.RegistryPath != defaultConfig.State.RegistryPath {
		t.Fatalf("expected default registry path, got %q", cfg.State.RegistryPath)
	}
	if cfg.Network.SubnetPool != "10.213.0.0/16" {
		t.Fatalf("expected default subnet pool, got %q", cfg.Network.SubnetPool)
	}
	if cfg.Network.RefreshInterval != time.Minute {
		t.Fatalf("expected 60s refresh, got %v", cfg.Network.RefreshInterval)
	}
	if cfg.Session.Shell != "/bin/bash" || cfg.Session.StopGrace != 5*time.Second {
		t.Fatalf("unexpected session defaults %+v", cfg.Session)
	}
	if cfg.Security.Landlock || !cfg.Security.Seccomp {
		t.Fatalf("unexpected security defaults %+v", cfg.Security)
	}
	if len(cfg.Network.DNSServers) != 0 {
		t.Fatalf("expected no dns override, got %v", cfg.Network.DNSServers)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	writeConfig(t, `
[state]
run_dir = "/tmp/aisbx-run"

[network]
subnet_pool = "172.30.0.0/24"
dns_servers = ["1.1.1.1", "9.9.9.9"]
refresh_interval = "2m"
proxy_enabled = false

[session]
stop_grace = "750ms"

[reaper]
schedule = "*/10 * * * *"
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RunDir() != "/tmp/aisbx-run" {
		t.Fatalf("expected run dir override, got %q", cfg.RunDir())
	}
	if cfg.SessionDir("abc") != "/tmp/aisbx-run/abc" {
		t.Fatalf("unexpected session dir %q", cfg.SessionDir("abc"))
	}
	if cfg.Network.SubnetPool != "172.30.0.0/24" {
		t.Fatalf("expected subnet override, got %q", cfg.Network.SubnetPool)
	}
	if len(cfg.Network.DNSServers) != 2 || cfg.Network.DNSServers[1] != "9.9.9.9" {
		t.Fatalf("expected dns override, got %v", cfg.Network.DNSServers)
	}
	if cfg.Network.RefreshInterval != 2*time.Minute {
		t.Fatalf("expected 2m, got %v", cfg.Network.RefreshInterval)
	}
	if cfg.Network.ProxyEnabled {
		t.Fatalf("expected proxy disabled")
	}
	if cfg.Session.StopGrace != 750*time.Millisecond {
		t.Fatalf("expected 750ms grace, got %v", cfg.Session.StopGrace)
	}
	if cfg.Reaper.Schedule != "*/10 * * * *" {
		t.Fatalf("expected schedule override, got %q", cfg.Reaper.Schedule)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoad_ExpandsEnvVarsInStringValues(t *testing.T) {
	t.Setenv("AISBX_STATE", "/srv/aisbx")
	writeConfig(t, `
[state]
registry_path = "$AISBX_STATE/sessions.json"
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RegistryPath() != "/srv/aisbx/sessions.json" {
		t.Fatalf("expected expanded path, got %q", cfg.RegistryPath())
	}
}

func TestLoad_MalformedFileFails(t *testing.T) {
	writeConfig(t, "[network\nsubnet_pool = 1\n")
	if _, err := Load(); err == nil {
		t.Fatalf("expected malformed config to fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"relative registry", func(c *Config) { c.State.RegistryPath = "sessions.json" }, "state: registry_path"},
		{"bad pool", func(c *Config) { c.Network.SubnetPool = "nope" }, "network: subnet_pool"},
		{"pool too small", func(c *Config) { c.Network.SubnetPool = "10.0.0.0/31" }, "network: subnet_pool"},
		{"ipv6 pool", func(c *Config) { c.Network.SubnetPool = "fd00::/64" }, "network: subnet_pool"},
		{"loopback dns", func(c *Config) { c.Network.DNSServers = []string{"127.0.0.53"} }, "loopback"},
		{"bad dns", func(c *Config) { c.Network.DNSServers = []string{"dns.example"} }, "network: dns_servers"},
		{"proxy port", func(c *Config) { c.Network.ProxyPort = 0 }, "proxy_port"},
		{"resolve timeout", func(c *Config) { c.Network.ResolveTimeout = 0 }, "resolve_timeout"},
		{"relative shell", func(c *Config) { c.Session.Shell = "bash" }, "session: shell"},
		{"zero grace", func(c *Config) { c.Session.StopGrace = 0 }, "stop_grace"},
		{"bad schedule", func(c *Config) { c.Reaper.Schedule = "every so often" }, "reaper: schedule"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %q", tc.want, err.Error())
			}
		})
	}
}

func TestWrite_RendersMergedConfig(t *testing.T) {
	writeConfig(t, "[session]\nshell = \"/bin/zsh\"\n")

	var out bytes.Buffer
	if err := Write(&out); err != nil {
		t.Fatalf("write: %v", err)
	}
	rendered := out.String()
	for _, want := range []string{"/bin/zsh", "stop_grace = '5s'", "subnet_pool = '10.213.0.0/16'"} {
		if !strings.Contains(rendered, want) {
			t.Fatalf("expected %q in rendered config:\n%s", want, rendered)
		}
	}
}
