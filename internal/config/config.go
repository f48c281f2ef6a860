// Package config loads engine configuration from a TOML file and environment
// variables, exposing typed structs for every section.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config is the engine configuration loaded from defaults, config.toml, and env vars.
type Config struct {
	// HomeDir is runtime-resolved from AI_SANDBOX_HOME and not read from config.
	HomeDir  string         `mapstructure:"-"`
	State    StateConfig    `mapstructure:"state"`
	Network  NetworkConfig  `mapstructure:"network"`
	Session  SessionConfig  `mapstructure:"session"`
	Security SecurityConfig `mapstructure:"security"`
	Reaper   ReaperConfig   `mapstructure:"reaper"`
}

// StateConfig locates the session registry and per-session state.
type StateConfig struct {
	RegistryPath string `mapstructure:"registry_path"`
	RunDir       string `mapstructure:"run_dir"`
}

// NetworkConfig controls the per-session network namespace.
type NetworkConfig struct {
	SubnetPool      string        `mapstructure:"subnet_pool"`
	DNSServers      []string      `mapstructure:"dns_servers"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	ResolveTimeout  time.Duration `mapstructure:"resolve_timeout"`
	ProxyEnabled    bool          `mapstructure:"proxy_enabled"`
	ProxyPort       int           `mapstructure:"proxy_port"`
}

// SessionConfig controls spawning and stopping sandboxed processes.
type SessionConfig struct {
	Shell       string        `mapstructure:"shell"`
	StopGrace   time.Duration `mapstructure:"stop_grace"`
	KeepHistory int           `mapstructure:"keep_history"`
}

// SecurityConfig toggles the in-process restrictions applied before exec.
type SecurityConfig struct {
	Landlock bool `mapstructure:"landlock"`
	Seccomp  bool `mapstructure:"seccomp"`
}

// ReaperConfig schedules orphan reclamation.
type ReaperConfig struct {
	Schedule string `mapstructure:"schedule"`
}

var defaultConfig = Config{
	State: StateConfig{
		RegistryPath: "/var/lib/ai-sandbox/sessions.json",
		RunDir:       "/run/ai-sandbox",
	},
	Network: NetworkConfig{
		SubnetPool:      "10.213.0.0/16",
		RefreshInterval: 60 * time.Second,
		ResolveTimeout:  5 * time.Second,
		ProxyEnabled:    true,
		ProxyPort:       3128,
	},
	Session: SessionConfig{
		Shell:       "/bin/bash",
		StopGrace:   5 * time.Second,
		KeepHistory: 200,
	},
	Security: SecurityConfig{
		Landlock: false,
		Seccomp:  true,
	},
	Reaper: ReaperConfig{
		Schedule: "@every 5m",
	},
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	cfg := defaultConfig
	return &cfg
}

// homeDir returns the engine configuration directory.
// Uses AI_SANDBOX_HOME env var if set, otherwise defaults to /etc/ai-sandbox.
func homeDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	return DefaultHomeDir
}

func newViper(home string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(homeConfigPath(home))
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return v, nil
}

// Load merges hardcoded defaults and config file values in that order.
// Config is always at $AI_SANDBOX_HOME/config.toml.
func Load() (*Config, error) {
	home := homeDir()
	v, err := newViper(home)
	if err != nil {
		return nil, err
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		expandEnvStringHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)

	if err := v.Unmarshal(&cfg, func(c *mapstructure.DecoderConfig) {
		c.DecodeHook = decodeHook
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.HomeDir = home
	return &cfg, nil
}

// Write writes the merged configuration (defaults overlaid by the config
// file) to w in TOML format.
func Write(w io.Writer) error {
	if w == nil {
		return errors.New("writer is required")
	}

	v, err := newViper(homeDir())
	if err != nil {
		return err
	}

	// Keep duration fields human-readable in generated TOML.
	for _, key := range []string{"network.refresh_interval", "network.resolve_timeout", "session.stop_grace"} {
		v.Set(key, v.GetDuration(key).String())
	}

	if err := v.WriteConfigTo(w); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state.registry_path", defaultConfig.State.RegistryPath)
	v.SetDefault("state.run_dir", defaultConfig.State.RunDir)

	v.SetDefault("network.subnet_pool", defaultConfig.Network.SubnetPool)
	v.SetDefault("network.dns_servers", []string{})
	v.SetDefault("network.refresh_interval", defaultConfig.Network.RefreshInterval)
	v.SetDefault("network.resolve_timeout", defaultConfig.Network.ResolveTimeout)
	v.SetDefault("network.proxy_enabled", defaultConfig.Network.ProxyEnabled)
	v.SetDefault("network.proxy_port", defaultConfig.Network.ProxyPort)

	v.SetDefault("session.shell", defaultConfig.Session.Shell)
	v.SetDefault("session.stop_grace", defaultConfig.Session.StopGrace)
	v.SetDefault("session.keep_history", defaultConfig.Session.KeepHistory)

	v.SetDefault("security.landlock", defaultConfig.Security.Landlock)
	v.SetDefault("security.seccomp", defaultConfig.Security.Seccomp)

	v.SetDefault("reaper.schedule", defaultConfig.Reaper.Schedule)
}

// Validatable is implemented by config sections that can self-validate.
type Validatable interface {
	Validate() error
}

// Validate checks that state paths are absolute.
func (c StateConfig) Validate() error {
	if !filepath.IsAbs(c.RegistryPath) {
		return fmt.Errorf("registry_path %q must be absolute", c.RegistryPath)
	}
	if !filepath.IsAbs(c.RunDir) {
		return fmt.Errorf("run_dir %q must be absolute", c.RunDir)
	}
	return nil
}

// Validate checks the subnet pool, resolvers, intervals and proxy port.
func (c NetworkConfig) Validate() error {
	pool, err := netip.ParsePrefix(c.SubnetPool)
	if err != nil {
		return fmt.Errorf("subnet_pool: %w", err)
	}
	if !pool.Addr().Is4() || pool.Bits() > 30 {
		return fmt.Errorf("subnet_pool %q must be an IPv4 prefix of /30 or larger", c.SubnetPool)
	}
	for _, server := range c.DNSServers {
		addr, err := netip.ParseAddr(server)
		if err != nil {
			return fmt.Errorf("dns_servers: %w", err)
		}
		if addr.IsLoopback() {
			return fmt.Errorf("dns_servers: %s is loopback and unreachable from the sandbox", server)
		}
	}
	if c.RefreshInterval < 0 {
		return errors.New("refresh_interval must be >= 0")
	}
	if c.ResolveTimeout <= 0 {
		return errors.New("resolve_timeout must be > 0")
	}
	if c.ProxyEnabled && (c.ProxyPort < 1 || c.ProxyPort > 65535) {
		return fmt.Errorf("proxy_port %d is out of range", c.ProxyPort)
	}
	return nil
}

// Validate checks the default shell and stop grace.
func (c SessionConfig) Validate() error {
	if !filepath.IsAbs(c.Shell) {
		return fmt.Errorf("shell %q must be absolute", c.Shell)
	}
	if c.StopGrace <= 0 {
		return errors.New("stop_grace must be > 0")
	}
	if c.KeepHistory < 0 {
		return errors.New("keep_history must be >= 0")
	}
	return nil
}

// Validate has nothing to check; both toggles are booleans.
func (c SecurityConfig) Validate() error {
	return nil
}

// Validate checks the cron expression.
func (c ReaperConfig) Validate() error {
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("schedule %q: %w", c.Schedule, err)
	}
	return nil
}

// Validate validates every section and returns the first fatal error.
func (cfg *Config) Validate() error {
	sections := []struct {
		name string
		v    Validatable
	}{
		{"state", cfg.State},
		{"network", cfg.Network},
		{"session", cfg.Session},
		{"security", cfg.Security},
		{"reaper", cfg.Reaper},
	}

	var errs []error
	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func expandEnvStringHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.String {
			return data, nil
		}
		value, ok := data.(string)
		if !ok {
			return data, nil
		}
		return os.ExpandEnv(value), nil
	}
}
