package config

import "path/filepath"

const (
	// HomeEnv overrides the configuration directory.
	HomeEnv = "AI_SANDBOX_HOME"
	// DefaultHomeDir holds config.toml when HomeEnv is unset.
	DefaultHomeDir = "/etc/ai-sandbox"

	ConfigFilePath = "config.toml"
	SubnetLockName = "subnets.lock"
	SetupLockName  = "setup.lock"
)

func homeConfigPath(home string) string {
	return filepath.Join(home, ConfigFilePath)
}

func (c *Config) ConfigPath() string {
	return homeConfigPath(c.HomeDir)
}

func (c *Config) RegistryPath() string {
	return c.State.RegistryPath
}

func (c *Config) RunDir() string {
	return c.State.RunDir
}

// SessionDir is the per-session state directory holding placeholders and
// the generated resolv.conf.
func (c *Config) SessionDir(id string) string {
	return filepath.Join(c.State.RunDir, id)
}

// SubnetLockPath serializes /30 allocation across engine processes.
func (c *Config) SubnetLockPath() string {
	return filepath.Join(c.State.RunDir, SubnetLockName)
}

// SetupLockPath keeps destroy away from sessions that are still starting.
func (c *Config) SetupLockPath() string {
	return filepath.Join(c.State.RunDir, SetupLockName)
}
