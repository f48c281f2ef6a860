package cli

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/neoclaw-ai/aisandbox/internal/config"
	"github.com/neoclaw-ai/aisandbox/internal/fsiso"
	"github.com/neoclaw-ai/aisandbox/internal/logging"
	"github.com/neoclaw-ai/aisandbox/internal/netiso"
	"github.com/neoclaw-ai/aisandbox/internal/registry"
	"github.com/neoclaw-ai/aisandbox/internal/sandbox"
)

// newManager wires the kernel-backed isolation units into a Manager.
func newManager(cfg *config.Config) (*sandbox.Manager, error) {
	pool, err := netip.ParsePrefix(cfg.Network.SubnetPool)
	if err != nil {
		return nil, fmt.Errorf("parse subnet pool: %w", err)
	}
	tables, err := netiso.NewTables()
	if err != nil {
		return nil, err
	}
	reg, err := registry.Open(cfg.RegistryPath())
	if err != nil {
		return nil, err
	}
	logger := logging.Logger()
	links := netiso.NewLinks()

	network := &netiso.Unit{
		Links:    links,
		Tables:   tables,
		Resolver: net.DefaultResolver,
		Settings: netiso.Settings{
			Pool:            pool,
			DNSServers:      cfg.Network.DNSServers,
			RefreshInterval: cfg.Network.RefreshInterval,
			ResolveTimeout:  cfg.Network.ResolveTimeout,
			ProxyEnabled:    cfg.Network.ProxyEnabled,
			ProxyPort:       uint16(cfg.Network.ProxyPort),
			LockPath:        cfg.SubnetLockPath(),
		},
		Logger: logger,
	}

	return &sandbox.Manager{
		Network:    sandbox.NetworkUnit(network),
		Filesystem: sandbox.FilesystemUnit(&fsiso.Unit{Logger: logger}),
		Spawner:    &sandbox.InitSpawner{Logger: logger},
		Reclaimer: sandbox.LabelReclaimer{
			Network: &netiso.Reclaimer{Links: links, Tables: tables, Logger: logger},
			RunDir:  cfg.RunDir(),
		},
		Registry: reg,
		Options: sandbox.Options{
			RunDir:      cfg.RunDir(),
			SetupLock:   cfg.SetupLockPath(),
			StopGrace:   cfg.Session.StopGrace,
			KeepHistory: cfg.Session.KeepHistory,
			Landlock:    cfg.Security.Landlock,
			Seccomp:     cfg.Security.Seccomp,
		},
		Logger: logger,
	}, nil
}
