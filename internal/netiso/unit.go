package netiso

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/neoclaw-ai/aisandbox/internal/failure"
	"github.com/neoclaw-ai/aisandbox/internal/policy"
	"github.com/neoclaw-ai/aisandbox/internal/saga"
	"github.com/neoclaw-ai/aisandbox/internal/store"
)

// Settings are the engine-wide network options.
type Settings struct {
	Pool            netip.Prefix
	DNSServers      []string
	RefreshInterval time.Duration
	ResolveTimeout  time.Duration
	ProxyEnabled    bool
	ProxyPort       uint16
	// LockPath serializes subnet allocation across engine processes.
	LockPath string
	// ResolvConfFiles are read in order when DNSServers is empty.
	ResolvConfFiles []string
}

// Unit builds per-session network isolation.
type Unit struct {
	Links    Links
	Tables   Tables
	Resolver Resolver
	Settings Settings
	Logger   *slog.Logger
}

// Handle is one session's network isolation.
type Handle struct {
	Names    Names
	Subnet   Subnet
	Policy   *policy.Policy
	Resolved Resolved
	// ResolvConf is the generated resolver file inside the state dir.
	ResolvConf string
	// ProxyURL and Proxy are set when the domain proxy runs.
	ProxyURL string
	Proxy    netip.AddrPort

	saga saga.Saga
}

// Setup creates the namespace, veth pair, NAT and filter chain for one
// session. On failure every acquired resource is released in reverse order
// and an IsolationSetupFailed error is returned.
func (u *Unit) Setup(ctx context.Context, sessionID string, p *policy.Policy, stateDir string) (*Handle, error) {
	h := &Handle{Names: NamesFor(sessionID), Policy: p}
	if err := u.setup(ctx, h, stateDir); err != nil {
		for _, rerr := range h.saga.Rollback() {
			u.logger().Warn("rollback network isolation", "session", sessionID, "err", rerr)
		}
		return nil, failure.New(failure.IsolationSetupFailed, failure.StageNetwork, err)
	}
	return h, nil
}

func (u *Unit) setup(ctx context.Context, h *Handle, stateDir string) error {
	logger := u.logger().With("session", h.Names.Short)
	n := h.Names

	rc, err := upstreamServers(u.Settings.DNSServers, u.resolvConfFiles())
	if err != nil {
		return err
	}
	path, err := writeResolvConf(stateDir, rc)
	if err != nil {
		return err
	}
	h.ResolvConf = path
	h.saga.Record("resolv.conf", func() error {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	})

	if err := ctx.Err(); err != nil {
		return err
	}

	// The lock covers allocation until the host end carries the address, so
	// a concurrent session cannot pick the same /30.
	err = store.WithFileLock(u.Settings.LockPath, func() error {
		used, err := u.Links.UsedSubnets(u.Settings.Pool)
		if err != nil {
			return err
		}
		sub, err := Allocate(u.Settings.Pool, used)
		if err != nil {
			return err
		}
		h.Subnet = sub

		if err := u.Links.CreateNamespace(n.Namespace); err != nil {
			return err
		}
		h.saga.Record("netns "+n.Namespace, func() error { return u.Links.DeleteNamespace(n.Namespace) })

		h.saga.Record("veth "+n.HostVeth, func() error { return u.Links.DeleteLink(n.HostVeth) })
		return u.Links.CreateVeth(n, sub)
	})
	if err != nil {
		return err
	}
	logger.Debug("namespace and link ready", "netns", n.Namespace, "subnet", h.Subnet.Prefix)

	if err := u.Links.EnableForwarding(); err != nil {
		return err
	}

	jumps := jumpRules(n, h.Subnet)
	nat := jumps[len(jumps)-1]
	if err := insertJump(u.Tables, nat); err != nil {
		return err
	}
	h.saga.Record("nat "+n.Comment, func() error { return deleteJump(u.Tables, nat) })

	domains := h.Policy.Domains()
	if h.Policy.Posture == policy.PostureDeny && len(domains) > 0 {
		resolved, errs := Resolve(ctx, u.Resolver, domains, u.Settings.ResolveTimeout)
		for _, err := range errs {
			logger.Warn("whitelisted domain did not resolve", "err", err)
		}
		h.Resolved = resolved
	}
	for _, ep := range h.Policy.Whitelist {
		if ep.Kind != policy.EndpointDomain && !ep.Prefix.Addr().Is4() {
			logger.Warn("IPv6 whitelist entry has no route from the sandbox", "entry", ep.Raw)
		}
	}

	endpoints := Endpoints{Resolvers: rc.servers}
	if u.Settings.ProxyEnabled && h.Policy.Posture == policy.PostureDeny {
		listen := netip.AddrPortFrom(h.Subnet.Host, u.Settings.ProxyPort)
		proxy, err := StartDomainProxy(listen.String(), h.Policy.AllowsHost, logger)
		if err != nil {
			return err
		}
		h.saga.Record("proxy "+listen.String(), proxy.Close)
		h.ProxyURL = "http://" + listen.String()
		h.Proxy = listen
		endpoints.Proxy = listen
	}

	h.saga.Record("chain "+n.Chain, func() error { return removeChain(u.Tables, n.Chain) })
	if err := installChain(u.Tables, n.Chain, Compile(h.Policy, h.Resolved, endpoints)); err != nil {
		return err
	}

	for _, j := range jumps[:len(jumps)-1] {
		if err := insertJump(u.Tables, j); err != nil {
			return err
		}
		h.saga.Record("jump "+j.chain, func() error { return deleteJump(u.Tables, j) })
	}

	if len(h.Resolved) > 0 && u.Settings.RefreshInterval > 0 {
		refreshCtx, cancel := context.WithCancel(context.Background())
		f := newRefresher(u.Tables, n.Chain, u.Resolver, domains, u.Settings.ResolveTimeout, h.Resolved, logger)
		done := make(chan struct{})
		go func() {
			defer close(done)
			f.run(refreshCtx, u.Settings.RefreshInterval)
		}()
		h.saga.Record("domain refresh", func() error {
			cancel()
			<-done
			return nil
		})
	}

	logger.Info("network isolation ready", "netns", n.Namespace, "chain", n.Chain, "posture", h.Policy.Posture)
	return nil
}

// Teardown releases every resource in reverse order of acquisition. Each
// failure is returned as an IsolationTeardownFailed error; a second call is
// a no-op.
func (h *Handle) Teardown() []error {
	var errs []error
	for _, err := range h.saga.Rollback() {
		errs = append(errs, failure.New(failure.IsolationTeardownFailed, failure.StageNetwork, err))
	}
	return errs
}

// ProxyEnv returns the environment that points HTTP clients at the proxy.
func (h *Handle) ProxyEnv() []string {
	if h.ProxyURL == "" {
		return nil
	}
	noProxy := "localhost,127.0.0.1,::1"
	return []string{
		"HTTP_PROXY=" + h.ProxyURL,
		"HTTPS_PROXY=" + h.ProxyURL,
		"http_proxy=" + h.ProxyURL,
		"https_proxy=" + h.ProxyURL,
		"NO_PROXY=" + noProxy,
		"no_proxy=" + noProxy,
	}
}

func (u *Unit) resolvConfFiles() []string {
	if len(u.Settings.ResolvConfFiles) > 0 {
		return u.Settings.ResolvConfFiles
	}
	return []string{HostResolvConf, SystemdResolvConf}
}

func (u *Unit) logger() *slog.Logger {
	if u.Logger != nil {
		return u.Logger
	}
	return slog.Default()
}
