package netiso

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/neoclaw-ai/aisandbox/internal/policy"
)

// Resolver looks up addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Resolve looks up the IPv4 addresses of every domain entry. A failed lookup
// leaves that domain unresolved and is reported, not fatal: the domain is
// rejected fast until a refresh succeeds.
func Resolve(ctx context.Context, r Resolver, domains []policy.Endpoint, timeout time.Duration) (Resolved, []error) {
	out := make(Resolved, len(domains))
	var errs []error
	for _, d := range domains {
		if _, done := out[d.Host]; done {
			continue
		}
		lookupCtx, cancel := context.WithTimeout(ctx, timeout)
		addrs, err := r.LookupNetIP(lookupCtx, "ip4", d.Host)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("resolve %s: %w", d.Host, err))
			out[d.Host] = nil
			continue
		}
		for i := range addrs {
			addrs[i] = addrs[i].Unmap()
		}
		out[d.Host] = addrs
	}
	return out, errs
}

// refresher re-resolves domain entries on an interval and inserts permit
// rules for addresses not seen before. Addresses are never withdrawn during
// a session.
type refresher struct {
	tables   Tables
	chain    string
	resolver Resolver
	domains  []policy.Endpoint
	timeout  time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	seen map[string]map[netip.Addr]bool
}

func newRefresher(t Tables, chain string, r Resolver, domains []policy.Endpoint, timeout time.Duration, initial Resolved, logger *slog.Logger) *refresher {
	// Keyed per entry: the same host may be whitelisted on several ports.
	seen := make(map[string]map[netip.Addr]bool, len(domains))
	for _, entry := range domains {
		set := make(map[netip.Addr]bool)
		for _, a := range initial[entry.Host] {
			set[a] = true
		}
		seen[entry.String()] = set
	}
	return &refresher{
		tables:   t,
		chain:    chain,
		resolver: r,
		domains:  domains,
		timeout:  timeout,
		logger:   logger,
		seen:     seen,
	}
}

// refresh runs one re-resolution pass and returns how many addresses were added.
func (f *refresher) refresh(ctx context.Context) int {
	resolved, errs := Resolve(ctx, f.resolver, f.domains, f.timeout)
	for _, err := range errs {
		f.logger.Debug("domain refresh failed", "chain", f.chain, "err", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	added := 0
	for _, entry := range f.domains {
		var fresh []netip.Addr
		set := f.seen[entry.String()]
		if set == nil {
			set = map[netip.Addr]bool{}
			f.seen[entry.String()] = set
		}
		for _, a := range resolved[entry.Host] {
			if !set[a] {
				fresh = append(fresh, a)
			}
		}
		if len(fresh) == 0 {
			continue
		}
		if err := insertRules(f.tables, f.chain, EntryRules(entry, fresh)); err != nil {
			f.logger.Warn("insert refreshed addresses", "chain", f.chain, "domain", entry.Host, "err", err)
			continue
		}
		for _, a := range fresh {
			set[a] = true
		}
		added += len(fresh)
		f.logger.Info("whitelisted new addresses", "chain", f.chain, "domain", entry.Host, "count", len(fresh))
	}
	return added
}

// run refreshes every interval until ctx is done.
func (f *refresher) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.refresh(ctx)
		}
	}
}
