package netiso

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
)

type fakeTables struct {
	mu     sync.Mutex
	chains map[string][]string // "table/chain" -> joined rule specs
	failOn string              // chain whose NewChain fails
}

func newFakeTables() *fakeTables {
	return &fakeTables{chains: map[string][]string{
		"filter/INPUT":     nil,
		"filter/FORWARD":   nil,
		"filter/OUTPUT":    nil,
		"nat/POSTROUTING":  nil,
		"nat/PREROUTING":   nil,
		"filter/DOCKER-01": nil,
	}}
}

func key(table, chain string) string { return table + "/" + chain }

func (f *fakeTables) NewChain(table, chain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if chain == f.failOn {
		return errors.New("iptables: permission denied")
	}
	if _, ok := f.chains[key(table, chain)]; ok {
		return fmt.Errorf("chain %s already exists", chain)
	}
	f.chains[key(table, chain)] = nil
	return nil
}

func (f *fakeTables) ClearAndDeleteChain(table, chain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.chains, key(table, chain))
	return nil
}

func (f *fakeTables) ChainExists(table, chain string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.chains[key(table, chain)]
	return ok, nil
}

func (f *fakeTables) ListChains(table string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.chains {
		if t, c, _ := strings.Cut(k, "/"); t == table {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeTables) List(table, chain string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rules, ok := f.chains[key(table, chain)]
	if !ok {
		return nil, fmt.Errorf("no chain %s", chain)
	}
	out := []string{"-N " + chain}
	for _, r := range rules {
		out = append(out, "-A "+chain+" "+quoteComment(r))
	}
	return out, nil
}

// quoteComment mimics iptables -S, which quotes comment values.
func quoteComment(spec string) string {
	fields := strings.Fields(spec)
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == "--comment" {
			fields[i+1] = `"` + fields[i+1] + `"`
		}
	}
	return strings.Join(fields, " ")
}

func (f *fakeTables) Append(table, chain string, spec ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(table, chain)
	if _, ok := f.chains[k]; !ok {
		return fmt.Errorf("no chain %s", chain)
	}
	f.chains[k] = append(f.chains[k], strings.Join(spec, " "))
	return nil
}

func (f *fakeTables) Insert(table, chain string, pos int, spec ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(table, chain)
	if _, ok := f.chains[k]; !ok {
		return fmt.Errorf("no chain %s", chain)
	}
	rules := f.chains[k]
	idx := pos - 1
	rules = append(rules[:idx], append([]string{strings.Join(spec, " ")}, rules[idx:]...)...)
	f.chains[k] = rules
	return nil
}

func (f *fakeTables) DeleteIfExists(table, chain string, spec ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(table, chain)
	want := strings.Join(spec, " ")
	for i, r := range f.chains[k] {
		if r == want {
			f.chains[k] = append(f.chains[k][:i], f.chains[k][i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeTables) rules(table, chain string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.chains[key(table, chain)]...)
}

func (f *fakeTables) has(table, chain string) bool {
	ok, _ := f.ChainExists(table, chain)
	return ok
}

type fakeLinks struct {
	mu         sync.Mutex
	namespaces map[string]bool
	links      map[string]netip.Prefix
	failVeth   bool
	forwarding bool
}

func newFakeLinks() *fakeLinks {
	return &fakeLinks{namespaces: map[string]bool{}, links: map[string]netip.Prefix{"lo": {}, "eth0": {}}}
}

func (f *fakeLinks) CreateNamespace(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.namespaces[name] {
		return fmt.Errorf("netns %s exists", name)
	}
	f.namespaces[name] = true
	return nil
}

func (f *fakeLinks) DeleteNamespace(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.namespaces, name)
	return nil
}

func (f *fakeLinks) Namespaces() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for n := range f.namespaces {
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeLinks) CreateVeth(n Names, sub Subnet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links[n.HostVeth] = netip.PrefixFrom(sub.Host, sub.Prefix.Bits())
	if f.failVeth {
		return errors.New("rename eth0: device busy")
	}
	return nil
}

func (f *fakeLinks) DeleteLink(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.links, name)
	return nil
}

func (f *fakeLinks) Links() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for n := range f.links {
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeLinks) UsedSubnets(pool netip.Prefix) ([]netip.Prefix, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []netip.Prefix
	for name, p := range f.links {
		if strings.HasPrefix(name, LinkPrefix) && p.IsValid() && p.Overlaps(pool) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeLinks) EnableForwarding() error {
	f.forwarding = true
	return nil
}

type fakeResolver struct {
	mu      sync.Mutex
	answers map[string][]netip.Addr
}

func (r *fakeResolver) set(host string, addrs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.answers == nil {
		r.answers = map[string][]netip.Addr{}
	}
	var parsed []netip.Addr
	for _, a := range addrs {
		parsed = append(parsed, netip.MustParseAddr(a))
	}
	r.answers[host] = parsed
}

func (r *fakeResolver) LookupNetIP(_ context.Context, _ string, host string) ([]netip.Addr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addrs, ok := r.answers[host]
	if !ok {
		return nil, fmt.Errorf("lookup %s: no such host", host)
	}
	return append([]netip.Addr(nil), addrs...), nil
}
