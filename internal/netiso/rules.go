package netiso

import (
	"net/netip"
	"sort"
	"strconv"

	"github.com/neoclaw-ai/aisandbox/internal/policy"
)

// Rule is one iptables rule spec in the session chain.
type Rule []string

// Resolved maps whitelisted domain names to their IPv4 addresses.
type Resolved map[string][]netip.Addr

// Endpoints are the fixed destinations a DENY chain always permits.
type Endpoints struct {
	// Resolvers receive DNS on udp and tcp 53.
	Resolvers []netip.Addr
	// Proxy is the domain proxy on the host end of the veth, if running.
	Proxy netip.AddrPort
}

var (
	ruleEstablished = Rule{"-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"}
	ruleAcceptAll   = Rule{"-j", "ACCEPT"}
	ruleRejectTCP   = Rule{"-p", "tcp", "-j", "REJECT", "--reject-with", "tcp-reset"}
	ruleRejectOther = Rule{"-j", "REJECT", "--reject-with", "icmp-port-unreachable"}
)

// Compile turns a policy into the ordered rules of its session chain. IPv6
// entries are skipped; the namespace has no IPv6 route.
func Compile(p *policy.Policy, resolved Resolved, ep Endpoints) []Rule {
	rules := []Rule{ruleEstablished}
	if p.Posture == policy.PostureAllow {
		return append(rules, ruleAcceptAll)
	}

	for _, r := range ep.Resolvers {
		if !r.Is4() {
			continue
		}
		dst := hostPrefix(r)
		rules = append(rules,
			Rule{"-d", dst, "-p", "udp", "--dport", "53", "-j", "ACCEPT"},
			Rule{"-d", dst, "-p", "tcp", "--dport", "53", "-j", "ACCEPT"},
		)
	}

	for _, entry := range p.Whitelist {
		switch entry.Kind {
		case policy.EndpointDomain:
			rules = append(rules, EntryRules(entry, resolved[entry.Host])...)
		default:
			if !entry.Prefix.Addr().Is4() {
				continue
			}
			rules = append(rules, permit(entry.Prefix.String(), entry.Port)...)
		}
	}

	if p.AllowAllHTTPS {
		rules = append(rules, Rule{"-p", "tcp", "--dport", strconv.Itoa(policy.HTTPSPort), "-j", "ACCEPT"})
	}

	if ep.Proxy.IsValid() {
		rules = append(rules, Rule{"-d", hostPrefix(ep.Proxy.Addr()), "-p", "tcp", "--dport", strconv.Itoa(int(ep.Proxy.Port())), "-j", "ACCEPT"})
	}

	return append(rules, ruleRejectTCP, ruleRejectOther)
}

// EntryRules returns the permit rules for a domain entry resolved to addrs,
// in a stable order.
func EntryRules(entry policy.Endpoint, addrs []netip.Addr) []Rule {
	sorted := append([]netip.Addr(nil), addrs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })
	var rules []Rule
	for _, addr := range sorted {
		if !addr.Is4() {
			continue
		}
		rules = append(rules, permit(hostPrefix(addr), entry.Port)...)
	}
	return rules
}

func permit(dst string, port uint16) []Rule {
	if port == 0 {
		return []Rule{{"-d", dst, "-j", "ACCEPT"}}
	}
	p := strconv.Itoa(int(port))
	return []Rule{
		{"-d", dst, "-p", "tcp", "--dport", p, "-j", "ACCEPT"},
		{"-d", dst, "-p", "udp", "--dport", p, "-j", "ACCEPT"},
	}
}

func hostPrefix(addr netip.Addr) string {
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()).String()
}

// jumpRule is one rule a session places in a shared chain.
type jumpRule struct {
	table string
	chain string
	spec  Rule
}

func jumpRules(n Names, sub Subnet) []jumpRule {
	comment := []string{"-m", "comment", "--comment", n.Comment}
	with := func(r ...string) Rule {
		out := append(Rule{}, r[:len(r)-2]...)
		out = append(out, comment...)
		return append(out, r[len(r)-2:]...)
	}
	return []jumpRule{
		{"filter", "FORWARD", with("-i", n.HostVeth, "-j", n.Chain)},
		{"filter", "FORWARD", with("-o", n.HostVeth, "-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT")},
		{"filter", "INPUT", with("-i", n.HostVeth, "-j", n.Chain)},
		{"nat", "POSTROUTING", with("-s", sub.Prefix.String(), "!", "-o", n.HostVeth, "-j", "MASQUERADE")},
	}
}
