package policy

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

// EndpointKind distinguishes how a whitelist entry is matched.
type EndpointKind int

const (
	// EndpointDomain is a DNS name resolved to addresses at session start.
	EndpointDomain EndpointKind = iota
	// EndpointIP is a single literal address.
	EndpointIP
	// EndpointCIDR is an address range.
	EndpointCIDR
)

func (k EndpointKind) String() string {
	switch k {
	case EndpointDomain:
		return "domain"
	case EndpointIP:
		return "ip"
	case EndpointCIDR:
		return "cidr"
	default:
		return "unknown"
	}
}

// Endpoint is one parsed network_whitelist entry.
type Endpoint struct {
	Raw    string
	Kind   EndpointKind
	Host   string       // lowercase domain, set for EndpointDomain
	Prefix netip.Prefix // single-address prefix for EndpointIP
	Port   uint16       // 0 means any port
}

// ParseEndpoint parses "host", "host:port", an IP, "ip:port", a CIDR, or a URL.
func ParseEndpoint(raw string) (Endpoint, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return Endpoint{}, errors.New("entry is empty")
	}

	if strings.Contains(value, "://") {
		parsed, err := url.Parse(value)
		if err != nil {
			return Endpoint{}, fmt.Errorf("parse %q: %w", raw, err)
		}
		if parsed.Host == "" {
			return Endpoint{}, fmt.Errorf("%q has no host", raw)
		}
		value = parsed.Host
	}

	if prefix, err := netip.ParsePrefix(value); err == nil {
		return Endpoint{Raw: raw, Kind: EndpointCIDR, Prefix: prefix.Masked()}, nil
	}
	if addr, err := netip.ParseAddr(value); err == nil {
		addr = addr.Unmap()
		return Endpoint{Raw: raw, Kind: EndpointIP, Prefix: netip.PrefixFrom(addr, addr.BitLen())}, nil
	}

	host := value
	var port uint16
	if h, p, err := net.SplitHostPort(value); err == nil {
		parsedPort, perr := parsePort(p)
		if perr != nil {
			return Endpoint{}, fmt.Errorf("%q: %w", raw, perr)
		}
		host, port = h, parsedPort
	} else if strings.Count(value, ":") == 1 {
		return Endpoint{}, fmt.Errorf("%q: malformed host:port", raw)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		return Endpoint{Raw: raw, Kind: EndpointIP, Prefix: netip.PrefixFrom(addr, addr.BitLen()), Port: port}, nil
	}

	domain, err := normalizeDomain(host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%q: %w", raw, err)
	}
	return Endpoint{Raw: raw, Kind: EndpointDomain, Host: domain, Port: port}, nil
}

// String renders the endpoint in canonical form.
func (e Endpoint) String() string {
	var host string
	switch e.Kind {
	case EndpointDomain:
		host = e.Host
	case EndpointIP:
		host = e.Prefix.Addr().String()
	case EndpointCIDR:
		return e.Prefix.String()
	}
	if e.Port == 0 {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(int(e.Port)))
}

// MatchesAddr reports whether addr:port is covered by an IP or CIDR entry.
func (e Endpoint) MatchesAddr(addr netip.Addr, port uint16) bool {
	if e.Kind == EndpointDomain {
		return false
	}
	if e.Port != 0 && e.Port != port {
		return false
	}
	return e.Prefix.Contains(addr.Unmap())
}

// MatchesHost reports whether a hostname:port is covered by a domain entry.
// Matching is exact: a whitelisted name does not admit its subdomains, which
// keeps the proxy consistent with the address-based packet filter.
func (e Endpoint) MatchesHost(host string, port uint16) bool {
	if e.Kind != EndpointDomain {
		return false
	}
	if e.Port != 0 && e.Port != port {
		return false
	}
	normalized, err := normalizeDomain(host)
	if err != nil {
		return false
	}
	return normalized == e.Host
}

func parsePort(raw string) (uint16, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("invalid port %q", raw)
	}
	return uint16(n), nil
}

func normalizeDomain(raw string) (string, error) {
	host := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(raw)), ".")
	if host == "" {
		return "", errors.New("domain is required")
	}
	if strings.Contains(host, "*") {
		return "", errors.New("wildcard domains are not supported")
	}
	if len(host) > 253 {
		return "", errors.New("domain is longer than 253 characters")
	}
	for _, label := range strings.Split(host, ".") {
		if err := validateLabel(label); err != nil {
			return "", err
		}
	}
	return host, nil
}

func validateLabel(label string) error {
	if label == "" {
		return errors.New("domain has an empty label")
	}
	if len(label) > 63 {
		return fmt.Errorf("domain label %q is longer than 63 characters", label)
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return fmt.Errorf("domain label %q starts or ends with a hyphen", label)
	}
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("domain label %q contains invalid character %q", label, r)
		}
	}
	return nil
}
