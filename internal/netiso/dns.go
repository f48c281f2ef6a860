package netiso

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
)

const (
	// HostResolvConf is the host resolver configuration and the mount target
	// of the generated file.
	HostResolvConf = "/etc/resolv.conf"
	// SystemdResolvConf lists systemd-resolved's upstream servers when the
	// host file points at the loopback stub.
	SystemdResolvConf = "/run/systemd/resolve/resolv.conf"

	resolvConfName = "resolv.conf"
)

// resolvConf is the subset of resolv.conf the sandbox needs.
type resolvConf struct {
	servers []netip.Addr
	search  []string
}

func parseResolvConf(data []byte) resolvConf {
	var rc resolvConf
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || strings.HasPrefix(fields[0], "#") || strings.HasPrefix(fields[0], ";") {
			continue
		}
		switch fields[0] {
		case "nameserver":
			addr, err := netip.ParseAddr(fields[1])
			if err == nil {
				rc.servers = append(rc.servers, addr.Unmap())
			}
		case "search", "domain":
			rc.search = fields[1:]
		}
	}
	return rc
}

func (rc resolvConf) render() []byte {
	var b bytes.Buffer
	b.WriteString("# generated by ai-sandbox\n")
	for _, s := range rc.servers {
		fmt.Fprintf(&b, "nameserver %s\n", s)
	}
	if len(rc.search) > 0 {
		fmt.Fprintf(&b, "search %s\n", strings.Join(rc.search, " "))
	}
	b.WriteString("options edns0\n")
	return b.Bytes()
}

// upstreamServers picks the resolvers the sandbox may query. Configured
// servers win; otherwise the first file in files that lists a non-loopback
// IPv4 server is used. Loopback servers are unreachable from the namespace.
func upstreamServers(configured []string, files []string) (resolvConf, error) {
	if len(configured) > 0 {
		var rc resolvConf
		for _, raw := range configured {
			addr, err := netip.ParseAddr(strings.TrimSpace(raw))
			if err != nil {
				return resolvConf{}, fmt.Errorf("dns server %q: %w", raw, err)
			}
			rc.servers = append(rc.servers, addr.Unmap())
		}
		return rc, nil
	}

	for _, path := range files {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return resolvConf{}, fmt.Errorf("read %s: %w", path, err)
		}
		rc := parseResolvConf(data)
		usable := rc.servers[:0]
		for _, s := range rc.servers {
			if s.Is4() && !s.IsLoopback() {
				usable = append(usable, s)
			}
		}
		rc.servers = usable
		if len(rc.servers) > 0 {
			return rc, nil
		}
	}
	return resolvConf{}, errors.New("no usable upstream DNS server; set network.dns_servers")
}

// writeResolvConf writes the sandbox resolv.conf into stateDir.
func writeResolvConf(stateDir string, rc resolvConf) (string, error) {
	if err := os.MkdirAll(stateDir, 0o711); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(stateDir, resolvConfName)
	if err := os.WriteFile(path, rc.render(), 0o644); err != nil {
		return "", fmt.Errorf("write resolv.conf: %w", err)
	}
	return path, nil
}

// ResolvConfTarget returns where the generated file must be mounted: the
// host file itself, or the file it links to.
func ResolvConfTarget() string {
	resolved, err := filepath.EvalSymlinks(HostResolvConf)
	if err != nil {
		return HostResolvConf
	}
	return resolved
}
