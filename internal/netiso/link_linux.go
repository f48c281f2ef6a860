//go:build linux

package netiso

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"runtime"
	"strings"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

const (
	netnsDir       = "/run/netns"
	ipForwardPath  = "/proc/sys/net/ipv4/ip_forward"
	loopbackDevice = "lo"
)

type kernelLinks struct{}

// NewLinks returns the netlink-backed Links.
func NewLinks() Links {
	return kernelLinks{}
}

func (kernelLinks) CreateNamespace(name string) error {
	done := make(chan error, 1)
	go func() {
		// NewNamed switches the calling thread into the new namespace. If the
		// switch back fails the thread stays locked and exits with the goroutine.
		runtime.LockOSThread()
		origin, err := netns.Get()
		if err != nil {
			done <- fmt.Errorf("get current netns: %w", err)
			return
		}
		defer origin.Close()

		created, err := netns.NewNamed(name)
		if err != nil {
			if serr := netns.Set(origin); serr == nil {
				runtime.UnlockOSThread()
			}
			done <- fmt.Errorf("create netns %s: %w", name, err)
			return
		}
		created.Close()
		if err := netns.Set(origin); err != nil {
			done <- fmt.Errorf("restore netns: %w", err)
			return
		}
		runtime.UnlockOSThread()
		done <- nil
	}()
	return <-done
}

func (kernelLinks) DeleteNamespace(name string) error {
	if _, err := os.Stat(netnsDir + "/" + name); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := netns.DeleteNamed(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete netns %s: %w", name, err)
	}
	return nil
}

func (kernelLinks) Namespaces() ([]string, error) {
	entries, err := os.ReadDir(netnsDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", netnsDir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (kernelLinks) CreateVeth(n Names, sub Subnet) error {
	veth := &netlink.Veth{LinkAttrs: netlink.LinkAttrs{Name: n.HostVeth}, PeerName: n.PeerVeth}
	if err := netlink.LinkAdd(veth); err != nil {
		return fmt.Errorf("add veth %s: %w", n.HostVeth, err)
	}

	ns, err := netns.GetFromName(n.Namespace)
	if err != nil {
		return fmt.Errorf("open netns %s: %w", n.Namespace, err)
	}
	defer ns.Close()

	peer, err := netlink.LinkByName(n.PeerVeth)
	if err != nil {
		return fmt.Errorf("find %s: %w", n.PeerVeth, err)
	}
	if err := netlink.LinkSetNsFd(peer, int(ns)); err != nil {
		return fmt.Errorf("move %s into %s: %w", n.PeerVeth, n.Namespace, err)
	}

	host, err := netlink.LinkByName(n.HostVeth)
	if err != nil {
		return fmt.Errorf("find %s: %w", n.HostVeth, err)
	}
	if err := netlink.AddrAdd(host, addrOf(sub.Host, sub.Prefix.Bits())); err != nil {
		return fmt.Errorf("address %s: %w", n.HostVeth, err)
	}
	if err := netlink.LinkSetUp(host); err != nil {
		return fmt.Errorf("bring up %s: %w", n.HostVeth, err)
	}

	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		return fmt.Errorf("netlink handle in %s: %w", n.Namespace, err)
	}
	defer h.Close()

	inner, err := h.LinkByName(n.PeerVeth)
	if err != nil {
		return fmt.Errorf("find %s in %s: %w", n.PeerVeth, n.Namespace, err)
	}
	if err := h.LinkSetName(inner, SandboxIface); err != nil {
		return fmt.Errorf("rename %s: %w", n.PeerVeth, err)
	}
	if inner, err = h.LinkByName(SandboxIface); err != nil {
		return fmt.Errorf("find %s in %s: %w", SandboxIface, n.Namespace, err)
	}
	if err := h.AddrAdd(inner, addrOf(sub.Sandbox, sub.Prefix.Bits())); err != nil {
		return fmt.Errorf("address %s: %w", SandboxIface, err)
	}
	if err := h.LinkSetUp(inner); err != nil {
		return fmt.Errorf("bring up %s: %w", SandboxIface, err)
	}
	lo, err := h.LinkByName(loopbackDevice)
	if err != nil {
		return fmt.Errorf("find lo: %w", err)
	}
	if err := h.LinkSetUp(lo); err != nil {
		return fmt.Errorf("bring up lo: %w", err)
	}
	route := &netlink.Route{LinkIndex: inner.Attrs().Index, Gw: net.IP(sub.Host.AsSlice())}
	if err := h.RouteAdd(route); err != nil {
		return fmt.Errorf("add default route: %w", err)
	}
	return nil
}

func (kernelLinks) DeleteLink(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("find %s: %w", name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

func (kernelLinks) Links() ([]string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	names := make([]string, 0, len(links))
	for _, l := range links {
		names = append(names, l.Attrs().Name)
	}
	return names, nil
}

func (kernelLinks) UsedSubnets(pool netip.Prefix) ([]netip.Prefix, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	var used []netip.Prefix
	for _, l := range links {
		if !strings.HasPrefix(l.Attrs().Name, LinkPrefix) {
			continue
		}
		addrs, err := netlink.AddrList(l, netlink.FAMILY_V4)
		if err != nil {
			return nil, fmt.Errorf("list addresses of %s: %w", l.Attrs().Name, err)
		}
		for _, a := range addrs {
			ip, ok := netip.AddrFromSlice(a.IP)
			if !ok {
				continue
			}
			bits, _ := a.Mask.Size()
			prefix := netip.PrefixFrom(ip.Unmap(), bits)
			if prefix.Overlaps(pool) {
				used = append(used, prefix)
			}
		}
	}
	return used, nil
}

func (kernelLinks) EnableForwarding() error {
	if err := os.WriteFile(ipForwardPath, []byte("1\n"), 0o644); err != nil {
		return fmt.Errorf("enable ip forwarding: %w", err)
	}
	return nil
}

func addrOf(ip netip.Addr, bits int) *netlink.Addr {
	return &netlink.Addr{IPNet: &net.IPNet{IP: net.IP(ip.AsSlice()), Mask: net.CIDRMask(bits, 32)}}
}
