package netiso

import "net/netip"

// Links creates and removes the namespace and veth pair of a session.
type Links interface {
	CreateNamespace(name string) error
	DeleteNamespace(name string) error
	Namespaces() ([]string, error)
	// CreateVeth creates the pair, moves the peer into the namespace as eth0,
	// addresses both ends and routes the namespace through the host end.
	CreateVeth(n Names, sub Subnet) error
	DeleteLink(name string) error
	Links() ([]string, error)
	// UsedSubnets returns the addresses of engine links inside pool.
	UsedSubnets(pool netip.Prefix) ([]netip.Prefix, error)
	EnableForwarding() error
}
