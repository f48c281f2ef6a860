//go:build !linux

package netiso

import (
	"errors"
	"net/netip"
)

var errUnsupported = errors.New("network namespaces require linux")

type unsupportedLinks struct{}

// NewLinks returns a Links that fails every operation.
func NewLinks() Links {
	return unsupportedLinks{}
}

func (unsupportedLinks) CreateNamespace(string) error { return errUnsupported }
func (unsupportedLinks) DeleteNamespace(string) error { return nil }
func (unsupportedLinks) Namespaces() ([]string, error) { return nil, nil }
func (unsupportedLinks) CreateVeth(Names, Subnet) error { return errUnsupported }
func (unsupportedLinks) DeleteLink(string) error { return nil }
func (unsupportedLinks) Links() ([]string, error) { return nil, nil }
func (unsupportedLinks) UsedSubnets(netip.Prefix) ([]netip.Prefix, error) { return nil, nil }
func (unsupportedLinks) EnableForwarding() error { return errUnsupported }
