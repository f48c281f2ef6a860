package netiso

import (
	"errors"
	"fmt"
	"net/netip"
)

// Subnet is the /30 linking one sandbox to the host.
type Subnet struct {
	Prefix  netip.Prefix
	Host    netip.Addr
	Sandbox netip.Addr
}

// ErrPoolExhausted means every /30 in the pool is taken.
var ErrPoolExhausted = errors.New("subnet pool exhausted")

// Allocate returns the first /30 in pool that does not overlap used.
func Allocate(pool netip.Prefix, used []netip.Prefix) (Subnet, error) {
	pool = pool.Masked()
	if !pool.Addr().Is4() || pool.Bits() > 30 {
		return Subnet{}, fmt.Errorf("subnet pool %s must be an IPv4 prefix of /30 or larger", pool)
	}

	for base := pool.Addr(); pool.Contains(base); {
		candidate := netip.PrefixFrom(base, 30)
		free := true
		for _, u := range used {
			if u.Overlaps(candidate) {
				free = false
				break
			}
		}
		if free {
			host := base.Next()
			return Subnet{Prefix: candidate, Host: host, Sandbox: host.Next()}, nil
		}
		next, ok := advance(base, 4)
		if !ok {
			break
		}
		base = next
	}
	return Subnet{}, fmt.Errorf("%w: %s", ErrPoolExhausted, pool)
}

func advance(addr netip.Addr, n int) (netip.Addr, bool) {
	for i := 0; i < n; i++ {
		addr = addr.Next()
		if !addr.IsValid() {
			return netip.Addr{}, false
		}
	}
	return addr, true
}
