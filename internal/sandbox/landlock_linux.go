//go:build linux

package sandbox

import (
	"errors"
	"fmt"

	"github.com/landlock-lsm/go-landlock/landlock"
	"golang.org/x/sys/unix"
)

// landlockNetABI is the first Landlock ABI that can restrict TCP connect.
const landlockNetABI = 4

// landlockABI returns the kernel's Landlock ABI version, 0 when unavailable.
func landlockABI() int {
	abi, _, errno := unix.Syscall(
		unix.SYS_LANDLOCK_CREATE_RULESET,
		0,
		0,
		uintptr(unix.LANDLOCK_CREATE_RULESET_VERSION),
	)
	if errno != 0 {
		return 0
	}
	return int(abi)
}

// restrictTCPConnect limits outbound TCP connects of the calling process and
// its descendants to ports. It applies to every thread.
func restrictTCPConnect(ports []uint16) error {
	if abi := landlockABI(); abi < landlockNetABI {
		return fmt.Errorf("landlock network rules need ABI %d, kernel has %d", landlockNetABI, abi)
	}
	if len(ports) == 0 {
		return errors.New("no tcp ports to allow")
	}
	rules := make([]landlock.Rule, 0, len(ports))
	for _, port := range ports {
		rules = append(rules, landlock.ConnectTCP(port))
	}
	if err := landlock.V4.BestEffort().RestrictNet(rules...); err != nil {
		return fmt.Errorf("restrict tcp connect with landlock: %w", err)
	}
	return nil
}
