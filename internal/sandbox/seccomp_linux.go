//go:build linux

package sandbox

import (
	"fmt"

	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

// execSyscalls are never blocked; the helper needs them to start the command.
var execSyscalls = map[string]bool{"execve": true, "execveat": true}

// loadSyscallBlocklist installs a filter on the calling thread that fails
// every named syscall with EPERM and allows the rest. Names the kernel does
// not know are passed to skip and ignored.
func loadSyscallBlocklist(names []string, skip func(name string, reason error)) error {
	filter, err := seccomp.NewFilter(seccomp.ActAllow)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	defer filter.Release()

	deny := seccomp.ActErrno.SetReturnCode(int16(unix.EPERM))
	added := 0
	for _, name := range names {
		if execSyscalls[name] {
			skip(name, fmt.Errorf("%s is required to start the command", name))
			continue
		}
		call, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			skip(name, err)
			continue
		}
		if err := filter.AddRule(call, deny); err != nil {
			return fmt.Errorf("add seccomp rule for %s: %w", name, err)
		}
		added++
	}
	if added == 0 {
		return nil
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}
