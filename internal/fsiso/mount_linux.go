//go:build linux

package fsiso

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type kernelMounter struct{}

func (kernelMounter) MakePrivate() error {
	return unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, "")
}

func (kernelMounter) Bind(source, target string, readOnly bool) error {
	if err := unix.Mount(source, target, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind mount: %w", err)
	}
	if !readOnly {
		return nil
	}
	flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY | unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC)
	if err := unix.Mount("", target, "", flags, ""); err != nil {
		_ = unix.Unmount(target, unix.MNT_DETACH)
		return fmt.Errorf("remount readonly: %w", err)
	}
	return nil
}

func (kernelMounter) Unmount(target string) error {
	return unix.Unmount(target, unix.MNT_DETACH)
}

// Apply applies plan in the calling process's mount namespace, which must
// already be private to the sandbox.
func Apply(plan Plan) error {
	return ApplyWith(kernelMounter{}, plan)
}
