//go:build !linux

package sandbox

import "errors"

// RunInit is only supported on Linux.
func RunInit(_ []string) error {
	return errors.New("sandboxed sessions require linux")
}
