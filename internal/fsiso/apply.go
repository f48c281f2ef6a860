package fsiso

import (
	"fmt"

	"github.com/neoclaw-ai/aisandbox/internal/failure"
)

// Mounter performs the kernel mount calls of Apply.
type Mounter interface {
	// MakePrivate stops mount events propagating out of the namespace.
	MakePrivate() error
	Bind(source, target string, readOnly bool) error
	Unmount(target string) error
}

// ApplyWith applies plan through m. When a mount fails every mount already
// applied is undone in reverse order before the error is returned.
func ApplyWith(m Mounter, plan Plan) error {
	if err := m.MakePrivate(); err != nil {
		return failure.New(failure.IsolationSetupFailed, failure.StageFilesystem, fmt.Errorf("make mounts private: %w", err))
	}

	applied := make([]string, 0, len(plan))
	for _, mount := range plan {
		if err := m.Bind(mount.Source, mount.Target, mount.ReadOnly); err != nil {
			cause := fmt.Errorf("mount over %q: %w", mount.Target, err)
			for i := len(applied) - 1; i >= 0; i-- {
				if uerr := m.Unmount(applied[i]); uerr != nil {
					cause = fmt.Errorf("%w; undo %q: %v", cause, applied[i], uerr)
				}
			}
			return failure.New(failure.IsolationSetupFailed, failure.StageFilesystem, cause)
		}
		applied = append(applied, mount.Target)
	}
	return nil
}
