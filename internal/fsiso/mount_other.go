//go:build !linux

package fsiso

import (
	"errors"

	"github.com/neoclaw-ai/aisandbox/internal/failure"
)

// Apply is only supported on Linux.
func Apply(plan Plan) error {
	return failure.New(failure.IsolationSetupFailed, failure.StageFilesystem, errors.New("mount namespaces require linux"))
}
