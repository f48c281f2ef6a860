//go:build !linux

package sandbox

import (
	"context"
	"errors"

	"github.com/neoclaw-ai/aisandbox/internal/failure"
)

// Start is only supported on Linux.
func (s *InitSpawner) Start(context.Context, InitRequest) (Process, error) {
	return nil, failure.New(failure.IsolationSetupFailed, failure.StageSpawn, errors.New("sandboxed sessions require linux"))
}
