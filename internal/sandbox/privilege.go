package sandbox

import (
	"os"

	"github.com/neoclaw-ai/aisandbox/internal/failure"
)

var geteuid = os.Geteuid

// RequireRoot fails with PrivilegeRequired unless the engine runs as root.
// op names the command in the message.
func RequireRoot(op string) error {
	if geteuid() == 0 {
		return nil
	}
	return failure.Newf(failure.PrivilegeRequired, failure.StagePrivilege, "%s creates or removes kernel isolation resources; run it with sudo", op)
}
