package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/neoclaw-ai/aisandbox/internal/store"
)

// DefaultFileName is the file `create` writes.
const DefaultFileName = "policy.yaml"

const defaultYAML = `# AI Sandbox Security Policy
#
# protected_files are hidden from the sandboxed process. A directory hides its
# whole subtree. Paths may start with ~/ or contain USERNAME.
protected_files:
  - ~/.ssh
  - ~/.env
  - ~/.aws
  - ~/.gnupg
  - ~/.config/gh

# DENY rejects every destination not listed in network_whitelist.
# ALLOW permits everything and ignores the whitelist.
default_network_policy: DENY

# Domains, IPs or CIDRs, optionally with :port.
network_whitelist: []
#  - api.anthropic.com:443
#  - 10.0.0.0/8

# Permit outbound TCP 443 to any host while the posture is DENY.
allow_all_https: false

# Syscalls that fail with EPERM inside the sandbox.
# blocked_syscalls:
#   - ptrace
#   - mount
`

// DefaultYAML returns the policy written by `create`.
func DefaultYAML() []byte {
	return []byte(defaultYAML)
}

// WriteDefault writes the default policy into dir and returns its path. An
// existing file is only replaced when force is set.
func WriteDefault(dir string, force bool) (string, error) {
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve directory %q: %w", dir, err)
	}
	path := filepath.Join(abs, DefaultFileName)

	if !force {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("policy %q already exists: %w", path, os.ErrExist)
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", path, err)
		}
	}

	if err := store.WriteFile(path, DefaultYAML(), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
