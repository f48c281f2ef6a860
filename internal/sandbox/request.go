package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/neoclaw-ai/aisandbox/internal/fsiso"
)

// InitCommand is the hidden subcommand the engine re-executes itself as.
const InitCommand = "__init"

// SessionEnvVar carries the session id into the sandboxed environment.
const SessionEnvVar = "AI_SANDBOX_SESSION"

const (
	// requestFD and statusFD are the first two ExtraFiles of the init helper.
	requestFD = 3
	statusFD  = 4
)

// InitRequest is everything the init helper needs to enter the sandbox and
// exec the command. It is written as JSON on fd 3.
type InitRequest struct {
	SessionID string     `json:"session_id"`
	Namespace string     `json:"netns,omitempty"`
	Plan      fsiso.Plan `json:"mounts,omitempty"`
	Cwd       string     `json:"cwd"`
	Argv      []string   `json:"argv"`
	Env       []string   `json:"env"`
	UID       uint32     `json:"uid"`
	GID       uint32     `json:"gid"`
	Groups    []uint32   `json:"groups,omitempty"`
	// TCPPorts is nil when outbound TCP ports are unbounded.
	TCPPorts        []uint16 `json:"tcp_ports,omitempty"`
	Landlock        bool     `json:"landlock"`
	Seccomp         bool     `json:"seccomp"`
	BlockedSyscalls []string `json:"blocked_syscalls,omitempty"`
}

// Validate reports the first field the helper cannot do without.
func (r InitRequest) Validate() error {
	switch {
	case r.SessionID == "":
		return errors.New("session id is required")
	case len(r.Argv) == 0 || r.Argv[0] == "":
		return errors.New("command is required")
	case r.Cwd == "":
		return errors.New("working directory is required")
	}
	return nil
}

// initStatus is what the helper writes on fd 4 when it cannot exec. A clean
// exec closes fd 4 without writing anything.
type initStatus struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

func decodeRequest(r io.Reader) (InitRequest, error) {
	var req InitRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return InitRequest{}, fmt.Errorf("decode init request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return InitRequest{}, fmt.Errorf("invalid init request: %w", err)
	}
	return req, nil
}

// scrubbedPrefixes are engine-side variables the sandboxed process must not
// inherit. Proxy variables are replaced by the session's own.
var scrubbedPrefixes = []string{
	"SUDO_",
	"HTTP_PROXY=", "HTTPS_PROXY=", "NO_PROXY=", "ALL_PROXY=",
	"http_proxy=", "https_proxy=", "no_proxy=", "all_proxy=",
	SessionEnvVar + "=",
}

// BuildEnv derives the sandboxed environment from the engine's: engine-only
// variables are dropped, the identity variables are set for inv, and extra
// is appended last so it wins.
func BuildEnv(base []string, inv Invoker, sessionID string, extra []string) []string {
	overrides := map[string]string{
		"HOME":        inv.Home,
		"USER":        inv.Name,
		"LOGNAME":     inv.Name,
		SessionEnvVar: sessionID,
	}
	out := make([]string, 0, len(base)+len(overrides)+len(extra))
	for _, kv := range base {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || scrubbed(kv) {
			continue
		}
		if _, replaced := overrides[key]; replaced {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if overrides[k] != "" {
			out = append(out, k+"="+overrides[k])
		}
	}
	return append(out, extra...)
}

func scrubbed(kv string) bool {
	for _, prefix := range scrubbedPrefixes {
		if strings.HasPrefix(kv, prefix) {
			return true
		}
	}
	return false
}

// lookupEnv returns the last value of key in env.
func lookupEnv(env []string, key string) string {
	value := ""
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			value = v
		}
	}
	return value
}
