package cli

import (
	"bytes"
	"context"
	"os"
	"os/user"
	"path/filepath"
	"testing"
	"time"

	"github.com/neoclaw-ai/aisandbox/internal/config"
	"github.com/neoclaw-ai/aisandbox/internal/registry"
	"github.com/neoclaw-ai/aisandbox/internal/sandbox"
)

type testEnv struct {
	home     string
	registry string
	runDir   string
}

// createTestHome points AI_SANDBOX_HOME at a temp dir whose config keeps all
// state under the same temp dir.
func createTestHome(t *testing.T) testEnv {
	t.Helper()
	root := t.TempDir()
	env := testEnv{
		home:     filepath.Join(root, "etc"),
		registry: filepath.Join(root, "lib", "sessions.json"),
		runDir:   filepath.Join(root, "run"),
	}
	t.Setenv(config.HomeEnv, env.home)
	if err := os.MkdirAll(env.home, 0o755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	body := "[state]\nregistry_path = \"" + env.registry + "\"\nrun_dir = \"" + env.runDir + "\"\n"
	if err := os.WriteFile(filepath.Join(env.home, "config.toml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return env
}

// useCurrentUser makes policy expansion resolve to the account running the test.
func useCurrentUser(t *testing.T) *user.User {
	t.Helper()
	u, err := user.Current()
	if err != nil {
		t.Skipf("current user unavailable: %v", err)
	}
	t.Setenv("SUDO_USER", "")
	t.Setenv("USER", u.Username)
	return u
}

// asRoot stubs the privilege check for the duration of the test.
func asRoot(t *testing.T) {
	t.Helper()
	orig := requireRoot
	t.Cleanup(func() { requireRoot = orig })
	requireRoot = func(string) error { return nil }
}

// withRegistryManager replaces the kernel-backed manager with one that only
// has a registry, which is all stop and destroy need for settled sessions.
func withRegistryManager(t *testing.T) {
	t.Helper()
	orig := managerFactory
	t.Cleanup(func() { managerFactory = orig })
	managerFactory = func(cfg *config.Config) (*sandbox.Manager, error) {
		reg, err := registry.Open(cfg.RegistryPath())
		if err != nil {
			return nil, err
		}
		return &sandbox.Manager{Registry: reg, Options: sandbox.Options{RunDir: cfg.RunDir()}}, nil
	}
}

func seedSession(t *testing.T, env testEnv, s registry.Session) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(env.registry), 0o755); err != nil {
		t.Fatalf("mkdir registry dir: %v", err)
	}
	reg, err := registry.Open(env.registry)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	if err := reg.Put(context.Background(), s); err != nil {
		t.Fatalf("put session: %v", err)
	}
}

func testSession(id string, status registry.Status) registry.Session {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := registry.Session{
		ID:         id,
		PID:        4242,
		EnginePID:  4241,
		User:       "alice",
		Policy:     "/home/alice/project/policy.yaml",
		PolicyHash: "abc123",
		Cwd:        "/home/alice/project",
		Command:    []string{"claude", "--resume"},
		Started:    started,
		Status:     status,
	}
	if status.Terminal() {
		ended := started.Add(time.Minute)
		code := 0
		s.Ended = &ended
		s.ExitCode = &code
	}
	return s
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCmd()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}
