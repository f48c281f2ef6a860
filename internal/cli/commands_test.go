package cli

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/neoclaw-ai/aisandbox/internal/policy"
	"github.com/neoclaw-ai/aisandbox/internal/registry"
)

func TestCreateWritesDefaultPolicy(t *testing.T) {
	dir := t.TempDir()

	out, _, err := execute(t, "create", dir)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	path := filepath.Join(dir, policy.DefaultFileName)
	if strings.TrimSpace(out) != "Created "+path {
		t.Fatalf("unexpected output %q", out)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read policy: %v", err)
	}
	if string(data) != string(policy.DefaultYAML()) {
		t.Fatalf("policy content differs from default")
	}

	if _, _, err := execute(t, "create", dir); !errors.Is(err, os.ErrExist) {
		t.Fatalf("expected ErrExist on second create, got %v", err)
	}
	if _, _, err := execute(t, "create", dir, "--force"); err != nil {
		t.Fatalf("create --force: %v", err)
	}
}

func TestShowPrintsNormalizedPolicy(t *testing.T) {
	u := useCurrentUser(t)
	path := filepath.Join(t.TempDir(), "policy.yaml")
	body := `protected_files:
  - ~/.ssh
default_network_policy: DENY
network_whitelist:
  - api.anthropic.com:443
  - 10.0.0.0/8
blocked_syscalls:
  - ptrace
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	out, _, err := execute(t, "show", path)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	for _, want := range []string{
		"Policy:           " + path,
		"Network:          DENY (allow_all_https: false)",
		filepath.Join(u.HomeDir, ".ssh"),
		"api.anthropic.com:443",
		"10.0.0.0/8",
		"Blocked syscalls: ptrace",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("show output missing %q:\n%s", want, out)
		}
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	useCurrentUser(t)
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	body := `default_network_policy: MAYBE
network_whitelist:
  - "not a host!"
`
	if err := os.WriteFile(bad, []byte(body), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	_, stderr, err := execute(t, "validate", bad)
	var verrs policy.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	if len(verrs) < 2 {
		t.Fatalf("expected both problems reported, got %v", verrs)
	}
	if got := strings.Count(stderr, bad+": "); got != len(verrs) {
		t.Fatalf("expected %d stderr lines, got %d:\n%s", len(verrs), got, stderr)
	}

	good, err := policy.WriteDefault(dir, false)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	out, _, err := execute(t, "validate", good)
	if err != nil {
		t.Fatalf("validate default: %v", err)
	}
	if strings.TrimSpace(out) != good+": valid" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestListFiltersRunningSessions(t *testing.T) {
	env := createTestHome(t)
	seedSession(t, env, testSession("11111111-0000-0000-0000-000000000001", registry.StatusRunning))
	seedSession(t, env, testSession("22222222-0000-0000-0000-000000000002", registry.StatusStopped))

	out, _, err := execute(t, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "11111111-0000-0000-0000-000000000001") || strings.Contains(out, "22222222") {
		t.Fatalf("list should only show running sessions:\n%s", out)
	}
	if !strings.Contains(out, "claude --resume") {
		t.Fatalf("list should show the command:\n%s", out)
	}

	out, _, err = execute(t, "list", "--all")
	if err != nil {
		t.Fatalf("list --all: %v", err)
	}
	if !strings.Contains(out, "22222222-0000-0000-0000-000000000002") || !strings.Contains(out, "stopped (0)") {
		t.Fatalf("list --all should include finished sessions:\n%s", out)
	}
}

func TestListJSON(t *testing.T) {
	env := createTestHome(t)
	seedSession(t, env, testSession("11111111-0000-0000-0000-000000000001", registry.StatusRunning))

	out, _, err := execute(t, "list", "--json")
	if err != nil {
		t.Fatalf("list --json: %v", err)
	}
	var doc struct {
		Sessions []registry.Session `json:"sessions"`
	}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if len(doc.Sessions) != 1 || doc.Sessions[0].PID != 4242 {
		t.Fatalf("unexpected sessions %+v", doc.Sessions)
	}
}

func TestListEmpty(t *testing.T) {
	createTestHome(t)

	out, _, err := execute(t, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if strings.TrimSpace(out) != "No sessions." {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestStopFinishedSessionIsNoop(t *testing.T) {
	env := createTestHome(t)
	asRoot(t)
	withRegistryManager(t)
	id := "33333333-0000-0000-0000-000000000003"
	seedSession(t, env, testSession(id, registry.StatusStopped))

	out, _, err := execute(t, "stop", id)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if strings.TrimSpace(out) != "Session "+id+" stopped" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestStopUnknownSession(t *testing.T) {
	createTestHome(t)
	asRoot(t)
	withRegistryManager(t)

	if _, _, err := execute(t, "stop", "missing"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDestroyFinalizesStaleSessions(t *testing.T) {
	env := createTestHome(t)
	asRoot(t)
	withRegistryManager(t)

	// Neither pid can belong to a live process.
	stale := testSession("44444444-0000-0000-0000-000000000004", registry.StatusRunning)
	stale.PID = 999999999
	stale.EnginePID = 0
	seedSession(t, env, stale)

	out, _, err := execute(t, "destroy")
	if err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if !strings.Contains(out, "finalized session "+stale.ID) {
		t.Fatalf("expected stale session finalized:\n%s", out)
	}

	reg, err := registry.Open(env.registry)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	got, err := reg.Get(t.Context(), stale.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != registry.StatusFailed || got.Ended == nil {
		t.Fatalf("expected failed record with end time, got %+v", got)
	}
	if _, err := os.Stat(env.runDir); err != nil {
		t.Fatalf("destroy should initialize the run dir: %v", err)
	}
}

func TestConfigPrintsMergedSettings(t *testing.T) {
	env := createTestHome(t)

	out, _, err := execute(t, "config")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	for _, want := range []string{env.registry, "subnet_pool", "stop_grace", "5s", "@every 5m"} {
		if !strings.Contains(out, want) {
			t.Fatalf("config output missing %q:\n%s", want, out)
		}
	}
}
