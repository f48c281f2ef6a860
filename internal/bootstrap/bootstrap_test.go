package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/neoclaw-ai/aisandbox/internal/config"
	"github.com/neoclaw-ai/aisandbox/internal/registry"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.HomeDir = filepath.Join(root, "etc")
	cfg.State.RegistryPath = filepath.Join(root, "lib", "sessions.json")
	cfg.State.RunDir = filepath.Join(root, "run", "ai-sandbox")
	return cfg
}

func TestInitializeCreatesStateTree(t *testing.T) {
	cfg := testConfig(t)
	if err := Initialize(cfg); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	info, err := os.Stat(cfg.RunDir())
	if err != nil {
		t.Fatalf("stat run dir: %v", err)
	}
	if info.Mode().Perm() != 0o711 {
		t.Fatalf("expected run dir mode 0711, got %o", info.Mode().Perm())
	}

	reg, err := registry.Open(cfg.RegistryPath())
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	sessions, err := reg.List(context.Background())
	if err != nil {
		t.Fatalf("seeded registry must parse: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected empty registry, got %d", len(sessions))
	}
}

func TestInitializeKeepsExistingRegistry(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(filepath.Dir(cfg.RegistryPath()), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	existing := []byte(`{"sessions":[{"id":"x"}]}`)
	if err := os.WriteFile(cfg.RegistryPath(), existing, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := Initialize(cfg); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	got, err := os.ReadFile(cfg.RegistryPath())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(existing) {
		t.Fatalf("registry was overwritten: %s", got)
	}
}
