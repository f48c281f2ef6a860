package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/neoclaw-ai/aisandbox/internal/config"
)

// emptyRegistry lets read-only tools parse the registry before the first
// session has run.
const emptyRegistry = "{\n  \"sessions\": []\n}\n"

// Initialize creates the state tree privileged commands rely on if missing.
func Initialize(cfg *config.Config) error {
	dirs := []struct {
		path string
		perm os.FileMode
	}{
		{path: filepath.Dir(cfg.RegistryPath()), perm: 0o755},
		// Sandboxed users traverse into their session dir for the bind
		// mount sources but cannot list other sessions.
		{path: cfg.RunDir(), perm: 0o711},
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir.path, dir.perm); err != nil {
			return fmt.Errorf("create directory %q: %w", dir.path, err)
		}
		if err := os.Chmod(dir.path, dir.perm); err != nil {
			return fmt.Errorf("chmod directory %q: %w", dir.path, err)
		}
	}

	return writeFileIfMissing(cfg.RegistryPath(), emptyRegistry)
}

func writeFileIfMissing(path, content string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %q: %w", path, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write file %q: %w", path, err)
	}
	return nil
}
