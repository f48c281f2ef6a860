// Package fsiso hides protected paths from a sandboxed process by bind-mounting
// inaccessible placeholders over them inside a private mount namespace.
package fsiso

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/neoclaw-ai/aisandbox/internal/failure"
	"github.com/neoclaw-ai/aisandbox/internal/policy"
)

const (
	placeholderDirName  = "hidden-dir"
	placeholderFileName = "hidden-file"
)

// placeholderTime is stamped on placeholders so their metadata says nothing
// about the file they cover.
var placeholderTime = time.Unix(0, 0)

// Mount is one bind mount applied inside the sandbox.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// Plan is the ordered list of mounts applied inside the sandbox.
type Plan []Mount

// Targets returns every mount target in plan order.
func (p Plan) Targets() []string {
	out := make([]string, 0, len(p))
	for _, m := range p {
		out = append(out, m.Target)
	}
	return out
}

// Unit prepares filesystem views on the host.
type Unit struct {
	Logger *slog.Logger
}

// Handle is one prepared filesystem view.
type Handle struct {
	StateDir string
	Plan     Plan
	// Skipped lists protected paths that did not exist at prepare time.
	Skipped []string

	mu       sync.Mutex
	released bool
}

// Prepare creates the placeholders under stateDir and computes the mount plan
// for p. Extra mounts, such as the generated resolv.conf, are appended after
// the protected paths.
func (u *Unit) Prepare(p *policy.Policy, stateDir string, extra []Mount) (*Handle, error) {
	logger := u.logger()
	if stateDir == "" || !filepath.IsAbs(stateDir) {
		return nil, failure.Newf(failure.IsolationSetupFailed, failure.StageFilesystem, "state dir %q must be absolute", stateDir)
	}
	if err := os.MkdirAll(stateDir, 0o711); err != nil {
		return nil, failure.New(failure.IsolationSetupFailed, failure.StageFilesystem, fmt.Errorf("create state dir: %w", err))
	}

	h := &Handle{StateDir: stateDir}
	dirPlaceholder, filePlaceholder, err := createPlaceholders(stateDir)
	if err != nil {
		return nil, failure.New(failure.IsolationSetupFailed, failure.StageFilesystem, err)
	}

	for _, path := range collapse(p.ProtectedPaths) {
		info, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("protected path does not exist, skipping", "path", path)
			h.Skipped = append(h.Skipped, path)
			continue
		}
		if err != nil {
			return nil, failure.New(failure.IsolationSetupFailed, failure.StageFilesystem, fmt.Errorf("stat protected path %q: %w", path, err))
		}
		source := filePlaceholder
		if info.IsDir() {
			source = dirPlaceholder
		}
		h.Plan = append(h.Plan, Mount{Source: source, Target: path, ReadOnly: true})
	}
	h.Plan = append(h.Plan, extra...)

	logger.Debug("filesystem plan prepared", "state_dir", stateDir, "mounts", len(h.Plan), "skipped", len(h.Skipped))
	return h, nil
}

// Release removes the state dir. It is safe to call more than once.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	if err := RemoveStateDir(h.StateDir); err != nil {
		return failure.New(failure.IsolationTeardownFailed, failure.StageFilesystem, err)
	}
	h.released = true
	return nil
}

func (u *Unit) logger() *slog.Logger {
	if u != nil && u.Logger != nil {
		return u.Logger
	}
	return slog.Default()
}

func createPlaceholders(stateDir string) (string, string, error) {
	dir := filepath.Join(stateDir, placeholderDirName)
	if err := os.Mkdir(dir, 0o000); err != nil && !errors.Is(err, os.ErrExist) {
		return "", "", fmt.Errorf("create placeholder directory: %w", err)
	}
	file := filepath.Join(stateDir, placeholderFileName)
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY, 0o000)
	if err != nil {
		return "", "", fmt.Errorf("create placeholder file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", "", fmt.Errorf("close placeholder file: %w", err)
	}

	for _, path := range []string{dir, file} {
		// Mkdir and OpenFile are subject to umask; the mode must be exact.
		if err := os.Chmod(path, 0o000); err != nil {
			return "", "", fmt.Errorf("chmod placeholder %q: %w", path, err)
		}
		if os.Geteuid() == 0 {
			if err := os.Lchown(path, 0, 0); err != nil {
				return "", "", fmt.Errorf("chown placeholder %q: %w", path, err)
			}
		}
		if err := os.Chtimes(path, placeholderTime, placeholderTime); err != nil {
			return "", "", fmt.Errorf("stamp placeholder %q: %w", path, err)
		}
	}
	return dir, file, nil
}

// RemoveStateDir deletes dir even though placeholders inside are mode 0000.
// A missing dir is not an error.
func RemoveStateDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.Chmod(filepath.Join(dir, placeholderDirName), 0o700); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("unlock placeholder directory: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove state dir %q: %w", dir, err)
	}
	return nil
}

// collapse sorts paths and drops any path nested under another protected path;
// the ancestor's placeholder already hides it.
func collapse(paths []string) []string {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	var out []string
next:
	for _, p := range sorted {
		for _, kept := range out {
			if within(p, kept) {
				continue next
			}
		}
		out = append(out, p)
	}
	return out
}

func within(path, ancestor string) bool {
	if path == ancestor {
		return true
	}
	if ancestor == "/" {
		return true
	}
	return strings.HasPrefix(path, ancestor+"/")
}

// ReclaimStateDirs removes session state dirs under runDir whose id keep does
// not accept. It returns the removed paths.
func ReclaimStateDirs(runDir string, keep func(id string) bool) ([]string, []error) {
	entries, err := os.ReadDir(runDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, []error{fmt.Errorf("read run dir: %w", err)}
	}
	var removed []string
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() || keep(entry.Name()) {
			continue
		}
		path := filepath.Join(runDir, entry.Name())
		if err := RemoveStateDir(path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, path)
	}
	return removed, errs
}
