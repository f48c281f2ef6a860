package policy

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// usernamePlaceholder is replaced with the invoking user's login name.
const usernamePlaceholder = "USERNAME"

// Options carries the identity used to expand protected paths.
type Options struct {
	// User is the login name of the principal the sandbox protects.
	User string
	// HomeDir is that principal's home directory.
	HomeDir string
}

// InvokerName returns the login name of the user the engine acts for,
// preferring SUDO_USER over USER so that `sudo ai-run run` protects the
// caller's files rather than root's.
func InvokerName() (string, error) {
	if name := strings.TrimSpace(os.Getenv("SUDO_USER")); name != "" {
		return name, nil
	}
	if name := strings.TrimSpace(os.Getenv("USER")); name != "" {
		return name, nil
	}
	current, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("detect invoking user: %w", err)
	}
	return current.Username, nil
}

// OptionsForInvoker resolves the invoking user's name and home directory.
func OptionsForInvoker() (Options, error) {
	name, err := InvokerName()
	if err != nil {
		return Options{}, err
	}
	u, err := user.Lookup(name)
	if err != nil {
		return Options{}, fmt.Errorf("look up user %q: %w", name, err)
	}
	return Options{User: u.Username, HomeDir: u.HomeDir}, nil
}

// normalizePath expands ~ and USERNAME, cleans the result and resolves
// symlinks when the path exists, so enforcement bind-mounts the canonical
// location and never has to resolve paths again.
func (o Options) normalizePath(raw string) (string, error) {
	path := strings.TrimSpace(raw)
	if strings.Contains(path, usernamePlaceholder) {
		if o.User == "" {
			return "", errors.New("USERNAME placeholder used but invoking user is unknown")
		}
		path = strings.ReplaceAll(path, usernamePlaceholder, o.User)
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		if o.HomeDir == "" {
			return "", errors.New("~ used but home directory is unknown")
		}
		path = filepath.Join(o.HomeDir, strings.TrimPrefix(path, "~"))
	}

	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("path %q is not absolute", path)
	}
	path = filepath.Clean(path)

	resolved, err := filepath.EvalSymlinks(path)
	switch {
	case err == nil:
		return resolved, nil
	case errors.Is(err, os.ErrNotExist):
		return path, nil
	default:
		return "", fmt.Errorf("resolve symlinks: %w", err)
	}
}
