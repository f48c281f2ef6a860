package sandbox

import (
	"fmt"
	"os/user"
	"strconv"

	"github.com/neoclaw-ai/aisandbox/internal/policy"
)

// Invoker is the unprivileged user the sandboxed process runs as.
type Invoker struct {
	Name   string
	UID    uint32
	GID    uint32
	Groups []uint32
	Home   string
}

// CurrentInvoker resolves the user behind sudo, or the current user.
func CurrentInvoker() (Invoker, error) {
	name, err := policy.InvokerName()
	if err != nil {
		return Invoker{}, err
	}
	return LookupInvoker(name)
}

// LookupInvoker resolves name with its primary and supplementary groups.
func LookupInvoker(name string) (Invoker, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return Invoker{}, fmt.Errorf("look up user %q: %w", name, err)
	}
	uid, err := parseID(u.Uid)
	if err != nil {
		return Invoker{}, fmt.Errorf("parse uid of %q: %w", name, err)
	}
	gid, err := parseID(u.Gid)
	if err != nil {
		return Invoker{}, fmt.Errorf("parse gid of %q: %w", name, err)
	}
	inv := Invoker{Name: u.Username, UID: uid, GID: gid, Home: u.HomeDir}

	groupIDs, err := u.GroupIds()
	if err != nil {
		return Invoker{}, fmt.Errorf("list groups of %q: %w", name, err)
	}
	for _, raw := range groupIDs {
		g, err := parseID(raw)
		if err != nil {
			continue
		}
		inv.Groups = append(inv.Groups, g)
	}
	return inv, nil
}

// PolicyOptions returns the expansion options for this user's policy paths.
func (i Invoker) PolicyOptions() policy.Options {
	return policy.Options{User: i.Name, HomeDir: i.Home}
}

func parseID(raw string) (uint32, error) {
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
