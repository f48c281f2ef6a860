// Package netiso confines a sandboxed process to a dedicated network
// namespace whose only path out is a veth pair filtered by a per-session
// iptables chain that rejects, never drops, what the policy does not permit.
package netiso

import (
	"strings"
)

const (
	// LinkPrefix starts every namespace and veth name the engine creates.
	LinkPrefix = "aisbx"
	// ChainPrefix starts every per-session filter chain.
	ChainPrefix = "AISBX-"
	// CommentPrefix labels rules that live in shared chains.
	CommentPrefix = "ai-sandbox:"
	// SandboxIface is the name of the veth peer inside the namespace.
	SandboxIface = "eth0"

	shortLen = 8
)

// Names are the kernel-visible names of one session's network resources.
type Names struct {
	Short     string
	Namespace string
	HostVeth  string
	PeerVeth  string
	Chain     string
	Comment   string
}

// NamesFor derives resource names from a session id. Interface names stay
// within the kernel's 15 byte limit.
func NamesFor(sessionID string) Names {
	short := ShortID(sessionID)
	return Names{
		Short:     short,
		Namespace: LinkPrefix + "-" + short,
		HostVeth:  LinkPrefix + short + "h",
		PeerVeth:  LinkPrefix + short + "p",
		Chain:     ChainPrefix + short,
		Comment:   CommentPrefix + sessionID,
	}
}

// ShortID returns the id prefix embedded in resource names.
func ShortID(sessionID string) string {
	compact := strings.ReplaceAll(strings.ToLower(sessionID), "-", "")
	if len(compact) > shortLen {
		return compact[:shortLen]
	}
	return compact
}

// shortFromNamespace extracts the short id from an engine namespace name.
func shortFromNamespace(name string) (string, bool) {
	short, ok := strings.CutPrefix(name, LinkPrefix+"-")
	return short, ok && short != ""
}

// shortFromLink extracts the short id from an engine host veth name.
func shortFromLink(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, LinkPrefix)
	if !ok || len(rest) != shortLen+1 {
		return "", false
	}
	if rest[shortLen] != 'h' && rest[shortLen] != 'p' {
		return "", false
	}
	return rest[:shortLen], true
}

// shortFromChain extracts the short id from an engine chain name.
func shortFromChain(name string) (string, bool) {
	short, ok := strings.CutPrefix(name, ChainPrefix)
	return strings.ToLower(short), ok && short != ""
}

// shortFromComment extracts the short id from a rule comment label.
func shortFromComment(rule string) (string, bool) {
	idx := strings.Index(rule, CommentPrefix)
	if idx < 0 {
		return "", false
	}
	rest := rule[idx+len(CommentPrefix):]
	if end := strings.IndexAny(rest, "\" "); end >= 0 {
		rest = rest[:end]
	}
	if rest == "" {
		return "", false
	}
	return ShortID(rest), true
}
