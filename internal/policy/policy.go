// Package policy loads and validates the declarative isolation policy: which
// paths a sandboxed process may not see and which destinations it may reach.
package policy

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/neoclaw-ai/aisandbox/internal/failure"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// Posture is the default network stance.
type Posture string

const (
	// PostureDeny rejects everything not whitelisted.
	PostureDeny Posture = "DENY"
	// PostureAllow passes all traffic; the whitelist is ignored.
	PostureAllow Posture = "ALLOW"
)

// HTTPSPort is the port opened by allow_all_https.
const HTTPSPort = 443

// Document is the policy file as written on disk.
type Document struct {
	ProtectedFiles       []string `yaml:"protected_files"`
	NetworkWhitelist     []string `yaml:"network_whitelist"`
	DefaultNetworkPolicy string   `yaml:"default_network_policy"`
	AllowAllHTTPS        bool     `yaml:"allow_all_https"`
	BlockedSyscalls      []string `yaml:"blocked_syscalls,omitempty"`
}

// Policy is a validated, normalized policy. It is not modified after Load.
type Policy struct {
	// Source is the absolute path the policy was loaded from, if any.
	Source string
	// Hash is the hex blake3 digest of the raw policy bytes.
	Hash string

	ProtectedPaths  []string
	Whitelist       []Endpoint
	Posture         Posture
	AllowAllHTTPS   bool
	BlockedSyscalls []string
}

// ValidationError describes one invalid policy value.
type ValidationError struct {
	Field   string
	Index   int // -1 for scalar fields
	Message string
}

func (e ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("%s[%d]: %s", e.Field, e.Index, e.Message)
}

// ValidationErrors aggregates every problem found in one policy.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, 0, len(v))
	for _, e := range v {
		msgs = append(msgs, e.Error())
	}
	return "invalid policy:\n  " + strings.Join(msgs, "\n  ")
}

var syscallName = regexp.MustCompile(`^[a-z0-9_]+$`)

// Validate checks raw document values before normalization.
func (d Document) Validate() ValidationErrors {
	var errs ValidationErrors

	for i, raw := range d.ProtectedFiles {
		trimmed := strings.TrimSpace(raw)
		switch {
		case trimmed == "":
			errs = append(errs, ValidationError{Field: "protected_files", Index: i, Message: "path is empty"})
		case !strings.HasPrefix(trimmed, "/") && trimmed != "~" && !strings.HasPrefix(trimmed, "~/"):
			errs = append(errs, ValidationError{Field: "protected_files", Index: i, Message: fmt.Sprintf("path %q must be absolute or start with ~/", trimmed)})
		}
	}

	for i, raw := range d.NetworkWhitelist {
		if _, err := ParseEndpoint(raw); err != nil {
			errs = append(errs, ValidationError{Field: "network_whitelist", Index: i, Message: err.Error()})
		}
	}

	if _, err := parsePosture(d.DefaultNetworkPolicy); err != nil {
		errs = append(errs, ValidationError{Field: "default_network_policy", Index: -1, Message: err.Error()})
	}

	for i, raw := range d.BlockedSyscalls {
		if !syscallName.MatchString(strings.TrimSpace(raw)) {
			errs = append(errs, ValidationError{Field: "blocked_syscalls", Index: i, Message: fmt.Sprintf("invalid syscall name %q", raw)})
		}
	}

	return errs
}

// Validate checks the invariants of a normalized policy.
func (p *Policy) Validate() ValidationErrors {
	var errs ValidationErrors
	for i, path := range p.ProtectedPaths {
		if path == "" || !filepath.IsAbs(path) {
			errs = append(errs, ValidationError{Field: "protected_files", Index: i, Message: fmt.Sprintf("path %q is not absolute", path)})
		}
	}
	if p.Posture != PostureDeny && p.Posture != PostureAllow {
		errs = append(errs, ValidationError{Field: "default_network_policy", Index: -1, Message: fmt.Sprintf("invalid posture %q", p.Posture)})
	}
	for i, ep := range p.Whitelist {
		if ep.Kind == EndpointDomain && ep.Host == "" {
			errs = append(errs, ValidationError{Field: "network_whitelist", Index: i, Message: "domain is empty"})
		}
		if ep.Kind != EndpointDomain && !ep.Prefix.IsValid() {
			errs = append(errs, ValidationError{Field: "network_whitelist", Index: i, Message: "address is invalid"})
		}
	}
	return errs
}

// Load reads, validates and normalizes the policy at path.
func Load(path string, opts Options) (*Policy, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, failure.New(failure.PolicyInvalid, failure.StagePolicy, fmt.Errorf("resolve policy path: %w", err))
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, os.ErrNotExist) {
		return nil, failure.New(failure.PolicyNotFound, failure.StagePolicy, fmt.Errorf("policy file %q does not exist", abs))
	}
	if err != nil {
		return nil, failure.New(failure.PolicyInvalid, failure.StagePolicy, fmt.Errorf("read policy file %q: %w", abs, err))
	}

	p, err := Parse(data, opts)
	if err != nil {
		return nil, err
	}
	p.Source = abs
	return p, nil
}

// Parse decodes, validates and normalizes raw policy bytes.
func Parse(data []byte, opts Options) (*Policy, error) {
	doc, err := decode(data)
	if err != nil {
		return nil, failure.New(failure.PolicyInvalid, failure.StagePolicy, err)
	}
	if errs := doc.Validate(); len(errs) > 0 {
		return nil, failure.New(failure.PolicyInvalid, failure.StagePolicy, errs)
	}

	posture, _ := parsePosture(doc.DefaultNetworkPolicy)
	p := &Policy{
		Hash:          Hash(data),
		Posture:       posture,
		AllowAllHTTPS: doc.AllowAllHTTPS,
	}

	seen := make(map[string]bool)
	for _, raw := range doc.ProtectedFiles {
		path, err := opts.normalizePath(raw)
		if err != nil {
			return nil, failure.New(failure.PolicyInvalid, failure.StagePolicy, fmt.Errorf("protected path %q: %w", raw, err))
		}
		if seen[path] {
			continue
		}
		seen[path] = true
		p.ProtectedPaths = append(p.ProtectedPaths, path)
	}

	for _, raw := range doc.NetworkWhitelist {
		ep, _ := ParseEndpoint(raw)
		p.Whitelist = append(p.Whitelist, ep)
	}

	for _, raw := range doc.BlockedSyscalls {
		p.BlockedSyscalls = append(p.BlockedSyscalls, strings.TrimSpace(raw))
	}

	return p, nil
}

func decode(data []byte) (Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return Document{}, fmt.Errorf("parse policy yaml: %w", err)
	}
	return doc, nil
}

func parsePosture(raw string) (Posture, error) {
	switch Posture(strings.ToUpper(strings.TrimSpace(raw))) {
	case "", PostureDeny:
		return PostureDeny, nil
	case PostureAllow:
		return PostureAllow, nil
	default:
		return "", fmt.Errorf("invalid value %q (allowed: %q, %q)", raw, PostureDeny, PostureAllow)
	}
}

// Hash returns the hex blake3 digest of raw policy bytes.
func Hash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Domains returns the whitelist entries that need DNS resolution.
func (p *Policy) Domains() []Endpoint {
	var out []Endpoint
	for _, ep := range p.Whitelist {
		if ep.Kind == EndpointDomain {
			out = append(out, ep)
		}
	}
	return out
}

// Reference identifies the policy in session records.
func (p *Policy) Reference() string {
	if p.Source != "" {
		return p.Source
	}
	return "blake3:" + p.Hash
}

// AllowsHost reports whether an outbound connection to host:port is permitted.
// host may be a name or a literal address.
func (p *Policy) AllowsHost(host string, port uint16) bool {
	if p.Posture == PostureAllow {
		return true
	}
	if p.AllowAllHTTPS && port == HTTPSPort {
		return true
	}
	addr, addrErr := netip.ParseAddr(strings.Trim(host, "[]"))
	for _, ep := range p.Whitelist {
		if addrErr == nil {
			if ep.MatchesAddr(addr, port) {
				return true
			}
			continue
		}
		if ep.MatchesHost(host, port) {
			return true
		}
	}
	return false
}

// TCPPorts returns the complete set of TCP destination ports the policy can
// ever permit, or nil when the set is unbounded (ALLOW posture, or a whitelist
// entry without a port).
func (p *Policy) TCPPorts() []uint16 {
	if p.Posture == PostureAllow {
		return nil
	}
	seen := map[uint16]bool{53: true}
	ports := []uint16{53}
	add := func(port uint16) {
		if !seen[port] {
			seen[port] = true
			ports = append(ports, port)
		}
	}
	if p.AllowAllHTTPS {
		add(HTTPSPort)
	}
	for _, ep := range p.Whitelist {
		if ep.Port == 0 {
			return nil
		}
		add(ep.Port)
	}
	return ports
}
