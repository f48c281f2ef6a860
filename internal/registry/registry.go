// Package registry persists session records as one JSON document. Writers
// serialize through an exclusive file lock and replace the whole file, so
// readers never need a lock and never see a partial record.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/neoclaw-ai/aisandbox/internal/store"
)

// Status is the persisted lifecycle status of a session.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// ErrNotFound is returned when no session has the requested id.
var ErrNotFound = errors.New("session not found")

// Resources names every kernel-visible object a session owns.
type Resources struct {
	Namespace    string   `json:"netns,omitempty"`
	HostVeth     string   `json:"veth_host,omitempty"`
	PeerVeth     string   `json:"veth_peer,omitempty"`
	Chain        string   `json:"chain,omitempty"`
	Subnet       string   `json:"subnet,omitempty"`
	HostAddr     string   `json:"host_addr,omitempty"`
	SandboxAddr  string   `json:"sandbox_addr,omitempty"`
	NATComment   string   `json:"nat_comment,omitempty"`
	ProxyAddr    string   `json:"proxy_addr,omitempty"`
	MountTargets []string `json:"mount_targets,omitempty"`
	StateDir     string   `json:"state_dir,omitempty"`
}

// Session is one persisted session record.
type Session struct {
	ID         string     `json:"id"`
	PID        int        `json:"pid"`
	EnginePID  int        `json:"engine_pid"`
	User       string     `json:"user"`
	Policy     string     `json:"policy"`
	PolicyHash string     `json:"policy_hash"`
	Cwd        string     `json:"cwd"`
	Command    []string   `json:"command,omitempty"`
	Started    time.Time  `json:"started"`
	Status     Status     `json:"status"`
	Ended      *time.Time `json:"ended,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	ErrorStage string     `json:"error_stage,omitempty"`
	Error      string     `json:"error,omitempty"`
	Resources  Resources  `json:"resources"`
	// Unreclaimed lists resources teardown could not remove.
	Unreclaimed []string `json:"unreclaimed,omitempty"`
}

// Validate reports the first missing field a persisted record requires.
func (s Session) Validate() error {
	switch {
	case s.ID == "":
		return errors.New("session id is required")
	case s.User == "":
		return errors.New("session user is required")
	case s.Policy == "":
		return errors.New("session policy is required")
	case s.Started.IsZero():
		return errors.New("session start time is required")
	case s.Status == "":
		return errors.New("session status is required")
	case s.Status == StatusRunning && s.PID <= 0:
		return errors.New("running session requires a pid")
	case s.Status.Terminal() && s.Ended == nil:
		return errors.New("terminal session requires an end time")
	}
	return nil
}

type document struct {
	Sessions []Session `json:"sessions"`
}

// Registry is a handle on one registry file.
type Registry struct {
	path string
}

// Open returns a registry backed by path. The file is created on first write.
func Open(path string) (*Registry, error) {
	if path == "" {
		return nil, errors.New("registry path is required")
	}
	return &Registry{path: path}, nil
}

// Path returns the backing file.
func (r *Registry) Path() string {
	return r.path
}

func (r *Registry) lockPath() string {
	return r.path + ".lock"
}

// List returns every record ordered by start time.
func (r *Registry) List(ctx context.Context) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := r.read()
	if err != nil {
		return nil, err
	}
	return doc.Sessions, nil
}

// Get returns the record with id, or ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (Session, error) {
	sessions, err := r.List(ctx)
	if err != nil {
		return Session{}, err
	}
	for _, s := range sessions {
		if s.ID == id {
			return s, nil
		}
	}
	return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Put inserts or replaces the record with s.ID.
func (r *Registry) Put(ctx context.Context, s Session) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid session record: %w", err)
	}
	return r.mutate(ctx, func(doc *document) error {
		for i := range doc.Sessions {
			if doc.Sessions[i].ID == s.ID {
				doc.Sessions[i] = s
				return nil
			}
		}
		doc.Sessions = append(doc.Sessions, s)
		return nil
	})
}

// Update applies fn to the record with id under the write lock. The record is
// only written when fn succeeds and the result is still valid.
func (r *Registry) Update(ctx context.Context, id string, fn func(*Session) error) (Session, error) {
	var updated Session
	err := r.mutate(ctx, func(doc *document) error {
		for i := range doc.Sessions {
			if doc.Sessions[i].ID != id {
				continue
			}
			candidate := doc.Sessions[i]
			if err := fn(&candidate); err != nil {
				return err
			}
			if candidate.ID != id {
				return errors.New("update must not change the session id")
			}
			if err := candidate.Validate(); err != nil {
				return fmt.Errorf("invalid session record: %w", err)
			}
			doc.Sessions[i] = candidate
			updated = candidate
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	})
	return updated, err
}

// Prune keeps every running record and the keep most recent terminal ones.
// It returns how many records were removed.
func (r *Registry) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	removed := 0
	err := r.mutate(ctx, func(doc *document) error {
		terminal := 0
		for _, s := range doc.Sessions {
			if s.Status.Terminal() {
				terminal++
			}
		}
		drop := terminal - keep
		if drop <= 0 {
			return nil
		}
		kept := doc.Sessions[:0]
		for _, s := range doc.Sessions {
			if drop > 0 && s.Status.Terminal() {
				drop--
				removed++
				continue
			}
			kept = append(kept, s)
		}
		doc.Sessions = kept
		return nil
	})
	return removed, err
}

func (r *Registry) mutate(ctx context.Context, fn func(*document) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return store.WithFileLock(r.lockPath(), func() error {
		doc, err := r.read()
		if err != nil {
			return err
		}
		if err := fn(&doc); err != nil {
			return err
		}
		sort.SliceStable(doc.Sessions, func(i, j int) bool {
			return doc.Sessions[i].Started.Before(doc.Sessions[j].Started)
		})
		encoded, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal registry: %w", err)
		}
		encoded = append(encoded, '\n')
		if err := store.WriteFile(r.path, encoded, 0o644); err != nil {
			return fmt.Errorf("write registry: %w", err)
		}
		return nil
	})
}

func (r *Registry) read() (document, error) {
	content, err := store.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return document{Sessions: []Session{}}, nil
	}
	if err != nil {
		return document{}, fmt.Errorf("read registry: %w", err)
	}
	var doc document
	if len(content) == 0 {
		return document{Sessions: []Session{}}, nil
	}
	if err := json.Unmarshal(content, &doc); err != nil {
		return document{}, fmt.Errorf("parse registry %q: %w", r.path, err)
	}
	if doc.Sessions == nil {
		doc.Sessions = []Session{}
	}
	return doc, nil
}
