package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/neoclaw-ai/aisandbox/internal/fsiso"
	"github.com/neoclaw-ai/aisandbox/internal/policy"
	"github.com/neoclaw-ai/aisandbox/internal/registry"
)

// journal records calls across fakes in order.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(event string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, event)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

type fakeNetwork struct {
	j           *journal
	setupErr    error
	teardownErr error
	proxyPort   uint16
}

func (f *fakeNetwork) Setup(_ context.Context, sessionID string, _ *policy.Policy, stateDir string) (NetworkSession, error) {
	f.j.add("network setup")
	if f.setupErr != nil {
		return nil, f.setupErr
	}
	return &fakeNetSession{f: f, id: sessionID, stateDir: stateDir}, nil
}

type fakeNetSession struct {
	f        *fakeNetwork
	id       string
	stateDir string
	once     sync.Once
}

func (s *fakeNetSession) Namespace() string { return "aisbx-" + s.id[:8] }
func (s *fakeNetSession) ProxyPort() uint16 { return s.f.proxyPort }

func (s *fakeNetSession) Mounts() []fsiso.Mount {
	return []fsiso.Mount{{Source: filepath.Join(s.stateDir, "resolv.conf"), Target: "/etc/resolv.conf", ReadOnly: true}}
}

func (s *fakeNetSession) Env() []string {
	if s.f.proxyPort == 0 {
		return nil
	}
	return []string{"HTTPS_PROXY=http://10.200.0.1:3128"}
}

func (s *fakeNetSession) Annotate(r *registry.Resources) {
	r.Namespace = s.Namespace()
	r.Chain = "AISBX-" + s.id[:8]
}

func (s *fakeNetSession) Teardown() []error {
	var errs []error
	s.once.Do(func() {
		s.f.j.add("network teardown")
		if s.f.teardownErr != nil {
			errs = append(errs, s.f.teardownErr)
		}
	})
	return errs
}

type fakeFilesystem struct {
	j          *journal
	prepareErr error
}

func (f *fakeFilesystem) Prepare(_ *policy.Policy, stateDir string, extra []fsiso.Mount) (FilesystemView, error) {
	f.j.add("filesystem prepare")
	if f.prepareErr != nil {
		return nil, f.prepareErr
	}
	plan := append(fsiso.Plan{{Source: filepath.Join(stateDir, "hidden-dir"), Target: "/home/alice/.ssh", ReadOnly: true}}, extra...)
	return &fakeView{j: f.j, plan: plan, stateDir: stateDir}, nil
}

type fakeView struct {
	j        *journal
	plan     fsiso.Plan
	stateDir string
	once     sync.Once
}

func (v *fakeView) Plan() fsiso.Plan { return v.plan }

func (v *fakeView) Annotate(r *registry.Resources) {
	r.MountTargets = v.plan.Targets()
}

func (v *fakeView) Release() error {
	v.once.Do(func() { v.j.add("filesystem release") })
	return nil
}

type fakeSpawner struct {
	j        *journal
	startErr error
	proc     *fakeProcess
	req      InitRequest
	// onStart runs before the process is handed back.
	onStart func()
}

func (f *fakeSpawner) Start(_ context.Context, req InitRequest) (Process, error) {
	f.j.add("spawn")
	f.req = req
	if f.startErr != nil {
		return nil, f.startErr
	}
	if f.onStart != nil {
		f.onStart()
	}
	return f.proc, nil
}

// fakeProcess exits with code when released, or on the first signal it
// does not ignore.
type fakeProcess struct {
	pid    int
	code   int
	ignore map[syscall.Signal]bool
	// onWait runs when supervision starts waiting.
	onWait func()

	mu      sync.Mutex
	signals []syscall.Signal
	exit    chan int
	once    sync.Once
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exit: make(chan int, 1), ignore: map[syscall.Signal]bool{}}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	ignored := p.ignore[sig]
	p.mu.Unlock()
	if !ignored {
		p.finish(128 + int(sig))
	}
	return nil
}

func (p *fakeProcess) finish(code int) {
	p.once.Do(func() { p.exit <- code })
}

func (p *fakeProcess) Wait() (int, error) {
	if p.onWait != nil {
		p.onWait()
	}
	return <-p.exit, nil
}

func (p *fakeProcess) received() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

type fakeReclaimer struct {
	mu       sync.Mutex
	sessions []string
	live     [][]string
	err      error
}

func (f *fakeReclaimer) ReclaimSession(id string) []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, id)
	if f.err != nil {
		return []error{f.err}
	}
	return nil
}

func (f *fakeReclaimer) Reclaim(live []string) ([]string, []error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live = append(f.live, append([]string(nil), live...))
	return []string{"filter/FORWARD stale"}, nil
}

type harness struct {
	m        *Manager
	j        *journal
	net      *fakeNetwork
	fs       *fakeFilesystem
	spawner  *fakeSpawner
	reclaim  *fakeReclaimer
	reg      *registry.Registry
	signals  []string
	alivePID map[int]bool
}

const testSessionID = "0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0"

func newHarness(t *testing.T) *harness {
	t.Helper()
	j := &journal{}
	reg, err := registry.Open(filepath.Join(t.TempDir(), "sessions.json"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	h := &harness{
		j:        j,
		net:      &fakeNetwork{j: j},
		fs:       &fakeFilesystem{j: j},
		spawner:  &fakeSpawner{j: j, proc: newFakeProcess(4242)},
		reclaim:  &fakeReclaimer{},
		reg:      reg,
		alivePID: map[int]bool{},
	}
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var sigMu sync.Mutex
	h.m = &Manager{
		Network:    h.net,
		Filesystem: h.fs,
		Spawner:    h.spawner,
		Reclaimer:  h.reclaim,
		Registry:   reg,
		Options:    Options{RunDir: t.TempDir(), StopGrace: 20 * time.Millisecond, KeepHistory: 10},
		now:        func() time.Time { return clock },
		newID:      func() string { return testSessionID },
		alive:      func(pid int) bool { return h.alivePID[pid] },
		signal: func(pid int, sig syscall.Signal) error {
			sigMu.Lock()
			defer sigMu.Unlock()
			h.signals = append(h.signals, signalEvent(pid, sig))
			return nil
		},
		enginePID: 100,
	}
	return h
}

func signalEvent(pid int, sig syscall.Signal) string {
	return fmt.Sprintf("%d@%d", int(sig), pid)
}

var errBoom = errors.New("boom")

func testPolicy(t *testing.T, doc string) *policy.Policy {
	t.Helper()
	return testPolicyIn(t, t.TempDir(), doc)
}

func testPolicyIn(t *testing.T, home, doc string) *policy.Policy {
	t.Helper()
	p, err := policy.Parse([]byte(doc), policy.Options{User: "alice", HomeDir: home})
	if err != nil {
		t.Fatalf("parse policy: %v", err)
	}
	return p
}

func testRequest(t *testing.T, doc string) RunRequest {
	t.Helper()
	return RunRequest{
		Policy:  testPolicy(t, doc),
		Invoker: Invoker{Name: "alice", UID: 1000, GID: 1000, Groups: []uint32{1000, 27}, Home: "/home/alice"},
		Command: []string{"/bin/true"},
		Cwd:     "/home/alice/project",
		Env:     []string{"PATH=/usr/bin:/bin", "SUDO_USER=alice", "TERM=xterm"},
	}
}

// exitingSpawner hands out a fresh process per session that exits cleanly
// once supervision starts waiting.
type exitingSpawner struct {
	next atomic.Int32
}

func (s *exitingSpawner) Start(_ context.Context, _ InitRequest) (Process, error) {
	proc := newFakeProcess(5000 + int(s.next.Add(1)))
	proc.finish(0)
	return proc, nil
}
