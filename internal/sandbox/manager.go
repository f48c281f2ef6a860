// Package sandbox runs one command inside a session's isolation and owns the
// session lifecycle from setup to the final registry record.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/neoclaw-ai/aisandbox/internal/config"
	"github.com/neoclaw-ai/aisandbox/internal/failure"
	"github.com/neoclaw-ai/aisandbox/internal/fsiso"
	"github.com/neoclaw-ai/aisandbox/internal/policy"
	"github.com/neoclaw-ai/aisandbox/internal/registry"
	"github.com/neoclaw-ai/aisandbox/internal/saga"
	"github.com/neoclaw-ai/aisandbox/internal/store"
)

// NetworkSession is one session's network isolation.
type NetworkSession interface {
	Namespace() string
	// Mounts are files the sandbox must see in place of the host's.
	Mounts() []fsiso.Mount
	Env() []string
	// ProxyPort is 0 when no proxy runs for the session.
	ProxyPort() uint16
	Annotate(*registry.Resources)
	Teardown() []error
}

// NetworkIsolator builds network isolation for a session.
type NetworkIsolator interface {
	Setup(ctx context.Context, sessionID string, p *policy.Policy, stateDir string) (NetworkSession, error)
}

// FilesystemView is one session's prepared mount plan.
type FilesystemView interface {
	Plan() fsiso.Plan
	Annotate(*registry.Resources)
	Release() error
}

// FilesystemIsolator prepares host-side filesystem isolation for a session.
type FilesystemIsolator interface {
	Prepare(p *policy.Policy, stateDir string, extra []fsiso.Mount) (FilesystemView, error)
}

// Process is a started sandboxed process.
type Process interface {
	Pid() int
	// Signal delivers sig to the process group.
	Signal(sig syscall.Signal) error
	// Wait blocks until exit and returns the exit code. A signal death is
	// reported as 128 plus the signal number.
	Wait() (int, error)
}

// Spawner starts the init helper for a request.
type Spawner interface {
	Start(ctx context.Context, req InitRequest) (Process, error)
}

// Reclaimer removes isolation resources by their kernel labels.
type Reclaimer interface {
	ReclaimSession(sessionID string) []error
	Reclaim(live []string) (removed []string, errs []error)
}

// Options are the engine-wide session settings.
type Options struct {
	RunDir string
	// SetupLock is held shared by sessions until their running record is
	// written and exclusively by Destroy. Defaults to RunDir/setup.lock.
	SetupLock   string
	StopGrace   time.Duration
	KeepHistory int
	Landlock    bool
	Seccomp     bool
}

// Manager drives sessions through setup, supervision and teardown.
type Manager struct {
	Network    NetworkIsolator
	Filesystem FilesystemIsolator
	Spawner    Spawner
	Reclaimer  Reclaimer
	Registry   *registry.Registry
	Options    Options
	Logger     *slog.Logger

	now       func() time.Time
	newID     func() string
	alive     func(pid int) bool
	signal    func(pid int, sig syscall.Signal) error
	enginePID int

	mu   sync.Mutex
	live map[string]*session
}

// RunRequest describes one sandboxed command.
type RunRequest struct {
	Policy  *policy.Policy
	Invoker Invoker
	Command []string
	Cwd     string
	// Env is the base environment, usually the engine's own.
	Env []string
}

func (r RunRequest) validate() error {
	switch {
	case r.Policy == nil:
		return errors.New("policy is required")
	case len(r.Command) == 0:
		return errors.New("command is required")
	case r.Cwd == "" || !filepath.IsAbs(r.Cwd):
		return fmt.Errorf("working directory %q must be absolute", r.Cwd)
	case r.Invoker.Name == "":
		return errors.New("invoking user is required")
	}
	return nil
}

// Result is the outcome of a finished session.
type Result struct {
	SessionID   string
	PID         int
	ExitCode    int
	Unreclaimed []string
}

type session struct {
	id     string
	state  State
	saga   saga.Saga
	record registry.Session
	logger *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

func (s *session) transition(to State) {
	if !s.state.CanTransition(to) {
		s.logger.Error("invalid session transition", "from", s.state, "to", to)
	}
	s.logger.Debug("session transition", "from", s.state, "to", to)
	s.state = to
}

func (s *session) requestStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Run isolates, spawns and supervises one command and blocks until the
// session has been torn down. A non-zero exit of the sandboxed command is
// returned as a SandboxedProcessError alongside the result.
func (m *Manager) Run(ctx context.Context, req RunRequest) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, failure.New(failure.IsolationSetupFailed, failure.StageSpawn, err)
	}
	release, err := m.lockSetup(ctx, true)
	if err != nil {
		return Result{}, failure.New(failure.IsolationSetupFailed, failure.StageRegistry, err)
	}
	unlock := sync.OnceFunc(release)
	defer unlock()

	s := m.begin(req)
	defer m.forget(s.id)
	res := Result{SessionID: s.id}

	proc, err := m.isolate(ctx, s, req)
	if err != nil {
		s.transition(StateTearingDown)
		res.Unreclaimed = m.teardown(s)
		s.transition(StateFailed)
		m.finish(ctx, s, nil, err, res.Unreclaimed)
		return res, err
	}
	res.PID = proc.Pid()

	s.transition(StateRunning)
	s.record.PID = proc.Pid()
	s.record.Status = registry.StatusRunning
	if err := m.Registry.Put(ctx, s.record); err != nil {
		// Without a running record destroy would treat the session as an orphan.
		err = failure.New(failure.IsolationSetupFailed, failure.StageRegistry, fmt.Errorf("record running session: %w", err))
		m.abort(s, proc)
		s.transition(StateTearingDown)
		res.Unreclaimed = m.teardown(s)
		s.transition(StateFailed)
		m.finish(ctx, s, nil, err, res.Unreclaimed)
		return res, err
	}
	unlock()
	s.logger.Info("sandboxed process started", "pid", proc.Pid(), "command", req.Command)

	code, waitErr := m.supervise(ctx, s, proc)

	s.transition(StateTearingDown)
	res.Unreclaimed = m.teardown(s)
	res.ExitCode = code

	if waitErr != nil {
		err := failure.New(failure.SandboxedProcessError, failure.StageProcess, waitErr)
		s.transition(StateFailed)
		m.finish(ctx, s, nil, err, res.Unreclaimed)
		return res, err
	}
	s.transition(StateTerminated)
	m.finish(ctx, s, &code, nil, res.Unreclaimed)
	if code != 0 {
		return res, failure.Process(code)
	}
	return res, nil
}

func (m *Manager) begin(req RunRequest) *session {
	id := m.id()
	s := &session{
		id:     id,
		state:  StateCreated,
		logger: m.logger().With("session", id),
		stop:   make(chan struct{}),
		record: registry.Session{
			ID:         id,
			EnginePID:  m.pid(),
			User:       req.Invoker.Name,
			Policy:     req.Policy.Reference(),
			PolicyHash: req.Policy.Hash,
			Cwd:        req.Cwd,
			Command:    req.Command,
			Started:    m.clock(),
		},
	}
	m.mu.Lock()
	if m.live == nil {
		m.live = map[string]*session{}
	}
	m.live[id] = s
	m.mu.Unlock()
	return s
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()
}

// isolate applies network then filesystem isolation and starts the init
// helper. Every acquired resource is on the session saga when it returns.
func (m *Manager) isolate(ctx context.Context, s *session, req RunRequest) (Process, error) {
	s.transition(StateIsolating)
	if m.Options.RunDir == "" {
		return nil, failure.Newf(failure.IsolationSetupFailed, failure.StageFilesystem, "run dir is not configured")
	}
	stateDir := filepath.Join(m.Options.RunDir, s.id)
	s.record.Resources.StateDir = stateDir
	s.saga.Record("state dir "+stateDir, func() error { return fsiso.RemoveStateDir(stateDir) })

	net, err := m.Network.Setup(ctx, s.id, req.Policy, stateDir)
	if err != nil {
		return nil, labelled(err, failure.IsolationSetupFailed, failure.StageNetwork)
	}
	s.saga.Record("network isolation", func() error { return errors.Join(net.Teardown()...) })
	net.Annotate(&s.record.Resources)

	view, err := m.Filesystem.Prepare(req.Policy, stateDir, net.Mounts())
	if err != nil {
		return nil, labelled(err, failure.IsolationSetupFailed, failure.StageFilesystem)
	}
	s.saga.Record("filesystem isolation", view.Release)
	view.Annotate(&s.record.Resources)

	if err := ctx.Err(); err != nil {
		return nil, failure.New(failure.IsolationSetupFailed, failure.StageSpawn, err)
	}

	initReq := InitRequest{
		SessionID: s.id,
		Namespace: net.Namespace(),
		Plan:      view.Plan(),
		Cwd:       req.Cwd,
		Argv:      req.Command,
		Env:       BuildEnv(req.Env, req.Invoker, s.id, net.Env()),
		UID:       req.Invoker.UID,
		GID:       req.Invoker.GID,
		Groups:    req.Invoker.Groups,
		Landlock:  m.Options.Landlock,
		Seccomp:   m.Options.Seccomp,
	}
	if m.Options.Landlock {
		initReq.TCPPorts = tcpPorts(req.Policy, net.ProxyPort())
	}
	if m.Options.Seccomp {
		initReq.BlockedSyscalls = req.Policy.BlockedSyscalls
	}

	proc, err := m.Spawner.Start(ctx, initReq)
	if err != nil {
		return nil, labelled(err, failure.IsolationSetupFailed, failure.StageSpawn)
	}
	return proc, nil
}

// tcpPorts widens the policy's port set by the proxy port, which the sandbox
// must reach even though no whitelist entry names it.
func tcpPorts(p *policy.Policy, proxyPort uint16) []uint16 {
	ports := p.TCPPorts()
	if ports == nil || proxyPort == 0 {
		return ports
	}
	for _, port := range ports {
		if port == proxyPort {
			return ports
		}
	}
	return append(ports, proxyPort)
}

// supervise waits for proc. Cancelling ctx or a stop request terminates the
// process group: SIGTERM, then SIGKILL after the stop grace.
func (m *Manager) supervise(ctx context.Context, s *session, proc Process) (int, error) {
	exited := make(chan struct{})
	go func() {
		select {
		case <-exited:
			return
		case <-ctx.Done():
			s.logger.Info("stopping sandboxed process", "reason", ctx.Err())
		case <-s.stop:
			s.logger.Info("stopping sandboxed process", "reason", "stop requested")
		}
		m.terminate(s, proc, exited)
	}()
	code, err := proc.Wait()
	close(exited)
	return code, err
}

func (m *Manager) terminate(s *session, proc Process, exited <-chan struct{}) {
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("signal sandboxed process", "signal", "SIGTERM", "err", err)
	}
	timer := time.NewTimer(m.grace())
	defer timer.Stop()
	select {
	case <-exited:
		return
	case <-timer.C:
	}
	s.logger.Warn("sandboxed process ignored SIGTERM, killing", "grace", m.grace())
	if err := proc.Signal(syscall.SIGKILL); err != nil {
		s.logger.Warn("signal sandboxed process", "signal", "SIGKILL", "err", err)
	}
}

// abort kills a process that must not keep running and reaps it.
func (m *Manager) abort(s *session, proc Process) {
	if err := proc.Signal(syscall.SIGKILL); err != nil {
		s.logger.Warn("signal sandboxed process", "signal", "SIGKILL", "err", err)
	}
	if _, err := proc.Wait(); err != nil {
		s.logger.Warn("reap sandboxed process", "err", err)
	}
}

// lockSetup takes the host-wide setup lock. Sessions hold it shared while
// their resources exist without a running record; Destroy holds it
// exclusively so it never reclaims a session that is still starting.
func (m *Manager) lockSetup(ctx context.Context, shared bool) (func(), error) {
	path := m.Options.SetupLock
	if path == "" && m.Options.RunDir != "" {
		path = filepath.Join(m.Options.RunDir, config.SetupLockName)
	}
	if path == "" {
		return func() {}, nil
	}
	return store.Lock(ctx, path, shared)
}

// teardown releases the session saga and returns what could not be released.
func (m *Manager) teardown(s *session) []string {
	var unreclaimed []string
	for _, err := range s.saga.Rollback() {
		s.logger.Warn("teardown left resource behind", "err", err)
		unreclaimed = append(unreclaimed, err.Error())
	}
	if len(unreclaimed) == 0 {
		s.logger.Debug("session torn down")
	}
	return unreclaimed
}

// finish writes the terminal record. Registry failures are logged; they never
// replace the session's own outcome.
func (m *Manager) finish(ctx context.Context, s *session, code *int, cause error, unreclaimed []string) {
	ended := m.clock()
	rec := s.record
	rec.Ended = &ended
	rec.ExitCode = code
	rec.Unreclaimed = unreclaimed
	rec.Status = registry.StatusStopped
	if cause != nil {
		rec.Status = registry.StatusFailed
		rec.Error = cause.Error()
		if stage, ok := failure.StageOf(cause); ok {
			rec.ErrorStage = string(stage)
		}
	}
	// The final write must land even when the run was cancelled.
	ctx = context.WithoutCancel(ctx)
	if err := m.Registry.Put(ctx, rec); err != nil {
		s.logger.Warn("record finished session", "err", err)
	}
	if m.Options.KeepHistory > 0 {
		if _, err := m.Registry.Prune(ctx, m.Options.KeepHistory); err != nil {
			s.logger.Warn("prune session history", "err", err)
		}
	}
	logger := s.logger
	if code != nil {
		logger = logger.With("exit_code", *code)
	}
	logger.Info("session finished", "status", rec.Status, "unreclaimed", len(unreclaimed))
}

// labelled keeps an already-labelled error and labels anything else.
func labelled(err error, kind failure.Kind, stage failure.Stage) error {
	if _, ok := failure.KindOf(err); ok {
		return err
	}
	return failure.New(kind, stage, err)
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m *Manager) clock() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now().UTC()
}

func (m *Manager) id() string {
	if m.newID != nil {
		return m.newID()
	}
	return uuid.NewString()
}

func (m *Manager) grace() time.Duration {
	if m.Options.StopGrace > 0 {
		return m.Options.StopGrace
	}
	return 5 * time.Second
}
