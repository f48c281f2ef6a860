package sandbox

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/neoclaw-ai/aisandbox/internal/failure"
	"github.com/neoclaw-ai/aisandbox/internal/registry"
)

const stopPollInterval = 200 * time.Millisecond

// Stop terminates a running session. A session supervised by this Manager is
// stopped in-process. Otherwise the owning engine gets SIGTERM and is given
// time to tear down; if it is gone or does not finish, the process group is
// killed and the session's resources are reclaimed here. Stopping a session
// that already finished returns its record unchanged.
func (m *Manager) Stop(ctx context.Context, id string) (registry.Session, error) {
	m.mu.Lock()
	s := m.live[id]
	m.mu.Unlock()
	if s != nil {
		s.requestStop()
		rec, err := m.Registry.Get(ctx, id)
		if errors.Is(err, registry.ErrNotFound) {
			return registry.Session{ID: id}, nil
		}
		return rec, err
	}

	rec, err := m.Registry.Get(ctx, id)
	if err != nil {
		return registry.Session{}, err
	}
	if rec.Status.Terminal() {
		return rec, nil
	}
	logger := m.logger().With("session", id)

	if rec.EnginePID > 0 && rec.EnginePID != m.pid() && m.isAlive(rec.EnginePID) {
		if err := m.sendSignal(rec.EnginePID, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			return rec, fmt.Errorf("signal engine %d: %w", rec.EnginePID, err)
		}
		finished, err := m.awaitTerminal(ctx, id, 2*m.grace()+5*time.Second)
		if err != nil {
			return rec, err
		}
		if finished.Status.Terminal() {
			return finished, nil
		}
		logger.Warn("engine did not finish the session, forcing", "engine_pid", rec.EnginePID)
	}
	return m.forceStop(ctx, rec, "engine exited without tearing down the session")
}

func (m *Manager) awaitTerminal(ctx context.Context, id string, timeout time.Duration) (registry.Session, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(stopPollInterval)
	defer tick.Stop()
	for {
		rec, err := m.Registry.Get(ctx, id)
		if err != nil {
			return registry.Session{}, err
		}
		if rec.Status.Terminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-deadline.C:
			return rec, nil
		case <-tick.C:
		}
	}
}

// forceStop kills the session's process group, reclaims its resources by
// label and marks the record failed.
func (m *Manager) forceStop(ctx context.Context, rec registry.Session, reason string) (registry.Session, error) {
	logger := m.logger().With("session", rec.ID)
	if rec.PID > 0 && m.isAlive(rec.PID) {
		if err := m.sendSignal(-rec.PID, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			logger.Warn("kill sandboxed process group", "pid", rec.PID, "err", err)
		}
	}
	teardownErr := m.Teardown(rec.ID)
	updated, err := m.Registry.Update(ctx, rec.ID, func(s *registry.Session) error {
		if s.Status.Terminal() {
			return nil
		}
		markFailed(s, m.clock(), reason, teardownErr)
		return nil
	})
	if err != nil {
		return rec, err
	}
	return updated, teardownErr
}

// Teardown releases a session's isolation. For a session supervised by this
// Manager that is its own saga; for any other id the resources are found by
// their kernel labels. A second call finds nothing and returns nil.
func (m *Manager) Teardown(id string) error {
	m.mu.Lock()
	s := m.live[id]
	m.mu.Unlock()

	var errs []error
	if s != nil {
		errs = s.saga.Rollback()
	} else if m.Reclaimer != nil {
		errs = m.Reclaimer.ReclaimSession(id)
	}
	if len(errs) == 0 {
		return nil
	}
	return failure.New(failure.IsolationTeardownFailed, failure.StageTeardown, errors.Join(errs...))
}

// DestroyReport is the outcome of a Destroy pass.
type DestroyReport struct {
	// Kept are sessions whose engine and process are both alive.
	Kept []string
	// Killed are sessions whose process group was killed.
	Killed []string
	// Finalized are running records marked failed.
	Finalized []string
	Removed   []string
	Failed    []error
}

// Destroy reclaims every isolation resource that does not belong to a live
// session and finalises stale running records. With force, live sessions are
// killed and reclaimed too. It waits for sessions that are still being set up
// to write their running record first.
func (m *Manager) Destroy(ctx context.Context, force bool) (DestroyReport, error) {
	var rep DestroyReport
	release, err := m.lockSetup(ctx, false)
	if err != nil {
		return rep, failure.New(failure.IsolationTeardownFailed, failure.StageRegistry, err)
	}
	defer release()

	sessions, err := m.Registry.List(ctx)
	if err != nil {
		return rep, err
	}

	var stale []registry.Session
	for _, rec := range sessions {
		if rec.Status != registry.StatusRunning {
			continue
		}
		engineAlive := rec.EnginePID > 0 && m.isAlive(rec.EnginePID)
		procAlive := rec.PID > 0 && m.isAlive(rec.PID)
		if engineAlive && procAlive && !force {
			rep.Kept = append(rep.Kept, rec.ID)
			continue
		}
		if procAlive {
			if err := m.sendSignal(-rec.PID, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
				rep.Failed = append(rep.Failed, fmt.Errorf("kill session %s: %w", rec.ID, err))
			} else {
				rep.Killed = append(rep.Killed, rec.ID)
			}
		}
		stale = append(stale, rec)
	}

	if m.Reclaimer != nil {
		removed, errs := m.Reclaimer.Reclaim(rep.Kept)
		rep.Removed = removed
		rep.Failed = append(rep.Failed, errs...)
	}

	for _, rec := range stale {
		reason := "engine exited without tearing down the session"
		if force {
			reason = "destroyed by force"
		}
		_, err := m.Registry.Update(ctx, rec.ID, func(s *registry.Session) error {
			if s.Status.Terminal() {
				return nil
			}
			markFailed(s, m.clock(), reason, nil)
			return nil
		})
		if err != nil {
			rep.Failed = append(rep.Failed, fmt.Errorf("finalise session %s: %w", rec.ID, err))
			continue
		}
		rep.Finalized = append(rep.Finalized, rec.ID)
	}

	for _, err := range rep.Failed {
		m.logger().Warn("destroy left resource behind", "err", err)
	}
	m.logger().Info("destroy finished", "kept", len(rep.Kept), "killed", len(rep.Killed), "finalized", len(rep.Finalized), "removed", len(rep.Removed))
	if len(rep.Failed) > 0 {
		return rep, failure.New(failure.IsolationTeardownFailed, failure.StageTeardown, errors.Join(rep.Failed...))
	}
	return rep, nil
}

func markFailed(s *registry.Session, now time.Time, reason string, teardownErr error) {
	s.Status = registry.StatusFailed
	s.Ended = &now
	s.ErrorStage = string(failure.StageTeardown)
	s.Error = reason
	if teardownErr != nil {
		s.Unreclaimed = append(s.Unreclaimed, teardownErr.Error())
	}
}

func (m *Manager) isAlive(pid int) bool {
	if m.alive != nil {
		return m.alive(pid)
	}
	return processAlive(pid)
}

func (m *Manager) sendSignal(pid int, sig syscall.Signal) error {
	if m.signal != nil {
		return m.signal(pid, sig)
	}
	return signalPID(pid, sig)
}

func (m *Manager) pid() int {
	if m.enginePID != 0 {
		return m.enginePID
	}
	return currentPID()
}
