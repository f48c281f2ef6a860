//go:build unix

package sandbox

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// groupProcess is a started init helper: PID 1 of the session's PID
// namespace, leading the process group the command runs in. Its exit code is
// the command's.
type groupProcess struct {
	cmd *exec.Cmd
	// afterExit runs once the process has been reaped.
	afterExit func()
}

func (p *groupProcess) Pid() int {
	return p.cmd.Process.Pid
}

// Signal delivers sig to the whole process group so children spawned by the
// command cannot outlive it.
func (p *groupProcess) Signal(sig syscall.Signal) error {
	err := unix.Kill(-p.cmd.Process.Pid, sig)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

func (p *groupProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if p.afterExit != nil {
		p.afterExit()
	}
	return exitStatus(p.cmd.ProcessState, err)
}

// exitStatus maps a reaped process to a shell-style exit code. A non-zero
// exit is not an error here; only a failure to wait is.
func exitStatus(state *os.ProcessState, err error) (int, error) {
	if state == nil {
		return -1, err
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), nil
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return state.ExitCode(), err
	}
	return state.ExitCode(), nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func signalPID(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

func currentPID() int {
	return os.Getpid()
}
