//go:build linux

package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/neoclaw-ai/aisandbox/internal/failure"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Start launches the init helper in new mount and PID namespaces, hands it
// req on fd 3 and waits until the command has been exec'd or the helper has
// reported why it could not.
func (s *InitSpawner) Start(ctx context.Context, req InitRequest) (Process, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, failure.New(failure.IsolationSetupFailed, failure.StageSpawn, fmt.Errorf("encode init request: %w", err))
	}
	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, failure.New(failure.IsolationSetupFailed, failure.StageSpawn, fmt.Errorf("create request pipe: %w", err))
	}
	statusR, statusW, err := os.Pipe()
	if err != nil {
		reqR.Close()
		reqW.Close()
		return nil, failure.New(failure.IsolationSetupFailed, failure.StageSpawn, fmt.Errorf("create status pipe: %w", err))
	}

	stdin, stdout, stderr := s.stdio()
	cmd := exec.Command(s.executable(), InitCommand)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = stdin, stdout, stderr
	cmd.Env = req.Env
	cmd.ExtraFiles = []*os.File{reqR, statusW}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWNS | syscall.CLONE_NEWPID,
		Pdeathsig:  syscall.SIGKILL,
	}
	var afterExit func()
	if term.IsTerminal(int(stdin.Fd())) {
		// The command gets the terminal's foreground group so job control
		// and Ctrl-C reach it rather than the engine.
		cmd.SysProcAttr.Foreground = true
		cmd.SysProcAttr.Ctty = 0
		afterExit = s.restoreForeground(stdin)
	} else {
		cmd.SysProcAttr.Setpgid = true
	}

	startErr := cmd.Start()
	reqR.Close()
	statusW.Close()
	if startErr != nil {
		reqW.Close()
		statusR.Close()
		return nil, failure.New(failure.IsolationSetupFailed, failure.StageSpawn, fmt.Errorf("start init helper: %w", startErr))
	}
	proc := &groupProcess{cmd: cmd, afterExit: afterExit}

	_, writeErr := reqW.Write(payload)
	reqW.Close()

	type readResult struct {
		data []byte
		err  error
	}
	read := make(chan readResult, 1)
	go func() {
		data, err := io.ReadAll(statusR)
		statusR.Close()
		read <- readResult{data: data, err: err}
	}()

	var res readResult
	select {
	case res = <-read:
	case <-ctx.Done():
		_ = proc.Signal(syscall.SIGKILL)
		<-read
		_, _ = proc.Wait()
		return nil, failure.New(failure.IsolationSetupFailed, failure.StageSpawn, ctx.Err())
	}

	switch {
	case len(res.data) > 0:
		_, _ = proc.Wait()
		return nil, statusError(res.data)
	case writeErr != nil || res.err != nil:
		_ = proc.Signal(syscall.SIGKILL)
		_, _ = proc.Wait()
		return nil, failure.Newf(failure.IsolationSetupFailed, failure.StageSpawn, "init helper handshake: write %v, read %v", writeErr, res.err)
	}
	s.logger().Debug("init helper exec'd command", "session", req.SessionID, "pid", proc.Pid())
	return proc, nil
}

// restoreForeground returns a hook that gives the terminal back to the
// engine's process group once the command has exited.
func (s *InitSpawner) restoreForeground(tty *os.File) func() {
	return func() {
		signal.Ignore(syscall.SIGTTOU)
		defer signal.Reset(syscall.SIGTTOU)
		if err := unix.IoctlSetPointerInt(int(tty.Fd()), unix.TIOCSPGRP, unix.Getpgrp()); err != nil {
			s.logger().Debug("restore terminal foreground group", "err", err)
		}
	}
}
