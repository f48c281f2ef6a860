//go:build linux

package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/neoclaw-ai/aisandbox/internal/failure"
	"github.com/neoclaw-ai/aisandbox/internal/fsiso"
	"github.com/neoclaw-ai/aisandbox/internal/logging"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// initExecArg selects the second helper stage, which drops privileges and
// execs the command as a child of the namespace's init.
const initExecArg = "exec"

// setns and the seccomp filter apply to the calling thread only, so the
// helper must run, fork and exec on the thread main started on.
func init() {
	runtime.LockOSThread()
}

// RunInit is the body of the hidden init command. The first stage runs as
// PID 1 of the session's PID namespace: it enters the isolation, starts the
// second stage and reaps until the command exits, then exits with its code.
// The second stage execs the command. Either stage reports a failure on the
// status pipe before returning it.
func RunInit(args []string) error {
	reqFile := os.NewFile(requestFD, "init-request")
	statusFile := os.NewFile(statusFD, "init-status")
	if reqFile == nil || statusFile == nil {
		return errors.New("init helper must be started by ai-run")
	}
	unix.CloseOnExec(statusFD)

	req, err := decodeRequest(reqFile)
	reqFile.Close()
	if err != nil {
		return writeStatus(statusFile, failure.StageSpawn, err)
	}

	if len(args) > 0 && args[0] == initExecArg {
		stage, err := execCommand(req)
		return writeStatus(statusFile, stage, err)
	}

	if stage, err := isolate(req); err != nil {
		return writeStatus(statusFile, stage, err)
	}
	child, err := startExecStage(req, statusFile)
	if err != nil {
		return writeStatus(statusFile, failure.StageSpawn, err)
	}
	os.Exit(reapUntilExit(child))
	return nil
}

// isolate joins the session's network namespace, applies the mount plan and
// replaces /proc with one that only shows the session's PID namespace.
func isolate(req InitRequest) (failure.Stage, error) {
	if req.Namespace != "" {
		handle, err := netns.GetFromName(req.Namespace)
		if err != nil {
			return failure.StageNetwork, fmt.Errorf("open network namespace %s: %w", req.Namespace, err)
		}
		err = netns.Set(handle)
		handle.Close()
		if err != nil {
			return failure.StageNetwork, fmt.Errorf("join network namespace %s: %w", req.Namespace, err)
		}
	}

	if err := fsiso.Apply(req.Plan); err != nil {
		return failure.StageFilesystem, err
	}
	// The host's procfs exposes other processes' roots under /proc/<pid>/root.
	if err := unix.Mount("proc", "/proc", "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		return failure.StageFilesystem, fmt.Errorf("mount /proc: %w", err)
	}
	return "", nil
}

// forwarded are passed on to the command. The terminal delivers SIGINT and
// SIGQUIT to the whole foreground group, so the command already has them.
var forwarded = map[os.Signal]bool{
	syscall.SIGTERM: true,
	syscall.SIGHUP:  true,
	syscall.SIGUSR1: true,
	syscall.SIGUSR2: true,
}

// sigs is registered before the second stage starts so no SIGCHLD is missed.
var sigs = make(chan os.Signal, 32)

// startExecStage re-executes the helper as the second stage, handing it the
// request and the engine's status pipe. The first stage's own copy of the
// status pipe is closed so the engine sees EOF once the command is exec'd.
func startExecStage(req InitRequest, statusFile *os.File) (*os.Process, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode init request: %w", err)
	}
	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create request pipe: %w", err)
	}

	signal.Notify(sigs, syscall.SIGCHLD, syscall.SIGINT, syscall.SIGQUIT,
		syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)

	cmd := exec.Command("/proc/self/exe", InitCommand, initExecArg)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.Env = req.Env
	cmd.ExtraFiles = []*os.File{reqR, statusFile}
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
	startErr := cmd.Start()
	reqR.Close()
	if startErr != nil {
		reqW.Close()
		return nil, fmt.Errorf("start exec stage: %w", startErr)
	}
	statusFile.Close()

	_, writeErr := reqW.Write(payload)
	reqW.Close()
	if writeErr != nil {
		// The second stage fails to decode and reports it on the status pipe.
		logging.Logger().Warn("write exec stage request", "err", writeErr)
	}
	return cmd.Process, nil
}

// reapUntilExit waits on every process in the namespace, forwards signals to
// child and returns child's exit code once it has been reaped. Returning
// ends the namespace, which kills whatever the command left behind.
func reapUntilExit(child *os.Process) int {
	for sig := range sigs {
		if forwarded[sig] {
			_ = unix.Kill(child.Pid, sig.(syscall.Signal))
			continue
		}
		if sig != syscall.SIGCHLD {
			continue
		}
		if code, exited := reap(child.Pid); exited {
			return code
		}
	}
	return 1
}

// reap collects every exited process without blocking.
func reap(child int) (code int, exited bool) {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil || pid <= 0 {
			return code, exited
		}
		if pid == child {
			exited = true
			code = ws.ExitStatus()
			if ws.Signaled() {
				code = 128 + int(ws.Signal())
			}
		}
	}
}

// execCommand drops to the invoking user, applies the in-process
// restrictions and execs the command.
func execCommand(req InitRequest) (failure.Stage, error) {
	if err := dropPrivileges(req); err != nil {
		return failure.StageSpawn, err
	}
	if err := os.Chdir(req.Cwd); err != nil {
		return failure.StageSpawn, fmt.Errorf("enter working directory: %w", err)
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return failure.StageSpawn, fmt.Errorf("set no new privs: %w", err)
	}

	if req.Landlock && req.TCPPorts != nil {
		if err := restrictTCPConnect(req.TCPPorts); err != nil {
			return failure.StageNetwork, err
		}
	}
	if req.Seccomp && len(req.BlockedSyscalls) > 0 {
		skip := func(name string, reason error) {
			logging.Logger().Warn("syscall not blocked", "syscall", name, "err", reason)
		}
		if err := loadSyscallBlocklist(req.BlockedSyscalls, skip); err != nil {
			return failure.StageSpawn, err
		}
	}

	// Changing credentials cleared the death signal set at fork.
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0); err != nil {
		return failure.StageSpawn, fmt.Errorf("set parent death signal: %w", err)
	}

	path, err := lookPath(req.Argv[0], lookupEnv(req.Env, "PATH"))
	if err != nil {
		return failure.StageSpawn, err
	}
	if err := unix.Exec(path, req.Argv, req.Env); err != nil {
		return failure.StageSpawn, fmt.Errorf("exec %s: %w", path, err)
	}
	return failure.StageSpawn, errors.New("exec returned")
}

func dropPrivileges(req InitRequest) error {
	groups := make([]int, 0, len(req.Groups))
	for _, g := range req.Groups {
		groups = append(groups, int(g))
	}
	if err := unix.Setgroups(groups); err != nil {
		return fmt.Errorf("set supplementary groups: %w", err)
	}
	gid, uid := int(req.GID), int(req.UID)
	if err := unix.Setresgid(gid, gid, gid); err != nil {
		return fmt.Errorf("set gid %d: %w", gid, err)
	}
	if err := unix.Setresuid(uid, uid, uid); err != nil {
		return fmt.Errorf("set uid %d: %w", uid, err)
	}
	return nil
}

// lookPath resolves name against the sandboxed PATH rather than the
// helper's own environment.
func lookPath(name, pathEnv string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	if err := os.Setenv("PATH", pathEnv); err != nil {
		return "", fmt.Errorf("set PATH: %w", err)
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("resolve command %q: %w", name, err)
	}
	return path, nil
}
