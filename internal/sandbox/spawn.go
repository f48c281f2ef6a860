package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/neoclaw-ai/aisandbox/internal/failure"
)

// InitSpawner starts the sandboxed command through a re-exec of the engine
// binary as the hidden init command. The helper inherits the engine's stdio.
type InitSpawner struct {
	// Executable is the engine binary, /proc/self/exe when empty.
	Executable string
	Stdin      *os.File
	Stdout     *os.File
	Stderr     *os.File
	Logger     *slog.Logger
}

func (s *InitSpawner) executable() string {
	if s.Executable != "" {
		return s.Executable
	}
	return "/proc/self/exe"
}

func (s *InitSpawner) stdio() (*os.File, *os.File, *os.File) {
	stdin, stdout, stderr := s.Stdin, s.Stdout, s.Stderr
	if stdin == nil {
		stdin = os.Stdin
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return stdin, stdout, stderr
}

func (s *InitSpawner) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// statusError turns what the helper wrote on its status pipe into a labelled
// setup error.
func statusError(data []byte) error {
	var st initStatus
	if err := json.Unmarshal(data, &st); err != nil || st.Message == "" {
		return failure.Newf(failure.IsolationSetupFailed, failure.StageSpawn, "init helper failed: %s", data)
	}
	stage := failure.Stage(st.Stage)
	if stage == "" {
		stage = failure.StageSpawn
	}
	return failure.New(failure.IsolationSetupFailed, stage, errors.New(st.Message))
}

// writeStatus reports a helper failure to the engine.
func writeStatus(f *os.File, stage failure.Stage, err error) error {
	payload, merr := json.Marshal(initStatus{Stage: string(stage), Message: err.Error()})
	if merr != nil {
		return fmt.Errorf("%w (encode status: %v)", err, merr)
	}
	_, _ = f.Write(payload)
	_ = f.Close()
	return err
}
