// Package failure defines the labelled error taxonomy shared by every engine stage.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind string

const (
	// PolicyNotFound means the policy file does not exist.
	PolicyNotFound Kind = "policy not found"
	// PolicyInvalid means the policy file exists but failed to parse or validate.
	PolicyInvalid Kind = "policy invalid"
	// IsolationSetupFailed means a kernel isolation resource could not be created.
	IsolationSetupFailed Kind = "isolation setup failed"
	// IsolationTeardownFailed means a resource could not be reclaimed.
	IsolationTeardownFailed Kind = "isolation teardown failed"
	// SandboxedProcessError carries the sandboxed command's own non-zero exit.
	SandboxedProcessError Kind = "sandboxed process exited"
	// PrivilegeRequired means the operation needs root.
	PrivilegeRequired Kind = "privilege required"
)

// Stage names the part of the engine that failed.
type Stage string

const (
	StagePolicy     Stage = "policy"
	StageFilesystem Stage = "filesystem isolation"
	StageNetwork    Stage = "network isolation"
	StageSpawn      Stage = "process spawn"
	StageProcess    Stage = "sandboxed process"
	StageRegistry   Stage = "registry"
	StageTeardown   Stage = "teardown"
	StagePrivilege  Stage = "privilege check"
)

// Error is a stage-labelled engine error.
type Error struct {
	Kind  Kind
	Stage Stage
	Err   error
	// Code is the sandboxed process exit code for SandboxedProcessError.
	Code int
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and stage.
func New(kind Kind, stage Stage, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Newf formats a cause and wraps it with a kind and stage.
func Newf(kind Kind, stage Stage, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// Process reports a non-zero exit from the sandboxed command.
func Process(code int) *Error {
	return &Error{
		Kind:  SandboxedProcessError,
		Stage: StageProcess,
		Err:   fmt.Errorf("exit code %d", code),
		Code:  code,
	}
}

// KindOf returns the kind of the first labelled error in err's chain.
func KindOf(err error) (Kind, bool) {
	var labelled *Error
	if errors.As(err, &labelled) {
		return labelled.Kind, true
	}
	return "", false
}

// StageOf returns the stage of the first labelled error in err's chain.
func StageOf(err error) (Stage, bool) {
	var labelled *Error
	if errors.As(err, &labelled) {
		return labelled.Stage, true
	}
	return "", false
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	got, ok := KindOf(err)
	return ok && got == kind
}

// ProcessExitCode returns the pass-through exit code when err is a
// SandboxedProcessError.
func ProcessExitCode(err error) (int, bool) {
	var labelled *Error
	if errors.As(err, &labelled) && labelled.Kind == SandboxedProcessError {
		return labelled.Code, true
	}
	return 0, false
}
