package cli

import (
	"errors"
	"reflect"
	"testing"

	"github.com/neoclaw-ai/aisandbox/internal/failure"
)

func TestRootRegistersSubcommands(t *testing.T) {
	root := NewRootCmd()
	want := []string{"create", "run", "list", "show", "validate", "stop", "destroy", "reaper", "config", "__init"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd == root {
			t.Fatalf("subcommand %q not registered", name)
		}
	}
	initCmd, _, _ := root.Find([]string{"__init"})
	if !initCmd.Hidden {
		t.Fatalf("expected __init to be hidden")
	}
}

func TestPrivilegedCommandsRequireRoot(t *testing.T) {
	createTestHome(t)
	orig := requireRoot
	defer func() { requireRoot = orig }()
	var ops []string
	requireRoot = func(op string) error {
		ops = append(ops, op)
		return failure.Newf(failure.PrivilegeRequired, failure.StagePrivilege, "%s needs root", op)
	}

	for _, args := range [][]string{
		{"run", "policy.yaml"},
		{"stop", "some-id"},
		{"destroy"},
		{"reaper"},
	} {
		_, _, err := execute(t, args...)
		var labelled *failure.Error
		if !errors.As(err, &labelled) || labelled.Kind != failure.PrivilegeRequired {
			t.Fatalf("%v: expected PrivilegeRequired, got %v", args, err)
		}
	}
	if want := []string{"run", "stop", "destroy", "reaper"}; !reflect.DeepEqual(ops, want) {
		t.Fatalf("checked ops = %v, want %v", ops, want)
	}
}

func TestCommandArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		command string
		shell   string
		want    []string
		wantErr bool
	}{
		{name: "explicit args", args: []string{"claude", "--resume"}, shell: "/bin/bash", want: []string{"claude", "--resume"}},
		{name: "command string", command: `python3 -c "print('hi there')"`, want: []string{"python3", "-c", "print('hi there')"}},
		{name: "default shell", shell: "/bin/zsh", want: []string{"/bin/zsh"}},
		{name: "both forms", args: []string{"ls"}, command: "ls", wantErr: true},
		{name: "blank command falls back to shell", command: "   ", shell: "/bin/sh", want: []string{"/bin/sh"}},
		{name: "unterminated quote", command: `echo "oops`, wantErr: true},
		{name: "no shell", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := commandArgs(tc.args, tc.command, tc.shell)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("commandArgs: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}
