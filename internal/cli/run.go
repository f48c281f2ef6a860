package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/shlex"
	"github.com/neoclaw-ai/aisandbox/internal/bootstrap"
	"github.com/neoclaw-ai/aisandbox/internal/logging"
	"github.com/neoclaw-ai/aisandbox/internal/policy"
	"github.com/neoclaw-ai/aisandbox/internal/sandbox"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var command string

	cmd := &cobra.Command{
		Use:   "run <policy> [-- command [args...]]",
		Short: "Run a command (default: the configured shell) inside a sandbox session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireRoot("run"); err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			inv, err := currentInvoker()
			if err != nil {
				return err
			}
			p, err := policy.Load(args[0], inv.PolicyOptions())
			if err != nil {
				return err
			}
			argv, err := commandArgs(args[1:], command, cfg.Session.Shell)
			if err != nil {
				return err
			}
			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("resolve working directory: %w", err)
			}
			if err := bootstrap.Initialize(cfg); err != nil {
				return err
			}
			m, err := managerFactory(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
			defer stop()

			res, err := m.Run(ctx, sandbox.RunRequest{
				Policy:  p,
				Invoker: inv,
				Command: argv,
				Cwd:     cwd,
				Env:     os.Environ(),
			})
			logging.Logger().Info("session ended", "session", res.SessionID, "exit_code", res.ExitCode)
			if len(res.Unreclaimed) > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: session %s left %d resources behind; run `ai-run destroy`\n", res.SessionID, len(res.Unreclaimed))
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&command, "command", "c", "", "Command line to run, split with shell quoting rules")
	return cmd
}

// commandArgs picks the sandboxed argv: explicit args after --, else the
// --command string, else the default shell.
func commandArgs(args []string, command, shell string) ([]string, error) {
	command = strings.TrimSpace(command)
	if len(args) > 0 && command != "" {
		return nil, errors.New("use either --command or arguments after --, not both")
	}
	if len(args) > 0 {
		return args, nil
	}
	if command != "" {
		argv, err := shlex.Split(command)
		if err != nil {
			return nil, fmt.Errorf("parse --command: %w", err)
		}
		if len(argv) == 0 {
			return nil, errors.New("--command is empty")
		}
		return argv, nil
	}
	if shell == "" {
		return nil, errors.New("no command given and no default shell configured")
	}
	return []string{shell}, nil
}
