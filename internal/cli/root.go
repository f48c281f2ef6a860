// Package cli wires Cobra subcommands to application dependencies; it is a thin controller with no business logic.
package cli

import (
	"log/slog"

	"github.com/neoclaw-ai/aisandbox/internal/config"
	"github.com/neoclaw-ai/aisandbox/internal/logging"
	"github.com/neoclaw-ai/aisandbox/internal/sandbox"
	"github.com/spf13/cobra"
)

var (
	requireRoot    = sandbox.RequireRoot
	currentInvoker = sandbox.CurrentInvoker
	managerFactory = newManager
)

// NewRootCmd creates the root command and registers all subcommands.
func NewRootCmd() *cobra.Command {
	var verbose, debug bool

	root := &cobra.Command{
		Use:   "ai-run",
		Short: "Run AI agents inside a policy-enforced sandbox",
		// Let main handle fatal error rendering through structured logs.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch {
			case debug:
				logging.SetLevel(slog.LevelDebug)
			case verbose:
				logging.SetLevel(slog.LevelInfo)
			default:
				logging.SetLevel(slog.LevelWarn)
			}
			return nil
		},
	}

	root.AddCommand(newCreateCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newShowCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newStopCmd())
	root.AddCommand(newDestroyCmd())
	root.AddCommand(newReaperCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newInitCmd())
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging (info level)")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	return root
}

// loadConfig loads and validates the engine configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
