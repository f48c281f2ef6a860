package cli

import (
	"github.com/neoclaw-ai/aisandbox/internal/sandbox"
	"github.com/spf13/cobra"
)

// newInitCmd is the helper the engine re-executes inside new mount and PID
// namespaces. It reads its request from an inherited pipe, never from flags.
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:                sandbox.InitCommand,
		Hidden:             true,
		DisableFlagParsing: true,
		RunE: func(_ *cobra.Command, args []string) error {
			return sandbox.RunInit(args)
		},
	}
}
