package cli

import (
	"fmt"

	"github.com/neoclaw-ai/aisandbox/internal/policy"
	"github.com/spf13/cobra"
)

func newCreateCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "create [dir]",
		Short: "Write a default policy.yaml into dir (default: current directory)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			path, err := policy.WriteDefault(dir, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing policy file")
	return cmd
}
