package cli

import (
	"fmt"
	"io"

	"github.com/neoclaw-ai/aisandbox/internal/bootstrap"
	"github.com/neoclaw-ai/aisandbox/internal/sandbox"
	"github.com/spf13/cobra"
)

func newDestroyCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Reclaim isolation resources left by sessions that are no longer running",
		Long: "Reclaim isolation resources left by sessions that are no longer running.\n" +
			"Resources are found by their kernel names and labels, so this also cleans up\n" +
			"after engines that crashed. With --force, running sessions are killed too.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireRoot("destroy"); err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := bootstrap.Initialize(cfg); err != nil {
				return err
			}
			m, err := managerFactory(cfg)
			if err != nil {
				return err
			}
			rep, err := m.Destroy(cmd.Context(), force)
			writeDestroyReport(cmd.OutOrStdout(), rep)
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Also kill and reclaim running sessions")
	return cmd
}

func writeDestroyReport(out io.Writer, rep sandbox.DestroyReport) {
	for _, id := range rep.Killed {
		fmt.Fprintf(out, "killed session %s\n", id)
	}
	for _, id := range rep.Finalized {
		fmt.Fprintf(out, "finalized session %s\n", id)
	}
	for _, r := range rep.Removed {
		fmt.Fprintf(out, "removed %s\n", r)
	}
	fmt.Fprintf(out, "Removed %d resources; %d sessions still running; %d failures\n", len(rep.Removed), len(rep.Kept), len(rep.Failed))
}
