package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/neoclaw-ai/aisandbox/internal/bootstrap"
	"github.com/neoclaw-ai/aisandbox/internal/reaper"
	"github.com/spf13/cobra"
)

func newReaperCmd() *cobra.Command {
	var schedule string

	cmd := &cobra.Command{
		Use:   "reaper",
		Short: "Run destroy on a schedule until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireRoot("reaper"); err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if schedule == "" {
				schedule = cfg.Reaper.Schedule
			}
			if err := bootstrap.Initialize(cfg); err != nil {
				return err
			}
			m, err := managerFactory(cfg)
			if err != nil {
				return err
			}
			service, err := reaper.New(schedule, func(ctx context.Context) error {
				_, err := m.Destroy(ctx, false)
				return err
			})
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := service.Start(runCtx); err != nil {
				return err
			}

			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return service.Stop(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "", "Cron expression or @every interval (default: reaper.schedule)")
	return cmd
}
