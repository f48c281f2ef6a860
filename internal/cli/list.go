package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/neoclaw-ai/aisandbox/internal/registry"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var all, asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sandbox sessions (running only unless --all)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg, err := registry.Open(cfg.RegistryPath())
			if err != nil {
				return err
			}
			sessions, err := reg.List(cmd.Context())
			if err != nil {
				return err
			}
			if !all {
				running := sessions[:0]
				for _, s := range sessions {
					if s.Status == registry.StatusRunning {
						running = append(running, s)
					}
				}
				sessions = running
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Sessions []registry.Session `json:"sessions"`
				}{Sessions: sessions})
			}
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions.")
				return nil
			}
			return writeSessionTable(out, sessions)
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include stopped and failed sessions")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the registry document as JSON")
	return cmd
}

func writeSessionTable(out io.Writer, sessions []registry.Session) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tPID\tUSER\tSTATUS\tSTARTED\tPOLICY\tCOMMAND")
	for _, s := range sessions {
		status := string(s.Status)
		if s.ExitCode != nil {
			status = fmt.Sprintf("%s (%d)", status, *s.ExitCode)
		}
		pid := "-"
		if s.PID > 0 {
			pid = fmt.Sprint(s.PID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, pid, s.User, status,
			s.Started.Local().Format(time.DateTime),
			s.Policy, strings.Join(s.Command, " "),
		)
	}
	return w.Flush()
}
