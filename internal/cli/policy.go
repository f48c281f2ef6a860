package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/neoclaw-ai/aisandbox/internal/policy"
	"github.com/spf13/cobra"
)

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <policy>",
		Short: "Print a policy as the engine will enforce it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := policy.OptionsForInvoker()
			if err != nil {
				return err
			}
			p, err := policy.Load(args[0], opts)
			if err != nil {
				return err
			}
			writePolicy(cmd.OutOrStdout(), p)
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <policy>",
		Short: "Check a policy file and report every problem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := policy.OptionsForInvoker()
			if err != nil {
				return err
			}
			if _, err := policy.Load(args[0], opts); err != nil {
				var verrs policy.ValidationErrors
				if errors.As(err, &verrs) {
					for _, v := range verrs {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", args[0], v.Error())
					}
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid\n", args[0])
			return nil
		},
	}
}

func writePolicy(out io.Writer, p *policy.Policy) {
	fmt.Fprintf(out, "Policy:           %s\n", p.Source)
	fmt.Fprintf(out, "Hash:             blake3:%s\n", p.Hash)
	fmt.Fprintf(out, "Network:          %s (allow_all_https: %t)\n", p.Posture, p.AllowAllHTTPS)

	fmt.Fprintln(out, "Protected paths:")
	if len(p.ProtectedPaths) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	for _, path := range p.ProtectedPaths {
		fmt.Fprintf(out, "  %s\n", path)
	}

	fmt.Fprintln(out, "Whitelist:")
	if len(p.Whitelist) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	for _, ep := range p.Whitelist {
		fmt.Fprintf(out, "  %s (%s)\n", ep.String(), ep.Kind)
	}

	ports := "unbounded"
	if tcp := p.TCPPorts(); tcp != nil {
		parts := make([]string, 0, len(tcp))
		for _, port := range tcp {
			parts = append(parts, fmt.Sprint(port))
		}
		ports = strings.Join(parts, ", ")
	}
	fmt.Fprintf(out, "TCP ports:        %s\n", ports)

	syscalls := "(none)"
	if len(p.BlockedSyscalls) > 0 {
		syscalls = strings.Join(p.BlockedSyscalls, ", ")
	}
	fmt.Fprintf(out, "Blocked syscalls: %s\n", syscalls)
}
