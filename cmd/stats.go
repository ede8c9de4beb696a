package cmd

import (
	"github.com/spf13/cobra"
)

func newProxiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxies",
		Short: "Inspect the proxy pool",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show pool health without probing",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				rt, err := resolveRuntime(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, rt, rt.app.ProxyStats())
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Probe every proxy now and show the result",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				rt, err := resolveRuntime(cmd.Context())
				if err != nil {
					return err
				}
				stats, err := rt.app.ValidateProxies(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, rt, stats)
			},
		},
	)
	return cmd
}

func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect the user-agent pool",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show user-agent usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, rt, rt.app.AgentStats())
		},
	})
	return cmd
}

func printJSON(cmd *cobra.Command, rt *services, v any) error {
	out, err := rt.app.Render(v, "json")
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
