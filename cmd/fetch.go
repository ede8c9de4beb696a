package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type fetchFlags struct {
	format   string
	useProxy bool
	session  string
	body     bool
}

func newFetchCmd() *cobra.Command {
	flags := &fetchFlags{}
	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Fetch a single URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, args[0], flags)
		},
	}
	cmd.Flags().StringVar(&flags.format, "format", "", "output format (json, csv, xml, html, yaml)")
	cmd.Flags().BoolVar(&flags.useProxy, "proxy", false, "route through the proxy pool")
	cmd.Flags().StringVar(&flags.session, "session", "", "session id for connection pooling")
	cmd.Flags().BoolVar(&flags.body, "body", false, "print the response body instead of the result record")
	return cmd
}

func runFetch(cmd *cobra.Command, url string, flags *fetchFlags) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	opts := rt.app.DefaultOptions()
	if cmd.Flags().Changed("proxy") {
		opts.UseProxy = flags.useProxy
	}
	if flags.session != "" {
		opts.SessionID = flags.session
	}

	res := rt.app.FetchOne(cmd.Context(), url, opts)
	rt.logger.Debug("fetch finished",
		zap.String("url", url),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("attempts", res.Attempts),
	)
	if flags.body && res.OK() {
		_, err := cmd.OutOrStdout().Write(res.Body)
		return err
	}

	format := flags.format
	if format == "" {
		format = rt.app.DefaultFormat()
	}
	out, err := rt.app.Render(res, format)
	if err != nil {
		return err
	}
	if _, err := cmd.OutOrStdout().Write(out); err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("fetch %s failed: %s", url, res.Message)
	}
	return nil
}
