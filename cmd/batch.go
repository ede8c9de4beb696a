package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type batchFlags struct {
	file     string
	format   string
	export   bool
	useProxy bool
}

func newBatchCmd() *cobra.Command {
	flags := &batchFlags{}
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Fetch every URL listed in a file",
		Long: `Reads one URL per line (blank lines and lines starting with # are skipped)
and fetches them with the configured strategy. Use --file - to read stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBatch(cmd, flags)
		},
	}
	cmd.Flags().StringVarP(&flags.file, "file", "f", "", "file of URLs, one per line")
	cmd.Flags().StringVar(&flags.format, "format", "", "output format (json, csv, xml, html, yaml)")
	cmd.Flags().BoolVar(&flags.export, "export", false, "also write the rendered results to the configured blob store")
	cmd.Flags().BoolVar(&flags.useProxy, "proxy", false, "route through the proxy pool")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runBatch(cmd *cobra.Command, flags *batchFlags) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	urls, err := readURLs(cmd.InOrStdin(), flags.file)
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		return errors.New("no urls to fetch")
	}

	opts := rt.app.DefaultOptions()
	if cmd.Flags().Changed("proxy") {
		opts.UseProxy = flags.useProxy
	}
	format := flags.format
	if format == "" {
		format = rt.app.DefaultFormat()
	}

	b, err := rt.app.FetchMany(cmd.Context(), urls, opts)
	if err != nil {
		return err
	}
	rt.logger.Info("batch finished",
		zap.String("batch_id", b.ID),
		zap.Int("total", b.Summary.Total),
		zap.Int("succeeded", b.Summary.Succeeded),
		zap.Int("failed", b.Summary.Failed),
	)

	out, err := rt.app.Render(b.Results, format)
	if err != nil {
		return err
	}
	if _, err := cmd.OutOrStdout().Write(out); err != nil {
		return err
	}

	if flags.export {
		uri, err := rt.app.Export(cmd.Context(), b.Results, format)
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		fmt.Fprintln(cmd.ErrOrStderr(), uri)
	}
	return nil
}

// readURLs loads the URL list from path, or from stdin when path is "-".
func readURLs(stdin io.Reader, path string) ([]string, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open url file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var urls []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read url file: %w", err)
	}
	return urls, nil
}
