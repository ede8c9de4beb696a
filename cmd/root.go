// Package cmd defines and implements the CLI commands for the fetchcore executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchcore/internal/app"
	"github.com/JakeFAU/fetchcore/internal/config"
	"github.com/JakeFAU/fetchcore/internal/logging"
	"github.com/JakeFAU/fetchcore/internal/telemetry"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// servicesKey is the key for storing the runtime in the context.
type servicesKey struct{}

// services is everything a subcommand needs, built once per invocation.
type services struct {
	cfg      config.Config
	logger   *zap.Logger
	app      *app.App
	shutdown telemetry.Shutdown
}

type rootFlags struct {
	configPath string
	dev        bool
}

// newDeps lets tests swap in stub collaborators.
var newDeps = func() app.Deps { return app.Deps{} }

// newRootCmd returns the command tree and a cleanup that releases whatever
// services the last invocation built. Cobra skips post-run hooks when RunE
// fails, so callers must run cleanup themselves.
func newRootCmd() (*cobra.Command, func()) {
	flags := &rootFlags{}
	var (
		rt   *services
		once sync.Once
	)
	cleanup := func() {
		once.Do(func() {
			if rt != nil {
				rt.close(context.Background())
			}
		})
	}
	cmd := &cobra.Command{
		Use:   "fetchcore",
		Short: "Concurrent HTTP fetching with pooled sessions, proxy rotation and adaptive retries.",
		Long: `fetchcore fetches URLs through a shared engine that paces requests,
rotates proxies and user agents, pools connections per session and retries
transient failures with backoff. Results can be rendered as JSON, CSV, XML,
HTML or YAML and exported to local disk or Cloud Storage.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			built, err := buildRuntime(cmd, flags)
			if err != nil {
				return err
			}
			rt = built
			cmd.SetContext(context.WithValue(cmd.Context(), servicesKey{}, rt))
			return nil
		},

		PersistentPostRun: func(*cobra.Command, []string) {
			cleanup()
		},
	}

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().BoolVar(&flags.dev, "dev", false, "force development logging")

	cmd.AddCommand(
		newFetchCmd(),
		newBatchCmd(),
		newServeCmd(),
		newProxiesCmd(),
		newAgentsCmd(),
	)
	return cmd, cleanup
}

func buildRuntime(cmd *cobra.Command, flags *rootFlags) (*services, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cmd.Flags().Changed("dev") {
		cfg.Logging.Development = flags.dev
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)

	_, shutdown, err := telemetry.Init(cmd.Context(), cfg.Telemetry(Version))
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	a, err := app.New(cmd.Context(), cfg, logger, newDeps())
	if err != nil {
		if serr := shutdown(cmd.Context()); serr != nil {
			logger.Warn("tracer shutdown", zap.Error(serr))
		}
		return nil, fmt.Errorf("failed to initialize application services: %w", err)
	}
	return &services{cfg: cfg, logger: logger, app: a, shutdown: shutdown}, nil
}

func (rt *services) close(ctx context.Context) {
	rt.app.Close()
	if err := rt.shutdown(ctx); err != nil {
		rt.logger.Warn("tracer shutdown", zap.Error(err))
	}
	// Sync on a terminal stderr returns EINVAL; nothing useful to do with it.
	_ = rt.logger.Sync()
}

func resolveRuntime(ctx context.Context) (*services, error) {
	rt, ok := ctx.Value(servicesKey{}).(*services)
	if !ok || rt == nil {
		return nil, errors.New("application services not initialized")
	}
	return rt, nil
}

// Execute is the main entry point.
func Execute() {
	root, cleanup := newRootCmd()
	err := root.ExecuteContext(context.Background())
	cleanup()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
