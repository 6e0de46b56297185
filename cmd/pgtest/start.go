package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jamesnunn/pgtest/internal/config"
	"github.com/jamesnunn/pgtest/internal/debug"
	"github.com/jamesnunn/pgtest/internal/pgserver"
	"github.com/jamesnunn/pgtest/internal/telemetry"
	"github.com/jamesnunn/pgtest/internal/ui"
)

type startOptions struct {
	instances     int
	output        string
	envFile       string
	telemetryMode string
	exitWhenReady bool
}

func newStartCmd(root *rootOptions) *cobra.Command {
	opts := &startOptions{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run disposable PostgreSQL servers until interrupted",
		Long: `Start one or more throwaway PostgreSQL servers and keep them running until
SIGINT or SIGTERM. Each server gets its own data directory and an unused port;
everything is removed on shutdown unless --no-cleanup is given.

Connection details are printed once every server accepts connections. With
--env-file they are also written as PGHOST, PGPORT, PGUSER, PGDATABASE and
DATABASE_URL for tools that read dotenv files.

Examples:
  pgtest start
  pgtest start --database app_test --env-file .env.test
  pgtest start --instances 3 --output json
  pgtest start --copy-from ./seeded-data --no-cleanup`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, root, opts)
		},
	}
	config.RegisterFlags(cmd.Flags())
	cmd.Flags().IntVarP(&opts.instances, "instances", "n", 1, "Number of independent servers to run")
	cmd.Flags().StringVarP(&opts.output, "output", "o", formatText, "Output format: text, json, yaml or toml")
	cmd.Flags().StringVar(&opts.envFile, "env-file", "", "Write connection variables of the servers to this dotenv file")
	cmd.Flags().StringVar(&opts.telemetryMode, "telemetry", telemetry.ModeNone, "Telemetry exporter: none, stdout or otlp")
	cmd.Flags().BoolVar(&opts.exitWhenReady, "exit-when-ready", false, "Shut down as soon as every server is ready")
	return cmd
}

func runStart(cmd *cobra.Command, root *rootOptions, opts *startOptions) (err error) {
	if err := validFormat(opts.output); err != nil {
		return err
	}
	if opts.instances < 1 {
		return fmt.Errorf("%w: --instances must be at least 1", pgserver.ErrValidation)
	}

	v := config.New()
	if err := config.ReadFile(v, root.configFile); err != nil {
		return err
	}
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return err
	}
	cfg, err := config.Fixture(v)
	if err != nil {
		return err
	}
	cfg.Logf = progressLogger(cmd, root.verbose)

	configs, err := instanceConfigs(cfg, opts.instances)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, opts.telemetryMode, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := shutdown(flushCtx); serr != nil {
			debug.Logf("telemetry shutdown: %v", serr)
		}
	}()

	fixtures, err := startAll(ctx, configs)
	defer func() {
		err = errors.Join(err, closeAll(fixtures))
	}()
	if err != nil {
		return err
	}

	report := startReport{}
	for _, f := range fixtures {
		report.Instances = append(report.Instances, describe(f))
	}
	if err := writeReport(cmd.OutOrStdout(), opts.output, report); err != nil {
		return err
	}
	if opts.envFile != "" {
		if err := writeEnvFile(opts.envFile, report); err != nil {
			return err
		}
	}

	if opts.exitWhenReady {
		return nil
	}
	if opts.output == formatText {
		fmt.Fprintln(cmd.ErrOrStderr(), ui.RenderMuted("Press Ctrl+C to stop."))
	}
	<-ctx.Done()
	fmt.Fprintln(cmd.ErrOrStderr(), ui.RenderMuted("Shutting down..."))
	return nil
}

// progressLogger prints fixture progress to stderr in verbose mode and
// otherwise defers to the debug logger.
func progressLogger(cmd *cobra.Command, verbose bool) func(string, ...any) {
	if !verbose {
		return debug.Logf
	}
	var mu sync.Mutex
	w := cmd.ErrOrStderr()
	return func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(w, ui.RenderMuted(fmt.Sprintf(format, args...)))
	}
}

// instanceConfigs derives one config per instance. Each instance gets its
// own subdirectory of a shared base directory, so settings that name a
// single port or log file cannot be combined with several instances.
func instanceConfigs(cfg pgserver.Config, n int) ([]pgserver.Config, error) {
	if n == 1 {
		return []pgserver.Config{cfg}, nil
	}
	if cfg.Port != 0 {
		return nil, fmt.Errorf("%w: --port cannot be combined with --instances %d", pgserver.ErrValidation, n)
	}
	if cfg.LogFile != "" {
		return nil, fmt.Errorf("%w: --log-file cannot be combined with --instances %d", pgserver.ErrValidation, n)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	configs := make([]pgserver.Config, n)
	for i := range configs {
		c := cfg
		if cfg.BaseDir != "" {
			c.BaseDir = filepath.Join(cfg.BaseDir, fmt.Sprintf("instance-%d", i+1))
			if err := os.MkdirAll(c.BaseDir, 0700); err != nil {
				return nil, fmt.Errorf("%w: creating %s: %w", pgserver.ErrInit, c.BaseDir, err)
			}
		}
		configs[i] = c
	}
	return configs, nil
}

// startAll runs every fixture concurrently. On failure the fixtures that
// did start are still returned so the caller can close them.
func startAll(ctx context.Context, configs []pgserver.Config) ([]*pgserver.Fixture, error) {
	fixtures := make([]*pgserver.Fixture, len(configs))
	g, gctx := errgroup.WithContext(ctx)
	for i, cfg := range configs {
		g.Go(func() error {
			f, err := pgserver.Run(gctx, cfg)
			if err != nil {
				return err
			}
			fixtures[i] = f
			return nil
		})
	}
	err := g.Wait()
	started := fixtures[:0]
	for _, f := range fixtures {
		if f != nil {
			started = append(started, f)
		}
	}
	return started, err
}

func closeAll(fixtures []*pgserver.Fixture) error {
	var g errgroup.Group
	for _, f := range fixtures {
		g.Go(f.Close)
	}
	return g.Wait()
}
