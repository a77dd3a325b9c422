//go:build linux

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/apoxy-dev/webserv/build"
	"github.com/apoxy-dev/webserv/config"
	"github.com/apoxy-dev/webserv/pkg/cgi"
	"github.com/apoxy-dev/webserv/pkg/metrics"
	"github.com/apoxy-dev/webserv/pkg/server"
	"github.com/apoxy-dev/webserv/pretty"
)

var (
	watchConfig bool
	metricsAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the server",
	Long: `Bind every listen address in the configuration and serve requests until
interrupted. With --watch the configuration file is reloaded when it changes.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := initLogging(cfg); err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().BoolVarP(&watchConfig, "watch", "w", false, "Reload the configuration file when it changes.")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address. Overrides the config file.")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg *config.Config) error {
	if watchConfig && config.ConfigFile == "" {
		return errors.New("--watch requires --config")
	}
	opts := []server.Option{}

	m := metrics.New()
	opts = append(opts, server.WithMetrics(m))

	if cfg.CGITrampoline {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to locate executable: %w", err)
		}
		opts = append(opts, server.WithSpawner(&cgi.ExecSpawner{Trampoline: exe}))
	}

	srv, err := server.New(cfg, opts...)
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	start := time.Now()
	slog.Info("Starting webserv", slog.String("version", build.Version()), slog.Bool("dev", build.IsDev()))
	defer func() {
		slog.Info("Stopped webserv", slog.String("uptime", pretty.SinceString(start)))
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx)
	})

	if addr := firstNonEmpty(metricsAddr, cfg.MetricsAddr); addr != "" {
		g.Go(func() error {
			return m.ListenAndServe(ctx, addr)
		})
	}

	if watchConfig {
		g.Go(func() error {
			return config.Watch(ctx, config.ConfigFile, func(cfg *config.Config) {
				if err := srv.Reload(cfg); err != nil {
					slog.Error("Failed to apply configuration", slog.Any("error", err))
				}
			})
		})
	}

	return g.Wait()
}
