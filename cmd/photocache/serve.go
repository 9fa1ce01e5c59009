package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/oriys/photocache/internal/api"
	"github.com/oriys/photocache/internal/logging"
	"github.com/oriys/photocache/internal/metrics"
	"github.com/oriys/photocache/internal/observability"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			logging.InitStructured(cfg.Log.Format, cfg.Log.Level)
			if cfg.Log.AccessLog != "" {
				if err := logging.Default().SetOutput(cfg.Log.AccessLog); err != nil {
					return fmt.Errorf("open access log: %w", err)
				}
			}
			defer logging.Default().Close()

			if cfg.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Metrics.Namespace, nil)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := observability.Init(ctx, cfg.Tracing); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			a, err := newApp(cfg)
			if err != nil {
				return err
			}

			// no listener until the cluster has answered once
			probeCtx, cancel := context.WithTimeout(ctx, cfg.Pool.DialTimeout+cfg.Pool.AcquireTimeout)
			err = a.probe(probeCtx)
			cancel()
			if err != nil {
				a.close(context.Background())
				return fmt.Errorf("startup connectivity check failed: %w", err)
			}

			server, addr, err := api.StartHTTPServer(api.ServerConfig{
				Addr:         cfg.Server.Addr,
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
				Cache:        a.cache,
				Origin:       a.fetcher,
				Registry:     a.registry,
			})
			if err != nil {
				a.close(context.Background())
				return err
			}
			logging.Op().Info("photocache started",
				"addr", addr.String(),
				"pool", cfg.Pool.Name,
				"cache_key", cfg.Cache.Key,
				"origin", cfg.Origin.URL)

			<-ctx.Done()
			logging.Op().Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := api.Shutdown(shutdownCtx, server); err != nil {
				logging.Op().Warn("HTTP shutdown incomplete", "error", err)
			}
			if err := a.close(shutdownCtx); err != nil {
				logging.Op().Warn("pool shutdown incomplete", "error", err)
			}
			return nil
		},
	}

	cmd.Flags().String("http", "", "HTTP listen address (default :4040)")
	addPoolFlags(cmd)
	return cmd
}
