package main

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/photocache/internal/cacheaside"
	"github.com/oriys/photocache/internal/cluster"
	"github.com/oriys/photocache/internal/config"
	"github.com/oriys/photocache/internal/logging"
	"github.com/oriys/photocache/internal/origin"
	"github.com/oriys/photocache/internal/pool"
	"github.com/spf13/cobra"
)

// loadConfig layers defaults, the config file, the environment and finally
// any flags set on cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	flags := cmd.Flags()
	if flags.Lookup("http") != nil && flags.Changed("http") {
		cfg.Server.Addr, _ = flags.GetString("http")
	}
	if flags.Lookup("nodes") != nil && flags.Changed("nodes") {
		v, _ := flags.GetString("nodes")
		if cfg.Pool.Nodes, err = config.ParseNodes(v); err != nil {
			return nil, fmt.Errorf("--nodes: %w", err)
		}
	}
	if flags.Lookup("driver") != nil && flags.Changed("driver") {
		cfg.Pool.Driver, _ = flags.GetString("driver")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func addPoolFlags(cmd *cobra.Command) {
	cmd.Flags().String("nodes", "", "Cluster nodes as host:port,host:port")
	cmd.Flags().String("driver", "", "Client driver (redis, memory)")
}

// app is the wired service.
type app struct {
	cfg      *config.Config
	registry *pool.Registry
	fetcher  *origin.Fetcher
	cache    *cacheaside.Handler
}

func newApp(cfg *config.Config) (*app, error) {
	compression, err := cacheaside.ParseCompression(cfg.Cache.Compression)
	if err != nil {
		return nil, err
	}

	opts := cfg.Pool.DialOptions()
	registry := pool.NewRegistry(func(name string, nodes []cluster.Node) pool.Factory {
		return pool.NewClusterFactory(name, nodes, opts)
	})
	fetcher := origin.New(cfg.Origin, nil)

	return &app{
		cfg:      cfg,
		registry: registry,
		fetcher:  fetcher,
		cache: cacheaside.New(registry, fetcher, cacheaside.Config{
			Pool:        cfg.Pool.Pool(),
			Nodes:       cfg.Pool.Nodes,
			Key:         cfg.Cache.Key,
			TTL:         cfg.Cache.TTL,
			Compression: compression,
			// an entry never legitimately decodes past what the origin may return
			MaxEntryBytes: cfg.Origin.MaxBodyBytes,
		}),
	}, nil
}

// probe borrows one client from the main pool, pings the cluster through
// it and gives it back. The pool is created here if needed.
func (a *app) probe(ctx context.Context) error {
	p, err := a.registry.GetOrCreate(a.cfg.Pool.Name, a.cfg.Pool.Nodes, a.cfg.Pool.Pool())
	if err != nil {
		return err
	}

	start := time.Now()
	err = p.Do(ctx, func(c *cluster.Client) error {
		return c.Ping(ctx)
	})
	if err != nil {
		return fmt.Errorf("cluster unreachable: %w", err)
	}

	logging.Op().Info("cluster reachable",
		"pool", p.Name(),
		"driver", a.cfg.Pool.Driver,
		"nodes", len(a.cfg.Pool.Nodes),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (a *app) close(ctx context.Context) error {
	return a.registry.Close(ctx)
}
