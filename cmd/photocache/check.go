package main

import (
	"context"
	"fmt"

	"github.com/oriys/photocache/internal/logging"
	"github.com/spf13/cobra"
)

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify that the cache cluster is reachable and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logging.InitStructured(cfg.Log.Format, cfg.Log.Level)

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Pool.DialTimeout+cfg.Pool.AcquireTimeout)
			defer cancel()
			if err := a.probe(ctx); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "OK: pool %s reachable via %s driver\n", cfg.Pool.Name, cfg.Pool.Driver)
			return nil
		},
	}
	addPoolFlags(cmd)
	return cmd
}
