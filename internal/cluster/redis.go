package cluster

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/oriys/photocache/internal/metrics"
)

// redisDriver speaks to a Redis Cluster through one go-redis ClusterClient.
// Each pooled Client owns its own ClusterClient, holding a single
// connection per shard.
type redisDriver struct {
	client *redis.ClusterClient
}

// NewRedisDriver builds a cluster driver for nodes. No network I/O happens
// until the first command.
func NewRedisDriver(nodes []Node, opts DialOptions) Driver {
	addrs := make([]string, 0, len(nodes))
	for _, n := range nodes {
		addrs = append(addrs, n.Addr())
	}
	client := redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:           addrs,
		Password:        opts.Password,
		DialTimeout:     opts.DialTimeout,
		PoolSize:        1,
		MinRetryBackoff: opts.RetryBackoff,
		MaxRetryBackoff: opts.MaxRetryBackoff,
	})
	client.AddHook(commandHook{})
	return &redisDriver{client: client}
}

// Ping reaches every master so a partially reachable cluster fails the
// handshake.
func (d *redisDriver) Ping(ctx context.Context) error {
	return d.client.ForEachMaster(ctx, func(ctx context.Context, shard *redis.Client) error {
		return shard.Ping(ctx).Err()
	})
}

func (d *redisDriver) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := d.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (d *redisDriver) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return d.client.Set(ctx, key, value, ttl).Err()
}

func (d *redisDriver) Close() error {
	return d.client.Close()
}

type commandStartKey struct{}

// commandHook times every cluster command for the command latency histogram.
type commandHook struct{}

func (commandHook) BeforeProcess(ctx context.Context, _ redis.Cmder) (context.Context, error) {
	return context.WithValue(ctx, commandStartKey{}, time.Now()), nil
}

func (commandHook) AfterProcess(ctx context.Context, cmd redis.Cmder) error {
	start, ok := ctx.Value(commandStartKey{}).(time.Time)
	if !ok {
		return nil
	}
	status := "ok"
	switch err := cmd.Err(); {
	case errors.Is(err, redis.Nil):
		status = "miss"
	case err != nil:
		status = "error"
	}
	metrics.ObserveCacheCommand(cmd.Name(), status, time.Since(start))
	return nil
}

func (commandHook) BeforeProcessPipeline(ctx context.Context, _ []redis.Cmder) (context.Context, error) {
	return ctx, nil
}

func (commandHook) AfterProcessPipeline(context.Context, []redis.Cmder) error {
	return nil
}
