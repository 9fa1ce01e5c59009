package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oriys/photocache/internal/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":4040", cfg.Server.Addr)
	assert.Equal(t, "Main", cfg.Pool.Name)
	assert.Equal(t, 10, cfg.Pool.Min)
	assert.Equal(t, 20, cfg.Pool.Max)
	assert.Equal(t, 60*time.Second, cfg.Pool.IdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.Pool.EvictionInterval)
	assert.Equal(t, "photo", cfg.Cache.Key)
	assert.Zero(t, cfg.Cache.TTL)
	assert.Equal(t, "https://jsonplaceholder.typicode.com/photos", cfg.Origin.URL)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "photocache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":8080"
pool:
  nodes:
    - host: 192.168.1.13
      port: 6375
  min: 2
  max: 4
  idle_timeout: 90s
cache:
  compression: zstd
  ttl: 1h
origin:
  breaker:
    error_pct: 25
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, []cluster.Node{{Host: "192.168.1.13", Port: 6375}}, cfg.Pool.Nodes)
	assert.Equal(t, 2, cfg.Pool.Min)
	assert.Equal(t, 4, cfg.Pool.Max)
	assert.Equal(t, 90*time.Second, cfg.Pool.IdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.Pool.EvictionInterval, "unset keys keep defaults")
	assert.Equal(t, "zstd", cfg.Cache.Compression)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 25.0, cfg.Origin.Breaker.ErrorPct)
	assert.Equal(t, 10*time.Second, cfg.Origin.Breaker.OpenDuration)
}

func TestLoadFromFileRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "photocache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool:\n  maximum: 3\n"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "maximum")
}

func TestLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PHOTOCACHE_HTTP_ADDR", ":9090")
	t.Setenv("PHOTOCACHE_LOG_LEVEL", "debug")
	t.Setenv("PHOTOCACHE_REDIS_NODES", "10.0.0.1:7000, 10.0.0.2:7001")
	t.Setenv("PHOTOCACHE_POOL_MAX", "40")
	t.Setenv("PHOTOCACHE_POOL_DRIVER", "memory")
	t.Setenv("PHOTOCACHE_CACHE_TTL", "5m")
	t.Setenv("PHOTOCACHE_ORIGIN_URL", "http://origin.internal/photos")
	t.Setenv("PHOTOCACHE_TRACING_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []cluster.Node{
		{Host: "10.0.0.1", Port: 7000},
		{Host: "10.0.0.2", Port: 7001},
	}, cfg.Pool.Nodes)
	assert.Equal(t, 40, cfg.Pool.Max)
	assert.Equal(t, cluster.DriverMemory, cfg.Pool.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "http://origin.internal/photos", cfg.Origin.URL)
	assert.True(t, cfg.Tracing.Enabled)
}

func TestLoadFromEnvBareRedisNodes(t *testing.T) {
	t.Setenv("REDIS_NODES", "10.0.0.9:6379")
	t.Setenv("PHOTOCACHE_POOL_EVICTION_INTERVAL", "45s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []cluster.Node{{Host: "10.0.0.9", Port: 6379}}, cfg.Pool.Nodes)
	assert.Equal(t, 45*time.Second, cfg.Pool.EvictionInterval)

	t.Setenv("PHOTOCACHE_REDIS_NODES", "10.0.0.1:7000")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, []cluster.Node{{Host: "10.0.0.1", Port: 7000}}, cfg.Pool.Nodes, "prefixed variable wins")

	t.Setenv("PHOTOCACHE_REDIS_NODES", "")
	t.Setenv("REDIS_NODES", "nohost")
	_, err = Load("")
	assert.ErrorContains(t, err, "REDIS_NODES")
}

func TestLoadFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("PHOTOCACHE_POOL_MIN", "ten")
	_, err := Load("")
	assert.ErrorContains(t, err, "PHOTOCACHE_POOL_MIN")
}

func TestParseNodes(t *testing.T) {
	nodes, err := ParseNodes("192.168.1.13:6375")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.13:6375", nodes[0].Addr())

	for _, bad := range []string{"", "localhost", "localhost:0", "localhost:http", " , "} {
		_, err := ParseNodes(bad)
		assert.Error(t, err, bad)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		msg    string
	}{
		{"min above max", func(c *Config) { c.Pool.Min = 30 }, "exceeds max"},
		{"zero max", func(c *Config) { c.Pool.Min, c.Pool.Max = 0, 0 }, "max must be positive"},
		{"empty topology", func(c *Config) { c.Pool.Nodes = nil }, "pool.nodes cannot be empty"},
		{"bad node", func(c *Config) { c.Pool.Nodes = []cluster.Node{{Host: "", Port: 6379}} }, "invalid node"},
		{"unknown driver", func(c *Config) { c.Pool.Driver = "memcached" }, "unknown driver"},
		{"unknown compression", func(c *Config) { c.Cache.Compression = "brotli" }, "cache.compression"},
		{"negative ttl", func(c *Config) { c.Cache.TTL = -time.Second }, "cache.ttl"},
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.msg)
		})
	}

	cfg := DefaultConfig()
	cfg.Pool.Driver = cluster.DriverMemory
	cfg.Pool.Nodes = nil
	assert.NoError(t, cfg.Validate(), "memory driver needs no topology")
}

func TestPoolConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pool.Password = "s3cret"

	pc := cfg.Pool.Pool()
	assert.Equal(t, "Main", pc.Name)
	assert.Equal(t, 20, pc.Max)

	opts := cfg.Pool.DialOptions()
	assert.Equal(t, cluster.DriverRedis, opts.Driver)
	assert.Equal(t, "s3cret", opts.Password)
}
