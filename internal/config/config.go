// Package config loads the service configuration: defaults, then an
// optional YAML file, then PHOTOCACHE_* environment overrides. Command-line
// flags are applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/photocache/internal/cacheaside"
	"github.com/oriys/photocache/internal/cluster"
	"github.com/oriys/photocache/internal/observability"
	"github.com/oriys/photocache/internal/origin"
	"github.com/oriys/photocache/internal/pool"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
	// AccessLog is an optional file receiving one JSON line per request.
	AccessLog string `yaml:"access_log"`
}

// PoolConfig sizes the cache client pool and selects its driver.
type PoolConfig struct {
	Name             string         `yaml:"name"`
	Driver           string         `yaml:"driver"` // redis, memory
	Nodes            []cluster.Node `yaml:"nodes"`
	Password         string         `yaml:"password"`
	Min              int            `yaml:"min"`
	Max              int            `yaml:"max"`
	IdleTimeout      time.Duration  `yaml:"idle_timeout"`
	EvictionInterval time.Duration  `yaml:"eviction_interval"`
	AcquireTimeout   time.Duration  `yaml:"acquire_timeout"`
	DialTimeout      time.Duration  `yaml:"dial_timeout"`
}

// Pool returns the pool sizing.
func (p PoolConfig) Pool() pool.Config {
	return pool.Config{
		Name:             p.Name,
		Min:              p.Min,
		Max:              p.Max,
		IdleTimeout:      p.IdleTimeout,
		EvictionInterval: p.EvictionInterval,
		AcquireTimeout:   p.AcquireTimeout,
	}
}

// DialOptions returns the client options for the pool's factory.
func (p PoolConfig) DialOptions() cluster.DialOptions {
	return cluster.DialOptions{
		Driver:      p.Driver,
		Password:    p.Password,
		DialTimeout: p.DialTimeout,
	}
}

// CacheConfig holds cache-aside settings.
type CacheConfig struct {
	Key         string        `yaml:"key"`
	Compression string        `yaml:"compression"` // none, lz4, zstd
	TTL         time.Duration `yaml:"ttl"`         // 0 = no expiry
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Config is the central configuration struct.
type Config struct {
	Server  ServerConfig         `yaml:"server"`
	Log     LogConfig            `yaml:"log"`
	Pool    PoolConfig           `yaml:"pool"`
	Cache   CacheConfig          `yaml:"cache"`
	Origin  origin.Config        `yaml:"origin"`
	Tracing observability.Config `yaml:"tracing"`
	Metrics MetricsConfig        `yaml:"metrics"`
}

// DefaultConfig returns a Config with the reference deployment's values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":4040",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Pool: PoolConfig{
			Name:             "Main",
			Driver:           cluster.DriverRedis,
			Nodes:            []cluster.Node{{Host: "127.0.0.1", Port: 6379}},
			Min:              10,
			Max:              20,
			IdleTimeout:      pool.DefaultIdleTimeout,
			EvictionInterval: pool.DefaultEvictionInterval,
			AcquireTimeout:   pool.DefaultAcquireTimeout,
			DialTimeout:      cluster.DefaultDialTimeout,
		},
		Cache: CacheConfig{
			Key:         cacheaside.DefaultKey,
			Compression: "none",
		},
		Origin: origin.Config{
			URL:     origin.DefaultURL,
			Timeout: origin.DefaultTimeout,
			Breaker: origin.BreakerConfig{
				ErrorPct:       50,
				Window:         30 * time.Second,
				OpenDuration:   10 * time.Second,
				HalfOpenProbes: 1,
				MinRequests:    5,
			},
		},
		Tracing: observability.Config{
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "photocache",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "photocache",
		},
	}
}

// Load reads path (skipped when empty) over the defaults, then applies the
// environment. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := LoadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile decodes a YAML file into cfg. Unknown keys are rejected.
func LoadFromFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv applies PHOTOCACHE_* overrides.
func LoadFromEnv(cfg *Config) error {
	str := map[string]*string{
		"PHOTOCACHE_HTTP_ADDR":         &cfg.Server.Addr,
		"PHOTOCACHE_LOG_LEVEL":         &cfg.Log.Level,
		"PHOTOCACHE_LOG_FORMAT":        &cfg.Log.Format,
		"PHOTOCACHE_ACCESS_LOG":        &cfg.Log.AccessLog,
		"PHOTOCACHE_POOL_NAME":         &cfg.Pool.Name,
		"PHOTOCACHE_POOL_DRIVER":       &cfg.Pool.Driver,
		"PHOTOCACHE_REDIS_PASSWORD":    &cfg.Pool.Password,
		"PHOTOCACHE_CACHE_KEY":         &cfg.Cache.Key,
		"PHOTOCACHE_CACHE_COMPRESSION": &cfg.Cache.Compression,
		"PHOTOCACHE_ORIGIN_URL":        &cfg.Origin.URL,
		"PHOTOCACHE_OTLP_ENDPOINT":     &cfg.Tracing.Endpoint,
		"PHOTOCACHE_METRICS_NAMESPACE": &cfg.Metrics.Namespace,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PHOTOCACHE_POOL_MIN": &cfg.Pool.Min,
		"PHOTOCACHE_POOL_MAX": &cfg.Pool.Max,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"PHOTOCACHE_POOL_IDLE_TIMEOUT":      &cfg.Pool.IdleTimeout,
		"PHOTOCACHE_POOL_EVICTION_INTERVAL": &cfg.Pool.EvictionInterval,
		"PHOTOCACHE_POOL_ACQUIRE_TIMEOUT":   &cfg.Pool.AcquireTimeout,
		"PHOTOCACHE_CACHE_TTL":              &cfg.Cache.TTL,
		"PHOTOCACHE_ORIGIN_TIMEOUT":         &cfg.Origin.Timeout,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	// the prefixed variable wins over the bare one
	for _, key := range []string{"PHOTOCACHE_REDIS_NODES", "REDIS_NODES"} {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		nodes, err := ParseNodes(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		cfg.Pool.Nodes = nodes
		break
	}
	if v := os.Getenv("PHOTOCACHE_TRACING_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PHOTOCACHE_TRACING_ENABLED: %w", err)
		}
		cfg.Tracing.Enabled = enabled
	}
	return nil
}

// ParseNodes parses "host:port,host:port".
func ParseNodes(s string) ([]cluster.Node, error) {
	var nodes []cluster.Node
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(part)
		if err != nil {
			return nil, err
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port in %q", part)
		}
		nodes = append(nodes, cluster.Node{Host: host, Port: port})
	}
	if len(nodes) == 0 {
		return nil, errors.New("no nodes")
	}
	return nodes, nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr cannot be empty"))
	}
	if err := c.Pool.Pool().Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Pool.Driver {
	case cluster.DriverRedis:
		if len(c.Pool.Nodes) == 0 {
			errs = append(errs, errors.New("pool.nodes cannot be empty for the redis driver"))
		}
		for _, n := range c.Pool.Nodes {
			if n.Host == "" || n.Port <= 0 || n.Port > 65535 {
				errs = append(errs, fmt.Errorf("pool.nodes: invalid node %q", n.Addr()))
			}
		}
	case cluster.DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("pool.driver: unknown driver %q", c.Pool.Driver))
	}
	if c.Cache.Key == "" {
		errs = append(errs, errors.New("cache.key cannot be empty"))
	}
	if _, err := cacheaside.ParseCompression(c.Cache.Compression); err != nil {
		errs = append(errs, fmt.Errorf("cache.compression: %w", err))
	}
	if c.Cache.TTL < 0 {
		errs = append(errs, errors.New("cache.ttl cannot be negative"))
	}
	if c.Origin.URL == "" {
		errs = append(errs, errors.New("origin.url cannot be empty"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
