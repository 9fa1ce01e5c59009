// Package pool lends cluster clients out of bounded, named pools.
//
// # Sizing
//
// A Pool never holds more than Max live clients (idle + in use + being
// created). Clients are created lazily: the first Acquire on an empty pool
// dials one, and once the pool has served traffic the maintenance loop tops
// the live count back up to Min. The same loop evicts clients idle longer
// than IdleTimeout without ever dropping below Min or touching borrowed
// clients.
//
// # Waiting
//
// Capacity is a weighted semaphore of size Max, one unit per borrowed
// client. Waiters queue on it in arrival order and give up after
// AcquireTimeout with ErrPoolExhausted.
//
// # Concurrency
//
// p.mu guards the idle stack, the in-use set and the pending counter.
// Factory calls (dial and quit) always run outside the lock.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/photocache/internal/cluster"
	"github.com/oriys/photocache/internal/logging"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrPoolExhausted means no client freed up within the acquire timeout.
	// Callers may retry.
	ErrPoolExhausted = errors.New("pool exhausted")
	// ErrInvalidRelease means the released client is not currently borrowed
	// from the pool. It always indicates a bug in the caller.
	ErrInvalidRelease = errors.New("invalid release")
	// ErrPoolClosed is returned once Close has been called.
	ErrPoolClosed = errors.New("pool closed")
)

const (
	DefaultIdleTimeout      = 60 * time.Second
	DefaultEvictionInterval = 30 * time.Second
	DefaultAcquireTimeout   = 5 * time.Second

	destroyTimeout = 5 * time.Second
)

// Destroy reasons, used in logs and metrics.
const (
	reasonEvicted  = "evicted"
	reasonClosed   = "closed"
	reasonShutdown = "shutdown"
	reasonDiscard  = "discarded"
)

// Config sizes and times one pool. It is fixed for the pool's lifetime.
type Config struct {
	Name             string
	Min              int
	Max              int
	IdleTimeout      time.Duration
	EvictionInterval time.Duration
	AcquireTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.EvictionInterval <= 0 {
		c.EvictionInterval = DefaultEvictionInterval
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	return c
}

// Validate checks the sizing bounds.
func (c Config) Validate() error {
	switch {
	case c.Name == "":
		return errors.New("pool name is required")
	case c.Max <= 0:
		return fmt.Errorf("pool %s: max must be positive, got %d", c.Name, c.Max)
	case c.Min < 0:
		return fmt.Errorf("pool %s: min must not be negative, got %d", c.Name, c.Min)
	case c.Min > c.Max:
		return fmt.Errorf("pool %s: min %d exceeds max %d", c.Name, c.Min, c.Max)
	}
	return nil
}

// Factory creates and destroys the clients of one pool.
type Factory interface {
	Create(ctx context.Context) (*cluster.Client, error)
	Destroy(ctx context.Context, c *cluster.Client) error
}

type pooledClient struct {
	client    *cluster.Client
	createdAt time.Time
	lastUsed  time.Time
}

// Pool is a bounded set of cluster clients for one logical name.
type Pool struct {
	name    string
	cfg     Config
	factory Factory
	slots   *semaphore.Weighted

	mu      sync.Mutex
	idle    []*pooledClient // stack: most recently released on top
	inUse   map[*cluster.Client]*pooledClient
	pending int // clients being dialed; they count toward Max
	waiters int
	warmed  bool // set by the first Acquire; gates the Min refill
	closed  bool

	created   atomic.Int64
	destroyed atomic.Int64
	evicted   atomic.Int64
	exhausted atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New validates cfg and starts the pool's maintenance loop. No client is
// created until the first Acquire.
func New(cfg Config, factory Factory) (*Pool, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, fmt.Errorf("pool %s: nil factory", cfg.Name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:    cfg.Name,
		cfg:     cfg,
		factory: factory,
		slots:   semaphore.NewWeighted(int64(cfg.Max)),
		inUse:   make(map[*cluster.Client]*pooledClient),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go p.maintenanceLoop()

	logging.Op().Info("pool created",
		"pool", cfg.Name,
		"min", cfg.Min,
		"max", cfg.Max,
		"idle_timeout", cfg.IdleTimeout.String(),
		"eviction_interval", cfg.EvictionInterval.String())
	return p, nil
}

// Name returns the pool's registry key.
func (p *Pool) Name() string { return p.name }

// Config returns the effective configuration, defaults applied.
func (p *Pool) Config() Config { return p.cfg }

func (p *Pool) liveLocked() int {
	return len(p.idle) + len(p.inUse) + p.pending
}
