// Package cluster wraps a single logical connection to a sharded cache
// cluster behind an explicit lifecycle state machine.
//
// A Client is created in StateConnecting, becomes StateReady once the
// handshake against every shard succeeds, and from then on moves between
// Ready, Error and Reconnecting as transport faults occur and are recovered.
// Recovery runs in the background: the borrower of a faulted client sees
// ErrClientNotReady until the client is Ready again and is expected to retry
// with a fresh client rather than waiting on this one.
//
// Close is the only way into Closing and Closed and is reserved for the
// owning pool.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/photocache/internal/logging"
	"github.com/oriys/photocache/internal/metrics"
)

var (
	// ErrClientNotReady is returned by Get and Set when the client is not Ready.
	ErrClientNotReady = errors.New("cluster: client not ready")
	// ErrClientClosed is returned by every operation once Close has started.
	ErrClientClosed = errors.New("cluster: client closed")
)

const (
	DriverRedis  = "redis"
	DriverMemory = "memory"

	DefaultDialTimeout     = 5 * time.Second
	DefaultRetryBackoff    = 100 * time.Millisecond
	DefaultMaxRetryBackoff = 5 * time.Second
)

// Node is one host/port pair of the cluster topology.
type Node struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// Addr returns the node in host:port form.
func (n Node) Addr() string {
	return n.Host + ":" + strconv.Itoa(n.Port)
}

// Driver is the transport underneath a Client. Get reports a miss with
// ok == false and a nil error.
type Driver interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// DialOptions configures how Dial builds the driver for a new Client.
type DialOptions struct {
	Driver          string
	Password        string
	DialTimeout     time.Duration
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration

	// Store backs the memory driver. Nil selects the process-wide store.
	Store *MemoryStore
}

func (o DialOptions) withDefaults() DialOptions {
	if o.Driver == "" {
		o.Driver = DriverRedis
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.MaxRetryBackoff < o.RetryBackoff {
		o.MaxRetryBackoff = max(DefaultMaxRetryBackoff, o.RetryBackoff)
	}
	return o
}

// Client is one logical connection to the cluster. It is safe for
// concurrent use, although the pool lends it to a single borrower at a time.
type Client struct {
	id     string
	pool   string
	driver Driver
	opts   DialOptions

	mu         sync.Mutex
	state      State
	lastErr    error
	recovering bool
	done       chan struct{}
}

// Dial builds the driver selected by opts for the given topology and opens
// a Client over it.
func Dial(ctx context.Context, pool string, nodes []Node, opts DialOptions) (*Client, error) {
	opts = opts.withDefaults()

	var d Driver
	switch opts.Driver {
	case DriverRedis:
		if len(nodes) == 0 {
			return nil, fmt.Errorf("dial %s: empty cluster topology", pool)
		}
		d = NewRedisDriver(nodes, opts)
	case DriverMemory:
		store := opts.Store
		if store == nil {
			store = sharedMemoryStore()
		}
		d = NewMemoryDriver(store)
	default:
		return nil, fmt.Errorf("dial %s: unknown driver %q", pool, opts.Driver)
	}
	return Open(ctx, pool, d, opts)
}

// Open runs the connection handshake over d. On failure the driver is
// closed and the client never leaves the pool factory.
func Open(ctx context.Context, pool string, d Driver, opts DialOptions) (*Client, error) {
	opts = opts.withDefaults()
	c := &Client{
		id:     uuid.NewString()[:8],
		pool:   pool,
		driver: d,
		opts:   opts,
		state:  StateConnecting,
		done:   make(chan struct{}),
	}
	c.logTransition(StateConnecting, StateConnecting, nil)

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	err := d.Ping(pingCtx)
	cancel()
	if err != nil {
		c.setState(StateClosing, err)
		close(c.done)
		_ = d.Close()
		c.setState(StateClosed, nil)
		return nil, fmt.Errorf("connect %s: %w", pool, err)
	}

	c.setState(StateReady, nil)
	return c, nil
}

// ID returns the short identifier used in logs.
func (c *Client) ID() string { return c.id }

// Pool returns the name of the pool that created the client.
func (c *Client) Pool() string { return c.pool }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the fault that most recently moved the client to Error.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Ping checks connectivity without changing state on success.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	if err := c.driver.Ping(ctx); err != nil {
		c.fault(err)
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Get returns the value stored at key. A missing key yields ok == false.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := c.checkReady(); err != nil {
		return nil, false, err
	}
	val, ok, err := c.driver.Get(ctx, key)
	if err != nil {
		c.fault(err)
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return val, ok, nil
}

// Set stores value at key. A zero ttl stores without expiry.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	if err := c.driver.Set(ctx, key, value, ttl); err != nil {
		c.fault(err)
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Close moves the client through Closing to Closed and quits the driver.
// It is irreversible; a second call returns ErrClientClosed.
func (c *Client) Close() error {
	if !c.setState(StateClosing, nil) {
		return ErrClientClosed
	}
	close(c.done)
	err := c.driver.Close()
	c.setState(StateClosed, nil)
	if err != nil {
		return fmt.Errorf("quit %s/%s: %w", c.pool, c.id, err)
	}
	return nil
}

func (c *Client) checkReady() error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch {
	case state == StateReady:
		return nil
	case state.Terminal():
		return ErrClientClosed
	default:
		return fmt.Errorf("%w: %s", ErrClientNotReady, state)
	}
}

// fault records a transport error. Caller-side cancellation is not a fault
// of the connection and leaves the state untouched.
func (c *Client) fault(err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	if !c.setState(StateError, err) {
		return
	}

	c.mu.Lock()
	start := !c.recovering
	c.recovering = true
	c.mu.Unlock()
	if start {
		go c.recoverLoop()
	}
}

// recoverLoop pings the cluster with exponential backoff until the client
// is Ready again or closed. The move back to Ready clears the recovering
// flag under the same lock, so a fault right after it starts a new loop.
func (c *Client) recoverLoop() {
	delay := c.opts.RetryBackoff
	for {
		timer := time.NewTimer(delay)
		select {
		case <-c.done:
			timer.Stop()
			c.endRecovery()
			return
		case <-timer.C:
		}

		if !c.setState(StateReconnecting, nil) {
			c.endRecovery()
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
		err := c.driver.Ping(ctx)
		cancel()
		if err == nil {
			if !c.transition(StateReady, nil, true) {
				c.endRecovery()
			}
			return
		}
		if !c.setState(StateError, err) {
			c.endRecovery()
			return
		}
		delay = min(delay*2, c.opts.MaxRetryBackoff)
	}
}

func (c *Client) endRecovery() {
	c.mu.Lock()
	c.recovering = false
	c.mu.Unlock()
}

// setState applies a lifecycle transition and reports whether it was allowed.
func (c *Client) setState(next State, cause error) bool {
	return c.transition(next, cause, false)
}

func (c *Client) transition(next State, cause error, clearRecovering bool) bool {
	c.mu.Lock()
	prev := c.state
	if !prev.CanTransition(next) {
		c.mu.Unlock()
		return false
	}
	c.state = next
	if next == StateError {
		c.lastErr = cause
	}
	if clearRecovering {
		c.recovering = false
	}
	c.mu.Unlock()

	c.logTransition(prev, next, cause)
	return true
}

func (c *Client) logTransition(prev, next State, cause error) {
	metrics.RecordClientTransition(c.pool, next.String())

	log := logging.Op().With("pool", c.pool, "client_id", c.id, "state", next.String())
	switch next {
	case StateError:
		log.Error("cache client error", "from", prev.String(), "error", cause)
	case StateClosing:
		if cause != nil {
			log.Warn("cache client closing", "from", prev.String(), "error", cause)
			return
		}
		log.Info("cache client closing", "from", prev.String())
	case StateConnecting:
		log.Info("cache client connecting")
	default:
		log.Info("cache client "+next.String(), "from", prev.String())
	}
}
