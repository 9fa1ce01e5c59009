package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyDriver wraps a memory driver and fails every call while broken is set.
type flakyDriver struct {
	Driver
	mu     sync.Mutex
	broken error
	closes int
}

func newFlakyDriver() *flakyDriver {
	return &flakyDriver{Driver: NewMemoryDriver(NewMemoryStore())}
}

func (d *flakyDriver) setBroken(err error) {
	d.mu.Lock()
	d.broken = err
	d.mu.Unlock()
}

func (d *flakyDriver) err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.broken
}

func (d *flakyDriver) Ping(ctx context.Context) error {
	if err := d.err(); err != nil {
		return err
	}
	return d.Driver.Ping(ctx)
}

func (d *flakyDriver) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := d.err(); err != nil {
		return nil, false, err
	}
	return d.Driver.Get(ctx, key)
}

func (d *flakyDriver) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := d.err(); err != nil {
		return err
	}
	return d.Driver.Set(ctx, key, value, ttl)
}

func (d *flakyDriver) Close() error {
	d.mu.Lock()
	d.closes++
	d.mu.Unlock()
	return d.Driver.Close()
}

var fastRetry = DialOptions{RetryBackoff: time.Millisecond, MaxRetryBackoff: 5 * time.Millisecond}

func TestStateTransitions(t *testing.T) {
	assert.True(t, StateConnecting.CanTransition(StateReady))
	assert.True(t, StateReady.CanTransition(StateError))
	assert.True(t, StateError.CanTransition(StateReconnecting))
	assert.True(t, StateReconnecting.CanTransition(StateReady))
	assert.True(t, StateReady.CanTransition(StateClosing))
	assert.True(t, StateClosing.CanTransition(StateClosed))

	assert.False(t, StateClosed.CanTransition(StateReady))
	assert.False(t, StateClosing.CanTransition(StateReady))
	assert.False(t, StateError.CanTransition(StateReady))
	assert.False(t, StateConnecting.CanTransition(StateClosed))
	assert.Equal(t, "reconnecting", StateReconnecting.String())
}

func TestOpenReachesReady(t *testing.T) {
	c, err := Open(context.Background(), "Main", newFlakyDriver(), DialOptions{})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, "Main", c.Pool())
	assert.NotEmpty(t, c.ID())
}

func TestOpenHandshakeFailureClosesDriver(t *testing.T) {
	d := newFlakyDriver()
	d.setBroken(errors.New("connection refused"))

	c, err := Open(context.Background(), "Main", d, DialOptions{})
	require.Error(t, err)
	assert.Nil(t, c)
	assert.Equal(t, 1, d.closes)
}

func TestSetThenGetRoundTrip(t *testing.T) {
	c, err := Open(context.Background(), "Main", newFlakyDriver(), DialOptions{})
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	_, ok, err := c.Get(ctx, "photo")
	require.NoError(t, err)
	assert.False(t, ok, "fresh keyspace should miss")

	require.NoError(t, c.Set(ctx, "photo", []byte(`[{"id":1}]`), 0))
	val, ok, err := c.Get(ctx, "photo")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `[{"id":1}]`, string(val))
}

func TestFaultMovesToErrorAndRecovers(t *testing.T) {
	d := newFlakyDriver()
	c, err := Open(context.Background(), "Main", d, fastRetry)
	require.NoError(t, err)
	defer c.Close()

	d.setBroken(errors.New("connection reset by peer"))
	_, _, err = c.Get(context.Background(), "photo")
	require.Error(t, err)
	assert.NotEqual(t, StateReady, c.State())
	assert.EqualError(t, c.LastError(), "connection reset by peer")

	_, _, err = c.Get(context.Background(), "photo")
	assert.ErrorIs(t, err, ErrClientNotReady)

	d.setBroken(nil)
	require.Eventually(t, func() bool { return c.State() == StateReady }, time.Second, time.Millisecond)

	_, _, err = c.Get(context.Background(), "photo")
	assert.NoError(t, err)
}

func TestCallerCancellationIsNotAFault(t *testing.T) {
	d := newFlakyDriver()
	c, err := Open(context.Background(), "Main", d, DialOptions{})
	require.NoError(t, err)
	defer c.Close()

	d.setBroken(context.DeadlineExceeded)
	_, _, err = c.Get(context.Background(), "photo")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateReady, c.State())
}

func TestCloseIsIrreversible(t *testing.T) {
	d := newFlakyDriver()
	c, err := Open(context.Background(), "Main", d, DialOptions{})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1, d.closes)

	_, _, err = c.Get(context.Background(), "photo")
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.ErrorIs(t, c.Set(context.Background(), "photo", nil, 0), ErrClientClosed)
	assert.ErrorIs(t, c.Close(), ErrClientClosed)
}

func TestCloseStopsRecovery(t *testing.T) {
	d := newFlakyDriver()
	c, err := Open(context.Background(), "Main", d, fastRetry)
	require.NoError(t, err)

	d.setBroken(errors.New("broken pipe"))
	_, _, _ = c.Get(context.Background(), "photo")
	require.NoError(t, c.Close())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateClosed, c.State())
}

func TestDialRejectsUnknownDriver(t *testing.T) {
	_, err := Dial(context.Background(), "Main", nil, DialOptions{Driver: "etcd"})
	assert.ErrorContains(t, err, "unknown driver")
}

func TestDialRedisRequiresTopology(t *testing.T) {
	_, err := Dial(context.Background(), "Main", nil, DialOptions{Driver: DriverRedis})
	assert.ErrorContains(t, err, "empty cluster topology")
}

func TestDialMemorySharesStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	opts := DialOptions{Driver: DriverMemory, Store: store}

	a, err := Dial(context.Background(), "Main", nil, opts)
	require.NoError(t, err)
	defer a.Close()
	b, err := Dial(context.Background(), "Main", nil, opts)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Set(context.Background(), "k", []byte("v"), 0))
	val, ok, err := b.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(val))
}

func TestNodeAddr(t *testing.T) {
	assert.Equal(t, "192.168.1.13:6375", Node{Host: "192.168.1.13", Port: 6375}.Addr())
}

func TestFaultRightAfterRecoveryRecoversAgain(t *testing.T) {
	d := newFlakyDriver()
	c, err := Open(context.Background(), "Main", d, fastRetry)
	require.NoError(t, err)
	defer c.Close()

	readyWithLoop := func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.state == StateReady && c.recovering
	}

	for i := 0; i < 50; i++ {
		d.setBroken(errors.New("connection reset by peer"))
		_, _, err = c.Get(context.Background(), "photo")
		require.Error(t, err)

		d.setBroken(nil)
		for c.State() != StateReady {
			require.False(t, readyWithLoop())
			time.Sleep(50 * time.Microsecond)
		}
		require.False(t, readyWithLoop(), "a Ready client must not report a running recovery")
	}

	d.setBroken(errors.New("connection reset by peer"))
	_, _, err = c.Get(context.Background(), "photo")
	require.Error(t, err)
	d.setBroken(nil)
	require.Eventually(t, func() bool { return c.State() == StateReady }, time.Second, time.Millisecond)
}
