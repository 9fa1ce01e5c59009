package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/oriys/photocache/internal/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mainNodes = []cluster.Node{{Host: "192.168.1.13", Port: 6375}}

func newTestRegistry(t *testing.T) (*Registry, *atomic.Int64) {
	t.Helper()
	var builds atomic.Int64
	f := newFakeFactory(t)
	r := NewRegistry(func(name string, nodes []cluster.Node) Factory {
		builds.Add(1)
		return f
	})
	t.Cleanup(func() { r.Close(context.Background()) })
	return r, &builds
}

func TestRegistryFirstCallerWins(t *testing.T) {
	r, builds := newTestRegistry(t)

	p1, err := r.GetOrCreate("Main", mainNodes, testConfig(10, 20))
	require.NoError(t, err)
	p2, err := r.GetOrCreate("Main", nil, testConfig(1, 2))
	require.NoError(t, err)

	assert.Same(t, p1, p2)
	assert.Equal(t, 20, p2.Config().Max)
	assert.EqualValues(t, 1, builds.Load())
}

func TestRegistryConcurrentFirstUseConstructsOnce(t *testing.T) {
	r, builds := newTestRegistry(t)

	const callers = 64
	pools := make([]*Pool, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			p, err := r.GetOrCreate("Main", mainNodes, testConfig(10, 20))
			if err == nil {
				pools[i] = p
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, builds.Load())
	for _, p := range pools {
		assert.Same(t, pools[0], p)
	}
	assert.Equal(t, []string{"Main"}, r.Names())
}

func TestRegistrySeparatePoolsPerName(t *testing.T) {
	r, _ := newTestRegistry(t)

	a, err := r.GetOrCreate("Main", mainNodes, testConfig(0, 2))
	require.NoError(t, err)
	b, err := r.GetOrCreate("Replica", mainNodes, testConfig(0, 2))
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, "Replica", b.Name())
	assert.Len(t, r.Stats(false), 2)
}

func TestRegistryInvalidConfigIsNotRegistered(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.GetOrCreate("Main", mainNodes, Config{Min: 5, Max: 1})
	assert.ErrorContains(t, err, "exceeds max")
	_, ok := r.Get("Main")
	assert.False(t, ok)
}

func TestRegistryClose(t *testing.T) {
	r, _ := newTestRegistry(t)

	p, err := r.GetOrCreate("Main", mainNodes, testConfig(0, 2))
	require.NoError(t, err)
	require.NoError(t, r.Close(context.Background()))

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)

	_, err = r.GetOrCreate("Other", mainNodes, testConfig(0, 2))
	assert.ErrorIs(t, err, ErrRegistryClosed)
}
