package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/oriys/photocache/internal/cluster"
	"golang.org/x/sync/singleflight"
)

// ErrRegistryClosed is returned by GetOrCreate after Close.
var ErrRegistryClosed = errors.New("pool registry closed")

// FactoryBuilder returns the Factory for a newly registered pool.
type FactoryBuilder func(name string, nodes []cluster.Node) Factory

// Registry maps pool names to pools for the life of the process. At most
// one Pool is ever constructed per name: concurrent first callers are
// collapsed onto a single construction and all receive the same Pool.
type Registry struct {
	build FactoryBuilder

	mu     sync.RWMutex
	pools  map[string]*Pool
	closed bool
	group  singleflight.Group
}

// NewRegistry returns an empty registry. build selects the factory for each
// new pool; nil dials Redis Cluster with default options.
func NewRegistry(build FactoryBuilder) *Registry {
	if build == nil {
		build = func(name string, nodes []cluster.Node) Factory {
			return NewClusterFactory(name, nodes, cluster.DialOptions{})
		}
	}
	return &Registry{
		build: build,
		pools: make(map[string]*Pool),
	}
}

// GetOrCreate returns the pool registered under name, constructing it from
// nodes and cfg on first use. Later calls ignore nodes and cfg.
func (r *Registry) GetOrCreate(name string, nodes []cluster.Node, cfg Config) (*Pool, error) {
	if p, ok := r.Get(name); ok {
		return p, nil
	}

	v, err, _ := r.group.Do(name, func() (interface{}, error) {
		if p, ok := r.Get(name); ok {
			return p, nil
		}

		cfg.Name = name
		p, err := New(cfg, r.build(name, nodes))
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			_ = p.Close(context.Background())
			return nil, ErrRegistryClosed
		}
		r.pools[name] = p
		r.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", name, err)
	}
	return v.(*Pool), nil
}

// Get returns the pool registered under name, if any.
func (r *Registry) Get(name string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[name]
	return p, ok
}

// Names returns the registered pool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Stats returns Stats for every registered pool, sorted by name.
func (r *Registry) Stats(detailed bool) []Stats {
	var out []Stats
	for _, name := range r.Names() {
		if p, ok := r.Get(name); ok {
			out = append(out, p.Stats(detailed))
		}
	}
	return out
}

// Close closes every pool and refuses further registrations.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	pools := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.Unlock()

	var errs []error
	for _, p := range pools {
		if err := p.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
