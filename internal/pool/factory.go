package pool

import (
	"context"

	"github.com/oriys/photocache/internal/cluster"
)

// ClusterFactory dials clients against a fixed cluster topology.
type ClusterFactory struct {
	Pool    string
	Nodes   []cluster.Node
	Options cluster.DialOptions
}

// NewClusterFactory copies nodes so later changes by the caller have no effect.
func NewClusterFactory(pool string, nodes []cluster.Node, opts cluster.DialOptions) *ClusterFactory {
	return &ClusterFactory{
		Pool:    pool,
		Nodes:   append([]cluster.Node(nil), nodes...),
		Options: opts,
	}
}

func (f *ClusterFactory) Create(ctx context.Context) (*cluster.Client, error) {
	return cluster.Dial(ctx, f.Pool, f.Nodes, f.Options)
}

// Destroy quits the client. The context is unused: Close does not block on
// the network beyond the driver's own timeouts.
func (f *ClusterFactory) Destroy(_ context.Context, c *cluster.Client) error {
	return c.Close()
}
