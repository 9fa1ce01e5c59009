package cluster

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClusterNodes reads PHOTOCACHE_TEST_REDIS_NODES (host:port,...) and
// falls back to a local cluster on 7000.
func testClusterNodes() []Node {
	raw := os.Getenv("PHOTOCACHE_TEST_REDIS_NODES")
	if raw == "" {
		raw = "127.0.0.1:7000"
	}
	var nodes []Node
	for _, part := range strings.Split(raw, ",") {
		host, port, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			continue
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			continue
		}
		nodes = append(nodes, Node{Host: host, Port: p})
	}
	return nodes
}

func newTestRedisClient(t *testing.T) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, "test", testClusterNodes(), DialOptions{DialTimeout: time.Second})
	if err != nil {
		t.Skipf("Redis Cluster not available, skipping: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRedisClusterRoundTrip(t *testing.T) {
	c := newTestRedisClient(t)
	ctx := context.Background()
	key := "photocache-test-" + uuid.NewString()

	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, key, []byte(`[{"id":1}]`), time.Minute))
	val, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[{"id":1}]`, string(val))
	assert.Equal(t, StateReady, c.State())
}

func TestRedisUnreachableFailsHandshake(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, "test", []Node{{Host: "127.0.0.1", Port: 1}}, DialOptions{DialTimeout: 200 * time.Millisecond})
	assert.ErrorContains(t, err, "connect test")
}
