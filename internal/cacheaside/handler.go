// Package cacheaside serves a payload from the cache cluster, falling back
// to the origin on a miss and populating the cache with the result.
//
// Concurrent misses for the same key are not coalesced: each one fetches
// the origin and writes the cache independently.
package cacheaside

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oriys/photocache/internal/cluster"
	"github.com/oriys/photocache/internal/logging"
	"github.com/oriys/photocache/internal/metrics"
	"github.com/oriys/photocache/internal/observability"
	"github.com/oriys/photocache/internal/pool"
)

var (
	// ErrCacheReadFailed wraps a get that failed at the transport.
	ErrCacheReadFailed = errors.New("cache read failed")
	// ErrCacheWriteFailed wraps a set that failed after a successful origin
	// fetch. It is reported in Result.WriteErr, never returned.
	ErrCacheWriteFailed = errors.New("cache write failed")
)

const (
	DefaultKey      = "photo"
	DefaultPoolName = "Main"
)

// Fetcher is the origin call made on a miss.
type Fetcher interface {
	Fetch(ctx context.Context) (json.RawMessage, error)
}

// Config binds a handler to one pool and one cache key.
type Config struct {
	Pool  pool.Config
	Nodes []cluster.Node
	Key   string
	// TTL of written entries; zero stores without expiry.
	TTL         time.Duration
	Compression Compression
	// MaxEntryBytes bounds the decoded size of a cached entry; larger
	// entries count as corrupt. Zero means DefaultMaxEntryBytes.
	MaxEntryBytes int64
}

// Result is what Handle served.
type Result struct {
	Payload  json.RawMessage
	Hit      bool
	ClientID string
	// WriteErr is set when the payload came from the origin but could not
	// be stored.
	WriteErr error
}

// Handler implements the cache-aside read path.
type Handler struct {
	registry *pool.Registry
	fetcher  Fetcher
	cfg      Config
	codec    Codec
}

// New returns a Handler. The pool is resolved through registry on every
// call and created on first use.
func New(registry *pool.Registry, fetcher Fetcher, cfg Config) *Handler {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.Pool.Name == "" {
		cfg.Pool.Name = DefaultPoolName
	}
	return &Handler{
		registry: registry,
		fetcher:  fetcher,
		cfg:      cfg,
		codec:    Codec{Compression: cfg.Compression, MaxSize: cfg.MaxEntryBytes},
	}
}

// Key returns the cache key served by the handler.
func (h *Handler) Key() string { return h.cfg.Key }

// PoolName returns the name of the pool the handler borrows from.
func (h *Handler) PoolName() string { return h.cfg.Pool.Name }

// Handle returns the cached payload, or fetches, stores and returns it.
// A client found not Ready is replaced and the lookup retried once.
func (h *Handler) Handle(ctx context.Context) (Result, error) {
	p, err := h.registry.GetOrCreate(h.cfg.Pool.Name, h.cfg.Nodes, h.cfg.Pool)
	if err != nil {
		return Result{}, err
	}

	ctx, span := observability.StartSpan(ctx, "cacheaside.handle",
		observability.AttrPool.String(p.Name()),
		observability.AttrCacheKey.String(h.cfg.Key),
		observability.AttrCompression.String(h.cfg.Compression.String()),
	)
	defer span.End()

	res, err := h.serve(ctx, p)
	if errors.Is(err, cluster.ErrClientNotReady) || errors.Is(err, cluster.ErrClientClosed) {
		opLog(ctx).Info("cache client not ready, retrying with a fresh client",
			"pool", p.Name(), "client_id", res.ClientID, "error", err)
		res, err = h.serve(ctx, p)
	}
	if err != nil {
		observability.SetSpanError(span, err)
		return res, err
	}

	span.SetAttributes(
		observability.AttrCacheHit.Bool(res.Hit),
		observability.AttrClientID.String(res.ClientID),
		observability.AttrPayloadBytes.Int(len(res.Payload)),
	)
	observability.SetSpanOK(span)
	return res, nil
}

func (h *Handler) serve(ctx context.Context, p *pool.Pool) (Result, error) {
	var res Result
	err := p.Do(ctx, func(c *cluster.Client) error {
		res.ClientID = c.ID()
		// once a client is held, the round trips run to completion
		opCtx := context.WithoutCancel(ctx)

		payload, hit, err := h.lookup(opCtx, p.Name(), c)
		if err != nil {
			return err
		}
		if hit {
			res.Payload, res.Hit = payload, true
			return nil
		}

		payload, err = h.fetcher.Fetch(opCtx)
		if err != nil {
			return err
		}
		res.Payload = payload
		res.WriteErr = h.store(opCtx, p.Name(), c, payload)
		return nil
	})
	return res, err
}

func (h *Handler) lookup(ctx context.Context, poolName string, c *cluster.Client) (json.RawMessage, bool, error) {
	ctx, span := observability.StartClientSpan(ctx, "cache.get",
		observability.AttrClientID.String(c.ID()))
	defer span.End()

	val, ok, err := c.Get(ctx, h.cfg.Key)
	if err != nil {
		metrics.RecordCacheLookup(poolName, "error")
		observability.SetSpanError(span, err)
		return nil, false, fmt.Errorf("%w: %w", ErrCacheReadFailed, err)
	}
	if !ok {
		metrics.RecordCacheLookup(poolName, "miss")
		return nil, false, nil
	}

	payload, err := h.codec.Decode(val)
	if err != nil {
		metrics.RecordCacheLookup(poolName, "corrupt")
		opLog(ctx).Warn("discarding unreadable cache entry",
			"pool", poolName, "key", h.cfg.Key, "bytes", len(val), "error", err)
		return nil, false, nil
	}
	metrics.RecordCacheLookup(poolName, "hit")
	return payload, true, nil
}

func (h *Handler) store(ctx context.Context, poolName string, c *cluster.Client, payload json.RawMessage) error {
	ctx, span := observability.StartClientSpan(ctx, "cache.set",
		observability.AttrClientID.String(c.ID()))
	defer span.End()

	value, err := h.codec.Encode(payload)
	if err == nil {
		err = c.Set(ctx, h.cfg.Key, value, h.cfg.TTL)
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrCacheWriteFailed, err)
		metrics.RecordCacheWriteFailure(poolName)
		observability.SetSpanError(span, err)
		opLog(ctx).Error("cache write after origin fetch failed",
			"pool", poolName, "key", h.cfg.Key, "client_id", c.ID(), "error", err)
		return err
	}
	span.SetAttributes(observability.AttrPayloadBytes.Int(len(value)))
	return nil
}

func opLog(ctx context.Context) *slog.Logger {
	return logging.OpWithTrace(observability.GetTraceID(ctx), observability.GetSpanID(ctx))
}
