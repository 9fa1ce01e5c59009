package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/photocache/internal/cluster"
	"github.com/oriys/photocache/internal/logging"
	"github.com/oriys/photocache/internal/metrics"
)

// Acquire lends a client, in order of preference: an idle Ready client, any
// other idle client still open, or a freshly dialed one while the pool is
// below Max. At Max it waits for a Release, bounded by both ctx and the
// pool's AcquireTimeout. A timed-out wait returns ErrPoolExhausted and holds
// nothing.
func (p *Pool) Acquire(ctx context.Context) (*cluster.Client, error) {
	start := time.Now()
	if err := p.waitForSlot(ctx); err != nil {
		metrics.ObserveAcquireWait(p.name, acquireResult(err), time.Since(start))
		return nil, err
	}

	c, err := p.checkout(ctx)
	if err != nil {
		p.slots.Release(1)
		metrics.ObserveAcquireWait(p.name, acquireResult(err), time.Since(start))
		return nil, err
	}
	metrics.ObserveAcquireWait(p.name, "ok", time.Since(start))
	return c, nil
}

// Do runs fn with a borrowed client and gives it back on every exit path,
// panics included. When fn fails because the client was not Ready the
// client is discarded rather than released, so a retry through Do gets a
// different one. A release failure is reported only when fn succeeded.
// ErrPoolClosed from Release is ignored since Close already destroyed c.
func (p *Pool) Do(ctx context.Context, fn func(*cluster.Client) error) (err error) {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if notReady(err) {
			p.Discard(c)
			return
		}
		if rerr := p.Release(c); rerr != nil && err == nil && !errors.Is(rerr, ErrPoolClosed) {
			err = rerr
		}
	}()
	return fn(c)
}

func notReady(err error) bool {
	return errors.Is(err, cluster.ErrClientNotReady) || errors.Is(err, cluster.ErrClientClosed)
}

func acquireResult(err error) string {
	switch {
	case errors.Is(err, ErrPoolExhausted):
		return "exhausted"
	case errors.Is(err, ErrPoolClosed):
		return "closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "create_failed"
	}
}

// waitForSlot takes one capacity unit. The fast path never blocks; the slow
// path queues FIFO on the semaphore until a unit frees, the caller gives
// up, the acquire timeout fires, or the pool closes.
func (p *Pool) waitForSlot(ctx context.Context) error {
	if p.ctx.Err() != nil {
		return ErrPoolClosed
	}
	if p.slots.TryAcquire(1) {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	p.setWaiters(+1)
	err := p.slots.Acquire(waitCtx, 1)
	p.setWaiters(-1)

	switch {
	case err == nil:
		return nil
	case p.ctx.Err() != nil:
		return ErrPoolClosed
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		p.exhausted.Add(1)
		logging.Op().Warn("pool exhausted",
			"pool", p.name,
			"max", p.cfg.Max,
			"timeout", p.cfg.AcquireTimeout.String())
		return fmt.Errorf("%w: %s at max %d after %s", ErrPoolExhausted, p.name, p.cfg.Max, p.cfg.AcquireTimeout)
	}
}

func (p *Pool) setWaiters(delta int) {
	p.mu.Lock()
	p.waiters += delta
	n := p.waiters
	p.mu.Unlock()
	metrics.SetPoolWaiters(p.name, n)
}

// checkout hands out an idle client or dials a new one. The caller holds a
// capacity unit, which is what keeps a dial within Max.
func (p *Pool) checkout(ctx context.Context) (*cluster.Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.warmed = true

	pc, stale := p.takeIdleLocked()
	if pc != nil {
		pc.lastUsed = time.Now()
		p.inUse[pc.client] = pc
		p.publishLocked()
		p.mu.Unlock()
		p.finalizeAll(stale, reasonClosed)
		logging.Op().Debug("reusing idle client", "pool", p.name, "client_id", pc.client.ID())
		return pc.client, nil
	}

	p.pending++
	p.publishLocked()
	p.mu.Unlock()
	p.finalizeAll(stale, reasonClosed)

	c, err := p.factory.Create(ctx)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.publishLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("create client for pool %s: %w", p.name, err)
	}
	now := time.Now()
	pc = &pooledClient{client: c, createdAt: now, lastUsed: now}
	if p.closed {
		p.publishLocked()
		p.mu.Unlock()
		p.finalize(pc, reasonShutdown)
		return nil, ErrPoolClosed
	}
	p.inUse[c] = pc
	p.publishLocked()
	p.mu.Unlock()

	p.created.Add(1)
	metrics.RecordClientCreated(p.name)
	return c, nil
}

// takeIdleLocked pops the most recently released Ready client, or failing
// that the most recent idle client that is still open (it may be mid
// reconnect). Idle clients closed outside the pool are unlinked and
// returned in stale for the caller to finalize.
func (p *Pool) takeIdleLocked() (pc *pooledClient, stale []*pooledClient) {
	if len(p.idle) == 0 {
		return nil, nil
	}

	states := make([]cluster.State, len(p.idle))
	pick := -1
	for i := len(p.idle) - 1; i >= 0; i-- {
		states[i] = p.idle[i].client.State()
		switch {
		case states[i].Terminal():
		case states[i] == cluster.StateReady && (pick < 0 || states[pick] != cluster.StateReady):
			pick = i
		case pick < 0:
			pick = i
		}
	}

	kept := p.idle[:0]
	for i, c := range p.idle {
		switch {
		case i == pick:
			pc = c
		case states[i].Terminal():
			stale = append(stale, c)
		default:
			kept = append(kept, c)
		}
	}
	clear(p.idle[len(kept):])
	p.idle = kept
	return pc, stale
}

func (p *Pool) publishLocked() {
	metrics.SetPoolClients(p.name, len(p.idle), len(p.inUse), p.pending)
}
