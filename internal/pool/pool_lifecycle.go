package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/photocache/internal/cluster"
	"github.com/oriys/photocache/internal/logging"
	"github.com/oriys/photocache/internal/metrics"
)

// Release returns a borrowed client to the idle stack. Releasing a client
// that is not currently borrowed from this pool, including a second release
// of the same client, fails with ErrInvalidRelease and changes nothing.
func (p *Pool) Release(c *cluster.Client) error {
	p.mu.Lock()
	pc, ok := p.inUse[c]
	if !ok {
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return ErrPoolClosed
		}
		id := "<nil>"
		if c != nil {
			id = c.ID()
		}
		metrics.RecordInvalidRelease(p.name)
		logging.Op().Error("invalid release: client not borrowed from pool", "pool", p.name, "client_id", id)
		return fmt.Errorf("%w: client %s is not in use in pool %s", ErrInvalidRelease, id, p.name)
	}
	delete(p.inUse, c)

	if c.State().Terminal() {
		p.publishLocked()
		p.mu.Unlock()
		p.slots.Release(1)
		p.finalize(pc, reasonClosed)
		return nil
	}

	pc.lastUsed = time.Now()
	p.idle = append(p.idle, pc)
	p.publishLocked()
	p.mu.Unlock()
	p.slots.Release(1)
	return nil
}

// Discard removes c from the pool, idle or borrowed, and destroys it.
// It reports whether c belonged to the pool.
func (p *Pool) Discard(c *cluster.Client) bool {
	p.mu.Lock()
	if pc, ok := p.inUse[c]; ok {
		delete(p.inUse, c)
		p.publishLocked()
		p.mu.Unlock()
		p.slots.Release(1)
		p.finalize(pc, reasonDiscard)
		return true
	}
	for i, pc := range p.idle {
		if pc.client == c {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			p.publishLocked()
			p.mu.Unlock()
			p.finalize(pc, reasonDiscard)
			return true
		}
	}
	p.mu.Unlock()
	return false
}

// finalize runs the factory's destroy hook for a client already unlinked
// from the pool's bookkeeping.
func (p *Pool) finalize(pc *pooledClient, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()

	if err := p.factory.Destroy(ctx, pc.client); err != nil && !errors.Is(err, cluster.ErrClientClosed) {
		logging.Op().Warn("destroy client failed",
			"pool", p.name,
			"client_id", pc.client.ID(),
			"reason", reason,
			"error", err)
	}
	p.destroyed.Add(1)
	if reason == reasonEvicted {
		p.evicted.Add(1)
	}
	metrics.RecordClientDestroyed(p.name, reason)
}

func (p *Pool) finalizeAll(pcs []*pooledClient, reason string) {
	for _, pc := range pcs {
		p.finalize(pc, reason)
	}
}

func (p *Pool) maintenanceLoop() {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case now := <-ticker.C:
			p.maintain(now)
		}
	}
}

func (p *Pool) maintain(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("recovered panic in pool maintenance", "pool", p.name, "panic", r)
		}
	}()
	p.evictIdle(now)
	p.ensureMin(p.ctx)
}

// evictIdle destroys idle clients unused for longer than IdleTimeout,
// oldest first, while the live count stays above Min. Borrowed clients are
// never considered.
func (p *Pool) evictIdle(now time.Time) int {
	p.mu.Lock()
	live := p.liveLocked()
	var expired []*pooledClient
	kept := make([]*pooledClient, 0, len(p.idle))
	for _, pc := range p.idle {
		if live > p.cfg.Min && now.Sub(pc.lastUsed) > p.cfg.IdleTimeout {
			expired = append(expired, pc)
			live--
			continue
		}
		kept = append(kept, pc)
	}
	p.idle = kept
	p.publishLocked()
	p.mu.Unlock()

	for _, pc := range expired {
		logging.Op().Info("evicting idle client",
			"pool", p.name,
			"client_id", pc.client.ID(),
			"idle", now.Sub(pc.lastUsed).Round(time.Second).String())
		p.finalize(pc, reasonEvicted)
	}
	return len(expired)
}

// ensureMin dials idle clients until the live count reaches Min. It does
// nothing before the pool's first Acquire, and stops at the first dial
// error or as soon as a caller is queued for capacity.
func (p *Pool) ensureMin(ctx context.Context) int {
	created := 0
	for {
		p.mu.Lock()
		short := !p.closed && p.warmed && p.liveLocked() < p.cfg.Min
		p.mu.Unlock()
		if !short || !p.slots.TryAcquire(1) {
			return created
		}

		p.mu.Lock()
		if p.closed || p.liveLocked() >= p.cfg.Min {
			p.mu.Unlock()
			p.slots.Release(1)
			return created
		}
		p.pending++
		p.mu.Unlock()

		c, err := p.factory.Create(ctx)

		p.mu.Lock()
		p.pending--
		if err != nil {
			p.publishLocked()
			p.mu.Unlock()
			p.slots.Release(1)
			logging.Op().Warn("pool refill failed", "pool", p.name, "error", err)
			return created
		}
		now := time.Now()
		pc := &pooledClient{client: c, createdAt: now, lastUsed: now}
		if p.closed {
			p.mu.Unlock()
			p.slots.Release(1)
			p.finalize(pc, reasonShutdown)
			return created
		}
		p.idle = append(p.idle, pc)
		p.publishLocked()
		p.mu.Unlock()
		p.slots.Release(1)

		created++
		p.created.Add(1)
		metrics.RecordClientCreated(p.name)
	}
}

// Close stops the maintenance loop and destroys every client, idle and
// borrowed. Borrowers still holding a client get ErrClientClosed from it and
// ErrPoolClosed from Release. Close waits for the quits until ctx is done.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	victims := make([]*pooledClient, 0, len(p.idle)+len(p.inUse))
	victims = append(victims, p.idle...)
	for _, pc := range p.inUse {
		victims = append(victims, pc)
	}
	p.idle = nil
	p.inUse = make(map[*cluster.Client]*pooledClient)
	p.publishLocked()
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		<-p.done
		var wg sync.WaitGroup
		for _, pc := range victims {
			wg.Add(1)
			go func(pc *pooledClient) {
				defer wg.Done()
				p.finalize(pc, reasonShutdown)
			}(pc)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Op().Info("pool closed", "pool", p.name, "destroyed", len(victims))
		return nil
	case <-ctx.Done():
		logging.Op().Warn("pool close timed out", "pool", p.name)
		return fmt.Errorf("close pool %s: %w", p.name, ctx.Err())
	}
}
