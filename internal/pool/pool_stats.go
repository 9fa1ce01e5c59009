package pool

import "time"

// Stats is a point-in-time view of a pool.
type Stats struct {
	Name        string `json:"name"`
	Min         int    `json:"min"`
	Max         int    `json:"max"`
	Idle        int    `json:"idle"`
	InUse       int    `json:"in_use"`
	Pending     int    `json:"pending"`
	Waiters     int    `json:"waiters"`
	Created     int64  `json:"created"`
	Destroyed   int64  `json:"destroyed"`
	Evicted     int64  `json:"evicted"`
	Exhausted   int64  `json:"exhausted"`
	IdleTimeout string `json:"idle_timeout"`
	Closed      bool   `json:"closed"`

	Clients []ClientStats `json:"clients,omitempty"`
}

// ClientStats describes one live client.
type ClientStats struct {
	ID      string  `json:"id"`
	State   string  `json:"state"`
	InUse   bool    `json:"in_use"`
	IdleSec float64 `json:"idle_sec"`
	AgeSec  float64 `json:"age_sec"`
}

// Stats returns counts and, when detailed is set, one entry per client.
func (p *Pool) Stats(detailed bool) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Name:        p.name,
		Min:         p.cfg.Min,
		Max:         p.cfg.Max,
		Idle:        len(p.idle),
		InUse:       len(p.inUse),
		Pending:     p.pending,
		Waiters:     p.waiters,
		Created:     p.created.Load(),
		Destroyed:   p.destroyed.Load(),
		Evicted:     p.evicted.Load(),
		Exhausted:   p.exhausted.Load(),
		IdleTimeout: p.cfg.IdleTimeout.String(),
		Closed:      p.closed,
	}
	if !detailed {
		return s
	}

	now := time.Now()
	for _, pc := range p.idle {
		s.Clients = append(s.Clients, clientStats(pc, false, now))
	}
	for _, pc := range p.inUse {
		s.Clients = append(s.Clients, clientStats(pc, true, now))
	}
	return s
}

func clientStats(pc *pooledClient, inUse bool, now time.Time) ClientStats {
	cs := ClientStats{
		ID:     pc.client.ID(),
		State:  pc.client.State().String(),
		InUse:  inUse,
		AgeSec: now.Sub(pc.createdAt).Seconds(),
	}
	if !inUse {
		cs.IdleSec = now.Sub(pc.lastUsed).Seconds()
	}
	return cs
}

// Live returns idle + in use + pending.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveLocked()
}
