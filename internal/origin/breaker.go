package origin

import (
	"sync"
	"time"

	"github.com/oriys/photocache/internal/metrics"
)

// BreakerState is the position of the origin circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // fetches pass through
	BreakerOpen                         // fetches fail fast with ErrCircuitOpen
	BreakerHalfOpen                     // a limited number of probes pass
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the origin breaker. A zero ErrorPct disables it.
type BreakerConfig struct {
	ErrorPct       float64       `yaml:"error_pct"`
	Window         time.Duration `yaml:"window"`
	OpenDuration   time.Duration `yaml:"open_duration"`
	HalfOpenProbes int           `yaml:"half_open_probes"`
	// MinRequests is the number of outcomes in the window before the error
	// rate is evaluated.
	MinRequests int `yaml:"min_requests"`
}

// Enabled reports whether the configuration describes a working breaker.
func (c BreakerConfig) Enabled() bool {
	return c.ErrorPct > 0 && c.Window > 0 && c.OpenDuration > 0
}

const maxOutcomes = 10000

type outcome struct {
	at     time.Time
	failed bool
}

// Breaker trips when the failure rate over a sliding window reaches
// ErrorPct, stays open for OpenDuration, then lets HalfOpenProbes requests
// through. All probes must succeed to close it again.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    BreakerState
	outcomes []outcome
	failures int
	openedAt time.Time
	probes   int
	probesOK int
}

// NewBreaker returns a closed breaker, or nil when cfg is not Enabled.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if !cfg.Enabled() {
		return nil
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = 1
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Allow reports whether a fetch may proceed. A nil breaker always allows.
func (b *Breaker) Allow() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advanceLocked(b.now())
	switch b.state {
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		if b.probes >= b.cfg.HalfOpenProbes {
			return false
		}
		b.probes++
	}
	return true
}

// Record feeds one fetch outcome into the breaker.
func (b *Breaker) Record(failed bool) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case BreakerHalfOpen:
		if failed {
			b.tripLocked(now)
			return
		}
		b.probesOK++
		if b.probesOK >= b.cfg.HalfOpenProbes {
			b.setLocked(BreakerClosed)
			b.outcomes = b.outcomes[:0]
			b.failures = 0
		}
	case BreakerClosed:
		b.outcomes = append(b.outcomes, outcome{at: now, failed: failed})
		if failed {
			b.failures++
		}
		b.trimLocked(now)
		total := len(b.outcomes)
		if total >= b.cfg.MinRequests && float64(b.failures)/float64(total)*100 >= b.cfg.ErrorPct {
			b.tripLocked(now)
		}
	}
}

// Cancel returns the slot taken by Allow for a fetch that ended without an
// outcome, such as one abandoned by its caller. In HalfOpen this frees the
// probe for the next fetch.
func (b *Breaker) Cancel() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen && b.probes > b.probesOK {
		b.probes--
	}
}

// State returns the current state, moving Open to HalfOpen when the open
// period has elapsed.
func (b *Breaker) State() BreakerState {
	if b == nil {
		return BreakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked(b.now())
	return b.state
}

func (b *Breaker) advanceLocked(now time.Time) {
	if b.state == BreakerOpen && now.Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.probes = 0
		b.probesOK = 0
		b.setLocked(BreakerHalfOpen)
	}
}

func (b *Breaker) tripLocked(now time.Time) {
	b.openedAt = now
	b.setLocked(BreakerOpen)
}

func (b *Breaker) setLocked(s BreakerState) {
	b.state = s
	metrics.SetOriginBreakerState(int(s))
}

func (b *Breaker) trimLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.outcomes) && (b.outcomes[i].at.Before(cutoff) || len(b.outcomes)-i > maxOutcomes) {
		if b.outcomes[i].failed {
			b.failures--
		}
		i++
	}
	if i > 0 {
		n := copy(b.outcomes, b.outcomes[i:])
		b.outcomes = b.outcomes[:n]
	}
}
