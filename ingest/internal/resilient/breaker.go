package resilient

import (
	"sync"
	"time"
)

// BreakerState is the state of a source's circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // fetches pass through
	BreakerOpen                         // fetches rejected
	BreakerHalfOpen                     // one probe fetch allowed
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig tunes the per-source breakers. Threshold 0 disables them.
type BreakerConfig struct {
	Threshold    int           `yaml:"threshold"`     // consecutive failed fetches before opening
	ResetTimeout time.Duration `yaml:"reset_timeout"` // time open before a probe
}

// breaker counts consecutive failed fetches of one source. A source fetch
// already spans retries and fallbacks, so a single successful probe closes
// it again.
type breaker struct {
	mu          sync.Mutex
	cfg         BreakerConfig
	state       BreakerState
	failures    int
	lastFailure time.Time
	probing     bool
	now         func() time.Time
}

func (b *breaker) allow() bool {
	if b.cfg.Threshold <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	switch b.state {
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
	}
	return true
}

func (b *breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if ok {
		b.state = BreakerClosed
		b.failures = 0
		return
	}
	b.lastFailure = b.now()
	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
	case BreakerClosed:
		b.failures++
		if b.cfg.Threshold > 0 && b.failures >= b.cfg.Threshold {
			b.state = BreakerOpen
		}
	}
}

// release ends a probe without a verdict.
func (b *breaker) release() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (b *breaker) current() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// must be called with mu held
func (b *breaker) maybeHalfOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		b.state = BreakerHalfOpen
		b.probing = false
	}
}
