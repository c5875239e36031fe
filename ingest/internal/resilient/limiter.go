package resilient

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiters holds one token bucket per endpoint so a slow source never
// throttles another.
type Limiters struct {
	mu sync.Mutex
	m  map[string]*rate.Limiter
}

// NewLimiters returns an empty registry.
func NewLimiters() *Limiters {
	return &Limiters{m: make(map[string]*rate.Limiter)}
}

// For returns the limiter of endpoint, creating it with one request per
// interval. A changed interval is applied to the existing limiter.
// interval <= 0 disables pacing.
func (l *Limiters) For(endpoint string, interval time.Duration) *rate.Limiter {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.m[endpoint]
	if !ok {
		lim = rate.NewLimiter(limit, 1)
		l.m[endpoint] = lim
		return lim
	}
	if lim.Limit() != limit {
		lim.SetLimit(limit)
	}
	return lim
}

// Wait blocks until a request to endpoint is allowed.
func (l *Limiters) Wait(ctx context.Context, endpoint string, interval time.Duration) error {
	return l.For(endpoint, interval).Wait(ctx)
}
