// Package resilient makes a single connector call reliable: per-endpoint
// rate limiting, retry with exponential backoff, recovery of malformed
// markup, fallback endpoints and a per-source circuit breaker. Connectors
// know nothing about any of it.
package resilient

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/savoir/ingest/internal/connector"
	"github.com/hazyhaar/savoir/ingest/internal/content"
	"github.com/hazyhaar/savoir/ingest/internal/feed"
	"github.com/hazyhaar/savoir/ingest/internal/fetch"
)

// Policy is a retry policy. MaxRetries counts retries after the first
// attempt; zero disables retrying.
type Policy struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// DefaultPolicy retries three times, waiting 1s, 2s then 4s.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

func (p Policy) normalized() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = max(30*time.Second, p.BaseDelay)
	}
	return p
}

// Backoff returns the delay before retry number attempt+1: BaseDelay
// doubled attempt times, capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	d := p.BaseDelay
	for i := 0; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	return min(d, p.MaxDelay)
}

// Source is one configured source as the wrapper sees it.
type Source struct {
	ID            string
	Connector     connector.Connector
	Endpoint      string
	Fallbacks     []string
	Query         string
	MaxResults    int
	Options       map[string]any
	RateLimit     time.Duration // minimum interval between requests to one endpoint
	Retry         *Policy       // nil uses the wrapper's policy
	RecoverMarkup bool          // lenient and sanitized re-parse of malformed payloads
}

// Result is a successful fetch.
type Result struct {
	Entries      []content.Entry
	Endpoint     string // endpoint that served the entries
	Attempts     int    // connector calls across all endpoints
	UsedFallback bool
}

// Config configures a Wrapper.
type Config struct {
	Retry   Policy
	Breaker BreakerConfig
	Logger  *slog.Logger
	Now     func() time.Time // breaker clock
}

func (c *Config) defaults() {
	if c.Retry == (Policy{}) {
		c.Retry = DefaultPolicy()
	}
	c.Retry = c.Retry.normalized()
	if c.Breaker.Threshold > 0 && c.Breaker.ResetTimeout <= 0 {
		c.Breaker.ResetTimeout = 10 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Wrapper runs connector fetches under the resilience policies. It is safe
// for concurrent use; limiters and breakers are shared across calls.
type Wrapper struct {
	cfg      Config
	limiters *Limiters

	mu       sync.Mutex
	breakers map[string]*breaker
}

// New creates a Wrapper.
func New(cfg Config) *Wrapper {
	cfg.defaults()
	return &Wrapper{
		cfg:      cfg,
		limiters: NewLimiters(),
		breakers: make(map[string]*breaker),
	}
}

// Fetch tries the primary endpoint, then each fallback in order, each under
// the retry policy. The first success wins. When all fail the error is a
// *FetchError carrying the last failure.
func (w *Wrapper) Fetch(ctx context.Context, src Source) (*Result, error) {
	log := w.cfg.Logger.With("source_id", src.ID)
	br := w.breaker(src.ID)
	if !br.allow() {
		return nil, &FetchError{SourceID: src.ID, Last: ErrCircuitOpen}
	}

	policy := w.cfg.Retry
	if src.Retry != nil {
		policy = src.Retry.normalized()
	}

	endpoints := append([]string{src.Endpoint}, src.Fallbacks...)
	var tried []string
	var last error
	attempts := 0
	for i, ep := range endpoints {
		tried = append(tried, ep)
		entries, n, err := w.fetchEndpoint(ctx, src, ep, policy, log)
		attempts += n
		if err == nil {
			br.record(true)
			if i > 0 {
				log.Info("resilient: served by fallback", "endpoint", ep, "primary", src.Endpoint)
			}
			return &Result{Entries: entries, Endpoint: ep, Attempts: attempts, UsedFallback: i > 0}, nil
		}
		last = err
		if Classify(err) == Canceled || ctx.Err() != nil {
			br.release()
			return nil, &FetchError{SourceID: src.ID, Tried: tried, Last: err}
		}
		if i < len(endpoints)-1 {
			log.Warn("resilient: endpoint failed, trying fallback", "endpoint", ep, "error", err)
		}
	}
	br.record(false)
	return nil, &FetchError{SourceID: src.ID, Tried: tried, Last: last}
}

// fetchEndpoint calls the connector against one endpoint until it succeeds,
// fails permanently or runs out of retries. It returns the attempt count.
func (w *Wrapper) fetchEndpoint(ctx context.Context, src Source, endpoint string, p Policy, log *slog.Logger) ([]content.Entry, int, error) {
	req := connector.Request{
		SourceID:   src.ID,
		Endpoint:   endpoint,
		Query:      src.Query,
		MaxResults: src.MaxResults,
		Options:    src.Options,
		Wait: func(ctx context.Context) error {
			return w.limiters.Wait(ctx, endpoint, src.RateLimit)
		},
	}

	for attempt := 0; ; attempt++ {
		entries, err := src.Connector.Fetch(ctx, req)
		if err == nil {
			return entries, attempt + 1, nil
		}
		if src.RecoverMarkup {
			if rec, ok := recoverMarkup(ctx, src.Connector, req, err); ok {
				log.Info("resilient: recovered malformed payload", "endpoint", endpoint, "entries", len(rec), "error", err)
				return rec, attempt + 1, nil
			}
		}
		if Classify(err) != Transient || attempt >= p.MaxRetries {
			return nil, attempt + 1, err
		}

		wait := p.Backoff(attempt)
		var he *fetch.HTTPError
		if errors.As(err, &he) && he.RetryAfter > wait {
			wait = min(he.RetryAfter, p.MaxDelay)
		}
		log.Warn("resilient: retrying",
			"endpoint", endpoint,
			"attempt", attempt+1,
			"max_retries", p.MaxRetries,
			"backoff_ms", wait.Milliseconds(),
			"error", err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, attempt + 1, err
		case <-t.C:
		}
	}
}

// recoverMarkup re-parses the body of a failed strict parse: lenient first,
// then lenient over the sanitized body. Zero entries counts as failure.
// Entries of pages read before the failure are kept.
func recoverMarkup(ctx context.Context, c connector.Connector, req connector.Request, err error) ([]content.Entry, bool) {
	rc, ok := c.(connector.Recoverer)
	if !ok {
		return nil, false
	}
	var pe *connector.ParseError
	if !errors.As(err, &pe) || len(pe.Body) == 0 {
		return nil, false
	}
	entries, lerr := rc.ParseLenient(ctx, pe.Body, req)
	if lerr != nil || len(entries) == 0 {
		entries, lerr = rc.ParseLenient(ctx, feed.Sanitize(pe.Body), req)
	}
	if lerr != nil || len(entries) == 0 {
		return nil, false
	}
	out := make([]content.Entry, 0, len(pe.Partial)+len(entries))
	out = append(out, pe.Partial...)
	return append(out, entries...), true
}

// BreakerState reports the breaker of a source.
func (w *Wrapper) BreakerState(sourceID string) BreakerState {
	return w.breaker(sourceID).current()
}

func (w *Wrapper) breaker(sourceID string) *breaker {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.breakers[sourceID]
	if !ok {
		b = &breaker{cfg: w.cfg.Breaker, now: w.cfg.Now}
		w.breakers[sourceID] = b
	}
	return b
}
