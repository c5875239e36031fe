// Package integration fans a harvest out over every enabled source, keeps
// each source's failure contained, and reports per-source health.
package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/hazyhaar/savoir/ingest/internal/content"
	"github.com/hazyhaar/savoir/ingest/internal/resilient"
)

// Fetcher runs one source fetch; *resilient.Wrapper implements it.
type Fetcher interface {
	Fetch(ctx context.Context, src resilient.Source) (*resilient.Result, error)
}

type breakerReporter interface {
	BreakerState(sourceID string) resilient.BreakerState
}

// Config configures a Coordinator.
type Config struct {
	// MaxWorkers bounds concurrent source fetches. Default 4.
	MaxWorkers int
	Logger     *slog.Logger
	Now        func() time.Time
}

func (c *Config) defaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Invalid is an entry rejected before curation.
type Invalid struct {
	Entry  content.Entry
	Reason string
}

// Outcome is the result of one source within a harvest.
type Outcome struct {
	SourceID     string
	Entries      int
	Endpoint     string
	Attempts     int
	UsedFallback bool
	Err          error
	Elapsed      time.Duration
}

// Report is the merged result of a harvest.
type Report struct {
	Entries  []content.Entry // valid entries, in source then entry order
	Invalid  []Invalid
	Outcomes []Outcome // one per source, in source order
	Elapsed  time.Duration
}

// Failed returns the number of sources that failed.
func (r *Report) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

// Coordinator harvests all sources concurrently on a bounded pool.
type Coordinator struct {
	fetcher  Fetcher
	sources  []resilient.Source
	registry *Registry
	sink     StatusSink
	pool     *ants.Pool
	cfg      Config
}

// New creates a Coordinator. registry may be nil; sink receives every
// update after the registry and may be nil.
func New(fetcher Fetcher, sources []resilient.Source, registry *Registry, sink StatusSink, cfg Config) (*Coordinator, error) {
	cfg.defaults()
	if fetcher == nil {
		return nil, errors.New("integration: nil fetcher")
	}
	if registry == nil {
		registry = NewRegistry()
	}
	pool, err := ants.NewPool(cfg.MaxWorkers, ants.WithPanicHandler(func(p any) {
		cfg.Logger.Error("integration: worker panic", "panic", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("integration: worker pool: %w", err)
	}
	return &Coordinator{
		fetcher:  fetcher,
		sources:  sources,
		registry: registry,
		sink:     sink,
		pool:     pool,
		cfg:      cfg,
	}, nil
}

// Registry returns the status registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Sources returns the sources harvested.
func (c *Coordinator) Sources() []resilient.Source { return c.sources }

// Release stops the worker pool.
func (c *Coordinator) Release() { c.pool.Release() }

// Harvest fetches every source and merges the results. It never fails:
// source failures are recorded in the outcomes and pushed to the sinks.
func (c *Coordinator) Harvest(ctx context.Context) *Report {
	start := c.cfg.Now()
	type result struct {
		out     Outcome
		entries []content.Entry
	}
	results := make([]result, len(c.sources))

	var wg sync.WaitGroup
	for i, src := range c.sources {
		wg.Add(1)
		err := c.pool.Submit(func() {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					c.cfg.Logger.Error("integration: source panic",
						"source_id", src.ID, "panic", p, "stack", string(debug.Stack()))
					err := fmt.Errorf("panic: %v", p)
					results[i] = result{out: Outcome{SourceID: src.ID, Err: err}}
					c.report(ctx, src.ID, nil, err)
				}
			}()
			out, entries := c.harvestOne(ctx, src)
			results[i] = result{out: out, entries: entries}
		})
		if err != nil {
			wg.Done()
			err = fmt.Errorf("integration: submit: %w", err)
			results[i] = result{out: Outcome{SourceID: src.ID, Err: err}}
			c.report(ctx, src.ID, nil, err)
		}
	}
	wg.Wait()

	rep := &Report{Outcomes: make([]Outcome, 0, len(results))}
	for _, r := range results {
		rep.Outcomes = append(rep.Outcomes, r.out)
		for _, e := range r.entries {
			if e.SourceID == "" {
				e.SourceID = r.out.SourceID
			}
			if err := content.Validate(e); err != nil {
				rep.Invalid = append(rep.Invalid, Invalid{Entry: e, Reason: err.Error()})
				continue
			}
			rep.Entries = append(rep.Entries, e)
		}
	}
	rep.Elapsed = c.cfg.Now().Sub(start)
	c.cfg.Logger.Info("integration: harvest done",
		"sources", len(c.sources),
		"failed", rep.Failed(),
		"entries", len(rep.Entries),
		"invalid", len(rep.Invalid),
		"elapsed_ms", rep.Elapsed.Milliseconds())
	return rep
}

func (c *Coordinator) harvestOne(ctx context.Context, src resilient.Source) (Outcome, []content.Entry) {
	start := c.cfg.Now()
	res, err := c.fetcher.Fetch(ctx, src)
	out := Outcome{SourceID: src.ID, Err: err, Elapsed: c.cfg.Now().Sub(start)}
	if err != nil {
		c.report(ctx, src.ID, nil, err)
		return out, nil
	}
	out.Entries = len(res.Entries)
	out.Endpoint = res.Endpoint
	out.Attempts = res.Attempts
	out.UsedFallback = res.UsedFallback
	c.report(ctx, src.ID, res, nil)
	return out, res.Entries
}

func (c *Coordinator) report(ctx context.Context, sourceID string, res *resilient.Result, err error) {
	u := c.registry.Observe(sourceID, err, c.cfg.Now())
	if res != nil {
		u.Endpoint = res.Endpoint
		u.Entries = len(res.Entries)
		u.UsedFallback = res.UsedFallback
	}
	if br, ok := c.fetcher.(breakerReporter); ok {
		u.Breaker = br.BreakerState(sourceID).String()
	}
	c.registry.UpdateStatus(ctx, u)
	if c.sink != nil {
		c.sink.UpdateStatus(ctx, u)
	}
}
