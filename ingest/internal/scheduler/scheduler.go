// Package scheduler drives the ingestion pipeline: one cycle immediately,
// then one per interval until stopped. A cycle harvests every source,
// curates the entries, pushes survivors into the knowledge store and
// records each disposition in the ledger.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/savoir/ingest/internal/content"
	"github.com/hazyhaar/savoir/ingest/internal/curator"
	"github.com/hazyhaar/savoir/ingest/internal/integration"
	"github.com/hazyhaar/savoir/ingest/internal/knowledge"
	"github.com/hazyhaar/savoir/ingest/internal/ledger"
	"github.com/hazyhaar/savoir/observability"
)

var (
	// ErrNoKnowledgeStore is returned by Start and RunCycle without a store.
	ErrNoKnowledgeStore = errors.New("scheduler: no knowledge store")
	// ErrAlreadyRunning is returned by Start on a running scheduler.
	ErrAlreadyRunning = errors.New("scheduler: already running")
)

// KnowledgeStore receives the curated entries. AddEntry returns an opaque
// reference; an error wrapping knowledge.ErrDuplicate is classified as a
// duplicate. Lookup with a link returns the documents stored under it.
type KnowledgeStore interface {
	AddEntry(ctx context.Context, text, source string, metadata map[string]string) (string, error)
	Lookup(ctx context.Context, query string, limit int) ([]map[string]string, error)
}

// Harvester collects fresh entries from every source.
type Harvester interface {
	Harvest(ctx context.Context) *integration.Report
}

// Ledger is the subset of *ledger.Ledger the scheduler writes to.
type Ledger interface {
	CreateCycle(ctx context.Context, number int64) (string, error)
	AddItem(ctx context.Context, cycleID string, e content.Entry, status ledger.Status, reason, knowledgeRef string) (string, error)
	CompleteCycle(ctx context.Context, cycleID string) error
	AbortCycle(ctx context.Context, cycleID, reason string) error
	MaxCycleNumber(ctx context.Context) (int64, error)
}

// MetricsRecorder receives per-cycle metrics; *observability.MetricsManager
// implements it.
type MetricsRecorder interface {
	Record(m observability.Metric)
}

// Config configures a Scheduler.
type Config struct {
	// Interval between the end of one cycle and the start of the next. Default 6h.
	Interval time.Duration
	// Cooldown replaces Interval after a failed cycle. Default 1m.
	Cooldown time.Duration
	// QualityAlpha is the smoothing factor of each source's acceptance
	// ratio fed back to the curator. Default 0.3.
	QualityAlpha float64
	Metrics      MetricsRecorder
	Logger       *slog.Logger
	Now          func() time.Time
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 6 * time.Hour
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Minute
	}
	if c.QualityAlpha <= 0 || c.QualityAlpha > 1 {
		c.QualityAlpha = 0.3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Summary describes a completed cycle.
type Summary struct {
	CycleID     string `json:"cycle_id"`
	CycleNumber int64  `json:"cycle_number"`
	ledger.Counters
	Invalid       int           `json:"invalid"`
	SourcesFailed int           `json:"sources_failed"`
	LedgerErrors  int           `json:"ledger_errors,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	Elapsed       time.Duration `json:"elapsed"`
	NextRunAt     time.Time     `json:"next_run_at,omitzero"`
}

// State is the scheduler state.
type State string

const (
	Stopped State = "stopped"
	Running State = "running"
)

// Status is a snapshot of the scheduler.
type Status struct {
	State      State     `json:"state"`
	LastCycle  *Summary  `json:"last_cycle,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	NextRunAt  time.Time `json:"next_run_at,omitzero"`
	LastNumber int64     `json:"last_cycle_number"`
}

// Scheduler runs cycles. RunCycle calls are serialized.
type Scheduler struct {
	harvester Harvester
	curator   *curator.Curator
	ledger    Ledger
	store     KnowledgeStore
	cfg       Config

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	next    time.Time
	lastSum *Summary
	lastErr string

	cycleMu sync.Mutex
	last    int64
	loaded  bool
}

// New creates a stopped Scheduler. store may be nil, in which case Start
// and RunCycle fail with ErrNoKnowledgeStore.
func New(h Harvester, c *curator.Curator, l Ledger, store KnowledgeStore, cfg Config) *Scheduler {
	cfg.defaults()
	return &Scheduler{harvester: h, curator: c, ledger: l, store: store, cfg: cfg}
}

// Start runs one cycle immediately, then one per Interval, in a background
// goroutine. Cycles do not observe ctx cancellation, so an in-flight cycle
// always finishes; ctx cancellation or Stop ends the wait between cycles.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.store == nil {
		return ErrNoKnowledgeStore
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx, s.stop, s.done)
	s.cfg.Logger.Info("scheduler: started", "interval", s.cfg.Interval.String())
	return nil
}

// Stop signals the loop and waits for it to exit. A cycle in flight runs
// to completion first; a wait between cycles is interrupted at once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.next = time.Time{}
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
	s.cfg.Logger.Info("scheduler: stopped")
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns a snapshot of the scheduler.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{State: Stopped, LastCycle: s.lastSum, LastError: s.lastErr, NextRunAt: s.next}
	if s.running {
		st.State = Running
	}
	s.mu.Unlock()

	s.cycleMu.Lock()
	st.LastNumber = s.last
	s.cycleMu.Unlock()
	return st
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	cycleCtx := context.WithoutCancel(ctx)
	for {
		wait := s.cfg.Interval
		if _, err := s.RunCycle(cycleCtx); err != nil {
			wait = s.cfg.Cooldown
			s.cfg.Logger.Warn("scheduler: cooling down after failed cycle", "cooldown", wait.String())
		}

		s.mu.Lock()
		if s.running {
			s.next = s.cfg.Now().Add(wait)
		}
		s.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-stop:
			t.Stop()
			return
		case <-ctx.Done():
			t.Stop()
			s.mu.Lock()
			if s.stop == stop {
				s.running = false
				s.next = time.Time{}
			}
			s.mu.Unlock()
			return
		case <-t.C:
		}
	}
}

// RunCycle runs one full cycle. A failure of the cycle as a whole, panics
// included, aborts the cycle in the ledger and leaves the cycle number
// where it was. Failures of single items are recorded and never abort.
func (s *Scheduler) RunCycle(ctx context.Context) (sum *Summary, err error) {
	if s.store == nil {
		return nil, ErrNoKnowledgeStore
	}
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	start := s.cfg.Now()
	var cycleID string
	defer func() {
		if p := recover(); p != nil {
			s.cfg.Logger.Error("scheduler: cycle panic", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("scheduler: cycle panic: %v", p)
			sum = nil
		}
		if err != nil {
			s.fail(ctx, cycleID, err)
		}
	}()

	if !s.loaded {
		n, err := s.ledger.MaxCycleNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("scheduler: %w", err)
		}
		s.last, s.loaded = n, true
	}

	rep := s.harvester.Harvest(ctx)
	number := s.last + 1
	cycleID, err = s.ledger.CreateCycle(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	log := s.cfg.Logger.With("cycle_id", cycleID, "cycle_number", number)
	sum = &Summary{
		CycleID:       cycleID,
		CycleNumber:   number,
		StartedAt:     start,
		Invalid:       len(rep.Invalid),
		SourcesFailed: rep.Failed(),
	}
	tally := newTally()

	record := func(e content.Entry, status ledger.Status, reason, ref string) {
		if _, err := s.ledger.AddItem(ctx, cycleID, e, status, reason, ref); err != nil {
			sum.LedgerErrors++
			log.Error("scheduler: ledger write failed", "link", e.Link, "status", string(status), "error", err)
			return
		}
		sum.count(status)
		tally.observe(e.SourceID, status)
	}

	for _, inv := range rep.Invalid {
		record(inv.Entry, ledger.Error, "invalid entry: "+inv.Reason, "")
	}

	accepted, rejected := s.curator.Filter(rep.Entries)
	for _, d := range rejected {
		record(d.Entry, ledger.FilteredLowScore, d.Reason, "")
	}

	seen := make(map[string]bool, len(accepted))
	for _, d := range s.curator.Prioritize(accepted, start) {
		e := d.Entry
		if seen[e.Link] {
			record(e, ledger.FilteredDuplicate, "duplicate link within cycle", "")
			continue
		}
		seen[e.Link] = true

		existing, err := s.store.Lookup(ctx, e.Link, dupLookupLimit)
		if err != nil {
			log.Warn("scheduler: knowledge lookup failed", "link", e.Link, "error", err)
		} else if hasLink(existing, e.Link) {
			record(e, ledger.FilteredDuplicate, "already in knowledge store", "")
			continue
		}

		ref, err := s.store.AddEntry(ctx, e.Text(), e.SourceID, entryMetadata(d, number))
		switch {
		case errors.Is(err, knowledge.ErrDuplicate):
			record(e, ledger.FilteredDuplicate, "already in knowledge store", "")
		case err != nil:
			record(e, ledger.Error, err.Error(), "")
		default:
			record(e, ledger.Added, "", ref)
		}
	}

	if err := s.ledger.CompleteCycle(ctx, cycleID); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	s.last = number
	s.updateQuality(tally)

	sum.Elapsed = s.cfg.Now().Sub(start)
	s.mu.Lock()
	if s.running {
		sum.NextRunAt = s.cfg.Now().Add(s.cfg.Interval)
		s.next = sum.NextRunAt
	}
	s.lastSum = sum
	s.lastErr = ""
	s.mu.Unlock()

	s.recordMetrics(sum)
	log.Info("scheduler: cycle completed",
		"fetched", sum.Fetched,
		"added", sum.Added,
		"filtered_duplicate", sum.FilteredDuplicate,
		"filtered_low_score", sum.FilteredLowScore,
		"errored", sum.Errored,
		"sources_failed", sum.SourcesFailed,
		"elapsed_ms", sum.Elapsed.Milliseconds())
	return sum, nil
}

// dupLookupLimit bounds the store lookup of a link. Stores that rank by
// similarity may return other documents first.
const dupLookupLimit = 5

// hasLink reports whether one of the looked-up documents is stored under link.
func hasLink(docs []map[string]string, link string) bool {
	for _, m := range docs {
		if m[knowledge.MetaLink] == link {
			return true
		}
	}
	return false
}

func (s *Scheduler) fail(ctx context.Context, cycleID string, cause error) {
	s.cfg.Logger.Error("scheduler: cycle failed", "cycle_id", cycleID, "error", cause)
	s.mu.Lock()
	s.lastErr = cause.Error()
	s.mu.Unlock()
	if cycleID == "" {
		return
	}
	if err := s.ledger.AbortCycle(ctx, cycleID, cause.Error()); err != nil {
		s.cfg.Logger.Error("scheduler: abort cycle", "cycle_id", cycleID, "error", err)
		// The row may still hold its number; read the maximum again.
		s.loaded = false
	}
}

// updateQuality folds each source's acceptance ratio of this cycle into the
// curator's trailing quality.
func (s *Scheduler) updateQuality(t *tally) {
	a := s.cfg.QualityAlpha
	for src, c := range t.bySource {
		if c.total == 0 {
			continue
		}
		ratio := float64(c.added) / float64(c.total)
		q := ratio
		if prev, ok := s.curator.SourceQuality(src); ok {
			q = a*ratio + (1-a)*prev
		}
		s.curator.SetSourceQuality(src, q)
	}
}

func (s *Scheduler) recordMetrics(sum *Summary) {
	if s.cfg.Metrics == nil {
		return
	}
	now := s.cfg.Now()
	labels := map[string]string{"cycle_number": fmt.Sprint(sum.CycleNumber)}
	for name, v := range map[string]float64{
		observability.MetricCycleFetched:           float64(sum.Fetched),
		observability.MetricCycleAdded:             float64(sum.Added),
		observability.MetricCycleFilteredDuplicate: float64(sum.FilteredDuplicate),
		observability.MetricCycleFilteredLowScore:  float64(sum.FilteredLowScore),
		observability.MetricCycleErrored:           float64(sum.Errored),
	} {
		s.cfg.Metrics.Record(observability.Metric{Name: name, Timestamp: now, Value: v, Labels: labels, Unit: "items"})
	}
	s.cfg.Metrics.Record(observability.Metric{
		Name: observability.MetricCycleDurationMs, Timestamp: now,
		Value: float64(sum.Elapsed.Milliseconds()), Labels: labels, Unit: "ms",
	})
}

func (sum *Summary) count(status ledger.Status) {
	sum.Fetched++
	switch status {
	case ledger.Added:
		sum.Added++
	case ledger.FilteredDuplicate:
		sum.FilteredDuplicate++
	case ledger.FilteredLowScore:
		sum.FilteredLowScore++
	case ledger.Error:
		sum.Errored++
	}
}

type sourceCount struct{ total, added int }

type tally struct{ bySource map[string]*sourceCount }

func newTally() *tally { return &tally{bySource: make(map[string]*sourceCount)} }

func (t *tally) observe(src string, status ledger.Status) {
	c, ok := t.bySource[src]
	if !ok {
		c = &sourceCount{}
		t.bySource[src] = c
	}
	c.total++
	if status == ledger.Added {
		c.added++
	}
}

func entryMetadata(d curator.Decision, cycle int64) map[string]string {
	e := d.Entry
	m := map[string]string{
		knowledge.MetaLink:  e.Link,
		knowledge.MetaTitle: e.Title,
		"source_id":         e.SourceID,
		"score":             fmt.Sprintf("%.3f", d.Score),
		"cycle_number":      fmt.Sprint(cycle),
	}
	if !e.PublishedAt.IsZero() {
		m["published_at"] = e.PublishedAt.UTC().Format(time.RFC3339)
	}
	if len(e.Tags) > 0 {
		m["tags"] = strings.Join(e.Tags, ",")
	}
	if len(d.Matched) > 0 {
		m["keywords"] = strings.Join(d.Matched, ",")
	}
	return m
}
