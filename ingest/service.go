package ingest

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/hazyhaar/savoir/horosafe"
	"github.com/hazyhaar/savoir/ingest/internal/buffer"
	"github.com/hazyhaar/savoir/ingest/internal/connector"
	"github.com/hazyhaar/savoir/ingest/internal/curator"
	"github.com/hazyhaar/savoir/ingest/internal/fetch"
	"github.com/hazyhaar/savoir/ingest/internal/integration"
	"github.com/hazyhaar/savoir/ingest/internal/knowledge"
	"github.com/hazyhaar/savoir/ingest/internal/ledger"
	"github.com/hazyhaar/savoir/ingest/internal/render"
	"github.com/hazyhaar/savoir/ingest/internal/resilient"
	"github.com/hazyhaar/savoir/ingest/internal/scheduler"
)

// StatusPending is reported for a configured source that has not been
// fetched yet.
const StatusPending = "pending"

// Service is the ingestion pipeline with its read APIs.
type Service struct {
	cfg       *Config
	logger    *slog.Logger
	ledger    *ledger.Ledger
	store     KnowledgeStore
	docs      *knowledge.Store // nil when an external store is used
	browser   *render.Browser
	wrapper   *resilient.Wrapper
	coord     *integration.Coordinator
	curator   *curator.Curator
	scheduler *scheduler.Scheduler

	metrics      MetricsRecorder
	sink         StatusSink
	urlValidator func(string) error
}

// Option configures a Service.
type Option func(*Service)

// WithKnowledgeStore replaces the built-in SQLite knowledge store.
func WithKnowledgeStore(ks KnowledgeStore) Option {
	return func(svc *Service) { svc.store = ks }
}

// WithMetrics sends per-cycle metrics to m, typically an
// *observability.MetricsManager.
func WithMetrics(m MetricsRecorder) Option {
	return func(svc *Service) { svc.metrics = m }
}

// WithStatusSink receives every source health update after the in-memory
// registry.
func WithStatusSink(s StatusSink) Option {
	return func(svc *Service) { svc.sink = s }
}

// WithURLValidator overrides the URL validation function (default: horosafe.ValidateURL).
// Use in tests with httptest servers that listen on loopback addresses.
func WithURLValidator(fn func(string) error) Option {
	return func(svc *Service) { svc.urlValidator = fn }
}

// New builds the service. ledgerDB holds the fetch history and is
// required. knowledgeDB holds the built-in knowledge store; it may be nil
// when WithKnowledgeStore is given, and with neither the service reads
// fine but Start and RunCycle fail with ErrNoKnowledgeStore.
func New(cfg *Config, ledgerDB, knowledgeDB *sql.DB, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = defaultConfig()
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ledgerDB == nil {
		return nil, errors.New("ingest: ledger database is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Service{
		cfg:          cfg,
		logger:       logger,
		urlValidator: horosafe.ValidateURL,
	}
	for _, o := range opts {
		o(svc)
	}

	l, err := ledger.New(ledgerDB)
	if err != nil {
		return nil, err
	}
	svc.ledger = l

	if svc.store == nil && knowledgeDB != nil {
		kopts := []knowledge.Option{knowledge.WithLogger(logger)}
		if cfg.BufferDir != "" {
			kopts = append(kopts, knowledge.WithBuffer(buffer.NewWriter(cfg.BufferDir)))
		}
		docs, err := knowledge.New(knowledgeDB, kopts...)
		if err != nil {
			return nil, err
		}
		svc.docs = docs
		svc.store = docs
	}
	if svc.store == nil {
		logger.Warn("ingest: no knowledge store, cycles are disabled")
	}

	f := fetch.New(fetch.Config{
		Timeout:      cfg.Fetch.Timeout,
		MaxBytes:     cfg.Fetch.MaxBytes,
		UserAgent:    cfg.Fetch.UserAgent,
		URLValidator: svc.urlValidator,
	})
	svc.browser = render.New(render.Config{
		RemoteURL:    cfg.Render.RemoteURL,
		NavTimeout:   cfg.Render.NavTimeout,
		Settle:       cfg.Render.Settle,
		URLValidator: svc.urlValidator,
		Logger:       logger,
	})
	conns := connector.Set{
		connector.KindFeed:    connector.NewFeed(f),
		connector.KindArxiv:   connector.NewArxiv(f, logger),
		connector.KindJSONAPI: connector.NewJSONAPI(f),
		connector.KindWiki:    connector.NewWiki(f, svc.browser, logger),
	}

	sources, err := buildSources(cfg.Sources, conns)
	if err != nil {
		return nil, err
	}

	svc.wrapper = resilient.New(resilient.Config{
		Retry:   cfg.Retry,
		Breaker: cfg.Breaker,
		Logger:  logger,
	})
	sink := integration.MultiSink{integration.LogSink{Logger: logger}}
	if svc.sink != nil {
		sink = append(sink, svc.sink)
	}
	svc.coord, err = integration.New(svc.wrapper, sources, integration.NewRegistry(), sink,
		integration.Config{MaxWorkers: cfg.MaxWorkers, Logger: logger})
	if err != nil {
		return nil, err
	}

	svc.curator = curator.New(curator.Config{
		MinLength: orDisabled(*cfg.MinContentLength),
		Threshold: orDisabled(*cfg.KeywordThreshold),
		Keywords:  cfg.Keywords,
	})
	svc.curator.SetKnowledgeGaps(cfg.KnowledgeGaps)

	svc.scheduler = scheduler.New(svc.coord, svc.curator, svc.ledger, svc.store, scheduler.Config{
		Interval: cfg.Interval,
		Cooldown: cfg.Cooldown,
		Metrics:  svc.metrics,
		Logger:   logger,
	})

	logger.Info("ingest: service ready", "sources", len(sources), "configured", len(cfg.Sources))
	return svc, nil
}

// orDisabled maps an explicit zero to the curator's "no minimum" value.
func orDisabled[T int | float64](v T) T {
	if v == 0 {
		return -1
	}
	return v
}

func buildSources(cfgs []SourceConfig, conns connector.Set) ([]resilient.Source, error) {
	out := make([]resilient.Source, 0, len(cfgs))
	for _, sc := range cfgs {
		if !sc.IsEnabled() {
			continue
		}
		c, err := conns.Get(sc.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: source %s: %w", ErrInvalidConfig, sc.ID, err)
		}
		out = append(out, resilient.Source{
			ID:            sc.ID,
			Connector:     c,
			Endpoint:      sc.Endpoint,
			Fallbacks:     slices.Clone(sc.Fallbacks),
			Query:         sc.Query,
			MaxResults:    sc.MaxResults,
			Options:       sc.Options,
			RateLimit:     sc.RateLimit,
			Retry:         sc.Retry,
			RecoverMarkup: sc.RecoverMarkup != nil && *sc.RecoverMarkup,
		})
	}
	return out, nil
}

// Start runs a cycle at once, then one per interval, until Stop or ctx
// cancellation.
func (svc *Service) Start(ctx context.Context) error {
	return svc.scheduler.Start(ctx)
}

// Stop ends the cycle loop and waits for an in-flight cycle to finish.
func (svc *Service) Stop() { svc.scheduler.Stop() }

// RunCycle runs one cycle now. It waits for a cycle already in flight.
func (svc *Service) RunCycle(ctx context.Context) (*Summary, error) {
	return svc.scheduler.RunCycle(ctx)
}

// Status returns the scheduler state.
func (svc *Service) Status() SchedulerStatus { return svc.scheduler.Status() }

// LatestItems returns the items of the last completed cycle, or of the
// cycle in progress when none completed yet.
func (svc *Service) LatestItems(ctx context.Context, limit int) ([]*Item, error) {
	return svc.ledger.LatestItems(ctx, clampLimit(limit))
}

// RecentCycles returns the newest cycles first.
func (svc *Service) RecentCycles(ctx context.Context, limit int) ([]*Cycle, error) {
	return svc.ledger.RecentCycles(ctx, clampLimit(limit))
}

// Cycle returns one cycle, or ErrCycleNotFound.
func (svc *Service) Cycle(ctx context.Context, id string) (*Cycle, error) {
	return svc.ledger.GetCycle(ctx, id)
}

// CycleItems returns the items of a cycle, optionally only those with
// status. An empty status matches every item.
func (svc *Service) CycleItems(ctx context.Context, id string, status ItemStatus, limit int) ([]*Item, error) {
	if status != "" && !slices.Contains(ledger.Statuses, status) {
		return nil, fmt.Errorf("ingest: unknown item status %q", status)
	}
	return svc.ledger.ItemsByCycle(ctx, id, status, clampLimit(limit))
}

// SourceStatuses returns the health of every configured source, sorted by
// id. Sources not fetched since startup are reported as StatusPending.
func (svc *Service) SourceStatuses() []SourceStatus {
	reg := svc.coord.Registry()
	out := reg.All()
	for _, sc := range svc.cfg.Sources {
		if !sc.IsEnabled() {
			continue
		}
		if _, ok := reg.Get(sc.ID); !ok {
			out = append(out, SourceStatus{SourceID: sc.ID, Status: StatusPending})
		}
	}
	slices.SortFunc(out, func(a, b SourceStatus) int { return cmp.Compare(a.SourceID, b.SourceID) })
	return out
}

// SourceStatus returns the health of one source.
func (svc *Service) SourceStatus(id string) (SourceStatus, bool) {
	if st, ok := svc.coord.Registry().Get(id); ok {
		return st, true
	}
	for _, sc := range svc.cfg.Sources {
		if sc.ID == id && sc.IsEnabled() {
			return SourceStatus{SourceID: id, Status: StatusPending}, true
		}
	}
	return SourceStatus{}, false
}

// Stats summarizes the ledger, the knowledge store and the sources.
func (svc *Service) Stats(ctx context.Context) (*Stats, error) {
	ls, err := svc.ledger.Stats(ctx)
	if err != nil {
		return nil, err
	}
	st := &Stats{Ledger: ls, Scheduler: svc.scheduler.Status()}
	if svc.docs != nil {
		if st.Documents, err = svc.docs.Count(ctx); err != nil {
			return nil, err
		}
	}
	for _, s := range svc.SourceStatuses() {
		st.Sources++
		if s.Status == integration.StatusError {
			st.Failing++
		}
	}
	return st, nil
}

// SetKnowledgeGaps replaces the topics whose entries get a priority bonus.
func (svc *Service) SetKnowledgeGaps(gaps []string) { svc.curator.SetKnowledgeGaps(gaps) }

// KnowledgeGaps returns the current gap topics.
func (svc *Service) KnowledgeGaps() []string { return svc.curator.KnowledgeGaps() }

// Close stops the loop and releases the worker pool and the browser.
func (svc *Service) Close() error {
	svc.scheduler.Stop()
	svc.coord.Release()
	return svc.browser.Close()
}

const (
	defaultLimit = 50
	maxLimit     = 500
)

func clampLimit(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	return min(n, maxLimit)
}
