package scheduler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/savoir/dbopen"
	"github.com/hazyhaar/savoir/ingest/internal/connector"
	"github.com/hazyhaar/savoir/ingest/internal/content"
	"github.com/hazyhaar/savoir/ingest/internal/curator"
	"github.com/hazyhaar/savoir/ingest/internal/fetch"
	"github.com/hazyhaar/savoir/ingest/internal/integration"
	"github.com/hazyhaar/savoir/ingest/internal/knowledge"
	"github.com/hazyhaar/savoir/ingest/internal/ledger"
	"github.com/hazyhaar/savoir/ingest/internal/resilient"
	"github.com/hazyhaar/savoir/observability"

	_ "modernc.org/sqlite"
)

// staticHarvester returns the same entries on every call.
type staticHarvester struct {
	calls   atomic.Int32
	entries []content.Entry
	panicOn int32 // call number that panics, 0 = never
}

func (h *staticHarvester) Harvest(context.Context) *integration.Report {
	n := h.calls.Add(1)
	if n == h.panicOn {
		panic("harvest exploded")
	}
	return &integration.Report{Entries: append([]content.Entry(nil), h.entries...)}
}

type env struct {
	ledger *ledger.Ledger
	store  *knowledge.Store
	cur    *curator.Curator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	l, err := ledger.New(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	st, err := knowledge.New(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	return &env{
		ledger: l,
		store:  st,
		cur:    curator.New(curator.Config{MinLength: 150, Keywords: map[string]float64{"transparency": 1.0}}),
	}
}

func twoItems() []content.Entry {
	short := content.Entry{Title: "Tiny", Summary: strings.Repeat("s", 36), Link: "https://feed/short", SourceID: "feed"}
	body := "A long report on transparency in automated decision systems. "
	long := content.Entry{
		Title:    "Transparency report",
		Summary:  body + strings.Repeat("More detail follows here. ", (600-len(body))/26+1),
		Link:     "https://feed/long",
		SourceID: "feed",
	}
	return []content.Entry{short, long}
}

func TestRunCycle_TwoItemExample(t *testing.T) {
	// WHAT: One short and one relevant item give one low-score and one added.
	// WHY: Both filter outcomes and the store write land in the ledger.
	ctx := context.Background()
	e := newEnv(t)
	s := New(&staticHarvester{entries: twoItems()}, e.cur, e.ledger, e.store, Config{})

	sum, err := s.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if sum.Fetched != 2 || sum.Added != 1 || sum.FilteredLowScore != 1 || sum.CycleNumber != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	c, err := e.ledger.GetCycle(ctx, sum.CycleID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Fetched != 2 || c.Added != 1 || c.FilteredLowScore != 1 || !c.Completed() {
		t.Fatalf("cycle = %+v", c)
	}
	items, _ := e.ledger.LatestItems(ctx, 10)
	var added, low int
	for _, it := range items {
		switch it.Status {
		case ledger.Added:
			added++
			if it.KnowledgeRef == "" || it.Link != "https://feed/long" {
				t.Errorf("added item = %+v", it)
			}
		case ledger.FilteredLowScore:
			low++
			if !strings.Contains(it.Reason, "short") {
				t.Errorf("reason = %q", it.Reason)
			}
		}
	}
	if added != 1 || low != 1 {
		t.Fatalf("items: added=%d low=%d", added, low)
	}
}

func TestRunCycle_Idempotent(t *testing.T) {
	// WHAT: Re-running on an unchanged feed classifies the known link as duplicate.
	// WHY: The store must not receive the same document every cycle.
	ctx := context.Background()
	e := newEnv(t)
	s := New(&staticHarvester{entries: twoItems()}, e.cur, e.ledger, e.store, Config{})

	first, err := s.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second.Added != 0 || second.FilteredDuplicate != 1 || second.FilteredLowScore != 1 {
		t.Fatalf("second summary = %+v", second)
	}
	if second.CycleNumber != first.CycleNumber+1 {
		t.Fatalf("cycle numbers %d then %d", first.CycleNumber, second.CycleNumber)
	}
	if n, _ := e.store.Count(ctx); n != 1 {
		t.Fatalf("documents = %d, want 1", n)
	}
}

func TestRunCycle_DuplicateWithinCycle(t *testing.T) {
	e := newEnv(t)
	items := twoItems()
	h := &staticHarvester{entries: []content.Entry{items[1], items[1]}}
	sum, err := New(h, e.cur, e.ledger, e.store, Config{}).RunCycle(context.Background())
	if err != nil || sum.Added != 1 || sum.FilteredDuplicate != 1 {
		t.Fatalf("summary = %+v err = %v", sum, err)
	}
}

// similarStore answers every lookup with a document stored under another
// link, the way a similarity search does.
type similarStore struct {
	adds atomic.Int32
}

func (s *similarStore) AddEntry(context.Context, string, string, map[string]string) (string, error) {
	s.adds.Add(1)
	return "doc_1", nil
}

func (s *similarStore) Lookup(context.Context, string, int) ([]map[string]string, error) {
	return []map[string]string{{knowledge.MetaLink: "https://elsewhere/unrelated"}}, nil
}

func TestRunCycle_LookupHitOnOtherLinkIsNotDuplicate(t *testing.T) {
	// WHAT: Only a stored document with the same link makes an entry a duplicate.
	// WHY: A store that ranks by similarity always returns something.
	e := newEnv(t)
	st := &similarStore{}
	sum, err := New(&staticHarvester{entries: twoItems()}, e.cur, e.ledger, st, Config{}).RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Added != 1 || sum.FilteredDuplicate != 0 || st.adds.Load() != 1 {
		t.Fatalf("summary = %+v, store adds = %d", sum, st.adds.Load())
	}
}

// flakyLedger fails CompleteCycle and AbortCycle on demand.
type flakyLedger struct {
	*ledger.Ledger
	failComplete atomic.Bool
	failAbort    atomic.Bool
}

func (f *flakyLedger) CompleteCycle(ctx context.Context, id string) error {
	if f.failComplete.Load() {
		return errors.New("disk full")
	}
	return f.Ledger.CompleteCycle(ctx, id)
}

func (f *flakyLedger) AbortCycle(ctx context.Context, id, reason string) error {
	if f.failAbort.Load() {
		return errors.New("disk full")
	}
	return f.Ledger.AbortCycle(ctx, id, reason)
}

func TestRunCycle_FailedAbortDoesNotReuseNumber(t *testing.T) {
	// WHAT: A cycle row that could not be aborted keeps its number, so the
	// next cycle takes the one after it.
	// WHY: Two ledger rows must never share a cycle number.
	ctx := context.Background()
	e := newEnv(t)
	fl := &flakyLedger{Ledger: e.ledger}
	s := New(&staticHarvester{entries: twoItems()}, e.cur, fl, e.store, Config{})

	if _, err := s.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	fl.failComplete.Store(true)
	fl.failAbort.Store(true)
	if _, err := s.RunCycle(ctx); err == nil {
		t.Fatal("cycle with failed completion should fail")
	}
	fl.failComplete.Store(false)
	fl.failAbort.Store(false)

	sum, err := s.RunCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.CycleNumber != 3 {
		t.Fatalf("cycle number = %d, want 3", sum.CycleNumber)
	}
	cycles, _ := e.ledger.RecentCycles(ctx, 10)
	seen := make(map[int64]bool)
	for _, c := range cycles {
		if c.Number != 0 && seen[c.Number] {
			t.Fatalf("cycle number %d used twice: %+v", c.Number, cycles)
		}
		seen[c.Number] = true
	}
}

func TestRunCycle_MonotonicAndFailedCycleNotCounted(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	fl := &flakyLedger{Ledger: e.ledger}
	s := New(&staticHarvester{entries: twoItems()}, e.cur, fl, e.store, Config{})

	if sum, err := s.RunCycle(ctx); err != nil || sum.CycleNumber != 1 {
		t.Fatalf("first: %+v %v", sum, err)
	}
	fl.failComplete.Store(true)
	if _, err := s.RunCycle(ctx); err == nil {
		t.Fatal("cycle with failed completion should fail")
	}
	fl.failComplete.Store(false)
	sum, err := s.RunCycle(ctx)
	if err != nil || sum.CycleNumber != 2 {
		t.Fatalf("third: %+v %v, want cycle number 2", sum, err)
	}

	cycles, _ := e.ledger.RecentCycles(ctx, 10)
	if len(cycles) != 3 || !cycles[1].Aborted() || cycles[1].Error != "scheduler: disk full" {
		t.Fatalf("cycles = %+v", cycles)
	}
	if st := s.Status(); st.LastNumber != 2 || st.LastError != "" {
		t.Fatalf("status = %+v", st)
	}
}

func TestRunCycle_PanicIsCycleError(t *testing.T) {
	e := newEnv(t)
	s := New(&staticHarvester{entries: twoItems(), panicOn: 1}, e.cur, e.ledger, e.store, Config{})
	if _, err := s.RunCycle(context.Background()); err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("err = %v, want panic error", err)
	}
	sum, err := s.RunCycle(context.Background())
	if err != nil || sum.CycleNumber != 1 {
		t.Fatalf("after panic: %+v %v", sum, err)
	}
}

type failingStore struct{}

func (failingStore) AddEntry(context.Context, string, string, map[string]string) (string, error) {
	return "", errors.New("vector index offline")
}

func (failingStore) Lookup(context.Context, string, int) ([]map[string]string, error) {
	return nil, nil
}

func TestRunCycle_StoreFailureRecorded(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	sum, err := New(&staticHarvester{entries: twoItems()}, e.cur, e.ledger, failingStore{}, Config{}).RunCycle(ctx)
	if err != nil {
		t.Fatalf("store failure must not fail the cycle: %v", err)
	}
	if sum.Errored != 1 || sum.Added != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	items, _ := e.ledger.ItemsByCycle(ctx, sum.CycleID, ledger.Error, 0)
	if len(items) != 1 || items[0].Reason != "vector index offline" {
		t.Fatalf("error items = %+v", items)
	}
}

func TestRunCycle_InvalidEntriesRecorded(t *testing.T) {
	e := newEnv(t)
	h := harvesterFunc(func(context.Context) *integration.Report {
		return &integration.Report{Invalid: []integration.Invalid{{Entry: content.Entry{Title: "x"}, Reason: "content: entry has no link"}}}
	})
	sum, err := New(h, e.cur, e.ledger, e.store, Config{}).RunCycle(context.Background())
	if err != nil || sum.Errored != 1 || sum.Invalid != 1 {
		t.Fatalf("summary = %+v err = %v", sum, err)
	}
}

type harvesterFunc func(context.Context) *integration.Report

func (f harvesterFunc) Harvest(ctx context.Context) *integration.Report { return f(ctx) }

func TestStart_RequiresKnowledgeStore(t *testing.T) {
	e := newEnv(t)
	s := New(&staticHarvester{}, e.cur, e.ledger, nil, Config{})
	if err := s.Start(context.Background()); !errors.Is(err, ErrNoKnowledgeStore) {
		t.Fatalf("Start err = %v", err)
	}
	if _, err := s.RunCycle(context.Background()); !errors.Is(err, ErrNoKnowledgeStore) {
		t.Fatalf("RunCycle err = %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStop_ReturnsPromptlyDuringWait(t *testing.T) {
	// WHAT: Stop during a 1h interval returns immediately.
	// WHY: Shutdown must not wait out the interval.
	e := newEnv(t)
	s := New(&staticHarvester{entries: twoItems()}, e.cur, e.ledger, e.store, Config{Interval: time.Hour})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start err = %v", err)
	}
	waitFor(t, "first cycle", func() bool { return s.Status().LastCycle != nil })
	if st := s.Status(); st.State != Running || st.NextRunAt.IsZero() {
		t.Fatalf("status = %+v", st)
	}

	start := time.Now()
	s.Stop()
	if d := time.Since(start); d > time.Second {
		t.Fatalf("Stop took %v", d)
	}
	if s.Running() {
		t.Fatal("still running after Stop")
	}
	s.Stop()
}

func TestLoop_ContinuesAfterFailedCycle(t *testing.T) {
	e := newEnv(t)
	h := &staticHarvester{entries: twoItems(), panicOn: 1}
	s := New(h, e.cur, e.ledger, e.store, Config{Interval: time.Hour, Cooldown: 10 * time.Millisecond})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	waitFor(t, "cycle after cooldown", func() bool {
		st := s.Status()
		return st.LastCycle != nil && st.LastCycle.CycleNumber == 1
	})
	if h.calls.Load() != 2 {
		t.Fatalf("harvest calls = %d, want 2", h.calls.Load())
	}
}

func TestLoop_StopsWhenContextCanceled(t *testing.T) {
	e := newEnv(t)
	s := New(&staticHarvester{}, e.cur, e.ledger, e.store, Config{Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first cycle", func() bool { return s.Status().LastCycle != nil })
	cancel()
	waitFor(t, "loop exit", func() bool { return !s.Running() })
}

type metricsSink struct {
	mu    sync.Mutex
	names map[string]float64
}

func (m *metricsSink) Record(x observability.Metric) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.names == nil {
		m.names = make(map[string]float64)
	}
	m.names[x.Name] = x.Value
}

func TestRunCycle_MetricsAndQuality(t *testing.T) {
	e := newEnv(t)
	ms := &metricsSink{}
	s := New(&staticHarvester{entries: twoItems()}, e.cur, e.ledger, e.store, Config{Metrics: ms})
	if _, err := s.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ms.names[observability.MetricCycleFetched] != 2 || ms.names[observability.MetricCycleAdded] != 1 {
		t.Fatalf("metrics = %v", ms.names)
	}
	if _, ok := ms.names[observability.MetricCycleDurationMs]; !ok {
		t.Fatal("duration metric missing")
	}
	q, ok := e.cur.SourceQuality("feed")
	if !ok || q != 0.5 {
		t.Fatalf("quality = %v, %v; want 0.5", q, ok)
	}
}

const goodFeed = `<?xml version="1.0"?><rss version="2.0"><channel><title>Mirror</title>
<item><title>Transparency in public algorithms</title><link>https://mirror/1</link>
<description>` + "A detailed account of transparency obligations for public sector algorithms, covering audits, documentation duties and the publication of model cards for every deployed system." + `</description></item>
</channel></rss>`

func TestRunCycle_FallbackServesWhenPrimaryFails(t *testing.T) {
	// WHAT: A primary that always fails and a working fallback still ingest.
	// WHY: Path rotation on the publisher side must not starve the source.
	mux := http.NewServeMux()
	mux.HandleFunc("/primary.xml", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/mirror.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(goodFeed))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	get := fetch.New(fetch.Config{URLValidator: func(string) error { return nil }})
	wrapper := resilient.New(resilient.Config{Retry: resilient.Policy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}})
	registry := integration.NewRegistry()
	coord, err := integration.New(wrapper, []resilient.Source{{
		ID:        "policy-feed",
		Connector: connector.NewFeed(get),
		Endpoint:  srv.URL + "/primary.xml",
		Fallbacks: []string{srv.URL + "/mirror.xml"},
	}}, registry, nil, integration.Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer coord.Release()

	e := newEnv(t)
	sum, err := New(coord, e.cur, e.ledger, e.store, Config{}).RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Added != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	st, ok := registry.Get("policy-feed")
	if !ok || st.Status != integration.StatusOK || !st.UsedFallback {
		t.Fatalf("source status = %+v", st)
	}
}
