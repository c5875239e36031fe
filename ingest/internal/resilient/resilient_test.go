package resilient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/savoir/ingest/internal/connector"
	"github.com/hazyhaar/savoir/ingest/internal/content"
	"github.com/hazyhaar/savoir/ingest/internal/fetch"
)

// scripted answers each Fetch by endpoint.
type scripted struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(endpoint string, call int) ([]content.Entry, error)
}

func (s *scripted) Fetch(ctx context.Context, req connector.Request) ([]content.Entry, error) {
	if err := req.Pace(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[req.Endpoint]++
	n := s.calls[req.Endpoint]
	s.mu.Unlock()
	return s.fn(req.Endpoint, n)
}

func (s *scripted) count(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[endpoint]
}

func fastPolicy(retries int) *Policy {
	return &Policy{MaxRetries: retries, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func one(link string) []content.Entry {
	return []content.Entry{{Title: "t", Summary: "s", Link: link}}
}

func TestFetch_FallbackAfterPrimaryFails(t *testing.T) {
	// WHAT: A primary that always fails is retried, then the fallback serves.
	// WHY: Feed owners move paths; a dead primary must not starve the source.
	c := &scripted{fn: func(ep string, _ int) ([]content.Entry, error) {
		if ep == "https://primary.example/feed" {
			return nil, &fetch.HTTPError{URL: ep, StatusCode: 503}
		}
		return one("https://x/1"), nil
	}}
	w := New(Config{})
	res, err := w.Fetch(context.Background(), Source{
		ID: "s", Connector: c,
		Endpoint:  "https://primary.example/feed",
		Fallbacks: []string{"https://mirror.example/feed"},
		Retry:     fastPolicy(2),
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !res.UsedFallback || res.Endpoint != "https://mirror.example/feed" || len(res.Entries) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if got := c.count("https://primary.example/feed"); got != 3 {
		t.Fatalf("primary calls = %d, want 3 (1 + 2 retries)", got)
	}
	if res.Attempts != 4 {
		t.Fatalf("Attempts = %d, want 4", res.Attempts)
	}
}

func TestFetch_PermanentNotRetried(t *testing.T) {
	c := &scripted{fn: func(ep string, _ int) ([]content.Entry, error) {
		return nil, &fetch.HTTPError{URL: ep, StatusCode: 404}
	}}
	_, err := New(Config{}).Fetch(context.Background(), Source{
		ID: "s", Connector: c, Endpoint: "https://a/feed", Fallbacks: []string{"https://b/feed"}, Retry: fastPolicy(5),
	})
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *FetchError", err)
	}
	if len(fe.Tried) != 2 || c.count("https://a/feed") != 1 || c.count("https://b/feed") != 1 {
		t.Fatalf("tried=%v calls a=%d b=%d", fe.Tried, c.count("https://a/feed"), c.count("https://b/feed"))
	}
	var he *fetch.HTTPError
	if !errors.As(err, &he) || he.URL != "https://b/feed" {
		t.Fatalf("last error = %v, want 404 of fallback", fe.Last)
	}
}

func TestFetch_TransientThenSuccess(t *testing.T) {
	c := &scripted{fn: func(ep string, call int) ([]content.Entry, error) {
		if call < 3 {
			return nil, fmt.Errorf("read body: %w", io.ErrUnexpectedEOF)
		}
		return one("https://x/1"), nil
	}}
	res, err := New(Config{}).Fetch(context.Background(), Source{ID: "s", Connector: c, Endpoint: "e", Retry: fastPolicy(3)})
	if err != nil || res.Attempts != 3 || res.UsedFallback {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

const brokenFeed = "garbage before\n<?xml version=\"1.0\"?><rss version=\"2.0\"><channel><title>T</title>" +
	"<item><title>Caf\x01e&nbsp;news</title><link>https://ex.com/a</link><description>Fish &amp; chips & more</description></item>" +
	"</channel></rss>"

func TestFetch_RecoversMalformedFeed(t *testing.T) {
	// WHAT: A feed with a stray prefix, control chars and HTML entities is read.
	// WHY: Real feeds break XML rules; the entries are still usable.
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(brokenFeed))
	}))
	defer srv.Close()

	get := fetch.New(fetch.Config{URLValidator: func(string) error { return nil }})
	res, err := New(Config{}).Fetch(context.Background(), Source{
		ID: "news", Connector: connector.NewFeed(get), Endpoint: srv.URL,
		RecoverMarkup: true, Retry: fastPolicy(2),
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.Entries) != 1 || res.Entries[0].Link != "https://ex.com/a" {
		t.Fatalf("entries = %+v", res.Entries)
	}
	if res.Entries[0].Title != "Cafe news" {
		t.Errorf("Title = %q", res.Entries[0].Title)
	}
	if hits.Load() != 1 {
		t.Errorf("requests = %d, want 1", hits.Load())
	}
}

const entityFeed = `<?xml version="1.0"?><rss version="2.0"><channel><title>T</title><link>https://ex.com/</link>
<item><title>A&nbsp;one</title><link>https://ex.com/1</link><description>First.</description></item>
<item><title>B two</title><link>https://ex.com/2</link><description>Second.</description></item>
<item><title>C &eacute;t&eacute;</title><link>https://ex.com/3</link><description>Third.</description></item>
</channel></rss>`

func TestFetch_RecoversEveryRSSItem(t *testing.T) {
	// WHAT: An RSS body that fails strict parsing only on HTML entities
	// comes back with every item and its link.
	// WHY: Recovery that drops items silently looks like an empty feed.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(entityFeed))
	}))
	defer srv.Close()

	get := fetch.New(fetch.Config{URLValidator: func(string) error { return nil }})
	res, err := New(Config{}).Fetch(context.Background(), Source{
		ID: "news", Connector: connector.NewFeed(get), Endpoint: srv.URL,
		RecoverMarkup: true, Retry: fastPolicy(0),
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.Entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(res.Entries))
	}
	for i, e := range res.Entries {
		if want := fmt.Sprintf("https://ex.com/%d", i+1); e.Link != want {
			t.Errorf("entry %d link = %q, want %q", i, e.Link, want)
		}
	}
	if res.Entries[2].Title != "C \u00e9t\u00e9" {
		t.Errorf("Title = %q", res.Entries[2].Title)
	}
}

func TestFetch_NoRecoveryWhenDisabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(brokenFeed))
	}))
	defer srv.Close()

	get := fetch.New(fetch.Config{URLValidator: func(string) error { return nil }})
	_, err := New(Config{}).Fetch(context.Background(), Source{
		ID: "news", Connector: connector.NewFeed(get), Endpoint: srv.URL, Retry: fastPolicy(2),
	})
	var pe *connector.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ParseError", err)
	}
}

type lenientFake struct {
	scripted
	lenient func(body []byte) ([]content.Entry, error)
}

func (l *lenientFake) ParseLenient(_ context.Context, body []byte, _ connector.Request) ([]content.Entry, error) {
	return l.lenient(body)
}

func TestRecoverMarkup_KeepsPartialAndRequiresEntries(t *testing.T) {
	partial := one("https://x/page1")
	c := &lenientFake{}
	c.fn = func(string, int) ([]content.Entry, error) {
		return nil, &connector.ParseError{URL: "u", Body: []byte("<feed>"), Partial: partial, Err: errors.New("bad")}
	}

	c.lenient = func([]byte) ([]content.Entry, error) { return one("https://x/page2"), nil }
	res, err := New(Config{}).Fetch(context.Background(), Source{ID: "s", Connector: c, Endpoint: "e", RecoverMarkup: true})
	if err != nil || len(res.Entries) != 2 || res.Entries[0].Link != "https://x/page1" {
		t.Fatalf("res=%+v err=%v", res, err)
	}

	c.lenient = func([]byte) ([]content.Entry, error) { return nil, nil }
	if _, err := New(Config{}).Fetch(context.Background(), Source{ID: "s", Connector: c, Endpoint: "e", RecoverMarkup: true}); err == nil {
		t.Fatal("zero recovered entries should fail")
	}
}

func TestFetch_RateLimitPerEndpoint(t *testing.T) {
	// WHAT: Requests to one endpoint are spaced by the source interval.
	// WHY: Throttled APIs ban clients that burst.
	var mu sync.Mutex
	var stamps []time.Time
	c := &scripted{fn: func(string, int) ([]content.Entry, error) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		return one("https://x/1"), nil
	}}
	w := New(Config{})
	src := Source{ID: "s", Connector: c, Endpoint: "e", RateLimit: 40 * time.Millisecond}
	for range 3 {
		if _, err := w.Fetch(context.Background(), src); err != nil {
			t.Fatal(err)
		}
	}
	mu.Lock()
	gap := stamps[2].Sub(stamps[0])
	mu.Unlock()
	if gap < 70*time.Millisecond {
		t.Fatalf("3 requests took %v, want >= 80ms of pacing", gap)
	}

	// another endpoint is not throttled by the first
	start := time.Now()
	if _, err := w.Fetch(context.Background(), Source{ID: "o", Connector: c, Endpoint: "other", RateLimit: time.Hour}); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 20*time.Millisecond {
		t.Fatal("first request to a fresh endpoint should not wait")
	}
}

func TestFetch_CanceledDuringBackoff(t *testing.T) {
	c := &scripted{fn: func(ep string, _ int) ([]content.Entry, error) {
		return nil, &fetch.HTTPError{URL: ep, StatusCode: 500}
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := New(Config{}).Fetch(ctx, Source{
		ID: "s", Connector: c, Endpoint: "e",
		Retry: &Policy{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: time.Minute},
	})
	if err == nil || time.Since(start) > 500*time.Millisecond {
		t.Fatalf("err=%v elapsed=%v", err, time.Since(start))
	}
}

func TestBreaker_OpensAndProbes(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	fail := true
	c := &scripted{fn: func(ep string, _ int) ([]content.Entry, error) {
		if fail {
			return nil, &fetch.HTTPError{URL: ep, StatusCode: 404}
		}
		return one("https://x/1"), nil
	}}
	w := New(Config{Breaker: BreakerConfig{Threshold: 2, ResetTimeout: time.Minute}, Now: clock})
	src := Source{ID: "s", Connector: c, Endpoint: "e", Retry: fastPolicy(0)}

	for range 2 {
		w.Fetch(context.Background(), src)
	}
	if w.BreakerState("s") != BreakerOpen {
		t.Fatalf("state = %v, want open", w.BreakerState("s"))
	}
	_, err := w.Fetch(context.Background(), src)
	if !errors.Is(err, ErrCircuitOpen) || c.count("e") != 2 {
		t.Fatalf("err=%v calls=%d, want circuit open without a call", err, c.count("e"))
	}

	now = now.Add(2 * time.Minute)
	fail = false
	if _, err := w.Fetch(context.Background(), src); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if w.BreakerState("s") != BreakerClosed {
		t.Fatalf("state = %v, want closed", w.BreakerState("s"))
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"503", &fetch.HTTPError{StatusCode: 503}, Transient},
		{"429", &fetch.HTTPError{StatusCode: 429}, Transient},
		{"408", &fetch.HTTPError{StatusCode: 408}, Transient},
		{"404", &fetch.HTTPError{StatusCode: 404}, Permanent},
		{"403", &fetch.HTTPError{StatusCode: 403}, Permanent},
		{"truncated", &connector.ParseError{Truncated: true, Err: io.ErrUnexpectedEOF}, Transient},
		{"malformed", &connector.ParseError{Err: errors.New("syntax")}, Permanent},
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), Transient},
		{"canceled", context.Canceled, Canceled},
		{"dns", &netErr{}, Transient},
		{"other", errors.New("boom"), Permanent},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("%s: Classify = %v, want %v", tt.name, got, tt.want)
		}
	}
}

type netErr struct{}

func (netErr) Error() string   { return "lookup failed" }
func (netErr) Timeout() bool   { return false }
func (netErr) Temporary() bool { return true }

func TestPolicyBackoff(t *testing.T) {
	p := Policy{MaxRetries: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 350 * time.Millisecond}
	want := []time.Duration{100, 200, 350, 350}
	for i, w := range want {
		if got := p.Backoff(i); got != w*time.Millisecond {
			t.Errorf("Backoff(%d) = %v, want %v", i, got, w*time.Millisecond)
		}
	}
}
