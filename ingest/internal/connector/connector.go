// Package connector adapts external content sources into content.Entry
// values. A connector only fetches and parses: it never persists anything,
// never retries, and calls Request.Pace before every physical request so the
// caller can throttle it.
package connector

import (
	"context"
	"fmt"
	"net/http"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/savoir/ingest/internal/content"
	"github.com/hazyhaar/savoir/ingest/internal/fetch"
)

// Source kinds.
const (
	KindFeed    = "feed"
	KindArxiv   = "arxiv"
	KindJSONAPI = "jsonapi"
	KindWiki    = "wiki"
)

// Request parameterizes one fetch.
type Request struct {
	SourceID   string
	Endpoint   string
	Query      string
	MaxResults int
	Options    map[string]any

	// Wait is called before each physical request. Nil means no pacing.
	Wait func(context.Context) error
}

// Pace blocks until the next request to the endpoint is allowed.
func (r Request) Pace(ctx context.Context) error {
	if r.Wait == nil {
		return ctx.Err()
	}
	return r.Wait(ctx)
}

// DecodeOptions copies r.Options into v, a pointer to an options struct
// with yaml tags.
func (r Request) DecodeOptions(v any) error {
	if len(r.Options) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(r.Options)
	if err != nil {
		return fmt.Errorf("connector: options: %w", err)
	}
	if err := yaml.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("connector: options: %w", err)
	}
	return nil
}

// Connector fetches entries from one kind of source. An empty result is
// not an error.
type Connector interface {
	Fetch(ctx context.Context, req Request) ([]content.Entry, error)
}

// Recoverer is implemented by connectors whose payload is markup that a
// lenient parser can still read after a strict parse failed.
type Recoverer interface {
	ParseLenient(ctx context.Context, body []byte, req Request) ([]content.Entry, error)
}

// Getter is the HTTP client used by connectors; *fetch.Fetcher implements it.
type Getter interface {
	Get(ctx context.Context, url string, header http.Header) (*fetch.Response, error)
}

// ParseError reports a payload that could not be parsed. Partial holds the
// entries of earlier pages of a paginated fetch.
type ParseError struct {
	URL       string
	Body      []byte
	Partial   []content.Entry
	Truncated bool
	Err       error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("connector: parse %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Set maps source kinds to connectors.
type Set map[string]Connector

// Get returns the connector for kind.
func (s Set) Get(kind string) (Connector, error) {
	c, ok := s[kind]
	if !ok {
		return nil, fmt.Errorf("connector: no connector for kind %q", kind)
	}
	return c, nil
}

func limit(entries []content.Entry, max int) []content.Entry {
	if max > 0 && len(entries) > max {
		return entries[:max]
	}
	return entries
}
