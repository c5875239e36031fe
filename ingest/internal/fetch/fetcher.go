// Package fetch performs the HTTP GETs of every connector.
//
// Every URL, including redirect targets, goes through an SSRF validator.
// Non-2xx responses come back as *HTTPError so callers can classify them.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/hazyhaar/savoir/horosafe"
)

// HTTPError is a response with a non-2xx status.
type HTTPError struct {
	URL        string
	StatusCode int
	RetryAfter time.Duration // from the Retry-After header, zero when absent
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fetch: %s: http %d", e.URL, e.StatusCode)
}

// Response is a successful fetch.
type Response struct {
	URL         string // final URL after redirects
	StatusCode  int
	ContentType string
	Body        []byte
	Hash        string // sha256 of Body, hex
}

// Config configures the fetcher.
type Config struct {
	Timeout   time.Duration // default 30s
	MaxBytes  int64         // default horosafe.MaxResponseBody
	UserAgent string        // default "savoir/1.0"
	// URLValidator vets every URL before it is requested. Default:
	// horosafe.ValidateURL. Tests against httptest servers replace it.
	URLValidator func(string) error
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = horosafe.MaxResponseBody
	}
	if c.UserAgent == "" {
		c.UserAgent = "savoir/1.0 (+https://github.com/hazyhaar/savoir)"
	}
	if c.URLValidator == nil {
		c.URLValidator = horosafe.ValidateURL
	}
}

// Fetcher is safe for concurrent use.
type Fetcher struct {
	client *http.Client
	config Config
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	cfg.defaults()
	validate := cfg.URLValidator
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		},
		config: cfg,
	}
}

// Get fetches url with the extra headers. Non-2xx statuses return
// *HTTPError.
func (f *Fetcher) Get(ctx context.Context, url string, header http.Header) (*Response, error) {
	if err := f.config.URLValidator(url); err != nil {
		return nil, fmt.Errorf("fetch: URL blocked: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: new request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", f.config.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{
			URL:        url,
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	}

	body, err := horosafe.LimitedReadAll(resp.Body, f.config.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("fetch: read body: %w", err)
	}
	sum := sha256.Sum256(body)
	return &Response{
		URL:         resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		Hash:        hex.EncodeToString(sum[:]),
	}, nil
}

// UserAgent returns the configured User-Agent.
func (f *Fetcher) UserAgent() string { return f.config.UserAgent }

// ValidateURL applies the fetcher's URL validator.
func (f *Fetcher) ValidateURL(url string) error { return f.config.URLValidator(url) }

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
