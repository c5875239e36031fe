package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hazyhaar/savoir/extract"
	"github.com/hazyhaar/savoir/ingest/internal/content"
)

// WikiOptions are the per-source options of a wiki source.
type WikiOptions struct {
	Pages        []string `yaml:"pages"`         // page titles or paths; Query is used when empty
	Selectors    []string `yaml:"selectors"`     // content selectors, tried before density extraction
	Render       string   `yaml:"render"`        // "browser" loads pages in headless Chrome
	SummaryChars int      `yaml:"summary_chars"` // default 600
	MinTextLen   int      `yaml:"min_text_len"`  // default 200
	Tags         []string `yaml:"tags"`
}

var defaultWikiSelectors = []string{
	"#mw-content-text .mw-parser-output",
	"#bodyContent",
	"article",
	"main",
}

// Renderer loads a page in a real browser and returns its final DOM.
type Renderer interface {
	Render(ctx context.Context, pageURL string) ([]byte, error)
}

// WikiConnector scrapes encyclopedic pages, one entry per page.
type WikiConnector struct {
	get      Getter
	renderer Renderer
	logger   *slog.Logger
}

// NewWiki creates a wiki connector. renderer may be nil; sources asking for
// browser rendering then fall back to plain HTTP.
func NewWiki(get Getter, renderer Renderer, logger *slog.Logger) *WikiConnector {
	if logger == nil {
		logger = slog.Default()
	}
	return &WikiConnector{get: get, renderer: renderer, logger: logger}
}

var wikiAccept = http.Header{"Accept": {"text/html,application/xhtml+xml;q=0.9,*/*;q=0.5"}}

// Fetch loads each configured page. A failing page is skipped unless every
// page fails, in which case the first error is returned.
func (c *WikiConnector) Fetch(ctx context.Context, req Request) ([]content.Entry, error) {
	var opts WikiOptions
	if err := req.DecodeOptions(&opts); err != nil {
		return nil, err
	}
	if len(opts.Selectors) == 0 {
		opts.Selectors = defaultWikiSelectors
	}
	if opts.SummaryChars <= 0 {
		opts.SummaryChars = 600
	}
	if opts.MinTextLen <= 0 {
		opts.MinTextLen = 200
	}
	pages := opts.Pages
	if len(pages) == 0 {
		for _, p := range strings.Split(req.Query, "|") {
			if p = strings.TrimSpace(p); p != "" {
				pages = append(pages, p)
			}
		}
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("wiki: source %s has no pages", req.SourceID)
	}

	log := c.logger.With("source_id", req.SourceID)
	var out []content.Entry
	var firstErr error
	for _, page := range pages {
		if req.MaxResults > 0 && len(out) >= req.MaxResults {
			break
		}
		pageURL, err := wikiPageURL(req.Endpoint, page)
		if err != nil {
			return nil, err
		}
		e, err := c.fetchPage(ctx, req, pageURL, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var pe *ParseError
			if errors.As(err, &pe) {
				log.Warn("wiki: no content extracted", "url", pageURL, "error", err)
			} else {
				log.Warn("wiki: page fetch failed", "url", pageURL, "error", err)
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, *e)
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (c *WikiConnector) fetchPage(ctx context.Context, req Request, pageURL string, opts WikiOptions) (*content.Entry, error) {
	if err := req.Pace(ctx); err != nil {
		return nil, err
	}
	var body []byte
	if opts.Render == "browser" && c.renderer != nil {
		html, err := c.renderer.Render(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		body = html
	} else {
		resp, err := c.get.Get(ctx, pageURL, wikiAccept)
		if err != nil {
			return nil, err
		}
		body = resp.Body
		pageURL = resp.URL
	}

	res, err := extract.Extract(body, extract.Options{
		Selectors:  opts.Selectors,
		MinTextLen: opts.MinTextLen,
	})
	if err != nil {
		return nil, &ParseError{URL: pageURL, Body: body, Err: err}
	}
	text := extract.CleanText(res.Text)
	if text == "" {
		return nil, &ParseError{URL: pageURL, Body: body, Err: errors.New("empty article")}
	}

	title := strings.TrimSuffix(res.Title, " - Wikipedia")
	summary, _, _ := strings.Cut(text, "\n\n")
	return &content.Entry{
		Title:    strings.TrimSpace(title),
		Summary:  Excerpt(summary, opts.SummaryChars),
		FullText: Markdown(res.HTML, pageURL),
		Link:     pageURL,
		SourceID: req.SourceID,
		Tags:     content.Tagset(opts.Tags...),
	}, nil
}

// wikiPageURL resolves a page title ("Alan Turing"), a path ("/wiki/X") or
// an absolute URL against the endpoint.
func wikiPageURL(endpoint, page string) (string, error) {
	if strings.HasPrefix(page, "http://") || strings.HasPrefix(page, "https://") {
		return page, nil
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("wiki: endpoint: %w", err)
	}
	if strings.HasPrefix(page, "/") {
		ref, err := url.Parse(page)
		if err != nil {
			return "", fmt.Errorf("wiki: page %q: %w", page, err)
		}
		return base.ResolveReference(ref).String(), nil
	}
	title := url.PathEscape(strings.ReplaceAll(strings.TrimSpace(page), " ", "_"))
	return strings.TrimRight(endpoint, "/") + "/" + title, nil
}
