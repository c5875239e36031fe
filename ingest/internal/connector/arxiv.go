package connector

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/hazyhaar/savoir/ingest/internal/content"
	"github.com/hazyhaar/savoir/ingest/internal/feed"
	"github.com/hazyhaar/savoir/ingest/internal/pdftext"
)

// DefaultArxivEndpoint is the public arXiv query API.
const DefaultArxivEndpoint = "https://export.arxiv.org/api/query"

// ArxivOptions are the per-source options of an arxiv source.
type ArxivOptions struct {
	PageSize     int    `yaml:"page_size"`     // default 50
	SortBy       string `yaml:"sort_by"`       // relevance, lastUpdatedDate, submittedDate
	SortOrder    string `yaml:"sort_order"`    // ascending, descending
	FullText     bool   `yaml:"full_text"`     // download PDFs and extract their text
	FullTextMax  int    `yaml:"full_text_max"` // at most this many PDFs per fetch, default 5
	PDFPageLimit int    `yaml:"pdf_pages"`     // pages extracted per PDF, default 20
}

// ArxivConnector queries the arXiv Atom API page by page.
type ArxivConnector struct {
	get    Getter
	logger *slog.Logger
}

// NewArxiv creates an arxiv connector.
func NewArxiv(get Getter, logger *slog.Logger) *ArxivConnector {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArxivConnector{get: get, logger: logger}
}

// Fetch pages through search results until MaxResults entries were read or
// a page comes back short or empty. Each page is paced separately.
func (c *ArxivConnector) Fetch(ctx context.Context, req Request) ([]content.Entry, error) {
	var opts ArxivOptions
	if err := req.DecodeOptions(&opts); err != nil {
		return nil, err
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	want := req.MaxResults
	if want <= 0 {
		want = opts.PageSize
	}
	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = DefaultArxivEndpoint
	}

	var all []content.Entry
	for start := 0; len(all) < want; {
		n := min(opts.PageSize, want-len(all))
		pageURL, err := arxivURL(endpoint, req.Query, start, n, opts)
		if err != nil {
			return nil, err
		}
		if err := req.Pace(ctx); err != nil {
			return nil, err
		}
		resp, err := c.get.Get(ctx, pageURL, nil)
		if err != nil {
			return nil, err
		}
		f, err := feed.Parse(resp.Body)
		if err != nil {
			return nil, &ParseError{URL: pageURL, Body: resp.Body, Partial: all, Truncated: feed.IsTruncated(err), Err: err}
		}
		page := arxivEntries(f.Items, req.SourceID)
		all = append(all, page...)
		if len(f.Items) < n {
			break
		}
		start += len(f.Items)
	}

	all = limit(all, want)
	if opts.FullText {
		c.enrich(ctx, req, all, opts)
	}
	return all, nil
}

// ParseLenient parses one result page in non-strict mode.
func (c *ArxivConnector) ParseLenient(_ context.Context, body []byte, req Request) ([]content.Entry, error) {
	f, err := feed.ParseLenient(body)
	if err != nil {
		return nil, err
	}
	return arxivEntries(f.Items, req.SourceID), nil
}

// enrich downloads the PDF of each entry and stores its text as FullText.
// Failures are logged and leave the entry as is.
func (c *ArxivConnector) enrich(ctx context.Context, req Request, entries []content.Entry, opts ArxivOptions) {
	maxDocs := opts.FullTextMax
	if maxDocs <= 0 {
		maxDocs = 5
	}
	pages := opts.PDFPageLimit
	if pages <= 0 {
		pages = 20
	}
	log := c.logger.With("source_id", req.SourceID)
	done := 0
	for i := range entries {
		if done >= maxDocs || ctx.Err() != nil {
			return
		}
		pdfURL := arxivPDFURL(entries[i].Link)
		if pdfURL == "" {
			continue
		}
		done++
		if err := req.Pace(ctx); err != nil {
			return
		}
		resp, err := c.get.Get(ctx, pdfURL, nil)
		if err != nil {
			log.Warn("arxiv: pdf download failed", "url", pdfURL, "error", err)
			continue
		}
		doc, err := pdftext.Extract(resp.Body, pages)
		if err != nil {
			log.Warn("arxiv: pdf text extraction failed", "url", pdfURL, "error", err)
			continue
		}
		entries[i].FullText = doc.Text
	}
}

func arxivURL(endpoint, query string, start, n int, opts ArxivOptions) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("arxiv: endpoint: %w", err)
	}
	q := u.Query()
	q.Set("search_query", query)
	q.Set("start", strconv.Itoa(start))
	q.Set("max_results", strconv.Itoa(n))
	if opts.SortBy != "" {
		q.Set("sortBy", opts.SortBy)
	}
	if opts.SortOrder != "" {
		q.Set("sortOrder", opts.SortOrder)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func arxivEntries(items []feed.Item, sourceID string) []content.Entry {
	out := make([]content.Entry, 0, len(items))
	for _, it := range items {
		// The API reports query errors as a single entry titled "Error".
		if it.Title == "Error" && strings.Contains(it.GUID, "api/errors") {
			continue
		}
		link := it.Link
		if link == "" {
			link = it.GUID
		}
		e := content.Entry{
			Title:       PlainText(it.Title),
			Summary:     PlainText(it.Description),
			Link:        link,
			PublishedAt: content.ParseTime(it.Published),
			SourceID:    sourceID,
			Tags:        content.Tagset(it.Categories...),
		}
		out = append(out, e)
	}
	return out
}

// arxivPDFURL maps an abstract page URL to its PDF.
func arxivPDFURL(absURL string) string {
	if i := strings.Index(absURL, "/abs/"); i >= 0 {
		return absURL[:i] + "/pdf/" + absURL[i+len("/abs/"):]
	}
	return ""
}
