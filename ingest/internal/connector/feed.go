package connector

import (
	"context"
	"net/http"

	"github.com/hazyhaar/savoir/ingest/internal/content"
	"github.com/hazyhaar/savoir/ingest/internal/feed"
)

// FeedConnector reads RSS, RDF and Atom feeds.
type FeedConnector struct {
	get Getter
}

// NewFeed creates a feed connector.
func NewFeed(get Getter) *FeedConnector {
	return &FeedConnector{get: get}
}

var feedAccept = http.Header{
	"Accept": {"application/rss+xml, application/atom+xml, application/rdf+xml, application/xml;q=0.9, text/xml;q=0.8, */*;q=0.5"},
}

// Fetch GETs the endpoint and parses it strictly. A parse failure returns a
// *ParseError carrying the body for recovery.
func (c *FeedConnector) Fetch(ctx context.Context, req Request) ([]content.Entry, error) {
	if err := req.Pace(ctx); err != nil {
		return nil, err
	}
	resp, err := c.get.Get(ctx, req.Endpoint, feedAccept)
	if err != nil {
		return nil, err
	}
	f, err := feed.Parse(resp.Body)
	if err != nil {
		return nil, &ParseError{URL: req.Endpoint, Body: resp.Body, Truncated: feed.IsTruncated(err), Err: err}
	}
	return limit(feedEntries(f.Items, req.SourceID, resp.URL), req.MaxResults), nil
}

// ParseLenient parses body in non-strict mode.
func (c *FeedConnector) ParseLenient(_ context.Context, body []byte, req Request) ([]content.Entry, error) {
	f, err := feed.ParseLenient(body)
	if err != nil {
		return nil, err
	}
	return limit(feedEntries(f.Items, req.SourceID, req.Endpoint), req.MaxResults), nil
}

func feedEntries(items []feed.Item, sourceID, feedURL string) []content.Entry {
	out := make([]content.Entry, 0, len(items))
	for _, it := range items {
		summary := it.Description
		if summary == "" {
			summary = it.Content
		}
		link := it.Link
		if link == "" {
			link = it.GUID
		}
		e := content.Entry{
			Title:       PlainText(it.Title),
			Summary:     PlainText(summary),
			Link:        link,
			PublishedAt: content.ParseTime(it.Published),
			SourceID:    sourceID,
			Tags:        content.Tagset(it.Categories...),
		}
		if it.Content != "" {
			e.FullText = Markdown(it.Content, firstNonEmpty(link, feedURL))
		}
		out = append(out, e)
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
