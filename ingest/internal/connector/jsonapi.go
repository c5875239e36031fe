package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/hazyhaar/savoir/ingest/internal/content"
)

// JSONAPIOptions describe how to call and read a paginated JSON API.
type JSONAPIOptions struct {
	Headers       map[string]string `yaml:"headers"`         // values support ${ENV_VAR}
	QueryParam    string            `yaml:"query_param"`     // default "q"
	Params        map[string]string `yaml:"params"`          // extra query parameters
	ResultPath    string            `yaml:"result_path"`     // dot notation, "" = root array
	Fields        map[string]string `yaml:"fields"`          // entry field → dot path in item
	PageParam     string            `yaml:"page_param"`      // empty = single request
	PageStart     int               `yaml:"page_start"`      // first page value, default 1
	PageOffset    bool              `yaml:"page_offset"`     // page_param counts items, not pages
	PageSizeParam string            `yaml:"page_size_param"` // e.g. "limit"
	PageSize      int               `yaml:"page_size"`       // default 20
}

// default mapping from entry fields to item keys
var defaultFields = map[string]string{
	"title":     "title",
	"summary":   "summary",
	"full_text": "text",
	"link":      "url",
	"published": "published",
	"tags":      "tags",
}

// JSONAPIConnector reads search or listing APIs returning JSON.
type JSONAPIConnector struct {
	get Getter
}

// NewJSONAPI creates a JSON API connector.
func NewJSONAPI(get Getter) *JSONAPIConnector {
	return &JSONAPIConnector{get: get}
}

// Fetch requests pages until MaxResults items were read, a page is empty
// or shorter than the page size, or pagination is not configured.
func (c *JSONAPIConnector) Fetch(ctx context.Context, req Request) ([]content.Entry, error) {
	var opts JSONAPIOptions
	if err := req.DecodeOptions(&opts); err != nil {
		return nil, err
	}
	if opts.QueryParam == "" {
		opts.QueryParam = "q"
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if opts.PageStart == 0 && !opts.PageOffset {
		opts.PageStart = 1
	}
	header := http.Header{"Accept": {"application/json"}}
	for k, v := range opts.Headers {
		header.Set(k, os.Expand(v, os.Getenv))
	}

	var all []content.Entry
	page := opts.PageStart
	for {
		pageURL, err := jsonapiURL(req, opts, page)
		if err != nil {
			return nil, err
		}
		if err := req.Pace(ctx); err != nil {
			return nil, err
		}
		resp, err := c.get.Get(ctx, pageURL, header)
		if err != nil {
			return nil, err
		}
		items, err := decodeItems(resp.Body, opts.ResultPath)
		if err != nil {
			return nil, &ParseError{URL: pageURL, Body: resp.Body, Partial: all, Truncated: isTruncatedJSON(err), Err: err}
		}
		for _, it := range items {
			obj, ok := it.(map[string]any)
			if !ok {
				continue
			}
			all = append(all, itemEntry(obj, opts.Fields, req.SourceID, resp.URL))
		}

		if opts.PageParam == "" || len(items) == 0 || len(items) < opts.PageSize {
			break
		}
		if req.MaxResults > 0 && len(all) >= req.MaxResults {
			break
		}
		if opts.PageOffset {
			page += len(items)
		} else {
			page++
		}
	}
	return limit(all, req.MaxResults), nil
}

func jsonapiURL(req Request, opts JSONAPIOptions, page int) (string, error) {
	u, err := url.Parse(req.Endpoint)
	if err != nil {
		return "", fmt.Errorf("jsonapi: endpoint: %w", err)
	}
	q := u.Query()
	if req.Query != "" {
		q.Set(opts.QueryParam, req.Query)
	}
	for k, v := range opts.Params {
		q.Set(k, os.Expand(v, os.Getenv))
	}
	if opts.PageParam != "" {
		q.Set(opts.PageParam, strconv.Itoa(page))
		if opts.PageSizeParam != "" {
			q.Set(opts.PageSizeParam, strconv.Itoa(opts.PageSize))
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func decodeItems(body []byte, path string) ([]any, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("json decode: %w", err)
	}
	v, err := walk(raw, path)
	if err != nil {
		return nil, fmt.Errorf("result path %q: %w", path, err)
	}
	switch items := v.(type) {
	case []any:
		return items, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("result path %q is %T, not an array", path, v)
	}
}

// walk follows a dot path through objects; numeric segments index arrays.
// A missing key yields nil without error.
func walk(v any, path string) (any, error) {
	if path == "" {
		return v, nil
	}
	cur := v
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			cur = node[part]
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("segment %q: expected index into array", part)
			}
			if i < 0 || i >= len(node) {
				return nil, nil
			}
			cur = node[i]
		case nil:
			return nil, nil
		default:
			return nil, fmt.Errorf("segment %q: cannot descend into %T", part, cur)
		}
	}
	return cur, nil
}

func itemEntry(obj map[string]any, fields map[string]string, sourceID, baseURL string) content.Entry {
	field := func(name string) any {
		path, ok := fields[name]
		if !ok {
			path = defaultFields[name]
		}
		v, _ := walk(obj, path)
		return v
	}
	link := asString(field("link"))
	if link != "" && baseURL != "" {
		if base, err := url.Parse(baseURL); err == nil {
			if ref, err := url.Parse(link); err == nil {
				link = base.ResolveReference(ref).String()
			}
		}
	}
	return content.Entry{
		Title:       PlainText(asString(field("title"))),
		Summary:     PlainText(asString(field("summary"))),
		FullText:    Markdown(asString(field("full_text")), link),
		Link:        link,
		PublishedAt: content.ParseTime(asString(field("published"))),
		SourceID:    sourceID,
		Tags:        content.Tagset(asStrings(field("tags"))...),
	}
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []any:
		return strings.Join(asStrings(x), ", ")
	default:
		return fmt.Sprintf("%v", x)
	}
}

func asStrings(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s := asString(e); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Split(x, ",")
	default:
		return []string{asString(x)}
	}
}

func isTruncatedJSON(err error) bool {
	var se *json.SyntaxError
	return errors.As(err, &se) && strings.Contains(se.Error(), "unexpected end of JSON input")
}
