// Package feed parses RSS 2.0, RSS 1.0 (RDF) and Atom 1.0 documents.
//
// The format is detected from the root element:
//   - <rss>     → RSS 2.0
//   - <rdf:RDF> → RSS 1.0
//   - <feed>    → Atom 1.0
//
// Parse is strict. ParseLenient accepts HTML entities, unclosed tags and bare
// ampersands; Sanitize repairs what even the lenient decoder rejects.
package feed

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
)

var (
	// ErrEmpty is returned for an empty document.
	ErrEmpty = errors.New("feed: empty document")

	// ErrUnknownFormat is returned when the root element is not a feed.
	ErrUnknownFormat = errors.New("feed: unknown format (expected <rss>, <rdf:RDF> or <feed>)")
)

// Feed is a parsed feed.
type Feed struct {
	Format string `json:"format"` // "rss", "rdf", "atom"
	Title  string `json:"title"`
	Link   string `json:"link"`
	Items  []Item `json:"items"`
}

// Item is one entry of a feed.
type Item struct {
	GUID        string   `json:"guid"`
	Title       string   `json:"title"`
	Link        string   `json:"link"`
	Description string   `json:"description"`
	Content     string   `json:"content"`
	Published   string   `json:"published"`
	Author      string   `json:"author"`
	Categories  []string `json:"categories,omitempty"`
	PDFLink     string   `json:"pdf_link,omitempty"`
}

// feedAutoClose is xml.HTMLAutoClose without the elements that carry text
// in feeds: RSS <link> holds the item URL.
var feedAutoClose = []string{
	"basefont", "br", "area", "img", "param", "hr",
	"input", "col", "frame", "isindex", "base",
}

// Parse decodes data strictly.
func Parse(data []byte) (*Feed, error) {
	return decode(data, true)
}

// ParseLenient decodes data in non-strict mode: HTML named entities are
// resolved, unclosed HTML void elements are closed, and unknown entities or
// bare ampersands are kept as text. A document that is well formed, such as
// the output of Sanitize, is decoded strictly first.
func ParseLenient(data []byte) (*Feed, error) {
	if f, err := decode(data, true); err == nil && len(f.Items) > 0 {
		return f, nil
	}
	return decode(data, false)
}

// IsTruncated reports whether err comes from a document that ended early.
func IsTruncated(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var se *xml.SyntaxError
	return errors.As(err, &se) && strings.Contains(se.Msg, "unexpected EOF")
}

func decode(data []byte, strict bool) (*Feed, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmpty
	}
	d := xml.NewDecoder(bytes.NewReader(data))
	d.CharsetReader = charset.NewReaderLabel
	d.Strict = strict
	if !strict {
		d.AutoClose = feedAutoClose
		d.Entity = xml.HTMLEntity
	}

	for {
		tok, err := d.Token()
		if err == io.EOF {
			return nil, ErrUnknownFormat
		}
		if err != nil {
			return nil, fmt.Errorf("feed: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch strings.ToLower(se.Name.Local) {
		case "rss":
			var root rssRoot
			if err := d.DecodeElement(&root, &se); err != nil {
				return nil, fmt.Errorf("feed: parse rss: %w", err)
			}
			return root.feed(), nil
		case "rdf":
			var root rdfRoot
			if err := d.DecodeElement(&root, &se); err != nil {
				return nil, fmt.Errorf("feed: parse rdf: %w", err)
			}
			return root.feed(), nil
		case "feed":
			var root atomFeed
			if err := d.DecodeElement(&root, &se); err != nil {
				return nil, fmt.Errorf("feed: parse atom: %w", err)
			}
			return root.feed(), nil
		default:
			return nil, ErrUnknownFormat
		}
	}
}

// --- RSS 2.0 / RSS 1.0 ---

type rssRoot struct {
	Channel rssChannel `xml:"channel"`
}

type rdfRoot struct {
	Channel rssChannel `xml:"channel"`
	Items   []rssItem  `xml:"item"`
}

type rssChannel struct {
	Title string    `xml:"title"`
	Link  string    `xml:"link"`
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	GUID        string         `xml:"guid"`
	Title       string         `xml:"title"`
	Link        string         `xml:"link"`
	Description string         `xml:"description"`
	Content     string         `xml:"encoded"` // content:encoded
	PubDate     string         `xml:"pubDate"`
	Date        string         `xml:"date"` // dc:date
	Author      string         `xml:"author"`
	Creator     string         `xml:"creator"` // dc:creator
	Categories  []string       `xml:"category"`
	Enclosures  []rssEnclosure `xml:"enclosure"`
}

type rssEnclosure struct {
	URL  string `xml:"url,attr"`
	Type string `xml:"type,attr"`
}

func (r rssRoot) feed() *Feed {
	return &Feed{
		Format: "rss",
		Title:  strings.TrimSpace(r.Channel.Title),
		Link:   strings.TrimSpace(r.Channel.Link),
		Items:  convertRSS(r.Channel.Items),
	}
}

func (r rdfRoot) feed() *Feed {
	items := r.Items
	if len(items) == 0 {
		items = r.Channel.Items
	}
	return &Feed{
		Format: "rdf",
		Title:  strings.TrimSpace(r.Channel.Title),
		Link:   strings.TrimSpace(r.Channel.Link),
		Items:  convertRSS(items),
	}
}

func convertRSS(in []rssItem) []Item {
	out := make([]Item, 0, len(in))
	for _, it := range in {
		link := strings.TrimSpace(it.Link)
		guid := firstNonEmpty(it.GUID, link)
		item := Item{
			GUID:        guid,
			Title:       strings.TrimSpace(it.Title),
			Link:        firstNonEmpty(link, permalink(guid)),
			Description: strings.TrimSpace(it.Description),
			Content:     strings.TrimSpace(it.Content),
			Published:   firstNonEmpty(it.PubDate, it.Date),
			Author:      firstNonEmpty(it.Author, it.Creator),
			Categories:  trimAll(it.Categories),
		}
		for _, enc := range it.Enclosures {
			if enc.Type == "application/pdf" {
				item.PDFLink = strings.TrimSpace(enc.URL)
				break
			}
		}
		out = append(out, item)
	}
	return out
}

// --- Atom 1.0 ---

type atomFeed struct {
	Title   string      `xml:"title"`
	Links   []atomLink  `xml:"link"`
	Entries []atomEntry `xml:"entry"`
}

type atomLink struct {
	Href  string `xml:"href,attr"`
	Rel   string `xml:"rel,attr"`
	Type  string `xml:"type,attr"`
	Title string `xml:"title,attr"`
}

type atomEntry struct {
	ID         string         `xml:"id"`
	Title      string         `xml:"title"`
	Links      []atomLink     `xml:"link"`
	Summary    string         `xml:"summary"`
	Content    string         `xml:"content"`
	Published  string         `xml:"published"`
	Updated    string         `xml:"updated"`
	Authors    []atomAuthor   `xml:"author"`
	Categories []atomCategory `xml:"category"`
}

type atomAuthor struct {
	Name string `xml:"name"`
}

type atomCategory struct {
	Term string `xml:"term,attr"`
}

func (a atomFeed) feed() *Feed {
	f := &Feed{
		Format: "atom",
		Title:  strings.TrimSpace(a.Title),
		Link:   alternateLink(a.Links),
		Items:  make([]Item, 0, len(a.Entries)),
	}
	for _, e := range a.Entries {
		link := alternateLink(e.Links)
		item := Item{
			GUID:        firstNonEmpty(e.ID, link),
			Title:       strings.Join(strings.Fields(e.Title), " "),
			Link:        link,
			Description: strings.TrimSpace(e.Summary),
			Content:     strings.TrimSpace(e.Content),
			Published:   firstNonEmpty(e.Published, e.Updated),
		}
		if len(e.Authors) > 0 {
			names := make([]string, 0, len(e.Authors))
			for _, au := range e.Authors {
				if n := strings.TrimSpace(au.Name); n != "" {
					names = append(names, n)
				}
			}
			item.Author = strings.Join(names, ", ")
		}
		for _, c := range e.Categories {
			if t := strings.TrimSpace(c.Term); t != "" {
				item.Categories = append(item.Categories, t)
			}
		}
		for _, l := range e.Links {
			if l.Type == "application/pdf" || l.Title == "pdf" {
				item.PDFLink = strings.TrimSpace(l.Href)
				break
			}
		}
		f.Items = append(f.Items, item)
	}
	return f
}

func alternateLink(links []atomLink) string {
	for _, l := range links {
		if l.Rel == "alternate" || l.Rel == "" {
			return strings.TrimSpace(l.Href)
		}
	}
	if len(links) > 0 {
		return strings.TrimSpace(links[0].Href)
	}
	return ""
}

func permalink(guid string) string {
	if strings.HasPrefix(guid, "http://") || strings.HasPrefix(guid, "https://") {
		return guid
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
