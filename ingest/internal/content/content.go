// Package content defines the normalized unit every connector produces.
package content

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// ErrNoBody is returned by Validate for entries with neither summary nor
// full text.
var ErrNoBody = errors.New("content: entry has neither summary nor full text")

// ErrNoLink is returned by Validate for entries without a link.
var ErrNoLink = errors.New("content: entry has no link")

// Entry is one piece of harvested content.
type Entry struct {
	Title       string    `json:"title"`
	Summary     string    `json:"summary"`
	FullText    string    `json:"full_text,omitempty"`
	Link        string    `json:"link"`
	PublishedAt time.Time `json:"published_at,omitzero"`
	SourceID    string    `json:"source_id"`
	Tags        []string  `json:"tags,omitempty"`
}

// Validate rejects entries that cannot be curated or deduplicated.
func Validate(e Entry) error {
	if strings.TrimSpace(e.Link) == "" {
		return ErrNoLink
	}
	if strings.TrimSpace(e.Summary) == "" && strings.TrimSpace(e.FullText) == "" {
		return ErrNoBody
	}
	return nil
}

// Text is the body used for scoring and storage: title, summary and full
// text joined by blank lines, empty parts skipped.
func (e Entry) Text() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{e.Title, e.Summary, e.FullText} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Tagset normalizes tags into a sorted set: trimmed, lowercased, no blanks,
// no duplicates.
func Tagset(tags ...string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ParseTime parses the date formats seen in feeds and APIs. It returns the
// zero time when nothing matches.
func ParseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
	time.RFC822Z,
	time.RFC822,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}
