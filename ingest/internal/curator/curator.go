// Package curator is the quality gate between harvesting and storage: a
// length filter, then a weighted keyword score. Survivors can be ranked by
// a priority that also rewards recency, knowledge gaps and source quality.
package curator

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hazyhaar/savoir/ingest/internal/content"
)

// Priority bonuses.
const (
	RecencyWindow = 7 * 24 * time.Hour
	RecencyBonus  = 0.2
	GapBonus      = 0.1
	MaxGapBonus   = 0.3
	QualityWeight = 0.2
)

// DefaultKeywords weights governance and reliability terms above generic
// machine-learning vocabulary.
var DefaultKeywords = map[string]float64{
	"transparency":     1.0,
	"accountability":   1.0,
	"interpretability": 0.9,
	"explainability":   0.9,
	"alignment":        0.8,
	"safety":           0.8,
	"fairness":         0.8,
	"robustness":       0.7,
	"privacy":          0.7,
	"governance":       0.7,
	"evaluation":       0.5,
	"benchmark":        0.4,
	"machine learning": 0.3,
	"neural network":   0.3,
	"deep learning":    0.3,
	"language model":   0.3,
	"dataset":          0.2,
}

// Config tunes the filters. Zero MinLength or Threshold selects the
// default; a negative value sets it to 0, so any length passes and a
// single keyword match is enough.
type Config struct {
	MinLength int                // minimum rune length of title + summary, default 100
	Threshold float64            // minimum keyword score, default 0.3
	Keywords  map[string]float64 // keyword → weight in [0,1], default DefaultKeywords
}

func (c *Config) defaults() {
	switch {
	case c.MinLength == 0:
		c.MinLength = 100
	case c.MinLength < 0:
		c.MinLength = 0
	}
	switch {
	case c.Threshold == 0:
		c.Threshold = 0.3
	case c.Threshold < 0:
		c.Threshold = 0
	}
	if len(c.Keywords) == 0 {
		c.Keywords = DefaultKeywords
	}
}

// Decision is the verdict on one entry.
type Decision struct {
	Entry    content.Entry
	Accepted bool
	Score    float64  // keyword score; zero when the length filter rejected
	Matched  []string // matched keywords, sorted
	Reason   string   // rejection reason, empty when accepted
}

type keyword struct {
	term   string
	weight float64
}

// Curator applies the filters. Its policy is fixed at construction; the
// quality and gap inputs to Prioritize may be updated concurrently.
type Curator struct {
	minLength int
	threshold float64
	keywords  []keyword

	mu      sync.RWMutex
	quality map[string]float64
	gaps    []string
}

// New creates a Curator.
func New(cfg Config) *Curator {
	cfg.defaults()
	kws := make([]keyword, 0, len(cfg.Keywords))
	for term, w := range cfg.Keywords {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		kws = append(kws, keyword{term: term, weight: clip(w)})
	}
	sort.Slice(kws, func(i, j int) bool { return kws[i].term < kws[j].term })
	return &Curator{
		minLength: cfg.MinLength,
		threshold: cfg.Threshold,
		keywords:  kws,
		quality:   make(map[string]float64),
	}
}

// Evaluate runs both filters on e.
func (c *Curator) Evaluate(e content.Entry) Decision {
	d := Decision{Entry: e}
	if n := utf8.RuneCountInString(e.Title) + utf8.RuneCountInString(e.Summary); n < c.minLength {
		d.Reason = fmt.Sprintf("content too short (%d < %d)", n, c.minLength)
		return d
	}
	d.Score, d.Matched = c.Score(e.Text())
	switch {
	case len(d.Matched) == 0:
		d.Reason = "no keyword matched"
	case d.Score < c.threshold:
		d.Reason = fmt.Sprintf("keyword score %.2f below threshold %.2f", d.Score, c.threshold)
	default:
		d.Accepted = true
	}
	return d
}

// Score is the average weight of the keywords found in text, clipped to
// [0,1]. Matching is a case-insensitive substring search.
func (c *Curator) Score(text string) (float64, []string) {
	lower := strings.ToLower(text)
	var sum float64
	var matched []string
	for _, kw := range c.keywords {
		if strings.Contains(lower, kw.term) {
			sum += kw.weight
			matched = append(matched, kw.term)
		}
	}
	if len(matched) == 0 {
		return 0, nil
	}
	return clip(sum / float64(len(matched))), matched
}

// Filter splits entries into accepted and rejected decisions, keeping
// input order in both.
func (c *Curator) Filter(entries []content.Entry) (accepted, rejected []Decision) {
	for _, e := range entries {
		d := c.Evaluate(e)
		if d.Accepted {
			accepted = append(accepted, d)
		} else {
			rejected = append(rejected, d)
		}
	}
	return accepted, rejected
}

// Priority ranks an accepted decision. It never filters.
func (c *Curator) Priority(d Decision, now time.Time) float64 {
	p := d.Score
	if pub := d.Entry.PublishedAt; !pub.IsZero() && now.Sub(pub) <= RecencyWindow {
		p += RecencyBonus
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.gaps) > 0 {
		lower := strings.ToLower(d.Entry.Text())
		var bonus float64
		for _, g := range c.gaps {
			if strings.Contains(lower, g) {
				bonus += GapBonus
			}
		}
		p += min(bonus, MaxGapBonus)
	}
	p += QualityWeight * c.quality[d.Entry.SourceID]
	return p
}

// Prioritize returns ds sorted by descending priority. Ties keep their
// input order.
func (c *Curator) Prioritize(ds []Decision, now time.Time) []Decision {
	prio := make([]float64, len(ds))
	idx := make([]int, len(ds))
	for i, d := range ds {
		prio[i] = c.Priority(d, now)
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return prio[idx[a]] > prio[idx[b]] })
	out := make([]Decision, len(ds))
	for i, j := range idx {
		out[i] = ds[j]
	}
	return out
}

// SetSourceQuality records the trailing quality of a source, clipped to [0,1].
func (c *Curator) SetSourceQuality(sourceID string, q float64) {
	c.mu.Lock()
	c.quality[sourceID] = clip(q)
	c.mu.Unlock()
}

// SourceQuality returns the recorded quality of a source and whether one
// was recorded.
func (c *Curator) SourceQuality(sourceID string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quality[sourceID]
	return q, ok
}

// SetKnowledgeGaps replaces the set of topics the knowledge store lacks.
func (c *Curator) SetKnowledgeGaps(gaps []string) {
	norm := make([]string, 0, len(gaps))
	for _, g := range gaps {
		if g = strings.ToLower(strings.TrimSpace(g)); g != "" {
			norm = append(norm, g)
		}
	}
	c.mu.Lock()
	c.gaps = norm
	c.mu.Unlock()
}

// KnowledgeGaps returns the current gaps.
func (c *Curator) KnowledgeGaps() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.gaps...)
}

func clip(v float64) float64 {
	return max(0, min(1, v))
}
