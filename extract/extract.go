// Package extract pulls the main readable content out of an HTML page.
//
// Two strategies are available: CSS selection (goquery) when the caller knows
// where the content lives, and text-density scoring when it does not. Mode
// "auto" tries the selectors first and falls back to density.
package extract

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// Options controls an extraction.
type Options struct {
	Selectors  []string // CSS selectors, descendant combinators allowed
	Mode       string   // "auto" (default), "css", "density"
	MinTextLen int      // blocks shorter than this are ignored (default 50)
}

// Result is the extracted content.
type Result struct {
	Title string
	Text  string
	HTML  string
	Hash  string // sha256 of Text, hex
}

// Extract parses body and returns its main content.
func Extract(body []byte, opts Options) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("extract: parse html: %w", err)
	}
	return FromDocument(doc, opts)
}

// FromDocument runs the extraction on an already parsed document.
func FromDocument(doc *goquery.Document, opts Options) (*Result, error) {
	if opts.MinTextLen <= 0 {
		opts.MinTextLen = 50
	}
	title := documentTitle(doc)

	switch opts.Mode {
	case "css":
		return extractCSS(doc, opts.Selectors, title, opts.MinTextLen)
	case "density":
		return extractDensity(doc, title, opts.MinTextLen)
	case "", "auto":
		if len(opts.Selectors) > 0 {
			if res, err := extractCSS(doc, opts.Selectors, title, opts.MinTextLen); err == nil {
				return res, nil
			}
		}
		return extractDensity(doc, title, opts.MinTextLen)
	default:
		return nil, fmt.Errorf("extract: unknown mode %q", opts.Mode)
	}
}

// CleanText collapses whitespace runs, keeps paragraph breaks (blank lines)
// and drops control characters.
func CleanText(s string) string {
	var out []string
	for _, para := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n\n") {
		para = strings.Map(func(r rune) rune {
			if unicode.IsControl(r) && r != '\n' && r != '\t' {
				return -1
			}
			return r
		}, para)
		if p := strings.Join(strings.Fields(para), " "); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}

func documentTitle(doc *goquery.Document) string {
	if t := strings.TrimSpace(doc.Find("head title").First().Text()); t != "" {
		return strings.Join(strings.Fields(t), " ")
	}
	if meta, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && strings.TrimSpace(meta) != "" {
		return strings.TrimSpace(meta)
	}
	return strings.Join(strings.Fields(doc.Find("h1").First().Text()), " ")
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newResult(title string, texts, htmls []string) *Result {
	text := strings.Join(texts, "\n\n")
	return &Result{
		Title: title,
		Text:  text,
		HTML:  strings.Join(htmls, "\n"),
		Hash:  hashText(text),
	}
}
