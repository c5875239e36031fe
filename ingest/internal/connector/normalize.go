package connector

import (
	"html"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
)

var (
	stripPolicy = bluemonday.StrictPolicy()
	mdConverter = converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
)

// PlainText strips every tag from s, resolves entities and collapses
// whitespace. Summaries are always stored as plain text.
func PlainText(s string) string {
	if s == "" {
		return ""
	}
	if strings.ContainsAny(s, "<&") {
		s = html.UnescapeString(stripPolicy.Sanitize(s))
	}
	return strings.Join(strings.Fields(s), " ")
}

// Markdown converts an HTML fragment to markdown, resolving relative links
// against pageURL. Text without markup is returned trimmed.
func Markdown(fragment, pageURL string) string {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" || !strings.Contains(fragment, "<") {
		return fragment
	}
	var md string
	var err error
	if pageURL != "" {
		md, err = mdConverter.ConvertString(fragment, converter.WithDomain(pageURL))
	} else {
		md, err = mdConverter.ConvertString(fragment)
	}
	if err != nil || strings.TrimSpace(md) == "" {
		return PlainText(fragment)
	}
	return strings.TrimSpace(md)
}

// Excerpt returns the first paragraphs of text, cut at a word boundary
// before max bytes.
func Excerpt(text string, max int) string {
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return text
	}
	cut := text[:max]
	if i := strings.LastIndexAny(cut, " \n"); i > max/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "…"
}
