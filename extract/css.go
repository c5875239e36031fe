package extract

import (
	"fmt"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// extractCSS keeps every element matched by one of the selectors whose text
// reaches minLen. Elements nested inside an already kept element are skipped
// so overlapping selectors do not duplicate text.
func extractCSS(doc *goquery.Document, selectors []string, title string, minLen int) (*Result, error) {
	if len(selectors) == 0 {
		return nil, fmt.Errorf("extract: no selectors")
	}
	var texts, htmls []string
	kept := make(map[*html.Node]bool)

	for _, sel := range selectors {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			n := s.Get(0)
			if isBoilerplate(n) || insideKept(n, kept) {
				return
			}
			text := collectText(n)
			if len(text) < minLen {
				return
			}
			texts = append(texts, text)
			htmls = append(htmls, renderNode(n))
			kept[n] = true
		})
	}

	if len(texts) == 0 {
		return nil, fmt.Errorf("extract: no content matched selectors %v", selectors)
	}
	return newResult(title, texts, htmls), nil
}

func insideKept(n *html.Node, kept map[*html.Node]bool) bool {
	for p := n; p != nil; p = p.Parent {
		if kept[p] {
			return true
		}
	}
	return false
}
