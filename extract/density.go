package extract

import (
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// extractDensity picks the subtree with the best text-to-markup ratio,
// ignoring navigation, footers, sidebars and link farms. Semantic landmarks
// (<main>, <article>) win when they carry enough text.
func extractDensity(doc *goquery.Document, title string, minLen int) (*Result, error) {
	var texts, htmls []string
	for _, sel := range []string{"main", "article"} {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			n := s.Get(0)
			if isBoilerplate(n) {
				return
			}
			if text := collectText(n); len(text) >= minLen {
				texts = append(texts, text)
				htmls = append(htmls, renderNode(n))
			}
		})
		if len(texts) > 0 {
			return newResult(title, texts, htmls), nil
		}
	}

	root := doc.Find("body").Get(0)
	if root == nil && len(doc.Nodes) > 0 {
		root = doc.Nodes[0]
	}
	if root == nil {
		return newResult(title, nil, nil), nil
	}

	if best := densestNode(root, minLen); best != nil {
		return newResult(title, []string{collectText(best)}, []string{renderNode(best)}), nil
	}

	text := collectText(root)
	if len(text) < minLen {
		return newResult(title, nil, nil), nil
	}
	return newResult(title, []string{text}, []string{renderNode(root)}), nil
}

type candidate struct {
	node     *html.Node
	density  float64
	textLen  int
	linkDens float64
}

func (c candidate) score() float64 {
	return c.density * lengthScale(c.textLen) * (1 - c.linkDens)
}

// densestNode walks content-bearing elements under root and returns the best
// scoring one, or nil when no element reaches minLen.
func densestNode(root *html.Node, minLen int) *html.Node {
	var best *candidate
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type != html.ElementNode || isBoilerplate(n) {
			return
		}
		if isContentTag(n.DataAtom) || n.DataAtom == atom.Body {
			text := collectText(n)
			if len(text) >= minLen {
				markup := len(renderNode(n))
				if markup == 0 {
					markup = 1
				}
				c := candidate{
					node:     n,
					textLen:  len(text),
					density:  float64(len(text)) / float64(markup),
					linkDens: float64(len(linkText(n))) / float64(len(text)),
				}
				if c.linkDens <= 0.5 && (best == nil || c.score() > best.score()) {
					best = &c
				}
			}
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(root)
	if best == nil {
		return nil
	}
	return best.node
}

// lengthScale grows by one for every doubling of n past 100 characters.
func lengthScale(n int) float64 {
	if n <= 0 {
		return 0
	}
	scale := 1.0
	for v := n; v > 100; v /= 2 {
		scale++
	}
	return scale
}
