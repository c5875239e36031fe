// Package pdftext extracts plain text from PDF documents with pdfcpu. It is
// used to enrich paper entries with their full text.
package pdftext

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ErrNoText is returned when no page yields any text (scanned documents).
var ErrNoText = errors.New("pdftext: no text content found")

// Document is the text of a PDF.
type Document struct {
	Title     string
	Text      string // pages joined by blank lines
	PageCount int
}

// Extract reads data as a PDF and returns the text of at most maxPages
// pages (all when maxPages <= 0).
func Extract(data []byte, maxPages int) (*Document, error) {
	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return nil, fmt.Errorf("pdftext: read: %w", err)
	}

	last := ctx.PageCount
	if maxPages > 0 && maxPages < last {
		last = maxPages
	}

	doc := &Document{PageCount: ctx.PageCount}
	var pages []string
	for nr := 1; nr <= last; nr++ {
		r, err := pdfcpu.ExtractPageContent(ctx, nr)
		if err != nil || r == nil {
			continue
		}
		stream, err := io.ReadAll(r)
		if err != nil {
			continue
		}
		text := StreamText(stream)
		if text == "" {
			continue
		}
		if doc.Title == "" {
			doc.Title = firstLine(text)
		}
		pages = append(pages, text)
	}
	if len(pages) == 0 {
		return nil, ErrNoText
	}
	doc.Text = strings.Join(pages, "\n\n")
	return doc, nil
}

// StreamText returns the text shown by a page content stream. Literal
// strings drawn by Tj, TJ, ' and " are kept; positioning operators become
// spaces or line breaks. Hex strings are skipped: they are glyph ids in
// most embedded fonts.
func StreamText(stream []byte) string {
	var sb strings.Builder
	var pending []string

	flush := func() {
		for _, s := range pending {
			sb.WriteString(s)
		}
		pending = pending[:0]
	}

	for i := 0; i < len(stream); {
		c := stream[i]
		switch {
		case c == '(':
			s, n := literal(stream[i:])
			pending = append(pending, s)
			i += n
		case c == '<' && i+1 < len(stream) && stream[i+1] != '<':
			end := bytes.IndexByte(stream[i:], '>')
			if end < 0 {
				i = len(stream)
			} else {
				i += end + 1
			}
		case c == '%':
			end := bytes.IndexAny(stream[i:], "\r\n")
			if end < 0 {
				i = len(stream)
			} else {
				i += end
			}
		case isRegular(c) && !unicode.IsDigit(rune(c)) && c != '-' && c != '.' && c != '+':
			j := i
			for j < len(stream) && isRegular(stream[j]) {
				j++
			}
			op := string(stream[i:j])
			i = j
			switch op {
			case "Tj", "TJ":
				flush()
			case "'", `"`:
				sb.WriteByte('\n')
				flush()
			case "Td", "TD", "Tm":
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
			case "T*", "ET":
				sb.WriteByte('\n')
			default:
				if op != "BT" {
					pending = pending[:0]
				}
			}
		default:
			if c == '\'' || c == '"' {
				sb.WriteByte('\n')
				flush()
			}
			i++
		}
	}
	return clean(sb.String())
}

// literal decodes the PDF string literal at the start of b (b[0] == '(')
// and returns it with the number of bytes consumed. Parentheses nest.
func literal(b []byte) (string, int) {
	var sb strings.Builder
	depth := 0
	for i := 0; i < len(b); i++ {
		c := b[i]
		switch c {
		case '(':
			if depth > 0 {
				sb.WriteByte(c)
			}
			depth++
		case ')':
			depth--
			if depth == 0 {
				return sb.String(), i + 1
			}
			sb.WriteByte(c)
		case '\\':
			if i+1 >= len(b) {
				continue
			}
			i++
			switch e := b[i]; e {
			case 'n':
				sb.WriteByte('\n')
			case 'r', '\n':
			case 't':
				sb.WriteByte('\t')
			case 'b', 'f':
			case '0', '1', '2', '3', '4', '5', '6', '7':
				val := int(e - '0')
				for k := 0; k < 2 && i+1 < len(b) && b[i+1] >= '0' && b[i+1] <= '7'; k++ {
					i++
					val = val*8 + int(b[i]-'0')
				}
				sb.WriteRune(rune(val & 0xff))
			default:
				sb.WriteByte(e)
			}
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String(), len(b)
}

func isRegular(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\f', 0, '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return false
	}
	return true
}

// clean collapses runs of spaces, keeps single line breaks and drops
// non-printable runes.
func clean(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.Map(func(r rune) rune {
			if unicode.IsPrint(r) || r == ' ' {
				return r
			}
			if unicode.IsSpace(r) {
				return ' '
			}
			return -1
		}, l)
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	if len(line) > 200 {
		line = line[:200]
	}
	return line
}
