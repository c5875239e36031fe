package feed

import (
	"bytes"
	"encoding/xml"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

var declEncoding = regexp.MustCompile(`^<\?xml[^>]*encoding=["']([^"']+)["']`)

// Sanitize repairs common feed damage so that a lenient parse can succeed:
//   - anything before the XML declaration or root element is dropped
//   - control characters and code points outside the XML Char production are removed
//   - HTML named entities unknown to XML become numeric references
//   - unknown entities and bare ampersands are escaped
//
// CDATA sections are copied as is, minus invalid characters. Sanitize is
// pure: the input is never modified.
func Sanitize(data []byte) []byte {
	data = stripPrefix(data)
	utf8Doc := isUTF8Declared(data)

	var out bytes.Buffer
	out.Grow(len(data) + len(data)/16)

	for i := 0; i < len(data); {
		if bytes.HasPrefix(data[i:], []byte("<![CDATA[")) {
			end := bytes.Index(data[i:], []byte("]]>"))
			if end < 0 {
				end = len(data) - i
			} else {
				end += len("]]>")
			}
			writeValid(&out, data[i:i+end], utf8Doc)
			i += end
			continue
		}
		if data[i] == '&' {
			ref, n := entity(data[i:])
			out.WriteString(ref)
			i += n
			continue
		}
		n := writeValid(&out, data[i:i+nextSpecial(data[i:])], utf8Doc)
		i += n
	}
	return out.Bytes()
}

// stripPrefix drops bytes before "<?xml" or, when there is no declaration,
// before the first tag. A UTF-8 BOM is dropped too.
func stripPrefix(data []byte) []byte {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if idx := bytes.Index(data, []byte("<?xml")); idx >= 0 {
		return data[idx:]
	}
	if idx := bytes.IndexByte(data, '<'); idx > 0 {
		return data[idx:]
	}
	return data
}

func isUTF8Declared(data []byte) bool {
	m := declEncoding.FindSubmatch(data)
	if m == nil {
		return true
	}
	enc := strings.ToLower(string(m[1]))
	return enc == "utf-8" || enc == "utf8" || enc == "us-ascii"
}

// nextSpecial returns the length of the run before the next '&' or CDATA
// start, at least 1.
func nextSpecial(data []byte) int {
	for i := 1; i < len(data); i++ {
		if data[i] == '&' || (data[i] == '<' && bytes.HasPrefix(data[i:], []byte("<![CDATA["))) {
			return i
		}
	}
	return len(data)
}

// writeValid copies chunk minus invalid characters and returns len(chunk).
// For documents in a legacy single-byte encoding only ASCII control bytes
// are removed.
func writeValid(out *bytes.Buffer, chunk []byte, utf8Doc bool) int {
	if !utf8Doc {
		for _, b := range chunk {
			if b >= 0x20 || b == '\t' || b == '\n' || b == '\r' {
				out.WriteByte(b)
			}
		}
		return len(chunk)
	}
	for i := 0; i < len(chunk); {
		r, size := utf8.DecodeRune(chunk[i:])
		if r == utf8.RuneError && size <= 1 {
			i++
			continue
		}
		if isXMLChar(r) && !(unicode.IsControl(r) && r != '\t' && r != '\n' && r != '\r') {
			out.Write(chunk[i : i+size])
		}
		i += size
	}
	return len(chunk)
}

// entity rewrites the reference at the start of data (data[0] == '&') and
// returns the replacement and the number of bytes consumed.
func entity(data []byte) (string, int) {
	semi := bytes.IndexByte(data, ';')
	if semi < 0 || semi > 32 {
		return "&amp;", 1
	}
	name := string(data[1:semi])
	consumed := semi + 1

	if strings.HasPrefix(name, "#") {
		var cp int64
		var err error
		if strings.HasPrefix(name, "#x") || strings.HasPrefix(name, "#X") {
			cp, err = strconv.ParseInt(name[2:], 16, 32)
		} else {
			cp, err = strconv.ParseInt(name[1:], 10, 32)
		}
		if err != nil {
			return "&amp;", 1
		}
		if !isXMLChar(rune(cp)) {
			return "", consumed
		}
		return string(data[:consumed]), consumed
	}

	if !isName(name) {
		return "&amp;", 1
	}
	switch name {
	case "amp", "lt", "gt", "quot", "apos":
		return string(data[:consumed]), consumed
	}
	if val, ok := xml.HTMLEntity[name]; ok {
		var sb strings.Builder
		for _, r := range val {
			sb.WriteString("&#")
			sb.WriteString(strconv.Itoa(int(r)))
			sb.WriteByte(';')
		}
		return sb.String(), consumed
	}
	return "&amp;", 1
}

func isName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
		if unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}

// isXMLChar implements the Char production of XML 1.0.
func isXMLChar(r rune) bool {
	return r == 0x09 || r == 0x0A || r == 0x0D ||
		(r >= 0x20 && r <= 0xD7FF) ||
		(r >= 0xE000 && r <= 0xFFFD) ||
		(r >= 0x10000 && r <= 0x10FFFF)
}
