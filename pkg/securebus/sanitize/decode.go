package sanitize

import (
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	unicodeEscapeRe = regexp.MustCompile(`\\u([0-9a-fA-F]{4})`)
	hexEscapeRe     = regexp.MustCompile(`\\x([0-9a-fA-F]{2})`)
)

// maxDecodeRounds bounds nested encodings such as "&amp;lt;".
const maxDecodeRounds = 3

// decode reveals content hidden behind encodings before it is scanned:
// NFKC normalization, HTML entities (named, decimal and hex), \uXXXX and \xXX
// escapes, then percent-encoding.
func decode(s string) string {
	for i := 0; i < maxDecodeRounds; i++ {
		next := decodeOnce(s)
		if next == s {
			break
		}
		s = next
	}
	return s
}

func decodeOnce(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if strings.ContainsRune(s, '&') {
		s = html.UnescapeString(s)
	}
	if strings.Contains(s, `\u`) {
		s = unicodeEscapeRe.ReplaceAllStringFunc(s, func(m string) string {
			return decodeCodePoint(m[2:], 16)
		})
	}
	if strings.Contains(s, `\x`) {
		s = hexEscapeRe.ReplaceAllStringFunc(s, func(m string) string {
			return decodeCodePoint(m[2:], 16)
		})
	}
	if strings.ContainsRune(s, '%') {
		if u, err := url.PathUnescape(s); err == nil {
			s = u
		}
	}
	return s
}

func decodeCodePoint(digits string, base int) string {
	n, err := strconv.ParseUint(digits, base, 32)
	if err != nil {
		return ""
	}
	return string(rune(n))
}
