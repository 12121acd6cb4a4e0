package resolver

import (
	"html"
	"regexp"
	"strings"
)

var (
	lineBreaks = regexp.MustCompile(`(?i)<br\s*/?>`)
	paragraphs = regexp.MustCompile(`(?i)</p>\s*<p[^>]*>`)
	blankLines = regexp.MustCompile(`\n{3,}`)
)

// htmlToText reduces remote HTML content to plain text, keeping line and
// paragraph breaks.
func (r *Resolver) htmlToText(s string) string {
	if s == "" {
		return ""
	}
	s = lineBreaks.ReplaceAllString(s, "\n")
	s = paragraphs.ReplaceAllString(s, "\n\n")
	s = r.sanitizer.Sanitize(s)
	s = html.UnescapeString(s)
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
