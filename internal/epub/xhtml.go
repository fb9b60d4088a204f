package epub

import (
	"html"
	"regexp"
	"strings"
)

var (
	boldRe   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe = regexp.MustCompile(`\*([^*]+)\*|\b_([^_]+)_\b`)
)

// markdownToXHTML converts a chapter body to XHTML. Blank lines separate
// paragraphs; consecutive lines are joined. Headings, block quotes, rules,
// bold and italics are recognized.
func markdownToXHTML(md string) string {
	var out strings.Builder
	var para []string
	closePara := func() {
		if len(para) > 0 {
			out.WriteString("  <p>" + inline(strings.Join(para, " ")) + "</p>\n")
			para = para[:0]
		}
	}

	for _, line := range strings.Split(md, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			closePara()
		case line == "---" || line == "***" || line == "* * *":
			closePara()
			out.WriteString("  <hr/>\n")
		case strings.HasPrefix(line, "### "):
			closePara()
			out.WriteString("  <h4>" + inline(line[4:]) + "</h4>\n")
		case strings.HasPrefix(line, "> "):
			closePara()
			out.WriteString("  <blockquote><p>" + inline(line[2:]) + "</p></blockquote>\n")
		default:
			para = append(para, line)
		}
	}
	closePara()
	return out.String()
}

func inline(s string) string {
	s = html.EscapeString(s)
	s = boldRe.ReplaceAllString(s, "<strong>$1</strong>")
	return italicRe.ReplaceAllStringFunc(s, func(m string) string {
		return "<em>" + strings.Trim(m, "*_") + "</em>"
	})
}
