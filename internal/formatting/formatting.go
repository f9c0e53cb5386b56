// Package formatting cleans model-written report text. Section drafts
// are sanitized before storage and the assembled document gets one
// whitespace pass before publication.
package formatting

import (
	"regexp"
	"strings"
)

var blankRuns = regexp.MustCompile(`\n{3,}`)

// CleanSection normalizes one drafted section body. Models echo the
// section heading or wrap the whole body in a code fence despite
// instructions; either would corrupt the assembled document structure.
func CleanSection(title, text string) string {
	s := strings.TrimSpace(text)
	s = unwrapFence(s)
	return dropEchoedHeading(s, title)
}

// TidyDocument normalizes the assembled report: trailing whitespace is
// stripped per line, runs of blank lines collapse to one, and the text
// ends with exactly one newline.
func TidyDocument(text string) string {
	lines := strings.Split(text, "\n")
	for i, ln := range lines {
		lines[i] = strings.TrimRight(ln, " \t")
	}
	s := strings.Join(lines, "\n")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimRight(s, "\n") + "\n"
}

// unwrapFence removes a code fence spanning the entire body. A fence
// that only covers part of the text is content and stays.
func unwrapFence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") {
		return s
	}
	nl := strings.IndexByte(s, '\n')
	if nl < 0 {
		return s
	}
	body := s[nl+1 : len(s)-3]
	if strings.Contains(body, "```") {
		return s
	}
	return strings.TrimSpace(body)
}

// dropEchoedHeading removes a first line that restates the section
// title as a markdown heading. Headings introducing other material are
// legitimate content and stay.
func dropEchoedHeading(s, title string) string {
	first, rest, found := strings.Cut(s, "\n")
	trimmed := strings.TrimSpace(first)
	if !strings.HasPrefix(trimmed, "#") {
		return s
	}
	h := strings.TrimRight(strings.TrimLeft(trimmed, "# "), " :")
	if !strings.EqualFold(h, strings.TrimSpace(title)) {
		return s
	}
	if !found {
		return ""
	}
	return strings.TrimSpace(rest)
}
