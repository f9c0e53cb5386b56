// Package util holds small text helpers shared by the daemon and the
// CLI.
package util

// Truncate shortens s to max runes, appending "..." when text was cut.
// With preserveWords the cut moves back to the last space inside the
// limit when one exists. Multi-byte text is never split mid-rune.
func Truncate(s string, max int, preserveWords bool) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return "..."[:max]
	}
	cut := max - 3
	if preserveWords {
		if idx := lastSpaceBefore(runes, cut); idx > 0 {
			cut = idx
		}
	}
	return string(runes[:cut]) + "..."
}

func lastSpaceBefore(runes []rune, pos int) int {
	for i := pos - 1; i >= 0; i-- {
		switch runes[i] {
		case ' ', '\t', '\n':
			return i
		}
	}
	return -1
}
