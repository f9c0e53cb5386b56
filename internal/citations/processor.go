// Package citations rewrites inline source placeholders into a stable
// numbered citation scheme and appends the matching reference list.
package citations

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/mission"
)

// bracketRun matches one or more directly adjacent bracketed ids.
// Ids never contain spaces, so prose brackets like "[see below]" are
// not touched.
var bracketRun = regexp.MustCompile(`(?:\[[A-Za-z0-9][A-Za-z0-9_.:-]*\])+`)

// Processor turns placeholder citations into numbered ones.
type Processor struct {
	logger *zap.Logger
}

// NewProcessor builds a citation processor.
func NewProcessor(logger *zap.Logger) *Processor {
	return &Processor{logger: logger}
}

// Process rewrites the report text: note-id placeholders are resolved
// to their original sources, adjacent citation runs are normalized,
// every distinct source id gets a number in first-appearance order, and
// a reference list is appended. Text without placeholders passes
// through unchanged with a nil mapping.
func (p *Processor) Process(text string, notes []mission.Note, sources map[string]mission.SourceRef) (string, map[string]int) {
	resolved := resolveNoteIDs(text, notes)
	normalized := Normalize(resolved)

	numbers := map[string]int{}
	var order []string
	replaced := rewriteRuns(normalized, func(ids []string) string {
		var b strings.Builder
		for _, id := range ids {
			n, ok := numbers[id]
			if !ok {
				n = len(order) + 1
				numbers[id] = n
				order = append(order, id)
			}
			fmt.Fprintf(&b, "[%d]", n)
		}
		return b.String()
	})

	if len(order) == 0 {
		// Nothing to number. Resolution may still have stripped
		// unsourceable note markers.
		return resolved, nil
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(replaced, "\n"))
	b.WriteString("\n\n## References\n\n")
	for i, id := range order {
		b.WriteString(formatReference(i+1, id, sources))
		b.WriteString("\n")
	}
	if p.logger != nil {
		p.logger.Debug("Citations processed",
			zap.Int("distinct_sources", len(order)))
	}
	return b.String(), numbers
}

// Normalize sorts every run of two or more adjacent bracketed ids into
// numeric-then-lexicographic order and drops duplicates within a run.
// Normalizing already-normalized text is a no-op.
func Normalize(text string) string {
	return rewriteRuns(text, func(ids []string) string {
		if len(ids) > 1 {
			ids = sortIDs(ids)
		}
		return "[" + strings.Join(ids, "][") + "]"
	})
}

// resolveNoteIDs replaces placeholders that name a note rather than a
// source: derived notes expand to their origin sources, sourced notes
// to their source id, and unsourced synthesis loses its marker.
func resolveNoteIDs(text string, notes []mission.Note) string {
	if len(notes) == 0 {
		return text
	}
	byID := make(map[string]mission.Note, len(notes))
	for _, n := range notes {
		byID[n.ID] = n
	}
	return rewriteRuns(text, func(ids []string) string {
		var b strings.Builder
		for _, id := range ids {
			n, ok := byID[id]
			if !ok {
				b.WriteString("[" + id + "]")
				continue
			}
			switch {
			case len(n.Origins) > 0:
				for _, origin := range n.Origins {
					b.WriteString("[" + origin + "]")
				}
			case n.SourceID != "":
				b.WriteString("[" + n.SourceID + "]")
			}
		}
		return b.String()
	})
}

// rewriteRuns calls fn on every maximal run of bracket groups and
// splices the replacement in. A group directly followed by "(" is a
// markdown link label and is passed through untouched.
func rewriteRuns(text string, fn func(ids []string) string) string {
	locs := bracketRun.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return text
	}
	buf := make([]byte, 0, len(text)+64)
	last := 0
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		run := text[start:end]
		linkTail := ""
		if end < len(text) && text[end] == '(' {
			cut := strings.LastIndex(run, "[")
			linkTail = run[cut:]
			run = run[:cut]
		}
		buf = append(buf, text[last:start]...)
		if run != "" {
			repl := fn(parseRun(run))
			if repl == "" && len(buf) > 0 && buf[len(buf)-1] == ' ' {
				buf = buf[:len(buf)-1]
			}
			buf = append(buf, repl...)
		}
		buf = append(buf, linkTail...)
		last = end
	}
	buf = append(buf, text[last:]...)
	return string(buf)
}

func parseRun(run string) []string {
	return strings.Split(run[1:len(run)-1], "][")
}

// sortIDs orders ids numerically when both parse as integers, places
// numeric ids before textual ones, and falls back to lexicographic
// order. Duplicates collapse.
func sortIDs(ids []string) []string {
	uniq := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}
	sort.SliceStable(uniq, func(i, j int) bool {
		return lessID(uniq[i], uniq[j])
	})
	return uniq
}

func lessID(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a < b
	}
}

// formatReference renders one reference entry from the recorded source
// metadata, or the unknown-document fallback when none exists.
func formatReference(n int, id string, sources map[string]mission.SourceRef) string {
	ref, ok := sources[id]
	if !ok {
		return fmt.Sprintf("[%d] Unknown Document (%s)", n, id)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%d]", n)
	if len(ref.Authors) > 0 {
		b.WriteString(" " + strings.Join(ref.Authors, ", "))
		if ref.Year > 0 {
			fmt.Fprintf(&b, " (%d)", ref.Year)
		}
		b.WriteString(".")
	} else if ref.Year > 0 {
		fmt.Fprintf(&b, " (%d).", ref.Year)
	}
	title := ref.Title
	if title == "" {
		title = fmt.Sprintf("Unknown Document (%s)", id)
	}
	b.WriteString(" " + title)
	if !strings.HasSuffix(title, ".") {
		b.WriteString(".")
	}
	if ref.URL != "" {
		b.WriteString(" " + ref.URL)
	}
	return b.String()
}
