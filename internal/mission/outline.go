package mission

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Strategy decides how a report section gets its content.
type Strategy string

const (
	// StrategyResearchBased sections are leaves filled by targeted
	// research cycles.
	StrategyResearchBased Strategy = "research_based"
	// StrategyContentBased sections are written directly from already
	// collected notes.
	StrategyContentBased Strategy = "content_based"
	// StrategySynthesize sections introduce their subsections and are
	// written after the children.
	StrategySynthesize Strategy = "synthesize_from_subsections"
)

// ReportSection is one node of the report outline.
type ReportSection struct {
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Strategy    Strategy         `json:"strategy"`
	Subsections []*ReportSection `json:"subsections,omitempty"`
	NoteIDs     []string         `json:"note_ids,omitempty"`
}

// Leaf reports whether the section has no subsections.
func (s *ReportSection) Leaf() bool { return len(s.Subsections) == 0 }

// NewSectionID returns a unique section id. Revision may introduce
// sections the model did not name.
func NewSectionID() string {
	return "sec-" + uuid.New().String()[:8]
}

// Outline is the full report plan.
type Outline struct {
	Title    string           `json:"title,omitempty"`
	Sections []*ReportSection `json:"sections"`
}

// Walk visits every section in document order (depth-first, parents
// before children).
func (o *Outline) Walk(fn func(s *ReportSection, depth int)) {
	var walk func(ss []*ReportSection, depth int)
	walk = func(ss []*ReportSection, depth int) {
		for _, s := range ss {
			fn(s, depth)
			walk(s.Subsections, depth+1)
		}
	}
	walk(o.Sections, 1)
}

// Sections in document order.
func (o *Outline) All() []*ReportSection {
	var out []*ReportSection
	o.Walk(func(s *ReportSection, _ int) { out = append(out, s) })
	return out
}

// Find returns the section with the given id, or nil.
func (o *Outline) Find(id string) *ReportSection {
	var found *ReportSection
	o.Walk(func(s *ReportSection, _ int) {
		if found == nil && s.ID == id {
			found = s
		}
	})
	return found
}

// Depth returns the deepest nesting level, 0 for an empty outline.
func (o *Outline) Depth() int {
	max := 0
	o.Walk(func(_ *ReportSection, depth int) {
		if depth > max {
			max = depth
		}
	})
	return max
}

// ResearchLeaves returns the research_based leaf sections in document
// order. Sections that declare research_based but carry children are
// excluded; the caller logs the skip.
func (o *Outline) ResearchLeaves() []*ReportSection {
	var out []*ReportSection
	o.Walk(func(s *ReportSection, _ int) {
		if s.Strategy == StrategyResearchBased && s.Leaf() {
			out = append(out, s)
		}
	})
	return out
}

// Validate enforces the structural invariants: bounded depth, unique
// ids, research_based only on leaves, and container strategies only on
// sections with children.
func (o *Outline) Validate(maxDepth int) error {
	if len(o.Sections) == 0 {
		return fmt.Errorf("outline has no sections")
	}
	if d := o.Depth(); maxDepth > 0 && d > maxDepth {
		return fmt.Errorf("outline depth %d exceeds limit %d", d, maxDepth)
	}
	seen := make(map[string]bool)
	var err error
	o.Walk(func(s *ReportSection, _ int) {
		if err != nil {
			return
		}
		switch {
		case s.ID == "":
			err = fmt.Errorf("section %q has no id", s.Title)
		case seen[s.ID]:
			err = fmt.Errorf("duplicate section id %q", s.ID)
		case s.Strategy == StrategyResearchBased && !s.Leaf():
			err = fmt.Errorf("section %q is research_based but has subsections", s.ID)
		case s.Strategy == StrategySynthesize && s.Leaf():
			err = fmt.Errorf("section %q synthesizes from subsections but has none", s.ID)
		case s.Strategy != StrategyResearchBased && s.Strategy != StrategyContentBased && s.Strategy != StrategySynthesize:
			err = fmt.Errorf("section %q has unknown strategy %q", s.ID, s.Strategy)
		}
		seen[s.ID] = true
	})
	return err
}

// Equal compares two outlines structurally, ignoring note associations.
// Revision only replaces the stored outline when the revised tree
// differs.
func (o *Outline) Equal(other *Outline) bool {
	if other == nil {
		return false
	}
	if o.Title != other.Title {
		return false
	}
	return sectionsEqual(o.Sections, other.Sections)
}

func sectionsEqual(a, b []*ReportSection) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Title != b[i].Title ||
			a[i].Description != b[i].Description || a[i].Strategy != b[i].Strategy {
			return false
		}
		if !sectionsEqual(a[i].Subsections, b[i].Subsections) {
			return false
		}
	}
	return true
}

// Clone deep-copies the outline.
func (o *Outline) Clone() *Outline {
	if o == nil {
		return nil
	}
	return &Outline{Title: o.Title, Sections: cloneSections(o.Sections)}
}

func cloneSections(ss []*ReportSection) []*ReportSection {
	if ss == nil {
		return nil
	}
	out := make([]*ReportSection, len(ss))
	for i, s := range ss {
		c := *s
		c.NoteIDs = append([]string(nil), s.NoteIDs...)
		c.Subsections = cloneSections(s.Subsections)
		out[i] = &c
	}
	return out
}

// Markdown renders the outline skeleton for prompts and for the report
// assembly step.
func (o *Outline) Markdown() string {
	var b strings.Builder
	o.Walk(func(s *ReportSection, depth int) {
		b.WriteString(strings.Repeat("#", depth+1))
		b.WriteString(" ")
		b.WriteString(s.Title)
		b.WriteString("\n")
		if s.Description != "" {
			b.WriteString(s.Description)
			b.WriteString("\n")
		}
	})
	return b.String()
}
