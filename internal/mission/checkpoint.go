package mission

import "time"

// ReflectionOutput is the structured payload a reflection call returns
// for one research cycle.
type ReflectionOutput struct {
	FollowUpQuestions []string               `json:"follow_up_questions,omitempty"`
	NewSubsections    []SubsectionSuggestion `json:"new_subsections,omitempty"`
	Restructures      []StructureSuggestion  `json:"restructures,omitempty"`
	DiscardNoteIDs    []string               `json:"discard_note_ids,omitempty"`
	CriticalIssues    string                 `json:"critical_issues,omitempty"`
	Thought           string                 `json:"thought,omitempty"`
}

// Settled reports whether the section needs no further cycles.
func (r *ReflectionOutput) Settled() bool {
	return len(r.FollowUpQuestions) == 0
}

// SubsectionSuggestion proposes a new subsection under an existing
// section. Suggestions are buffered per round and only applied by the
// inter-round revision step.
type SubsectionSuggestion struct {
	ParentID    string `json:"parent_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// StructureSuggestion proposes merging, reframing or deleting sections.
type StructureSuggestion struct {
	Kind       string   `json:"kind"`
	SectionIDs []string `json:"section_ids,omitempty"`
	Detail     string   `json:"detail,omitempty"`
}

// AssignedNotes records the assignment decision for one section.
type AssignedNotes struct {
	SectionID string   `json:"section_id"`
	NoteIDs   []string `json:"note_ids"`
	Rationale string   `json:"rationale,omitempty"`
}

// Checkpoint is the per-phase progress marker. Coarse phases only set
// Phase; structured_research and writing also record their inner
// position so a resume can skip verified work. The analysis and
// exploration phases persist the seed questions and scratchpad they
// hand to the next phase.
type Checkpoint struct {
	Phase             Phase           `json:"phase"`
	Round             int             `json:"round,omitempty"`
	Pass              int             `json:"pass,omitempty"`
	CompletedSections []string        `json:"completed_sections,omitempty"`
	RoundStarts       map[int]string  `json:"round_starts,omitempty"`
	Assignments       []AssignedNotes `json:"assignments,omitempty"`
	Citations         map[string]int  `json:"citations,omitempty"`
	SeedQuestions     []string        `json:"seed_questions,omitempty"`
	Scratchpad        string          `json:"scratchpad,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// SectionDone reports whether the given section was completed before
// the checkpoint was taken.
func (c *Checkpoint) SectionDone(id string) bool {
	if c == nil {
		return false
	}
	for _, s := range c.CompletedSections {
		if s == id {
			return true
		}
	}
	return false
}

// MarkRoundStart records when round r began. Timestamps are stored as
// RFC3339Nano strings so the checkpoint round-trips through JSON
// without precision loss.
func (c *Checkpoint) MarkRoundStart(r int, t time.Time) {
	if c.RoundStarts == nil {
		c.RoundStarts = make(map[int]string)
	}
	if _, ok := c.RoundStarts[r]; !ok {
		c.RoundStarts[r] = t.UTC().Format(time.RFC3339Nano)
	}
}

// RoundStart returns the recorded start of round r.
func (c *Checkpoint) RoundStart(r int) (time.Time, bool) {
	if c == nil || c.RoundStarts == nil {
		return time.Time{}, false
	}
	raw, ok := c.RoundStarts[r]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
