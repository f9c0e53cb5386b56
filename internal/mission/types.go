package mission

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrHalted signals that a mission stopped being live (paused or
// stopped) while work was in flight. It is a cooperative early-return
// signal, not a failure.
var ErrHalted = errors.New("mission no longer live")

// ErrCriticalPlanning marks the one unrecoverable condition: no usable
// outline could be produced at all. It is the only error that fails a
// mission.
var ErrCriticalPlanning = errors.New("critical planning failure")

// Status is the lifecycle state of a mission.
type Status string

const (
	StatusPlanning  Status = "planning"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
)

// Live reports whether work may be admitted for a mission in this status.
// Paused and all terminal states refuse new work.
func (s Status) Live() bool {
	return s == StatusPlanning || s == StatusRunning
}

// Terminal reports whether the status can never change again. Stopped
// is not terminal: a stopped mission can be resumed after its current
// round is rolled back.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is a legal
// lifecycle transition.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusPlanning:
		return next == StatusRunning || next == StatusFailed || next == StatusStopped || next == StatusPaused
	case StatusRunning:
		return next == StatusPaused || next == StatusStopped || next == StatusCompleted || next == StatusFailed
	case StatusPaused:
		return next == StatusRunning || next == StatusStopped || next == StatusFailed
	case StatusStopped:
		return next == StatusRunning
	}
	return false
}

// Phase is one stage of the mission pipeline.
type Phase string

const (
	PhaseInitialAnalysis    Phase = "initial_analysis"
	PhaseInitialResearch    Phase = "initial_research"
	PhaseOutlineGeneration  Phase = "outline_generation"
	PhaseStructuredResearch Phase = "structured_research"
	PhaseNotePreparation    Phase = "note_preparation"
	PhaseWriting            Phase = "writing"
	PhaseTitleGeneration    Phase = "title_generation"
	PhaseCitationProcessing Phase = "citation_processing"
	PhaseCompleted          Phase = "completed"
)

// phaseOrder is the only legal progression. Phases never run out of order.
var phaseOrder = []Phase{
	PhaseInitialAnalysis,
	PhaseInitialResearch,
	PhaseOutlineGeneration,
	PhaseStructuredResearch,
	PhaseNotePreparation,
	PhaseWriting,
	PhaseTitleGeneration,
	PhaseCitationProcessing,
	PhaseCompleted,
}

// Phases returns the pipeline in execution order.
func Phases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// Valid reports whether p is a member of the pipeline.
func (p Phase) Valid() bool {
	for _, q := range phaseOrder {
		if p == q {
			return true
		}
	}
	return false
}

// Index returns the position of p in the pipeline, or -1.
func (p Phase) Index() int {
	for i, q := range phaseOrder {
		if p == q {
			return i
		}
	}
	return -1
}

// Next returns the phase after p. ok is false for the last phase or an
// unknown phase.
func (p Phase) Next() (Phase, bool) {
	i := p.Index()
	if i < 0 || i+1 >= len(phaseOrder) {
		return "", false
	}
	return phaseOrder[i+1], true
}

// SourceType classifies where a note's material came from.
type SourceType string

const (
	SourceDocument SourceType = "document"
	SourceWeb      SourceType = "web"
	SourceInternal SourceType = "internal"
)

// Note is one unit of gathered research material.
type Note struct {
	ID         string     `json:"id"`
	MissionID  string     `json:"mission_id"`
	Content    string     `json:"content"`
	SourceType SourceType `json:"source_type"`
	// SourceID is the simple reference id of the origin (document id,
	// hashed web id, or empty for internal synthesis).
	SourceID string `json:"source_id,omitempty"`
	// Origins lists the simple reference ids an internal note was
	// derived from, so citations resolve to real sources.
	Origins   []string  `json:"origins,omitempty"`
	SectionID string    `json:"section_id,omitempty"`
	Question  string    `json:"question,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewNoteID returns a globally unique note id.
func NewNoteID() string {
	return "note-" + uuid.New().String()
}

// SourceRef is the reference-list metadata behind a simple reference id.
type SourceRef struct {
	SimpleID string     `json:"simple_id"`
	Type     SourceType `json:"type"`
	Title    string     `json:"title,omitempty"`
	URL      string     `json:"url,omitempty"`
	Authors  []string   `json:"authors,omitempty"`
	Year     int        `json:"year,omitempty"`
}

// Stats accumulates model-call accounting for one mission.
type Stats struct {
	ModelCalls   int     `json:"model_calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	SearchCalls  int     `json:"search_calls"`
	Retries      int     `json:"retries"`
}

// CallDetails describes one completed or attempted model call. DedupKey
// identifies the logical call so accounting stays exactly-once across
// retries and replays.
type CallDetails struct {
	DedupKey     string        `json:"dedup_key"`
	Role         string        `json:"role"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	CostUSD      float64       `json:"cost_usd"`
	Attempts     int           `json:"attempts"`
	Duration     time.Duration `json:"duration"`
}

// LogEntry is one structured line of the mission execution log.
type LogEntry struct {
	ID        string         `json:"id"`
	MissionID string         `json:"mission_id"`
	Phase     Phase          `json:"phase"`
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Log entry kinds.
const (
	LogInfo       = "info"
	LogPhase      = "phase"
	LogResearch   = "research"
	LogReflection = "reflection"
	LogRevision   = "revision"
	LogCuration   = "curation"
	LogWriting    = "writing"
	LogWarning    = "warning"
	LogError      = "error"
)

// Config carries the per-mission limits. Zero values are replaced by
// Normalize.
type Config struct {
	MaxConcurrentCalls  int  `json:"max_concurrent_calls" yaml:"max_concurrent_calls"`
	ResearchRounds      int  `json:"research_rounds" yaml:"research_rounds"`
	MaxCyclesPerSection int  `json:"max_cycles_per_section" yaml:"max_cycles_per_section"`
	MaxQuestionDepth    int  `json:"max_question_depth" yaml:"max_question_depth"`
	MaxTotalQuestions   int  `json:"max_total_questions" yaml:"max_total_questions"`
	MaxOutlineDepth     int  `json:"max_outline_depth" yaml:"max_outline_depth"`
	MinNotesPerSection  int  `json:"min_notes_per_section" yaml:"min_notes_per_section"`
	MaxNotesPerSection  int  `json:"max_notes_per_section" yaml:"max_notes_per_section"`
	RerankTopK          int  `json:"rerank_top_k" yaml:"rerank_top_k"`
	SkipFinalRevision   bool `json:"skip_final_revision" yaml:"skip_final_revision"`
}

// DefaultConfig returns the limits used when a mission does not override
// them.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentCalls:  4,
		ResearchRounds:      2,
		MaxCyclesPerSection: 3,
		MaxQuestionDepth:    2,
		MaxTotalQuestions:   12,
		MaxOutlineDepth:     3,
		MinNotesPerSection:  2,
		MaxNotesPerSection:  8,
		RerankTopK:          20,
	}
}

// Normalize replaces non-positive limits with defaults and clamps
// inconsistent bounds.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.MaxConcurrentCalls <= 0 {
		c.MaxConcurrentCalls = d.MaxConcurrentCalls
	}
	if c.ResearchRounds <= 0 {
		c.ResearchRounds = d.ResearchRounds
	}
	if c.MaxCyclesPerSection <= 0 {
		c.MaxCyclesPerSection = d.MaxCyclesPerSection
	}
	if c.MaxQuestionDepth <= 0 {
		c.MaxQuestionDepth = d.MaxQuestionDepth
	}
	if c.MaxTotalQuestions <= 0 {
		c.MaxTotalQuestions = d.MaxTotalQuestions
	}
	if c.MaxOutlineDepth <= 0 {
		c.MaxOutlineDepth = d.MaxOutlineDepth
	}
	if c.MinNotesPerSection <= 0 {
		c.MinNotesPerSection = d.MinNotesPerSection
	}
	if c.MaxNotesPerSection < c.MinNotesPerSection {
		c.MaxNotesPerSection = c.MinNotesPerSection + d.MaxNotesPerSection
	}
	if c.RerankTopK <= 0 {
		c.RerankTopK = d.RerankTopK
	}
}

// Mission is the root aggregate for one research report request.
type Mission struct {
	ID              string               `json:"id"`
	Query           string               `json:"query"`
	Status          Status               `json:"status"`
	Phase           Phase                `json:"phase"`
	CompletedPhases []Phase              `json:"completed_phases"`
	Title           string               `json:"title,omitempty"`
	Brief           string               `json:"brief,omitempty"`
	Config          Config               `json:"config"`
	SourceRefs      map[string]SourceRef `json:"source_refs,omitempty"`
	Stats           Stats                `json:"stats"`
	Error           string               `json:"error,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// New builds a mission in the planning state for the given query.
func New(query string, cfg Config) *Mission {
	cfg.Normalize()
	now := time.Now().UTC()
	return &Mission{
		ID:         "msn-" + uuid.New().String(),
		Query:      query,
		Status:     StatusPlanning,
		Phase:      PhaseInitialAnalysis,
		Config:     cfg,
		SourceRefs: map[string]SourceRef{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// PhaseCompleted reports whether p has been verified complete.
func (m *Mission) PhaseCompleted(p Phase) bool {
	for _, q := range m.CompletedPhases {
		if q == p {
			return true
		}
	}
	return false
}

// FirstIncompletePhase returns the earliest phase not yet verified
// complete. It returns PhaseCompleted when every phase is done.
func (m *Mission) FirstIncompletePhase() Phase {
	for _, p := range phaseOrder {
		if p == PhaseCompleted {
			break
		}
		if !m.PhaseCompleted(p) {
			return p
		}
	}
	return PhaseCompleted
}

// DefaultTitle derives the fallback report title from the query.
func (m *Mission) DefaultTitle() string {
	const max = 80
	t := m.Query
	if len(t) > max {
		t = t[:max]
	}
	if t == "" {
		t = fmt.Sprintf("Research Report %s", m.ID)
	}
	return t
}
