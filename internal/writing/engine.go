// Package writing turns curated notes into report prose: per-section
// drafting in document order with containers written after their
// children, plus title generation and final report assembly.
package writing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/dispatch"
	"github.com/fathomlabs/fathom/internal/events"
	"github.com/fathomlabs/fathom/internal/formatting"
	"github.com/fathomlabs/fathom/internal/llm"
	"github.com/fathomlabs/fathom/internal/mission"
	"github.com/fathomlabs/fathom/internal/store"
)

// ModelCaller issues role-addressed model calls for the mission.
type ModelCaller interface {
	Call(ctx context.Context, spec dispatch.CallSpec) (*llm.Result, *mission.CallDetails, error)
}

// Liveness reports whether the mission may keep admitting work.
type Liveness func(ctx context.Context) bool

// Engine drafts report sections.
type Engine struct {
	caller ModelCaller
	store  store.Store
	events *events.Manager
	logger *zap.Logger
}

// New builds a writing engine.
func New(caller ModelCaller, st store.Store, ev *events.Manager, logger *zap.Logger) *Engine {
	return &Engine{caller: caller, store: st, events: ev, logger: logger}
}

// Run drafts every section. Leaves are written from their assigned
// notes; containers are written after their children from the children's
// drafts. The checkpoint carries the assignment snapshot and the
// completed-section list, so a resumed mission skips sections already
// written. A failed section is logged and left for a later resume; only
// a halted mission or a store failure aborts the pass.
func (e *Engine) Run(ctx context.Context, m *mission.Mission, cp *mission.Checkpoint, live Liveness) error {
	if cp == nil {
		cp = &mission.Checkpoint{Phase: mission.PhaseWriting}
	}
	cp.Phase = mission.PhaseWriting
	if cp.Pass == 0 {
		cp.Pass = 1
	}

	outline, err := e.store.GetOutline(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("load outline: %w", err)
	}
	notes, err := e.store.GetNotes(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("load notes: %w", err)
	}
	byID := make(map[string]mission.Note, len(notes))
	for _, n := range notes {
		byID[n.ID] = n
	}
	assignments := make(map[string]mission.AssignedNotes, len(cp.Assignments))
	for _, an := range cp.Assignments {
		assignments[an.SectionID] = an
	}

	if err := e.store.SaveCheckpoint(ctx, m.ID, cp); err != nil {
		return fmt.Errorf("save writing checkpoint: %w", err)
	}

	for _, sec := range postOrder(outline) {
		if !live(ctx) {
			return mission.ErrHalted
		}
		if cp.SectionDone(sec.ID) {
			continue
		}

		var text string
		var draftErr error
		if sec.Leaf() {
			text, draftErr = e.draftLeaf(ctx, m, sec, assignments, byID)
		} else {
			text, draftErr = e.draftContainer(ctx, m, sec)
		}
		if draftErr != nil {
			if errors.Is(draftErr, mission.ErrHalted) || errors.Is(draftErr, context.Canceled) {
				return mission.ErrHalted
			}
			e.logger.Warn("Section draft failed, leaving for resume",
				zap.String("mission_id", m.ID),
				zap.String("section_id", sec.ID),
				zap.Error(draftErr))
			e.log(ctx, m.ID, mission.LogWarning, "section draft failed",
				map[string]any{"section_id": sec.ID, "error": draftErr.Error()})
			continue
		}

		if err := e.store.SaveSectionContent(ctx, m.ID, sec.ID, text); err != nil {
			return fmt.Errorf("save section content: %w", err)
		}
		cp.CompletedSections = append(cp.CompletedSections, sec.ID)
		if err := e.store.SaveCheckpoint(ctx, m.ID, cp); err != nil {
			return fmt.Errorf("save writing checkpoint: %w", err)
		}
		e.events.Publish(m.ID, events.Event{
			Type:   events.EventSectionDrafted,
			Phase:  string(mission.PhaseWriting),
			Detail: map[string]any{"section_id": sec.ID},
		})
		e.log(ctx, m.ID, mission.LogWriting, "section drafted",
			map[string]any{"section_id": sec.ID, "chars": len(text)})
	}
	return nil
}

// postOrder returns sections children-first, siblings in document
// order, so containers always follow the children they introduce.
func postOrder(o *mission.Outline) []*mission.ReportSection {
	var out []*mission.ReportSection
	var walk func(ss []*mission.ReportSection)
	walk = func(ss []*mission.ReportSection) {
		for _, s := range ss {
			walk(s.Subsections)
			out = append(out, s)
		}
	}
	walk(o.Sections)
	return out
}

// draftLeaf writes one leaf section from its assigned notes, falling
// back to the section's own associations when no assignment exists.
func (e *Engine) draftLeaf(ctx context.Context, m *mission.Mission, sec *mission.ReportSection, assignments map[string]mission.AssignedNotes, byID map[string]mission.Note) (string, error) {
	ids := sec.NoteIDs
	if an, ok := assignments[sec.ID]; ok && len(an.NoteIDs) > 0 {
		ids = an.NoteIDs
	}

	secNotes := make([]mission.Note, 0, len(ids))
	for _, id := range ids {
		if n, ok := byID[id]; ok {
			secNotes = append(secNotes, n)
		}
	}

	result, _, err := e.caller.Call(ctx, dispatch.CallSpec{
		Role:      "writer",
		Messages:  leafMessages(m.Query, sec, secNotes),
		MaxTokens: 3000,
	})
	if err != nil {
		return "", err
	}
	if result.Kind != llm.ResultText {
		return "", fmt.Errorf("draft for %s produced no text", sec.ID)
	}
	return formatting.CleanSection(sec.Title, result.Text), nil
}

// draftContainer writes a container section from its children's drafts.
func (e *Engine) draftContainer(ctx context.Context, m *mission.Mission, sec *mission.ReportSection) (string, error) {
	content, err := e.store.GetReportContent(ctx, m.ID)
	if err != nil {
		return "", fmt.Errorf("load drafted sections: %w", err)
	}

	result, _, err := e.caller.Call(ctx, dispatch.CallSpec{
		Role:      "writer",
		Messages:  containerMessages(sec, content),
		MaxTokens: 1500,
	})
	if err != nil {
		return "", err
	}
	if result.Kind != llm.ResultText {
		return "", fmt.Errorf("draft for %s produced no text", sec.ID)
	}
	return formatting.CleanSection(sec.Title, result.Text), nil
}

// GenerateTitle asks the title role for a report title. The title role
// is the one role allowed an empty result; empty or failed generation
// falls back to the default title derived from the query. Only a halted
// mission propagates as an error.
func (e *Engine) GenerateTitle(ctx context.Context, m *mission.Mission) (string, error) {
	result, _, err := e.caller.Call(ctx, dispatch.CallSpec{
		Role: "title",
		Messages: []llm.Message{
			llm.System("You produce concise report titles. Reply with the title alone, or with nothing to keep the working title."),
			llm.User(fmt.Sprintf("Research query: %s\n\nTitle the finished report.", m.Query)),
		},
		MaxTokens: 60,
	})
	if err != nil {
		if errors.Is(err, mission.ErrHalted) || errors.Is(err, context.Canceled) {
			return "", mission.ErrHalted
		}
		e.logger.Warn("Title generation failed, using default",
			zap.String("mission_id", m.ID), zap.Error(err))
		return m.DefaultTitle(), nil
	}
	if result.Empty() {
		return m.DefaultTitle(), nil
	}
	title := strings.TrimSpace(strings.Trim(strings.TrimSpace(result.Text), `"`))
	if title == "" {
		return m.DefaultTitle(), nil
	}
	return title, nil
}

// AssembleReport renders the final report: title, then every section in
// document order with markdown headings matched to nesting depth.
func AssembleReport(title string, o *mission.Outline, content map[string]string) string {
	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "# %s\n\n", title)
	}
	o.Walk(func(s *mission.ReportSection, depth int) {
		b.WriteString(strings.Repeat("#", depth+1))
		b.WriteString(" ")
		b.WriteString(s.Title)
		b.WriteString("\n\n")
		if text, ok := content[s.ID]; ok && text != "" {
			b.WriteString(strings.TrimSpace(text))
			b.WriteString("\n\n")
		}
	})
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// log appends to the execution log; failures degrade to debug logging.
func (e *Engine) log(ctx context.Context, missionID, kind, msg string, detail map[string]any) {
	err := e.store.AppendLog(ctx, mission.LogEntry{
		MissionID: missionID,
		Phase:     mission.PhaseWriting,
		Kind:      kind,
		Message:   msg,
		Detail:    detail,
	})
	if err != nil {
		e.logger.Debug("Execution log append failed", zap.Error(err))
	}
}

// citationTag returns the placeholder a note's material should be cited
// with, or "" for unsourced synthesis.
func citationTag(n mission.Note) string {
	switch {
	case n.SourceID != "":
		return "[" + n.SourceID + "]"
	case len(n.Origins) > 0:
		tags := make([]string, len(n.Origins))
		for i, id := range n.Origins {
			tags[i] = "[" + id + "]"
		}
		return strings.Join(tags, "")
	default:
		return ""
	}
}

func leafMessages(query string, sec *mission.ReportSection, notes []mission.Note) []llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Report topic: %s\n", query)
	fmt.Fprintf(&b, "Section: %s\n", sec.Title)
	if sec.Description != "" {
		fmt.Fprintf(&b, "Scope: %s\n", sec.Description)
	}
	b.WriteString("\nNotes to write from:\n")
	if len(notes) == 0 {
		b.WriteString("(none; write a brief section from the scope alone)\n")
	}
	for _, n := range notes {
		tag := citationTag(n)
		if tag == "" {
			fmt.Fprintf(&b, "- %s\n", n.Content)
			continue
		}
		fmt.Fprintf(&b, "- %s (cite as %s)\n", n.Content, tag)
	}
	b.WriteString("\nWrite the section in plain prose without headings. After every claim drawn from a note, " +
		"place that note's citation marker exactly as given, e.g. \"...costs fell sharply [web-a1b2c3d4e5f6].\" " +
		"Do not invent markers and do not cite unsourced notes.")
	return []llm.Message{
		llm.System("You write report sections from research notes, preserving the bracketed citation markers you are given."),
		llm.User(b.String()),
	}
}

func containerMessages(sec *mission.ReportSection, content map[string]string) []llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Container section: %s\n", sec.Title)
	if sec.Description != "" {
		fmt.Fprintf(&b, "Scope: %s\n", sec.Description)
	}
	b.WriteString("\nSubsection drafts:\n")
	for _, c := range sec.Subsections {
		fmt.Fprintf(&b, "## %s\n", c.Title)
		if text, ok := content[c.ID]; ok && text != "" {
			fmt.Fprintf(&b, "%s\n\n", text)
		}
	}
	b.WriteString("\nWrite a short introduction for the container section that frames these subsections. " +
		"Plain prose, no headings, keep any citation markers you quote intact.")
	return []llm.Message{
		llm.System("You write section introductions that frame the subsections beneath them."),
		llm.User(b.String()),
	}
}
